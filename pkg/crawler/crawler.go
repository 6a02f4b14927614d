package crawler

import (
	"context"
	"fmt"
	"time"

	"github.com/Sternrassler/openproject-crawler/pkg/activity"
	"github.com/Sternrassler/openproject-crawler/pkg/logging"
	"github.com/rs/zerolog"
)

// Config holds crawler configuration.
type Config struct {
	// PageSize for list resources. <= 0 uses the server default.
	PageSize int

	// MergeWorkers sizes the activity merge pool. <= 0 uses 2 * GOMAXPROCS.
	MergeWorkers int

	// Logger overrides the component logger. Optional.
	Logger *zerolog.Logger
}

// Crawler composes the catalogs, the activity fan-out and the merger into a
// full project crawl.
type Crawler struct {
	fetcher    Fetcher
	pageSize   int
	projects   *ProjectCatalog
	statuses   *StatusCatalog
	activities *ActivityCrawler
	merger     *activity.Merger
	logger     zerolog.Logger
}

// Report is the outcome of Run.
type Report struct {
	Project  string
	Tasks    []activity.Task // sorted by id
	Failures []Failure       // tasks whose feed could not be fetched
	Total    int             // task ids crawled
	Duration time.Duration
}

// New creates a crawler on top of f.
func New(f Fetcher, cfg Config) *Crawler {
	logger := logging.OrDefault(cfg.Logger, "crawler")

	return &Crawler{
		fetcher:    f,
		pageSize:   cfg.PageSize,
		projects:   NewProjectCatalog(f, cfg.PageSize),
		statuses:   NewStatusCatalog(f),
		activities: NewActivityCrawler(f, cfg.PageSize, &logger),
		merger:     activity.NewMerger(activity.MergerConfig{Workers: cfg.MergeWorkers, Logger: &logger}),
		logger:     logger,
	}
}

// Projects returns the project catalog.
func (c *Crawler) Projects() *ProjectCatalog {
	return c.projects
}

// Statuses returns the status catalog.
func (c *Crawler) Statuses() *StatusCatalog {
	return c.statuses
}

// WorkPackages returns a set for q. A zero PageSize takes the crawler's.
func (c *Crawler) WorkPackages(q WorkPackageQuery) *WorkPackageSet {
	if q.PageSize == 0 {
		q.PageSize = c.pageSize
	}
	return NewWorkPackageSet(c.fetcher, q)
}

// ProjectWorkPackages returns the set of work packages belonging to project
// (identifier or numeric id), narrowed by any extra filters.
func (c *Crawler) ProjectWorkPackages(ctx context.Context, project string, filters ...Filter) (*WorkPackageSet, error) {
	id, err := c.projects.ResolveProjectID(ctx, project)
	if err != nil {
		return nil, err
	}

	all := append([]Filter{ProjectFilter(id)}, filters...)
	return c.WorkPackages(WorkPackageQuery{Filters: all}), nil
}

// ProjectTasks returns the task ids of project.
func (c *Crawler) ProjectTasks(ctx context.Context, project string, filters ...Filter) ([]activity.TaskID, error) {
	set, err := c.ProjectWorkPackages(ctx, project, filters...)
	if err != nil {
		return nil, err
	}
	return set.TaskIDs(ctx)
}

// Run crawls and merges the activities of every task in project.
func (c *Crawler) Run(ctx context.Context, project string) (*Report, error) {
	start := time.Now()

	ids, err := c.ProjectTasks(ctx, project)
	if err != nil {
		return nil, fmt.Errorf("list tasks of %s: %w", project, err)
	}
	if len(ids) == 0 {
		c.logger.Info().Str("project", project).Msg("Project has no tasks")
		return &Report{Project: project, Tasks: []activity.Task{}, Duration: time.Since(start)}, nil
	}

	c.logger.Info().
		Str("project", project).
		Int("tasks", len(ids)).
		Msg("Crawling task activities")

	crawl, err := c.activities.Crawl(ctx, ids)
	if err != nil {
		return nil, err
	}

	tasks := c.merger.Merge(crawl.Pages)
	activity.SortTasks(tasks)

	report := &Report{
		Project:  project,
		Tasks:    tasks,
		Failures: crawl.Failures,
		Total:    len(ids),
		Duration: time.Since(start),
	}

	c.logger.Info().
		Str("project", project).
		Int("tasks", report.Total).
		Int("merged", len(report.Tasks)).
		Int("fetch_failures", len(report.Failures)).
		Dur("duration", report.Duration).
		Msg("Crawl complete")

	return report, nil
}
