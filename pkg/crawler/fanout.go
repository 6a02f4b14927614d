package crawler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Sternrassler/openproject-crawler/pkg/activity"
	"github.com/Sternrassler/openproject-crawler/pkg/client"
	"github.com/Sternrassler/openproject-crawler/pkg/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var crawlTasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "opcrawl_crawl_tasks_total",
	Help: "Total activity feed fetches by outcome",
}, []string{"outcome"})

// ErrNoTaskIDs is returned when CrawlActivities is called without ids.
// It matches client.ErrConfiguration.
var ErrNoTaskIDs = fmt.Errorf("%w: no task ids to crawl", client.ErrConfiguration)

// Failure is one task whose feed could not be fetched.
type Failure struct {
	TaskID activity.TaskID `json:"task_id"`
	Err    error           `json:"-"`
}

// Error implements the error interface.
func (f Failure) Error() string {
	return fmt.Sprintf("task %s: %v", f.TaskID, f.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (f Failure) Unwrap() error {
	return f.Err
}

// CrawlReport is the outcome of one fan-out.
type CrawlReport struct {
	Pages    []activity.Page
	Failures []Failure
	Duration time.Duration
}

// ActivityCrawler fetches the activity feed of many tasks concurrently.
type ActivityCrawler struct {
	fetcher  Fetcher
	pageSize int
	logger   zerolog.Logger
}

// NewActivityCrawler creates a crawler requesting pageSize events per feed
// (<= 0 uses the server default). logger may be nil.
func NewActivityCrawler(f Fetcher, pageSize int, logger *zerolog.Logger) *ActivityCrawler {
	return &ActivityCrawler{
		fetcher:  f,
		pageSize: pageSize,
		logger:   logging.OrDefault(logger, "activity-crawler"),
	}
}

// CrawlActivities fetches every task's feed. Tasks whose fetch fails are
// logged and left out, so the result may be shorter than ids. Result order
// is completion order.
func (c *ActivityCrawler) CrawlActivities(ctx context.Context, ids []activity.TaskID) ([]activity.Page, error) {
	report, err := c.Crawl(ctx, ids)
	if err != nil {
		return nil, err
	}
	return report.Pages, nil
}

// Crawl is CrawlActivities with the per-task failures reported as well.
//
// One goroutine is started per id; the fetcher's rate limiter is the only
// throttle. Cancelling ctx stops all waiting and discards partial results.
func (c *ActivityCrawler) Crawl(ctx context.Context, ids []activity.TaskID) (*CrawlReport, error) {
	if len(ids) == 0 {
		return nil, ErrNoTaskIDs
	}

	start := time.Now()

	type result struct {
		page activity.Page
		err  error
		id   activity.TaskID
	}
	results := make(chan result, len(ids))

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id activity.TaskID) {
			defer wg.Done()
			page, err := c.fetchFeed(ctx, id)
			results <- result{page: page, err: err, id: id}
		}(id)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	report := &CrawlReport{Pages: make([]activity.Page, 0, len(ids))}
	for r := range results {
		if r.err != nil {
			report.Failures = append(report.Failures, Failure{TaskID: r.id, Err: r.err})
			continue
		}
		report.Pages = append(report.Pages, r.page)
	}
	report.Duration = time.Since(start)

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("crawl activities: %w", err)
	}

	for _, f := range report.Failures {
		crawlTasksTotal.WithLabelValues("failed").Inc()
		level := zerolog.WarnLevel
		if errors.Is(f.Err, client.ErrRetryExhausted) {
			level = zerolog.ErrorLevel
		}
		c.logger.WithLevel(level).
			Err(f.Err).
			Str("task_id", string(f.TaskID)).
			Msg("Failed to fetch task activities")
	}
	crawlTasksTotal.WithLabelValues("fetched").Add(float64(len(report.Pages)))

	c.logger.Info().
		Int("tasks", len(ids)).
		Int("fetched", len(report.Pages)).
		Int("failed", len(report.Failures)).
		Dur("duration", report.Duration).
		Msg("Activity crawl complete")

	return report, nil
}

// fetchFeed fetches and unwraps one task's activity collection.
func (c *ActivityCrawler) fetchFeed(ctx context.Context, id activity.TaskID) (activity.Page, error) {
	path := fmt.Sprintf("/work_packages/%s/activities", id)

	coll, err := fetchCollection(ctx, c.fetcher, path, pageParams(c.pageSize))
	if err != nil {
		return activity.Page{}, err
	}

	c.logger.Debug().
		Str("task_id", string(id)).
		Int("events", len(coll.Embedded.Elements)).
		Msg("Fetched task activities")

	return activity.Page{TaskID: id, Events: coll.Embedded.Elements}, nil
}
