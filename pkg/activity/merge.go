package activity

import (
	"encoding/json"
	"fmt"
	"runtime"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/Sternrassler/openproject-crawler/pkg/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for merge runs.
var (
	mergeTasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "opcrawl_merge_tasks_total",
		Help: "Total merged task feeds by outcome",
	}, []string{"outcome"})

	mergeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "opcrawl_merge_duration_seconds",
		Help:    "Duration of a full merge run in seconds",
		Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 30},
	})
)

// MergerConfig holds merger configuration.
type MergerConfig struct {
	// Workers is the pool size. Default: 2 * GOMAXPROCS.
	Workers int

	// Logger overrides the component logger. Optional.
	Logger *zerolog.Logger
}

// Merger turns raw activity pages into Task records using a worker pool.
type Merger struct {
	workers int
	logger  zerolog.Logger
}

// NewMerger creates a merger.
func NewMerger(cfg MergerConfig) *Merger {
	if cfg.Workers <= 0 {
		cfg.Workers = 2 * runtime.GOMAXPROCS(0)
	}
	return &Merger{
		workers: cfg.Workers,
		logger:  logging.OrDefault(cfg.Logger, "activity-merger"),
	}
}

// mergeResult is one worker's outcome for one page.
type mergeResult struct {
	task Task
	err  error
}

// Merge parses every page in parallel. Pages that fail to parse are logged
// with their raw payload and left out; Merge itself never fails. The order
// of the returned tasks is unspecified; use SortTasks for a stable order.
func (m *Merger) Merge(pages []Page) []Task {
	start := time.Now()
	defer func() {
		mergeDuration.Observe(time.Since(start).Seconds())
	}()

	if len(pages) == 0 {
		return []Task{}
	}

	workers := m.workers
	if workers > len(pages) {
		workers = len(pages)
	}

	jobs := make(chan Page, len(pages))
	results := make(chan mergeResult, len(pages))

	for _, p := range pages {
		jobs <- p
	}
	close(jobs)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go m.worker(jobs, results, &wg)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	tasks := make([]Task, 0, len(pages))
	failed := 0
	for r := range results {
		if r.err != nil {
			failed++
			continue
		}
		tasks = append(tasks, r.task)
	}

	m.logger.Info().
		Int("pages", len(pages)).
		Int("merged", len(tasks)).
		Int("failed", failed).
		Int("workers", workers).
		Dur("duration", time.Since(start)).
		Msg("Merge complete")

	return tasks
}

// worker parses pages from the queue.
func (m *Merger) worker(jobs <-chan Page, results chan<- mergeResult, wg *sync.WaitGroup) {
	defer wg.Done()

	for page := range jobs {
		task, err := m.parse(page)
		if err != nil {
			mergeTasksTotal.WithLabelValues("failed").Inc()
			m.logger.Error().
				Err(err).
				Str("task_id", string(page.TaskID)).
				RawJSON("payload", rawPayload(page)).
				Msg("Failed to parse task activities")
		} else {
			mergeTasksTotal.WithLabelValues("merged").Inc()
		}
		results <- mergeResult{task: task, err: err}
	}
}

// parse isolates panics to the page that caused them.
func (m *Merger) parse(page Page) (task Task, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &ParseError{TaskID: page.TaskID, Event: -1, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	return ParseTask(page)
}

// rawPayload renders the page's events as a JSON array for logging. Events
// that are not valid JSON are logged as strings.
func rawPayload(page Page) []byte {
	b, err := json.Marshal(page.Events)
	if err == nil {
		return b
	}

	raw := make([]string, len(page.Events))
	for i, ev := range page.Events {
		raw[i] = string(ev)
	}
	b, _ = json.Marshal(raw)
	return b
}

// SortTasks orders tasks by id: numerically when both ids are numbers,
// lexically otherwise.
func SortTasks(tasks []Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		a, errA := strconv.Atoi(tasks[i].ID)
		b, errB := strconv.Atoi(tasks[j].ID)
		if errA == nil && errB == nil {
			return a < b
		}
		return tasks[i].ID < tasks[j].ID
	})
}
