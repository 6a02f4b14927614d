package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Sternrassler/openproject-crawler/pkg/client"
	"github.com/Sternrassler/openproject-crawler/pkg/export"
	"github.com/Sternrassler/openproject-crawler/pkg/metrics"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

const (
	readyTimeout    = 2 * time.Second
	shutdownTimeout = 10 * time.Second
)

type serveOptions struct {
	projects []string
	schedule string
	addr     string
	formats  string
	output   string
	runNow   bool
}

func newServeCmd(opts *options) *cobra.Command {
	so := &serveOptions{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Crawl projects on a cron schedule and expose health and metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			// progress bars make no sense in a daemon
			a.quiet = true

			if so.formats == "" {
				so.formats = a.cfg.Output.Formats
			}
			if so.output == "" {
				so.output = a.cfg.Output.Dir
			}
			return runServe(cmd.Context(), a, so)
		},
	}

	cmd.Flags().StringSliceVarP(&so.projects, "project", "p", nil, "Project identifiers to crawl (repeatable)")
	cmd.Flags().StringVar(&so.schedule, "schedule", "@every 1h", "Cron schedule (5 fields or descriptor)")
	cmd.Flags().StringVar(&so.addr, "addr", ":9090", "Listen address for /health, /ready and /metrics")
	cmd.Flags().StringVarP(&so.formats, "format", "f", "", "Comma-separated formats: json, xlsx (default from config)")
	cmd.Flags().StringVarP(&so.output, "output", "o", "", "Output directory (default from config)")
	cmd.Flags().BoolVar(&so.runNow, "run-now", false, "Crawl once at startup before the first scheduled run")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func runServe(ctx context.Context, a *app, so *serveOptions) error {
	formats, err := export.ParseFormats(so.formats)
	if err != nil {
		return err
	}

	logger := cronLogger{logger: a.logger}
	scheduler := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)

	job := func() {
		a.scheduledTick(ctx, so.projects, formats, so.output)
	}
	if _, err := scheduler.AddFunc(so.schedule, job); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", so.schedule, err)
	}

	srv := &http.Server{
		Addr:              so.addr,
		Handler:           newServeMux(a.redis),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	a.logger.Info().
		Str("addr", so.addr).
		Str("schedule", so.schedule).
		Strs("projects", so.projects).
		Msg("Serving")

	scheduler.Start()
	if so.runNow {
		go job()
	}

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			<-scheduler.Stop().Done()
			return fmt.Errorf("http server: %w", err)
		}
	}

	a.logger.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error().Err(err).Msg("HTTP shutdown failed")
	}

	select {
	case <-scheduler.Stop().Done():
	case <-shutdownCtx.Done():
		a.logger.Warn().Msg("Running crawl did not finish before shutdown timeout")
	}
	return nil
}

// scheduledTick runs one scheduled crawl of every project. The project
// catalog is refetched first so renamed and removed projects are noticed.
func (a *app) scheduledTick(ctx context.Context, projects []string, formats []export.Format, dir string) {
	a.crawler.Projects().Refresh()
	a.logGateState(ctx)

	for _, project := range projects {
		a.scheduledRun(ctx, project, formats, dir)
	}
}

// logGateState reports how far the shared rate limit is booked ahead. Other
// crawlers on the same API host show up here as backlog.
func (a *app) logGateState(ctx context.Context) {
	state, err := a.client.RateLimitState(ctx)
	if errors.Is(err, client.ErrNoSharedGate) {
		return
	}
	if err != nil {
		a.logger.Warn().Err(err).Msg("Failed to read shared rate limit state")
		return
	}

	now := time.Now()
	a.logger.Info().
		Dur("backlog", state.Backlog(now)).
		Bool("idle", state.IsIdle(now)).
		Time("next_admission", state.NextAdmission()).
		Msg("Shared rate limit state")
}

// scheduledRun crawls and exports one project and records the outcome.
// Failures are logged, the schedule keeps running.
func (a *app) scheduledRun(ctx context.Context, project string, formats []export.Format, dir string) {
	start := time.Now()
	report, paths, err := a.crawlAndExport(ctx, project, formats, dir)

	result := metrics.RunResult{Project: project, Duration: time.Since(start), Err: err}
	if report != nil {
		result.Tasks = len(report.Tasks)
		result.Failures = len(report.Failures)
	}
	metrics.RecordRun(result, time.Now())

	if err != nil {
		a.logger.Error().Err(err).Str("project", project).Msg("Scheduled crawl failed")
		return
	}
	a.logger.Info().
		Str("project", project).
		Str("outcome", result.Outcome()).
		Int("tasks", result.Tasks).
		Strs("files", paths).
		Msg("Scheduled crawl complete")
}

// newServeMux returns the health, readiness and metrics endpoints.
// rc may be nil when no shared rate limit is configured.
func newServeMux(rc *redis.Client) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthHandler)
	mux.HandleFunc("/ready", readyHandler(rc))
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK")
}

func readyHandler(rc *redis.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if rc != nil {
			ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
			defer cancel()
			if err := rc.Ping(ctx).Err(); err != nil {
				http.Error(w, fmt.Sprintf("redis unavailable: %v", err), http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "READY")
	}
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
