package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/Sternrassler/openproject-crawler/internal/config"
	"github.com/Sternrassler/openproject-crawler/pkg/client"
	"github.com/Sternrassler/openproject-crawler/pkg/crawler"
	"github.com/Sternrassler/openproject-crawler/pkg/export"
	"github.com/Sternrassler/openproject-crawler/pkg/logging"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

// options are the persistent flags shared by every command.
type options struct {
	configPath string
	logLevel   string
	pretty     bool
	quiet      bool
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           "opcrawl",
		Short:         "Crawl OpenProject task activity",
		Long:          `opcrawl lists OpenProject projects, statuses and work packages, and merges the activity feed of every task of a project into flat task records with created/closed dates and duration.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "YAML config file (environment overrides it)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	root.PersistentFlags().BoolVar(&opts.pretty, "pretty", false, "Human-readable console logs")
	root.PersistentFlags().BoolVarP(&opts.quiet, "quiet", "q", false, "Hide progress spinners")

	root.AddCommand(
		newProjectsCmd(opts),
		newStatusesCmd(opts),
		newTasksCmd(opts),
		newActivitiesCmd(opts),
		newRateLimitCmd(opts),
		newServeCmd(opts),
	)
	return root
}

// app holds the wired dependencies of one command invocation.
type app struct {
	cfg     config.Config
	client  *client.Client
	redis   *redis.Client
	crawler *crawler.Crawler
	logger  zerolog.Logger
	quiet   bool
	stderr  io.Writer
}

func newApp(cmd *cobra.Command, opts *options) (*app, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	if opts.logLevel != "" {
		cfg.Log.Level = opts.logLevel
	}
	if opts.pretty {
		cfg.Log.Pretty = true
	}

	logCfg := cfg.LogConfig()
	logCfg.Output = cmd.ErrOrStderr()
	logging.Setup(logCfg)
	logger := logging.NewLogger("opcrawl")

	rc, err := cfg.NewRedisClient()
	if err != nil {
		return nil, err
	}
	c, err := client.New(cfg.ClientConfig(rc))
	if err != nil {
		if rc != nil {
			rc.Close()
		}
		return nil, err
	}

	return &app{
		cfg:    cfg,
		client: c,
		redis:  rc,
		crawler: crawler.New(c, crawler.Config{
			PageSize: cfg.OpenProject.PageSize,
		}),
		logger: logger,
		quiet:  opts.quiet,
		stderr: cmd.ErrOrStderr(),
	}, nil
}

// Close releases the HTTP and Redis connections.
func (a *app) Close() {
	a.client.Close()
	if a.redis != nil {
		a.redis.Close()
	}
}

// crawlAndExport runs a full crawl of project and writes one file per format
// into dir. It returns the report and the written paths.
func (a *app) crawlAndExport(ctx context.Context, project string, formats []export.Format, dir string) (*crawler.Report, []string, error) {
	spinner := a.newSpinner(fmt.Sprintf("Crawling %s", project))
	stop := spin(spinner, spinInterval)
	report, err := a.crawler.Run(ctx, project)
	stop()
	a.finishBar(spinner)
	if err != nil {
		return nil, nil, err
	}

	bar := a.newBar(len(formats), "Exporting")
	defer a.finishBar(bar)

	now := time.Now()
	paths := make([]string, 0, len(formats))
	for _, f := range formats {
		exporter, err := export.ForFormat(f)
		if err != nil {
			return report, paths, err
		}
		path, err := export.WriteFile(dir, exporter, project, report.Tasks, now)
		if err != nil {
			return report, paths, err
		}
		paths = append(paths, path)
		if bar != nil {
			_ = bar.Add(1)
		}
	}
	return report, paths, nil
}

func (a *app) newSpinner(description string) *progressbar.ProgressBar {
	if a.quiet {
		return nil
	}
	bar := progressbar.NewOptions(-1,
		progressbar.OptionSetWriter(a.stderr),
		progressbar.OptionSetDescription(description),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionSetWidth(15),
		progressbar.OptionSetElapsedTime(true),
		progressbar.OptionThrottle(spinInterval),
	)
	_ = bar.RenderBlank()
	return bar
}

// spinInterval is how often a running spinner advances.
const spinInterval = 100 * time.Millisecond

// spin advances bar every interval until the returned stop is called. stop
// waits for the last tick, so the bar can be finished right after.
func spin(bar *progressbar.ProgressBar, interval time.Duration) (stop func()) {
	if bar == nil {
		return func() {}
	}

	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				_ = bar.Add(1)
			}
		}
	}()

	return func() {
		close(done)
		<-stopped
	}
}

func (a *app) newBar(total int, description string) *progressbar.ProgressBar {
	if a.quiet {
		return nil
	}
	return progressbar.NewOptions(total,
		progressbar.OptionSetWriter(a.stderr),
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowCount(),
	)
}

func (a *app) finishBar(bar *progressbar.ProgressBar) {
	if bar != nil {
		_ = bar.Finish()
		fmt.Fprintln(a.stderr)
	}
}
