package main

import (
	"fmt"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/Sternrassler/openproject-crawler/pkg/crawler"
	"github.com/Sternrassler/openproject-crawler/pkg/export"
	"github.com/spf13/cobra"
)

func newProjectsCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "projects",
		Short: "List projects visible to the credential",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			projects, err := a.crawler.Projects().List(cmd.Context())
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tIDENTIFIER\tNAME\tACTIVE")
			for _, p := range projects {
				fmt.Fprintf(w, "%d\t%s\t%s\t%t\n", p.ID, p.Identifier, p.Name, p.Active)
			}
			return w.Flush()
		},
	}
}

func newStatusesCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "statuses",
		Short: "List work package statuses",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			statuses, err := a.crawler.Statuses().List(cmd.Context())
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tCLOSED")
			for _, s := range statuses {
				fmt.Fprintf(w, "%d\t%s\t%t\n", s.ID, s.Name, s.IsClosed)
			}
			return w.Flush()
		},
	}
}

func newTasksCmd(opts *options) *cobra.Command {
	var (
		project  string
		statuses []int
		counts   bool
	)

	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "List the work packages of a project",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			var filters []crawler.Filter
			if len(statuses) > 0 {
				filters = append(filters, crawler.StatusFilter(statuses...))
			}

			set, err := a.crawler.ProjectWorkPackages(cmd.Context(), project, filters...)
			if err != nil {
				return err
			}

			if counts {
				return printCounts(cmd, set)
			}

			attrs, err := set.Attributes(cmd.Context())
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTYPE\tPRIORITY\tSTATUS\tSUBJECT")
			for _, t := range attrs {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", t.ID, t.Type, t.Priority, t.Status, t.Subject)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVarP(&project, "project", "p", "", "Project identifier or id")
	cmd.Flags().IntSliceVar(&statuses, "status", nil, "Only these status ids (repeatable)")
	cmd.Flags().BoolVar(&counts, "counts", false, "Print counts by type, priority and status instead of rows")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func printCounts(cmd *cobra.Command, set *crawler.WorkPackageSet) error {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	for _, attr := range []crawler.Attribute{crawler.AttributeType, crawler.AttributePriority, crawler.AttributeStatus} {
		counts, err := set.CountBy(cmd.Context(), attr)
		if err != nil {
			return err
		}

		keys := make([]string, 0, len(counts))
		for k := range counts {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		for _, k := range keys {
			fmt.Fprintf(w, "%s\t%s\t%d\n", attr, k, counts[k])
		}
	}
	return w.Flush()
}

func newActivitiesCmd(opts *options) *cobra.Command {
	var (
		project string
		formats string
		output  string
	)

	cmd := &cobra.Command{
		Use:   "activities",
		Short: "Crawl, merge and export the task activity of a project",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			if formats == "" {
				formats = a.cfg.Output.Formats
			}
			if output == "" {
				output = a.cfg.Output.Dir
			}
			parsed, err := export.ParseFormats(formats)
			if err != nil {
				return err
			}

			report, paths, err := a.crawlAndExport(cmd.Context(), project, parsed, output)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Merged %d of %d tasks of %s in %s\n", len(report.Tasks), report.Total, project, report.Duration.Round(time.Millisecond))
			if len(report.Failures) > 0 {
				fmt.Fprintf(out, "%d task feeds could not be fetched:", len(report.Failures))
				for _, f := range report.Failures {
					fmt.Fprintf(out, " %s", f.TaskID)
				}
				fmt.Fprintln(out)
			}
			for _, p := range paths {
				fmt.Fprintf(out, "  -> %s\n", p)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&project, "project", "p", "", "Project identifier or id")
	cmd.Flags().StringVarP(&formats, "format", "f", "", "Comma-separated formats: json, xlsx (default from config)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output directory (default from config)")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func newRateLimitCmd(opts *options) *cobra.Command {
	var reset bool

	cmd := &cobra.Command{
		Use:   "ratelimit",
		Short: "Show or reset the shared rate limit in Redis",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			if reset {
				if err := a.client.ResetRateLimit(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Shared rate limit reset")
				return nil
			}

			state, err := a.client.RateLimitState(cmd.Context())
			if err != nil {
				return err
			}

			now := time.Now()
			last := "never"
			if !state.LastAdmission.IsZero() {
				last = state.LastAdmission.Format(time.RFC3339Nano)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintf(w, "HOST\t%s\n", a.client.Endpoint().Host())
			fmt.Fprintf(w, "INTERVAL\t%s\n", state.Interval)
			fmt.Fprintf(w, "LAST ADMISSION\t%s\n", last)
			fmt.Fprintf(w, "NEXT ADMISSION\t%s\n", state.NextAdmission().Format(time.RFC3339Nano))
			fmt.Fprintf(w, "BACKLOG\t%s\n", state.Backlog(now).Round(time.Millisecond))
			fmt.Fprintf(w, "IDLE\t%t\n", state.IsIdle(now))
			return w.Flush()
		},
	}

	cmd.Flags().BoolVar(&reset, "reset", false, "Clear the shared admission state")
	return cmd
}
