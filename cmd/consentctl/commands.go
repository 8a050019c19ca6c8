package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"consentry/internal/app"
	"consentry/internal/consent/models"
	"consentry/internal/platform/config"
	"consentry/internal/platform/logger"
	"consentry/internal/servicescan/job"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Format string // "json" | "text"

	load func() (*config.Config, error)
	app  *app.App
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand builds the consentctl command tree. load supplies the
// configuration; main passes config.Load.
func NewRootCommand(load func() (*config.Config, error), appOpts ...app.Option) *cobra.Command {
	opts := &RootOptions{load: load}

	cmd := &cobra.Command{
		Use:           "consentctl",
		Short:         "Operate a consentry deployment",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			if !cmd.Runnable() || cmd.Name() == "help" {
				return nil
			}
			cfg, err := opts.load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			log := logger.NewWithWriter(cmd.ErrOrStderr(), cfg.LogLevel)
			opts.app, err = app.New(cmd.Context(), cfg, log, appOpts...)
			return err
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			if opts.app == nil {
				return nil
			}
			return opts.app.Close()
		},
	}

	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(newRetentionCommand(opts))
	cmd.AddCommand(newAuditCommand(opts))
	cmd.AddCommand(newRevisionCommand(opts))
	cmd.AddCommand(newSummaryCommand(opts))
	return cmd
}

func newRetentionCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{Use: "retention", Short: "Ledger retention"}
	cmd.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Delete consent records older than the retention period",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var pruned int
			err := opts.app.Scheduler.RunOnce(cmd.Context(), "consent_retention", func(ctx context.Context) ([]any, error) {
				n, err := opts.app.Retention.RunOnce(ctx)
				pruned = n
				return []any{"deleted", n}, err
			})
			if err != nil {
				return err
			}
			return opts.write(cmd.OutOrStdout(), map[string]int{"deleted": pruned}, func(w io.Writer) {
				fmt.Fprintf(w, "deleted %d record(s)\n", pruned)
			})
		},
	})
	return cmd
}

func newAuditCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{Use: "audit", Short: "Third-party service audit"}
	cmd.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Scan the site once and record the detected services",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var res *job.Result
			err := opts.app.Scheduler.RunOnce(cmd.Context(), job.JobName, func(ctx context.Context) ([]any, error) {
				var err error
				res, err = opts.app.Auditor.Run(ctx)
				if err != nil {
					return nil, err
				}
				return []any{"services", len(res.Services), "baseline", res.Baseline}, nil
			})
			if err != nil {
				return err
			}
			return opts.write(cmd.OutOrStdout(), res, func(w io.Writer) {
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "SERVICE\tCATEGORY")
				for _, s := range res.Services {
					fmt.Fprintf(tw, "%s\t%s\n", s.Name, s.Category)
				}
				_ = tw.Flush()
				switch {
				case res.Baseline:
					fmt.Fprintln(w, "baseline recorded")
				case res.Alert.Active:
					fmt.Fprintf(w, "added %d, removed %d, notified %t\n",
						len(res.Alert.Added), len(res.Alert.Removed), res.Notified)
				default:
					fmt.Fprintln(w, "no changes")
				}
			})
		},
	})
	return cmd
}

func newRevisionCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{Use: "revision", Short: "Consent revision"}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the current revision",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rev, err := opts.app.Revisions.Current(cmd.Context())
			if err != nil {
				return err
			}
			return opts.writeRevision(cmd.OutOrStdout(), rev)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "bump",
		Short: "Increment the revision so every visitor is asked again",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rev, err := opts.app.Revisions.Bump(cmd.Context())
			if err != nil {
				return err
			}
			return opts.writeRevision(cmd.OutOrStdout(), rev)
		},
	})
	return cmd
}

func newSummaryCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "summary",
		Short: "Print consent event counts for the last 30 days",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			res, err := opts.app.Consent.Summary(cmd.Context())
			if err != nil {
				return err
			}
			payload := map[string]any{"summary": res.Summary, "total": res.Total, "options": res.Options}
			return opts.write(cmd.OutOrStdout(), payload, func(w io.Writer) {
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				for _, e := range models.AllEvents {
					fmt.Fprintf(tw, "%s\t%d\n", e, res.Summary[e])
				}
				fmt.Fprintf(tw, "total\t%d\n", res.Total)
				_ = tw.Flush()
			})
		},
	}
}

func (o *RootOptions) writeRevision(w io.Writer, rev int) error {
	return o.write(w, map[string]int{"revision": rev}, func(w io.Writer) {
		fmt.Fprintf(w, "revision %d\n", rev)
	})
}

func (o *RootOptions) write(w io.Writer, v any, text func(io.Writer)) error {
	if o.Format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(w)
	return nil
}
