package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"smartlog/internal/artifacts"
	"smartlog/internal/autofix"
	"smartlog/internal/config"
	"smartlog/internal/model"
	"smartlog/internal/session"
	"smartlog/internal/store"
)

type statsSource interface {
	autofix.AttemptLog
}

// deps are the backends a command opens lazily, so fixes runs without any.
type deps struct {
	loadConfig  func() (config.Config, error)
	openStats   func(ctx context.Context, cfg config.Config) (statsSource, func(), error)
	openArchive func(ctx context.Context, cfg config.Config) (artifacts.Store, error)
	logger      *zap.Logger
}

func defaultDeps() deps {
	return deps{
		loadConfig: config.Load,
		openStats: func(ctx context.Context, cfg config.Config) (statsSource, func(), error) {
			db, err := store.NewPostgres(ctx, cfg.DatabaseURL, store.WithQueryTimeout(cfg.StoreQueryTimeout))
			if err != nil {
				return nil, nil, err
			}
			return db, db.Close, nil
		},
		openArchive: func(ctx context.Context, cfg config.Config) (artifacts.Store, error) {
			if !cfg.ArchiveEnabled() {
				return nil, fmt.Errorf("--archive needs S3_BUCKET")
			}
			return artifacts.NewS3Store(ctx, cfg.ObjectStore())
		},
		logger: zap.NewNop(),
	}
}

func newRootCmd(d deps) *cobra.Command {
	root := &cobra.Command{
		Use:           "smartlogctl",
		Short:         "Operate a smartlog deployment",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newCleanupCmd(d), newSuccessRateCmd(d), newFixesCmd())
	return root
}

func newCleanupCmd(d deps) *cobra.Command {
	var (
		days    int
		archive bool
	)
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete session partitions older than --days",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := d.loadConfig()
			if err != nil {
				return err
			}
			if days <= 0 {
				days = cfg.SessionRetentionDays
			}

			opts := []session.Option{session.WithLogger(d.logger)}
			if archive {
				objects, err := d.openArchive(cmd.Context(), cfg)
				if err != nil {
					return fmt.Errorf("open archive: %w", err)
				}
				defer objects.Close()
				opts = append(opts, session.WithArchiver(session.NewObjectArchiver(objects, "")))
			}

			sessions, err := session.NewStore(cfg.SessionRoot, opts...)
			if err != nil {
				return err
			}
			result, err := sessions.CleanupOldSessions(cmd.Context(), days)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), result)
		},
	}
	cmd.Flags().IntVar(&days, "days", 0, "retention in days (defaults to SESSION_RETENTION_DAYS)")
	cmd.Flags().BoolVar(&archive, "archive", false, "copy each session to the object store before deleting it")
	return cmd
}

type successRateReport struct {
	IssueType   string  `json:"issue_type"`
	WindowDays  int     `json:"window_days"`
	Attempts    int     `json:"attempts"`
	Succeeded   int     `json:"succeeded"`
	SuccessRate float64 `json:"success_rate"`
}

func newSuccessRateCmd(d deps) *cobra.Command {
	var issueType string
	cmd := &cobra.Command{
		Use:   "success-rate",
		Short: "Show the auto-fix success rate over the last 7 days",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := d.loadConfig()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			attempts, closeFn, err := d.openStats(ctx, cfg)
			if err != nil {
				return fmt.Errorf("open relational log: %w", err)
			}
			defer closeFn()

			kind := model.IssueType(strings.TrimSpace(issueType))
			stats, err := autofix.New(nil, attempts, autofix.WithLogger(d.logger)).Stats(ctx, kind)
			if err != nil {
				return err
			}

			label := string(kind)
			if label == "" {
				label = "all"
			}
			return printJSON(cmd.OutOrStdout(), successRateReport{
				IssueType:   label,
				WindowDays:  int(autofix.SuccessRateWindow / (24 * time.Hour)),
				Attempts:    stats.Total,
				Succeeded:   stats.Succeeded,
				SuccessRate: stats.SuccessRate(),
			})
		},
	}
	cmd.Flags().StringVar(&issueType, "issue-type", "", "limit to one issue type")
	return cmd
}

func newFixesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fixes",
		Short: "List the remediation catalogue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ISSUE TYPE\tAUTO\tACTIONS\tDESCRIPTION")
			for _, entry := range autofix.Catalogue() {
				actions := make([]string, 0, len(entry.Actions))
				for _, action := range entry.Actions {
					actions = append(actions, string(action))
				}
				if len(actions) == 0 {
					actions = append(actions, "-")
				}
				fmt.Fprintf(w, "%s\t%t\t%s\t%s\n", entry.IssueType, entry.AutoFixable, strings.Join(actions, ","), entry.Description)
			}
			return w.Flush()
		},
	}
}

func printJSON(w io.Writer, value any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}
