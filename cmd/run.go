package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/keyboxer/internal/app"
	"github.com/JakeFAU/keyboxer/internal/crawler"
)

// mode selects which pipeline stages a subcommand runs.
type mode int

const (
	modeRun mode = iota
	modeCrawl
	modeReconcile
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Search, ingest new documents, then reconcile the store",
		Long: `Walks every search result page, stores each new valid document, flushes
the URL cache and then re-validates the store, asking before deleting any
document that no longer passes. Reconciliation is skipped when
reconcile.enabled is false.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runPipeline(cmd, modeRun)
		},
	}
	addAssumeNoFlag(cmd)
	return cmd
}

func newCrawlCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "crawl",
		Short: "Search and ingest new documents without reconciling",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runPipeline(cmd, modeCrawl)
		},
	}
}

func newReconcileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Re-validate stored documents and prune invalid ones",
		Long: `Reads every stored document and asks before deleting one that fails
validation. Needs no GitHub token.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runPipeline(cmd, modeReconcile)
		},
	}
	addAssumeNoFlag(cmd)
	return cmd
}

func addAssumeNoFlag(cmd *cobra.Command) {
	cmd.Flags().Bool("assume-no", false, "report invalid stored documents but never delete them")
}

func runPipeline(cmd *cobra.Command, m mode) error {
	ctx := cmd.Context()
	s, err := resolveSession(ctx)
	if err != nil {
		return err
	}
	cfg := s.cfg
	if f := cmd.Flags().Lookup("assume-no"); f != nil && f.Changed {
		assumeNo, _ := cmd.Flags().GetBool("assume-no")
		cfg.Reconcile.AssumeNo = assumeNo
	}

	a, err := newApp(ctx, cfg, s.logger, app.Options{
		Crawl: m != modeReconcile,
		In:    cmd.InOrStdin(),
		Out:   cmd.OutOrStdout(),
	})
	if err != nil {
		return fmt.Errorf("failed to initialize application services: %w", err)
	}
	defer func() {
		if cerr := a.Close(); cerr != nil {
			s.logger.Warn("Failed to close services", zap.Error(cerr))
		}
	}()

	start := time.Now()
	summary, runErr := execute(ctx, a, m, cfg.Reconcile.Enabled)
	took := summary.Duration()
	if took == 0 {
		took = time.Since(start)
	}
	// Push even when the run was canceled.
	a.Finish(context.WithoutCancel(ctx), summary.RunID, took, runErr)

	if runErr != nil {
		if errors.Is(runErr, context.Canceled) {
			s.logger.Warn("Run interrupted; URL cache not flushed", summaryFields(summary)...)
		}
		return runErr
	}
	report(s.logger, summary)
	return nil
}

func execute(ctx context.Context, a *app.App, m mode, reconcile bool) (crawler.RunSummary, error) {
	switch m {
	case modeCrawl:
		return a.Engine().Crawl(ctx)
	case modeReconcile:
		rec, err := a.Reconciler().Reconcile(ctx)
		return crawler.RunSummary{Reconcile: rec}, err
	default:
		return a.Engine().Run(ctx, reconcile)
	}
}

func report(logger *zap.Logger, summary crawler.RunSummary) {
	if !summary.Changed() {
		logger.Info("No new files or changes found.", summaryFields(summary)...)
		return
	}
	logger.Info("Run complete", summaryFields(summary)...)
}

func summaryFields(s crawler.RunSummary) []zap.Field {
	return []zap.Field{
		zap.String("run_id", s.RunID),
		zap.Int("pages", s.PagesFetched),
		zap.Int("candidates", s.Candidates),
		zap.Int("cache_hits", s.CacheHits),
		zap.Int("malformed", s.Malformed),
		zap.Int("duplicates", s.Duplicates),
		zap.Int("rejected", s.Rejected),
		zap.Int("added", s.Added),
		zap.Int("checked", s.Reconcile.Checked),
		zap.Int("deleted", s.Reconcile.Deleted),
		zap.Int("kept", s.Reconcile.Kept),
	}
}
