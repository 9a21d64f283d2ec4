package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/polite-crawler/internal/app"
)

const closeTimeout = 15 * time.Second

// newCrawlCmd creates and configures the 'crawl' subcommand.
func newCrawlCmd() *cobra.Command {
	var seeds []string
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Runs the crawl loop until interrupted",
		Long: `Enqueues any --seed URLs, then repeatedly takes the next eligible URL
from the frontier, fetches it, extracts its links, and retires it. The loop
stops after the in-flight URL completes when SIGINT or SIGTERM arrives.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCrawl(cmd.Context(), seeds)
		},
	}
	f := cmd.Flags()
	f.String("temp-dir", "tmpdata", "directory for in-progress downloads")
	f.String("final-dir", "data", "directory for saved data files")
	f.String("user-agent", "", "User-Agent header sent with every request")
	f.String("exclude-file", "", "file of URL patterns to exclude, one per line")
	f.String("include-file", "", "file of URL patterns to include, one per line")
	f.StringArrayVar(&seeds, "seed", nil, "URL to enqueue before crawling (repeatable)")
	return cmd
}

func runCrawl(ctx context.Context, seeds []string) error {
	e, err := resolveEnv(ctx)
	if err != nil {
		return err
	}
	a, err := app.New(ctx, e.cfg, e.logger)
	if err != nil {
		return fmt.Errorf("initialize application services: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
		defer cancel()
		if cerr := a.Close(closeCtx); cerr != nil {
			e.logger.Warn("failed to close application services", zap.Error(cerr))
		}
	}()

	if err := a.Seed(ctx, seeds); err != nil {
		return err
	}
	if err := a.Run(ctx); err != nil {
		return err
	}
	e.logger.Info("crawl command finished")
	return nil
}
