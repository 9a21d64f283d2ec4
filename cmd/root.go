// Package cmd defines and implements the CLI commands for the polite-crawler executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/polite-crawler/internal/config"
	"github.com/JakeFAU/polite-crawler/internal/logging"
)

// envKeyType is the key for storing the loaded environment in the context.
type envKeyType struct{}

// env is what PersistentPreRunE prepares for every subcommand.
type env struct {
	cfg    config.Config
	logger *zap.Logger
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "polite-crawler",
		Short: "A polite, persistent web crawler.",
		Long: `polite-crawler walks the web from a set of seed URLs, saving every
HTML response to a numbered data file and feeding the links it finds back
into a persistent frontier. Each host is contacted at most once per
politeness interval, and the frontier survives restarts.`,

		// Runs after flags are parsed but before the subcommand's RunE.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile, cmd.Flags())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(logging.Options{
				Development: cfg.Logging.Development,
				Level:       cfg.Logging.Level,
				File:        cfg.Logging.File,
			})
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			zap.ReplaceGlobals(logger)
			cmd.SetContext(context.WithValue(cmd.Context(), envKeyType{}, &env{cfg: cfg, logger: logger}))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if e, ok := cmd.Context().Value(envKeyType{}).(*env); ok {
				// Sync on stderr can fail harmlessly; nothing left to report it to.
				_ = e.logger.Sync()
			}
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (yaml, json, or toml)")
	pf.String("store-driver", config.DriverSQLite, "frontier store: sqlite, postgres, or memory")
	pf.String("db-host", "localhost", "postgres host")
	pf.Int("db-port", 5432, "postgres port")
	pf.String("db-name", "urlsDB", "database name; the file name for sqlite")
	pf.String("log-file", "crawler.log", "log file, in addition to stderr")
	pf.String("log-level", "info", "log level: debug, info, warn, error")
	pf.Bool("dev", false, "human-readable development logging")

	cmd.AddCommand(newCrawlCmd())
	cmd.AddCommand(newFrontierCmd())
	return cmd
}

func resolveEnv(ctx context.Context) (*env, error) {
	e, ok := ctx.Value(envKeyType{}).(*env)
	if !ok || e == nil {
		return nil, errors.New("configuration not loaded")
	}
	return e, nil
}

// Execute is the main entry point. SIGINT and SIGTERM cancel the command's
// context; a command error exits non-zero.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}
