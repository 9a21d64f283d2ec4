package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/polite-crawler/internal/app"
	"github.com/JakeFAU/polite-crawler/internal/clock/system"
	"github.com/JakeFAU/polite-crawler/internal/crawler"
	"github.com/JakeFAU/polite-crawler/internal/frontier"
)

const (
	allTables  = "all"
	timeLayout = "2006-01-02T15:04:05.000Z07:00"
)

var tableArgs = []string{"visited-urls", "visited-hosts", "urls-to-visit", allTables}

// plainStyle renders borderless, two-space separated columns.
var plainStyle = table.Style{
	Name: "plain",
	Box: table.BoxStyle{
		PaddingRight: "  ",
	},
}

func newTable(out io.Writer, header ...any) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.SetStyle(plainStyle)
	if len(header) > 0 {
		t.AppendHeader(table.Row(header))
	}
	return t
}

// newFrontierCmd groups the store administration subcommands.
func newFrontierCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "frontier",
		Short: "Inspect and edit the persistent frontier",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "tables",
			Short: "Print row counts for every table",
			Args:  cobra.NoArgs,
			RunE:  withStore(runTables),
		},
		&cobra.Command{
			Use:       "view <visited-urls|visited-hosts|urls-to-visit|all>",
			Short:     "Print the rows of a table",
			Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
			ValidArgs: tableArgs,
			RunE:      withStore(runView),
		},
		&cobra.Command{
			Use:       "drop <visited-urls|visited-hosts|urls-to-visit|all>",
			Short:     "Drop a table; it is recreated on the next open",
			Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
			ValidArgs: tableArgs,
			RunE:      withStore(runDrop),
		},
		&cobra.Command{
			Use:   "add <url>...",
			Short: "Enqueue URLs respecting the politeness interval",
			Args:  cobra.MinimumNArgs(1),
			RunE:  withStore(runAdd),
		},
		&cobra.Command{
			Use:   "remove <url>...",
			Short: "Remove URLs from the pending table",
			Args:  cobra.MinimumNArgs(1),
			RunE:  withStore(runRemove),
		},
	)
	return cmd
}

// storeCmd is a frontier subcommand body.
type storeCmd func(ctx context.Context, out io.Writer, e *env, store crawler.Store, args []string) error

// withStore opens the configured store around fn.
func withStore(fn storeCmd) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		e, err := resolveEnv(ctx)
		if err != nil {
			return err
		}
		store, err := app.OpenStore(ctx, e.cfg.Store)
		if err != nil {
			return err
		}
		defer func() {
			if cerr := store.Close(); cerr != nil {
				e.logger.Warn("failed to close store", zap.Error(cerr))
			}
		}()
		return fn(ctx, cmd.OutOrStdout(), e, store, args)
	}
}

func selectTables(arg string) ([]crawler.Table, error) {
	if arg == allTables {
		return crawler.AllTables(), nil
	}
	t, err := crawler.ParseTable(arg)
	if err != nil {
		return nil, err
	}
	return []crawler.Table{t}, nil
}

func runTables(ctx context.Context, out io.Writer, _ *env, store crawler.Store, _ []string) error {
	counts, err := store.Counts(ctx)
	if err != nil {
		return fmt.Errorf("count tables: %w", err)
	}
	t := newTable(out, "TABLE", "ROWS")
	t.AppendRows([]table.Row{
		{crawler.TableVisitedURLs, counts.VisitedURLs},
		{crawler.TableVisitedHosts, counts.VisitedHosts},
		{crawler.TablePendingURLs, counts.PendingURLs},
	})
	t.Render()
	return nil
}

func runView(ctx context.Context, out io.Writer, _ *env, store crawler.Store, args []string) error {
	tables, err := selectTables(args[0])
	if err != nil {
		return err
	}
	for i, t := range tables {
		if i > 0 {
			fmt.Fprintln(out)
		}
		if len(tables) > 1 {
			fmt.Fprintf(out, "%s:\n", t)
		}
		if err := viewTable(ctx, out, store, t); err != nil {
			return err
		}
	}
	return nil
}

func viewTable(ctx context.Context, out io.Writer, store crawler.Store, t crawler.Table) error {
	var tw table.Writer
	switch t {
	case crawler.TableVisitedURLs:
		rows, err := store.ListVisitedURLs(ctx)
		if err != nil {
			return fmt.Errorf("list %s: %w", t, err)
		}
		tw = newTable(out, "URL", "VISITED AT", "FILENAME")
		for _, r := range rows {
			tw.AppendRow(table.Row{r.URL, formatTime(r.VisitedAt), r.Filename})
		}
	case crawler.TableVisitedHosts:
		rows, err := store.ListVisitedHosts(ctx)
		if err != nil {
			return fmt.Errorf("list %s: %w", t, err)
		}
		tw = newTable(out, "HOST", "LAST VISITED AT", "SERVER")
		for _, r := range rows {
			server := "NULL"
			if r.Server != nil {
				server = *r.Server
			}
			tw.AppendRow(table.Row{r.Host, formatTime(r.LastVisitedAt), server})
		}
	case crawler.TablePendingURLs:
		rows, err := store.ListPendingURLs(ctx)
		if err != nil {
			return fmt.Errorf("list %s: %w", t, err)
		}
		tw = newTable(out, "URL", "HOST", "ELIGIBLE AT")
		for _, r := range rows {
			tw.AppendRow(table.Row{r.URL, r.Host, formatTime(r.EligibleAt)})
		}
	default:
		return fmt.Errorf("%w: %q", crawler.ErrUnknownTable, t)
	}
	tw.Render()
	return nil
}

func runDrop(ctx context.Context, out io.Writer, e *env, store crawler.Store, args []string) error {
	tables, err := selectTables(args[0])
	if err != nil {
		return err
	}
	if err := store.DropTables(ctx, tables...); err != nil {
		return fmt.Errorf("drop tables: %w", err)
	}
	names := make([]string, len(tables))
	for i, t := range tables {
		names[i] = string(t)
	}
	e.logger.Info("tables dropped", zap.Strings("tables", names))
	fmt.Fprintf(out, "dropped %s\n", strings.Join(names, ", "))
	return nil
}

func newScheduler(e *env, store crawler.Store) (*frontier.Scheduler, error) {
	s, err := frontier.New(store, system.New(), frontier.Config{
		PolitenessInterval: e.cfg.Crawler.PolitenessInterval,
	}, e.logger)
	if err != nil {
		return nil, fmt.Errorf("init frontier: %w", err)
	}
	return s, nil
}

func runAdd(ctx context.Context, out io.Writer, e *env, store crawler.Store, args []string) error {
	sched, err := newScheduler(e, store)
	if err != nil {
		return err
	}
	t := newTable(out, "URL", "RESULT")
	for _, u := range args {
		res, err := sched.Enqueue(ctx, u)
		if err != nil {
			t.Render()
			return fmt.Errorf("enqueue %q: %w", u, err)
		}
		t.AppendRow(table.Row{u, res.String()})
	}
	t.Render()
	return nil
}

func runRemove(ctx context.Context, out io.Writer, e *env, store crawler.Store, args []string) error {
	sched, err := newScheduler(e, store)
	if err != nil {
		return err
	}
	for _, u := range args {
		if err := sched.Retire(ctx, u); err != nil {
			return fmt.Errorf("remove %q: %w", u, err)
		}
		fmt.Fprintf(out, "removed %s\n", u)
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}
