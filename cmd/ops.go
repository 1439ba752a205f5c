package cmd

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"github.com/JakeFAU/recipe-crawler/internal/app"
	"github.com/JakeFAU/recipe-crawler/internal/config"
	"github.com/JakeFAU/recipe-crawler/internal/crawler"
)

// storeOnly builds just the store for operator commands.
var storeOnly = app.Components{}

func newSitesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sites",
		Short: "Register and list seed sites",
	}

	var sitemaps []string
	add := &cobra.Command{
		Use:   "add <seed-url>",
		Short: "Register a seed site, optionally with manual sitemap URLs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, storeOnly, func(ctx context.Context, a *app.App) error {
				site, err := a.Store.CreateSite(ctx, args[0], sitemaps)
				if err != nil {
					return fmt.Errorf("create site: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "site %d registered: %s\n", site.ID, site.SeedURL)
				return nil
			})
		},
	}
	add.Flags().StringSliceVar(&sitemaps, "sitemap", nil, "manual sitemap URL (repeatable)")

	list := &cobra.Command{
		Use:   "list",
		Short: "List registered sites and their walk status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, storeOnly, func(ctx context.Context, a *app.App) error {
				sites, err := a.Store.ListSites(ctx)
				if err != nil {
					return fmt.Errorf("list sites: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderSites(sites))
				return nil
			})
		},
	}

	cmd.AddCommand(add, list)
	return cmd
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show URL record counts per phase and status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, storeOnly, func(ctx context.Context, a *app.App) error {
				counts, err := a.Store.StatusCounts(ctx)
				if err != nil {
					return fmt.Errorf("status counts: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderCounts(counts))
				return nil
			})
		},
	}
}

func newResetCmd() *cobra.Command {
	var phase, kind string
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Move failed records of a phase back to pending",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := crawler.ParsePhase(phase)
			if err != nil {
				return err
			}
			k, err := crawler.ParseErrorKind(kind)
			if err != nil {
				return err
			}
			return withApp(cmd, storeOnly, func(ctx context.Context, a *app.App) error {
				n, err := a.Store.ResetFailed(ctx, p, k)
				if err != nil {
					return fmt.Errorf("reset failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "reset %d failed %s records\n", n, p)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&phase, "phase", "", "crawl, extract, or menu")
	cmd.Flags().StringVar(&kind, "kind", "", "only reset failures of this kind (default: all)")
	_ = cmd.MarkFlagRequired("phase")
	return cmd
}

func newReclaimCmd() *cobra.Command {
	var (
		phase     string
		olderThan time.Duration
	)
	cmd := &cobra.Command{
		Use:   "reclaim",
		Short: "Return in-progress records with expired claims to pending",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := crawler.ParsePhase(phase)
			if err != nil {
				return err
			}
			if olderThan <= 0 {
				return fmt.Errorf("--older-than must be positive")
			}
			return withApp(cmd, storeOnly, func(ctx context.Context, a *app.App) error {
				n, err := a.Store.ReclaimExpired(ctx, p, a.Clock.Now().Add(-olderThan))
				if err != nil {
					return fmt.Errorf("reclaim expired: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "reclaimed %d %s records\n", n, p)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&phase, "phase", "", "crawl, extract, or menu")
	cmd.Flags().DurationVar(&olderThan, "older-than", 30*time.Minute, "claims older than this are expired")
	_ = cmd.MarkFlagRequired("phase")
	return cmd
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema and validate the field mapping",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			if e.cfg.DB.Driver != config.DriverPostgres {
				return fmt.Errorf("migrate requires db.driver %q, got %q", config.DriverPostgres, e.cfg.DB.Driver)
			}
			ctx := cmd.Context()
			store, err := app.OpenPostgres(ctx, e.cfg.DB, e.logger)
			if err != nil {
				return err
			}
			defer store.Close()
			if err := store.Migrate(ctx); err != nil {
				return err
			}
			if err := store.ValidateMapping(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema applied and field mapping validated")
			return nil
		},
	}
}

func renderSites(sites []crawler.Site) string {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.AppendHeader(table.Row{"ID", "Seed", "Status", "Last walked", "Sitemaps", "Failure"})
	for _, s := range sites {
		last := "never"
		if s.LastProcessed != nil {
			last = s.LastProcessed.UTC().Format(time.RFC3339)
		}
		tw.AppendRow(table.Row{
			strconv.FormatInt(s.ID, 10),
			s.SeedURL,
			string(s.Status),
			last,
			strings.Join(s.ManualSitemaps, "\n"),
			s.FailureReason,
		})
	}
	tw.SetColumnConfigs([]table.ColumnConfig{{Number: 1, Align: text.AlignRight}})
	return tw.Render()
}

var statusOrder = []crawler.Status{
	crawler.StatusPending,
	crawler.StatusInProgress,
	crawler.StatusComplete,
	crawler.StatusFailed,
}

func renderCounts(counts crawler.StatusCounts) string {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	header := table.Row{"Phase"}
	for _, s := range statusOrder {
		header = append(header, string(s))
	}
	tw.AppendHeader(header)
	for _, p := range []crawler.Phase{crawler.PhaseCrawl, crawler.PhaseExtract, crawler.PhaseMenu} {
		row := table.Row{string(p)}
		for _, s := range statusOrder {
			row = append(row, strconv.FormatInt(counts[p][s], 10))
		}
		tw.AppendRow(row)
	}
	configs := make([]table.ColumnConfig, 0, len(statusOrder))
	for i := range statusOrder {
		configs = append(configs, table.ColumnConfig{Number: i + 2, Align: text.AlignRight})
	}
	tw.SetColumnConfigs(configs)
	return tw.Render()
}
