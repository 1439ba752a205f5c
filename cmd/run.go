package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/recipe-crawler/internal/app"
)

const shutdownTimeout = 15 * time.Second

func newWalkCmd() *cobra.Command {
	var (
		siteID int64
		once   bool
	)
	cmd := &cobra.Command{
		Use:   "walk",
		Short: "Walk site sitemaps and register the URLs they list",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, app.Components{Walker: true}, func(ctx context.Context, a *app.App) error {
				switch {
				case siteID > 0:
					if err := a.Walker.WalkSite(ctx, siteID); err != nil {
						return fmt.Errorf("walk site %d: %w", siteID, err)
					}
					fmt.Fprintf(cmd.OutOrStdout(), "walked site %d\n", siteID)
					return nil
				case once:
					walked, err := a.Walker.RunOnce(ctx)
					if err != nil {
						return fmt.Errorf("walk next site: %w", err)
					}
					if !walked {
						fmt.Fprintln(cmd.OutOrStdout(), "no site due for a walk")
					}
					return nil
				default:
					return a.Walker.Run(ctx)
				}
			})
		},
	}
	cmd.Flags().Int64Var(&siteID, "site-id", 0, "walk this site now, regardless of its status")
	cmd.Flags().BoolVar(&once, "once", false, "walk at most one due site and exit")
	return cmd
}

func newCrawlCmd() *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Fetch, clean, and classify pending URLs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, app.Components{Crawl: true}, func(ctx context.Context, a *app.App) error {
				if !once {
					return a.Crawl.Run(ctx)
				}
				n, err := a.Crawl.RunOnce(ctx)
				if err != nil {
					return fmt.Errorf("crawl batch: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "crawled %d urls\n", n)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "process a single batch and exit")
	return cmd
}

func newExtractCmd() *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "extract",
		Short: "Extract dishes from crawled recipe pages with the LLM",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, app.Components{Extract: true}, func(ctx context.Context, a *app.App) error {
				if !once {
					return a.Extract.Run(ctx)
				}
				n, err := a.Extract.RunOnce(ctx)
				if err != nil {
					return fmt.Errorf("extract batch: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "extracted %d pages\n", n)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "process a single batch and exit")
	return cmd
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the walker, the engines, and the ops HTTP API in one process",
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			want := app.All
			want.Menu = e.cfg.Menu.Enabled
			return withApp(cmd, want, serve)
		},
	}
}

// serve runs every loop under one errgroup. The first failure cancels the
// others; a signal stops them all cleanly.
func serve(ctx context.Context, a *app.App) error {
	g, ctx := errgroup.WithContext(ctx)
	srv := a.HTTPServer()

	g.Go(func() error { return a.Walker.Run(ctx) })
	g.Go(func() error { return a.Crawl.Run(ctx) })
	g.Go(func() error { return a.Extract.Run(ctx) })
	if a.Menu != nil {
		g.Go(func() error { return a.Menu.Run(ctx) })
	}
	g.Go(func() error {
		a.Logger.Info("ops server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("ops server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown ops server: %w", err)
		}
		return nil
	})

	err := g.Wait()
	a.Logger.Info("serve stopped", zap.Error(err))
	return err
}
