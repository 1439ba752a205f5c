package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/recipe-crawler/internal/app"
	"github.com/JakeFAU/recipe-crawler/internal/config"
	"github.com/JakeFAU/recipe-crawler/internal/crawler"
)

// importBatch bounds one InsertMenuItems call.
const importBatch = 1000

func newMenuCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "menu",
		Short: "Import restaurant menu items and extract dishes from them",
	}

	imp := &cobra.Command{
		Use:   "import <file>",
		Short: "Queue menu items from a JSON Lines file (\"-\" reads stdin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r := cmd.InOrStdin()
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return fmt.Errorf("open menu items: %w", err)
				}
				defer f.Close()
				r = f
			}
			items, err := decodeMenuItems(r)
			if err != nil {
				return err
			}
			return withApp(cmd, storeOnly, func(ctx context.Context, a *app.App) error {
				total := 0
				for start := 0; start < len(items); start += importBatch {
					end := min(start+importBatch, len(items))
					n, err := a.Store.Menu().InsertMenuItems(ctx, items[start:end])
					if err != nil {
						return fmt.Errorf("import menu items: %w", err)
					}
					total += n
				}
				fmt.Fprintf(cmd.OutOrStdout(), "imported %d menu items\n", total)
				return nil
			})
		},
	}

	var once bool
	extract := &cobra.Command{
		Use:   "extract",
		Short: "Extract dishes from pending menu items with the LLM",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, app.Components{Menu: true}, func(ctx context.Context, a *app.App) error {
				if !once {
					return a.Menu.Run(ctx)
				}
				n, err := a.Menu.RunOnce(ctx)
				if err != nil {
					return fmt.Errorf("menu batch: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "extracted %d menu items\n", n)
				return nil
			})
		},
	}
	extract.Flags().BoolVar(&once, "once", false, "process a single batch and exit")

	cmd.AddCommand(imp, extract)
	return cmd
}

// decodeMenuItems reads one JSON object per item. Items without a name or a
// description are rejected with their position.
func decodeMenuItems(r io.Reader) ([]crawler.MenuItem, error) {
	dec := json.NewDecoder(r)
	var items []crawler.MenuItem
	for line := 1; ; line++ {
		var item crawler.MenuItem
		err := dec.Decode(&item)
		if errors.Is(err, io.EOF) {
			return items, nil
		}
		if err != nil {
			return nil, fmt.Errorf("decode menu item %d: %w", line, err)
		}
		if strings.TrimSpace(item.Name) == "" && strings.TrimSpace(item.Description) == "" {
			return nil, fmt.Errorf("menu item %d has neither name nor description", line)
		}
		items = append(items, crawler.MenuItem{
			Name:         strings.TrimSpace(item.Name),
			Description:  strings.TrimSpace(item.Description),
			Category:     strings.TrimSpace(item.Category),
			DateUploaded: item.DateUploaded,
		})
	}
}

func newExportCmd() *cobra.Command {
	var source, dir string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the dish tables of one source as JSON Lines files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if source != crawler.SourceRecipe && source != crawler.SourceMenu {
				return fmt.Errorf("--source must be %s or %s, got %q", crawler.SourceRecipe, crawler.SourceMenu, source)
			}
			if dir != "" {
				e, err := resolveEnv(cmd.Context())
				if err != nil {
					return err
				}
				e.cfg.Archive = config.ArchiveConfig{Driver: config.DriverLocal, BaseDir: dir}
			}
			return withApp(cmd, app.Components{Export: true}, func(ctx context.Context, a *app.App) error {
				results, err := a.Exporter.Export(ctx, source)
				if err != nil {
					return err
				}
				for _, r := range results {
					fmt.Fprintf(cmd.OutOrStdout(), "%s: %d rows in %d files\n", r.Table, r.Rows, len(r.Files))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&source, "source", crawler.SourceRecipe, "dish source to export: recipe or menu")
	cmd.Flags().StringVar(&dir, "dir", "", "write to this local directory instead of the configured archive")
	return cmd
}
