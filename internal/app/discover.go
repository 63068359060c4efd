package app

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"market-analyzer/internal/analysis"
	"market-analyzer/internal/catalog"
	"market-analyzer/internal/fetcher"
	"market-analyzer/internal/storage"
)

// DiscoverOptions configure catalog discovery; zero values fall back to config.
type DiscoverOptions struct {
	RootNames []string
	MaxTypes  int
	// Output is a config file path; empty prints YAML to Out.
	Output string
	// Names resolves type names (store cache first, then ESI).
	Names bool
}

// DiscoverCatalog walks the ESI market group tree and writes the resulting
// catalog.items block.
func (a *App) DiscoverCatalog(ctx context.Context, opts DiscoverOptions) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg := a.Config.Catalog.Discovery
	if len(opts.RootNames) == 0 {
		opts.RootNames = cfg.RootNames
	}
	if opts.MaxTypes == 0 {
		opts.MaxTypes = cfg.MaxTypes
	}

	source := a.newSource()
	found, err := catalog.Discover(ctx, source, catalog.DiscoverOptions{
		RootNames: opts.RootNames,
		MaxTypes:  opts.MaxTypes,
		Workers:   cfg.Workers,
	}, a.Logger)
	if err != nil {
		return err
	}

	items := make([]analysis.Item, len(found.TypeIDs))
	for i, id := range found.TypeIDs {
		items[i] = analysis.Item{TypeID: id}
	}
	if opts.Names {
		if err := a.resolveNames(ctx, source, items, cfg.Workers); err != nil {
			return err
		}
	}

	if err := writeCatalog(a, items, opts.Output); err != nil {
		return err
	}
	a.Logger.Info().
		Int("items", len(items)).
		Int("failed_groups", found.FailedGroups).
		Bool("truncated", found.Truncated).
		Str("output", opts.Output).
		Msg("catalog discovered")
	return nil
}

func (a *App) resolveNames(ctx context.Context, names fetcher.NameSource, items []analysis.Item, workers int) error {
	store, err := storage.Open(ctx, a.Config.Database)
	if err != nil {
		return err
	}
	defer store.Close()

	if workers <= 0 {
		workers = 1
	}
	resolver := catalog.NewResolver(store, names, a.Logger)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := range items {
		i := i
		g.Go(func() error {
			items[i].TypeName = resolver.Name(gctx, items[i].TypeID)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

func writeCatalog(a *App, items []analysis.Item, output string) error {
	entries := make([]map[string]any, len(items))
	for i, item := range items {
		entry := map[string]any{"type_id": item.TypeID}
		if item.TypeName != "" {
			entry["type_name"] = item.TypeName
		}
		entries[i] = entry
	}

	v := viper.New()
	v.SetConfigType("yaml")
	v.Set("catalog.items", entries)

	if output == "" {
		return v.WriteConfigTo(a.Out)
	}
	if err := ensureDir(output); err != nil {
		return err
	}
	if err := v.WriteConfigAs(output); err != nil {
		return fmt.Errorf("write catalog: %w", err)
	}
	return nil
}
