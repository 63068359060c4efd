package catalog

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"market-analyzer/internal/analysis"
	"market-analyzer/internal/fetcher"
)

// DiscoverOptions select the market group subtrees to collect items from.
type DiscoverOptions struct {
	RootNames []string
	MaxTypes  int
	Workers   int
}

// Discovery is the outcome of a market group walk.
type Discovery struct {
	Roots        []int32
	Groups       int
	FailedGroups int
	TypeIDs      []int32
	// Truncated reports whether TypeIDs was capped at MaxTypes.
	Truncated bool
}

// Discover collects the type IDs of every market group below the named root
// groups. Groups that fail to load are skipped; the result is ascending and
// capped at MaxTypes.
func Discover(ctx context.Context, source fetcher.GroupSource, opts DiscoverOptions, logger zerolog.Logger) (Discovery, error) {
	if len(opts.RootNames) == 0 {
		return Discovery{}, fmt.Errorf("%w: at least one root group name is required", analysis.ErrInvalidParameter)
	}
	if opts.MaxTypes <= 0 {
		return Discovery{}, fmt.Errorf("%w: max types must be positive", analysis.ErrInvalidParameter)
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	logger = logger.With().Str("component", "catalog_discovery").Logger()

	ids, err := source.FetchMarketGroupIDs(ctx)
	if err != nil {
		return Discovery{}, err
	}
	if len(ids) == 0 {
		return Discovery{}, fmt.Errorf("%w: no market groups listed", analysis.ErrUnavailable)
	}

	groups, failed, err := fetchGroups(ctx, source, ids, opts.Workers, logger)
	if err != nil {
		return Discovery{}, err
	}

	wanted := make(map[string]struct{}, len(opts.RootNames))
	for _, name := range opts.RootNames {
		wanted[name] = struct{}{}
	}
	roots := make(map[int32]struct{})
	for id, g := range groups {
		if _, ok := wanted[g.Name]; ok {
			roots[id] = struct{}{}
		}
	}
	if len(roots) == 0 {
		return Discovery{}, fmt.Errorf("%w: no market group named %q", analysis.ErrInvalidParameter, opts.RootNames)
	}

	tree := groupTree{groups: groups, roots: roots, memo: make(map[int32]bool, len(groups))}
	typeSet := make(map[int32]struct{})
	for id, g := range groups {
		if len(g.Types) == 0 || !tree.underRoot(id) {
			continue
		}
		for _, typeID := range g.Types {
			typeSet[typeID] = struct{}{}
		}
	}

	out := Discovery{
		Roots:        sortedIDs(roots),
		Groups:       len(groups),
		FailedGroups: failed,
		TypeIDs:      sortedIDs(typeSet),
	}
	if len(out.TypeIDs) > opts.MaxTypes {
		out.TypeIDs = out.TypeIDs[:opts.MaxTypes]
		out.Truncated = true
	}

	logger.Info().
		Ints32("roots", out.Roots).
		Int("groups", out.Groups).
		Int("failed_groups", failed).
		Int("types", len(out.TypeIDs)).
		Bool("truncated", out.Truncated).
		Msg("market groups discovered")
	return out, nil
}

func fetchGroups(ctx context.Context, source fetcher.GroupSource, ids []int32, workers int, logger zerolog.Logger) (map[int32]fetcher.MarketGroup, int, error) {
	var (
		mu     sync.Mutex
		groups = make(map[int32]fetcher.MarketGroup, len(ids))
		failed int
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			group, err := source.FetchMarketGroup(gctx, id)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				logger.Warn().Err(err).Int32("market_group_id", id).Msg("market group skipped")
				mu.Lock()
				failed++
				mu.Unlock()
				return nil
			}
			mu.Lock()
			groups[id] = group
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, failed, fmt.Errorf("market group walk interrupted: %w", err)
		}
		return nil, failed, err
	}
	return groups, failed, nil
}

type groupTree struct {
	groups map[int32]fetcher.MarketGroup
	roots  map[int32]struct{}
	memo   map[int32]bool
}

// underRoot walks parent links; unknown parents and cycles end the walk.
func (t *groupTree) underRoot(id int32) bool {
	if v, ok := t.memo[id]; ok {
		return v
	}
	seen := make(map[int32]struct{})
	result := false
	for current := id; current != 0; {
		if _, ok := seen[current]; ok {
			break
		}
		seen[current] = struct{}{}
		if _, ok := t.roots[current]; ok {
			result = true
			break
		}
		g, ok := t.groups[current]
		if !ok {
			break
		}
		current = g.ParentID
	}
	t.memo[id] = result
	return result
}

func sortedIDs(set map[int32]struct{}) []int32 {
	out := make([]int32, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
