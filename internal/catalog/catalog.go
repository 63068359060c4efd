package catalog

import (
	"context"
	"fmt"
	"strconv"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"market-analyzer/internal/analysis"
	"market-analyzer/internal/fetcher"
	"market-analyzer/internal/storage"
)

// Catalog is the fixed, ordered set of tracked items.
type Catalog struct {
	items []analysis.Item
	index map[int32]int
}

// New builds a catalog, rejecting non-positive or duplicate type IDs.
func New(items []analysis.Item) (*Catalog, error) {
	c := &Catalog{
		items: make([]analysis.Item, 0, len(items)),
		index: make(map[int32]int, len(items)),
	}
	for _, item := range items {
		if item.TypeID <= 0 {
			return nil, fmt.Errorf("%w: type_id must be positive, got %d", analysis.ErrInvalidParameter, item.TypeID)
		}
		if _, dup := c.index[item.TypeID]; dup {
			return nil, fmt.Errorf("%w: duplicate type_id %d", analysis.ErrInvalidParameter, item.TypeID)
		}
		c.index[item.TypeID] = len(c.items)
		c.items = append(c.items, item)
	}
	return c, nil
}

// Items returns a copy of the tracked items in configured order.
func (c *Catalog) Items() []analysis.Item {
	out := make([]analysis.Item, len(c.items))
	copy(out, c.items)
	return out
}

// Len reports the number of tracked items.
func (c *Catalog) Len() int { return len(c.items) }

// Lookup finds a tracked item by type ID.
func (c *Catalog) Lookup(typeID int32) (analysis.Item, bool) {
	i, ok := c.index[typeID]
	if !ok {
		return analysis.Item{}, false
	}
	return c.items[i], true
}

// FallbackName is used when no name source knows the item.
func FallbackName(typeID int32) string {
	return "type_id_" + strconv.FormatInt(int64(typeID), 10)
}

// Resolver fills in missing item names from the store cache, then the API.
type Resolver struct {
	names  storage.TypeNameStore
	source fetcher.NameSource
	logger zerolog.Logger
	group  singleflight.Group
}

// NewResolver constructs a Resolver. Either dependency may be nil.
func NewResolver(names storage.TypeNameStore, source fetcher.NameSource, logger zerolog.Logger) *Resolver {
	return &Resolver{
		names:  names,
		source: source,
		logger: logger.With().Str("component", "catalog").Logger(),
	}
}

// Name resolves a display name. It never fails; unknown items get FallbackName.
func (r *Resolver) Name(ctx context.Context, typeID int32) string {
	key := strconv.FormatInt(int64(typeID), 10)
	v, _, _ := r.group.Do(key, func() (any, error) {
		return r.lookup(ctx, typeID), nil
	})
	return v.(string)
}

func (r *Resolver) lookup(ctx context.Context, typeID int32) string {
	if r.names != nil {
		name, ok, err := r.names.TypeName(ctx, typeID)
		if err != nil {
			r.logger.Warn().Err(err).Int32("type_id", typeID).Msg("type name cache read failed")
		} else if ok {
			return name
		}
	}

	if r.source == nil {
		return FallbackName(typeID)
	}
	name, err := r.source.FetchTypeName(ctx, typeID)
	if err != nil || name == "" {
		r.logger.Warn().Err(err).Int32("type_id", typeID).Msg("type name lookup failed")
		return FallbackName(typeID)
	}

	if r.names != nil {
		if err := r.names.SaveTypeName(ctx, typeID, name); err != nil {
			r.logger.Warn().Err(err).Int32("type_id", typeID).Msg("type name cache write failed")
		}
	}
	return name
}

// Resolve returns a catalog whose items all carry a name.
func (r *Resolver) Resolve(ctx context.Context, c *Catalog) (*Catalog, error) {
	items := c.Items()
	for i := range items {
		if items[i].TypeName == "" {
			items[i].TypeName = r.Name(ctx, items[i].TypeID)
		}
	}
	return New(items)
}
