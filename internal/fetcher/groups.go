package fetcher

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"market-analyzer/internal/analysis"
)

// MarketGroup is one node of the ESI market group tree.
// ParentID is zero for root groups.
type MarketGroup struct {
	ID       int32
	Name     string
	ParentID int32
	Types    []int32
}

// GroupSource walks the market group hierarchy.
type GroupSource interface {
	FetchMarketGroupIDs(ctx context.Context) ([]int32, error)
	FetchMarketGroup(ctx context.Context, groupID int32) (MarketGroup, error)
}

type marketGroupInfo struct {
	MarketGroupID int32   `json:"market_group_id"`
	Name          string  `json:"name"`
	ParentGroupID *int32  `json:"parent_group_id"`
	Types         []int32 `json:"types"`
}

// FetchMarketGroupIDs lists every market group, following X-Pages.
func (e *ESI) FetchMarketGroupIDs(ctx context.Context) ([]int32, error) {
	var ids []int32
	for page := 1; ; page++ {
		query := url.Values{}
		query.Set("datasource", "tranquility")
		query.Set("page", strconv.Itoa(page))

		var chunk []int32
		header, err := e.getJSON(ctx, "/markets/groups/", query, &chunk, analysis.ErrUnavailable)
		if err != nil {
			return nil, fmt.Errorf("market groups page %d: %w", page, err)
		}
		if len(chunk) == 0 {
			break
		}
		ids = append(ids, chunk...)

		pages, err := strconv.Atoi(header.Get("X-Pages"))
		if err != nil || page >= pages {
			break
		}
	}

	e.logger.Debug().Int("groups", len(ids)).Msg("market groups listed")
	return ids, nil
}

// FetchMarketGroup retrieves /markets/groups/{id}/.
func (e *ESI) FetchMarketGroup(ctx context.Context, groupID int32) (MarketGroup, error) {
	query := url.Values{}
	query.Set("datasource", "tranquility")
	query.Set("language", "en")

	var info marketGroupInfo
	if _, err := e.getJSON(ctx, fmt.Sprintf("/markets/groups/%d/", groupID), query, &info, analysis.ErrUnavailable); err != nil {
		return MarketGroup{}, err
	}

	group := MarketGroup{ID: groupID, Name: info.Name, Types: info.Types}
	if info.ParentGroupID != nil {
		group.ParentID = *info.ParentGroupID
	}
	return group, nil
}

var _ GroupSource = (*ESI)(nil)
