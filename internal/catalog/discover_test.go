package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"market-analyzer/internal/analysis"
	"market-analyzer/internal/fetcher"
)

type groupTreeSource struct {
	groups map[int32]fetcher.MarketGroup
	fail   map[int32]bool
}

func (s *groupTreeSource) FetchMarketGroupIDs(context.Context) ([]int32, error) {
	ids := make([]int32, 0, len(s.groups)+len(s.fail))
	for id := range s.groups {
		ids = append(ids, id)
	}
	for id := range s.fail {
		if _, ok := s.groups[id]; !ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (s *groupTreeSource) FetchMarketGroup(_ context.Context, id int32) (fetcher.MarketGroup, error) {
	if s.fail[id] {
		return fetcher.MarketGroup{}, fmt.Errorf("%w: group %d", analysis.ErrUnavailable, id)
	}
	return s.groups[id], nil
}

// sampleTree:
//
//	9 Ship Equipment
//	└─ 52 Turrets            [2873, 3001]
//	   └─ 560 Hybrid         [3001, 3082]
//	11 Ammunition & Charges
//	└─ 114 Projectile Ammo   [178]
//	4 Ships
//	└─ 61 Frigates           [587]
//	70 loops to 71, 71 to 70 [9999]
func sampleTree() *groupTreeSource {
	return &groupTreeSource{groups: map[int32]fetcher.MarketGroup{
		9:   {ID: 9, Name: "Ship Equipment"},
		52:  {ID: 52, Name: "Turrets", ParentID: 9, Types: []int32{2873, 3001}},
		560: {ID: 560, Name: "Hybrid", ParentID: 52, Types: []int32{3001, 3082}},
		11:  {ID: 11, Name: "Ammunition & Charges"},
		114: {ID: 114, Name: "Projectile Ammo", ParentID: 11, Types: []int32{178}},
		4:   {ID: 4, Name: "Ships"},
		61:  {ID: 61, Name: "Frigates", ParentID: 4, Types: []int32{587}},
		70:  {ID: 70, Name: "Loop A", ParentID: 71, Types: []int32{9999}},
		71:  {ID: 71, Name: "Loop B", ParentID: 70},
	}}
}

func TestDiscoverCollectsTypesUnderRoots(t *testing.T) {
	got, err := Discover(context.Background(), sampleTree(), DiscoverOptions{
		RootNames: []string{"Ship Equipment", "Ammunition & Charges"},
		MaxTypes:  100,
		Workers:   3,
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if want := []int32{178, 2873, 3001, 3082}; !reflect.DeepEqual(got.TypeIDs, want) {
		t.Fatalf("types = %v, want %v", got.TypeIDs, want)
	}
	if want := []int32{9, 11}; !reflect.DeepEqual(got.Roots, want) {
		t.Fatalf("roots = %v, want %v", got.Roots, want)
	}
	if got.Groups != 9 || got.Truncated {
		t.Fatalf("discovery = %+v", got)
	}
}

func TestDiscoverCapsTypes(t *testing.T) {
	got, err := Discover(context.Background(), sampleTree(), DiscoverOptions{
		RootNames: []string{"Ship Equipment"},
		MaxTypes:  2,
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if want := []int32{2873, 3001}; !reflect.DeepEqual(got.TypeIDs, want) || !got.Truncated {
		t.Fatalf("discovery = %+v", got)
	}
}

func TestDiscoverSkipsFailedGroups(t *testing.T) {
	src := sampleTree()
	src.fail = map[int32]bool{560: true}

	got, err := Discover(context.Background(), src, DiscoverOptions{
		RootNames: []string{"Ship Equipment"},
		MaxTypes:  100,
		Workers:   2,
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if want := []int32{2873, 3001}; !reflect.DeepEqual(got.TypeIDs, want) || got.FailedGroups != 1 {
		t.Fatalf("discovery = %+v", got)
	}
}

func TestDiscoverRejects(t *testing.T) {
	cases := map[string]DiscoverOptions{
		"no roots":      {MaxTypes: 10},
		"zero max":      {RootNames: []string{"Ship Equipment"}},
		"unknown roots": {RootNames: []string{"Blueprints"}, MaxTypes: 10},
	}
	for name, opts := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Discover(context.Background(), sampleTree(), opts, zerolog.Nop())
			if !errors.Is(err, analysis.ErrInvalidParameter) {
				t.Fatalf("err = %v, want ErrInvalidParameter", err)
			}
		})
	}
}

func TestDiscoverOverESI(t *testing.T) {
	tree := sampleTree()
	pages := [][]int32{{9, 52, 560, 11}, {114, 4, 61}}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/markets/groups/" {
			page, _ := strconv.Atoi(r.URL.Query().Get("page"))
			w.Header().Set("X-Pages", strconv.Itoa(len(pages)))
			_ = json.NewEncoder(w).Encode(pages[page-1])
			return
		}
		id, err := strconv.Atoi(strings.Trim(strings.TrimPrefix(r.URL.Path, "/markets/groups/"), "/"))
		g, ok := tree.groups[int32(id)]
		if err != nil || !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		body := map[string]any{"market_group_id": g.ID, "name": g.Name, "types": g.Types}
		if g.ParentID != 0 {
			body["parent_group_id"] = g.ParentID
		}
		_ = json.NewEncoder(w).Encode(body)
	}))
	defer srv.Close()

	esi := fetcher.NewESI(fetcher.ESIOptions{BaseURL: srv.URL, Timeout: time.Second}, zerolog.Nop())
	got, err := Discover(context.Background(), esi, DiscoverOptions{
		RootNames: []string{"Ammunition & Charges", "Ship Equipment"},
		MaxTypes:  100,
		Workers:   4,
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if want := []int32{178, 2873, 3001, 3082}; !reflect.DeepEqual(got.TypeIDs, want) {
		t.Fatalf("types = %v, want %v", got.TypeIDs, want)
	}
	if got.Groups != 7 {
		t.Fatalf("groups = %d, want 7", got.Groups)
	}
}
