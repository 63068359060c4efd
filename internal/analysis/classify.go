package analysis

import (
	"fmt"
	"math"
	"sort"
)

// Default classification criteria.
const (
	DefaultZThreshold = 2.0
	DefaultMinVolume  = 50
	DefaultLimit      = 50
)

// Criteria filter and bound a classification run.
type Criteria struct {
	MinVolume  int64
	ZThreshold float64
	Limit      int
}

// Validate rejects out-of-contract criteria; values are never clamped.
func (c Criteria) Validate() error {
	if c.MinVolume < 0 {
		return fmt.Errorf("%w: min volume cannot be negative, got %d", ErrInvalidParameter, c.MinVolume)
	}
	if !(c.ZThreshold > 0) || math.IsInf(c.ZThreshold, 0) {
		return fmt.Errorf("%w: z threshold must be positive, got %v", ErrInvalidParameter, c.ZThreshold)
	}
	if c.Limit <= 0 {
		return fmt.Errorf("%w: limit must be positive, got %d", ErrInvalidParameter, c.Limit)
	}
	return nil
}

// Result holds both ranked candidate lists.
type Result struct {
	Buy  []Candidate `json:"buy"`
	Sell []Candidate `json:"sell"`
}

// Classify splits snapshots into ranked buy and sell candidates.
// Snapshots below MinVolume or without a z-score never appear in the output.
func Classify(snapshots []Snapshot, c Criteria) (Result, error) {
	if err := c.Validate(); err != nil {
		return Result{}, err
	}

	res := Result{Buy: []Candidate{}, Sell: []Candidate{}}
	for _, snap := range snapshots {
		st := snap.Stats
		if st.ZScore == nil || st.Volume < c.MinVolume {
			continue
		}
		z := *st.ZScore
		switch {
		case z <= -c.ZThreshold:
			res.Buy = append(res.Buy, newCandidate(snap, SideBuy))
		case z >= c.ZThreshold:
			res.Sell = append(res.Sell, newCandidate(snap, SideSell))
		}
	}

	sort.SliceStable(res.Buy, func(i, j int) bool {
		return ranksBefore(res.Buy[i], res.Buy[j], res.Buy[i].ZScore < res.Buy[j].ZScore)
	})
	sort.SliceStable(res.Sell, func(i, j int) bool {
		return ranksBefore(res.Sell[i], res.Sell[j], res.Sell[i].ZScore > res.Sell[j].ZScore)
	})

	if len(res.Buy) > c.Limit {
		res.Buy = res.Buy[:c.Limit]
	}
	if len(res.Sell) > c.Limit {
		res.Sell = res.Sell[:c.Limit]
	}
	return res, nil
}

// ranksBefore applies the tie-breaks once the z-score order is known.
func ranksBefore(a, b Candidate, zFirst bool) bool {
	if a.ZScore != b.ZScore {
		return zFirst
	}
	if a.Volume != b.Volume {
		return a.Volume > b.Volume
	}
	return a.TypeID < b.TypeID
}

func newCandidate(snap Snapshot, side Side) Candidate {
	st := snap.Stats
	pct := 0.0
	if st.Mean != 0 {
		pct = (st.AveragePrice - st.Mean) / st.Mean
	}
	return Candidate{
		TypeID:       snap.Item.TypeID,
		TypeName:     snap.Item.TypeName,
		Date:         st.Date,
		AveragePrice: st.AveragePrice,
		RollingMean:  st.Mean,
		RollingStd:   st.Std,
		ZScore:       *st.ZScore,
		Volume:       st.Volume,
		PctDiff:      pct,
		BandUpper:    st.BandUpper,
		BandLower:    st.BandLower,
		Side:         side,
	}
}
