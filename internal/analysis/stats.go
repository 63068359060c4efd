package analysis

import (
	"fmt"
	"math"
	"time"
)

// Default engine parameters.
const (
	DefaultWindowSize = 20
	DefaultBandK      = 2.0
)

// flatEpsilon bounds the relative std below which a window counts as flat.
const flatEpsilon = 1e-12

// StatsOptions parameterise the rolling statistics.
type StatsOptions struct {
	WindowSize int
	BandK      float64
}

// DefaultStatsOptions returns window=20, k=2.
func DefaultStatsOptions() StatsOptions {
	return StatsOptions{WindowSize: DefaultWindowSize, BandK: DefaultBandK}
}

// Validate rejects unusable parameters.
func (o StatsOptions) Validate() error {
	if o.WindowSize <= 0 {
		return fmt.Errorf("%w: window size must be positive, got %d", ErrInvalidParameter, o.WindowSize)
	}
	if o.BandK < 0 || math.IsNaN(o.BandK) || math.IsInf(o.BandK, 0) {
		return fmt.Errorf("%w: band multiplier must be a non-negative number, got %v", ErrInvalidParameter, o.BandK)
	}
	return nil
}

// ValidateHistory checks that dates are strictly ascending calendar days.
func ValidateHistory(history []PriceRecord) error {
	for i := 1; i < len(history); i++ {
		prev, cur := Day(history[i-1].Date), Day(history[i].Date)
		if !cur.After(prev) {
			if cur.Equal(prev) {
				return fmt.Errorf("%w: duplicate date %s", ErrMalformedHistory, cur.Format(DateLayout))
			}
			return fmt.Errorf("%w: %s follows %s", ErrMalformedHistory, cur.Format(DateLayout), prev.Format(DateLayout))
		}
	}
	return nil
}

// Compute returns the statistics of the trailing window ending at asOf.
// The window is the last WindowSize records dated on or before asOf.
func Compute(history []PriceRecord, opts StatsOptions, asOf time.Time) (RollingStats, error) {
	if err := opts.Validate(); err != nil {
		return RollingStats{}, err
	}
	if err := ValidateHistory(history); err != nil {
		return RollingStats{}, err
	}

	cutoff := Day(asOf)
	end := len(history)
	for end > 0 && Day(history[end-1].Date).After(cutoff) {
		end--
	}
	if end < opts.WindowSize {
		return RollingStats{}, fmt.Errorf("%w: %d records on or before %s, window needs %d",
			ErrInsufficientData, end, cutoff.Format(DateLayout), opts.WindowSize)
	}

	return windowStats(history[end-opts.WindowSize:end], opts.BandK), nil
}

// Series computes statistics for every record that closes a full window.
func Series(history []PriceRecord, opts StatsOptions) ([]RollingStats, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if err := ValidateHistory(history); err != nil {
		return nil, err
	}
	if len(history) < opts.WindowSize {
		return nil, fmt.Errorf("%w: %d records, window needs %d", ErrInsufficientData, len(history), opts.WindowSize)
	}

	out := make([]RollingStats, 0, len(history)-opts.WindowSize+1)
	for end := opts.WindowSize; end <= len(history); end++ {
		out = append(out, windowStats(history[end-opts.WindowSize:end], opts.BandK))
	}
	return out, nil
}

func windowStats(window []PriceRecord, k float64) RollingStats {
	n := float64(len(window))
	sum := 0.0
	for _, r := range window {
		sum += r.AveragePrice
	}
	mean := sum / n

	variance := 0.0
	for _, r := range window {
		diff := r.AveragePrice - mean
		variance += diff * diff
	}
	std := math.Sqrt(variance / n)
	if std <= flatEpsilon*math.Max(1, math.Abs(mean)) {
		std = 0
	}

	last := window[len(window)-1]
	stats := RollingStats{
		Date:         Day(last.Date),
		AveragePrice: last.AveragePrice,
		Volume:       last.Volume,
		WindowSize:   len(window),
		Mean:         mean,
		Std:          std,
		BandUpper:    mean + k*std,
		BandLower:    mean - k*std,
	}
	if std > 0 {
		z := (last.AveragePrice - mean) / std
		stats.ZScore = &z
	}
	return stats
}
