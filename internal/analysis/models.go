package analysis

import "time"

// DateLayout is the calendar-day format used by ESI and the stores.
const DateLayout = "2006-01-02"

// Item identifies a tradable type.
type Item struct {
	TypeID   int32  `json:"type_id" mapstructure:"type_id"`
	TypeName string `json:"type_name" mapstructure:"type_name"`
}

// PriceRecord is one day of market history for one item.
type PriceRecord struct {
	Date         time.Time
	AveragePrice float64
	Highest      float64
	Lowest       float64
	Volume       int64
	OrderCount   int64
}

// RollingStats holds trailing-window statistics ending at Date.
type RollingStats struct {
	Date         time.Time
	AveragePrice float64
	Volume       int64
	WindowSize   int
	Mean         float64
	Std          float64
	// ZScore is nil when the window is flat.
	ZScore    *float64
	BandUpper float64
	BandLower float64
}

// Snapshot pairs an item with its latest statistics for classification.
type Snapshot struct {
	Item  Item
	Stats RollingStats
}

// Side tags a candidate as under- or overpriced.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Candidate is an item whose latest price deviates beyond the threshold.
type Candidate struct {
	TypeID       int32     `json:"type_id"`
	TypeName     string    `json:"type_name"`
	Date         time.Time `json:"date"`
	AveragePrice float64   `json:"average_price"`
	RollingMean  float64   `json:"rolling_mean"`
	RollingStd   float64   `json:"rolling_std"`
	ZScore       float64   `json:"z_score"`
	Volume       int64     `json:"volume"`
	PctDiff      float64   `json:"pct_diff"`
	BandUpper    float64   `json:"band_upper"`
	BandLower    float64   `json:"band_lower"`
	Side         Side      `json:"side"`
}

// Day truncates t to its UTC calendar day.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseDay parses an ESI date string.
func ParseDay(s string) (time.Time, error) {
	return time.ParseInLocation(DateLayout, s, time.UTC)
}
