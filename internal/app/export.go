package app

import (
	"context"
	"encoding/csv"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	chart "github.com/wcharczuk/go-chart/v2"

	"market-analyzer/internal/analysis"
	"market-analyzer/internal/storage"
)

const (
	buyCSVName  = "buy_candidates.csv"
	sellCSVName = "sell_candidates.csv"
)

var candidateCSVHeader = []string{
	"type_id", "type_name", "date",
	"average_price", "rolling_mean", "rolling_std", "z_score",
	"pct_diff", "band_lower", "band_upper", "volume",
}

// Export writes buy/sell candidate CSVs and, optionally, a PNG chart of one item.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	dir := opts.Dir
	if dir == "" {
		dir = a.Config.Export.Dir
	}

	rt, err := a.bootstrap(ctx, false)
	if err != nil {
		return err
	}
	defer rt.Close()

	res, err := rt.service.Candidates(ctx, rt.catalog, a.Config.Criteria())
	if err != nil {
		return err
	}

	buyPath := filepath.Join(dir, buyCSVName)
	if err := writeCandidatesCSV(buyPath, res.Buy); err != nil {
		return err
	}
	sellPath := filepath.Join(dir, sellCSVName)
	if err := writeCandidatesCSV(sellPath, res.Sell); err != nil {
		return err
	}
	a.Logger.Info().
		Str("buy", buyPath).Int("buy_rows", len(res.Buy)).
		Str("sell", sellPath).Int("sell_rows", len(res.Sell)).
		Msg("candidates exported")

	if opts.PNGTypeID == 0 {
		return nil
	}

	series, err := rt.service.Series(ctx, opts.PNGTypeID, storage.Range{})
	if err != nil {
		return err
	}
	if len(series) < 2 {
		return fmt.Errorf("%w: type %d has %d charted days, need at least 2", analysis.ErrInsufficientData, opts.PNGTypeID, len(series))
	}

	title := fmt.Sprintf("type %d", opts.PNGTypeID)
	if item, ok := rt.catalog.Lookup(opts.PNGTypeID); ok {
		title = item.TypeName
	}
	pngPath := filepath.Join(dir, fmt.Sprintf("type_%d.png", opts.PNGTypeID))
	if err := writeSeriesPNG(pngPath, title, series, a.Config.Export.ChartWidth, a.Config.Export.ChartHeight); err != nil {
		return err
	}
	a.Logger.Info().Str("png", pngPath).Int("points", len(series)).Msg("chart exported")
	return nil
}

func writeCandidatesCSV(path string, list []analysis.Candidate) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write(candidateCSVHeader); err != nil {
		return err
	}

	for _, c := range list {
		record := []string{
			strconv.FormatInt(int64(c.TypeID), 10),
			c.TypeName,
			c.Date.Format(analysis.DateLayout),
			formatFloat(c.AveragePrice, 2),
			formatFloat(c.RollingMean, 2),
			formatFloat(c.RollingStd, 2),
			formatFloat(c.ZScore, 2),
			formatFloat(c.PctDiff*100, 2),
			formatFloat(c.BandLower, 2),
			formatFloat(c.BandUpper, 2),
			strconv.FormatInt(c.Volume, 10),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return err
	}
	return file.Close()
}

func writeSeriesPNG(path, title string, series []analysis.RollingStats, width, height int) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(series))
	price := make([]float64, len(series))
	mean := make([]float64, len(series))
	upper := make([]float64, len(series))
	lower := make([]float64, len(series))

	for i, st := range series {
		x[i] = st.Date
		price[i] = st.AveragePrice
		mean[i] = st.Mean
		upper[i] = st.BandUpper
		lower[i] = st.BandLower
	}

	priceFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f")
	}
	bandStyle := chart.Style{StrokeColor: chart.ColorAlternateGray, StrokeDashArray: []float64{5, 5}}
	graph := chart.Chart{
		Title:  title,
		Width:  width,
		Height: height,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeDateValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "ISK",
			ValueFormatter: priceFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Average",
				XValues: x,
				YValues: price,
			},
			chart.TimeSeries{
				Name:    "Rolling mean",
				XValues: x,
				YValues: mean,
			},
			chart.TimeSeries{
				Name:    "Upper band",
				Style:   bandStyle,
				XValues: x,
				YValues: upper,
			},
			chart.TimeSeries{
				Name:    "Lower band",
				Style:   bandStyle,
				XValues: x,
				YValues: lower,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

// formatFloat rounds half away from zero to a fixed number of places.
func formatFloat(v float64, places int32) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return ""
	}
	return decimal.NewFromFloat(v).StringFixed(places)
}
