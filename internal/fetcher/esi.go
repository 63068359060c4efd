package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"market-analyzer/internal/analysis"
)

const defaultESIBaseURL = "https://esi.evetech.net/latest"

// ESIOptions parameterise the ESI fetcher.
type ESIOptions struct {
	BaseURL       string
	UserAgent     string
	Timeout       time.Duration
	RatePerSecond float64
	Burst         int
	MaxRetries    int
	RetryBackoff  time.Duration
}

// ESI fetches market history and type names from the EVE Swagger Interface.
type ESI struct {
	opts    ESIOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
	limiter *rate.Limiter
}

// NewESI constructs an ESI fetcher. All requests share one token bucket.
func NewESI(opts ESIOptions, logger zerolog.Logger) *ESI {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultESIBaseURL
	}

	limit := rate.Inf
	if opts.RatePerSecond > 0 {
		limit = rate.Limit(opts.RatePerSecond)
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}

	return &ESI{
		opts:    opts,
		logger:  logger.With().Str("component", "esi_fetcher").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
		limiter: rate.NewLimiter(limit, burst),
	}
}

type historyEntry struct {
	Date       string  `json:"date"`
	Average    float64 `json:"average"`
	Highest    float64 `json:"highest"`
	Lowest     float64 `json:"lowest"`
	Volume     int64   `json:"volume"`
	OrderCount int64   `json:"order_count"`
}

type typeInfo struct {
	Name string `json:"name"`
}

// FetchHistory retrieves /markets/{region}/history/ and keeps days within [from, to].
func (e *ESI) FetchHistory(ctx context.Context, regionID, typeID int32, from, to time.Time) ([]analysis.PriceRecord, error) {
	query := url.Values{}
	query.Set("datasource", "tranquility")
	query.Set("type_id", fmt.Sprint(typeID))

	var entries []historyEntry
	if _, err := e.getJSON(ctx, fmt.Sprintf("/markets/%d/history/", regionID), query, &entries, analysis.ErrMalformedHistory); err != nil {
		return nil, err
	}

	lo, hi := analysis.Day(from), analysis.Day(to)
	records := make([]analysis.PriceRecord, 0, len(entries))
	for _, entry := range entries {
		day, err := analysis.ParseDay(entry.Date)
		if err != nil {
			return nil, fmt.Errorf("%w: type %d: bad date %q", analysis.ErrMalformedHistory, typeID, entry.Date)
		}
		if day.Before(lo) || day.After(hi) {
			continue
		}
		records = append(records, analysis.PriceRecord{
			Date:         day,
			AveragePrice: entry.Average,
			Highest:      entry.Highest,
			Lowest:       entry.Lowest,
			Volume:       entry.Volume,
			OrderCount:   entry.OrderCount,
		})
	}

	// ESI does not guarantee chronological order.
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Date.Before(records[j].Date)
	})

	e.logger.Debug().Int32("type_id", typeID).Int("entries", len(entries)).Int("kept", len(records)).Msg("history fetched")
	return records, nil
}

// FetchTypeName retrieves /universe/types/{id}/ and returns its English name.
func (e *ESI) FetchTypeName(ctx context.Context, typeID int32) (string, error) {
	query := url.Values{}
	query.Set("datasource", "tranquility")
	query.Set("language", "en")

	var info typeInfo
	if _, err := e.getJSON(ctx, fmt.Sprintf("/universe/types/%d/", typeID), query, &info, analysis.ErrUnavailable); err != nil {
		return "", err
	}
	if info.Name == "" {
		return "", fmt.Errorf("%w: type %d has no name", analysis.ErrUnavailable, typeID)
	}
	return info.Name, nil
}

// getJSON decodes a 200 response into dst, retrying transient failures.
// Undecodable payloads are wrapped with decodeErr.
func (e *ESI) getJSON(ctx context.Context, path string, query url.Values, dst interface{}, decodeErr error) (http.Header, error) {
	endpoint := e.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	attempts := e.opts.MaxRetries + 1
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			if err := e.sleep(ctx, time.Duration(attempt-1)*e.opts.RetryBackoff); err != nil {
				return nil, fmt.Errorf("%w: %w", analysis.ErrUnavailable, err)
			}
		}

		payload, header, retry, err := e.do(ctx, endpoint)
		if err == nil {
			if jsonErr := json.Unmarshal(payload, dst); jsonErr != nil {
				return nil, fmt.Errorf("%w: decode %s: %v", decodeErr, path, jsonErr)
			}
			return header, nil
		}

		lastErr = err
		if !retry || ctx.Err() != nil {
			break
		}
		e.logger.Warn().Err(err).Str("path", path).Int("attempt", attempt).Int("max_attempts", attempts).Msg("esi request failed, retrying")
	}
	return nil, fmt.Errorf("%w: %w", analysis.ErrUnavailable, lastErr)
}

// do performs one rate-limited request and reports whether a failure is retryable.
func (e *ESI) do(ctx context.Context, endpoint string) ([]byte, http.Header, bool, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, nil, false, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, nil, false, err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(e.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "market-analyzer/1.0")
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, nil, true, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, true, err
	}

	if resp.StatusCode != http.StatusOK {
		return nil, nil, retryableStatus(resp.StatusCode), parseHTTPError(resp.StatusCode, payload)
	}
	return payload, resp.Header, false, nil
}

func (e *ESI) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// retryableStatus covers ESI error-limit (420), throttling, and gateway failures.
func retryableStatus(status int) bool {
	switch status {
	case 420, http.StatusTooManyRequests,
		http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

type errorResponse struct {
	Error string `json:"error"`
}

func parseHTTPError(status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil && apiErr.Error != "" {
		return fmt.Errorf("esi error (%d): %s", status, apiErr.Error)
	}
	if len(payload) > 0 {
		return fmt.Errorf("esi error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("esi error (%d)", status)
}

var (
	_ HistorySource = (*ESI)(nil)
	_ NameSource    = (*ESI)(nil)
)
