// Package marketdata supplies candles to the core: a REST provider for
// startup backfill, a WebSocket feed for live candles, and a synthetic
// feed for paper and backtest runs.
package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"crypto-trading-core/internal/logging"
	"crypto-trading-core/internal/model"
)

// HTTPProviderConfig configures the aggregates REST client.
type HTTPProviderConfig struct {
	BaseURL string // default https://api.polygon.io
	APIKey  string
	Timeout time.Duration // per-request, default 30s
}

// HTTPProvider fetches historical bars from a Polygon-style aggregates
// API. Implements model.BarProvider.
type HTTPProvider struct {
	cfg  HTTPProviderConfig
	http *http.Client
	log  zerolog.Logger
}

func NewHTTPProvider(cfg HTTPProviderConfig) *HTTPProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.polygon.io"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &HTTPProvider{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		log:  logging.Component("marketdata"),
	}
}

// aggsResponse is the subset of the aggregates payload the core needs.
type aggsResponse struct {
	Status  string `json:"status"`
	Results []struct {
		T int64   `json:"t"` // bar start, Unix millis
		O float64 `json:"o"`
		H float64 `json:"h"`
		L float64 `json:"l"`
		C float64 `json:"c"`
		V float64 `json:"v"`
	} `json:"results"`
}

// FetchBars returns candles oldest first for [from, to] at the given
// native resolution. Only 1m, 1h, and 1d are native; higher timeframes
// are derived by the aggregator.
func (p *HTTPProvider) FetchBars(ctx context.Context, symbol string, tf model.Timeframe, from, to time.Time) ([]model.Candle, error) {
	mult, span, err := resolution(tf)
	if err != nil {
		return nil, err
	}

	endpoint := fmt.Sprintf("%s/v2/aggs/ticker/%s/range/%d/%s/%d/%d",
		p.cfg.BaseURL, ticker(symbol), mult, span, from.UnixMilli(), to.UnixMilli())
	q := url.Values{}
	q.Set("adjusted", "true")
	q.Set("sort", "asc")
	q.Set("limit", "50000")
	q.Set("apiKey", p.cfg.APIKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("aggregates fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("aggregates fetch: status %d", resp.StatusCode)
	}

	var body aggsResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("aggregates decode: %w", err)
	}

	candles := make([]model.Candle, 0, len(body.Results))
	for _, r := range body.Results {
		c := model.Candle{
			Symbol: symbol,
			TS:     r.T,
			Open:   r.O,
			High:   r.H,
			Low:    r.L,
			Close:  r.C,
			Volume: r.V,
		}
		if err := c.Validate(); err != nil {
			p.log.Warn().Err(err).Int64("ts", c.TS).Msg("malformed bar dropped")
			continue
		}
		candles = append(candles, c)
	}
	p.log.Debug().
		Str("symbol", symbol).
		Str("tf", string(tf)).
		Int("bars", len(candles)).
		Msg("bars fetched")
	return candles, nil
}

func resolution(tf model.Timeframe) (mult int, span string, err error) {
	switch tf {
	case model.TF1m:
		return 1, "minute", nil
	case model.TF1h:
		return 1, "hour", nil
	case model.TF1d:
		return 1, "day", nil
	default:
		return 0, "", fmt.Errorf("no native resolution for %s", tf)
	}
}

// ticker converts the canonical "BTC/USD" form to the provider's
// "X:BTCUSD" crypto ticker.
func ticker(symbol string) string {
	return "X:" + strings.ReplaceAll(symbol, "/", "")
}

var _ model.BarProvider = (*HTTPProvider)(nil)
