package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"eth-trading-agent/internal/logging"
)

// ValidTimeframes are the candle intervals the pipeline works with
var ValidTimeframes = map[string]bool{
	"1h": true,
	"4h": true,
	"1d": true,
}

// UpstreamError reports a market-data fetch failure: transport errors,
// non-200 responses, and malformed payloads all surface as this type.
type UpstreamError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("binance %s: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("binance %s: %v", e.Op, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// Kline is a normalized candle from the exchange. Times are UTC.
type Kline struct {
	OpenTime time.Time `json:"open_time"`
	Open     float64   `json:"open"`
	High     float64   `json:"high"`
	Low      float64   `json:"low"`
	Close    float64   `json:"close"`
	Volume   float64   `json:"volume"`
}

// Client is a read-only Binance REST client for public market data
type Client struct {
	baseURL    string
	httpClient *http.Client
	log        *logging.Logger
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		log:        logging.WithComponent("binance"),
	}
}

// One initial try plus three retries with 1s/2s/4s backoff
const maxAttempts = 4

// FetchKlines fetches candlestick data with retries. Transient failures are
// retried with 1s/2s/4s backoff; the last error is returned as *UpstreamError.
func (c *Client) FetchKlines(ctx context.Context, symbol, timeframe string, limit int) ([]Kline, error) {
	if !ValidTimeframes[timeframe] {
		return nil, &UpstreamError{Op: "klines", Err: fmt.Errorf("unsupported timeframe %q", timeframe)}
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<(attempt-1)) * time.Second
			c.log.Warn("retrying kline fetch",
				"symbol", symbol, "timeframe", timeframe,
				"attempt", attempt+1, "backoff", backoff.String())
			select {
			case <-ctx.Done():
				return nil, &UpstreamError{Op: "klines", Err: ctx.Err()}
			case <-time.After(backoff):
			}
		}

		klines, err := c.fetchKlinesOnce(ctx, symbol, timeframe, limit)
		if err == nil {
			return klines, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func (c *Client) fetchKlinesOnce(ctx context.Context, symbol, timeframe string, limit int) ([]Kline, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", timeframe)
	params.Set("limit", strconv.Itoa(limit))

	endpoint := fmt.Sprintf("%s/api/v3/klines?%s", c.baseURL, params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, &UpstreamError{Op: "klines", Err: err}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &UpstreamError{Op: "klines", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &UpstreamError{Op: "klines", Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &UpstreamError{
			Op:         "klines",
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("%s", string(body)),
		}
	}

	var rawKlines [][]interface{}
	if err := json.Unmarshal(body, &rawKlines); err != nil {
		return nil, &UpstreamError{Op: "klines", Err: fmt.Errorf("unexpected payload: %w", err)}
	}

	klines := make([]Kline, 0, len(rawKlines))
	for i, raw := range rawKlines {
		k, err := parseKlineRow(raw)
		if err != nil {
			return nil, &UpstreamError{Op: "klines", Err: fmt.Errorf("row %d: %w", i, err)}
		}
		klines = append(klines, k)
	}
	return klines, nil
}

// parseKlineRow normalizes one raw exchange row. Only the first six columns
// (open time and OHLCV) are kept.
func parseKlineRow(raw []interface{}) (Kline, error) {
	if len(raw) < 6 {
		return Kline{}, fmt.Errorf("expected at least 6 columns, got %d", len(raw))
	}

	openMs, ok := raw[0].(float64)
	if !ok {
		return Kline{}, fmt.Errorf("open time is not numeric")
	}

	fields := make([]float64, 5)
	for i := 1; i <= 5; i++ {
		v, err := parseFloat(raw[i])
		if err != nil {
			return Kline{}, fmt.Errorf("column %d: %w", i, err)
		}
		fields[i-1] = v
	}

	return Kline{
		OpenTime: time.UnixMilli(int64(openMs)).UTC(),
		Open:     fields[0],
		High:     fields[1],
		Low:      fields[2],
		Close:    fields[3],
		Volume:   fields[4],
	}, nil
}

func parseFloat(v interface{}) (float64, error) {
	switch val := v.(type) {
	case string:
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return 0, fmt.Errorf("malformed numeric string %q", val)
		}
		return f, nil
	case float64:
		return val, nil
	default:
		return 0, fmt.Errorf("unexpected type %T", v)
	}
}
