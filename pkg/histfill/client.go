// Package histfill is a Go client for the histfill-server REST API.
package histfill

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"histfill/internal/domain"
	"histfill/internal/gateway"
)

// Types shared with the server.
type (
	Operation        = domain.Operation
	ValidationResult = domain.ValidationResult
	GatewayStatus    = gateway.Status
	GatewayMetrics   = gateway.Metrics
)

// DownloadRequest starts an acquisition. Dates are RFC 3339 or YYYY-MM-DD;
// empty fields take server defaults.
type DownloadRequest struct {
	Symbol    string `json:"symbol"`
	Timeframe string `json:"timeframe,omitempty"`
	Mode      string `json:"mode,omitempty"`
	Start     string `json:"start,omitempty"`
	End       string `json:"end,omitempty"`
}

// Gateway is the connection state and its counters.
type Gateway struct {
	Status  GatewayStatus  `json:"status"`
	Metrics GatewayMetrics `json:"metrics"`
}

// Symbol is a cached validation entry.
type Symbol struct {
	Symbol    string           `json:"symbol"`
	Result    ValidationResult `json:"validation_result"`
	CachedAt  time.Time        `json:"cached_at"`
	ExpiresAt time.Time        `json:"expires_at"`
	Expired   bool             `json:"expired"`
}

// Bar is a stored OHLCV bar.
type Bar struct {
	Timestamp  time.Time `json:"t"`
	Open       float64   `json:"o"`
	High       float64   `json:"h"`
	Low        float64   `json:"l"`
	Close      float64   `json:"c"`
	Volume     float64   `json:"v"`
	TradeCount int64     `json:"n,omitempty"`
	VWAP       float64   `json:"vw,omitempty"`
}

// APIError is a non-2xx response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("histfill: %d %s", e.StatusCode, e.Message)
}

// Client talks to a histfill-server.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client for the server at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Download starts an acquisition and returns its operation id.
func (c *Client) Download(ctx context.Context, req DownloadRequest) (string, error) {
	var out struct {
		OperationID string `json:"operation_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/downloads", nil, req, &out); err != nil {
		return "", err
	}
	return out.OperationID, nil
}

// Operation returns one operation's snapshot.
func (c *Client) Operation(ctx context.Context, id string) (Operation, error) {
	var op Operation
	err := c.do(ctx, http.MethodGet, "/api/v1/downloads/"+url.PathEscape(id), nil, nil, &op)
	return op, err
}

// Operations lists recent operations, newest first. An empty status lists
// all of them.
func (c *Client) Operations(ctx context.Context, limit int, status string) ([]Operation, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if status != "" {
		q.Set("status", status)
	}
	var out struct {
		Operations []Operation `json:"operations"`
	}
	err := c.do(ctx, http.MethodGet, "/api/v1/downloads", q, nil, &out)
	return out.Operations, err
}

// Cancel stops a running operation and returns its snapshot.
func (c *Client) Cancel(ctx context.Context, id string) (Operation, error) {
	var op Operation
	err := c.do(ctx, http.MethodDelete, "/api/v1/downloads/"+url.PathEscape(id), nil, nil, &op)
	return op, err
}

// Wait polls the operation until it is terminal or ctx is done.
func (c *Client) Wait(ctx context.Context, id string, interval time.Duration, onUpdate func(Operation)) (Operation, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		op, err := c.Operation(ctx, id)
		if err != nil {
			return op, err
		}
		if onUpdate != nil {
			onUpdate(op)
		}
		if op.Status.Terminal() {
			return op, nil
		}
		select {
		case <-ctx.Done():
			return op, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Gateway reports the gateway connection.
func (c *Client) Gateway(ctx context.Context) (Gateway, error) {
	var g Gateway
	err := c.do(ctx, http.MethodGet, "/api/v1/gateway", nil, nil, &g)
	return g, err
}

// Symbols lists the validation cache.
func (c *Client) Symbols(ctx context.Context) ([]Symbol, error) {
	var out struct {
		Symbols []Symbol `json:"symbols"`
	}
	err := c.do(ctx, http.MethodGet, "/api/v1/symbols", nil, nil, &out)
	return out.Symbols, err
}

// DeleteSymbol drops one symbol from the validation cache.
func (c *Client) DeleteSymbol(ctx context.Context, symbol string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/symbols/"+url.PathEscape(symbol), nil, nil, nil)
}

// ClearSymbols empties the validation cache and returns how many entries
// were dropped.
func (c *Client) ClearSymbols(ctx context.Context) (int, error) {
	var out struct {
		Cleared int `json:"cleared"`
	}
	err := c.do(ctx, http.MethodDelete, "/api/v1/symbols", nil, nil, &out)
	return out.Cleared, err
}

// StoredSymbols lists the symbols with bars on disk for timeframe.
func (c *Client) StoredSymbols(ctx context.Context, timeframe string) ([]string, error) {
	q := url.Values{}
	if timeframe != "" {
		q.Set("timeframe", timeframe)
	}
	var out struct {
		Symbols []string `json:"symbols"`
	}
	err := c.do(ctx, http.MethodGet, "/api/v1/bars", q, nil, &out)
	return out.Symbols, err
}

// Bars reads stored bars. Zero start or end leave that side open; limit > 0
// keeps only the most recent bars.
func (c *Client) Bars(ctx context.Context, symbol, timeframe string, start, end time.Time, limit int) ([]Bar, error) {
	q := url.Values{}
	if timeframe != "" {
		q.Set("timeframe", timeframe)
	}
	if !start.IsZero() {
		q.Set("start", start.UTC().Format(time.RFC3339))
	}
	if !end.IsZero() {
		q.Set("end", end.UTC().Format(time.RFC3339))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out struct {
		Bars []Bar `json:"bars"`
	}
	err := c.do(ctx, http.MethodGet, "/api/v1/bars/"+url.PathEscape(symbol), q, nil, &out)
	return out.Bars, err
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, r)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(data, &e) != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(data))
		}
		return &APIError{StatusCode: resp.StatusCode, Message: e.Error}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
