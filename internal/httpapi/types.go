// Package httpapi serves the acquisition service over HTTP: start, list,
// inspect and cancel downloads, inspect the gateway connection, manage the
// symbol cache and read stored bars.
package httpapi

import (
	"fmt"
	"strings"
	"time"

	"histfill/internal/domain"
	"histfill/internal/gather"
	"histfill/internal/gateway"
	"histfill/internal/symbolcache"
)

// DownloadRequest is the body of POST /api/v1/downloads. Dates are RFC 3339
// timestamps or YYYY-MM-DD.
type DownloadRequest struct {
	Symbol    string `json:"symbol" binding:"required"`
	Timeframe string `json:"timeframe"`
	Mode      string `json:"mode"`
	Start     string `json:"start,omitempty"`
	End       string `json:"end,omitempty"`
}

// toRequest converts the body into a service request.
func (r DownloadRequest) toRequest() (gather.Request, error) {
	req := gather.Request{
		Symbol:    r.Symbol,
		Timeframe: domain.Timeframe(strings.TrimSpace(r.Timeframe)),
		Mode:      domain.Mode(strings.ToLower(strings.TrimSpace(r.Mode))),
	}
	if req.Timeframe == "" {
		req.Timeframe = domain.Timeframe1Day
	}
	var err error
	if req.Start, err = parseTime(r.Start); err != nil {
		return req, err
	}
	if req.End, err = parseTime(r.End); err != nil {
		return req, err
	}
	return req, nil
}

// DownloadCreated is returned by POST /api/v1/downloads.
type DownloadCreated struct {
	OperationID string `json:"operation_id"`
	Status      string `json:"status"`
}

// GatewayResponse reports the connection state.
type GatewayResponse struct {
	Status  gateway.Status  `json:"status"`
	Metrics gateway.Metrics `json:"metrics"`
}

// SymbolResponse is a cached validation entry.
type SymbolResponse struct {
	Symbol    string                  `json:"symbol"`
	Result    domain.ValidationResult `json:"validation_result"`
	CachedAt  time.Time               `json:"cached_at"`
	ExpiresAt time.Time               `json:"expires_at"`
	Expired   bool                    `json:"expired"`
}

func symbolResponse(l symbolcache.Listing) SymbolResponse {
	return SymbolResponse{
		Symbol:    l.Symbol,
		Result:    l.Entry.ValidationResult,
		CachedAt:  l.Entry.CachedTime(),
		ExpiresAt: l.ExpiresAt,
		Expired:   l.Expired,
	}
}

// BarJSON is the JSON form of a bar.
type BarJSON struct {
	Timestamp  time.Time `json:"t"`
	Open       float64   `json:"o"`
	High       float64   `json:"h"`
	Low        float64   `json:"l"`
	Close      float64   `json:"c"`
	Volume     float64   `json:"v"`
	TradeCount int64     `json:"n,omitempty"`
	VWAP       float64   `json:"vw,omitempty"`
}

// BarsResponse is returned by GET /api/v1/bars/:symbol.
type BarsResponse struct {
	Symbol    string    `json:"symbol"`
	Timeframe string    `json:"timeframe"`
	Count     int       `json:"count"`
	Bars      []BarJSON `json:"bars"`
}

func toBarJSON(bars []domain.Bar) []BarJSON {
	out := make([]BarJSON, len(bars))
	for i, b := range bars {
		out[i] = BarJSON{
			Timestamp:  b.Timestamp,
			Open:       b.Open,
			High:       b.High,
			Low:        b.Low,
			Close:      b.Close,
			Volume:     b.Volume,
			TradeCount: b.TradeCount,
			VWAP:       b.VWAP,
		}
	}
	return out
}

// parseTime accepts RFC 3339 or a bare date; empty yields nil.
func parseTime(s string) (*time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t, nil
		}
	}
	return nil, fmt.Errorf("%w: cannot parse time %q", domain.ErrInvalidRequest, s)
}
