// Package provider adapts historical market-data sources to the interface
// the acquisition pipeline consumes.
package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"histfill/internal/config"
	"histfill/internal/domain"
	"histfill/internal/gateway"
)

// Provider is an external historical data source.
type Provider interface {
	Name() string
	// FetchHistoricalData returns bars in [start, end), sorted by timestamp.
	FetchHistoricalData(ctx context.Context, symbol string, tf domain.Timeframe, start, end time.Time) ([]domain.Bar, error)
	// ValidateAndGetMetadata checks the symbol and looks up the head timestamp
	// for each of tfs. An unknown symbol is reported through IsValid, not an
	// error; errors are reserved for failures worth retrying.
	ValidateAndGetMetadata(ctx context.Context, symbol string, tfs []domain.Timeframe) (domain.ValidationResult, error)
	// HeadTimestamp returns the earliest bar time the source has for symbol.
	HeadTimestamp(ctx context.Context, symbol string, tf domain.Timeframe) (time.Time, bool, error)
}

// SessionSource hands out the live gateway session. *gateway.Manager
// implements it.
type SessionSource interface {
	Session() (gateway.Session, bool)
	RequestHealthCheck()
}

// New builds the provider named in cfg.
func New(cfg config.Provider, sessions SessionSource, log *slog.Logger) (Provider, error) {
	switch strings.ToLower(cfg.Name) {
	case "", "gateway":
		if sessions == nil {
			return nil, errors.New("gateway provider requires a connection manager")
		}
		return NewGateway(sessions, log), nil
	case "alpaca":
		return NewAlpaca(cfg.Alpaca, log), nil
	case "binance":
		return NewBinance(cfg.Binance, log), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Name)
	}
}

// headLookup is the per-timeframe head timestamp query shared by
// validateWithHeads.
type headLookup func(ctx context.Context, symbol string, tf domain.Timeframe) (time.Time, bool, error)

// validateWithHeads fills result.HeadTimestamps for a symbol already known to
// be valid. A timeframe the source has no data for is left out; transient
// failures abort so the caller can retry.
func validateWithHeads(ctx context.Context, result domain.ValidationResult, tfs []domain.Timeframe, head headLookup) (domain.ValidationResult, error) {
	if len(tfs) == 0 {
		return result, nil
	}
	result.HeadTimestamps = make(map[string]time.Time, len(tfs))
	for _, tf := range tfs {
		ts, ok, err := head(ctx, result.Symbol, tf)
		if err != nil {
			if domain.IsTransient(err) || errors.Is(err, context.Canceled) {
				return domain.ValidationResult{}, err
			}
			continue
		}
		if ok {
			result.HeadTimestamps[string(tf)] = ts.UTC()
		}
	}
	return result, nil
}

// invalid builds a negative validation result.
func invalid(symbol string, err error) domain.ValidationResult {
	return domain.ValidationResult{Symbol: symbol, ErrorMessage: err.Error()}
}

// clipBars drops bars outside [start, end).
func clipBars(bars []domain.Bar, start, end time.Time) []domain.Bar {
	out := bars[:0]
	for _, b := range bars {
		if b.Timestamp.Before(start) || !b.Timestamp.Before(end) {
			continue
		}
		out = append(out, b)
	}
	return out
}
