package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"

	"histfill/internal/config"
	"histfill/internal/domain"
	"histfill/internal/util"
)

// alpacaEpoch is the earliest start used when probing for head timestamps.
var alpacaEpoch = time.Date(2015, 1, 1, 0, 0, 0, 0, time.UTC)

// Alpaca serves US equities from the Alpaca market-data API and validates
// symbols against the trading API's asset list.
type Alpaca struct {
	data    *marketdata.Client
	trading *alpaca.Client
	feed    marketdata.Feed
	log     *slog.Logger
}

// NewAlpaca creates an Alpaca provider.
func NewAlpaca(cfg config.Alpaca, log *slog.Logger) *Alpaca {
	opts := marketdata.ClientOpts{
		APIKey:    cfg.APIKey,
		APISecret: cfg.APISecret,
	}
	if cfg.DataURL != "" {
		opts.BaseURL = cfg.DataURL
	}
	feed := cfg.Feed
	if feed == "" {
		feed = "sip"
	}
	return &Alpaca{
		data: marketdata.NewClient(opts),
		trading: alpaca.NewClient(alpaca.ClientOpts{
			APIKey:    cfg.APIKey,
			APISecret: cfg.APISecret,
			BaseURL:   cfg.BaseURL,
		}),
		feed: marketdata.Feed(feed),
		log:  util.OrDefault(log).With("provider", "alpaca"),
	}
}

func (a *Alpaca) Name() string { return "alpaca" }

// alpacaTimeFrame maps a timeframe onto Alpaca's bar aggregation.
func alpacaTimeFrame(tf domain.Timeframe) (marketdata.TimeFrame, error) {
	switch tf {
	case domain.Timeframe1Min:
		return marketdata.NewTimeFrame(1, marketdata.Min), nil
	case domain.Timeframe5Min:
		return marketdata.NewTimeFrame(5, marketdata.Min), nil
	case domain.Timeframe15Min:
		return marketdata.NewTimeFrame(15, marketdata.Min), nil
	case domain.Timeframe30Min:
		return marketdata.NewTimeFrame(30, marketdata.Min), nil
	case domain.Timeframe1Hour:
		return marketdata.NewTimeFrame(1, marketdata.Hour), nil
	case domain.Timeframe4Hour:
		return marketdata.NewTimeFrame(4, marketdata.Hour), nil
	case domain.Timeframe1Day:
		return marketdata.OneDay, nil
	case domain.Timeframe1Week:
		return marketdata.NewTimeFrame(1, marketdata.Week), nil
	}
	return marketdata.TimeFrame{}, fmt.Errorf("%w: %q", domain.ErrInvalidTimeframe, string(tf))
}

// classifyAlpaca maps an Alpaca API error onto the shared taxonomy.
func classifyAlpaca(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *alpaca.APIError
	if !errors.As(err, &apiErr) {
		// Transport failures surface as plain errors from the HTTP client.
		return fmt.Errorf("%w: %w", domain.ErrConnection, err)
	}
	var kind error
	switch {
	case apiErr.StatusCode == http.StatusNotFound:
		kind = domain.ErrSymbolNotFound
	case apiErr.StatusCode == http.StatusTooManyRequests:
		kind = domain.ErrTimeout
	case apiErr.StatusCode >= 500:
		kind = domain.ErrConnection
	default:
		kind = domain.ErrInvalidRequest
	}
	return &domain.ProviderError{Code: apiErr.StatusCode, Message: apiErr.Message, Kind: kind}
}

func (a *Alpaca) getBars(ctx context.Context, symbol string, tf domain.Timeframe, req marketdata.GetBarsRequest) ([]domain.Bar, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	atf, err := alpacaTimeFrame(tf)
	if err != nil {
		return nil, err
	}
	req.TimeFrame = atf
	req.Feed = a.feed

	// The SDK does not take a context; an abandoned call finishes on its own.
	type reply struct {
		bars []marketdata.Bar
		err  error
	}
	ch := make(chan reply, 1)
	go func() {
		bars, err := a.data.GetBars(symbol, req)
		ch <- reply{bars, err}
	}()

	var r reply
	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: alpaca bars %s", domain.ErrTimeout, symbol)
		}
		return nil, ctx.Err()
	case r = <-ch:
	}
	if r.err != nil {
		return nil, classifyAlpaca(r.err)
	}

	out := make([]domain.Bar, 0, len(r.bars))
	for _, ab := range r.bars {
		out = append(out, domain.Bar{
			Symbol:     symbol,
			Timestamp:  ab.Timestamp.UTC(),
			Open:       ab.Open,
			High:       ab.High,
			Low:        ab.Low,
			Close:      ab.Close,
			Volume:     float64(ab.Volume),
			TradeCount: int64(ab.TradeCount),
			VWAP:       ab.VWAP,
		})
	}
	return out, nil
}

func (a *Alpaca) FetchHistoricalData(ctx context.Context, symbol string, tf domain.Timeframe, start, end time.Time) ([]domain.Bar, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	bars, err := a.getBars(ctx, symbol, tf, marketdata.GetBarsRequest{
		Start: start,
		// End is inclusive on Alpaca's side.
		End: end.Add(-time.Nanosecond),
	})
	if err != nil {
		return nil, fmt.Errorf("alpaca bars %s %s: %w", symbol, tf, err)
	}
	return domain.MergeBars(clipBars(bars, start, end)), nil
}

func (a *Alpaca) HeadTimestamp(ctx context.Context, symbol string, tf domain.Timeframe) (time.Time, bool, error) {
	bars, err := a.getBars(ctx, strings.ToUpper(symbol), tf, marketdata.GetBarsRequest{
		Start:      alpacaEpoch,
		End:        time.Now().UTC(),
		TotalLimit: 1,
	})
	if err != nil {
		return time.Time{}, false, err
	}
	if len(bars) == 0 {
		return time.Time{}, false, nil
	}
	return bars[0].Timestamp, true, nil
}

func (a *Alpaca) ValidateAndGetMetadata(ctx context.Context, symbol string, tfs []domain.Timeframe) (domain.ValidationResult, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if err := ctx.Err(); err != nil {
		return domain.ValidationResult{}, err
	}
	asset, err := a.trading.GetAsset(symbol)
	if err != nil {
		err = classifyAlpaca(err)
		if errors.Is(err, domain.ErrSymbolNotFound) || errors.Is(err, domain.ErrInvalidRequest) {
			return invalid(symbol, err), nil
		}
		return domain.ValidationResult{}, err
	}
	if !strings.EqualFold(string(asset.Status), "active") {
		return invalid(symbol, fmt.Errorf("asset %s is %s", symbol, asset.Status)), nil
	}

	result := domain.ValidationResult{IsValid: true, Symbol: symbol}
	if asset.Symbol != "" && !strings.EqualFold(asset.Symbol, symbol) {
		result.SuggestedSymbol = strings.ToUpper(asset.Symbol)
	}
	return validateWithHeads(ctx, result, tfs, a.HeadTimestamp)
}
