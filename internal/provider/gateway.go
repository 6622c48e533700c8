package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"histfill/internal/domain"
	"histfill/internal/util"
)

// Gateway method names.
const (
	methodHistoricalBars  = "historical_bars"
	methodContractDetails = "contract_details"
	methodHeadTimestamp   = "head_timestamp"
)

type barsParams struct {
	Symbol    string    `json:"symbol"`
	Timeframe string    `json:"timeframe"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
}

type wireBar struct {
	T  time.Time `json:"t"`
	O  float64   `json:"o"`
	H  float64   `json:"h"`
	L  float64   `json:"l"`
	C  float64   `json:"c"`
	V  float64   `json:"v"`
	N  int64     `json:"n"`
	VW float64   `json:"vw"`
}

type barsResult struct {
	Bars []wireBar `json:"bars"`
}

type contract struct {
	Symbol   string `json:"symbol"`
	Exchange string `json:"exchange"`
	Currency string `json:"currency"`
	LongName string `json:"long_name"`
}

type contractsResult struct {
	Contracts []contract `json:"contracts"`
}

type headParams struct {
	Symbol    string `json:"symbol"`
	Timeframe string `json:"timeframe"`
}

type headResult struct {
	HeadTimestamp *time.Time `json:"head_timestamp"`
}

// Gateway requests data through the session held by the connection manager.
type Gateway struct {
	sessions SessionSource
	log      *slog.Logger
}

// NewGateway creates a Gateway provider.
func NewGateway(sessions SessionSource, log *slog.Logger) *Gateway {
	return &Gateway{sessions: sessions, log: util.OrDefault(log).With("provider", "gateway")}
}

func (g *Gateway) Name() string { return "gateway" }

// call runs one request on the live session. Connection failures prompt the
// manager to check the session right away.
func (g *Gateway) call(ctx context.Context, method string, params, out any) error {
	sess, ok := g.sessions.Session()
	if !ok {
		g.sessions.RequestHealthCheck()
		return fmt.Errorf("%w: gateway not connected", domain.ErrConnection)
	}
	err := sess.Call(ctx, method, params, out)
	if errors.Is(err, domain.ErrConnection) {
		g.sessions.RequestHealthCheck()
	}
	return err
}

func (g *Gateway) FetchHistoricalData(ctx context.Context, symbol string, tf domain.Timeframe, start, end time.Time) ([]domain.Bar, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	var res barsResult
	err := g.call(ctx, methodHistoricalBars, barsParams{
		Symbol:    symbol,
		Timeframe: string(tf),
		Start:     start.UTC(),
		End:       end.UTC(),
	}, &res)
	if err != nil {
		return nil, fmt.Errorf("historical bars %s %s: %w", symbol, tf, err)
	}

	bars := make([]domain.Bar, 0, len(res.Bars))
	for _, b := range res.Bars {
		bars = append(bars, domain.Bar{
			Symbol:     symbol,
			Timestamp:  b.T.UTC(),
			Open:       b.O,
			High:       b.H,
			Low:        b.L,
			Close:      b.C,
			Volume:     b.V,
			TradeCount: b.N,
			VWAP:       b.VW,
		})
	}
	return domain.MergeBars(clipBars(bars, start, end)), nil
}

func (g *Gateway) ValidateAndGetMetadata(ctx context.Context, symbol string, tfs []domain.Timeframe) (domain.ValidationResult, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	var res contractsResult
	err := g.call(ctx, methodContractDetails, map[string]string{"symbol": symbol}, &res)
	if err != nil {
		if errors.Is(err, domain.ErrSymbolNotFound) || errors.Is(err, domain.ErrInvalidRequest) {
			return invalid(symbol, err), nil
		}
		return domain.ValidationResult{}, err
	}
	if len(res.Contracts) == 0 {
		return invalid(symbol, fmt.Errorf("%w: %s", domain.ErrSymbolNotFound, symbol)), nil
	}

	result := domain.ValidationResult{IsValid: true, Symbol: symbol}
	if s := strings.ToUpper(res.Contracts[0].Symbol); s != "" && s != symbol {
		result.SuggestedSymbol = s
	}
	return validateWithHeads(ctx, result, tfs, g.HeadTimestamp)
}

func (g *Gateway) HeadTimestamp(ctx context.Context, symbol string, tf domain.Timeframe) (time.Time, bool, error) {
	var res headResult
	err := g.call(ctx, methodHeadTimestamp, headParams{
		Symbol:    strings.ToUpper(strings.TrimSpace(symbol)),
		Timeframe: string(tf),
	}, &res)
	if err != nil {
		return time.Time{}, false, err
	}
	if res.HeadTimestamp == nil || res.HeadTimestamp.IsZero() {
		return time.Time{}, false, nil
	}
	return res.HeadTimestamp.UTC(), true, nil
}
