package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/shopspring/decimal"

	"histfill/internal/config"
	"histfill/internal/domain"
	"histfill/internal/util"
)

// binanceKlineLimit is the maximum number of klines per request.
const binanceKlineLimit = 1000

// Binance error codes with a fixed meaning.
const (
	binanceDisconnected    = -1001
	binanceTooManyRequests = -1003
	binanceTimeout         = -1007
	binanceInvalidSymbol   = -1121
)

// Binance serves crypto spot klines.
type Binance struct {
	client *binance.Client
	log    *slog.Logger
}

// NewBinance creates a Binance provider. Klines and exchange info are public,
// so the credentials may be empty.
func NewBinance(cfg config.Binance, log *slog.Logger) *Binance {
	c := binance.NewClient(cfg.APIKey, cfg.APISecret)
	if cfg.BaseURL != "" {
		c.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	return &Binance{client: c, log: util.OrDefault(log).With("provider", "binance")}
}

func (b *Binance) Name() string { return "binance" }

// classifyBinance maps a Binance API error onto the shared taxonomy.
func classifyBinance(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", domain.ErrTimeout, err)
	}
	var apiErr *common.APIError
	if !errors.As(err, &apiErr) {
		return fmt.Errorf("%w: %w", domain.ErrConnection, err)
	}
	var kind error
	switch apiErr.Code {
	case binanceInvalidSymbol:
		kind = domain.ErrSymbolNotFound
	case binanceTooManyRequests, binanceTimeout:
		kind = domain.ErrTimeout
	case binanceDisconnected:
		kind = domain.ErrConnection
	default:
		kind = domain.ErrInvalidRequest
	}
	return &domain.ProviderError{Code: int(apiErr.Code), Message: apiErr.Message, Kind: kind}
}

// binanceInterval maps a timeframe onto a kline interval.
func binanceInterval(tf domain.Timeframe) (string, error) {
	if !tf.Valid() {
		return "", fmt.Errorf("%w: %q", domain.ErrInvalidTimeframe, string(tf))
	}
	// Binance uses the same interval names.
	return string(tf), nil
}

func parseKline(symbol string, k *binance.Kline) (domain.Bar, error) {
	var vals [6]decimal.Decimal
	for i, s := range []string{k.Open, k.High, k.Low, k.Close, k.Volume, k.QuoteAssetVolume} {
		d, err := decimal.NewFromString(s)
		if err != nil {
			return domain.Bar{}, fmt.Errorf("parsing kline at %d: %w", k.OpenTime, err)
		}
		vals[i] = d
	}
	bar := domain.Bar{
		Symbol:     symbol,
		Timestamp:  time.UnixMilli(k.OpenTime).UTC(),
		Open:       vals[0].InexactFloat64(),
		High:       vals[1].InexactFloat64(),
		Low:        vals[2].InexactFloat64(),
		Close:      vals[3].InexactFloat64(),
		Volume:     vals[4].InexactFloat64(),
		TradeCount: k.TradeNum,
	}
	if !vals[4].IsZero() {
		bar.VWAP = vals[5].Div(vals[4]).InexactFloat64()
	}
	return bar, nil
}

func (b *Binance) FetchHistoricalData(ctx context.Context, symbol string, tf domain.Timeframe, start, end time.Time) ([]domain.Bar, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	interval, err := binanceInterval(tf)
	if err != nil {
		return nil, err
	}

	var bars []domain.Bar
	cursor := start.UnixMilli()
	endMs := end.UnixMilli() - 1
	for cursor <= endMs {
		klines, err := b.client.NewKlinesService().
			Symbol(symbol).
			Interval(interval).
			StartTime(cursor).
			EndTime(endMs).
			Limit(binanceKlineLimit).
			Do(ctx)
		if err != nil {
			return nil, fmt.Errorf("binance klines %s %s: %w", symbol, tf, classifyBinance(err))
		}
		for _, k := range klines {
			bar, err := parseKline(symbol, k)
			if err != nil {
				return nil, err
			}
			bars = append(bars, bar)
		}
		if len(klines) < binanceKlineLimit {
			break
		}
		next := klines[len(klines)-1].OpenTime + 1
		if next <= cursor {
			break
		}
		cursor = next
	}
	return domain.MergeBars(clipBars(bars, start, end)), nil
}

func (b *Binance) HeadTimestamp(ctx context.Context, symbol string, tf domain.Timeframe) (time.Time, bool, error) {
	interval, err := binanceInterval(tf)
	if err != nil {
		return time.Time{}, false, err
	}
	klines, err := b.client.NewKlinesService().
		Symbol(strings.ToUpper(symbol)).
		Interval(interval).
		StartTime(0).
		Limit(1).
		Do(ctx)
	if err != nil {
		return time.Time{}, false, classifyBinance(err)
	}
	if len(klines) == 0 {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(klines[0].OpenTime).UTC(), true, nil
}

func (b *Binance) ValidateAndGetMetadata(ctx context.Context, symbol string, tfs []domain.Timeframe) (domain.ValidationResult, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	info, err := b.client.NewExchangeInfoService().Symbol(symbol).Do(ctx)
	if err != nil {
		err = classifyBinance(err)
		if errors.Is(err, domain.ErrSymbolNotFound) || errors.Is(err, domain.ErrInvalidRequest) {
			return invalid(symbol, err), nil
		}
		return domain.ValidationResult{}, err
	}

	var found *binance.Symbol
	for i := range info.Symbols {
		if strings.EqualFold(info.Symbols[i].Symbol, symbol) {
			found = &info.Symbols[i]
			break
		}
	}
	if found == nil {
		return invalid(symbol, fmt.Errorf("%w: %s", domain.ErrSymbolNotFound, symbol)), nil
	}
	if found.Status != "TRADING" {
		return invalid(symbol, fmt.Errorf("symbol %s is %s", symbol, found.Status)), nil
	}
	return validateWithHeads(ctx, domain.ValidationResult{IsValid: true, Symbol: symbol}, tfs, b.HeadTimestamp)
}
