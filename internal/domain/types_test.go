package domain

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestTypesExist(t *testing.T) {
	// Verify Bar can be instantiated with zero values.
	bar := Bar{}
	if bar.Symbol != "" {
		t.Error("expected empty Symbol for zero-value Bar")
	}
	if !bar.Timestamp.IsZero() {
		t.Error("expected zero Timestamp for zero-value Bar")
	}
	if bar.Open != 0 || bar.High != 0 || bar.Low != 0 || bar.Close != 0 {
		t.Error("expected zero OHLC values for zero-value Bar")
	}
	if bar.Volume != 0 || bar.TradeCount != 0 || bar.VWAP != 0 {
		t.Error("expected zero Volume/TradeCount/VWAP for zero-value Bar")
	}

	// Verify enum constants are defined correctly.
	if ModeTail != "tail" {
		t.Errorf("ModeTail = %q, want %q", ModeTail, "tail")
	}
	if ModeBackfill != "backfill" {
		t.Errorf("ModeBackfill = %q, want %q", ModeBackfill, "backfill")
	}
	if ModeFull != "full" {
		t.Errorf("ModeFull = %q, want %q", ModeFull, "full")
	}
	if OperationCancelled != "cancelled" {
		t.Errorf("OperationCancelled = %q, want %q", OperationCancelled, "cancelled")
	}
}

func TestParseMode(t *testing.T) {
	for _, s := range []string{"tail", " Backfill ", "FULL"} {
		if _, err := ParseMode(s); err != nil {
			t.Errorf("ParseMode(%q): %v", s, err)
		}
	}
	_, err := ParseMode("sideways")
	if !errors.Is(err, ErrInvalidMode) {
		t.Fatalf("ParseMode(sideways) err = %v, want ErrInvalidMode", err)
	}
}

func TestParseTimeframe(t *testing.T) {
	tf, err := ParseTimeframe(" 1H ")
	if err != nil {
		t.Fatalf("ParseTimeframe: %v", err)
	}
	if tf != Timeframe1Hour {
		t.Errorf("tf = %q, want %q", tf, Timeframe1Hour)
	}
	if tf.Duration() != time.Hour {
		t.Errorf("Duration = %v, want 1h", tf.Duration())
	}
	if _, err := ParseTimeframe("3d"); !errors.Is(err, ErrInvalidTimeframe) {
		t.Errorf("ParseTimeframe(3d) err = %v, want ErrInvalidTimeframe", err)
	}
	for _, tf := range Timeframes() {
		if tf.DefaultMaxSegment().IsZero() || tf.MaxLookback().IsZero() {
			t.Errorf("%s has no segment or lookback span", tf)
		}
		if tf.MaxSpacing() < tf.Duration() {
			t.Errorf("%s max spacing %v below interval %v", tf, tf.MaxSpacing(), tf.Duration())
		}
	}
}

func TestParseSpan(t *testing.T) {
	tests := []struct {
		in   string
		want Span
	}{
		{"1y", Span{Years: 1}},
		{"6mo", Span{Months: 6}},
		{"2w", Span{Days: 14}},
		{"30d", Span{Days: 30}},
		{"12h", Span{Duration: 12 * time.Hour}},
		{"1m", Span{Duration: time.Minute}},
	}
	for _, tt := range tests {
		got, err := ParseSpan(tt.in)
		if err != nil {
			t.Errorf("ParseSpan(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseSpan(%q) = %+v, want %+v", tt.in, got, tt.want)
		}
	}
	for _, bad := range []string{"", "0d", "-1y", "abc"} {
		if _, err := ParseSpan(bad); err == nil {
			t.Errorf("ParseSpan(%q) should fail", bad)
		}
	}
}

func TestSpanAddTo(t *testing.T) {
	start := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	if got := (Span{Years: 1}).AddTo(start); !got.Equal(time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("1y from 2020-01-01 = %v", got)
	}
	if got := (Span{Days: 1}).SubFrom(start); !got.Equal(time.Date(2019, 12, 31, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("1d before 2020-01-01 = %v", got)
	}
}

func TestMergeBarsNewestWins(t *testing.T) {
	t1 := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	t2 := t1.AddDate(0, 0, 1)
	t3 := t2.AddDate(0, 0, 1)

	existing := []Bar{{Timestamp: t2, Close: 1}, {Timestamp: t1, Close: 1}}
	incoming := []Bar{{Timestamp: t3, Close: 2}, {Timestamp: t2, Close: 2}}

	merged := MergeBars(existing, incoming)
	if len(merged) != 3 {
		t.Fatalf("len(merged) = %d, want 3", len(merged))
	}
	if err := VerifyBars(merged); err != nil {
		t.Fatalf("VerifyBars: %v", err)
	}
	if merged[1].Close != 2 {
		t.Errorf("overlapping bar Close = %v, want 2 (incoming wins)", merged[1].Close)
	}
}

func TestVerifyBarsDetectsDuplicates(t *testing.T) {
	ts := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	err := VerifyBars([]Bar{{Timestamp: ts}, {Timestamp: ts}})
	if !errors.Is(err, ErrIntegrity) {
		t.Fatalf("err = %v, want ErrIntegrity", err)
	}
}

func TestErrorClassification(t *testing.T) {
	conflict := &ProviderError{Code: 326, Message: "client id taken", Kind: ErrSessionIDInUse}
	if !IsSessionIDInUse(conflict) {
		t.Error("typed conflict not detected")
	}
	if !IsSessionIDInUse(errors.New("Unable to connect as the client id is already in use")) {
		t.Error("textual conflict not detected")
	}
	if IsSessionIDInUse(ErrConnection) {
		t.Error("plain connection failure misdetected as conflict")
	}

	if !IsTransient(fmt.Errorf("fetch: %w", ErrTimeout)) {
		t.Error("wrapped timeout should be transient")
	}
	if IsTransient(&ProviderError{Code: 200, Message: "no security definition", Kind: ErrSymbolNotFound}) {
		t.Error("symbol not found must not be transient")
	}
	if IsTransient(nil) {
		t.Error("nil must not be transient")
	}
}
