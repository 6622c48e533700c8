package histfill

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"histfill/internal/domain"
)

func TestNewClient(t *testing.T) {
	c := NewClient("http://localhost:8080/")
	if c.baseURL != "http://localhost:8080" {
		t.Errorf("baseURL = %q", c.baseURL)
	}
	if c.httpClient == nil {
		t.Fatal("expected non-nil httpClient")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestDownloadAndWait(t *testing.T) {
	var polls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/downloads", func(w http.ResponseWriter, r *http.Request) {
		var req DownloadRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Symbol != "AAPL" || req.Mode != "full" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad body"})
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"operation_id": "op-1", "status": "pending"})
	})
	mux.HandleFunc("GET /api/v1/downloads/{id}", func(w http.ResponseWriter, r *http.Request) {
		status := domain.OperationRunning
		if polls.Add(1) >= 3 {
			status = domain.OperationCompleted
		}
		writeJSON(w, http.StatusOK, Operation{ID: r.PathValue("id"), Status: status})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewClient(srv.URL)
	ctx := context.Background()
	id, err := c.Download(ctx, DownloadRequest{Symbol: "AAPL", Mode: "full"})
	if err != nil {
		t.Fatal(err)
	}
	if id != "op-1" {
		t.Fatalf("id = %q", id)
	}

	var updates int
	op, err := c.Wait(ctx, id, time.Millisecond, func(Operation) { updates++ })
	if err != nil {
		t.Fatal(err)
	}
	if op.Status != domain.OperationCompleted || updates != 3 {
		t.Errorf("status = %q after %d updates", op.Status, updates)
	}
}

func TestAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found: operation nope"})
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).Operation(context.Background(), "nope")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *APIError", err)
	}
	if apiErr.StatusCode != http.StatusNotFound || apiErr.Message != "not found: operation nope" {
		t.Errorf("apiErr = %+v", apiErr)
	}
}

func TestBarsQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if r.URL.Path != "/api/v1/bars/AAPL" || q.Get("timeframe") != "1h" ||
			q.Get("start") != "2024-01-01T00:00:00Z" || q.Get("end") != "" || q.Get("limit") != "2" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": r.URL.String()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"bars": []Bar{{Close: 1}, {Close: 2}}})
	}))
	defer srv.Close()

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	bars, err := NewClient(srv.URL).Bars(context.Background(), "AAPL", "1h", start, time.Time{}, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(bars) != 2 || bars[1].Close != 2 {
		t.Errorf("bars = %+v", bars)
	}
}

func TestSymbolsAndNoContent(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/symbols", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"symbols": []Symbol{{Symbol: "AAPL"}}, "count": 1})
	})
	mux.HandleFunc("DELETE /api/v1/symbols/{symbol}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("DELETE /api/v1/symbols", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]int{"cleared": 4})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewClient(srv.URL)
	ctx := context.Background()
	syms, err := c.Symbols(ctx)
	if err != nil || len(syms) != 1 || syms[0].Symbol != "AAPL" {
		t.Fatalf("Symbols = %+v, %v", syms, err)
	}
	if err := c.DeleteSymbol(ctx, "AAPL"); err != nil {
		t.Errorf("DeleteSymbol: %v", err)
	}
	if n, err := c.ClearSymbols(ctx); err != nil || n != 4 {
		t.Errorf("ClearSymbols = %d, %v", n, err)
	}
}

func TestStoredSymbols(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/bars" || r.URL.Query().Get("timeframe") != "1h" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": r.URL.String()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"timeframe": "1h", "symbols": []string{"AAPL", "MSFT"}, "count": 2})
	}))
	defer srv.Close()

	syms, err := NewClient(srv.URL).StoredSymbols(context.Background(), "1h")
	if err != nil {
		t.Fatal(err)
	}
	if len(syms) != 2 || syms[1] != "MSFT" {
		t.Errorf("symbols = %v", syms)
	}
}
