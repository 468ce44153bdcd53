package api_test

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/ddjk/transaction-engine/internal/api"
	"github.com/ddjk/transaction-engine/internal/audit"
	"github.com/ddjk/transaction-engine/internal/engine"
	"github.com/ddjk/transaction-engine/internal/quote"
	"github.com/ddjk/transaction-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// newTestEnv wires the full command path behind a chi router.
func newTestEnv(t *testing.T) (*quote.StubSource, chi.Router) {
	t.Helper()
	ms := store.NewMemoryStore()
	quotes := quote.NewStubSource()
	rec := audit.NewRecorder()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	expiry := engine.NewExpiryScheduler(ms, rec, logger)
	eng := engine.New(ms, quotes, rec, nil, expiry, time.Minute, logger)
	svc := api.NewService(engine.NewSerializer(eng))

	r := chi.NewRouter()
	r.Route("/api/v1", svc.Routes)
	return quotes, r
}

func doCommand(t *testing.T, router chi.Router, req api.CommandRequest) *httptest.ResponseRecorder {
	t.Helper()
	body, _ := json.Marshal(req)
	httpReq := httptest.NewRequest("POST", "/api/v1/commands", bytes.NewReader(body))
	httpReq.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httpReq)
	return w
}

func TestPostCommandAdd(t *testing.T) {
	_, router := newTestEnv(t)

	w := doCommand(t, router, api.CommandRequest{
		TransactionNum: 1, Command: "ADD", Username: "alice", Amount: d(1000),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp engine.AddResult
	json.Unmarshal(w.Body.Bytes(), &resp)
	if !resp.Balance.Equal(d(1000)) {
		t.Errorf("balance = %s, want 1000", resp.Balance)
	}
}

func TestPostCommandBuySequence(t *testing.T) {
	quotes, router := newTestEnv(t)
	quotes.SetPrice("ABC", d(10))

	doCommand(t, router, api.CommandRequest{TransactionNum: 1, Command: "ADD", Username: "alice", Amount: d(1000)})
	w := doCommand(t, router, api.CommandRequest{
		TransactionNum: 2, Command: "BUY", Username: "alice", Symbol: "ABC", Amount: d(300),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("buy: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var res engine.ReservationResult
	json.Unmarshal(w.Body.Bytes(), &res)
	if res.Quantity != 30 {
		t.Errorf("quantity = %d, want 30", res.Quantity)
	}

	w = doCommand(t, router, api.CommandRequest{TransactionNum: 3, Command: "COMMIT_BUY", Username: "alice"})
	if w.Code != http.StatusOK {
		t.Fatalf("commit: expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestPostCommandStatusMapping(t *testing.T) {
	quotes, router := newTestEnv(t)
	quotes.SetPrice("ABC", d(10))

	cases := []struct {
		name string
		req  api.CommandRequest
		want int
	}{
		{"unknown command", api.CommandRequest{Command: "HODL", Username: "alice"}, http.StatusBadRequest},
		{"missing amount", api.CommandRequest{Command: "ADD", Username: "alice"}, http.StatusBadRequest},
		{"nothing to commit", api.CommandRequest{Command: "COMMIT_BUY", Username: "alice"}, http.StatusNotFound},
		{"no pending set buy", api.CommandRequest{Command: "CANCEL_SET_BUY", Username: "alice", Symbol: "ABC"}, http.StatusNotFound},
		{"insufficient funds", api.CommandRequest{Command: "BUY", Username: "alice", Symbol: "ABC", Amount: d(100)}, http.StatusConflict},
	}
	for _, tc := range cases {
		if w := doCommand(t, router, tc.req); w.Code != tc.want {
			t.Errorf("%s: got %d, want %d (%s)", tc.name, w.Code, tc.want, w.Body.String())
		}
	}
}

func TestPostCommandRejectsBadJSON(t *testing.T) {
	_, router := newTestEnv(t)

	req := httptest.NewRequest("POST", "/api/v1/commands", bytes.NewReader([]byte("{not json")))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestGetStatus(t *testing.T) {
	quotes, router := newTestEnv(t)
	quotes.SetPrice("ABC", d(10))

	doCommand(t, router, api.CommandRequest{Command: "ADD", Username: "alice", Amount: d(500)})
	doCommand(t, router, api.CommandRequest{Command: "BUY", Username: "alice", Symbol: "ABC", Amount: d(200)})

	req := httptest.NewRequest("GET", "/api/v1/status/alice", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var summary struct {
		Balance      decimal.Decimal   `json:"balance"`
		Reservations []json.RawMessage `json:"reservations"`
	}
	json.Unmarshal(w.Body.Bytes(), &summary)
	if !summary.Balance.Equal(d(300)) {
		t.Errorf("balance = %s, want 300", summary.Balance)
	}
	if len(summary.Reservations) != 1 {
		t.Errorf("reservations = %d, want 1", len(summary.Reservations))
	}
}
