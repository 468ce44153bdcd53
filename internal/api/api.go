package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/ddjk/transaction-engine/internal/audit"
	"github.com/ddjk/transaction-engine/internal/engine"
)

// Service exposes the command processor over HTTP.
type Service struct {
	serializer *engine.Serializer
}

func NewService(s *engine.Serializer) *Service {
	return &Service{serializer: s}
}

// Routes mounts the command endpoints on a router.
func (s *Service) Routes(r chi.Router) {
	r.Post("/commands", s.PostCommand)
	r.Get("/status/{username}", s.GetStatus)
}

// CommandRequest is the JSON body for POST /api/v1/commands.
type CommandRequest struct {
	TransactionNum int64           `json:"transaction_num"`
	Command        string          `json:"command"`
	Username       string          `json:"username,omitempty"`
	Symbol         string          `json:"stock_symbol,omitempty"`
	Amount         decimal.Decimal `json:"amount,omitempty"`
	Filename       string          `json:"filename,omitempty"`
}

// PostCommand handles POST /api/v1/commands.
// Executes one command in its user's queue and returns the result.
func (s *Service) PostCommand(w http.ResponseWriter, r *http.Request) {
	var req CommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	name := audit.Command(req.Command)
	if !name.Valid() {
		writeError(w, "unknown command: "+req.Command, http.StatusBadRequest)
		return
	}

	result, err := s.serializer.Submit(r.Context(), engine.Command{
		TransactionNum: req.TransactionNum,
		Name:           name,
		Username:       req.Username,
		Symbol:         req.Symbol,
		Amount:         req.Amount,
		Filename:       req.Filename,
	})
	if err != nil {
		writeError(w, err.Error(), statusForError(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

// GetStatus handles GET /api/v1/status/{username}.
// Equivalent to DISPLAY_SUMMARY, run through the user's queue so it
// observes a consistent point in that user's command order.
func (s *Service) GetStatus(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")

	result, err := s.serializer.Submit(r.Context(), engine.Command{
		Name:     audit.DISPLAY_SUMMARY,
		Username: username,
	})
	if err != nil {
		writeError(w, err.Error(), statusForError(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

func statusForError(err error) int {
	switch engine.KindOf(err) {
	case engine.KindInvalidArgument:
		return http.StatusBadRequest
	case engine.KindNothingToCommit, engine.KindNothingToCancel,
		engine.KindNoPendingSetBuy, engine.KindNoPendingSetSell:
		return http.StatusNotFound
	case engine.KindInsufficientFunds, engine.KindInsufficientHoldings,
		engine.KindInsufficientAmount:
		return http.StatusConflict
	case engine.KindUpstreamUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
