package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"OTCEscrow/internal/escrow"
	"OTCEscrow/internal/query"
)

// callerHeader carries the authenticated identity of the requester.
const callerHeader = "X-Caller-Id"

// CreateTradeRequest is the JSON body for POST /v1/trades.
type CreateTradeRequest struct {
	Asset        string `json:"asset"`
	Amount       int64  `json:"amount"`
	FiatAmount   int64  `json:"fiat_amount"`
	FiatCurrency string `json:"fiat_currency"`
}

// AssignBuyerRequest is the JSON body for POST /v1/trades/{id}/assign.
type AssignBuyerRequest struct {
	Buyer string `json:"buyer"`
}

func (s *Server) handleCreateTrade(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}

	var req CreateTradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	id, err := s.registry.CreateTrade(r.Context(), caller,
		req.Asset, req.Amount, req.FiatAmount, req.FiatCurrency)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	info, err := s.registry.GetTradeInfo(id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	s.log.Info().
		Int64("trade_id", int64(id)).
		Str("seller", string(caller)).
		Str("asset", req.Asset).
		Int64("amount", req.Amount).
		Msg("trade created")

	writeJSON(w, http.StatusCreated, info)
}

func (s *Server) handleAssignBuyer(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	id, ok := tradeID(w, r)
	if !ok {
		return
	}

	var req AssignBuyerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := s.registry.AssignBuyer(r.Context(), caller, id, escrow.Identity(req.Buyer)); err != nil {
		s.writeDomainError(w, err)
		return
	}

	info, err := s.registry.GetTradeInfo(id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// transition wraps the single-shape lifecycle operations (fund, fiat-sent,
// complete, cancel, dispute, refund, resolve) into a handler.
func (s *Server) transition(op func(ctx context.Context, caller escrow.Identity, id escrow.TradeID) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, ok := s.caller(w, r)
		if !ok {
			return
		}
		id, ok := tradeID(w, r)
		if !ok {
			return
		}

		if err := op(r.Context(), caller, id); err != nil {
			s.writeDomainError(w, err)
			return
		}

		info, err := s.registry.GetTradeInfo(id)
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, info)
	}
}

func (s *Server) handleGetTrade(w http.ResponseWriter, r *http.Request) {
	id, ok := tradeID(w, r)
	if !ok {
		return
	}

	// Prefer the live trade; fall back to the durable log for trades that
	// predate the current process and were not recovered (terminal trades).
	if info, err := s.registry.GetTradeInfo(id); err == nil {
		writeJSON(w, http.StatusOK, info)
		return
	}

	if s.queries == nil {
		writeError(w, "trade not found", http.StatusNotFound)
		return
	}
	rec, err := s.queries.GetTrade(r.Context(), int64(id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeError(w, "trade not found", http.StatusNotFound)
			return
		}
		s.log.Error().Err(err).Int64("trade_id", int64(id)).Msg("trade lookup failed")
		writeError(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleListTrades(w http.ResponseWriter, r *http.Request) {
	party := r.URL.Query().Get("party")
	if party == "" {
		writeError(w, "party query parameter is required", http.StatusBadRequest)
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	if s.queries == nil {
		writeError(w, "trade log unavailable", http.StatusServiceUnavailable)
		return
	}
	trades, err := s.queries.ListTradesByParty(r.Context(), party, limit)
	if err != nil {
		s.log.Error().Err(err).Str("party", party).Msg("trade listing failed")
		writeError(w, "internal error", http.StatusInternalServerError)
		return
	}
	if trades == nil {
		trades = []query.TradeRecord{}
	}
	writeJSON(w, http.StatusOK, trades)
}

func (s *Server) handleListTradeEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := tradeID(w, r)
	if !ok {
		return
	}

	if s.queries == nil {
		writeError(w, "trade log unavailable", http.StatusServiceUnavailable)
		return
	}
	events, err := s.queries.ListTradeEvents(r.Context(), int64(id))
	if err != nil {
		s.log.Error().Err(err).Int64("trade_id", int64(id)).Msg("event listing failed")
		writeError(w, "internal error", http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []query.EventRecord{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) caller(w http.ResponseWriter, r *http.Request) (escrow.Identity, bool) {
	caller := r.Header.Get(callerHeader)
	if caller == "" {
		writeError(w, "missing "+callerHeader+" header", http.StatusUnauthorized)
		return "", false
	}
	return escrow.Identity(caller), true
}

func tradeID(w http.ResponseWriter, r *http.Request) (escrow.TradeID, bool) {
	raw := chi.URLParam(r, "tradeID")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeError(w, "invalid trade id", http.StatusBadRequest)
		return 0, false
	}
	return escrow.TradeID(id), true
}

// writeDomainError maps registry errors to HTTP status codes.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, escrow.ErrTradeNotFound):
		writeError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, escrow.ErrNotAuthorized):
		writeError(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, escrow.ErrInvalidState),
		errors.Is(err, escrow.ErrBuyerAlreadySet):
		writeError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, escrow.ErrInvalidAmount),
		errors.Is(err, escrow.ErrInvalidInput),
		errors.Is(err, escrow.ErrInvalidBuyer):
		writeError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, escrow.ErrTransferFailed):
		writeError(w, err.Error(), http.StatusBadGateway)
	default:
		s.log.Error().Err(err).Msg("unhandled domain error")
		writeError(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
