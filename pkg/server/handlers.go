package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/meridianlabs/disperse/pkg/alloc"
	"github.com/meridianlabs/disperse/pkg/engine"
)

type statusResponse struct {
	Status string `json:"status"`
}

type errorBody struct {
	Kind   string `json:"kind"`
	Detail string `json:"detail"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
	// Report is attached when a distribution run produced partial results
	// before failing.
	Report *engine.Report `json:"report,omitempty"`
}

type allocationsRequest struct {
	Allocations []alloc.ShareEntry `json:"allocations"`
}

type ledgerRequest struct {
	LedgerID string `json:"ledger_id"`
}

type ledgerResponse struct {
	LedgerID *string `json:"ledger_id"`
}

type stateResponse struct {
	State engine.State `json:"state"`
}

type sharesPage struct {
	Items  []alloc.ShareEntry `json:"items"`
	Offset uint64             `json:"offset"`
}

type tokensPage struct {
	Items  []alloc.TokenEntry `json:"items"`
	Offset uint64             `json:"offset"`
}

type shareResponse struct {
	Recipient string `json:"recipient"`
	Weight    uint64 `json:"weight"`
}

type tokenResponse struct {
	Recipient string `json:"recipient"`
	Amount    uint64 `json:"amount"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("failed to write json response", "error", err)
	}
}

// writeError maps engine error kinds to HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, err error, report *engine.Report) {
	status := http.StatusInternalServerError
	kind := string(engine.KindUnknown)

	var engErr *engine.Error
	switch {
	case errors.As(err, &engErr):
		kind = string(engErr.Kind)
		switch engErr.Kind {
		case engine.KindUnauthorized:
			status = http.StatusUnauthorized
		case engine.KindConfigurationError:
			status = http.StatusConflict
		case engine.KindEmptyAllocationList:
			status = http.StatusUnprocessableEntity
		case engine.KindTokenCanisterError:
			status = http.StatusBadGateway
		}
	case errors.Is(err, alloc.ErrZeroWeight):
		kind = "invalid_allocation"
		status = http.StatusUnprocessableEntity
	}

	s.writeJSON(w, status, errorResponse{
		Error:  errorBody{Kind: kind, Detail: err.Error()},
		Report: report,
	})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{
			Error: errorBody{Kind: "bad_request", Detail: "invalid json body: " + err.Error()},
		})
		return false
	}
	return true
}

func parseOffset(r *http.Request) uint64 {
	if raw := r.URL.Query().Get("offset"); raw != "" {
		if offset, err := strconv.ParseUint(raw, 10, 64); err == nil {
			return offset
		}
	}
	return 0
}

func (s *Server) handleAddAllocations(w http.ResponseWriter, r *http.Request) {
	var req allocationsRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.engine.AddShareAllocations(r.Context(), callerFromContext(r.Context()), req.Allocations); err != nil {
		s.writeError(w, err, nil)
		return
	}
	s.writeJSON(w, http.StatusOK, statusResponse{Status: "ok"})
}

func (s *Server) handleValidateAddAllocations(w http.ResponseWriter, r *http.Request) {
	var req allocationsRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.engine.ValidateAddShareAllocations(r.Context(), callerFromContext(r.Context()), req.Allocations); err != nil {
		s.writeError(w, err, nil)
		return
	}
	s.writeJSON(w, http.StatusOK, statusResponse{Status: "valid"})
}

func (s *Server) handleSetLedger(w http.ResponseWriter, r *http.Request) {
	var req ledgerRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.engine.SetTokenLedger(r.Context(), callerFromContext(r.Context()), req.LedgerID); err != nil {
		s.writeError(w, err, nil)
		return
	}
	s.writeJSON(w, http.StatusOK, statusResponse{Status: "ok"})
}

func (s *Server) handleValidateSetLedger(w http.ResponseWriter, r *http.Request) {
	var req ledgerRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.engine.ValidateSetTokenLedger(r.Context(), callerFromContext(r.Context()), req.LedgerID); err != nil {
		s.writeError(w, err, nil)
		return
	}
	s.writeJSON(w, http.StatusOK, statusResponse{Status: "valid"})
}

func (s *Server) handleGetLedger(w http.ResponseWriter, r *http.Request) {
	id, err := s.engine.TokenLedgerID(r.Context())
	if err != nil {
		s.writeError(w, err, nil)
		return
	}
	resp := ledgerResponse{}
	if id != "" {
		resp.LedgerID = &id
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDistribute(w http.ResponseWriter, r *http.Request) {
	report, err := s.engine.Distribute(r.Context(), callerFromContext(r.Context()))
	if err != nil {
		s.writeError(w, err, report)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleValidateDistribute(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.ValidateDistribute(r.Context(), callerFromContext(r.Context())); err != nil {
		s.writeError(w, err, nil)
		return
	}
	s.writeJSON(w, http.StatusOK, statusResponse{Status: "valid"})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Reset(r.Context(), callerFromContext(r.Context())); err != nil {
		s.writeError(w, err, nil)
		return
	}
	s.writeJSON(w, http.StatusOK, statusResponse{Status: "ok"})
}

func (s *Server) handleValidateReset(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.ValidateReset(r.Context(), callerFromContext(r.Context())); err != nil {
		s.writeError(w, err, nil)
		return
	}
	s.writeJSON(w, http.StatusOK, statusResponse{Status: "valid"})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	state, err := s.engine.State(r.Context())
	if err != nil {
		s.writeError(w, err, nil)
		return
	}
	s.writeJSON(w, http.StatusOK, stateResponse{State: state})
}

func (s *Server) handleListShares(w http.ResponseWriter, r *http.Request) {
	offset := parseOffset(r)
	items, err := s.engine.ListShares(r.Context(), offset)
	if err != nil {
		s.writeError(w, err, nil)
		return
	}
	if items == nil {
		items = []alloc.ShareEntry{}
	}
	s.writeJSON(w, http.StatusOK, sharesPage{Items: items, Offset: offset})
}

func (s *Server) handleListTokens(w http.ResponseWriter, r *http.Request) {
	offset := parseOffset(r)
	items, err := s.engine.ListTokens(r.Context(), offset)
	if err != nil {
		s.writeError(w, err, nil)
		return
	}
	if items == nil {
		items = []alloc.TokenEntry{}
	}
	s.writeJSON(w, http.StatusOK, tokensPage{Items: items, Offset: offset})
}

func (s *Server) handleListInterrupted(w http.ResponseWriter, r *http.Request) {
	items, err := s.engine.ListInterrupted(r.Context())
	if err != nil {
		s.writeError(w, err, nil)
		return
	}
	if items == nil {
		items = []alloc.ShareEntry{}
	}
	s.writeJSON(w, http.StatusOK, sharesPage{Items: items})
}

func (s *Server) handleGetShare(w http.ResponseWriter, r *http.Request) {
	recipient := chi.URLParam(r, "recipient")
	weight, ok, err := s.engine.GetShare(r.Context(), recipient)
	if err != nil {
		s.writeError(w, err, nil)
		return
	}
	if !ok {
		s.writeJSON(w, http.StatusNotFound, errorResponse{
			Error: errorBody{Kind: "not_found", Detail: "recipient has no share allocation"},
		})
		return
	}
	s.writeJSON(w, http.StatusOK, shareResponse{Recipient: recipient, Weight: weight})
}

func (s *Server) handleGetToken(w http.ResponseWriter, r *http.Request) {
	recipient := chi.URLParam(r, "recipient")
	amount, ok, err := s.engine.GetToken(r.Context(), recipient)
	if err != nil {
		s.writeError(w, err, nil)
		return
	}
	if !ok {
		s.writeJSON(w, http.StatusNotFound, errorResponse{
			Error: errorBody{Kind: "not_found", Detail: "recipient has no token allocation"},
		})
		return
	}
	s.writeJSON(w, http.StatusOK, tokenResponse{Recipient: recipient, Amount: amount})
}
