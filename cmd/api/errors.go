package main

import (
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"closetrack/activity"
	"closetrack/deadline"
	"closetrack/lifecycle"
	"closetrack/metrics"
	"closetrack/storage"
	"closetrack/transaction"
)

type errorResponse struct {
	Error   string   `json:"error"`
	Allowed []string `json:"allowed,omitempty"`
}

var badRequest = []error{
	transaction.ErrAgentRequired,
	transaction.ErrDuplicateRole,
	transaction.ErrParticipantKey,
	transaction.ErrInvalidRole,
	transaction.ErrNegativeAmount,
	transaction.ErrCommissionBounds,
	activity.ErrInvalidEntry,
	deadline.ErrMissingTitle,
	deadline.ErrMissingDueDate,
	lifecycle.ErrMissingActor,
	lifecycle.ErrMissingDocument,
}

var conflict = []error{
	transaction.ErrConcurrentModification,
	storage.ErrDuplicateTransaction,
	deadline.ErrDuplicateTitle,
	lifecycle.ErrNoStatusChange,
	lifecycle.ErrTransactionClosed,
}

// writeError maps engine errors onto HTTP statuses. An invalid transition
// also reports the statuses that would have been accepted.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var invalid *transaction.InvalidTransitionError
	if errors.As(err, &invalid) {
		allowed := make([]string, 0, 2)
		for _, st := range invalid.Allowed() {
			allowed = append(allowed, string(st))
		}
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error(), Allowed: allowed})
		return
	}
	if errors.Is(err, transaction.ErrNotFound) {
		writeErrorMessage(w, http.StatusNotFound, err.Error())
		return
	}
	for _, target := range conflict {
		if errors.Is(err, target) {
			writeErrorMessage(w, http.StatusConflict, err.Error())
			return
		}
	}
	for _, target := range badRequest {
		if errors.Is(err, target) {
			writeErrorMessage(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	s.log.Error("request failed", zap.Error(err))
	writeErrorMessage(w, http.StatusInternalServerError, "internal error")
}

func writeErrorMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func recordRequest(route string, status int) {
	metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
}
