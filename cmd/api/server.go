package main

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"closetrack/activity"
	"closetrack/auth"
	"closetrack/deadline"
	"closetrack/lifecycle"
	"closetrack/notification"
	"closetrack/transaction"
)

type ctxKey string

const (
	ctxKeyUserID ctxKey = "userID"
	ctxKeyRole   ctxKey = "role"
)

// engine is the part of lifecycle.Engine the API calls.
type engine interface {
	CreateTransaction(ctx context.Context, req lifecycle.CreateTransactionRequest) (transaction.Transaction, error)
	Transition(ctx context.Context, req lifecycle.TransitionRequest) (transaction.Transaction, error)
	ForceSetStatus(ctx context.Context, req lifecycle.ForceStatusRequest) (transaction.Transaction, error)
	CreateDeadline(ctx context.Context, req lifecycle.CreateDeadlineRequest) (deadline.Deadline, error)
	CompleteDeadline(ctx context.Context, req lifecycle.CompleteDeadlineRequest) (deadline.Deadline, error)
	AddParticipant(ctx context.Context, req lifecycle.AddParticipantRequest) (activity.Entry, error)
	RecordDocument(ctx context.Context, req lifecycle.RecordDocumentRequest) (activity.Entry, error)
	AddNote(ctx context.Context, req lifecycle.AddNoteRequest) (activity.Entry, error)

	Transaction(ctx context.Context, id string) (transaction.Transaction, error)
	HistoryPage(ctx context.Context, transactionID string, beforeSeq int64, limit int) ([]activity.Entry, int64, error)
	Deadlines(ctx context.Context, transactionID string) ([]deadline.Deadline, error)
	UrgentAndUpcoming(ctx context.Context, transactionID string, now time.Time) ([]deadline.Deadline, error)
	Inbox() *notification.Inbox
}

type tokenVerifier interface {
	Verify(token string) (auth.Principal, error)
}

type Server struct {
	engine   engine
	verifier tokenVerifier
	log      *zap.Logger
	clock    func() time.Time
}

func NewServer(engine engine, verifier tokenVerifier, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{engine: engine, verifier: verifier, log: log, clock: time.Now}
}

// Routes builds the API handler. Everything under /api requires a bearer token.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	api := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, s.instrument(pattern, s.authenticate(h)))
	}

	api("POST /api/transactions", s.handleCreateTransaction)
	api("GET /api/transactions/{id}", s.handleTransaction)
	api("POST /api/transactions/{id}/transitions", s.handleTransition)
	api("POST /api/transactions/{id}/participants", s.handleAddParticipant)
	api("POST /api/transactions/{id}/documents", s.handleRecordDocument)
	api("POST /api/transactions/{id}/notes", s.handleAddNote)
	api("GET /api/transactions/{id}/history", s.handleHistory)
	api("GET /api/transactions/{id}/deadlines", s.handleDeadlines)
	api("POST /api/transactions/{id}/deadlines", s.handleCreateDeadline)
	api("GET /api/transactions/{id}/deadlines/upcoming", s.handleUpcomingDeadlines)
	api("POST /api/transactions/{id}/deadlines/{deadlineID}/complete", s.handleCompleteDeadline)
	api("GET /api/notifications", s.handleNotifications)
	api("POST /api/notifications/{id}/read", s.handleMarkRead)

	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return mux
}

func (s *Server) authenticate(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			writeErrorMessage(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		principal, err := s.verifier.Verify(strings.TrimSpace(token))
		if err != nil {
			writeErrorMessage(w, http.StatusUnauthorized, "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyUserID, principal.ActorKey)
		ctx = context.WithValue(ctx, ctxKeyRole, principal.Role)
		next(w, r.WithContext(ctx))
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) instrument(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		recordRequest(route, rec.status)
		s.log.Debug("http request",
			zap.String("route", route),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func userID(r *http.Request) string {
	v, _ := r.Context().Value(ctxKeyUserID).(string)
	return v
}

func role(r *http.Request) string {
	v, _ := r.Context().Value(ctxKeyRole).(string)
	return v
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func queryInt(r *http.Request, key string, fallback int) (int, bool) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, false
	}
	return v, true
}
