package main

import (
	"net/http"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"closetrack/activity"
	"closetrack/auth"
	"closetrack/deadline"
	"closetrack/lifecycle"
	"closetrack/notification"
	"closetrack/transaction"
)

type participantPayload struct {
	Key   string `json:"key"`
	Role  string `json:"role"`
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
}

type milestonesPayload struct {
	ContractDate           *time.Time `json:"contractDate,omitempty"`
	InspectionDate         *time.Time `json:"inspectionDate,omitempty"`
	AppraisalDate          *time.Time `json:"appraisalDate,omitempty"`
	MortgageCommitmentDate *time.Time `json:"mortgageCommitmentDate,omitempty"`
	AttorneyReviewDate     *time.Time `json:"attorneyReviewDate,omitempty"`
	ClosingDate            *time.Time `json:"closingDate,omitempty"`
}

type createTransactionRequest struct {
	ID              string               `json:"id"`
	PropertyAddress string               `json:"propertyAddress"`
	Participants    []participantPayload `json:"participants"`
	Milestones      milestonesPayload    `json:"milestones"`
	ListPrice       decimal.NullDecimal  `json:"listPrice"`
	SalePrice       decimal.NullDecimal  `json:"salePrice"`
	CommissionRate  decimal.NullDecimal  `json:"commissionRate"`
}

type transactionResponse struct {
	ID               string               `json:"id"`
	Status           string               `json:"status"`
	CancelledFrom    string               `json:"cancelledFrom,omitempty"`
	Progress         int                  `json:"progress"`
	Allowed          []string             `json:"allowed"`
	Version          int64                `json:"version"`
	PropertyAddress  string               `json:"propertyAddress"`
	Participants     []participantPayload `json:"participants"`
	Milestones       milestonesPayload    `json:"milestones"`
	ListPrice        decimal.NullDecimal  `json:"listPrice"`
	SalePrice        decimal.NullDecimal  `json:"salePrice"`
	CommissionRate   decimal.NullDecimal  `json:"commissionRate"`
	CommissionAmount *decimal.Decimal     `json:"commissionAmount,omitempty"`
	CreatedAt        string               `json:"createdAt"`
	UpdatedAt        string               `json:"updatedAt"`
}

func toTransactionResponse(t transaction.Transaction) transactionResponse {
	resp := transactionResponse{
		ID:              t.ID,
		Status:          string(t.Status),
		CancelledFrom:   string(t.CancelledFrom),
		Progress:        t.Progress(),
		Allowed:         []string{},
		Version:         t.Version,
		PropertyAddress: t.PropertyAddress,
		Participants:    make([]participantPayload, 0, len(t.Participants)),
		Milestones: milestonesPayload{
			ContractDate:           t.Milestones.ContractDate,
			InspectionDate:         t.Milestones.InspectionDate,
			AppraisalDate:          t.Milestones.AppraisalDate,
			MortgageCommitmentDate: t.Milestones.MortgageCommitmentDate,
			AttorneyReviewDate:     t.Milestones.AttorneyReviewDate,
			ClosingDate:            t.Milestones.ClosingDate,
		},
		ListPrice:      t.ListPrice,
		SalePrice:      t.SalePrice,
		CommissionRate: t.CommissionRate,
		CreatedAt:      t.CreatedAt.Format(time.RFC3339),
		UpdatedAt:      t.UpdatedAt.Format(time.RFC3339),
	}
	for _, st := range transaction.AllowedNext(t.Status) {
		resp.Allowed = append(resp.Allowed, string(st))
	}
	for _, p := range t.Participants {
		resp.Participants = append(resp.Participants, participantPayload{Key: p.Key, Role: string(p.Role), Email: p.Email, Phone: p.Phone})
	}
	if amount, ok := t.CommissionAmount(); ok {
		resp.CommissionAmount = &amount
	}
	return resp
}

type deadlineResponse struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	DueDate     string   `json:"dueDate"`
	Concerns    []string `json:"concerns"`
	Urgency     string   `json:"urgency"`
	DaysLeft    int      `json:"daysRemaining"`
	Completed   bool     `json:"completed"`
	CompletedAt string   `json:"completedAt,omitempty"`
	CompletedBy string   `json:"completedBy,omitempty"`
	Source      string   `json:"source"`
}

func toDeadlineResponse(d deadline.Deadline, now time.Time) deadlineResponse {
	resp := deadlineResponse{
		ID:          d.ID,
		Title:       d.Title,
		Description: d.Description,
		DueDate:     d.DueDate.Format(time.RFC3339),
		Concerns:    make([]string, 0, len(d.Concerns)),
		Urgency:     string(deadline.UrgencyOf(d, now)),
		DaysLeft:    deadline.DaysRemaining(d, now),
		Completed:   d.IsCompleted,
		CompletedBy: d.CompletedBy,
		Source:      string(d.Source),
	}
	for _, r := range d.Concerns {
		resp.Concerns = append(resp.Concerns, string(r))
	}
	if d.CompletedAt != nil {
		resp.CompletedAt = d.CompletedAt.Format(time.RFC3339)
	}
	return resp
}

func toDeadlineList(ds []deadline.Deadline, now time.Time) []deadlineResponse {
	out := make([]deadlineResponse, 0, len(ds))
	for _, d := range ds {
		out = append(out, toDeadlineResponse(d, now))
	}
	return out
}

type activityResponse struct {
	Seq         int64  `json:"seq"`
	Kind        string `json:"kind"`
	Description string `json:"description"`
	Actor       string `json:"actor"`
	Timestamp   string `json:"timestamp"`
	From        string `json:"from,omitempty"`
	To          string `json:"to,omitempty"`
	Forced      bool   `json:"forced,omitempty"`
	DeadlineID  string `json:"deadlineId,omitempty"`
	Role        string `json:"role,omitempty"`
	DocumentRef string `json:"documentRef,omitempty"`
	Text        string `json:"text,omitempty"`
}

func toActivityResponse(e activity.Entry) activityResponse {
	return activityResponse{
		Seq:         e.Seq,
		Kind:        string(e.Kind),
		Description: e.Description,
		Actor:       e.Actor,
		Timestamp:   e.Timestamp.Format(time.RFC3339Nano),
		From:        string(e.From),
		To:          string(e.To),
		Forced:      e.Forced,
		DeadlineID:  e.DeadlineID,
		Role:        string(e.Role),
		DocumentRef: e.DocumentRef,
		Text:        e.Text,
	}
}

type notificationResponse struct {
	ID            string `json:"id"`
	TransactionID string `json:"transactionId"`
	Type          string `json:"type"`
	Title         string `json:"title"`
	Message       string `json:"message"`
	IsRead        bool   `json:"isRead"`
	CreatedAt     string `json:"createdAt"`
}

func toNotificationResponse(n notification.Notification) notificationResponse {
	return notificationResponse{
		ID:            n.ID,
		TransactionID: n.TransactionID,
		Type:          string(n.Type),
		Title:         n.Title,
		Message:       n.Message,
		IsRead:        n.IsRead,
		CreatedAt:     n.CreatedAt.Format(time.RFC3339),
	}
}

func (s *Server) handleCreateTransaction(w http.ResponseWriter, r *http.Request) {
	var req createTransactionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}
	params := transaction.CreateParams{
		ID:              req.ID,
		PropertyAddress: req.PropertyAddress,
		Milestones: transaction.Milestones{
			ContractDate:           req.Milestones.ContractDate,
			InspectionDate:         req.Milestones.InspectionDate,
			AppraisalDate:          req.Milestones.AppraisalDate,
			MortgageCommitmentDate: req.Milestones.MortgageCommitmentDate,
			AttorneyReviewDate:     req.Milestones.AttorneyReviewDate,
			ClosingDate:            req.Milestones.ClosingDate,
		},
		ListPrice:      req.ListPrice,
		SalePrice:      req.SalePrice,
		CommissionRate: req.CommissionRate,
	}
	for _, p := range req.Participants {
		params.Participants = append(params.Participants, transaction.Participant{
			Key: p.Key, Role: transaction.Role(p.Role), Email: p.Email, Phone: p.Phone,
		})
	}

	txn, err := s.engine.CreateTransaction(r.Context(), lifecycle.CreateTransactionRequest{
		CreateParams: params,
		Actor:        userID(r),
		Now:          s.clock(),
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTransactionResponse(txn))
}

func (s *Server) handleTransaction(w http.ResponseWriter, r *http.Request) {
	txn, err := s.engine.Transaction(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionResponse(txn))
}

type transitionRequest struct {
	To             string `json:"to"`
	ExpectedStatus string `json:"expectedStatus"`
	IdempotencyKey string `json:"idempotencyKey"`
	// Force bypasses the status graph and requires the admin role.
	Force  bool   `json:"force"`
	Reason string `json:"reason"`
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request) {
	var req transitionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}
	to, err := transaction.ParseStatus(req.To)
	if err != nil {
		writeErrorMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	id := r.PathValue("id")

	var txn transaction.Transaction
	if req.Force {
		if role(r) != auth.RoleAdmin {
			writeErrorMessage(w, http.StatusForbidden, "forcing a status requires the admin role")
			return
		}
		txn, err = s.engine.ForceSetStatus(r.Context(), lifecycle.ForceStatusRequest{
			TransactionID: id, To: to, Actor: userID(r), Reason: req.Reason, Now: s.clock(),
		})
	} else {
		var expected transaction.Status
		if req.ExpectedStatus != "" {
			if expected, err = transaction.ParseStatus(req.ExpectedStatus); err != nil {
				writeErrorMessage(w, http.StatusBadRequest, err.Error())
				return
			}
		}
		key := req.IdempotencyKey
		if key == "" {
			key = r.Header.Get("Idempotency-Key")
		}
		txn, err = s.engine.Transition(r.Context(), lifecycle.TransitionRequest{
			TransactionID: id, To: to, Actor: userID(r), Now: s.clock(), ExpectedStatus: expected, IdempotencyKey: key,
		})
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionResponse(txn))
}

func (s *Server) handleAddParticipant(w http.ResponseWriter, r *http.Request) {
	var req participantPayload
	if err := decodeJSON(r, &req); err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}
	entry, err := s.engine.AddParticipant(r.Context(), lifecycle.AddParticipantRequest{
		TransactionID: r.PathValue("id"),
		Participant:   transaction.Participant{Key: req.Key, Role: transaction.Role(req.Role), Email: req.Email, Phone: req.Phone},
		Actor:         userID(r),
		Now:           s.clock(),
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toActivityResponse(entry))
}

func (s *Server) handleRecordDocument(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DocumentRef string `json:"documentRef"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}
	entry, err := s.engine.RecordDocument(r.Context(), lifecycle.RecordDocumentRequest{
		TransactionID: r.PathValue("id"), DocumentRef: req.DocumentRef, Actor: userID(r), Now: s.clock(),
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toActivityResponse(entry))
}

func (s *Server) handleAddNote(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}
	entry, err := s.engine.AddNote(r.Context(), lifecycle.AddNoteRequest{
		TransactionID: r.PathValue("id"), Text: req.Text, Actor: userID(r), Now: s.clock(),
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toActivityResponse(entry))
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(r, "limit", 50)
	if !ok {
		writeErrorMessage(w, http.StatusBadRequest, "invalid limit")
		return
	}
	before, ok := queryInt(r, "before", 0)
	if !ok {
		writeErrorMessage(w, http.StatusBadRequest, "invalid before cursor")
		return
	}

	entries, next, err := s.engine.HistoryPage(r.Context(), r.PathValue("id"), int64(before), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	items := make([]activityResponse, 0, len(entries))
	for _, e := range entries {
		items = append(items, toActivityResponse(e))
	}
	payload := map[string]any{"items": items}
	if next > 0 {
		payload["next"] = strconv.FormatInt(next, 10)
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleDeadlines(w http.ResponseWriter, r *http.Request) {
	ds, err := s.engine.Deadlines(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": toDeadlineList(ds, s.clock())})
}

func (s *Server) handleUpcomingDeadlines(w http.ResponseWriter, r *http.Request) {
	now := s.clock()
	ds, err := s.engine.UrgentAndUpcoming(r.Context(), r.PathValue("id"), now)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": toDeadlineList(ds, now)})
}

type createDeadlineRequest struct {
	Title       string    `json:"title"`
	Description string    `json:"description"`
	DueDate     time.Time `json:"dueDate"`
	Concerns    []string  `json:"concerns"`
}

func (s *Server) handleCreateDeadline(w http.ResponseWriter, r *http.Request) {
	var req createDeadlineRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}
	concerns := make([]transaction.Role, 0, len(req.Concerns))
	for _, c := range req.Concerns {
		concern := transaction.Role(c)
		if !concern.Valid() {
			writeErrorMessage(w, http.StatusBadRequest, "unknown role "+strconv.Quote(c))
			return
		}
		concerns = append(concerns, concern)
	}

	now := s.clock()
	d, err := s.engine.CreateDeadline(r.Context(), lifecycle.CreateDeadlineRequest{
		TransactionID: r.PathValue("id"),
		Title:         req.Title,
		Description:   req.Description,
		DueDate:       req.DueDate,
		Concerns:      concerns,
		Actor:         userID(r),
		Now:           now,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toDeadlineResponse(d, now))
}

func (s *Server) handleCompleteDeadline(w http.ResponseWriter, r *http.Request) {
	now := s.clock()
	d, err := s.engine.CompleteDeadline(r.Context(), lifecycle.CompleteDeadlineRequest{
		TransactionID:  r.PathValue("id"),
		DeadlineID:     r.PathValue("deadlineID"),
		Actor:          userID(r),
		Now:            now,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDeadlineResponse(d, now))
}

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(r, "limit", 0)
	if !ok {
		writeErrorMessage(w, http.StatusBadRequest, "invalid limit")
		return
	}
	cursor := r.URL.Query().Get("cursor")
	if _, err := notification.DecodeCursor(cursor); err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "invalid cursor")
		return
	}

	inbox := s.engine.Inbox()
	page, err := inbox.List(r.Context(), userID(r), limit, cursor)
	if err != nil {
		s.writeError(w, err)
		return
	}
	unread, err := inbox.UnreadCount(r.Context(), userID(r))
	if err != nil {
		s.writeError(w, err)
		return
	}

	items := make([]notificationResponse, 0, len(page.Notifications))
	for _, n := range page.Notifications {
		items = append(items, toNotificationResponse(n))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items":      items,
		"nextCursor": page.NextCursor,
		"unread":     unread,
	})
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	n, err := s.engine.Inbox().MarkRead(r.Context(), userID(r), r.PathValue("id"), s.clock())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toNotificationResponse(n))
}
