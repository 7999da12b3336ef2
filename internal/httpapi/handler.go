package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"clinicq/visit-service/internal/models"
	"clinicq/visit-service/internal/predict"
	"clinicq/visit-service/internal/queue"
	"clinicq/visit-service/internal/store"
	"clinicq/visit-service/internal/sweep"
	"clinicq/visit-service/internal/ticket"

	"github.com/google/uuid"
)

// Engine applies ticket transitions with conflict retry.
type Engine interface {
	Transition(ctx context.Context, ticketID, target string, intent ticket.Intent) (ticket.ApplyResult, error)
}

// Estimator produces the blended wait-time estimate.
type Estimator interface {
	Estimate(ctx context.Context, t models.Ticket) int
}

// Trainer runs a model training pass on demand.
type Trainer interface {
	Train(ctx context.Context) (predict.TrainReport, error)
}

// Sweeper is one maintenance pass (reaper or activator).
type Sweeper interface {
	Run(ctx context.Context) (int, error)
}

// OpeningsReporter lists today's early openings for a provider.
type OpeningsReporter interface {
	EarlyOpenings(ctx context.Context, providerID string) ([]sweep.EarlyOpening, error)
}

type Handler struct {
	store     store.TicketStore
	engine    Engine
	estimator Estimator
	status    *queue.StatusReader
	trainer   Trainer
	reaper    Sweeper
	activator Sweeper
	openings  OpeningsReporter
	nowFn     func() time.Time
}

type Options struct {
	Store     store.TicketStore
	Engine    Engine
	Estimator Estimator
	Status    *queue.StatusReader
	Trainer   Trainer
	Reaper    Sweeper
	Activator Sweeper
	Openings  OpeningsReporter
}

func NewHandler(options Options) *Handler {
	return &Handler{
		store:     options.Store,
		engine:    options.Engine,
		estimator: options.Estimator,
		status:    options.Status,
		trainer:   options.Trainer,
		reaper:    options.Reaper,
		activator: options.Activator,
		openings:  options.Openings,
		nowFn:     func() time.Time { return time.Now().UTC() },
	}
}

func (h *Handler) WithClock(nowFn func() time.Time) *Handler {
	h.nowFn = nowFn
	return h
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.HandleFunc("/api/tickets", h.handleTickets)
	mux.HandleFunc("/api/tickets/", h.handleTicketSubtree)
	mux.HandleFunc("/api/queue/status", h.handleQueueStatus)
	mux.HandleFunc("/api/queue/reorder", h.handleReorder)
	mux.HandleFunc("/api/queue/early-openings", h.handleEarlyOpenings)
	mux.HandleFunc("/api/sweeps/missed", h.handleMissedSweep)
	mux.HandleFunc("/api/sweeps/early-arrival", h.handleEarlyArrivalSweep)
	mux.HandleFunc("/api/model/train", h.handleTrain)
	return mux
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type createTicketRequest struct {
	RequestID   string   `json:"request_id"`
	PatientID   string   `json:"patient_id"`
	ProviderID  string   `json:"provider_id"`
	FacilityID  string   `json:"facility_id"`
	ScheduledAt string   `json:"scheduled_at"`
	Phone       string   `json:"phone"`
	DistanceKm  *float64 `json:"distance_km"`
}

type errorResponse struct {
	RequestID string        `json:"request_id"`
	Error     responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (h *Handler) handleTickets(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req createTicketRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	req.RequestID = strings.TrimSpace(req.RequestID)
	req.PatientID = strings.TrimSpace(req.PatientID)
	req.ProviderID = strings.TrimSpace(req.ProviderID)
	req.FacilityID = strings.TrimSpace(req.FacilityID)
	req.ScheduledAt = strings.TrimSpace(req.ScheduledAt)
	req.Phone = strings.TrimSpace(req.Phone)

	if req.RequestID == "" || req.PatientID == "" || req.ProviderID == "" || req.FacilityID == "" {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "request_id, patient_id, provider_id, and facility_id are required")
		return
	}
	if !isValidUUID(req.RequestID) || !isValidUUID(req.PatientID) || !isValidUUID(req.ProviderID) || !isValidUUID(req.FacilityID) {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "request_id, patient_id, provider_id, and facility_id must be UUIDs")
		return
	}
	if req.Phone != "" && !isValidPhone(req.Phone) {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "phone must be 8-16 digits")
		return
	}

	var scheduledAt *time.Time
	if req.ScheduledAt != "" {
		parsed, err := time.Parse(time.RFC3339, req.ScheduledAt)
		if err != nil {
			writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "scheduled_at must be an RFC3339 timestamp")
			return
		}
		parsed = parsed.UTC()
		scheduledAt = &parsed
	}
	if req.DistanceKm != nil && *req.DistanceKm < 0 {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "distance_km must not be negative")
		return
	}

	input := store.CreateTicketInput{
		RequestID:   req.RequestID,
		PatientID:   req.PatientID,
		ProviderID:  req.ProviderID,
		FacilityID:  req.FacilityID,
		ScheduledAt: scheduledAt,
		Phone:       req.Phone,
		DistanceKm:  req.DistanceKm,
		CreatedAt:   h.nowFn(),
	}

	created, err := h.store.CreateTicket(r.Context(), input)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, req.RequestID, status, code, msg)
		return
	}

	writeJSON(w, http.StatusOK, created)
}

// handleTicketSubtree dispatches /api/tickets/{id}, /api/tickets/{id}/wait-time,
// and /api/tickets/{id}/actions/{action}.
func (h *Handler) handleTicketSubtree(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/tickets/")
	parts := strings.Split(strings.Trim(path, "/"), "/")

	ticketID := parts[0]
	if !isValidUUID(ticketID) {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "ticket_id must be a UUID")
		return
	}

	switch {
	case len(parts) == 1:
		h.handleGetTicket(w, r, ticketID)
	case len(parts) == 2 && parts[1] == "wait-time":
		h.handleWaitTime(w, r, ticketID)
	case len(parts) == 3 && parts[1] == "actions":
		h.handleTicketAction(w, r, ticketID, parts[2])
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleGetTicket(w http.ResponseWriter, r *http.Request, ticketID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	t, found, err := h.store.GetTicket(r.Context(), ticketID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}
	if !found {
		writeError(w, "", http.StatusNotFound, "ticket_not_found", "ticket not found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type waitTimeResponse struct {
	TicketID             string `json:"ticket_id"`
	Status               string `json:"status"`
	PredictedWaitMinutes int    `json:"predicted_wait_minutes"`
}

func (h *Handler) handleWaitTime(w http.ResponseWriter, r *http.Request, ticketID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	t, found, err := h.store.GetTicket(r.Context(), ticketID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}
	if !found {
		writeError(w, "", http.StatusNotFound, "ticket_not_found", "ticket not found")
		return
	}

	writeJSON(w, http.StatusOK, waitTimeResponse{
		TicketID:             t.TicketID,
		Status:               t.Status,
		PredictedWaitMinutes: h.estimator.Estimate(r.Context(), t),
	})
}

// Actions carry the caller's intent in the route itself: only the confirm
// action may move a ticket into confirmed.
var actionTargets = map[string]struct {
	target string
	intent ticket.Intent
}{
	"confirm":  {models.StatusConfirmed, ticket.IntentExplicitConfirmation},
	"start":    {models.StatusInConsultation, ticket.IntentImplicit},
	"complete": {models.StatusCompleted, ticket.IntentImplicit},
	"cancel":   {models.StatusCancelled, ticket.IntentImplicit},
	"skip":     {models.StatusSkipped, ticket.IntentImplicit},
}

type transitionResponse struct {
	Outcome string        `json:"outcome"`
	Reason  string        `json:"reason,omitempty"`
	Ticket  models.Ticket `json:"ticket"`
}

func (h *Handler) handleTicketAction(w http.ResponseWriter, r *http.Request, ticketID, action string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	def, ok := actionTargets[action]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	result, err := h.engine.Transition(r.Context(), ticketID, def.target, def.intent)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}

	writeJSON(w, http.StatusOK, transitionResponse{
		Outcome: string(result.Outcome),
		Reason:  result.Reason,
		Ticket:  result.Ticket,
	})
}

func (h *Handler) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	providerID, day, ok := h.providerDayParams(w, r)
	if !ok {
		return
	}

	status, err := h.status.Read(r.Context(), providerID, day)
	if err != nil {
		code, errCode, msg := mapError(err)
		writeError(w, "", code, errCode, msg)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

type reorderResponse struct {
	ProviderID  string   `json:"provider_id"`
	TicketIDs   []string `json:"ticket_ids"`
	ChangeCount int      `json:"change_count"`
}

func (h *Handler) handleReorder(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	providerID, day, ok := h.providerDayParams(w, r)
	if !ok {
		return
	}

	tickets, err := h.store.ListQueue(r.Context(), providerID, day)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}

	ordered, changed := queue.Reorder(tickets, h.nowFn())
	ids := make([]string, 0, len(ordered))
	for _, t := range ordered {
		ids = append(ids, t.TicketID)
	}
	writeJSON(w, http.StatusOK, reorderResponse{
		ProviderID:  providerID,
		TicketIDs:   ids,
		ChangeCount: changed,
	})
}

func (h *Handler) handleEarlyOpenings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	providerID := strings.TrimSpace(r.URL.Query().Get("provider_id"))
	if providerID == "" || !isValidUUID(providerID) {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "provider_id must be a UUID")
		return
	}

	openings, err := h.openings.EarlyOpenings(r.Context(), providerID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, openings)
}

type sweepResponse struct {
	Count int `json:"count"`
}

func (h *Handler) handleMissedSweep(w http.ResponseWriter, r *http.Request) {
	h.runSweep(w, r, h.reaper)
}

func (h *Handler) handleEarlyArrivalSweep(w http.ResponseWriter, r *http.Request) {
	h.runSweep(w, r, h.activator)
}

func (h *Handler) runSweep(w http.ResponseWriter, r *http.Request, sweeper Sweeper) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	count, err := sweeper.Run(r.Context())
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, sweepResponse{Count: count})
}

func (h *Handler) handleTrain(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	report, err := h.trainer.Train(r.Context())
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *Handler) providerDayParams(w http.ResponseWriter, r *http.Request) (string, time.Time, bool) {
	providerID := strings.TrimSpace(r.URL.Query().Get("provider_id"))
	if providerID == "" || !isValidUUID(providerID) {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "provider_id must be a UUID")
		return "", time.Time{}, false
	}

	now := h.nowFn()
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	if raw := strings.TrimSpace(r.URL.Query().Get("date")); raw != "" {
		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			writeError(w, "", http.StatusBadRequest, "invalid_request", "date must be YYYY-MM-DD")
			return "", time.Time{}, false
		}
		day = parsed
	}
	return providerID, day, true
}

func isValidUUID(value string) bool {
	_, err := uuid.Parse(value)
	return err == nil
}

func isValidPhone(value string) bool {
	digits := strings.TrimPrefix(value, "+")
	if len(digits) < 8 || len(digits) > 16 {
		return false
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func mapError(err error) (int, string, string) {
	switch {
	case errors.Is(err, store.ErrTicketNotFound):
		return http.StatusNotFound, "ticket_not_found", "ticket not found"
	case errors.Is(err, store.ErrProviderNotFound):
		return http.StatusNotFound, "provider_not_found", "provider not found"
	case errors.Is(err, store.ErrInvalidState):
		return http.StatusConflict, "invalid_state", "ticket state does not allow this action"
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict, "conflict", "ticket was modified concurrently, retry"
	case errors.Is(err, store.ErrDuplicateSchedule):
		return http.StatusConflict, "duplicate_schedule", "the requested slot or day is already booked"
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

func writeError(w http.ResponseWriter, requestID string, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		RequestID: requestID,
		Error: responseError{
			Code:    code,
			Message: message,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
