package handlers

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/williamwinkler/openai-batch-manager-sub003/delivery"
	"github.com/williamwinkler/openai-batch-manager-sub003/intake"
	"github.com/williamwinkler/openai-batch-manager-sub003/store"
)

// RequestsHandler serves admission and per-request inspection.
type RequestsHandler struct {
	facade   *intake.Facade
	store    *store.Store
	delivery *delivery.Engine
	logger   *zap.Logger
}

// NewRequestsHandler wires the requests handler.
func NewRequestsHandler(facade *intake.Facade, st *store.Store, del *delivery.Engine, logger *zap.Logger) *RequestsHandler {
	return &RequestsHandler{
		facade:   facade,
		store:    st,
		delivery: del,
		logger:   logger.With(zap.String("handler", "requests")),
	}
}

// AdmittedData is the response body for a successful admission.
type AdmittedData struct {
	ID       uint               `json:"id"`
	CustomID string             `json:"custom_id"`
	BatchID  uint               `json:"batch_id"`
	State    store.RequestState `json:"state"`
}

// RequestDetail is the response body for a request lookup.
type RequestDetail struct {
	Request          *store.Request                 `json:"request"`
	Transitions      []store.RequestTransition      `json:"transitions"`
	DeliveryAttempts []store.RequestDeliveryAttempt `json:"delivery_attempts"`
}

// HandleSubmit admits one structured submission.
// POST /api/v1/requests
func (h *RequestsHandler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteErrorMessage(w, http.StatusMethodNotAllowed, "method_not_allowed", "use POST", h.logger)
		return
	}

	var sub intake.Submission
	if err := DecodeJSONBody(w, r, &sub, h.logger); err != nil {
		return
	}

	req, err := h.facade.Admit(r.Context(), sub)
	if err != nil {
		WriteIntakeError(w, err, h.logger)
		return
	}
	h.admitted(w, req)
}

// HandleSubmitLine admits one batch-file-line submission.
// POST /api/v1/requests/line
func (h *RequestsHandler) HandleSubmitLine(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteErrorMessage(w, http.StatusMethodNotAllowed, "method_not_allowed", "use POST", h.logger)
		return
	}

	var line intake.LineSubmission
	if err := DecodeJSONBody(w, r, &line, h.logger); err != nil {
		return
	}

	req, err := h.facade.AdmitLine(r.Context(), line)
	if err != nil {
		WriteIntakeError(w, err, h.logger)
		return
	}
	h.admitted(w, req)
}

func (h *RequestsHandler) admitted(w http.ResponseWriter, req *store.Request) {
	WriteData(w, http.StatusAccepted, AdmittedData{
		ID:       req.ID,
		CustomID: req.CustomID,
		BatchID:  req.BatchID,
		State:    req.State,
	})
}

// HandleGet returns the most recent request with the given custom ID,
// together with its transition log and delivery attempts.
// GET /api/v1/requests/{custom_id}
func (h *RequestsHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteErrorMessage(w, http.StatusMethodNotAllowed, "method_not_allowed", "use GET", h.logger)
		return
	}

	customID := r.PathValue("custom_id")
	if customID == "" {
		WriteErrorMessage(w, http.StatusBadRequest, "invalid_request", "custom_id is required", h.logger)
		return
	}

	req, err := h.store.LookupRequest(r.Context(), customID)
	if errors.Is(err, store.ErrNotFound) {
		WriteErrorMessage(w, http.StatusNotFound, "not_found", "request not found", h.logger)
		return
	}
	if err != nil {
		h.logger.Error("request lookup failed", zap.String("custom_id", customID), zap.Error(err))
		WriteErrorMessage(w, http.StatusInternalServerError, "internal_error", "lookup failed", h.logger)
		return
	}

	transitions, err := h.store.RequestTransitions(r.Context(), req.ID)
	if err != nil {
		h.logger.Error("transition lookup failed", zap.Uint("request_id", req.ID), zap.Error(err))
		WriteErrorMessage(w, http.StatusInternalServerError, "internal_error", "lookup failed", h.logger)
		return
	}
	attempts, err := h.store.DeliveryAttemptsForRequest(r.Context(), req.ID)
	if err != nil {
		h.logger.Error("delivery attempt lookup failed", zap.Uint("request_id", req.ID), zap.Error(err))
		WriteErrorMessage(w, http.StatusInternalServerError, "internal_error", "lookup failed", h.logger)
		return
	}

	WriteSuccess(w, RequestDetail{
		Request:          req,
		Transitions:      transitions,
		DeliveryAttempts: attempts,
	})
}

// HandleRetryDelivery re-enqueues delivery for one request.
// POST /api/v1/requests/{custom_id}/retry-delivery
func (h *RequestsHandler) HandleRetryDelivery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteErrorMessage(w, http.StatusMethodNotAllowed, "method_not_allowed", "use POST", h.logger)
		return
	}

	customID := r.PathValue("custom_id")
	if customID == "" {
		WriteErrorMessage(w, http.StatusBadRequest, "invalid_request", "custom_id is required", h.logger)
		return
	}

	req, err := h.store.LookupRequest(r.Context(), customID)
	if errors.Is(err, store.ErrNotFound) {
		WriteErrorMessage(w, http.StatusNotFound, "not_found", "request not found", h.logger)
		return
	}
	if err != nil {
		WriteErrorMessage(w, http.StatusInternalServerError, "internal_error", "lookup failed", h.logger)
		return
	}

	err = h.delivery.RetryRequestDelivery(r.Context(), req.ID)
	switch {
	case err == nil:
		WriteData(w, http.StatusAccepted, map[string]any{
			"request_id": req.ID,
			"custom_id":  req.CustomID,
			"state":      store.RequestStateDelivering,
		})
	case errors.Is(err, delivery.ErrRetryBlocked):
		WriteErrorMessage(w, http.StatusConflict, "retry_blocked", err.Error(), h.logger)
	case store.IsWrongState(err):
		WriteErrorMessage(w, http.StatusConflict, "wrong_state", err.Error(), h.logger)
	case errors.Is(err, store.ErrNotFound):
		WriteErrorMessage(w, http.StatusNotFound, "not_found", "request not found", h.logger)
	default:
		h.logger.Error("delivery retry failed", zap.Uint("request_id", req.ID), zap.Error(err))
		WriteErrorMessage(w, http.StatusInternalServerError, "internal_error", "retry failed", h.logger)
	}
}
