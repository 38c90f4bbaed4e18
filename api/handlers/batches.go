package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/williamwinkler/openai-batch-manager-sub003/aggregator"
	"github.com/williamwinkler/openai-batch-manager-sub003/lifecycle"
	"github.com/williamwinkler/openai-batch-manager-sub003/store"
)

// BatchesHandler serves batch inspection, cancellation, and flushing.
type BatchesHandler struct {
	store     *store.Store
	registry  *aggregator.Registry
	lifecycle *lifecycle.Engine
	logger    *zap.Logger
}

// NewBatchesHandler wires the batches handler.
func NewBatchesHandler(st *store.Store, registry *aggregator.Registry, lc *lifecycle.Engine, logger *zap.Logger) *BatchesHandler {
	return &BatchesHandler{
		store:     st,
		registry:  registry,
		lifecycle: lc,
		logger:    logger.With(zap.String("handler", "batches")),
	}
}

// BatchDetail is the response body for a batch lookup.
type BatchDetail struct {
	Batch         *store.Batch                 `json:"batch"`
	RequestCounts map[store.RequestState]int64 `json:"request_counts"`
}

// FlushRequest asks the aggregator to close the building batch for one
// (endpoint, model) key.
type FlushRequest struct {
	Endpoint string `json:"endpoint"`
	Model    string `json:"model"`
}

// HandleGet returns one batch with its per-state request counts.
// GET /api/v1/batches/{id}
func (h *BatchesHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteErrorMessage(w, http.StatusMethodNotAllowed, "method_not_allowed", "use GET", h.logger)
		return
	}

	id, ok := h.batchID(w, r)
	if !ok {
		return
	}

	batch, err := h.store.GetBatch(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		WriteErrorMessage(w, http.StatusNotFound, "not_found", "batch not found", h.logger)
		return
	}
	if err != nil {
		h.logger.Error("batch lookup failed", zap.Uint("batch_id", id), zap.Error(err))
		WriteErrorMessage(w, http.StatusInternalServerError, "internal_error", "lookup failed", h.logger)
		return
	}

	counts, err := h.store.CountRequestsByState(r.Context(), id)
	if err != nil {
		h.logger.Error("request count failed", zap.Uint("batch_id", id), zap.Error(err))
		WriteErrorMessage(w, http.StatusInternalServerError, "internal_error", "lookup failed", h.logger)
		return
	}

	WriteSuccess(w, BatchDetail{Batch: batch, RequestCounts: counts})
}

// HandleList returns batches filtered by state.
// GET /api/v1/batches?state=building,delivering
func (h *BatchesHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteErrorMessage(w, http.StatusMethodNotAllowed, "method_not_allowed", "use GET", h.logger)
		return
	}

	states := allBatchStates
	if raw := r.URL.Query().Get("state"); raw != "" {
		states = nil
		for _, s := range strings.Split(raw, ",") {
			states = append(states, store.BatchState(strings.TrimSpace(s)))
		}
	}

	batches, err := h.store.BatchesInState(r.Context(), states...)
	if err != nil {
		h.logger.Error("batch list failed", zap.Error(err))
		WriteErrorMessage(w, http.StatusInternalServerError, "internal_error", "list failed", h.logger)
		return
	}
	WriteSuccess(w, map[string]any{"batches": batches})
}

// HandleTransitions returns a batch's transition log.
// GET /api/v1/batches/{id}/transitions
func (h *BatchesHandler) HandleTransitions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteErrorMessage(w, http.StatusMethodNotAllowed, "method_not_allowed", "use GET", h.logger)
		return
	}

	id, ok := h.batchID(w, r)
	if !ok {
		return
	}

	transitions, err := h.store.BatchTransitions(r.Context(), id)
	if err != nil {
		h.logger.Error("transition lookup failed", zap.Uint("batch_id", id), zap.Error(err))
		WriteErrorMessage(w, http.StatusInternalServerError, "internal_error", "lookup failed", h.logger)
		return
	}
	WriteSuccess(w, map[string]any{"transitions": transitions})
}

// HandleCancel cancels a batch and its undelivered requests.
// POST /api/v1/batches/{id}/cancel
func (h *BatchesHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteErrorMessage(w, http.StatusMethodNotAllowed, "method_not_allowed", "use POST", h.logger)
		return
	}

	id, ok := h.batchID(w, r)
	if !ok {
		return
	}

	err := h.lifecycle.CancelBatch(r.Context(), id)
	switch {
	case err == nil:
		WriteData(w, http.StatusAccepted, map[string]any{
			"batch_id": id,
			"state":    store.BatchStateCancelled,
		})
	case errors.Is(err, store.ErrNotFound):
		WriteErrorMessage(w, http.StatusNotFound, "not_found", "batch not found", h.logger)
	case store.IsWrongState(err):
		WriteErrorMessage(w, http.StatusConflict, "wrong_state", err.Error(), h.logger)
	default:
		h.logger.Error("batch cancel failed", zap.Uint("batch_id", id), zap.Error(err))
		WriteErrorMessage(w, http.StatusInternalServerError, "internal_error", "cancel failed", h.logger)
	}
}

// HandleFlush closes the building batch for one aggregator key so it moves
// into the provider pipeline without waiting for capacity.
// POST /api/v1/batches/flush
func (h *BatchesHandler) HandleFlush(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteErrorMessage(w, http.StatusMethodNotAllowed, "method_not_allowed", "use POST", h.logger)
		return
	}

	var req FlushRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if req.Endpoint == "" || req.Model == "" {
		WriteErrorMessage(w, http.StatusBadRequest, "invalid_request", "endpoint and model are required", h.logger)
		return
	}

	if err := h.registry.Flush(r.Context(), req.Endpoint, req.Model); err != nil {
		h.logger.Error("flush failed",
			zap.String("endpoint", req.Endpoint),
			zap.String("model", req.Model),
			zap.Error(err))
		WriteErrorMessage(w, http.StatusInternalServerError, "internal_error", "flush failed", h.logger)
		return
	}
	WriteData(w, http.StatusAccepted, map[string]any{
		"endpoint": req.Endpoint,
		"model":    req.Model,
	})
}

func (h *BatchesHandler) batchID(w http.ResponseWriter, r *http.Request) (uint, bool) {
	raw := r.PathValue("id")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		WriteErrorMessage(w, http.StatusBadRequest, "invalid_request", "invalid batch id", h.logger)
		return 0, false
	}
	return uint(id), true
}

var allBatchStates = []store.BatchState{
	store.BatchStateBuilding,
	store.BatchStateUploading,
	store.BatchStateUploaded,
	store.BatchStateProviderProcessing,
	store.BatchStateExpired,
	store.BatchStateProviderCompleted,
	store.BatchStateDownloading,
	store.BatchStateReadyToDeliver,
	store.BatchStateDelivering,
	store.BatchStateDelivered,
	store.BatchStatePartiallyDelivered,
	store.BatchStateDeliveryFailed,
	store.BatchStateFailed,
	store.BatchStateCancelled,
}
