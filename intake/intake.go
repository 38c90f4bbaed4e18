// Package intake is the synchronous admission surface in front of the
// aggregator. It normalizes the two accepted submission shapes into one
// internal record, validates it, honors the process-wide maintenance gate,
// and absorbs the aggregator's batch-rotation errors with a single retry.
package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/williamwinkler/openai-batch-manager-sub003/aggregator"
	"github.com/williamwinkler/openai-batch-manager-sub003/internal/metrics"
	"github.com/williamwinkler/openai-batch-manager-sub003/store"
)

// ErrorCode classifies an admission refusal.
type ErrorCode string

// Admission error codes.
const (
	CodeValidationFailed ErrorCode = "validation_failed"
	CodeMaintenanceMode  ErrorCode = "maintenance_mode"
	CodeCustomIDTaken    ErrorCode = "custom_id_already_taken"
	CodePayloadTooLarge  ErrorCode = "payload_too_large"
	CodeInternal         ErrorCode = "internal_error"
)

// Error is a structured admission refusal.
type Error struct {
	Code    ErrorCode
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

func refuse(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Submission is the structured intake shape. Delivery is the tagged union
// from the store package.
type Submission struct {
	CustomID       string               `json:"custom_id"`
	Endpoint       string               `json:"endpoint"`
	Model          string               `json:"model"`
	RequestPayload json.RawMessage      `json:"request_payload"`
	Delivery       store.DeliveryConfig `json:"delivery"`
}

// LineSubmission is the pre-normalized per-line shape, mirroring one record
// of a provider batch file plus its delivery config.
type LineSubmission struct {
	CustomID       string               `json:"custom_id"`
	URL            string               `json:"url"`
	Method         string               `json:"method"`
	Body           json.RawMessage      `json:"body"`
	DeliveryConfig store.DeliveryConfig `json:"delivery_config"`
}

// Normalize converts the per-line shape into the structured one. The model
// is read out of the body, where the provider expects it anyway.
func (l LineSubmission) Normalize() (Submission, error) {
	if l.Method != "" && l.Method != "POST" {
		return Submission{}, refuse(CodeValidationFailed, "method must be POST, got %q", l.Method)
	}
	var probe struct {
		Model string `json:"model"`
	}
	if len(l.Body) > 0 {
		if err := json.Unmarshal(l.Body, &probe); err != nil {
			return Submission{}, refuse(CodeValidationFailed, "body is not a JSON object: %v", err)
		}
	}
	return Submission{
		CustomID:       l.CustomID,
		Endpoint:       l.URL,
		Model:          probe.Model,
		RequestPayload: l.Body,
		Delivery:       l.DeliveryConfig,
	}, nil
}

// MaxCustomIDLength bounds the externally chosen identifier.
const MaxCustomIDLength = 256

// Facade is the single entry point edges call to admit a request.
type Facade struct {
	registry    *aggregator.Registry
	metrics     *metrics.Collector
	logger      *zap.Logger
	maintenance atomic.Bool
}

// NewFacade wires the facade. metrics may be nil.
func NewFacade(registry *aggregator.Registry, m *metrics.Collector, logger *zap.Logger) *Facade {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Facade{
		registry: registry,
		metrics:  m,
		logger:   logger.With(zap.String("component", "intake")),
	}
}

// SetMaintenance toggles the process-wide intake gate.
func (f *Facade) SetMaintenance(on bool) {
	f.maintenance.Store(on)
	f.logger.Warn("maintenance mode changed", zap.Bool("enabled", on))
}

// Maintenance reports whether intake is gated.
func (f *Facade) Maintenance() bool { return f.maintenance.Load() }

// Admit validates and admits one submission. On batch rotation (the target
// batch filled or closed mid-admission) the admit is retried once against
// the freshly opened batch.
func (f *Facade) Admit(ctx context.Context, sub Submission) (*store.Request, error) {
	if f.maintenance.Load() {
		f.reject("maintenance")
		return nil, refuse(CodeMaintenanceMode, "intake is temporarily disabled for maintenance")
	}
	if err := f.validate(&sub); err != nil {
		f.reject("validation")
		return nil, err
	}

	asub := aggregator.Submission{
		CustomID:       sub.CustomID,
		Payload:        sub.RequestPayload,
		DeliveryConfig: sub.Delivery,
	}
	req, err := f.registry.Admit(ctx, sub.Endpoint, sub.Model, asub)
	if errors.Is(err, aggregator.ErrBatchFull) || errors.Is(err, aggregator.ErrBatchNotBuilding) {
		// The previous batch just closed; the retry lands in a fresh one.
		req, err = f.registry.Admit(ctx, sub.Endpoint, sub.Model, asub)
	}
	switch {
	case err == nil:
	case errors.Is(err, store.ErrDuplicateCustomID):
		f.reject("custom_id_already_taken")
		return nil, refuse(CodeCustomIDTaken, "custom_id %q already exists in the current batch", sub.CustomID)
	case errors.Is(err, aggregator.ErrBatchFull):
		// Still full after the retry: the payload alone exceeds capacity.
		f.reject("payload_too_large")
		return nil, refuse(CodePayloadTooLarge, "request payload exceeds the batch size limit")
	default:
		f.logger.Error("admission failed",
			zap.String("custom_id", sub.CustomID), zap.Error(err))
		return nil, refuse(CodeInternal, "admission failed")
	}

	if f.metrics != nil {
		f.metrics.RequestAdmitted(sub.Endpoint, sub.Model)
	}
	return req, nil
}

// AdmitLine admits the pre-normalized per-line shape.
func (f *Facade) AdmitLine(ctx context.Context, line LineSubmission) (*store.Request, error) {
	sub, err := line.Normalize()
	if err != nil {
		f.reject("validation")
		return nil, err
	}
	return f.Admit(ctx, sub)
}

func (f *Facade) validate(sub *Submission) error {
	if sub.CustomID == "" {
		return refuse(CodeValidationFailed, "custom_id is required")
	}
	if len(sub.CustomID) > MaxCustomIDLength {
		return refuse(CodeValidationFailed, "custom_id exceeds %d characters", MaxCustomIDLength)
	}
	if !store.Endpoint(sub.Endpoint).Valid() {
		return refuse(CodeValidationFailed, "unsupported endpoint %q", sub.Endpoint)
	}
	if sub.Model == "" {
		return refuse(CodeValidationFailed, "model is required")
	}
	if len(sub.RequestPayload) == 0 || !json.Valid(sub.RequestPayload) {
		return refuse(CodeValidationFailed, "request_payload must be valid JSON")
	}
	if err := sub.Delivery.Validate(); err != nil {
		return refuse(CodeValidationFailed, "invalid delivery config: %v", err)
	}
	return nil
}

func (f *Facade) reject(reason string) {
	if f.metrics != nil {
		f.metrics.RequestRejected(reason)
	}
}
