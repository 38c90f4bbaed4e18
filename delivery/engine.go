package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/williamwinkler/openai-batch-manager-sub003/internal/jobs"
	"github.com/williamwinkler/openai-batch-manager-sub003/internal/metrics"
	"github.com/williamwinkler/openai-batch-manager-sub003/store"
)

// Job names handled by the delivery engine.
const (
	JobStartDelivering         = "delivery.start"
	JobDeliverRequest          = "delivery.request"
	JobCheckDeliveryCompletion = "delivery.check_completion"
)

// QueueDelivery is the high-concurrency queue the per-request jobs run on.
const QueueDelivery = "delivery"

// DefaultMaxAttempts is the per-request delivery attempt budget.
const DefaultMaxAttempts = 3

// ErrRetryBlocked is returned when a redelivery cannot be accepted, for
// example a queue destination while the broker publisher is disconnected.
var ErrRetryBlocked = errors.New("delivery retry is not possible right now")

// retryableDelivery wraps a transient sink failure so the job runner backs
// off and re-runs the job.
type retryableDelivery struct{ result Result }

func (e *retryableDelivery) Error() string {
	return fmt.Sprintf("delivery attempt failed (%s): %s", e.result.Outcome, e.result.ErrorMsg)
}

// Config tunes the delivery engine.
type Config struct {
	// MaxAttempts is the per-request attempt budget. Defaults to 3.
	MaxAttempts int
	// DisableRetry forces a single attempt regardless of outcome.
	DisableRetry bool
	// Concurrency is the delivery queue's worker count. Defaults to 50.
	Concurrency int
	// ProcessingQueue is where completion checks run; it must be the
	// serialized batch-processing queue.
	ProcessingQueue string
}

func (c *Config) applyDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.DisableRetry {
		c.MaxAttempts = 1
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 50
	}
	if c.ProcessingQueue == "" {
		c.ProcessingQueue = "batch_processing"
	}
}

// BatchPayload is the payload of the batch-scoped delivery jobs.
type BatchPayload struct {
	BatchID uint `json:"batch_id"`
}

// RequestPayload is the payload of the per-request delivery job.
type RequestPayload struct {
	RequestID uint `json:"request_id"`
}

// Engine fans completed requests out to their sinks and detects batch-level
// delivery completion.
type Engine struct {
	store   *store.Store
	webhook WebhookPublisher
	queue   QueuePublisher
	runner  *jobs.Runner
	metrics *metrics.Collector
	cfg     Config
	logger  *zap.Logger
}

// NewEngine wires the delivery engine. metrics may be nil.
func NewEngine(st *store.Store, webhook WebhookPublisher, queue QueuePublisher,
	runner *jobs.Runner, m *metrics.Collector, cfg Config, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.applyDefaults()
	return &Engine{
		store:   st,
		webhook: webhook,
		queue:   queue,
		runner:  runner,
		metrics: m,
		cfg:     cfg,
		logger:  logger.With(zap.String("component", "delivery")),
	}
}

// Register declares the delivery queue and handlers on the runner. Must be
// called before the runner starts.
func (e *Engine) Register() {
	e.runner.Queue(QueueDelivery, e.cfg.Concurrency)
	e.runner.Register(JobStartDelivering, e.handleStartDelivering)
	e.runner.Register(JobDeliverRequest, e.handleDeliverRequest)
	e.runner.Register(JobCheckDeliveryCompletion, e.handleCheckCompletion)
}

// handleStartDelivering moves the batch into delivering and fans one
// delivery job out per undelivered request. Requests already in delivering
// are included so an interrupted run resumes where it stopped.
func (e *Engine) handleStartDelivering(ctx context.Context, payload []byte) error {
	var p BatchPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("malformed batch payload: %w", err)
	}
	batch, err := e.store.GetBatch(ctx, p.BatchID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if batch.State == store.BatchStateReadyToDeliver {
		if _, err := e.store.TransitionBatch(ctx, batch.ID, store.BatchActionStartDelivering, nil); err != nil {
			if store.IsWrongState(err) {
				return nil
			}
			return err
		}
	} else if batch.State != store.BatchStateDelivering {
		return nil
	}

	pending, err := e.store.RequestsInState(ctx, batch.ID,
		store.RequestStateProviderProcessed, store.RequestStateDelivering)
	if err != nil {
		return err
	}
	for i := range pending {
		if err := e.enqueueDeliver(pending[i].ID); err != nil {
			return err
		}
	}
	if len(pending) == 0 {
		// Every request already failed during processing; resolve the
		// batch's terminal state immediately.
		return e.enqueueCompletionCheck(batch.ID)
	}
	e.logger.Info("batch delivery started",
		zap.Uint("batch_id", batch.ID),
		zap.Int("requests", len(pending)),
	)
	return nil
}

// handleDeliverRequest performs one physical delivery attempt. Transient
// failures inside the attempt budget are surfaced to the runner for backoff
// retry; everything else resolves the request.
func (e *Engine) handleDeliverRequest(ctx context.Context, payload []byte) error {
	var p RequestPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("malformed request payload: %w", err)
	}
	req, err := e.store.GetRequest(ctx, p.RequestID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	switch req.State {
	case store.RequestStateProviderProcessed:
		if _, err := e.store.TransitionRequest(ctx, req.ID, store.RequestActionStartDelivering, nil); err != nil {
			if store.IsWrongState(err) {
				return nil
			}
			return err
		}
	case store.RequestStateDelivering:
		// Retry of an earlier attempt.
	default:
		return nil
	}

	cfg, err := store.DecodeDeliveryConfig(req.DeliveryConfig)
	if err != nil {
		return e.resolveFailure(ctx, req, Result{Outcome: OutcomeOther, ErrorMsg: err.Error()})
	}
	var body []byte
	if req.ResponsePayload != nil {
		body = []byte(*req.ResponsePayload)
	}

	start := time.Now()
	result := e.publish(ctx, cfg, body)
	if e.metrics != nil {
		e.metrics.RecordDeliveryAttempt(string(cfg.Type), string(result.Outcome), time.Since(start))
	}

	attempt := &store.RequestDeliveryAttempt{
		RequestID:      req.ID,
		DeliveryConfig: req.DeliveryConfig,
		Outcome:        string(result.Outcome),
		AttemptedAt:    time.Now().UTC(),
	}
	if result.ErrorMsg != "" {
		msg := result.ErrorMsg
		attempt.ErrorMsg = &msg
	}
	if err := e.store.CreateDeliveryAttempt(ctx, attempt); err != nil {
		return err
	}

	if result.Outcome == OutcomeSuccess {
		if _, err := e.store.TransitionRequest(ctx, req.ID, store.RequestActionMarkDelivered, map[string]any{
			"error_msg": nil,
		}); err != nil && !store.IsWrongState(err) {
			return err
		}
		return e.enqueueCompletionCheck(req.BatchID)
	}

	attempts, err := e.store.CountDeliveryAttempts(ctx, req.ID)
	if err != nil {
		return err
	}
	if result.Transient() && attempts < int64(e.cfg.MaxAttempts) {
		return &retryableDelivery{result: result}
	}
	return e.resolveFailure(ctx, req, result)
}

// handleCheckCompletion resolves the batch terminal once every child request
// reached a terminal state.
func (e *Engine) handleCheckCompletion(ctx context.Context, payload []byte) error {
	var p BatchPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("malformed batch payload: %w", err)
	}
	return e.CheckDeliveryCompletion(ctx, p.BatchID)
}

// CheckDeliveryCompletion aggregates child request states and transitions a
// delivering batch to delivered, partially_delivered, or delivery_failed.
// Batches with requests still in flight are left alone.
func (e *Engine) CheckDeliveryCompletion(ctx context.Context, batchID uint) error {
	batch, err := e.store.GetBatch(ctx, batchID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if batch.State != store.BatchStateDelivering {
		return nil
	}

	counts, err := e.store.CountRequestsByState(ctx, batchID)
	if err != nil {
		return err
	}
	var total, delivered, pending int64
	for state, n := range counts {
		total += n
		switch {
		case state == store.RequestStateDelivered:
			delivered += n
		case !state.Terminal():
			pending += n
		}
	}
	if pending > 0 {
		return nil
	}

	action := store.BatchActionMarkPartial
	switch {
	case delivered == total:
		action = store.BatchActionMarkDelivered
	case delivered == 0:
		action = store.BatchActionMarkDeliveryFailed
	}
	if _, err := e.store.TransitionBatch(ctx, batchID, action, nil); err != nil {
		if store.IsWrongState(err) {
			return nil
		}
		return err
	}
	e.logger.Info("batch delivery resolved",
		zap.Uint("batch_id", batchID),
		zap.Int64("delivered", delivered),
		zap.Int64("total", total),
	)
	return nil
}

// RetryRequestDelivery resets a delivered or delivery_failed request back to
// provider_processed and re-enqueues it. Allowed only while the parent batch
// is in delivering, partially_delivered, or delivery_failed; the latter two
// are moved back to delivering first.
func (e *Engine) RetryRequestDelivery(ctx context.Context, requestID uint) error {
	req, err := e.store.GetRequest(ctx, requestID)
	if err != nil {
		return err
	}
	batch, err := e.store.GetBatch(ctx, req.BatchID)
	if err != nil {
		return err
	}

	cfg, err := store.DecodeDeliveryConfig(req.DeliveryConfig)
	if err != nil {
		return err
	}
	if cfg.Type == store.DeliveryTypeQueue && (e.queue == nil || !e.queue.Connected()) {
		return fmt.Errorf("%w: broker publisher is disconnected", ErrRetryBlocked)
	}

	switch batch.State {
	case store.BatchStateDelivering:
	case store.BatchStatePartiallyDelivered, store.BatchStateDeliveryFailed:
		if _, err := e.store.TransitionBatch(ctx, batch.ID, store.BatchActionBeginRedeliver, nil); err != nil {
			if !store.IsWrongState(err) {
				return err
			}
		}
	default:
		return fmt.Errorf("%w: batch %d is in state %s", ErrRetryBlocked, batch.ID, batch.State)
	}

	if _, err := e.store.TransitionRequest(ctx, req.ID, store.RequestActionRetryDelivery, map[string]any{
		"error_msg": nil,
	}); err != nil {
		return err
	}
	e.logger.Info("request redelivery requested",
		zap.Uint("request_id", req.ID),
		zap.String("custom_id", req.CustomID),
	)
	return e.enqueueDeliver(req.ID)
}

// publish dispatches to the sink matching the config type.
func (e *Engine) publish(ctx context.Context, cfg store.DeliveryConfig, body []byte) Result {
	switch cfg.Type {
	case store.DeliveryTypeWebhook:
		if e.webhook == nil {
			return failure(OutcomeOther, "webhook sink not configured")
		}
		return e.webhook.Publish(ctx, cfg.URL, body)
	case store.DeliveryTypeQueue:
		if e.queue == nil {
			return failure(OutcomeBrokerNotConfigured, "no message broker configured")
		}
		exchange, routingKey := cfg.DestinationKey()
		return e.queue.Publish(ctx, exchange, routingKey, body)
	default:
		return failure(OutcomeOther, fmt.Sprintf("unknown delivery type %q", cfg.Type))
	}
}

// resolveFailure moves the request to delivery_failed and triggers the
// batch-level completion check.
func (e *Engine) resolveFailure(ctx context.Context, req *store.Request, result Result) error {
	msg := fmt.Sprintf("%s: %s", result.Outcome, result.ErrorMsg)
	if _, err := e.store.TransitionRequest(ctx, req.ID, store.RequestActionMarkDeliveryFailed, map[string]any{
		"error_msg": msg,
	}); err != nil && !store.IsWrongState(err) {
		return err
	}
	return e.enqueueCompletionCheck(req.BatchID)
}

func (e *Engine) enqueueDeliver(requestID uint) error {
	// The runner's retry budget is attempts beyond the first; the handler
	// additionally enforces the budget from the persisted attempt count.
	return e.runner.Enqueue(JobDeliverRequest, RequestPayload{RequestID: requestID},
		jobs.WithQueue(QueueDelivery), jobs.WithMaxRetries(e.cfg.MaxAttempts-1))
}

func (e *Engine) enqueueCompletionCheck(batchID uint) error {
	return e.runner.Enqueue(JobCheckDeliveryCompletion, BatchPayload{BatchID: batchID},
		jobs.WithQueue(e.cfg.ProcessingQueue), jobs.WithMaxRetries(2))
}
