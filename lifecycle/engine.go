// Package lifecycle drives batches through the upload → provider → download
// pipeline. Every action is a job handler guarded by the batch's current
// state, so re-delivery of a job is a no-op and in-flight work survives a
// restart: a periodic sweep re-enqueues whatever the persisted states say is
// still due.
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/williamwinkler/openai-batch-manager-sub003/aggregator"
	"github.com/williamwinkler/openai-batch-manager-sub003/batchfile"
	"github.com/williamwinkler/openai-batch-manager-sub003/delivery"
	"github.com/williamwinkler/openai-batch-manager-sub003/internal/jobs"
	"github.com/williamwinkler/openai-batch-manager-sub003/internal/metrics"
	"github.com/williamwinkler/openai-batch-manager-sub003/provider/openai"
	"github.com/williamwinkler/openai-batch-manager-sub003/store"
)

// Job names handled by the engine.
const (
	JobUpload                = "batch.upload"
	JobCreateProvider        = "batch.create_provider"
	JobCheckStatus           = "batch.check_status"
	JobStartDownloading      = "batch.start_downloading"
	JobProcessDownloadedFile = "batch.process_downloaded_file"
	JobExpireStaleBuilding   = "batch.expire_stale_building"
	JobPollProcessing        = "batch.poll_processing"
	JobDeleteExpired         = "batch.delete_expired"
	JobRequeueStuck          = "batch.requeue_stuck"
)

// Queue names. Uploads and processing are serialized to one worker so two
// jobs never race on the same file or delivery accounting.
const (
	QueueUploads    = "batch_uploads"
	QueueProcessing = "batch_processing"
)

// ProviderClient is the surface the engine consumes from the batch API.
type ProviderClient interface {
	UploadFile(ctx context.Context, path string) (*openai.FileObject, error)
	CreateBatch(ctx context.Context, inputFileID, endpoint, completionWindow string) (*openai.BatchObject, error)
	CheckStatus(ctx context.Context, providerBatchID string) (*openai.BatchObject, error)
	CancelBatch(ctx context.Context, providerBatchID string) error
	DownloadFile(ctx context.Context, fileID, destPath string) (string, error)
	DeleteFile(ctx context.Context, fileID string) error
	RetrieveFileMetadata(ctx context.Context, fileID string) (*openai.FileObject, error)
}

// Config tunes the engine's sweeps and retry budgets.
type Config struct {
	// StaleBuildingAge is how long a building batch may idle before the
	// sweep flushes (or, when empty, deletes) it.
	StaleBuildingAge time.Duration
	// PollInterval is the provider status poll cadence.
	PollInterval time.Duration
	// ExpirySweepInterval is the cadence of the expires_at cleanup sweep.
	ExpirySweepInterval time.Duration
	// StuckAge is how long a batch may sit in a transient state before the
	// requeue sweep re-enqueues its next action.
	StuckAge time.Duration
	// CompletionWindow is passed to the provider on batch creation.
	CompletionWindow string
	// JobRetries is the per-job retry budget for provider I/O.
	JobRetries int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		StaleBuildingAge:    1 * time.Hour,
		PollInterval:        30 * time.Second,
		ExpirySweepInterval: 5 * time.Minute,
		StuckAge:            5 * time.Minute,
		CompletionWindow:    "24h",
		JobRetries:          5,
	}
}

// BatchPayload is the job payload shared by all batch-scoped handlers.
type BatchPayload struct {
	BatchID uint `json:"batch_id"`
}

// Engine owns the batch lifecycle actions.
type Engine struct {
	store    *store.Store
	provider ProviderClient
	files    *batchfile.Manager
	runner   *jobs.Runner
	registry *aggregator.Registry
	metrics  *metrics.Collector
	cfg      Config
	logger   *zap.Logger
}

// NewEngine wires the engine. metrics may be nil.
func NewEngine(st *store.Store, pc ProviderClient, files *batchfile.Manager, runner *jobs.Runner,
	registry *aggregator.Registry, m *metrics.Collector, cfg Config, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.CompletionWindow == "" {
		cfg.CompletionWindow = "24h"
	}
	return &Engine{
		store:    st,
		provider: pc,
		files:    files,
		runner:   runner,
		registry: registry,
		metrics:  m,
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "lifecycle")),
	}
}

// Register declares queues, handlers, and periodic sweeps on the runner.
// Must be called before the runner starts.
func (e *Engine) Register() error {
	e.runner.Queue(QueueUploads, 1)
	e.runner.Queue(QueueProcessing, 1)

	e.runner.Register(JobUpload, e.batchHandler(e.handleUpload))
	e.runner.Register(JobCreateProvider, e.batchHandler(e.handleCreateProvider))
	e.runner.Register(JobCheckStatus, e.batchHandler(e.handleCheckStatus))
	e.runner.Register(JobStartDownloading, e.batchHandler(e.handleStartDownloading))
	e.runner.Register(JobProcessDownloadedFile, e.batchHandler(e.handleProcessDownloadedFile))
	e.runner.Register(JobExpireStaleBuilding, e.handleExpireStaleBuilding)
	e.runner.Register(JobPollProcessing, e.handlePollProcessing)
	e.runner.Register(JobDeleteExpired, e.handleDeleteExpired)
	e.runner.Register(JobRequeueStuck, e.handleRequeueStuck)

	sweeps := []struct {
		name  string
		every time.Duration
	}{
		{JobExpireStaleBuilding, e.cfg.StaleBuildingAge / 4},
		{JobPollProcessing, e.cfg.PollInterval},
		{JobDeleteExpired, e.cfg.ExpirySweepInterval},
		{JobRequeueStuck, e.cfg.StuckAge},
	}
	for _, s := range sweeps {
		if s.every <= 0 {
			continue
		}
		if err := e.runner.Periodic(s.name, s.every, nil); err != nil {
			return fmt.Errorf("failed to schedule %s: %w", s.name, err)
		}
	}
	return nil
}

// EnqueueUpload hands a freshly closed batch to the upload queue. Wired as
// the aggregator's OnBatchClosed hook.
func (e *Engine) EnqueueUpload(batchID uint) {
	err := e.runner.Enqueue(JobUpload, BatchPayload{BatchID: batchID},
		jobs.WithQueue(QueueUploads), jobs.WithMaxRetries(e.cfg.JobRetries))
	if err != nil {
		e.logger.Error("failed to enqueue upload", zap.Uint("batch_id", batchID), zap.Error(err))
	}
}

// Bootstrap re-enqueues work for batches left mid-pipeline by a previous
// process. Safe to call on every boot.
func (e *Engine) Bootstrap(ctx context.Context) error {
	return e.requeueStuck(ctx, time.Time{})
}

func (e *Engine) batchHandler(fn func(ctx context.Context, batch *store.Batch) error) jobs.Handler {
	return func(ctx context.Context, payload []byte) error {
		var p BatchPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("malformed batch payload: %w", err)
		}
		batch, err := e.store.GetBatch(ctx, p.BatchID)
		if errors.Is(err, store.ErrNotFound) {
			// Deleted while the job was queued.
			return nil
		}
		if err != nil {
			return err
		}
		return fn(ctx, batch)
	}
}

// handleUpload assembles the batch file and pushes it to the provider.
func (e *Engine) handleUpload(ctx context.Context, batch *store.Batch) error {
	if batch.State != store.BatchStateUploading {
		return nil
	}
	requests, err := e.store.BatchRequests(ctx, batch.ID)
	if err != nil {
		return err
	}
	path, size, err := e.files.Write(batch.ID, batch.Endpoint, requests)
	if err != nil {
		return e.failBatch(ctx, batch.ID, fmt.Sprintf("batch file write failed: %v", err))
	}

	file, err := e.provider.UploadFile(ctx, path)
	if err != nil {
		return e.providerFailure(ctx, batch.ID, "upload failed", err)
	}

	_, err = e.store.TransitionBatch(ctx, batch.ID, store.BatchActionUpload, map[string]any{
		"provider_input_file_id": file.ID,
	})
	if err != nil {
		if store.IsWrongState(err) {
			return nil
		}
		return err
	}
	e.logger.Info("batch uploaded",
		zap.Uint("batch_id", batch.ID),
		zap.String("file_id", file.ID),
		zap.Int64("bytes", size),
	)
	return e.runner.Enqueue(JobCreateProvider, BatchPayload{BatchID: batch.ID},
		jobs.WithMaxRetries(e.cfg.JobRetries))
}

// handleCreateProvider creates (or, after expiry, re-creates) the provider
// batch over the uploaded input file.
func (e *Engine) handleCreateProvider(ctx context.Context, batch *store.Batch) error {
	if batch.State != store.BatchStateUploaded && batch.State != store.BatchStateExpired {
		return nil
	}
	if batch.ProviderInputFileID == nil {
		return e.failBatch(ctx, batch.ID, "no provider input file recorded")
	}

	pb, err := e.provider.CreateBatch(ctx, *batch.ProviderInputFileID, batch.Endpoint, e.cfg.CompletionWindow)
	if err != nil {
		return e.providerFailure(ctx, batch.ID, "create batch failed", err)
	}

	updates := map[string]any{"provider_batch_id": pb.ID}
	if pb.ExpiresAt > 0 {
		updates["expires_at"] = time.Unix(pb.ExpiresAt, 0).UTC()
	}
	if _, err := e.store.TransitionBatch(ctx, batch.ID, store.BatchActionCreateProvider, updates); err != nil {
		if store.IsWrongState(err) {
			return nil
		}
		return err
	}

	// Requests follow the batch into provider processing.
	if _, err := e.store.TransitionBatchRequests(ctx, batch.ID, store.RequestActionStartProcessing); err != nil {
		return err
	}
	return nil
}

// handlePollProcessing fans a status check out to every batch waiting on the
// provider.
func (e *Engine) handlePollProcessing(ctx context.Context, _ []byte) error {
	batches, err := e.store.BatchesInState(ctx, store.BatchStateProviderProcessing)
	if err != nil {
		return err
	}
	for _, b := range batches {
		if err := e.runner.Enqueue(JobCheckStatus, BatchPayload{BatchID: b.ID},
			jobs.WithMaxRetries(1)); err != nil {
			e.logger.Warn("failed to enqueue status check",
				zap.Uint("batch_id", b.ID), zap.Error(err))
		}
	}
	return nil
}

// handleCheckStatus polls the provider and advances the batch when its
// remote processing finished, expired, or failed.
func (e *Engine) handleCheckStatus(ctx context.Context, batch *store.Batch) error {
	if batch.State != store.BatchStateProviderProcessing || batch.ProviderBatchID == nil {
		return nil
	}
	start := time.Now()
	pb, err := e.provider.CheckStatus(ctx, *batch.ProviderBatchID)
	if e.metrics != nil {
		e.metrics.ObserveProviderPoll(time.Since(start), err == nil)
	}
	if err != nil {
		return e.providerFailure(ctx, batch.ID, "status poll failed", err)
	}

	if err := e.store.UpdateBatchColumns(ctx, batch.ID, map[string]any{
		"provider_status_last_checked_at": time.Now().UTC(),
	}); err != nil {
		return err
	}

	switch pb.Status {
	case openai.BatchStatusCompleted:
		updates := map[string]any{}
		if pb.OutputFileID != "" {
			updates["provider_output_file_id"] = pb.OutputFileID
		}
		if pb.ErrorFileID != "" {
			updates["provider_error_file_id"] = pb.ErrorFileID
		}
		if pb.Usage != nil {
			updates["input_tokens"] = pb.Usage.InputTokens
			updates["cached_input_tokens"] = pb.Usage.CachedInputTokens
			updates["reasoning_tokens"] = pb.Usage.ReasoningTokens
			updates["output_tokens"] = pb.Usage.OutputTokens
		}
		if _, err := e.store.TransitionBatch(ctx, batch.ID, store.BatchActionFinishProcessing, updates); err != nil {
			if store.IsWrongState(err) {
				return nil
			}
			return err
		}
		return e.runner.Enqueue(JobStartDownloading, BatchPayload{BatchID: batch.ID},
			jobs.WithMaxRetries(e.cfg.JobRetries))

	case openai.BatchStatusExpired:
		// Benign: the provider timed the batch out mid-flight. The same
		// input file is re-submitted as a new provider batch.
		if _, err := e.store.TransitionBatch(ctx, batch.ID, store.BatchActionMarkExpired, nil); err != nil {
			if store.IsWrongState(err) {
				return nil
			}
			return err
		}
		e.logger.Warn("provider batch expired, re-creating",
			zap.Uint("batch_id", batch.ID),
			zap.String("provider_batch_id", *batch.ProviderBatchID),
		)
		return e.runner.Enqueue(JobCreateProvider, BatchPayload{BatchID: batch.ID},
			jobs.WithMaxRetries(e.cfg.JobRetries))

	case openai.BatchStatusFailed:
		return e.failBatch(ctx, batch.ID, "provider batch failed")
	case openai.BatchStatusCancelled:
		return e.failBatch(ctx, batch.ID, "provider batch was cancelled upstream")
	default:
		// validating / in_progress / finalizing / cancelling: keep waiting.
		return nil
	}
}

// handleStartDownloading moves the batch onto the serialized processing
// queue.
func (e *Engine) handleStartDownloading(ctx context.Context, batch *store.Batch) error {
	if batch.State != store.BatchStateProviderCompleted {
		return nil
	}
	if _, err := e.store.TransitionBatch(ctx, batch.ID, store.BatchActionStartDownloading, nil); err != nil {
		if store.IsWrongState(err) {
			return nil
		}
		return err
	}
	return e.runner.Enqueue(JobProcessDownloadedFile, BatchPayload{BatchID: batch.ID},
		jobs.WithQueue(QueueProcessing), jobs.WithMaxRetries(e.cfg.JobRetries))
}

// handleExpireStaleBuilding deletes empty aged drafts and flushes non-empty
// ones.
func (e *Engine) handleExpireStaleBuilding(ctx context.Context, _ []byte) error {
	cutoff := time.Now().Add(-e.cfg.StaleBuildingAge)
	batches, err := e.store.StaleBuildingBatches(ctx, cutoff)
	if err != nil {
		return err
	}
	for _, b := range batches {
		count, _, err := e.store.BatchRequestStats(ctx, b.ID)
		if err != nil {
			return err
		}
		if count == 0 {
			e.logger.Info("deleting empty stale batch", zap.Uint("batch_id", b.ID))
			if err := e.store.DeleteBatch(ctx, b.ID); err != nil {
				return err
			}
			continue
		}
		e.logger.Info("flushing stale batch",
			zap.Uint("batch_id", b.ID), zap.Int64("request_count", count))
		if err := e.registry.Flush(ctx, b.Endpoint, b.Model); err != nil {
			e.logger.Warn("stale flush failed", zap.Uint("batch_id", b.ID), zap.Error(err))
		}
	}
	return nil
}

// handleDeleteExpired destroys batches whose retention deadline passed,
// cancelling any still-active provider batch and removing provider files.
func (e *Engine) handleDeleteExpired(ctx context.Context, _ []byte) error {
	batches, err := e.store.ExpiredBatches(ctx, time.Now().UTC())
	if err != nil {
		return err
	}
	for _, b := range batches {
		if b.ProviderBatchID != nil && !b.State.Terminal() {
			if err := e.provider.CancelBatch(ctx, *b.ProviderBatchID); err != nil {
				e.logger.Warn("best-effort provider cancel failed",
					zap.Uint("batch_id", b.ID), zap.Error(err))
			}
		}
		for _, fid := range []*string{b.ProviderInputFileID, b.ProviderOutputFileID, b.ProviderErrorFileID} {
			if fid == nil {
				continue
			}
			if err := e.provider.DeleteFile(ctx, *fid); err != nil {
				e.logger.Warn("best-effort provider file delete failed",
					zap.String("file_id", *fid), zap.Error(err))
			}
		}
		if err := e.files.Remove(b.ID); err != nil {
			e.logger.Warn("failed to remove local batch file", zap.Error(err))
		}
		e.logger.Info("deleting expired batch", zap.Uint("batch_id", b.ID))
		if err := e.store.DeleteBatch(ctx, b.ID); err != nil {
			return err
		}
	}
	return nil
}

// handleRequeueStuck re-enqueues the next action for batches parked in a
// transient state longer than StuckAge. Handlers are state-guarded, so a
// spurious requeue is harmless.
func (e *Engine) handleRequeueStuck(ctx context.Context, _ []byte) error {
	return e.requeueStuck(ctx, time.Now().Add(-e.cfg.StuckAge))
}

func (e *Engine) requeueStuck(ctx context.Context, updatedBefore time.Time) error {
	type next struct {
		job   string
		queue string
	}
	plan := map[store.BatchState]next{
		store.BatchStateUploading:         {JobUpload, QueueUploads},
		store.BatchStateUploaded:          {JobCreateProvider, jobs.DefaultQueue},
		store.BatchStateExpired:           {JobCreateProvider, jobs.DefaultQueue},
		store.BatchStateProviderCompleted: {JobStartDownloading, jobs.DefaultQueue},
		store.BatchStateDownloading:       {JobProcessDownloadedFile, QueueProcessing},
		store.BatchStateReadyToDeliver:    {delivery.JobStartDelivering, QueueProcessing},
		store.BatchStateDelivering:        {delivery.JobStartDelivering, QueueProcessing},
	}
	states := make([]store.BatchState, 0, len(plan))
	for s := range plan {
		states = append(states, s)
	}
	batches, err := e.store.BatchesInState(ctx, states...)
	if err != nil {
		return err
	}
	for _, b := range batches {
		if !updatedBefore.IsZero() && b.UpdatedAt.After(updatedBefore) {
			continue
		}
		n := plan[b.State]
		if err := e.runner.Enqueue(n.job, BatchPayload{BatchID: b.ID},
			jobs.WithQueue(n.queue), jobs.WithMaxRetries(e.cfg.JobRetries)); err != nil {
			e.logger.Warn("requeue failed",
				zap.Uint("batch_id", b.ID), zap.String("job", n.job), zap.Error(err))
		}
	}
	return nil
}

// CancelBatch aborts a batch from any non-terminal state, best-effort
// cancelling the provider side.
func (e *Engine) CancelBatch(ctx context.Context, batchID uint) error {
	batch, err := e.store.GetBatch(ctx, batchID)
	if err != nil {
		return err
	}
	if batch.ProviderBatchID != nil {
		if err := e.provider.CancelBatch(ctx, *batch.ProviderBatchID); err != nil {
			e.logger.Warn("best-effort provider cancel failed",
				zap.Uint("batch_id", batchID), zap.Error(err))
		}
	}
	if _, err := e.store.TransitionBatch(ctx, batchID, store.BatchActionCancel, nil); err != nil {
		return err
	}
	if _, err := e.store.TransitionBatchRequests(ctx, batchID, store.RequestActionCancel); err != nil {
		return err
	}
	return nil
}

// failBatch moves the batch to its failed terminal and cancels whatever
// requests have not reached a terminal state themselves.
func (e *Engine) failBatch(ctx context.Context, batchID uint, msg string) error {
	e.logger.Error("batch failed", zap.Uint("batch_id", batchID), zap.String("reason", msg))
	_, err := e.store.TransitionBatch(ctx, batchID, store.BatchActionFail, map[string]any{
		"error_msg": msg,
	})
	if err != nil {
		if store.IsWrongState(err) {
			return nil
		}
		return err
	}
	if _, err := e.store.TransitionBatchRequests(ctx, batchID, store.RequestActionCancel); err != nil {
		return err
	}
	if e.metrics != nil {
		e.metrics.BatchFailed()
	}
	return nil
}

// providerFailure retries transient provider errors via the job runner and
// fails the batch on permanent ones.
func (e *Engine) providerFailure(ctx context.Context, batchID uint, op string, err error) error {
	var pe *openai.Error
	if errors.As(err, &pe) && pe.Retryable() {
		return fmt.Errorf("%s: %w", op, err)
	}
	return e.failBatch(ctx, batchID, fmt.Sprintf("%s: %v", op, err))
}
