package lifecycle

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/williamwinkler/openai-batch-manager-sub003/delivery"
	"github.com/williamwinkler/openai-batch-manager-sub003/internal/jobs"
	"github.com/williamwinkler/openai-batch-manager-sub003/provider/openai"
	"github.com/williamwinkler/openai-batch-manager-sub003/store"
)

// handleProcessDownloadedFile downloads the provider's output and error
// files, joins their lines back onto requests by custom id, and hands the
// batch to delivery. Per-request transitions are state-guarded, so replaying
// the job after a crash re-processes only what was not recorded yet.
func (e *Engine) handleProcessDownloadedFile(ctx context.Context, batch *store.Batch) error {
	if batch.State != store.BatchStateDownloading {
		return nil
	}

	var seen = make(map[string]bool)

	if batch.ProviderOutputFileID != nil {
		if err := e.joinResultFile(ctx, batch, *batch.ProviderOutputFileID, seen); err != nil {
			return err
		}
	}
	if batch.ProviderErrorFileID != nil {
		if err := e.joinResultFile(ctx, batch, *batch.ProviderErrorFileID, seen); err != nil {
			return err
		}
	}

	// Requests the provider never answered fail explicitly rather than
	// hanging in provider_processing forever.
	leftovers, err := e.store.RequestsInState(ctx, batch.ID, store.RequestStateProviderProcessing)
	if err != nil {
		return err
	}
	for i := range leftovers {
		if seen[leftovers[i].CustomID] {
			continue
		}
		_, err := e.store.TransitionRequest(ctx, leftovers[i].ID, store.RequestActionRecordFailure, map[string]any{
			"error_msg": "no result returned by provider",
		})
		if err != nil && !store.IsWrongState(err) {
			return err
		}
		e.logger.Warn("request missing from provider output",
			zap.Uint("batch_id", batch.ID),
			zap.String("custom_id", leftovers[i].CustomID),
		)
	}

	if _, err := e.store.TransitionBatch(ctx, batch.ID, store.BatchActionFinalize, nil); err != nil {
		if store.IsWrongState(err) {
			return nil
		}
		return err
	}
	e.logger.Info("batch results processed", zap.Uint("batch_id", batch.ID))
	return e.runner.Enqueue(delivery.JobStartDelivering, BatchPayload{BatchID: batch.ID},
		jobs.WithMaxRetries(e.cfg.JobRetries))
}

// joinResultFile streams one provider result file and records each line onto
// its request. Lines whose custom id matches no request are logged and
// skipped.
func (e *Engine) joinResultFile(ctx context.Context, batch *store.Batch, fileID string, seen map[string]bool) error {
	path, err := e.files.TempPath(fmt.Sprintf("results_%d_*.jsonl", batch.ID))
	if err != nil {
		return err
	}
	defer os.Remove(path)

	if _, err := e.provider.DownloadFile(ctx, fileID, path); err != nil {
		return e.providerFailure(ctx, batch.ID, "result download failed", err)
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open result file: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var line openai.OutputLine
		if err := json.Unmarshal(sc.Bytes(), &line); err != nil {
			return e.failBatch(ctx, batch.ID, fmt.Sprintf("malformed provider result line: %v", err))
		}
		if err := e.recordLine(ctx, batch, line, seen); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("failed to read result file: %w", err)
	}
	return nil
}

// recordLine applies a single provider result line to its request.
func (e *Engine) recordLine(ctx context.Context, batch *store.Batch, line openai.OutputLine, seen map[string]bool) error {
	req, err := e.store.FindRequestByCustomID(ctx, batch.ID, line.CustomID)
	if err != nil {
		if err == store.ErrNotFound {
			e.logger.Warn("provider returned unknown custom id",
				zap.Uint("batch_id", batch.ID),
				zap.String("custom_id", line.CustomID),
			)
			return nil
		}
		return err
	}
	seen[line.CustomID] = true

	action := store.RequestActionRecordResult
	updates := map[string]any{}

	switch {
	case line.Error != nil:
		action = store.RequestActionRecordFailure
		updates["error_msg"] = line.Error.Message
	case len(line.Response) == 0:
		action = store.RequestActionRecordFailure
		updates["error_msg"] = "provider result line carried neither response nor error"
	default:
		// The raw response JSON is stored verbatim; the decode is only for
		// classifying the status code.
		resp, derr := line.DecodeResponse()
		if derr != nil {
			action = store.RequestActionRecordFailure
			updates["error_msg"] = fmt.Sprintf("undecodable provider response: %v", derr)
			break
		}
		updates["response_payload"] = string(line.Response)
		if resp != nil && resp.StatusCode >= 400 {
			action = store.RequestActionRecordFailure
			updates["error_msg"] = fmt.Sprintf("provider returned status %d", resp.StatusCode)
		}
	}

	if _, err := e.store.TransitionRequest(ctx, req.ID, action, updates); err != nil {
		if store.IsWrongState(err) {
			// Already recorded by an earlier run of this job.
			return nil
		}
		return err
	}
	if e.metrics != nil {
		e.metrics.RequestProcessed(action == store.RequestActionRecordResult)
	}
	return nil
}
