package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// EventPublisher receives store-level lifecycle notifications. Transitions
// and deletions are announced after the owning transaction commits so that
// in-memory coordinators (the aggregator registry) can react to changes they
// did not initiate themselves.
type EventPublisher interface {
	BatchStateChanged(ctx context.Context, batchID uint, state BatchState)
	BatchDestroyed(ctx context.Context, batchID uint)
}

// Store wraps the SQL database behind typed batch/request operations.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
	events EventPublisher
}

// New creates a Store on top of an open GORM connection.
func New(db *gorm.DB, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, logger: logger}
}

// SetEventPublisher wires post-commit notifications. Optional.
func (s *Store) SetEventPublisher(p EventPublisher) { s.events = p }

// DB exposes the underlying connection for migrations and health checks.
func (s *Store) DB() *gorm.DB { return s.db }

// AutoMigrate creates or updates the schema for all store models.
func (s *Store) AutoMigrate() error {
	if err := s.db.AutoMigrate(
		&Batch{},
		&Request{},
		&BatchTransition{},
		&RequestTransition{},
		&RequestDeliveryAttempt{},
	); err != nil {
		return fmt.Errorf("failed to auto migrate: %w", err)
	}
	return nil
}

// CreateBatch inserts a new batch in the building state together with its
// initial transition row.
func (s *Store) CreateBatch(ctx context.Context, endpoint, model string) (*Batch, error) {
	now := time.Now().UTC()
	batch := &Batch{
		Endpoint: endpoint,
		Model:    model,
		State:    BatchStateBuilding,
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(batch).Error; err != nil {
			return fmt.Errorf("failed to create batch: %w", err)
		}
		return tx.Create(&BatchTransition{
			BatchID:        batch.ID,
			From:           nil,
			To:             string(BatchStateBuilding),
			TransitionedAt: now,
		}).Error
	})
	if err != nil {
		return nil, err
	}
	return batch, nil
}

// GetBatch loads a batch by ID.
func (s *Store) GetBatch(ctx context.Context, id uint) (*Batch, error) {
	var batch Batch
	if err := s.db.WithContext(ctx).First(&batch, id).Error; err != nil {
		return nil, translateNotFound(err)
	}
	return &batch, nil
}

// FindBuildingBatch returns the open batch for (endpoint, model), or
// ErrNotFound when no batch is currently building for that key.
func (s *Store) FindBuildingBatch(ctx context.Context, endpoint, model string) (*Batch, error) {
	var batch Batch
	err := s.db.WithContext(ctx).
		Where("endpoint = ? AND model = ? AND state = ?", endpoint, model, BatchStateBuilding).
		Order("id").
		First(&batch).Error
	if err != nil {
		return nil, translateNotFound(err)
	}
	return &batch, nil
}

// BatchesInState lists batches in any of the given states.
func (s *Store) BatchesInState(ctx context.Context, states ...BatchState) ([]Batch, error) {
	var batches []Batch
	err := s.db.WithContext(ctx).
		Where("state IN ?", states).
		Order("id").
		Find(&batches).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list batches: %w", err)
	}
	return batches, nil
}

// StaleBuildingBatches lists building batches created before the cutoff.
func (s *Store) StaleBuildingBatches(ctx context.Context, cutoff time.Time) ([]Batch, error) {
	var batches []Batch
	err := s.db.WithContext(ctx).
		Where("state = ? AND created_at < ?", BatchStateBuilding, cutoff).
		Order("id").
		Find(&batches).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list stale building batches: %w", err)
	}
	return batches, nil
}

// ExpiredBatches lists batches whose expires_at has passed.
func (s *Store) ExpiredBatches(ctx context.Context, now time.Time) ([]Batch, error) {
	var batches []Batch
	err := s.db.WithContext(ctx).
		Where("expires_at IS NOT NULL AND expires_at < ?", now).
		Order("id").
		Find(&batches).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list expired batches: %w", err)
	}
	return batches, nil
}

// CreateRequest inserts a new request in the pending state and writes its
// initial transition row. A duplicate custom_id within the same batch maps
// to ErrDuplicateCustomID.
func (s *Store) CreateRequest(ctx context.Context, req *Request) error {
	now := time.Now().UTC()
	req.State = RequestStatePending
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(req).Error; err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicateCustomID
			}
			return fmt.Errorf("failed to create request: %w", err)
		}
		return tx.Create(&RequestTransition{
			RequestID:      req.ID,
			From:           nil,
			To:             string(RequestStatePending),
			TransitionedAt: now,
		}).Error
	})
	return err
}

// GetRequest loads a request by ID.
func (s *Store) GetRequest(ctx context.Context, id uint) (*Request, error) {
	var req Request
	if err := s.db.WithContext(ctx).First(&req, id).Error; err != nil {
		return nil, translateNotFound(err)
	}
	return &req, nil
}

// FindRequestByCustomID looks up a request inside one batch.
func (s *Store) FindRequestByCustomID(ctx context.Context, batchID uint, customID string) (*Request, error) {
	var req Request
	err := s.db.WithContext(ctx).
		Where("batch_id = ? AND custom_id = ?", batchID, customID).
		First(&req).Error
	if err != nil {
		return nil, translateNotFound(err)
	}
	return &req, nil
}

// LookupRequest finds the most recent request with the given custom_id
// across all batches. Used by the read edge.
func (s *Store) LookupRequest(ctx context.Context, customID string) (*Request, error) {
	var req Request
	err := s.db.WithContext(ctx).
		Where("custom_id = ?", customID).
		Order("id DESC").
		First(&req).Error
	if err != nil {
		return nil, translateNotFound(err)
	}
	return &req, nil
}

// RequestsInState lists a batch's requests in any of the given states.
func (s *Store) RequestsInState(ctx context.Context, batchID uint, states ...RequestState) ([]Request, error) {
	var reqs []Request
	err := s.db.WithContext(ctx).
		Where("batch_id = ? AND state IN ?", batchID, states).
		Order("id").
		Find(&reqs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list requests: %w", err)
	}
	return reqs, nil
}

// BatchRequests lists every request belonging to a batch.
func (s *Store) BatchRequests(ctx context.Context, batchID uint) ([]Request, error) {
	var reqs []Request
	err := s.db.WithContext(ctx).
		Where("batch_id = ?", batchID).
		Order("id").
		Find(&reqs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list requests: %w", err)
	}
	return reqs, nil
}

// BatchRequestStats returns the request count and summed payload size of a
// batch. These are the authoritative admission counters; the aggregator's
// in-memory copies are rebuilt from here.
func (s *Store) BatchRequestStats(ctx context.Context, batchID uint) (count int64, bytes int64, err error) {
	row := struct {
		Count int64
		Bytes int64
	}{}
	err = s.db.WithContext(ctx).
		Model(&Request{}).
		Select("COUNT(*) AS count, COALESCE(SUM(request_payload_size), 0) AS bytes").
		Where("batch_id = ?", batchID).
		Scan(&row).Error
	if err != nil {
		return 0, 0, fmt.Errorf("failed to aggregate batch stats: %w", err)
	}
	return row.Count, row.Bytes, nil
}

// CountRequestsByState returns per-state request counts for a batch.
func (s *Store) CountRequestsByState(ctx context.Context, batchID uint) (map[RequestState]int64, error) {
	rows := []struct {
		State RequestState
		N     int64
	}{}
	err := s.db.WithContext(ctx).
		Model(&Request{}).
		Select("state, COUNT(*) AS n").
		Where("batch_id = ?", batchID).
		Group("state").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to count requests by state: %w", err)
	}
	counts := make(map[RequestState]int64, len(rows))
	for _, r := range rows {
		counts[r.State] = r.N
	}
	return counts, nil
}

// TransitionBatch fires a batch state-machine action. The state column is
// updated conditionally (UPDATE ... WHERE state = current) and the audit row
// is written in the same transaction; extra columns may be updated alongside
// the state. Returns WrongStateError when the action is not allowed or a
// concurrent writer won the race.
func (s *Store) TransitionBatch(ctx context.Context, id uint, action BatchAction, updates map[string]any) (*Batch, error) {
	target, ok := BatchActionTarget(action)
	if !ok {
		return nil, fmt.Errorf("unknown batch action %q", action)
	}
	now := time.Now().UTC()
	var from BatchState
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var batch Batch
		if err := tx.First(&batch, id).Error; err != nil {
			return translateNotFound(err)
		}
		from = batch.State
		if !BatchActionAllowed(action, from) {
			return &WrongStateError{Entity: "batch", ID: id, Action: string(action), State: string(from)}
		}

		cols := map[string]any{"state": target, "updated_at": now}
		for k, v := range updates {
			cols[k] = v
		}
		res := tx.Model(&Batch{}).
			Where("id = ? AND state = ?", id, from).
			Updates(cols)
		if res.Error != nil {
			return fmt.Errorf("failed to transition batch: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return &WrongStateError{Entity: "batch", ID: id, Action: string(action), State: string(from)}
		}

		fromStr := string(from)
		return tx.Create(&BatchTransition{
			BatchID:        id,
			From:           &fromStr,
			To:             string(target),
			TransitionedAt: now,
		}).Error
	})
	if err != nil {
		return nil, err
	}
	s.logger.Debug("batch transitioned",
		zap.Uint("batch_id", id),
		zap.String("action", string(action)),
		zap.String("from", string(from)),
		zap.String("to", string(target)),
	)
	if s.events != nil {
		s.events.BatchStateChanged(ctx, id, target)
	}
	return s.GetBatch(ctx, id)
}

// TransitionRequest fires a request state-machine action with the same
// guarded-update semantics as TransitionBatch.
func (s *Store) TransitionRequest(ctx context.Context, id uint, action RequestAction, updates map[string]any) (*Request, error) {
	target, ok := RequestActionTarget(action)
	if !ok {
		return nil, fmt.Errorf("unknown request action %q", action)
	}
	now := time.Now().UTC()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var req Request
		if err := tx.First(&req, id).Error; err != nil {
			return translateNotFound(err)
		}
		from := req.State
		if !RequestActionAllowed(action, from) {
			return &WrongStateError{Entity: "request", ID: id, Action: string(action), State: string(from)}
		}

		cols := map[string]any{"state": target, "updated_at": now}
		for k, v := range updates {
			cols[k] = v
		}
		res := tx.Model(&Request{}).
			Where("id = ? AND state = ?", id, from).
			Updates(cols)
		if res.Error != nil {
			return fmt.Errorf("failed to transition request: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return &WrongStateError{Entity: "request", ID: id, Action: string(action), State: string(from)}
		}

		fromStr := string(from)
		return tx.Create(&RequestTransition{
			RequestID:      id,
			From:           &fromStr,
			To:             string(target),
			TransitionedAt: now,
		}).Error
	})
	if err != nil {
		return nil, err
	}
	return s.GetRequest(ctx, id)
}

// TransitionBatchRequests fires action on every request of the batch that is
// currently in an eligible source state, writing one transition row per
// affected request. Requests in other states are left untouched, which makes
// replays of the surrounding job a no-op.
func (s *Store) TransitionBatchRequests(ctx context.Context, batchID uint, action RequestAction) (int64, error) {
	edge, ok := requestEdges[action]
	if !ok {
		return 0, fmt.Errorf("unknown request action %q", action)
	}
	now := time.Now().UTC()
	var affected int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var reqs []Request
		if err := tx.Select("id", "state").
			Where("batch_id = ? AND state IN ?", batchID, edge.from).
			Find(&reqs).Error; err != nil {
			return fmt.Errorf("failed to list eligible requests: %w", err)
		}
		if len(reqs) == 0 {
			return nil
		}

		transitions := make([]RequestTransition, 0, len(reqs))
		for _, r := range reqs {
			fromStr := string(r.State)
			res := tx.Model(&Request{}).
				Where("id = ? AND state = ?", r.ID, r.State).
				Updates(map[string]any{"state": edge.to, "updated_at": now})
			if res.Error != nil {
				return fmt.Errorf("failed to transition request %d: %w", r.ID, res.Error)
			}
			if res.RowsAffected == 0 {
				continue
			}
			affected++
			transitions = append(transitions, RequestTransition{
				RequestID:      r.ID,
				From:           &fromStr,
				To:             string(edge.to),
				TransitionedAt: now,
			})
		}
		if len(transitions) == 0 {
			return nil
		}
		return tx.Create(&transitions).Error
	})
	if err != nil {
		return 0, err
	}
	return affected, nil
}

// UpdateBatchColumns updates bookkeeping columns that are not guarded by the
// state machine (e.g. provider_status_last_checked_at).
func (s *Store) UpdateBatchColumns(ctx context.Context, id uint, updates map[string]any) error {
	res := s.db.WithContext(ctx).Model(&Batch{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("failed to update batch: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteBatch destroys a batch and cascades to its requests, transition logs
// and delivery attempts.
func (s *Store) DeleteBatch(ctx context.Context, id uint) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub := tx.Model(&Request{}).Select("id").Where("batch_id = ?", id)
		if err := tx.Where("request_id IN (?)", sub).Delete(&RequestDeliveryAttempt{}).Error; err != nil {
			return fmt.Errorf("failed to delete delivery attempts: %w", err)
		}
		if err := tx.Where("request_id IN (?)", sub).Delete(&RequestTransition{}).Error; err != nil {
			return fmt.Errorf("failed to delete request transitions: %w", err)
		}
		if err := tx.Where("batch_id = ?", id).Delete(&Request{}).Error; err != nil {
			return fmt.Errorf("failed to delete requests: %w", err)
		}
		if err := tx.Where("batch_id = ?", id).Delete(&BatchTransition{}).Error; err != nil {
			return fmt.Errorf("failed to delete batch transitions: %w", err)
		}
		if err := tx.Delete(&Batch{}, id).Error; err != nil {
			return fmt.Errorf("failed to delete batch: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if s.events != nil {
		s.events.BatchDestroyed(ctx, id)
	}
	return nil
}

// CreateDeliveryAttempt appends one delivery attempt row.
func (s *Store) CreateDeliveryAttempt(ctx context.Context, attempt *RequestDeliveryAttempt) error {
	if attempt.AttemptedAt.IsZero() {
		attempt.AttemptedAt = time.Now().UTC()
	}
	if err := s.db.WithContext(ctx).Create(attempt).Error; err != nil {
		return fmt.Errorf("failed to create delivery attempt: %w", err)
	}
	return nil
}

// CountDeliveryAttempts counts attempts recorded for a request.
func (s *Store) CountDeliveryAttempts(ctx context.Context, requestID uint) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).
		Model(&RequestDeliveryAttempt{}).
		Where("request_id = ?", requestID).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count delivery attempts: %w", err)
	}
	return n, nil
}

// DeliveryAttemptsForRequest lists attempts in chronological order.
func (s *Store) DeliveryAttemptsForRequest(ctx context.Context, requestID uint) ([]RequestDeliveryAttempt, error) {
	var attempts []RequestDeliveryAttempt
	err := s.db.WithContext(ctx).
		Where("request_id = ?", requestID).
		Order("id").
		Find(&attempts).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list delivery attempts: %w", err)
	}
	return attempts, nil
}

// BatchTransitions lists a batch's audit trail in order.
func (s *Store) BatchTransitions(ctx context.Context, batchID uint) ([]BatchTransition, error) {
	var ts []BatchTransition
	err := s.db.WithContext(ctx).
		Where("batch_id = ?", batchID).
		Order("id").
		Find(&ts).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list batch transitions: %w", err)
	}
	return ts, nil
}

// RequestTransitions lists a request's audit trail in order.
func (s *Store) RequestTransitions(ctx context.Context, requestID uint) ([]RequestTransition, error) {
	var ts []RequestTransition
	err := s.db.WithContext(ctx).
		Where("request_id = ?", requestID).
		Order("id").
		Find(&ts).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list request transitions: %w", err)
	}
	return ts, nil
}

func translateNotFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

// isUniqueViolation detects unique-constraint errors across the supported
// dialects (postgres, mysql, sqlite).
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value") ||
		strings.Contains(msg, "Duplicate entry")
}
