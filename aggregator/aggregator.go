// Package aggregator serializes admission of requests into the open batch
// for each (endpoint, model) key. One actor goroutine owns each key's draft
// batch; distinct keys run in parallel. An actor is temporary: once its
// batch closes (capacity, explicit flush, or an out-of-band state change
// observed on the bus) the actor terminates and the next admit spawns a
// fresh one with a fresh batch.
package aggregator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/williamwinkler/openai-batch-manager-sub003/internal/bus"
	"github.com/williamwinkler/openai-batch-manager-sub003/store"
)

var (
	// ErrBatchFull is returned when admitting would exceed the batch's count
	// or byte capacity. The previous batch has been closed; retrying once
	// lands in a fresh batch (unless a single payload alone exceeds the byte
	// cap, which can never be admitted).
	ErrBatchFull = errors.New("batch full")

	// ErrBatchNotBuilding is returned when the draft batch changed state
	// mid-admission. Callers retry once.
	ErrBatchNotBuilding = errors.New("batch not building")
)

// Key identifies one aggregator.
type Key struct {
	Endpoint string
	Model    string
}

// Submission is an admission candidate. Payload must already be the
// canonical serialized request body.
type Submission struct {
	CustomID       string
	Payload        json.RawMessage
	DeliveryConfig store.DeliveryConfig
}

// Snapshot is a point-in-time view of one aggregator's draft batch.
type Snapshot struct {
	BatchID      uint  `json:"batch_id"`
	RequestCount int64 `json:"request_count"`
	SizeBytes    int64 `json:"size_bytes"`
}

// Config bounds batch capacity.
type Config struct {
	MaxRequestsPerBatch int
	MaxBatchSizeBytes   int64
	// SoftSizeWarnBytes logs a warning when the draft batch crosses it.
	SoftSizeWarnBytes int64

	// OnBatchClosed is invoked after a batch transitions out of building,
	// typically to enqueue the upload job.
	OnBatchClosed func(batchID uint)
}

type cmdKind int

const (
	cmdAdmit cmdKind = iota
	cmdFlush
	cmdSnapshot
)

type command struct {
	kind cmdKind
	ctx  context.Context
	sub  Submission
	resp chan response
}

type response struct {
	req  *store.Request
	snap Snapshot
	err  error
}

// errActorDone signals the caller raced with actor termination.
var errActorDone = errors.New("aggregator terminated")

type actor struct {
	key    Key
	cfg    Config
	store  *store.Store
	bus    bus.Bus
	logger *zap.Logger

	cmds     chan command
	done     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once

	batchID uint
	count   int64
	bytes   int64
	warned  bool
}

func (a *actor) send(ctx context.Context, cmd command) (response, error) {
	select {
	case a.cmds <- cmd:
	case <-a.done:
		return response{}, errActorDone
	case <-ctx.Done():
		return response{}, ctx.Err()
	}
	select {
	case resp := <-cmd.resp:
		return resp, nil
	case <-ctx.Done():
		return response{}, ctx.Err()
	}
}

func (a *actor) run(onExit func()) {
	defer close(a.done)
	defer onExit()

	if err := a.init(); err != nil {
		a.logger.Error("aggregator init failed", zap.Error(err))
		a.reportInitFailure(err)
		return
	}

	stateEvents, cancelState := a.bus.Subscribe(bus.TopicBatchStateChanged)
	defer cancelState()
	destroyEvents, cancelDestroy := a.bus.Subscribe(bus.TopicBatchDestroyed)
	defer cancelDestroy()

	for {
		select {
		case cmd := <-a.cmds:
			if terminate := a.handle(cmd); terminate {
				return
			}
		case ev, ok := <-stateEvents:
			if !ok {
				// Bus closed underneath us; nothing left to observe.
				return
			}
			if a.matchesForeignChange(ev) {
				a.logger.Info("draft batch advanced out-of-band, terminating aggregator",
					zap.Uint("batch_id", a.batchID))
				return
			}
		case ev, ok := <-destroyEvents:
			if !ok {
				return
			}
			if a.matchesDestroy(ev) {
				a.logger.Info("draft batch destroyed, terminating aggregator",
					zap.Uint("batch_id", a.batchID))
				return
			}
		case <-a.stop:
			return
		}
	}
}

func (a *actor) init() error {
	ctx := context.Background()
	batch, err := a.store.FindBuildingBatch(ctx, a.key.Endpoint, a.key.Model)
	if errors.Is(err, store.ErrNotFound) {
		batch, err = a.store.CreateBatch(ctx, a.key.Endpoint, a.key.Model)
	}
	if err != nil {
		return fmt.Errorf("failed to open draft batch: %w", err)
	}
	a.batchID = batch.ID

	// Counters are rebuilt from the store, never trusted across restarts.
	count, bytes, err := a.store.BatchRequestStats(ctx, batch.ID)
	if err != nil {
		return fmt.Errorf("failed to load batch stats: %w", err)
	}
	a.count, a.bytes = count, bytes
	return nil
}

// reportInitFailure hands the init error to the caller whose admit spawned
// this actor. Terminating without answering would make Admit treat the exit
// as a benign race and respawn immediately, hammering a down store in a
// tight loop.
func (a *actor) reportInitFailure(err error) {
	err = fmt.Errorf("aggregator unavailable: %w", err)
	select {
	case cmd := <-a.cmds:
		cmd.resp <- response{err: err}
	case <-a.stop:
	}
	a.drain(err)
}

func (a *actor) drain(err error) {
	for {
		select {
		case cmd := <-a.cmds:
			cmd.resp <- response{err: err}
		default:
			return
		}
	}
}

func (a *actor) matchesForeignChange(ev bus.Event) bool {
	var be bus.BatchEvent
	if json.Unmarshal(ev.Payload, &be) != nil {
		return false
	}
	return be.BatchID == a.batchID && be.State != string(store.BatchStateBuilding)
}

func (a *actor) matchesDestroy(ev bus.Event) bool {
	var be bus.BatchEvent
	if json.Unmarshal(ev.Payload, &be) != nil {
		return false
	}
	return be.BatchID == a.batchID
}

// handle processes one command and reports whether the actor should
// terminate afterwards.
func (a *actor) handle(cmd command) bool {
	switch cmd.kind {
	case cmdSnapshot:
		cmd.resp <- response{snap: Snapshot{BatchID: a.batchID, RequestCount: a.count, SizeBytes: a.bytes}}
		return false
	case cmdFlush:
		if a.count == 0 {
			cmd.resp <- response{}
			return false
		}
		err := a.closeBatch(cmd.ctx)
		cmd.resp <- response{err: err}
		return true
	case cmdAdmit:
		return a.admit(cmd)
	default:
		cmd.resp <- response{err: fmt.Errorf("unknown aggregator command %d", cmd.kind)}
		return false
	}
}

func (a *actor) admit(cmd command) bool {
	ctx := cmd.ctx
	sub := cmd.sub
	size := int64(len(sub.Payload))

	// A payload that alone exceeds the byte cap can never be admitted.
	if size > a.cfg.MaxBatchSizeBytes {
		cmd.resp <- response{err: ErrBatchFull}
		return false
	}

	if a.count+1 > int64(a.cfg.MaxRequestsPerBatch) || a.bytes+size > a.cfg.MaxBatchSizeBytes {
		// Close the full batch so the caller's retry opens a fresh one.
		if err := a.closeBatch(ctx); err != nil {
			cmd.resp <- response{err: err}
			return true
		}
		cmd.resp <- response{err: ErrBatchFull}
		return true
	}

	existing, err := a.store.FindRequestByCustomID(ctx, a.batchID, sub.CustomID)
	if err == nil && existing != nil {
		cmd.resp <- response{err: store.ErrDuplicateCustomID}
		return false
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		cmd.resp <- response{err: err}
		return false
	}

	cfgRaw, err := sub.DeliveryConfig.Encode()
	if err != nil {
		cmd.resp <- response{err: err}
		return false
	}
	req := &store.Request{
		BatchID:            a.batchID,
		CustomID:           sub.CustomID,
		Endpoint:           a.key.Endpoint,
		Model:              a.key.Model,
		RequestPayload:     string(sub.Payload),
		RequestPayloadSize: size,
		DeliveryConfig:     cfgRaw,
	}
	if err := a.store.CreateRequest(ctx, req); err != nil {
		// Persistence failure leaves the aggregator untouched.
		cmd.resp <- response{err: err}
		return false
	}

	a.count++
	a.bytes += size
	if !a.warned && a.cfg.SoftSizeWarnBytes > 0 && a.bytes >= a.cfg.SoftSizeWarnBytes {
		a.warned = true
		a.logger.Warn("draft batch crossed soft size threshold",
			zap.Uint("batch_id", a.batchID),
			zap.Int64("size_bytes", a.bytes),
			zap.Int64("soft_limit", a.cfg.SoftSizeWarnBytes),
		)
	}
	cmd.resp <- response{req: req}

	if a.count >= int64(a.cfg.MaxRequestsPerBatch) || a.bytes >= a.cfg.MaxBatchSizeBytes {
		if err := a.closeBatch(context.Background()); err != nil {
			a.logger.Error("failed to close full batch", zap.Error(err))
		}
		return true
	}
	return false
}

// closeBatch transitions the draft out of building and hands it to the
// upload pipeline.
func (a *actor) closeBatch(ctx context.Context) error {
	_, err := a.store.TransitionBatch(ctx, a.batchID, store.BatchActionStartUpload, nil)
	if err != nil {
		if store.IsWrongState(err) {
			// Someone else moved the batch already; the upload job is
			// theirs to enqueue.
			return ErrBatchNotBuilding
		}
		return err
	}
	a.logger.Info("batch closed for upload",
		zap.Uint("batch_id", a.batchID),
		zap.Int64("request_count", a.count),
		zap.Int64("size_bytes", a.bytes),
	)
	if a.cfg.OnBatchClosed != nil {
		a.cfg.OnBatchClosed(a.batchID)
	}
	return nil
}
