package aggregator

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/williamwinkler/openai-batch-manager-sub003/internal/bus"
	"github.com/williamwinkler/openai-batch-manager-sub003/store"
)

// Registry spawns and routes to the per-key aggregator actors.
type Registry struct {
	store  *store.Store
	bus    bus.Bus
	cfg    Config
	logger *zap.Logger

	mu     sync.Mutex
	actors map[Key]*actor
	wg     sync.WaitGroup
}

// NewRegistry creates an empty registry.
func NewRegistry(st *store.Store, b bus.Bus, cfg Config, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxRequestsPerBatch <= 0 {
		cfg.MaxRequestsPerBatch = 50_000
	}
	if cfg.MaxBatchSizeBytes <= 0 {
		cfg.MaxBatchSizeBytes = 200 * 1024 * 1024
	}
	return &Registry{
		store:  st,
		bus:    b,
		cfg:    cfg,
		logger: logger.With(zap.String("component", "aggregator")),
		actors: make(map[Key]*actor),
	}
}

// Admit routes a submission to the key's aggregator, spawning one on first
// use. When the target actor terminates mid-call the submission is resent to
// a fresh actor; capacity errors are surfaced to the caller.
func (r *Registry) Admit(ctx context.Context, endpoint, model string, sub Submission) (*store.Request, error) {
	key := Key{Endpoint: endpoint, Model: model}
	for {
		a := r.getOrSpawn(key)
		resp, err := a.send(ctx, command{kind: cmdAdmit, ctx: ctx, sub: sub, resp: make(chan response, 1)})
		if errors.Is(err, errActorDone) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return resp.req, resp.err
	}
}

// Flush force-closes the key's current draft batch. A key with no open batch
// is a no-op.
func (r *Registry) Flush(ctx context.Context, endpoint, model string) error {
	key := Key{Endpoint: endpoint, Model: model}

	r.mu.Lock()
	a, live := r.actors[key]
	r.mu.Unlock()
	if !live {
		// Avoid spawning (and thereby creating an empty draft batch) when
		// nothing is building for the key.
		if _, err := r.store.FindBuildingBatch(ctx, endpoint, model); errors.Is(err, store.ErrNotFound) {
			return nil
		} else if err != nil {
			return err
		}
		a = r.getOrSpawn(key)
	}

	resp, err := a.send(ctx, command{kind: cmdFlush, ctx: ctx, resp: make(chan response, 1)})
	if errors.Is(err, errActorDone) {
		return nil
	}
	if err != nil {
		return err
	}
	return resp.err
}

// State returns a snapshot of the key's draft batch, or false when no
// aggregator is live for the key.
func (r *Registry) State(ctx context.Context, endpoint, model string) (Snapshot, bool) {
	r.mu.Lock()
	a, live := r.actors[Key{Endpoint: endpoint, Model: model}]
	r.mu.Unlock()
	if !live {
		return Snapshot{}, false
	}
	resp, err := a.send(ctx, command{kind: cmdSnapshot, ctx: ctx, resp: make(chan response, 1)})
	if err != nil {
		return Snapshot{}, false
	}
	return resp.snap, true
}

// Shutdown stops all live actors and waits for them. Draft batches stay in
// building and are re-adopted on the next boot.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	for _, a := range r.actors {
		a.stopOnce.Do(func() { close(a.stop) })
	}
	r.mu.Unlock()
	r.wg.Wait()
}

func (r *Registry) getOrSpawn(key Key) *actor {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.actors[key]; ok {
		select {
		case <-a.done:
			// Terminated but not yet removed; fall through and replace.
		default:
			return a
		}
	}
	a := &actor{
		key:    key,
		cfg:    r.cfg,
		store:  r.store,
		bus:    r.bus,
		logger: r.logger.With(zap.String("endpoint", key.Endpoint), zap.String("model", key.Model)),
		cmds:   make(chan command),
		done:   make(chan struct{}),
		stop:   make(chan struct{}),
	}
	r.actors[key] = a
	r.wg.Add(1)
	go a.run(func() {
		defer r.wg.Done()
		r.mu.Lock()
		if r.actors[key] == a {
			delete(r.actors, key)
		}
		r.mu.Unlock()
	})
	return a
}
