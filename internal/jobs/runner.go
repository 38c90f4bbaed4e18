// Package jobs provides an in-process job runner with named queues, bounded
// per-queue concurrency, retry with exponential backoff, and periodic
// triggers. Handlers are expected to be idempotent: work is re-derived from
// persisted state on boot, so a lost or duplicated job is harmless as long
// as every action is guarded by a state predicate.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrClosed is returned when enqueueing on a stopped runner.
	ErrClosed = errors.New("job runner closed")
	// ErrQueueFull is returned when a queue's buffer is exhausted.
	ErrQueueFull = errors.New("job queue full")
	// ErrUnknownJob is returned when no handler is registered for a job name.
	ErrUnknownJob = errors.New("unknown job name")
)

// DefaultQueue is used when a job is enqueued without an explicit queue.
const DefaultQueue = "default"

// Handler executes one job. Returning an error triggers a retry until the
// job's retry budget is exhausted.
type Handler func(ctx context.Context, payload []byte) error

// RetryPolicy shapes the delay between job attempts.
type RetryPolicy struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       bool
}

// DefaultRetryPolicy returns the runner's standard backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// Delay computes the wait before the given retry attempt (1-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if p.Jitter {
		// Up to 25% random jitter to spread thundering herds.
		d += d * 0.25 * rand.Float64()
	}
	return time.Duration(d)
}

type job struct {
	id         string
	name       string
	queue      string
	payload    []byte
	attempt    int
	maxRetries int
}

type queue struct {
	name        string
	concurrency int
	ch          chan *job
}

type periodic struct {
	name    string
	every   time.Duration
	payload []byte
	opts    []Option
}

// Options control how a job is enqueued.
type Options struct {
	Queue      string
	Delay      time.Duration
	MaxRetries int
}

// Option mutates enqueue Options.
type Option func(*Options)

// WithQueue routes the job to a named queue.
func WithQueue(name string) Option { return func(o *Options) { o.Queue = name } }

// WithDelay defers the first execution.
func WithDelay(d time.Duration) Option { return func(o *Options) { o.Delay = d } }

// WithMaxRetries sets the retry budget (0 means run exactly once).
func WithMaxRetries(n int) Option { return func(o *Options) { o.MaxRetries = n } }

// Runner dispatches registered jobs over named worker queues.
type Runner struct {
	logger *zap.Logger
	retry  RetryPolicy

	mu        sync.Mutex
	handlers  map[string]Handler
	queues    map[string]*queue
	periodics []periodic

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	started atomic.Bool
	closed  atomic.Bool

	// pending counts jobs that are queued, delayed, or executing. It reaches
	// zero only when no further work can occur without a new Enqueue.
	pending atomic.Int64

	enqueued  atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
}

// NewRunner creates a Runner with a default queue of the given concurrency.
func NewRunner(logger *zap.Logger, defaultConcurrency int) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if defaultConcurrency <= 0 {
		defaultConcurrency = 8
	}
	r := &Runner{
		logger:   logger.With(zap.String("component", "jobs")),
		retry:    DefaultRetryPolicy(),
		handlers: make(map[string]Handler),
		queues:   make(map[string]*queue),
	}
	r.Queue(DefaultQueue, defaultConcurrency)
	return r
}

// SetRetryPolicy overrides the backoff policy. Must be called before Start.
func (r *Runner) SetRetryPolicy(p RetryPolicy) { r.retry = p }

// Queue declares a named queue with a concurrency bound. Redeclaring an
// existing queue before Start adjusts its concurrency.
func (r *Runner) Queue(name string, concurrency int) {
	if concurrency <= 0 {
		concurrency = 1
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if q, ok := r.queues[name]; ok {
		q.concurrency = concurrency
		return
	}
	r.queues[name] = &queue{
		name:        name,
		concurrency: concurrency,
		ch:          make(chan *job, 4096),
	}
}

// Register binds a handler to a job name.
func (r *Runner) Register(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
}

// Periodic schedules a job to be enqueued on a fixed interval once the
// runner starts.
func (r *Runner) Periodic(name string, every time.Duration, payload any, opts ...Option) error {
	raw, err := marshalPayload(payload)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.periodics = append(r.periodics, periodic{name: name, every: every, payload: raw, opts: opts})
	return nil
}

// Start launches the queue workers and periodic tickers.
func (r *Runner) Start(ctx context.Context) {
	if r.started.Swap(true) {
		return
	}
	r.ctx, r.cancel = context.WithCancel(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, q := range r.queues {
		for i := 0; i < q.concurrency; i++ {
			r.wg.Add(1)
			go r.worker(q)
		}
	}
	for _, p := range r.periodics {
		p := p
		r.wg.Add(1)
		go r.tick(p)
	}
}

// Stop cancels workers and waits for in-flight jobs to finish.
func (r *Runner) Stop() {
	if r.closed.Swap(true) {
		return
	}
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

// Enqueue submits a job by name. The payload is JSON-encoded unless it is
// already raw bytes.
func (r *Runner) Enqueue(name string, payload any, opts ...Option) error {
	if r.closed.Load() {
		return ErrClosed
	}
	r.mu.Lock()
	_, known := r.handlers[name]
	r.mu.Unlock()
	if !known {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}

	o := Options{Queue: DefaultQueue}
	for _, opt := range opts {
		opt(&o)
	}
	raw, err := marshalPayload(payload)
	if err != nil {
		return err
	}

	j := &job{
		id:         uuid.NewString(),
		name:       name,
		queue:      o.Queue,
		payload:    raw,
		maxRetries: o.MaxRetries,
	}
	r.enqueued.Add(1)
	r.pending.Add(1)
	if o.Delay > 0 {
		r.schedule(j, o.Delay)
		return nil
	}
	if err := r.push(j); err != nil {
		r.pending.Add(-1)
		return err
	}
	return nil
}

// WaitIdle blocks until no queued, delayed, or executing jobs remain, or the
// timeout elapses. Intended for tests and graceful shutdown.
func (r *Runner) WaitIdle(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if r.pending.Load() == 0 {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return r.pending.Load() == 0
}

// Stats reports runner counters.
func (r *Runner) Stats() (enqueued, completed, failed, pending int64) {
	return r.enqueued.Load(), r.completed.Load(), r.failed.Load(), r.pending.Load()
}

func (r *Runner) push(j *job) error {
	r.mu.Lock()
	q, ok := r.queues[j.queue]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown queue %q", j.queue)
	}
	select {
	case q.ch <- j:
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrQueueFull, j.queue)
	}
}

func (r *Runner) schedule(j *job, delay time.Duration) {
	timer := time.AfterFunc(delay, func() {
		if r.closed.Load() {
			r.pending.Add(-1)
			return
		}
		if err := r.push(j); err != nil {
			r.pending.Add(-1)
			r.failed.Add(1)
			r.logger.Error("failed to enqueue delayed job",
				zap.String("job", j.name), zap.Error(err))
		}
	})
	_ = timer
}

func (r *Runner) worker(q *queue) {
	defer r.wg.Done()
	for {
		select {
		case <-r.ctx.Done():
			return
		case j := <-q.ch:
			r.run(j)
		}
	}
}

func (r *Runner) run(j *job) {
	r.mu.Lock()
	h := r.handlers[j.name]
	r.mu.Unlock()
	if h == nil {
		r.pending.Add(-1)
		r.failed.Add(1)
		r.logger.Error("no handler for job", zap.String("job", j.name))
		return
	}

	err := r.invoke(h, j)
	if err == nil {
		r.pending.Add(-1)
		r.completed.Add(1)
		return
	}

	if j.attempt < j.maxRetries {
		j.attempt++
		delay := r.retry.Delay(j.attempt)
		r.logger.Warn("job failed, retrying",
			zap.String("job", j.name),
			zap.String("queue", j.queue),
			zap.Int("attempt", j.attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		r.schedule(j, delay)
		return
	}

	r.pending.Add(-1)
	r.failed.Add(1)
	r.logger.Error("job failed permanently",
		zap.String("job", j.name),
		zap.String("queue", j.queue),
		zap.Int("attempts", j.attempt+1),
		zap.Error(err),
	)
}

func (r *Runner) invoke(h Handler, j *job) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("job panicked: %v", rec)
		}
	}()
	return h(r.ctx, j.payload)
}

func (r *Runner) tick(p periodic) {
	defer r.wg.Done()
	ticker := time.NewTicker(p.every)
	defer ticker.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			if err := r.Enqueue(p.name, json.RawMessage(p.payload), p.opts...); err != nil && !errors.Is(err, ErrClosed) {
				r.logger.Warn("periodic enqueue failed",
					zap.String("job", p.name), zap.Error(err))
			}
		}
	}
}

func marshalPayload(payload any) ([]byte, error) {
	switch v := payload.(type) {
	case nil:
		return nil, nil
	case []byte:
		return v, nil
	case json.RawMessage:
		return v, nil
	default:
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode job payload: %w", err)
		}
		return raw, nil
	}
}
