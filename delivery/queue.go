package delivery

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// QueuePublisher publishes result payloads to AMQP destinations.
type QueuePublisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body []byte) Result
	Connected() bool
	ClearDestinationCache(exchange, routingKey string)
	ClearAllCache()
}

// QueueSinkConfig tunes the AMQP sink.
type QueueSinkConfig struct {
	// URL is the broker address (amqp://...). Empty disables the sink;
	// publishes then return rabbitmq_not_configured.
	URL string
	// PoolSize is the publisher partition count. Publishes for the same
	// destination always land on the same partition, preserving order.
	// Defaults to 4.
	PoolSize int
	// ConfirmTimeout bounds the wait for a publisher confirm. Defaults to 5s.
	ConfirmTimeout time.Duration
	// FailureTTL is how long a failed destination is served from cache
	// before the broker is asked again. Defaults to 5m.
	FailureTTL time.Duration
	// ReconnectBase and ReconnectMax bound the reconnect backoff.
	ReconnectBase time.Duration
	ReconnectMax  time.Duration
}

func (c *QueueSinkConfig) applyDefaults() {
	if c.PoolSize <= 0 {
		c.PoolSize = 4
	}
	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = 5 * time.Second
	}
	if c.FailureTTL <= 0 {
		c.FailureTTL = 5 * time.Minute
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = time.Second
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = 30 * time.Second
	}
}

type destKey struct {
	exchange   string
	routingKey string
}

// destEntry caches a destination's passive-declare verdict. Validated
// entries never expire; failed entries expire after FailureTTL.
type destEntry struct {
	validated bool
	outcome   Outcome
	errorMsg  string
	failedAt  time.Time
}

type publishJob struct {
	ctx        context.Context
	exchange   string
	routingKey string
	body       []byte
	resp       chan Result
}

type partition struct {
	jobs chan *publishJob
	ch   *amqp.Channel
}

// QueueSink publishes to an AMQP broker through a partitioned pool of
// confirm-mode channels over one shared connection.
type QueueSink struct {
	cfg    QueueSinkConfig
	logger *zap.Logger

	conn      atomic.Pointer[amqp.Connection]
	connected atomic.Bool

	mu    sync.RWMutex
	cache map[destKey]destEntry

	partitions []*partition
	closed     chan struct{}
	closeOnce  sync.Once
	wg         sync.WaitGroup
}

// NewQueueSink creates the sink and, when a broker URL is configured, starts
// the connection manager and publisher partitions.
func NewQueueSink(cfg QueueSinkConfig, logger *zap.Logger) *QueueSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.applyDefaults()
	s := &QueueSink{
		cfg:    cfg,
		logger: logger.With(zap.String("component", "queue_sink")),
		cache:  make(map[destKey]destEntry),
		closed: make(chan struct{}),
	}
	if cfg.URL == "" {
		s.logger.Info("queue sink disabled, no broker url configured")
		return s
	}
	for i := 0; i < cfg.PoolSize; i++ {
		p := &partition{jobs: make(chan *publishJob, 64)}
		s.partitions = append(s.partitions, p)
		s.wg.Add(1)
		go s.worker(p)
	}
	s.wg.Add(1)
	go s.manageConnection()
	return s
}

// Enabled reports whether a broker is configured.
func (s *QueueSink) Enabled() bool { return s.cfg.URL != "" }

// Connected reports whether the broker connection is currently up.
func (s *QueueSink) Connected() bool { return s.connected.Load() }

// Close tears down the partitions and the broker connection.
func (s *QueueSink) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		if conn := s.conn.Load(); conn != nil {
			conn.Close()
		}
	})
	s.wg.Wait()
}

// Publish routes the publish to the destination's partition and waits for
// its result. Same-destination publishes are serialized by the partition.
func (s *QueueSink) Publish(ctx context.Context, exchange, routingKey string, body []byte) Result {
	if !s.Enabled() {
		return failure(OutcomeBrokerNotConfigured, "no message broker configured")
	}
	if !s.connected.Load() {
		return failure(OutcomeConnectionError, "broker not connected")
	}
	if r, cached := s.cachedVerdict(destKey{exchange, routingKey}); cached {
		return r
	}

	job := &publishJob{
		ctx:        ctx,
		exchange:   exchange,
		routingKey: routingKey,
		body:       body,
		resp:       make(chan Result, 1),
	}
	p := s.partitions[s.partitionFor(exchange, routingKey)]
	select {
	case p.jobs <- job:
	case <-ctx.Done():
		return failure(OutcomeTimeout, ctx.Err().Error())
	case <-s.closed:
		return failure(OutcomeConnectionError, "queue sink closed")
	}
	select {
	case r := <-job.resp:
		return r
	case <-ctx.Done():
		return failure(OutcomeTimeout, ctx.Err().Error())
	}
}

// ClearDestinationCache invalidates one destination's cached verdict.
func (s *QueueSink) ClearDestinationCache(exchange, routingKey string) {
	s.mu.Lock()
	delete(s.cache, destKey{exchange, routingKey})
	s.mu.Unlock()
}

// ClearAllCache drops every cached destination verdict.
func (s *QueueSink) ClearAllCache() {
	s.mu.Lock()
	s.cache = make(map[destKey]destEntry)
	s.mu.Unlock()
}

func (s *QueueSink) partitionFor(exchange, routingKey string) int {
	h := fnv.New32a()
	h.Write([]byte(exchange)) //nolint:errcheck
	h.Write([]byte{0})        //nolint:errcheck
	h.Write([]byte(routingKey)) //nolint:errcheck
	return int(h.Sum32() % uint32(len(s.partitions)))
}

// cachedVerdict returns a cached failure for the key while its TTL holds.
// Validated destinations report no verdict; the publish proceeds but skips
// the passive declare.
func (s *QueueSink) cachedVerdict(key destKey) (Result, bool) {
	s.mu.RLock()
	entry, ok := s.cache[key]
	s.mu.RUnlock()
	if !ok || entry.validated {
		return Result{}, false
	}
	if time.Since(entry.failedAt) > s.cfg.FailureTTL {
		s.ClearDestinationCache(key.exchange, key.routingKey)
		return Result{}, false
	}
	return failure(entry.outcome, entry.errorMsg), true
}

func (s *QueueSink) isValidated(key destKey) bool {
	s.mu.RLock()
	entry, ok := s.cache[key]
	s.mu.RUnlock()
	return ok && entry.validated
}

func (s *QueueSink) markValidated(key destKey) {
	s.mu.Lock()
	s.cache[key] = destEntry{validated: true}
	s.mu.Unlock()
}

func (s *QueueSink) markFailed(key destKey, outcome Outcome, msg string) {
	s.mu.Lock()
	s.cache[key] = destEntry{outcome: outcome, errorMsg: msg, failedAt: time.Now()}
	s.mu.Unlock()
}

// manageConnection dials the broker and redials with exponential backoff
// whenever the connection drops.
func (s *QueueSink) manageConnection() {
	defer s.wg.Done()
	backoff := s.cfg.ReconnectBase
	for {
		select {
		case <-s.closed:
			return
		default:
		}

		conn, err := amqp.Dial(s.cfg.URL)
		if err != nil {
			s.logger.Warn("broker dial failed",
				zap.Error(err), zap.Duration("retry_in", backoff))
			select {
			case <-time.After(backoff):
			case <-s.closed:
				return
			}
			backoff *= 2
			if backoff > s.cfg.ReconnectMax {
				backoff = s.cfg.ReconnectMax
			}
			continue
		}

		backoff = s.cfg.ReconnectBase
		s.conn.Store(conn)
		s.connected.Store(true)
		s.logger.Info("broker connected")

		closeCh := conn.NotifyClose(make(chan *amqp.Error, 1))
		select {
		case amqpErr := <-closeCh:
			s.connected.Store(false)
			s.logger.Warn("broker connection lost", zap.Error(amqpErr))
		case <-s.closed:
			s.connected.Store(false)
			conn.Close()
			return
		}
	}
}

// worker serializes publishes for the partition's share of destinations.
func (s *QueueSink) worker(p *partition) {
	defer s.wg.Done()
	for {
		select {
		case <-s.closed:
			return
		case job := <-p.jobs:
			job.resp <- s.doPublish(p, job)
		}
	}
}

func (s *QueueSink) doPublish(p *partition, job *publishJob) Result {
	if !s.connected.Load() {
		return failure(OutcomeConnectionError, "broker not connected")
	}
	key := destKey{job.exchange, job.routingKey}
	if r, cached := s.cachedVerdict(key); cached {
		return r
	}

	if !s.isValidated(key) {
		if r := s.validateDestination(job.exchange, job.routingKey); r.Outcome != OutcomeSuccess {
			if r.Outcome == OutcomeExchangeNotFound || r.Outcome == OutcomeQueueNotFound {
				s.markFailed(key, r.Outcome, r.ErrorMsg)
			}
			return r
		}
		s.markValidated(key)
	}

	ch, err := s.channel(p)
	if err != nil {
		return failure(OutcomeConnectionError, err.Error())
	}

	dc, err := ch.PublishWithDeferredConfirmWithContext(job.ctx, job.exchange, job.routingKey,
		false, false, amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         job.body,
		})
	if err != nil {
		p.ch = nil
		return failure(OutcomeConnectionError, err.Error())
	}

	confirmCtx, cancel := context.WithTimeout(job.ctx, s.cfg.ConfirmTimeout)
	defer cancel()
	acked, err := dc.WaitContext(confirmCtx)
	if err != nil {
		return failure(OutcomeTimeout, fmt.Sprintf("publisher confirm not received: %v", err))
	}
	if !acked {
		return failure(OutcomeOther, "broker nacked publish")
	}
	return success()
}

// channel returns the partition's confirm-mode channel, opening one when the
// previous channel died with its connection.
func (s *QueueSink) channel(p *partition) (*amqp.Channel, error) {
	if p.ch != nil && !p.ch.IsClosed() {
		return p.ch, nil
	}
	conn := s.conn.Load()
	if conn == nil || conn.IsClosed() {
		return nil, fmt.Errorf("broker not connected")
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to enable publisher confirms: %w", err)
	}
	p.ch = ch
	return ch, nil
}

// validateDestination passive-declares the destination on a throwaway
// channel. A failed declare closes its channel, which is why the partition's
// publish channel is never used here.
func (s *QueueSink) validateDestination(exchange, routingKey string) Result {
	conn := s.conn.Load()
	if conn == nil || conn.IsClosed() {
		return failure(OutcomeConnectionError, "broker not connected")
	}
	ch, err := conn.Channel()
	if err != nil {
		return failure(OutcomeConnectionError, err.Error())
	}
	defer ch.Close()

	if exchange != "" {
		if err := ch.ExchangeDeclarePassive(exchange, "topic", true, false, false, false, nil); err != nil {
			return failure(OutcomeExchangeNotFound,
				fmt.Sprintf("exchange %q not found: %v", exchange, err))
		}
		return success()
	}
	if _, err := ch.QueueDeclarePassive(routingKey, true, false, false, false, nil); err != nil {
		return failure(OutcomeQueueNotFound,
			fmt.Sprintf("queue %q not found: %v", routingKey, err))
	}
	return success()
}
