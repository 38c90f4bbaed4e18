package delivery

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// newCacheSink builds a sink with the cache wired but no broker goroutines,
// so the verdict logic can be driven directly.
func newCacheSink(failureTTL time.Duration) *QueueSink {
	s := &QueueSink{
		cfg:    QueueSinkConfig{URL: "amqp://unused", FailureTTL: failureTTL},
		logger: zap.NewNop(),
		cache:  make(map[destKey]destEntry),
		closed: make(chan struct{}),
	}
	s.cfg.applyDefaults()
	s.connected.Store(true)
	return s
}

func TestDestinationCache_FailedVerdictServedWithoutBroker(t *testing.T) {
	s := newCacheSink(time.Minute)
	key := destKey{routingKey: "results"}
	s.markFailed(key, OutcomeQueueNotFound, `queue "results" not found`)

	// The cached verdict short-circuits Publish before any partition or
	// broker round-trip.
	r := s.Publish(context.Background(), "", "results", []byte(`{}`))
	assert.Equal(t, OutcomeQueueNotFound, r.Outcome)
	assert.Equal(t, `queue "results" not found`, r.ErrorMsg)
}

func TestDestinationCache_FailureExpiresAfterTTL(t *testing.T) {
	s := newCacheSink(20 * time.Millisecond)
	key := destKey{exchange: "events", routingKey: "done"}
	s.markFailed(key, OutcomeExchangeNotFound, `exchange "events" not found`)

	_, cached := s.cachedVerdict(key)
	require.True(t, cached)

	time.Sleep(30 * time.Millisecond)
	_, cached = s.cachedVerdict(key)
	assert.False(t, cached, "expired failure must not be served")

	// Expiry also evicts the entry.
	s.mu.RLock()
	_, present := s.cache[key]
	s.mu.RUnlock()
	assert.False(t, present)
}

func TestDestinationCache_ValidatedNeverExpires(t *testing.T) {
	s := newCacheSink(time.Millisecond)
	key := destKey{routingKey: "results"}
	s.markValidated(key)

	time.Sleep(5 * time.Millisecond)
	_, cached := s.cachedVerdict(key)
	assert.False(t, cached, "validated entries carry no verdict")
	assert.True(t, s.isValidated(key))
}

func TestDestinationCache_ClearRestoresPublishing(t *testing.T) {
	s := newCacheSink(time.Minute)
	key := destKey{routingKey: "results"}
	s.markFailed(key, OutcomeQueueNotFound, `queue "results" not found`)

	_, cached := s.cachedVerdict(key)
	require.True(t, cached)

	// The operator declared the queue and cleared the verdict; the next
	// publish goes back to the broker.
	s.ClearDestinationCache("", "results")
	_, cached = s.cachedVerdict(key)
	assert.False(t, cached)
}

func TestDestinationCache_ClearAll(t *testing.T) {
	s := newCacheSink(time.Minute)
	s.markFailed(destKey{routingKey: "a"}, OutcomeQueueNotFound, "gone")
	s.markValidated(destKey{routingKey: "b"})

	s.ClearAllCache()

	_, cached := s.cachedVerdict(destKey{routingKey: "a"})
	assert.False(t, cached)
	assert.False(t, s.isValidated(destKey{routingKey: "b"}))
}
