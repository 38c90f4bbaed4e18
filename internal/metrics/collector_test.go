package metrics

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

var collectorNamespaceSeq uint64

func nextTestNamespace() string {
	seq := atomic.AddUint64(&collectorNamespaceSeq, 1)
	return fmt.Sprintf("test_%d", seq)
}

func TestNewCollector(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	assert.NotNil(t, collector)
	assert.NotNil(t, collector.httpRequestsTotal)
	assert.NotNil(t, collector.requestsAdmitted)
	assert.NotNil(t, collector.batchesClosed)
	assert.NotNil(t, collector.deliveryAttempts)
	assert.NotNil(t, collector.providerPolls)
}

func TestCollector_RecordHTTPRequest(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordHTTPRequest("POST", "/v1/batch-requests", 200, 100*time.Millisecond)
	count := testutil.CollectAndCount(collector.httpRequestsTotal)
	assert.Greater(t, count, 0)

	collector.RecordHTTPRequest("POST", "/v1/batch-requests", 200, 50*time.Millisecond)
	newCount := testutil.CollectAndCount(collector.httpRequestsTotal)
	assert.GreaterOrEqual(t, newCount, count)
}

func TestCollector_IntakeCounters(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RequestAdmitted("/v1/responses", "gpt-4o-mini")
	collector.RequestRejected("invalid_delivery_config")
	collector.BatchClosed("request_limit")

	assert.Greater(t, testutil.CollectAndCount(collector.requestsAdmitted), 0)
	assert.Greater(t, testutil.CollectAndCount(collector.requestsRejected), 0)
	assert.Greater(t, testutil.CollectAndCount(collector.batchesClosed), 0)
}

func TestCollector_ProviderAndTokens(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.ObserveProviderPoll(250*time.Millisecond, true)
	collector.ObserveProviderPoll(5*time.Second, false)
	collector.AddTokenUsage(1000, 200, 50, 400)

	assert.Greater(t, testutil.CollectAndCount(collector.providerPolls), 0)
	assert.Greater(t, testutil.CollectAndCount(collector.tokensUsed), 0)
	assert.InDelta(t, 1000, testutil.ToFloat64(collector.tokensUsed.WithLabelValues("input")), 0.001)
}

func TestCollector_DeliveryAttempts(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordDeliveryAttempt("webhook", "success", 80*time.Millisecond)
	collector.RecordDeliveryAttempt("queue", "connection_error", 2*time.Second)

	assert.Greater(t, testutil.CollectAndCount(collector.deliveryAttempts), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(collector.deliveryAttempts.WithLabelValues("webhook", "success")), 0.001)
}

func TestCollector_RequestProcessed(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RequestProcessed(true)
	collector.RequestProcessed(false)
	collector.RequestProcessed(false)

	assert.InDelta(t, 1, testutil.ToFloat64(collector.requestsProcessed.WithLabelValues("succeeded")), 0.001)
	assert.InDelta(t, 2, testutil.ToFloat64(collector.requestsProcessed.WithLabelValues("failed")), 0.001)
}

func TestCollector_ConnectionPool(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordDBConnections("postgres", 10, 5)

	assert.Greater(t, testutil.CollectAndCount(collector.dbConnectionsOpen), 0)
	assert.Greater(t, testutil.CollectAndCount(collector.dbConnectionsIdle), 0)
}

func TestCollector_ConcurrentRecording(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	done := make(chan bool)
	for i := 0; i < 10; i++ {
		go func() {
			collector.RecordHTTPRequest("GET", "/healthz", 200, time.Millisecond)
			collector.RequestAdmitted("/v1/embeddings", "text-embedding-3-small")
			collector.RecordDeliveryAttempt("webhook", "success", time.Millisecond)
			done <- true
		}()
	}
	for i := 0; i < 10; i++ {
		<-done
	}

	assert.Greater(t, testutil.CollectAndCount(collector.httpRequestsTotal), 0)
	assert.Greater(t, testutil.CollectAndCount(collector.requestsAdmitted), 0)
	assert.Greater(t, testutil.CollectAndCount(collector.deliveryAttempts), 0)
}
