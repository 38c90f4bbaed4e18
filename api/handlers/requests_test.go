package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/williamwinkler/openai-batch-manager-sub003/aggregator"
	"github.com/williamwinkler/openai-batch-manager-sub003/delivery"
	"github.com/williamwinkler/openai-batch-manager-sub003/intake"
	"github.com/williamwinkler/openai-batch-manager-sub003/internal/bus"
	"github.com/williamwinkler/openai-batch-manager-sub003/internal/jobs"
	"github.com/williamwinkler/openai-batch-manager-sub003/store"
	"github.com/williamwinkler/openai-batch-manager-sub003/testutil"
)

type requestsFixture struct {
	handler *RequestsHandler
	store   *store.Store
	runner  *jobs.Runner
	queue   *testutil.FakeQueue
	webhook *testutil.FakeWebhook
}

func newRequestsFixture(t *testing.T) *requestsFixture {
	t.Helper()
	st := testutil.OpenStore(t)
	b := bus.NewMemoryBus()
	st.SetEventPublisher(bus.NewStoreNotifier(b, zap.NewNop()))
	registry := aggregator.NewRegistry(st, b, aggregator.Config{
		MaxRequestsPerBatch: 100, MaxBatchSizeBytes: 1 << 20,
	}, zap.NewNop())
	facade := intake.NewFacade(registry, nil, zap.NewNop())

	runner := jobs.NewRunner(zap.NewNop(), 4)
	runner.Queue("batch_processing", 1)
	webhook := &testutil.FakeWebhook{}
	queue := &testutil.FakeQueue{}
	del := delivery.NewEngine(st, webhook, queue, runner, nil, delivery.Config{}, zap.NewNop())
	del.Register()
	runner.Start(context.Background())

	t.Cleanup(func() {
		runner.Stop()
		registry.Shutdown()
		b.Close()
	})
	return &requestsFixture{
		handler: NewRequestsHandler(facade, st, del, zap.NewNop()),
		store:   st,
		runner:  runner,
		queue:   queue,
		webhook: webhook,
	}
}

func submitBody(customID string) string {
	return `{
		"custom_id": "` + customID + `",
		"endpoint": "/v1/chat/completions",
		"model": "gpt-4o",
		"request_payload": {"model":"gpt-4o","messages":[]},
		"delivery": {"type":"webhook","url":"https://example.com/hook"}
	}`
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) Response {
	t.Helper()
	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

// seedFailedDelivery walks a one-request batch to delivery_failed so the
// retry endpoint has something to act on.
func seedFailedDelivery(t *testing.T, st *store.Store, dc store.DeliveryConfig) *store.Request {
	t.Helper()
	ctx := context.Background()
	batch, err := st.CreateBatch(ctx, "/v1/chat/completions", "gpt-4o")
	require.NoError(t, err)

	raw, err := dc.Encode()
	require.NoError(t, err)
	req := &store.Request{
		BatchID:            batch.ID,
		CustomID:           "cust-1",
		Endpoint:           batch.Endpoint,
		Model:              batch.Model,
		RequestPayload:     `{}`,
		RequestPayloadSize: 2,
		DeliveryConfig:     raw,
	}
	require.NoError(t, st.CreateRequest(ctx, req))

	for _, a := range []store.BatchAction{
		store.BatchActionStartUpload, store.BatchActionUpload,
		store.BatchActionCreateProvider, store.BatchActionFinishProcessing,
		store.BatchActionStartDownloading, store.BatchActionFinalize,
		store.BatchActionStartDelivering, store.BatchActionMarkDeliveryFailed,
	} {
		_, err = st.TransitionBatch(ctx, batch.ID, a, nil)
		require.NoError(t, err)
	}
	for _, a := range []struct {
		action  store.RequestAction
		updates map[string]any
	}{
		{store.RequestActionStartProcessing, nil},
		{store.RequestActionRecordResult, map[string]any{"response_payload": `{"status_code":200,"body":{}}`}},
		{store.RequestActionStartDelivering, nil},
		{store.RequestActionMarkDeliveryFailed, map[string]any{"error_msg": "timed out"}},
	} {
		_, err = st.TransitionRequest(ctx, req.ID, a.action, a.updates)
		require.NoError(t, err)
	}
	return req
}

func TestHandleSubmit(t *testing.T) {
	f := newRequestsFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/requests", strings.NewReader(submitBody("a")))
	rec := httptest.NewRecorder()
	f.handler.HandleSubmit(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	resp := decodeEnvelope(t, rec)
	assert.True(t, resp.Success)

	data := resp.Data.(map[string]any)
	assert.Equal(t, "a", data["custom_id"])
	assert.Equal(t, string(store.RequestStatePending), data["state"])
	assert.NotZero(t, data["batch_id"])
}

func TestHandleSubmit_MethodNotAllowed(t *testing.T) {
	f := newRequestsFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/requests", nil)
	rec := httptest.NewRecorder()
	f.handler.HandleSubmit(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandleSubmit_MalformedBody(t *testing.T) {
	f := newRequestsFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/requests", strings.NewReader(`{oops`))
	rec := httptest.NewRecorder()
	f.handler.HandleSubmit(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decodeEnvelope(t, rec)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "invalid_request", resp.Error.Code)
}

func TestHandleSubmit_ValidationFailure(t *testing.T) {
	f := newRequestsFixture(t)

	body := `{"custom_id":"","endpoint":"/v1/chat/completions","model":"gpt-4o",
		"request_payload":{},"delivery":{"type":"webhook","url":"https://x.test"}}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/requests", strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.handler.HandleSubmit(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decodeEnvelope(t, rec)
	require.NotNil(t, resp.Error)
	assert.Equal(t, string(intake.CodeValidationFailed), resp.Error.Code)
}

func TestHandleSubmit_Duplicate(t *testing.T) {
	f := newRequestsFixture(t)

	for i, want := range []int{http.StatusAccepted, http.StatusConflict} {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/requests", strings.NewReader(submitBody("dup")))
		rec := httptest.NewRecorder()
		f.handler.HandleSubmit(rec, req)
		assert.Equal(t, want, rec.Code, "submit %d", i)
	}
}

func TestHandleSubmitLine(t *testing.T) {
	f := newRequestsFixture(t)

	body := `{
		"custom_id": "line-1",
		"url": "/v1/embeddings",
		"method": "POST",
		"body": {"model":"text-embedding-3-small","input":"hi"},
		"delivery_config": {"type":"queue","queue_name":"results"}
	}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/requests/line", strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.handler.HandleSubmitLine(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	data := decodeEnvelope(t, rec).Data.(map[string]any)
	assert.Equal(t, "line-1", data["custom_id"])
}

func TestHandleGet(t *testing.T) {
	f := newRequestsFixture(t)
	seeded := seedFailedDelivery(t, f.store, store.DeliveryConfig{
		Type: store.DeliveryTypeWebhook, URL: "https://example.com/hook",
	})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/requests/cust-1", nil)
	req.SetPathValue("custom_id", "cust-1")
	rec := httptest.NewRecorder()
	f.handler.HandleGet(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Data RequestDetail `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, seeded.ID, resp.Data.Request.ID)
	assert.Equal(t, store.RequestStateDeliveryFailed, resp.Data.Request.State)
	// Creation plus four walked transitions.
	assert.Len(t, resp.Data.Transitions, 5)
}

func TestHandleGet_NotFound(t *testing.T) {
	f := newRequestsFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/requests/ghost", nil)
	req.SetPathValue("custom_id", "ghost")
	rec := httptest.NewRecorder()
	f.handler.HandleGet(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleRetryDelivery(t *testing.T) {
	f := newRequestsFixture(t)
	seeded := seedFailedDelivery(t, f.store, store.DeliveryConfig{
		Type: store.DeliveryTypeWebhook, URL: "https://example.com/hook",
	})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/requests/cust-1/retry-delivery", nil)
	req.SetPathValue("custom_id", "cust-1")
	rec := httptest.NewRecorder()
	f.handler.HandleRetryDelivery(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.True(t, f.runner.WaitIdle(5*time.Second))

	got, err := f.store.GetRequest(context.Background(), seeded.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RequestStateDelivered, got.State)
	assert.Equal(t, 1, f.webhook.CallCount())
}

func TestHandleRetryDelivery_BlockedWhileBrokerDown(t *testing.T) {
	f := newRequestsFixture(t)
	seedFailedDelivery(t, f.store, store.DeliveryConfig{
		Type: store.DeliveryTypeQueue, QueueName: "results",
	})
	f.queue.SetDisconnected(true)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/requests/cust-1/retry-delivery", nil)
	req.SetPathValue("custom_id", "cust-1")
	rec := httptest.NewRecorder()
	f.handler.HandleRetryDelivery(rec, req)

	assert.Equal(t, http.StatusConflict, rec.Code)
	resp := decodeEnvelope(t, rec)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "retry_blocked", resp.Error.Code)
}

func TestHandleRetryDelivery_NotFound(t *testing.T) {
	f := newRequestsFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/requests/ghost/retry-delivery", nil)
	req.SetPathValue("custom_id", "ghost")
	rec := httptest.NewRecorder()
	f.handler.HandleRetryDelivery(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
