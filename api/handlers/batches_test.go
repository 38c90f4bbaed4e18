package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/williamwinkler/openai-batch-manager-sub003/aggregator"
	"github.com/williamwinkler/openai-batch-manager-sub003/batchfile"
	"github.com/williamwinkler/openai-batch-manager-sub003/internal/bus"
	"github.com/williamwinkler/openai-batch-manager-sub003/internal/jobs"
	"github.com/williamwinkler/openai-batch-manager-sub003/lifecycle"
	"github.com/williamwinkler/openai-batch-manager-sub003/store"
	"github.com/williamwinkler/openai-batch-manager-sub003/testutil"
)

type batchesFixture struct {
	handler  *BatchesHandler
	store    *store.Store
	provider *testutil.FakeProvider
}

func newBatchesFixture(t *testing.T) *batchesFixture {
	t.Helper()
	st := testutil.OpenStore(t)
	b := bus.NewMemoryBus()
	st.SetEventPublisher(bus.NewStoreNotifier(b, zap.NewNop()))
	registry := aggregator.NewRegistry(st, b, aggregator.Config{
		MaxRequestsPerBatch: 100, MaxBatchSizeBytes: 1 << 20,
	}, zap.NewNop())

	files, err := batchfile.NewManager(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	provider := testutil.NewFakeProvider()
	// The runner is never started: these endpoints act on the store
	// synchronously.
	runner := jobs.NewRunner(zap.NewNop(), 1)
	lc := lifecycle.NewEngine(st, provider, files, runner, registry, nil,
		lifecycle.Config{}, zap.NewNop())

	t.Cleanup(func() {
		registry.Shutdown()
		b.Close()
	})
	return &batchesFixture{
		handler:  NewBatchesHandler(st, registry, lc, zap.NewNop()),
		store:    st,
		provider: provider,
	}
}

func (f *batchesFixture) seedBatch(t *testing.T, model string) *store.Batch {
	t.Helper()
	batch, err := f.store.CreateBatch(context.Background(), "/v1/chat/completions", model)
	require.NoError(t, err)
	return batch
}

func getBatchRequest(id string, suffix string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/batches/"+id+suffix, nil)
	req.SetPathValue("id", id)
	return req
}

func TestBatchesHandleGet(t *testing.T) {
	f := newBatchesFixture(t)
	batch := f.seedBatch(t, "gpt-4o")
	require.NoError(t, f.store.CreateRequest(context.Background(), &store.Request{
		BatchID: batch.ID, CustomID: "a", Endpoint: batch.Endpoint, Model: batch.Model,
		RequestPayload: `{}`, RequestPayloadSize: 2, DeliveryConfig: `{"type":"webhook","url":"https://x.test"}`,
	}))

	rec := httptest.NewRecorder()
	f.handler.HandleGet(rec, getBatchRequest("1", ""))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Data BatchDetail `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, batch.ID, resp.Data.Batch.ID)
	assert.Equal(t, int64(1), resp.Data.RequestCounts[store.RequestStatePending])
}

func TestBatchesHandleGet_InvalidID(t *testing.T) {
	f := newBatchesFixture(t)

	for _, raw := range []string{"abc", "0", "-1"} {
		rec := httptest.NewRecorder()
		f.handler.HandleGet(rec, getBatchRequest(raw, ""))
		assert.Equal(t, http.StatusBadRequest, rec.Code, "id %q", raw)
	}
}

func TestBatchesHandleGet_NotFound(t *testing.T) {
	f := newBatchesFixture(t)

	rec := httptest.NewRecorder()
	f.handler.HandleGet(rec, getBatchRequest("999", ""))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBatchesHandleList(t *testing.T) {
	f := newBatchesFixture(t)
	f.seedBatch(t, "gpt-4o")
	closed := f.seedBatch(t, "gpt-4o-mini")
	_, err := f.store.TransitionBatch(context.Background(), closed.ID, store.BatchActionStartUpload, nil)
	require.NoError(t, err)

	var resp struct {
		Data struct {
			Batches []store.Batch `json:"batches"`
		} `json:"data"`
	}

	rec := httptest.NewRecorder()
	f.handler.HandleList(rec, httptest.NewRequest(http.MethodGet, "/api/v1/batches", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Data.Batches, 2)

	rec = httptest.NewRecorder()
	f.handler.HandleList(rec, httptest.NewRequest(http.MethodGet, "/api/v1/batches?state=uploading", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Data.Batches, 1)
	assert.Equal(t, closed.ID, resp.Data.Batches[0].ID)
}

func TestBatchesHandleTransitions(t *testing.T) {
	f := newBatchesFixture(t)
	batch := f.seedBatch(t, "gpt-4o")
	_, err := f.store.TransitionBatch(context.Background(), batch.ID, store.BatchActionStartUpload, nil)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	f.handler.HandleTransitions(rec, getBatchRequest("1", "/transitions"))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Data struct {
			Transitions []store.BatchTransition `json:"transitions"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Data.Transitions, 2)
	assert.Equal(t, string(store.BatchStateUploading), resp.Data.Transitions[1].To)
}

func TestBatchesHandleCancel(t *testing.T) {
	f := newBatchesFixture(t)
	batch := f.seedBatch(t, "gpt-4o")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/batches/1/cancel", nil)
	req.SetPathValue("id", "1")
	rec := httptest.NewRecorder()
	f.handler.HandleCancel(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	got, err := f.store.GetBatch(context.Background(), batch.ID)
	require.NoError(t, err)
	assert.Equal(t, store.BatchStateCancelled, got.State)
}

func TestBatchesHandleCancel_Terminal(t *testing.T) {
	f := newBatchesFixture(t)
	batch := f.seedBatch(t, "gpt-4o")
	_, err := f.store.TransitionBatch(context.Background(), batch.ID, store.BatchActionCancel, nil)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/batches/1/cancel", nil)
	req.SetPathValue("id", "1")
	rec := httptest.NewRecorder()
	f.handler.HandleCancel(rec, req)

	assert.Equal(t, http.StatusConflict, rec.Code)
	resp := decodeEnvelope(t, rec)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "wrong_state", resp.Error.Code)
}

func TestBatchesHandleFlush(t *testing.T) {
	f := newBatchesFixture(t)
	batch := f.seedBatch(t, "gpt-4o")
	require.NoError(t, f.store.CreateRequest(context.Background(), &store.Request{
		BatchID: batch.ID, CustomID: "a", Endpoint: batch.Endpoint, Model: batch.Model,
		RequestPayload: `{}`, RequestPayloadSize: 2, DeliveryConfig: `{"type":"webhook","url":"https://x.test"}`,
	}))

	body := `{"endpoint":"/v1/chat/completions","model":"gpt-4o"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/batches/flush", strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.handler.HandleFlush(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	got, err := f.store.GetBatch(context.Background(), batch.ID)
	require.NoError(t, err)
	assert.Equal(t, store.BatchStateUploading, got.State)
}

func TestBatchesHandleFlush_MissingFields(t *testing.T) {
	f := newBatchesFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/batches/flush", strings.NewReader(`{"endpoint":"/v1/chat/completions"}`))
	rec := httptest.NewRecorder()
	f.handler.HandleFlush(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
