package intake_test

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/williamwinkler/openai-batch-manager-sub003/aggregator"
	"github.com/williamwinkler/openai-batch-manager-sub003/intake"
	"github.com/williamwinkler/openai-batch-manager-sub003/internal/bus"
	"github.com/williamwinkler/openai-batch-manager-sub003/store"
	"github.com/williamwinkler/openai-batch-manager-sub003/testutil"
)

func newFacade(t *testing.T, cfg aggregator.Config) (*intake.Facade, *store.Store) {
	t.Helper()
	st := testutil.OpenStore(t)
	b := bus.NewMemoryBus()
	st.SetEventPublisher(bus.NewStoreNotifier(b, zap.NewNop()))
	r := aggregator.NewRegistry(st, b, cfg, zap.NewNop())
	t.Cleanup(func() {
		r.Shutdown()
		b.Close()
	})
	return intake.NewFacade(r, nil, zap.NewNop()), st
}

func validSubmission() intake.Submission {
	return intake.Submission{
		CustomID:       "req-1",
		Endpoint:       string(store.EndpointChatCompletions),
		Model:          "gpt-4o",
		RequestPayload: json.RawMessage(`{"model":"gpt-4o","messages":[]}`),
		Delivery: store.DeliveryConfig{
			Type: store.DeliveryTypeWebhook, URL: "https://example.com/hook",
		},
	}
}

func assertCode(t *testing.T, err error, code intake.ErrorCode) {
	t.Helper()
	var ie *intake.Error
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, code, ie.Code)
}

func TestAdmit(t *testing.T) {
	f, st := newFacade(t, aggregator.Config{MaxRequestsPerBatch: 10, MaxBatchSizeBytes: 1 << 20})

	req, err := f.Admit(context.Background(), validSubmission())
	require.NoError(t, err)
	assert.Equal(t, "req-1", req.CustomID)
	assert.Equal(t, store.RequestStatePending, req.State)

	batch, err := st.GetBatch(context.Background(), req.BatchID)
	require.NoError(t, err)
	assert.Equal(t, store.BatchStateBuilding, batch.State)
}

func TestAdmit_Validation(t *testing.T) {
	f, _ := newFacade(t, aggregator.Config{MaxRequestsPerBatch: 10, MaxBatchSizeBytes: 1 << 20})

	cases := []struct {
		name   string
		mutate func(*intake.Submission)
	}{
		{"missing custom_id", func(s *intake.Submission) { s.CustomID = "" }},
		{"custom_id too long", func(s *intake.Submission) { s.CustomID = strings.Repeat("x", 257) }},
		{"unsupported endpoint", func(s *intake.Submission) { s.Endpoint = "/v1/images/generations" }},
		{"missing model", func(s *intake.Submission) { s.Model = "" }},
		{"empty payload", func(s *intake.Submission) { s.RequestPayload = nil }},
		{"invalid payload json", func(s *intake.Submission) { s.RequestPayload = json.RawMessage(`{"a":`) }},
		{"missing delivery", func(s *intake.Submission) { s.Delivery = store.DeliveryConfig{} }},
		{"bad webhook url", func(s *intake.Submission) { s.Delivery.URL = "ftp://example.com" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sub := validSubmission()
			tc.mutate(&sub)
			_, err := f.Admit(context.Background(), sub)
			assertCode(t, err, intake.CodeValidationFailed)
		})
	}
}

func TestAdmit_MaintenanceGate(t *testing.T) {
	f, _ := newFacade(t, aggregator.Config{MaxRequestsPerBatch: 10, MaxBatchSizeBytes: 1 << 20})

	f.SetMaintenance(true)
	assert.True(t, f.Maintenance())
	_, err := f.Admit(context.Background(), validSubmission())
	assertCode(t, err, intake.CodeMaintenanceMode)

	f.SetMaintenance(false)
	_, err = f.Admit(context.Background(), validSubmission())
	require.NoError(t, err)
}

func TestAdmit_Duplicate(t *testing.T) {
	f, _ := newFacade(t, aggregator.Config{MaxRequestsPerBatch: 10, MaxBatchSizeBytes: 1 << 20})

	_, err := f.Admit(context.Background(), validSubmission())
	require.NoError(t, err)
	_, err = f.Admit(context.Background(), validSubmission())
	assertCode(t, err, intake.CodeCustomIDTaken)
}

func TestAdmit_RetriesAcrossBatchRotation(t *testing.T) {
	// Count capacity 1: every admit fills its batch, so the second admit
	// races batch rotation. The facade absorbs it with one retry.
	f, st := newFacade(t, aggregator.Config{MaxRequestsPerBatch: 1, MaxBatchSizeBytes: 1 << 20})
	ctx := context.Background()

	first, err := f.Admit(ctx, validSubmission())
	require.NoError(t, err)

	sub := validSubmission()
	sub.CustomID = "req-2"
	second, err := f.Admit(ctx, sub)
	require.NoError(t, err)
	assert.NotEqual(t, first.BatchID, second.BatchID)

	batch, err := st.GetBatch(ctx, first.BatchID)
	require.NoError(t, err)
	assert.Equal(t, store.BatchStateUploading, batch.State)
}

func TestAdmit_PayloadTooLarge(t *testing.T) {
	f, _ := newFacade(t, aggregator.Config{MaxRequestsPerBatch: 10, MaxBatchSizeBytes: 8})

	// The payload exceeds the whole batch budget: even the fresh batch after
	// the retry cannot hold it.
	_, err := f.Admit(context.Background(), validSubmission())
	assertCode(t, err, intake.CodePayloadTooLarge)
}

func TestLineSubmission_Normalize(t *testing.T) {
	line := intake.LineSubmission{
		CustomID: "req-1",
		URL:      string(store.EndpointChatCompletions),
		Method:   "POST",
		Body:     json.RawMessage(`{"model":"gpt-4o-mini","messages":[]}`),
		DeliveryConfig: store.DeliveryConfig{
			Type: store.DeliveryTypeQueue, QueueName: "results",
		},
	}

	sub, err := line.Normalize()
	require.NoError(t, err)
	assert.Equal(t, "req-1", sub.CustomID)
	assert.Equal(t, string(store.EndpointChatCompletions), sub.Endpoint)
	assert.Equal(t, "gpt-4o-mini", sub.Model)
	assert.JSONEq(t, string(line.Body), string(sub.RequestPayload))
	assert.Equal(t, line.DeliveryConfig, sub.Delivery)
}

func TestLineSubmission_Normalize_RejectsNonPost(t *testing.T) {
	line := intake.LineSubmission{CustomID: "a", URL: "/v1/embeddings", Method: "GET"}
	_, err := line.Normalize()
	assertCode(t, err, intake.CodeValidationFailed)
}

func TestLineSubmission_Normalize_EmptyMethodDefaults(t *testing.T) {
	line := intake.LineSubmission{
		CustomID: "a",
		URL:      "/v1/embeddings",
		Body:     json.RawMessage(`{"model":"text-embedding-3-small","input":"hi"}`),
	}
	sub, err := line.Normalize()
	require.NoError(t, err)
	assert.Equal(t, "text-embedding-3-small", sub.Model)
}

func TestAdmitLine(t *testing.T) {
	f, _ := newFacade(t, aggregator.Config{MaxRequestsPerBatch: 10, MaxBatchSizeBytes: 1 << 20})

	req, err := f.AdmitLine(context.Background(), intake.LineSubmission{
		CustomID: "req-1",
		URL:      string(store.EndpointChatCompletions),
		Method:   "POST",
		Body:     json.RawMessage(`{"model":"gpt-4o","messages":[]}`),
		DeliveryConfig: store.DeliveryConfig{
			Type: store.DeliveryTypeWebhook, URL: "https://example.com/hook",
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "req-1", req.CustomID)
	assert.Equal(t, "gpt-4o", req.Model)
}

func TestAdmitLine_BadBody(t *testing.T) {
	f, _ := newFacade(t, aggregator.Config{MaxRequestsPerBatch: 10, MaxBatchSizeBytes: 1 << 20})

	_, err := f.AdmitLine(context.Background(), intake.LineSubmission{
		CustomID: "req-1",
		URL:      string(store.EndpointChatCompletions),
		Body:     json.RawMessage(`[1,2,3]`),
	})
	assertCode(t, err, intake.CodeValidationFailed)
}
