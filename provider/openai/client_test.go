package openai

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(Config{APIKey: "sk-test", BaseURL: srv.URL}, zap.NewNop())
}

func TestUploadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "input.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(`{"custom_id":"a"}`+"\n"), 0o644))

	var gotAuth, gotPurpose, gotFilename string
	var gotContent []byte
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/files", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")

		require.NoError(t, r.ParseMultipartForm(1<<20))
		gotPurpose = r.FormValue("purpose")
		file, header, err := r.FormFile("file")
		require.NoError(t, err)
		defer file.Close()
		gotFilename = header.Filename
		gotContent, err = io.ReadAll(file)
		require.NoError(t, err)

		json.NewEncoder(w).Encode(FileObject{ID: "file-abc", Bytes: header.Size, Purpose: "batch"})
	})

	file, err := c.UploadFile(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "file-abc", file.ID)
	assert.Equal(t, "Bearer sk-test", gotAuth)
	assert.Equal(t, "batch", gotPurpose)
	assert.Equal(t, "input.jsonl", gotFilename)
	assert.Equal(t, `{"custom_id":"a"}`+"\n", string(gotContent))
}

func TestUploadFile_MissingLocalFile(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request expected")
	})
	_, err := c.UploadFile(context.Background(), filepath.Join(t.TempDir(), "absent.jsonl"))
	var pe *Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, KindRequestFailed, pe.Kind)
}

func TestCreateBatch(t *testing.T) {
	var gotBody map[string]string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/batches", r.URL.Path)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		json.NewEncoder(w).Encode(BatchObject{ID: "batch-1", Status: BatchStatusValidating})
	})

	batch, err := c.CreateBatch(context.Background(), "file-abc", "/v1/chat/completions", "")
	require.NoError(t, err)
	assert.Equal(t, "batch-1", batch.ID)
	assert.Equal(t, BatchStatusValidating, batch.Status)
	assert.Equal(t, map[string]string{
		"input_file_id":     "file-abc",
		"endpoint":          "/v1/chat/completions",
		"completion_window": "24h",
	}, gotBody)
}

func TestCheckStatus(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/batches/batch-1", r.URL.Path)
		json.NewEncoder(w).Encode(BatchObject{
			ID:           "batch-1",
			Status:       BatchStatusCompleted,
			OutputFileID: "file-out",
			Usage:        &Usage{InputTokens: 10},
		})
	})

	batch, err := c.CheckStatus(context.Background(), "batch-1")
	require.NoError(t, err)
	assert.Equal(t, BatchStatusCompleted, batch.Status)
	assert.Equal(t, "file-out", batch.OutputFileID)
	require.NotNil(t, batch.Usage)
	assert.Equal(t, int64(10), batch.Usage.InputTokens)
}

func TestCancelBatch(t *testing.T) {
	var gotPath string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.Equal(t, http.MethodPost, r.Method)
		json.NewEncoder(w).Encode(BatchObject{ID: "batch-1", Status: BatchStatusCancelling})
	})

	require.NoError(t, c.CancelBatch(context.Background(), "batch-1"))
	assert.Equal(t, "/v1/batches/batch-1/cancel", gotPath)
}

func TestDownloadFile(t *testing.T) {
	content := `{"custom_id":"a","response":{"status_code":200,"body":{}}}` + "\n"
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/files/file-out/content", r.URL.Path)
		w.Write([]byte(content))
	})

	dest := filepath.Join(t.TempDir(), "out.jsonl")
	path, err := c.DownloadFile(context.Background(), "file-out", dest)
	require.NoError(t, err)
	assert.Equal(t, dest, path)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, content, string(got))
}

func TestDeleteFile_NotFoundIsIdempotent(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodDelete, r.Method)
		switch r.URL.Path {
		case "/v1/files/file-gone":
			http.Error(w, `{"error":{"message":"No such file"}}`, http.StatusNotFound)
		default:
			json.NewEncoder(w).Encode(map[string]bool{"deleted": true})
		}
	})

	require.NoError(t, c.DeleteFile(context.Background(), "file-abc"))
	require.NoError(t, c.DeleteFile(context.Background(), "file-gone"))
}

func TestRetrieveFileMetadata(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/files/file-abc", r.URL.Path)
		json.NewEncoder(w).Encode(FileObject{ID: "file-abc", Bytes: 12, Purpose: "batch"})
	})

	file, err := c.RetrieveFileMetadata(context.Background(), "file-abc")
	require.NoError(t, err)
	assert.Equal(t, int64(12), file.Bytes)
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		status    int
		body      string
		kind      ErrorKind
		message   string
		retryable bool
	}{
		{http.StatusUnauthorized, `{"error":{"message":"bad key"}}`, KindUnauthorized, "bad key", false},
		{http.StatusForbidden, ``, KindUnauthorized, "", false},
		{http.StatusNotFound, `{"error":{"message":"missing"}}`, KindNotFound, "missing", false},
		{http.StatusBadRequest, `plain text detail`, KindBadRequest, "plain text detail", false},
		{http.StatusInternalServerError, `{"error":{"message":"oops"}}`, KindServerError, "oops", true},
		{http.StatusTooManyRequests, `{"error":{"message":"slow down"}}`, KindHTTPError, "slow down", false},
	}
	for _, tc := range cases {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			w.Write([]byte(tc.body))
		})

		_, err := c.CheckStatus(context.Background(), "batch-1")
		var pe *Error
		require.ErrorAs(t, err, &pe, "status %d", tc.status)
		assert.Equal(t, tc.kind, pe.Kind, "status %d", tc.status)
		assert.Equal(t, tc.status, pe.Status, "status %d", tc.status)
		assert.Equal(t, tc.message, pe.Message, "status %d", tc.status)
		assert.Equal(t, tc.retryable, pe.Retryable(), "status %d", tc.status)
	}
}

func TestTransportFailureIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	c := NewClient(Config{APIKey: "sk-test", BaseURL: url}, zap.NewNop())
	_, err := c.CheckStatus(context.Background(), "batch-1")
	var pe *Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, KindRequestFailed, pe.Kind)
	assert.True(t, pe.Retryable())
}
