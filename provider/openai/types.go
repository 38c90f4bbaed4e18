package openai

import "encoding/json"

// FileObject is the provider's file resource.
type FileObject struct {
	ID        string `json:"id"`
	Object    string `json:"object"`
	Bytes     int64  `json:"bytes"`
	CreatedAt int64  `json:"created_at"`
	Filename  string `json:"filename"`
	Purpose   string `json:"purpose"`
}

// Batch status values reported by the provider.
const (
	BatchStatusValidating = "validating"
	BatchStatusFailed     = "failed"
	BatchStatusInProgress = "in_progress"
	BatchStatusFinalizing = "finalizing"
	BatchStatusCompleted  = "completed"
	BatchStatusExpired    = "expired"
	BatchStatusCancelling = "cancelling"
	BatchStatusCancelled  = "cancelled"
)

// RequestCounts summarizes per-request progress inside a provider batch.
type RequestCounts struct {
	Total     int64 `json:"total"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// Usage carries the token accounting the provider reports for a finished
// batch. Absent fields stay zero.
type Usage struct {
	InputTokens       int64 `json:"input_tokens"`
	CachedInputTokens int64 `json:"cached_input_tokens"`
	ReasoningTokens   int64 `json:"reasoning_tokens"`
	OutputTokens      int64 `json:"output_tokens"`
}

// BatchObject is the provider's batch resource.
type BatchObject struct {
	ID               string        `json:"id"`
	Object           string        `json:"object"`
	Endpoint         string        `json:"endpoint"`
	InputFileID      string        `json:"input_file_id"`
	CompletionWindow string        `json:"completion_window"`
	Status           string        `json:"status"`
	OutputFileID     string        `json:"output_file_id,omitempty"`
	ErrorFileID      string        `json:"error_file_id,omitempty"`
	CreatedAt        int64         `json:"created_at"`
	ExpiresAt        int64         `json:"expires_at,omitempty"`
	RequestCounts    RequestCounts `json:"request_counts"`
	Usage            *Usage        `json:"usage,omitempty"`
}

// OutputLine is one record of a provider output or error file. Response is
// kept raw so unknown provider fields are preserved verbatim when persisted;
// decode it into OutputResponse to inspect the status code.
type OutputLine struct {
	ID       string          `json:"id"`
	CustomID string          `json:"custom_id"`
	Response json.RawMessage `json:"response,omitempty"`
	Error    *OutputError    `json:"error,omitempty"`
}

// DecodeResponse parses the raw response of an output line.
func (l OutputLine) DecodeResponse() (*OutputResponse, error) {
	if len(l.Response) == 0 || string(l.Response) == "null" {
		return nil, nil
	}
	var resp OutputResponse
	if err := json.Unmarshal(l.Response, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// OutputResponse is the per-request HTTP result embedded in an output line.
// Body is kept raw so unknown provider fields survive storage verbatim.
type OutputResponse struct {
	StatusCode int             `json:"status_code"`
	RequestID  string          `json:"request_id,omitempty"`
	Body       json.RawMessage `json:"body"`
}

// OutputError is the per-request error embedded in an output line.
type OutputError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}
