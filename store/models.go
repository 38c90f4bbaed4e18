package store

import (
	"time"
)

// Endpoint is a provider-side batch API target.
type Endpoint string

// Supported batch endpoints.
const (
	EndpointResponses       Endpoint = "/v1/responses"
	EndpointChatCompletions Endpoint = "/v1/chat/completions"
	EndpointCompletions     Endpoint = "/v1/completions"
	EndpointEmbeddings      Endpoint = "/v1/embeddings"
	EndpointModerations     Endpoint = "/v1/moderations"
)

// Valid reports whether e is one of the supported endpoints.
func (e Endpoint) Valid() bool {
	switch e {
	case EndpointResponses, EndpointChatCompletions, EndpointCompletions,
		EndpointEmbeddings, EndpointModerations:
		return true
	}
	return false
}

// BatchState is the lifecycle state of a Batch.
type BatchState string

// Batch lifecycle states.
const (
	BatchStateBuilding           BatchState = "building"
	BatchStateUploading          BatchState = "uploading"
	BatchStateUploaded           BatchState = "uploaded"
	BatchStateProviderProcessing BatchState = "provider_processing"
	BatchStateExpired            BatchState = "expired"
	BatchStateProviderCompleted  BatchState = "provider_completed"
	BatchStateDownloading        BatchState = "downloading"
	BatchStateReadyToDeliver     BatchState = "ready_to_deliver"
	BatchStateDelivering         BatchState = "delivering"
	BatchStateDelivered          BatchState = "delivered"
	BatchStatePartiallyDelivered BatchState = "partially_delivered"
	BatchStateDeliveryFailed     BatchState = "delivery_failed"
	BatchStateFailed             BatchState = "failed"
	BatchStateCancelled          BatchState = "cancelled"
)

// Terminal reports whether the state has no outgoing transitions.
func (s BatchState) Terminal() bool {
	switch s {
	case BatchStateDelivered, BatchStateFailed, BatchStateCancelled:
		return true
	}
	return false
}

// RequestState is the lifecycle state of a Request.
type RequestState string

// Request lifecycle states.
const (
	RequestStatePending            RequestState = "pending"
	RequestStateProviderProcessing RequestState = "provider_processing"
	RequestStateProviderProcessed  RequestState = "provider_processed"
	RequestStateDelivering         RequestState = "delivering"
	RequestStateDelivered          RequestState = "delivered"
	RequestStateFailed             RequestState = "failed"
	RequestStateDeliveryFailed     RequestState = "delivery_failed"
	RequestStateExpired            RequestState = "expired"
	RequestStateCancelled          RequestState = "cancelled"
)

// Terminal reports whether the state has no outgoing transitions.
// delivered and delivery_failed are terminal for the normal flow but may
// still be re-entered into delivery via ActionRetryDelivery.
func (s RequestState) Terminal() bool {
	switch s {
	case RequestStateDelivered, RequestStateFailed, RequestStateDeliveryFailed,
		RequestStateExpired, RequestStateCancelled:
		return true
	}
	return false
}

// Batch groups requests that share (endpoint, model) into one provider-side
// batch file. At most one batch per key is in the building state.
type Batch struct {
	ID       uint       `gorm:"primaryKey" json:"id"`
	Endpoint string     `gorm:"size:64;not null;index:idx_batches_endpoint_model" json:"endpoint"`
	Model    string     `gorm:"size:128;not null;index:idx_batches_endpoint_model" json:"model"`
	State    BatchState `gorm:"size:32;not null;index" json:"state"`

	ProviderInputFileID         *string    `gorm:"size:128" json:"provider_input_file_id,omitempty"`
	ProviderOutputFileID        *string    `gorm:"size:128" json:"provider_output_file_id,omitempty"`
	ProviderErrorFileID         *string    `gorm:"size:128" json:"provider_error_file_id,omitempty"`
	ProviderBatchID             *string    `gorm:"size:128" json:"provider_batch_id,omitempty"`
	ProviderStatusLastCheckedAt *time.Time `json:"provider_status_last_checked_at,omitempty"`
	ExpiresAt                   *time.Time `gorm:"index" json:"expires_at,omitempty"`

	InputTokens       int64 `gorm:"not null;default:0" json:"input_tokens"`
	CachedInputTokens int64 `gorm:"not null;default:0" json:"cached_input_tokens"`
	ReasoningTokens   int64 `gorm:"not null;default:0" json:"reasoning_tokens"`
	OutputTokens      int64 `gorm:"not null;default:0" json:"output_tokens"`

	ErrorMsg  *string   `gorm:"type:text" json:"error_msg,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName implements the GORM table-name convention.
func (Batch) TableName() string { return "batches" }

// Request is a single client-submitted LLM call, identified externally by
// its custom ID. (batch_id, custom_id) is unique.
type Request struct {
	ID       uint         `gorm:"primaryKey" json:"id"`
	BatchID  uint         `gorm:"not null;uniqueIndex:idx_requests_batch_custom;index" json:"batch_id"`
	CustomID string       `gorm:"size:256;not null;uniqueIndex:idx_requests_batch_custom" json:"custom_id"`
	Endpoint string       `gorm:"size:64;not null" json:"endpoint"`
	Model    string       `gorm:"size:128;not null" json:"model"`
	State    RequestState `gorm:"size:32;not null;index" json:"state"`

	// RequestPayload is the canonical JSON serialization used both for the
	// provider batch file and for auditing. RequestPayloadSize is its byte
	// length.
	RequestPayload     string `gorm:"type:text;not null" json:"request_payload"`
	RequestPayloadSize int64  `gorm:"not null" json:"request_payload_size"`

	DeliveryConfig  string  `gorm:"type:text;not null" json:"delivery_config"`
	ResponsePayload *string `gorm:"type:text" json:"response_payload,omitempty"`
	ErrorMsg        *string `gorm:"type:text" json:"error_msg,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName implements the GORM table-name convention.
func (Request) TableName() string { return "requests" }

// BatchTransition is an append-only audit row written atomically with every
// batch state change.
type BatchTransition struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	BatchID        uint      `gorm:"not null;index" json:"batch_id"`
	From           *string   `gorm:"size:32" json:"from,omitempty"`
	To             string    `gorm:"size:32;not null" json:"to"`
	TransitionedAt time.Time `gorm:"not null" json:"transitioned_at"`
}

// TableName implements the GORM table-name convention.
func (BatchTransition) TableName() string { return "batch_transitions" }

// RequestTransition is the request-level counterpart of BatchTransition.
type RequestTransition struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	RequestID      uint      `gorm:"not null;index" json:"request_id"`
	From           *string   `gorm:"size:32" json:"from,omitempty"`
	To             string    `gorm:"size:32;not null" json:"to"`
	TransitionedAt time.Time `gorm:"not null" json:"transitioned_at"`
}

// TableName implements the GORM table-name convention.
func (RequestTransition) TableName() string { return "request_transitions" }

// RequestDeliveryAttempt records one physical delivery attempt, including a
// snapshot of the delivery config in effect at attempt time.
type RequestDeliveryAttempt struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	RequestID      uint      `gorm:"not null;index" json:"request_id"`
	DeliveryConfig string    `gorm:"type:text;not null" json:"delivery_config"`
	Outcome        string    `gorm:"size:40;not null" json:"outcome"`
	ErrorMsg       *string   `gorm:"type:text" json:"error_msg,omitempty"`
	AttemptedAt    time.Time `gorm:"not null" json:"attempted_at"`
}

// TableName implements the GORM table-name convention.
func (RequestDeliveryAttempt) TableName() string { return "request_delivery_attempts" }
