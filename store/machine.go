package store

// BatchAction names an edge in the batch state machine.
type BatchAction string

// Batch actions.
const (
	BatchActionStartUpload        BatchAction = "start_upload"
	BatchActionUpload             BatchAction = "upload"
	BatchActionCreateProvider     BatchAction = "create_provider"
	BatchActionMarkExpired        BatchAction = "mark_expired"
	BatchActionFinishProcessing   BatchAction = "finish_processing"
	BatchActionStartDownloading   BatchAction = "start_downloading"
	BatchActionFinalize           BatchAction = "finalize"
	BatchActionStartDelivering    BatchAction = "start_delivering"
	BatchActionMarkDelivered      BatchAction = "mark_delivered"
	BatchActionMarkPartial        BatchAction = "mark_partially_delivered"
	BatchActionMarkDeliveryFailed BatchAction = "mark_delivery_failed"
	BatchActionBeginRedeliver     BatchAction = "begin_redeliver"
	BatchActionFail               BatchAction = "fail"
	BatchActionCancel             BatchAction = "cancel"
)

type batchEdge struct {
	from []BatchState
	to   BatchState
}

// batchNonTerminal lists every state cancel may leave from. fail excludes
// delivered and cancelled on top of the terminal set.
var batchNonTerminal = []BatchState{
	BatchStateBuilding, BatchStateUploading, BatchStateUploaded,
	BatchStateProviderProcessing, BatchStateExpired, BatchStateProviderCompleted,
	BatchStateDownloading, BatchStateReadyToDeliver, BatchStateDelivering,
	BatchStatePartiallyDelivered, BatchStateDeliveryFailed,
}

var batchEdges = map[BatchAction]batchEdge{
	BatchActionStartUpload:      {from: []BatchState{BatchStateBuilding}, to: BatchStateUploading},
	BatchActionUpload:           {from: []BatchState{BatchStateUploading}, to: BatchStateUploaded},
	BatchActionCreateProvider:   {from: []BatchState{BatchStateUploaded, BatchStateExpired}, to: BatchStateProviderProcessing},
	BatchActionMarkExpired:      {from: []BatchState{BatchStateProviderProcessing}, to: BatchStateExpired},
	BatchActionFinishProcessing: {from: []BatchState{BatchStateProviderProcessing}, to: BatchStateProviderCompleted},
	BatchActionStartDownloading: {from: []BatchState{BatchStateProviderCompleted}, to: BatchStateDownloading},
	BatchActionFinalize:         {from: []BatchState{BatchStateDownloading}, to: BatchStateReadyToDeliver},
	BatchActionStartDelivering:  {from: []BatchState{BatchStateReadyToDeliver}, to: BatchStateDelivering},
	BatchActionMarkDelivered:    {from: []BatchState{BatchStateDelivering}, to: BatchStateDelivered},
	BatchActionMarkPartial:      {from: []BatchState{BatchStateDelivering}, to: BatchStatePartiallyDelivered},
	BatchActionMarkDeliveryFailed: {
		from: []BatchState{BatchStateDelivering}, to: BatchStateDeliveryFailed,
	},
	BatchActionBeginRedeliver: {
		from: []BatchState{BatchStatePartiallyDelivered, BatchStateDeliveryFailed}, to: BatchStateDelivering,
	},
	BatchActionFail:   {from: batchNonTerminal, to: BatchStateFailed},
	BatchActionCancel: {from: batchNonTerminal, to: BatchStateCancelled},
}

// BatchActionAllowed reports whether action may fire from state.
func BatchActionAllowed(action BatchAction, state BatchState) bool {
	edge, ok := batchEdges[action]
	if !ok {
		return false
	}
	for _, s := range edge.from {
		if s == state {
			return true
		}
	}
	return false
}

// BatchActionTarget returns the state the action transitions into.
func BatchActionTarget(action BatchAction) (BatchState, bool) {
	edge, ok := batchEdges[action]
	return edge.to, ok
}

// RequestAction names an edge in the request state machine.
type RequestAction string

// Request actions.
const (
	RequestActionStartProcessing    RequestAction = "start_processing"
	RequestActionRecordResult       RequestAction = "record_result"
	RequestActionRecordFailure      RequestAction = "record_failure"
	RequestActionStartDelivering    RequestAction = "start_delivering"
	RequestActionMarkDelivered      RequestAction = "mark_delivered"
	RequestActionMarkDeliveryFailed RequestAction = "mark_delivery_failed"
	RequestActionRetryDelivery      RequestAction = "retry_delivery"
	RequestActionMarkExpired        RequestAction = "mark_expired"
	RequestActionCancel             RequestAction = "cancel"
)

type requestEdge struct {
	from []RequestState
	to   RequestState
}

var requestNonTerminal = []RequestState{
	RequestStatePending, RequestStateProviderProcessing,
	RequestStateProviderProcessed, RequestStateDelivering,
}

var requestEdges = map[RequestAction]requestEdge{
	RequestActionStartProcessing: {from: []RequestState{RequestStatePending}, to: RequestStateProviderProcessing},
	RequestActionRecordResult:    {from: []RequestState{RequestStateProviderProcessing}, to: RequestStateProviderProcessed},
	RequestActionRecordFailure:   {from: []RequestState{RequestStateProviderProcessing}, to: RequestStateFailed},
	RequestActionStartDelivering: {from: []RequestState{RequestStateProviderProcessed}, to: RequestStateDelivering},
	RequestActionMarkDelivered:   {from: []RequestState{RequestStateDelivering}, to: RequestStateDelivered},
	RequestActionMarkDeliveryFailed: {
		from: []RequestState{RequestStateDelivering}, to: RequestStateDeliveryFailed,
	},
	// Re-entry for explicit redelivery: clears the previous delivery outcome
	// and puts the request back in front of the delivery queue.
	RequestActionRetryDelivery: {
		from: []RequestState{RequestStateDeliveryFailed, RequestStateDelivered}, to: RequestStateProviderProcessed,
	},
	RequestActionMarkExpired: {
		from: []RequestState{RequestStatePending, RequestStateProviderProcessing}, to: RequestStateExpired,
	},
	RequestActionCancel: {from: requestNonTerminal, to: RequestStateCancelled},
}

// RequestActionAllowed reports whether action may fire from state.
func RequestActionAllowed(action RequestAction, state RequestState) bool {
	edge, ok := requestEdges[action]
	if !ok {
		return false
	}
	for _, s := range edge.from {
		if s == state {
			return true
		}
	}
	return false
}

// RequestActionTarget returns the state the action transitions into.
func RequestActionTarget(action RequestAction) (RequestState, bool) {
	edge, ok := requestEdges[action]
	return edge.to, ok
}
