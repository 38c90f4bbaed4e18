package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

var allBatchStates = []BatchState{
	BatchStateBuilding, BatchStateUploading, BatchStateUploaded,
	BatchStateProviderProcessing, BatchStateExpired, BatchStateProviderCompleted,
	BatchStateDownloading, BatchStateReadyToDeliver, BatchStateDelivering,
	BatchStateDelivered, BatchStatePartiallyDelivered, BatchStateDeliveryFailed,
	BatchStateFailed, BatchStateCancelled,
}

var allBatchActions = []BatchAction{
	BatchActionStartUpload, BatchActionUpload, BatchActionCreateProvider,
	BatchActionMarkExpired, BatchActionFinishProcessing, BatchActionStartDownloading,
	BatchActionFinalize, BatchActionStartDelivering, BatchActionMarkDelivered,
	BatchActionMarkPartial, BatchActionMarkDeliveryFailed, BatchActionBeginRedeliver,
	BatchActionFail, BatchActionCancel,
}

var allRequestStates = []RequestState{
	RequestStatePending, RequestStateProviderProcessing, RequestStateProviderProcessed,
	RequestStateDelivering, RequestStateDelivered, RequestStateFailed,
	RequestStateDeliveryFailed, RequestStateExpired, RequestStateCancelled,
}

var allRequestActions = []RequestAction{
	RequestActionStartProcessing, RequestActionRecordResult, RequestActionRecordFailure,
	RequestActionStartDelivering, RequestActionMarkDelivered, RequestActionMarkDeliveryFailed,
	RequestActionRetryDelivery, RequestActionMarkExpired, RequestActionCancel,
}

func TestBatchMachine_TerminalStatesAreDeadEnds(t *testing.T) {
	for _, state := range allBatchStates {
		if !state.Terminal() {
			continue
		}
		for _, action := range allBatchActions {
			assert.False(t, BatchActionAllowed(action, state),
				"action %s must not fire from terminal state %s", action, state)
		}
	}
}

func TestBatchMachine_EveryNonTerminalCanFailAndCancel(t *testing.T) {
	for _, state := range allBatchStates {
		if state.Terminal() {
			continue
		}
		assert.True(t, BatchActionAllowed(BatchActionFail, state), "fail from %s", state)
		assert.True(t, BatchActionAllowed(BatchActionCancel, state), "cancel from %s", state)
	}
}

func TestRequestMachine_TerminalReentry(t *testing.T) {
	// Of the terminal request states, only delivered and delivery_failed may
	// re-enter the flow, and only via retry_delivery.
	for _, state := range allRequestStates {
		if !state.Terminal() {
			continue
		}
		for _, action := range allRequestActions {
			allowed := RequestActionAllowed(action, state)
			if action == RequestActionRetryDelivery &&
				(state == RequestStateDelivered || state == RequestStateDeliveryFailed) {
				assert.True(t, allowed, "retry_delivery must fire from %s", state)
				continue
			}
			assert.False(t, allowed, "action %s must not fire from terminal state %s", action, state)
		}
	}
}

func TestBatchMachine_WalkNeverEscapes(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		state := BatchStateBuilding
		steps := rapid.IntRange(1, 40).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			action := rapid.SampledFrom(allBatchActions).Draw(t, "action")
			target, ok := BatchActionTarget(action)
			if !ok {
				t.Fatalf("action %s has no target", action)
			}
			if !BatchActionAllowed(action, state) {
				// A refused action must leave the state untouched.
				continue
			}
			if state.Terminal() {
				t.Fatalf("action %s escaped terminal state %s", action, state)
			}
			state = target
		}
		// Wherever the walk ended, the state is one of the declared states.
		found := false
		for _, s := range allBatchStates {
			if s == state {
				found = true
				break
			}
		}
		if !found {
			t.Fatalf("walk reached undeclared state %s", state)
		}
	})
}

func TestRequestMachine_WalkRespectsRetryBudgetShape(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		state := RequestStatePending
		steps := rapid.IntRange(1, 40).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			action := rapid.SampledFrom(allRequestActions).Draw(t, "action")
			if !RequestActionAllowed(action, state) {
				continue
			}
			target, ok := RequestActionTarget(action)
			if !ok {
				t.Fatalf("action %s has no target", action)
			}
			// The only edges leaving a terminal state are the retry re-entry.
			if state.Terminal() && action != RequestActionRetryDelivery {
				t.Fatalf("action %s escaped terminal state %s", action, state)
			}
			if action == RequestActionRetryDelivery && target != RequestStateProviderProcessed {
				t.Fatalf("retry_delivery must land in provider_processed, got %s", target)
			}
			state = target
		}
	})
}
