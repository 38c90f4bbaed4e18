package bus

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/williamwinkler/openai-batch-manager-sub003/store"
)

// BatchEvent is the payload published on the batch coordination topics.
type BatchEvent struct {
	BatchID uint   `json:"batch_id"`
	State   string `json:"state,omitempty"`
}

// StoreNotifier adapts a Bus to the store's post-commit event hook.
type StoreNotifier struct {
	bus    Bus
	logger *zap.Logger
}

// NewStoreNotifier creates the adapter.
func NewStoreNotifier(b Bus, logger *zap.Logger) *StoreNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreNotifier{bus: b, logger: logger}
}

// BatchStateChanged publishes on TopicBatchStateChanged.
func (n *StoreNotifier) BatchStateChanged(ctx context.Context, batchID uint, state store.BatchState) {
	payload, _ := json.Marshal(BatchEvent{BatchID: batchID, State: string(state)})
	if err := n.bus.Publish(ctx, TopicBatchStateChanged, payload); err != nil {
		n.logger.Warn("failed to publish batch state change",
			zap.Uint("batch_id", batchID), zap.Error(err))
	}
}

// BatchDestroyed publishes on TopicBatchDestroyed.
func (n *StoreNotifier) BatchDestroyed(ctx context.Context, batchID uint) {
	payload, _ := json.Marshal(BatchEvent{BatchID: batchID})
	if err := n.bus.Publish(ctx, TopicBatchDestroyed, payload); err != nil {
		n.logger.Warn("failed to publish batch destroyed",
			zap.Uint("batch_id", batchID), zap.Error(err))
	}
}
