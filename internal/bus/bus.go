// Package bus provides topic-based publish/subscribe used for intra-process
// coordination. A memory implementation serves single-process deployments
// and tests; the Redis implementation fans events out across processes.
package bus

import "context"

// Topics published by the core.
const (
	TopicBatchStateChanged = "batch.state_changed"
	TopicBatchDestroyed    = "batch.destroyed"
)

// Event is one published message.
type Event struct {
	Topic   string
	Payload []byte
}

// Bus is a minimal topic pub/sub contract. Subscribe returns a receive
// channel and a cancel function; cancelling closes the channel.
type Bus interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(topic string) (<-chan Event, func())
	Close() error
}
