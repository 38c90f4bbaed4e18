package testutil

import (
	"context"
	"sync"

	"github.com/williamwinkler/openai-batch-manager-sub003/delivery"
)

// WebhookCall records one webhook publish.
type WebhookCall struct {
	URL  string
	Body []byte
}

// FakeWebhook is a scriptable delivery.WebhookPublisher. Results are consumed
// left to right; the last one repeats. With no script every publish succeeds.
type FakeWebhook struct {
	mu      sync.Mutex
	Results []delivery.Result
	Calls   []WebhookCall
}

// Publish records the call and pops the next scripted result.
func (f *FakeWebhook) Publish(_ context.Context, url string, body []byte) delivery.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, WebhookCall{URL: url, Body: append([]byte(nil), body...)})
	if len(f.Results) == 0 {
		return delivery.Result{Outcome: delivery.OutcomeSuccess}
	}
	r := f.Results[0]
	if len(f.Results) > 1 {
		f.Results = f.Results[1:]
	}
	return r
}

// CallCount returns how many publishes were made.
func (f *FakeWebhook) CallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Calls)
}

// QueueCall records one queue publish.
type QueueCall struct {
	Exchange   string
	RoutingKey string
	Body       []byte
}

// FakeQueue is a scriptable delivery.QueuePublisher.
type FakeQueue struct {
	mu           sync.Mutex
	Results      []delivery.Result
	Calls        []QueueCall
	Disconnected bool
}

// Publish records the call and pops the next scripted result.
func (f *FakeQueue) Publish(_ context.Context, exchange, routingKey string, body []byte) delivery.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Disconnected {
		return delivery.Result{Outcome: delivery.OutcomeConnectionError, ErrorMsg: "broker not connected"}
	}
	f.Calls = append(f.Calls, QueueCall{Exchange: exchange, RoutingKey: routingKey, Body: append([]byte(nil), body...)})
	if len(f.Results) == 0 {
		return delivery.Result{Outcome: delivery.OutcomeSuccess}
	}
	r := f.Results[0]
	if len(f.Results) > 1 {
		f.Results = f.Results[1:]
	}
	return r
}

// Connected reports the scripted connectivity.
func (f *FakeQueue) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.Disconnected
}

// SetDisconnected toggles the scripted connectivity.
func (f *FakeQueue) SetDisconnected(down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Disconnected = down
}

// ClearDestinationCache implements delivery.QueuePublisher. No-op.
func (f *FakeQueue) ClearDestinationCache(exchange, routingKey string) {}

// ClearAllCache implements delivery.QueuePublisher. No-op.
func (f *FakeQueue) ClearAllCache() {}

// CallCount returns how many publishes were made.
func (f *FakeQueue) CallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Calls)
}
