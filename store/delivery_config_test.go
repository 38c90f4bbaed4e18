package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeliveryConfig_Validate(t *testing.T) {
	cases := []struct {
		name    string
		cfg     DeliveryConfig
		wantErr bool
	}{
		{"webhook https", DeliveryConfig{Type: DeliveryTypeWebhook, URL: "https://example.com/hook"}, false},
		{"webhook http localhost", DeliveryConfig{Type: DeliveryTypeWebhook, URL: "http://localhost:9090/hook"}, false},
		{"webhook missing url", DeliveryConfig{Type: DeliveryTypeWebhook}, true},
		{"webhook bad scheme", DeliveryConfig{Type: DeliveryTypeWebhook, URL: "ftp://example.com/x"}, true},
		{"webhook bare host", DeliveryConfig{Type: DeliveryTypeWebhook, URL: "https://internalbox/hook"}, true},
		{"queue name only", DeliveryConfig{Type: DeliveryTypeQueue, QueueName: "results"}, false},
		{"exchange with routing key", DeliveryConfig{Type: DeliveryTypeQueue, Exchange: "events", RoutingKey: "batch.done"}, false},
		{"exchange without routing key", DeliveryConfig{Type: DeliveryTypeQueue, Exchange: "events"}, true},
		{"routing key without exchange", DeliveryConfig{Type: DeliveryTypeQueue, QueueName: "results", RoutingKey: "x"}, true},
		{"queue empty", DeliveryConfig{Type: DeliveryTypeQueue}, true},
		{"unknown type", DeliveryConfig{Type: "carrier_pigeon"}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDeliveryConfig_DestinationKey(t *testing.T) {
	exchange, key := DeliveryConfig{Type: DeliveryTypeQueue, QueueName: "results"}.DestinationKey()
	assert.Empty(t, exchange)
	assert.Equal(t, "results", key)

	exchange, key = DeliveryConfig{Type: DeliveryTypeQueue, Exchange: "events", RoutingKey: "batch.done"}.DestinationKey()
	assert.Equal(t, "events", exchange)
	assert.Equal(t, "batch.done", key)
}

func TestDeliveryConfig_EncodeDecode(t *testing.T) {
	cfg := DeliveryConfig{Type: DeliveryTypeQueue, Exchange: "events", RoutingKey: "batch.done"}
	raw, err := cfg.Encode()
	require.NoError(t, err)

	got, err := DecodeDeliveryConfig(raw)
	require.NoError(t, err)
	assert.Equal(t, cfg, got)

	_, err = DecodeDeliveryConfig("{not json")
	assert.Error(t, err)
}
