package store

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

// DeliveryType discriminates the delivery config union.
type DeliveryType string

// Delivery types.
const (
	DeliveryTypeWebhook DeliveryType = "webhook"
	DeliveryTypeQueue   DeliveryType = "queue"
)

// DeliveryConfig is the tagged union describing where a completed request's
// result is forwarded. Exactly one of the two queue shapes is allowed:
// queue_name alone, or exchange plus routing_key (with optional queue_name).
type DeliveryConfig struct {
	Type DeliveryType `json:"type"`

	// Webhook shape.
	URL string `json:"url,omitempty"`

	// Queue shapes.
	QueueName  string `json:"queue_name,omitempty"`
	Exchange   string `json:"exchange,omitempty"`
	RoutingKey string `json:"routing_key,omitempty"`
}

// Validate checks the config for well-formedness.
func (c DeliveryConfig) Validate() error {
	switch c.Type {
	case DeliveryTypeWebhook:
		return c.validateWebhook()
	case DeliveryTypeQueue:
		return c.validateQueue()
	default:
		return fmt.Errorf("unknown delivery type %q", c.Type)
	}
}

func (c DeliveryConfig) validateWebhook() error {
	if c.URL == "" {
		return fmt.Errorf("webhook delivery requires a url")
	}
	u, err := url.Parse(c.URL)
	if err != nil {
		return fmt.Errorf("invalid webhook url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("webhook url scheme must be http or https, got %q", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("webhook url has no host")
	}
	if host != "localhost" && !strings.Contains(host, ".") {
		return fmt.Errorf("webhook url host %q must be localhost or a dotted hostname", host)
	}
	return nil
}

func (c DeliveryConfig) validateQueue() error {
	hasQueue := c.QueueName != ""
	hasExchange := c.Exchange != ""
	switch {
	case hasExchange:
		if c.RoutingKey == "" {
			return fmt.Errorf("queue delivery with an exchange requires a routing_key")
		}
		return nil
	case hasQueue:
		if c.RoutingKey != "" {
			return fmt.Errorf("routing_key is only valid together with an exchange")
		}
		return nil
	default:
		return fmt.Errorf("queue delivery requires either queue_name or exchange+routing_key")
	}
}

// DestinationKey returns the (exchange, routing key) pair the queue sink
// publishes to. The queue_name shape publishes to the default exchange with
// the queue name as routing key.
func (c DeliveryConfig) DestinationKey() (exchange, routingKey string) {
	if c.Exchange != "" {
		return c.Exchange, c.RoutingKey
	}
	return "", c.QueueName
}

// Encode serializes the config for persistence.
func (c DeliveryConfig) Encode() (string, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("failed to encode delivery config: %w", err)
	}
	return string(raw), nil
}

// DecodeDeliveryConfig parses a persisted delivery config.
func DecodeDeliveryConfig(raw string) (DeliveryConfig, error) {
	var c DeliveryConfig
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return DeliveryConfig{}, fmt.Errorf("failed to decode delivery config: %w", err)
	}
	return c, nil
}
