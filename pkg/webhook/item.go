// Package webhook signs, queues and delivers outbound webhooks, and verifies inbound ones.
package webhook

import (
	"encoding/json"
	"maps"
	"time"
)

// Item is one outbound delivery.
type Item struct {
	ID            string            `json:"id"`
	URL           string            `json:"url"`
	EventType     string            `json:"event_type"`
	Payload       json.RawMessage   `json:"payload"`
	Headers       map[string]string `json:"headers,omitempty"`
	Secret        string            `json:"-"`
	Attempts      int               `json:"attempts"`
	LastError     string            `json:"last_error,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	LastAttemptAt *time.Time        `json:"last_attempt_at,omitempty"`
	NextRetryAt   *time.Time        `json:"next_retry_at,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`

	// Retry policy. Zero values fall back to the queue configuration.
	MaxRetries        int           `json:"max_retries,omitempty"`
	BaseDelay         time.Duration `json:"base_delay,omitempty"`
	BackoffMultiplier float64       `json:"backoff_multiplier,omitempty"`
}

func (i *Item) clone() *Item {
	c := *i
	c.Headers = maps.Clone(i.Headers)
	c.Metadata = maps.Clone(i.Metadata)

	return &c
}

// storedItem keeps the secret when an item is persisted, so a retried dead letter can be signed.
type storedItem struct {
	Item
	Secret string `json:"secret,omitempty"`
}

func marshalItem(item *Item) ([]byte, error) {
	return json.Marshal(storedItem{Item: *item, Secret: item.Secret})
}

func unmarshalItem(data []byte) (*Item, error) {
	var stored storedItem
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, err
	}

	item := stored.Item
	item.Secret = stored.Secret

	return &item, nil
}
