package trigger

import (
	"encoding/json"
	"fmt"
)

// publishQueue is the slice of Connection the publisher needs.
type publishQueue interface {
	Publish(body []byte) error
}

// Publisher is the producer-side counterpart of the listener. After
// inserting a pending webhook_events row, call Notify to wake the
// delivery workers with low latency.
type Publisher struct {
	conn publishQueue
}

func NewPublisher(conn *Connection) *Publisher {
	return &Publisher{conn: conn}
}

// Notify publishes a trigger message for a tenant.
func (p *Publisher) Notify(tenantID string) error {
	body, err := json.Marshal(Message{TenantID: tenantID})
	if err != nil {
		return fmt.Errorf("failed to marshal trigger message: %w", err)
	}
	return p.conn.Publish(body)
}
