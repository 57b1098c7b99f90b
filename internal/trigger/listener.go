// Package trigger connects remote producers to the delivery worker.
// Producers that live in another process insert a pending event row and
// publish a small trigger message; the listener folds every message into
// the worker's debounced TriggerNow.
package trigger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Message is the payload producers publish after inserting a pending
// webhook event. The tenant id is informational; a trigger always wakes
// the whole worker.
type Message struct {
	TenantID string `json:"tenant_id,omitempty"`
}

// Waker is the part of the worker the listener needs.
type Waker interface {
	TriggerNow()
}

// Listener consumes trigger messages and wakes the worker.
type Listener struct {
	conn        *Connection
	waker       Waker
	logger      *zap.Logger
	ctx         context.Context
	cancel      context.CancelFunc
	consumerTag string
	started     bool
}

func NewListener(conn *Connection, waker Waker, logger *zap.Logger) *Listener {
	ctx, cancel := context.WithCancel(context.Background())
	return &Listener{
		conn:        conn,
		waker:       waker,
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
		consumerTag: fmt.Sprintf("webhook-trigger-%d", time.Now().Unix()),
	}
}

// Start registers the consumer and processes messages in a goroutine.
func (l *Listener) Start() error {
	if err := l.startConsuming(); err != nil {
		return err
	}
	l.started = true
	l.logger.Info("Trigger listener started",
		zap.String("consumer_tag", l.consumerTag),
	)
	return nil
}

func (l *Listener) startConsuming() error {
	messages, err := l.conn.Consume(l.consumerTag)
	if err != nil {
		return fmt.Errorf("failed to start consuming trigger queue: %w", err)
	}
	go l.processMessages(messages)
	return nil
}

// Stop cancels the consumer.
func (l *Listener) Stop() {
	l.cancel()
	if err := l.conn.CancelConsumer(l.consumerTag); err != nil {
		l.logger.Error("Failed to cancel trigger consumer",
			zap.String("consumer_tag", l.consumerTag),
			zap.Error(err),
		)
	}
	l.logger.Info("Trigger listener stopped")
}

func (l *Listener) processMessages(messages <-chan amqp.Delivery) {
	for {
		select {
		case <-l.ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				l.logger.Warn("Trigger channel closed, attempting to restart consumer...")
				for l.started {
					select {
					case <-l.ctx.Done():
						return
					default:
					}

					time.Sleep(2 * time.Second)
					if !l.conn.IsHealthy() {
						continue
					}
					if err := l.startConsuming(); err != nil {
						l.logger.Error("Failed to restart trigger consumer, will retry", zap.Error(err))
						time.Sleep(5 * time.Second)
						continue
					}
					// New goroutine took over the stream.
					return
				}
				return
			}
			l.handleDelivery(msg)
		}
	}
}

// handleDelivery decodes one trigger message. Malformed messages are
// ACKed and dropped; there is nothing to retry, the debounced trigger
// fires either way on the next valid message.
func (l *Listener) handleDelivery(msg amqp.Delivery) {
	trigger, err := decodeMessage(msg.Body)
	if err != nil {
		l.logger.Error("Failed to decode trigger message",
			zap.Uint64("delivery_tag", msg.DeliveryTag),
			zap.Error(err),
		)
		if err := msg.Ack(false); err != nil {
			l.logger.Error("Failed to ack malformed trigger", zap.Error(err))
		}
		return
	}

	l.logger.Debug("Trigger received",
		zap.String("tenant_id", trigger.TenantID),
		zap.Uint64("delivery_tag", msg.DeliveryTag),
	)
	l.waker.TriggerNow()

	if err := msg.Ack(false); err != nil {
		l.logger.Error("Failed to ack trigger message",
			zap.Uint64("delivery_tag", msg.DeliveryTag),
			zap.Error(err),
		)
	}
}

func decodeMessage(body []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(body, &m); err != nil {
		return Message{}, fmt.Errorf("failed to unmarshal trigger message: %w", err)
	}
	return m, nil
}
