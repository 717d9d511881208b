// Package broker defines the queue abstraction the pipeline stages use to
// send and receive work.  Each backend (NATS JetStream, Pulsar) lives in
// its own sub-package and satisfies these interfaces, so stage code never
// depends on a particular messaging system.
package broker

import (
	"context"
	"time"
)

// CorrelationHeader is the message property carrying the correlation id
// that follows a VM through create, benchmark and delete.
const CorrelationHeader = "Diagnostic-Id"

// Dead-letter reasons raised by the brokers themselves.
const (
	ReasonMaxDeliveryCountExceeded = "MaxDeliveryCountExceeded"
)

// messageOverhead approximates the per-message framing a broker adds on
// top of body and properties when accounting against a batch limit.
const messageOverhead = 64

// Message is an outbound queue message.
type Message struct {
	Body          []byte
	CorrelationID string

	// EnqueueAt delays visibility until the given instant.  The zero
	// value means deliver immediately.
	EnqueueAt time.Time

	// Properties are extra application properties.
	Properties map[string]string
}

// Size is the number of bytes the message counts against a batch limit.
func (m Message) Size() int {
	n := messageOverhead + len(m.Body)
	if m.CorrelationID != "" {
		n += len(CorrelationHeader) + len(m.CorrelationID)
	}
	for k, v := range m.Properties {
		n += len(k) + len(v)
	}
	return n
}

// Sender publishes batches of messages to one queue.
type Sender interface {
	// SendBatch publishes msgs.  It returns nil only if every message
	// was accepted by the broker.
	SendBatch(ctx context.Context, msgs []Message) error

	// MaxBatchBytes is the largest total Size a single batch may have.
	MaxBatchBytes() int
}

// Delivery is one received message.  Exactly one of Complete, Abandon
// or DeadLetter should be called; leaving it unsettled lets the broker
// redeliver it once the lease expires.
type Delivery interface {
	Body() []byte
	CorrelationID() string

	// DeliveryCount is 1 on first delivery.
	DeliveryCount() int

	// Complete removes the message from the queue.
	Complete(ctx context.Context) error

	// Abandon releases the lease so the message is redelivered.
	Abandon(ctx context.Context) error

	// DeadLetter moves the message to the dead-letter queue, recording
	// why it could not be processed.
	DeadLetter(ctx context.Context, reason, description string) error
}

// Handler processes one delivery.  A returned error means the delivery
// was left unsettled.
type Handler func(ctx context.Context, d Delivery) error

// Receiver pulls deliveries from one queue.
type Receiver interface {
	// Receive calls h for every delivery until ctx is cancelled, then
	// waits for in-flight handlers and returns.
	Receive(ctx context.Context, h Handler) error
}

// Broker hands out senders and receivers by queue name.
type Broker interface {
	Sender(ctx context.Context, queue string) (Sender, error)
	Receiver(ctx context.Context, queue string) (Receiver, error)
	Close() error
}
