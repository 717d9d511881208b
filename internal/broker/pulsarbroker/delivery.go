package pulsarbroker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/apache/pulsar-client-go/pulsar"

	"github.com/terrpan/octane/internal/broker"
)

// ErrLeaseExpired is returned when a delivery is settled after its lease
// already NAKed it.
var ErrLeaseExpired = errors.New("lease expired before settlement")

// received is the part of pulsar.Message a delivery reads.
type received interface {
	Payload() []byte
	Properties() map[string]string
	RedeliveryCount() uint32
}

// acker is the part of pulsar.Consumer a delivery settles through.
type acker interface {
	Ack(pulsar.Message) error
	Nack(pulsar.Message)
}

type delivery struct {
	msg        pulsar.Message
	consumer   acker
	deadLetter func(ctx context.Context, pm *pulsar.ProducerMessage) error

	mu      sync.Mutex
	settled bool
}

var _ broker.Delivery = (*delivery)(nil)

func (d *delivery) Body() []byte { return d.msg.Payload() }

func (d *delivery) CorrelationID() string {
	return d.msg.Properties()[broker.CorrelationHeader]
}

func (d *delivery) DeliveryCount() int { return deliveryCount(d.msg) }

func deliveryCount(m received) int { return int(m.RedeliveryCount()) + 1 }

// claim marks d settled.  It reports false if d was already settled or
// its lease expired.
func (d *delivery) claim() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.settled {
		return false
	}
	d.settled = true
	return true
}

func (d *delivery) unclaim() {
	d.mu.Lock()
	d.settled = false
	d.mu.Unlock()
}

// hold NAKs d if nothing settles it within lease, since Pulsar consumers
// have no ack timeout of their own.  onExpiry runs after that NAK.  The
// returned func stops the lease.
func (d *delivery) hold(lease time.Duration, onExpiry func()) func() {
	if lease <= 0 {
		return func() {}
	}
	t := time.AfterFunc(lease, func() {
		if d.claim() {
			d.consumer.Nack(d.msg)
			onExpiry()
		}
	})
	return func() { t.Stop() }
}

func (d *delivery) Complete(context.Context) error {
	if !d.claim() {
		return ErrLeaseExpired
	}
	if err := d.consumer.Ack(d.msg); err != nil {
		return fmt.Errorf("ack: %w", err)
	}
	return nil
}

// Abandon negatively acknowledges; the subscription's DLQ policy takes
// over once redeliveries are exhausted.
func (d *delivery) Abandon(context.Context) error {
	if !d.claim() {
		return ErrLeaseExpired
	}
	d.consumer.Nack(d.msg)
	return nil
}

func (d *delivery) DeadLetter(ctx context.Context, reason, description string) error {
	if !d.claim() {
		return ErrLeaseExpired
	}
	if err := d.deadLetter(ctx, deadLetterMessage(d.msg, reason, description)); err != nil {
		d.unclaim()
		return fmt.Errorf("produce dead letter: %w", err)
	}
	if err := d.consumer.Ack(d.msg); err != nil {
		return fmt.Errorf("ack dead-lettered message: %w", err)
	}
	return nil
}

func deadLetterMessage(m received, reason, description string) *pulsar.ProducerMessage {
	props := make(map[string]string, len(m.Properties())+2)
	for k, v := range m.Properties() {
		props[k] = v
	}
	props[DeadLetterReasonProperty] = reason
	props[DeadLetterDescriptionProperty] = description
	return &pulsar.ProducerMessage{Payload: m.Payload(), Properties: props}
}
