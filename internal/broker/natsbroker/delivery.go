package natsbroker

import (
	"context"
	"fmt"
	"strconv"

	"github.com/nats-io/nats.go"

	"github.com/terrpan/octane/internal/broker"
)

// settler is the part of jetstream.Msg a delivery settles through.
type settler interface {
	Data() []byte
	Headers() nats.Header
	Ack() error
	Nak() error
	Term() error
}

type delivery struct {
	msg        settler
	count      int
	maxDeliver int
	deadLetter func(ctx context.Context, m *nats.Msg) error
}

var _ broker.Delivery = (*delivery)(nil)

func (d *delivery) Body() []byte { return d.msg.Data() }

func (d *delivery) CorrelationID() string {
	return d.msg.Headers().Get(broker.CorrelationHeader)
}

func (d *delivery) DeliveryCount() int { return d.count }

func (d *delivery) Complete(context.Context) error {
	if err := d.msg.Ack(); err != nil {
		return fmt.Errorf("ack: %w", err)
	}
	return nil
}

// Abandon NAKs for immediate redelivery.  On the last allowed delivery
// JetStream would silently drop the message, so it is dead-lettered
// instead.
func (d *delivery) Abandon(ctx context.Context) error {
	if d.maxDeliver > 0 && d.count >= d.maxDeliver {
		return d.DeadLetter(ctx, broker.ReasonMaxDeliveryCountExceeded,
			"abandoned on delivery "+strconv.Itoa(d.count)+" of "+strconv.Itoa(d.maxDeliver))
	}
	if err := d.msg.Nak(); err != nil {
		return fmt.Errorf("nak: %w", err)
	}
	return nil
}

// DeadLetter republishes a copy with the reason headers, then terminates
// the original so it is never redelivered.
func (d *delivery) DeadLetter(ctx context.Context, reason, description string) error {
	m := nats.NewMsg("")
	m.Data = d.msg.Data()
	for k, vs := range d.msg.Headers() {
		for _, v := range vs {
			m.Header.Add(k, v)
		}
	}
	m.Header.Del(EnqueueAtHeader)
	m.Header.Set(DeadLetterReasonHeader, reason)
	m.Header.Set(DeadLetterDescriptionHeader, description)

	if err := d.deadLetter(ctx, m); err != nil {
		return fmt.Errorf("publish dead letter: %w", err)
	}
	if err := d.msg.Term(); err != nil {
		return fmt.Errorf("term: %w", err)
	}
	return nil
}
