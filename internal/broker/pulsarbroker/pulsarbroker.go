// Package pulsarbroker implements broker.Broker on Apache Pulsar.
//
// Each queue is a topic consumed through a shared subscription.
// Scheduled enqueue uses Pulsar's DeliverAt.  Reason-coded dead letters
// are produced to "<topic>-deadletter" explicitly; the consumer DLQ
// policy routes messages that exhaust their redeliveries to the same
// topic.  Pulsar consumers have no ack timeout, so the receiver NAKs any
// delivery still unsettled when its lease runs out.
package pulsarbroker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/apache/pulsar-client-go/pulsar"

	"github.com/terrpan/octane/internal/broker"
)

// Property names set on dead-lettered messages.
const (
	DeadLetterReasonProperty      = "Dead-Letter-Reason"
	DeadLetterDescriptionProperty = "Dead-Letter-Description"
)

// Config holds the Pulsar settings.
type Config struct {
	URL              string
	Subscription     string
	OperationTimeout time.Duration
	NackDelay        time.Duration
	Lease            time.Duration
	MaxDeliveries    int
	MaxBatchBytes    int
	Concurrency      int
}

// Broker is a Pulsar-backed broker.Broker.
type Broker struct {
	client pulsar.Client
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	producers map[string]pulsar.Producer
	consumers []pulsar.Consumer
}

var _ broker.Broker = (*Broker)(nil)

// New creates the Pulsar client.  Producers and consumers are created
// lazily per topic.
func New(_ context.Context, cfg Config, logger *slog.Logger) (*Broker, error) {
	if cfg.OperationTimeout == 0 {
		cfg.OperationTimeout = 30 * time.Second
	}
	client, err := pulsar.NewClient(pulsar.ClientOptions{
		URL:              cfg.URL,
		OperationTimeout: cfg.OperationTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("pulsar client %s: %w", cfg.URL, err)
	}

	logger.Info("pulsar broker ready",
		slog.String("url", cfg.URL),
		slog.String("subscription", cfg.Subscription),
	)

	return &Broker{
		client:    client,
		cfg:       cfg,
		logger:    logger,
		producers: make(map[string]pulsar.Producer),
	}, nil
}

// DeadLetterTopic returns the topic dead letters of topic go to.
func DeadLetterTopic(topic string) string {
	return topic + "-deadletter"
}

func (b *Broker) producer(topic string) (pulsar.Producer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if p, ok := b.producers[topic]; ok {
		return p, nil
	}
	p, err := b.client.CreateProducer(pulsar.ProducerOptions{
		Topic: topic,
	})
	if err != nil {
		return nil, fmt.Errorf("create producer %s: %w", topic, err)
	}
	b.producers[topic] = p
	return p, nil
}

// Sender returns a Sender producing to queue.
func (b *Broker) Sender(_ context.Context, queue string) (broker.Sender, error) {
	p, err := b.producer(queue)
	if err != nil {
		return nil, err
	}
	return &sender{producer: p, maxBytes: b.cfg.MaxBatchBytes}, nil
}

// Receiver subscribes to queue.
func (b *Broker) Receiver(_ context.Context, queue string) (broker.Receiver, error) {
	dlq, err := b.producer(DeadLetterTopic(queue))
	if err != nil {
		return nil, err
	}

	opts := pulsar.ConsumerOptions{
		Topic:               queue,
		SubscriptionName:    b.cfg.Subscription,
		Type:                pulsar.Shared,
		NackRedeliveryDelay: b.cfg.NackDelay,
	}
	if b.cfg.MaxDeliveries > 0 {
		opts.DLQ = &pulsar.DLQPolicy{
			MaxDeliveries:   uint32(b.cfg.MaxDeliveries),
			DeadLetterTopic: DeadLetterTopic(queue),
		}
	}

	consumer, err := b.client.Subscribe(opts)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s/%s: %w", queue, b.cfg.Subscription, err)
	}

	b.mu.Lock()
	b.consumers = append(b.consumers, consumer)
	b.mu.Unlock()

	return &receiver{
		consumer:    consumer,
		dlq:         dlq,
		queue:       queue,
		lease:       b.cfg.Lease,
		concurrency: b.cfg.Concurrency,
		logger:      b.logger.With(slog.String("queue", queue)),
	}, nil
}

// Close flushes and closes every producer and consumer, then the client.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var errs []error
	for topic, p := range b.producers {
		if err := p.Flush(); err != nil {
			errs = append(errs, fmt.Errorf("flush producer %s: %w", topic, err))
		}
		p.Close()
	}
	for _, c := range b.consumers {
		c.Close()
	}
	clear(b.producers)
	b.consumers = nil
	b.client.Close()
	return errors.Join(errs...)
}

// ---------------------------------------------------------------------------
// Sender
// ---------------------------------------------------------------------------

type sender struct {
	producer pulsar.Producer
	maxBytes int
}

func (s *sender) MaxBatchBytes() int { return s.maxBytes }

// SendBatch queues every message with SendAsync, flushes, then waits for
// all callbacks.
func (s *sender) SendBatch(ctx context.Context, msgs []broker.Message) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)

	wg.Add(len(msgs))
	for i, m := range msgs {
		s.producer.SendAsync(ctx, toProducerMessage(m), func(_ pulsar.MessageID, _ *pulsar.ProducerMessage, err error) {
			defer wg.Done()
			if err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("send message %d: %w", i, err))
				mu.Unlock()
			}
		})
	}

	if err := s.producer.Flush(); err != nil {
		mu.Lock()
		errs = append(errs, fmt.Errorf("flush: %w", err))
		mu.Unlock()
	}
	wg.Wait()

	return errors.Join(errs...)
}

func toProducerMessage(m broker.Message) *pulsar.ProducerMessage {
	props := make(map[string]string, len(m.Properties)+1)
	for k, v := range m.Properties {
		props[k] = v
	}
	if m.CorrelationID != "" {
		props[broker.CorrelationHeader] = m.CorrelationID
	}
	pm := &pulsar.ProducerMessage{
		Payload:    m.Body,
		Properties: props,
	}
	if !m.EnqueueAt.IsZero() {
		pm.DeliverAt = m.EnqueueAt
	}
	return pm
}

// ---------------------------------------------------------------------------
// Receiver
// ---------------------------------------------------------------------------

type receiver struct {
	consumer    pulsar.Consumer
	dlq         pulsar.Producer
	queue       string
	lease       time.Duration
	concurrency int
	logger      *slog.Logger
}

func (r *receiver) Receive(ctx context.Context, h broker.Handler) error {
	workers := broker.NewWorkers(r.concurrency, r.logger)
	defer workers.Wait()

	for {
		msg, err := r.consumer.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("receive %s: %w", r.queue, err)
		}

		d := &delivery{
			msg:      msg,
			consumer: r.consumer,
			deadLetter: func(ctx context.Context, pm *pulsar.ProducerMessage) error {
				_, err := r.dlq.Send(ctx, pm)
				return err
			},
		}
		release := d.hold(r.lease, func() {
			r.logger.Warn("lease expired, message nacked",
				slog.String("correlationId", d.CorrelationID()),
				slog.Int("deliveryCount", d.DeliveryCount()),
			)
		})
		held := func(ctx context.Context, d broker.Delivery) error {
			defer release()
			return h(ctx, d)
		}
		if !workers.Go(ctx, held, d) {
			release()
			return nil
		}
	}
}
