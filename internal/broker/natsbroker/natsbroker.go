// Package natsbroker implements broker.Broker on NATS JetStream.
//
// All pipeline queues share one work-queue stream.  Each queue is a
// subject with a durable pull consumer; its dead letters are published
// to "<queue>.deadletter" on the same stream.  JetStream has no native
// scheduled delivery, so a message carrying an Enqueue-At header that
// arrives early is NAKed with a delay until it is due.  The consumer
// allows one delivery more than configured for that deferral, and the
// deferral is left out of the count handlers see.
package natsbroker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/terrpan/octane/internal/broker"
)

// Header names set on published messages.
const (
	EnqueueAtHeader             = "Enqueue-At"
	DeadLetterReasonHeader      = "Dead-Letter-Reason"
	DeadLetterDescriptionHeader = "Dead-Letter-Description"
)

// deferralAllowance is the number of deliveries reserved for NAKing a
// scheduled message that arrived before its Enqueue-At.
const deferralAllowance = 1

// Config holds the JetStream settings.
type Config struct {
	// URL is a comma-separated list of NATS servers.
	URL string

	// Stream is the JetStream stream holding every queue.
	Stream string

	// Queues are the subjects the stream must carry.
	Queues []string

	// DurablePrefix prefixes the durable consumer names.
	DurablePrefix string

	// Lease is the consumer AckWait; an unsettled message is redelivered
	// after it.
	Lease time.Duration

	// MaxDeliveries caps redeliveries; the last abandon dead-letters.
	MaxDeliveries int

	// MaxBatchBytes is reported by every Sender.
	MaxBatchBytes int

	// Concurrency is the number of handlers run per receiver.
	Concurrency int
}

// Broker is a JetStream-backed broker.Broker.
type Broker struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	cfg    Config
	logger *slog.Logger
}

var _ broker.Broker = (*Broker)(nil)

// New connects to NATS and creates or updates the stream.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Broker, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.Name("octane"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", slog.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", cfg.URL, err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream context: %w", err)
	}

	subjects := make([]string, 0, len(cfg.Queues)*2)
	for _, q := range cfg.Queues {
		subjects = append(subjects, q, DeadLetterSubject(q))
	}

	if _, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      cfg.Stream,
		Subjects:  subjects,
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
	}); err != nil {
		nc.Close()
		return nil, fmt.Errorf("create stream %s: %w", cfg.Stream, err)
	}

	logger.Info("jetstream broker ready",
		slog.String("url", nc.ConnectedUrl()),
		slog.String("stream", cfg.Stream),
		slog.Int("queues", len(cfg.Queues)),
	)

	return &Broker{nc: nc, js: js, cfg: cfg, logger: logger}, nil
}

// DeadLetterSubject returns the subject dead letters of queue go to.
func DeadLetterSubject(queue string) string {
	return queue + ".deadletter"
}

// Sender returns a Sender publishing to queue.
func (b *Broker) Sender(_ context.Context, queue string) (broker.Sender, error) {
	return &sender{js: b.js, subject: queue, maxBytes: b.cfg.MaxBatchBytes}, nil
}

// Receiver creates or updates the durable consumer for queue.
func (b *Broker) Receiver(ctx context.Context, queue string) (broker.Receiver, error) {
	durable := durableName(b.cfg.DurablePrefix, queue)
	consumer, err := b.js.CreateOrUpdateConsumer(ctx, b.cfg.Stream, jetstream.ConsumerConfig{
		Durable:       durable,
		FilterSubject: queue,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       b.cfg.Lease,
		MaxDeliver:    consumerMaxDeliver(b.cfg.MaxDeliveries),
		MaxAckPending: max(b.cfg.Concurrency*2, 1),
	})
	if err != nil {
		return nil, fmt.Errorf("create consumer %s: %w", durable, err)
	}

	return &receiver{
		consumer:    consumer,
		js:          b.js,
		queue:       queue,
		maxDeliver:  b.cfg.MaxDeliveries,
		serverMax:   consumerMaxDeliver(b.cfg.MaxDeliveries),
		concurrency: b.cfg.Concurrency,
		logger:      b.logger.With(slog.String("queue", queue)),
	}, nil
}

// Close drains the connection so pending acks are flushed.
func (b *Broker) Close() error {
	if err := b.nc.Drain(); err != nil {
		b.nc.Close()
		return fmt.Errorf("nats drain: %w", err)
	}
	return nil
}

func durableName(prefix, queue string) string {
	name := strings.NewReplacer(".", "-", "*", "-", ">", "-").Replace(queue)
	if prefix == "" {
		return name
	}
	return prefix + "-" + name
}

// ---------------------------------------------------------------------------
// Sender
// ---------------------------------------------------------------------------

type sender struct {
	js       jetstream.JetStream
	subject  string
	maxBytes int
}

func (s *sender) MaxBatchBytes() int { return s.maxBytes }

// SendBatch publishes asynchronously and waits for every ack.
func (s *sender) SendBatch(ctx context.Context, msgs []broker.Message) error {
	futures := make([]jetstream.PubAckFuture, 0, len(msgs))
	for i, m := range msgs {
		f, err := s.js.PublishMsgAsync(toNatsMsg(s.subject, m))
		if err != nil {
			return fmt.Errorf("publish message %d to %s: %w", i, s.subject, err)
		}
		futures = append(futures, f)
	}

	var errs []error
	for i, f := range futures {
		select {
		case <-f.Ok():
		case err := <-f.Err():
			errs = append(errs, fmt.Errorf("publish message %d to %s: %w", i, s.subject, err))
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return errors.Join(errs...)
}

func toNatsMsg(subject string, m broker.Message) *nats.Msg {
	msg := nats.NewMsg(subject)
	msg.Data = m.Body
	for k, v := range m.Properties {
		msg.Header.Set(k, v)
	}
	if m.CorrelationID != "" {
		msg.Header.Set(broker.CorrelationHeader, m.CorrelationID)
	}
	if !m.EnqueueAt.IsZero() {
		msg.Header.Set(EnqueueAtHeader, m.EnqueueAt.UTC().Format(time.RFC3339Nano))
	}
	return msg
}

// ---------------------------------------------------------------------------
// Receiver
// ---------------------------------------------------------------------------

type receiver struct {
	consumer    jetstream.Consumer
	js          jetstream.JetStream
	queue       string
	maxDeliver  int
	serverMax   int
	concurrency int
	logger      *slog.Logger
}

func (r *receiver) Receive(ctx context.Context, h broker.Handler) error {
	iter, err := r.consumer.Messages(jetstream.PullMaxMessages(max(r.concurrency, 1)))
	if err != nil {
		return fmt.Errorf("consume %s: %w", r.queue, err)
	}

	stop := context.AfterFunc(ctx, iter.Stop)
	defer stop()

	workers := broker.NewWorkers(r.concurrency, r.logger)
	defer workers.Wait()

	for {
		msg, err := iter.Next()
		if err != nil {
			if errors.Is(err, jetstream.ErrMsgIteratorClosed) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("next message on %s: %w", r.queue, err)
		}

		meta, _ := msg.Metadata()
		wait, count := arrival(msg.Headers(), meta, time.Now(), r.serverMax)
		if wait > 0 {
			if err := msg.NakWithDelay(wait); err != nil {
				r.logger.Warn("failed to defer scheduled message", slog.String("error", err.Error()))
			}
			continue
		}

		d := r.newDelivery(msg, count)
		if !workers.Go(ctx, h, d) {
			return nil
		}
	}
}

func (r *receiver) newDelivery(msg jetstream.Msg, count int) *delivery {
	return &delivery{
		msg:        msg,
		count:      count,
		maxDeliver: r.maxDeliver,
		deadLetter: func(ctx context.Context, m *nats.Msg) error {
			m.Subject = DeadLetterSubject(r.queue)
			_, err := r.js.PublishMsg(ctx, m)
			return err
		},
	}
}

// consumerMaxDeliver is the MaxDeliver set on the server: the configured
// budget plus the deferral allowance.  Non-positive values pass through.
func consumerMaxDeliver(maxDeliveries int) int {
	if maxDeliveries <= 0 {
		return maxDeliveries
	}
	return maxDeliveries + deferralAllowance
}

// arrival decides what happens to a fetched message.  A positive wait
// means it is early and must be deferred; otherwise count is the delivery
// count handlers see.  A message is never deferred on the server's last
// allowed delivery, since a NAK there would drop it.  A message published
// ahead of its Enqueue-At is assumed to have spent one delivery on the
// deferral, which is subtracted from its count.
func arrival(h nats.Header, meta *jetstream.MsgMetadata, now time.Time, serverMax int) (time.Duration, int) {
	delivered := 1
	var stored time.Time
	if meta != nil {
		delivered = max(int(meta.NumDelivered), 1)
		stored = meta.Timestamp
	}

	if wait := notYetDue(h, now); wait > 0 && (serverMax <= 0 || delivered < serverMax) {
		return wait, 0
	}

	if at, ok := enqueueAt(h); ok && at.After(stored) && !stored.IsZero() && delivered > deferralAllowance {
		delivered -= deferralAllowance
	}
	return 0, delivered
}

func enqueueAt(h nats.Header) (time.Time, bool) {
	raw := h.Get(EnqueueAtHeader)
	if raw == "" {
		return time.Time{}, false
	}
	at, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false
	}
	return at, true
}

// notYetDue returns how long until the Enqueue-At header is reached, or
// zero if the header is absent, malformed or in the past.
func notYetDue(h nats.Header, now time.Time) time.Duration {
	at, ok := enqueueAt(h)
	if !ok {
		return 0
	}
	if wait := at.Sub(now); wait > 0 {
		return wait
	}
	return 0
}
