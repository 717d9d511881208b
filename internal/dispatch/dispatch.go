// Package dispatch sends outbound messages in the fewest batches the
// broker's size limit allows, preserving their order.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/avast/retry-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/octane/internal/broker"
)

// ErrMessageTooLarge is returned when a single message does not fit in
// an empty batch.  It is never retried.
var ErrMessageTooLarge = errors.New("message exceeds maximum batch size")

// Plan groups msgs into consecutive batches whose total Size stays within
// maxBytes.  Each batch takes as many head messages as fit.
func Plan(msgs []broker.Message, maxBytes int) ([][]broker.Message, error) {
	var batches [][]broker.Message
	for rest := msgs; len(rest) > 0; {
		n, err := nextBatch(rest, maxBytes)
		if err != nil {
			return nil, fmt.Errorf("message %d: %w", len(msgs)-len(rest), err)
		}
		batches = append(batches, rest[:n])
		rest = rest[n:]
	}
	return batches, nil
}

// nextBatch returns how many head messages of queue fit in one batch.
func nextBatch(queue []broker.Message, maxBytes int) (int, error) {
	size, n := 0, 0
	for _, m := range queue {
		s := m.Size()
		if size+s > maxBytes {
			break
		}
		size += s
		n++
	}
	if n == 0 && len(queue) > 0 {
		return 0, fmt.Errorf("%w: %d bytes > %d", ErrMessageTooLarge, queue[0].Size(), maxBytes)
	}
	return n, nil
}

// Config holds a Dispatcher's collaborators.
type Config struct {
	Sender broker.Sender
	Logger *slog.Logger

	// Attempts is how many times a batch send is tried.  Default: 3.
	Attempts uint

	// Delay is the base backoff between attempts.  Default: 200ms.
	Delay time.Duration
}

// Dispatcher sends message streams through a broker.Sender.
type Dispatcher struct {
	sender   broker.Sender
	logger   *slog.Logger
	attempts uint
	delay    time.Duration

	tracer   trace.Tracer
	batches  metric.Int64Counter
	messages metric.Int64Counter
}

// New creates a Dispatcher.
func New(cfg Config) *Dispatcher {
	if cfg.Attempts == 0 {
		cfg.Attempts = 3
	}
	if cfg.Delay == 0 {
		cfg.Delay = 200 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	d := &Dispatcher{
		sender:   cfg.Sender,
		logger:   cfg.Logger,
		attempts: cfg.Attempts,
		delay:    cfg.Delay,
		tracer:   otel.Tracer("octane/dispatch"),
	}

	meter := otel.Meter("octane/dispatch")
	var err error
	d.batches, err = meter.Int64Counter(
		"octane.dispatch.batches",
		metric.WithDescription("Batches sent to the broker"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create batches counter", slog.String("error", err.Error()))
	}
	d.messages, err = meter.Int64Counter(
		"octane.dispatch.messages",
		metric.WithDescription("Messages sent to the broker"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create messages counter", slog.String("error", err.Error()))
	}

	return d
}

// Dispatch sends msgs in order.  Each batch is flushed as soon as it is
// full, so on error the batches before the failing one have already been
// sent.
func (d *Dispatcher) Dispatch(ctx context.Context, msgs []broker.Message) error {
	ctx, span := d.tracer.Start(ctx, "dispatch.Dispatch")
	defer span.End()

	maxBytes := d.sender.MaxBatchBytes()
	span.SetAttributes(
		attribute.Int("dispatch.messages", len(msgs)),
		attribute.Int("dispatch.max_batch_bytes", maxBytes),
	)

	sent := 0
	for rest := msgs; len(rest) > 0; {
		n, err := nextBatch(rest, maxBytes)
		if err != nil {
			return fmt.Errorf("message %d: %w", sent, err)
		}
		batch := rest[:n]

		if err := d.send(ctx, batch); err != nil {
			return fmt.Errorf("send batch of %d starting at message %d: %w", n, sent, err)
		}

		if d.batches != nil {
			d.batches.Add(ctx, 1)
		}
		if d.messages != nil {
			d.messages.Add(ctx, int64(n))
		}
		d.logger.Debug("batch sent",
			slog.Int("messages", n),
			slog.Int("offset", sent),
		)

		sent += n
		rest = rest[n:]
	}

	span.SetAttributes(attribute.Int("dispatch.sent", sent))
	return nil
}

func (d *Dispatcher) send(ctx context.Context, batch []broker.Message) error {
	return retry.Do(
		func() error { return d.sender.SendBatch(ctx, batch) },
		retry.Context(ctx),
		retry.Attempts(d.attempts),
		retry.Delay(d.delay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return !errors.Is(err, ErrMessageTooLarge) && ctx.Err() == nil
		}),
		retry.OnRetry(func(n uint, err error) {
			d.logger.Warn("retrying batch send",
				slog.Uint64("attempt", uint64(n+1)),
				slog.Int("messages", len(batch)),
				slog.String("error", err.Error()),
			)
		}),
	)
}
