// Package stage turns one queue delivery into exactly one settlement.
//
// A Processor decodes the body, checks the correlation id, runs the
// stage action under a deadline shorter than the broker lease and then
// completes, dead-letters, abandons or leaves the message untouched
// depending on how the action ended.
package stage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/octane/internal/broker"
	"github.com/terrpan/octane/internal/fault"
	"github.com/terrpan/octane/internal/ledger"
)

// Disposition is how a delivery was settled.
type Disposition int

const (
	Completed Disposition = iota
	DeadLettered
	Abandoned
	// Propagated means host cancellation interrupted processing and the
	// message was left for the broker to redeliver.
	Propagated
)

func (d Disposition) String() string {
	switch d {
	case Completed:
		return "completed"
	case DeadLettered:
		return "dead_lettered"
	case Abandoned:
		return "abandoned"
	case Propagated:
		return "propagated"
	default:
		return fmt.Sprintf("disposition(%d)", int(d))
	}
}

// Dead-letter reasons raised by the processor itself.
const (
	ReasonInvalidPayload       = fault.CodeInvalidPayload
	ReasonMissingCorrelationID = "MissingCorrelationId"
)

// DefaultDeadline leaves a minute of a five minute lease for settlement.
const DefaultDeadline = 4 * time.Minute

// errDeadline is the cause attached to the per-message deadline so it can
// be told apart from host cancellation.
var errDeadline = errors.New("stage deadline exceeded")

// Decoder turns a message body into the stage's request type.
type Decoder[T any] func(body []byte) (T, error)

// Action performs the stage's work.  Emitting the next stage's message
// is part of the action.
type Action[T any] func(ctx context.Context, req T, correlationID string) error

// Config holds a Processor's collaborators.
type Config[T any] struct {
	// Name labels logs, spans and metrics, e.g. "create".
	Name   string
	Decode Decoder[T]
	Action Action[T]

	// Deadline bounds Action.  Default: DefaultDeadline.
	Deadline time.Duration

	// Ledger, if set, suppresses re-running an action that already
	// completed for the same correlation id.
	Ledger ledger.Ledger

	Logger *slog.Logger
}

// Processor settles deliveries for one stage.
type Processor[T any] struct {
	name     string
	decode   Decoder[T]
	action   Action[T]
	deadline time.Duration
	ledger   ledger.Ledger
	logger   *slog.Logger

	tracer       trace.Tracer
	dispositions metric.Int64Counter
	duration     metric.Float64Histogram
}

// New creates a Processor.
func New[T any](cfg Config[T]) *Processor[T] {
	if cfg.Deadline <= 0 {
		cfg.Deadline = DefaultDeadline
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	p := &Processor[T]{
		name:     cfg.Name,
		decode:   cfg.Decode,
		action:   cfg.Action,
		deadline: cfg.Deadline,
		ledger:   cfg.Ledger,
		logger:   cfg.Logger,
		tracer:   otel.Tracer("octane/stage"),
	}

	meter := otel.Meter("octane/stage")
	var err error
	p.dispositions, err = meter.Int64Counter(
		"octane.stage.dispositions",
		metric.WithDescription("Deliveries settled, by stage and disposition"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create dispositions counter", slog.String("error", err.Error()))
	}
	p.duration, err = meter.Float64Histogram(
		"octane.stage.duration",
		metric.WithDescription("Time spent processing a delivery (seconds)"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 1, 5, 15, 30, 60, 120, 240),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create duration histogram", slog.String("error", err.Error()))
	}

	return p
}

// Handle adapts Process to broker.Handler.
func (p *Processor[T]) Handle(ctx context.Context, d broker.Delivery) error {
	_, err := p.Process(ctx, d)
	return err
}

// Process settles d.  The returned error is non-nil when processing was
// interrupted by ctx (Propagated) or when settling with the broker
// failed.
func (p *Processor[T]) Process(ctx context.Context, d broker.Delivery) (Disposition, error) {
	ctx, span := p.tracer.Start(ctx, "stage."+p.name+".Process")
	defer span.End()

	start := time.Now()
	logger := p.logger.With(slog.Int("deliveryCount", d.DeliveryCount()))

	disp, reason, err := p.process(ctx, d, logger)

	span.SetAttributes(
		attribute.String("stage.disposition", disp.String()),
		attribute.String("stage.reason", reason),
		attribute.Int("stage.delivery_count", d.DeliveryCount()),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	attrs := metric.WithAttributes(
		attribute.String("stage", p.name),
		attribute.String("disposition", disp.String()),
		attribute.String("reason", reason),
	)
	if p.dispositions != nil {
		p.dispositions.Add(ctx, 1, attrs)
	}
	if p.duration != nil {
		p.duration.Record(ctx, time.Since(start).Seconds(), attrs)
	}

	return disp, err
}

func (p *Processor[T]) process(ctx context.Context, d broker.Delivery, logger *slog.Logger) (Disposition, string, error) {
	if err := ctx.Err(); err != nil {
		return Propagated, "", fmt.Errorf("stage %s: %w", p.name, context.Cause(ctx))
	}

	req, err := p.decode(d.Body())
	if err != nil {
		logger.Warn("invalid payload", slog.String("error", err.Error()))
		return p.deadLetter(ctx, d, ReasonInvalidPayload, err.Error())
	}

	correlationID := strings.TrimSpace(d.CorrelationID())
	if correlationID == "" {
		logger.Warn("missing correlation id")
		return p.deadLetter(ctx, d, ReasonMissingCorrelationID,
			"message has no "+broker.CorrelationHeader+" property")
	}
	logger = logger.With(slog.String("correlationId", correlationID))

	key := ledger.Key(p.name, correlationID)
	if p.ledger != nil {
		seen, err := p.ledger.Seen(ctx, key)
		if err != nil {
			logger.Warn("ledger lookup failed, processing anyway", slog.String("error", err.Error()))
		} else if seen {
			logger.Info("already processed, completing replay")
			return p.complete(ctx, d, "Replay")
		}
	}

	err = p.run(ctx, req, correlationID)

	switch {
	case err == nil:
		if p.ledger != nil {
			if err := p.ledger.Mark(context.WithoutCancel(ctx), key); err != nil {
				logger.Warn("ledger mark failed", slog.String("error", err.Error()))
			}
		}
		logger.Info("stage completed")
		return p.complete(ctx, d, "")

	case ctx.Err() != nil:
		logger.Warn("interrupted by shutdown, leaving message for redelivery")
		return Propagated, "", fmt.Errorf("stage %s: %w", p.name, context.Cause(ctx))
	}

	switch kind := fault.KindOf(err); kind {
	case fault.KindValidation, fault.KindPermanent:
		code := fault.CodeOf(err)
		if code == "" {
			code = kind.String()
		}
		logger.Error("permanent failure", slog.String("code", code), slog.String("error", err.Error()))
		return p.deadLetter(ctx, d, code, err.Error())

	case fault.KindShutdown:
		logger.Warn("action reported shutdown, leaving message for redelivery")
		return Propagated, "", fmt.Errorf("stage %s: %w", p.name, err)

	case fault.KindDeadline:
		logger.Warn("deadline exceeded, abandoning", slog.Duration("deadline", p.deadline))
		return p.abandon(ctx, d, "Deadline")

	default:
		logger.Warn("transient failure, abandoning", slog.String("error", err.Error()))
		return p.abandon(ctx, d, "Transient")
	}
}

// run executes the action in its own goroutine so the deadline fires even
// if the action ignores its context.  A late result is discarded.
func (p *Processor[T]) run(ctx context.Context, req T, correlationID string) error {
	runCtx, cancel := context.WithTimeoutCause(ctx, p.deadline, errDeadline)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fault.Transient(fmt.Errorf("panic in %s action: %v", p.name, r))
			}
		}()
		done <- p.action(runCtx, req, correlationID)
	}()

	var err error
	select {
	case err = <-done:
	case <-runCtx.Done():
		select {
		case err = <-done:
		default:
			err = context.Cause(runCtx)
		}
	}
	if err == nil {
		return nil
	}

	if ctx.Err() == nil && errors.Is(context.Cause(runCtx), errDeadline) && fault.KindOf(err) == fault.KindTransient {
		return fault.Deadline(err)
	}
	return err
}

func (p *Processor[T]) complete(ctx context.Context, d broker.Delivery, reason string) (Disposition, string, error) {
	if err := d.Complete(context.WithoutCancel(ctx)); err != nil {
		return Completed, reason, fmt.Errorf("complete: %w", err)
	}
	return Completed, reason, nil
}

func (p *Processor[T]) abandon(ctx context.Context, d broker.Delivery, reason string) (Disposition, string, error) {
	if err := d.Abandon(context.WithoutCancel(ctx)); err != nil {
		return Abandoned, reason, fmt.Errorf("abandon: %w", err)
	}
	return Abandoned, reason, nil
}

func (p *Processor[T]) deadLetter(ctx context.Context, d broker.Delivery, reason, description string) (Disposition, string, error) {
	if err := d.DeadLetter(context.WithoutCancel(ctx), reason, description); err != nil {
		return DeadLettered, reason, fmt.Errorf("dead-letter %s: %w", reason, err)
	}
	return DeadLettered, reason, nil
}
