package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/terrpan/octane/internal/broker"
	"github.com/terrpan/octane/internal/dispatch"
	"github.com/terrpan/octane/internal/fault"
	"github.com/terrpan/octane/internal/ledger"
	"github.com/terrpan/octane/internal/lifecycle"
	"github.com/terrpan/octane/internal/stage"
)

// CodeMessageTooLarge is the dead-letter code when the next stage's
// message cannot fit in a broker batch.
const CodeMessageTooLarge = "MessageTooLarge"

// Orchestrator is the lifecycle work behind the stages.
// *lifecycle.Orchestrator satisfies it.
type Orchestrator interface {
	Create(ctx context.Context, spec lifecycle.Spec) error
	Benchmark(ctx context.Context, spec lifecycle.Spec, correlationID string) error
	Delete(ctx context.Context, name string) error
}

// Emitter sends messages to one queue.  *dispatch.Dispatcher satisfies
// it.
type Emitter interface {
	Dispatch(ctx context.Context, msgs []broker.Message) error
}

// Config holds the collaborators shared by the three stages.
type Config struct {
	Orchestrator Orchestrator

	// Benchmarks receives the message emitted after a VM is created.
	Benchmarks Emitter

	// Deletes receives the message emitted after a benchmark starts.
	Deletes Emitter

	// Deadline bounds each stage action.  Default: stage.DefaultDeadline.
	Deadline time.Duration

	// Ledger, if set, suppresses replays of completed stages.
	Ledger ledger.Ledger

	Logger *slog.Logger
}

// Pipeline holds one Processor per stage.
type Pipeline struct {
	Create    *stage.Processor[CreateRequest]
	Benchmark *stage.Processor[BenchmarkRequest]
	Delete    *stage.Processor[DeleteRequest]

	orch       Orchestrator
	benchmarks Emitter
	deletes    Emitter
}

// New builds the three stage processors.
func New(cfg Config) *Pipeline {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	p := &Pipeline{
		orch:       cfg.Orchestrator,
		benchmarks: cfg.Benchmarks,
		deletes:    cfg.Deletes,
	}

	p.Create = stage.New(stage.Config[CreateRequest]{
		Name:     StageCreate,
		Decode:   DecodeCreate,
		Action:   p.create,
		Deadline: cfg.Deadline,
		Ledger:   cfg.Ledger,
		Logger:   cfg.Logger.WithGroup("stage." + StageCreate),
	})
	p.Benchmark = stage.New(stage.Config[BenchmarkRequest]{
		Name:     StageBenchmark,
		Decode:   DecodeBenchmark,
		Action:   p.benchmark,
		Deadline: cfg.Deadline,
		Ledger:   cfg.Ledger,
		Logger:   cfg.Logger.WithGroup("stage." + StageBenchmark),
	})
	p.Delete = stage.New(stage.Config[DeleteRequest]{
		Name:     StageDelete,
		Decode:   DecodeDelete,
		Action:   p.delete,
		Deadline: cfg.Deadline,
		Ledger:   cfg.Ledger,
		Logger:   cfg.Logger.WithGroup("stage." + StageDelete),
	})
	return p
}

// Handlers maps each stage name to its broker handler.
func (p *Pipeline) Handlers() map[string]broker.Handler {
	return map[string]broker.Handler{
		StageCreate:    p.Create.Handle,
		StageBenchmark: p.Benchmark.Handle,
		StageDelete:    p.Delete.Handle,
	}
}

// ---------------------------------------------------------------------------
// Stage actions
// ---------------------------------------------------------------------------

func (p *Pipeline) create(ctx context.Context, req CreateRequest, correlationID string) error {
	spec, err := req.Spec()
	if err != nil {
		return err
	}
	if err := p.orch.Create(ctx, spec); err != nil {
		return err
	}
	return p.emit(ctx, p.benchmarks, BenchmarkRequest(req), correlationID)
}

func (p *Pipeline) benchmark(ctx context.Context, req BenchmarkRequest, correlationID string) error {
	spec, err := req.Spec()
	if err != nil {
		return err
	}
	if err := p.orch.Benchmark(ctx, spec, correlationID); err != nil {
		return err
	}
	return p.emit(ctx, p.deletes, DeleteRequest{Name: req.Name}, correlationID)
}

func (p *Pipeline) delete(ctx context.Context, req DeleteRequest, _ string) error {
	return p.orch.Delete(ctx, req.Name)
}

func (p *Pipeline) emit(ctx context.Context, to Emitter, req any, correlationID string) error {
	msg, err := NewMessage(req, correlationID)
	if err != nil {
		return err
	}
	if err := to.Dispatch(ctx, []broker.Message{msg}); err != nil {
		err = fmt.Errorf("emit %T: %w", req, err)
		if errors.Is(err, dispatch.ErrMessageTooLarge) {
			return fault.Permanent(CodeMessageTooLarge, err)
		}
		return err
	}
	return nil
}
