// Package lifecycle sequences the cloud calls behind each pipeline stage:
// provisioning a VM, starting its benchmark and tearing it down again.
// It is provider-agnostic and delegates every resource operation to an
// engine.Engine.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/octane/internal/engine"
	"github.com/terrpan/octane/internal/fault"
)

// CodeVirtualMachineNotFound is the dead-letter code for a benchmark
// request whose VM does not exist.
const CodeVirtualMachineNotFound = "VirtualMachineNotFound"

// Remote command parameter names understood by the benchmark script.
const (
	ParamBenchmarkURI        = "benchmarkUri"
	ParamDiagnosticID        = "diagnosticId"
	ParamVirtualMachineSku   = "virtualMachineSku"
	ParamTelemetryConnection = "applicationInsightsConnectionString"
)

// Spec names one VM and its size.
type Spec struct {
	Name string
	Sku  string
}

// NewSpec returns a Spec, rejecting blank fields.
func NewSpec(name, sku string) (Spec, error) {
	if strings.TrimSpace(name) == "" {
		return Spec{}, fault.Validation(errors.New("virtual machine name must not be blank"))
	}
	if strings.TrimSpace(sku) == "" {
		return Spec{}, fault.Validation(fmt.Errorf("virtual machine %s: sku must not be blank", name))
	}
	return Spec{Name: name, Sku: sku}, nil
}

// Benchmark describes what the benchmark stage runs on each VM.
type Benchmark struct {
	// DownloadURI is where the VM fetches the benchmark package.
	DownloadURI string

	// TelemetryConnectionString is handed to the script for reporting.
	TelemetryConnectionString string

	// Script is the body of the remote command.
	Script string
}

// Config holds the Orchestrator's collaborators.
type Config struct {
	Engine engine.Engine

	// Subnet is the provider id of the subnet new NICs join.
	Subnet string

	Benchmark Benchmark

	// NamePrefix limits Reconcile to interfaces this system created.
	// Default: "octane-".
	NamePrefix string

	Logger *slog.Logger
}

// Orchestrator runs the multi-resource sequences for create, benchmark
// and delete.  It holds no per-VM state between calls, so any number of
// deliveries may use it concurrently.
type Orchestrator struct {
	engine     engine.Engine
	subnet     string
	benchmark  Benchmark
	namePrefix string
	logger     *slog.Logger

	mu       sync.Mutex
	inflight map[string]string // vm name -> operation

	// OpenTelemetry instrumentation
	tracer trace.Tracer
	meter  metric.Meter

	// Metrics
	vmsCreated        metric.Int64Counter
	vmsDeleted        metric.Int64Counter
	benchmarksStarted metric.Int64Counter
	cleanupFailures   metric.Int64Counter
	createDuration    metric.Float64Histogram
}

// New creates an Orchestrator.
func New(cfg Config) *Orchestrator {
	if cfg.NamePrefix == "" {
		cfg.NamePrefix = "octane-"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	o := &Orchestrator{
		engine:     cfg.Engine,
		subnet:     cfg.Subnet,
		benchmark:  cfg.Benchmark,
		namePrefix: cfg.NamePrefix,
		logger:     cfg.Logger,
		inflight:   make(map[string]string),
		tracer:     otel.Tracer("octane/lifecycle"),
		meter:      otel.Meter("octane/lifecycle"),
	}

	// Initialize metrics (errors are logged but not fatal)
	var err error
	o.vmsCreated, err = o.meter.Int64Counter(
		"octane.vms.created",
		metric.WithDescription("Total number of VMs provisioned"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create vmsCreated counter", slog.String("error", err.Error()))
	}

	o.vmsDeleted, err = o.meter.Int64Counter(
		"octane.vms.deleted",
		metric.WithDescription("Total number of VMs deleted"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create vmsDeleted counter", slog.String("error", err.Error()))
	}

	o.benchmarksStarted, err = o.meter.Int64Counter(
		"octane.benchmarks.started",
		metric.WithDescription("Total number of benchmark commands run"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create benchmarksStarted counter", slog.String("error", err.Error()))
	}

	o.cleanupFailures, err = o.meter.Int64Counter(
		"octane.cleanup.failures",
		metric.WithDescription("Disk or network interface deletions that failed to start"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create cleanupFailures counter", slog.String("error", err.Error()))
	}

	o.createDuration, err = o.meter.Float64Histogram(
		"octane.vm.create.duration",
		metric.WithDescription("Time to provision a VM (seconds)"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(10, 30, 60, 120, 180, 300, 600),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create createDuration histogram", slog.String("error", err.Error()))
	}

	_, err = o.meter.Int64ObservableGauge(
		"octane.lifecycle.inflight",
		metric.WithDescription("Lifecycle operations currently running"),
		metric.WithUnit("1"),
		metric.WithInt64Callback(func(_ context.Context, obs metric.Int64Observer) error {
			o.mu.Lock()
			count := len(o.inflight)
			o.mu.Unlock()
			obs.Observe(int64(count))
			return nil
		}),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create inflight gauge", slog.String("error", err.Error()))
	}

	return o
}

// ---------------------------------------------------------------------------
// Stage operations
// ---------------------------------------------------------------------------

// Create provisions the VM's network interface and then the VM itself.
// The VM is never requested unless the interface exists.
func (o *Orchestrator) Create(ctx context.Context, spec Spec) error {
	ctx, span := o.tracer.Start(ctx, "lifecycle.Create")
	defer span.End()
	span.SetAttributes(
		attribute.String("vm.name", spec.Name),
		attribute.String("vm.sku", spec.Sku),
	)
	defer o.track(spec.Name, "create")()

	start := time.Now()
	nicName := engine.NetworkInterfaceName(spec.Name)

	o.logger.Info("creating network interface",
		slog.String("vm", spec.Name),
		slog.String("nic", nicName),
	)
	nicID, err := o.engine.CreateNetworkInterface(ctx, nicName, o.subnet)
	if err != nil {
		return fmt.Errorf("create network interface %s: %w", nicName, err)
	}

	o.logger.Info("creating virtual machine",
		slog.String("vm", spec.Name),
		slog.String("sku", spec.Sku),
	)
	if err := o.engine.CreateOrUpdateVM(ctx, spec.Name, spec.Sku, nicID); err != nil {
		return fmt.Errorf("create virtual machine %s: %w", spec.Name, err)
	}

	if o.createDuration != nil {
		o.createDuration.Record(ctx, time.Since(start).Seconds())
	}
	if o.vmsCreated != nil {
		o.vmsCreated.Add(ctx, 1, metric.WithAttributes(attribute.String("sku", spec.Sku)))
	}

	o.logger.Info("virtual machine created",
		slog.String("vm", spec.Name),
		slog.Duration("elapsed", time.Since(start)),
	)
	return nil
}

// Benchmark runs the benchmark script on an existing VM.  A missing VM
// is a permanent failure.
func (o *Orchestrator) Benchmark(ctx context.Context, spec Spec, correlationID string) error {
	ctx, span := o.tracer.Start(ctx, "lifecycle.Benchmark")
	defer span.End()
	span.SetAttributes(
		attribute.String("vm.name", spec.Name),
		attribute.String("vm.sku", spec.Sku),
		attribute.String("correlation_id", correlationID),
	)
	defer o.track(spec.Name, "benchmark")()

	if _, err := o.engine.GetVM(ctx, spec.Name); err != nil {
		if errors.Is(err, engine.ErrNotFound) {
			return fault.Permanent(CodeVirtualMachineNotFound, err)
		}
		return fmt.Errorf("get virtual machine %s: %w", spec.Name, err)
	}

	o.logger.Info("starting benchmark",
		slog.String("vm", spec.Name),
		slog.String("correlationId", correlationID),
	)

	if err := o.engine.RunRemoteCommand(ctx, spec.Name, o.parameters(spec, correlationID), o.benchmark.Script); err != nil {
		return fmt.Errorf("run benchmark on %s: %w", spec.Name, err)
	}

	if o.benchmarksStarted != nil {
		o.benchmarksStarted.Add(ctx, 1, metric.WithAttributes(attribute.String("sku", spec.Sku)))
	}
	return nil
}

func (o *Orchestrator) parameters(spec Spec, correlationID string) []engine.Parameter {
	return []engine.Parameter{
		{Name: ParamBenchmarkURI, Value: o.benchmark.DownloadURI},
		{Name: ParamDiagnosticID, Value: correlationID},
		{Name: ParamVirtualMachineSku, Value: spec.Sku},
		{Name: ParamTelemetryConnection, Value: o.benchmark.TelemetryConnectionString},
	}
}

// Delete force-deletes the VM and then starts deleting its OS disk and
// network interfaces.  A VM that no longer exists counts as deleted.
// Failures to start the ancillary deletions are logged and counted but
// never returned.
func (o *Orchestrator) Delete(ctx context.Context, name string) error {
	ctx, span := o.tracer.Start(ctx, "lifecycle.Delete")
	defer span.End()
	span.SetAttributes(attribute.String("vm.name", name))
	defer o.track(name, "delete")()

	vm, err := o.engine.GetVM(ctx, name)
	if err != nil {
		if errors.Is(err, engine.ErrNotFound) {
			span.AddEvent("virtual machine already deleted (idempotent)")
			o.logger.Info("virtual machine already deleted", slog.String("vm", name))
			return nil
		}
		return fmt.Errorf("get virtual machine %s: %w", name, err)
	}

	o.logger.Info("deleting virtual machine", slog.String("vm", name))
	if err := o.engine.DeleteVM(ctx, name, true); err != nil {
		return fmt.Errorf("delete virtual machine %s: %w", name, err)
	}
	if o.vmsDeleted != nil {
		o.vmsDeleted.Add(ctx, 1)
	}

	if vm.OSDisk != "" {
		if err := o.engine.DeleteDisk(ctx, vm.OSDisk); err != nil {
			o.cleanupFailed(ctx, name, "disk", vm.OSDisk, err)
		}
	}
	for _, nic := range vm.NetworkInterfaces {
		if err := o.engine.DeleteNetworkInterface(ctx, nic); err != nil {
			o.cleanupFailed(ctx, name, "network_interface", nic, err)
		}
	}
	return nil
}

func (o *Orchestrator) cleanupFailed(ctx context.Context, vm, kind, resource string, err error) {
	o.logger.Warn("failed to start resource deletion",
		slog.String("vm", vm),
		slog.String("kind", kind),
		slog.String("resource", resource),
		slog.String("error", err.Error()),
	)
	if o.cleanupFailures != nil {
		o.cleanupFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
	}
}

// ---------------------------------------------------------------------------
// Reconciliation
// ---------------------------------------------------------------------------

// ErrListUnsupported is returned by Reconcile when the engine cannot
// enumerate its network interfaces.
var ErrListUnsupported = errors.New("engine cannot list network interfaces")

// Reconcile finds network interfaces named after a VM that no longer
// exists, which a failed best-effort cleanup leaves behind, and deletes
// them unless dryRun is set.  It returns the orphans it found.
func (o *Orchestrator) Reconcile(ctx context.Context, dryRun bool) ([]string, error) {
	ctx, span := o.tracer.Start(ctx, "lifecycle.Reconcile")
	defer span.End()

	lister, ok := o.engine.(engine.Lister)
	if !ok {
		return nil, ErrListUnsupported
	}
	nics, err := lister.ListNetworkInterfaces(ctx)
	if err != nil {
		return nil, fmt.Errorf("list network interfaces: %w", err)
	}

	var orphans []string
	var errs []error
	for _, nic := range nics {
		vm, ok := o.vmFor(nic)
		if !ok {
			continue
		}
		_, err := o.engine.GetVM(ctx, vm)
		switch {
		case err == nil:
			continue
		case !errors.Is(err, engine.ErrNotFound):
			errs = append(errs, fmt.Errorf("get virtual machine %s: %w", vm, err))
			continue
		}

		orphans = append(orphans, nic)
		o.logger.Info("orphaned network interface",
			slog.String("nic", nic),
			slog.Bool("dry_run", dryRun),
		)
		if dryRun {
			continue
		}
		if err := o.engine.DeleteNetworkInterface(ctx, nic); err != nil {
			errs = append(errs, fmt.Errorf("delete network interface %s: %w", nic, err))
		}
	}

	span.SetAttributes(
		attribute.Int("reconcile.scanned", len(nics)),
		attribute.Int("reconcile.orphans", len(orphans)),
	)
	return orphans, errors.Join(errs...)
}

// vmFor maps "<prefix>xxxxx-nic" back to its VM name.
func (o *Orchestrator) vmFor(nic string) (string, bool) {
	vm, ok := strings.CutSuffix(nic, engine.NetworkInterfaceName(""))
	if !ok || !strings.HasPrefix(vm, o.namePrefix) || vm == o.namePrefix {
		return "", false
	}
	return vm, true
}

// ---------------------------------------------------------------------------
// internal helpers
// ---------------------------------------------------------------------------

// track records name as busy with op until the returned func is called.
func (o *Orchestrator) track(name, op string) func() {
	o.mu.Lock()
	o.inflight[name] = op
	o.mu.Unlock()
	return func() {
		o.mu.Lock()
		delete(o.inflight, name)
		o.mu.Unlock()
	}
}
