package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/terrpan/octane/internal/engine"
	"github.com/terrpan/octane/internal/fault"
)

// ---------------------------------------------------------------------------
// Mock engine
// ---------------------------------------------------------------------------

type mockEngine struct {
	mu     sync.Mutex
	calls  []string // "Op name" in call order
	vms    map[string]*engine.VirtualMachine
	nics   []string
	params []engine.Parameter
	script string

	nicErr       error
	vmErr        error
	getErr       error
	commandErr   error
	deleteErr    error
	diskErr      error
	nicDeleteErr error
}

func newMockEngine() *mockEngine {
	return &mockEngine{vms: make(map[string]*engine.VirtualMachine)}
}

func (m *mockEngine) record(op, name string) {
	m.calls = append(m.calls, op+" "+name)
}

func (m *mockEngine) CreateNetworkInterface(_ context.Context, name, subnet string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("CreateNetworkInterface", name)
	if m.nicErr != nil {
		return "", m.nicErr
	}
	return subnet + "/" + name, nil
}

func (m *mockEngine) CreateOrUpdateVM(_ context.Context, name, _, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("CreateOrUpdateVM", name)
	if m.vmErr != nil {
		return m.vmErr
	}
	m.vms[name] = &engine.VirtualMachine{
		Name:              name,
		OSDisk:            name + "-osdisk",
		NetworkInterfaces: []string{engine.NetworkInterfaceName(name)},
	}
	return nil
}

func (m *mockEngine) GetVM(_ context.Context, name string) (*engine.VirtualMachine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("GetVM", name)
	if m.getErr != nil {
		return nil, m.getErr
	}
	vm, ok := m.vms[name]
	if !ok {
		return nil, fmt.Errorf("vm %s: %w", name, engine.ErrNotFound)
	}
	return vm, nil
}

func (m *mockEngine) RunRemoteCommand(_ context.Context, name string, params []engine.Parameter, script string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("RunRemoteCommand", name)
	m.params = params
	m.script = script
	return m.commandErr
}

func (m *mockEngine) DeleteVM(_ context.Context, name string, force bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record(fmt.Sprintf("DeleteVM(force=%t)", force), name)
	if m.deleteErr != nil {
		return m.deleteErr
	}
	delete(m.vms, name)
	return nil
}

func (m *mockEngine) DeleteDisk(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("DeleteDisk", name)
	return m.diskErr
}

func (m *mockEngine) DeleteNetworkInterface(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("DeleteNetworkInterface", name)
	return m.nicDeleteErr
}

func (m *mockEngine) Close() error { return nil }

func (m *mockEngine) getCalls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.calls))
	copy(out, m.calls)
	return out
}

// listingEngine adds engine.Lister.
type listingEngine struct {
	*mockEngine
}

func (l listingEngine) ListNetworkInterfaces(context.Context) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nics, nil
}

// ---------------------------------------------------------------------------
// Test suite
// ---------------------------------------------------------------------------

type LifecycleSuite struct {
	suite.Suite
	ctx    context.Context
	engine *mockEngine
	orch   *Orchestrator
}

func (s *LifecycleSuite) SetupTest() {
	s.ctx = context.Background()
	s.engine = newMockEngine()
	s.orch = s.newOrchestrator(s.engine)
}

func (s *LifecycleSuite) newOrchestrator(e engine.Engine) *Orchestrator {
	return New(Config{
		Engine: e,
		Subnet: "/subnets/vms",
		Benchmark: Benchmark{
			DownloadURI:               "https://example.com/octane.zip",
			TelemetryConnectionString: "InstrumentationKey=abc",
			Script:                    "param($benchmarkUri) Write-Host $benchmarkUri",
		},
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func TestLifecycleSuite(t *testing.T) {
	suite.Run(t, new(LifecycleSuite))
}

// ---------------------------------------------------------------------------
// Create
// ---------------------------------------------------------------------------

func (s *LifecycleSuite) TestCreate_NICThenVM() {
	spec, err := NewSpec("octane-abcde", "Standard_D2s_v3")
	require.NoError(s.T(), err)

	require.NoError(s.T(), s.orch.Create(s.ctx, spec))

	assert.Equal(s.T(), []string{
		"CreateNetworkInterface octane-abcde-nic",
		"CreateOrUpdateVM octane-abcde",
	}, s.engine.getCalls())
}

func (s *LifecycleSuite) TestCreate_NICFailureSkipsVM() {
	s.engine.nicErr = fault.FromStatus(400, "SubnetNotFound", errors.New("no subnet"))

	err := s.orch.Create(s.ctx, Spec{Name: "octane-abcde", Sku: "Standard_D2s_v3"})

	require.Error(s.T(), err)
	assert.Equal(s.T(), fault.KindPermanent, fault.KindOf(err))
	assert.Equal(s.T(), "SubnetNotFound", fault.CodeOf(err))
	assert.Equal(s.T(), []string{"CreateNetworkInterface octane-abcde-nic"}, s.engine.getCalls())
}

func (s *LifecycleSuite) TestCreate_VMFailureIsReturned() {
	s.engine.vmErr = fault.Transient(errors.New("503"))

	err := s.orch.Create(s.ctx, Spec{Name: "octane-abcde", Sku: "Standard_D2s_v3"})

	require.Error(s.T(), err)
	assert.Equal(s.T(), fault.KindTransient, fault.KindOf(err))
}

func (s *LifecycleSuite) TestCreate_RepeatIsSafe() {
	spec := Spec{Name: "octane-abcde", Sku: "Standard_D2s_v3"}
	require.NoError(s.T(), s.orch.Create(s.ctx, spec))
	require.NoError(s.T(), s.orch.Create(s.ctx, spec))
	assert.Len(s.T(), s.engine.getCalls(), 4)
}

// ---------------------------------------------------------------------------
// Benchmark
// ---------------------------------------------------------------------------

func (s *LifecycleSuite) TestBenchmark_PassesParameters() {
	spec := Spec{Name: "octane-abcde", Sku: "Standard_D2s_v3"}
	require.NoError(s.T(), s.orch.Create(s.ctx, spec))

	require.NoError(s.T(), s.orch.Benchmark(s.ctx, spec, "corr-1"))

	assert.Equal(s.T(), []engine.Parameter{
		{Name: ParamBenchmarkURI, Value: "https://example.com/octane.zip"},
		{Name: ParamDiagnosticID, Value: "corr-1"},
		{Name: ParamVirtualMachineSku, Value: "Standard_D2s_v3"},
		{Name: ParamTelemetryConnection, Value: "InstrumentationKey=abc"},
	}, s.engine.params)
	assert.Contains(s.T(), s.engine.script, "benchmarkUri")
	assert.Equal(s.T(), "RunRemoteCommand octane-abcde", s.engine.getCalls()[3])
}

func (s *LifecycleSuite) TestBenchmark_MissingVMIsPermanent() {
	err := s.orch.Benchmark(s.ctx, Spec{Name: "octane-gone1", Sku: "x"}, "corr-1")

	require.Error(s.T(), err)
	assert.Equal(s.T(), fault.KindPermanent, fault.KindOf(err))
	assert.Equal(s.T(), CodeVirtualMachineNotFound, fault.CodeOf(err))
	assert.NotContains(s.T(), s.engine.getCalls(), "RunRemoteCommand octane-gone1")
}

func (s *LifecycleSuite) TestBenchmark_CommandFailureIsReturned() {
	spec := Spec{Name: "octane-abcde", Sku: "x"}
	require.NoError(s.T(), s.orch.Create(s.ctx, spec))
	s.engine.commandErr = fault.Transient(errors.New("agent not ready"))

	err := s.orch.Benchmark(s.ctx, spec, "corr-1")

	require.Error(s.T(), err)
	assert.Equal(s.T(), fault.KindTransient, fault.KindOf(err))
}

// ---------------------------------------------------------------------------
// Delete
// ---------------------------------------------------------------------------

func (s *LifecycleSuite) TestDelete_VMThenDiskThenNIC() {
	require.NoError(s.T(), s.orch.Create(s.ctx, Spec{Name: "octane-abcde", Sku: "x"}))

	require.NoError(s.T(), s.orch.Delete(s.ctx, "octane-abcde"))

	assert.Equal(s.T(), []string{
		"GetVM octane-abcde",
		"DeleteVM(force=true) octane-abcde",
		"DeleteDisk octane-abcde-osdisk",
		"DeleteNetworkInterface octane-abcde-nic",
	}, s.engine.getCalls()[2:])
}

func (s *LifecycleSuite) TestDelete_MissingVMIsSuccess() {
	require.NoError(s.T(), s.orch.Delete(s.ctx, "octane-gone1"))
	assert.Equal(s.T(), []string{"GetVM octane-gone1"}, s.engine.getCalls())
}

func (s *LifecycleSuite) TestDelete_RepeatIsSafe() {
	require.NoError(s.T(), s.orch.Create(s.ctx, Spec{Name: "octane-abcde", Sku: "x"}))
	require.NoError(s.T(), s.orch.Delete(s.ctx, "octane-abcde"))
	require.NoError(s.T(), s.orch.Delete(s.ctx, "octane-abcde"))
}

func (s *LifecycleSuite) TestDelete_AncillaryFailuresAreSwallowed() {
	require.NoError(s.T(), s.orch.Create(s.ctx, Spec{Name: "octane-abcde", Sku: "x"}))
	s.engine.diskErr = errors.New("disk busy")
	s.engine.nicDeleteErr = errors.New("nic busy")

	require.NoError(s.T(), s.orch.Delete(s.ctx, "octane-abcde"))
	assert.Contains(s.T(), s.engine.getCalls(), "DeleteNetworkInterface octane-abcde-nic",
		"nic deletion still attempted after disk failure")
}

func (s *LifecycleSuite) TestDelete_VMFailureIsReturned() {
	require.NoError(s.T(), s.orch.Create(s.ctx, Spec{Name: "octane-abcde", Sku: "x"}))
	s.engine.deleteErr = fault.FromStatus(409, "OperationNotAllowed", errors.New("locked"))

	err := s.orch.Delete(s.ctx, "octane-abcde")

	require.Error(s.T(), err)
	assert.Equal(s.T(), "OperationNotAllowed", fault.CodeOf(err))
	assert.NotContains(s.T(), s.engine.getCalls(), "DeleteDisk octane-abcde-osdisk")
}

func (s *LifecycleSuite) TestDelete_GetFailureIsReturned() {
	s.engine.getErr = fault.Transient(errors.New("throttled"))

	err := s.orch.Delete(s.ctx, "octane-abcde")

	require.Error(s.T(), err)
	assert.Equal(s.T(), fault.KindTransient, fault.KindOf(err))
}

// ---------------------------------------------------------------------------
// Reconcile
// ---------------------------------------------------------------------------

func (s *LifecycleSuite) TestReconcile_DeletesOrphans() {
	require.NoError(s.T(), s.orch.Create(s.ctx, Spec{Name: "octane-live1", Sku: "x"}))
	s.engine.nics = []string{"octane-live1-nic", "octane-dead1-nic", "bastion-nic", "octane-extra"}
	orch := s.newOrchestrator(listingEngine{s.engine})

	orphans, err := orch.Reconcile(s.ctx, false)

	require.NoError(s.T(), err)
	assert.Equal(s.T(), []string{"octane-dead1-nic"}, orphans)
	assert.Contains(s.T(), s.engine.getCalls(), "DeleteNetworkInterface octane-dead1-nic")
	assert.NotContains(s.T(), s.engine.getCalls(), "DeleteNetworkInterface octane-live1-nic")
}

func (s *LifecycleSuite) TestReconcile_DryRunDeletesNothing() {
	s.engine.nics = []string{"octane-dead1-nic"}
	orch := s.newOrchestrator(listingEngine{s.engine})

	orphans, err := orch.Reconcile(s.ctx, true)

	require.NoError(s.T(), err)
	assert.Equal(s.T(), []string{"octane-dead1-nic"}, orphans)
	assert.NotContains(s.T(), s.engine.getCalls(), "DeleteNetworkInterface octane-dead1-nic")
}

func (s *LifecycleSuite) TestReconcile_UnsupportedEngine() {
	_, err := s.orch.Reconcile(s.ctx, false)
	assert.ErrorIs(s.T(), err, ErrListUnsupported)
}

// ---------------------------------------------------------------------------
// Concurrency
// ---------------------------------------------------------------------------

func (s *LifecycleSuite) TestConcurrentCreates() {
	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(s.T(), s.orch.Create(s.ctx, Spec{Name: fmt.Sprintf("octane-%05d", i), Sku: "x"}))
		}()
	}
	wg.Wait()

	assert.Len(s.T(), s.engine.getCalls(), 40)
	s.orch.mu.Lock()
	assert.Empty(s.T(), s.orch.inflight)
	s.orch.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Spec
// ---------------------------------------------------------------------------

func TestNewSpec(t *testing.T) {
	spec, err := NewSpec("octane-abcde", "Standard_D2s_v3")
	require.NoError(t, err)
	assert.Equal(t, Spec{Name: "octane-abcde", Sku: "Standard_D2s_v3"}, spec)

	for _, tc := range []struct{ name, sku string }{
		{"", "Standard_D2s_v3"},
		{"  ", "Standard_D2s_v3"},
		{"octane-abcde", ""},
	} {
		_, err := NewSpec(tc.name, tc.sku)
		require.Error(t, err)
		assert.Equal(t, fault.KindValidation, fault.KindOf(err))
	}
}
