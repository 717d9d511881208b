package gcp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"

	computepb "cloud.google.com/go/compute/apiv1/computepb"
	gax "github.com/googleapis/gax-go/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"google.golang.org/api/googleapi"
	"google.golang.org/protobuf/proto"

	"github.com/terrpan/octane/internal/engine"
	"github.com/terrpan/octane/internal/fault"
)

// ---------------------------------------------------------------------------
// Mock operation (satisfies operationWaiter)
// ---------------------------------------------------------------------------

type mockOperation struct {
	err error
}

func (m *mockOperation) Wait(_ context.Context, _ ...gax.CallOption) error {
	return m.err
}

// ---------------------------------------------------------------------------
// Mock instances client (satisfies instancesAPI)
// ---------------------------------------------------------------------------

type mockInstancesClient struct {
	mu sync.Mutex

	insertCalls   []*computepb.InsertInstanceRequest
	metadataCalls []*computepb.SetMetadataInstanceRequest
	resetCalls    []*computepb.ResetInstanceRequest
	deleteCalls   []*computepb.DeleteInstanceRequest
	closed        bool

	instance  *computepb.Instance
	getErr    error
	insertErr error
	insertOp  operationWaiter
	deleteErr error
	deleteOp  operationWaiter
}

func newMockInstancesClient() *mockInstancesClient {
	return &mockInstancesClient{
		insertOp: &mockOperation{},
		deleteOp: &mockOperation{},
		instance: &computepb.Instance{
			Metadata: &computepb.Metadata{Fingerprint: proto.String("fp-1")},
		},
	}
}

func (m *mockInstancesClient) Insert(_ context.Context, req *computepb.InsertInstanceRequest) (operationWaiter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.insertCalls = append(m.insertCalls, req)
	if m.insertErr != nil {
		return nil, m.insertErr
	}
	return m.insertOp, nil
}

func (m *mockInstancesClient) Get(context.Context, *computepb.GetInstanceRequest) (*computepb.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	return m.instance, nil
}

func (m *mockInstancesClient) SetMetadata(_ context.Context, req *computepb.SetMetadataInstanceRequest) (operationWaiter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metadataCalls = append(m.metadataCalls, req)
	return &mockOperation{}, nil
}

func (m *mockInstancesClient) Reset(_ context.Context, req *computepb.ResetInstanceRequest) (operationWaiter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resetCalls = append(m.resetCalls, req)
	return &mockOperation{}, nil
}

func (m *mockInstancesClient) Delete(_ context.Context, req *computepb.DeleteInstanceRequest) (operationWaiter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.deleteCalls = append(m.deleteCalls, req)
	if m.deleteErr != nil {
		return nil, m.deleteErr
	}
	return m.deleteOp, nil
}

func (m *mockInstancesClient) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// ---------------------------------------------------------------------------
// Mock addresses and disks
// ---------------------------------------------------------------------------

type mockAddresses struct {
	mu          sync.Mutex
	insertCalls []*computepb.InsertAddressRequest
	deleted     []string
	names       []string
	ip          string
	insertErr   error
	deleteErr   error
	closed      bool
}

func (m *mockAddresses) Insert(_ context.Context, req *computepb.InsertAddressRequest) (operationWaiter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.insertCalls = append(m.insertCalls, req)
	if m.insertErr != nil {
		return nil, m.insertErr
	}
	return &mockOperation{}, nil
}

func (m *mockAddresses) Get(_ context.Context, req *computepb.GetAddressRequest) (*computepb.Address, error) {
	return &computepb.Address{Name: proto.String(req.GetAddress()), Address: proto.String(m.ip)}, nil
}

func (m *mockAddresses) Delete(_ context.Context, req *computepb.DeleteAddressRequest) (operationWaiter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deleteErr != nil {
		return nil, m.deleteErr
	}
	m.deleted = append(m.deleted, req.GetAddress())
	return &mockOperation{}, nil
}

func (m *mockAddresses) List(context.Context, *computepb.ListAddressesRequest) ([]string, error) {
	return m.names, nil
}

func (m *mockAddresses) Close() error {
	m.closed = true
	return nil
}

type mockDisks struct {
	deleted []string
	err     error
	closed  bool
}

func (m *mockDisks) Delete(_ context.Context, req *computepb.DeleteDiskRequest) (operationWaiter, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.deleted = append(m.deleted, req.GetDisk())
	return &mockOperation{}, nil
}

func (m *mockDisks) Close() error {
	m.closed = true
	return nil
}

func apiError(code int, reason string) error {
	return &googleapi.Error{Code: code, Errors: []googleapi.ErrorItem{{Reason: reason}}}
}

// ---------------------------------------------------------------------------
// Test suite
// ---------------------------------------------------------------------------

type GCPEngineSuite struct {
	suite.Suite
	ctx       context.Context
	client    *mockInstancesClient
	addresses *mockAddresses
	disks     *mockDisks
	logger    *slog.Logger
	cfg       Config
}

func (s *GCPEngineSuite) SetupTest() {
	s.ctx = context.Background()
	s.client = newMockInstancesClient()
	s.addresses = &mockAddresses{ip: "10.0.0.7"}
	s.disks = &mockDisks{}
	s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	s.cfg = Config{
		Project: "test-project",
		Zone:    "us-central1-a",
		Image:   "projects/windows-cloud/global/images/family/windows-2022",
	}
}

func (s *GCPEngineSuite) newEngine() *Engine {
	return newEngine(s.client, s.addresses, s.disks, s.cfg, s.logger)
}

func TestGCPEngineSuite(t *testing.T) {
	suite.Run(t, new(GCPEngineSuite))
}

func (s *GCPEngineSuite) TestCreateNetworkInterface_ReservesInternalAddress() {
	e := s.newEngine()

	ip, err := e.CreateNetworkInterface(s.ctx, "octane-abcde-nic", "regions/us-central1/subnetworks/vms")
	require.NoError(s.T(), err)
	assert.Equal(s.T(), "10.0.0.7", ip)

	require.Len(s.T(), s.addresses.insertCalls, 1)
	req := s.addresses.insertCalls[0]
	assert.Equal(s.T(), "us-central1", req.GetRegion())
	assert.Equal(s.T(), "INTERNAL", req.GetAddressResource().GetAddressType())
	assert.Equal(s.T(), "regions/us-central1/subnetworks/vms", req.GetAddressResource().GetSubnetwork())
}

func (s *GCPEngineSuite) TestCreateNetworkInterface_AlreadyReserved() {
	s.addresses.insertErr = apiError(http.StatusConflict, "alreadyExists")
	e := s.newEngine()

	ip, err := e.CreateNetworkInterface(s.ctx, "octane-abcde-nic", "subnet")
	require.NoError(s.T(), err)
	assert.Equal(s.T(), "10.0.0.7", ip)
}

func (s *GCPEngineSuite) TestCreateOrUpdateVM_Success() {
	s.cfg.DiskSizeGB = 100
	e := s.newEngine()

	require.NoError(s.T(), e.CreateOrUpdateVM(s.ctx, "octane-abcde", "n2-standard-4", "10.0.0.7"))

	require.Len(s.T(), s.client.insertCalls, 1)
	req := s.client.insertCalls[0]
	assert.Equal(s.T(), "test-project", req.GetProject())
	assert.Equal(s.T(), "us-central1-a", req.GetZone())

	inst := req.GetInstanceResource()
	assert.Equal(s.T(), "octane-abcde", inst.GetName())
	assert.Contains(s.T(), inst.GetMachineType(), "n2-standard-4")
	assert.Equal(s.T(), "10.0.0.7", inst.GetNetworkInterfaces()[0].GetNetworkIP())
	assert.Equal(s.T(), "octane-abcde-nic", inst.GetLabels()[nicLabel])

	disk := inst.GetDisks()[0]
	assert.True(s.T(), disk.GetBoot())
	assert.Equal(s.T(), "octane-abcde-osdisk", disk.GetInitializeParams().GetDiskName())
	assert.Equal(s.T(), int64(100), disk.GetInitializeParams().GetDiskSizeGb())
	assert.Equal(s.T(), s.cfg.Image, disk.GetInitializeParams().GetSourceImage())
}

func (s *GCPEngineSuite) TestCreateOrUpdateVM_ServiceAccountAndSubnet() {
	s.cfg.ServiceAccount = "bench@test-project.iam.gserviceaccount.com"
	s.cfg.Subnet = "regions/us-central1/subnetworks/vms"
	e := s.newEngine()

	require.NoError(s.T(), e.CreateOrUpdateVM(s.ctx, "octane-sa", "e2-medium", "10.0.0.8"))

	inst := s.client.insertCalls[0].GetInstanceResource()
	require.Len(s.T(), inst.GetServiceAccounts(), 1)
	assert.Equal(s.T(), s.cfg.ServiceAccount, inst.GetServiceAccounts()[0].GetEmail())
	assert.Equal(s.T(), s.cfg.Subnet, inst.GetNetworkInterfaces()[0].GetSubnetwork())
}

func (s *GCPEngineSuite) TestCreateOrUpdateVM_ExistingInstanceIsSuccess() {
	s.client.insertErr = apiError(http.StatusConflict, "alreadyExists")
	e := s.newEngine()

	assert.NoError(s.T(), e.CreateOrUpdateVM(s.ctx, "octane-abcde", "e2-medium", "10.0.0.7"))
}

func (s *GCPEngineSuite) TestCreateOrUpdateVM_BadMachineTypeIsPermanent() {
	s.client.insertErr = apiError(http.StatusBadRequest, "invalid")
	e := s.newEngine()

	err := e.CreateOrUpdateVM(s.ctx, "octane-abcde", "nope", "10.0.0.7")
	require.Error(s.T(), err)
	assert.Equal(s.T(), fault.KindPermanent, fault.KindOf(err))
	assert.Equal(s.T(), "invalid", fault.CodeOf(err))
}

func (s *GCPEngineSuite) TestCreateOrUpdateVM_OperationWaitErrorIsTransient() {
	s.client.insertOp = &mockOperation{err: fmt.Errorf("operation timed out")}
	e := s.newEngine()

	err := e.CreateOrUpdateVM(s.ctx, "octane-timeout", "e2-medium", "10.0.0.7")
	require.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "operation timed out")
	assert.Equal(s.T(), fault.KindTransient, fault.KindOf(err))
}

func (s *GCPEngineSuite) TestGetVM_ReportsDiskAndNIC() {
	s.client.instance = &computepb.Instance{
		Disks: []*computepb.AttachedDisk{
			{Boot: proto.Bool(true), Source: proto.String("projects/p/zones/z/disks/octane-abcde-osdisk")},
		},
		Labels: map[string]string{nicLabel: "octane-abcde-nic"},
	}
	e := s.newEngine()

	vm, err := e.GetVM(s.ctx, "octane-abcde")
	require.NoError(s.T(), err)
	assert.Equal(s.T(), "octane-abcde-osdisk", vm.OSDisk)
	assert.Equal(s.T(), []string{"octane-abcde-nic"}, vm.NetworkInterfaces)
}

func (s *GCPEngineSuite) TestGetVM_NotFound() {
	s.client.getErr = apiError(http.StatusNotFound, "notFound")
	e := s.newEngine()

	_, err := e.GetVM(s.ctx, "octane-gone")
	assert.ErrorIs(s.T(), err, engine.ErrNotFound)
}

func (s *GCPEngineSuite) TestRunRemoteCommand_SetsMetadataThenResets() {
	e := s.newEngine()

	err := e.RunRemoteCommand(s.ctx, "octane-abcde", []engine.Parameter{
		{Name: "diagnosticId", Value: "corr-1"},
	}, "Write-Host hi")
	require.NoError(s.T(), err)

	require.Len(s.T(), s.client.metadataCalls, 1)
	md := s.client.metadataCalls[0].GetMetadataResource()
	assert.Equal(s.T(), "fp-1", md.GetFingerprint())
	items := map[string]string{}
	for _, it := range md.GetItems() {
		items[it.GetKey()] = it.GetValue()
	}
	assert.Equal(s.T(), "Write-Host hi", items[startupScriptKey])
	assert.Equal(s.T(), "corr-1", items["octane-diagnosticId"])

	require.Len(s.T(), s.client.resetCalls, 1)
	assert.Equal(s.T(), "octane-abcde", s.client.resetCalls[0].GetInstance())
}

// ---------------------------------------------------------------------------
// Delete tests
// ---------------------------------------------------------------------------

func (s *GCPEngineSuite) TestDeleteVM_Success() {
	e := s.newEngine()

	require.NoError(s.T(), e.DeleteVM(s.ctx, "octane-abcde", true))

	require.Len(s.T(), s.client.deleteCalls, 1)
	req := s.client.deleteCalls[0]
	assert.Equal(s.T(), "test-project", req.GetProject())
	assert.Equal(s.T(), "us-central1-a", req.GetZone())
	assert.Equal(s.T(), "octane-abcde", req.GetInstance())
}

func (s *GCPEngineSuite) TestDeleteVM_Idempotent_DeleteReturns404() {
	s.client.deleteErr = fmt.Errorf("googleapi: Error 404: The resource was not found")
	e := s.newEngine()

	require.NoError(s.T(), e.DeleteVM(s.ctx, "octane-gone", true), "404 on Delete should be treated as success")
}

func (s *GCPEngineSuite) TestDeleteVM_Idempotent_WaitReturns404() {
	s.client.deleteOp = &mockOperation{err: fmt.Errorf("code = NotFound")}
	e := s.newEngine()

	require.NoError(s.T(), e.DeleteVM(s.ctx, "octane-race", true), "404 during Wait should be treated as success")
}

func (s *GCPEngineSuite) TestDeleteVM_RealError() {
	s.client.deleteErr = apiError(http.StatusForbidden, "forbidden")
	e := s.newEngine()

	err := e.DeleteVM(s.ctx, "octane-perms", true)
	require.Error(s.T(), err)
	assert.Equal(s.T(), fault.KindPermanent, fault.KindOf(err))
}

func (s *GCPEngineSuite) TestDeleteDiskAndAddress() {
	e := s.newEngine()

	require.NoError(s.T(), e.DeleteDisk(s.ctx, "octane-abcde-osdisk"))
	require.NoError(s.T(), e.DeleteNetworkInterface(s.ctx, "octane-abcde-nic"))

	assert.Equal(s.T(), []string{"octane-abcde-osdisk"}, s.disks.deleted)
	assert.Equal(s.T(), []string{"octane-abcde-nic"}, s.addresses.deleted)
}

func (s *GCPEngineSuite) TestDeletesTolerateNotFound() {
	s.disks.err = apiError(http.StatusNotFound, "notFound")
	s.addresses.deleteErr = apiError(http.StatusNotFound, "notFound")
	e := s.newEngine()

	assert.NoError(s.T(), e.DeleteDisk(s.ctx, "octane-abcde-osdisk"))
	assert.NoError(s.T(), e.DeleteNetworkInterface(s.ctx, "octane-abcde-nic"))
}

func (s *GCPEngineSuite) TestListNetworkInterfaces() {
	s.addresses.names = []string{"octane-aaaaa-nic", "bastion"}
	e := s.newEngine()

	names, err := e.ListNetworkInterfaces(s.ctx)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), s.addresses.names, names)
}

func (s *GCPEngineSuite) TestClose_ClosesAllClients() {
	e := s.newEngine()

	require.NoError(s.T(), e.Close())
	assert.True(s.T(), s.client.closed)
	assert.True(s.T(), s.addresses.closed)
	assert.True(s.T(), s.disks.closed)
}

func TestRegionOf(t *testing.T) {
	assert.Equal(t, "europe-west1", regionOf("europe-west1-b"))
	assert.Equal(t, "us-central1", regionOf("us-central1-a"))
	assert.Equal(t, "local", regionOf("local"))
}
