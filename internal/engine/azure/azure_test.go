package azure

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/compute/armcompute/v4"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/network/armnetwork/v4"
	"github.com/stretchr/testify/suite"

	"github.com/terrpan/octane/internal/engine"
	"github.com/terrpan/octane/internal/fault"
)

// ---------------------------------------------------------------------------
// Mock ARM
// ---------------------------------------------------------------------------

type mockCompute struct {
	mu          sync.Mutex
	created     []armcompute.VirtualMachine
	commands    []armcompute.RunCommandInput
	deleted     []string
	force       []bool
	diskDeletes []string
	vm          *armcompute.VirtualMachine

	createErr error
	getErr    error
	deleteErr error
	diskErr   error
}

func (m *mockCompute) createOrUpdateVM(_ context.Context, _ string, vm armcompute.VirtualMachine) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	m.created = append(m.created, vm)
	return nil
}

func (m *mockCompute) getVM(context.Context, string) (armcompute.VirtualMachine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return armcompute.VirtualMachine{}, m.getErr
	}
	return *m.vm, nil
}

func (m *mockCompute) runCommand(_ context.Context, _ string, input armcompute.RunCommandInput) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commands = append(m.commands, input)
	return nil
}

func (m *mockCompute) deleteVM(_ context.Context, name string, force bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deleteErr != nil {
		return m.deleteErr
	}
	m.deleted = append(m.deleted, name)
	m.force = append(m.force, force)
	return nil
}

func (m *mockCompute) beginDeleteDisk(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.diskErr != nil {
		return m.diskErr
	}
	m.diskDeletes = append(m.diskDeletes, name)
	return nil
}

type mockNetwork struct {
	mu      sync.Mutex
	nics    []armnetwork.Interface
	deleted []string
	names   []string
	err     error
}

func (m *mockNetwork) createOrUpdateNIC(_ context.Context, name string, nic armnetwork.Interface) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	m.nics = append(m.nics, nic)
	return "/subscriptions/s/resourceGroups/rg/providers/Microsoft.Network/networkInterfaces/" + name, nil
}

func (m *mockNetwork) beginDeleteNIC(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.deleted = append(m.deleted, name)
	return nil
}

func (m *mockNetwork) listNICs(context.Context) ([]string, error) {
	return m.names, m.err
}

func responseError(status int, code string) error {
	return &azcore.ResponseError{StatusCode: status, ErrorCode: code}
}

// ---------------------------------------------------------------------------
// Suite
// ---------------------------------------------------------------------------

type AzureEngineSuite struct {
	suite.Suite
	ctx     context.Context
	compute *mockCompute
	network *mockNetwork
	engine  *Engine
}

func (s *AzureEngineSuite) SetupTest() {
	s.ctx = context.Background()
	s.compute = &mockCompute{}
	s.network = &mockNetwork{}
	s.engine = newEngine(s.compute, s.network, Config{
		SubscriptionID: "sub",
		ResourceGroup:  "rg",
		Location:       "westeurope",
		AdminUsername:  "octaneadmin",
		AdminPassword:  "secret",
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestAzureEngineSuite(t *testing.T) {
	suite.Run(t, new(AzureEngineSuite))
}

func (s *AzureEngineSuite) TestCreateNetworkInterfaceUsesSubnet() {
	id, err := s.engine.CreateNetworkInterface(s.ctx, "octane-abcde-nic", "/subnets/vms")

	s.Require().NoError(err)
	s.Contains(id, "octane-abcde-nic")
	s.Require().Len(s.network.nics, 1)
	cfg := s.network.nics[0].Properties.IPConfigurations[0].Properties
	s.Equal("/subnets/vms", *cfg.Subnet.ID)
	s.Equal(armnetwork.IPAllocationMethodDynamic, *cfg.PrivateIPAllocationMethod)
	s.Equal("westeurope", *s.network.nics[0].Location)
}

func (s *AzureEngineSuite) TestCreateOrUpdateVMBuildsWindowsVM() {
	s.Require().NoError(s.engine.CreateOrUpdateVM(s.ctx, "octane-abcde", "Standard_D2s_v3", "nic-id"))

	s.Require().Len(s.compute.created, 1)
	p := s.compute.created[0].Properties
	s.Equal(armcompute.VirtualMachineSizeTypes("Standard_D2s_v3"), *p.HardwareProfile.VMSize)
	s.Equal("MicrosoftWindowsDesktop", *p.StorageProfile.ImageReference.Publisher)
	s.Equal("octane-abcde-osdisk", *p.StorageProfile.OSDisk.Name)
	s.Equal("octaneadmin", *p.OSProfile.AdminUsername)
	s.Equal("nic-id", *p.NetworkProfile.NetworkInterfaces[0].ID)
	s.Equal("Windows_Client", *p.LicenseType)
}

func (s *AzureEngineSuite) TestBadRequestIsPermanentWithCode() {
	s.compute.createErr = responseError(http.StatusBadRequest, "InvalidParameter")

	err := s.engine.CreateOrUpdateVM(s.ctx, "octane-abcde", "Nope", "nic-id")

	s.Equal(fault.KindPermanent, fault.KindOf(err))
	s.Equal("InvalidParameter", fault.CodeOf(err))
}

func (s *AzureEngineSuite) TestServerErrorIsTransient() {
	s.network.err = responseError(http.StatusServiceUnavailable, "ServiceUnavailable")

	_, err := s.engine.CreateNetworkInterface(s.ctx, "n", "s")

	s.Equal(fault.KindTransient, fault.KindOf(err))
}

func (s *AzureEngineSuite) TestNonHTTPErrorIsTransient() {
	s.compute.createErr = errors.New("dial tcp: i/o timeout")
	err := s.engine.CreateOrUpdateVM(s.ctx, "n", "s", "id")
	s.Equal(fault.KindTransient, fault.KindOf(err))
}

func (s *AzureEngineSuite) TestGetVMReportsDiskAndNICs() {
	s.compute.vm = &armcompute.VirtualMachine{
		Properties: &armcompute.VirtualMachineProperties{
			StorageProfile: &armcompute.StorageProfile{
				OSDisk: &armcompute.OSDisk{Name: to.Ptr("octane-abcde-osdisk")},
			},
			NetworkProfile: &armcompute.NetworkProfile{
				NetworkInterfaces: []*armcompute.NetworkInterfaceReference{
					{ID: to.Ptr("/subscriptions/s/resourceGroups/rg/providers/Microsoft.Network/networkInterfaces/octane-abcde-nic")},
				},
			},
		},
	}

	vm, err := s.engine.GetVM(s.ctx, "octane-abcde")

	s.Require().NoError(err)
	s.Equal("octane-abcde-osdisk", vm.OSDisk)
	s.Equal([]string{"octane-abcde-nic"}, vm.NetworkInterfaces)
}

func (s *AzureEngineSuite) TestGetVMNotFound() {
	s.compute.getErr = responseError(http.StatusNotFound, "ResourceNotFound")

	_, err := s.engine.GetVM(s.ctx, "octane-abcde")

	s.ErrorIs(err, engine.ErrNotFound)
}

func (s *AzureEngineSuite) TestRunRemoteCommandPassesParameters() {
	err := s.engine.RunRemoteCommand(s.ctx, "octane-abcde", []engine.Parameter{
		{Name: "diagnosticId", Value: "corr-1"},
	}, "Write-Host hi")

	s.Require().NoError(err)
	s.Require().Len(s.compute.commands, 1)
	in := s.compute.commands[0]
	s.Equal("RunPowerShellScript", *in.CommandID)
	s.Equal("Write-Host hi", *in.Script[0])
	s.Equal("diagnosticId", *in.Parameters[0].Name)
	s.Equal("corr-1", *in.Parameters[0].Value)
}

func (s *AzureEngineSuite) TestDeleteVMForces() {
	s.Require().NoError(s.engine.DeleteVM(s.ctx, "octane-abcde", true))
	s.Equal([]string{"octane-abcde"}, s.compute.deleted)
	s.Equal([]bool{true}, s.compute.force)
}

func (s *AzureEngineSuite) TestDeletesTolerateNotFound() {
	s.compute.deleteErr = responseError(http.StatusNotFound, "NotFound")
	s.compute.diskErr = responseError(http.StatusNotFound, "NotFound")
	s.network.err = responseError(http.StatusNotFound, "NotFound")

	s.NoError(s.engine.DeleteVM(s.ctx, "a", true))
	s.NoError(s.engine.DeleteDisk(s.ctx, "a-osdisk"))
	s.NoError(s.engine.DeleteNetworkInterface(s.ctx, "a-nic"))
}

func (s *AzureEngineSuite) TestDeleteDiskConflictIsPermanent() {
	s.compute.diskErr = responseError(http.StatusConflict, "OperationNotAllowed")

	err := s.engine.DeleteDisk(s.ctx, "a-osdisk")

	s.Equal("OperationNotAllowed", fault.CodeOf(err))
}

func (s *AzureEngineSuite) TestListNetworkInterfaces() {
	s.network.names = []string{"octane-aaaaa-nic", "other"}

	names, err := s.engine.ListNetworkInterfaces(s.ctx)

	s.Require().NoError(err)
	s.Equal(s.network.names, names)
}
