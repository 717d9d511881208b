// Package azure implements the engine.Engine interface on Azure Resource
// Manager: one network interface and one Windows VM per benchmark run.
//
// Authentication uses azidentity.DefaultAzureCredential (environment,
// workload identity, managed identity or az CLI login).
package azure

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/compute/armcompute/v4"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/network/armnetwork/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/octane/internal/engine"
	"github.com/terrpan/octane/internal/fault"
)

// Image identifies a marketplace image.
type Image struct {
	Publisher string
	Offer     string
	SKU       string
	Version   string
}

// DefaultImage is Windows 11 multi-session, which the benchmark needs
// for the Edge browser.
var DefaultImage = Image{
	Publisher: "MicrosoftWindowsDesktop",
	Offer:     "windows-11",
	SKU:       "win11-21h2-avd",
	Version:   "latest",
}

// Config holds Azure-specific engine settings.
type Config struct {
	SubscriptionID string
	ResourceGroup  string
	Location       string

	// AdminUsername / AdminPassword are the VM's local administrator.
	AdminUsername string
	AdminPassword string

	// Image defaults to DefaultImage.
	Image Image

	// LicenseType is set on the VM.  Default: "Windows_Client".
	LicenseType string
}

// Engine manages benchmark VMs in one resource group.
type Engine struct {
	compute computeAPI
	network networkAPI
	cfg     Config
	logger  *slog.Logger
	tracer  trace.Tracer
}

// Compile-time check that Engine satisfies the engine interfaces.
var (
	_ engine.Engine = (*Engine)(nil)
	_ engine.Lister = (*Engine)(nil)
)

// New creates an Azure engine using DefaultAzureCredential.
func New(_ context.Context, cfg Config, logger *slog.Logger) (*Engine, error) {
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("azure credential: %w", err)
	}

	vms, err := armcompute.NewVirtualMachinesClient(cfg.SubscriptionID, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("azure virtual machines client: %w", err)
	}
	disks, err := armcompute.NewDisksClient(cfg.SubscriptionID, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("azure disks client: %w", err)
	}
	nics, err := armnetwork.NewInterfacesClient(cfg.SubscriptionID, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("azure network interfaces client: %w", err)
	}

	logger.Info("azure engine initialized",
		slog.String("subscription", cfg.SubscriptionID),
		slog.String("resource_group", cfg.ResourceGroup),
		slog.String("location", cfg.Location),
	)

	return newEngine(
		&armCompute{vms: vms, disks: disks, group: cfg.ResourceGroup},
		&armNetwork{nics: nics, group: cfg.ResourceGroup},
		cfg, logger,
	), nil
}

func newEngine(c computeAPI, n networkAPI, cfg Config, logger *slog.Logger) *Engine {
	if cfg.Image == (Image{}) {
		cfg.Image = DefaultImage
	}
	if cfg.LicenseType == "" {
		cfg.LicenseType = "Windows_Client"
	}
	return &Engine{
		compute: c,
		network: n,
		cfg:     cfg,
		logger:  logger,
		tracer:  otel.Tracer("octane/engine/azure"),
	}
}

// CreateNetworkInterface creates or updates a NIC with one dynamic
// private IP on subnet.
func (e *Engine) CreateNetworkInterface(ctx context.Context, name, subnet string) (string, error) {
	ctx, span := e.tracer.Start(ctx, "engine.azure.CreateNetworkInterface")
	defer span.End()
	span.SetAttributes(attribute.String("azure.nic", name))

	nic := armnetwork.Interface{
		Location: to.Ptr(e.cfg.Location),
		Properties: &armnetwork.InterfacePropertiesFormat{
			IPConfigurations: []*armnetwork.InterfaceIPConfiguration{
				{
					Name: to.Ptr("ipconfig1"),
					Properties: &armnetwork.InterfaceIPConfigurationPropertiesFormat{
						PrivateIPAllocationMethod: to.Ptr(armnetwork.IPAllocationMethodDynamic),
						Subnet:                    &armnetwork.Subnet{ID: to.Ptr(subnet)},
					},
				},
			},
		},
	}

	e.logger.Info("creating network interface", slog.String("name", name))

	id, err := e.network.createOrUpdateNIC(ctx, name, nic)
	if err != nil {
		return "", classify(fmt.Errorf("create network interface %s: %w", name, err))
	}
	return id, nil
}

// CreateOrUpdateVM creates or updates a Windows VM attached to nicID.
func (e *Engine) CreateOrUpdateVM(ctx context.Context, name, sku, nicID string) error {
	ctx, span := e.tracer.Start(ctx, "engine.azure.CreateOrUpdateVM")
	defer span.End()
	span.SetAttributes(
		attribute.String("azure.vm", name),
		attribute.String("azure.vm_size", sku),
	)

	e.logger.Info("creating virtual machine",
		slog.String("name", name),
		slog.String("sku", sku),
	)

	if err := e.compute.createOrUpdateVM(ctx, name, e.virtualMachine(name, sku, nicID)); err != nil {
		return classify(fmt.Errorf("create virtual machine %s: %w", name, err))
	}

	e.logger.Info("virtual machine provisioned", slog.String("name", name))
	return nil
}

func (e *Engine) virtualMachine(name, sku, nicID string) armcompute.VirtualMachine {
	return armcompute.VirtualMachine{
		Location: to.Ptr(e.cfg.Location),
		Properties: &armcompute.VirtualMachineProperties{
			HardwareProfile: &armcompute.HardwareProfile{
				VMSize: to.Ptr(armcompute.VirtualMachineSizeTypes(sku)),
			},
			StorageProfile: &armcompute.StorageProfile{
				ImageReference: &armcompute.ImageReference{
					Publisher: to.Ptr(e.cfg.Image.Publisher),
					Offer:     to.Ptr(e.cfg.Image.Offer),
					SKU:       to.Ptr(e.cfg.Image.SKU),
					Version:   to.Ptr(e.cfg.Image.Version),
				},
				OSDisk: &armcompute.OSDisk{
					Name:         to.Ptr(name + "-osdisk"),
					CreateOption: to.Ptr(armcompute.DiskCreateOptionTypesFromImage),
					ManagedDisk: &armcompute.ManagedDiskParameters{
						StorageAccountType: to.Ptr(armcompute.StorageAccountTypesStandardLRS),
					},
				},
			},
			OSProfile: &armcompute.OSProfile{
				ComputerName:  to.Ptr(name),
				AdminUsername: to.Ptr(e.cfg.AdminUsername),
				AdminPassword: to.Ptr(e.cfg.AdminPassword),
			},
			NetworkProfile: &armcompute.NetworkProfile{
				NetworkInterfaces: []*armcompute.NetworkInterfaceReference{
					{
						ID: to.Ptr(nicID),
						Properties: &armcompute.NetworkInterfaceReferenceProperties{
							Primary: to.Ptr(true),
						},
					},
				},
			},
			LicenseType: to.Ptr(e.cfg.LicenseType),
		},
	}
}

// GetVM returns the VM's OS disk and NIC names.
func (e *Engine) GetVM(ctx context.Context, name string) (*engine.VirtualMachine, error) {
	ctx, span := e.tracer.Start(ctx, "engine.azure.GetVM")
	defer span.End()
	span.SetAttributes(attribute.String("azure.vm", name))

	vm, err := e.compute.getVM(ctx, name)
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("virtual machine %s: %w", name, engine.ErrNotFound)
		}
		return nil, classify(fmt.Errorf("get virtual machine %s: %w", name, err))
	}

	out := &engine.VirtualMachine{Name: name}
	if p := vm.Properties; p != nil {
		if p.StorageProfile != nil && p.StorageProfile.OSDisk != nil && p.StorageProfile.OSDisk.Name != nil {
			out.OSDisk = *p.StorageProfile.OSDisk.Name
		}
		if p.NetworkProfile != nil {
			for _, ref := range p.NetworkProfile.NetworkInterfaces {
				if ref != nil && ref.ID != nil {
					out.NetworkInterfaces = append(out.NetworkInterfaces, path.Base(*ref.ID))
				}
			}
		}
	}
	return out, nil
}

// RunRemoteCommand runs script through the RunPowerShellScript command
// and waits for it to finish.
func (e *Engine) RunRemoteCommand(ctx context.Context, vmName string, params []engine.Parameter, script string) error {
	ctx, span := e.tracer.Start(ctx, "engine.azure.RunRemoteCommand")
	defer span.End()
	span.SetAttributes(
		attribute.String("azure.vm", vmName),
		attribute.Int("azure.parameters", len(params)),
	)

	input := armcompute.RunCommandInput{
		CommandID: to.Ptr("RunPowerShellScript"),
		Script:    []*string{to.Ptr(script)},
	}
	for _, p := range params {
		input.Parameters = append(input.Parameters, &armcompute.RunCommandInputParameter{
			Name:  to.Ptr(p.Name),
			Value: to.Ptr(p.Value),
		})
	}

	e.logger.Info("running remote command", slog.String("name", vmName))

	if err := e.compute.runCommand(ctx, vmName, input); err != nil {
		return classify(fmt.Errorf("run command on %s: %w", vmName, err))
	}
	return nil
}

// DeleteVM deletes the VM and waits.
func (e *Engine) DeleteVM(ctx context.Context, name string, force bool) error {
	ctx, span := e.tracer.Start(ctx, "engine.azure.DeleteVM")
	defer span.End()
	span.SetAttributes(
		attribute.String("azure.vm", name),
		attribute.Bool("azure.force", force),
	)

	e.logger.Info("deleting virtual machine", slog.String("name", name), slog.Bool("force", force))

	if err := e.compute.deleteVM(ctx, name, force); err != nil {
		if isNotFound(err) {
			span.AddEvent("virtual machine already deleted (idempotent)")
			return nil
		}
		return classify(fmt.Errorf("delete virtual machine %s: %w", name, err))
	}
	return nil
}

// DeleteDisk starts deleting a managed disk.
func (e *Engine) DeleteDisk(ctx context.Context, name string) error {
	ctx, span := e.tracer.Start(ctx, "engine.azure.DeleteDisk")
	defer span.End()
	span.SetAttributes(attribute.String("azure.disk", name))

	if err := e.compute.beginDeleteDisk(ctx, name); err != nil && !isNotFound(err) {
		return classify(fmt.Errorf("delete disk %s: %w", name, err))
	}
	return nil
}

// DeleteNetworkInterface starts deleting a NIC.
func (e *Engine) DeleteNetworkInterface(ctx context.Context, name string) error {
	ctx, span := e.tracer.Start(ctx, "engine.azure.DeleteNetworkInterface")
	defer span.End()
	span.SetAttributes(attribute.String("azure.nic", name))

	if err := e.network.beginDeleteNIC(ctx, name); err != nil && !isNotFound(err) {
		return classify(fmt.Errorf("delete network interface %s: %w", name, err))
	}
	return nil
}

// ListNetworkInterfaces returns the names of all NICs in the resource
// group.
func (e *Engine) ListNetworkInterfaces(ctx context.Context) ([]string, error) {
	ctx, span := e.tracer.Start(ctx, "engine.azure.ListNetworkInterfaces")
	defer span.End()

	names, err := e.network.listNICs(ctx)
	if err != nil {
		return nil, classify(fmt.Errorf("list network interfaces: %w", err))
	}
	return names, nil
}

// Close is a no-op; ARM clients hold no connections of their own.
func (e *Engine) Close() error { return nil }

// classify tags err by the ARM response status, if there is one.
func classify(err error) error {
	var re *azcore.ResponseError
	if errors.As(err, &re) {
		return fault.FromStatus(re.StatusCode, re.ErrorCode, err)
	}
	return fault.Transient(err)
}

func isNotFound(err error) bool {
	var re *azcore.ResponseError
	return errors.As(err, &re) && re.StatusCode == 404
}
