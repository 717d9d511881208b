// Package engine defines the abstraction for the cloud backends that host
// benchmark VMs.  Each backend (Azure, GCP, Docker) implements Engine so
// the lifecycle orchestrator stays provider-agnostic.
package engine

import (
	"context"
	"errors"
)

// ErrNotFound is returned (possibly wrapped) when a named resource does
// not exist.
var ErrNotFound = errors.New("resource not found")

// VirtualMachine is what GetVM reports about an existing VM.
type VirtualMachine struct {
	Name string

	// OSDisk is the name of the VM's OS disk, empty if unknown.
	OSDisk string

	// NetworkInterfaces are the names of attached network interfaces.
	NetworkInterfaces []string
}

// Parameter is one named argument passed to a remote command.
type Parameter struct {
	Name  string
	Value string
}

// Engine is the contract every compute backend must satisfy.
//
// Resources are addressed by name and every create is an idempotent
// create-or-update, so a redelivered message can safely repeat a call.
// Errors that represent a provider rejection should be tagged with
// fault.FromStatus so callers can tell permanent failures from
// transient ones.
type Engine interface {
	// CreateNetworkInterface creates or updates a network interface on
	// subnet and returns its provider id.
	CreateNetworkInterface(ctx context.Context, name, subnet string) (id string, err error)

	// CreateOrUpdateVM creates or updates a VM of the given size
	// attached to the network interface nicID, and waits until the
	// provider reports it provisioned.
	CreateOrUpdateVM(ctx context.Context, name, sku, nicID string) error

	// GetVM returns the VM or an error wrapping ErrNotFound.
	GetVM(ctx context.Context, name string) (*VirtualMachine, error)

	// RunRemoteCommand runs script on the VM with params and waits for
	// the command to be accepted.
	RunRemoteCommand(ctx context.Context, vmName string, params []Parameter, script string) error

	// DeleteVM deletes the VM and waits for completion.  force skips the
	// guest shutdown.
	DeleteVM(ctx context.Context, name string, force bool) error

	// DeleteDisk starts deleting a disk and returns without waiting.
	DeleteDisk(ctx context.Context, name string) error

	// DeleteNetworkInterface starts deleting a network interface and
	// returns without waiting.
	DeleteNetworkInterface(ctx context.Context, name string) error

	// Close releases client resources.  It never deletes VMs.
	Close() error
}

// Lister is implemented by engines that can enumerate the network
// interfaces they manage, for orphan reconciliation.
type Lister interface {
	ListNetworkInterfaces(ctx context.Context) ([]string, error)
}

// NetworkInterfaceName is the name of the interface created for vm.
func NetworkInterfaceName(vm string) string {
	return vm + "-nic"
}
