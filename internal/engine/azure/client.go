package azure

import (
	"context"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/compute/armcompute/v4"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/network/armnetwork/v4"
)

// computeAPI is the subset of the compute clients the engine drives,
// scoped to one resource group.  It lets tests replace ARM.
type computeAPI interface {
	createOrUpdateVM(ctx context.Context, name string, vm armcompute.VirtualMachine) error
	getVM(ctx context.Context, name string) (armcompute.VirtualMachine, error)
	runCommand(ctx context.Context, name string, input armcompute.RunCommandInput) error
	deleteVM(ctx context.Context, name string, force bool) error
	beginDeleteDisk(ctx context.Context, name string) error
}

// networkAPI is the subset of the network clients the engine drives.
type networkAPI interface {
	createOrUpdateNIC(ctx context.Context, name string, nic armnetwork.Interface) (id string, err error)
	beginDeleteNIC(ctx context.Context, name string) error
	listNICs(ctx context.Context) ([]string, error)
}

type armCompute struct {
	vms   *armcompute.VirtualMachinesClient
	disks *armcompute.DisksClient
	group string
}

func (c *armCompute) createOrUpdateVM(ctx context.Context, name string, vm armcompute.VirtualMachine) error {
	poller, err := c.vms.BeginCreateOrUpdate(ctx, c.group, name, vm, nil)
	if err != nil {
		return err
	}
	_, err = poller.PollUntilDone(ctx, nil)
	return err
}

func (c *armCompute) getVM(ctx context.Context, name string) (armcompute.VirtualMachine, error) {
	resp, err := c.vms.Get(ctx, c.group, name, nil)
	if err != nil {
		return armcompute.VirtualMachine{}, err
	}
	return resp.VirtualMachine, nil
}

func (c *armCompute) runCommand(ctx context.Context, name string, input armcompute.RunCommandInput) error {
	poller, err := c.vms.BeginRunCommand(ctx, c.group, name, input, nil)
	if err != nil {
		return err
	}
	_, err = poller.PollUntilDone(ctx, nil)
	return err
}

func (c *armCompute) deleteVM(ctx context.Context, name string, force bool) error {
	poller, err := c.vms.BeginDelete(ctx, c.group, name, &armcompute.VirtualMachinesClientBeginDeleteOptions{
		ForceDeletion: to.Ptr(force),
	})
	if err != nil {
		return err
	}
	_, err = poller.PollUntilDone(ctx, nil)
	return err
}

func (c *armCompute) beginDeleteDisk(ctx context.Context, name string) error {
	_, err := c.disks.BeginDelete(ctx, c.group, name, nil)
	return err
}

type armNetwork struct {
	nics  *armnetwork.InterfacesClient
	group string
}

func (n *armNetwork) createOrUpdateNIC(ctx context.Context, name string, nic armnetwork.Interface) (string, error) {
	poller, err := n.nics.BeginCreateOrUpdate(ctx, n.group, name, nic, nil)
	if err != nil {
		return "", err
	}
	resp, err := poller.PollUntilDone(ctx, nil)
	if err != nil {
		return "", err
	}
	if resp.ID == nil {
		return "", fmt.Errorf("network interface %s has no id", name)
	}
	return *resp.ID, nil
}

func (n *armNetwork) beginDeleteNIC(ctx context.Context, name string) error {
	_, err := n.nics.BeginDelete(ctx, n.group, name, nil)
	return err
}

func (n *armNetwork) listNICs(ctx context.Context) ([]string, error) {
	var names []string
	pager := n.nics.NewListPager(n.group, nil)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, nic := range page.Value {
			if nic != nil && nic.Name != nil {
				names = append(names, *nic.Name)
			}
		}
	}
	return names, nil
}
