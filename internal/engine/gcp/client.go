package gcp

import (
	"context"
	"errors"

	compute "cloud.google.com/go/compute/apiv1"
	computepb "cloud.google.com/go/compute/apiv1/computepb"
	gax "github.com/googleapis/gax-go/v2"
	"google.golang.org/api/iterator"
)

// operationWaiter is satisfied by *compute.Operation.
type operationWaiter interface {
	Wait(ctx context.Context, opts ...gax.CallOption) error
}

// instancesAPI is the subset of compute.InstancesClient the engine uses.
type instancesAPI interface {
	Insert(ctx context.Context, req *computepb.InsertInstanceRequest) (operationWaiter, error)
	Get(ctx context.Context, req *computepb.GetInstanceRequest) (*computepb.Instance, error)
	SetMetadata(ctx context.Context, req *computepb.SetMetadataInstanceRequest) (operationWaiter, error)
	Reset(ctx context.Context, req *computepb.ResetInstanceRequest) (operationWaiter, error)
	Delete(ctx context.Context, req *computepb.DeleteInstanceRequest) (operationWaiter, error)
	Close() error
}

// addressesAPI manages the reserved internal addresses that stand in for
// network interfaces on GCE.
type addressesAPI interface {
	Insert(ctx context.Context, req *computepb.InsertAddressRequest) (operationWaiter, error)
	Get(ctx context.Context, req *computepb.GetAddressRequest) (*computepb.Address, error)
	Delete(ctx context.Context, req *computepb.DeleteAddressRequest) (operationWaiter, error)
	List(ctx context.Context, req *computepb.ListAddressesRequest) ([]string, error)
	Close() error
}

type disksAPI interface {
	Delete(ctx context.Context, req *computepb.DeleteDiskRequest) (operationWaiter, error)
	Close() error
}

// ---------------------------------------------------------------------------
// REST client adapters
// ---------------------------------------------------------------------------

type instances struct{ c *compute.InstancesClient }

func (i instances) Insert(ctx context.Context, req *computepb.InsertInstanceRequest) (operationWaiter, error) {
	return i.c.Insert(ctx, req)
}

func (i instances) Get(ctx context.Context, req *computepb.GetInstanceRequest) (*computepb.Instance, error) {
	return i.c.Get(ctx, req)
}

func (i instances) SetMetadata(ctx context.Context, req *computepb.SetMetadataInstanceRequest) (operationWaiter, error) {
	return i.c.SetMetadata(ctx, req)
}

func (i instances) Reset(ctx context.Context, req *computepb.ResetInstanceRequest) (operationWaiter, error) {
	return i.c.Reset(ctx, req)
}

func (i instances) Delete(ctx context.Context, req *computepb.DeleteInstanceRequest) (operationWaiter, error) {
	return i.c.Delete(ctx, req)
}

func (i instances) Close() error { return i.c.Close() }

type addresses struct{ c *compute.AddressesClient }

func (a addresses) Insert(ctx context.Context, req *computepb.InsertAddressRequest) (operationWaiter, error) {
	return a.c.Insert(ctx, req)
}

func (a addresses) Get(ctx context.Context, req *computepb.GetAddressRequest) (*computepb.Address, error) {
	return a.c.Get(ctx, req)
}

func (a addresses) Delete(ctx context.Context, req *computepb.DeleteAddressRequest) (operationWaiter, error) {
	return a.c.Delete(ctx, req)
}

func (a addresses) List(ctx context.Context, req *computepb.ListAddressesRequest) ([]string, error) {
	var names []string
	it := a.c.List(ctx, req)
	for {
		addr, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return names, nil
		}
		if err != nil {
			return nil, err
		}
		names = append(names, addr.GetName())
	}
}

func (a addresses) Close() error { return a.c.Close() }

type disks struct{ c *compute.DisksClient }

func (d disks) Delete(ctx context.Context, req *computepb.DeleteDiskRequest) (operationWaiter, error) {
	return d.c.Delete(ctx, req)
}

func (d disks) Close() error { return d.c.Close() }
