// Package gcp implements the engine.Engine interface using Google Cloud
// Compute Engine.
//
// GCE has no free-standing network interface resource, so the engine
// reserves an internal static address named after the interface and
// pins the instance's primary NIC to it.  Remote commands are delivered
// as a Windows startup script followed by an instance reset.
//
// Authentication uses Application Default Credentials (ADC).  No
// credential fields exist in Config -- auth is handled by the
// environment (attached service account, Workload Identity Federation,
// GOOGLE_APPLICATION_CREDENTIALS, or gcloud auth application-default login).
package gcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"strings"

	compute "cloud.google.com/go/compute/apiv1"
	computepb "cloud.google.com/go/compute/apiv1/computepb"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/api/googleapi"
	"google.golang.org/protobuf/proto"

	"github.com/terrpan/octane/internal/engine"
	"github.com/terrpan/octane/internal/fault"
)

const (
	// startupScriptKey is the metadata key GCE Windows images run at boot.
	startupScriptKey = "windows-startup-script-ps1"

	// nicLabel records the reserved address backing an instance's NIC.
	nicLabel = "octane-nic"

	// parameterPrefix namespaces remote command parameters in metadata.
	parameterPrefix = "octane-"
)

// Config holds GCP-specific engine settings.
type Config struct {
	// Project is the GCP project ID (required).
	Project string

	// Zone is the GCP zone where VMs are created (required).  The region
	// for address reservations is derived from it.
	Zone string

	// Image is the full self-link or family URL of the boot image
	// (required).  Example:
	//   "projects/windows-cloud/global/images/family/windows-2022"
	Image string

	// DiskSizeGB is the boot disk size in GB.  Default: 128.
	DiskSizeGB int64

	// Subnet is the subnetwork of the instance NIC (optional).  It must
	// match the subnet addresses are reserved on.
	Subnet string

	// ServiceAccount is the service account email attached to VMs
	// (optional).
	ServiceAccount string
}

// Engine manages benchmark VMs as GCE instances.
type Engine struct {
	instances instancesAPI
	addresses addressesAPI
	disks     disksAPI
	cfg       Config
	region    string
	logger    *slog.Logger

	tracer trace.Tracer
}

// Compile-time check that Engine satisfies the engine interfaces.
var (
	_ engine.Engine = (*Engine)(nil)
	_ engine.Lister = (*Engine)(nil)
)

// New creates a GCP engine using Application Default Credentials.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Engine, error) {
	ic, err := compute.NewInstancesRESTClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcp instances client: %w", err)
	}
	ac, err := compute.NewAddressesRESTClient(ctx)
	if err != nil {
		ic.Close()
		return nil, fmt.Errorf("gcp addresses client: %w", err)
	}
	dc, err := compute.NewDisksRESTClient(ctx)
	if err != nil {
		ic.Close()
		ac.Close()
		return nil, fmt.Errorf("gcp disks client: %w", err)
	}

	logger.Info("gcp engine initialized",
		slog.String("project", cfg.Project),
		slog.String("zone", cfg.Zone),
		slog.String("image", cfg.Image),
	)

	return newEngine(instances{ic}, addresses{ac}, disks{dc}, cfg, logger), nil
}

func newEngine(i instancesAPI, a addressesAPI, d disksAPI, cfg Config, logger *slog.Logger) *Engine {
	if cfg.DiskSizeGB == 0 {
		cfg.DiskSizeGB = 128
	}
	return &Engine{
		instances: i,
		addresses: a,
		disks:     d,
		cfg:       cfg,
		region:    regionOf(cfg.Zone),
		logger:    logger,
		tracer:    otel.Tracer("octane/engine/gcp"),
	}
}

// regionOf turns "europe-west1-b" into "europe-west1".
func regionOf(zone string) string {
	if i := strings.LastIndex(zone, "-"); i > 0 {
		return zone[:i]
	}
	return zone
}

// CreateNetworkInterface reserves an internal address on subnet and
// returns the IP, which CreateOrUpdateVM pins the instance NIC to.
func (e *Engine) CreateNetworkInterface(ctx context.Context, name, subnet string) (string, error) {
	ctx, span := e.tracer.Start(ctx, "engine.gcp.CreateNetworkInterface")
	defer span.End()
	span.SetAttributes(
		attribute.String("gcp.address", name),
		attribute.String("gcp.region", e.region),
	)

	e.logger.Info("reserving internal address", slog.String("name", name))

	op, err := e.addresses.Insert(ctx, &computepb.InsertAddressRequest{
		Project: e.cfg.Project,
		Region:  e.region,
		AddressResource: &computepb.Address{
			Name:        proto.String(name),
			AddressType: proto.String("INTERNAL"),
			Subnetwork:  proto.String(subnet),
		},
	})
	switch {
	case isConflict(err):
		span.AddEvent("address already reserved")
	case err != nil:
		return "", classify(fmt.Errorf("insert address %s: %w", name, err))
	default:
		if err := op.Wait(ctx); err != nil {
			return "", classify(fmt.Errorf("waiting for address %s: %w", name, err))
		}
	}

	addr, err := e.addresses.Get(ctx, &computepb.GetAddressRequest{
		Project: e.cfg.Project,
		Region:  e.region,
		Address: name,
	})
	if err != nil {
		return "", classify(fmt.Errorf("get address %s: %w", name, err))
	}
	if addr.GetAddress() == "" {
		return "", fault.Transient(fmt.Errorf("address %s has no ip yet", name))
	}
	return addr.GetAddress(), nil
}

// CreateOrUpdateVM inserts an instance whose primary NIC uses the IP
// returned by CreateNetworkInterface.  An instance that already exists
// counts as created.
func (e *Engine) CreateOrUpdateVM(ctx context.Context, name, sku, nicID string) error {
	ctx, span := e.tracer.Start(ctx, "engine.gcp.CreateOrUpdateVM")
	defer span.End()
	span.SetAttributes(
		attribute.String("gcp.instance_name", name),
		attribute.String("gcp.machine_type", sku),
		attribute.String("gcp.zone", e.cfg.Zone),
	)

	e.logger.Info("creating virtual machine",
		slog.String("name", name),
		slog.String("machine_type", sku),
		slog.String("zone", e.cfg.Zone),
	)

	op, err := e.instances.Insert(ctx, &computepb.InsertInstanceRequest{
		Project:          e.cfg.Project,
		Zone:             e.cfg.Zone,
		InstanceResource: e.instance(name, sku, nicID),
	})
	if isConflict(err) {
		span.AddEvent("instance already exists")
		return nil
	}
	if err != nil {
		return classify(fmt.Errorf("insert instance %s: %w", name, err))
	}

	span.AddEvent("waiting for GCP operation")
	if err := op.Wait(ctx); err != nil {
		return classify(fmt.Errorf("waiting for instance %s: %w", name, err))
	}

	e.logger.Info("virtual machine provisioned", slog.String("name", name))
	return nil
}

func (e *Engine) instance(name, sku, ip string) *computepb.Instance {
	inst := &computepb.Instance{
		Name:        proto.String(name),
		MachineType: proto.String(fmt.Sprintf("zones/%s/machineTypes/%s", e.cfg.Zone, sku)),
		Disks: []*computepb.AttachedDisk{
			{
				AutoDelete: proto.Bool(true),
				Boot:       proto.Bool(true),
				InitializeParams: &computepb.AttachedDiskInitializeParams{
					DiskName:    proto.String(name + "-osdisk"),
					SourceImage: proto.String(e.cfg.Image),
					DiskSizeGb:  proto.Int64(e.cfg.DiskSizeGB),
					DiskType:    proto.String(fmt.Sprintf("zones/%s/diskTypes/pd-balanced", e.cfg.Zone)),
				},
			},
		},
		NetworkInterfaces: []*computepb.NetworkInterface{
			{NetworkIP: proto.String(ip)},
		},
		Labels: map[string]string{nicLabel: engine.NetworkInterfaceName(name)},
	}
	if e.cfg.Subnet != "" {
		inst.NetworkInterfaces[0].Subnetwork = proto.String(e.cfg.Subnet)
	}
	if e.cfg.ServiceAccount != "" {
		inst.ServiceAccounts = []*computepb.ServiceAccount{
			{
				Email:  proto.String(e.cfg.ServiceAccount),
				Scopes: []string{"https://www.googleapis.com/auth/cloud-platform"},
			},
		}
	}
	return inst
}

// GetVM reports the instance's boot disk and the address backing its NIC.
func (e *Engine) GetVM(ctx context.Context, name string) (*engine.VirtualMachine, error) {
	ctx, span := e.tracer.Start(ctx, "engine.gcp.GetVM")
	defer span.End()
	span.SetAttributes(attribute.String("gcp.instance_name", name))

	inst, err := e.instances.Get(ctx, e.getRequest(name))
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("instance %s: %w", name, engine.ErrNotFound)
		}
		return nil, classify(fmt.Errorf("get instance %s: %w", name, err))
	}

	out := &engine.VirtualMachine{Name: name}
	for _, d := range inst.GetDisks() {
		if d.GetBoot() && d.GetSource() != "" {
			out.OSDisk = path.Base(d.GetSource())
		}
	}
	if nic := inst.GetLabels()[nicLabel]; nic != "" {
		out.NetworkInterfaces = []string{nic}
	}
	return out, nil
}

// RunRemoteCommand installs script as the startup script, publishes
// params as metadata and resets the instance so the script runs.  It
// returns once the reset is accepted; GCE offers no completion signal.
func (e *Engine) RunRemoteCommand(ctx context.Context, vmName string, params []engine.Parameter, script string) error {
	ctx, span := e.tracer.Start(ctx, "engine.gcp.RunRemoteCommand")
	defer span.End()
	span.SetAttributes(
		attribute.String("gcp.instance_name", vmName),
		attribute.Int("gcp.parameters", len(params)),
	)

	inst, err := e.instances.Get(ctx, e.getRequest(vmName))
	if err != nil {
		return classify(fmt.Errorf("get instance %s: %w", vmName, err))
	}

	items := []*computepb.Items{{Key: proto.String(startupScriptKey), Value: proto.String(script)}}
	for _, p := range params {
		items = append(items, &computepb.Items{
			Key:   proto.String(parameterPrefix + p.Name),
			Value: proto.String(p.Value),
		})
	}

	e.logger.Info("running remote command", slog.String("name", vmName))

	op, err := e.instances.SetMetadata(ctx, &computepb.SetMetadataInstanceRequest{
		Project:  e.cfg.Project,
		Zone:     e.cfg.Zone,
		Instance: vmName,
		MetadataResource: &computepb.Metadata{
			Fingerprint: proto.String(inst.GetMetadata().GetFingerprint()),
			Items:       items,
		},
	})
	if err != nil {
		return classify(fmt.Errorf("set metadata on %s: %w", vmName, err))
	}
	if err := op.Wait(ctx); err != nil {
		return classify(fmt.Errorf("waiting for metadata on %s: %w", vmName, err))
	}

	op, err = e.instances.Reset(ctx, &computepb.ResetInstanceRequest{
		Project:  e.cfg.Project,
		Zone:     e.cfg.Zone,
		Instance: vmName,
	})
	if err != nil {
		return classify(fmt.Errorf("reset %s: %w", vmName, err))
	}
	if err := op.Wait(ctx); err != nil {
		return classify(fmt.Errorf("waiting for reset of %s: %w", vmName, err))
	}
	return nil
}

// DeleteVM permanently deletes the instance and waits.  GCE deletion
// never waits on the guest, so force has no effect.  Deleting an
// already-deleted instance is not an error.
func (e *Engine) DeleteVM(ctx context.Context, name string, force bool) error {
	ctx, span := e.tracer.Start(ctx, "engine.gcp.DeleteVM")
	defer span.End()
	span.SetAttributes(
		attribute.String("gcp.instance_name", name),
		attribute.Bool("gcp.force", force),
	)

	e.logger.Info("deleting virtual machine", slog.String("name", name))

	op, err := e.instances.Delete(ctx, &computepb.DeleteInstanceRequest{
		Project:  e.cfg.Project,
		Zone:     e.cfg.Zone,
		Instance: name,
	})
	if err != nil {
		if isNotFound(err) {
			span.AddEvent("instance already deleted (idempotent)")
			return nil
		}
		return classify(fmt.Errorf("delete instance %s: %w", name, err))
	}

	if err := op.Wait(ctx); err != nil {
		// Race between delete and a concurrent delete.
		if isNotFound(err) {
			span.AddEvent("instance already deleted during wait (idempotent)")
			return nil
		}
		return classify(fmt.Errorf("waiting for delete of %s: %w", name, err))
	}
	return nil
}

// DeleteDisk starts deleting a disk.  Boot disks are auto-deleted with
// the instance, so a missing disk is the common case.
func (e *Engine) DeleteDisk(ctx context.Context, name string) error {
	ctx, span := e.tracer.Start(ctx, "engine.gcp.DeleteDisk")
	defer span.End()
	span.SetAttributes(attribute.String("gcp.disk", name))

	_, err := e.disks.Delete(ctx, &computepb.DeleteDiskRequest{
		Project: e.cfg.Project,
		Zone:    e.cfg.Zone,
		Disk:    name,
	})
	if err != nil && !isNotFound(err) {
		return classify(fmt.Errorf("delete disk %s: %w", name, err))
	}
	return nil
}

// DeleteNetworkInterface starts releasing the reserved address.
func (e *Engine) DeleteNetworkInterface(ctx context.Context, name string) error {
	ctx, span := e.tracer.Start(ctx, "engine.gcp.DeleteNetworkInterface")
	defer span.End()
	span.SetAttributes(attribute.String("gcp.address", name))

	_, err := e.addresses.Delete(ctx, &computepb.DeleteAddressRequest{
		Project: e.cfg.Project,
		Region:  e.region,
		Address: name,
	})
	if err != nil && !isNotFound(err) {
		return classify(fmt.Errorf("delete address %s: %w", name, err))
	}
	return nil
}

// ListNetworkInterfaces returns the names of all reserved addresses in
// the region.
func (e *Engine) ListNetworkInterfaces(ctx context.Context) ([]string, error) {
	ctx, span := e.tracer.Start(ctx, "engine.gcp.ListNetworkInterfaces")
	defer span.End()

	names, err := e.addresses.List(ctx, &computepb.ListAddressesRequest{
		Project: e.cfg.Project,
		Region:  e.region,
	})
	if err != nil {
		return nil, classify(fmt.Errorf("list addresses: %w", err))
	}
	return names, nil
}

// Close closes the API clients.  It never deletes instances.
func (e *Engine) Close() error {
	return errors.Join(e.instances.Close(), e.addresses.Close(), e.disks.Close())
}

func (e *Engine) getRequest(name string) *computepb.GetInstanceRequest {
	return &computepb.GetInstanceRequest{
		Project:  e.cfg.Project,
		Zone:     e.cfg.Zone,
		Instance: name,
	}
}

// classify tags err by the googleapi status, if there is one.
func classify(err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		code := ""
		if len(gerr.Errors) > 0 {
			code = gerr.Errors[0].Reason
		}
		return fault.FromStatus(gerr.Code, code, err)
	}
	return fault.Transient(err)
}

// isNotFound reports whether err is a 404 from the GCP API.  Errors that
// lost their googleapi.Error wrapping are matched on their text.
func isNotFound(err error) bool {
	return hasStatus(err, http.StatusNotFound, "Error 404", "code = NotFound", "notFound")
}

func isConflict(err error) bool {
	return hasStatus(err, http.StatusConflict, "Error 409", "code = AlreadyExists", "alreadyExists")
}

func hasStatus(err error, status int, patterns ...string) bool {
	if err == nil {
		return false
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code == status
	}
	msg := err.Error()
	for _, p := range patterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}
