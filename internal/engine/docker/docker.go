// Package docker implements the engine.Engine interface on a local
// Docker daemon, for development without cloud credentials.
//
// A network interface is a bridge network, a VM is a long-running
// container attached to it and its OS disk is a named volume.  Remote
// commands run through docker exec.
package docker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/octane/internal/engine"
	"github.com/terrpan/octane/internal/fault"
)

const (
	// managedLabel marks every resource the engine creates.
	managedLabel = "octane.managed"
	skuLabel     = "octane.sku"
	subnetLabel  = "octane.subnet"

	diskMountPath = "/data"

	// CodeCommandFailed is the fault code of a remote command that exited
	// non-zero.
	CodeCommandFailed = "RemoteCommandFailed"
)

// Config holds Docker-specific settings.
type Config struct {
	// Image is the container image standing in for the VM image.
	// Default: mcr.microsoft.com/powershell:latest
	Image string

	// Cmd keeps the container alive.  Default: sleep infinity.
	Cmd []string

	// Shell runs remote command scripts; the script is appended as the
	// last argument.  Default: pwsh -Command.
	Shell []string
}

// Engine manages benchmark "VMs" as Docker containers.
type Engine struct {
	client *dockerclient.Client
	cfg    Config
	logger *slog.Logger
	tracer trace.Tracer
}

// Compile-time check that Engine satisfies the engine interfaces.
var (
	_ engine.Engine = (*Engine)(nil)
	_ engine.Lister = (*Engine)(nil)
)

// New creates a Docker engine, connects to the daemon, and pulls the
// image so it is available for container creation.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Engine, error) {
	cfg = withDefaults(cfg)

	client, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}

	logger.Info("pulling image", slog.String("image", cfg.Image))

	pull, err := client.ImagePull(ctx, cfg.Image, image.PullOptions{})
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("image pull %s: %w", cfg.Image, err)
	}
	// Drain and close the pull stream so the image is fully downloaded.
	if _, err := io.Copy(io.Discard, pull); err != nil {
		pull.Close()
		client.Close()
		return nil, fmt.Errorf("reading image pull response: %w", err)
	}
	if err := pull.Close(); err != nil {
		client.Close()
		return nil, fmt.Errorf("closing image pull stream: %w", err)
	}

	logger.Info("image ready", slog.String("image", cfg.Image))

	return &Engine{
		client: client,
		cfg:    cfg,
		logger: logger,
		tracer: otel.Tracer("octane/engine/docker"),
	}, nil
}

func withDefaults(cfg Config) Config {
	if cfg.Image == "" {
		cfg.Image = "mcr.microsoft.com/powershell:latest"
	}
	if len(cfg.Cmd) == 0 {
		cfg.Cmd = []string{"sleep", "infinity"}
	}
	if len(cfg.Shell) == 0 {
		cfg.Shell = []string{"pwsh", "-Command"}
	}
	return cfg
}

func labels(extra ...string) map[string]string {
	l := map[string]string{managedLabel: "true"}
	for i := 0; i+1 < len(extra); i += 2 {
		l[extra[i]] = extra[i+1]
	}
	return l
}

// CreateNetworkInterface creates a bridge network and returns its id.  A
// network that already exists is reused.  Docker cannot give every
// network the same subnet, so subnet is only recorded as a label.
func (e *Engine) CreateNetworkInterface(ctx context.Context, name, subnet string) (string, error) {
	ctx, span := e.tracer.Start(ctx, "engine.docker.CreateNetworkInterface")
	defer span.End()
	span.SetAttributes(attribute.String("docker.network", name))

	resp, err := e.client.NetworkCreate(ctx, name, network.CreateOptions{
		Driver: "bridge",
		Labels: labels(subnetLabel, subnet),
	})
	if err == nil {
		e.logger.Info("network created", slog.String("name", name), slog.String("networkID", resp.ID))
		return resp.ID, nil
	}
	if !cerrdefs.IsConflict(err) {
		return "", classify(fmt.Errorf("network create %s: %w", name, err))
	}

	existing, err := e.client.NetworkInspect(ctx, name, network.InspectOptions{})
	if err != nil {
		return "", classify(fmt.Errorf("network inspect %s: %w", name, err))
	}
	return existing.ID, nil
}

// CreateOrUpdateVM creates and starts a container attached to nicID with
// a fresh volume as its disk.  An existing container is started again.
func (e *Engine) CreateOrUpdateVM(ctx context.Context, name, sku, nicID string) error {
	ctx, span := e.tracer.Start(ctx, "engine.docker.CreateOrUpdateVM")
	defer span.End()
	span.SetAttributes(
		attribute.String("docker.container", name),
		attribute.String("docker.sku", sku),
	)

	disk := name + "-osdisk"
	if _, err := e.client.VolumeCreate(ctx, volume.CreateOptions{
		Name:   disk,
		Labels: labels(),
	}); err != nil {
		return classify(fmt.Errorf("volume create %s: %w", disk, err))
	}

	resp, err := e.client.ContainerCreate(
		ctx,
		&container.Config{
			Image:    e.cfg.Image,
			Cmd:      e.cfg.Cmd,
			Hostname: name,
			Labels:   labels(skuLabel, sku),
		},
		&container.HostConfig{
			NetworkMode: container.NetworkMode(nicID),
			Mounts: []mount.Mount{
				{Type: mount.TypeVolume, Source: disk, Target: diskMountPath},
			},
		},
		nil, // networking config
		nil, // platform
		name,
	)
	id := resp.ID
	switch {
	case cerrdefs.IsConflict(err):
		span.AddEvent("container already exists")
		id = name
	case err != nil:
		return classify(fmt.Errorf("container create %s: %w", name, err))
	}

	if err := e.client.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return classify(fmt.Errorf("container start %s: %w", name, err))
	}

	e.logger.Info("container started",
		slog.String("name", name),
		slog.String("containerID", id),
	)
	return nil
}

// GetVM reports the container's volume and networks.
func (e *Engine) GetVM(ctx context.Context, name string) (*engine.VirtualMachine, error) {
	ctx, span := e.tracer.Start(ctx, "engine.docker.GetVM")
	defer span.End()
	span.SetAttributes(attribute.String("docker.container", name))

	info, err := e.client.ContainerInspect(ctx, name)
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return nil, fmt.Errorf("container %s: %w", name, engine.ErrNotFound)
		}
		return nil, classify(fmt.Errorf("container inspect %s: %w", name, err))
	}

	vm := &engine.VirtualMachine{Name: name}
	for _, m := range info.Mounts {
		if m.Type == mount.TypeVolume && m.Destination == diskMountPath {
			vm.OSDisk = m.Name
		}
	}
	if info.NetworkSettings != nil {
		for net := range info.NetworkSettings.Networks {
			vm.NetworkInterfaces = append(vm.NetworkInterfaces, net)
		}
		sort.Strings(vm.NetworkInterfaces)
	}
	return vm, nil
}

// RunRemoteCommand runs script inside the container through the
// configured shell, passing params as environment variables, and waits
// for it to exit.
func (e *Engine) RunRemoteCommand(ctx context.Context, vmName string, params []engine.Parameter, script string) error {
	ctx, span := e.tracer.Start(ctx, "engine.docker.RunRemoteCommand")
	defer span.End()
	span.SetAttributes(
		attribute.String("docker.container", vmName),
		attribute.Int("docker.parameters", len(params)),
	)

	cmd := append(append([]string(nil), e.cfg.Shell...), script)
	exec, err := e.client.ContainerExecCreate(ctx, vmName, container.ExecOptions{
		Cmd:          cmd,
		Env:          environ(params),
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return classify(fmt.Errorf("exec create on %s: %w", vmName, err))
	}

	attach, err := e.client.ContainerExecAttach(ctx, exec.ID, container.ExecAttachOptions{})
	if err != nil {
		return classify(fmt.Errorf("exec attach on %s: %w", vmName, err))
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil {
		return fault.Transient(fmt.Errorf("reading exec output on %s: %w", vmName, err))
	}

	result, err := e.client.ContainerExecInspect(ctx, exec.ID)
	if err != nil {
		return classify(fmt.Errorf("exec inspect on %s: %w", vmName, err))
	}

	e.logger.Info("remote command finished",
		slog.String("name", vmName),
		slog.Int("exit_code", result.ExitCode),
		slog.Int("stdout_bytes", stdout.Len()),
	)

	if result.ExitCode != 0 {
		return fault.Permanent(CodeCommandFailed,
			fmt.Errorf("command on %s exited %d: %s", vmName, result.ExitCode, tail(stderr.String(), 512)))
	}
	return nil
}

// environ renders params as NAME=value pairs.
func environ(params []engine.Parameter) []string {
	env := make([]string, 0, len(params))
	for _, p := range params {
		env = append(env, p.Name+"="+p.Value)
	}
	return env
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

// DeleteVM removes the container.  With force a running container is
// killed first; without it Docker refuses to remove a running one.
func (e *Engine) DeleteVM(ctx context.Context, name string, force bool) error {
	ctx, span := e.tracer.Start(ctx, "engine.docker.DeleteVM")
	defer span.End()
	span.SetAttributes(
		attribute.String("docker.container", name),
		attribute.Bool("docker.force", force),
	)

	e.logger.Info("removing container", slog.String("name", name))

	err := e.client.ContainerRemove(ctx, name, container.RemoveOptions{Force: force})
	if err != nil && !cerrdefs.IsNotFound(err) {
		return classify(fmt.Errorf("container remove %s: %w", name, err))
	}
	return nil
}

// DeleteDisk removes the volume.
func (e *Engine) DeleteDisk(ctx context.Context, name string) error {
	ctx, span := e.tracer.Start(ctx, "engine.docker.DeleteDisk")
	defer span.End()
	span.SetAttributes(attribute.String("docker.volume", name))

	if err := e.client.VolumeRemove(ctx, name, true); err != nil && !cerrdefs.IsNotFound(err) {
		return classify(fmt.Errorf("volume remove %s: %w", name, err))
	}
	return nil
}

// DeleteNetworkInterface removes the network.
func (e *Engine) DeleteNetworkInterface(ctx context.Context, name string) error {
	ctx, span := e.tracer.Start(ctx, "engine.docker.DeleteNetworkInterface")
	defer span.End()
	span.SetAttributes(attribute.String("docker.network", name))

	if err := e.client.NetworkRemove(ctx, name); err != nil && !cerrdefs.IsNotFound(err) {
		return classify(fmt.Errorf("network remove %s: %w", name, err))
	}
	return nil
}

// ListNetworkInterfaces returns the names of networks this engine
// created.
func (e *Engine) ListNetworkInterfaces(ctx context.Context) ([]string, error) {
	ctx, span := e.tracer.Start(ctx, "engine.docker.ListNetworkInterfaces")
	defer span.End()

	nets, err := e.client.NetworkList(ctx, network.ListOptions{
		Filters: filters.NewArgs(filters.Arg("label", managedLabel+"=true")),
	})
	if err != nil {
		return nil, classify(fmt.Errorf("network list: %w", err))
	}
	names := make([]string, 0, len(nets))
	for _, n := range nets {
		names = append(names, n.Name)
	}
	sort.Strings(names)
	return names, nil
}

// Close releases the daemon connection.  Containers are left running.
func (e *Engine) Close() error {
	return e.client.Close()
}

// classify maps daemon errors onto fault kinds.  Requests the daemon
// rejects as malformed are permanent; everything else may clear up.
func classify(err error) error {
	switch {
	case cerrdefs.IsInvalidArgument(err):
		return fault.Permanent("InvalidArgument", err)
	case cerrdefs.IsPermissionDenied(err):
		return fault.Permanent("PermissionDenied", err)
	case cerrdefs.IsConflict(err):
		return fault.Permanent("Conflict", err)
	default:
		return fault.Transient(err)
	}
}
