//go:build integration

package docker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/docker/docker/api/types/image"
	dockerclient "github.com/docker/docker/client"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.opentelemetry.io/otel"

	"github.com/terrpan/octane/internal/engine"
	"github.com/terrpan/octane/internal/fault"
)

// DockerEngineSuite tests the Docker engine against a real Docker daemon.
//
// These tests require Docker to be available (e.g., Docker Desktop or a
// Docker socket).  They are gated behind the "integration" build tag:
//
//	go test ./internal/engine/docker/ -tags integration -v
type DockerEngineSuite struct {
	suite.Suite
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger
	docker *dockerclient.Client

	// testImage is a lightweight image used for tests.
	testImage string
}

func (s *DockerEngineSuite) SetupSuite() {
	s.testImage = "alpine:latest"
	s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))

	cli, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	require.NoError(s.T(), err, "Docker must be available for integration tests")
	s.docker = cli

	ctx := context.Background()
	_, err = cli.Ping(ctx)
	require.NoError(s.T(), err, "Docker daemon must be reachable")

	pull, err := cli.ImagePull(ctx, s.testImage, image.PullOptions{})
	require.NoError(s.T(), err)
	_, _ = io.ReadAll(pull)
	pull.Close()
}

func (s *DockerEngineSuite) TearDownSuite() {
	if s.docker != nil {
		s.docker.Close()
	}
}

func (s *DockerEngineSuite) SetupTest() {
	s.ctx, s.cancel = context.WithTimeout(context.Background(), 60*time.Second)
}

func (s *DockerEngineSuite) TearDownTest() {
	s.cancel()
}

func TestDockerEngineSuite(t *testing.T) {
	suite.Run(t, new(DockerEngineSuite))
}

// newTestEngine builds an engine on alpine with sh as the shell, sharing
// the suite's client.
func (s *DockerEngineSuite) newTestEngine() *Engine {
	return &Engine{
		client: s.docker,
		cfg: withDefaults(Config{
			Image: s.testImage,
			Shell: []string{"sh", "-c"},
		}),
		logger: s.logger,
		tracer: otel.Tracer("test"),
	}
}

// provision runs the create stage's engine calls for name.
func (s *DockerEngineSuite) provision(e *Engine, name string) {
	nicID, err := e.CreateNetworkInterface(s.ctx, engine.NetworkInterfaceName(name), "10.10.0.0/24")
	require.NoError(s.T(), err)
	require.NoError(s.T(), e.CreateOrUpdateVM(s.ctx, name, "local", nicID))
}

// cleanup runs the delete stage's engine calls for name.
func (s *DockerEngineSuite) cleanup(e *Engine, name string) {
	_ = e.DeleteVM(s.ctx, name, true)
	_ = e.DeleteDisk(s.ctx, name+"-osdisk")
	_ = e.DeleteNetworkInterface(s.ctx, engine.NetworkInterfaceName(name))
}

func (s *DockerEngineSuite) TestNew_PullsImage() {
	e, err := New(s.ctx, Config{Image: s.testImage}, s.logger)
	require.NoError(s.T(), err)
	defer e.Close()
	assert.Equal(s.T(), s.testImage, e.cfg.Image)
}

func (s *DockerEngineSuite) TestCreateGetDelete() {
	e := s.newTestEngine()
	name := fmt.Sprintf("octane-it%03d", time.Now().UnixNano()%1000)
	defer s.cleanup(e, name)

	s.provision(e, name)

	vm, err := e.GetVM(s.ctx, name)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), name+"-osdisk", vm.OSDisk)
	assert.Equal(s.T(), []string{engine.NetworkInterfaceName(name)}, vm.NetworkInterfaces)

	nics, err := e.ListNetworkInterfaces(s.ctx)
	require.NoError(s.T(), err)
	assert.Contains(s.T(), nics, engine.NetworkInterfaceName(name))

	require.NoError(s.T(), e.DeleteVM(s.ctx, name, true))
	require.NoError(s.T(), e.DeleteDisk(s.ctx, vm.OSDisk))
	require.NoError(s.T(), e.DeleteNetworkInterface(s.ctx, engine.NetworkInterfaceName(name)))

	_, err = e.GetVM(s.ctx, name)
	assert.ErrorIs(s.T(), err, engine.ErrNotFound)
}

func (s *DockerEngineSuite) TestCreateIsIdempotent() {
	e := s.newTestEngine()
	name := "octane-idemp"
	defer s.cleanup(e, name)

	s.provision(e, name)
	s.provision(e, name)
}

func (s *DockerEngineSuite) TestRunRemoteCommand() {
	e := s.newTestEngine()
	name := "octane-rcmd0"
	defer s.cleanup(e, name)
	s.provision(e, name)

	err := e.RunRemoteCommand(s.ctx, name, []engine.Parameter{
		{Name: "diagnosticId", Value: "corr-1"},
	}, `test "$diagnosticId" = corr-1`)
	require.NoError(s.T(), err)

	err = e.RunRemoteCommand(s.ctx, name, nil, "exit 3")
	require.Error(s.T(), err)
	assert.Equal(s.T(), CodeCommandFailed, fault.CodeOf(err))
}

func (s *DockerEngineSuite) TestDeletesAreIdempotent() {
	e := s.newTestEngine()

	assert.NoError(s.T(), e.DeleteVM(s.ctx, "octane-never", true))
	assert.NoError(s.T(), e.DeleteDisk(s.ctx, "octane-never-osdisk"))
	assert.NoError(s.T(), e.DeleteNetworkInterface(s.ctx, "octane-never-nic"))
}
