// Package config handles loading, validating, and applying configuration
// for octane.  Configuration is read from a YAML file and can be
// overridden by CLI flags.
package config

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/yaml.v3"

	"github.com/terrpan/octane/internal/broker"
	"github.com/terrpan/octane/internal/broker/natsbroker"
	"github.com/terrpan/octane/internal/broker/pulsarbroker"
	"github.com/terrpan/octane/internal/engine"
	"github.com/terrpan/octane/internal/engine/azure"
	"github.com/terrpan/octane/internal/engine/docker"
	"github.com/terrpan/octane/internal/engine/gcp"
	"github.com/terrpan/octane/internal/ledger"
	"github.com/terrpan/octane/internal/lifecycle"
	"github.com/terrpan/octane/internal/otel"
)

// ---------------------------------------------------------------------------
// Top-level config
// ---------------------------------------------------------------------------

// Config is the root configuration structure.
type Config struct {
	HTTP       HTTPConfig       `yaml:"http"`
	Broker     BrokerConfig     `yaml:"broker"`
	Stage      StageConfig      `yaml:"stage"`
	Schedule   ScheduleConfig   `yaml:"schedule"`
	Benchmark  BenchmarkConfig  `yaml:"benchmark"`
	Engine     EngineConfig     `yaml:"engine"`
	Ledger     LedgerConfig     `yaml:"ledger"`
	Logging    LoggingConfig    `yaml:"logging"`
	OTel       OTelConfig       `yaml:"otel"`
	Prometheus PrometheusConfig `yaml:"prometheus"`
}

// HTTPConfig configures the scheduling API server.
type HTTPConfig struct {
	// Addr is the listen address.  Default: ":8080".
	Addr string `yaml:"addr"`

	// ShutdownGrace bounds graceful shutdown.  Default: 10s.
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
}

// ---------------------------------------------------------------------------
// Broker
// ---------------------------------------------------------------------------

// BrokerConfig selects and configures the message broker.
type BrokerConfig struct {
	// Type selects the broker: "nats" or "pulsar".  Default: "nats".
	Type string `yaml:"type"`

	// MaxBatchBytes is the size limit of one outbound batch.
	// Default: 262144 (256 KiB).
	MaxBatchBytes int `yaml:"max_batch_bytes"`

	// Lease is how long a delivery stays invisible before it is
	// redelivered: the consumer AckWait on NATS, a receiver-side NAK on
	// Pulsar.  Default: 5m.
	Lease time.Duration `yaml:"lease"`

	// MaxDeliveries caps redeliveries before dead-lettering.  Default: 10.
	MaxDeliveries int `yaml:"max_deliveries"`

	// Concurrency is the number of deliveries processed at once per
	// stage.  Default: 4.
	Concurrency int `yaml:"concurrency"`

	Queues QueuesConfig `yaml:"queues"`

	NATS   NATSConfig   `yaml:"nats"`
	Pulsar PulsarConfig `yaml:"pulsar"`
}

// QueuesConfig names the queue of each stage.
type QueuesConfig struct {
	Create    string `yaml:"create"`
	Benchmark string `yaml:"benchmark"`
	Delete    string `yaml:"delete"`
}

// NATSConfig holds NATS JetStream settings.  Only read when
// broker.type == "nats".
type NATSConfig struct {
	// URL is a comma-separated server list.  Default: nats://127.0.0.1:4222.
	URL string `yaml:"url"`

	// Stream is the JetStream stream name.  Default: "OCTANE".
	Stream string `yaml:"stream"`

	// DurablePrefix prefixes consumer names.  Default: "octane".
	DurablePrefix string `yaml:"durable_prefix"`
}

// PulsarConfig holds Apache Pulsar settings.  Only read when
// broker.type == "pulsar".
type PulsarConfig struct {
	// URL is the service URL.  Default: pulsar://127.0.0.1:6650.
	URL string `yaml:"url"`

	// Subscription is the shared subscription name.  Default: "octane".
	Subscription string `yaml:"subscription"`

	// NackDelay is the redelivery delay after Abandon.  Default: 10s.
	NackDelay time.Duration `yaml:"nack_delay"`
}

// ---------------------------------------------------------------------------
// Pipeline
// ---------------------------------------------------------------------------

// StageConfig configures the stage processors.
type StageConfig struct {
	// Deadline bounds each stage action.  Must be shorter than
	// broker.lease.  Default: 4m.
	Deadline time.Duration `yaml:"deadline"`
}

// ScheduleConfig configures how scheduling requests become create
// messages.
type ScheduleConfig struct {
	// Window spreads create messages over this span.  Default: 60s.
	Window time.Duration `yaml:"window"`

	// NamePrefix is prepended to generated VM names.  Default: "octane-".
	NamePrefix string `yaml:"name_prefix"`
}

// BenchmarkConfig describes what the benchmark stage runs on each VM.
type BenchmarkConfig struct {
	// DownloadURI is where the VM fetches the benchmark package.
	DownloadURI string `yaml:"download_uri"`

	// TelemetryConnectionString is passed to the script for reporting.
	TelemetryConnectionString string `yaml:"telemetry_connection_string"`

	// ScriptPath is a file holding the remote command script.
	ScriptPath string `yaml:"script_path"`

	// ScriptBase64 is the script itself, base64 encoded.  Used when
	// ScriptPath is empty.
	ScriptBase64 string `yaml:"script_base64"`
}

// ---------------------------------------------------------------------------
// Engine
// ---------------------------------------------------------------------------

// EngineConfig selects and configures the compute backend.
type EngineConfig struct {
	// Type selects the compute backend: "azure", "gcp" or "docker".
	// Default: "docker".
	Type string `yaml:"type"`

	// Azure holds Azure settings.  Only read when Type == "azure".
	Azure AzureEngineConfig `yaml:"azure"`

	// GCP holds GCP Compute Engine settings.  Only read when Type == "gcp".
	GCP GCPEngineConfig `yaml:"gcp"`

	// Docker holds Docker settings.  Only read when Type == "docker".
	Docker DockerEngineConfig `yaml:"docker"`
}

// AzureEngineConfig holds Azure settings.  The control plane is reached
// with DefaultAzureCredential; the admin credentials are for the VMs.
type AzureEngineConfig struct {
	SubscriptionID string `yaml:"subscription_id"`
	ResourceGroup  string `yaml:"resource_group"`
	Location       string `yaml:"location"`

	// SubnetID is the full resource id of the subnet NICs join.
	SubnetID string `yaml:"subnet_id"`

	AdminUsername string `yaml:"admin_username"`

	// AdminPassword falls back to the OCTANE_ADMIN_PASSWORD env var.
	AdminPassword string `yaml:"admin_password"`

	Image ImageConfig `yaml:"image"`
}

// ImageConfig is an Azure marketplace image reference.  Unset fields
// take azure.DefaultImage's values.
type ImageConfig struct {
	Publisher string `yaml:"publisher"`
	Offer     string `yaml:"offer"`
	SKU       string `yaml:"sku"`
	Version   string `yaml:"version"`
}

// GCPEngineConfig holds GCP Compute Engine settings.  Authentication uses
// Application Default Credentials.
type GCPEngineConfig struct {
	// Project is the GCP project ID (required).
	Project string `yaml:"project"`

	// Zone is the GCP zone for VMs (required).
	Zone string `yaml:"zone"`

	// Image is the self-link or family URL of the boot image (required).
	Image string `yaml:"image"`

	// DiskSizeGB is the boot disk size in GB.  Default: 128.
	DiskSizeGB int64 `yaml:"disk_size_gb"`

	// Subnet is the subnetwork addresses are reserved on (required).
	Subnet string `yaml:"subnet"`

	// ServiceAccount is attached to VMs (optional).
	ServiceAccount string `yaml:"service_account"`
}

// DockerEngineConfig holds Docker settings.
type DockerEngineConfig struct {
	// Image stands in for the VM image.
	// Default: "mcr.microsoft.com/powershell:latest".
	Image string `yaml:"image"`

	// Cmd keeps each container alive.  Default: ["sleep", "infinity"].
	Cmd []string `yaml:"cmd"`

	// Shell runs the benchmark script.  Default: ["pwsh", "-Command"].
	Shell []string `yaml:"shell"`
}

// ---------------------------------------------------------------------------
// Ledger
// ---------------------------------------------------------------------------

// LedgerConfig configures replay suppression of completed stages.
type LedgerConfig struct {
	// Type: "none", "memory" or "badger".  Default: "none".
	Type string `yaml:"type"`

	// Path is the badger directory.  Required when Type == "badger".
	Path string `yaml:"path"`

	// TTL is how long a completion is remembered.  Default: 24h.
	TTL time.Duration `yaml:"ttl"`
}

// ---------------------------------------------------------------------------
// Logging
// ---------------------------------------------------------------------------

// LoggingConfig controls structured logging output.
type LoggingConfig struct {
	// Level: debug, info, warn, error.  Default: info.
	Level string `yaml:"level"`
	// Format: text, json.  Default: text.
	Format string `yaml:"format"`
}

// ---------------------------------------------------------------------------
// Telemetry
// ---------------------------------------------------------------------------

// OTelConfig controls OpenTelemetry tracing and metrics.
type OTelConfig struct {
	// Enabled controls whether OTLP push is active.  Default: false.
	Enabled bool `yaml:"enabled"`

	// Endpoint is the OTLP HTTP endpoint (e.g. "localhost:4318").
	// If empty, falls back to OTEL_EXPORTER_OTLP_ENDPOINT env var.
	Endpoint string `yaml:"endpoint"`

	// Insecure enables plain HTTP (no TLS) for OTLP export.
	Insecure bool `yaml:"insecure"`

	// StdOut also prints traces and metrics to stdout (for debugging).
	StdOut bool `yaml:"stdout"`
}

// PrometheusConfig controls the /metrics endpoint.
type PrometheusConfig struct {
	Enabled bool `yaml:"enabled"`

	// Port serves /metrics on its own listener.  Zero mounts it on the
	// API server.
	Port int `yaml:"port"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads a YAML config file from path and returns the parsed Config.
// If the file does not exist the returned Config will contain zero values
// which must be filled via flag overrides before calling Validate.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Config file is optional -- flags can supply everything.
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	return cfg, nil
}

// ---------------------------------------------------------------------------
// Defaults & validation
// ---------------------------------------------------------------------------

// ApplyDefaults fills in sensible defaults for any unset fields.
func (c *Config) ApplyDefaults() {
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8080"
	}
	if c.HTTP.ShutdownGrace == 0 {
		c.HTTP.ShutdownGrace = 10 * time.Second
	}

	b := &c.Broker
	if b.Type == "" {
		b.Type = "nats"
	}
	if b.MaxBatchBytes == 0 {
		b.MaxBatchBytes = 256 * 1024
	}
	if b.Lease == 0 {
		b.Lease = 5 * time.Minute
	}
	if b.MaxDeliveries == 0 {
		b.MaxDeliveries = 10
	}
	if b.Concurrency == 0 {
		b.Concurrency = 4
	}
	if b.Queues.Create == "" {
		b.Queues.Create = "octane.create"
	}
	if b.Queues.Benchmark == "" {
		b.Queues.Benchmark = "octane.benchmark"
	}
	if b.Queues.Delete == "" {
		b.Queues.Delete = "octane.delete"
	}
	if b.NATS.URL == "" {
		b.NATS.URL = "nats://127.0.0.1:4222"
	}
	if b.NATS.Stream == "" {
		b.NATS.Stream = "OCTANE"
	}
	if b.NATS.DurablePrefix == "" {
		b.NATS.DurablePrefix = "octane"
	}
	if b.Pulsar.URL == "" {
		b.Pulsar.URL = "pulsar://127.0.0.1:6650"
	}
	if b.Pulsar.Subscription == "" {
		b.Pulsar.Subscription = "octane"
	}
	if b.Pulsar.NackDelay == 0 {
		b.Pulsar.NackDelay = 10 * time.Second
	}

	if c.Stage.Deadline == 0 {
		c.Stage.Deadline = 4 * time.Minute
	}
	if c.Schedule.Window == 0 {
		c.Schedule.Window = 60 * time.Second
	}
	if c.Schedule.NamePrefix == "" {
		c.Schedule.NamePrefix = "octane-"
	}

	if c.Engine.Type == "" {
		c.Engine.Type = "docker"
	}
	if c.Engine.Azure.AdminPassword == "" {
		c.Engine.Azure.AdminPassword = os.Getenv("OCTANE_ADMIN_PASSWORD")
	}
	if c.Engine.GCP.DiskSizeGB == 0 {
		c.Engine.GCP.DiskSizeGB = 128
	}

	if c.Ledger.Type == "" {
		c.Ledger.Type = "none"
	}
	if c.Ledger.TTL == 0 {
		c.Ledger.TTL = 24 * time.Hour
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	// Local collectors rarely terminate TLS.
	if !c.OTel.Enabled && c.OTel.Endpoint == "" {
		c.OTel.Insecure = true
	}
}

// Validate checks that all required fields are present and consistent.
func (c *Config) Validate() error {
	c.ApplyDefaults()

	if err := c.validateBroker(); err != nil {
		return err
	}

	if c.Stage.Deadline < 0 {
		return fmt.Errorf("stage.deadline must be positive")
	}
	if c.Stage.Deadline >= c.Broker.Lease {
		return fmt.Errorf("stage.deadline (%s) must be shorter than broker.lease (%s)", c.Stage.Deadline, c.Broker.Lease)
	}
	if c.Schedule.Window < 0 {
		return fmt.Errorf("schedule.window must not be negative")
	}

	if err := c.validateEngine(); err != nil {
		return err
	}

	if c.Engine.Type != "docker" && c.Benchmark.ScriptPath == "" && c.Benchmark.ScriptBase64 == "" {
		return fmt.Errorf("benchmark.script_path or benchmark.script_base64 is required when engine.type is %q", c.Engine.Type)
	}
	if c.Benchmark.ScriptPath != "" && c.Benchmark.ScriptBase64 != "" {
		return fmt.Errorf("benchmark.script_path and benchmark.script_base64 are mutually exclusive")
	}

	switch c.Ledger.Type {
	case "none", "memory":
	case "badger":
		if c.Ledger.Path == "" {
			return fmt.Errorf("ledger.path is required when ledger.type is \"badger\"")
		}
	default:
		return fmt.Errorf("ledger.type %q is not supported (supported: none, memory, badger)", c.Ledger.Type)
	}

	if c.Prometheus.Port < 0 || c.Prometheus.Port > 65535 {
		return fmt.Errorf("prometheus.port %d is out of range", c.Prometheus.Port)
	}

	return nil
}

func (c *Config) validateBroker() error {
	b := c.Broker
	switch b.Type {
	case "nats", "pulsar":
	default:
		return fmt.Errorf("broker.type %q is not supported (supported: nats, pulsar)", b.Type)
	}
	if b.MaxBatchBytes <= 0 {
		return fmt.Errorf("broker.max_batch_bytes must be positive")
	}
	if b.MaxDeliveries < 1 {
		return fmt.Errorf("broker.max_deliveries must be at least 1")
	}
	if b.Concurrency < 1 {
		return fmt.Errorf("broker.concurrency must be at least 1")
	}

	seen := make(map[string]string, 3)
	for _, q := range []struct{ key, name string }{
		{"create", b.Queues.Create},
		{"benchmark", b.Queues.Benchmark},
		{"delete", b.Queues.Delete},
	} {
		if strings.TrimSpace(q.name) == "" {
			return fmt.Errorf("broker.queues.%s is empty", q.key)
		}
		if other, dup := seen[q.name]; dup {
			return fmt.Errorf("broker.queues.%s and broker.queues.%s are both %q", other, q.key, q.name)
		}
		seen[q.name] = q.key
	}
	return nil
}

func (c *Config) validateEngine() error {
	switch c.Engine.Type {
	case "docker":
		// OK
	case "azure":
		a := c.Engine.Azure
		for _, f := range []struct{ key, value string }{
			{"subscription_id", a.SubscriptionID},
			{"resource_group", a.ResourceGroup},
			{"location", a.Location},
			{"subnet_id", a.SubnetID},
			{"admin_username", a.AdminUsername},
			{"admin_password", a.AdminPassword},
		} {
			if f.value == "" {
				return fmt.Errorf("engine.azure.%s is required when engine.type is \"azure\"", f.key)
			}
		}
	case "gcp":
		g := c.Engine.GCP
		for _, f := range []struct{ key, value string }{
			{"project", g.Project},
			{"zone", g.Zone},
			{"image", g.Image},
			{"subnet", g.Subnet},
		} {
			if f.value == "" {
				return fmt.Errorf("engine.gcp.%s is required when engine.type is \"gcp\"", f.key)
			}
		}
	default:
		return fmt.Errorf("engine.type %q is not supported (supported: azure, gcp, docker)", c.Engine.Type)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Factories
// ---------------------------------------------------------------------------

// NewLogger creates a *slog.Logger from the Logging configuration.
func (c *Config) NewLogger() *slog.Logger {
	opts := &slog.HandlerOptions{
		AddSource: true,
		Level:     c.slogLevel(),
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	default:
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
}

func (c *Config) slogLevel() slog.Level {
	switch strings.ToLower(c.Logging.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewEngine creates the compute engine selected by engine.type.
func (c *Config) NewEngine(ctx context.Context, logger *slog.Logger) (engine.Engine, error) {
	switch c.Engine.Type {
	case "azure":
		a := c.Engine.Azure
		return azure.New(ctx, azure.Config{
			SubscriptionID: a.SubscriptionID,
			ResourceGroup:  a.ResourceGroup,
			Location:       a.Location,
			AdminUsername:  a.AdminUsername,
			AdminPassword:  a.AdminPassword,
			Image:          c.azureImage(),
		}, logger.WithGroup("engine.azure"))
	case "gcp":
		g := c.Engine.GCP
		return gcp.New(ctx, gcp.Config{
			Project:        g.Project,
			Zone:           g.Zone,
			Image:          g.Image,
			DiskSizeGB:     g.DiskSizeGB,
			Subnet:         g.Subnet,
			ServiceAccount: g.ServiceAccount,
		}, logger.WithGroup("engine.gcp"))
	case "docker":
		d := c.Engine.Docker
		return docker.New(ctx, docker.Config{
			Image: d.Image,
			Cmd:   d.Cmd,
			Shell: d.Shell,
		}, logger.WithGroup("engine.docker"))
	default:
		return nil, fmt.Errorf("unsupported engine type: %s", c.Engine.Type)
	}
}

func (c *Config) azureImage() azure.Image {
	img := azure.DefaultImage
	cfg := c.Engine.Azure.Image
	if cfg.Publisher != "" {
		img.Publisher = cfg.Publisher
	}
	if cfg.Offer != "" {
		img.Offer = cfg.Offer
	}
	if cfg.SKU != "" {
		img.SKU = cfg.SKU
	}
	if cfg.Version != "" {
		img.Version = cfg.Version
	}
	return img
}

// Subnet returns the subnet handed to CreateNetworkInterface for the
// selected engine.
func (c *Config) Subnet() string {
	switch c.Engine.Type {
	case "azure":
		return c.Engine.Azure.SubnetID
	case "gcp":
		return c.Engine.GCP.Subnet
	default:
		return "octane"
	}
}

// NewBroker connects to the broker selected by broker.type.
func (c *Config) NewBroker(ctx context.Context, logger *slog.Logger) (broker.Broker, error) {
	b := c.Broker
	switch b.Type {
	case "nats":
		return natsbroker.New(ctx, natsbroker.Config{
			URL:           b.NATS.URL,
			Stream:        b.NATS.Stream,
			Queues:        c.Queues(),
			DurablePrefix: b.NATS.DurablePrefix,
			Lease:         b.Lease,
			MaxDeliveries: b.MaxDeliveries,
			MaxBatchBytes: b.MaxBatchBytes,
			Concurrency:   b.Concurrency,
		}, logger.WithGroup("broker.nats"))
	case "pulsar":
		return pulsarbroker.New(ctx, pulsarbroker.Config{
			URL:           b.Pulsar.URL,
			Subscription:  b.Pulsar.Subscription,
			NackDelay:     b.Pulsar.NackDelay,
			Lease:         b.Lease,
			MaxDeliveries: b.MaxDeliveries,
			MaxBatchBytes: b.MaxBatchBytes,
			Concurrency:   b.Concurrency,
		}, logger.WithGroup("broker.pulsar"))
	default:
		return nil, fmt.Errorf("unsupported broker type: %s", b.Type)
	}
}

// Queues lists the create, benchmark and delete queue names in order.
func (c *Config) Queues() []string {
	return []string{c.Broker.Queues.Create, c.Broker.Queues.Benchmark, c.Broker.Queues.Delete}
}

// NewLedger opens the configured ledger.  It returns nil for "none".
func (c *Config) NewLedger() (ledger.Ledger, error) {
	switch c.Ledger.Type {
	case "memory":
		return ledger.NewMemory(c.Ledger.TTL), nil
	case "badger":
		l, err := ledger.OpenBadger(c.Ledger.Path, c.Ledger.TTL)
		if err != nil {
			return nil, fmt.Errorf("opening ledger: %w", err)
		}
		return l, nil
	default:
		return nil, nil
	}
}

// NewBenchmark resolves the benchmark script and returns the settings
// the lifecycle orchestrator runs on each VM.
func (c *Config) NewBenchmark() (lifecycle.Benchmark, error) {
	script, err := c.script()
	if err != nil {
		return lifecycle.Benchmark{}, err
	}
	return lifecycle.Benchmark{
		DownloadURI:               c.Benchmark.DownloadURI,
		TelemetryConnectionString: c.Benchmark.TelemetryConnectionString,
		Script:                    script,
	}, nil
}

func (c *Config) script() (string, error) {
	switch {
	case c.Benchmark.ScriptPath != "":
		data, err := os.ReadFile(c.Benchmark.ScriptPath)
		if err != nil {
			return "", fmt.Errorf("reading benchmark script %s: %w", c.Benchmark.ScriptPath, err)
		}
		return string(data), nil
	case c.Benchmark.ScriptBase64 != "":
		data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(c.Benchmark.ScriptBase64))
		if err != nil {
			return "", fmt.Errorf("decoding benchmark.script_base64: %w", err)
		}
		return string(data), nil
	default:
		return "", nil
	}
}

// NewOTel returns the telemetry settings.  reg is nil unless Prometheus
// is enabled.
func (c *Config) NewOTel() (otel.Config, *prometheus.Registry) {
	cfg := otel.Config{
		Enabled:  c.OTel.Enabled,
		Endpoint: c.OTel.Endpoint,
		Insecure: c.OTel.Insecure,
		StdOut:   c.OTel.StdOut,
		Attributes: map[string]string{
			"octane.engine": c.Engine.Type,
			"octane.broker": c.Broker.Type,
		},
	}
	if !c.Prometheus.Enabled {
		return cfg, nil
	}
	cfg.Registry = otel.NewRegistry()
	return cfg, cfg.Registry
}
