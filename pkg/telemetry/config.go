package telemetry

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config contains the telemetry configuration of the management engine.
type Config struct {
	// ServiceName is the name reported by traces and metrics.
	ServiceName string `yaml:"service_name" validate:"required"`

	// ServiceVersion is the version of the service.
	ServiceVersion string `yaml:"service_version"`

	// Environment is the deployment environment (dev, staging, production).
	Environment string `yaml:"environment"`

	Logging LoggingConfig `yaml:"logging"`
	Tracing TracingConfig `yaml:"tracing"`
	Metrics MetricsConfig `yaml:"metrics"`
	Events  EventsConfig  `yaml:"events"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	// Level is the minimum log level (debug, info, warn, error).
	Level string `yaml:"level" validate:"oneof=debug info warn error"`

	// Format is the output format (json, console).
	Format string `yaml:"format" validate:"oneof=json console"`

	// Output is stdout, stderr or a file path.
	Output string `yaml:"output" validate:"required"`

	// EnableCaller adds the calling file and line.
	EnableCaller bool `yaml:"enable_caller"`

	// EnableSampling samples high-volume debug logs.
	EnableSampling bool `yaml:"enable_sampling"`

	// SamplingInitial is the burst size per second before sampling starts.
	SamplingInitial int `yaml:"sampling_initial" validate:"required_if=EnableSampling true,gte=0"`

	// SamplingThereafter keeps one of every N logs after the burst.
	SamplingThereafter int `yaml:"sampling_thereafter" validate:"required_if=EnableSampling true,gte=0"`
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	Enabled bool `yaml:"enabled"`

	// Exporter is the trace exporter (otlp, stdout, none).
	Exporter string `yaml:"exporter" validate:"oneof=otlp stdout none"`

	// Endpoint is the OTLP collector endpoint.
	Endpoint string `yaml:"endpoint" validate:"required_if=Enabled true Exporter otlp"`

	// SamplingRate is the fraction of traces sampled.
	SamplingRate float64 `yaml:"sampling_rate" validate:"gte=0,lte=1"`

	Insecure           bool              `yaml:"insecure"`
	Headers            map[string]string `yaml:"headers"`
	MaxExportBatchSize int               `yaml:"max_export_batch_size" validate:"gte=0"`
	ExportTimeout      time.Duration     `yaml:"export_timeout"`
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`

	// Namespace prefixes every metric name.
	Namespace string `yaml:"namespace" validate:"required_if=Enabled true"`

	// Path is the HTTP path of the metrics endpoint.
	Path string `yaml:"path" validate:"required_if=Enabled true"`

	// Port is the port of the metrics endpoint.
	Port int `yaml:"port" validate:"required_if=Enabled true,gte=0,lte=65535"`

	// OperationDurationBuckets are the histogram buckets for operations, in seconds.
	OperationDurationBuckets []float64 `yaml:"operation_duration_buckets"`

	// ReconcileDurationBuckets are the histogram buckets for reconcile steps, in seconds.
	ReconcileDurationBuckets []float64 `yaml:"reconcile_duration_buckets"`
}

// EventsConfig configures the event bus.
type EventsConfig struct {
	Enabled bool `yaml:"enabled"`

	// BufferSize is the capacity of the delivery queue. Events published
	// while the queue is full are dropped.
	BufferSize int `yaml:"buffer_size" validate:"required_if=Enabled true,gte=0"`

	// Async delivers events from a background goroutine.
	Async bool `yaml:"async"`
}

// DefaultConfig returns a configuration suitable for local use.
func DefaultConfig() Config {
	return Config{
		ServiceName:    "cachemgmt",
		ServiceVersion: "dev",
		Environment:    "development",
		Logging: LoggingConfig{
			Level:              "info",
			Format:             "console",
			Output:             "stderr",
			SamplingInitial:    100,
			SamplingThereafter: 100,
		},
		Tracing: TracingConfig{
			Exporter:           "none",
			SamplingRate:       1.0,
			MaxExportBatchSize: 512,
			ExportTimeout:      30 * time.Second,
		},
		Metrics: MetricsConfig{
			Namespace:                "cachemgmt",
			Path:                     "/metrics",
			Port:                     9090,
			OperationDurationBuckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
			ReconcileDurationBuckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 30},
		},
		Events: EventsConfig{
			Enabled:    true,
			BufferSize: 256,
			Async:      true,
		},
	}
}

// ProductionConfig returns a configuration with JSON logs, OTLP tracing and
// metrics enabled.
func ProductionConfig() Config {
	cfg := DefaultConfig()
	cfg.Environment = "production"
	cfg.Logging.Format = "json"
	cfg.Logging.EnableSampling = true
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "otlp"
	cfg.Tracing.Endpoint = "localhost:4317"
	cfg.Tracing.SamplingRate = 0.1
	cfg.Metrics.Enabled = true
	cfg.Events.BufferSize = 4096
	return cfg
}

// DevelopmentConfig returns a verbose configuration that prints traces.
func DevelopmentConfig() Config {
	cfg := DefaultConfig()
	cfg.Logging.Level = "debug"
	cfg.Logging.EnableCaller = true
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "stdout"
	cfg.Events.Async = false
	return cfg
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the configuration.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid telemetry configuration: %w", err)
	}
	return nil
}
