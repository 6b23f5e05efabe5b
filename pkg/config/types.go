package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/cachegrid/cachemgmt/pkg/telemetry"
)

// ServerConfig configures a management process.
type ServerConfig struct {
	// DataDir holds the state database.
	DataDir string `yaml:"data_dir" validate:"required"`

	Store     StoreConfig      `yaml:"store"`
	Runtime   RuntimeConfig    `yaml:"runtime"`
	Policy    PolicyConfig     `yaml:"policy"`
	Telemetry telemetry.Config `yaml:"telemetry"`

	// Bootstrap lists CUE files or directories applied when the store holds
	// no snapshot yet.
	Bootstrap []string `yaml:"bootstrap"`
}

// StoreConfig configures the SQLite state store.
type StoreConfig struct {
	// File is the database file name, relative to DataDir.
	File string `yaml:"file" validate:"required"`

	// RetainSnapshots is how many committed snapshots are kept; 0 keeps all.
	RetainSnapshots int `yaml:"retain_snapshots" validate:"gte=0"`
}

// RuntimeConfig bounds the runtime phase of operations.
type RuntimeConfig struct {
	// VerifyTimeout bounds how long an operation waits for services to start.
	VerifyTimeout time.Duration `yaml:"verify_timeout" validate:"gt=0"`

	// MaxParallel bounds concurrent service installs.
	MaxParallel int `yaml:"max_parallel" validate:"gte=1"`

	// ScriptTimeout bounds a Starlark operation script.
	ScriptTimeout time.Duration `yaml:"script_timeout" validate:"gt=0"`
}

// PolicyConfig configures operation admission.
type PolicyConfig struct {
	// Dir holds Rego admission policies. Empty disables custom policies.
	Dir string `yaml:"dir"`

	// Watch reloads policies when Dir changes.
	Watch bool `yaml:"watch"`

	// Builtin enables the built-in admission policies.
	Builtin bool `yaml:"builtin"`
}

// DefaultServerConfig returns the configuration used when no file is given.
func DefaultServerConfig() *ServerConfig {
	tel := telemetry.DefaultConfig()
	tel.Logging.Level = "warn"
	return &ServerConfig{
		DataDir: ".cachemgmt",
		Store: StoreConfig{
			File:            "state.db",
			RetainSnapshots: 20,
		},
		Runtime: RuntimeConfig{
			VerifyTimeout: 30 * time.Second,
			MaxParallel:   4,
			ScriptTimeout: time.Minute,
		},
		Policy: PolicyConfig{
			Builtin: true,
		},
		Telemetry: tel,
	}
}

// DatabasePath returns the path of the state database.
func (c *ServerConfig) DatabasePath() string {
	if c.Store.File == ":memory:" || filepath.IsAbs(c.Store.File) {
		return c.Store.File
	}
	return filepath.Join(c.DataDir, c.Store.File)
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the configuration.
func (c *ServerConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid server configuration: %w", err)
	}
	return nil
}

// LoadServerConfig reads a YAML file over the defaults and validates the
// result. An empty path returns the validated defaults.
func LoadServerConfig(path string) (*ServerConfig, error) {
	cfg := DefaultServerConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ValidationError locates a problem in a configuration source.
type ValidationError struct {
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
	Path    string `json:"path,omitempty"`
	Message string `json:"message"`
}

func (e ValidationError) String() string {
	var b strings.Builder
	if e.File != "" {
		b.WriteString(e.File)
		if e.Line > 0 {
			fmt.Fprintf(&b, ":%d:%d", e.Line, e.Column)
		}
		b.WriteString(": ")
	}
	if e.Path != "" {
		b.WriteString(e.Path)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	return b.String()
}

// ParseError collects every problem found in a configuration source.
type ParseError struct {
	Errors []ValidationError
}

func (e *ParseError) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, ve := range e.Errors {
		msgs[i] = ve.String()
	}
	return strings.Join(msgs, "; ")
}
