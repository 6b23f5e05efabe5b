package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadServerConfig_Defaults(t *testing.T) {
	cfg, err := LoadServerConfig("")
	if err != nil {
		t.Fatalf("LoadServerConfig() error = %v", err)
	}
	if cfg.DatabasePath() != filepath.Join(".cachemgmt", "state.db") {
		t.Errorf("DatabasePath() = %s", cfg.DatabasePath())
	}
	if cfg.Runtime.VerifyTimeout != 30*time.Second || cfg.Runtime.MaxParallel != 4 {
		t.Errorf("runtime defaults = %+v", cfg.Runtime)
	}
	if !cfg.Policy.Builtin {
		t.Error("built-in policies should be enabled by default")
	}
	if cfg.Telemetry.Logging.Level != "warn" {
		t.Errorf("log level = %s, want warn", cfg.Telemetry.Logging.Level)
	}
}

func TestLoadServerConfig_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.yaml")
	content := `
data_dir: /var/lib/cachemgmt
store:
  retain_snapshots: 5
runtime:
  verify_timeout: 10s
  max_parallel: 8
policy:
  dir: /etc/cachemgmt/policies
  watch: true
telemetry:
  logging:
    level: debug
bootstrap:
  - /etc/cachemgmt/bootstrap.cue
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadServerConfig(path)
	if err != nil {
		t.Fatalf("LoadServerConfig() error = %v", err)
	}
	if cfg.DatabasePath() != "/var/lib/cachemgmt/state.db" {
		t.Errorf("DatabasePath() = %s", cfg.DatabasePath())
	}
	if cfg.Store.RetainSnapshots != 5 || cfg.Runtime.VerifyTimeout != 10*time.Second || cfg.Runtime.MaxParallel != 8 {
		t.Errorf("overrides not applied: %+v %+v", cfg.Store, cfg.Runtime)
	}
	if cfg.Runtime.ScriptTimeout != time.Minute {
		t.Errorf("unset script timeout = %v, want the default", cfg.Runtime.ScriptTimeout)
	}
	if !cfg.Policy.Watch || !cfg.Policy.Builtin {
		t.Errorf("policy = %+v", cfg.Policy)
	}
	if cfg.Telemetry.Logging.Level != "debug" || cfg.Telemetry.Logging.Format != "console" {
		t.Errorf("logging = %+v", cfg.Telemetry.Logging)
	}
	if len(cfg.Bootstrap) != 1 {
		t.Errorf("bootstrap = %v", cfg.Bootstrap)
	}
}

func TestLoadServerConfig_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"bad yaml", "runtime: [", "failed to parse"},
		{"zero parallelism", "runtime:\n  max_parallel: 0\n", "MaxParallel"},
		{"unknown log level", "telemetry:\n  logging:\n    level: loud\n", "Level"},
		{"negative retention", "store:\n  retain_snapshots: -1\n", "RetainSnapshots"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "server.yaml")
			if err := os.WriteFile(path, []byte(tt.content), 0o600); err != nil {
				t.Fatal(err)
			}
			_, err := LoadServerConfig(path)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("LoadServerConfig() error = %v, want it to mention %q", err, tt.wantErr)
			}
		})
	}

	if _, err := LoadServerConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected an error for a missing file")
	}
}

func TestDatabasePath(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.Store.File = ":memory:"
	if cfg.DatabasePath() != ":memory:" {
		t.Errorf("DatabasePath() = %s", cfg.DatabasePath())
	}
	cfg.Store.File = "/tmp/other.db"
	if cfg.DatabasePath() != "/tmp/other.db" {
		t.Errorf("DatabasePath() = %s", cfg.DatabasePath())
	}
}

func TestParseError(t *testing.T) {
	err := &ParseError{Errors: []ValidationError{
		{File: "a.cue", Line: 3, Column: 5, Message: "conflicting values"},
		{Path: "resources.bogus", Message: "unknown resource type"},
	}}
	want := "a.cue:3:5: conflicting values; resources.bogus: unknown resource type"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}
