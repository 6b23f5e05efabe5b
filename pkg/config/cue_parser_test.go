package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cachegrid/cachemgmt/pkg/address"
	"github.com/cachegrid/cachemgmt/pkg/engine"
	"github.com/cachegrid/cachemgmt/pkg/schema"
	"github.com/cachegrid/cachemgmt/pkg/subsystem"
	"github.com/cachegrid/cachemgmt/pkg/value"
)

const webBootstrap = `
version: "1.4"
resources: "cache-container": web: {
	"default-cache": "users"
	aliases: ["site", "portal"]
	transport: jgroups: stack: "udp"
	"local-cache": users: {
		"eviction-max-entries": 500
		"file-store": FILE_STORE: path: "users"
	}
	"distributed-cache": sessions: {
		owners: 3
		mode:   "${cache.mode:SYNC}"
	}
}
`

func newTestParser(t *testing.T) *CUEParser {
	t.Helper()
	registry, err := subsystem.NewRegistry()
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	parser, err := NewCUEParser(registry)
	if err != nil {
		t.Fatalf("NewCUEParser() error = %v", err)
	}
	return parser
}

func addresses(ops []*engine.Operation) []string {
	out := make([]string, len(ops))
	for i, op := range ops {
		out[i] = op.Address.String()
	}
	return out
}

func TestCUEParser_TreeOrder(t *testing.T) {
	parser := newTestParser(t)

	b, err := parser.ParseString("web.cue", webBootstrap)
	if err != nil {
		t.Fatalf("ParseString() error = %v", err)
	}
	if b.Legacy || b.Version != schema.V(1, 4) {
		t.Errorf("version = %s legacy = %v", b.Version, b.Legacy)
	}

	want := []string{
		"/cache-container=web",
		"/cache-container=web/transport=jgroups",
		"/cache-container=web/local-cache=users",
		"/cache-container=web/local-cache=users/file-store=FILE_STORE",
		"/cache-container=web/distributed-cache=sessions",
	}
	got := addresses(b.Operations)
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("operation order = %v, want %v", got, want)
	}

	web := b.Operations[0].Payload
	if keys := web.Keys(); len(keys) != 2 || keys[0] != "default-cache" || keys[1] != "aliases" {
		t.Errorf("container attributes = %v, children must not leak into the payload", keys)
	}
	if !web.Lookup("aliases").Equal(value.StringList("site", "portal")) {
		t.Errorf("aliases = %s", web.Lookup("aliases"))
	}
	if !b.Operations[2].Payload.Lookup("eviction-max-entries").Equal(value.Int(500)) {
		t.Errorf("eviction-max-entries = %s", b.Operations[2].Payload.Lookup("eviction-max-entries"))
	}
	if mode := b.Operations[4].Payload.Lookup("mode"); !mode.IsExpression() {
		t.Errorf("mode = %s, want an expression", mode)
	}
	for _, op := range b.Operations {
		if op.Type != engine.OpAdd || op.Version != nil {
			t.Errorf("%s: want a current-version add", op)
		}
	}
}

func TestCUEParser_Legacy(t *testing.T) {
	parser := newTestParser(t)

	b, err := parser.ParseString("legacy.cue", `
version: "1.3"
resources: "cache-container": web: {
	transport: jgroups: {}
	"distributed-cache": sessions: "virtual-nodes": 12
}
`)
	if err != nil {
		t.Fatalf("ParseString() error = %v", err)
	}
	if !b.Legacy || b.Version != schema.V(1, 3) {
		t.Fatalf("version = %s legacy = %v", b.Version, b.Legacy)
	}
	for _, op := range b.Operations {
		if op.Version == nil || *op.Version != schema.V(1, 3) {
			t.Errorf("%s is not marked as a 1.3 operation", op)
		}
	}

	sub := newTestSubsystem(t)
	ctx := context.Background()
	if res := sub.Pipeline.Execute(ctx, b.Operation()); !res.Succeeded() {
		t.Fatalf("bootstrap failed: %v", res.Err())
	}
	sessions := subsystem.CacheAddress("web", subsystem.DistributedCacheType, "sessions")
	res := sub.Pipeline.Execute(ctx, engine.NewOperation(engine.OpReadAttribute, sessions,
		value.NewObject().Set("name", value.String("segments"))))
	if !res.Succeeded() || !res.Value.Equal(value.Int(72)) {
		t.Errorf("segments = %s (%v), want 72", res.Value, res.Err())
	}
}

func TestCUEParser_Apply(t *testing.T) {
	parser := newTestParser(t)
	b, err := parser.ParseString("web.cue", webBootstrap)
	if err != nil {
		t.Fatalf("ParseString() error = %v", err)
	}

	sub := newTestSubsystem(t)
	res := sub.Pipeline.Execute(context.Background(), b.Operation())
	if !res.Succeeded() {
		t.Fatalf("bootstrap failed: %v", res.Err())
	}
	if len(res.Steps) != len(b.Operations) {
		t.Errorf("got %d step results, want %d", len(res.Steps), len(b.Operations))
	}
	if !sub.Store.Snapshot().Has(address.MustParse("/cache-container=web/local-cache=users/file-store=FILE_STORE")) {
		t.Error("file store was not added")
	}
}

func TestCUEParser_Errors(t *testing.T) {
	parser := newTestParser(t)

	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "syntax",
			content: `resources: {`,
			wantErr: "bad.cue",
		},
		{
			name:    "unknown top-level field",
			content: `resource: {}`,
			wantErr: "resource",
		},
		{
			name:    "malformed version",
			content: `version: "one"`,
			wantErr: "version",
		},
		{
			name:    "unknown resource type",
			content: `resources: "cache-container": web: "near-cache": c: {}`,
			wantErr: "near-cache",
		},
		{
			name:    "child at the top level",
			content: `resources: "local-cache": users: {}`,
			wantErr: "not allowed here",
		},
		{
			name:    "wrong fixed name",
			content: `resources: "cache-container": web: transport: tcp: {}`,
			wantErr: "must be named jgroups",
		},
		{
			name:    "incomplete value",
			content: `resources: "cache-container": web: start: string`,
			wantErr: "incomplete",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parser.ParseString("bad.cue", tt.content)
			if err == nil {
				t.Fatal("expected an error")
			}
			var perr *ParseError
			if !errors.As(err, &perr) || len(perr.Errors) == 0 {
				t.Fatalf("error = %T %v, want *ParseError", err, err)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestCUEParser_Files(t *testing.T) {
	parser := newTestParser(t)
	dir := t.TempDir()

	containers := filepath.Join(dir, "containers.cue")
	caches := filepath.Join(dir, "caches.cue")
	if err := os.WriteFile(containers, []byte(`resources: "cache-container": web: "default-cache": "users"`), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(caches, []byte(`resources: "cache-container": web: "local-cache": users: {}`), 0o600); err != nil {
		t.Fatal(err)
	}

	b, err := parser.Parse(containers, caches)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if len(b.SourceFiles) != 2 {
		t.Errorf("source files = %v", b.SourceFiles)
	}
	got := addresses(b.Operations)
	if len(got) != 2 || got[0] != "/cache-container=web" || got[1] != "/cache-container=web/local-cache=users" {
		t.Errorf("operations = %v", got)
	}

	if _, err := parser.Parse(); err == nil {
		t.Error("expected an error without sources")
	}
	if _, err := parser.Parse(filepath.Join(dir, "missing.cue")); err == nil {
		t.Error("expected an error for a missing file")
	}
}
