package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/cachegrid/cachemgmt/pkg/address"
	"github.com/cachegrid/cachemgmt/pkg/schema"
	"github.com/cachegrid/cachemgmt/pkg/snapshot"
	"github.com/cachegrid/cachemgmt/pkg/transform"
	"github.com/cachegrid/cachemgmt/pkg/tree"
	"github.com/cachegrid/cachemgmt/pkg/value"
)

// mockHandle is a service installed in mockContainer.
type mockHandle struct {
	name      string
	settled   bool
	err       error
	onUp      []func()
	onFailed  []func(error)
	service   Service
	installed int
}

func (h *mockHandle) Name() string { return h.name }

// mockContainer starts services synchronously on Install, unless the unit is
// listed in hang, in which case it never settles, or async is set, in which
// case it settles in the background.
type mockContainer struct {
	mu       sync.Mutex
	services map[string]*mockHandle
	installs []string
	removes  []string
	hang     map[string]bool
	async    bool
	seq      int
}

func newMockContainer() *mockContainer {
	return &mockContainer{
		services: make(map[string]*mockHandle),
		hang:     make(map[string]bool),
	}
}

func (c *mockContainer) Install(name string, deps []string, factory ServiceFactory) (ServiceHandle, error) {
	c.mu.Lock()
	if _, exists := c.services[name]; exists {
		c.mu.Unlock()
		return nil, fmt.Errorf("service %s already installed", name)
	}
	for _, dep := range deps {
		if _, ok := c.services[dep]; !ok {
			c.mu.Unlock()
			return nil, fmt.Errorf("service %s depends on missing service %s", name, dep)
		}
	}
	c.seq++
	h := &mockHandle{name: name, installed: c.seq}
	c.services[name] = h
	c.installs = append(c.installs, name)
	hang, async := c.hang[name], c.async
	c.mu.Unlock()

	switch {
	case hang:
	case async:
		go c.start(h, factory)
	default:
		c.start(h, factory)
	}
	return h, nil
}

func (c *mockContainer) start(h *mockHandle, factory ServiceFactory) {
	svc, err := factory(context.Background())
	if err == nil {
		err = svc.Start(context.Background())
	}
	c.mu.Lock()
	h.settled = true
	h.err = err
	h.service = svc
	onUp, onFailed := h.onUp, h.onFailed
	h.onUp, h.onFailed = nil, nil
	c.mu.Unlock()
	if err != nil {
		for _, fn := range onFailed {
			fn(err)
		}
		return
	}
	for _, fn := range onUp {
		fn()
	}
}

func (c *mockContainer) Remove(ctx context.Context, handle ServiceHandle) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.services[handle.Name()]
	if !ok || h != handle {
		return fmt.Errorf("service %s not installed", handle.Name())
	}
	delete(c.services, handle.Name())
	c.removes = append(c.removes, handle.Name())
	return nil
}

func (c *mockContainer) AddListener(handle ServiceHandle, onUp func(), onFailed func(error)) {
	c.mu.Lock()
	h := handle.(*mockHandle)
	if !h.settled {
		h.onUp = append(h.onUp, onUp)
		h.onFailed = append(h.onFailed, onFailed)
		c.mu.Unlock()
		return
	}
	err := h.err
	c.mu.Unlock()
	if err != nil {
		onFailed(err)
	} else {
		onUp()
	}
}

func (c *mockContainer) running() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for name, h := range c.services {
		if h.settled && h.err == nil {
			out = append(out, name)
		}
	}
	return out
}

func (c *mockContainer) installOrder() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.installs...)
}

func (c *mockContainer) removeOrder() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.removes...)
}

// mockService fails to start when err is set.
type mockService struct {
	err error
}

func (s *mockService) Start(context.Context) error { return s.err }
func (s *mockService) Stop(context.Context) error  { return nil }

// mockDeriver derives one unit per resource named after its address; every
// unit depends on the unit of its parent resource.
type mockDeriver struct {
	mu   sync.Mutex
	fail map[string]error
}

func newMockDeriver() *mockDeriver {
	return &mockDeriver{fail: make(map[string]error)}
}

func (d *mockDeriver) failStart(name string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fail[name] = err
}

func (d *mockDeriver) DeriveUnits(snap *snapshot.Snapshot) ([]ServiceUnit, error) {
	var units []ServiceUnit
	for _, e := range snap.Entries() {
		u := ServiceUnit{
			Name:     unitName(e.Address),
			Role:     e.Address.Type(),
			Resource: e.Address,
			Config:   e.Attributes,
		}
		if parent := e.Address.Parent(); !parent.IsRoot() {
			u.Dependencies = []string{unitName(parent)}
		}
		units = append(units, u)
	}
	return units, nil
}

func (d *mockDeriver) Factory(unit ServiceUnit) ServiceFactory {
	return func(context.Context) (Service, error) {
		d.mu.Lock()
		defer d.mu.Unlock()
		return &mockService{err: d.fail[unit.Name]}, nil
	}
}

func unitName(addr address.Address) string {
	return addr.String()[1:]
}

// mockPublisher records events.
type mockPublisher struct {
	mu     sync.Mutex
	events []*Event
}

func (p *mockPublisher) Publish(_ context.Context, event *Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *mockPublisher) count(t EventType) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

// mockJournal records operation records.
type mockJournal struct {
	mu      sync.Mutex
	records []*OperationRecord
}

func (j *mockJournal) Record(_ context.Context, rec *OperationRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.records = append(j.records, rec)
	return nil
}

// mockAdmission denies operations of the listed types.
type mockAdmission struct {
	deny map[OperationType]bool
}

func (a *mockAdmission) Admit(_ context.Context, op *Operation) (*AdmissionDecision, error) {
	if a.deny[op.Type] {
		return &AdmissionDecision{Allowed: false, Reasons: []string{"denied in test"}}, nil
	}
	return &AdmissionDecision{Allowed: true}, nil
}

// mockMetrics counts transitions.
type mockMetrics struct {
	nopMetrics
	mu          sync.Mutex
	transitions []string
}

func (m *mockMetrics) RecordTransition(from, to string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transitions = append(m.transitions, from+"->"+to)
}

var (
	groupAddr  = address.MustParse("/group=web")
	memberAddr = address.MustParse("/group=web/member=a")
	otherAddr  = address.MustParse("/group=web/member=b")
)

// testRegistry has a root "group" and its child "member".
func testRegistry(t *testing.T) *schema.Registry {
	t.Helper()
	r := schema.NewRegistry(schema.V(1, 1))
	if err := r.RegisterRoot(schema.NewBuilder("group").
		Attribute(schema.AttributeDefinition{Name: "size", Type: value.TypeInt, Default: value.Int(4), Constraint: "min=1", Mutability: schema.RequiresRestart}).
		Attribute(schema.AttributeDefinition{Name: "mode", Type: value.TypeString, Default: value.String("SYNC"), Allowed: []string{"SYNC", "ASYNC"}, Mutability: schema.RequiresReload}).
		Attribute(schema.AttributeDefinition{Name: "label", Type: value.TypeString, Nullable: true, Mutability: schema.Immediate}).
		Attribute(schema.AttributeDefinition{Name: "id", Type: value.TypeString, Default: value.String("g")}).
		Children("member").
		Runtime(true).
		MustBuild()); err != nil {
		t.Fatalf("Failed to register group: %v", err)
	}
	if err := r.Register(schema.NewBuilder("member").
		Attribute(schema.AttributeDefinition{Name: "weight", Type: value.TypeInt, Default: value.Int(1), Mutability: schema.Immediate}).
		Attribute(schema.AttributeDefinition{Name: "percent", Type: value.TypeInt, Alias: true}).
		Runtime(true).
		MustBuild()); err != nil {
		t.Fatalf("Failed to register member: %v", err)
	}
	if err := r.Seal(); err != nil {
		t.Fatalf("Failed to seal registry: %v", err)
	}
	return r
}

// testTransforms knows 1.0 and 1.1; member "weight" was called "share" at 1.0.
func testTransforms(t *testing.T) *transform.Registry {
	t.Helper()
	tr := transform.NewRegistry(zerolog.Nop())
	for _, v := range []schema.Version{schema.V(1, 0), schema.V(1, 1)} {
		if err := tr.RegisterVersion(v); err != nil {
			t.Fatalf("Failed to register version: %v", err)
		}
	}
	if err := tr.Register(transform.NewRuleTransformer(schema.V(1, 0), schema.V(1, 1),
		transform.Rename{Types: []string{"member"}, From: "share", To: "weight"},
	)); err != nil {
		t.Fatalf("Failed to register transformer: %v", err)
	}
	return tr
}

// fixture wires a pipeline over mocks.
type fixture struct {
	registry   *schema.Registry
	store      *tree.Store
	container  *mockContainer
	deriver    *mockDeriver
	reconciler *Reconciler
	publisher  *mockPublisher
	journal    *mockJournal
	metrics    *mockMetrics
	pipeline   *Pipeline
}

func newFixture(t *testing.T, opts ...PipelineOption) *fixture {
	t.Helper()
	f := &fixture{
		registry:  testRegistry(t),
		container: newMockContainer(),
		deriver:   newMockDeriver(),
		publisher: &mockPublisher{},
		journal:   &mockJournal{},
		metrics:   &mockMetrics{},
	}
	f.store = tree.NewStore(f.registry)
	f.reconciler = NewReconciler(f.container, f.deriver, WithEventPublisher(f.publisher))

	overrides := map[string]Handlers{
		"member": {
			// percent is weight expressed in hundredths.
			ReadAttribute: map[string]ReadFunc{
				"percent": func(_ *OperationContext, attrs *value.Object) (value.Value, error) {
					w, err := attrs.Lookup("weight").AsLong()
					if err != nil {
						return value.Undefined(), err
					}
					return value.Int(int32(w * 100)), nil
				},
			},
			WriteAttribute: map[string]WriteFunc{
				"percent": func(oc *OperationContext, _ *schema.AttributeDefinition, v value.Value) error {
					def, _ := oc.Schema.Attribute("weight")
					if !v.IsDefined() {
						return DefaultWrite(oc, def, v)
					}
					n, err := v.AsLong()
					if err != nil {
						return err
					}
					return DefaultWrite(oc, def, value.Int(int32(n/100)))
				},
			},
		},
	}
	dispatch, err := NewDispatchTable(f.registry, overrides)
	if err != nil {
		t.Fatalf("Failed to build dispatch table: %v", err)
	}

	all := append([]PipelineOption{
		WithJournal(f.journal),
		WithPublisher(f.publisher),
		WithPipelineMetrics(f.metrics),
		WithVerifyTimeout(time.Second),
	}, opts...)
	f.pipeline = NewPipeline(f.store, testTransforms(t), dispatch, f.reconciler, all...)
	return f
}

func (f *fixture) exec(t *testing.T, opType OperationType, addr address.Address, payload *value.Object) *Result {
	t.Helper()
	return f.pipeline.Execute(context.Background(), NewOperation(opType, addr, payload))
}

func (f *fixture) mustExec(t *testing.T, opType OperationType, addr address.Address, payload *value.Object) *Result {
	t.Helper()
	res := f.exec(t, opType, addr, payload)
	if !res.Succeeded() {
		t.Fatalf("Expected %s %s to commit, got: %v", opType, addr, res.Err())
	}
	return res
}
