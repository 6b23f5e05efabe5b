package engine

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/cachegrid/cachemgmt/pkg/address"
	mgmterrors "github.com/cachegrid/cachemgmt/pkg/errors"
	"github.com/cachegrid/cachemgmt/pkg/schema"
	"github.com/cachegrid/cachemgmt/pkg/value"
)

func attr(name string, v value.Value) *value.Object {
	return value.NewObject().Set("name", value.String(name)).Set("value", v)
}

func named(name string) *value.Object {
	return value.NewObject().Set("name", value.String(name))
}

func (f *fixture) read(t *testing.T, addr address.Address, name string) value.Value {
	t.Helper()
	return f.mustExec(t, OpReadAttribute, addr, named(name)).Value
}

func expectCode(t *testing.T, res *Result, target *mgmterrors.Error) {
	t.Helper()
	if res.Succeeded() {
		t.Fatalf("Expected %s, got a committed operation", target.Code)
	}
	if res.State != OperationStateRolledBack {
		t.Errorf("Expected state %s, got: %s", OperationStateRolledBack, res.State)
	}
	if !errors.Is(res.Err(), target) {
		t.Fatalf("Expected %s, got: %v", target.Code, res.Err())
	}
}

func TestPipeline_AddAppliesDefaultsAndStartsService(t *testing.T) {
	f := newFixture(t)
	res := f.mustExec(t, OpAdd, groupAddr, value.NewObject().Set("size", value.Int(2)))

	if res.Plan == nil || res.Plan.Installs != 1 {
		t.Errorf("Expected one install in the plan, got: %+v", res.Plan)
	}
	if got := f.read(t, groupAddr, "size"); !got.Equal(value.Int(2)) {
		t.Errorf("Expected size 2, got: %v", got)
	}
	if got := f.read(t, groupAddr, "mode"); !got.Equal(value.String("SYNC")) {
		t.Errorf("Expected default mode SYNC, got: %v", got)
	}
	if got := f.container.running(); !reflect.DeepEqual(got, []string{"group=web"}) {
		t.Errorf("Expected group=web running, got: %v", got)
	}
	if u, ok := f.reconciler.Unit("group=web"); !ok || u.State != UnitStateUp {
		t.Errorf("Expected group=web up, got: %+v", u)
	}
}

func TestPipeline_StateTransitions(t *testing.T) {
	f := newFixture(t)
	f.mustExec(t, OpAdd, groupAddr, nil)
	want := []string{
		"received->model-phase",
		"model-phase->runtime-phase-queued",
		"runtime-phase-queued->runtime-phase",
		"runtime-phase->committed",
	}
	if !reflect.DeepEqual(f.metrics.transitions, want) {
		t.Fatalf("Expected transitions %v, got: %v", want, f.metrics.transitions)
	}

	f.metrics.transitions = nil
	f.mustExec(t, OpWriteAttribute, groupAddr, attr("mode", value.String("ASYNC")))
	want = []string{"received->model-phase", "model-phase->committed"}
	if !reflect.DeepEqual(f.metrics.transitions, want) {
		t.Fatalf("Expected transitions %v, got: %v", want, f.metrics.transitions)
	}

	f.metrics.transitions = nil
	f.exec(t, OpAdd, groupAddr, nil)
	want = []string{"received->model-phase", "model-phase->model-failed", "model-failed->rolled-back"}
	if !reflect.DeepEqual(f.metrics.transitions, want) {
		t.Fatalf("Expected transitions %v, got: %v", want, f.metrics.transitions)
	}
}

func TestPipeline_ModelFailures(t *testing.T) {
	f := newFixture(t)
	f.mustExec(t, OpAdd, groupAddr, nil)

	tests := []struct {
		name    string
		op      OperationType
		addr    address.Address
		payload *value.Object
		want    *mgmterrors.Error
	}{
		{"duplicate add", OpAdd, groupAddr, nil, mgmterrors.ErrDuplicateAddress},
		{"missing parent", OpAdd, address.MustParse("/group=db/member=a"), nil, mgmterrors.ErrInvalidParent},
		{"unknown attribute", OpAdd, otherAddr, value.NewObject().Set("colour", value.String("red")), mgmterrors.ErrUnknownAttribute},
		{"constraint", OpWriteAttribute, groupAddr, attr("size", value.Int(0)), mgmterrors.ErrConstraintViolation},
		{"allowed values", OpWriteAttribute, groupAddr, attr("mode", value.String("BOTH")), mgmterrors.ErrConstraintViolation},
		{"missing value", OpWriteAttribute, groupAddr, named("size"), mgmterrors.ErrInvalidOperation},
		{"missing name", OpReadAttribute, groupAddr, nil, mgmterrors.ErrInvalidOperation},
		{"remove missing", OpRemove, otherAddr, nil, mgmterrors.ErrNotFound},
		{"read missing", OpReadResource, otherAddr, nil, mgmterrors.ErrNotFound},
		{"add at root", OpAdd, address.Root(), nil, mgmterrors.ErrInvalidOperation},
		{"bad cascade", OpRemove, groupAddr, value.NewObject().Set("cascade", value.String("maybe")), mgmterrors.ErrTypeMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expectCode(t, f.exec(t, tt.op, tt.addr, tt.payload), tt.want)
		})
	}

	if got := f.container.installOrder(); len(got) != 1 {
		t.Errorf("Expected failed operations not to touch services, got installs: %v", got)
	}
}

func TestPipeline_UnknownOperation(t *testing.T) {
	f := newFixture(t)
	expectCode(t, f.exec(t, OperationType("explode"), groupAddr, nil), mgmterrors.ErrInvalidOperation)
}

func TestPipeline_RuntimeFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	f.deriver.failStart("group=web", errors.New("port in use"))

	res := f.exec(t, OpAdd, groupAddr, nil)
	expectCode(t, res, mgmterrors.ErrStartFailed)
	if res.Failure.Class != mgmterrors.ClassRuntime {
		t.Errorf("Expected runtime class, got: %s", res.Failure.Class)
	}

	expectCode(t, f.exec(t, OpReadResource, groupAddr, nil), mgmterrors.ErrNotFound)
	if got := f.container.running(); len(got) != 0 {
		t.Errorf("Expected no running services, got: %v", got)
	}
	if len(f.reconciler.Units()) != 0 {
		t.Errorf("Expected no active units, got: %v", names(f.reconciler.Units()))
	}
	if f.store.Generation() != 0 {
		t.Errorf("Expected nothing committed, got generation %d", f.store.Generation())
	}
}

func TestPipeline_VerificationTimeoutRollsBack(t *testing.T) {
	f := newFixture(t, WithVerifyTimeout(50*time.Millisecond))
	f.container.hang["group=web"] = true

	expectCode(t, f.exec(t, OpAdd, groupAddr, nil), mgmterrors.ErrVerificationTimeout)
	if f.store.Snapshot().Has(groupAddr) {
		t.Error("Expected the resource to be rolled back")
	}
	if got := f.container.removeOrder(); !reflect.DeepEqual(got, []string{"group=web"}) {
		t.Errorf("Expected the hung service to be removed, got: %v", got)
	}
}

func TestPipeline_RestartRequiredWriteSkipsRuntime(t *testing.T) {
	f := newFixture(t)
	f.mustExec(t, OpAdd, groupAddr, nil)

	res := f.mustExec(t, OpWriteAttribute, groupAddr, attr("size", value.Int(8)))
	if !res.RestartRequired || res.ReloadRequired {
		t.Errorf("Expected restart required only, got reload=%v restart=%v", res.ReloadRequired, res.RestartRequired)
	}
	if res.Plan != nil {
		t.Errorf("Expected no runtime phase, got plan: %+v", res.Plan)
	}
	if got := f.read(t, groupAddr, "size"); !got.Equal(value.Int(8)) {
		t.Errorf("Expected the model to hold size 8, got: %v", got)
	}
	if got := f.container.installOrder(); len(got) != 1 {
		t.Errorf("Expected no reinstall, got: %v", got)
	}
	if _, restart := f.pipeline.Pending(); !restart {
		t.Error("Expected a pending restart")
	}
	u, _ := f.reconciler.Unit("group=web")
	if !u.Config.Lookup("size").Equal(value.Int(4)) {
		t.Errorf("Expected the running service to keep size 4, got: %v", u.Config.Lookup("size"))
	}
}

func TestPipeline_ReloadAppliesPendingChanges(t *testing.T) {
	f := newFixture(t)
	f.mustExec(t, OpAdd, groupAddr, nil)
	f.mustExec(t, OpAdd, memberAddr, nil)

	res := f.mustExec(t, OpWriteAttribute, groupAddr, attr("mode", value.String("ASYNC")))
	if !res.ReloadRequired {
		t.Error("Expected reload required")
	}
	if reload, _ := f.pipeline.Pending(); !reload {
		t.Fatal("Expected a pending reload")
	}

	generation := f.store.Generation()
	res = f.mustExec(t, OpReload, address.Root(), nil)
	if res.Plan == nil || res.Plan.Installs != 2 {
		t.Fatalf("Expected the group and its member to be restarted, got: %+v", res.Plan)
	}
	if reload, restart := f.pipeline.Pending(); reload || restart {
		t.Errorf("Expected pending flags cleared, got reload=%v restart=%v", reload, restart)
	}
	if f.store.Generation() != generation {
		t.Errorf("Expected reload not to commit, generation moved to %d", f.store.Generation())
	}
	u, _ := f.reconciler.Unit("group=web")
	if !u.Config.Lookup("mode").Equal(value.String("ASYNC")) {
		t.Errorf("Expected the service to run with mode ASYNC, got: %v", u.Config.Lookup("mode"))
	}

	res = f.mustExec(t, OpReload, address.Root(), nil)
	if res.Plan == nil || res.Plan.Installs != 0 {
		t.Errorf("Expected nothing to do on a second reload, got: %+v", res.Plan)
	}
}

func TestPipeline_ImmediateWriteRestartsUnit(t *testing.T) {
	f := newFixture(t)
	f.mustExec(t, OpAdd, groupAddr, nil)
	f.mustExec(t, OpAdd, memberAddr, nil)

	res := f.mustExec(t, OpWriteAttribute, memberAddr, attr("weight", value.Int(3)))
	if res.RestartRequired || res.ReloadRequired {
		t.Error("Expected an immediate write to need neither reload nor restart")
	}
	if got := f.container.removeOrder(); !reflect.DeepEqual(got, []string{"group=web/member=a"}) {
		t.Errorf("Expected only the member to be restarted, got removals: %v", got)
	}
	u, _ := f.reconciler.Unit("group=web/member=a")
	if !u.Config.Lookup("weight").Equal(value.Int(3)) || u.State != UnitStateUp {
		t.Errorf("Expected member up with weight 3, got: %+v", u)
	}

	// A change to the group restarts its members too.
	f.mustExec(t, OpWriteAttribute, groupAddr, attr("label", value.String("primary")))
	want := []string{"group=web/member=a", "group=web/member=a", "group=web"}
	if got := f.container.removeOrder(); !reflect.DeepEqual(got, want) {
		t.Errorf("Expected removals %v, got: %v", want, got)
	}
}

func TestPipeline_UndefineRestoresDefault(t *testing.T) {
	f := newFixture(t)
	f.mustExec(t, OpAdd, groupAddr, value.NewObject().Set("size", value.Int(9)).Set("label", value.String("x")))

	f.mustExec(t, OpUndefineAttribute, groupAddr, named("size"))
	if got := f.read(t, groupAddr, "size"); !got.Equal(value.Int(4)) {
		t.Errorf("Expected default size 4, got: %v", got)
	}
	f.mustExec(t, OpUndefineAttribute, groupAddr, named("label"))
	if got := f.read(t, groupAddr, "label"); got.IsDefined() {
		t.Errorf("Expected label undefined, got: %v", got)
	}
}

func TestPipeline_RemoveCascade(t *testing.T) {
	f := newFixture(t)
	f.mustExec(t, OpAdd, groupAddr, nil)
	f.mustExec(t, OpAdd, memberAddr, nil)

	expectCode(t, f.exec(t, OpRemove, groupAddr, nil), mgmterrors.ErrHasChildren)

	f.mustExec(t, OpRemove, groupAddr, value.NewObject().Set("cascade", value.Bool(true)))
	want := []string{"group=web/member=a", "group=web"}
	if got := f.container.removeOrder(); !reflect.DeepEqual(got, want) {
		t.Errorf("Expected removals %v, got: %v", want, got)
	}
	if f.store.Snapshot().Len() != 0 {
		t.Errorf("Expected an empty tree, got %d resources", f.store.Snapshot().Len())
	}
}

func TestPipeline_CompositeIsAllOrNothing(t *testing.T) {
	f := newFixture(t)
	res := f.pipeline.Execute(context.Background(), Composite(
		NewOperation(OpAdd, groupAddr, nil),
		NewOperation(OpAdd, memberAddr, nil),
		NewOperation(OpAdd, memberAddr, nil),
	))
	expectCode(t, res, mgmterrors.ErrDuplicateAddress)
	if step := res.Failure.Details["step"]; step != 2 {
		t.Errorf("Expected failure at step 2, got: %v", step)
	}
	if len(res.Steps) != 3 {
		t.Fatalf("Expected 3 step results, got: %d", len(res.Steps))
	}
	for i, s := range res.Steps {
		if s.State != OperationStateRolledBack {
			t.Errorf("Expected step %d rolled back, got: %s", i, s.State)
		}
	}
	if f.store.Snapshot().Len() != 0 {
		t.Error("Expected no resources after the composite rolled back")
	}
	if got := f.container.installOrder(); len(got) != 0 {
		t.Errorf("Expected no services installed, got: %v", got)
	}
}

func TestPipeline_CompositeCommitsTogether(t *testing.T) {
	f := newFixture(t)
	res := f.pipeline.Execute(context.Background(), Composite(
		NewOperation(OpAdd, groupAddr, nil),
		NewOperation(OpAdd, memberAddr, nil),
		NewOperation(OpWriteAttribute, groupAddr, attr("size", value.Int(6))),
		NewOperation(OpReadAttribute, groupAddr, named("size")),
	))
	if !res.Succeeded() {
		t.Fatalf("Expected commit, got: %v", res.Err())
	}
	if !res.RestartRequired {
		t.Error("Expected the composite to carry restart required from its steps")
	}
	values := res.Value.AsList()
	if len(values) != 4 || !values[3].Equal(value.Int(6)) {
		t.Errorf("Expected the read step to see the earlier write, got: %v", res.Value)
	}
	if f.store.Generation() != 1 {
		t.Errorf("Expected one commit, got generation %d", f.store.Generation())
	}
	if got := len(f.container.running()); got != 2 {
		t.Errorf("Expected 2 running services, got: %d", got)
	}
}

func TestPipeline_CompositeRuntimeFailureRecovers(t *testing.T) {
	f := newFixture(t)
	f.deriver.failStart("group=web/member=a", errors.New("boom"))

	res := f.pipeline.Execute(context.Background(), Composite(
		NewOperation(OpAdd, groupAddr, nil),
		NewOperation(OpAdd, memberAddr, nil),
	))
	expectCode(t, res, mgmterrors.ErrStartFailed)
	if got := f.container.running(); len(got) != 0 {
		t.Errorf("Expected every service from the composite removed, got: %v", got)
	}
	if f.store.Snapshot().Len() != 0 {
		t.Error("Expected nothing committed")
	}
}

func TestPipeline_CompositeRejectsNesting(t *testing.T) {
	f := newFixture(t)
	expectCode(t, f.pipeline.Execute(context.Background(), Composite()), mgmterrors.ErrInvalidOperation)
	expectCode(t, f.pipeline.Execute(context.Background(), Composite(
		NewOperation(OpAdd, groupAddr, nil),
		Composite(NewOperation(OpAdd, memberAddr, nil)),
	)), mgmterrors.ErrInvalidOperation)
	expectCode(t, f.pipeline.Execute(context.Background(), Composite(
		NewOperation(OpReload, address.Root(), nil),
	)), mgmterrors.ErrInvalidOperation)
}

func TestPipeline_AdmissionDenied(t *testing.T) {
	f := newFixture(t, WithAdmission(&mockAdmission{deny: map[OperationType]bool{OpRemove: true}}))
	f.mustExec(t, OpAdd, groupAddr, nil)

	res := f.exec(t, OpRemove, groupAddr, nil)
	expectCode(t, res, mgmterrors.ErrAdmissionDenied)
	if _, ok := res.Failure.Details["reasons"]; !ok {
		t.Error("Expected the denial reasons in the failure details")
	}
	if !f.store.Snapshot().Has(groupAddr) {
		t.Error("Expected the resource to survive a denied remove")
	}
}

func TestPipeline_LegacyOperations(t *testing.T) {
	f := newFixture(t)
	f.mustExec(t, OpAdd, groupAddr, nil)

	op := NewOperation(OpAdd, memberAddr, value.NewObject().Set("share", value.Int(5))).Legacy(schema.V(1, 0))
	if res := f.pipeline.Execute(context.Background(), op); !res.Succeeded() {
		t.Fatalf("Expected legacy add to commit, got: %v", res.Err())
	}
	if got := f.read(t, memberAddr, "weight"); !got.Equal(value.Int(5)) {
		t.Errorf("Expected weight 5, got: %v", got)
	}

	op = NewOperation(OpWriteAttribute, memberAddr, attr("share", value.Int(7))).Legacy(schema.V(1, 0))
	if res := f.pipeline.Execute(context.Background(), op); !res.Succeeded() {
		t.Fatalf("Expected legacy write to commit, got: %v", res.Err())
	}
	if got := f.read(t, memberAddr, "weight"); !got.Equal(value.Int(7)) {
		t.Errorf("Expected weight 7, got: %v", got)
	}

	op = NewOperation(OpReadResource, memberAddr, nil).Legacy(schema.V(0, 9))
	expectCode(t, f.pipeline.Execute(context.Background(), op), mgmterrors.ErrUnknownVersion)
}

func TestPipeline_DescribeAtOlderVersion(t *testing.T) {
	f := newFixture(t)
	f.mustExec(t, OpAdd, groupAddr, nil)
	f.mustExec(t, OpAdd, memberAddr, value.NewObject().Set("weight", value.Int(2)))

	current := f.mustExec(t, OpDescribe, address.Root(), nil).Value.AsList()
	if len(current) != 2 {
		t.Fatalf("Expected 2 add operations, got: %d", len(current))
	}
	first := current[0].AsObject()
	if first.Lookup("operation").AsString() != "add" || first.Lookup("address").AsString() != "/group=web" {
		t.Errorf("Expected the group first, got: %v", first)
	}
	if !current[1].AsObject().Lookup("weight").Equal(value.Int(2)) {
		t.Errorf("Expected weight 2 at the current version, got: %v", current[1])
	}

	legacy := f.mustExec(t, OpDescribe, address.Root(), value.NewObject().Set("version", value.String("1.0"))).Value.AsList()
	member := legacy[1].AsObject()
	if !member.Lookup("share").Equal(value.Int(2)) || member.Has("weight") {
		t.Errorf("Expected share instead of weight at 1.0, got: %v", member)
	}

	expectCode(t, f.exec(t, OpDescribe, address.Root(), value.NewObject().Set("version", value.String("one"))),
		mgmterrors.ErrInvalidOperation)
}

func TestPipeline_ReadChildrenNames(t *testing.T) {
	f := newFixture(t)
	f.mustExec(t, OpAdd, groupAddr, nil)
	f.mustExec(t, OpAdd, memberAddr, nil)
	f.mustExec(t, OpAdd, otherAddr, nil)

	res := f.mustExec(t, OpReadChildrenNames, groupAddr, value.NewObject().Set("child-type", value.String("member")))
	var got []string
	for _, v := range res.Value.AsList() {
		got = append(got, v.AsString())
	}
	if !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Errorf("Expected [a b], got: %v", got)
	}

	res = f.mustExec(t, OpReadChildrenNames, address.Root(), value.NewObject().Set("child-type", value.String("group")))
	if list := res.Value.AsList(); len(list) != 1 || list[0].AsString() != "web" {
		t.Errorf("Expected [web], got: %v", res.Value)
	}

	expectCode(t, f.exec(t, OpReadChildrenNames, groupAddr, value.NewObject().Set("child-type", value.String("shard"))),
		mgmterrors.ErrInvalidOperation)
}

func TestPipeline_ReadResource(t *testing.T) {
	f := newFixture(t)
	f.mustExec(t, OpAdd, groupAddr, value.NewObject().Set("label", value.String("x")))
	f.mustExec(t, OpAdd, memberAddr, value.NewObject().Set("weight", value.Int(3)))

	full := f.mustExec(t, OpReadResource, memberAddr, nil).Value.AsObject()
	if !full.Lookup("percent").Equal(value.Int(300)) {
		t.Errorf("Expected computed percent 300, got: %v", full)
	}

	sparse := f.mustExec(t, OpReadResource, groupAddr, value.NewObject().Set("include-defaults", value.Bool(false))).Value.AsObject()
	if !reflect.DeepEqual(sparse.Keys(), []string{"label"}) {
		t.Errorf("Expected only the explicit label, got: %v", sparse.Keys())
	}

	tree := f.mustExec(t, OpReadResource, groupAddr, value.NewObject().Set("recursive", value.Bool(true))).Value.AsObject()
	member := tree.Lookup("member").AsObject().Lookup("a").AsObject()
	if !member.Lookup("weight").Equal(value.Int(3)) {
		t.Errorf("Expected nested member with weight 3, got: %v", tree)
	}
}

func TestPipeline_ReadsSeeOneGenerationDuringWrites(t *testing.T) {
	f := newFixture(t)
	f.mustExec(t, OpAdd, groupAddr, nil)

	ctx, cancel := context.WithCancel(context.Background())
	writerDone := make(chan error, 1)
	go func() {
		for ctx.Err() == nil {
			if res := f.pipeline.Execute(ctx, NewOperation(OpAdd, memberAddr, nil)); !res.Succeeded() {
				writerDone <- res.Err()
				return
			}
			if res := f.pipeline.Execute(ctx, NewOperation(OpRemove, memberAddr, nil)); !res.Succeeded() {
				writerDone <- res.Err()
				return
			}
		}
		writerDone <- nil
	}()

	recursive := value.NewObject().Set("recursive", value.Bool(true))
	for i := 0; i < 500; i++ {
		res := f.pipeline.Execute(context.Background(), NewOperation(OpReadResource, groupAddr, recursive.Clone()))
		if !res.Succeeded() {
			t.Errorf("Expected recursive read of %s to succeed, got: %v", groupAddr, res.Err())
			break
		}
		res = f.pipeline.Execute(context.Background(), NewOperation(OpDescribe, groupAddr, nil))
		if !res.Succeeded() {
			t.Errorf("Expected describe of %s to succeed, got: %v", groupAddr, res.Err())
			break
		}
	}
	cancel()
	if err := <-writerDone; err != nil && !errors.Is(err, context.Canceled) {
		t.Logf("Writer stopped: %v", err)
	}
}

func TestPipeline_AliasAttribute(t *testing.T) {
	f := newFixture(t)
	f.mustExec(t, OpAdd, groupAddr, nil)
	f.mustExec(t, OpAdd, memberAddr, nil)

	if got := f.read(t, memberAddr, "percent"); !got.Equal(value.Int(100)) {
		t.Errorf("Expected percent 100, got: %v", got)
	}
	f.mustExec(t, OpWriteAttribute, memberAddr, attr("percent", value.Int(400)))
	if got := f.read(t, memberAddr, "weight"); !got.Equal(value.Int(4)) {
		t.Errorf("Expected weight 4, got: %v", got)
	}
	f.mustExec(t, OpUndefineAttribute, memberAddr, named("percent"))
	if got := f.read(t, memberAddr, "weight"); !got.Equal(value.Int(1)) {
		t.Errorf("Expected default weight 1, got: %v", got)
	}
}

func TestPipeline_JournalAndEvents(t *testing.T) {
	f := newFixture(t)
	f.mustExec(t, OpAdd, groupAddr, nil)
	f.exec(t, OpAdd, groupAddr, nil)

	if len(f.journal.records) != 2 {
		t.Fatalf("Expected 2 journal records, got: %d", len(f.journal.records))
	}
	ok, failed := f.journal.records[0], f.journal.records[1]
	if ok.State != OperationStateCommitted || ok.Generation != 1 || ok.Address != "/group=web" {
		t.Errorf("Unexpected committed record: %+v", ok)
	}
	if failed.State != OperationStateRolledBack || failed.FailureCode != mgmterrors.CodeDuplicateAddress {
		t.Errorf("Unexpected failed record: %+v", failed)
	}

	if n := f.publisher.count(EventOperationReceived); n != 2 {
		t.Errorf("Expected 2 received events, got: %d", n)
	}
	if n := f.publisher.count(EventOperationCommitted); n != 1 {
		t.Errorf("Expected 1 committed event, got: %d", n)
	}
	if n := f.publisher.count(EventOperationRolledBack); n != 1 {
		t.Errorf("Expected 1 rolled back event, got: %d", n)
	}
	if n := f.publisher.count(EventUnitUp); n != 1 {
		t.Errorf("Expected 1 unit up event, got: %d", n)
	}
}

func TestPipeline_ExecuteAllStopsAtFirstFailure(t *testing.T) {
	f := newFixture(t)
	results, err := f.pipeline.ExecuteAll(context.Background(), []*Operation{
		NewOperation(OpAdd, groupAddr, nil),
		NewOperation(OpAdd, groupAddr, nil),
		NewOperation(OpAdd, memberAddr, nil),
	})
	if !errors.Is(err, mgmterrors.ErrDuplicateAddress) {
		t.Fatalf("Expected DUPLICATE_ADDRESS, got: %v", err)
	}
	if len(results) != 2 {
		t.Errorf("Expected execution to stop after 2 operations, got: %d", len(results))
	}
	if f.store.Snapshot().Has(memberAddr) {
		t.Error("Expected the member not to be added")
	}
}
