package engine

import (
	"errors"
	"reflect"
	"testing"

	"github.com/rs/zerolog"

	mgmterrors "github.com/cachegrid/cachemgmt/pkg/errors"
	"github.com/cachegrid/cachemgmt/pkg/value"
)

func configured(u ServiceUnit, key string, v value.Value) ServiceUnit {
	u.Config = value.NewObject().Set(key, v)
	return u
}

func names(units []ServiceUnit) []string {
	out := make([]string, len(units))
	for i, u := range units {
		out[i] = u.Name
	}
	return out
}

func TestPlanner_InstallDependenciesFirst(t *testing.T) {
	planner := NewPlanner(zerolog.Nop())
	plan, err := planner.Plan(nil, []ServiceUnit{unit("A", "B"), unit("B")})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(plan.Installs) != 2 {
		t.Fatalf("Expected 2 ranks, got: %d", len(plan.Installs))
	}
	if got := names(plan.Installs[0]); !reflect.DeepEqual(got, []string{"B"}) {
		t.Errorf("Expected B in the first rank, got: %v", got)
	}
	if got := names(plan.Installs[1]); !reflect.DeepEqual(got, []string{"A"}) {
		t.Errorf("Expected A in the second rank, got: %v", got)
	}
	if plan.ID == "" {
		t.Error("Expected a plan ID")
	}
}

func TestPlanner_RemoveDependentsFirst(t *testing.T) {
	planner := NewPlanner(zerolog.Nop())
	plan, err := planner.Plan([]ServiceUnit{unit("B"), unit("A", "B")}, nil)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if got := names(plan.Removals); !reflect.DeepEqual(got, []string{"A", "B"}) {
		t.Errorf("Expected removal order [A B], got: %v", got)
	}
	if len(plan.Installs) != 0 {
		t.Errorf("Expected no installs, got: %v", plan.Installs)
	}
}

func TestPlanner_UnchangedIsEmpty(t *testing.T) {
	units := []ServiceUnit{
		configured(unit("B"), "size", value.Int(1)),
		configured(unit("A", "B"), "size", value.Int(2)),
	}
	plan, err := NewPlanner(zerolog.Nop()).Plan(units, units)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !plan.IsEmpty() {
		t.Errorf("Expected empty plan, got: %+v", plan.Summary())
	}
}

func TestPlanner_ChangedUnitRestartsDependents(t *testing.T) {
	old := []ServiceUnit{
		configured(unit("container"), "size", value.Int(1)),
		unit("cache", "container"),
		unit("other"),
	}
	desired := []ServiceUnit{
		configured(unit("container"), "size", value.Int(2)),
		unit("cache", "container"),
		unit("other"),
	}
	planner := NewPlanner(zerolog.Nop())
	plan, err := planner.Plan(old, desired)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if got := names(plan.Removals); !reflect.DeepEqual(got, []string{"cache", "container"}) {
		t.Errorf("Expected removal order [cache container], got: %v", got)
	}
	if got := plan.InstallNames(); !reflect.DeepEqual(got, []string{"container", "cache"}) {
		t.Errorf("Expected install order [container cache], got: %v", got)
	}

	graph, _ := NewDAGBuilder().BuildGraph(desired)
	diff := planner.ComputeDiff(old, desired, graph)
	if !reflect.DeepEqual(diff.Changed, []string{"container"}) || !reflect.DeepEqual(diff.Restarted, []string{"cache"}) {
		t.Errorf("Expected container changed and cache restarted, got: %+v", diff)
	}
}

func TestPlanner_MissingDependency(t *testing.T) {
	_, err := NewPlanner(zerolog.Nop()).Plan(nil, []ServiceUnit{unit("cache", "transport")})
	if !errors.Is(err, mgmterrors.ErrMissingDependency) {
		t.Fatalf("Expected MISSING_DEPENDENCY, got: %v", err)
	}
}

func TestPlanner_Cycle(t *testing.T) {
	_, err := NewPlanner(zerolog.Nop()).Plan(nil, []ServiceUnit{unit("a", "b"), unit("b", "a")})
	if !errors.Is(err, mgmterrors.ErrDependencyCycle) {
		t.Fatalf("Expected DEPENDENCY_CYCLE, got: %v", err)
	}
}

func TestPlan_StepsAndSummary(t *testing.T) {
	plan, err := NewPlanner(zerolog.Nop()).Plan(
		[]ServiceUnit{unit("gone")},
		[]ServiceUnit{unit("A", "B"), unit("B")},
	)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	steps := plan.Steps()
	if len(steps) != 3 || steps[0].Action != ActionRemove || steps[2].Rank != 1 {
		t.Fatalf("Unexpected steps: %+v", steps)
	}
	summary := plan.Summary()
	if summary.Removals != 1 || summary.Installs != 2 || summary.Ranks != 2 {
		t.Errorf("Unexpected summary: %+v", summary)
	}
}
