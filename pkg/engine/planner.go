package engine

import (
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	mgmterrors "github.com/cachegrid/cachemgmt/pkg/errors"
)

// UnitDiff classifies units between two unit sets.
type UnitDiff struct {
	// Added are units only in the new set.
	Added []string

	// Removed are units only in the old set.
	Removed []string

	// Changed are units in both sets whose definition differs.
	Changed []string

	// Restarted are unchanged units that transitively depend on a changed unit.
	Restarted []string
}

// IsEmpty reports whether the sets are equivalent.
func (d *UnitDiff) IsEmpty() bool {
	return len(d.Added)+len(d.Removed)+len(d.Changed)+len(d.Restarted) == 0
}

// Planner computes the service plan between two unit sets.
type Planner struct {
	logger zerolog.Logger
}

// NewPlanner creates a planner.
func NewPlanner(logger zerolog.Logger) *Planner {
	return &Planner{logger: logger.With().Str("component", "planner").Logger()}
}

// Plan computes the removals and installs that move the runtime from the old
// unit set to the new one. Changed units are restarted together with every
// unit that transitively depends on them.
func (p *Planner) Plan(old, desired []ServiceUnit) (*Plan, error) {
	graph, err := NewDAGBuilder().BuildGraph(desired)
	if err != nil {
		return nil, err
	}
	if err := checkExternal(graph); err != nil {
		return nil, err
	}

	diff := p.ComputeDiff(old, desired, graph)

	oldByName := indexUnits(old)
	newByName := indexUnits(desired)

	var removals, installs []ServiceUnit
	for _, names := range [][]string{diff.Removed, diff.Changed, diff.Restarted} {
		for _, name := range names {
			removals = append(removals, oldByName[name])
		}
	}
	for _, names := range [][]string{diff.Added, diff.Changed, diff.Restarted} {
		for _, name := range names {
			installs = append(installs, newByName[name])
		}
	}

	plan := &Plan{
		ID:        uuid.New().String(),
		CreatedAt: time.Now(),
	}

	removalBuilder := NewDAGBuilder()
	if _, err := removalBuilder.BuildGraph(removals); err != nil {
		return nil, err
	}
	ranked := removalBuilder.Ranked()
	for i := len(ranked) - 1; i >= 0; i-- {
		plan.Removals = append(plan.Removals, ranked[i]...)
	}

	installBuilder := NewDAGBuilder()
	installGraph, err := installBuilder.BuildGraph(installs)
	if err != nil {
		return nil, err
	}
	if err := installBuilder.ValidateGraph(installGraph); err != nil {
		return nil, err
	}
	plan.Installs = installBuilder.Ranked()
	plan.Graph = installGraph

	p.logger.Debug().
		Str("plan_id", plan.ID).
		Strs("added", diff.Added).
		Strs("removed", diff.Removed).
		Strs("changed", diff.Changed).
		Strs("restarted", diff.Restarted).
		Msg("Service plan computed")

	return plan, nil
}

// ComputeDiff classifies units by name. graph must be the dependency graph of desired.
func (p *Planner) ComputeDiff(old, desired []ServiceUnit, graph *ExecutionGraph) *UnitDiff {
	diff := &UnitDiff{}
	oldByName := indexUnits(old)
	newByName := indexUnits(desired)

	for _, u := range desired {
		prev, ok := oldByName[u.Name]
		switch {
		case !ok:
			diff.Added = append(diff.Added, u.Name)
		case !prev.sameDefinition(u):
			diff.Changed = append(diff.Changed, u.Name)
		}
	}
	for _, u := range old {
		if _, ok := newByName[u.Name]; !ok {
			diff.Removed = append(diff.Removed, u.Name)
		}
	}

	// Restart every unchanged unit downstream of a changed one.
	affected := make(map[string]bool)
	queue := append([]string(nil), diff.Changed...)
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		node, ok := graph.Nodes[name]
		if !ok {
			continue
		}
		for _, dependent := range node.Dependents {
			if affected[dependent] {
				continue
			}
			affected[dependent] = true
			queue = append(queue, dependent)
		}
	}
	changed := toSet(diff.Changed)
	for name := range affected {
		if _, existed := oldByName[name]; existed && !changed[name] {
			diff.Restarted = append(diff.Restarted, name)
		}
	}
	sort.Strings(diff.Restarted)

	return diff
}

// checkExternal fails when any unit depends on a unit outside the graph.
func checkExternal(graph *ExecutionGraph) error {
	names := make([]string, 0, len(graph.Nodes))
	for name := range graph.Nodes {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if ext := graph.Nodes[name].External; len(ext) > 0 {
			return mgmterrors.Dependency(mgmterrors.CodeMissingDependency,
				"service %s depends on %s, which is neither active nor being installed", name, ext[0]).
				WithDetail("unit", name).
				WithDetail("dependency", ext[0])
		}
	}
	return nil
}

func indexUnits(units []ServiceUnit) map[string]ServiceUnit {
	out := make(map[string]ServiceUnit, len(units))
	for _, u := range units {
		out[u.Name] = u
	}
	return out
}

func toSet(names []string) map[string]bool {
	out := make(map[string]bool, len(names))
	for _, n := range names {
		out[n] = true
	}
	return out
}
