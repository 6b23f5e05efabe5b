package engine

import (
	"fmt"
	"sort"
	"strings"

	mgmterrors "github.com/cachegrid/cachemgmt/pkg/errors"
)

// DAGBuilder builds a directed acyclic graph (DAG) from service units.
// It performs topological sorting and assigns start ranks for parallel installation.
// Dependencies on units outside the builder's set are recorded as external and
// do not constrain ordering.
type DAGBuilder struct {
	// units maps unit names to their units
	units map[string]ServiceUnit

	// order keeps the input order for deterministic traversal
	order []string

	// adjacencyList maps unit names to their in-graph dependents
	adjacencyList map[string][]string

	// reverseAdjacencyList maps unit names to their in-graph dependencies
	reverseAdjacencyList map[string][]string

	// external maps unit names to dependencies outside the graph
	external map[string][]string

	// inDegree tracks the number of incoming edges for each node
	inDegree map[string]int

	// levels maps start rank to unit names at that rank
	levels [][]string
}

// NewDAGBuilder creates a new DAG builder.
func NewDAGBuilder() *DAGBuilder {
	return &DAGBuilder{
		units:                make(map[string]ServiceUnit),
		adjacencyList:        make(map[string][]string),
		reverseAdjacencyList: make(map[string][]string),
		external:             make(map[string][]string),
		inDegree:             make(map[string]int),
		levels:               make([][]string, 0),
	}
}

// BuildGraph constructs an execution graph from service units.
// It detects cycles and computes start ranks.
func (b *DAGBuilder) BuildGraph(units []ServiceUnit) (*ExecutionGraph, error) {
	if len(units) == 0 {
		return &ExecutionGraph{
			Nodes:  make(map[string]*GraphNode),
			Edges:  make([]*GraphEdge, 0),
			Levels: make([][]string, 0),
		}, nil
	}

	if err := b.initialize(units); err != nil {
		return nil, err
	}

	if err := b.detectCycles(); err != nil {
		return nil, err
	}

	if err := b.computeLevels(); err != nil {
		return nil, err
	}

	return b.buildExecutionGraph(), nil
}

// initialize sets up the internal data structures from units.
func (b *DAGBuilder) initialize(units []ServiceUnit) error {
	for _, unit := range units {
		if unit.Name == "" {
			return mgmterrors.Internal(nil, "service unit for %s has an empty name", unit.Resource)
		}
		if _, exists := b.units[unit.Name]; exists {
			return mgmterrors.Internal(nil, "duplicate service unit %s", unit.Name)
		}
		b.units[unit.Name] = unit
		b.order = append(b.order, unit.Name)
		b.adjacencyList[unit.Name] = make([]string, 0)
		b.reverseAdjacencyList[unit.Name] = make([]string, 0)
		b.inDegree[unit.Name] = 0
	}

	for _, name := range b.order {
		for _, dep := range b.units[name].Dependencies {
			if _, exists := b.units[dep]; !exists {
				b.external[name] = append(b.external[name], dep)
				continue
			}
			// Edge from dependency to dependent: the dependency starts first.
			b.adjacencyList[dep] = append(b.adjacencyList[dep], name)
			b.reverseAdjacencyList[name] = append(b.reverseAdjacencyList[name], dep)
			b.inDegree[name]++
		}
	}

	return nil
}

// detectCycles uses depth-first search to detect circular dependencies.
func (b *DAGBuilder) detectCycles() error {
	visited := make(map[string]bool)
	recStack := make(map[string]bool)

	for _, name := range b.order {
		if visited[name] {
			continue
		}
		if cycle := b.detectCyclesUtil(name, visited, recStack, nil); cycle != nil {
			return mgmterrors.Dependency(mgmterrors.CodeDependencyCycle,
				"circular dependency detected: %s", formatCycle(cycle)).
				WithDetail("cycle", cycle)
		}
	}

	return nil
}

// detectCyclesUtil performs DFS over dependents and returns the cycle path, if any.
func (b *DAGBuilder) detectCyclesUtil(
	name string,
	visited map[string]bool,
	recStack map[string]bool,
	path []string,
) []string {
	visited[name] = true
	recStack[name] = true
	path = append(path, name)

	for _, dependent := range b.adjacencyList[name] {
		if !visited[dependent] {
			if cycle := b.detectCyclesUtil(dependent, visited, recStack, path); cycle != nil {
				return cycle
			}
		} else if recStack[dependent] {
			for i, id := range path {
				if id == dependent {
					cycle := append([]string(nil), path[i:]...)
					return append(cycle, dependent)
				}
			}
		}
	}

	recStack[name] = false
	return nil
}

// computeLevels assigns start ranks using Kahn's algorithm.
// Units in the same rank can be installed in parallel.
func (b *DAGBuilder) computeLevels() error {
	inDegreeCopy := make(map[string]int, len(b.inDegree))
	for id, degree := range b.inDegree {
		inDegreeCopy[id] = degree
	}

	currentLevel := make([]string, 0)
	for _, name := range b.order {
		if inDegreeCopy[name] == 0 {
			currentLevel = append(currentLevel, name)
		}
	}

	processedCount := 0
	for len(currentLevel) > 0 {
		sort.Strings(currentLevel)
		b.levels = append(b.levels, currentLevel)
		processedCount += len(currentLevel)

		nextLevel := make([]string, 0)
		for _, name := range currentLevel {
			for _, dependent := range b.adjacencyList[name] {
				inDegreeCopy[dependent]--
				if inDegreeCopy[dependent] == 0 {
					nextLevel = append(nextLevel, dependent)
				}
			}
		}
		currentLevel = nextLevel
	}

	if processedCount != len(b.units) {
		return mgmterrors.Internal(nil, "failed to rank all service units")
	}

	return nil
}

// buildExecutionGraph creates the final ExecutionGraph structure.
func (b *DAGBuilder) buildExecutionGraph() *ExecutionGraph {
	graph := &ExecutionGraph{
		Nodes:  make(map[string]*GraphNode, len(b.units)),
		Edges:  make([]*GraphEdge, 0),
		Levels: make([][]string, len(b.levels)),
	}

	for level, names := range b.levels {
		graph.Levels[level] = append([]string(nil), names...)
		for _, name := range names {
			graph.Nodes[name] = &GraphNode{
				ID:           name,
				Role:         b.units[name].Role,
				Level:        level,
				Dependencies: b.reverseAdjacencyList[name],
				Dependents:   b.adjacencyList[name],
				External:     b.external[name],
			}
		}
	}

	for _, name := range b.order {
		for _, dep := range b.reverseAdjacencyList[name] {
			graph.Edges = append(graph.Edges, &GraphEdge{From: dep, To: name})
		}
	}

	return graph
}

// GetLevels returns the computed start ranks.
func (b *DAGBuilder) GetLevels() [][]string {
	return b.levels
}

// Ranked returns the units grouped by start rank.
func (b *DAGBuilder) Ranked() [][]ServiceUnit {
	out := make([][]ServiceUnit, len(b.levels))
	for i, names := range b.levels {
		for _, name := range names {
			out[i] = append(out[i], b.units[name])
		}
	}
	return out
}

// ToDOT generates a DOT format representation of the DAG for visualization.
// The output can be rendered with Graphviz tools.
func (b *DAGBuilder) ToDOT() string {
	var sb strings.Builder

	sb.WriteString("digraph ServiceGraph {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for level, names := range b.levels {
		sb.WriteString(fmt.Sprintf("  subgraph cluster_rank_%d {\n", level))
		sb.WriteString(fmt.Sprintf("    label=\"Rank %d\";\n", level))
		sb.WriteString("    style=dashed;\n")

		for _, name := range names {
			unit := b.units[name]
			label := fmt.Sprintf("%s\\n%s", name, unit.Role)
			sb.WriteString(fmt.Sprintf("    \"%s\" [label=\"%s\", fillcolor=\"%s\", style=\"filled,rounded\"];\n",
				name, label, roleColor(unit.Role)))
		}

		sb.WriteString("  }\n\n")
	}

	for _, name := range b.order {
		for _, dep := range b.reverseAdjacencyList[name] {
			sb.WriteString(fmt.Sprintf("  \"%s\" -> \"%s\" [style=solid, color=black];\n", dep, name))
		}
		for _, dep := range b.external[name] {
			sb.WriteString(fmt.Sprintf("  \"%s\" -> \"%s\" [style=dotted, color=gray];\n", dep, name))
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

// formatCycle formats a cycle path for error messages.
func formatCycle(cycle []string) string {
	return strings.Join(cycle, " -> ")
}

// roleColor returns a color for visualizing unit roles.
func roleColor(role string) string {
	switch role {
	case "container":
		return "lightblue"
	case "transport", "transport-requirement":
		return "lightyellow"
	case "cache":
		return "lightgreen"
	default:
		return "white"
	}
}

// ValidateGraph performs additional validation on the built graph.
func (b *DAGBuilder) ValidateGraph(graph *ExecutionGraph) error {
	if len(graph.Nodes) != len(b.units) {
		return mgmterrors.Internal(nil, "graph node count mismatch")
	}

	for _, edge := range graph.Edges {
		from, ok := graph.Nodes[edge.From]
		if !ok {
			return mgmterrors.Internal(nil, "edge references non-existent node: %s", edge.From)
		}
		to, ok := graph.Nodes[edge.To]
		if !ok {
			return mgmterrors.Internal(nil, "edge references non-existent node: %s", edge.To)
		}
		if from.Level >= to.Level {
			return mgmterrors.Internal(nil, "unit %s is not ranked after its dependency %s", edge.To, edge.From)
		}
	}

	return nil
}
