package engine_test

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/cachegrid/cachemgmt/pkg/engine"
)

func ExampleDAGBuilder() {
	units := []engine.ServiceUnit{
		{Name: "container=web", Role: "container"},
		{Name: "container=web.transport", Role: "transport", Dependencies: []string{"container=web"}},
		{Name: "container=web/local-cache=users", Role: "cache", Dependencies: []string{"container=web"}},
		{Name: "container=web/distributed-cache=sessions", Role: "cache",
			Dependencies: []string{"container=web", "container=web.transport"}},
	}

	builder := engine.NewDAGBuilder()
	if _, err := builder.BuildGraph(units); err != nil {
		fmt.Println("error:", err)
		return
	}
	for rank, names := range builder.GetLevels() {
		fmt.Println(rank, names)
	}
	// Output:
	// 0 [container=web]
	// 1 [container=web.transport container=web/local-cache=users]
	// 2 [container=web/distributed-cache=sessions]
}

func ExamplePlanner_Plan() {
	planner := engine.NewPlanner(zerolog.Nop())
	old := []engine.ServiceUnit{
		{Name: "container=web", Role: "container"},
		{Name: "container=web/local-cache=users", Role: "cache", Dependencies: []string{"container=web"}},
	}
	desired := []engine.ServiceUnit{
		{Name: "container=web", Role: "container"},
	}

	plan, err := planner.Plan(old, desired)
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	for _, step := range plan.Steps() {
		fmt.Println(step.Action, step.Unit.Name)
	}
	// Output:
	// remove container=web/local-cache=users
}
