package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spinleaf/scenario-engine/internal/predict"
	"github.com/spinleaf/scenario-engine/internal/scenario"
)

// scenario-lint validates a scenario document without publishing it,
// so campaign authors can catch graph errors before the engine does.
func main() {
	forecast := false
	args := os.Args[1:]
	if len(args) > 0 && args[0] == "-forecast" {
		forecast = true
		args = args[1:]
	}
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: scenario-lint [-forecast] <scenario.json>")
		os.Exit(2)
	}

	data, err := os.ReadFile(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "scenario-lint: %v\n", err)
		os.Exit(2)
	}

	s, err := scenario.Parse(data)
	if err != nil {
		fmt.Fprintf(os.Stderr, "scenario-lint: %v\n", err)
		os.Exit(1)
	}

	if errs := scenario.Validate(s); len(errs) > 0 {
		for _, e := range errs {
			fmt.Fprintf(os.Stderr, "%s\n", e.Error())
		}
		fmt.Fprintf(os.Stderr, "%s: %d validation error(s)\n", s.ID, len(errs))
		os.Exit(1)
	}

	fmt.Printf("%s v%d: %d nodes, %d edges, ok\n", s.ID, s.Version, len(s.Nodes), len(s.Edges))

	if forecast {
		f, err := predict.NewHeuristic().Forecast(context.Background(), s)
		if err != nil {
			fmt.Fprintf(os.Stderr, "scenario-lint: forecast: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("estimated completion rate: %.1f%%\n", f.CompletionRate*100)
		for node, reach := range f.ActionReach {
			fmt.Printf("  action %s: %.1f%% of entrants\n", node, reach*100)
		}
	}
}
