// Package predict estimates how a scenario's population will flow
// through its graph before the campaign is launched. Estimates are
// deterministic so repeated forecasts of the same version agree.
package predict

import (
	"context"
	"fmt"
	"hash/fnv"

	"github.com/spinleaf/scenario-engine/internal/scenario"
)

// Forecast is the projected flow for one scenario version. Reach values
// are fractions of the entering population, 1.0 at the trigger.
type Forecast struct {
	ScenarioID     string             `json:"scenarioId"`
	Version        int                `json:"version"`
	NodeReach      map[string]float64 `json:"nodeReach"`
	ActionReach    map[string]float64 `json:"actionReach"`
	CompletionRate float64            `json:"completionRate"`
}

// Predictor produces forecasts. The engine ships a heuristic
// implementation; a model-backed one can replace it behind this
// interface.
type Predictor interface {
	Forecast(ctx context.Context, sc *scenario.Scenario) (*Forecast, error)
}

// Heuristic propagates probability mass from the trigger: splits divide
// by configured weights, conditions by a stable per-node estimate, and
// everything else passes mass through.
type Heuristic struct{}

func NewHeuristic() *Heuristic { return &Heuristic{} }

func (h *Heuristic) Forecast(ctx context.Context, sc *scenario.Scenario) (*Forecast, error) {
	triggers := sc.Triggers()
	if len(triggers) == 0 {
		return nil, fmt.Errorf("scenario %s has no trigger", sc.ID)
	}

	reach := make(map[string]float64, len(sc.Nodes))
	for _, t := range triggers {
		reach[t.ID] = 1.0 / float64(len(triggers))
	}

	// nodes are processed in topological order; published scenarios are
	// acyclic so Kahn's ordering always covers the graph
	order, err := topoOrder(sc)
	if err != nil {
		return nil, err
	}

	completion := 0.0
	for _, id := range order {
		node := sc.NodeByID(id)
		mass := reach[id]
		if mass == 0 {
			continue
		}

		out := sc.Outgoing(id)
		if len(out) == 0 {
			completion += mass
			continue
		}

		switch {
		case node.Kind == scenario.KindLogic && node.Subtype == scenario.LogicCondition:
			yes := conditionRate(sc.ID, id)
			for _, e := range out {
				if e.SourceHandle == scenario.HandleYes {
					reach[e.Target] += mass * yes
				} else {
					reach[e.Target] += mass * (1 - yes)
				}
			}
		case node.Kind == scenario.KindLogic && node.Subtype == scenario.LogicSplit:
			weights, err := node.SplitWeights()
			if err != nil {
				return nil, err
			}
			var total float64
			for _, w := range weights {
				total += w
			}
			for _, e := range out {
				if total > 0 {
					reach[e.Target] += mass * weights[e.SourceHandle] / total
				}
			}
		default:
			reach[out[0].Target] += mass
		}
	}

	actions := make(map[string]float64)
	for _, n := range sc.Nodes {
		if n.Kind == scenario.KindAction {
			actions[n.ID] = reach[n.ID]
		}
	}

	return &Forecast{
		ScenarioID:     sc.ID,
		Version:        sc.Version,
		NodeReach:      reach,
		ActionReach:    actions,
		CompletionRate: completion,
	}, nil
}

// conditionRate is a stable yes-rate estimate in [0.3, 0.7] derived
// from the (scenario, node) pair, pending observed outcomes.
func conditionRate(scenarioID, nodeID string) float64 {
	h := fnv.New32a()
	h.Write([]byte(scenarioID))
	h.Write([]byte{'#'})
	h.Write([]byte(nodeID))
	return 0.3 + float64(h.Sum32()%4000)/10000.0
}

func topoOrder(sc *scenario.Scenario) ([]string, error) {
	indegree := make(map[string]int, len(sc.Nodes))
	for _, n := range sc.Nodes {
		indegree[n.ID] = 0
	}
	for _, e := range sc.Edges {
		indegree[e.Target]++
	}

	var queue []string
	for _, n := range sc.Nodes {
		if indegree[n.ID] == 0 {
			queue = append(queue, n.ID)
		}
	}

	var order []string
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)
		for _, e := range sc.Outgoing(id) {
			indegree[e.Target]--
			if indegree[e.Target] == 0 {
				queue = append(queue, e.Target)
			}
		}
	}
	if len(order) != len(sc.Nodes) {
		return nil, fmt.Errorf("scenario %s graph is cyclic", sc.ID)
	}
	return order, nil
}
