package scenario

import (
	"fmt"
	"math"
	"sort"

	"github.com/spinleaf/scenario-engine/internal/predicate"
)

// Validation rule identifiers, reported in structured errors.
const (
	RuleNodeIDs          = "node_ids"
	RuleEdgeEndpoints    = "edge_endpoints"
	RuleTriggerEntry     = "trigger_entry"
	RuleMergeFanIn       = "merge_fanin"
	RuleConditionHandles = "condition_handles"
	RuleSplitWeights     = "split_weights"
	RuleAcyclic          = "acyclic"
	RuleNodeConfig       = "node_config"
)

const weightEpsilon = 1e-6

// ValidationError is one structural violation in a scenario document.
type ValidationError struct {
	Rule    string `json:"rule"`
	NodeID  string `json:"node_id,omitempty"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("%s: %s (node %s)", e.Rule, e.Message, e.NodeID)
	}
	return fmt.Sprintf("%s: %s", e.Rule, e.Message)
}

// Validate checks a scenario's structure. A scenario with a non-empty result
// must not transition to active. Checks run in a fixed order so the first
// reported error is deterministic.
func Validate(s *Scenario) []ValidationError {
	var errs []ValidationError

	nodes := make(map[string]*Node, len(s.Nodes))
	for i := range s.Nodes {
		n := &s.Nodes[i]
		if _, dup := nodes[n.ID]; dup {
			errs = append(errs, ValidationError{RuleNodeIDs, n.ID, "duplicate node id"})
			continue
		}
		nodes[n.ID] = n
	}

	// (a) every node id referenced by an edge exists
	for _, e := range s.Edges {
		if _, ok := nodes[e.Source]; !ok {
			errs = append(errs, ValidationError{RuleEdgeEndpoints, e.Source, "edge source references unknown node"})
		}
		if _, ok := nodes[e.Target]; !ok {
			errs = append(errs, ValidationError{RuleEdgeEndpoints, e.Target, "edge target references unknown node"})
		}
	}

	inDegree := make(map[string]int, len(nodes))
	for _, e := range s.Edges {
		inDegree[e.Target]++
	}

	// (b) in-degree 0 only for triggers; triggers have no incoming edges
	for id, n := range nodes {
		if n.Kind == KindTrigger {
			if inDegree[id] > 0 {
				errs = append(errs, ValidationError{RuleTriggerEntry, id, "trigger node has incoming edges"})
			}
			continue
		}
		if inDegree[id] == 0 {
			errs = append(errs, ValidationError{RuleTriggerEntry, id, "non-trigger node is unreachable (in-degree 0)"})
		}
	}

	// (c) in-degree >1 only for merge nodes
	for id, n := range nodes {
		if inDegree[id] > 1 && !(n.Kind == KindLogic && n.Subtype == LogicMerge) {
			errs = append(errs, ValidationError{RuleMergeFanIn, id,
				fmt.Sprintf("node has %d incoming edges but is not a merge", inDegree[id])})
		}
		if n.Kind == KindLogic && n.Subtype == LogicMerge && inDegree[id] < 2 {
			errs = append(errs, ValidationError{RuleMergeFanIn, id, "merge node needs at least 2 incoming edges"})
		}
	}

	// (d) condition nodes have exactly {yes,no} handles, no duplicates
	for id, n := range nodes {
		if n.Kind != KindLogic || n.Subtype != LogicCondition {
			continue
		}
		seen := map[string]int{}
		for _, e := range s.Outgoing(id) {
			seen[e.SourceHandle]++
		}
		if seen[HandleYes] != 1 || seen[HandleNo] != 1 || len(seen) != 2 {
			errs = append(errs, ValidationError{RuleConditionHandles, id,
				"condition node must have exactly one yes and one no edge"})
		}
	}

	// (e) split weights positive, sum to 1 within epsilon, one edge per handle
	for id, n := range nodes {
		if n.Kind != KindLogic || n.Subtype != LogicSplit {
			continue
		}
		weights, err := n.SplitWeights()
		if err != nil {
			errs = append(errs, ValidationError{RuleSplitWeights, id, err.Error()})
			continue
		}
		sum := 0.0
		for handle, w := range weights {
			if w <= 0 {
				errs = append(errs, ValidationError{RuleSplitWeights, id,
					fmt.Sprintf("weight for branch %q must be positive", handle)})
			}
			sum += w
			if s.OutgoingByHandle(id, handle) == nil {
				errs = append(errs, ValidationError{RuleSplitWeights, id,
					fmt.Sprintf("no outgoing edge for branch %q", handle)})
			}
		}
		if math.Abs(sum-1.0) > weightEpsilon {
			errs = append(errs, ValidationError{RuleSplitWeights, id,
				fmt.Sprintf("weights sum to %g, want 1.0", sum)})
		}
	}

	// (f) acyclicity (ignoring edge labels) via Kahn topological sort
	if cycle := findCycle(nodes, s.Edges); len(cycle) > 0 {
		sort.Strings(cycle)
		errs = append(errs, ValidationError{RuleAcyclic, "",
			fmt.Sprintf("graph contains a cycle involving nodes %v", cycle)})
	}

	// subtype and config shape checks: these are definition errors and must
	// never surface at runtime
	for _, n := range s.Nodes {
		if err := validateNodeConfig(nodes[n.ID]); err != nil {
			errs = append(errs, ValidationError{RuleNodeConfig, n.ID, err.Error()})
		}
	}

	return errs
}

var actionSubtypes = map[string]struct{}{
	ActionEmail: {}, ActionSMS: {}, ActionPush: {}, ActionWebhook: {},
	ActionBonusGrant: {}, ActionSegmentAdd: {}, ActionSegmentRemove: {},
}

func validateNodeConfig(n *Node) error {
	if n == nil {
		return nil
	}
	switch n.Kind {
	case KindTrigger:
		if _, err := n.TriggerEventType(); err != nil {
			return err
		}
		if f := n.TriggerFilter(); f != "" {
			if err := predicate.Compile(f); err != nil {
				return fmt.Errorf("trigger filter: %w", err)
			}
		}
	case KindAction:
		if _, ok := actionSubtypes[n.Subtype]; !ok {
			return fmt.Errorf("unknown action type %q", n.Subtype)
		}
	case KindLogic:
		switch n.Subtype {
		case LogicDelay:
			_, err := n.DelayDuration()
			return err
		case LogicCondition:
			expr, err := n.ConditionPredicate()
			if err != nil {
				return err
			}
			if err := predicate.Compile(expr); err != nil {
				return fmt.Errorf("condition predicate: %w", err)
			}
		case LogicSplit, LogicMerge:
			// split weights are covered by RuleSplitWeights
		default:
			return fmt.Errorf("unknown logic type %q", n.Subtype)
		}
	default:
		return fmt.Errorf("unknown node kind %q", n.Kind)
	}
	return nil
}

// findCycle runs Kahn's algorithm and returns the node ids left over when no
// zero-in-degree node remains, i.e. the participants of at least one cycle.
func findCycle(nodes map[string]*Node, edges []Edge) []string {
	inDegree := make(map[string]int, len(nodes))
	adj := make(map[string][]string, len(nodes))
	for id := range nodes {
		inDegree[id] = 0
	}
	for _, e := range edges {
		if _, ok := nodes[e.Source]; !ok {
			continue
		}
		if _, ok := nodes[e.Target]; !ok {
			continue
		}
		adj[e.Source] = append(adj[e.Source], e.Target)
		inDegree[e.Target]++
	}

	var queue []string
	for id, d := range inDegree {
		if d == 0 {
			queue = append(queue, id)
		}
	}

	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range adj[id] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if visited == len(nodes) {
		return nil
	}
	var cycle []string
	for id, d := range inDegree {
		if d > 0 {
			cycle = append(cycle, id)
		}
	}
	return cycle
}
