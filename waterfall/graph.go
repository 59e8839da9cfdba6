package waterfall

import (
	"sort"

	"github.com/loandocs/cdwaterfall/catalog"
)

type branchKey struct {
	parentID  string
	condition catalog.Condition
}

type rootKey struct {
	subtype catalog.Subtype
	level   catalog.Level
}

// Graph is the rule flow adjacency built from the catalog's flat edge rows.
// It is read-only after BuildGraph and safe to share across concurrent runs.
type Graph struct {
	next     map[branchKey]*catalog.Rule
	roots    map[rootKey][]*catalog.Rule
	maxDepth int
}

// BuildGraph validates the catalog's edge set and assembles the adjacency.
// Every problem here is fatal at load time: a duplicate (parent, condition)
// pair, an edge naming a rule absent from the catalog, or a Pass/Fail cycle
// within a single subtype. Nothing is discovered mid-run.
func BuildGraph(cat *catalog.Catalog) (*Graph, error) {
	g := &Graph{
		next:     make(map[branchKey]*catalog.Rule),
		roots:    make(map[rootKey][]*catalog.Rule),
		maxDepth: cat.RuleCount(),
	}

	hasParent := make(map[string]bool)

	for _, e := range cat.Edges() {
		if !e.Active {
			continue
		}

		if _, ok := cat.Rule(e.ParentID); !ok {
			return nil, &GraphError{
				Kind:      DanglingReference,
				RuleID:    e.ParentID,
				Condition: e.Condition,
				Detail:    "parent rule not in catalog",
			}
		}
		child, ok := cat.Rule(e.ChildID)
		if !ok {
			return nil, &GraphError{
				Kind:      DanglingReference,
				RuleID:    e.ChildID,
				Condition: e.Condition,
				Detail:    "child rule not in catalog",
			}
		}

		key := branchKey{parentID: e.ParentID, condition: e.Condition}
		if _, dup := g.next[key]; dup {
			return nil, &GraphError{
				Kind:      DuplicateBranch,
				RuleID:    e.ParentID,
				Condition: e.Condition,
				Detail:    "more than one active edge for this outcome",
			}
		}
		g.next[key] = child
		// A cross-subtype reference targets a shared gate rule; the gate
		// still roots its own subgraph.
		if parent, _ := cat.Rule(e.ParentID); parent.Subtype == child.Subtype {
			hasParent[e.ChildID] = true
		}
	}

	if err := g.checkCycles(cat); err != nil {
		return nil, err
	}

	// Rules no edge points at are subgraph roots for their subtype and
	// level. Shared gate rules carry no subtype and root their own group.
	for _, r := range cat.Rules() {
		if hasParent[r.ID] {
			continue
		}
		key := rootKey{subtype: r.Subtype, level: r.Level}
		g.roots[key] = append(g.roots[key], r)
	}
	for key := range g.roots {
		rs := g.roots[key]
		sort.SliceStable(rs, func(i, j int) bool {
			if rs[i].ExecOrder != rs[j].ExecOrder {
				return rs[i].ExecOrder < rs[j].ExecOrder
			}
			return rs[i].Name < rs[j].Name
		})
	}

	return g, nil
}

// checkCycles rejects Pass/Fail loops confined to one subtype. Cross-subtype
// references are legal gate hops and are bounded by the executor's depth
// limit instead.
func (g *Graph) checkCycles(cat *catalog.Catalog) error {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, cat.RuleCount())

	adj := func(r *catalog.Rule) []*catalog.Rule {
		var out []*catalog.Rule
		for _, cond := range []catalog.Condition{catalog.ConditionPass, catalog.ConditionFail} {
			if child, ok := g.next[branchKey{parentID: r.ID, condition: cond}]; ok {
				if child.Subtype == r.Subtype {
					out = append(out, child)
				}
			}
		}
		return out
	}

	var visit func(r *catalog.Rule) error
	visit = func(r *catalog.Rule) error {
		state[r.ID] = visiting
		for _, child := range adj(r) {
			switch state[child.ID] {
			case visiting:
				return &GraphError{
					Kind:   Cycle,
					RuleID: child.ID,
					Detail: "rule reachable from itself through Pass/Fail edges",
				}
			case unvisited:
				if err := visit(child); err != nil {
					return err
				}
			}
		}
		state[r.ID] = done
		return nil
	}

	for _, r := range cat.Rules() {
		if state[r.ID] == unvisited {
			if err := visit(r); err != nil {
				return err
			}
		}
	}
	return nil
}

// RootsFor returns the traversal starting points for a subtype and level,
// ordered by execution order.
func (g *Graph) RootsFor(subtype catalog.Subtype, level catalog.Level) []*catalog.Rule {
	return g.roots[rootKey{subtype: subtype, level: level}]
}

// Next returns the rule selected by the outcome at the current rule, or nil
// when the current rule is a leaf for that outcome.
func (g *Graph) Next(current *catalog.Rule, outcome Outcome) *catalog.Rule {
	return g.next[branchKey{parentID: current.ID, condition: catalog.Condition(outcome)}]
}

// MaxDepth is the traversal step bound: the catalog rule count. Exceeding it
// means an undetected cycle.
func (g *Graph) MaxDepth() int {
	return g.maxDepth
}
