package waterfall

import (
	"context"
	"fmt"
	"time"

	"github.com/loandocs/cdwaterfall/catalog"
)

// ExecutionResult is one waterfall traversal: the leaf reached, the flag
// trajectory's end state, and the ordered audit entries and validation
// errors produced along the way. Sequence numbers and entry IDs are
// assigned by the orchestrator when trails from concurrent documents merge.
type ExecutionResult struct {
	Leaf         *catalog.Rule
	Outcome      Outcome
	Decision     string
	PathTypeCode string
	Flags        Flags
	Entries      []AuditEntry
	Errors       []ValidationError
	// Escalated marks a manual-review sentinel: a node asked for review or
	// the depth bound tripped.
	Escalated bool
	Reason    string
}

// Executor walks the flow graph from a root, one rule at a time. Execution
// within a run is strictly sequential: the next rule depends on the previous
// outcome.
type Executor struct {
	graph *Graph
	evals *Registry
	now   func() time.Time
}

// NewExecutor creates an executor over a built graph and evaluator registry.
func NewExecutor(graph *Graph, evals *Registry) *Executor {
	return &Executor{graph: graph, evals: evals, now: time.Now}
}

// Run traverses from root until a leaf, a manual-review sentinel, the depth
// bound, or cancellation. Evaluator failures do not abort the traversal:
// they become a negative outcome plus a validation error, and the walk
// continues down the failure edge. The returned result always carries every
// audit entry written before an error.
func (x *Executor) Run(ctx context.Context, root *catalog.Rule, ec *EvalContext) (*ExecutionResult, error) {
	res := &ExecutionResult{Flags: ec.Flags}
	current := root

	for step := 0; ; step++ {
		// Cancellation is only honored between rules, never mid-evaluation.
		if err := ctx.Err(); err != nil {
			res.Escalated = true
			res.Reason = "run cancelled"
			return res, &ExecError{Kind: Cancelled, Detail: err.Error()}
		}

		if step >= x.graph.MaxDepth() {
			res.Escalated = true
			res.Reason = fmt.Sprintf("traversal exceeded %d steps at rule %q", x.graph.MaxDepth(), current.Name)
			return res, &ExecError{Kind: DepthExceeded, Detail: res.Reason}
		}

		ev := x.evaluate(ctx, current, ec)

		before := res.Flags
		after := before.Apply(ev.Delta)
		res.Flags = after
		ec.Flags = after

		entry := AuditEntry{
			RunID:       ec.RunID,
			RuleID:      current.ID,
			RuleName:    current.Name,
			Outcome:     ev.Outcome,
			Result:      ev.Outcome.Affirmative(),
			Decision:    ev.Decision,
			FlagsBefore: before,
			FlagsAfter:  after,
			At:          x.now(),
		}
		if ec.Document != nil {
			entry.DocumentID = ec.Document.ID
		}
		res.Entries = append(res.Entries, entry)

		for _, ve := range ev.Errors {
			ve.RunID = ec.RunID
			ve.RuleID = current.ID
			ve.RuleName = current.Name
			if ec.Document != nil {
				ve.DocumentID = ec.Document.ID
			}
			res.Errors = append(res.Errors, ve)
		}

		if ev.Escalate {
			res.Leaf = current
			res.Outcome = ev.Outcome
			res.Decision = ev.Decision
			res.Escalated = true
			res.Reason = ev.Decision
			return res, nil
		}

		next := x.graph.Next(current, ev.Outcome)
		if next == nil {
			res.Leaf = current
			res.Outcome = ev.Outcome
			res.Decision = ev.Decision
			if current.PathTypeCode != "" && ev.Outcome.Affirmative() {
				res.PathTypeCode = current.PathTypeCode
			}
			return res, nil
		}
		current = next
	}
}

// evaluate invokes the rule's evaluator and absorbs its errors into a
// negative outcome with an attached validation error, so a single bad rule
// never kills the run.
func (x *Executor) evaluate(ctx context.Context, rule *catalog.Rule, ec *EvalContext) Evaluation {
	evaluator, err := x.evals.Lookup(rule)
	if err == nil {
		var ev Evaluation
		ev, err = evaluator.Evaluate(ctx, rule, ec)
		if err == nil {
			return ev
		}
	}

	return Evaluation{
		Outcome:  negativeOutcome(rule.Type),
		Decision: fmt.Sprintf("%s: evaluation failed: %v", rule.Name, err),
		Errors: []ValidationError{{
			Message: err.Error(),
		}},
	}
}
