package waterfall

import (
	"context"
	"fmt"
	"sync"

	"github.com/loandocs/cdwaterfall/catalog"
	"github.com/loandocs/cdwaterfall/fields"
)

// EvalContext bundles everything a rule evaluation may read: the loan, the
// document under evaluation (nil for loan-level rules), the field value
// provider, and the current bit-flag state.
type EvalContext struct {
	RunID    string
	Loan     LoanContext
	Document *Document
	Fields   fields.Provider
	Flags    Flags
}

// OwnerID is the identifier field values resolve against: the document when
// one is in scope, otherwise the loan.
func (ec *EvalContext) OwnerID() string {
	if ec.Document != nil {
		return ec.Document.ID
	}
	return ec.Loan.ID
}

// Evaluation is what an evaluator returns for one rule. The executor applies
// the delta, writes the audit entry, and follows the outcome's edge.
type Evaluation struct {
	Outcome  Outcome
	Decision string
	Delta    FlagDelta
	// Escalate requests manual review at this node; traversal stops here.
	Escalate bool
	// Errors are field-level comparison failures. Rule and run references
	// are filled in by the executor.
	Errors []ValidationError
}

// Evaluator is the pluggable per-rule-type evaluation function. This is the
// only place domain comparison logic lives; the engine composes, sequences,
// and audits.
type Evaluator interface {
	Evaluate(ctx context.Context, rule *catalog.Rule, ec *EvalContext) (Evaluation, error)
}

// EvaluatorFunc adapts a function to the Evaluator interface.
type EvaluatorFunc func(ctx context.Context, rule *catalog.Rule, ec *EvalContext) (Evaluation, error)

// Evaluate calls the function.
func (f EvaluatorFunc) Evaluate(ctx context.Context, rule *catalog.Rule, ec *EvalContext) (Evaluation, error) {
	return f(ctx, rule, ec)
}

// Registry resolves evaluators, most specific first: by rule name, then by
// rule type. Thread-safe for concurrent lookups during runs.
type Registry struct {
	byName map[string]Evaluator
	byType map[catalog.RuleType]Evaluator
	mu     sync.RWMutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byName: make(map[string]Evaluator),
		byType: make(map[catalog.RuleType]Evaluator),
	}
}

// RegisterName binds an evaluator to one rule name, overriding any
// type-level binding for that rule.
func (r *Registry) RegisterName(name string, ev Evaluator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byName[name] = ev
}

// RegisterType binds the default evaluator for a rule type.
func (r *Registry) RegisterType(t catalog.RuleType, ev Evaluator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byType[t] = ev
}

// Lookup returns the evaluator for a rule or an error when none is bound.
func (r *Registry) Lookup(rule *catalog.Rule) (Evaluator, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if ev, ok := r.byName[rule.Name]; ok {
		return ev, nil
	}
	if ev, ok := r.byType[rule.Type]; ok {
		return ev, nil
	}
	return nil, fmt.Errorf("no evaluator registered for rule %q (type %s)", rule.Name, rule.Type)
}
