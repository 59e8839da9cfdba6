package waterfall

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/loandocs/cdwaterfall/catalog"
	"github.com/loandocs/cdwaterfall/fields"
)

// CELEvaluator evaluates catalog rules whose comparison logic is a CEL
// expression over the rule's bound field values and the current flag state.
// Expressions see two variables: Fields (map of field ID to value) and
// Flags (the current bit-flag state as uint).
//
// Input-role fields resolve against the evaluation owner (document or loan);
// Compare- and Delta-role fields resolve against the loan, which carries the
// expected side of a comparison.
type CELEvaluator struct {
	env      *cel.Env
	programs map[string]cel.Program
	mu       sync.RWMutex
}

// NewCELEvaluator compiles every active expression-bearing rule in the
// catalog. Compilation failures are fatal here, never mid-run.
func NewCELEvaluator(cat *catalog.Catalog) (*CELEvaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("Fields", cel.DynType),
		cel.Variable("Flags", cel.UintType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	e := &CELEvaluator{
		env:      env,
		programs: make(map[string]cel.Program),
	}

	for _, r := range cat.Rules() {
		if r.Expression == "" {
			continue
		}
		if err := e.compile(r.ID, r.Expression); err != nil {
			return nil, fmt.Errorf("failed to compile rule %q: %w", r.Name, err)
		}
	}

	return e, nil
}

func (e *CELEvaluator) compile(ruleID, expression string) error {
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return fmt.Errorf("compile error: %w", issues.Err())
	}

	// Cost limit guards against runaway expressions from a bad catalog row.
	prog, err := e.env.Program(ast,
		cel.EvalOptions(cel.OptTrackState),
		cel.CostLimit(1000000),
	)
	if err != nil {
		return fmt.Errorf("program creation error: %w", err)
	}

	e.mu.Lock()
	e.programs[ruleID] = prog
	e.mu.Unlock()

	return nil
}

// Evaluate runs the rule's compiled program. A missing Input field is an
// error (the executor converts it to a Fail outcome with a validation
// error); a missing Compare field simply compares as absent. A non-boolean
// expression result is treated as a negative outcome.
func (e *CELEvaluator) Evaluate(ctx context.Context, rule *catalog.Rule, ec *EvalContext) (Evaluation, error) {
	e.mu.RLock()
	prog, ok := e.programs[rule.ID]
	e.mu.RUnlock()
	if !ok {
		return Evaluation{}, fmt.Errorf("rule %q has no compiled program", rule.Name)
	}

	factMap := make(map[string]any)

	inputs := rule.FieldsByRole(catalog.RoleInput)
	for _, fieldID := range inputs {
		v, present, err := ec.Fields.Value(ctx, ec.OwnerID(), fieldID)
		if err != nil {
			return Evaluation{}, fmt.Errorf("failed to read field %s: %w", fieldID, err)
		}
		if !present {
			return Evaluation{}, fmt.Errorf("required field %s absent for %s", fieldID, ec.OwnerID())
		}
		factMap[fieldID] = v.Native()
	}

	for _, role := range []catalog.FieldRole{catalog.RoleCompare, catalog.RoleDelta} {
		for _, fieldID := range rule.FieldsByRole(role) {
			v, present, err := ec.Fields.Value(ctx, ec.Loan.ID, fieldID)
			if err != nil {
				return Evaluation{}, fmt.Errorf("failed to read field %s: %w", fieldID, err)
			}
			if present {
				factMap[fieldID] = v.Native()
			}
		}
	}

	out, _, err := prog.Eval(map[string]any{
		"Fields": factMap,
		"Flags":  uint64(ec.Flags),
	})
	if err != nil {
		return Evaluation{}, fmt.Errorf("evaluation of rule %q failed: %w", rule.Name, err)
	}

	matched := false
	if b, ok := out.Value().(bool); ok {
		matched = b
	}

	ev := Evaluation{}
	if matched {
		ev.Outcome = affirmativeOutcome(rule.Type)
		ev.Decision = fmt.Sprintf("%s: %s", rule.Name, ev.Outcome)
		ev.Delta = FlagDelta{Set: rule.FlagMask}
		return ev, nil
	}

	ev.Outcome = negativeOutcome(rule.Type)
	ev.Decision = fmt.Sprintf("%s: %s", rule.Name, ev.Outcome)
	if rule.Type == catalog.TypeData {
		ev.Errors = e.compareErrors(ctx, rule, ec)
	}
	return ev, nil
}

// compareErrors pairs Input fields with Compare fields positionally and
// records expected/actual/delta for each mismatch on a failed data rule.
func (e *CELEvaluator) compareErrors(ctx context.Context, rule *catalog.Rule, ec *EvalContext) []ValidationError {
	inputs := rule.FieldsByRole(catalog.RoleInput)
	compares := rule.FieldsByRole(catalog.RoleCompare)

	var errs []ValidationError
	for i, fieldID := range inputs {
		if i >= len(compares) {
			break
		}
		actual, aOK, aErr := ec.Fields.Value(ctx, ec.OwnerID(), fieldID)
		expected, eOK, eErr := ec.Fields.Value(ctx, ec.Loan.ID, compares[i])
		if aErr != nil || eErr != nil || !aOK || !eOK {
			continue
		}
		if actual.Equal(expected) {
			continue
		}
		ve := ValidationError{
			FieldID:  fieldID,
			Expected: expected.String(),
			Actual:   actual.String(),
			Message:  fmt.Sprintf("%s: %s does not match %s", rule.Name, fieldID, compares[i]),
		}
		if actual.Kind == fields.KindNumber && expected.Kind == fields.KindNumber {
			ve.Delta = fmt.Sprintf("%g", actual.Number-expected.Number)
		}
		errs = append(errs, ve)
	}
	return errs
}

func affirmativeOutcome(t catalog.RuleType) Outcome {
	if t == catalog.TypeWaterfall {
		return OutcomeYes
	}
	return OutcomePass
}

func negativeOutcome(t catalog.RuleType) Outcome {
	if t == catalog.TypeWaterfall {
		return OutcomeNo
	}
	return OutcomeFail
}
