package waterfall

import (
	"fmt"

	"github.com/loandocs/cdwaterfall/catalog"
)

// GraphErrorKind classifies fatal catalog problems found at graph build.
type GraphErrorKind int

const (
	// DuplicateBranch means two active edges share a (parent, condition) pair.
	DuplicateBranch GraphErrorKind = iota
	// DanglingReference means an edge names a rule missing from the catalog.
	DanglingReference
	// Cycle means Pass/Fail edges form a loop within one rule subtype.
	Cycle
)

func (k GraphErrorKind) String() string {
	switch k {
	case DuplicateBranch:
		return "duplicate branch"
	case DanglingReference:
		return "dangling reference"
	case Cycle:
		return "cycle"
	}
	return "unknown"
}

// GraphError is a fatal catalog-load error. Runs never start against a
// catalog that fails graph build.
type GraphError struct {
	Kind      GraphErrorKind
	RuleID    string
	Condition catalog.Condition
	Detail    string
}

func (e *GraphError) Error() string {
	if e.Condition != "" {
		return fmt.Sprintf("graph build failed (%s): rule %s condition %s: %s",
			e.Kind, e.RuleID, e.Condition, e.Detail)
	}
	return fmt.Sprintf("graph build failed (%s): rule %s: %s", e.Kind, e.RuleID, e.Detail)
}

// ExecErrorKind classifies per-run fatal execution errors.
type ExecErrorKind int

const (
	// DepthExceeded means traversal visited more nodes than the catalog has
	// rules, which only happens on an undetected cycle.
	DepthExceeded ExecErrorKind = iota
	// Cancelled means the run context was cancelled at a rule boundary.
	Cancelled
	// MissingDocuments means the loan arrived without its document set.
	MissingDocuments
)

func (k ExecErrorKind) String() string {
	switch k {
	case DepthExceeded:
		return "depth exceeded"
	case Cancelled:
		return "cancelled"
	case MissingDocuments:
		return "missing documents"
	}
	return "unknown"
}

// ExecError is a fatal error for a single run. Audit entries written before
// the error are kept and persisted with the run.
type ExecError struct {
	Kind   ExecErrorKind
	Detail string
}

func (e *ExecError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("execution error: %s", e.Kind)
	}
	return fmt.Sprintf("execution error: %s: %s", e.Kind, e.Detail)
}

// Is lets callers match by kind: errors.Is(err, &ExecError{Kind: Cancelled}).
func (e *ExecError) Is(target error) bool {
	t, ok := target.(*ExecError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}
