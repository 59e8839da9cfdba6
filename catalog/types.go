package catalog

import "time"

// RuleType distinguishes field-comparison rules from branching rules.
type RuleType string

const (
	// TypeData rules compare extracted field values and produce Pass/Fail.
	TypeData RuleType = "data"
	// TypeWaterfall rules are branch points in a waterfall and produce Yes/No.
	TypeWaterfall RuleType = "waterfall"
)

// Subtype identifies which waterfall a rule belongs to.
type Subtype string

const (
	SubtypeInitial Subtype = "Initial"
	SubtypeFinal   Subtype = "Final"
	SubtypePCCD    Subtype = "PCCD"
)

// Level says whether a rule runs once per loan or once per document.
type Level string

const (
	LevelLoan     Level = "Loan"
	LevelDocument Level = "Document"
)

// Condition labels a flow edge with the outcome that selects it.
type Condition string

const (
	ConditionYes  Condition = "Yes"
	ConditionNo   Condition = "No"
	ConditionPass Condition = "Pass"
	ConditionFail Condition = "Fail"
)

// FieldRole says how the evaluator interprets a field bound to a rule.
type FieldRole string

const (
	RoleInput   FieldRole = "Input"
	RoleOutput  FieldRole = "Output"
	RoleCompare FieldRole = "Compare"
	RoleDelta   FieldRole = "Delta"
)

// Rule is a single catalog rule. Rules are immutable once loaded into a
// snapshot; mutations happen in the repository and take effect on refresh.
type Rule struct {
	ID           string
	Name         string
	Type         RuleType
	Subtype      Subtype // empty for shared gate rules
	Level        Level
	ExecOrder    int
	Expression   string // CEL source for data rules, empty otherwise
	FlagMask     uint64 // bit(s) this rule sets on an affirmative outcome
	PathTypeCode string // optional path type assigned when this rule is a leaf
	Active       bool
	CreatedAt    time.Time
	UpdatedAt    time.Time

	// Fields holds the rule's field bindings ordered by position,
	// attached during Load.
	Fields []RuleField
}

// FieldsByRole returns the rule's field identifiers for one role, in
// declaration order.
func (r *Rule) FieldsByRole(role FieldRole) []string {
	var ids []string
	for _, f := range r.Fields {
		if f.Role == role {
			ids = append(ids, f.FieldID)
		}
	}
	return ids
}

// RuleField binds a field identifier to a rule under a role.
type RuleField struct {
	RuleID   string
	FieldID  string
	Role     FieldRole
	Position int
}

// RuleFlowEdge connects a parent rule to the child executed when the parent
// yields the edge's condition.
type RuleFlowEdge struct {
	ParentID  string
	ChildID   string
	Condition Condition
	Position  int
	Active    bool
}

// PathType is a terminal classification code for a resolved document.
// Position orders the tiebreak discriminator chain.
type PathType struct {
	Code     string
	Name     string
	Subtype  Subtype
	Position int
}
