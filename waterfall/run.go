package waterfall

import "time"

// RunStatus is the lifecycle state of a waterfall run.
type RunStatus string

const (
	StatusPending      RunStatus = "Pending"
	StatusProcessing   RunStatus = "Processing"
	StatusCompleted    RunStatus = "Completed"
	StatusManualReview RunStatus = "ManualReview"
	StatusError        RunStatus = "Error"
)

// TagType is the classification a run assigns to a document.
type TagType string

const (
	TagNone    TagType = ""
	TagInitial TagType = "Initial"
	TagFinal   TagType = "Final"
	TagPCCD    TagType = "PCCD"
)

// Outcome is the result of evaluating one rule. Branch rules answer Yes/No,
// validation rules answer Pass/Fail; both select the next flow edge.
type Outcome string

const (
	OutcomeYes  Outcome = "Yes"
	OutcomeNo   Outcome = "No"
	OutcomePass Outcome = "Pass"
	OutcomeFail Outcome = "Fail"
)

// Affirmative reports whether the outcome is Yes or Pass.
func (o Outcome) Affirmative() bool {
	return o == OutcomeYes || o == OutcomePass
}

// LoanContext identifies the loan under evaluation. Loan-level field values
// resolve against the loan ID.
type LoanContext struct {
	ID string
}

// Document is one Closing Disclosure within a loan's document set. All field
// values beyond the issue date come through the field value provider.
type Document struct {
	ID        string
	LoanID    string
	IssueDate time.Time
}

// WaterfallRun is one processing attempt for a loan. The run and everything
// under it stay in memory until a terminal status is reached, then persist
// to the run repository as a single unit.
type WaterfallRun struct {
	ID         string
	LoanID     string
	Status     RunStatus
	Message    string
	LoanFlags  Flags
	StartedAt  time.Time
	FinishedAt time.Time

	Documents        []DocumentResult
	Audit            []AuditEntry
	ValidationErrors []ValidationError
}

// DocumentResult is the per-document outcome of a run.
type DocumentResult struct {
	DocumentID       string
	Tag              TagType
	PathTypeCode     string
	Flags            Flags
	ValidationPassed bool
}

// AuditEntry records one rule execution. Entries are append-only and
// strictly ordered by Sequence; they are the legal record of why a document
// received its tag.
type AuditEntry struct {
	ID          string // run ID plus zero-padded sequence
	RunID       string
	RuleID      string
	RuleName    string
	Sequence    int
	DocumentID  string // empty for loan-level rules
	Outcome     Outcome
	Result      bool
	Decision    string
	FlagsBefore Flags
	FlagsAfter  Flags
	At          time.Time
}

// ValidationError records a failed field-level comparison. One rule failure
// may produce several of these, one per compared field.
type ValidationError struct {
	RunID      string
	RuleID     string
	RuleName   string
	DocumentID string
	FieldID    string
	Expected   string
	Actual     string
	Delta      string
	Message    string
}
