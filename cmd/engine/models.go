package main

import (
	"fmt"
	"time"

	"github.com/loandocs/cdwaterfall/fields"
	"github.com/loandocs/cdwaterfall/waterfall"
)

// API request and response models

// DocumentPayload identifies one CD document in an execute request.
type DocumentPayload struct {
	ID        string    `json:"id"`
	IssueDate time.Time `json:"issueDate"`
}

// FieldValuePayload is one extracted field value. Kind selects which of the
// value fields is meaningful.
type FieldValuePayload struct {
	Kind   string     `json:"kind"` // "number", "date", "text"
	Number *float64   `json:"number,omitempty"`
	Date   *time.Time `json:"date,omitempty"`
	Text   *string    `json:"text,omitempty"`
}

// Value converts the payload to an engine field value.
func (p FieldValuePayload) Value() (fields.Value, error) {
	switch p.Kind {
	case "number":
		if p.Number == nil {
			return fields.Value{}, fmt.Errorf("number value missing")
		}
		return fields.Number(*p.Number), nil
	case "date":
		if p.Date == nil {
			return fields.Value{}, fmt.Errorf("date value missing")
		}
		return fields.Date(*p.Date), nil
	case "text":
		if p.Text == nil {
			return fields.Value{}, fmt.Errorf("text value missing")
		}
		return fields.Text(*p.Text), nil
	}
	return fields.Value{}, fmt.Errorf("unknown field kind %q", p.Kind)
}

// LoanPayload is one loan's documents and extracted field values, keyed
// owner (loan or document ID) -> field identifier -> value.
type LoanPayload struct {
	LoanID      string                                  `json:"loanId"`
	Documents   []DocumentPayload                       `json:"documents"`
	FieldValues map[string]map[string]FieldValuePayload `json:"fieldValues"`
}

// ExecuteRequest runs the waterfall for a single loan.
type ExecuteRequest = LoanPayload

// BatchRequest runs the waterfall for several loans across the worker pool.
type BatchRequest struct {
	Loans []LoanPayload `json:"loans"`
}

// AuditEntryResponse is one audit trail row.
type AuditEntryResponse struct {
	Sequence    int       `json:"sequence"`
	RuleName    string    `json:"ruleName"`
	DocumentID  string    `json:"documentId,omitempty"`
	Outcome     string    `json:"outcome"`
	Result      bool      `json:"result"`
	Decision    string    `json:"decision"`
	FlagsBefore uint64    `json:"flagsBefore"`
	FlagsAfter  uint64    `json:"flagsAfter"`
	At          time.Time `json:"at"`
}

// DocumentResultResponse is one document's outcome.
type DocumentResultResponse struct {
	DocumentID       string `json:"documentId"`
	Tag              string `json:"tag"`
	PathTypeCode     string `json:"pathTypeCode,omitempty"`
	Flags            uint64 `json:"flags"`
	ValidationPassed bool   `json:"validationPassed"`
}

// ValidationErrorResponse is one recorded field-comparison failure.
type ValidationErrorResponse struct {
	RuleName   string `json:"ruleName"`
	DocumentID string `json:"documentId,omitempty"`
	FieldID    string `json:"fieldId,omitempty"`
	Expected   string `json:"expected,omitempty"`
	Actual     string `json:"actual,omitempty"`
	Delta      string `json:"delta,omitempty"`
	Message    string `json:"message"`
}

// RunResponse is a terminal waterfall run.
type RunResponse struct {
	ID               string                    `json:"id"`
	LoanID           string                    `json:"loanId"`
	Status           string                    `json:"status"`
	Message          string                    `json:"message,omitempty"`
	LoanFlags        uint64                    `json:"loanFlags"`
	StartedAt        time.Time                 `json:"startedAt"`
	FinishedAt       time.Time                 `json:"finishedAt"`
	Documents        []DocumentResultResponse  `json:"documents"`
	AuditTrail       []AuditEntryResponse      `json:"auditTrail"`
	ValidationErrors []ValidationErrorResponse `json:"validationErrors,omitempty"`
}

func runResponse(run *waterfall.WaterfallRun) RunResponse {
	resp := RunResponse{
		ID:         run.ID,
		LoanID:     run.LoanID,
		Status:     string(run.Status),
		Message:    run.Message,
		LoanFlags:  uint64(run.LoanFlags),
		StartedAt:  run.StartedAt,
		FinishedAt: run.FinishedAt,
	}
	for _, dr := range run.Documents {
		resp.Documents = append(resp.Documents, DocumentResultResponse{
			DocumentID:       dr.DocumentID,
			Tag:              string(dr.Tag),
			PathTypeCode:     dr.PathTypeCode,
			Flags:            uint64(dr.Flags),
			ValidationPassed: dr.ValidationPassed,
		})
	}
	for _, e := range run.Audit {
		resp.AuditTrail = append(resp.AuditTrail, AuditEntryResponse{
			Sequence:    e.Sequence,
			RuleName:    e.RuleName,
			DocumentID:  e.DocumentID,
			Outcome:     string(e.Outcome),
			Result:      e.Result,
			Decision:    e.Decision,
			FlagsBefore: uint64(e.FlagsBefore),
			FlagsAfter:  uint64(e.FlagsAfter),
			At:          e.At,
		})
	}
	for _, ve := range run.ValidationErrors {
		resp.ValidationErrors = append(resp.ValidationErrors, ValidationErrorResponse{
			RuleName:   ve.RuleName,
			DocumentID: ve.DocumentID,
			FieldID:    ve.FieldID,
			Expected:   ve.Expected,
			Actual:     ve.Actual,
			Delta:      ve.Delta,
			Message:    ve.Message,
		})
	}
	return resp
}
