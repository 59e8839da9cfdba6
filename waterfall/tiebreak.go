package waterfall

import (
	"context"
	"fmt"

	"github.com/loandocs/cdwaterfall/catalog"
	"github.com/loandocs/cdwaterfall/fields"
)

// Well-known field identifiers the tiebreak discriminators read. These are
// extraction-side identifiers, not engine semantics.
const (
	FieldClosingDate    = "ClosingDate"
	FieldSigningDate    = "SigningDate"
	FieldLoanAmount     = "LoanAmount"
	FieldSignatureCount = "SignatureCount"
	FieldSignatureDate  = "SignatureDate"
)

// Resolution is the tiebreak outcome: exactly one winner with a path type,
// or a manual-review escalation naming the discriminator that stalled.
type Resolution struct {
	Winner       *Document
	PathTypeCode string
	ManualReview bool
	Reason       string
}

// discriminator narrows a same-issue-date group. It returns the members
// that satisfy it; the chain either isolates one winner or escalates.
type discriminator struct {
	name  string
	apply func(r *Resolver, ctx context.Context, loan LoanContext, group []Document) ([]Document, string)
}

// discriminators maps catalog path-type codes to their matcher. The catalog
// decides order (path_types.position); the engine only supplies behavior.
var discriminators = map[string]discriminator{
	"4a": {name: "closing date and signing date match", apply: (*Resolver).matchDates},
	"4d": {name: "latest issue date", apply: (*Resolver).matchLatestIssue},
	"4c": {name: "key data point match", apply: (*Resolver).matchKeyData},
	"4b": {name: "signature", apply: (*Resolver).matchSignature},
}

// signatureFailCode is the path type recorded when the signature
// discriminator finds no signed document at all.
const signatureFailCode = "2"

// Resolver applies the catalog-ordered discriminator chain to a group of
// documents sharing an issue date. Resolve is total: it always returns a
// winner or a manual review, and the chain length bounds the work.
type Resolver struct {
	fields fields.Provider
	steps  []resolverStep
}

type resolverStep struct {
	code string
	disc discriminator
}

// NewResolver builds the chain from the catalog's PCCD path types in
// position order. Codes without a registered matcher (terminal failure
// codes) are not chain steps.
func NewResolver(cat *catalog.Catalog, provider fields.Provider) *Resolver {
	r := &Resolver{fields: provider}
	for _, p := range cat.PathTypes(catalog.SubtypePCCD) {
		if d, ok := discriminators[p.Code]; ok {
			r.steps = append(r.steps, resolverStep{code: p.Code, disc: d})
		}
	}
	return r
}

// Resolve narrows the group discriminator by discriminator. A step that
// matches exactly one member decides the winner with that step's path type.
// A step that matches nobody, or a group still ambiguous after the last
// step, escalates to manual review citing the discriminator reached.
func (r *Resolver) Resolve(ctx context.Context, group []Document, loan LoanContext) Resolution {
	if len(group) == 0 {
		return Resolution{ManualReview: true, Reason: "no documents in tiebreak group"}
	}
	if len(r.steps) == 0 {
		return Resolution{ManualReview: true, Reason: "no tiebreak discriminators configured"}
	}

	remaining := group
	var last resolverStep
	for _, step := range r.steps {
		last = step
		matches, code := step.disc.apply(r, ctx, loan, remaining)
		if code == "" {
			code = step.code
		}

		switch len(matches) {
		case 1:
			winner := matches[0]
			return Resolution{Winner: &winner, PathTypeCode: code}
		case 0:
			res := Resolution{
				ManualReview: true,
				Reason:       fmt.Sprintf("no document satisfied the %s discriminator", step.disc.name),
			}
			if step.code == "4b" {
				res.PathTypeCode = signatureFailCode
			}
			return res
		default:
			remaining = matches
		}
	}

	return Resolution{
		ManualReview: true,
		Reason: fmt.Sprintf("%d documents still tied after the %s discriminator",
			len(remaining), last.disc.name),
	}
}

// dateField reads a date field for an owner; absent or mistyped reads count
// as no value.
func (r *Resolver) dateField(ctx context.Context, ownerID, fieldID string) (fields.Value, bool) {
	v, ok, err := r.fields.Value(ctx, ownerID, fieldID)
	if err != nil || !ok || v.Kind != fields.KindDate {
		return fields.Value{}, false
	}
	return v, true
}

func (r *Resolver) numberField(ctx context.Context, ownerID, fieldID string) (float64, bool) {
	v, ok, err := r.fields.Value(ctx, ownerID, fieldID)
	if err != nil || !ok || v.Kind != fields.KindNumber {
		return 0, false
	}
	return v.Number, true
}

// matchDates keeps documents whose closing date equals their signing date.
func (r *Resolver) matchDates(ctx context.Context, loan LoanContext, group []Document) ([]Document, string) {
	var matches []Document
	for _, doc := range group {
		closing, ok1 := r.dateField(ctx, doc.ID, FieldClosingDate)
		signing, ok2 := r.dateField(ctx, doc.ID, FieldSigningDate)
		if ok1 && ok2 && closing.Date.Equal(signing.Date) {
			matches = append(matches, doc)
		}
	}
	return matches, ""
}

// matchLatestIssue keeps the most recently issued documents. Within a
// same-issue-date group this passes everyone through; it discriminates when
// the chain is reused over a mixed-date group.
func (r *Resolver) matchLatestIssue(ctx context.Context, loan LoanContext, group []Document) ([]Document, string) {
	latest := group[0].IssueDate
	for _, doc := range group[1:] {
		if doc.IssueDate.After(latest) {
			latest = doc.IssueDate
		}
	}
	var matches []Document
	for _, doc := range group {
		if doc.IssueDate.Equal(latest) {
			matches = append(matches, doc)
		}
	}
	return matches, ""
}

// matchKeyData keeps documents whose key data point agrees with the loan.
func (r *Resolver) matchKeyData(ctx context.Context, loan LoanContext, group []Document) ([]Document, string) {
	expected, ok := r.numberField(ctx, loan.ID, FieldLoanAmount)
	if !ok {
		// Loan side absent: the data point cannot discriminate, pass
		// everyone to the next step.
		return group, ""
	}
	var matches []Document
	for _, doc := range group {
		actual, ok := r.numberField(ctx, doc.ID, FieldLoanAmount)
		if ok && actual == expected {
			matches = append(matches, doc)
		}
	}
	return matches, ""
}

// matchSignature keeps signed documents. Several signed documents narrow
// further by most recent signature date.
func (r *Resolver) matchSignature(ctx context.Context, loan LoanContext, group []Document) ([]Document, string) {
	var signed []Document
	for _, doc := range group {
		count, ok := r.numberField(ctx, doc.ID, FieldSignatureCount)
		if ok && count >= 1 {
			signed = append(signed, doc)
		}
	}
	if len(signed) <= 1 {
		return signed, ""
	}

	// Signature recency: keep the documents signed last.
	var withDate []Document
	var latest fields.Value
	for _, doc := range signed {
		at, ok := r.dateField(ctx, doc.ID, FieldSignatureDate)
		if !ok {
			continue
		}
		if len(withDate) == 0 || at.Date.After(latest.Date) {
			latest = at
			withDate = []Document{doc}
		} else if at.Date.Equal(latest.Date) {
			withDate = append(withDate, doc)
		}
	}
	if len(withDate) == 0 {
		return signed, ""
	}
	return withDate, ""
}
