package waterfall

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loandocs/cdwaterfall/catalog"
	"github.com/loandocs/cdwaterfall/fields"
)

const (
	loanCheckBit  = 0x100
	initialTagBit = 0x1
	finalTagBit   = 0x2
	pccdTagBit    = 0x4
)

// orchestratorCatalog holds one document-level root per subtype plus a
// loan-level check, and the standard PCCD path types for the resolver.
func orchestratorCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	store := catalog.NewInMemoryStore()
	store.Rules = []*catalog.Rule{
		mkRule("r-loan", "LoanCheckBit", catalog.TypeData, catalog.SubtypeInitial, catalog.LevelLoan, 1),
		mkRule("r-init", "InitialCDBit", catalog.TypeWaterfall, catalog.SubtypeInitial, catalog.LevelDocument, 1),
		mkRule("r-final", "FinalCDBit", catalog.TypeWaterfall, catalog.SubtypeFinal, catalog.LevelDocument, 1),
		mkRule("r-pccd", "PCCDBit", catalog.TypeWaterfall, catalog.SubtypePCCD, catalog.LevelDocument, 1),
	}
	store.Rules[3].PathTypeCode = "3"
	store.PathTypes = []catalog.PathType{
		{Code: "4a", Name: "Closing Date and SI Signing Date match", Subtype: catalog.SubtypePCCD, Position: 1},
		{Code: "4d", Name: "Latest issued CD", Subtype: catalog.SubtypePCCD, Position: 2},
		{Code: "4c", Name: "Key data point match", Subtype: catalog.SubtypePCCD, Position: 3},
		{Code: "4b", Name: "Only 1 signed CD", Subtype: catalog.SubtypePCCD, Position: 4},
		{Code: "2", Name: "All CDs failing 3 Dates Test and Not signed", Subtype: catalog.SubtypePCCD, Position: 5},
	}
	cat, err := catalog.Load(context.Background(), store)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	return cat
}

// yesForDocs tags the listed documents with the given bit, everything else
// answers No.
func yesForDocs(ids map[string]bool, setBit uint64) EvaluatorFunc {
	return func(ctx context.Context, rule *catalog.Rule, ec *EvalContext) (Evaluation, error) {
		if ec.Document != nil && ids[ec.Document.ID] {
			return Evaluation{Outcome: OutcomeYes, Delta: FlagDelta{Set: setBit}}, nil
		}
		return Evaluation{Outcome: OutcomeNo}, nil
	}
}

func loanCheckEvaluator() EvaluatorFunc {
	return func(ctx context.Context, rule *catalog.Rule, ec *EvalContext) (Evaluation, error) {
		return Evaluation{Outcome: OutcomePass, Delta: FlagDelta{Set: loanCheckBit}}, nil
	}
}

func newTestOrchestrator(t *testing.T, cat *catalog.Catalog, reg *Registry, provider fields.Provider) *Orchestrator {
	t.Helper()
	g, err := BuildGraph(cat)
	if err != nil {
		t.Fatalf("BuildGraph() failed: %v", err)
	}
	o := NewOrchestrator(cat, g, reg, provider)
	fixed := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	o.now = func() time.Time { return fixed }
	o.exec.now = o.now
	return o
}

func day(d int) time.Time {
	return time.Date(2026, 1, d, 0, 0, 0, 0, time.UTC)
}

func TestOrchestratorTagsLifecycle(t *testing.T) {
	cat := orchestratorCatalog(t)
	reg := NewRegistry()
	reg.RegisterName("LoanCheckBit", loanCheckEvaluator())
	reg.RegisterName("InitialCDBit", yesForDocs(map[string]bool{"d1": true}, initialTagBit))
	reg.RegisterName("FinalCDBit", yesForDocs(map[string]bool{"d1": true, "d2": true}, finalTagBit))
	reg.RegisterName("PCCDBit", yesForDocs(map[string]bool{"d3": true}, pccdTagBit))

	o := newTestOrchestrator(t, cat, reg, fields.NewMapProvider())
	docs := []Document{
		{ID: "d1", LoanID: "loan-1", IssueDate: day(1)},
		{ID: "d2", LoanID: "loan-1", IssueDate: day(10)},
		{ID: "d3", LoanID: "loan-1", IssueDate: day(20)},
	}

	run := o.Execute(context.Background(), LoanContext{ID: "loan-1"}, docs)

	if run.Status != StatusCompleted {
		t.Fatalf("status = %s (%s), want Completed", run.Status, run.Message)
	}

	wantTags := map[string]TagType{"d1": TagInitial, "d2": TagFinal, "d3": TagPCCD}
	for _, dr := range run.Documents {
		if dr.Tag != wantTags[dr.DocumentID] {
			t.Errorf("document %s tag = %q, want %q", dr.DocumentID, dr.Tag, wantTags[dr.DocumentID])
		}
	}

	for _, dr := range run.Documents {
		if dr.DocumentID == "d3" && dr.PathTypeCode != "3" {
			t.Errorf("PCCD winner path type = %q, want the leaf's code 3", dr.PathTypeCode)
		}
	}

	if !run.LoanFlags.Has(loanCheckBit) {
		t.Error("loan-level flag missing from aggregated state")
	}
	for _, bit := range []uint64{initialTagBit, finalTagBit, pccdTagBit} {
		if !run.LoanFlags.Has(bit) {
			t.Errorf("document flag %#x missing from aggregated loan state", bit)
		}
	}

	// 1 loan-level visit, 3+3 document visits for Initial and Final, and
	// only d3 is PCCD-eligible.
	if len(run.Audit) != 8 {
		t.Errorf("audit entries = %d, want 8", len(run.Audit))
	}
	for i, e := range run.Audit {
		if e.Sequence != i+1 {
			t.Fatalf("entry %d sequence = %d, want %d", i, e.Sequence, i+1)
		}
		if want := fmt.Sprintf("%s-%04d", run.ID, i+1); e.ID != want {
			t.Fatalf("entry %d ID = %q, want %q", i, e.ID, want)
		}
	}
}

func TestOrchestratorDocumentFlagsSpanPhases(t *testing.T) {
	cat := orchestratorCatalog(t)
	reg := NewRegistry()
	reg.RegisterName("LoanCheckBit", loanCheckEvaluator())
	reg.RegisterName("InitialCDBit", yesForDocs(map[string]bool{"d1": true}, initialTagBit))
	reg.RegisterName("PCCDBit", yesForDocs(nil, 0))

	// The Final waterfall for d1 must observe the bit d1's own Initial
	// waterfall set, not just the loan-level flags.
	var d1SawInitialBit atomic.Bool
	reg.RegisterName("FinalCDBit", EvaluatorFunc(func(ctx context.Context, rule *catalog.Rule, ec *EvalContext) (Evaluation, error) {
		if ec.Document != nil && ec.Document.ID == "d1" {
			d1SawInitialBit.Store(ec.Flags.Has(initialTagBit))
			return Evaluation{Outcome: OutcomeNo}, nil
		}
		return Evaluation{Outcome: OutcomeYes, Delta: FlagDelta{Set: finalTagBit}}, nil
	}))

	o := newTestOrchestrator(t, cat, reg, fields.NewMapProvider())
	docs := []Document{
		{ID: "d1", LoanID: "loan-1", IssueDate: day(1)},
		{ID: "d2", LoanID: "loan-1", IssueDate: day(10)},
	}

	run := o.Execute(context.Background(), LoanContext{ID: "loan-1"}, docs)

	if run.Status != StatusCompleted {
		t.Fatalf("status = %s (%s), want Completed", run.Status, run.Message)
	}
	if !d1SawInitialBit.Load() {
		t.Error("Final waterfall for d1 did not see the bit d1's Initial waterfall set")
	}
	for _, dr := range run.Documents {
		if dr.DocumentID == "d1" && !dr.Flags.Has(initialTagBit) {
			t.Error("d1 result lost its Initial bit across phases")
		}
	}
}

func TestOrchestratorNoDocuments(t *testing.T) {
	cat := orchestratorCatalog(t)
	o := newTestOrchestrator(t, cat, NewRegistry(), fields.NewMapProvider())

	run := o.Execute(context.Background(), LoanContext{ID: "loan-1"}, nil)

	if run.Status != StatusError {
		t.Fatalf("status = %s, want Error", run.Status)
	}
	if !strings.Contains(run.Message, "missing documents") {
		t.Errorf("message = %q, should name the missing document set", run.Message)
	}
}

func TestOrchestratorInitialTieEscalates(t *testing.T) {
	cat := orchestratorCatalog(t)
	reg := NewRegistry()
	reg.RegisterName("LoanCheckBit", loanCheckEvaluator())
	reg.RegisterName("InitialCDBit", yesForDocs(map[string]bool{"d1": true, "d2": true}, initialTagBit))
	reg.RegisterName("FinalCDBit", yesForDocs(nil, 0))
	reg.RegisterName("PCCDBit", yesForDocs(nil, 0))

	o := newTestOrchestrator(t, cat, reg, fields.NewMapProvider())
	docs := []Document{
		{ID: "d1", LoanID: "loan-1", IssueDate: day(5)},
		{ID: "d2", LoanID: "loan-1", IssueDate: day(5)},
	}

	run := o.Execute(context.Background(), LoanContext{ID: "loan-1"}, docs)

	if run.Status != StatusManualReview {
		t.Fatalf("status = %s, want ManualReview", run.Status)
	}
	if !strings.Contains(run.Message, "Initial") {
		t.Errorf("message = %q, should cite the Initial ambiguity", run.Message)
	}
	for _, dr := range run.Documents {
		if dr.Tag != TagNone {
			t.Errorf("document %s tagged %q despite unresolved tie", dr.DocumentID, dr.Tag)
		}
	}
}

func TestOrchestratorNoFinalEscalates(t *testing.T) {
	cat := orchestratorCatalog(t)
	reg := NewRegistry()
	reg.RegisterName("LoanCheckBit", loanCheckEvaluator())
	reg.RegisterName("InitialCDBit", yesForDocs(map[string]bool{"d1": true}, initialTagBit))
	reg.RegisterName("FinalCDBit", yesForDocs(nil, 0))
	reg.RegisterName("PCCDBit", yesForDocs(nil, 0))

	o := newTestOrchestrator(t, cat, reg, fields.NewMapProvider())
	docs := []Document{
		{ID: "d1", LoanID: "loan-1", IssueDate: day(1)},
		{ID: "d2", LoanID: "loan-1", IssueDate: day(2)},
	}

	run := o.Execute(context.Background(), LoanContext{ID: "loan-1"}, docs)

	if run.Status != StatusManualReview {
		t.Fatalf("status = %s, want ManualReview", run.Status)
	}
	if !strings.Contains(run.Message, "Final") {
		t.Errorf("message = %q, should cite the missing Final", run.Message)
	}
}

func TestOrchestratorFinalTiebreak(t *testing.T) {
	cat := orchestratorCatalog(t)
	reg := NewRegistry()
	reg.RegisterName("LoanCheckBit", loanCheckEvaluator())
	reg.RegisterName("InitialCDBit", yesForDocs(map[string]bool{"d1": true}, initialTagBit))
	reg.RegisterName("FinalCDBit", yesForDocs(map[string]bool{"d2": true, "d3": true}, finalTagBit))
	reg.RegisterName("PCCDBit", yesForDocs(nil, 0))

	provider := fields.NewMapProvider()
	signing := day(16)
	for _, id := range []string{"d2", "d3"} {
		provider.Set(id, FieldClosingDate, fields.Date(signing))
		provider.Set(id, FieldSigningDate, fields.Date(signing))
	}
	provider.Set("d3", FieldSignatureCount, fields.Number(1))

	o := newTestOrchestrator(t, cat, reg, provider)
	docs := []Document{
		{ID: "d1", LoanID: "loan-1", IssueDate: day(1)},
		{ID: "d2", LoanID: "loan-1", IssueDate: day(15)},
		{ID: "d3", LoanID: "loan-1", IssueDate: day(15)},
	}

	run := o.Execute(context.Background(), LoanContext{ID: "loan-1"}, docs)

	if run.Status != StatusCompleted {
		t.Fatalf("status = %s (%s), want Completed", run.Status, run.Message)
	}
	for _, dr := range run.Documents {
		switch dr.DocumentID {
		case "d3":
			if dr.Tag != TagFinal {
				t.Errorf("d3 tag = %q, want Final via the signature discriminator", dr.Tag)
			}
			if dr.PathTypeCode != "4b" {
				t.Errorf("d3 path type = %q, want 4b", dr.PathTypeCode)
			}
		case "d2":
			if dr.Tag != TagNone {
				t.Errorf("d2 tag = %q, want untagged", dr.Tag)
			}
		}
	}
}

func TestOrchestratorUnresolvedFinalTie(t *testing.T) {
	cat := orchestratorCatalog(t)
	reg := NewRegistry()
	reg.RegisterName("LoanCheckBit", loanCheckEvaluator())
	reg.RegisterName("InitialCDBit", yesForDocs(map[string]bool{"d1": true}, initialTagBit))
	reg.RegisterName("FinalCDBit", yesForDocs(map[string]bool{"d2": true, "d3": true}, finalTagBit))
	reg.RegisterName("PCCDBit", yesForDocs(nil, 0))

	// Dates match on both candidates but neither is signed: the chain runs
	// out at the signature discriminator.
	provider := fields.NewMapProvider()
	for _, id := range []string{"d2", "d3"} {
		provider.Set(id, FieldClosingDate, fields.Date(day(16)))
		provider.Set(id, FieldSigningDate, fields.Date(day(16)))
	}

	o := newTestOrchestrator(t, cat, reg, provider)
	docs := []Document{
		{ID: "d1", LoanID: "loan-1", IssueDate: day(1)},
		{ID: "d2", LoanID: "loan-1", IssueDate: day(15)},
		{ID: "d3", LoanID: "loan-1", IssueDate: day(15)},
	}

	run := o.Execute(context.Background(), LoanContext{ID: "loan-1"}, docs)

	if run.Status != StatusManualReview {
		t.Fatalf("status = %s, want ManualReview", run.Status)
	}
	if !strings.Contains(run.Message, "tiebreak") {
		t.Errorf("message = %q, should cite the unresolved tiebreak", run.Message)
	}
	for _, dr := range run.Documents {
		if dr.DocumentID == "d2" || dr.DocumentID == "d3" {
			if dr.PathTypeCode != "2" {
				t.Errorf("%s path type = %q, want the unsigned failure code 2", dr.DocumentID, dr.PathTypeCode)
			}
		}
	}
}

func TestOrchestratorCancelledRun(t *testing.T) {
	cat := orchestratorCatalog(t)
	reg := NewRegistry()
	reg.RegisterName("LoanCheckBit", loanCheckEvaluator())

	o := newTestOrchestrator(t, cat, reg, fields.NewMapProvider())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	run := o.Execute(ctx, LoanContext{ID: "loan-1"}, []Document{
		{ID: "d1", LoanID: "loan-1", IssueDate: day(1)},
	})

	if run.Status != StatusError {
		t.Fatalf("status = %s, want Error", run.Status)
	}
	if !strings.Contains(run.Message, "cancelled") {
		t.Errorf("message = %q, should report the cancellation", run.Message)
	}
}

func TestOrchestratorValidationFailureMarksDocument(t *testing.T) {
	cat := orchestratorCatalog(t)
	reg := NewRegistry()
	reg.RegisterName("LoanCheckBit", loanCheckEvaluator())
	reg.RegisterName("FinalCDBit", yesForDocs(map[string]bool{"d3": true}, finalTagBit))
	reg.RegisterName("PCCDBit", yesForDocs(nil, 0))
	reg.RegisterName("InitialCDBit", EvaluatorFunc(func(ctx context.Context, rule *catalog.Rule, ec *EvalContext) (Evaluation, error) {
		if ec.Document != nil && ec.Document.ID == "d1" {
			return Evaluation{}, fmt.Errorf("extraction missing for d1")
		}
		if ec.Document != nil && ec.Document.ID == "d2" {
			return Evaluation{Outcome: OutcomeYes, Delta: FlagDelta{Set: initialTagBit}}, nil
		}
		return Evaluation{Outcome: OutcomeNo}, nil
	}))

	o := newTestOrchestrator(t, cat, reg, fields.NewMapProvider())
	docs := []Document{
		{ID: "d1", LoanID: "loan-1", IssueDate: day(1)},
		{ID: "d2", LoanID: "loan-1", IssueDate: day(5)},
		{ID: "d3", LoanID: "loan-1", IssueDate: day(10)},
	}

	run := o.Execute(context.Background(), LoanContext{ID: "loan-1"}, docs)

	if run.Status != StatusCompleted {
		t.Fatalf("a single failing evaluation must not abort the run, status = %s (%s)", run.Status, run.Message)
	}
	if len(run.ValidationErrors) != 1 {
		t.Fatalf("validation errors = %d, want 1", len(run.ValidationErrors))
	}
	if run.ValidationErrors[0].DocumentID != "d1" {
		t.Errorf("validation error document = %s, want d1", run.ValidationErrors[0].DocumentID)
	}
	for _, dr := range run.Documents {
		wantPassed := dr.DocumentID != "d1"
		if dr.ValidationPassed != wantPassed {
			t.Errorf("document %s validationPassed = %v, want %v", dr.DocumentID, dr.ValidationPassed, wantPassed)
		}
	}
}

func TestOrchestratorDeterministicMergeOrder(t *testing.T) {
	cat := orchestratorCatalog(t)
	reg := NewRegistry()
	reg.RegisterName("LoanCheckBit", loanCheckEvaluator())
	reg.RegisterName("InitialCDBit", yesForDocs(map[string]bool{"d1": true}, initialTagBit))
	reg.RegisterName("FinalCDBit", yesForDocs(map[string]bool{"d4": true}, finalTagBit))
	reg.RegisterName("PCCDBit", yesForDocs(nil, 0))

	o := newTestOrchestrator(t, cat, reg, fields.NewMapProvider())
	docs := []Document{
		{ID: "d1", LoanID: "loan-1", IssueDate: day(1)},
		{ID: "d2", LoanID: "loan-1", IssueDate: day(2)},
		{ID: "d3", LoanID: "loan-1", IssueDate: day(3)},
		{ID: "d4", LoanID: "loan-1", IssueDate: day(4)},
	}

	// Concurrent fan-out must still merge trails in document input order.
	names := func(run *WaterfallRun) []string {
		var out []string
		for _, e := range run.Audit {
			out = append(out, e.RuleName+"/"+e.DocumentID)
		}
		return out
	}

	first := names(o.Execute(context.Background(), LoanContext{ID: "loan-1"}, docs))
	for i := 0; i < 10; i++ {
		again := names(o.Execute(context.Background(), LoanContext{ID: "loan-1"}, docs))
		if len(again) != len(first) {
			t.Fatalf("trail length changed across runs: %d vs %d", len(first), len(again))
		}
		for j := range first {
			if first[j] != again[j] {
				t.Fatalf("trail order changed at %d: %s vs %s", j, first[j], again[j])
			}
		}
	}
}
