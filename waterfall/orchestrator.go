package waterfall

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loandocs/cdwaterfall/catalog"
	"github.com/loandocs/cdwaterfall/fields"
	"github.com/loandocs/cdwaterfall/internal/logger"
)

// Orchestrator coordinates a loan's full document set through the Initial,
// Final, and PCCD waterfalls, invokes the tiebreak resolver on same-date
// ambiguity, and folds document outcomes into the loan-level result. It is
// stateless between calls and safe for concurrent Execute invocations; the
// catalog and graph it holds are immutable.
type Orchestrator struct {
	cat      *catalog.Catalog
	graph    *Graph
	exec     *Executor
	resolver *Resolver
	provider fields.Provider
	now      func() time.Time
}

// NewOrchestrator wires an orchestrator over a loaded catalog snapshot.
func NewOrchestrator(cat *catalog.Catalog, graph *Graph, evals *Registry, provider fields.Provider) *Orchestrator {
	exec := NewExecutor(graph, evals)
	return &Orchestrator{
		cat:      cat,
		graph:    graph,
		exec:     exec,
		resolver: NewResolver(cat, provider),
		provider: provider,
		now:      time.Now,
	}
}

// docOutcome accumulates one document's traversals within a subtype phase.
type docOutcome struct {
	doc       Document
	flags     Flags
	tagged    bool
	pathCode  string
	escalated bool
	reason    string
	entries   []AuditEntry
	verrs     []ValidationError
	fatal     error
}

// runState is the mutable state of one Execute call.
type runState struct {
	run       *WaterfallRun
	loan      LoanContext
	results   []*DocumentResult
	resultIdx map[string]*DocumentResult
	loanFlags Flags
	review    string // first manual-review reason, authoritative
	fatal     error  // first fatal error, authoritative
}

func (s *runState) escalate(reason string) {
	if s.review == "" {
		s.review = reason
	}
}

func (s *runState) fail(err error) {
	if s.fatal == nil {
		s.fatal = err
	}
}

// Execute runs the full waterfall sequence for a loan. It always returns a
// WaterfallRun in a terminal status; faults become an Error status with a
// message, never a lost attempt. The run is not persisted here — the caller
// owns persistence once the status is terminal.
func (o *Orchestrator) Execute(ctx context.Context, loan LoanContext, docs []Document) *WaterfallRun {
	st := &runState{
		run: &WaterfallRun{
			ID:        uuid.NewString(),
			LoanID:    loan.ID,
			Status:    StatusProcessing,
			StartedAt: o.now(),
		},
		loan:      loan,
		resultIdx: make(map[string]*DocumentResult, len(docs)),
	}

	if len(docs) == 0 {
		st.fail(&ExecError{Kind: MissingDocuments, Detail: "loan has no documents"})
		return o.finish(st)
	}

	for _, doc := range docs {
		dr := &DocumentResult{DocumentID: doc.ID, ValidationPassed: true}
		st.results = append(st.results, dr)
		st.resultIdx[doc.ID] = dr
	}

	var finalDoc *Document
	for _, subtype := range []catalog.Subtype{catalog.SubtypeInitial, catalog.SubtypeFinal, catalog.SubtypePCCD} {
		if st.fatal != nil {
			break
		}

		o.runLoanLevel(ctx, st, subtype)
		if st.fatal != nil {
			break
		}

		candidates := o.candidatesFor(subtype, docs, finalDoc)
		outcomes := o.runDocumentLevel(ctx, st, subtype, candidates)
		if st.fatal != nil {
			break
		}

		winner := o.selectWinner(ctx, st, subtype, outcomes)
		if subtype == catalog.SubtypeFinal && winner != nil {
			finalDoc = winner
		}
	}

	// Barrier: every document traversal has completed before loan-level
	// aggregation decides the overall result.
	for _, dr := range st.results {
		st.loanFlags = st.loanFlags.Union(dr.Flags)
	}

	return o.finish(st)
}

// runLoanLevel executes the subtype's loan-level roots sequentially,
// threading loan flags through each traversal.
func (o *Orchestrator) runLoanLevel(ctx context.Context, st *runState, subtype catalog.Subtype) {
	for _, root := range o.graph.RootsFor(subtype, catalog.LevelLoan) {
		ec := &EvalContext{
			RunID:  st.run.ID,
			Loan:   st.loan,
			Fields: o.provider,
			Flags:  st.loanFlags,
		}
		res, err := o.exec.Run(ctx, root, ec)
		st.run.Audit = append(st.run.Audit, res.Entries...)
		st.run.ValidationErrors = append(st.run.ValidationErrors, res.Errors...)
		st.loanFlags = res.Flags

		if err != nil {
			if errors.Is(err, &ExecError{Kind: Cancelled}) {
				st.fail(err)
				return
			}
			// Depth bound: fatal for the traversal, surfaced as review.
			st.escalate(res.Reason)
			continue
		}
		if res.Escalated {
			st.escalate(res.Reason)
		}
	}
}

// candidatesFor picks which documents a subtype phase evaluates. PCCD only
// considers documents issued after the resolved Final.
func (o *Orchestrator) candidatesFor(subtype catalog.Subtype, docs []Document, finalDoc *Document) []Document {
	if subtype != catalog.SubtypePCCD {
		return docs
	}
	if finalDoc == nil {
		return nil
	}
	var eligible []Document
	for _, doc := range docs {
		if doc.IssueDate.After(finalDoc.IssueDate) {
			eligible = append(eligible, doc)
		}
	}
	return eligible
}

// runDocumentLevel fans candidate documents out across goroutines — their
// waterfalls share no mutable state — then merges outcomes back in input
// order so the audit trail stays deterministic.
func (o *Orchestrator) runDocumentLevel(ctx context.Context, st *runState, subtype catalog.Subtype, candidates []Document) []*docOutcome {
	roots := o.graph.RootsFor(subtype, catalog.LevelDocument)
	if len(roots) == 0 || len(candidates) == 0 {
		return nil
	}

	outcomes := make([]*docOutcome, len(candidates))
	var wg sync.WaitGroup
	for i := range candidates {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i] = o.runOneDocument(ctx, st, roots, candidates[i])
		}(i)
	}
	wg.Wait()

	for _, out := range outcomes {
		st.run.Audit = append(st.run.Audit, out.entries...)
		st.run.ValidationErrors = append(st.run.ValidationErrors, out.verrs...)

		dr := st.resultIdx[out.doc.ID]
		dr.Flags = dr.Flags.Union(out.flags)
		if len(out.verrs) > 0 {
			dr.ValidationPassed = false
		}

		if out.fatal != nil {
			if errors.Is(out.fatal, &ExecError{Kind: Cancelled}) {
				st.fail(out.fatal)
			} else {
				st.escalate(out.reason)
			}
			continue
		}
		if out.escalated {
			st.escalate(out.reason)
		}
	}

	return outcomes
}

// runOneDocument walks every root of the subtype for one document,
// sequentially, threading the document's flag state. The state seeds from
// the loan flags plus the bits this document accumulated in earlier
// phases, so a Final or PCCD rule can test a bit its Initial waterfall
// set. The final traversal's leaf decides whether the document is tagged
// for the subtype.
func (o *Orchestrator) runOneDocument(ctx context.Context, st *runState, roots []*catalog.Rule, doc Document) *docOutcome {
	out := &docOutcome{doc: doc, flags: st.loanFlags.Union(st.resultIdx[doc.ID].Flags)}
	for _, root := range roots {
		d := doc
		ec := &EvalContext{
			RunID:    st.run.ID,
			Loan:     st.loan,
			Document: &d,
			Fields:   o.provider,
			Flags:    out.flags,
		}
		res, err := o.exec.Run(ctx, root, ec)
		out.entries = append(out.entries, res.Entries...)
		out.verrs = append(out.verrs, res.Errors...)
		out.flags = res.Flags

		if err != nil {
			var execErr *ExecError
			if errors.As(err, &execErr) && execErr.Kind == Cancelled {
				out.fatal = err
				return out
			}
			out.escalated = true
			out.reason = res.Reason
			out.tagged = false
			return out
		}
		if res.Escalated {
			out.escalated = true
			out.reason = res.Reason
			out.tagged = false
			return out
		}

		out.tagged = res.Outcome.Affirmative()
		out.pathCode = res.PathTypeCode
	}
	return out
}

// selectWinner turns a phase's tagged documents into at most one tag
// assignment, invoking the tiebreak resolver when the deciding documents
// share an issue date. Returns the winning document, if any.
func (o *Orchestrator) selectWinner(ctx context.Context, st *runState, subtype catalog.Subtype, outcomes []*docOutcome) *Document {
	var tagged []*docOutcome
	for _, out := range outcomes {
		if out != nil && out.tagged {
			tagged = append(tagged, out)
		}
	}

	if len(tagged) == 0 {
		// PCCD is optional; a loan must have an Initial and a Final.
		if subtype != catalog.SubtypePCCD && len(outcomes) > 0 {
			st.escalate(fmt.Sprintf("no document qualified as %s", subtype))
		}
		return nil
	}

	if len(tagged) == 1 {
		return o.assign(st, subtype, tagged[0], tagged[0].pathCode)
	}

	deciding := decidingGroup(subtype, tagged)
	if len(deciding) == 1 {
		return o.assign(st, subtype, deciding[0], deciding[0].pathCode)
	}

	// Same issue date among the deciding documents: Initial ambiguity has
	// no discriminator chain, Final and PCCD go to the resolver.
	if subtype == catalog.SubtypeInitial {
		st.escalate(fmt.Sprintf("%d documents issued the same date all qualified as Initial", len(deciding)))
		return nil
	}

	group := make([]Document, len(deciding))
	byID := make(map[string]*docOutcome, len(deciding))
	for i, out := range deciding {
		group[i] = out.doc
		byID[out.doc.ID] = out
	}
	resolution := o.resolver.Resolve(ctx, group, st.loan)
	if resolution.ManualReview {
		st.escalate(fmt.Sprintf("%s tiebreak unresolved: %s", subtype, resolution.Reason))
		if resolution.PathTypeCode != "" {
			for _, out := range deciding {
				st.resultIdx[out.doc.ID].PathTypeCode = resolution.PathTypeCode
			}
		}
		return nil
	}

	winner := byID[resolution.Winner.ID]
	code := winner.pathCode
	if resolution.PathTypeCode != "" {
		code = resolution.PathTypeCode
	}
	return o.assign(st, subtype, winner, code)
}

// decidingGroup narrows tagged documents to the ones competing for the tag:
// earliest issued for Initial, latest issued for Final and PCCD.
func decidingGroup(subtype catalog.Subtype, tagged []*docOutcome) []*docOutcome {
	pivot := tagged[0].doc.IssueDate
	for _, out := range tagged[1:] {
		d := out.doc.IssueDate
		if subtype == catalog.SubtypeInitial {
			if d.Before(pivot) {
				pivot = d
			}
		} else if d.After(pivot) {
			pivot = d
		}
	}
	var group []*docOutcome
	for _, out := range tagged {
		if out.doc.IssueDate.Equal(pivot) {
			group = append(group, out)
		}
	}
	return group
}

func (o *Orchestrator) assign(st *runState, subtype catalog.Subtype, out *docOutcome, pathCode string) *Document {
	dr := st.resultIdx[out.doc.ID]
	switch subtype {
	case catalog.SubtypeInitial:
		dr.Tag = TagInitial
	case catalog.SubtypeFinal:
		dr.Tag = TagFinal
	case catalog.SubtypePCCD:
		dr.Tag = TagPCCD
	}
	dr.PathTypeCode = pathCode
	doc := out.doc
	return &doc
}

// finish assigns audit sequence numbers and entry IDs, decides the terminal
// status, and releases the run to the caller. Entry IDs derive from the run
// ID and sequence, so re-persisting a run writes the same rows and two runs
// over identical inputs differ only by run identity.
func (o *Orchestrator) finish(st *runState) *WaterfallRun {
	run := st.run
	for i := range run.Audit {
		run.Audit[i].Sequence = i + 1
		run.Audit[i].ID = fmt.Sprintf("%s-%04d", run.ID, i+1)
	}
	for _, dr := range st.results {
		run.Documents = append(run.Documents, *dr)
	}
	run.LoanFlags = st.loanFlags
	run.FinishedAt = o.now()

	switch {
	case st.fatal != nil:
		run.Status = StatusError
		run.Message = st.fatal.Error()
		logger.RunsErrored.Add(1)
	case st.review != "":
		run.Status = StatusManualReview
		run.Message = st.review
		logger.RunsManualReview.Add(1)
	default:
		run.Status = StatusCompleted
		logger.RunsCompleted.Add(1)
	}

	logger.Debug("run finished",
		"run_id", run.ID,
		"loan_id", run.LoanID,
		"status", string(run.Status),
		"audit_entries", len(run.Audit),
	)
	return run
}
