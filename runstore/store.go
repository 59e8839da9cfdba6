// Package runstore persists terminal waterfall runs, their audit trails, and
// their validation errors. The engine hands a run over as one logical unit
// of work once it reaches a terminal status; partial persistence mid-run is
// not a supported state.
package runstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/loandocs/cdwaterfall/waterfall"
)

// Store is the run repository boundary. All three Save calls happen together
// at run termination; the repository's own transactionality is its concern.
type Store interface {
	SaveRun(ctx context.Context, run *waterfall.WaterfallRun) error
	SaveAuditTrail(ctx context.Context, runID string, entries []waterfall.AuditEntry) error
	SaveValidationErrors(ctx context.Context, runID string, errs []waterfall.ValidationError) error

	// GetRun returns a persisted run with its document results and trail.
	GetRun(ctx context.Context, runID string) (*waterfall.WaterfallRun, error)
}

// MemoryStore implements Store in memory, for tests and single-process use.
type MemoryStore struct {
	runs map[string]*waterfall.WaterfallRun
	mu   sync.RWMutex
}

// NewMemoryStore creates an empty in-memory run store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{runs: make(map[string]*waterfall.WaterfallRun)}
}

// SaveRun stores a copy of the run (without trail, mirroring the SQL shape).
func (s *MemoryStore) SaveRun(ctx context.Context, run *waterfall.WaterfallRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rc := *run
	rc.Audit = nil
	rc.ValidationErrors = nil
	s.runs[run.ID] = &rc
	return nil
}

// SaveAuditTrail appends the trail to a stored run. Entries are never
// updated or removed.
func (s *MemoryStore) SaveAuditTrail(ctx context.Context, runID string, entries []waterfall.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return fmt.Errorf("run %s not found", runID)
	}
	run.Audit = append(run.Audit, entries...)
	return nil
}

// SaveValidationErrors appends validation errors to a stored run.
func (s *MemoryStore) SaveValidationErrors(ctx context.Context, runID string, errs []waterfall.ValidationError) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return fmt.Errorf("run %s not found", runID)
	}
	run.ValidationErrors = append(run.ValidationErrors, errs...)
	return nil
}

// GetRun returns a stored run.
func (s *MemoryStore) GetRun(ctx context.Context, runID string) (*waterfall.WaterfallRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	if !ok {
		return nil, fmt.Errorf("run %s not found", runID)
	}
	rc := *run
	return &rc, nil
}
