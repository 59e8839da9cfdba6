package catalog

import (
	"context"
	"sync"
)

// Store loads catalog rows from the rule repository. Implementations return
// full row sets; filtering and attachment happen in Load.
type Store interface {
	// LoadActiveRules returns all active rules.
	LoadActiveRules(ctx context.Context) ([]*Rule, error)

	// LoadRuleFields returns all field bindings for active rules.
	LoadRuleFields(ctx context.Context) ([]RuleField, error)

	// LoadRuleFlowEdges returns all flow edges.
	LoadRuleFlowEdges(ctx context.Context) ([]RuleFlowEdge, error)

	// LoadPathTypes returns all path type definitions.
	LoadPathTypes(ctx context.Context) ([]PathType, error)
}

// InMemoryStore implements Store over fixed slices. Used by tests and by the
// HTTP service when a request supplies an inline catalog.
type InMemoryStore struct {
	Rules     []*Rule
	Fields    []RuleField
	Edges     []RuleFlowEdge
	PathTypes []PathType

	mu sync.RWMutex
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{}
}

// AddRule appends a rule.
func (s *InMemoryStore) AddRule(r *Rule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Rules = append(s.Rules, r)
}

// AddEdge appends a flow edge.
func (s *InMemoryStore) AddEdge(e RuleFlowEdge) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Edges = append(s.Edges, e)
}

// AddField appends a field binding.
func (s *InMemoryStore) AddField(f RuleField) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Fields = append(s.Fields, f)
}

// AddPathType appends a path type.
func (s *InMemoryStore) AddPathType(p PathType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.PathTypes = append(s.PathTypes, p)
}

// LoadActiveRules returns the active subset of the stored rules.
func (s *InMemoryStore) LoadActiveRules(ctx context.Context) ([]*Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var active []*Rule
	for _, r := range s.Rules {
		if r.Active {
			active = append(active, r)
		}
	}
	return active, nil
}

// LoadRuleFields returns all stored field bindings.
func (s *InMemoryStore) LoadRuleFields(ctx context.Context) ([]RuleField, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]RuleField, len(s.Fields))
	copy(out, s.Fields)
	return out, nil
}

// LoadRuleFlowEdges returns all stored edges.
func (s *InMemoryStore) LoadRuleFlowEdges(ctx context.Context) ([]RuleFlowEdge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]RuleFlowEdge, len(s.Edges))
	copy(out, s.Edges)
	return out, nil
}

// LoadPathTypes returns all stored path types.
func (s *InMemoryStore) LoadPathTypes(ctx context.Context) ([]PathType, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]PathType, len(s.PathTypes))
	copy(out, s.PathTypes)
	return out, nil
}
