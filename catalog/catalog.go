package catalog

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"time"
)

// Catalog is an immutable snapshot of the rule repository. A snapshot is
// built once by Load and shared by reference across concurrent runs; a
// refresh builds a new snapshot rather than mutating this one.
type Catalog struct {
	// Version is the nanosecond load timestamp; it distinguishes snapshots
	// across refreshes in the refresh log and health output.
	Version int64

	rulesByID   map[string]*Rule
	rulesByName map[string]*Rule
	edges       []RuleFlowEdge
	pathTypes   []PathType
	pathByCode  map[string]PathType
}

// Load fetches all catalog rows from the store and assembles a snapshot.
// Field bindings are attached to their rules in position order. Rule names
// must be unique across the catalog.
func Load(ctx context.Context, store Store) (*Catalog, error) {
	rules, err := store.LoadActiveRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load active rules: %w", err)
	}

	fields, err := store.LoadRuleFields(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load rule fields: %w", err)
	}

	edges, err := store.LoadRuleFlowEdges(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load rule flow edges: %w", err)
	}

	pathTypes, err := store.LoadPathTypes(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load path types: %w", err)
	}

	cat := &Catalog{
		Version:     time.Now().UnixNano(),
		rulesByID:   make(map[string]*Rule, len(rules)),
		rulesByName: make(map[string]*Rule, len(rules)),
		edges:       edges,
		pathTypes:   pathTypes,
		pathByCode:  make(map[string]PathType, len(pathTypes)),
	}

	for _, r := range rules {
		if _, exists := cat.rulesByID[r.ID]; exists {
			return nil, fmt.Errorf("duplicate rule ID %s in catalog", r.ID)
		}
		if _, exists := cat.rulesByName[r.Name]; exists {
			return nil, fmt.Errorf("duplicate rule name %q in catalog", r.Name)
		}
		// Copy so later store mutations cannot leak into the snapshot.
		rc := *r
		rc.Fields = nil
		cat.rulesByID[rc.ID] = &rc
		cat.rulesByName[rc.Name] = &rc
	}

	for _, f := range fields {
		if r, ok := cat.rulesByID[f.RuleID]; ok {
			r.Fields = append(r.Fields, f)
		}
	}
	for _, r := range cat.rulesByID {
		sort.SliceStable(r.Fields, func(i, j int) bool {
			return r.Fields[i].Position < r.Fields[j].Position
		})
	}

	sort.SliceStable(cat.pathTypes, func(i, j int) bool {
		return cat.pathTypes[i].Position < cat.pathTypes[j].Position
	})
	for _, p := range cat.pathTypes {
		cat.pathByCode[p.Code] = p
	}

	return cat, nil
}

// Rule returns a rule by ID.
func (c *Catalog) Rule(id string) (*Rule, bool) {
	r, ok := c.rulesByID[id]
	return r, ok
}

// RuleByName returns a rule by its unique name.
func (c *Catalog) RuleByName(name string) (*Rule, bool) {
	r, ok := c.rulesByName[name]
	return r, ok
}

// Rules returns all rules in the snapshot ordered by execution order, then
// name for stability.
func (c *Catalog) Rules() []*Rule {
	out := make([]*Rule, 0, len(c.rulesByID))
	for _, r := range c.rulesByID {
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].ExecOrder != out[j].ExecOrder {
			return out[i].ExecOrder < out[j].ExecOrder
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// RuleCount returns the number of rules in the snapshot.
func (c *Catalog) RuleCount() int {
	return len(c.rulesByID)
}

// Edges returns the flow edges loaded with the snapshot.
func (c *Catalog) Edges() []RuleFlowEdge {
	return c.edges
}

// PathTypes returns path types for a subtype in position order.
func (c *Catalog) PathTypes(subtype Subtype) []PathType {
	var out []PathType
	for _, p := range c.pathTypes {
		if p.Subtype == subtype {
			out = append(out, p)
		}
	}
	return out
}

// PathType returns a path type by code.
func (c *Catalog) PathType(code string) (PathType, bool) {
	p, ok := c.pathByCode[code]
	return p, ok
}

// Holder publishes catalog snapshots atomically. Runs hold the snapshot they
// started with; Refresh swaps the pointer for runs that start afterwards.
type Holder struct {
	current atomic.Pointer[Catalog]
	store   Store
}

// NewHolder loads an initial snapshot from the store.
func NewHolder(ctx context.Context, store Store) (*Holder, error) {
	h := &Holder{store: store}
	if err := h.Refresh(ctx); err != nil {
		return nil, err
	}
	return h, nil
}

// Current returns the latest published snapshot.
func (h *Holder) Current() *Catalog {
	return h.current.Load()
}

// Refresh loads a new snapshot and publishes it. On error the previous
// snapshot stays current.
func (h *Holder) Refresh(ctx context.Context) error {
	cat, err := Load(ctx, h.store)
	if err != nil {
		return fmt.Errorf("catalog refresh failed: %w", err)
	}
	h.current.Store(cat)
	return nil
}
