// Package fields defines the field-value boundary between the waterfall
// engine and whatever extracted the values from the underlying documents.
// The engine only ever sees typed values keyed by (owner, field) identifiers.
package fields

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Kind is the type of an extracted field value.
type Kind int

const (
	KindNumber Kind = iota
	KindDate
	KindText
)

// Value is a typed field value. Exactly one of Number, Date, Text is
// meaningful, selected by Kind.
type Value struct {
	Kind   Kind
	Number float64
	Date   time.Time
	Text   string
}

// Number builds a numeric value.
func Number(n float64) Value { return Value{Kind: KindNumber, Number: n} }

// Date builds a date value.
func Date(t time.Time) Value { return Value{Kind: KindDate, Date: t} }

// Text builds a text value.
func Text(s string) Value { return Value{Kind: KindText, Text: s} }

// Equal compares two values of the same kind. Dates compare by instant,
// numbers and text by equality. Differing kinds never compare equal.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindNumber:
		return v.Number == o.Number
	case KindDate:
		return v.Date.Equal(o.Date)
	case KindText:
		return v.Text == o.Text
	}
	return false
}

// Native returns the value as a plain Go type for evaluator activations.
func (v Value) Native() any {
	switch v.Kind {
	case KindNumber:
		return v.Number
	case KindDate:
		return v.Date
	case KindText:
		return v.Text
	}
	return nil
}

// String renders the value for decision text and validation errors.
func (v Value) String() string {
	switch v.Kind {
	case KindNumber:
		return fmt.Sprintf("%g", v.Number)
	case KindDate:
		return v.Date.Format("2006-01-02")
	case KindText:
		return v.Text
	}
	return ""
}

// Provider resolves field values for a document or loan. ownerID is a
// document ID or loan ID; absent fields return ok=false, not an error.
type Provider interface {
	Value(ctx context.Context, ownerID, fieldID string) (Value, bool, error)
}

// MapProvider is an in-memory Provider backed by a nested map. Thread-safe
// for concurrent reads during document fan-out.
type MapProvider struct {
	values map[string]map[string]Value
	mu     sync.RWMutex
}

// NewMapProvider creates an empty in-memory provider.
func NewMapProvider() *MapProvider {
	return &MapProvider{values: make(map[string]map[string]Value)}
}

// Set records a field value for an owner.
func (p *MapProvider) Set(ownerID, fieldID string, v Value) {
	p.mu.Lock()
	defer p.mu.Unlock()
	owner, ok := p.values[ownerID]
	if !ok {
		owner = make(map[string]Value)
		p.values[ownerID] = owner
	}
	owner[fieldID] = v
}

// Value returns the field value for an owner, or ok=false if absent.
func (p *MapProvider) Value(ctx context.Context, ownerID, fieldID string) (Value, bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	owner, ok := p.values[ownerID]
	if !ok {
		return Value{}, false, nil
	}
	v, ok := owner[fieldID]
	return v, ok, nil
}
