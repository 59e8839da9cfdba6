package waterfall

// Flags is the opaque 64-bit fact accumulator threaded through rule
// execution. Bit meanings belong entirely to the evaluators; the engine only
// applies deltas and snapshots before/after values for the audit trail.
type Flags uint64

// FlagDelta is the change an evaluator requests against the current state.
// Set bits are OR-ed in, Clear bits are AND-NOT-ed out. Clear wins when a
// bit appears in both.
type FlagDelta struct {
	Set   uint64
	Clear uint64
}

// Apply returns the state after the delta. The receiver is unchanged.
func (f Flags) Apply(d FlagDelta) Flags {
	return Flags((uint64(f) | d.Set) &^ d.Clear)
}

// Has reports whether every bit in mask is set.
func (f Flags) Has(mask uint64) bool {
	return uint64(f)&mask == mask
}

// Union merges two states, used when document results fold into loan state.
func (f Flags) Union(o Flags) Flags {
	return f | o
}

// IsZero reports whether the delta changes nothing.
func (d FlagDelta) IsZero() bool {
	return d.Set == 0 && d.Clear == 0
}
