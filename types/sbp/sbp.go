// Package sbp defines Distribution, the per-grid-axis tag describing how a
// global tensor maps onto a Grid's ranks: replicated (B), sharded on a
// tensor axis (S(d)), or partial-sum (P).
//
// Note the easy confusion: an entry here is per *grid* axis, not per tensor
// axis. A Distribution's length always equals the grid's dimensionality,
// and several grid axes may shard the same tensor dimension (nested).
package sbp

import (
	"fmt"
	"slices"

	"github.com/pkg/errors"
)

// Kind enumerates the three ways a grid axis can relate to a global tensor.
type Kind int

const (
	// Broadcast: every rank along this axis holds the identical value.
	Broadcast Kind = iota
	// Split: the tensor is split along one of its own dimensions.
	Split
	// Partial: every rank holds a partial contribution; the global value
	// is the sum across this axis.
	Partial
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case Broadcast:
		return "B"
	case Split:
		return "S"
	case Partial:
		return "P"
	default:
		return "?"
	}
}

// Entry is one axis of a Distribution.
type Entry struct {
	Kind Kind
	// Axis is the tensor dimension being split. Only meaningful when
	// Kind == Split.
	Axis int
}

// B constructs a replicated entry.
func B() Entry { return Entry{Kind: Broadcast} }

// S constructs a split-on-tensor-axis-d entry.
func S(d int) Entry { return Entry{Kind: Split, Axis: d} }

// P constructs a partial-sum entry.
func P() Entry { return Entry{Kind: Partial} }

// String implements fmt.Stringer.
func (e Entry) String() string {
	if e.Kind == Split {
		return fmt.Sprintf("S(%d)", e.Axis)
	}
	return e.Kind.String()
}

// Equal returns whether two entries denote the same tag.
func (e Entry) Equal(other Entry) bool {
	if e.Kind != other.Kind {
		return false
	}
	if e.Kind == Split {
		return e.Axis == other.Axis
	}
	return true
}

// Distribution is an N-tuple of Entry, one per grid axis, where N is the
// dimensionality of the Grid it is paired with.
type Distribution []Entry

// New constructs a Distribution from its per-axis entries and validates it
// against the global tensor rank.
//
// Errors (SpecInvalid, per the engine's error taxonomy) if any Split entry
// names a tensor dimension that does not exist.
func New(tensorRank int, entries ...Entry) (Distribution, error) {
	d := Distribution(slices.Clone(entries))
	if err := d.Validate(tensorRank); err != nil {
		return nil, err
	}
	return d, nil
}

// Validate checks that every Split entry refers to an existing tensor
// dimension.
func (d Distribution) Validate(tensorRank int) error {
	for i, e := range d {
		if e.Kind == Split && (e.Axis < 0 || e.Axis >= tensorRank) {
			return errors.Errorf("sbp: grid axis %d is S(%d) but the tensor only has rank %d", i, e.Axis, tensorRank)
		}
	}
	return nil
}

// Len returns the number of entries (the grid dimensionality this
// Distribution is defined for).
func (d Distribution) Len() int {
	return len(d)
}

// At returns the entry for grid axis i.
func (d Distribution) At(i int) (Entry, error) {
	if i < 0 || i >= len(d) {
		return Entry{}, errors.Errorf("sbp: grid axis %d out of range [0,%d)", i, len(d))
	}
	return d[i], nil
}

// Equal returns whether two distributions have the same entries in the
// same order.
func (d Distribution) Equal(other Distribution) bool {
	if len(d) != len(other) {
		return false
	}
	for i := range d {
		if !d[i].Equal(other[i]) {
			return false
		}
	}
	return true
}

// TouchesTensorDim returns whether any grid axis shards tensor dimension d.
func (d Distribution) TouchesTensorDim(dim int) bool {
	for _, e := range d {
		if e.Kind == Split && e.Axis == dim {
			return true
		}
	}
	return false
}

// ReductionAxes returns the grid axes that carry a Partial tag -- the axes
// that must be collectively reduced to materialize a full value.
func (d Distribution) ReductionAxes() []int {
	var axes []int
	for i, e := range d {
		if e.Kind == Partial {
			axes = append(axes, i)
		}
	}
	return axes
}

// ReductionCount returns len(ReductionAxes()): how many grid axes need
// collective reduction to realize a target distribution that has no
// Partial entries of its own (a box-to-non-partial-target helper).
func (d Distribution) ReductionCount() int {
	return len(d.ReductionAxes())
}

// IsFullyReplicated returns whether every axis is Broadcast.
func (d Distribution) IsFullyReplicated() bool {
	for _, e := range d {
		if e.Kind != Broadcast {
			return false
		}
	}
	return true
}

// Clone returns a copy of the distribution.
func (d Distribution) Clone() Distribution {
	return slices.Clone(d)
}

// WithEntry returns a copy of the distribution with grid axis i replaced.
func (d Distribution) WithEntry(i int, e Entry) (Distribution, error) {
	if i < 0 || i >= len(d) {
		return nil, errors.Errorf("sbp: grid axis %d out of range [0,%d)", i, len(d))
	}
	out := d.Clone()
	out[i] = e
	return out, nil
}

// String implements fmt.Stringer.
func (d Distribution) String() string {
	s := "["
	for i, e := range d {
		if i > 0 {
			s += ","
		}
		s += e.String()
	}
	return s + "]"
}
