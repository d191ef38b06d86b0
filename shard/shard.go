// Package shard computes, for a given (global_shape, Placement, Distribution)
// triple and a rank, the local shard shape, the per-dimension slice the rank
// owns, and whether the rank is a partial or full-value holder.
//
// It is a pure, side-effect-free package: every function here takes and
// returns types/shapes.Shape values and never touches global or mutable
// state, so every rank computing the same inputs is guaranteed to compute
// the same answer.
package shard

import (
	"github.com/pkg/errors"

	"github.com/tensorgrid/consistent/types/grid"
	"github.com/tensorgrid/consistent/types/sbp"
	"github.com/tensorgrid/consistent/types/shapes"
)

// Span is the half-open range [Begin,End) a rank owns along one tensor
// dimension.
type Span struct {
	Begin, End int
}

// Size returns End-Begin.
func (s Span) Size() int {
	return s.End - s.Begin
}

// Result is the outcome of the Shard Calculator for one rank.
type Result struct {
	// LocalShape is the shape of the rank's local buffer.
	LocalShape shapes.Shape

	// Spans maps tensor dimension -> the contiguous range this rank owns.
	// A dimension absent from the map means the rank owns the whole
	// dimension (it is not split by any grid axis).
	Spans map[int]Span

	// IsPartialHolder is true when the rank's distribution carries at
	// least one Partial entry -- its local buffer is one contribution to
	// a sum, not the full value.
	IsPartialHolder bool
}

// BalancedSplit computes the contiguous, balanced range that shard index i
// (out of h total shards) owns of a dimension of length length.
//
// This is the sole sharding policy: shard i owns
// [i*floor(length/h) + min(i, length mod h), (i+1)*floor(length/h) + min(i+1, length mod h)).
func BalancedSplit(length, h, i int) (Span, error) {
	if h <= 0 {
		return Span{}, errors.Errorf("shard: number of shards must be positive, got %d", h)
	}
	if i < 0 || i >= h {
		return Span{}, errors.Errorf("shard: shard index %d out of range [0,%d)", i, h)
	}
	base := length / h
	rem := length % h
	begin := i*base + min(i, rem)
	end := (i+1)*base + min(i+1, rem)
	return Span{Begin: begin, End: end}, nil
}

// Compute derives the local shard shape, per-dimension spans, and
// partial-holder status for rank r.
//
// It composes axis by axis: starting from globalShape, for each grid axis i
// carrying S(d), dimension d's length is narrowed to its balanced
// sub-extent, indexed by the rank's coordinate on axis i. Nested S(d) on the
// same tensor dimension (different grid axes) compose by further splitting
// the already-narrowed extent -- this is what realizes e.g. [S(0),S(0)] as a
// sub-partition of the outer axis's shard.
func Compute(globalShape shapes.Shape, p *grid.Placement, d sbp.Distribution, r int) (Result, error) {
	if !p.Grid.Contains(r) {
		return Result{}, errors.Errorf("shard: rank %d is not in placement %s", r, p)
	}
	if d.Len() != p.Grid.NumAxes() {
		return Result{}, errors.Errorf("shard: distribution %s has %d entries, want %d (grid dimensionality)", d, d.Len(), p.Grid.NumAxes())
	}
	if err := d.Validate(globalShape.Rank()); err != nil {
		return Result{}, err
	}
	coord, err := p.Grid.Coordinate(r)
	if err != nil {
		return Result{}, err
	}

	localShape := globalShape.Clone()
	spans := make(map[int]Span)
	partial := false

	for axis := 0; axis < d.Len(); axis++ {
		entry, err := d.At(axis)
		if err != nil {
			return Result{}, err
		}
		switch entry.Kind {
		case sbp.Broadcast:
			// No change in shape.
		case sbp.Partial:
			partial = true
		case sbp.Split:
			h, err := p.Grid.AxisSize(axis)
			if err != nil {
				return Result{}, err
			}
			prevSpan, narrowed := spans[entry.Axis]
			baseLen := globalShape.Dimensions[entry.Axis]
			baseBegin := 0
			if narrowed {
				baseLen = prevSpan.Size()
				baseBegin = prevSpan.Begin
			}
			sub, err := BalancedSplit(baseLen, h, coord[axis])
			if err != nil {
				return Result{}, errors.WithMessagef(err, "shard: splitting tensor dim %d on grid axis %d", entry.Axis, axis)
			}
			newSpan := Span{Begin: baseBegin + sub.Begin, End: baseBegin + sub.End}
			spans[entry.Axis] = newSpan
			localShape.Dimensions[entry.Axis] = newSpan.Size()
		}
	}

	return Result{LocalShape: localShape, Spans: spans, IsPartialHolder: partial}, nil
}

// CountVector returns, for every coordinate along grid axis `axis` of
// placement p, the balanced-split length of a dimension of length globalLen
// -- the "count vector" every rank in a collective must independently agree
// on, uneven splits included.
func CountVector(globalLen int, p *grid.Placement, axis int) ([]int, error) {
	h, err := p.Grid.AxisSize(axis)
	if err != nil {
		return nil, err
	}
	counts := make([]int, h)
	for i := 0; i < h; i++ {
		span, err := BalancedSplit(globalLen, h, i)
		if err != nil {
			return nil, err
		}
		counts[i] = span.Size()
	}
	return counts, nil
}
