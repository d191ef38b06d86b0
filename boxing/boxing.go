// Package boxing implements the primitive boxings: the atomic transitions
// of a single grid axis between two Distribution tags, run on a common
// placement shared by source and destination.
//
// Every function here transforms one rank's local buffer for a single grid
// axis, using the axis's Communicator for whatever collective the
// transition requires (or none, for the purely local cases). Composition
// across axes and across placements is the Planner's job (package plan),
// not this one.
package boxing

import (
	"context"

	"github.com/pkg/errors"

	"github.com/tensorgrid/consistent/buffer"
	"github.com/tensorgrid/consistent/shard"
	"github.com/tensorgrid/consistent/transport"
	"github.com/tensorgrid/consistent/types/grid"
	"github.com/tensorgrid/consistent/types/sbp"
	"github.com/tensorgrid/consistent/types/shapes"
)

// Transition names a single grid axis's source and destination tag, used both
// to select a primitive and to describe a Plan step.
type Transition struct {
	From, To sbp.Entry
}

// String implements fmt.Stringer.
func (t Transition) String() string {
	return t.From.String() + "->" + t.To.String()
}

// Args bundles everything a primitive needs to transform one rank's buffer
// along a single grid axis.
type Args struct {
	Comm *transport.Communicator

	// GlobalShape is the tensor's logical global shape.
	GlobalShape shapes.Shape

	// Placement is the common placement src and dst share.
	Placement *grid.Placement

	// Axis is the grid axis this primitive runs along.
	Axis int

	// StepIndex disambiguates this step's rendezvous ids from every other
	// collective call issued against the same Communicator.
	StepIndex int

	// Rank is the calling rank (must be a member of Placement's grid).
	Rank int

	// DistBefore is the distribution in effect immediately before this
	// step, axis by axis: already-transformed axes carry their destination
	// entry, axis itself and every axis after it still carry their
	// original (source) entry. It lets a primitive recover, purely from
	// values and the calling rank's own coordinate, the tensor-dimension
	// width the axis would have if it were still Broadcast -- no
	// additional communication is needed to learn it.
	DistBefore sbp.Distribution

	Transition Transition

	In buffer.Buffer
}

// fullWidth returns the current width of tensor dimension dim as it would be
// if grid axis a.Axis were Broadcast instead of whatever DistBefore says --
// i.e. the width shared by every rank in a.Axis's axis group, before this
// axis's own split narrows it further. It is a pure function of the global
// shape, placement, and the calling rank's own coordinates on already-
// processed axes, so every rank in the group computes the identical value
// without exchanging anything.
func fullWidth(a Args, dim int) (int, error) {
	withB, err := a.DistBefore.WithEntry(a.Axis, sbp.B())
	if err != nil {
		return 0, err
	}
	res, err := shard.Compute(a.GlobalShape, a.Placement, withB, a.Rank)
	if err != nil {
		return 0, err
	}
	return res.LocalShape.Dim(dim)
}

// axisCoord returns the calling rank's coordinate on a.Axis.
func axisCoord(a Args) (int, int, error) {
	coord, err := a.Placement.Grid.Coordinate(a.Rank)
	if err != nil {
		return 0, 0, err
	}
	h, err := a.Placement.Grid.AxisSize(a.Axis)
	if err != nil {
		return 0, 0, err
	}
	return coord[a.Axis], h, nil
}

// Apply runs the primitive for a.Transition along a.Axis, returning the
// rank's local buffer in the destination tag.
func Apply(ctx context.Context, a Args) (buffer.Buffer, error) {
	from, to := a.Transition.From, a.Transition.To
	switch {
	case from.Kind == sbp.Broadcast && to.Kind == sbp.Broadcast:
		return a.In, nil

	case from.Kind == sbp.Broadcast && to.Kind == sbp.Split:
		ci, h, err := axisCoord(a)
		if err != nil {
			return buffer.Buffer{}, err
		}
		length, err := a.In.Shape.Dim(to.Axis)
		if err != nil {
			return buffer.Buffer{}, err
		}
		span, err := shard.BalancedSplit(length, h, ci)
		if err != nil {
			return buffer.Buffer{}, err
		}
		return buffer.Slice(a.In, to.Axis, span.Begin, span.End)

	case from.Kind == sbp.Broadcast && to.Kind == sbp.Partial:
		ci, _, err := axisCoord(a)
		if err != nil {
			return buffer.Buffer{}, err
		}
		if ci == 0 {
			return a.In, nil
		}
		return buffer.Zero(a.In.Shape), nil

	case from.Kind == sbp.Split && to.Kind == sbp.Broadcast:
		// AllGather+Concat assumes every other grid axis sharing from.Axis's
		// tensor dimension has already been gathered back into contiguous
		// blocks -- the Planner (package plan) schedules gather-phase steps
		// inner-axis-first precisely to keep that true. This primitive does
		// not reorder anything itself.
		return a.Comm.AllGather(ctx, a.StepIndex, a.Axis, a.Rank, from.Axis, a.In)

	case from.Kind == sbp.Split && to.Kind == sbp.Split:
		if from.Axis == to.Axis {
			return a.In, nil
		}
		gathered, err := a.Comm.AllGather(ctx, a.StepIndex, a.Axis, a.Rank, from.Axis, a.In)
		if err != nil {
			return buffer.Buffer{}, err
		}
		ci, h, err := axisCoord(a)
		if err != nil {
			return buffer.Buffer{}, err
		}
		length, err := gathered.Shape.Dim(to.Axis)
		if err != nil {
			return buffer.Buffer{}, err
		}
		span, err := shard.BalancedSplit(length, h, ci)
		if err != nil {
			return buffer.Buffer{}, err
		}
		return buffer.Slice(gathered, to.Axis, span.Begin, span.End)

	case from.Kind == sbp.Split && to.Kind == sbp.Partial:
		// Every rank embeds its own shard, at its own owning slice, into a
		// zero-filled buffer of the pre-split width. Summing across the axis
		// (the downstream P semantics) then reconstructs the original value;
		// a scheme that kept only one coordinate's shard would lose the rest
		// under that sum.
		ci, h, err := axisCoord(a)
		if err != nil {
			return buffer.Buffer{}, err
		}
		full, err := fullWidth(a, from.Axis)
		if err != nil {
			return buffer.Buffer{}, err
		}
		span, err := shard.BalancedSplit(full, h, ci)
		if err != nil {
			return buffer.Buffer{}, err
		}
		embedShape, err := a.In.Shape.WithDim(from.Axis, full)
		if err != nil {
			return buffer.Buffer{}, err
		}
		out := buffer.Zero(embedShape)
		return buffer.Embed(out, a.In, from.Axis, span.Begin)

	case from.Kind == sbp.Partial && to.Kind == sbp.Broadcast:
		return a.Comm.AllReduce(ctx, a.StepIndex, a.Axis, a.Rank, a.In)

	case from.Kind == sbp.Partial && to.Kind == sbp.Split:
		return a.Comm.ReduceScatter(ctx, a.StepIndex, a.Axis, a.Rank, to.Axis, a.In)

	case from.Kind == sbp.Partial && to.Kind == sbp.Partial:
		return a.In, nil
	}

	return buffer.Buffer{}, errors.Errorf("boxing: unsupported transition %s on axis %d", a.Transition, a.Axis)
}
