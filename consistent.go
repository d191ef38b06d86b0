// Package consistent exposes the eager consistent-tensor boxing engine's
// external interface: a consistent tensor's lifecycle -- lifting a local
// buffer via MakeConsistent, boxing it to a new (placement, distribution)
// via Box, and reading a rank's own shard back via ToLocal -- wiring
// together the Grid/Placement (package grid), Distribution (package sbp),
// shard calculator (package shard), planner (package plan), and executor
// (package exec).
//
// Every rank in a placement runs its own Tensor value for the same logical
// consistent tensor -- there is no single cross-rank object -- matching how
// package transport models "one process per rank" as one goroutine per rank
// rather than a single shared address space.
package consistent

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/tensorgrid/consistent/buffer"
	"github.com/tensorgrid/consistent/exec"
	"github.com/tensorgrid/consistent/plan"
	"github.com/tensorgrid/consistent/shard"
	"github.com/tensorgrid/consistent/types/grid"
	"github.com/tensorgrid/consistent/types/sbp"
	"github.com/tensorgrid/consistent/types/shapes"
)

// ErrorKind enumerates the engine's error taxonomy.
type ErrorKind int

const (
	// ShapeMismatch: a local buffer does not match the expected shard shape.
	ShapeMismatch ErrorKind = iota
	// SpecInvalid: distribution length != grid dimensionality, or S(d)
	// refers to a nonexistent tensor dimension.
	SpecInvalid
	// RankNotInPlacement: caller attempted an operation requiring residence
	// in a placement the calling rank does not belong to.
	RankNotInPlacement
	// TransportFailed: the underlying collective or p2p call failed.
	TransportFailed
	// UnsupportedBoxing: the planner cannot produce a plan for the
	// requested pair.
	UnsupportedBoxing
	// Unimplemented: the conversion path is known but not yet realised.
	Unimplemented
)

// String implements fmt.Stringer.
func (k ErrorKind) String() string {
	switch k {
	case ShapeMismatch:
		return "ShapeMismatch"
	case SpecInvalid:
		return "SpecInvalid"
	case RankNotInPlacement:
		return "RankNotInPlacement"
	case TransportFailed:
		return "TransportFailed"
	case UnsupportedBoxing:
		return "UnsupportedBoxing"
	case Unimplemented:
		return "Unimplemented"
	default:
		return "Unknown"
	}
}

// Error is the structured failure value returned by every fallible
// operation in this package: kind, placement, grid axis, step index, and a
// human-readable message.
type Error struct {
	Kind      ErrorKind
	Placement *grid.Placement
	GridAxis  int
	StepIndex int
	Message   string
	Err       error
}

// Error implements the error interface.
func (e *Error) Error() string {
	placement := "<nil>"
	if e.Placement != nil {
		placement = e.Placement.String()
	}
	return fmt.Sprintf("consistent: %s at %s (axis %d, step %d): %s", e.Kind, placement, e.GridAxis, e.StepIndex, e.Message)
}

// Unwrap exposes the underlying cause, if any.
func (e *Error) Unwrap() error { return e.Err }

var cpuOnlyMode bool

// SetCPUOnlyMode toggles cpu-only mode: once enabled, Box fails fast for
// any boxing touching an accelerator placement instead of attempting the
// transfer.
func SetCPUOnlyMode(enabled bool) { cpuOnlyMode = enabled }

// Tensor is one rank's view of a consistent tensor: the global shape and
// (placement, distribution) spec shared by every rank, plus this rank's own
// local shard.
type Tensor struct {
	rank         int
	globalShape  shapes.Shape
	placement    *grid.Placement
	distribution sbp.Distribution
	local        buffer.Buffer
	hasLocal     bool
}

// MakeConsistent lifts a local buffer into a consistent tensor for the
// calling rank. Precondition: rank is a member of placement, and local's
// shape equals the shard shape shard.Compute expects for rank.
func MakeConsistent(rank int, local buffer.Buffer, globalShape shapes.Shape, placement *grid.Placement, distribution sbp.Distribution) (*Tensor, error) {
	if !placement.Grid.Contains(rank) {
		return nil, &Error{Kind: RankNotInPlacement, Placement: placement, Message: fmt.Sprintf("rank %d is not a member of placement %s", rank, placement)}
	}
	if distribution.Len() != placement.Grid.NumAxes() {
		return nil, &Error{Kind: SpecInvalid, Placement: placement, Message: fmt.Sprintf("distribution %s has %d entries, want %d (grid dimensionality)", distribution, distribution.Len(), placement.Grid.NumAxes())}
	}
	if err := distribution.Validate(globalShape.Rank()); err != nil {
		return nil, &Error{Kind: SpecInvalid, Placement: placement, Message: err.Error(), Err: err}
	}
	expected, err := shard.Compute(globalShape, placement, distribution, rank)
	if err != nil {
		return nil, &Error{Kind: SpecInvalid, Placement: placement, Message: err.Error(), Err: err}
	}
	if local.Shape.DType != globalShape.DType || !local.Shape.Equal(expected.LocalShape) {
		return nil, &Error{Kind: ShapeMismatch, Placement: placement, Message: fmt.Sprintf("local buffer has shape %s, want %s", local.Shape, expected.LocalShape)}
	}
	return &Tensor{
		rank:         rank,
		globalShape:  globalShape,
		placement:    placement,
		distribution: distribution,
		local:        local,
		hasLocal:     true,
	}, nil
}

// Box transforms t into a tensor of the requested (dstPlacement,
// dstDistribution) spec, running the planner and executor on the calling
// rank's behalf. The returned tensor's local buffer is materialized iff the
// calling rank is a member of dstPlacement.
//
// Box is a thin convenience wrapper around the package-level Box for a rank
// that already holds a source Tensor: it threads t's own shape, placement,
// and distribution through so the caller doesn't have to restate them. A
// rank that is a member of dstPlacement but never held a source Tensor in
// the first place -- it belongs to the destination of a cross-placement
// boxing but not the source -- has no *Tensor to call this method on; it
// must call the package-level Box directly instead.
func (t *Tensor) Box(ctx context.Context, dstPlacement *grid.Placement, dstDistribution sbp.Distribution) (*Tensor, error) {
	return Box(ctx, t.rank, t.globalShape, t.placement, t.distribution, dstPlacement, dstDistribution, t.local)
}

// Box runs a boxing from (srcPlacement, srcDistribution) to (dstPlacement,
// dstDistribution) for the calling rank, without requiring the rank to
// already hold a source Tensor. This is the entry point a rank that belongs
// to dstPlacement but not srcPlacement must use: such a rank has no shard
// of its own to offer, so it passes the zero buffer.Buffer{} for local and
// still takes part in the planner/executor run, receiving its shard over
// the plan's Bridge step the same way every other destination-only rank
// does. A rank belonging to srcPlacement passes its actual shard as local
// and must give it the shape shard.Compute expects for (globalShape,
// srcPlacement, srcDistribution, rank).
//
// The returned tensor's local buffer is materialized iff the calling rank
// is a member of dstPlacement.
func Box(ctx context.Context, rank int, globalShape shapes.Shape, srcPlacement *grid.Placement, srcDistribution sbp.Distribution, dstPlacement *grid.Placement, dstDistribution sbp.Distribution, local buffer.Buffer) (*Tensor, error) {
	if cpuOnlyMode && (srcPlacement.DeviceKind == grid.Accelerator || dstPlacement.DeviceKind == grid.Accelerator) {
		return nil, &Error{Kind: TransportFailed, Placement: dstPlacement, Message: "cpu_only_mode is enabled; accelerator placements are rejected"}
	}
	if srcDistribution.Len() != srcPlacement.Grid.NumAxes() {
		return nil, &Error{Kind: SpecInvalid, Placement: srcPlacement, Message: fmt.Sprintf("source distribution %s has %d entries, want %d (grid dimensionality)", srcDistribution, srcDistribution.Len(), srcPlacement.Grid.NumAxes())}
	}
	if dstDistribution.Len() != dstPlacement.Grid.NumAxes() {
		return nil, &Error{Kind: SpecInvalid, Placement: dstPlacement, Message: fmt.Sprintf("destination distribution %s has %d entries, want %d (grid dimensionality)", dstDistribution, dstDistribution.Len(), dstPlacement.Grid.NumAxes())}
	}
	if err := srcDistribution.Validate(globalShape.Rank()); err != nil {
		return nil, &Error{Kind: SpecInvalid, Placement: srcPlacement, Message: err.Error(), Err: err}
	}
	if err := dstDistribution.Validate(globalShape.Rank()); err != nil {
		return nil, &Error{Kind: SpecInvalid, Placement: dstPlacement, Message: err.Error(), Err: err}
	}

	switch {
	case srcPlacement.Grid.Contains(rank):
		expected, err := shard.Compute(globalShape, srcPlacement, srcDistribution, rank)
		if err != nil {
			return nil, &Error{Kind: SpecInvalid, Placement: srcPlacement, Message: err.Error(), Err: err}
		}
		if local.Shape.DType != globalShape.DType || !local.Shape.Equal(expected.LocalShape) {
			return nil, &Error{Kind: ShapeMismatch, Placement: srcPlacement, Message: fmt.Sprintf("local buffer has shape %s, want %s", local.Shape, expected.LocalShape)}
		}
	case dstPlacement.Grid.Contains(rank):
		// Destination-only rank: no shard of its own, it joins purely to
		// receive one over the plan's Bridge step.
	default:
		return nil, &Error{Kind: RankNotInPlacement, Placement: srcPlacement, Message: fmt.Sprintf("rank %d is a member of neither the source placement %s nor the destination placement %s", rank, srcPlacement, dstPlacement)}
	}

	p, err := plan.Build(globalShape, srcPlacement, srcDistribution, dstPlacement, dstDistribution)
	if err != nil {
		return nil, planError(err, dstPlacement)
	}

	out, err := exec.Run(ctx, p, rank, local)
	if err != nil {
		return nil, execError(err)
	}

	return &Tensor{
		rank:         rank,
		globalShape:  globalShape,
		placement:    dstPlacement,
		distribution: dstDistribution,
		local:        out,
		hasLocal:     dstPlacement.Grid.Contains(rank),
	}, nil
}

func planError(err error, placement *grid.Placement) error {
	kind := SpecInvalid
	switch {
	case errors.Is(err, plan.ErrUnimplemented):
		kind = Unimplemented
	case errors.Is(err, plan.ErrUnsupportedBoxing):
		kind = UnsupportedBoxing
	}
	return &Error{Kind: kind, Placement: placement, Message: err.Error(), Err: err}
}

func execError(err error) error {
	var failed *exec.Failed
	if errors.As(err, &failed) {
		placement := failed.Step.Placement
		if placement == nil {
			placement = failed.Step.DstPlacement
		}
		return &Error{
			Kind:      TransportFailed,
			Placement: placement,
			GridAxis:  failed.Step.Axis,
			StepIndex: failed.StepIndex,
			Message:   err.Error(),
			Err:       err,
		}
	}
	return &Error{Kind: TransportFailed, Message: err.Error(), Err: err}
}

// ToLocal returns the calling rank's shard. It fails with RankNotInPlacement
// if the rank is not a member of t's placement.
func (t *Tensor) ToLocal() (buffer.Buffer, error) {
	if !t.hasLocal {
		return buffer.Buffer{}, &Error{Kind: RankNotInPlacement, Placement: t.placement, Message: fmt.Sprintf("rank %d does not hold a shard of this tensor", t.rank)}
	}
	return t.local, nil
}

// GlobalShape returns t's logical global shape.
func (t *Tensor) GlobalShape() shapes.Shape { return t.globalShape }

// Placement returns t's placement.
func (t *Tensor) Placement() *grid.Placement { return t.placement }

// Distribution returns t's distribution.
func (t *Tensor) Distribution() sbp.Distribution { return t.distribution }

// Rank returns the calling rank this Tensor value represents.
func (t *Tensor) Rank() int { return t.rank }
