// Package plan implements the boxing planner: given a source and
// destination (placement, distribution) pair and a global shape, it builds
// the ordered, deterministic sequence of steps (a Plan) that the Executor
// (package exec) later drives.
//
// Build is a pure, value-in/value-out function -- no singleton or process
// state, no rank parameter -- so every rank, handed the same arguments,
// constructs the identical Plan.
package plan

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/tensorgrid/consistent/boxing"
	"github.com/tensorgrid/consistent/internal/utils"
	"github.com/tensorgrid/consistent/types/grid"
	"github.com/tensorgrid/consistent/types/sbp"
	"github.com/tensorgrid/consistent/types/shapes"
)

// Kind discriminates a Step's two shapes: a same-placement axis transform,
// run through a Communicator, or a cross-placement Bridge, run through the
// point-to-point Network.
type Kind int

const (
	// AxisStep runs one grid axis's Primitive Boxing on a single placement.
	AxisStep Kind = iota
	// BridgeStep ships data between two different placements' ranks.
	BridgeStep
)

// BridgePair is one paired point-to-point transfer of a Bridge step: src
// and dst grid coordinates are ordered lexicographically and zipped, with
// extras paired round-robin.
type BridgePair struct {
	SrcRank, DstRank int
}

// Step is one entry of a Plan.
type Step struct {
	Kind Kind

	// AxisStep fields.
	Placement  *grid.Placement
	Axis       int
	Transition boxing.Transition
	// DistBefore is the distribution in effect on Placement immediately
	// before this step (see boxing.Args.DistBefore).
	DistBefore sbp.Distribution

	// BridgeStep fields. Ranks of DstPlacement appearing as a Pairs entry's
	// DstRank receive a buffer; every other DstPlacement rank already holds
	// the right value carried over from the prior step (it was already a
	// member of SrcPlacement).
	SrcPlacement *grid.Placement
	DstPlacement *grid.Placement
	Pairs        []BridgePair
}

// Plan is the ordered, deterministic sequence of steps connecting
// (SrcPlacement, SrcDist) to (DstPlacement, DstDist) for a tensor of
// GlobalShape.
type Plan struct {
	GlobalShape  shapes.Shape
	SrcPlacement *grid.Placement
	SrcDist      sbp.Distribution
	DstPlacement *grid.Placement
	DstDist      sbp.Distribution
	Steps        []Step
}

// Placements returns the distinct placements the plan's AxisSteps run on, in
// first-use order, for the Executor to acquire Communicators for up front.
func (p *Plan) Placements() []*grid.Placement {
	var out []*grid.Placement
	seen := utils.MakeSet[string](2)
	add := func(pl *grid.Placement) {
		if pl == nil {
			return
		}
		key := pl.String()
		if seen.Has(key) {
			return
		}
		seen.Insert(key)
		out = append(out, pl)
	}
	for _, s := range p.Steps {
		if s.Kind == AxisStep {
			add(s.Placement)
		}
	}
	return out
}

// unimplemented2D recognizes the 2-D distribution [S(0), B], whose
// semantics are not pinned down. We don't infer intended semantics for it;
// callers get ErrUnimplemented instead of a silently wrong plan.
func unimplemented2D(d sbp.Distribution) bool {
	if d.Len() != 2 {
		return false
	}
	e0, _ := d.At(0)
	e1, _ := d.At(1)
	return e0.Kind == sbp.Split && e0.Axis == 0 && e1.Kind == sbp.Broadcast
}

// Sentinel error kinds. Callers (package consistent) map these to the
// engine's structured Error kinds. Build returns SpecInvalid and
// Unimplemented; it never returns UnsupportedBoxing, since every accepted
// (placement, distribution) pair gets a plan, and ShapeMismatch is never
// produced here.
var (
	ErrSpecInvalid       = errors.New("plan: distribution does not match grid dimensionality or tensor rank")
	ErrUnsupportedBoxing = errors.New("plan: no plan exists for this (placement, distribution) pair")
	ErrUnimplemented     = errors.New("plan: conversion path known but not yet realised")
)

// Build constructs the deterministic Plan moving a tensor of globalShape
// from (srcP, srcD) to (dstP, dstD).
func Build(globalShape shapes.Shape, srcP *grid.Placement, srcD sbp.Distribution, dstP *grid.Placement, dstD sbp.Distribution) (*Plan, error) {
	if srcD.Len() != srcP.Grid.NumAxes() {
		return nil, errors.Wrapf(ErrSpecInvalid, "source distribution %s has %d entries, want %d", srcD, srcD.Len(), srcP.Grid.NumAxes())
	}
	if dstD.Len() != dstP.Grid.NumAxes() {
		return nil, errors.Wrapf(ErrSpecInvalid, "destination distribution %s has %d entries, want %d", dstD, dstD.Len(), dstP.Grid.NumAxes())
	}
	if err := srcD.Validate(globalShape.Rank()); err != nil {
		return nil, errors.Wrap(ErrSpecInvalid, err.Error())
	}
	if err := dstD.Validate(globalShape.Rank()); err != nil {
		return nil, errors.Wrap(ErrSpecInvalid, err.Error())
	}
	if unimplemented2D(srcD) || unimplemented2D(dstD) {
		return nil, errors.Wrap(ErrUnimplemented, "2-D distribution [S(0),B] has no pinned-down semantics")
	}

	base := &Plan{GlobalShape: globalShape, SrcPlacement: srcP, SrcDist: srcD, DstPlacement: dstP, DstDist: dstD}

	if srcP.Equal(dstP) {
		base.Steps = axisSteps(srcP, srcD, dstD)
		return base, nil
	}

	// Every other placement relationship (disjoint, contains, contained,
	// overlapping) is realised uniformly by routing through full
	// replication: the source placement reduces its distribution to B on
	// every one of its own ranks, any destination rank outside the source
	// placement receives that B value over a Bridge, and the destination
	// placement then derives dstD from B locally. Full replication is the
	// one representation any two placements can agree on without further
	// negotiation, so this is always correct, though not always the
	// fewest-hop route.
	allBSrc := replicated(srcD.Len())
	allBDst := replicated(dstD.Len())

	steps := axisSteps(srcP, srcD, allBSrc)
	steps = append(steps, bridgeStep(srcP, dstP))
	steps = append(steps, axisSteps(dstP, allBDst, dstD)...)
	base.Steps = steps
	return base, nil
}

// replicated returns the fully-broadcast Distribution of length n.
func replicated(n int) sbp.Distribution {
	d := make(sbp.Distribution, n)
	for i := range d {
		d[i] = sbp.B()
	}
	return d
}

// axisSteps builds the ordered axis transforms moving placement p's local
// buffers from distribution `from` to `to`, skipping axes whose entry is
// unchanged.
//
// Two tensor-dimension-nesting directions must be told apart, not just
// followed outer-to-inner uniformly:
//
//   - An axis moving away from Broadcast (B->S, B->P) is a *split*: it
//     narrows a dimension. shard.Compute composes nested splits outer axis
//     first, inner axis second, so these steps must run in that same
//     outer-to-inner order for the DistBefore-derived recovery of the
//     already-narrowed width to agree with what shard.Compute derives.
//   - An axis moving away from Split or Partial (S->B, S->S(d'), S->P,
//     P->B, P->S) is a *gather*: it widens a dimension back out. For two
//     grid axes nested on the very same tensor dimension, undoing a split
//     must run in the exact reverse of the order it was applied in, or an
//     outer-axis gather concatenates blocks that are not yet contiguous
//     (the inner axis's shards haven't been reassembled into them yet).
//     These steps therefore run inner-axis-first (highest grid axis index
//     first).
//
// Every step's DistBefore is threaded through an actual running
// distribution snapshot rather than derived from axis position, so it
// reflects the distribution truly in effect at that point in the (now
// non-monotonic) execution order.
func axisSteps(p *grid.Placement, from, to sbp.Distribution) []Step {
	n := from.Len()
	current := from.Clone()

	var gatherAxes, splitAxes []int
	for axis := 0; axis < n; axis++ {
		fe, _ := from.At(axis)
		te, _ := to.At(axis)
		if fe.Equal(te) {
			continue
		}
		if fe.Kind == sbp.Broadcast {
			splitAxes = append(splitAxes, axis)
		} else {
			gatherAxes = append(gatherAxes, axis)
		}
	}

	steps := make([]Step, 0, len(gatherAxes)+len(splitAxes))

	emit := func(axis int) {
		te, _ := to.At(axis)
		steps = append(steps, Step{
			Kind:       AxisStep,
			Placement:  p,
			Axis:       axis,
			Transition: boxing.Transition{From: current[axis], To: te},
			DistBefore: current.Clone(),
		})
		current[axis] = te
	}

	for i := len(gatherAxes) - 1; i >= 0; i-- {
		emit(gatherAxes[i])
	}
	for _, axis := range splitAxes {
		emit(axis)
	}
	return steps
}

// bridgeStep pairs every destination rank absent from the source placement
// with a source-placement rank, lexicographically by grid coordinate with
// round-robin extras.
func bridgeStep(srcP, dstP *grid.Placement) Step {
	srcRanks := lexicographicRanks(srcP)
	srcSet := utils.SetWith(srcP.Grid.Ranks()...)

	var pairs []BridgePair
	if len(srcRanks) > 0 {
		for _, dr := range lexicographicRanks(dstP) {
			if srcSet.Has(dr) {
				continue
			}
			sr := srcRanks[len(pairs)%len(srcRanks)]
			pairs = append(pairs, BridgePair{SrcRank: sr, DstRank: dr})
		}
	}
	return Step{Kind: BridgeStep, SrcPlacement: srcP, DstPlacement: dstP, Pairs: pairs}
}

// lexicographicRanks returns p's ranks ordered by their grid coordinate,
// most-significant axis first.
func lexicographicRanks(p *grid.Placement) []int {
	ranks := p.Grid.Ranks()
	sort.Slice(ranks, func(i, j int) bool {
		ci, _ := p.Grid.Coordinate(ranks[i])
		cj, _ := p.Grid.Coordinate(ranks[j])
		for k := range ci {
			if ci[k] != cj[k] {
				return ci[k] < cj[k]
			}
		}
		return false
	})
	return ranks
}
