// Package grid defines Grid and Placement: an ordered set of ranks arranged
// into an N-dimensional hierarchy, and the (device_kind, Grid) pair that
// locates a consistent tensor's shards.
package grid

import (
	"fmt"
	"slices"

	"github.com/pkg/errors"
)

// DeviceKind tags the kind of device a Placement's ranks sit on.
type DeviceKind int

const (
	// Host placements run their Transport calls synchronously (blocking).
	Host DeviceKind = iota
	// Accelerator placements run their Transport calls exactly as Host
	// placements do: synchronously and in-process. No stream is used and
	// no data is staged through host memory.
	Accelerator
)

// String implements fmt.Stringer.
func (k DeviceKind) String() string {
	switch k {
	case Host:
		return "host"
	case Accelerator:
		return "accelerator"
	default:
		return "unknown"
	}
}

// Grid is an ordered list of global ranks arranged into an N-dimensional
// hierarchy (h1, ..., hN) where the product of all hi equals len(ranks).
// A Grid is immutable after construction.
type Grid struct {
	ranks       []int
	hierarchy   []int
	rankToIndex map[int]int
}

// New builds a Grid from a flat rank list and an optional hierarchy.
// The hierarchy defaults to the 1-D shape (len(ranks),) when omitted.
//
// Errors if the hierarchy's product does not equal len(ranks), or if ranks
// are not unique.
func New(ranks []int, hierarchy ...int) (*Grid, error) {
	if len(ranks) == 0 {
		return nil, errors.New("grid: ranks cannot be empty")
	}
	h := slices.Clone(hierarchy)
	if len(h) == 0 {
		h = []int{len(ranks)}
	}
	product := 1
	for _, size := range h {
		if size <= 0 {
			return nil, errors.Errorf("grid: hierarchy axis sizes must be positive, got %v", h)
		}
		product *= size
	}
	if product != len(ranks) {
		return nil, errors.Errorf("grid: hierarchy %v has product %d, want %d (len(ranks))", h, product, len(ranks))
	}

	rankToIndex := make(map[int]int, len(ranks))
	for i, r := range ranks {
		if _, found := rankToIndex[r]; found {
			return nil, errors.Errorf("grid: rank %d is duplicated", r)
		}
		rankToIndex[r] = i
	}

	return &Grid{
		ranks:       slices.Clone(ranks),
		hierarchy:   h,
		rankToIndex: rankToIndex,
	}, nil
}

// Ranks returns a copy of the ordered rank list.
func (g *Grid) Ranks() []int {
	return slices.Clone(g.ranks)
}

// NumRanks returns the number of ranks in the grid.
func (g *Grid) NumRanks() int {
	return len(g.ranks)
}

// Hierarchy returns a copy of the grid's axis sizes (h1, ..., hN).
func (g *Grid) Hierarchy() []int {
	return slices.Clone(g.hierarchy)
}

// NumAxes returns the grid's dimensionality N.
func (g *Grid) NumAxes() int {
	return len(g.hierarchy)
}

// AxisSize returns the number of slots along grid axis i.
func (g *Grid) AxisSize(axis int) (int, error) {
	if axis < 0 || axis >= len(g.hierarchy) {
		return 0, errors.Errorf("grid: axis %d out of range [0,%d)", axis, len(g.hierarchy))
	}
	return g.hierarchy[axis], nil
}

// Contains reports whether rank r is a member of the grid.
func (g *Grid) Contains(r int) bool {
	_, found := g.rankToIndex[r]
	return found
}

// Coordinate returns rank r's coordinate (c1, ..., cN) in the hierarchy.
// The index of r within Ranks() is decomposed into the mixed-radix
// coordinate defined by Hierarchy(), most-significant axis first.
func (g *Grid) Coordinate(r int) ([]int, error) {
	idx, found := g.rankToIndex[r]
	if !found {
		return nil, errors.Errorf("grid: rank %d not in grid", r)
	}
	coord := make([]int, len(g.hierarchy))
	remaining := idx
	for i := len(g.hierarchy) - 1; i >= 0; i-- {
		coord[i] = remaining % g.hierarchy[i]
		remaining /= g.hierarchy[i]
	}
	return coord, nil
}

// Rank returns the rank (global process id) sitting at coordinate coord.
func (g *Grid) Rank(coord []int) (int, error) {
	if len(coord) != len(g.hierarchy) {
		return 0, errors.Errorf("grid: coordinate %v has wrong rank, want %d axes", coord, len(g.hierarchy))
	}
	idx := 0
	for i, c := range coord {
		if c < 0 || c >= g.hierarchy[i] {
			return 0, errors.Errorf("grid: coordinate %v out of bounds on axis %d (size %d)", coord, i, g.hierarchy[i])
		}
		idx = idx*g.hierarchy[i] + c
	}
	return g.ranks[idx], nil
}

// AxisGroup returns the set of ranks sharing every coordinate of r except
// on the given grid axis -- i.e. the ranks that participate together in a
// collective running along that axis.
func (g *Grid) AxisGroup(r int, axis int) ([]int, error) {
	coord, err := g.Coordinate(r)
	if err != nil {
		return nil, err
	}
	if axis < 0 || axis >= len(g.hierarchy) {
		return nil, errors.Errorf("grid: axis %d out of range [0,%d)", axis, len(g.hierarchy))
	}
	group := make([]int, 0, g.hierarchy[axis])
	c := slices.Clone(coord)
	for i := 0; i < g.hierarchy[axis]; i++ {
		c[axis] = i
		peer, err := g.Rank(c)
		if err != nil {
			return nil, err
		}
		group = append(group, peer)
	}
	return group, nil
}

// Equal returns whether two grids have the same ranks, in the same order,
// with the same hierarchy.
func (g *Grid) Equal(other *Grid) bool {
	if g == nil || other == nil {
		return g == other
	}
	return slices.Equal(g.ranks, other.ranks) && slices.Equal(g.hierarchy, other.hierarchy)
}

// String implements fmt.Stringer.
func (g *Grid) String() string {
	return fmt.Sprintf("Grid(ranks=%v, hierarchy=%v)", g.ranks, g.hierarchy)
}

// Placement pairs a device kind with a Grid: it tells a consistent tensor
// both *which physical kind of device* and *which ranks, arranged how*
// hold its shards.
type Placement struct {
	DeviceKind DeviceKind
	Grid       *Grid
}

// NewPlacement creates a Placement from a flat rank list, device kind, and optional
// hierarchy.
func NewPlacement(kind DeviceKind, ranks []int, hierarchy ...int) (*Placement, error) {
	g, err := New(ranks, hierarchy...)
	if err != nil {
		return nil, errors.WithMessage(err, "grid.NewPlacement")
	}
	return &Placement{DeviceKind: kind, Grid: g}, nil
}

// Equal returns whether two placements have the same device kind and the
// same grid (ranks and hierarchy match element-wise).
func (p *Placement) Equal(other *Placement) bool {
	if p == nil || other == nil {
		return p == other
	}
	return p.DeviceKind == other.DeviceKind && p.Grid.Equal(other.Grid)
}

// Overlaps returns whether the two placements' rank sets intersect.
func (p *Placement) Overlaps(other *Placement) bool {
	return len(p.IntersectionRanks(other)) > 0
}

// Disjoint returns whether the two placements' rank sets are disjoint.
func (p *Placement) Disjoint(other *Placement) bool {
	return !p.Overlaps(other)
}

// Contains returns whether other's rank set is a subset of p's.
func (p *Placement) Contains(other *Placement) bool {
	for _, r := range other.Grid.Ranks() {
		if !p.Grid.Contains(r) {
			return false
		}
	}
	return true
}

// IntersectionRanks returns the ranks present in both placements, in p's
// order.
func (p *Placement) IntersectionRanks(other *Placement) []int {
	var out []int
	for _, r := range p.Grid.Ranks() {
		if other.Grid.Contains(r) {
			out = append(out, r)
		}
	}
	return out
}

// String implements fmt.Stringer.
func (p *Placement) String() string {
	return "Placement(" + p.DeviceKind.String() + ", " + p.Grid.String() + ")"
}
