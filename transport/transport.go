// Package transport provides point-to-point send/recv and the collectives
// (all_gather, reduce_scatter, all_reduce, broadcast) a Communicator runs
// over the ranks of one grid axis.
//
// Every call is collective across exactly the ranks of the associated grid
// axis, or point-to-point between exactly two ranks. The set of ranks and
// their relative order is derived purely from the Grid, so every
// participating rank reaches the same rendezvous point by construction --
// this package never depends on which rank happens to call in first.
//
// Ranks are goroutines within a single process, one goroutine standing in
// for one rank's process: a Communicator rendezvouses the calls made by
// every rank's goroutine and performs the actual data movement locally.
package transport

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/tensorgrid/consistent/buffer"
	"github.com/tensorgrid/consistent/shard"
	"github.com/tensorgrid/consistent/types/grid"
)

// Options configures the Transport layer.
type Options struct {
	// CPUOnly records cpu-only mode. Nothing in this package reads it:
	// Acquire and the collectives treat host and accelerator placements
	// alike. Cpu-only mode is enforced by consistent.SetCPUOnlyMode.
	CPUOnly bool
}

var log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Str("component", "transport").Logger()

// Failed wraps a transport-layer failure with the offending operation, the
// grid axis it ran along, and the participating rank set.
type Failed struct {
	Op            string
	Placement     *grid.Placement
	GridAxis      int
	ParticipantOf []int
	Err           error
}

func (f *Failed) Error() string {
	return fmt.Sprintf("transport: %s failed on %s axis %d (participants %v): %v", f.Op, f.Placement, f.GridAxis, f.ParticipantOf, f.Err)
}

func (f *Failed) Unwrap() error { return f.Err }

// rendezvous is a single collective call's gather point: every participant
// contributes its buffer and blocks until the last arrival computes and
// publishes the combined result.
type rendezvous struct {
	participants int
	mu           sync.Mutex
	arrived      map[int]buffer.Buffer
	done         chan struct{}
	result       buffer.Buffer
	err          error
}

// Communicator backs one Placement's collectives. It is process-wide state,
// keyed by the Placement's (device_kind, ranks, hierarchy) and
// reference-counted via Acquire/Release, so it may be reused across many
// boxing calls without re-initializing per call.
type Communicator struct {
	placement *grid.Placement
	key       string
	refCount  int32

	mu      sync.Mutex
	pending map[string]*rendezvous
}

var (
	registryMu sync.Mutex
	registry   = map[string]*Communicator{}
)

func placementKey(p *grid.Placement) string {
	return fmt.Sprintf("%s|%v|%v", p.DeviceKind, p.Grid.Ranks(), p.Grid.Hierarchy())
}

// Acquire returns the process-wide Communicator for p, creating it on first
// use and incrementing its reference count.
func Acquire(p *grid.Placement) *Communicator {
	key := placementKey(p)
	registryMu.Lock()
	defer registryMu.Unlock()
	c, found := registry[key]
	if !found {
		c = &Communicator{placement: p, key: key, pending: make(map[string]*rendezvous)}
		registry[key] = c
		log.Debug().Str("placement", p.String()).Msg("communicator initialized")
	}
	atomic.AddInt32(&c.refCount, 1)
	return c
}

// Release decrements c's reference count, tearing it down from the registry
// once no caller still holds it.
func Release(c *Communicator) {
	if atomic.AddInt32(&c.refCount, -1) > 0 {
		return
	}
	registryMu.Lock()
	defer registryMu.Unlock()
	if registry[c.key] == c {
		delete(registry, c.key)
		log.Debug().Str("placement", c.placement.String()).Msg("communicator torn down")
	}
}

// combineFunc folds every participant's contribution (keyed by rank) into a
// single result buffer.
type combineFunc func(arrived map[int]buffer.Buffer, order []int) (buffer.Buffer, error)

func (c *Communicator) rendezvousCall(ctx context.Context, op string, id string, axis, rank int, order []int, in buffer.Buffer, combine combineFunc) (buffer.Buffer, error) {
	// Distinct axis groups along the same grid axis (e.g. the two rows of a
	// (2,2) grid) run independent collectives concurrently; the group's rank
	// list is part of the key so their rendezvous never alias.
	id = fmt.Sprintf("%s:%v", id, order)
	c.mu.Lock()
	rv, found := c.pending[id]
	if !found {
		rv = &rendezvous{participants: len(order), arrived: make(map[int]buffer.Buffer, len(order)), done: make(chan struct{})}
		c.pending[id] = rv
	}
	c.mu.Unlock()

	rv.mu.Lock()
	rv.arrived[rank] = in
	isLast := len(rv.arrived) == rv.participants
	if isLast {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}
	rv.mu.Unlock()

	if isLast {
		result, err := combine(rv.arrived, order)
		rv.result, rv.err = result, err
		if err != nil {
			log.Error().Str("op", op).Str("placement", c.placement.String()).Err(err).Msg("collective failed")
		}
		close(rv.done)
	}

	select {
	case <-rv.done:
		if rv.err != nil {
			return buffer.Buffer{}, &Failed{Op: op, Placement: c.placement, GridAxis: axis, ParticipantOf: order, Err: rv.err}
		}
		return rv.result, nil
	case <-ctx.Done():
		return buffer.Buffer{}, &Failed{Op: op, Placement: c.placement, GridAxis: axis, ParticipantOf: order, Err: ctx.Err()}
	}
}

// AllReduce sums in across every rank sharing rank's coordinate on grid axis
// axis, and returns the sum to every participant.
func (c *Communicator) AllReduce(ctx context.Context, stepIndex, axis, rank int, in buffer.Buffer) (buffer.Buffer, error) {
	order, err := c.placement.Grid.AxisGroup(rank, axis)
	if err != nil {
		return buffer.Buffer{}, &Failed{Op: "AllReduce", Placement: c.placement, GridAxis: axis, Err: err}
	}
	id := fmt.Sprintf("allreduce:%d:%d", stepIndex, axis)
	return c.rendezvousCall(ctx, "AllReduce", id, axis, rank, order, in, func(arrived map[int]buffer.Buffer, order []int) (buffer.Buffer, error) {
		sum := arrived[order[0]]
		for _, r := range order[1:] {
			var err error
			sum, err = buffer.Add(sum, arrived[r])
			if err != nil {
				return buffer.Buffer{}, err
			}
		}
		return sum, nil
	})
}

// AllGather concatenates in, contributed by every rank sharing rank's
// coordinate on grid axis axis, along tensor axis concatDim, ranks ordered
// by their coordinate on axis.
func (c *Communicator) AllGather(ctx context.Context, stepIndex, axis, rank, concatDim int, in buffer.Buffer) (buffer.Buffer, error) {
	order, err := c.placement.Grid.AxisGroup(rank, axis)
	if err != nil {
		return buffer.Buffer{}, &Failed{Op: "AllGather", Placement: c.placement, GridAxis: axis, Err: err}
	}
	id := fmt.Sprintf("allgather:%d:%d", stepIndex, axis)
	return c.rendezvousCall(ctx, "AllGather", id, axis, rank, order, in, func(arrived map[int]buffer.Buffer, order []int) (buffer.Buffer, error) {
		bufs := make([]buffer.Buffer, len(order))
		for i, r := range order {
			bufs[i] = arrived[r]
		}
		return buffer.Concat(bufs, concatDim)
	})
}

// ReduceScatter sums in across the axis group and scatters the result along
// tensor axis scatterDim, each rank receiving the balanced-split slice
// matching its coordinate on axis.
func (c *Communicator) ReduceScatter(ctx context.Context, stepIndex, axis, rank, scatterDim int, in buffer.Buffer) (buffer.Buffer, error) {
	order, err := c.placement.Grid.AxisGroup(rank, axis)
	if err != nil {
		return buffer.Buffer{}, &Failed{Op: "ReduceScatter", Placement: c.placement, GridAxis: axis, Err: err}
	}
	id := fmt.Sprintf("reducescatter:%d:%d", stepIndex, axis)
	full, err := c.rendezvousCall(ctx, "ReduceScatter", id, axis, rank, order, in, func(arrived map[int]buffer.Buffer, order []int) (buffer.Buffer, error) {
		sum := arrived[order[0]]
		for _, r := range order[1:] {
			var err error
			sum, err = buffer.Add(sum, arrived[r])
			if err != nil {
				return buffer.Buffer{}, err
			}
		}
		return sum, nil
	})
	if err != nil {
		return buffer.Buffer{}, err
	}
	coord, err := c.placement.Grid.Coordinate(rank)
	if err != nil {
		return buffer.Buffer{}, err
	}
	h, err := c.placement.Grid.AxisSize(axis)
	if err != nil {
		return buffer.Buffer{}, err
	}
	span, err := shard.BalancedSplit(full.Shape.Dimensions[scatterDim], h, coord[axis])
	if err != nil {
		return buffer.Buffer{}, err
	}
	return buffer.Slice(full, scatterDim, span.Begin, span.End)
}

// Broadcast sends the contribution of the rank sitting at coordinate
// rootCoordOnAxis (on grid axis axis) to every other rank in the group.
// Non-root callers' in buffers are ignored.
func (c *Communicator) Broadcast(ctx context.Context, stepIndex, axis, rank, rootCoordOnAxis int, in buffer.Buffer) (buffer.Buffer, error) {
	order, err := c.placement.Grid.AxisGroup(rank, axis)
	if err != nil {
		return buffer.Buffer{}, &Failed{Op: "Broadcast", Placement: c.placement, GridAxis: axis, Err: err}
	}
	if rootCoordOnAxis < 0 || rootCoordOnAxis >= len(order) {
		return buffer.Buffer{}, &Failed{Op: "Broadcast", Placement: c.placement, GridAxis: axis, Err: errors.Errorf("root coordinate %d out of range [0,%d)", rootCoordOnAxis, len(order))}
	}
	id := fmt.Sprintf("broadcast:%d:%d", stepIndex, axis)
	return c.rendezvousCall(ctx, "Broadcast", id, axis, rank, order, in, func(arrived map[int]buffer.Buffer, order []int) (buffer.Buffer, error) {
		return arrived[order[rootCoordOnAxis]], nil
	})
}

// p2pSlot is a single send/recv pairing's rendezvous point.
type p2pSlot struct {
	mu   sync.Mutex
	buf  buffer.Buffer
	done chan struct{}
}

// Network is the process-wide point-to-point mailbox used by cross-
// placement Bridges, independent of any one Communicator (two bridged
// ranks may belong to entirely different grids).
type Network struct {
	mu      sync.Mutex
	pending map[string]*p2pSlot
}

// NewNetwork creates an empty point-to-point mailbox.
func NewNetwork() *Network {
	return &Network{pending: make(map[string]*p2pSlot)}
}

var defaultNetwork = NewNetwork()

// DefaultNetwork returns the process-wide point-to-point mailbox used by
// Bridge steps (package exec), the same way Acquire/Release hand out a
// process-wide Communicator per placement.
func DefaultNetwork() *Network {
	return defaultNetwork
}

func (n *Network) slot(id string) *p2pSlot {
	n.mu.Lock()
	defer n.mu.Unlock()
	s, found := n.pending[id]
	if !found {
		s = &p2pSlot{done: make(chan struct{})}
		n.pending[id] = s
	}
	return s
}

// Send delivers buf from rank `from` to rank `to`, identified by stepIndex
// so repeated bridges at different plan steps never alias each other.
func (n *Network) Send(ctx context.Context, stepIndex, from, to int, buf buffer.Buffer) error {
	id := fmt.Sprintf("%d:%d:%d", stepIndex, from, to)
	s := n.slot(id)
	s.mu.Lock()
	select {
	case <-s.done:
		s.mu.Unlock()
		return errors.Errorf("transport: p2p slot %s already used", id)
	default:
	}
	s.buf = buf
	close(s.done)
	s.mu.Unlock()
	return nil
}

// Recv blocks until rank `from` has sent to rank `to` at stepIndex, or ctx
// is cancelled.
func (n *Network) Recv(ctx context.Context, stepIndex, from, to int) (buffer.Buffer, error) {
	id := fmt.Sprintf("%d:%d:%d", stepIndex, from, to)
	s := n.slot(id)
	select {
	case <-s.done:
		n.mu.Lock()
		delete(n.pending, id)
		n.mu.Unlock()
		return s.buf, nil
	case <-ctx.Done():
		return buffer.Buffer{}, &Failed{Op: "Recv", ParticipantOf: []int{from, to}, Err: ctx.Err()}
	}
}
