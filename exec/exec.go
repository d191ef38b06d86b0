// Package exec implements the plan executor: it drives a Plan (package
// plan) step by step for one rank, acquiring the Communicators the plan
// touches, issuing the boxing primitives and point-to-point Bridges against
// Transport, and producing that rank's local shard of the boxed tensor --
// or no shard at all, if the rank is not a member of the plan's destination
// placement.
//
// Every rank runs the identical Plan in the identical order; on a host
// placement every Transport call already blocks in-process, so no
// additional synchronization is needed here beyond that per-step ordering.
package exec

import (
	"context"

	"github.com/pkg/errors"

	"github.com/tensorgrid/consistent/boxing"
	"github.com/tensorgrid/consistent/buffer"
	"github.com/tensorgrid/consistent/plan"
	"github.com/tensorgrid/consistent/transport"
)

// Failed reports which plan step a boxing call failed on, identifying the
// failing primitive, placement, and grid axis.
type Failed struct {
	StepIndex int
	Step      plan.Step
	Err       error
}

func (f *Failed) Error() string {
	return errors.Wrapf(f.Err, "exec: step %d (%s) failed", f.StepIndex, describeStep(f.Step)).Error()
}

func (f *Failed) Unwrap() error { return f.Err }

func describeStep(s plan.Step) string {
	if s.Kind == plan.AxisStep {
		return s.Transition.String()
	}
	return "bridge"
}

// Run drives plan p for rank, starting from in (the rank's current local
// buffer; zero-value if rank is not a member of p.SrcPlacement), and returns
// the buffer rank should hold once the plan completes.
//
// A failure before the final step releases every Communicator the plan
// acquired and returns a *Failed identifying the offending step. No rank
// may observe a partially completed boxing, so the caller (package
// consistent) must treat any error here as producing no destination tensor
// at all.
func Run(ctx context.Context, p *plan.Plan, rank int, in buffer.Buffer) (buffer.Buffer, error) {
	placements := p.Placements()
	comms := make(map[string]*transport.Communicator, len(placements))
	for _, pl := range placements {
		comms[pl.String()] = transport.Acquire(pl)
	}
	defer func() {
		for _, c := range comms {
			transport.Release(c)
		}
	}()

	cur := in
	for i, step := range p.Steps {
		switch step.Kind {
		case plan.AxisStep:
			if !step.Placement.Grid.Contains(rank) {
				continue
			}
			comm := comms[step.Placement.String()]
			out, err := boxing.Apply(ctx, boxing.Args{
				Comm:        comm,
				GlobalShape: p.GlobalShape,
				Placement:   step.Placement,
				Axis:        step.Axis,
				StepIndex:   i,
				Rank:        rank,
				DistBefore:  step.DistBefore,
				Transition:  step.Transition,
				In:          cur,
			})
			if err != nil {
				return buffer.Buffer{}, &Failed{StepIndex: i, Step: step, Err: err}
			}
			cur = out

		case plan.BridgeStep:
			net := transport.DefaultNetwork()
			for _, pair := range step.Pairs {
				if pair.SrcRank == rank {
					if err := net.Send(ctx, i, pair.SrcRank, pair.DstRank, cur); err != nil {
						return buffer.Buffer{}, &Failed{StepIndex: i, Step: step, Err: err}
					}
				}
			}
			for _, pair := range step.Pairs {
				if pair.DstRank == rank {
					recv, err := net.Recv(ctx, i, pair.SrcRank, pair.DstRank)
					if err != nil {
						return buffer.Buffer{}, &Failed{StepIndex: i, Step: step, Err: err}
					}
					cur = recv
				}
			}

		default:
			return buffer.Buffer{}, errors.Errorf("exec: unknown step kind %d at index %d", step.Kind, i)
		}
	}
	return cur, nil
}
