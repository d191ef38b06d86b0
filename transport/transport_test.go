package transport_test

import (
	"context"
	"sync"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/tensorgrid/consistent/buffer"
	"github.com/tensorgrid/consistent/transport"
	"github.com/tensorgrid/consistent/types/grid"
	"github.com/tensorgrid/consistent/types/shapes"
)

func vecBuf(t *testing.T, v float64, n int) buffer.Buffer {
	t.Helper()
	values := make([]float64, n)
	for i := range values {
		values[i] = v
	}
	b, err := buffer.FromFloat64(shapes.Make(dtypes.Float64, n), values)
	require.NoError(t, err)
	return b
}

func TestAllReduce(t *testing.T) {
	p, err := grid.NewPlacement(grid.Host, []int{0, 1, 2, 3})
	require.NoError(t, err)
	c := transport.Acquire(p)
	defer transport.Release(c)

	results := make([]buffer.Buffer, 4)
	var g errgroup.Group
	for rank := 0; rank < 4; rank++ {
		rank := rank
		g.Go(func() error {
			in := vecBuf(t, float64(rank+1), 3)
			out, err := c.AllReduce(context.Background(), 0, 0, rank, in)
			if err != nil {
				return err
			}
			results[rank] = out
			return nil
		})
	}
	require.NoError(t, g.Wait())

	want := []float64{10, 10, 10} // 1+2+3+4
	for rank := 0; rank < 4; rank++ {
		got, err := buffer.ToFloat64(results[rank])
		require.NoError(t, err)
		require.Equal(t, want, got, "rank %d", rank)
	}
}

func TestAllGather(t *testing.T) {
	p, err := grid.NewPlacement(grid.Host, []int{0, 1})
	require.NoError(t, err)
	c := transport.Acquire(p)
	defer transport.Release(c)

	results := make([]buffer.Buffer, 2)
	var g errgroup.Group
	for rank := 0; rank < 2; rank++ {
		rank := rank
		g.Go(func() error {
			in := vecBuf(t, float64(rank), 2)
			out, err := c.AllGather(context.Background(), 0, 0, rank, 0, in)
			if err != nil {
				return err
			}
			results[rank] = out
			return nil
		})
	}
	require.NoError(t, g.Wait())

	for rank := 0; rank < 2; rank++ {
		got, err := buffer.ToFloat64(results[rank])
		require.NoError(t, err)
		require.Equal(t, []float64{0, 0, 1, 1}, got, "rank %d", rank)
	}
}

func TestReduceScatter(t *testing.T) {
	// Uneven scatter: a length-5 vector reduced over 2 ranks then
	// scattered 3/2.
	p, err := grid.NewPlacement(grid.Host, []int{0, 1})
	require.NoError(t, err)
	c := transport.Acquire(p)
	defer transport.Release(c)

	results := make([]buffer.Buffer, 2)
	var g errgroup.Group
	for rank := 0; rank < 2; rank++ {
		rank := rank
		g.Go(func() error {
			in := vecBuf(t, float64(rank+1), 5) // rank0 all 1s, rank1 all 2s
			out, err := c.ReduceScatter(context.Background(), 0, 0, rank, 0, in)
			if err != nil {
				return err
			}
			results[rank] = out
			return nil
		})
	}
	require.NoError(t, g.Wait())

	got0, err := buffer.ToFloat64(results[0])
	require.NoError(t, err)
	require.Equal(t, []float64{3, 3, 3}, got0)

	got1, err := buffer.ToFloat64(results[1])
	require.NoError(t, err)
	require.Equal(t, []float64{3, 3}, got1)
}

func TestBroadcast(t *testing.T) {
	p, err := grid.NewPlacement(grid.Host, []int{0, 1, 2})
	require.NoError(t, err)
	c := transport.Acquire(p)
	defer transport.Release(c)

	var mu sync.Mutex
	results := make(map[int]buffer.Buffer)
	var g errgroup.Group
	for rank := 0; rank < 3; rank++ {
		rank := rank
		g.Go(func() error {
			var in buffer.Buffer
			if rank == 1 {
				in = vecBuf(t, 42, 1)
			}
			out, err := c.Broadcast(context.Background(), 0, 0, rank, 1, in)
			if err != nil {
				return err
			}
			mu.Lock()
			results[rank] = out
			mu.Unlock()
			return nil
		})
	}
	require.NoError(t, g.Wait())

	for rank := 0; rank < 3; rank++ {
		got, err := buffer.ToFloat64(results[rank])
		require.NoError(t, err)
		require.Equal(t, []float64{42}, got, "rank %d", rank)
	}
}

func TestNetworkSendRecv(t *testing.T) {
	n := transport.NewNetwork()
	in := vecBuf(t, 7, 2)

	var g errgroup.Group
	g.Go(func() error {
		return n.Send(context.Background(), 0, 0, 1, in)
	})
	var out buffer.Buffer
	g.Go(func() error {
		var err error
		out, err = n.Recv(context.Background(), 0, 0, 1)
		return err
	})
	require.NoError(t, g.Wait())

	got, err := buffer.ToFloat64(out)
	require.NoError(t, err)
	require.Equal(t, []float64{7, 7}, got)
}

func TestAcquireReleaseReusesCommunicator(t *testing.T) {
	p, err := grid.NewPlacement(grid.Host, []int{0, 1})
	require.NoError(t, err)
	c1 := transport.Acquire(p)
	c2 := transport.Acquire(p)
	require.Same(t, c1, c2)
	transport.Release(c1)
	transport.Release(c2)

	c3 := transport.Acquire(p)
	defer transport.Release(c3)
	require.NotNil(t, c3)
}
