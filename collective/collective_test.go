// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package collective

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunkBounds(t *testing.T) {
	var got [][2]int
	for idx := range 3 {
		start, end := chunkBounds(7, 3, idx)
		got = append(got, [2]int{start, end})
	}
	assert.Equal(t, [][2]int{{0, 3}, {3, 5}, {5, 7}}, got)

	// Fewer elements than workers: trailing chunks are empty.
	start, end := chunkBounds(1, 3, 2)
	assert.Equal(t, start, end)
}

func TestRingAssigner(t *testing.T) {
	a := NewRingAssigner(2)
	var ids []int
	for range 5 {
		ids = append(ids, a.Next())
	}
	assert.Equal(t, []int{0, 1, 0, 1, 0}, ids)
	assert.Panics(t, func() { NewRingAssigner(0) })
}

func TestFailureError(t *testing.T) {
	cause := errors.New("connection reset")
	err := NewFailure(1, "all_reduce_sum", cause)
	assert.ErrorIs(t, err, ErrCollectiveFailure)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "connection reset")
	assert.Same(t, err, NewFailure(0, "other", err))
	assert.NoError(t, NewFailure(0, "all_reduce_sum", nil))

	// Wrapping keeps both matches.
	wrapped := errors.Wrap(err, "round failed")
	assert.ErrorIs(t, wrapped, ErrCollectiveFailure)
	assert.ErrorIs(t, wrapped, cause)
}

// runWorkers establishes rings for every worker using bootstrapFn and runs fn on each of them in
// parallel, returning the per-worker values.
func runWorkers(t *testing.T, worldSize, numRings int, bootstrapFn func(rank int) Bootstrap,
	fn func(rank int, rings []Ring) []float64) [][]float64 {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	results := make([][]float64, worldSize)
	errs := make([]error, worldSize)
	var wg sync.WaitGroup
	for rank := range worldSize {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rings, err := bootstrapFn(rank).EstablishRings(ctx, worldSize, numRings)
			if err != nil {
				errs[rank] = err
				return
			}
			defer func() { _ = CloseAll(rings) }()
			results[rank] = fn(rank, rings)
		}()
	}
	wg.Wait()
	for rank, err := range errs {
		require.NoErrorf(t, err, "worker %d", rank)
	}
	return results
}

func TestLocalClusterAllReduceSum(t *testing.T) {
	for _, worldSize := range []int{1, 2, 3, 5} {
		t.Run(fmt.Sprintf("worldSize=%d", worldSize), func(t *testing.T) {
			cluster := NewLocalCluster(worldSize)
			results := runWorkers(t, worldSize, 2, cluster.Worker, func(rank int, rings []Ring) []float64 {
				values := []float64{float64(rank + 1), 10, float64(-rank), 0.5, 1, 2, 3}
				for _, ring := range rings {
					// Reduce the same buffer on both rings: the second sums the results of the first.
					if err := ring.AllReduceSum(context.Background(), values); err != nil {
						t.Errorf("worker %d: %+v", rank, err)
					}
				}
				return values
			})
			n := float64(worldSize)
			sumRanks := n * (n + 1) / 2
			want := []float64{n * sumRanks, n * n * 10, -n * (sumRanks - n), n * n * 0.5, n * n, n * n * 2, n * n * 3}
			for rank, got := range results {
				assert.Equalf(t, want, got, "worker %d", rank)
			}
		})
	}
}

func TestLocalClusterMean(t *testing.T) {
	cluster := NewLocalCluster(3)
	results := runWorkers(t, 3, 1, cluster.Worker, func(rank int, rings []Ring) []float64 {
		values := []float64{float64(rank + 1)}
		if err := rings[0].AllReduceSum(context.Background(), values); err != nil {
			t.Errorf("worker %d: %+v", rank, err)
		}
		values[0] /= 3
		return values
	})
	for _, got := range results {
		assert.Equal(t, []float64{2}, got)
	}
}

func TestLocalClusterErrors(t *testing.T) {
	cluster := NewLocalCluster(2)
	_, err := cluster.Worker(0).EstablishRings(context.Background(), 3, 1)
	assert.Error(t, err)

	// Second worker never joins.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = cluster.Worker(0).EstablishRings(ctx, 2, 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Panics(t, func() { cluster.Worker(2) })
}

func TestLocalClusterTimeout(t *testing.T) {
	cluster := NewLocalCluster(2)
	var rings0 []Ring
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		var err error
		rings0, err = cluster.Worker(0).EstablishRings(context.Background(), 2, 1)
		require.NoError(t, err)
	}()
	rings1, err := cluster.Worker(1).EstablishRings(context.Background(), 2, 1)
	require.NoError(t, err)
	wg.Wait()

	// Worker 1 never contributes: worker 0 times out with a collective failure.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = rings0[0].AllReduceSum(ctx, []float64{1, 2})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCollectiveFailure)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// A closed ring fails its own operations; its peers only fail when their deadline expires.
	require.NoError(t, rings1[0].Close())
	require.NoError(t, rings1[0].Close())
	err = rings1[0].AllReduceSum(context.Background(), []float64{1, 2})
	assert.ErrorIs(t, err, ErrRingClosed)
	ctx, cancel = context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = rings0[0].AllReduceSum(ctx, []float64{1, 2})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	require.NoError(t, rings0[0].Close())
}

func TestLocalClusterCloseAfterLastReduce(t *testing.T) {
	// Workers close their rings as soon as their own all-reduce returns: slower workers must still
	// complete theirs.
	const worldSize = 5
	for trial := range 20 {
		cluster := NewLocalCluster(worldSize)
		perRank, err := cluster.EstablishAll(context.Background(), 1)
		require.NoError(t, err)
		errs := make([]error, worldSize)
		results := make([][]float64, worldSize)
		var wg sync.WaitGroup
		for rank := range worldSize {
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() { _ = CloseAll(perRank[rank]) }()
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				values := []float64{float64(rank), 1, 2, 3, 4, 5, 6}
				errs[rank] = perRank[rank][0].AllReduceSum(ctx, values)
				results[rank] = values
			}()
		}
		wg.Wait()
		for rank := range worldSize {
			require.NoErrorf(t, errs[rank], "trial %d, worker %d", trial, rank)
			assert.Equalf(t, []float64{10, 5, 10, 15, 20, 25, 30}, results[rank], "trial %d, worker %d", trial, rank)
		}
	}
}

func TestWebSocketAllReduceSum(t *testing.T) {
	const worldSize = 3
	listeners := make([]net.Listener, worldSize)
	peers := make([]string, worldSize)
	for rank := range worldSize {
		l, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		listeners[rank] = l
		peers[rank] = l.Addr().String()
	}
	bootstrapFn := func(rank int) Bootstrap {
		return &WebSocketBootstrap{Rank: rank, Peers: peers, Listener: listeners[rank], RetryInterval: 10 * time.Millisecond}
	}
	results := runWorkers(t, worldSize, 2, bootstrapFn, func(rank int, rings []Ring) []float64 {
		values := make([]float64, 1000)
		for ii := range values {
			values[ii] = float64(rank * ii)
		}
		// Alternate rings, like a synchronization round does.
		for _, ring := range []Ring{rings[0], rings[1], rings[0]} {
			if err := ring.AllReduceSum(context.Background(), values); err != nil {
				t.Errorf("worker %d: %+v", rank, err)
			}
		}
		return values
	})
	for rank, got := range results {
		require.Len(t, got, 1000)
		// Sum over ranks of rank*ii is 3*ii; each further reduction multiplies by 3.
		for ii := range got {
			require.Equalf(t, float64(27*ii), got[ii], "worker %d, index %d", rank, ii)
		}
	}
}

func TestWebSocketBootstrapValidation(t *testing.T) {
	b := &WebSocketBootstrap{Rank: 0, Peers: []string{"127.0.0.1:1"}}
	_, err := b.EstablishRings(context.Background(), 2, 1)
	assert.Error(t, err)
	rings, err := b.EstablishRings(context.Background(), 1, 2)
	require.NoError(t, err)
	require.Len(t, rings, 2)
	assert.NoError(t, rings[1].AllReduceSum(context.Background(), []float64{1}))
}
