// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package collective

import (
	"context"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// link connects a worker to its neighbors in a ring: it sends to the next rank and receives
// from the previous one. Messages are delivered in order.
type link interface {
	send(ctx context.Context, values []float64) error
	recv(ctx context.Context) ([]float64, error)
}

// chunkBounds returns the [start, end) range of chunk idx when splitting length elements
// in n chunks. Chunks may be empty if length < n.
func chunkBounds(length, n, idx int) (start, end int) {
	base, extra := length/n, length%n
	start = idx*base + min(idx, extra)
	end = start + base
	if idx < extra {
		end++
	}
	return
}

// ringAllReduceSum implements the ring all-reduce: a reduce-scatter followed by an all-gather,
// each of size-1 steps. In every step a worker sends one chunk to the next rank and receives one
// chunk from the previous rank, concurrently, so the transport never needs to buffer more than one
// message per direction.
//
// After the all-gather every worker holds bit-identical results: each chunk is reduced by exactly
// one worker and copied by the others.
func ringAllReduceSum(ctx context.Context, l link, rank, size int, values []float64) error {
	if size == 1 {
		return nil
	}
	mod := func(x int) int { return ((x % size) + size) % size }
	exchange := func(sendIdx, recvIdx int, combine func(dst, src []float64)) error {
		sendStart, sendEnd := chunkBounds(len(values), size, sendIdx)
		recvStart, recvEnd := chunkBounds(len(values), size, recvIdx)
		outgoing := make([]float64, sendEnd-sendStart)
		copy(outgoing, values[sendStart:sendEnd])

		var incoming []float64
		g, gCtx := errgroup.WithContext(ctx)
		g.Go(func() error { return l.send(gCtx, outgoing) })
		g.Go(func() (err error) {
			incoming, err = l.recv(gCtx)
			return err
		})
		if err := g.Wait(); err != nil {
			return err
		}
		if len(incoming) != recvEnd-recvStart {
			return errors.Errorf("ring all-reduce: received chunk of %d elements, expected %d (do all workers reduce the same number of values?)",
				len(incoming), recvEnd-recvStart)
		}
		combine(values[recvStart:recvEnd], incoming)
		return nil
	}

	// Reduce-scatter: at the end rank r holds the reduced chunk (r+1) mod size.
	for step := 0; step < size-1; step++ {
		err := exchange(mod(rank-step), mod(rank-step-1), func(dst, src []float64) {
			for ii, v := range src {
				dst[ii] += v
			}
		})
		if err != nil {
			return errors.WithMessagef(err, "reduce-scatter step %d", step)
		}
	}

	// All-gather of the reduced chunks.
	for step := 0; step < size-1; step++ {
		err := exchange(mod(rank-step+1), mod(rank-step), func(dst, src []float64) {
			copy(dst, src)
		})
		if err != nil {
			return errors.WithMessagef(err, "all-gather step %d", step)
		}
	}
	return nil
}
