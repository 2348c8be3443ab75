// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package collective

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// LocalCluster connects workers running as goroutines of the same process. Each worker gets its
// own Bootstrap with LocalCluster.Worker, and calls EstablishRings on it.
//
// Messages are passed through channels, one per (ring, rank) pair carrying data to that rank.
type LocalCluster struct {
	worldSize int

	mu       sync.Mutex
	groups   map[int]*localRingGroup
	joined   map[int]bool
	allJoin  chan struct{}
	numRings int
}

// localRingGroup holds the channels of one ring, shared by all workers.
type localRingGroup struct {
	id      int
	inboxes []chan []float64 // inboxes[r] receives from rank r-1.

	mu      sync.Mutex
	numOpen int
}

// release is called once by each rank closing its end of the ring. The last one drops the
// messages left over by an aborted all-reduce.
func (g *localRingGroup) release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.numOpen--
	if g.numOpen > 0 {
		return
	}
	for _, inbox := range g.inboxes {
		select {
		case <-inbox:
		default:
		}
	}
}

// NewLocalCluster creates a cluster for worldSize in-process workers.
func NewLocalCluster(worldSize int) *LocalCluster {
	if worldSize < 1 {
		panic(errors.Errorf("collective.NewLocalCluster(%d): worldSize must be >= 1", worldSize))
	}
	return &LocalCluster{
		worldSize: worldSize,
		groups:    make(map[int]*localRingGroup),
		joined:    make(map[int]bool),
		allJoin:   make(chan struct{}),
	}
}

// WorldSize returns the number of workers in the cluster.
func (c *LocalCluster) WorldSize() int { return c.worldSize }

// Worker returns the Bootstrap to be used by the worker with the given rank.
func (c *LocalCluster) Worker(rank int) Bootstrap {
	if rank < 0 || rank >= c.worldSize {
		panic(errors.Errorf("LocalCluster.Worker(%d): rank out of range [0, %d)", rank, c.worldSize))
	}
	return &localBootstrap{cluster: c, rank: rank}
}

// EstablishAll establishes the rings of all workers of the cluster concurrently. It returns the
// rings indexed by rank.
func (c *LocalCluster) EstablishAll(ctx context.Context, numRings int) ([][]Ring, error) {
	perRank := make([][]Ring, c.worldSize)
	g, gCtx := errgroup.WithContext(ctx)
	for rank := range c.worldSize {
		g.Go(func() error {
			rings, err := c.Worker(rank).EstablishRings(gCtx, c.worldSize, numRings)
			perRank[rank] = rings
			return err
		})
	}
	if err := g.Wait(); err != nil {
		for _, rings := range perRank {
			_ = CloseAll(rings)
		}
		return nil, err
	}
	return perRank, nil
}

type localBootstrap struct {
	cluster *LocalCluster
	rank    int
}

// EstablishRings implements Bootstrap. It blocks until all workers of the cluster joined.
func (b *localBootstrap) EstablishRings(ctx context.Context, worldSize, numRings int) ([]Ring, error) {
	c := b.cluster
	if worldSize != c.worldSize {
		return nil, errors.Errorf("LocalCluster.EstablishRings: requested worldSize=%d, but cluster has %d workers", worldSize, c.worldSize)
	}
	if numRings < 1 {
		return nil, errors.Errorf("LocalCluster.EstablishRings: numRings=%d, must be >= 1", numRings)
	}

	c.mu.Lock()
	if c.joined[b.rank] {
		c.mu.Unlock()
		return nil, errors.Errorf("LocalCluster.EstablishRings: rank %d already joined", b.rank)
	}
	if len(c.joined) == 0 {
		c.numRings = numRings
	} else if c.numRings != numRings {
		c.mu.Unlock()
		return nil, errors.Errorf("LocalCluster.EstablishRings: rank %d requested %d rings, other workers requested %d", b.rank, numRings, c.numRings)
	}
	rings := make([]Ring, numRings)
	for id := range numRings {
		group, found := c.groups[id]
		if !found {
			group = &localRingGroup{id: id, numOpen: c.worldSize}
			for range c.worldSize {
				group.inboxes = append(group.inboxes, make(chan []float64, 1))
			}
			c.groups[id] = group
		}
		rings[id] = &localRing{group: group, rank: b.rank, size: c.worldSize, closed: make(chan struct{})}
	}
	c.joined[b.rank] = true
	if len(c.joined) == c.worldSize {
		close(c.allJoin)
	}
	c.mu.Unlock()

	select {
	case <-c.allJoin:
		return rings, nil
	case <-ctx.Done():
		return nil, errors.Wrapf(ctx.Err(), "LocalCluster.EstablishRings: waiting for %d workers to join", c.worldSize)
	}
}

// localRing is the view of a ring from one worker.
//
// Closing it fails the pending and future operations of this worker only: peers still finishing
// their last all-reduce get every message sent before the close. A peer that closed in the middle
// of an all-reduce makes the others block until their context expires (see the collective timeout).
type localRing struct {
	group      *localRingGroup
	rank, size int
	closed     chan struct{}
	closeOnce  sync.Once
}

func (r *localRing) ID() int   { return r.group.id }
func (r *localRing) Rank() int { return r.rank }
func (r *localRing) Size() int { return r.size }

func (r *localRing) send(ctx context.Context, values []float64) error {
	outbox := r.group.inboxes[(r.rank+1)%r.size]
	select {
	case <-r.closed:
		return ErrRingClosed
	default:
	}
	select {
	case outbox <- values:
		return nil
	default:
	}
	select {
	case outbox <- values:
		return nil
	case <-r.closed:
		return ErrRingClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *localRing) recv(ctx context.Context) ([]float64, error) {
	inbox := r.group.inboxes[r.rank]
	select {
	case <-r.closed:
		return nil, ErrRingClosed
	default:
	}
	select {
	case values := <-inbox:
		return values, nil
	case <-r.closed:
		return nil, ErrRingClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// AllReduceSum implements Ring.
func (r *localRing) AllReduceSum(ctx context.Context, values []float64) error {
	err := ringAllReduceSum(ctx, r, r.rank, r.size, values)
	return NewFailure(r.group.id, "all_reduce_sum", err)
}

// Close implements Ring. It's safe to call more than once.
func (r *localRing) Close() error {
	r.closeOnce.Do(func() {
		close(r.closed)
		r.group.release()
	})
	return nil
}
