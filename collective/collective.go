// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package collective implements the collective communication used by data-parallel training:
// communication rings established by a Bootstrap, ring all-reduce over in-process channels
// (LocalCluster) or websockets (WebSocketBootstrap), and the ordered asynchronous Stream where
// compute and communication tasks are queued.
//
// Collective operations block until every worker of the ring contributed. A worker that calls
// them fewer or more times than its peers stalls the group: callers must guarantee all workers
// issue the same sequence of operations on each ring.
package collective

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
)

// Ring is an independent logical channel of collective communication among all the workers.
// Operations on a Ring are not safe for concurrent use: issue them from one goroutine (typically
// a Stream dedicated to the ring).
type Ring interface {
	// ID of the ring, in [0, numRings).
	ID() int

	// Rank of the local worker in the ring, in [0, Size()).
	Rank() int

	// Size is the number of workers in the ring.
	Size() int

	// AllReduceSum sums values element-wise across all workers and writes the result back
	// in place. All workers must call it with slices of the same length.
	AllReduceSum(ctx context.Context, values []float64) error

	// Close releases the resources of the ring. Pending operations fail.
	Close() error
}

// Bootstrap establishes the communication rings among the workers of a training run.
type Bootstrap interface {
	// EstablishRings returns numRings rings connecting worldSize workers. It blocks until all
	// workers joined, or ctx is done.
	EstablishRings(ctx context.Context, worldSize, numRings int) ([]Ring, error)
}

// ErrCollectiveFailure is matched (with errors.Is) by every error returned from a failed collective
// operation or stream barrier. The underlying cause is preserved in the error chain.
var ErrCollectiveFailure = errors.New("collective communication failure")

// ErrRingClosed is returned by operations on a closed ring.
var ErrRingClosed = errors.New("ring closed")

// FailureError reports the failure of a collective operation on a ring.
type FailureError struct {
	RingID int
	Op     string
	Err    error
}

// Error implements error.
func (e *FailureError) Error() string {
	return fmt.Sprintf("%s on ring %d: %v", e.Op, e.RingID, e.Err)
}

// Unwrap returns the underlying cause.
func (e *FailureError) Unwrap() error { return e.Err }

// Is makes the error match ErrCollectiveFailure.
func (e *FailureError) Is(target error) bool { return target == ErrCollectiveFailure }

// NewFailure wraps err as a collective failure of operation op on the given ring.
// It returns nil if err is nil, and err itself if it already is a collective failure.
func NewFailure(ringID int, op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrCollectiveFailure) {
		return err
	}
	return &FailureError{RingID: ringID, Op: op, Err: err}
}

// RingAssigner assigns rings round-robin: the first call returns ring 0, then 1, up to
// numRings-1, and it cycles back to 0.
type RingAssigner struct {
	numRings, prev int
}

// NewRingAssigner returns an assigner over numRings rings. It panics if numRings < 1.
func NewRingAssigner(numRings int) *RingAssigner {
	if numRings < 1 {
		panic(errors.Errorf("collective.NewRingAssigner(%d): at least one ring required", numRings))
	}
	return &RingAssigner{numRings: numRings, prev: -1}
}

// Next returns the next ring id.
func (a *RingAssigner) Next() int {
	a.prev = (a.prev + 1) % a.numRings
	return a.prev
}

// NumRings returns the number of rings being assigned.
func (a *RingAssigner) NumRings() int { return a.numRings }

// CloseAll closes all rings, and returns the first error.
func CloseAll(rings []Ring) error {
	var firstErr error
	for _, r := range rings {
		if err := r.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
