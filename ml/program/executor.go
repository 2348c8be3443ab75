// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package program

import (
	gocontext "context"
	"fmt"
	"sync"
	"time"

	"github.com/gomlx/localsgd/collective"
	"github.com/gomlx/localsgd/ml/context"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Placement defines where the task of a kernel is executed.
type Placement int

const (
	// OnCompute tasks are enqueued on the compute stream.
	OnCompute Placement = iota

	// OnComm tasks are enqueued on the communication stream of the ring given by the op attribute
	// AttrRingID.
	OnComm

	// OnHost tasks are executed by the caller of Executor.Run, in between enqueueing the other
	// tasks. Stream barriers are executed on the host.
	OnHost
)

// AttrRingID is the op attribute holding the id of the ring used by collective ops.
const AttrRingID = "ring_id"

// KernelFn prepares the execution of an op: it resolves the op's variables and returns the task
// that executes it. Errors on the preparation (e.g. missing variables) abort the run immediately.
type KernelFn func(exec *Executor, op *Op) (collective.Task, error)

// Kernel implements an op type.
type Kernel struct {
	Placement Placement
	Fn        KernelFn
}

var (
	muKernels sync.RWMutex
	kernels   = make(map[string]Kernel)
)

// RegisterKernel registers the kernel for the given op type, replacing any previous one.
// It's safe for concurrent use, but usually called from init() functions.
func RegisterKernel(opType string, placement Placement, fn KernelFn) {
	muKernels.Lock()
	defer muKernels.Unlock()
	kernels[opType] = Kernel{Placement: placement, Fn: fn}
}

// KernelFor returns the kernel registered for opType.
func KernelFor(opType string) (Kernel, bool) {
	muKernels.RLock()
	defer muKernels.RUnlock()
	k, found := kernels[opType]
	return k, found
}

// Executor runs programs over the variables of a context. Each worker owns one Executor.
//
// It holds one compute stream, and one communication stream per ring. Ops are dispatched to the
// streams according to their kernel placement, and the streams run concurrently: ordering between
// them is only established by explicit barrier ops (c_sync_calc_stream, c_sync_comm_stream) and
// at the end of Executor.Run, which drains all streams before calling the program hooks.
type Executor struct {
	ctx               *context.Context
	rings             []collective.Ring
	compute           *collective.Stream
	comm              []*collective.Stream
	collectiveTimeout time.Duration
	closed            bool
}

// NewExecutor creates an executor for the variables in ctx. rings are the communication rings,
// one communication stream is created per ring. It can be empty if the programs have no
// collective ops.
func NewExecutor(ctx *context.Context, rings []collective.Ring) *Executor {
	e := &Executor{
		ctx:     ctx,
		rings:   rings,
		compute: collective.NewStream("compute"),
	}
	for _, ring := range rings {
		e.comm = append(e.comm, collective.NewStream(fmt.Sprintf("comm#%d", ring.ID())))
	}
	return e
}

// Context returns the context holding the variables the executor operates on.
func (e *Executor) Context() *context.Context { return e.ctx }

// WorldSize returns the number of workers connected by the rings, or 1 if there are no rings.
func (e *Executor) WorldSize() int {
	if len(e.rings) == 0 {
		return 1
	}
	return e.rings[0].Size()
}

// Rank of the worker, or 0 if there are no rings.
func (e *Executor) Rank() int {
	if len(e.rings) == 0 {
		return 0
	}
	return e.rings[0].Rank()
}

// NumRings returns the number of communication rings.
func (e *Executor) NumRings() int { return len(e.rings) }

// SetCollectiveTimeout bounds the duration of each collective operation. Zero (the default)
// means no deadline. An expired deadline is a collective failure.
func (e *Executor) SetCollectiveTimeout(timeout time.Duration) *Executor {
	e.collectiveTimeout = timeout
	return e
}

// CollectiveTimeout returns the timeout set with SetCollectiveTimeout.
func (e *Executor) CollectiveTimeout() time.Duration { return e.collectiveTimeout }

// collectiveContext returns the context for one collective operation.
func (e *Executor) collectiveContext() (gocontext.Context, gocontext.CancelFunc) {
	if e.collectiveTimeout > 0 {
		return gocontext.WithTimeout(gocontext.Background(), e.collectiveTimeout)
	}
	return gocontext.WithCancel(gocontext.Background())
}

// Variable returns the variable with the given path, or an error if it doesn't exist.
func (e *Executor) Variable(path string) (*context.Variable, error) {
	v := e.ctx.GetVariableByPath(path)
	if v == nil {
		return nil, errors.Errorf("variable %q not found in context", path)
	}
	return v, nil
}

// ringIndex validates the op's ring id.
func (e *Executor) ringIndex(op *Op) (int, error) {
	ringID := GetAttrOr(op, AttrRingID, 0)
	if ringID < 0 || ringID >= len(e.rings) {
		return 0, errors.Errorf("op %s uses ring %d, but executor has %d rings", op.Type, ringID, len(e.rings))
	}
	return ringID, nil
}

// Ring returns the ring used by the op (see AttrRingID).
func (e *Executor) Ring(op *Op) (collective.Ring, error) {
	idx, err := e.ringIndex(op)
	if err != nil {
		return nil, err
	}
	return e.rings[idx], nil
}

// SynchronizeCompute waits for all tasks enqueued in the compute stream, and returns its sticky error.
func (e *Executor) SynchronizeCompute() error {
	return e.compute.Synchronize()
}

// SynchronizeComm waits for all tasks enqueued in the communication stream of the ring used by op.
// Errors are collective failures.
func (e *Executor) SynchronizeComm(op *Op) error {
	idx, err := e.ringIndex(op)
	if err != nil {
		return err
	}
	return collective.NewFailure(idx, "sync_comm_stream", e.comm[idx].Synchronize())
}

// drain waits for all streams, and returns the first error found.
func (e *Executor) drain() error {
	firstErr := e.compute.Synchronize()
	for idx, s := range e.comm {
		if err := s.Synchronize(); err != nil && firstErr == nil {
			firstErr = collective.NewFailure(idx, "sync_comm_stream", err)
		}
	}
	return firstErr
}

// Run executes the ops of the program, waits for all of them to finish, and then calls the program
// hooks in order. It returns the first error, which leaves the executor in error: streams errors are
// sticky, and a failed program must not be run again.
func (e *Executor) Run(prog *Program) error {
	if e.closed {
		return errors.Errorf("Executor.Run(%q): executor already closed", prog.Name())
	}
	for idx, op := range prog.ops {
		k, found := KernelFor(op.Type)
		if !found {
			return errors.Errorf("program %q, op #%d: no kernel registered for op type %q", prog.Name(), idx, op.Type)
		}
		task, err := k.Fn(e, op)
		if err != nil {
			return errors.WithMessagef(err, "program %q, op #%d %s", prog.Name(), idx, op.Type)
		}
		switch k.Placement {
		case OnCompute:
			e.compute.Enqueue(task)
		case OnComm:
			ringIdx, err := e.ringIndex(op)
			if err != nil {
				return errors.WithMessagef(err, "program %q, op #%d", prog.Name(), idx)
			}
			e.comm[ringIdx].Enqueue(task)
		case OnHost:
			if err := task(); err != nil {
				return errors.WithMessagef(err, "program %q, op #%d %s", prog.Name(), idx, op.Type)
			}
		}
	}
	if err := e.drain(); err != nil {
		return errors.WithMessagef(err, "program %q", prog.Name())
	}
	for _, h := range prog.hooks {
		if err := h.fn(e); err != nil {
			return errors.WithMessagef(err, "program %q, hook %q", prog.Name(), h.name)
		}
	}
	return nil
}

// Close closes the rings (failing any pending collective operation) and stops the streams.
func (e *Executor) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true
	err := collective.CloseAll(e.rings)
	e.compute.Close()
	for _, s := range e.comm {
		s.Close()
	}
	if err != nil {
		klog.Warningf("Executor.Close(): failed to close rings: %v", err)
	}
	return err
}
