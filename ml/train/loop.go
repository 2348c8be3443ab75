// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"cmp"
	"io"
	"math"
	"slices"
	"time"

	"github.com/gomlx/localsgd/ml/context"
	"github.com/gomlx/localsgd/ml/train/optimizers"
	"github.com/gomlx/localsgd/types/tensors"
	"github.com/pkg/errors"
)

// Priority orders hooks: lower values run first, and hooks with equal priority run in the order
// they were registered. Negative values are fine.
type Priority int

// OnStartFn is called once at the start of Loop.RunSteps or Loop.RunEpochs.
type OnStartFn func(loop *Loop, ds Dataset) error

// OnStepFn is called after every successful Trainer.TrainStep, with the metrics it returned.
type OnStepFn func(loop *Loop, metrics []float64) error

// OnEndFn is called once after the last step of a run, with the metrics of the last step.
type OnEndFn func(loop *Loop, metrics []float64) error

// Loop drives a Trainer over a Dataset and calls the hooks attached to it: checkpointing,
// progress bars, the round journal, etc.
//
// With LocalSGD every worker runs its own Loop. They stay in lockstep because they run the same
// number of steps (see data.InMemoryDataset.Shard) and the synchronization rounds are triggered
// from the step counter, not from wall-clock time.
//
// The exported fields are for reading only.
type Loop struct {
	// Trainer driven by the loop.
	Trainer *Trainer

	// LoopStep is the step being executed (or, between runs, the next step to execute). It starts
	// at 0, or at the global step restored from a checkpoint with Loop.ReadGlobalStep.
	LoopStep int

	// StartStep is the LoopStep at the start of the current (or last) run.
	StartStep int

	// EndStep is one past the last step of the current run, or -1 while unknown: Loop.RunEpochs only
	// knows it after the first epoch, and re-estimates it after each one.
	EndStep int

	// Epoch being executed by Loop.RunEpochs, starting from 0.
	Epoch int

	// SharedData lets hooks publish information to other hooks. Keys and values are up to them.
	SharedData map[string]any

	// TrainStepDurations holds the duration of each Trainer.TrainStep of the current run.
	TrainStepDurations []time.Duration

	onStart hookList[OnStartFn]
	onStep  hookList[OnStepFn]
	onEnd   hookList[OnEndFn]
}

// NewLoop creates a loop for the trainer.
func NewLoop(trainer *Trainer) *Loop {
	return &Loop{
		Trainer:    trainer,
		SharedData: make(map[string]any),
	}
}

// ReadGlobalStep sets LoopStep to the global step stored in ctx, so a run resumed from a
// checkpoint continues counting from where the saved run stopped. Without it LoopStep starts at 0.
func (loop *Loop) ReadGlobalStep(ctx *context.Context) {
	loop.LoopStep = int(optimizers.GetGlobalStep(ctx))
}

// begin prepares a run starting at the current LoopStep and calls the OnStart hooks.
func (loop *Loop) begin(ds Dataset, endStep int) error {
	if err := loop.Trainer.ResetTrainMetrics(); err != nil {
		return err
	}
	loop.StartStep = loop.LoopStep
	loop.EndStep = endStep
	loop.TrainStepDurations = loop.TrainStepDurations[:0]
	return loop.onStart.run("OnStart", func(fn OnStartFn) error { return fn(loop, ds) })
}

// trainStep runs one Trainer.TrainStep on the batch and then the OnStep hooks. The loss is checked
// before the hooks, so a diverged model is never checkpointed.
func (loop *Loop) trainStep(spec any, inputs, labels []*tensors.Tensor) ([]float64, error) {
	start := time.Now()
	metrics, err := loop.Trainer.TrainStep(spec, inputs, labels)
	loop.TrainStepDurations = append(loop.TrainStepDurations, time.Since(start))
	if err != nil {
		return nil, err
	}
	switch loss := metrics[0]; {
	case math.IsNaN(loss):
		return nil, errors.New("batch loss is NaN, training interrupted")
	case math.IsInf(loss, 0):
		return nil, errors.Errorf("batch loss is infinity (%f), training interrupted", loss)
	}
	err = loop.onStep.run("OnStep", func(fn OnStepFn) error { return fn(loop, metrics) })
	return metrics, err
}

// finish calls the OnEnd hooks.
func (loop *Loop) finish(metrics []float64) error {
	return loop.onEnd.run("OnEnd", func(fn OnEndFn) error { return fn(loop, metrics) })
}

// RunSteps runs the given number of steps, starting at the current LoopStep, so consecutive calls
// continue where the previous one stopped.
//
// The dataset must not end before that: use an infinite dataset (e.g. data.InMemoryDataset.Infinite),
// or Loop.RunEpochs.
func (loop *Loop) RunSteps(ds Dataset, steps int) (metrics []float64, err error) {
	if steps == 0 {
		return nil, nil
	}
	if err = loop.begin(ds, loop.LoopStep+steps); err != nil {
		return nil, err
	}
	for ; loop.LoopStep < loop.EndStep; loop.LoopStep++ {
		spec, inputs, labels, err := ds.Yield()
		if err == io.EOF {
			return nil, errors.Errorf("dataset %q ended after %d of the %d steps requested: use an infinite "+
				"dataset or Loop.RunEpochs", ds.Name(), loop.LoopStep-loop.StartStep, steps)
		}
		if err != nil {
			return nil, errors.WithMessagef(err, "Loop.RunSteps(%d): reading dataset %q", steps, ds.Name())
		}
		if metrics, err = loop.trainStep(spec, inputs, labels); err != nil {
			return nil, errors.WithMessagef(err, "Loop.RunSteps(%d): step %d", steps, loop.LoopStep)
		}
	}
	if err = loop.finish(metrics); err != nil {
		return nil, errors.WithMessagef(err, "Loop.RunSteps(%d): end at step %d", steps, loop.LoopStep)
	}
	return metrics, nil
}

// RunEpochs runs the dataset until io.EOF the given number of times, calling Dataset.Reset after
// each epoch. EndStep is -1 during the first epoch, and then extrapolated from the number of steps
// of the last epoch.
func (loop *Loop) RunEpochs(ds Dataset, epochs int) (metrics []float64, err error) {
	if err = loop.begin(ds, -1); err != nil {
		return nil, err
	}
	for loop.Epoch = 0; loop.Epoch < epochs; loop.Epoch++ {
		epochStart := loop.LoopStep
		for {
			spec, inputs, labels, err := ds.Yield()
			if err == io.EOF {
				break
			}
			if err != nil {
				return nil, errors.WithMessagef(err, "Loop.RunEpochs(%d): reading dataset %q at step %d", epochs, ds.Name(), loop.LoopStep)
			}
			if metrics, err = loop.trainStep(spec, inputs, labels); err != nil {
				return nil, errors.WithMessagef(err, "Loop.RunEpochs(%d): step %d", epochs, loop.LoopStep)
			}
			loop.LoopStep++
		}
		loop.EndStep = loop.LoopStep + (loop.LoopStep-epochStart)*(epochs-loop.Epoch-1)
		ds.Reset()
	}
	if err = loop.finish(metrics); err != nil {
		return nil, errors.WithMessagef(err, "Loop.RunEpochs(%d): end at step %d", epochs, loop.LoopStep)
	}
	return metrics, nil
}

// MedianTrainStepDuration of the current (or last) run. It is 1ms if no step ran, so it is safe
// to divide by it.
func (loop *Loop) MedianTrainStepDuration() time.Duration {
	if len(loop.TrainStepDurations) == 0 {
		return time.Millisecond
	}
	sorted := slices.Sorted(slices.Values(loop.TrainStepDurations))
	return sorted[len(sorted)/2]
}

// OnStart registers a hook called at the start of each run. name is used in error messages.
func (loop *Loop) OnStart(name string, priority Priority, fn OnStartFn) {
	loop.onStart.add(name, priority, fn)
}

// OnStep registers a hook called after each step. name is used in error messages.
func (loop *Loop) OnStep(name string, priority Priority, fn OnStepFn) {
	loop.onStep.add(name, priority, fn)
}

// OnEnd registers a hook called after the last step of each run. name is used in error messages.
func (loop *Loop) OnEnd(name string, priority Priority, fn OnEndFn) {
	loop.onEnd.add(name, priority, fn)
}

type hook[F any] struct {
	name     string
	priority Priority
	fn       F
}

// hookList keeps hooks sorted by priority, stable with respect to registration order.
type hookList[F any] []hook[F]

func (l *hookList[F]) add(name string, priority Priority, fn F) {
	// Insert after every hook with priority <= the new one.
	idx, _ := slices.BinarySearchFunc(*l, priority+1, func(h hook[F], p Priority) int { return cmp.Compare(h.priority, p) })
	*l = slices.Insert(*l, idx, hook[F]{name: name, priority: priority, fn: fn})
}

// run calls each hook in order and stops at the first error.
func (l hookList[F]) run(kind string, call func(fn F) error) error {
	for _, h := range l {
		if err := call(h.fn); err != nil {
			return errors.WithMessagef(err, "%s(hook %q)", kind, h.name)
		}
	}
	return nil
}
