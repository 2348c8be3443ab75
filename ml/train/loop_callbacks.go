// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"fmt"
	"math"
	"time"

	"github.com/gomlx/exceptions"
)

// stepFilter decides after each step whether a callback runs. It may keep state.
type stepFilter func(loop *Loop) bool

// onFilteredSteps registers fn as an OnStep hook that runs when filter accepts the step, and
// optionally also as an OnEnd hook.
func onFilteredSteps(loop *Loop, name string, priority Priority, callOnEnd bool, filter stepFilter, fn OnStepFn) {
	loop.OnStep(name, priority, func(loop *Loop, metrics []float64) error {
		if !filter(loop) {
			return nil
		}
		return fn(loop, metrics)
	})
	if callOnEnd {
		loop.OnEnd(name, priority, OnEndFn(fn))
	}
}

// EveryNSteps calls fn after each step where the number of finished steps (LoopStep+1) is a
// multiple of n.
//
// The count is the global LoopStep, not the steps of the current run: all workers of a LocalSGD run,
// and a run resumed with Loop.ReadGlobalStep, call fn at the same steps. Use it for checkpoints.
// The last step of the run is not included, unless it falls on a multiple of n.
func EveryNSteps(loop *Loop, n int, name string, priority Priority, fn OnStepFn) {
	if n <= 0 {
		exceptions.Panicf("EveryNSteps(n=%d): n must be > 0", n)
	}
	onFilteredSteps(loop, fmt.Sprintf("EveryNSteps(%d): %s", n, name), priority, false,
		func(loop *Loop) bool { return (loop.LoopStep+1)%n == 0 }, fn)
}

// NTimesDuringLoop calls fn about n times during each run, evenly spread, and always at the last step.
//
// With Loop.RunEpochs the number of steps is only known after the first epoch: until then fn is
// called after 128, 256, 512, ... steps, so it may be called more than n times.
func NTimesDuringLoop(loop *Loop, n int, name string, priority Priority, fn OnStepFn) {
	if n <= 0 {
		exceptions.Panicf("NTimesDuringLoop(n=%d): n must be > 0", n)
	}
	var numCalls int
	filter := func(loop *Loop) bool {
		if loop.LoopStep == loop.StartStep {
			numCalls = 0
		}
		stepsDone := loop.LoopStep - loop.StartStep + 1
		var due bool
		switch {
		case loop.EndStep < 0:
			due = stepsDone >= 128<<numCalls
		case loop.LoopStep >= loop.EndStep-1:
			due = true
		default:
			stepsPerCall := float64(loop.EndStep-loop.StartStep) / float64(n)
			due = stepsPerCall <= 1 || float64(numCalls) <= float64(stepsDone)/stepsPerCall
		}
		if due {
			numCalls++
		}
		return due
	}
	onFilteredSteps(loop, fmt.Sprintf("NTimesDuringLoop(%d): %s", n, name), priority, false, filter, fn)
}

// PeriodicCallback calls fn when at least period elapsed since the end of its previous call (or
// since the first step). Since the time to run fn is not counted, calls drift from exact multiples
// of period.
//
// Workers of a distributed run don't agree on time, so don't use it for anything that must happen
// at the same step on all of them, like checkpoints: see EveryNSteps.
//
// If callOnEnd is set, fn is also called at the end of the run.
func PeriodicCallback(loop *Loop, period time.Duration, callOnEnd bool, name string, priority Priority, fn OnStepFn) {
	var last time.Time
	filter := func(*Loop) bool {
		if last.IsZero() {
			last = time.Now()
			return false
		}
		return time.Since(last) >= period
	}
	timed := func(loop *Loop, metrics []float64) error {
		err := fn(loop, metrics)
		last = time.Now()
		return err
	}
	onFilteredSteps(loop, fmt.Sprintf("PeriodicCallback(%s): %s", period, name), priority, callOnEnd, filter, timed)
}

// ExponentialCallback calls fn at steps with exponentially growing gaps: the first call after
// startStep steps, and each gap exponentialFactor times the previous one. A run resumed from a
// checkpoint skips the calls that would have happened before its start.
//
// If callOnEnd is set, fn is also called at the end of the run.
//
// Example: this calls myCallback at steps 100, 220 (100+100*1.2), 364 (220+100*1.2^2), ...
//
//	ExponentialCallback(loop, 100, 1.2, false, "my_callback", 100, myCallback)
func ExponentialCallback(loop *Loop, startStep int, exponentialFactor float64, callOnEnd bool,
	name string, priority Priority, fn OnStepFn) {
	if startStep <= 0 || exponentialFactor <= 1 {
		exceptions.Panicf("ExponentialCallback(startStep=%d, exponentialFactor=%f): startStep must be > 0 and exponentialFactor > 1",
			startStep, exponentialFactor)
	}
	var next, gap int
	advance := func() {
		next += gap
		gap = int(math.Round(float64(gap) * exponentialFactor))
	}
	filter := func(loop *Loop) bool {
		if gap == 0 {
			gap = startStep
			for next <= loop.StartStep {
				advance()
			}
		}
		if loop.LoopStep < next {
			return false
		}
		advance()
		return true
	}
	onFilteredSteps(loop, fmt.Sprintf("ExponentialCallback(%d, %g): %s", startStep, exponentialFactor, name),
		priority, callOnEnd, filter, fn)
}
