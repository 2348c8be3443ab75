// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package train holds tools to help run a training loop: the Trainer, which runs one training step
// of a model (its gradients and the optimizer program), and the Loop, which runs the Trainer over a
// Dataset calling hooks (checkpoints, progress bar, etc.).
package train

import (
	"io"

	. "github.com/gomlx/exceptions"
	"github.com/gomlx/localsgd/collective"
	"github.com/gomlx/localsgd/ml/context"
	"github.com/gomlx/localsgd/ml/program"
	"github.com/gomlx/localsgd/ml/train/metrics"
	"github.com/gomlx/localsgd/ml/train/optimizers"
	"github.com/gomlx/localsgd/ml/train/optimizers/cosineschedule"
	"github.com/gomlx/localsgd/types/tensors"
	"github.com/pkg/errors"
)

// Dataset for a train.Trainer provides the data, one batch at a time.
type Dataset interface {
	// Name identifies the dataset. Used for debugging, pretty-printing and plots.
	Name() string

	// Yield one "batch" (or whatever is the unit for a training step) or an error. It should return a
	// `spec` for the dataset, a slice of `inputs` and a slice of `labels` tensors (even when there is only
	// one tensor for each of them).
	//
	// At the end of an epoch it should return io.EOF.
	Yield() (spec any, inputs []*tensors.Tensor, labels []*tensors.Tensor, err error)

	// Reset restarts the dataset from the beginning. Can be called after io.EOF is reached.
	Reset()
}

// ModelFn computes the loss of the model on a batch, and writes the gradient of the loss with respect to
// each trainable variable used into its gradient variable (see optimizers.GradientVar).
//
// The model variables are created in ctx on the first call. Later calls receive ctx with Reuse set, so
// creating a new variable then panics.
//
// Errors are reported by panicking (e.g. with exceptions.Panicf), the Trainer converts them to errors.
type ModelFn func(ctx *context.Context, spec any, inputs, labels []*tensors.Tensor) (loss float64)

// LossScope is the scope of LossVariableName.
const LossScope = "train"

// LossVariableName is the name of the scalar variable where the Trainer stores the loss of the last
// training step. It's the loss given to the optimizer's Minimize.
const LossVariableName = "loss"

// Trainer runs the training steps of a model on one worker.
//
// On the first step it calls the model function (creating the model variables), and builds the
// training program: the learning rate schedule (see cosineschedule) followed by the optimizer update ops,
// created by the optimizer's Minimize. Each step then calls the model function and runs the program.
//
// The optimizer can be a distributed strategy (e.g. localsgd.Strategy), in which case the rings
// given are used for its collective operations.
type Trainer struct {
	ctx       *context.Context
	modelFn   ModelFn
	optimizer optimizers.Interface
	rings     []collective.Ring

	prog    *program.Program
	exec    *program.Executor
	lossVar *context.Variable

	// Train metrics, updated with the loss of each step.
	trainMetrics []metrics.Interface
}

// NewTrainer creates a trainer for the model function using the optimizer. rings can be nil if the
// optimizer doesn't use collective operations.
func NewTrainer(ctx *context.Context, modelFn ModelFn, optimizer optimizers.Interface, rings []collective.Ring) *Trainer {
	if optimizer == nil {
		optimizer = optimizers.FromContext(ctx)
	}
	return &Trainer{
		ctx:       ctx,
		modelFn:   modelFn,
		optimizer: optimizer,
		rings:     rings,
		trainMetrics: []metrics.Interface{
			metrics.NewBatchLoss(),
			metrics.NewMovingAverageLoss(0.05),
		},
	}
}

// Context used by the trainer.
func (r *Trainer) Context() *context.Context { return r.ctx }

// Optimizer used by the trainer.
func (r *Trainer) Optimizer() optimizers.Interface { return r.optimizer }

// Program returns the training program, or nil before the first training step.
func (r *Trainer) Program() *program.Program { return r.prog }

// Executor returns the executor of the training program, or nil before the first training step.
func (r *Trainer) Executor() *program.Executor { return r.exec }

// TrainMetrics returns the metrics updated by TrainStep, in the order of their values.
func (r *Trainer) TrainMetrics() []metrics.Interface { return r.trainMetrics }

// MetricsNames returns the names of the metrics returned by TrainStep, in order.
func (r *Trainer) MetricsNames() []string {
	names := make([]string, 0, len(r.trainMetrics))
	for _, m := range r.trainMetrics {
		names = append(names, m.Name())
	}
	return names
}

// build creates the loss variable and the training program.
func (r *Trainer) build() {
	r.lossVar = r.ctx.Checked(false).InAbsPath(context.JoinScope(context.RootScope, LossScope)).
		VariableWithValue(LossVariableName, 0.0).SetTrainable(false)
	r.prog = program.New("train_step")
	cosineschedule.New(r.ctx, r.prog).FromContext().Done()
	r.optimizer.Minimize(r.ctx, r.prog, r.lossVar)
	r.exec = program.NewExecutor(r.ctx, r.rings)
}

// TrainStep runs one training step with the given batch. It returns the metrics, the first of them
// is the batch loss (see MetricsNames).
//
// Failures of the program (e.g. a failed LocalSGD synchronization round) are fatal: the Trainer
// can't be used anymore.
func (r *Trainer) TrainStep(spec any, inputs, labels []*tensors.Tensor) (values []float64, err error) {
	var loss float64
	err = TryCatch[error](func() {
		ctx := r.ctx
		if r.prog != nil {
			ctx = ctx.Reuse()
		}
		loss = r.modelFn(ctx, spec, inputs, labels)
		if r.prog == nil {
			r.build()
		}
	})
	if err != nil {
		return nil, errors.WithMessage(err, "Trainer.TrainStep")
	}
	r.lossVar.Value().SetScalar(loss)
	if err = r.exec.Run(r.prog); err != nil {
		return nil, errors.WithMessage(err, "Trainer.TrainStep")
	}
	values = make([]float64, len(r.trainMetrics))
	for ii, m := range r.trainMetrics {
		values[ii] = m.Update(loss)
	}
	return values, nil
}

// ResetTrainMetrics resets the state of the train metrics (e.g. the moving average of the loss).
func (r *Trainer) ResetTrainMetrics() error {
	for _, m := range r.trainMetrics {
		m.Reset()
	}
	return nil
}

// Eval returns the mean loss of the model over the dataset, without updating anything. The model
// function still writes the gradient variables, they are overwritten by the next training step.
//
// It must be called after the first training step, and it resets the dataset at the end.
func (r *Trainer) Eval(ds Dataset) (meanLoss float64, err error) {
	if r.prog == nil {
		return 0, errors.New("Trainer.Eval: called before the first training step")
	}
	defer ds.Reset()
	var sum float64
	var count int
	for {
		spec, inputs, labels, err := ds.Yield()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, errors.WithMessagef(err, "Trainer.Eval: failed reading from %q", ds.Name())
		}
		var loss float64
		err = TryCatch[error](func() { loss = r.modelFn(r.ctx.Reuse(), spec, inputs, labels) })
		if err != nil {
			return 0, errors.WithMessage(err, "Trainer.Eval")
		}
		sum += loss
		count++
	}
	if count == 0 {
		return 0, errors.Errorf("Trainer.Eval: dataset %q is empty", ds.Name())
	}
	return sum / float64(count), nil
}

// Close the executor, and with it the rings.
func (r *Trainer) Close() error {
	if r.exec == nil {
		return collective.CloseAll(r.rings)
	}
	return r.exec.Close()
}
