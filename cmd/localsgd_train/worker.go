// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	gocontext "context"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/gomlx/localsgd/collective"
	"github.com/gomlx/localsgd/ml/context"
	"github.com/gomlx/localsgd/ml/context/checkpoints"
	"github.com/gomlx/localsgd/ml/data"
	"github.com/gomlx/localsgd/ml/train"
	"github.com/gomlx/localsgd/ml/train/commandline"
	"github.com/gomlx/localsgd/ml/train/journal"
	"github.com/gomlx/localsgd/ml/train/metrics"
	"github.com/gomlx/localsgd/ml/train/optimizers"
	"github.com/gomlx/localsgd/ml/train/optimizers/localsgd"
	"github.com/gomlx/localsgd/types/tensors"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// runConfig holds the configuration shared by all workers of a run.
type runConfig struct {
	WorldSize int
	NumSteps  int
	BatchSize int
	Seed      int64

	// Inputs and Labels of the whole dataset: each worker trains on its own shard.
	Inputs, Labels *tensors.Tensor

	// Checkpoint configuration: if both CheckpointDir and CheckpointS3 are unset, no checkpoints are saved.
	// With more than one worker, each saves to its own "worker-<rank>" subdirectory (or prefix).
	CheckpointDir   string
	CheckpointS3    *checkpoints.S3Config
	CheckpointKeep  int
	CheckpointEvery int

	// Journal of the synchronization rounds, shared by the workers. Optional.
	Journal *journal.Journal
	RunID   string

	// Out is where rank 0 writes its progress bar and evaluation. If nil, nothing is written.
	Out io.Writer
}

// workerResult is what is left of a worker after training.
type workerResult struct {
	Rank          int
	Ctx           *context.Context
	LocalSGD      bool
	NumRounds     int
	RoundDuration *metrics.StreamingMedianMetric
	EvalLoss      float64
}

// newCheckpointHandler creates the checkpoint handler of the worker, loading its latest checkpoint if any.
// It returns nil if checkpoints are not configured.
func newCheckpointHandler(gctx gocontext.Context, rc *runConfig, ctx *context.Context, rank int) (*checkpoints.Handler, error) {
	workerDir := ""
	if rc.WorldSize > 1 {
		workerDir = fmt.Sprintf("worker-%d", rank)
	}
	config := checkpoints.Build(ctx).Keep(rc.CheckpointKeep)
	switch {
	case rc.CheckpointS3 != nil && rc.CheckpointS3.Bucket != "":
		s3Config := *rc.CheckpointS3
		if workerDir != "" {
			s3Config.Prefix = s3Config.Prefix + workerDir + "/"
		}
		storage, err := checkpoints.NewS3Storage(gctx, s3Config)
		if err != nil {
			return nil, err
		}
		config.Storage(storage)
	case rc.CheckpointDir != "":
		config.Dir(filepath.Join(checkpoints.ReplaceTildeInDir(rc.CheckpointDir), workerDir))
	default:
		return nil, nil
	}
	handler, err := config.Done()
	if err != nil {
		return nil, err
	}
	if found, err := handler.HasCheckpoints(); err == nil && found {
		klog.Infof("worker %d: resuming from checkpoint in %s", rank, handler)
	}
	return handler, nil
}

// buildOptimizer returns the LocalSGD strategy wrapping the optimizer configured in ctx. If LocalSGD
// can't be applied (disabled, only one worker or unsupported optimizer) it falls back to the local
// optimizer alone, and strategy is nil.
func buildOptimizer(ctx *context.Context, worldSize int) (optimizer optimizers.Interface, strategy *localsgd.Strategy, err error) {
	inner := optimizers.FromContext(ctx)
	strategy, err = localsgd.New(inner).FromContext(ctx).Done(worldSize)
	if err == nil {
		return strategy, strategy, nil
	}
	if !errors.Is(err, localsgd.ErrConfiguration) {
		return nil, nil, err
	}
	if errors.Is(err, localsgd.ErrNotEnabled) {
		klog.V(1).Infof("LocalSGD disabled, training with %q only", inner.Kind())
	} else {
		klog.Warningf("LocalSGD can't be used, training with %q only: %v", inner.Kind(), err)
	}
	localsgd.DisableStrategy(ctx)
	return inner, nil, nil
}

// runWorker trains the model of one worker, connecting to the others with bootstrap.
//
// gctx bounds the setup (storage and rings): once training starts, the collective operations are bounded
// by the LocalSGD collective timeout.
func runWorker(gctx gocontext.Context, rc *runConfig, rank int, ctx *context.Context, bootstrap collective.Bootstrap) (*workerResult, error) {
	result := &workerResult{
		Rank: rank,
		Ctx:  ctx,
		RoundDuration: metrics.NewMedianMetric("Median Round Duration", "~round", "duration",
			func(seconds float64) string { return time.Duration(seconds * float64(time.Second)).String() }),
	}
	optimizer, strategy, err := buildOptimizer(ctx, rc.WorldSize)
	if err != nil {
		return nil, err
	}
	checkpoint, err := newCheckpointHandler(gctx, rc, ctx, rank)
	if err != nil {
		return nil, errors.WithMessagef(err, "worker %d", rank)
	}

	var rings []collective.Ring
	if strategy != nil {
		result.LocalSGD = true
		rings, err = bootstrap.EstablishRings(gctx, rc.WorldSize, strategy.NumRings())
		if err != nil {
			return nil, errors.WithMessagef(err, "worker %d failed to establish rings", rank)
		}
		strategy.OnRound(func(info localsgd.RoundInfo) {
			result.NumRounds++
			result.RoundDuration.Update(info.Duration.Seconds())
			klog.V(2).Infof("worker %d: synchronization round at step %d, k_steps %d -> %d",
				rank, info.Step, info.KStepsBefore, info.KStepsAfter)
		})
		if rc.Journal != nil {
			rc.Journal.Attach(strategy, rc.RunID, rank)
		}
	}

	trainer := train.NewTrainer(ctx, linearModel, optimizer, rings)
	defer func() {
		if err := trainer.Close(); err != nil {
			klog.Errorf("worker %d: failed to close trainer: %+v", rank, err)
		}
	}()
	loop := train.NewLoop(trainer)
	if rank == 0 && rc.Out != nil {
		commandline.AttachProgressBarTo(loop, rc.Out)
	} else if klog.V(1).Enabled() {
		train.ExponentialCallback(loop, 100, 2, true, "log loss", 0, func(loop *train.Loop, values []float64) error {
			klog.Infof("worker %d: step %d, batch loss %.4g", rank, loop.LoopStep, values[0])
			return nil
		})
	}
	if checkpoint != nil {
		// Resume from the checkpoint's global step.
		loop.ReadGlobalStep(ctx)
		if rc.CheckpointEvery > 0 {
			train.EveryNSteps(loop, rc.CheckpointEvery, "checkpointing", 100, checkpoint.OnStepFn)
		}
		loop.OnEnd("checkpointing", 100, checkpoint.OnStepFn)
	}

	trainDS, err := data.InMemory("train", rc.Inputs, rc.Labels)
	if err != nil {
		return nil, err
	}
	trainDS.Shard(rank, rc.WorldSize).Shuffle(rc.Seed + int64(rank)).BatchSize(rc.BatchSize).Infinite(true)
	if remaining := rc.NumSteps - loop.LoopStep; remaining > 0 {
		if _, err = loop.RunSteps(trainDS, remaining); err != nil {
			return nil, errors.WithMessagef(err, "worker %d", rank)
		}
	} else {
		klog.Infof("worker %d: checkpoint already at step %d, nothing to train", rank, loop.LoopStep)
		return result, nil
	}

	evalDS, err := data.InMemory("eval", rc.Inputs, rc.Labels)
	if err != nil {
		return nil, err
	}
	evalDS.BatchSize(rc.BatchSize)
	if result.EvalLoss, err = trainer.Eval(evalDS); err != nil {
		return nil, errors.WithMessagef(err, "worker %d", rank)
	}
	if rank == 0 && rc.Out != nil {
		if err = commandline.ReportEval(rc.Out, trainer, evalDS); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// runInProcess runs all the workers in the current process, connected by in-memory rings.
// The first worker to fail cancels the setup of the others.
func runInProcess(rc *runConfig, newContext func(rank int) (*context.Context, error)) ([]*workerResult, error) {
	cluster := collective.NewLocalCluster(rc.WorldSize)
	results := make([]*workerResult, rc.WorldSize)
	g, gctx := errgroup.WithContext(gocontext.Background())
	for rank := range rc.WorldSize {
		g.Go(func() error {
			ctx, err := newContext(rank)
			if err != nil {
				return err
			}
			results[rank], err = runWorker(gctx, rc, rank, ctx, cluster.Worker(rank))
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
