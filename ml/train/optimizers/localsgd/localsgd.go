// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package localsgd implements LocalSGD: data-parallel training where each worker takes several local
// optimizer steps on its own replica of the parameters, and every k_steps steps the workers average
// their replicas with an all-reduce.
//
// It wraps a local optimizer (see optimizers.Interface): the Strategy returned by Config.Done appends
// the local optimizer's update ops to the training program, and registers a hook that, after each
// step, decides whether to run the synchronization round. The round averages, for every replicated
// trainable parameter P, the change since its last synchronized value (the snapshot S, stored in the
// variable `<name>@SNAPSHOT`), spreading the all-reduces over the executor's communication rings.
//
// Optionally (Config.Adaptive) the number of local steps between rounds is recomputed after each
// round from the loss and learning rate (see IntervalPolicy).
//
// Example:
//
//	strategy, err := localsgd.New(optimizers.FromContext(ctx)).FromContext(ctx).Done(worldSize)
//	if errors.Is(err, localsgd.ErrConfiguration) {
//		localsgd.DisableStrategy(ctx)
//		// ... train with the local optimizer only.
//	}
//	strategy.Minimize(ctx, prog, lossVar)
//	rings, err := bootstrap.EstablishRings(gocontext.Background(), worldSize, strategy.NumRings())
//	exec := program.NewExecutor(ctx, rings)
//	for ... { exec.Run(prog) }
package localsgd

import (
	"slices"
	"time"

	"github.com/gomlx/localsgd/collective"
	"github.com/gomlx/localsgd/ml/context"
	"github.com/gomlx/localsgd/ml/train/optimizers"
	"github.com/pkg/errors"
)

var (
	// ParamEnabled is the context parameter that enables LocalSGD. Default is false.
	ParamEnabled = "localsgd"

	// ParamKSteps is the context parameter with the (initial) number of local steps between
	// synchronization rounds. Default is 1.
	ParamKSteps = "localsgd_k_steps"

	// ParamAdaptive is the context parameter that enables the adaptive number of local steps.
	// Default is false.
	ParamAdaptive = "localsgd_adaptive"

	// ParamNumRings is the context parameter with the number of communication rings used by the
	// synchronization round. Default is DefaultNumRings.
	ParamNumRings = "localsgd_num_rings"

	// ParamMaxLocalSteps is the context parameter with the upper bound of the adaptive number of local
	// steps. Default is DefaultMaxLocalSteps.
	ParamMaxLocalSteps = "localsgd_max_local_steps"

	// ParamCollectiveTimeout is the context parameter with the deadline of each all-reduce, as a
	// time.Duration or a duration string (e.g. "30s"). Default is "" (no deadline).
	ParamCollectiveTimeout = "localsgd_collective_timeout"
)

const (
	// DefaultNumRings is the default number of communication rings.
	DefaultNumRings = 2

	// DefaultMaxLocalSteps is the default upper bound of the adaptive number of local steps.
	DefaultMaxLocalSteps = 16

	// SnapshotSuffix is appended to the name of a parameter to name its snapshot variable.
	SnapshotSuffix = "@SNAPSHOT"
)

var (
	// ErrConfiguration is matched (with errors.Is) by all errors returned when the strategy can't be
	// applied with the given configuration. They are returned before any program is built.
	ErrConfiguration = errors.New("localsgd: invalid configuration")

	// ErrNotEnabled is returned when the strategy is not enabled in the configuration.
	ErrNotEnabled = &configError{"strategy not enabled"}

	// ErrSingleWorker is returned when there is only one worker: there is nothing to synchronize.
	ErrSingleWorker = &configError{"worker count must be > 1"}

	// ErrUnsupportedOptimizer is returned when the wrapped optimizer keeps per-parameter state other
	// than the parameters themselves, which would silently diverge across workers.
	ErrUnsupportedOptimizer = &configError{"unsupported optimizer"}

	// ErrCollectiveFailure is matched (with errors.Is) by errors of a failed synchronization round.
	// The failure is fatal to the training run: the round is not retried.
	ErrCollectiveFailure = collective.ErrCollectiveFailure
)

type configError struct {
	msg string
}

func (e *configError) Error() string { return "localsgd: " + e.msg }

// Is makes all configuration errors match ErrConfiguration.
func (e *configError) Is(target error) bool { return target == ErrConfiguration }

// SupportedKinds are the kinds of optimizers LocalSGD can wrap.
var SupportedKinds = []optimizers.Kind{optimizers.KindSGD, optimizers.KindMomentum}

// ShouldSync returns whether the step is a synchronization point: `step - lastStep == kSteps`.
//
// The inputs are identical on all workers, since all workers execute the same steps, so all workers
// enter the synchronization round on the same step.
func ShouldSync(step, lastStep, kSteps int64) bool {
	return step-lastStep == kSteps
}

// CanApply checks whether the strategy can be used: it must be enabled, with more than one worker,
// wrapping an optimizer of one of the SupportedKinds. The errors returned match ErrConfiguration.
func CanApply(enabled bool, worldSize int, inner optimizers.Interface) error {
	if !enabled {
		return ErrNotEnabled
	}
	if worldSize <= 1 {
		return errors.WithMessagef(ErrSingleWorker, "worldSize=%d", worldSize)
	}
	if inner == nil {
		return errors.WithMessagef(ErrUnsupportedOptimizer, "no optimizer given")
	}
	if !slices.Contains(SupportedKinds, inner.Kind()) {
		return errors.WithMessagef(ErrUnsupportedOptimizer, "optimizer of kind %q, supported kinds are %v",
			inner.Kind(), SupportedKinds)
	}
	return nil
}

// DisableStrategy resets the context parameters to the disabled state: LocalSGD off, and one local step
// between synchronizations. Drivers call it when CanApply fails.
func DisableStrategy(ctx *context.Context) {
	ctx.SetParams(map[string]any{
		ParamEnabled: false,
		ParamKSteps:  1,
	})
}

// Config holds the configuration of LocalSGD. Create it with New, and once configured call Done.
type Config struct {
	inner             optimizers.Interface
	enabled           bool
	kSteps            int64
	adaptive          bool
	numRings          int
	maxLocalSteps     int64
	collectiveTimeout time.Duration
	policy            IntervalPolicy
	err               error
}

// New creates the configuration of the LocalSGD strategy wrapping the inner (local) optimizer.
// It is enabled, with one local step between rounds, not adaptive.
func New(inner optimizers.Interface) *Config {
	return &Config{
		inner:         inner,
		enabled:       true,
		kSteps:        1,
		numRings:      DefaultNumRings,
		maxLocalSteps: DefaultMaxLocalSteps,
		policy:        SqrtLossRatio,
	}
}

// FromContext reads the configuration from the context parameters, see ParamEnabled, ParamKSteps,
// ParamAdaptive, ParamNumRings, ParamMaxLocalSteps and ParamCollectiveTimeout.
// Parameters not set keep the current values.
func (c *Config) FromContext(ctx *context.Context) *Config {
	readParam(c, ctx, ParamEnabled, &c.enabled)
	readParam(c, ctx, ParamKSteps, &c.kSteps)
	readParam(c, ctx, ParamAdaptive, &c.adaptive)
	readParam(c, ctx, ParamNumRings, &c.numRings)
	readParam(c, ctx, ParamMaxLocalSteps, &c.maxLocalSteps)
	readParam(c, ctx, ParamCollectiveTimeout, &c.collectiveTimeout)
	return c
}

// readParam sets *field from the context param key, if set. A value of the wrong type is recorded
// as a configuration error, reported by Done.
func readParam[T any](c *Config, ctx *context.Context, key string, field *T) {
	value, found, err := context.LookupParam[T](ctx, key)
	if err != nil {
		if c.err == nil {
			c.err = errors.WithMessage(&configError{"invalid parameter " + key}, err.Error())
		}
		return
	}
	if found {
		*field = value
	}
}

// Enabled sets whether the strategy is enabled.
func (c *Config) Enabled(enabled bool) *Config {
	c.enabled = enabled
	return c
}

// KSteps sets the (initial, if adaptive) number of local steps between synchronization rounds. Must be >= 1.
func (c *Config) KSteps(kSteps int64) *Config {
	c.kSteps = kSteps
	return c
}

// Adaptive enables the adaptive number of local steps, recomputed after each round by the
// IntervalPolicy.
func (c *Config) Adaptive(adaptive bool) *Config {
	c.adaptive = adaptive
	return c
}

// NumRings sets the number of communication rings the all-reduces are spread over. Default is DefaultNumRings.
func (c *Config) NumRings(numRings int) *Config {
	c.numRings = numRings
	return c
}

// MaxLocalSteps sets the upper bound of the adaptive number of local steps. Default is DefaultMaxLocalSteps.
func (c *Config) MaxLocalSteps(maxLocalSteps int64) *Config {
	c.maxLocalSteps = maxLocalSteps
	return c
}

// CollectiveTimeout sets a deadline for each all-reduce of the synchronization round. Its expiration is a
// collective failure. Zero (the default) means no deadline.
func (c *Config) CollectiveTimeout(timeout time.Duration) *Config {
	c.collectiveTimeout = timeout
	return c
}

// IntervalPolicy replaces the policy used in adaptive mode. Default is SqrtLossRatio.
func (c *Config) IntervalPolicy(policy IntervalPolicy) *Config {
	c.policy = policy
	return c
}

// Done validates the configuration for the given number of workers and returns the Strategy.
// Errors match ErrConfiguration.
func (c *Config) Done(worldSize int) (*Strategy, error) {
	if c.err != nil {
		return nil, c.err
	}
	if err := CanApply(c.enabled, worldSize, c.inner); err != nil {
		return nil, err
	}
	if c.kSteps < 1 {
		return nil, errors.WithMessagef(&configError{"invalid k_steps"}, "k_steps=%d, it must be >= 1", c.kSteps)
	}
	if c.numRings < 1 {
		return nil, errors.WithMessagef(&configError{"invalid number of rings"}, "num_rings=%d, it must be >= 1", c.numRings)
	}
	if c.adaptive && c.maxLocalSteps < 1 {
		return nil, errors.WithMessagef(&configError{"invalid max local steps"}, "max_local_steps=%d, it must be >= 1", c.maxLocalSteps)
	}
	if c.collectiveTimeout < 0 {
		return nil, errors.WithMessagef(&configError{"invalid collective timeout"}, "timeout=%s, it must be >= 0", c.collectiveTimeout)
	}
	if c.policy == nil {
		c.policy = SqrtLossRatio
	}
	cfg := *c
	return &Strategy{config: &cfg, worldSize: worldSize}, nil
}
