// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package localsgd

import (
	"math"
)

// IntervalPolicy computes the number of local steps until the next synchronization round, in adaptive
// mode. It's called after each round with the baseline learning rate and loss (captured at step 0),
// the current learning rate and loss, the initial number of local steps and its upper bound.
//
// It returns false to decline the update (e.g. on degenerate inputs), in which case the current
// number of local steps is kept. Values returned are clamped to [1, maxSteps].
type IntervalPolicy func(lr0, loss0, lr, loss float64, kInitial, maxSteps int64) (kSteps int64, ok bool)

// SqrtLossRatio is the default IntervalPolicy:
//
//	k = ceil(sqrt(lr_0 * loss / (lr * loss_0) * kInitial))
//
// clamped to [1, maxSteps]. It declines if any input is not a finite positive number.
func SqrtLossRatio(lr0, loss0, lr, loss float64, kInitial, maxSteps int64) (int64, bool) {
	for _, v := range []float64{lr0, loss0, lr, loss} {
		if !(v > 0) || math.IsInf(v, 0) {
			return 0, false
		}
	}
	raw := math.Ceil(math.Sqrt(lr0 * loss / (lr * loss0) * float64(kInitial)))
	if math.IsNaN(raw) || math.IsInf(raw, 0) {
		return 0, false
	}
	return clampSteps(raw, maxSteps), true
}

func clampSteps(k float64, maxSteps int64) int64 {
	if k > float64(maxSteps) {
		return maxSteps
	}
	if k < 1 {
		return 1
	}
	return int64(k)
}
