// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"math/rand"

	. "github.com/gomlx/exceptions"
	"github.com/gomlx/localsgd/ml/context"
	"github.com/gomlx/localsgd/ml/train/losses"
	"github.com/gomlx/localsgd/ml/train/optimizers"
	"github.com/gomlx/localsgd/types/shapes"
	"github.com/gomlx/localsgd/types/tensors"
)

const (
	CoefficientMu    = 0.0
	CoefficientSigma = 5.0
	BiasMu           = 1.0
	BiasSigma        = 10.0
)

// initCoefficients chooses random coefficients and bias. These are the true values the model will
// attempt to learn.
func initCoefficients(rng *rand.Rand, numFeatures int) (coefficients []float64, bias float64) {
	coefficients = make([]float64, numFeatures)
	for ii := range coefficients {
		coefficients[ii] = rng.NormFloat64()*CoefficientSigma + CoefficientMu
	}
	bias = rng.NormFloat64()*BiasSigma + BiasMu
	return
}

// buildExamples generates inputs [numExamples, numFeatures] with a normal distribution, and labels
// [numExamples, 1] given by the linear model plus normal noise.
func buildExamples(rng *rand.Rand, coefficients []float64, bias float64, numExamples int, noise float64) (inputs, labels *tensors.Tensor) {
	numFeatures := len(coefficients)
	inputsFlat := make([]float64, numExamples*numFeatures)
	labelsFlat := make([]float64, numExamples)
	for ii := range numExamples {
		y := bias
		for jj, c := range coefficients {
			x := rng.NormFloat64()
			inputsFlat[ii*numFeatures+jj] = x
			y += c * x
		}
		if noise > 0 {
			y += rng.NormFloat64() * noise
		}
		labelsFlat[ii] = y
	}
	inputs = tensors.FromFlat(shapes.Float64, inputsFlat, numExamples, numFeatures)
	labels = tensors.FromFlat(shapes.Float64, labelsFlat, numExamples, 1)
	return
}

// linearModel is the train.ModelFn of `y = x . w + b`, trained with the mean squared error.
// The variables are created under the "model" scope, initialized with zeros.
func linearModel(ctx *context.Context, _ any, inputs, labels []*tensors.Tensor) float64 {
	x := inputs[0]
	if x.Shape().Rank() != 2 {
		Panicf("linearModel expects inputs shaped [batch_size, num_features], got %s", x.Shape())
	}
	batchSize, numFeatures := x.Shape().Dimensions[0], x.Shape().Dimensions[1]
	model := ctx.In("model")
	w := model.VariableWithValue("weights", make([]float64, numFeatures))
	b := model.VariableWithValue("bias", 0.0)
	if w.Shape().Size() != numFeatures {
		Panicf("linearModel has %d weights, but inputs have %d features", w.Shape().Size(), numFeatures)
	}

	xFlat, wFlat := x.Flat(), w.Value().Flat()
	bias := tensors.ToScalar[float64](b.Value())
	predictions := make([]float64, batchSize)
	for ii := range predictions {
		predictions[ii] = bias
		for jj, weight := range wFlat {
			predictions[ii] += xFlat[ii*numFeatures+jj] * weight
		}
	}
	loss, gradient := losses.MeanSquaredError(labels, []*tensors.Tensor{tensors.FromFlat(shapes.Float64, predictions, batchSize, 1)})

	// Chain the gradient of the predictions back to the variables.
	gradW := optimizers.GradientVar(w).Value().Flat()
	clear(gradW)
	var gradB float64
	for ii, g := range gradient {
		for jj := range gradW {
			gradW[jj] += g * xFlat[ii*numFeatures+jj]
		}
		gradB += g
	}
	optimizers.GradientVar(b).Value().SetScalar(gradB)
	return loss
}
