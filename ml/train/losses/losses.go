// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package losses have several standard losses that implement train.LossFn interface. They can also
// be called to compute the loss of a model function, see train.ModelFn.
//
// Each loss returns the mean loss over all elements, and the gradient of that mean loss with respect
// to each prediction, which the model function chains back to its variables' gradients.
//
// If there is an extra element in the labels, with the shape of labels[0], it is assumed to be
// a weights tensor to be applied to the losses. Weight 0 masks out an element.
package losses

import (
	"math"

	. "github.com/gomlx/exceptions"
	"github.com/gomlx/localsgd/types/tensors"
)

// LossFn computes the mean loss for labels and predictions, and its gradient with respect to each element of
// predictions[0] (so gradient has the same size as predictions[0]).
type LossFn func(labels, predictions []*tensors.Tensor) (loss float64, gradient []float64)

// elementLossFn returns the loss of one element and its derivative with respect to the prediction.
type elementLossFn func(label, prediction float64) (loss, derivative float64)

// reduceMean applies elementFn to each (label, prediction) pair, weighted if there is a weights
// tensor, and returns the mean and the gradient of the mean.
func reduceMean(labels, predictions []*tensors.Tensor, elementFn elementLossFn) (loss float64, gradient []float64) {
	if len(labels) == 0 || len(predictions) == 0 {
		Panicf("losses require labels and predictions, got %d labels and %d predictions", len(labels), len(predictions))
	}
	labels0, predictions0 := labels[0], predictions[0]
	if !labels0.Shape().EqualDimensions(predictions0.Shape()) {
		Panicf("labels[0] (%s) and predictions[0] (%s) must have same shape", labels0.Shape(), predictions0.Shape())
	}
	weights := CheckLabelsForWeights(labels)
	n := float64(predictions0.Size())
	gradient = make([]float64, predictions0.Size())
	yFlat, predFlat := labels0.Flat(), predictions0.Flat()
	for ii := range predFlat {
		l, d := elementFn(yFlat[ii], predFlat[ii])
		if weights != nil {
			l *= weights[ii]
			d *= weights[ii]
		}
		loss += l
		gradient[ii] = d / n
	}
	return loss / n, gradient
}

// CheckLabelsForWeights in the labels slice of tensors -- it is assumed that labels[0] are the actual labels, so
// they are not considered. It returns the flat weights, or nil if there are none.
//
// If there is an extra tensor with the dimensions of labels[0], it is assumed to be weights.
func CheckLabelsForWeights(labels []*tensors.Tensor) (weights []float64) {
	for ii, extra := range labels[1:] {
		if weights == nil && extra.Shape().EqualDimensions(labels[0].Shape()) {
			weights = extra.Flat()
		} else {
			Panicf("labels provided by the dataset to the loss function has extra tensors whose use is unknown: labels[%d].shape=%s "+
				"-- label weights shape would be %s", ii+1, extra.Shape(), labels[0].Shape())
		}
	}
	return
}

// MeanSquaredError returns the mean squared error between labels and predictions, and its gradient.
//
// labels and predictions must have the same shape.
func MeanSquaredError(labels, predictions []*tensors.Tensor) (loss float64, gradient []float64) {
	return reduceMean(labels, predictions, func(label, prediction float64) (float64, float64) {
		diff := prediction - label
		return diff * diff, 2 * diff
	})
}

// MeanAbsoluteError returns the mean absolute error between labels and predictions, and its (sub-)gradient.
//
// labels and predictions must have the same shape.
func MeanAbsoluteError(labels, predictions []*tensors.Tensor) (loss float64, gradient []float64) {
	return reduceMean(labels, predictions, func(label, prediction float64) (float64, float64) {
		diff := prediction - label
		switch {
		case diff > 0:
			return diff, 1
		case diff < 0:
			return -diff, -1
		}
		return 0, 0
	})
}

// MakeHuberLoss returns a Huber loss function: it's quadratic for errors smaller than delta, and linear
// beyond, with slope delta. A good default value is 1.0.
//
// See https://en.wikipedia.org/wiki/Huber_loss
func MakeHuberLoss(delta float64) LossFn {
	if delta <= 0.0 {
		Panicf("MakeHuberLoss requires delta > 0 (1.0 being a good default), delta=%f given", delta)
	}
	return func(labels, predictions []*tensors.Tensor) (float64, []float64) {
		return reduceMean(labels, predictions, func(label, prediction float64) (float64, float64) {
			diff := prediction - label
			absDiff := math.Abs(diff)
			if absDiff <= delta {
				return 0.5 * diff * diff, diff
			}
			return delta * (absDiff - 0.5*delta), math.Copysign(delta, diff)
		})
	}
}
