// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package metrics holds a library of metrics computed on the host, from the scalar values produced at
// each training step (the batch loss, the duration of a synchronization round, etc.).
package metrics

import (
	"fmt"
	"math"

	"github.com/gomlx/exceptions"
)

// Interface for a Metric.
type Interface interface {
	// Name of the metric.
	Name() string

	// ShortName is a shortened version of the name (preferably a few characters) to display in progress bars or
	// similar UIs.
	ShortName() string

	// MetricType is a key for metrics that share the same quantity or semantics. Eg.:
	// "Moving-Average-Loss" and "Batch-Loss" would both have the same "loss" metric type, and for instance,
	// can be displayed on the same plot, sharing the Y-axis.
	MetricType() string

	// Update the metric with a new value and return the current value of the metric.
	Update(value float64) float64

	// Value returns the current value of the metric, or NaN if it was never updated.
	Value() float64

	// PrettyPrint returns a human-readable version of the value of the metric.
	PrettyPrint(value float64) string

	// Reset the state of the metric, as if it was never updated.
	Reset()
}

// PrettyPrintFn is a function to convert a metric value to a string.
type PrettyPrintFn func(value float64) string

// baseMetric implements Interface for a metric that is simply the last value.
type baseMetric struct {
	name, shortName, metricType string
	pPrintFn                    PrettyPrintFn

	value   float64
	updated bool
}

func (m *baseMetric) Name() string       { return m.name }
func (m *baseMetric) ShortName() string  { return m.shortName }
func (m *baseMetric) MetricType() string { return m.metricType }

func (m *baseMetric) Update(value float64) float64 {
	m.value = value
	m.updated = true
	return value
}

func (m *baseMetric) Value() float64 {
	if !m.updated {
		return math.NaN()
	}
	return m.value
}

func (m *baseMetric) PrettyPrint(value float64) string {
	if m.pPrintFn == nil {
		return fmt.Sprintf("%.3g", value)
	}
	return m.pPrintFn(value)
}

func (m *baseMetric) Reset() {
	m.value = 0
	m.updated = false
}

// NewBaseMetric creates a stateless metric: its value is the last value given to Update.
//
// pPrintFn can be left nil, and a default will be used.
func NewBaseMetric(name, shortName, metricType string, pPrintFn PrettyPrintFn) Interface {
	return &baseMetric{name: name, shortName: shortName, metricType: metricType, pPrintFn: pPrintFn}
}

// meanMetric implements the mean of all values since the last Reset.
type meanMetric struct {
	baseMetric
	sum   float64
	count int64
}

// NewMeanMetric creates a metric that is the mean of all values given since the last Reset.
func NewMeanMetric(name, shortName, metricType string, pPrintFn PrettyPrintFn) Interface {
	return &meanMetric{baseMetric: baseMetric{name: name, shortName: shortName, metricType: metricType, pPrintFn: pPrintFn}}
}

func (m *meanMetric) Update(value float64) float64 {
	m.sum += value
	m.count++
	return m.baseMetric.Update(m.sum / float64(m.count))
}

func (m *meanMetric) Reset() {
	m.baseMetric.Reset()
	m.sum, m.count = 0, 0
}

// movingAverageMetric implements an exponential moving average.
type movingAverageMetric struct {
	baseMetric
	newExampleWeight float64
}

// NewExponentialMovingAverageMetric creates a metric that is the exponential moving average of the values
// given. newExampleWeight is the weight of each new value, and must be in (0, 1]. A typical value is 0.01.
//
// The first value initializes the average, and non-finite averages are also re-initialized by the next value,
// so one NaN loss doesn't poison the metric forever.
func NewExponentialMovingAverageMetric(name, shortName, metricType string, pPrintFn PrettyPrintFn, newExampleWeight float64) Interface {
	if newExampleWeight <= 0 || newExampleWeight > 1 {
		exceptions.Panicf("NewExponentialMovingAverageMetric(%q): newExampleWeight must be in (0, 1], got %g", name, newExampleWeight)
	}
	return &movingAverageMetric{
		baseMetric:       baseMetric{name: name, shortName: shortName, metricType: metricType, pPrintFn: pPrintFn},
		newExampleWeight: newExampleWeight,
	}
}

func (m *movingAverageMetric) Update(value float64) float64 {
	if !m.updated || math.IsNaN(m.value) || math.IsInf(m.value, 0) {
		return m.baseMetric.Update(value)
	}
	return m.baseMetric.Update((1-m.newExampleWeight)*m.value + m.newExampleWeight*value)
}

// LossPPrint prints a loss value.
func LossPPrint(value float64) string {
	return fmt.Sprintf("%.4g", value)
}

// Loss metrics used by the train.Trainer.
const (
	LossMetricType = "loss"

	BatchLossName         = "Batch Loss"
	MovingAverageLossName = "Moving Average Loss"
)

// NewBatchLoss returns the metric with the loss of the last batch.
func NewBatchLoss() Interface {
	return NewBaseMetric(BatchLossName, "batch", LossMetricType, LossPPrint)
}

// NewMovingAverageLoss returns the exponential moving average of the batch losses.
func NewMovingAverageLoss(newExampleWeight float64) Interface {
	return NewExponentialMovingAverageMetric(MovingAverageLossName, "~loss", LossMetricType, LossPPrint, newExampleWeight)
}
