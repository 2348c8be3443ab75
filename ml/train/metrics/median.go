// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package metrics

import "math"

// StreamingMedianMetric implements a metric that keeps an approximate median of a metric from a streaming
// input, in constant memory.
type StreamingMedianMetric struct {
	baseMetric

	markers  [5]float64
	counters [5]int64
}

// NewMedianMetric creates a streaming median metric.
//
// It uses the P^2 algorithm, described in the paper https://dl.acm.org/doi/abs/10.1145/4372.4378,
// and in a more friendly way in the post in: https://www.baeldung.com/cs/streaming-median
//
// `prettyPrintFn` can be left as nil, and a default will be used.
func NewMedianMetric(name, shortName, metricType string, prettyPrintFn PrettyPrintFn) *StreamingMedianMetric {
	return &StreamingMedianMetric{
		baseMetric: baseMetric{name: name, shortName: shortName, metricType: metricType, pPrintFn: prettyPrintFn},
	}
}

var p2Quantiles = [5]float64{0, 0.25, 0.5, 0.75, 1}

// Update implements Interface.
func (m *StreamingMedianMetric) Update(x float64) float64 {
	if math.IsNaN(x) {
		return m.Value()
	}
	if m.counters[4] == 0 {
		// This is the very first element:
		for i := range 5 {
			m.markers[i] = x
			if i > 0 {
				m.counters[i] = 1
			}
		}
		return m.baseMetric.Update(x)
	}

	// Update the first and last markers and counters:
	m.markers[0] = min(x, m.markers[0])
	m.markers[4] = max(x, m.markers[4])
	// m.counter[0] is always 0.
	m.counters[4]++ // Always incremented.
	for i := 1; i < 4; i++ {
		if x <= m.markers[i] {
			m.counters[i]++
		}
	}

	currentN := float64(m.counters[4])
	for i := 1; i < 4; i++ {
		d := p2Quantiles[i]*(currentN-1) - float64(m.counters[i])
		switch {
		case d >= 1:
			if m.counters[i] >= m.counters[i+1] || m.markers[i] >= m.markers[i+1] {
				continue
			}
			d = 1
		case d <= -1:
			if m.counters[i] <= m.counters[i-1] || m.markers[i] <= m.markers[i-1] {
				continue
			}
			d = -1
		default:
			// Not far enough from the ideal position.
			continue
		}
		m.markers[i] = m.adjustedMarker(i, d)
		m.counters[i] += int64(d)
	}
	return m.baseMetric.Update(m.markers[2])
}

// adjustedMarker returns the new value of markers[i] when moving it by d (+1 or -1) positions: using
// parabolic interpolation if possible, or linear otherwise.
func (m *StreamingMedianMetric) adjustedMarker(i int, d float64) float64 {
	nPrev, nCurr, nNext := float64(m.counters[i-1]), float64(m.counters[i]), float64(m.counters[i+1])
	qPrev, qCurr, qNext := m.markers[i-1], m.markers[i], m.markers[i+1]
	dnPrev, dnNext, dnOuter := nCurr-nPrev, nNext-nCurr, nNext-nPrev
	switch {
	case dnPrev > 0 && dnNext > 0:
		return qCurr + d/dnOuter*((dnPrev+d)*(qNext-qCurr)/dnNext+(dnNext-d)*(qCurr-qPrev)/dnPrev)
	case dnOuter > 0:
		return qPrev + (dnPrev+d)*(qNext-qPrev)/dnOuter
	}
	// Clumped markers.
	return qCurr
}

// Count returns the number of values seen since the last Reset.
func (m *StreamingMedianMetric) Count() int64 {
	return m.counters[4]
}

// Reset implements Interface.
func (m *StreamingMedianMetric) Reset() {
	m.baseMetric.Reset()
	m.markers = [5]float64{}
	m.counters = [5]int64{}
}
