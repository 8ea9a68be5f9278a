// Copyright 2024 Freifunk Stuttgart e.V.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//   http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics defines interfaces for counters, gauges and histograms,
// decoupling instrumented code from the underlying metric implementation.
// Production code wires the prometheus-backed implementations from this
// package, tests use the Test variants which can be inspected via
// CounterValue and GaugeValue.
package metrics

import (
	"sort"
	"strings"
	"sync"
)

// Counter describes a metric that accumulates values monotonically.
type Counter interface {
	With(labelValues ...string) Counter
	Add(delta float64)
}

// Gauge describes a metric that takes specific values over time.
type Gauge interface {
	With(labelValues ...string) Gauge
	Set(value float64)
	Add(delta float64)
}

// Histogram describes a metric that takes repeated observations of the same
// kind of thing, and produces a statistical summary of those observations.
type Histogram interface {
	With(labelValues ...string) Histogram
	Observe(value float64)
}

// CounterInc increments the counter by one. It is safe to call with a nil
// counter.
func CounterInc(c Counter) {
	if c == nil {
		return
	}
	c.Add(1)
}

// CounterAdd increases the counter by the given delta. It is safe to call
// with a nil counter.
func CounterAdd(c Counter, delta float64) {
	if c == nil {
		return
	}
	c.Add(delta)
}

// GaugeSet sets the gauge to the given value. It is safe to call with a nil
// gauge.
func GaugeSet(g Gauge, value float64) {
	if g == nil {
		return
	}
	g.Set(value)
}

// GaugeAdd increases the gauge by the given delta. It is safe to call with a
// nil gauge.
func GaugeAdd(g Gauge, delta float64) {
	if g == nil {
		return
	}
	g.Add(delta)
}

// testStore is the shared value store behind test counters and gauges. Each
// With derivation keeps a reference to the root store, so values written via
// one derivation are visible via every equally labeled derivation.
type testStore struct {
	mtx    sync.Mutex
	values map[string]float64
}

func (s *testStore) add(key string, delta float64) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.values[key] += delta
}

func (s *testStore) set(key string, v float64) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.values[key] = v
}

func (s *testStore) value(key string) float64 {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.values[key]
}

func labelsKey(labelValues []string) string {
	if len(labelValues)%2 != 0 {
		labelValues = append(labelValues, "unknown")
	}
	pairs := make([]string, 0, len(labelValues)/2)
	for i := 0; i+1 < len(labelValues); i += 2 {
		pairs = append(pairs, labelValues[i]+"\x00"+labelValues[i+1])
	}
	sort.Strings(pairs)
	return strings.Join(pairs, "\x01")
}

// TestCounter implements the Counter interface for testing purposes. Deriving
// equally labeled counters via With yields views onto the same value.
type TestCounter struct {
	store  *testStore
	labels []string
}

// NewTestCounter creates a new counter for testing.
func NewTestCounter() *TestCounter {
	return &TestCounter{store: &testStore{values: make(map[string]float64)}}
}

// With implements Counter.
func (c *TestCounter) With(labelValues ...string) Counter {
	return &TestCounter{
		store:  c.store,
		labels: append(append([]string{}, c.labels...), labelValues...),
	}
}

// Add implements Counter.
func (c *TestCounter) Add(delta float64) {
	if delta < 0 {
		panic("counter increment value is < 0")
	}
	c.store.add(labelsKey(c.labels), delta)
}

// CounterValue extracts the value out of a TestCounter. If the argument is not
// a *TestCounter, CounterValue will panic.
func CounterValue(c Counter) float64 {
	tc := c.(*TestCounter)
	return tc.store.value(labelsKey(tc.labels))
}

// TestGauge implements the Gauge interface for testing purposes. Deriving
// equally labeled gauges via With yields views onto the same value.
type TestGauge struct {
	store  *testStore
	labels []string
}

// NewTestGauge creates a new gauge for testing.
func NewTestGauge() *TestGauge {
	return &TestGauge{store: &testStore{values: make(map[string]float64)}}
}

// With implements Gauge.
func (g *TestGauge) With(labelValues ...string) Gauge {
	return &TestGauge{
		store:  g.store,
		labels: append(append([]string{}, g.labels...), labelValues...),
	}
}

// Set implements Gauge.
func (g *TestGauge) Set(v float64) {
	g.store.set(labelsKey(g.labels), v)
}

// Add implements Gauge.
func (g *TestGauge) Add(delta float64) {
	g.store.add(labelsKey(g.labels), delta)
}

// GaugeValue extracts the value out of a TestGauge. If the argument is not a
// *TestGauge, GaugeValue will panic.
func GaugeValue(g Gauge) float64 {
	tg := g.(*TestGauge)
	return tg.store.value(labelsKey(tg.labels))
}
