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

// Package periodic provides a runner that executes a task at fixed intervals
// and supports out-of-band triggering.
package periodic

import (
	"context"
	"sync"
	"time"

	"github.com/freifunk-stuttgart/meshmon/pkg/log"
	"github.com/freifunk-stuttgart/meshmon/pkg/metrics"
)

// Event types for the Events metric.
const (
	// EventStop is counted when the runner is stopped.
	EventStop = "stop"
	// EventKill is counted when the runner is killed.
	EventKill = "kill"
	// EventTrigger is counted when a run is triggered out-of-band.
	EventTrigger = "trigger"
)

// Task is a piece of work that is executed periodically.
type Task interface {
	// Run executes the task once. It should return within the context's
	// timeout.
	Run(context.Context)
	// Name returns the task's name. Successive calls must return the same
	// value.
	Name() string
}

// Metrics contains the metrics specific to periodic runners. Any field may be
// nil, in which case the corresponding value is not reported.
type Metrics struct {
	// Events returns a counter for the given event type. The event types are
	// EventStop, EventKill and EventTrigger.
	Events func(eventType string) metrics.Counter
	// Runtime is set to the duration of the most recent run, in seconds.
	Runtime metrics.Gauge
	// StartTime is set to the unix timestamp at which the most recent run
	// started.
	StartTime metrics.Gauge
	// Period is set to the configured period, in seconds.
	Period metrics.Gauge
}

type runnerMetrics struct {
	stopEvents    metrics.Counter
	killEvents    metrics.Counter
	triggerEvents metrics.Counter
	runtime       metrics.Gauge
	startTime     metrics.Gauge
	period        metrics.Gauge
}

func newRunnerMetrics(m *Metrics) runnerMetrics {
	if m == nil {
		return runnerMetrics{}
	}
	rm := runnerMetrics{
		runtime:   m.Runtime,
		startTime: m.StartTime,
		period:    m.Period,
	}
	if m.Events != nil {
		rm.stopEvents = m.Events(EventStop)
		rm.killEvents = m.Events(EventKill)
		rm.triggerEvents = m.Events(EventTrigger)
	}
	return rm
}

// Runner runs a task periodically.
type Runner struct {
	task         Task
	ticker       *time.Ticker
	timeout      time.Duration
	ctx          context.Context
	cancel       context.CancelFunc
	trigger      chan struct{}
	stop         chan struct{}
	stopOnce     sync.Once
	loopFinished chan struct{}
	metrics      runnerMetrics
}

// Start creates and starts a new Runner to run the given task periodically.
// The timeout is used for the context of each run.
func Start(task Task, period, timeout time.Duration) *Runner {
	return StartWithMetrics(task, nil, period, timeout)
}

// StartWithMetrics is like Start, with the given metrics reported.
func StartWithMetrics(task Task, m *Metrics, period, timeout time.Duration) *Runner {
	ctx, cancel := context.WithCancel(context.Background())
	logger := log.New("periodic_task", task.Name())
	ctx = log.CtxWith(ctx, logger)
	runner := &Runner{
		task:         task,
		ticker:       time.NewTicker(period),
		timeout:      timeout,
		ctx:          ctx,
		cancel:       cancel,
		trigger:      make(chan struct{}),
		stop:         make(chan struct{}),
		loopFinished: make(chan struct{}),
		metrics:      newRunnerMetrics(m),
	}
	metrics.GaugeSet(runner.metrics.period, period.Seconds())
	logger.Debug("Starting periodic task")
	go func() {
		defer log.HandlePanic()
		runner.runLoop()
	}()
	return runner
}

// Stop stops the periodic execution of the Runner. If the task is currently
// running, Stop waits for it to complete. It is safe to call Stop on a nil
// Runner.
func (r *Runner) Stop() {
	if r == nil {
		return
	}
	r.ticker.Stop()
	r.stopOnce.Do(func() { close(r.stop) })
	<-r.loopFinished
	metrics.CounterInc(r.metrics.stopEvents)
}

// Kill is like Stop, except it also cancels the context of a run that is in
// flight. It is safe to call Kill on a nil Runner.
func (r *Runner) Kill() {
	if r == nil {
		return
	}
	r.ticker.Stop()
	r.cancel()
	r.stopOnce.Do(func() { close(r.stop) })
	<-r.loopFinished
	metrics.CounterInc(r.metrics.killEvents)
}

// TriggerRun triggers the task to run immediately, regardless of the period.
// It blocks until the run loop has accepted the trigger, or until the runner
// is stopped.
func (r *Runner) TriggerRun() {
	select {
	case <-r.stop:
	case r.trigger <- struct{}{}:
	}
}

func (r *Runner) runLoop() {
	defer close(r.loopFinished)
	defer r.cancel()
	for {
		select {
		case <-r.stop:
			return
		case <-r.ctx.Done():
			return
		case <-r.ticker.C:
			r.onTick()
		case <-r.trigger:
			metrics.CounterInc(r.metrics.triggerEvents)
			r.onTick()
		}
	}
}

func (r *Runner) onTick() {
	select {
	case <-r.ctx.Done():
		return
	default:
	}
	start := time.Now()
	metrics.GaugeSet(r.metrics.startTime, float64(start.Unix()))
	ctx, cancel := context.WithTimeout(r.ctx, r.timeout)
	defer cancel()
	r.task.Run(ctx)
	metrics.GaugeSet(r.metrics.runtime, time.Since(start).Seconds())
}
