/*
 * Copyright 2026 The Skiff Authors. All rights reserved.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package sync

import (
	"context"
	gosync "sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/rs/xid"

	"github.com/skiffdb/skiff/internal/log"
	"github.com/skiffdb/skiff/pkg/db"
	"github.com/skiffdb/skiff/pkg/errors"
	"github.com/skiffdb/skiff/pkg/metrics"
	"github.com/skiffdb/skiff/pkg/transport"
)

const (
	// DefaultPollInterval paces the regular poll timer.
	DefaultPollInterval = 2 * time.Second

	// DefaultIdleTimeout pauses interval polling after this long without
	// user interaction.
	DefaultIdleTimeout = 5 * time.Minute
)

// Call is one named wire call with its completion handler. Handlers run
// synchronously, in request order, after the round trip.
type Call struct {
	Name   string
	Opts   any
	Handle func(result any, err error)
}

// CoordinatorOptions configures a Coordinator.
type CoordinatorOptions struct {
	Transport transport.Transport
	Metrics   *metrics.Metrics

	// PollInterval overrides DefaultPollInterval when positive.
	PollInterval time.Duration

	// IdleTimeout overrides DefaultIdleTimeout when positive. Zero or
	// negative disables idle detection.
	IdleTimeout time.Duration

	// NoIdleDetection keeps interval polling running forever.
	NoIdleDetection bool
}

// Coordinator orchestrates sync cycles: it drains queued calls, the
// change-set and due subscriptions into one batched request, hands it
// to the transport, and applies the positional results. Cycles are
// single-flighted; triggers arriving mid-flight coalesce into one
// follow-up cycle.
type Coordinator struct {
	db        *db.Database
	tracker   *Tracker
	registry  *Registry
	scheduler *Scheduler
	transport transport.Transport
	metrics   *metrics.Metrics
	clk       clock.Clock
	logger    log.Logger

	pollInterval time.Duration
	idleTimeout  time.Duration

	bootOnce gosync.Once

	mu        gosync.Mutex
	started   bool
	stopped   bool
	polling   bool
	pending   bool
	idle      bool
	lastTouch time.Time
	pollTimer *clock.Timer
	retry     *backoff.ExponentialBackOff
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewCoordinator wires a coordinator over the store. The tracker,
// registry and scheduler are created alongside it.
func NewCoordinator(database *db.Database, opts CoordinatorOptions) *Coordinator {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}

	registry := NewRegistry(database)
	if opts.Metrics != nil {
		registry.BindMetrics(opts.Metrics)
	}

	retry := backoff.NewExponentialBackOff()
	retry.MaxElapsedTime = 0

	c := &Coordinator{
		db:           database,
		tracker:      NewTracker(database),
		registry:     registry,
		scheduler:    NewScheduler(registry),
		transport:    opts.Transport,
		metrics:      opts.Metrics,
		clk:          database.Clock(),
		logger:       database.Logger().Named("sync"),
		pollInterval: opts.PollInterval,
		idleTimeout:  opts.IdleTimeout,
		retry:        retry,
	}
	if opts.NoIdleDetection {
		c.idleTimeout = 0
	}
	// Rehydration happens inside Populate so the store never reports
	// itself populated before persisted subscriptions are restored.
	database.OnPopulate(c.bootstrap)
	return c
}

// bootstrap restores persisted sync state exactly once, either during
// Database.Populate or at Start for stores that never populate.
func (c *Coordinator) bootstrap() {
	c.bootOnce.Do(func() {
		c.registry.Rehydrate()
		c.tracker.SweepErrors()
	})
}

// Registry returns the coordinator's subscription registry.
func (c *Coordinator) Registry() *Registry {
	return c.registry
}

// Tracker returns the coordinator's pending-change tracker.
func (c *Coordinator) Tracker() *Tracker {
	return c.tracker
}

// Start rehydrates persisted state, hooks the sync triggers and begins
// interval polling. Call after the store is populated.
func (c *Coordinator) Start(ctx context.Context) {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.lastTouch = c.clk.Now()
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.mu.Unlock()

	c.bootstrap()

	c.db.OnUpdatesFinished(func() {
		c.Trigger("updates")
	})
	c.registry.OnChanged(func() {
		c.Trigger("subscriptions")
	})

	c.mu.Lock()
	c.scheduleLocked()
	c.mu.Unlock()
}

// Stop cancels timers and in-flight round trips.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	c.stopped = true
	if c.pollTimer != nil {
		c.pollTimer.Stop()
		c.pollTimer = nil
	}
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Touch records user interaction, resuming interval polling when the
// idle detector had paused it. In-flight work is never affected.
func (c *Coordinator) Touch() {
	c.mu.Lock()
	c.lastTouch = c.clk.Now()
	resumed := c.idle
	c.idle = false
	if resumed && !c.stopped {
		c.scheduleLocked()
	}
	c.mu.Unlock()
	if resumed {
		c.logger.Debug("idle detector resumed")
	}
}

// Idle reports whether interval polling is paused.
func (c *Coordinator) Idle() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.idle
}

// Trigger requests a sync cycle. A trigger during an in-flight cycle
// coalesces into one pending follow-up instead of a parallel cycle.
func (c *Coordinator) Trigger(source string) {
	c.mu.Lock()
	if c.stopped || !c.started {
		c.mu.Unlock()
		return
	}
	if c.polling {
		c.pending = true
		c.mu.Unlock()
		return
	}
	c.polling = true
	c.mu.Unlock()

	c.run(source)
}

func (c *Coordinator) run(source string) {
	for {
		c.poll(source)

		c.mu.Lock()
		if !c.pending || c.stopped {
			c.polling = false
			c.mu.Unlock()
			return
		}
		c.pending = false
		c.mu.Unlock()
		source = "pending"
	}
}

func (c *Coordinator) poll(source string) {
	cycle := xid.New().String()
	now := c.db.Now()

	userCalls := c.db.DrainCalls()

	var calls []Call
	for _, pc := range userCalls {
		pc := pc
		calls = append(calls, Call{Name: pc.Name, Opts: pc.Opts, Handle: pc.Resolve})
	}

	cs, err := c.tracker.Build()
	if err != nil {
		c.logger.Errorf("cycle %s: build change-set: %v", cycle, err)
	} else if cs != nil {
		calls = append(calls, c.tracker.Calls(cs)...)
		if c.metrics != nil {
			c.metrics.AddPushedDocuments(cs.DocumentCount())
		}
	}

	calls = append(calls, c.registry.DueCalls(c.scheduler, now)...)

	if c.metrics != nil {
		c.metrics.SetQueuedCalls(c.db.QueuedCallCount())
	}
	if len(calls) == 0 {
		return
	}

	req := &transport.Request{Calls: make([]transport.Call, 0, len(calls))}
	for _, call := range calls {
		req.Calls = append(req.Calls, transport.Call{Name: call.Name, Opts: call.Opts})
	}

	c.mu.Lock()
	ctx := c.ctx
	c.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	resp, err := c.transport.RoundTrip(ctx, req)
	if err == nil && len(resp.Calls) != len(calls) {
		err = errors.Internalf("response carries %d results for %d calls",
			len(resp.Calls), len(calls)).WithCode("ErrTransport")
	}
	if err != nil {
		c.onTransportFailure(cycle, userCalls, calls[len(userCalls):], err)
		return
	}
	c.retry.Reset()

	for i, call := range calls {
		result := resp.Calls[i]
		if result.Error != nil {
			call.Handle(nil, errors.Internal(result.Error.Message).WithCode("ErrRemoteCall"))
			continue
		}
		call.Handle(result.Result, nil)
	}

	c.registry.PersistSnapshot()
	if c.metrics != nil {
		c.metrics.ObservePoll(source)
	}
	c.logger.Debugf("cycle %s (%s): %d calls", cycle, source, len(calls))
}

// onTransportFailure requeues the user calls untouched, notifies the
// internal handlers so pending markers stay for a rebuild, and arranges
// a backed-off retry.
func (c *Coordinator) onTransportFailure(cycle string, userCalls []*db.PendingCall, internal []Call, err error) {
	c.logger.Warnf("cycle %s: transport failed: %v", cycle, err)
	if c.metrics != nil {
		c.metrics.ObserveTransportError()
	}

	c.db.RequeueCalls(userCalls)
	for _, call := range internal {
		call.Handle(nil, err)
	}

	delay := c.retry.NextBackOff()
	if delay == backoff.Stop {
		return
	}
	c.mu.Lock()
	if !c.stopped {
		c.clk.AfterFunc(delay, func() {
			c.Trigger("retry")
		})
	}
	c.mu.Unlock()
}

// scheduleLocked arms the interval poll timer. The timer pauses while
// the idle detector reports no recent interaction and resumes on the
// next Touch.
func (c *Coordinator) scheduleLocked() {
	if c.pollTimer != nil {
		c.pollTimer.Stop()
	}
	c.pollTimer = c.clk.AfterFunc(c.pollInterval, c.intervalFired)
}

func (c *Coordinator) intervalFired() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	if c.idleTimeout > 0 && c.clk.Now().Sub(c.lastTouch) >= c.idleTimeout {
		c.idle = true
		c.pollTimer = nil
		c.mu.Unlock()
		c.logger.Debug("idle detector paused interval polling")
		return
	}
	c.scheduleLocked()
	c.mu.Unlock()

	c.Trigger("interval")
}
