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

// Scheduler decides when interval-tuned subscriptions refresh. Round
// trips are amortized: a refresh happens only when at least one
// subscription's max interval makes it mandatory, and every other
// subscription whose min interval elapsed piggybacks onto that trip.
type Scheduler struct {
	reg *Registry
}

// NewScheduler creates a scheduler over the registry.
func NewScheduler(reg *Registry) *Scheduler {
	return &Scheduler{reg: reg}
}

// FindAndUpdate returns the interval-tuned subscriptions due at now, in
// unix milliseconds, stamping their last-called time. Phase one: if no
// active subscription exceeded its max interval, nothing is due. Phase
// two: collect every active interval subscription whose min interval
// also elapsed.
func (s *Scheduler) FindAndUpdate(now int64) []*Subscription {
	s.reg.mu.Lock()
	defer s.reg.mu.Unlock()

	mandatory := false
	for _, sub := range s.reg.subs {
		if !sub.active || sub.opts.MaxInterval <= 0 {
			continue
		}
		if now-sub.lastCalled >= sub.opts.MaxInterval.Milliseconds() {
			mandatory = true
			break
		}
	}
	if !mandatory {
		return nil
	}

	var due []*Subscription
	for _, sub := range s.reg.subs {
		if !sub.active || !sub.opts.hasIntervals() {
			continue
		}
		min := sub.opts.MinInterval.Milliseconds()
		if min > 0 && now-sub.lastCalled < min {
			continue
		}
		sub.lastCalled = now
		due = append(due, sub)
	}
	return due
}
