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

package sync_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/skiffdb/skiff/pkg/sync"
)

func TestSchedulerFindAndUpdate(t *testing.T) {
	t.Run("nothing is due before a max interval elapses", func(t *testing.T) {
		reg := sync.NewRegistry(newTestDB())
		reg.Subscribe("tasks", nil, sync.SubscriptionOptions{
			MinInterval: 1000 * time.Millisecond,
			MaxInterval: 2000 * time.Millisecond,
		})
		sched := sync.NewScheduler(reg)

		assert.Nil(t, sched.FindAndUpdate(500))
		assert.Nil(t, sched.FindAndUpdate(1999))
	})

	t.Run("a mandatory refresh pulls in every elapsed min interval", func(t *testing.T) {
		reg := sync.NewRegistry(newTestDB())
		fast := reg.Subscribe("fast", nil, sync.SubscriptionOptions{
			MinInterval: 1000 * time.Millisecond,
			MaxInterval: 2000 * time.Millisecond,
		})
		slow := reg.Subscribe("slow", nil, sync.SubscriptionOptions{
			MinInterval: 2000 * time.Millisecond,
			MaxInterval: 4000 * time.Millisecond,
		})
		sched := sync.NewScheduler(reg)

		due := sched.FindAndUpdate(2000)
		assert.ElementsMatch(t, []*sync.Subscription{fast, slow}, due)

		// Fast's min elapses again at 3000 but no max does, so the round
		// trip is skipped entirely.
		assert.Nil(t, sched.FindAndUpdate(3000))

		// At 4000 fast's max forces a trip; slow's min has also elapsed.
		due = sched.FindAndUpdate(4000)
		assert.ElementsMatch(t, []*sync.Subscription{fast, slow}, due)
	})

	t.Run("subscriptions below their min interval do not piggyback", func(t *testing.T) {
		reg := sync.NewRegistry(newTestDB())
		fast := reg.Subscribe("fast", nil, sync.SubscriptionOptions{
			MinInterval: 1000 * time.Millisecond,
			MaxInterval: 2000 * time.Millisecond,
		})
		slow := reg.Subscribe("slow", nil, sync.SubscriptionOptions{
			MinInterval: 2000 * time.Millisecond,
			MaxInterval: 4000 * time.Millisecond,
		})
		sched := sync.NewScheduler(reg)

		assert.ElementsMatch(t, []*sync.Subscription{fast, slow}, sched.FindAndUpdate(2000))

		eager := reg.Subscribe("eager", nil, sync.SubscriptionOptions{
			MaxInterval: 500 * time.Millisecond,
		})

		// Eager makes 3000 mandatory. Fast's min has elapsed since 2000,
		// slow's has not.
		assert.ElementsMatch(t, []*sync.Subscription{fast, eager}, sched.FindAndUpdate(3000))
	})

	t.Run("stopped subscriptions are never due", func(t *testing.T) {
		reg := sync.NewRegistry(newTestDB())
		sub := reg.Subscribe("tasks", nil, sync.SubscriptionOptions{
			MinInterval: 1000 * time.Millisecond,
			MaxInterval: 2000 * time.Millisecond,
		})
		sched := sync.NewScheduler(reg)

		sub.Stop()
		assert.Nil(t, sched.FindAndUpdate(10000))

		sub.Start()
		assert.Len(t, sched.FindAndUpdate(10000), 1)
	})

	t.Run("untuned subscriptions stay out of the scheduler", func(t *testing.T) {
		reg := sync.NewRegistry(newTestDB())
		reg.Subscribe("plain", nil, sync.SubscriptionOptions{})
		reg.Subscribe("tuned", nil, sync.SubscriptionOptions{
			MaxInterval: 1000 * time.Millisecond,
		})
		sched := sync.NewScheduler(reg)

		due := sched.FindAndUpdate(1000)
		assert.Len(t, due, 1)
		assert.Equal(t, "tuned", due[0].Name())
	})
}
