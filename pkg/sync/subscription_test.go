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

	"github.com/skiffdb/skiff/pkg/document"
	"github.com/skiffdb/skiff/pkg/errors"
	"github.com/skiffdb/skiff/pkg/sync"
)

func TestSubscriptionIdentity(t *testing.T) {
	t.Run("intervals are not part of the identity", func(t *testing.T) {
		reg := sync.NewRegistry(newTestDB())
		a := reg.Subscribe("tasks", map[string]any{"owner": "ada"}, sync.SubscriptionOptions{
			MinInterval: time.Second,
		})
		b := reg.Subscribe("tasks", map[string]any{"owner": "ada"}, sync.SubscriptionOptions{
			MinInterval: 5 * time.Second,
			MaxInterval: 10 * time.Second,
		})
		assert.Same(t, a, b)
		assert.Len(t, reg.Subscriptions(), 1)
	})

	t.Run("data options create distinct subscriptions", func(t *testing.T) {
		reg := sync.NewRegistry(newTestDB())
		a := reg.Subscribe("tasks", nil, sync.SubscriptionOptions{
			Filter: map[string]any{"done": false},
		})
		b := reg.Subscribe("tasks", nil, sync.SubscriptionOptions{
			Filter: map[string]any{"done": true},
		})
		c := reg.Subscribe("tasks", nil, sync.SubscriptionOptions{
			Filter: map[string]any{"done": true},
			Limit:  10,
		})
		assert.NotEqual(t, a.Slug(), b.Slug())
		assert.NotEqual(t, b.Slug(), c.Slug())
		assert.Len(t, reg.Subscriptions(), 3)
	})

	t.Run("subscribing again reactivates a stopped subscription", func(t *testing.T) {
		reg := sync.NewRegistry(newTestDB())
		sub := reg.Subscribe("tasks", nil, sync.SubscriptionOptions{})
		sub.Stop()
		assert.False(t, sub.Active())

		again := reg.Subscribe("tasks", nil, sync.SubscriptionOptions{})
		assert.Same(t, sub, again)
		assert.True(t, sub.Active())
	})
}

func TestSubscriptionLifecycleCallbacks(t *testing.T) {
	reg := sync.NewRegistry(newTestDB())
	changed := 0
	reg.OnChanged(func() { changed++ })

	sub := reg.Subscribe("tasks", nil, sync.SubscriptionOptions{})
	assert.Equal(t, 1, changed)

	sub.Stop()
	assert.Equal(t, 2, changed)
	sub.Stop() // already stopped, no signal
	assert.Equal(t, 2, changed)

	sub.Start()
	assert.Equal(t, 3, changed)

	sub.Delete()
	assert.Equal(t, 4, changed)
	assert.Empty(t, reg.Subscriptions())
}

func TestSubscriptionFetchAndMerge(t *testing.T) {
	database := newTestDB()
	reg := sync.NewRegistry(database)
	sched := sync.NewScheduler(reg)
	tasks := database.Collection("tasks")

	_, err := tasks.InsertOrReplace(document.Document{"_id": "t2", "title": "stale"})
	assert.NoError(t, err)

	reg.Subscribe("tasks", map[string]any{"owner": "ada"}, sync.SubscriptionOptions{})

	calls := reg.DueCalls(sched, 1000)
	assert.Len(t, calls, 1)
	assert.Equal(t, "subscribe", calls[0].Name)
	opts := calls[0].Opts.(map[string]any)
	assert.Equal(t, "tasks", opts["name"])
	assert.Equal(t, map[string]any{"owner": "ada"}, opts["args"])
	assert.NotContains(t, opts, "updatedAt")

	calls[0].Handle(map[string]any{
		"results": []any{
			map[string]any{
				"coll": "tasks",
				"entries": []any{
					map[string]any{"_id": "t1", "title": "write tests", "__updatedAt": float64(5)},
					map[string]any{"_id": "t2", "__deleted": true, "__updatedAt": float64(7)},
				},
			},
		},
		"resultsMeta": map[string]any{"lastSortedValue": float64(7)},
	}, nil)

	t.Run("entries are merged and tombstones removed", func(t *testing.T) {
		doc := tasks.FindID("t1")
		assert.NotNil(t, doc)
		assert.Equal(t, "write tests", doc["title"])
		assert.False(t, document.IsPending(doc))
		assert.Nil(t, tasks.FindID("t2"))
	})

	t.Run("the next fetch carries the advanced watermark", func(t *testing.T) {
		calls := reg.DueCalls(sched, 2000)
		assert.Len(t, calls, 1)
		opts := calls[0].Opts.(map[string]any)
		marks := opts["updatedAt"].(map[string]any)
		assert.EqualValues(t, 7, marks["tasks"])
	})
}

func TestSubscriptionLoadMore(t *testing.T) {
	t.Run("requires a pagination cursor", func(t *testing.T) {
		reg := sync.NewRegistry(newTestDB())
		sub := reg.Subscribe("tasks", nil, sync.SubscriptionOptions{})
		err := sub.LoadMore()
		assert.True(t, errors.IsStatus(err, errors.ErrCodeFailedPrecondition))
	})

	t.Run("replaces the watermark with the cursor for one fetch", func(t *testing.T) {
		reg := sync.NewRegistry(newTestDB())
		sched := sync.NewScheduler(reg)
		sub := reg.Subscribe("tasks", nil, sync.SubscriptionOptions{Limit: 2})

		calls := reg.DueCalls(sched, 1000)
		assert.Len(t, calls, 1)
		calls[0].Handle(map[string]any{
			"results": []any{
				map[string]any{
					"coll": "tasks",
					"entries": []any{
						map[string]any{"_id": "t1", "__updatedAt": float64(5)},
					},
				},
			},
			"resultsMeta": map[string]any{"lastSortedValue": float64(5)},
		}, nil)

		assert.NoError(t, sub.LoadMore())

		calls = reg.DueCalls(sched, 2000)
		assert.Len(t, calls, 1)
		opts := calls[0].Opts.(map[string]any)
		assert.EqualValues(t, 5, opts["lastSortedValue"])
		assert.NotContains(t, opts, "updatedAt")

		// The flag is one-shot: the following fetch is incremental again.
		calls = reg.DueCalls(sched, 3000)
		assert.Len(t, calls, 1)
		opts = calls[0].Opts.(map[string]any)
		assert.NotContains(t, opts, "lastSortedValue")
	})

	t.Run("exhausted pagination is a no-op", func(t *testing.T) {
		reg := sync.NewRegistry(newTestDB())
		sched := sync.NewScheduler(reg)
		sub := reg.Subscribe("tasks", nil, sync.SubscriptionOptions{})

		calls := reg.DueCalls(sched, 1000)
		calls[0].Handle(map[string]any{
			"resultsMeta": map[string]any{"lastSortedValue": sync.EndSentinel},
		}, nil)

		assert.NoError(t, sub.LoadMore())
		calls = reg.DueCalls(sched, 2000)
		assert.Len(t, calls, 1)
		opts := calls[0].Opts.(map[string]any)
		assert.NotContains(t, opts, "lastSortedValue")
	})
}

func TestRegistrySnapshot(t *testing.T) {
	database := newTestDB()
	reg := sync.NewRegistry(database)
	sched := sync.NewScheduler(reg)

	reg.Subscribe("tasks", map[string]any{"owner": "ada"}, sync.SubscriptionOptions{
		Filter: map[string]any{"done": false},
		Limit:  20,
	})
	calls := reg.DueCalls(sched, 1000)
	assert.Len(t, calls, 1)
	calls[0].Handle(map[string]any{
		"results": []any{
			map[string]any{
				"coll": "tasks",
				"entries": []any{
					map[string]any{"_id": "t1", "__updatedAt": float64(42)},
				},
			},
		},
		"resultsMeta": map[string]any{"lastSortedValue": float64(42)},
	}, nil)

	reg.PersistSnapshot()

	restored := sync.NewRegistry(database)
	restored.Rehydrate()

	subs := restored.Subscriptions()
	assert.Len(t, subs, 1)
	sub := subs[0]
	assert.Equal(t, "tasks", sub.Name())
	assert.False(t, sub.Active(), "restored subscriptions wait for the app to resubscribe")
	assert.EqualValues(t, map[string]int64{"tasks": 42}, sub.Watermarks())

	// Resubscribing with the same identity reactivates the restored
	// subscription, cursor and all.
	again := restored.Subscribe("tasks", map[string]any{"owner": "ada"}, sync.SubscriptionOptions{
		Filter: map[string]any{"done": false},
		Limit:  20,
	})
	assert.Same(t, sub, again)
	assert.True(t, again.Active())
	assert.NoError(t, again.LoadMore())
}
