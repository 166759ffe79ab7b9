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
	"context"
	gosync "sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"

	"github.com/skiffdb/skiff/pkg/db"
	"github.com/skiffdb/skiff/pkg/document"
	"github.com/skiffdb/skiff/pkg/errors"
	"github.com/skiffdb/skiff/pkg/persistence/memory"
	"github.com/skiffdb/skiff/pkg/sync"
	"github.com/skiffdb/skiff/pkg/transport"
)

type fakeTransport struct {
	mu       gosync.Mutex
	requests []*transport.Request
	respond  func(req *transport.Request) (*transport.Response, error)
}

func (f *fakeTransport) RoundTrip(_ context.Context, req *transport.Request) (*transport.Response, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	respond := f.respond
	f.mu.Unlock()
	if respond != nil {
		return respond(req)
	}
	return okResponse(req), nil
}

func (f *fakeTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func (f *fakeTransport) request(i int) *transport.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[i]
}

func okResponse(req *transport.Request) *transport.Response {
	return &transport.Response{Calls: make([]transport.Result, len(req.Calls))}
}

func newTestCoordinator(ft *fakeTransport) (*sync.Coordinator, *db.Database, *clock.Mock) {
	mock := clock.NewMock()
	database := db.New(db.Options{Clock: mock})
	coord := sync.NewCoordinator(database, sync.CoordinatorOptions{Transport: ft})
	return coord, database, mock
}

func TestCoordinatorCycle(t *testing.T) {
	t.Run("one cycle batches user calls, changes and subscriptions", func(t *testing.T) {
		ft := &fakeTransport{
			respond: func(req *transport.Request) (*transport.Response, error) {
				resp := okResponse(req)
				resp.Calls[0].Result = map[string]any{"greeting": "hi"}
				return resp, nil
			},
		}
		coord, database, _ := newTestCoordinator(ft)

		pc := database.Call("greet", map[string]any{"who": "ada"})
		tasks := database.Collection("tasks")
		doc, err := tasks.Insert(document.Document{"title": "ship it"})
		assert.NoError(t, err)
		coord.Registry().Subscribe("tasks", nil, sync.SubscriptionOptions{})

		coord.Start(context.Background())
		defer coord.Stop()
		coord.Trigger("manual")

		assert.Equal(t, 1, ft.count())
		req := ft.request(0)
		assert.Len(t, req.Calls, 3)
		assert.Equal(t, "greet", req.Calls[0].Name)
		assert.Equal(t, "changeSetUpdate", req.Calls[1].Name)
		assert.Equal(t, "subscribe", req.Calls[2].Name)

		result, err := pc.Await(context.Background())
		assert.NoError(t, err)
		assert.Equal(t, map[string]any{"greeting": "hi"}, result)

		id, _ := document.ID(doc)
		assert.False(t, document.IsPending(mustFind(t, tasks, id)))

		snapshot := database.LocalCollection(db.StoreCollection).FindID("subscriptions")
		assert.NotNil(t, snapshot)
	})

	t.Run("an empty cycle never reaches the transport", func(t *testing.T) {
		ft := &fakeTransport{}
		coord, _, _ := newTestCoordinator(ft)
		coord.Start(context.Background())
		defer coord.Stop()

		coord.Trigger("manual")
		assert.Equal(t, 0, ft.count())
	})

	t.Run("remote call errors surface through the pending call", func(t *testing.T) {
		ft := &fakeTransport{
			respond: func(req *transport.Request) (*transport.Response, error) {
				resp := okResponse(req)
				resp.Calls[0].Error = &transport.CallError{Message: "no such method"}
				return resp, nil
			},
		}
		coord, database, _ := newTestCoordinator(ft)
		coord.Start(context.Background())
		defer coord.Stop()

		pc := database.Call("missing", nil)
		coord.Trigger("manual")

		_, err := pc.Await(context.Background())
		assert.True(t, errors.IsStatus(err, errors.ErrCodeInternal))
		assert.Equal(t, "ErrRemoteCall", errors.CodeOf(err))
	})

	t.Run("triggers during a cycle coalesce into one follow-up", func(t *testing.T) {
		var coord *sync.Coordinator
		var database *db.Database
		var late *db.PendingCall
		ft := &fakeTransport{}
		ft.respond = func(req *transport.Request) (*transport.Response, error) {
			if late == nil {
				late = database.Call("late", nil)
				coord.Trigger("again")
				coord.Trigger("again")
			}
			return okResponse(req), nil
		}
		coord, database, _ = newTestCoordinator(ft)
		coord.Start(context.Background())
		defer coord.Stop()

		first := database.Call("first", nil)
		coord.Trigger("manual")

		assert.Equal(t, 2, ft.count())
		assert.Equal(t, "first", ft.request(0).Calls[0].Name)
		assert.Equal(t, "late", ft.request(1).Calls[0].Name)

		_, err := first.Await(context.Background())
		assert.NoError(t, err)
		_, err = late.Await(context.Background())
		assert.NoError(t, err)
	})
}

func TestCoordinatorTransportFailure(t *testing.T) {
	ft := &fakeTransport{
		respond: func(req *transport.Request) (*transport.Response, error) {
			return nil, errors.Unavailable("connection refused")
		},
	}
	coord, database, mock := newTestCoordinator(ft)
	coord.Start(context.Background())
	defer coord.Stop()

	pc := database.Call("greet", nil)
	tasks := database.Collection("tasks")
	doc, err := tasks.Insert(document.Document{"title": "offline edit"})
	assert.NoError(t, err)
	id, _ := document.ID(doc)

	coord.Trigger("manual")
	assert.Equal(t, 1, ft.count())

	t.Run("user calls are requeued unresolved", func(t *testing.T) {
		assert.False(t, callDone(pc))
		assert.Equal(t, 1, database.QueuedCallCount())
	})

	t.Run("documents stay pending for the next rebuild", func(t *testing.T) {
		assert.True(t, document.IsPending(mustFind(t, tasks, id)))
	})

	t.Run("the backed-off retry replays the whole cycle", func(t *testing.T) {
		ft.mu.Lock()
		ft.respond = nil
		ft.mu.Unlock()

		// Default backoff starts at 500ms with jitter; one second covers
		// the first retry.
		mock.Add(time.Second)

		assert.Equal(t, 2, ft.count())
		req := ft.request(1)
		assert.Equal(t, "greet", req.Calls[0].Name)
		assert.True(t, callDone(pc))
		assert.False(t, document.IsPending(mustFind(t, tasks, id)))
	})
}

func TestCoordinatorIntervalPacing(t *testing.T) {
	ft := &fakeTransport{}
	mock := clock.NewMock()
	database := db.New(db.Options{Clock: mock})
	coord := sync.NewCoordinator(database, sync.CoordinatorOptions{
		Transport:    ft,
		PollInterval: 2 * time.Second,
	})
	coord.Registry().Subscribe("tasks", nil, sync.SubscriptionOptions{})
	coord.Start(context.Background())
	defer coord.Stop()

	coord.Trigger("manual")
	assert.Equal(t, 1, ft.count())

	// The snapshot rewrite at the end of each cycle is a server-origin
	// write. It must not arm the update debounce and feed the next
	// cycle; an otherwise idle store polls on the interval only.
	mock.Add(time.Second)
	assert.Equal(t, 1, ft.count())

	mock.Add(time.Second)
	assert.Equal(t, 2, ft.count())

	mock.Add(2 * time.Second)
	assert.Equal(t, 3, ft.count())
}

func TestCoordinatorShortResponse(t *testing.T) {
	ft := &fakeTransport{
		respond: func(req *transport.Request) (*transport.Response, error) {
			return &transport.Response{Calls: make([]transport.Result, len(req.Calls)-1)}, nil
		},
	}
	coord, database, mock := newTestCoordinator(ft)
	coord.Start(context.Background())
	defer coord.Stop()

	pc := database.Call("greet", nil)
	coord.Trigger("manual")
	assert.Equal(t, 1, ft.count())

	t.Run("a short result list counts as a transport failure", func(t *testing.T) {
		assert.False(t, callDone(pc))
		assert.Equal(t, 1, database.QueuedCallCount())
	})

	t.Run("the retry replays once the transport behaves", func(t *testing.T) {
		ft.mu.Lock()
		ft.respond = nil
		ft.mu.Unlock()

		mock.Add(time.Second)
		assert.True(t, callDone(pc))
	})
}

func TestCoordinatorPopulateRehydrates(t *testing.T) {
	adapter, err := memory.New()
	assert.NoError(t, err)
	assert.NoError(t, adapter.EnsureCollections([]string{db.StoreCollection}))
	assert.NoError(t, adapter.Put(db.StoreCollection, document.Document{
		"_id": "subscriptions",
		"subscriptions": []any{
			map[string]any{
				"name":      "tasks",
				"active":    true,
				"updatedAt": map[string]any{"tasks": 42},
			},
		},
	}))

	database := db.New(db.Options{Clock: clock.NewMock(), Adapter: adapter})
	coord := sync.NewCoordinator(database, sync.CoordinatorOptions{Transport: &fakeTransport{}})

	// This hook runs after the coordinator's: the restored subscription
	// must already be visible while the store still reports unpopulated.
	restoredEarly := false
	database.OnPopulate(func() {
		restoredEarly = len(coord.Registry().Subscriptions()) == 1 && !database.Populated()
	})

	assert.NoError(t, database.Populate(context.Background()))
	assert.True(t, restoredEarly)

	subs := coord.Registry().Subscriptions()
	assert.Len(t, subs, 1)
	assert.False(t, subs[0].Active())
	assert.Equal(t, map[string]int64{"tasks": 42}, subs[0].Watermarks())
}

func callDone(pc *db.PendingCall) bool {
	select {
	case <-pc.Done():
		return true
	default:
		return false
	}
}

func TestCoordinatorIdleDetection(t *testing.T) {
	ft := &fakeTransport{}
	mock := clock.NewMock()
	database := db.New(db.Options{Clock: mock})
	coord := sync.NewCoordinator(database, sync.CoordinatorOptions{
		Transport:    ft,
		PollInterval: 2 * time.Second,
		IdleTimeout:  5 * time.Second,
	})
	coord.Start(context.Background())
	defer coord.Stop()

	mock.Add(2 * time.Second)
	assert.False(t, coord.Idle())
	mock.Add(2 * time.Second)
	assert.False(t, coord.Idle())

	// The third interval fires past the idle timeout and pauses polling.
	mock.Add(2 * time.Second)
	assert.True(t, coord.Idle())

	coord.Touch()
	assert.False(t, coord.Idle())

	mock.Add(2 * time.Second)
	assert.False(t, coord.Idle())
}
