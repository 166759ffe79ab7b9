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

// Package db provides the store handle and its collections: an in-memory
// document database with live cursors, pending-change bookkeeping and
// batched durable writes.
package db

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"github.com/skiffdb/skiff/internal/log"
	"github.com/skiffdb/skiff/pkg/document"
	"github.com/skiffdb/skiff/pkg/persistence"
)

const (
	// DefaultUpdateDebounce is the window within which mutations coalesce
	// into one updatesFinished signal.
	DefaultUpdateDebounce = 50 * time.Millisecond

	// DefaultFlushDebounce is the window within which dirtied documents
	// coalesce into one durable write batch.
	DefaultFlushDebounce = 50 * time.Millisecond

	// StoreCollection is the reserved local collection holding store
	// bookkeeping rows such as the persisted subscription snapshot.
	StoreCollection = "__skiffStore"
)

// Options configures a Database.
type Options struct {
	// Adapter is the durable storage engine. Nil disables persistence.
	Adapter persistence.Adapter

	// Clock drives every timer of the store. Tests inject a mock clock to
	// advance virtual time. Nil means the wall clock.
	Clock clock.Clock

	// Logger receives store lifecycle and flush logs.
	Logger log.Logger

	// UpdateDebounce overrides DefaultUpdateDebounce when positive.
	UpdateDebounce time.Duration

	// FlushDebounce overrides DefaultFlushDebounce when positive.
	FlushDebounce time.Duration
}

// Database is a caller-owned store handle. All collections, cursors and
// timers hang off it; multiple independent instances can coexist.
type Database struct {
	mu sync.Mutex

	clk      clock.Clock
	logger   log.Logger
	adapter  persistence.Adapter
	collator *collate.Collator

	collections map[string]*Collection
	flusher     *flusher

	updateDebounce time.Duration
	updateTimer    *clock.Timer
	onUpdates      []func()

	queuedCalls []*PendingCall

	populated  bool
	onPopulate []func()
	nextCursor int64
}

// New creates an empty store handle.
func New(opts Options) *Database {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = log.New("db")
	}
	if opts.UpdateDebounce <= 0 {
		opts.UpdateDebounce = DefaultUpdateDebounce
	}
	if opts.FlushDebounce <= 0 {
		opts.FlushDebounce = DefaultFlushDebounce
	}

	db := &Database{
		clk:     opts.Clock,
		logger:  opts.Logger,
		adapter: opts.Adapter,
		// The collator keeps scratch state, so cursor sorts use it under
		// the store lock only.
		collator:       collate.New(language.Und),
		collections:    map[string]*Collection{},
		updateDebounce: opts.UpdateDebounce,
	}
	db.flusher = newFlusher(db, opts.FlushDebounce)

	// The reserved bookkeeping collection exists from the start so the
	// subscription snapshot row always has a home.
	db.getCollection(StoreCollection, true)
	return db
}

// Clock returns the clock driving the store's timers.
func (db *Database) Clock() clock.Clock {
	return db.clk
}

// Logger returns the store logger.
func (db *Database) Logger() log.Logger {
	return db.logger
}

// Now returns the store's current logical time in unix milliseconds.
func (db *Database) Now() int64 {
	return db.clk.Now().UnixMilli()
}

// Collection returns the named collection, creating it on first
// reference. Collections live for the lifetime of the store.
func (db *Database) Collection(name string) *Collection {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.getCollection(name, false)
}

// LocalCollection returns the named collection flagged as local-only:
// never synced and never pending-marked.
func (db *Database) LocalCollection(name string) *Collection {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.getCollection(name, true)
}

func (db *Database) getCollection(name string, isLocal bool) *Collection {
	if coll, ok := db.collections[name]; ok {
		return coll
	}
	coll := newCollection(db, name, isLocal)
	db.collections[name] = coll
	return coll
}

// Collections returns every collection created so far.
func (db *Database) Collections() []*Collection {
	db.mu.Lock()
	defer db.mu.Unlock()

	colls := make([]*Collection, 0, len(db.collections))
	for _, coll := range db.collections {
		colls = append(colls, coll)
	}
	return colls
}

// Populate loads every known collection from the durable adapter and
// marks the store populated. Cursors created before Populate see the
// loaded documents through populateStart/populateEnd events.
func (db *Database) Populate(ctx context.Context) error {
	db.mu.Lock()
	adapter := db.adapter
	names := make([]string, 0, len(db.collections))
	for name := range db.collections {
		names = append(names, name)
	}
	db.mu.Unlock()

	if adapter != nil {
		if err := adapter.EnsureCollections(names); err != nil {
			return err
		}
	}

	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return err
		}
		var docs []document.Document
		if adapter != nil {
			var err error
			docs, err = adapter.GetAll(name)
			if err != nil {
				return err
			}
		}
		db.Collection(name).populate(docs)
	}

	// Populate hooks run after documents load and before the store
	// reports itself populated, so rehydration work they do is visible
	// to anyone gated on Populated.
	db.mu.Lock()
	hooks := append([]func(){}, db.onPopulate...)
	db.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}

	db.mu.Lock()
	db.populated = true
	db.mu.Unlock()
	db.logger.Infof("store populated, %d collections", len(names))
	return nil
}

// OnPopulate registers a callback run by Populate after the documents
// load and before the store is marked populated.
func (db *Database) OnPopulate(fn func()) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.onPopulate = append(db.onPopulate, fn)
}

// Populated reports whether Populate has completed.
func (db *Database) Populated() bool {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.populated
}

// OnUpdatesFinished registers a callback fired once per debounce window
// after the last mutation settled. This is the sync trigger.
func (db *Database) OnUpdatesFinished(fn func()) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.onUpdates = append(db.onUpdates, fn)
}

// DidUpdate notes that some collection changed and (re)schedules the
// debounced updatesFinished signal. N mutations inside the window yield
// one signal.
func (db *Database) DidUpdate() {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.didUpdateLocked()
}

func (db *Database) didUpdateLocked() {
	if db.updateTimer != nil {
		db.updateTimer.Stop()
	}
	db.updateTimer = db.clk.AfterFunc(db.updateDebounce, db.fireUpdatesFinished)
}

func (db *Database) fireUpdatesFinished() {
	db.mu.Lock()
	db.updateTimer = nil
	fns := make([]func(), len(db.onUpdates))
	copy(fns, db.onUpdates)
	db.mu.Unlock()

	// Callbacks run outside the lock so they can call back into the
	// store.
	for _, fn := range fns {
		fn()
	}
}

// Call queues a named remote method call for the next sync cycle and
// returns a handle to await its result. The call survives transport
// failures: it stays queued until a cycle delivers it.
func (db *Database) Call(name string, opts any) *PendingCall {
	call := newPendingCall(name, opts)
	db.mu.Lock()
	db.queuedCalls = append(db.queuedCalls, call)
	db.mu.Unlock()
	db.DidUpdate()
	return call
}

// DrainCalls removes and returns every queued call. The sync
// coordinator owns delivery; undelivered calls must be re-queued.
func (db *Database) DrainCalls() []*PendingCall {
	db.mu.Lock()
	defer db.mu.Unlock()
	calls := db.queuedCalls
	db.queuedCalls = nil
	return calls
}

// RequeueCalls puts undelivered calls back at the front of the queue.
func (db *Database) RequeueCalls(calls []*PendingCall) {
	if len(calls) == 0 {
		return
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	db.queuedCalls = append(calls, db.queuedCalls...)
}

// QueuedCallCount reports how many calls await the next cycle.
func (db *Database) QueuedCallCount() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return len(db.queuedCalls)
}

// Flush forces a durable write of every dirty document, bypassing the
// debounce. Used on shutdown.
func (db *Database) Flush() error {
	return db.flusher.flushNow()
}

// Close flushes outstanding writes and closes the adapter.
func (db *Database) Close() error {
	if err := db.Flush(); err != nil {
		return err
	}
	db.mu.Lock()
	adapter := db.adapter
	db.mu.Unlock()
	if adapter != nil {
		return adapter.Close()
	}
	return nil
}

func (db *Database) nextCursorID() int64 {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.nextCursor++
	return db.nextCursor
}
