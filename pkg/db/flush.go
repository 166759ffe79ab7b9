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

package db

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/skiffdb/skiff/pkg/document"
	"github.com/skiffdb/skiff/pkg/persistence"
)

// flusher batches durable writes: documents dirtied since the last
// flush write in one batch per collection. Flushes are single-flighted;
// a request arriving mid-flight queues behind the running one.
type flusher struct {
	db       *Database
	debounce time.Duration

	mu       sync.Mutex
	timer    *clock.Timer
	dirty    map[string]*dirtySet
	flushing bool
	queued   bool
}

type dirtySet struct {
	puts    map[string]bool
	deletes map[string]bool
}

func newFlusher(db *Database, debounce time.Duration) *flusher {
	return &flusher{
		db:       db,
		debounce: debounce,
		dirty:    map[string]*dirtySet{},
	}
}

func (f *flusher) set(collection string) *dirtySet {
	ds, ok := f.dirty[collection]
	if !ok {
		ds = &dirtySet{puts: map[string]bool{}, deletes: map[string]bool{}}
		f.dirty[collection] = ds
	}
	return ds
}

func (f *flusher) markPut(collection, id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ds := f.set(collection)
	delete(ds.deletes, id)
	ds.puts[id] = true
	f.scheduleLocked()
}

func (f *flusher) markDelete(collection, id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ds := f.set(collection)
	delete(ds.puts, id)
	ds.deletes[id] = true
	f.scheduleLocked()
}

func (f *flusher) scheduleLocked() {
	if f.timer != nil {
		f.timer.Stop()
	}
	f.timer = f.db.clk.AfterFunc(f.debounce, func() {
		if err := f.flushNow(); err != nil {
			f.db.logger.Errorf("flush failed: %v", err)
		}
	})
}

// flushNow writes every dirty document. While one flush runs, further
// requests coalesce into a single follow-up flush.
func (f *flusher) flushNow() error {
	f.mu.Lock()
	if f.flushing {
		f.queued = true
		f.mu.Unlock()
		return nil
	}
	if len(f.dirty) == 0 {
		f.mu.Unlock()
		return nil
	}
	f.flushing = true
	dirty := f.dirty
	f.dirty = map[string]*dirtySet{}
	f.mu.Unlock()

	err := f.write(dirty)

	f.mu.Lock()
	f.flushing = false
	queued := f.queued
	f.queued = false
	f.mu.Unlock()

	if queued {
		if qerr := f.flushNow(); err == nil {
			err = qerr
		}
	}
	return err
}

func (f *flusher) write(dirty map[string]*dirtySet) error {
	f.db.mu.Lock()
	adapter := f.db.adapter
	names := make([]string, 0, len(f.db.collections))
	for name := range f.db.collections {
		names = append(names, name)
	}

	var batches []persistence.Batch
	var waiting []document.Document
	for name, ds := range dirty {
		coll, ok := f.db.collections[name]
		if !ok {
			continue
		}
		batch := persistence.Batch{Collection: name}
		for id := range ds.puts {
			doc, ok := coll.getLocked(id)
			if !ok {
				// Deleted since it was dirtied.
				batch.Deletes = append(batch.Deletes, id)
				continue
			}
			batch.Puts = append(batch.Puts, document.Clone(doc))
			doc[document.FieldWriteWaiting] = true
			waiting = append(waiting, doc)
		}
		for id := range ds.deletes {
			batch.Deletes = append(batch.Deletes, id)
		}
		batches = append(batches, batch)
	}
	f.db.mu.Unlock()

	var err error
	if adapter != nil {
		if eerr := adapter.EnsureCollections(names); eerr != nil {
			err = eerr
		} else {
			for _, batch := range batches {
				if werr := adapter.WriteBatch(batch); werr != nil {
					err = werr
					break
				}
			}
		}
	}

	f.db.mu.Lock()
	for _, doc := range waiting {
		delete(doc, document.FieldWriteWaiting)
	}
	f.db.mu.Unlock()
	return err
}
