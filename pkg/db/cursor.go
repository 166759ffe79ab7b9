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
	"sort"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/text/collate"

	"github.com/skiffdb/skiff/pkg/changestream"
	"github.com/skiffdb/skiff/pkg/document"
	"github.com/skiffdb/skiff/pkg/errors"
	"github.com/skiffdb/skiff/pkg/query"
)

// SortDirection orders a sorted cursor.
type SortDirection int

const (
	// Ascending sorts smallest first.
	Ascending SortDirection = 1
	// Descending sorts largest first.
	Descending SortDirection = -1
)

// ParseSortDirection accepts the accepted direction spellings.
func ParseSortDirection(s string) (SortDirection, error) {
	switch s {
	case "asc", "ascending", "1":
		return Ascending, nil
	case "desc", "descending", "-1":
		return Descending, nil
	default:
		return 0, errors.InvalidArgumentf("unknown sort direction %q", s)
	}
}

// DefaultWatchDebounce is the window within which change events batch
// before a watching cursor recomputes.
const DefaultWatchDebounce = 50 * time.Millisecond

// Cursor is a live, cacheable view over a collection for one
// query/sort/pagination spec. The cached result is invalidated, not
// eagerly recomputed, on relevant events.
type Cursor struct {
	coll *Collection
	id   int64
	expr query.Expr
	pred query.Predicate
	err  error

	sortKey string
	sortDir SortDirection
	skip    int
	limit   int

	needsCount        bool
	includeTombstones bool

	results    []document.Document
	generation int64
	memo       sliceMemo

	watching      bool
	watchDebounce time.Duration
	watchTimer    *clock.Timer
	buffer        []changestream.Event
	populated     bool
	onUpdate      func([]document.Document)
	lastIDs       map[string]bool
	streams       []*changestream.ChangeStream
}

type sliceMemo struct {
	generation int64
	skip       int
	limit      int
	out        []document.Document
	valid      bool
}

func newCursor(coll *Collection, expr query.Expr) *Cursor {
	return &Cursor{
		coll:          coll,
		id:            coll.db.nextCursorID(),
		expr:          expr,
		pred:          query.Compile(expr),
		limit:         -1,
		watchDebounce: DefaultWatchDebounce,
	}
}

// Sort orders results by a single field. Strings compare under Unicode
// collation, numbers and times by value.
func (c *Cursor) Sort(key string, direction SortDirection) *Cursor {
	c.coll.db.mu.Lock()
	defer c.coll.db.mu.Unlock()
	if direction != Ascending && direction != Descending {
		c.err = errors.InvalidArgumentf("unknown sort direction %d", direction)
		return c
	}
	c.sortKey = key
	c.sortDir = direction
	c.results = nil
	return c
}

// Skip drops the first n results.
func (c *Cursor) Skip(n int) *Cursor {
	c.coll.db.mu.Lock()
	defer c.coll.db.mu.Unlock()
	c.skip = n
	return c
}

// Limit caps the number of returned results.
func (c *Cursor) Limit(n int) *Cursor {
	c.coll.db.mu.Lock()
	defer c.coll.db.mu.Unlock()
	c.limit = n
	return c
}

// IncludeTombstones makes the cursor return documents marked as
// pending deletes, which every cursor excludes by default.
func (c *Cursor) IncludeTombstones() *Cursor {
	c.coll.db.mu.Lock()
	defer c.coll.db.mu.Unlock()
	c.includeTombstones = true
	c.results = nil
	return c
}

// Count returns the number of matching documents, ignoring skip and
// limit. It forces a full recomputation and disables short-circuit
// scans for the rest of the cursor's life.
func (c *Cursor) Count() (int, error) {
	c.coll.db.mu.Lock()
	defer c.coll.db.mu.Unlock()
	if c.err != nil {
		return 0, c.err
	}
	c.needsCount = true
	c.recomputeLocked()
	return len(c.results), nil
}

// ToArray returns the current results, applying skip and limit over the
// cached full result. Slicing is memoized per (result, skip, limit).
func (c *Cursor) ToArray() ([]document.Document, error) {
	c.coll.db.mu.Lock()
	defer c.coll.db.mu.Unlock()
	return c.toArrayLocked()
}

func (c *Cursor) toArrayLocked() ([]document.Document, error) {
	if c.err != nil {
		return nil, c.err
	}
	if c.results == nil {
		c.recomputeLocked()
	}
	return c.sliceLocked(), nil
}

func (c *Cursor) recomputeLocked() {
	// A limited, unsorted, uncounted scan can stop early; sort and count
	// need the full match set for correctness.
	canShortCircuit := c.limit >= 0 && c.sortKey == "" && !c.needsCount
	target := -1
	if canShortCircuit {
		target = c.skip + c.limit
	}

	var results []document.Document
	for _, doc := range c.coll.docs {
		if !c.includeTombstones && document.IsPendingDelete(doc) {
			continue
		}
		if !c.pred(doc) {
			continue
		}
		results = append(results, document.Clone(doc))
		if target >= 0 && len(results) >= target {
			break
		}
	}

	if c.sortKey != "" {
		key, dir := c.sortKey, c.sortDir
		col := c.coll.db.collator
		sort.SliceStable(results, func(i, j int) bool {
			cmp := compareSortValues(col, results[i][key], results[j][key])
			if dir == Descending {
				return cmp > 0
			}
			return cmp < 0
		})
	}

	c.results = results
	c.generation++
	c.memo.valid = false
}

func (c *Cursor) sliceLocked() []document.Document {
	if c.memo.valid && c.memo.generation == c.generation &&
		c.memo.skip == c.skip && c.memo.limit == c.limit {
		return c.memo.out
	}

	out := c.results
	if c.skip > 0 {
		if c.skip >= len(out) {
			out = nil
		} else {
			out = out[c.skip:]
		}
	}
	if c.limit >= 0 && c.limit < len(out) {
		out = out[:c.limit]
	}

	c.memo = sliceMemo{
		generation: c.generation,
		skip:       c.skip,
		limit:      c.limit,
		out:        out,
		valid:      true,
	}
	return out
}

// WatchOption tunes a watching cursor.
type WatchOption func(*Cursor)

// WithWatchDebounce overrides the event batching window.
func WithWatchDebounce(d time.Duration) WatchOption {
	return func(c *Cursor) {
		if d > 0 {
			c.watchDebounce = d
		}
	}
}

// Watch returns the current snapshot and thereafter invokes onUpdate
// once per debounce window when at least one batched change is relevant
// to this cursor. Irrelevant churn on the collection is dropped without
// recomputation.
func (c *Cursor) Watch(onUpdate func([]document.Document), opts ...WatchOption) ([]document.Document, error) {
	c.coll.db.mu.Lock()
	if c.watching {
		c.coll.db.mu.Unlock()
		return nil, errors.FailedPrecond("cursor is already watching")
	}
	for _, opt := range opts {
		opt(c)
	}
	snapshot, err := c.toArrayLocked()
	if err != nil {
		c.coll.db.mu.Unlock()
		return nil, err
	}
	c.watching = true
	c.onUpdate = onUpdate
	c.rememberIDsLocked(snapshot)
	c.coll.db.mu.Unlock()

	cs := c.coll.ChangeStream()
	cs.OnChange(func(event changestream.Event) {
		c.enqueue(event, false)
	})
	cs.OnPopulateEnd(func() {
		c.enqueue(changestream.Event{}, true)
	})

	c.coll.db.mu.Lock()
	c.streams = append(c.streams, cs)
	c.coll.db.mu.Unlock()
	return snapshot, nil
}

// FindAndWatch is shorthand for Find(...).Watch(...) on the collection.
func (c *Collection) FindAndWatch(expr query.Expr, onUpdate func([]document.Document), opts ...WatchOption) (*Cursor, []document.Document, error) {
	cursor := c.Find(expr)
	snapshot, err := cursor.Watch(onUpdate, opts...)
	if err != nil {
		return nil, nil, err
	}
	return cursor, snapshot, nil
}

func (c *Cursor) enqueue(event changestream.Event, populate bool) {
	c.coll.db.mu.Lock()
	if !c.watching {
		c.coll.db.mu.Unlock()
		return
	}
	if populate {
		c.populated = true
	} else {
		c.buffer = append(c.buffer, event)
	}
	if c.watchTimer != nil {
		c.watchTimer.Stop()
	}
	c.watchTimer = c.coll.db.clk.AfterFunc(c.watchDebounce, c.flushWatch)
	c.coll.db.mu.Unlock()
}

func (c *Cursor) flushWatch() {
	c.coll.db.mu.Lock()
	if !c.watching {
		c.coll.db.mu.Unlock()
		return
	}
	c.watchTimer = nil
	buffer := c.buffer
	c.buffer = nil
	populated := c.populated
	c.populated = false

	if !populated && !c.relevantLocked(buffer) {
		c.coll.db.mu.Unlock()
		return
	}

	c.recomputeLocked()
	out := c.sliceLocked()
	c.rememberIDsLocked(out)
	onUpdate := c.onUpdate
	c.coll.db.mu.Unlock()

	if onUpdate != nil {
		onUpdate(out)
	}
}

// relevantLocked reports whether any batched event can change this
// cursor's result: its key was in the previous snapshot, or an
// inserted/updated document now matches the predicate.
func (c *Cursor) relevantLocked(events []changestream.Event) bool {
	for _, event := range events {
		if c.lastIDs[event.DocumentKey] {
			return true
		}
		switch event.OperationType {
		case changestream.OpInsert, changestream.OpUpdate:
			if event.FullDocument != nil && c.pred(event.FullDocument) {
				return true
			}
		}
	}
	return false
}

func (c *Cursor) rememberIDsLocked(docs []document.Document) {
	ids := make(map[string]bool, len(docs))
	for _, doc := range docs {
		if id, ok := document.ID(doc); ok {
			ids[id] = true
		}
	}
	c.lastIDs = ids
}

// Unwatch closes every change stream the cursor opened. Idempotent.
func (c *Cursor) Unwatch() {
	c.coll.db.mu.Lock()
	if !c.watching {
		c.coll.db.mu.Unlock()
		return
	}
	c.watching = false
	c.onUpdate = nil
	if c.watchTimer != nil {
		c.watchTimer.Stop()
		c.watchTimer = nil
	}
	streams := c.streams
	c.streams = nil
	c.coll.db.mu.Unlock()

	for _, cs := range streams {
		cs.Close()
	}
}

func compareSortValues(col *collate.Collator, a, b any) int {
	if a == nil && b == nil {
		return 0
	}
	if a == nil {
		return -1
	}
	if b == nil {
		return 1
	}

	if as, ok := a.(string); ok {
		if bs, ok := b.(string); ok {
			return col.CompareString(as, bs)
		}
	}
	if at, ok := a.(time.Time); ok {
		if bt, ok := b.(time.Time); ok {
			switch {
			case at.Before(bt):
				return -1
			case at.After(bt):
				return 1
			default:
				return 0
			}
		}
	}
	af, aok := document.Float64(a)
	bf, bok := document.Float64(b)
	if aok && bok {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	}
	return 0
}
