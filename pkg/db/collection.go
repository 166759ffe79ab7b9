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
	"github.com/skiffdb/skiff/internal/log"
	"github.com/skiffdb/skiff/pkg/changestream"
	"github.com/skiffdb/skiff/pkg/document"
	"github.com/skiffdb/skiff/pkg/errors"
	"github.com/skiffdb/skiff/pkg/query"
)

// Collection is a named set of documents sharing one sync and
// persistence policy. The in-memory map is mutated only through the
// collection's own operations; cursors and change streams only read.
type Collection struct {
	db      *Database
	name    string
	isLocal bool
	idType  document.IDType
	logger  log.Logger

	docs      map[string]document.Document
	persists  []query.Predicate
	streams   []*changestream.ChangeStream
	populated bool
}

// UpdateResult reports the outcome of a selector-based update.
type UpdateResult struct {
	MatchedCount  int
	ModifiedCount int
	UpdatedIDs    []string
}

func newCollection(db *Database, name string, isLocal bool) *Collection {
	return &Collection{
		db:      db,
		name:    name,
		isLocal: isLocal,
		idType:  document.IDTypeRandom,
		logger:  db.logger.Named(name),
		docs:    map[string]document.Document{},
	}
}

// Name returns the collection name.
func (c *Collection) Name() string {
	return c.name
}

// IsLocal reports whether the collection is local-only: never synced,
// never pending-marked.
func (c *Collection) IsLocal() bool {
	return c.isLocal
}

// SetIDType sets the id generation policy for documents inserted
// without an _id.
func (c *Collection) SetIDType(t document.IDType) *Collection {
	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	c.idType = t
	return c
}

// Populated reports whether the collection finished loading from the
// durable adapter.
func (c *Collection) Populated() bool {
	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	return c.populated
}

// Len returns the number of documents including tombstones.
func (c *Collection) Len() int {
	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	return len(c.docs)
}

// ChangeStream attaches and returns a new event stream for the
// collection. Closing the stream detaches it.
func (c *Collection) ChangeStream() *changestream.ChangeStream {
	cs := changestream.New(c.logger)
	cs.OnClose(func() {
		c.db.mu.Lock()
		for i, s := range c.streams {
			if s == cs {
				c.streams = append(c.streams[:i], c.streams[i+1:]...)
				break
			}
		}
		c.db.mu.Unlock()
	})
	c.db.mu.Lock()
	c.streams = append(c.streams, cs)
	c.db.mu.Unlock()
	return cs
}

// Persist registers persistence predicates. Documents matching any
// registered predicate are written to the durable adapter on each
// mutation. No arguments registers a match-all predicate.
func (c *Collection) Persist(exprs ...query.Expr) *Collection {
	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	if len(exprs) == 0 {
		c.persists = append(c.persists, query.Compile(query.All()))
		return c
	}
	for _, expr := range exprs {
		c.persists = append(c.persists, query.Compile(expr))
	}
	return c
}

// Insert stores a document, assigning an _id per the collection's id
// policy when absent. Non-local collections stamp the document as a
// pending insert so the next sync cycle pushes it. Inserting an
// existing id replaces the stored document.
func (c *Collection) Insert(doc document.Document) (document.Document, error) {
	stored := document.Clone(doc)
	document.EnsureID(stored, c.idType)

	c.db.mu.Lock()
	if !c.isLocal {
		stored[document.FieldPendingInsert] = true
		stored[document.FieldPendingSince] = c.db.Now()
	}
	events, err := c.insertRawLocked(stored)
	c.db.mu.Unlock()
	if err != nil {
		return nil, err
	}

	c.emit(events)
	c.db.DidUpdate()
	return document.Clone(stored), nil
}

// InsertOrReplace stores a document through the raw path: no pending
// markers, no id generation, no update notification. Used for
// server-origin and already-synced documents, which must not feed back
// into the sync cycle.
func (c *Collection) InsertOrReplace(doc document.Document) (document.Document, error) {
	stored := document.Clone(doc)

	c.db.mu.Lock()
	events, err := c.insertRawLocked(stored)
	c.db.mu.Unlock()
	if err != nil {
		return nil, err
	}

	c.emit(events)
	return document.Clone(stored), nil
}

func (c *Collection) insertRawLocked(doc document.Document) ([]changestream.Event, error) {
	id, ok := document.ID(doc)
	if !ok {
		return nil, errors.InvalidArgument("document _id must be a string").WithCode("ErrMissingID")
	}

	c.docs[id] = doc
	c.persistIfMatchedLocked(doc)
	return []changestream.Event{{
		OperationType: changestream.OpInsert,
		FullDocument:  document.Clone(doc),
		NS:            changestream.Namespace{Coll: c.name},
		DocumentKey:   id,
	}}, nil
}

// FindID returns a copy of the document with the given id, or nil if it
// is absent or tombstoned.
func (c *Collection) FindID(id string) document.Document {
	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	doc, ok := c.docs[id]
	if !ok || document.IsPendingDelete(doc) {
		return nil
	}
	return document.Clone(doc)
}

// FindOne returns a copy of the first non-tombstoned document matching
// the expression, or nil.
func (c *Collection) FindOne(expr query.Expr) document.Document {
	pred := query.Compile(expr)
	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	for _, doc := range c.docs {
		if document.IsPendingDelete(doc) {
			continue
		}
		if pred(doc) {
			return document.Clone(doc)
		}
	}
	return nil
}

// Find returns a cursor over the documents matching the expression.
// Nil matches everything.
func (c *Collection) Find(expr query.Expr) *Cursor {
	return newCursor(c, expr)
}

// UpdateID applies update operators to the document with the given id.
// The transform is functional: an update that leaves the serialized
// document unchanged is a no-op that neither marks the document dirty
// nor fires events. The first effective edit since the last sync
// stashes a clean pre-change snapshot, so repeated edits stay relative
// to the last-synced base.
func (c *Collection) UpdateID(id string, ops ...query.UpdateOp) (document.Document, error) {
	c.db.mu.Lock()
	prev, ok := c.docs[id]
	if !ok || document.IsPendingDelete(prev) {
		c.db.mu.Unlock()
		return nil, errors.NotFoundf("document %s not found in %s", id, c.name)
	}

	next, err := query.Apply(prev, ops...)
	if err != nil {
		c.db.mu.Unlock()
		return nil, err
	}
	if document.Equal(prev, next) {
		c.db.mu.Unlock()
		return document.Clone(prev), nil
	}

	if !c.isLocal {
		if _, has := prev[document.FieldPendingSince]; !has {
			next[document.FieldPendingSince] = c.db.Now()
			if !document.IsPendingInsert(prev) {
				next[document.FieldPendingBase] = document.StripMeta(prev)
			}
		}
	}

	c.docs[id] = next
	c.persistIfMatchedLocked(next)
	events := []changestream.Event{{
		OperationType: changestream.OpUpdate,
		FullDocument:  document.Clone(next),
		NS:            changestream.Namespace{Coll: c.name},
		DocumentKey:   id,
	}}
	c.db.mu.Unlock()

	c.emit(events)
	c.db.DidUpdate()
	return document.Clone(next), nil
}

// Update applies update operators to one document by id (string
// selector) or to every match of an expression selector.
func (c *Collection) Update(selector any, ops ...query.UpdateOp) (*UpdateResult, error) {
	switch sel := selector.(type) {
	case string:
		doc, err := c.UpdateID(sel, ops...)
		if err != nil {
			return nil, err
		}
		id, _ := document.ID(doc)
		return &UpdateResult{MatchedCount: 1, ModifiedCount: 1, UpdatedIDs: []string{id}}, nil
	case query.Expr:
		return c.updateMany(sel, ops...)
	case nil:
		return c.updateMany(nil, ops...)
	default:
		return nil, errors.InvalidArgumentf("unsupported selector type %T", selector)
	}
}

func (c *Collection) updateMany(expr query.Expr, ops ...query.UpdateOp) (*UpdateResult, error) {
	pred := query.Compile(expr)

	c.db.mu.Lock()
	var ids []string
	for id, doc := range c.docs {
		if document.IsPendingDelete(doc) {
			continue
		}
		if pred(doc) {
			ids = append(ids, id)
		}
	}
	c.db.mu.Unlock()

	result := &UpdateResult{MatchedCount: len(ids)}
	for _, id := range ids {
		if _, err := c.UpdateID(id, ops...); err != nil {
			// Matched documents are updated one by one; a failure on one
			// surfaces after the earlier updates already applied.
			return result, err
		}
		result.ModifiedCount++
		result.UpdatedIDs = append(result.UpdatedIDs, id)
	}
	return result, nil
}

// RemoveID removes the document with the given id. Absent ids are a
// no-op. Documents the server never saw are dropped immediately;
// synced documents are tombstoned so the next cycle emits a delete.
func (c *Collection) RemoveID(id string) error {
	c.db.mu.Lock()
	doc, ok := c.docs[id]
	if !ok {
		c.db.mu.Unlock()
		return nil
	}

	var events []changestream.Event
	if c.isLocal || document.IsPendingInsert(doc) {
		delete(c.docs, id)
		c.markDeleteLocked(id)
	} else {
		tombstone := document.Clone(doc)
		delete(tombstone, document.FieldPendingInsert)
		delete(tombstone, document.FieldPendingBase)
		tombstone[document.FieldPendingDelete] = true
		tombstone[document.FieldPendingSince] = c.db.Now()
		c.docs[id] = tombstone
		c.persistIfMatchedLocked(tombstone)
	}
	events = append(events, changestream.Event{
		OperationType: changestream.OpDelete,
		NS:            changestream.Namespace{Coll: c.name},
		DocumentKey:   id,
	})
	c.db.mu.Unlock()

	c.emit(events)
	c.db.DidUpdate()
	return nil
}

// Remove removes one document by id (string selector) or every match of
// an expression selector, returning how many were removed.
func (c *Collection) Remove(selector any) (int, error) {
	switch sel := selector.(type) {
	case string:
		c.db.mu.Lock()
		_, ok := c.docs[sel]
		c.db.mu.Unlock()
		if !ok {
			return 0, nil
		}
		if err := c.RemoveID(sel); err != nil {
			return 0, err
		}
		return 1, nil
	case query.Expr, nil:
		var expr query.Expr
		if sel != nil {
			expr = sel.(query.Expr)
		}
		pred := query.Compile(expr)
		c.db.mu.Lock()
		var ids []string
		for id, doc := range c.docs {
			if document.IsPendingDelete(doc) {
				continue
			}
			if pred(doc) {
				ids = append(ids, id)
			}
		}
		c.db.mu.Unlock()
		for _, id := range ids {
			if err := c.RemoveID(id); err != nil {
				return 0, err
			}
		}
		return len(ids), nil
	default:
		return 0, errors.InvalidArgumentf("unsupported selector type %T", selector)
	}
}

// Upsert updates every match of the expression with a $set of the given
// fields, or inserts the fields as a new document when nothing matches.
func (c *Collection) Upsert(expr query.Expr, fields map[string]any) (*UpdateResult, error) {
	set := map[string]any{}
	for k, v := range fields {
		if k == document.FieldID {
			continue
		}
		set[k] = v
	}

	result, err := c.updateMany(expr, query.Set(set))
	if err != nil {
		return nil, err
	}
	if result.MatchedCount > 0 {
		return result, nil
	}

	doc, err := c.Insert(document.Document(fields))
	if err != nil {
		return nil, err
	}
	id, _ := document.ID(doc)
	return &UpdateResult{MatchedCount: 0, ModifiedCount: 1, UpdatedIDs: []string{id}}, nil
}

// RemoveRaw drops a document from the map without pending-marking.
// Used when the server reports a document as deleted.
func (c *Collection) RemoveRaw(id string) {
	c.db.mu.Lock()
	if _, ok := c.docs[id]; !ok {
		c.db.mu.Unlock()
		return
	}
	delete(c.docs, id)
	c.markDeleteLocked(id)
	events := []changestream.Event{{
		OperationType: changestream.OpDelete,
		NS:            changestream.Namespace{Coll: c.name},
		DocumentKey:   id,
	}}
	c.db.mu.Unlock()

	c.emit(events)
}

// PendingDocuments returns copies of every document carrying a pending
// marker, tombstones included.
func (c *Collection) PendingDocuments() []document.Document {
	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	var pending []document.Document
	for _, doc := range c.docs {
		if _, ok := doc[document.FieldPendingSince]; ok {
			pending = append(pending, document.Clone(doc))
		}
	}
	return pending
}

// ClearPending removes every pending marker from the given documents
// after a successful sync. Tombstoned documents are dropped from the
// map entirely.
func (c *Collection) ClearPending(ids ...string) {
	c.db.mu.Lock()
	for _, id := range ids {
		doc, ok := c.docs[id]
		if !ok {
			continue
		}
		if document.IsPendingDelete(doc) {
			delete(c.docs, id)
			c.markDeleteLocked(id)
			continue
		}
		document.ClearPending(doc)
		c.persistIfMatchedLocked(doc)
	}
	c.db.mu.Unlock()
}

// MarkError records a per-document sync failure. The document stays
// pending and retries next cycle; the reason is surfaced to observers.
func (c *Collection) MarkError(id, reason string) {
	c.db.mu.Lock()
	doc, ok := c.docs[id]
	if ok {
		doc[document.FieldError] = reason
		c.persistIfMatchedLocked(doc)
	}
	c.db.mu.Unlock()
	if !ok {
		return
	}
	c.logger.Warnf("sync rejected document %s: %s", id, reason)
}

// SweepErrors clears stale error markers so previously failed writes
// retry. Run once at startup after populate.
func (c *Collection) SweepErrors() int {
	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	swept := 0
	for _, doc := range c.docs {
		if _, ok := doc[document.FieldError]; ok {
			delete(doc, document.FieldError)
			c.persistIfMatchedLocked(doc)
			swept++
		}
	}
	return swept
}

// Documents returns copies of every document including tombstones.
func (c *Collection) Documents() []document.Document {
	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	docs := make([]document.Document, 0, len(c.docs))
	for _, doc := range c.docs {
		docs = append(docs, document.Clone(doc))
	}
	return docs
}

func (c *Collection) populate(docs []document.Document) {
	c.db.mu.Lock()
	streams := c.snapshotStreamsLocked()
	c.db.mu.Unlock()

	for _, cs := range streams {
		cs.ExecPopulateStart()
	}

	c.db.mu.Lock()
	for _, doc := range docs {
		if id, ok := document.ID(doc); ok {
			c.docs[id] = document.Clone(doc)
		}
	}
	c.populated = true
	c.db.mu.Unlock()

	for _, cs := range streams {
		cs.ExecPopulateEnd()
	}
}

func (c *Collection) persistIfMatchedLocked(doc document.Document) {
	if !c.shouldPersistLocked(doc) {
		return
	}
	if id, ok := document.ID(doc); ok {
		c.db.flusher.markPut(c.name, id)
	}
}

func (c *Collection) markDeleteLocked(id string) {
	if len(c.persists) == 0 {
		return
	}
	c.db.flusher.markDelete(c.name, id)
}

func (c *Collection) shouldPersistLocked(doc document.Document) bool {
	for _, pred := range c.persists {
		if pred(doc) {
			return true
		}
	}
	return false
}

func (c *Collection) snapshotStreamsLocked() []*changestream.ChangeStream {
	streams := make([]*changestream.ChangeStream, len(c.streams))
	copy(streams, c.streams)
	return streams
}

func (c *Collection) emit(events []changestream.Event) {
	if len(events) == 0 {
		return
	}
	c.db.mu.Lock()
	streams := c.snapshotStreamsLocked()
	c.db.mu.Unlock()
	for _, event := range events {
		for _, cs := range streams {
			cs.ExecChange(event)
		}
	}
}

func (c *Collection) getLocked(id string) (document.Document, bool) {
	doc, ok := c.docs[id]
	return doc, ok
}
