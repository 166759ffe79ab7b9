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

// Package changestream provides a typed event bus scoped to one
// collection. Listener panics are caught and logged, never propagated, so
// one faulty observer cannot break fan-out to the others.
package changestream

import (
	"sync"

	"github.com/skiffdb/skiff/internal/log"
	"github.com/skiffdb/skiff/pkg/document"
)

// OperationType classifies a change event.
type OperationType string

const (
	// OpInsert is a document insertion.
	OpInsert OperationType = "insert"

	// OpUpdate is a document replacement or field update.
	OpUpdate OperationType = "update"

	// OpDelete is a document removal.
	OpDelete OperationType = "delete"
)

// Namespace identifies the store and collection an event originates from.
type Namespace struct {
	DB   string
	Coll string
}

// Event is one change notification. FullDocument is set for inserts and
// updates; deletes carry the document key only.
type Event struct {
	OperationType OperationType
	FullDocument  document.Document
	NS            Namespace
	DocumentKey   string
}

// ChangeStream delivers insert/update/delete notifications of one
// collection along with bulk-load boundaries from the persistence layer.
type ChangeStream struct {
	mu              sync.Mutex
	closed          bool
	onChange        []func(Event)
	onPopulateStart []func()
	onPopulateEnd   []func()
	onClose         []func()

	logger log.Logger
}

// New creates a ChangeStream.
func New(logger log.Logger) *ChangeStream {
	if logger == nil {
		logger = log.DefaultLogger()
	}
	return &ChangeStream{logger: logger}
}

// OnChange registers a listener for change events.
func (cs *ChangeStream) OnChange(fn func(Event)) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.onChange = append(cs.onChange, fn)
}

// OnPopulateStart registers a listener for the start of a bulk load.
func (cs *ChangeStream) OnPopulateStart(fn func()) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.onPopulateStart = append(cs.onPopulateStart, fn)
}

// OnPopulateEnd registers a listener for the end of a bulk load.
func (cs *ChangeStream) OnPopulateEnd(fn func()) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.onPopulateEnd = append(cs.onPopulateEnd, fn)
}

// OnClose registers a listener fired exactly once when the stream closes.
func (cs *ChangeStream) OnClose(fn func()) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.onClose = append(cs.onClose, fn)
}

// ExecChange fans a change event out to every listener.
func (cs *ChangeStream) ExecChange(event Event) {
	cs.mu.Lock()
	listeners := append([]func(Event){}, cs.onChange...)
	cs.mu.Unlock()

	for _, fn := range listeners {
		cs.safeCallEvent(fn, event)
	}
}

// ExecPopulateStart notifies listeners that a bulk load began.
func (cs *ChangeStream) ExecPopulateStart() {
	cs.exec(cs.snapshot(&cs.onPopulateStart))
}

// ExecPopulateEnd notifies listeners that a bulk load finished.
func (cs *ChangeStream) ExecPopulateEnd() {
	cs.exec(cs.snapshot(&cs.onPopulateEnd))
}

// Close closes the stream, firing close listeners exactly once.
// Idempotent.
func (cs *ChangeStream) Close() {
	cs.mu.Lock()
	if cs.closed {
		cs.mu.Unlock()
		return
	}
	cs.closed = true
	listeners := append([]func(){}, cs.onClose...)
	cs.mu.Unlock()

	cs.exec(listeners)
}

// IsClosed returns whether the stream has been closed.
func (cs *ChangeStream) IsClosed() bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.closed
}

func (cs *ChangeStream) snapshot(listeners *[]func()) []func() {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return append([]func(){}, *listeners...)
}

func (cs *ChangeStream) exec(listeners []func()) {
	for _, fn := range listeners {
		cs.safeCall(fn)
	}
}

func (cs *ChangeStream) safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			cs.logger.Errorf("changestream listener panic: %v", r)
		}
	}()
	fn()
}

func (cs *ChangeStream) safeCallEvent(fn func(Event), event Event) {
	defer func() {
		if r := recover(); r != nil {
			cs.logger.Errorf("changestream listener panic: %v", r)
		}
	}()
	fn(event)
}
