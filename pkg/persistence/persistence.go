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

// Package persistence defines the durable key-value storage contract of
// the store. The adapter is the sole owner of on-disk state; schema
// changes are serialized behind a version bump and never run concurrently
// with an open session.
package persistence

import "github.com/skiffdb/skiff/pkg/document"

// Batch is one flush of dirtied documents of a single collection, written
// in one transaction.
type Batch struct {
	Collection string
	Puts       []document.Document
	Deletes    []string
}

// Adapter is implemented by durable storage engines.
type Adapter interface {
	// EnsureCollections migrates the schema to hold exactly the given
	// collection names. Called before GetAll on startup and again when a
	// collection is created later.
	EnsureCollections(names []string) error

	// GetAll returns every stored document of the collection.
	GetAll(collection string) ([]document.Document, error)

	// Put stores a single document.
	Put(collection string, doc document.Document) error

	// Delete removes a single document by id. Removing an absent id is a
	// no-op.
	Delete(collection string, id string) error

	// WriteBatch applies all puts and deletes of one collection in a
	// single transaction.
	WriteBatch(batch Batch) error

	// Close releases the underlying storage.
	Close() error
}
