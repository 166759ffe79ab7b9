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

// Package memory implements the persistence adapter using an in-memory
// database. Useful for tests and for stores that only need durability for
// the lifetime of the process.
package memory

import (
	"fmt"
	"sort"
	"sync"

	"github.com/hashicorp/go-memdb"

	"github.com/skiffdb/skiff/pkg/document"
	"github.com/skiffdb/skiff/pkg/persistence"
)

const idIndex = "id"

// record wraps a document with its id for memdb indexing.
type record struct {
	ID  string
	Doc document.Document
}

// DB is an in-memory persistence adapter backed by an MVCC database.
// Schema changes rebuild the database with the new table set, mirroring
// the version-bump migration of durable engines.
type DB struct {
	mu     sync.Mutex
	db     *memdb.MemDB
	tables []string
}

// New returns a new in-memory adapter with no collections.
func New() (*DB, error) {
	db, err := memdb.NewMemDB(schemaFor(nil))
	if err != nil {
		return nil, fmt.Errorf("new memdb: %w", err)
	}
	return &DB{db: db}, nil
}

func schemaFor(names []string) *memdb.DBSchema {
	tables := map[string]*memdb.TableSchema{}
	for _, name := range names {
		tables[name] = &memdb.TableSchema{
			Name: name,
			Indexes: map[string]*memdb.IndexSchema{
				idIndex: {
					Name:    idIndex,
					Unique:  true,
					Indexer: &memdb.StringFieldIndex{Field: "ID"},
				},
			},
		}
	}
	// memdb rejects an empty schema; keep a sentinel table around.
	if len(tables) == 0 {
		tables["__none"] = &memdb.TableSchema{
			Name: "__none",
			Indexes: map[string]*memdb.IndexSchema{
				idIndex: {
					Name:    idIndex,
					Unique:  true,
					Indexer: &memdb.StringFieldIndex{Field: "ID"},
				},
			},
		}
	}
	return &memdb.DBSchema{Tables: tables}
}

// EnsureCollections rebuilds the database so it holds exactly the given
// collections, carrying over the documents of collections that survive.
func (d *DB) EnsureCollections(names []string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	sorted := append([]string{}, names...)
	sort.Strings(sorted)
	if equalStrings(d.tables, sorted) {
		return nil
	}

	next, err := memdb.NewMemDB(schemaFor(sorted))
	if err != nil {
		return fmt.Errorf("rebuild memdb schema: %w", err)
	}

	keep := map[string]bool{}
	for _, name := range sorted {
		keep[name] = true
	}

	read := d.db.Txn(false)
	write := next.Txn(true)
	for _, name := range d.tables {
		if !keep[name] {
			continue
		}
		it, err := read.Get(name, idIndex)
		if err != nil {
			return fmt.Errorf("read table %s: %w", name, err)
		}
		for raw := it.Next(); raw != nil; raw = it.Next() {
			if err := write.Insert(name, raw); err != nil {
				write.Abort()
				return fmt.Errorf("carry over %s: %w", name, err)
			}
		}
	}
	write.Commit()

	d.db = next
	d.tables = sorted
	return nil
}

// GetAll returns every stored document of the collection.
func (d *DB) GetAll(collection string) ([]document.Document, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.hasTable(collection) {
		return nil, nil
	}

	txn := d.db.Txn(false)
	it, err := txn.Get(collection, idIndex)
	if err != nil {
		return nil, fmt.Errorf("get all %s: %w", collection, err)
	}

	var docs []document.Document
	for raw := it.Next(); raw != nil; raw = it.Next() {
		docs = append(docs, document.Clone(raw.(*record).Doc))
	}
	return docs, nil
}

// Put stores a single document.
func (d *DB) Put(collection string, doc document.Document) error {
	if _, ok := document.ID(doc); !ok {
		return fmt.Errorf("put into %s: document has no string _id", collection)
	}
	return d.WriteBatch(persistence.Batch{
		Collection: collection,
		Puts:       []document.Document{doc},
	})
}

// Delete removes a single document by id.
func (d *DB) Delete(collection string, id string) error {
	return d.WriteBatch(persistence.Batch{
		Collection: collection,
		Deletes:    []string{id},
	})
}

// WriteBatch applies all puts and deletes of one collection in a single
// transaction.
func (d *DB) WriteBatch(batch persistence.Batch) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.hasTable(batch.Collection) {
		return fmt.Errorf("write batch: unknown collection %s", batch.Collection)
	}

	txn := d.db.Txn(true)
	for _, doc := range batch.Puts {
		id, ok := document.ID(doc)
		if !ok {
			txn.Abort()
			return fmt.Errorf("write batch %s: document has no string _id", batch.Collection)
		}
		if err := txn.Insert(batch.Collection, &record{ID: id, Doc: document.Clone(doc)}); err != nil {
			txn.Abort()
			return fmt.Errorf("write batch %s: %w", batch.Collection, err)
		}
	}
	for _, id := range batch.Deletes {
		raw, err := txn.First(batch.Collection, idIndex, id)
		if err != nil {
			txn.Abort()
			return fmt.Errorf("write batch %s: %w", batch.Collection, err)
		}
		if raw == nil {
			continue
		}
		if err := txn.Delete(batch.Collection, raw); err != nil {
			txn.Abort()
			return fmt.Errorf("write batch %s: %w", batch.Collection, err)
		}
	}
	txn.Commit()
	return nil
}

// Close releases the database.
func (d *DB) Close() error {
	return nil
}

func (d *DB) hasTable(name string) bool {
	for _, t := range d.tables {
		if t == name {
			return true
		}
	}
	return false
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
