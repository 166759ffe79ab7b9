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

// Package badger implements the persistence adapter on top of an embedded
// key-value store, giving stores durability across process restarts.
package badger

import (
	"encoding/json"
	"fmt"
	"strings"

	badgerdb "github.com/dgraph-io/badger/v4"

	"github.com/skiffdb/skiff/internal/log"
	"github.com/skiffdb/skiff/pkg/document"
	"github.com/skiffdb/skiff/pkg/persistence"
)

const (
	docKeyPrefix   = "c/"
	collectionsKey = "m/collections"
	keySeparator   = "/"
)

// DB is a persistence adapter storing each document under the key
// c/<collection>/<id> with a JSON-encoded value. Foreign id and date
// values are stored in their wire form and revived on read.
type DB struct {
	db     *badgerdb.DB
	logger log.Logger
}

// Open opens or creates the store at the given directory.
func Open(path string) (*DB, error) {
	opts := badgerdb.DefaultOptions(path)
	opts.Logger = nil
	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %s: %w", path, err)
	}
	return &DB{db: db, logger: log.New("badger")}, nil
}

func docKey(collection, id string) []byte {
	return []byte(docKeyPrefix + collection + keySeparator + id)
}

func collectionPrefix(collection string) []byte {
	return []byte(docKeyPrefix + collection + keySeparator)
}

func encodeDoc(doc document.Document) ([]byte, error) {
	clone := document.Clone(doc)
	document.Flatten(clone)
	return document.MarshalCanonical(clone)
}

func decodeDoc(data []byte) (document.Document, error) {
	var doc document.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	doc = document.RestoreDates(doc).(document.Document)
	document.Reconstruct(doc)
	return doc, nil
}

// EnsureCollections records the collection set and drops the data of
// collections that are no longer part of it.
func (d *DB) EnsureCollections(names []string) error {
	var stored []string
	err := d.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get([]byte(collectionsKey))
		if err == badgerdb.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &stored)
		})
	})
	if err != nil {
		return fmt.Errorf("read collection set: %w", err)
	}

	keep := map[string]bool{}
	for _, name := range names {
		keep[name] = true
	}
	for _, name := range stored {
		if keep[name] {
			continue
		}
		if err := d.dropCollection(name); err != nil {
			return err
		}
		d.logger.Infof("dropped stale collection %s", name)
	}

	encoded, err := json.Marshal(names)
	if err != nil {
		return fmt.Errorf("encode collection set: %w", err)
	}
	if err := d.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Set([]byte(collectionsKey), encoded)
	}); err != nil {
		return fmt.Errorf("store collection set: %w", err)
	}
	return nil
}

func (d *DB) dropCollection(name string) error {
	prefix := collectionPrefix(name)
	var keys [][]byte
	err := d.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("scan collection %s: %w", name, err)
	}

	wb := d.db.NewWriteBatch()
	defer wb.Cancel()
	for _, key := range keys {
		if err := wb.Delete(key); err != nil {
			return fmt.Errorf("drop collection %s: %w", name, err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("drop collection %s: %w", name, err)
	}
	return nil
}

// GetAll returns every stored document of the collection.
func (d *DB) GetAll(collection string) ([]document.Document, error) {
	prefix := collectionPrefix(collection)
	var docs []document.Document
	err := d.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				doc, err := decodeDoc(val)
				if err != nil {
					return err
				}
				docs = append(docs, doc)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("get all %s: %w", collection, err)
	}
	return docs, nil
}

// Put stores a single document.
func (d *DB) Put(collection string, doc document.Document) error {
	id, ok := document.ID(doc)
	if !ok {
		return fmt.Errorf("put into %s: document has no string _id", collection)
	}
	encoded, err := encodeDoc(doc)
	if err != nil {
		return fmt.Errorf("put into %s: %w", collection, err)
	}
	if err := d.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Set(docKey(collection, id), encoded)
	}); err != nil {
		return fmt.Errorf("put into %s: %w", collection, err)
	}
	return nil
}

// Delete removes a single document by id.
func (d *DB) Delete(collection string, id string) error {
	if err := d.db.Update(func(txn *badgerdb.Txn) error {
		err := txn.Delete(docKey(collection, id))
		if err == badgerdb.ErrKeyNotFound {
			return nil
		}
		return err
	}); err != nil {
		return fmt.Errorf("delete from %s: %w", collection, err)
	}
	return nil
}

// WriteBatch applies all puts and deletes of one collection in a single
// write batch.
func (d *DB) WriteBatch(batch persistence.Batch) error {
	wb := d.db.NewWriteBatch()
	defer wb.Cancel()

	for _, doc := range batch.Puts {
		id, ok := document.ID(doc)
		if !ok {
			return fmt.Errorf("write batch %s: document has no string _id", batch.Collection)
		}
		encoded, err := encodeDoc(doc)
		if err != nil {
			return fmt.Errorf("write batch %s: %w", batch.Collection, err)
		}
		if err := wb.Set(docKey(batch.Collection, id), encoded); err != nil {
			return fmt.Errorf("write batch %s: %w", batch.Collection, err)
		}
	}
	for _, id := range batch.Deletes {
		if err := wb.Delete(docKey(batch.Collection, id)); err != nil {
			return fmt.Errorf("write batch %s: %w", batch.Collection, err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("write batch %s: %w", batch.Collection, err)
	}
	return nil
}

// Collections lists the collections present in the store by scanning
// stored keys. Used by inspection tooling.
func (d *DB) Collections() ([]string, error) {
	seen := map[string]bool{}
	var names []string
	err := d.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(docKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			key := string(it.Item().Key())
			rest := strings.TrimPrefix(key, docKeyPrefix)
			name, _, ok := strings.Cut(rest, keySeparator)
			if !ok || seen[name] {
				continue
			}
			seen[name] = true
			names = append(names, name)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list collections: %w", err)
	}
	return names, nil
}

// Close flushes and closes the underlying store.
func (d *DB) Close() error {
	return d.db.Close()
}
