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

// Package sync reconciles local pending changes with the remote
// authority: it builds minimal change-sets from pending documents,
// tracks named subscriptions and their refresh schedule, and runs the
// poll cycle that ties them to a transport.
package sync

import (
	"fmt"

	"github.com/skiffdb/skiff/internal/log"
	"github.com/skiffdb/skiff/pkg/db"
	"github.com/skiffdb/skiff/pkg/diff"
	"github.com/skiffdb/skiff/pkg/document"
	"github.com/skiffdb/skiff/pkg/errors"
)

const changeSetMethod = "changeSetUpdate"

const (
	opInsert = "insert"
	opUpdate = "update"
	opDelete = "delete"
)

// UpdateEntry is one pending update on the wire: the document id and
// the patch against its last-synced base.
type UpdateEntry struct {
	ID    string     `json:"_id"`
	Patch diff.Patch `json:"patch"`
}

// CollectionChanges aggregates one collection's pending documents for a
// cycle.
type CollectionChanges struct {
	Insert []document.Document `json:"insert,omitempty"`
	Update []UpdateEntry       `json:"update,omitempty"`
	Delete []string            `json:"delete,omitempty"`
}

// ChangeSet maps collection names to their pending changes. A nil
// ChangeSet means nothing is pending anywhere, distinct from an empty
// one.
type ChangeSet map[string]*CollectionChanges

// Tracker builds change-sets from pending documents and reconciles the
// per-document results of delivering them.
type Tracker struct {
	db     *db.Database
	logger log.Logger
}

// NewTracker creates a tracker over the store.
func NewTracker(database *db.Database) *Tracker {
	return &Tracker{
		db:     database,
		logger: database.Logger().Named("tracker"),
	}
}

// Build scans every non-local collection for pending documents and
// classifies each as exactly one of insert, update or delete. A pending
// document with no recognizable marker is an internal invariant
// violation. Updates whose patch came out empty are cleared on the spot
// rather than sent.
func (t *Tracker) Build() (ChangeSet, error) {
	var cs ChangeSet
	for _, coll := range t.db.Collections() {
		if coll.IsLocal() {
			continue
		}

		changes := &CollectionChanges{}
		var noops []string
		for _, doc := range coll.PendingDocuments() {
			id, ok := document.ID(doc)
			if !ok {
				continue
			}
			switch {
			case document.IsPendingDelete(doc):
				changes.Delete = append(changes.Delete, id)
			case document.IsPendingInsert(doc):
				changes.Insert = append(changes.Insert, document.Serialize(doc))
			default:
				base, ok := document.PendingBase(doc)
				if !ok {
					return nil, errors.Internal(fmt.Sprintf(
						"pending document %s in %s has no insert, delete or base marker",
						id, coll.Name(),
					)).WithCode("ErrUnrecognizedPendingState")
				}
				patch, err := diff.Compare(document.Serialize(base), document.Serialize(doc))
				if err != nil {
					return nil, err
				}
				if len(patch) == 0 {
					noops = append(noops, id)
					continue
				}
				changes.Update = append(changes.Update, UpdateEntry{ID: id, Patch: patch})
			}
		}

		if len(noops) > 0 {
			coll.ClearPending(noops...)
		}
		if len(changes.Insert) == 0 && len(changes.Update) == 0 && len(changes.Delete) == 0 {
			continue
		}
		if cs == nil {
			cs = ChangeSet{}
		}
		cs[coll.Name()] = changes
	}
	return cs, nil
}

// DocumentCount returns the number of documents the change-set carries.
func (cs ChangeSet) DocumentCount() int {
	n := 0
	for _, changes := range cs {
		n += len(changes.Insert) + len(changes.Update) + len(changes.Delete)
	}
	return n
}

// Calls converts the change-set into one wire call per (collection,
// operation) pair. Each call's handler clears pending markers on
// success and records per-document rejections via the error marker, so
// rejected documents stay pending and retry next cycle.
func (t *Tracker) Calls(cs ChangeSet) []Call {
	var calls []Call
	for name, changes := range cs {
		coll := t.db.Collection(name)

		if len(changes.Insert) > 0 {
			ids := make([]string, 0, len(changes.Insert))
			for _, doc := range changes.Insert {
				if id, ok := document.ID(doc); ok {
					ids = append(ids, id)
				}
			}
			calls = append(calls, t.call(coll, opInsert, map[string]any{
				"coll": name,
				"op":   opInsert,
				"docs": changes.Insert,
			}, ids))
		}
		if len(changes.Update) > 0 {
			ids := make([]string, 0, len(changes.Update))
			for _, entry := range changes.Update {
				ids = append(ids, entry.ID)
			}
			calls = append(calls, t.call(coll, opUpdate, map[string]any{
				"coll":    name,
				"op":      opUpdate,
				"patches": changes.Update,
			}, ids))
		}
		if len(changes.Delete) > 0 {
			calls = append(calls, t.call(coll, opDelete, map[string]any{
				"coll": name,
				"op":   opDelete,
				"ids":  changes.Delete,
			}, changes.Delete))
		}
	}
	return calls
}

func (t *Tracker) call(coll *db.Collection, op string, opts map[string]any, ids []string) Call {
	return Call{
		Name: changeSetMethod,
		Opts: opts,
		Handle: func(result any, err error) {
			if err != nil {
				// Transport or whole-call failure: markers stay, the next
				// cycle rebuilds the same changes.
				t.logger.Warnf("%s %s failed, will retry: %v", coll.Name(), op, err)
				return
			}
			rejected := rejectedIDs(result)
			var accepted []string
			for _, id := range ids {
				if reason, ok := rejected[id]; ok {
					coll.MarkError(id, reason)
					continue
				}
				accepted = append(accepted, id)
			}
			if len(accepted) > 0 {
				coll.ClearPending(accepted...)
			}
		},
	}
}

// rejectedIDs extracts the per-document errors of a change-set call
// result: {errors: [{_id, error}, ...]}.
func rejectedIDs(result any) map[string]string {
	m, ok := result.(map[string]any)
	if !ok {
		return nil
	}
	list, ok := m["errors"].([]any)
	if !ok {
		return nil
	}
	rejected := map[string]string{}
	for _, item := range list {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		id, _ := entry[document.FieldID].(string)
		if id == "" {
			continue
		}
		reason, _ := entry["error"].(string)
		rejected[id] = reason
	}
	return rejected
}

// SweepErrors clears stale error markers across every collection so
// previously failed writes retry. Run once after populate.
func (t *Tracker) SweepErrors() {
	total := 0
	for _, coll := range t.db.Collections() {
		if coll.IsLocal() {
			continue
		}
		total += coll.SweepErrors()
	}
	if total > 0 {
		t.logger.Infof("cleared %d stale sync error markers", total)
	}
}
