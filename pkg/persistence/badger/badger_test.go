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

package badger_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/skiffdb/skiff/pkg/document"
	"github.com/skiffdb/skiff/pkg/persistence"
	"github.com/skiffdb/skiff/pkg/persistence/badger"
)

func TestBadgerAdapter(t *testing.T) {
	t.Run("documents survive a reopen", func(t *testing.T) {
		dir := t.TempDir()

		adapter, err := badger.Open(dir)
		assert.NoError(t, err)
		assert.NoError(t, adapter.EnsureCollections([]string{"tasks"}))
		assert.NoError(t, adapter.Put("tasks", document.Document{"_id": "t1", "title": "a"}))
		assert.NoError(t, adapter.Close())

		adapter, err = badger.Open(dir)
		assert.NoError(t, err)
		defer func() {
			assert.NoError(t, adapter.Close())
		}()

		docs, err := adapter.GetAll("tasks")
		assert.NoError(t, err)
		assert.Len(t, docs, 1)
		assert.Equal(t, "a", docs[0]["title"])
	})

	t.Run("dates and nested values round trip", func(t *testing.T) {
		adapter, err := badger.Open(t.TempDir())
		assert.NoError(t, err)
		defer func() {
			assert.NoError(t, adapter.Close())
		}()
		assert.NoError(t, adapter.EnsureCollections([]string{"tasks"}))

		due := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
		assert.NoError(t, adapter.Put("tasks", document.Document{
			"_id": "t1",
			"due": due,
			"tags": []any{
				map[string]any{"name": "urgent"},
			},
		}))

		docs, err := adapter.GetAll("tasks")
		assert.NoError(t, err)
		assert.Len(t, docs, 1)
		got, ok := docs[0]["due"].(time.Time)
		assert.True(t, ok)
		assert.True(t, got.Equal(due))
		assert.Equal(t, []any{map[string]any{"name": "urgent"}}, docs[0]["tags"])
	})

	t.Run("write batch and delete", func(t *testing.T) {
		adapter, err := badger.Open(t.TempDir())
		assert.NoError(t, err)
		defer func() {
			assert.NoError(t, adapter.Close())
		}()
		assert.NoError(t, adapter.EnsureCollections([]string{"tasks"}))

		err = adapter.WriteBatch(persistence.Batch{
			Collection: "tasks",
			Puts: []document.Document{
				{"_id": "t1"},
				{"_id": "t2"},
			},
		})
		assert.NoError(t, err)
		assert.NoError(t, adapter.Delete("tasks", "t1"))

		docs, err := adapter.GetAll("tasks")
		assert.NoError(t, err)
		assert.Len(t, docs, 1)
		id, _ := document.ID(docs[0])
		assert.Equal(t, "t2", id)
	})

	t.Run("stale collections are dropped on ensure", func(t *testing.T) {
		dir := t.TempDir()

		adapter, err := badger.Open(dir)
		assert.NoError(t, err)
		assert.NoError(t, adapter.EnsureCollections([]string{"tasks", "notes"}))
		assert.NoError(t, adapter.Put("notes", document.Document{"_id": "n1"}))
		assert.NoError(t, adapter.Put("tasks", document.Document{"_id": "t1"}))
		assert.NoError(t, adapter.Close())

		adapter, err = badger.Open(dir)
		assert.NoError(t, err)
		defer func() {
			assert.NoError(t, adapter.Close())
		}()
		assert.NoError(t, adapter.EnsureCollections([]string{"tasks"}))

		gone, err := adapter.GetAll("notes")
		assert.NoError(t, err)
		assert.Empty(t, gone)

		names, err := adapter.Collections()
		assert.NoError(t, err)
		assert.Equal(t, []string{"tasks"}, names)
	})
}
