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
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"

	"github.com/skiffdb/skiff/pkg/document"
	"github.com/skiffdb/skiff/pkg/query"
)

func TestChangeStreamDetachesOnClose(t *testing.T) {
	t.Run("closing a stream removes it from the collection", func(t *testing.T) {
		database := New(Options{Clock: clock.NewMock()})
		coll := database.Collection("tasks")

		first := coll.ChangeStream()
		second := coll.ChangeStream()
		assert.Len(t, coll.streams, 2)

		first.Close()
		assert.Len(t, coll.streams, 1)
		assert.Same(t, second, coll.streams[0])

		first.Close()
		assert.Len(t, coll.streams, 1)

		second.Close()
		assert.Empty(t, coll.streams)
	})

	t.Run("unwatch leaves no streams behind", func(t *testing.T) {
		database := New(Options{Clock: clock.NewMock()})
		coll := database.Collection("tasks")

		cursor, _, err := coll.FindAndWatch(query.All(), func([]document.Document) {})
		assert.NoError(t, err)
		assert.Len(t, coll.streams, 1)

		cursor.Unwatch()
		assert.Empty(t, coll.streams)
	})
}
