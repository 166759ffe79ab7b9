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

package document_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/skiffdb/skiff/pkg/document"
)

func TestDocument(t *testing.T) {
	t.Run("clone is deep", func(t *testing.T) {
		doc := document.Document{
			"_id":   "a",
			"inner": document.Document{"n": 1},
			"list":  []any{"x", document.Document{"y": true}},
		}
		clone := document.Clone(doc)
		clone["inner"].(document.Document)["n"] = 2
		clone["list"].([]any)[0] = "changed"

		assert.Equal(t, 1, doc["inner"].(document.Document)["n"])
		assert.Equal(t, "x", doc["list"].([]any)[0])
	})

	t.Run("equal compares dates by value", func(t *testing.T) {
		at := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
		a := document.Document{"_id": "a", "at": at}
		b := document.Document{"_id": "a", "at": at.In(time.FixedZone("KST", 9*60*60))}

		assert.True(t, document.Equal(a, b))
		assert.False(t, document.Equal(a, document.Document{"_id": "a", "at": at.Add(time.Second)}))
	})

	t.Run("clear pending removes every marker", func(t *testing.T) {
		doc := document.Document{
			"_id":             "a",
			"x":               1,
			"__pendingInsert": true,
			"__pendingSince":  int64(100),
			"__pendingBase":   document.Document{"_id": "a"},
			"__error":         "rejected",
		}
		document.ClearPending(doc)
		assert.Equal(t, document.Document{"_id": "a", "x": 1}, doc)
	})

	t.Run("strip meta keeps id and object id list", func(t *testing.T) {
		doc := document.Document{
			"_id":            "a",
			"owner":          "abc",
			"__ObjectIDs":    []string{"owner"},
			"__pendingSince": int64(100),
		}
		clean := document.StripMeta(doc)
		assert.Equal(t, []string{"owner"}, clean["__ObjectIDs"])
		assert.NotContains(t, clean, "__pendingSince")
		assert.Contains(t, doc, "__pendingSince")
	})

	t.Run("date sentinel round trip", func(t *testing.T) {
		at := time.Date(2026, 7, 1, 12, 0, 0, 500000000, time.UTC)
		substituted := document.SubstituteDates(document.Document{"at": at})
		sentinel := substituted.(document.Document)["at"]
		assert.Equal(t, "$DATE:2026-07-01T12:00:00.5Z", sentinel)

		restored := document.RestoreDates(substituted)
		assert.True(t, at.Equal(restored.(document.Document)["at"].(time.Time)))
	})

	t.Run("canonical marshal is deterministic", func(t *testing.T) {
		doc := document.Document{"b": 2, "a": 1, "_id": "x"}
		first, err := document.MarshalCanonical(doc)
		assert.NoError(t, err)
		second, err := document.MarshalCanonical(doc)
		assert.NoError(t, err)
		assert.Equal(t, string(first), string(second))
		assert.Equal(t, `{"_id":"x","a":1,"b":2}`, string(first))
	})
}

func TestEnsureID(t *testing.T) {
	t.Run("random policy assigns 17 chars", func(t *testing.T) {
		doc := document.Document{"x": 1}
		document.EnsureID(doc, document.IDTypeRandom)
		id, ok := document.ID(doc)
		assert.True(t, ok)
		assert.Len(t, id, 17)
		assert.NotContains(t, doc, document.FieldObjectIDs)
	})

	t.Run("objectid policy records the id field", func(t *testing.T) {
		doc := document.Document{"x": 1}
		document.EnsureID(doc, document.IDTypeObjectID)
		id, ok := document.ID(doc)
		assert.True(t, ok)
		assert.Len(t, id, 24)
		_, err := primitive.ObjectIDFromHex(id)
		assert.NoError(t, err)
		assert.Equal(t, []string{document.FieldID}, document.ObjectIDFields(doc))
	})

	t.Run("existing id is kept", func(t *testing.T) {
		doc := document.Document{"_id": "keep"}
		document.EnsureID(doc, document.IDTypeRandom)
		id, _ := document.ID(doc)
		assert.Equal(t, "keep", id)
	})
}

func TestSerialize(t *testing.T) {
	t.Run("flatten and reconstruct restore typed ids exactly", func(t *testing.T) {
		owner := primitive.NewObjectID()
		members := []any{primitive.NewObjectID(), primitive.NewObjectID()}
		doc := document.Document{
			"_id":     "a",
			"owner":   owner,
			"members": append([]any{}, members...),
		}

		document.Flatten(doc)
		assert.Equal(t, owner.Hex(), doc["owner"])
		assert.ElementsMatch(t, []string{"owner", "members[]"}, document.ObjectIDFields(doc))

		document.Reconstruct(doc)
		assert.Equal(t, owner, doc["owner"])
		assert.Equal(t, members, doc["members"])
		assert.NotContains(t, doc, document.FieldObjectIDs)
	})

	t.Run("flatten is idempotent", func(t *testing.T) {
		doc := document.Document{"_id": "a", "owner": primitive.NewObjectID()}
		document.Flatten(doc)
		document.Flatten(doc)
		assert.Equal(t, []string{"owner"}, document.ObjectIDFields(doc))
	})

	t.Run("serialize strips volatile markers and keeps the tombstone", func(t *testing.T) {
		doc := document.Document{
			"_id":             "a",
			"x":               1,
			"__pendingDelete": true,
			"__pendingSince":  int64(100),
			"__error":         "rejected",
			"__writeWaiting":  true,
		}
		wire := document.Serialize(doc)
		assert.Equal(t, document.Document{
			"_id":             "a",
			"x":               1,
			"__pendingDelete": true,
		}, wire)
		// The original keeps its markers.
		assert.Contains(t, doc, "__pendingSince")
	})
}
