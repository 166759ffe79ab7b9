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

package document

import (
	"strings"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Wire documents are JSON-compatible: typed foreign ids travel as plain
// hex strings accompanied by a __ObjectIDs list naming which fields must
// be reconstructed into primitive.ObjectID on receipt and flattened back
// to strings on send. An entry "field[]" marks an array-valued id field.

// Flatten converts every primitive.ObjectID value at the top level of the
// document into its hex string form, recording the field name (or
// "field[]" for arrays of ids) in __ObjectIDs. Flatten is idempotent.
func Flatten(doc Document) {
	for key, value := range doc {
		switch v := value.(type) {
		case primitive.ObjectID:
			doc[key] = v.Hex()
			appendObjectIDField(doc, key)
		case []any:
			if flattenIDSlice(v) {
				appendObjectIDField(doc, key+"[]")
			}
		}
	}
}

func flattenIDSlice(items []any) bool {
	found := false
	for i, item := range items {
		if oid, ok := item.(primitive.ObjectID); ok {
			items[i] = oid.Hex()
			found = true
		}
	}
	return found
}

// Reconstruct converts hex string fields named by __ObjectIDs back into
// primitive.ObjectID values and removes the __ObjectIDs list. Fields that
// fail to parse are left as strings.
func Reconstruct(doc Document) {
	for _, field := range ObjectIDFields(doc) {
		if name, ok := strings.CutSuffix(field, "[]"); ok {
			if items, ok := doc[name].([]any); ok {
				reconstructIDSlice(items)
			}
			continue
		}

		if hex, ok := doc[field].(string); ok {
			if oid, err := primitive.ObjectIDFromHex(hex); err == nil {
				doc[field] = oid
			}
		}
	}
	delete(doc, FieldObjectIDs)
}

func reconstructIDSlice(items []any) {
	for i, item := range items {
		if hex, ok := item.(string); ok {
			if oid, err := primitive.ObjectIDFromHex(hex); err == nil {
				items[i] = oid
			}
		}
	}
}

// Serialize produces the wire form of the document: a deep copy with
// typed ids flattened and volatile bookkeeping markers stripped. The
// tombstone marker is kept; delete entries of a change-set carry only
// the id.
func Serialize(doc Document) Document {
	out := Clone(doc)
	Flatten(out)
	delete(out, FieldPendingSince)
	delete(out, FieldPendingInsert)
	delete(out, FieldPendingBase)
	delete(out, FieldError)
	delete(out, FieldWriteWaiting)
	return out
}
