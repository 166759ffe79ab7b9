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

// Package document provides the document model of Skiff. A document is a
// schemaless mapping of field names to values, keyed by a string "_id".
// Values are drawn from the JSON-compatible domain plus time.Time and
// primitive.ObjectID for typed foreign ids.
package document

import (
	"bytes"
	gojson "encoding/json"
	"fmt"
	"sort"
	"time"
)

// Reserved bookkeeping fields. A pending document carries exactly one of
// {FieldPendingInsert, FieldPendingBase-bearing update, FieldPendingDelete}
// at a time; on successful sync all pending fields are removed atomically.
const (
	// FieldID is the primary key of every document.
	FieldID = "_id"

	// FieldPendingInsert marks a locally inserted document that the remote
	// authority has not acknowledged yet.
	FieldPendingInsert = "__pendingInsert"

	// FieldPendingDelete marks a tombstoned document awaiting a remote
	// delete acknowledgement.
	FieldPendingDelete = "__pendingDelete"

	// FieldPendingSince is the local timestamp (UNIX ms) of the first
	// unsynced change.
	FieldPendingSince = "__pendingSince"

	// FieldPendingBase is the full pre-change snapshot that updates are
	// diffed against when a change-set is built.
	FieldPendingBase = "__pendingBase"

	// FieldUpdatedAt is the server logical clock of the document, scoped
	// per collection.
	FieldUpdatedAt = "__updatedAt"

	// FieldError is the reason of the last sync failure of this document.
	FieldError = "__error"

	// FieldObjectIDs names the fields whose values are typed foreign ids
	// transmitted as plain hex strings on the wire.
	FieldObjectIDs = "__ObjectIDs"

	// FieldDeleted marks a wire document as deleted on the server side.
	FieldDeleted = "__deleted"

	// FieldWriteWaiting marks a document whose durable write is
	// outstanding. Never transmitted.
	FieldWriteWaiting = "__writeWaiting"
)

// Document is a schemaless record keyed by a string "_id".
type Document = map[string]any

// ID returns the string _id of the document.
func ID(doc Document) (string, bool) {
	id, ok := doc[FieldID].(string)
	return id, ok
}

// IsPendingInsert returns whether the document is marked as a pending
// insert.
func IsPendingInsert(doc Document) bool {
	v, _ := doc[FieldPendingInsert].(bool)
	return v
}

// IsPendingDelete returns whether the document is tombstoned.
func IsPendingDelete(doc Document) bool {
	v, _ := doc[FieldPendingDelete].(bool)
	return v
}

// IsPending returns whether the document carries any unsynced change.
func IsPending(doc Document) bool {
	_, ok := doc[FieldPendingSince]
	return ok
}

// PendingBase returns the pre-change snapshot of a pending update, if any.
func PendingBase(doc Document) (Document, bool) {
	base, ok := doc[FieldPendingBase].(Document)
	return base, ok
}

// UpdatedAt returns the server logical clock of the document, or 0.
func UpdatedAt(doc Document) int64 {
	n, _ := Int64(doc[FieldUpdatedAt])
	return n
}

// ClearPending removes every pending marker from the document, including a
// recorded sync error. Called when the remote authority acknowledges the
// change.
func ClearPending(doc Document) {
	delete(doc, FieldPendingInsert)
	delete(doc, FieldPendingDelete)
	delete(doc, FieldPendingSince)
	delete(doc, FieldPendingBase)
	delete(doc, FieldError)
}

// StripMeta returns a copy of the document without any bookkeeping fields
// except _id and __ObjectIDs. Used to snapshot a clean pending base.
func StripMeta(doc Document) Document {
	out := Clone(doc)
	delete(out, FieldPendingInsert)
	delete(out, FieldPendingDelete)
	delete(out, FieldPendingSince)
	delete(out, FieldPendingBase)
	delete(out, FieldError)
	delete(out, FieldWriteWaiting)
	return out
}

// Clone performs a deep copy of the document.
func Clone(doc Document) Document {
	if doc == nil {
		return nil
	}
	return cloneValue(doc).(Document)
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case Document:
		out := make(Document, len(val))
		for k, item := range val {
			out[k] = cloneValue(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	case []string:
		out := make([]string, len(val))
		copy(out, val)
		return out
	default:
		// Scalars, time.Time and primitive.ObjectID are value types.
		return v
	}
}

// Equal reports whether two documents are equal by wire value. Date-valued
// leaves compare by value, so unequal time.Time instances with the same
// instant are equal.
func Equal(a, b Document) bool {
	ab, err := MarshalCanonical(a)
	if err != nil {
		return false
	}
	bb, err := MarshalCanonical(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}

// DateSentinelPrefix prefixes the wire form of a Date-valued leaf inside a
// structural patch, so patches stay JSON-compatible while Dates still
// compare by value.
const DateSentinelPrefix = "$DATE:"

// SubstituteDates returns a copy of the value with every time.Time leaf
// replaced by its sentinel string form.
func SubstituteDates(v any) any {
	switch val := v.(type) {
	case time.Time:
		return DateSentinelPrefix + val.UTC().Format(time.RFC3339Nano)
	case Document:
		out := make(Document, len(val))
		for k, item := range val {
			out[k] = SubstituteDates(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = SubstituteDates(item)
		}
		return out
	default:
		return v
	}
}

// RestoreDates converts sentinel strings produced by SubstituteDates back
// into time.Time values.
func RestoreDates(v any) any {
	switch val := v.(type) {
	case string:
		if len(val) > len(DateSentinelPrefix) && val[:len(DateSentinelPrefix)] == DateSentinelPrefix {
			if t, err := time.Parse(time.RFC3339Nano, val[len(DateSentinelPrefix):]); err == nil {
				return t
			}
		}
		return val
	case Document:
		out := make(Document, len(val))
		for k, item := range val {
			out[k] = RestoreDates(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = RestoreDates(item)
		}
		return out
	default:
		return v
	}
}

// MarshalCanonical serializes the document to JSON with sorted keys and
// Date leaves in sentinel form. The result is deterministic and suitable
// for equality checks and structural diffing.
func MarshalCanonical(doc Document) ([]byte, error) {
	return marshalValue(SubstituteDates(doc))
}

func marshalValue(v any) ([]byte, error) {
	switch val := v.(type) {
	case Document:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		var buf bytes.Buffer
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := gojson.Marshal(k)
			if err != nil {
				return nil, fmt.Errorf("marshal key %q: %w", k, err)
			}
			buf.Write(kb)
			buf.WriteByte(':')
			vb, err := marshalValue(val[k])
			if err != nil {
				return nil, err
			}
			buf.Write(vb)
		}
		buf.WriteByte('}')
		return buf.Bytes(), nil
	case []any:
		var buf bytes.Buffer
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			vb, err := marshalValue(item)
			if err != nil {
				return nil, err
			}
			buf.Write(vb)
		}
		buf.WriteByte(']')
		return buf.Bytes(), nil
	default:
		b, err := gojson.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshal value: %w", err)
		}
		return b, nil
	}
}

// Int64 coerces a numeric document value into int64. JSON decoding yields
// float64, local code may store int or int64.
func Int64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	case float32:
		return int64(n), true
	default:
		return 0, false
	}
}

// Float64 coerces a numeric document value into float64.
func Float64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// ObjectIDFields returns the __ObjectIDs list of the document in string
// form, tolerating both []string and JSON-decoded []any.
func ObjectIDFields(doc Document) []string {
	switch v := doc[FieldObjectIDs].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
