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

// Package diff computes RFC-6902 style structural patches between wire
// forms of a document. Date-valued leaves are compared by value, so
// unchanged timestamps never produce spurious replace operations.
package diff

import (
	gojson "encoding/json"
	"fmt"

	"github.com/wI2L/jsondiff"

	"github.com/skiffdb/skiff/pkg/document"
)

// Operation is a single RFC-6902 patch operation.
type Operation struct {
	Op    string `json:"op"`
	Path  string `json:"path"`
	Value any    `json:"value,omitempty"`
}

// Patch is an ordered list of operations transforming one document into
// another.
type Patch []Operation

// Compare computes the patch between the wire forms of two documents.
// The patch is empty when the documents are equal by value, including
// unequal time.Time instances carrying the same instant.
func Compare(oldDoc, newDoc document.Document) (Patch, error) {
	oldJSON, err := document.MarshalCanonical(oldDoc)
	if err != nil {
		return nil, fmt.Errorf("marshal old document: %w", err)
	}
	newJSON, err := document.MarshalCanonical(newDoc)
	if err != nil {
		return nil, fmt.Errorf("marshal new document: %w", err)
	}

	raw, err := jsondiff.CompareJSON(oldJSON, newJSON)
	if err != nil {
		return nil, fmt.Errorf("compare documents: %w", err)
	}

	patch := make(Patch, 0, len(raw))
	for _, op := range raw {
		patch = append(patch, Operation{
			Op:    op.Type,
			Path:  op.Path,
			Value: document.RestoreDates(normalizeValue(op.Value)),
		})
	}
	return patch, nil
}

// normalizeValue converts values produced by the JSON round-trip inside
// the diff into the document value domain.
func normalizeValue(v any) any {
	switch val := v.(type) {
	case gojson.RawMessage:
		var decoded any
		if err := gojson.Unmarshal(val, &decoded); err != nil {
			return v
		}
		return decoded
	default:
		return v
	}
}
