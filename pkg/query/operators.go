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

package query

import (
	"github.com/skiffdb/skiff/pkg/document"
	"github.com/skiffdb/skiff/pkg/errors"
)

// UpdateOp is an operator-style document transform. Operators apply
// functionally: the input document is never mutated in place.
type UpdateOp interface {
	apply(doc document.Document) error
}

// Apply produces a new document by applying the given transforms to a deep
// copy of the input.
func Apply(doc document.Document, ops ...UpdateOp) (document.Document, error) {
	out := document.Clone(doc)
	for _, op := range ops {
		if err := op.apply(out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

type setOp struct {
	fields map[string]any
}

// Set replaces the given fields with new values ($set).
func Set(fields map[string]any) UpdateOp {
	return setOp{fields: fields}
}

func (o setOp) apply(doc document.Document) error {
	for field, value := range o.fields {
		if field == document.FieldID {
			return errors.InvalidArgument("$set cannot modify _id").WithCode("ErrImmutableField")
		}
		doc[field] = value
	}
	return nil
}

type incOp struct {
	fields map[string]any
}

// Inc increments the given numeric fields ($inc). Absent fields start
// from zero.
func Inc(fields map[string]any) UpdateOp {
	return incOp{fields: fields}
}

func (o incOp) apply(doc document.Document) error {
	for field, delta := range o.fields {
		d, ok := document.Float64(delta)
		if !ok {
			return errors.InvalidArgumentf("$inc of %q by non-numeric value %v", field, delta)
		}

		current := 0.0
		if v, ok := doc[field]; ok {
			current, ok = document.Float64(v)
			if !ok {
				return errors.InvalidArgumentf("$inc of non-numeric field %q", field)
			}
		}

		doc[field] = normalizeNumber(doc[field], current+d)
	}
	return nil
}

// normalizeNumber keeps integer-typed fields integer after an increment by
// a whole number, so repeated $inc does not silently change the stored
// type.
func normalizeNumber(prev any, result float64) any {
	switch prev.(type) {
	case int, int64, nil:
		if result == float64(int64(result)) {
			return int64(result)
		}
	}
	return result
}

type unsetOp struct {
	fields []string
}

// Unset removes the given fields ($unset). Removing an absent field is a
// no-op.
func Unset(fields ...string) UpdateOp {
	return unsetOp{fields: fields}
}

func (o unsetOp) apply(doc document.Document) error {
	for _, field := range o.fields {
		if field == document.FieldID {
			return errors.InvalidArgument("$unset cannot remove _id").WithCode("ErrImmutableField")
		}
		delete(doc, field)
	}
	return nil
}

type pushOp struct {
	field  string
	values []any
}

// Push appends values to an array field ($push). An absent field becomes
// a new array.
func Push(field string, values ...any) UpdateOp {
	return pushOp{field: field, values: values}
}

func (o pushOp) apply(doc document.Document) error {
	current, ok := doc[o.field]
	if !ok {
		doc[o.field] = append([]any{}, o.values...)
		return nil
	}

	arr, ok := current.([]any)
	if !ok {
		return errors.InvalidArgumentf("$push into non-array field %q", o.field)
	}
	doc[o.field] = append(arr, o.values...)
	return nil
}
