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

// Package query compiles declarative document filters into predicates.
// Filters are small typed expression trees covering equality, existence
// and comparison; top-level keys of an M filter combine with implicit AND.
package query

import (
	"reflect"
	"time"

	"github.com/skiffdb/skiff/pkg/document"
)

// Predicate reports whether a document matches a compiled filter.
type Predicate func(document.Document) bool

// Expr is a node of the filter expression tree.
type Expr interface {
	compile() Predicate
}

// Compile compiles the filter once into a deterministic predicate.
// A nil filter matches everything.
func Compile(e Expr) Predicate {
	if e == nil {
		return func(document.Document) bool { return true }
	}
	return e.compile()
}

// M is a convenience filter literal: every key is an equality condition
// and top-level keys combine with implicit AND, mirroring plain filter
// objects.
type M map[string]any

func (m M) compile() Predicate {
	exprs := make([]Expr, 0, len(m))
	for field, value := range m {
		exprs = append(exprs, Eq(field, value))
	}
	return And(exprs...).compile()
}

type eqExpr struct {
	field string
	value any
}

// Eq matches documents whose field equals the given value.
func Eq(field string, value any) Expr {
	return eqExpr{field: field, value: value}
}

func (e eqExpr) compile() Predicate {
	return func(doc document.Document) bool {
		v, ok := doc[e.field]
		if !ok {
			return e.value == nil
		}
		return valuesEqual(v, e.value)
	}
}

type neExpr struct {
	field string
	value any
}

// Ne matches documents whose field does not equal the given value.
func Ne(field string, value any) Expr {
	return neExpr{field: field, value: value}
}

func (e neExpr) compile() Predicate {
	eq := Eq(e.field, e.value).compile()
	return func(doc document.Document) bool {
		return !eq(doc)
	}
}

type existsExpr struct {
	field  string
	exists bool
}

// Exists matches documents by presence or absence of a field.
func Exists(field string, exists bool) Expr {
	return existsExpr{field: field, exists: exists}
}

func (e existsExpr) compile() Predicate {
	return func(doc document.Document) bool {
		_, ok := doc[e.field]
		return ok == e.exists
	}
}

type compareOp int

const (
	opGt compareOp = iota
	opGte
	opLt
	opLte
)

type compareExpr struct {
	field string
	op    compareOp
	value any
}

// Gt matches documents whose field is greater than the given value.
func Gt(field string, value any) Expr { return compareExpr{field, opGt, value} }

// Gte matches documents whose field is greater than or equal to the value.
func Gte(field string, value any) Expr { return compareExpr{field, opGte, value} }

// Lt matches documents whose field is less than the given value.
func Lt(field string, value any) Expr { return compareExpr{field, opLt, value} }

// Lte matches documents whose field is less than or equal to the value.
func Lte(field string, value any) Expr { return compareExpr{field, opLte, value} }

func (e compareExpr) compile() Predicate {
	return func(doc document.Document) bool {
		v, ok := doc[e.field]
		if !ok {
			return false
		}
		cmp, ok := compareValues(v, e.value)
		if !ok {
			return false
		}
		switch e.op {
		case opGt:
			return cmp > 0
		case opGte:
			return cmp >= 0
		case opLt:
			return cmp < 0
		default:
			return cmp <= 0
		}
	}
}

type inExpr struct {
	field  string
	values []any
}

// In matches documents whose field equals any of the given values.
func In(field string, values ...any) Expr {
	return inExpr{field: field, values: values}
}

func (e inExpr) compile() Predicate {
	return func(doc document.Document) bool {
		v, ok := doc[e.field]
		if !ok {
			return false
		}
		for _, candidate := range e.values {
			if valuesEqual(v, candidate) {
				return true
			}
		}
		return false
	}
}

type andExpr struct{ exprs []Expr }

// And matches documents matching every given expression. And() with no
// arguments matches everything.
func And(exprs ...Expr) Expr {
	return andExpr{exprs: exprs}
}

func (e andExpr) compile() Predicate {
	preds := make([]Predicate, len(e.exprs))
	for i, ex := range e.exprs {
		preds[i] = Compile(ex)
	}
	return func(doc document.Document) bool {
		for _, p := range preds {
			if !p(doc) {
				return false
			}
		}
		return true
	}
}

type orExpr struct{ exprs []Expr }

// Or matches documents matching at least one of the given expressions.
func Or(exprs ...Expr) Expr {
	return orExpr{exprs: exprs}
}

func (e orExpr) compile() Predicate {
	preds := make([]Predicate, len(e.exprs))
	for i, ex := range e.exprs {
		preds[i] = Compile(ex)
	}
	return func(doc document.Document) bool {
		for _, p := range preds {
			if p(doc) {
				return true
			}
		}
		return false
	}
}

type notExpr struct{ expr Expr }

// Not matches documents not matching the given expression.
func Not(expr Expr) Expr {
	return notExpr{expr: expr}
}

func (e notExpr) compile() Predicate {
	p := Compile(e.expr)
	return func(doc document.Document) bool {
		return !p(doc)
	}
}

// All matches every document.
func All() Expr {
	return andExpr{}
}

// valuesEqual compares two document values, coercing numeric types and
// comparing time.Time by instant.
func valuesEqual(a, b any) bool {
	if cmp, ok := compareValues(a, b); ok {
		return cmp == 0
	}
	return reflect.DeepEqual(a, b)
}

// compareValues orders two values when they are both numbers, both
// strings, or both times.
func compareValues(a, b any) (int, bool) {
	if af, ok := document.Float64(a); ok {
		bf, ok := document.Float64(b)
		if !ok {
			return 0, false
		}
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		default:
			return 0, true
		}
	}

	if as, ok := a.(string); ok {
		bs, ok := b.(string)
		if !ok {
			return 0, false
		}
		switch {
		case as < bs:
			return -1, true
		case as > bs:
			return 1, true
		default:
			return 0, true
		}
	}

	if at, ok := a.(time.Time); ok {
		bt, ok := b.(time.Time)
		if !ok {
			return 0, false
		}
		switch {
		case at.Before(bt):
			return -1, true
		case at.After(bt):
			return 1, true
		default:
			return 0, true
		}
	}

	return 0, false
}
