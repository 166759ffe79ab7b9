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

package sync

import (
	"encoding/json"
	gosync "sync"
	"time"

	"github.com/skiffdb/skiff/internal/log"
	"github.com/skiffdb/skiff/pkg/db"
	"github.com/skiffdb/skiff/pkg/document"
	"github.com/skiffdb/skiff/pkg/errors"
	"github.com/skiffdb/skiff/pkg/metrics"
)

const (
	subscribeMethod = "subscribe"

	// EndSentinel marks a subscription's pagination as exhausted.
	EndSentinel = "__END__"

	// snapshotRowID is the reserved row holding the persisted
	// subscription snapshot.
	snapshotRowID = "subscriptions"
)

// SortSpec orders a subscription's server-side fetch.
type SortSpec struct {
	Key       string `json:"key"`
	Direction string `json:"direction"`
}

// SubscriptionOptions tunes a subscription. Filter, Sort and Limit
// affect the fetched data and are part of the subscription's identity;
// the intervals only tune refresh scheduling.
type SubscriptionOptions struct {
	Filter map[string]any
	Sort   *SortSpec
	Limit  int

	MinInterval time.Duration
	MaxInterval time.Duration
}

func (o SubscriptionOptions) dataOpts() map[string]any {
	opts := map[string]any{}
	if o.Filter != nil {
		opts["filter"] = o.Filter
	}
	if o.Sort != nil {
		opts["sort"] = map[string]any{"key": o.Sort.Key, "direction": o.Sort.Direction}
	}
	if o.Limit > 0 {
		opts["limit"] = o.Limit
	}
	if len(opts) == 0 {
		return nil
	}
	return opts
}

func (o SubscriptionOptions) hasIntervals() bool {
	return o.MinInterval > 0 || o.MaxInterval > 0
}

// Subscription is a named, parameterized request for a live-updating
// slice of remote data. Its identity is the slug over name, args and
// data-affecting options.
type Subscription struct {
	reg  *Registry
	name string
	args map[string]any
	opts SubscriptionOptions
	slug string

	active          bool
	updatedAt       map[string]int64
	lastSortedValue any
	loadMore        bool
	lastCalled      int64
}

// Slug returns the subscription's stable identity.
func (s *Subscription) Slug() string {
	return s.slug
}

// Name returns the subscription name.
func (s *Subscription) Name() string {
	return s.name
}

// Active reports whether the subscription participates in polling.
func (s *Subscription) Active() bool {
	s.reg.mu.Lock()
	defer s.reg.mu.Unlock()
	return s.active
}

// Watermarks returns a copy of the per-collection watermarks.
func (s *Subscription) Watermarks() map[string]int64 {
	s.reg.mu.Lock()
	defer s.reg.mu.Unlock()
	marks := make(map[string]int64, len(s.updatedAt))
	for k, v := range s.updatedAt {
		marks[k] = v
	}
	return marks
}

// Stop deactivates the subscription, keeping its watermarks for a later
// restart.
func (s *Subscription) Stop() {
	s.reg.mu.Lock()
	changed := s.active
	s.active = false
	s.reg.mu.Unlock()
	if changed {
		s.reg.fireChanged()
	}
}

// Start reactivates a stopped subscription.
func (s *Subscription) Start() {
	s.reg.mu.Lock()
	changed := !s.active
	s.active = true
	s.reg.mu.Unlock()
	if changed {
		s.reg.fireChanged()
	}
}

// Delete permanently removes the subscription from the registry.
func (s *Subscription) Delete() {
	s.reg.mu.Lock()
	delete(s.reg.subs, s.slug)
	s.active = false
	s.reg.mu.Unlock()
	s.reg.fireChanged()
}

// LoadMore requests the next page: the next fetch drops the watermark
// and passes the recorded pagination cursor instead. Exhausted
// pagination makes it a no-op.
func (s *Subscription) LoadMore() error {
	s.reg.mu.Lock()
	if s.lastSortedValue == nil {
		s.reg.mu.Unlock()
		return errors.FailedPrecond("subscription has no pagination cursor yet")
	}
	if s.lastSortedValue == EndSentinel {
		s.reg.mu.Unlock()
		return nil
	}
	s.loadMore = true
	s.reg.mu.Unlock()
	s.reg.fireChanged()
	return nil
}

func slugOf(name string, args map[string]any, opts SubscriptionOptions) string {
	// Map keys marshal in sorted order, so the slug is stable.
	raw, err := json.Marshal([3]any{name, args, opts.dataOpts()})
	if err != nil {
		return name
	}
	return string(raw)
}

// Registry tracks every subscription of a store and persists their
// state across restarts in the reserved bookkeeping collection.
type Registry struct {
	db      *db.Database
	logger  log.Logger
	metrics *metrics.Metrics

	mu        gosync.Mutex
	subs      map[string]*Subscription
	onChanged []func()
}

// NewRegistry creates an empty registry over the store.
func NewRegistry(database *db.Database) *Registry {
	return &Registry{
		db:     database,
		logger: database.Logger().Named("subscriptions"),
		subs:   map[string]*Subscription{},
	}
}

// BindMetrics attaches sync counters to the registry.
func (r *Registry) BindMetrics(m *metrics.Metrics) {
	r.metrics = m
}

// OnChanged registers a callback fired whenever the set of active
// subscriptions changes. This is a sync trigger.
func (r *Registry) OnChanged(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChanged = append(r.onChanged, fn)
}

func (r *Registry) fireChanged() {
	r.mu.Lock()
	fns := make([]func(), len(r.onChanged))
	copy(fns, r.onChanged)
	r.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// Subscribe returns the subscription identified by name, args and
// data-affecting options, creating or reactivating it as needed.
func (r *Registry) Subscribe(name string, args map[string]any, opts SubscriptionOptions) *Subscription {
	slug := slugOf(name, args, opts)

	r.mu.Lock()
	if sub, ok := r.subs[slug]; ok {
		changed := !sub.active
		sub.active = true
		// Interval opts do not create a distinct identity but the latest
		// ones win.
		sub.opts.MinInterval = opts.MinInterval
		sub.opts.MaxInterval = opts.MaxInterval
		r.mu.Unlock()
		if changed {
			r.fireChanged()
		}
		return sub
	}

	sub := &Subscription{
		reg:       r,
		name:      name,
		args:      args,
		opts:      opts,
		slug:      slug,
		active:    true,
		updatedAt: map[string]int64{},
	}
	r.subs[slug] = sub
	r.mu.Unlock()

	r.fireChanged()
	return sub
}

// Subscriptions returns every known subscription, active or not.
func (r *Registry) Subscriptions() []*Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	subs := make([]*Subscription, 0, len(r.subs))
	for _, sub := range r.subs {
		subs = append(subs, sub)
	}
	return subs
}

// DueCalls returns one wire call per subscription due at now.
// Interval-tuned subscriptions go through the scheduler's two-phase
// gate; subscriptions without interval options run on every poll.
func (r *Registry) DueCalls(sched *Scheduler, now int64) []Call {
	due := sched.FindAndUpdate(now)
	included := make(map[string]bool, len(due))
	for _, sub := range due {
		included[sub.slug] = true
	}

	r.mu.Lock()
	for _, sub := range r.subs {
		if !sub.active || included[sub.slug] {
			continue
		}
		// Pending page requests bypass the interval gate.
		if sub.opts.hasIntervals() && !sub.loadMore {
			continue
		}
		sub.lastCalled = now
		due = append(due, sub)
	}
	r.mu.Unlock()

	calls := make([]Call, 0, len(due))
	for _, sub := range due {
		calls = append(calls, r.callFor(sub))
	}
	return calls
}

func (r *Registry) callFor(sub *Subscription) Call {
	r.mu.Lock()
	opts := map[string]any{
		"name": sub.name,
	}
	if sub.args != nil {
		opts["args"] = sub.args
	}
	if dataOpts := sub.opts.dataOpts(); dataOpts != nil {
		opts["opts"] = dataOpts
	}
	if sub.loadMore {
		// A fresh page, not an incremental diff: no watermark, cursor
		// instead.
		opts["lastSortedValue"] = sub.lastSortedValue
		sub.loadMore = false
	} else if len(sub.updatedAt) > 0 {
		marks := make(map[string]any, len(sub.updatedAt))
		for coll, at := range sub.updatedAt {
			marks[coll] = at
		}
		opts["updatedAt"] = marks
	}
	r.mu.Unlock()

	return Call{
		Name: subscribeMethod,
		Opts: opts,
		Handle: func(result any, err error) {
			if err != nil {
				r.logger.Warnf("subscription %s fetch failed: %v", sub.name, err)
				return
			}
			r.applyResult(sub, result)
		},
	}
}

// applyResult merges a subscription fetch into the store: reconstructs
// wire documents, replaces or removes them, and advances the
// per-collection watermarks.
func (r *Registry) applyResult(sub *Subscription, result any) {
	m, ok := result.(map[string]any)
	if !ok {
		r.logger.Warnf("subscription %s returned malformed result", sub.name)
		return
	}

	pulled := 0
	results, _ := m["results"].([]any)
	for _, item := range results {
		group, ok := item.(map[string]any)
		if !ok {
			continue
		}
		collName, _ := group["coll"].(string)
		if collName == "" {
			continue
		}
		coll := r.db.Collection(collName)

		entries, _ := group["entries"].([]any)
		var watermark int64
		for _, raw := range entries {
			entry, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			doc := document.RestoreDates(document.Document(entry)).(document.Document)
			document.Reconstruct(doc)

			id, ok := document.ID(doc)
			if !ok {
				continue
			}
			if at, ok := document.Int64(doc[document.FieldUpdatedAt]); ok && at > watermark {
				watermark = at
			}
			if deleted, _ := doc[document.FieldDeleted].(bool); deleted {
				coll.RemoveRaw(id)
			} else {
				if _, err := coll.InsertOrReplace(doc); err != nil {
					r.logger.Warnf("merge %s/%s: %v", collName, id, err)
					continue
				}
			}
			pulled++
		}

		if watermark > 0 {
			r.mu.Lock()
			if watermark > sub.updatedAt[collName] {
				sub.updatedAt[collName] = watermark
			}
			r.mu.Unlock()
		}
	}

	if meta, ok := m["resultsMeta"].(map[string]any); ok {
		if lsv, ok := meta["lastSortedValue"]; ok {
			r.mu.Lock()
			sub.lastSortedValue = lsv
			r.mu.Unlock()
		}
	}

	if r.metrics != nil {
		r.metrics.AddPulledDocuments(pulled)
	}
}

// PersistSnapshot rewrites the reserved snapshot row capturing every
// subscription's identity, watermarks and pagination cursor. Called
// after every sync cycle.
func (r *Registry) PersistSnapshot() {
	r.mu.Lock()
	subs := make([]any, 0, len(r.subs))
	for _, sub := range r.subs {
		entry := map[string]any{
			"name":      sub.name,
			"active":    sub.active,
			"updatedAt": copyMarks(sub.updatedAt),
		}
		if sub.args != nil {
			entry["args"] = sub.args
		}
		if opts := sub.opts.dataOpts(); opts != nil {
			entry["opts"] = opts
		}
		if sub.lastSortedValue != nil {
			entry["lastSortedValue"] = sub.lastSortedValue
		}
		subs = append(subs, entry)
	}
	r.mu.Unlock()

	coll := r.db.LocalCollection(db.StoreCollection)
	if _, err := coll.InsertOrReplace(document.Document{
		document.FieldID: snapshotRowID,
		"subscriptions":  subs,
	}); err != nil {
		r.logger.Errorf("persist subscription snapshot: %v", err)
	}
}

// Rehydrate restores subscriptions from the persisted snapshot row.
// Restored subscriptions keep their watermarks and pagination cursor;
// they stay inactive until the application subscribes again. Run before
// the store is marked populated.
func (r *Registry) Rehydrate() {
	row := r.db.LocalCollection(db.StoreCollection).FindID(snapshotRowID)
	if row == nil {
		return
	}
	entries, _ := row["subscriptions"].([]any)

	restored := 0
	r.mu.Lock()
	for _, raw := range entries {
		entry, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		name, _ := entry["name"].(string)
		if name == "" {
			continue
		}
		args, _ := entry["args"].(map[string]any)
		opts := optsFromSnapshot(entry["opts"])

		slug := slugOf(name, args, opts)
		if _, ok := r.subs[slug]; ok {
			continue
		}

		sub := &Subscription{
			reg:       r,
			name:      name,
			args:      args,
			opts:      opts,
			slug:      slug,
			updatedAt: map[string]int64{},
		}
		if marks, ok := entry["updatedAt"].(map[string]any); ok {
			for coll, at := range marks {
				if v, ok := document.Int64(at); ok {
					sub.updatedAt[coll] = v
				}
			}
		}
		if lsv, ok := entry["lastSortedValue"]; ok {
			sub.lastSortedValue = lsv
		}
		r.subs[slug] = sub
		restored++
	}
	r.mu.Unlock()

	if restored > 0 {
		r.logger.Infof("rehydrated %d subscriptions", restored)
	}
}

func optsFromSnapshot(raw any) SubscriptionOptions {
	var opts SubscriptionOptions
	m, ok := raw.(map[string]any)
	if !ok {
		return opts
	}
	if filter, ok := m["filter"].(map[string]any); ok {
		opts.Filter = filter
	}
	if sortRaw, ok := m["sort"].(map[string]any); ok {
		key, _ := sortRaw["key"].(string)
		dir, _ := sortRaw["direction"].(string)
		opts.Sort = &SortSpec{Key: key, Direction: dir}
	}
	if limit, ok := document.Int64(m["limit"]); ok {
		opts.Limit = int(limit)
	}
	return opts
}

func copyMarks(marks map[string]int64) map[string]any {
	out := make(map[string]any, len(marks))
	for k, v := range marks {
		out[k] = v
	}
	return out
}
