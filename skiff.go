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

// Package skiff is an embeddable, offline-first reactive document
// database: an authoritative local copy of named collections with live
// queries, pending-change tracking while disconnected, and periodic
// reconciliation with a remote authority.
package skiff

import (
	"context"

	"github.com/benbjohnson/clock"

	"github.com/skiffdb/skiff/internal/log"
	"github.com/skiffdb/skiff/pkg/db"
	"github.com/skiffdb/skiff/pkg/metrics"
	"github.com/skiffdb/skiff/pkg/persistence"
	badgerdb "github.com/skiffdb/skiff/pkg/persistence/badger"
	"github.com/skiffdb/skiff/pkg/persistence/memory"
	"github.com/skiffdb/skiff/pkg/sync"
	"github.com/skiffdb/skiff/pkg/transport"
)

// Client is a caller-owned store instance wiring the document database,
// durable persistence and the sync machinery together. Multiple
// independent clients can coexist in one process.
type Client struct {
	conf   *Config
	logger log.Logger

	db          *db.Database
	adapter     persistence.Adapter
	transport   transport.Transport
	coordinator *sync.Coordinator
	metrics     *metrics.Metrics
}

// Option overrides a piece of the client's wiring.
type Option func(*options)

type options struct {
	clock     clock.Clock
	adapter   persistence.Adapter
	transport transport.Transport
}

// WithClock injects the clock driving every timer. Tests use a mock
// clock to advance virtual time.
func WithClock(clk clock.Clock) Option {
	return func(o *options) {
		o.clock = clk
	}
}

// WithAdapter overrides the durable storage adapter chosen from the
// config.
func WithAdapter(adapter persistence.Adapter) Option {
	return func(o *options) {
		o.adapter = adapter
	}
}

// WithTransport overrides the HTTP transport chosen from the config.
func WithTransport(t transport.Transport) Option {
	return func(o *options) {
		o.transport = t
	}
}

// New creates a client from the given config. The store is empty until
// Start populates it.
func New(conf *Config, opts ...Option) (*Client, error) {
	if conf == nil {
		conf = NewConfig()
	} else {
		conf.Ensure()
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	if err := log.SetLogLevel(conf.LogLevel); err != nil {
		return nil, err
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	adapter := o.adapter
	if adapter == nil {
		var err error
		if conf.DataDir != "" {
			adapter, err = badgerdb.Open(conf.DataDir)
		} else {
			adapter, err = memory.New()
		}
		if err != nil {
			return nil, err
		}
	}

	m, err := metrics.NewMetrics()
	if err != nil {
		return nil, err
	}

	database := db.New(db.Options{
		Adapter:        adapter,
		Clock:          o.clock,
		Logger:         log.New("skiff"),
		UpdateDebounce: conf.ParseUpdateDebounce(),
		FlushDebounce:  conf.ParseFlushDebounce(),
	})

	tr := o.transport
	if tr == nil && conf.Endpoint != "" {
		var httpOpts []transport.HTTPOption
		if conf.AuthToken != "" {
			auth, err := transport.NewTokenAuth(conf.AuthToken)
			if err != nil {
				return nil, err
			}
			httpOpts = append(httpOpts, transport.WithAuthSource(auth))
		}
		tr = transport.NewHTTP(conf.Endpoint, httpOpts...)
	}

	client := &Client{
		conf:      conf,
		logger:    database.Logger(),
		db:        database,
		adapter:   adapter,
		transport: tr,
		metrics:   m,
	}
	if tr != nil {
		client.coordinator = sync.NewCoordinator(database, sync.CoordinatorOptions{
			Transport:    tr,
			Metrics:      m,
			PollInterval: conf.ParsePollInterval(),
			IdleTimeout:  conf.ParseIdleTimeout(),
		})
	}

	// The snapshot row must survive restarts.
	database.LocalCollection(db.StoreCollection).Persist()
	return client, nil
}

// Start loads every known collection from the durable adapter and, when
// an endpoint is configured, begins the sync cycle. Reference the
// collections the application uses before calling Start so they
// populate.
func (c *Client) Start(ctx context.Context) error {
	if err := c.db.Populate(ctx); err != nil {
		return err
	}
	if c.coordinator != nil {
		c.coordinator.Start(ctx)
	}
	return nil
}

// Close stops the sync machinery, flushes outstanding writes and closes
// the adapter.
func (c *Client) Close() error {
	if c.coordinator != nil {
		c.coordinator.Stop()
	}
	return c.db.Close()
}

// DB returns the underlying store handle.
func (c *Client) DB() *db.Database {
	return c.db
}

// Collection returns the named synced collection.
func (c *Client) Collection(name string) *db.Collection {
	return c.db.Collection(name)
}

// LocalCollection returns the named local-only collection.
func (c *Client) LocalCollection(name string) *db.Collection {
	return c.db.LocalCollection(name)
}

// Subscribe registers a named, parameterized subscription. Nil when the
// client has no transport.
func (c *Client) Subscribe(name string, args map[string]any, opts sync.SubscriptionOptions) *sync.Subscription {
	if c.coordinator == nil {
		return nil
	}
	return c.coordinator.Registry().Subscribe(name, args, opts)
}

// Call queues a named remote method call for the next sync cycle.
func (c *Client) Call(name string, opts any) *db.PendingCall {
	return c.db.Call(name, opts)
}

// Touch records user interaction for the idle detector.
func (c *Client) Touch() {
	if c.coordinator != nil {
		c.coordinator.Touch()
	}
}

// Metrics returns the client's sync metrics.
func (c *Client) Metrics() *metrics.Metrics {
	return c.metrics
}
