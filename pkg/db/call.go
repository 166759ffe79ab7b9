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
	"context"
	"sync"
)

// PendingCall is a queued remote method call awaiting delivery by a sync
// cycle.
type PendingCall struct {
	Name string
	Opts any

	once   sync.Once
	done   chan struct{}
	result any
	err    error
}

func newPendingCall(name string, opts any) *PendingCall {
	return &PendingCall{
		Name: name,
		Opts: opts,
		done: make(chan struct{}),
	}
}

// Resolve completes the call. Subsequent resolutions are ignored.
func (c *PendingCall) Resolve(result any, err error) {
	c.once.Do(func() {
		c.result = result
		c.err = err
		close(c.done)
	})
}

// Await blocks until the call resolves or the context ends.
func (c *PendingCall) Await(ctx context.Context) (any, error) {
	select {
	case <-c.done:
		return c.result, c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done returns a channel closed when the call resolves.
func (c *PendingCall) Done() <-chan struct{} {
	return c.done
}
