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

// Package transport defines the batched wire protocol between a store
// and its remote authority, and provides the HTTP implementation.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
)

// Call is one named method call. On the wire it is the positional pair
// [name, opts].
type Call struct {
	Name string
	Opts any
}

// MarshalJSON encodes the call as a two-element array.
func (c Call) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{c.Name, c.Opts})
}

// UnmarshalJSON decodes the two-element array form.
func (c *Call) UnmarshalJSON(data []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	if len(pair) != 2 {
		return fmt.Errorf("call must be a [name, opts] pair, got %d elements", len(pair))
	}
	if err := json.Unmarshal(pair[0], &c.Name); err != nil {
		return fmt.Errorf("call name: %w", err)
	}
	return json.Unmarshal(pair[1], &c.Opts)
}

// Request is one poll cycle's batch of calls.
type Request struct {
	Calls []Call `json:"calls"`
	Auth  any    `json:"auth,omitempty"`
}

// Result is the outcome of one call, positionally aligned with the
// request. Exactly one of Result and Error is set.
type Result struct {
	Result any        `json:"result,omitempty"`
	Error  *CallError `json:"error,omitempty"`
	Time   int64      `json:"time,omitempty"`
}

// CallError is a per-call server error.
type CallError struct {
	Message string `json:"message"`
}

func (e *CallError) Error() string {
	return e.Message
}

// Response carries one result per request call, in request order.
type Response struct {
	Calls []Result `json:"calls"`
}

// Transport delivers one batched request and returns the positional
// response. A transport failure is non-fatal to the store: queued calls
// stay queued and retry on a later cycle.
type Transport interface {
	RoundTrip(ctx context.Context, req *Request) (*Response, error)
}

// AuthSource supplies the auth value attached to each request.
type AuthSource interface {
	Auth(ctx context.Context) (any, error)
}
