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

package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/skiffdb/skiff/internal/log"
	"github.com/skiffdb/skiff/pkg/errors"
)

const (
	sessionHeader = "X-Skiff-Session"

	defaultTimeout    = 30 * time.Second
	defaultRetryMax   = 2
	maxResponseLength = 32 << 20
)

// HTTP delivers batches as a single JSON POST to one endpoint.
type HTTP struct {
	url     string
	session string
	auth    AuthSource
	client  *retryablehttp.Client
	logger  log.Logger
}

// HTTPOption configures the HTTP transport.
type HTTPOption func(*HTTP)

// WithAuthSource attaches an auth value to every request.
func WithAuthSource(src AuthSource) HTTPOption {
	return func(t *HTTP) {
		t.auth = src
	}
}

// WithHTTPClient overrides the underlying client.
func WithHTTPClient(client *retryablehttp.Client) HTTPOption {
	return func(t *HTTP) {
		t.client = client
	}
}

// NewHTTP creates an HTTP transport posting to the given URL. Each
// store instance gets a stable session id sent with every request.
func NewHTTP(url string, opts ...HTTPOption) *HTTP {
	logger := log.New("transport")

	client := retryablehttp.NewClient()
	client.RetryMax = defaultRetryMax
	client.HTTPClient.Timeout = defaultTimeout
	client.Logger = nil

	t := &HTTP{
		url:     url,
		session: uuid.NewString(),
		client:  client,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Session returns the transport's session id.
func (t *HTTP) Session() string {
	return t.session
}

// RoundTrip posts the batch and decodes the positional response.
func (t *HTTP) RoundTrip(ctx context.Context, req *Request) (*Response, error) {
	if t.auth != nil {
		auth, err := t.auth.Auth(ctx)
		if err != nil {
			return nil, err
		}
		req.Auth = auth
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Internalf("encode request: %v", err)
	}

	httpReq, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Internalf("build request: %v", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(sessionHeader, t.session)

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, errors.Unavailable(fmt.Sprintf("poll %s: %v", t.url, err)).WithCode("ErrTransport")
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Unavailable(fmt.Sprintf("poll %s: status %d", t.url, resp.StatusCode)).WithCode("ErrTransport")
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseLength))
	if err != nil {
		return nil, errors.Unavailable(fmt.Sprintf("poll %s: read body: %v", t.url, err)).WithCode("ErrTransport")
	}

	var decoded Response
	if err := json.Unmarshal(data, &decoded); err != nil {
		return nil, errors.Internalf("decode response: %v", err)
	}
	if len(decoded.Calls) != len(req.Calls) {
		return nil, errors.Internalf("response carries %d results for %d calls", len(decoded.Calls), len(req.Calls))
	}
	return &decoded, nil
}
