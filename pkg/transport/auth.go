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
	"context"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/skiffdb/skiff/pkg/errors"
)

// StaticAuth sends a fixed auth value with every request.
type StaticAuth struct {
	Value any
}

// Auth returns the fixed value.
func (a StaticAuth) Auth(context.Context) (any, error) {
	return a.Value, nil
}

// TokenAuth sends a bearer token as {token: "..."} and rejects a token
// whose expiry already passed locally, saving a round trip the server
// would refuse anyway. Signature verification is the server's job.
type TokenAuth struct {
	mu    sync.Mutex
	token string
	exp   time.Time

	// Now is overridable for tests. Nil means time.Now.
	Now func() time.Time
}

// NewTokenAuth creates a token source. The token may be replaced later
// with SetToken, e.g. after a refresh.
func NewTokenAuth(token string) (*TokenAuth, error) {
	a := &TokenAuth{}
	if err := a.SetToken(token); err != nil {
		return nil, err
	}
	return a, nil
}

// SetToken replaces the current token.
func (a *TokenAuth) SetToken(token string) error {
	exp, err := tokenExpiry(token)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.token = token
	a.exp = exp
	a.mu.Unlock()
	return nil
}

// Auth returns the auth payload, or Unauthenticated when the token
// already expired.
func (a *TokenAuth) Auth(context.Context) (any, error) {
	a.mu.Lock()
	token, exp := a.token, a.exp
	now := time.Now
	if a.Now != nil {
		now = a.Now
	}
	a.mu.Unlock()

	if !exp.IsZero() && !now().Before(exp) {
		return nil, errors.Unauthenticated("auth token expired").WithCode("ErrTokenExpired")
	}
	return map[string]any{"token": token}, nil
}

func tokenExpiry(token string) (time.Time, error) {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return time.Time{}, errors.InvalidArgumentf("parse auth token: %v", err)
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, errors.InvalidArgumentf("auth token exp claim: %v", err)
	}
	if exp == nil {
		return time.Time{}, nil
	}
	return exp.Time, nil
}
