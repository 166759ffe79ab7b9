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

// Package errors provides error management with structured status codes for
// store operations and the sync path.
package errors

import "fmt"

// StatusCode represents the coarse error class of an operation failure.
type StatusCode int

const (
	// ErrCodeInvalidArgument indicates that the caller specified an invalid
	// argument, regardless of the state of the store.
	ErrCodeInvalidArgument StatusCode = 3

	// ErrCodeNotFound indicates that a requested document or subscription
	// was not found.
	ErrCodeNotFound StatusCode = 5

	// ErrCodeAlreadyExists indicates that an entity a caller attempted to
	// create already exists.
	ErrCodeAlreadyExists StatusCode = 6

	// ErrCodeFailedPrecondition indicates that the operation was rejected
	// because the store is not in a state required for its execution.
	ErrCodeFailedPrecondition StatusCode = 9

	// ErrCodeInternal indicates that an invariant expected by the store has
	// been broken. Reserved for serious errors.
	ErrCodeInternal StatusCode = 13

	// ErrCodeUnavailable indicates that the remote authority is currently
	// unreachable. This is usually temporary; the sync path backs off and
	// retries on the next poll.
	ErrCodeUnavailable StatusCode = 14

	// ErrCodeUnauthenticated indicates that the request does not have valid
	// authentication credentials.
	ErrCodeUnauthenticated StatusCode = 16
)

// String returns the string representation of the error code.
func (c StatusCode) String() string {
	switch c {
	case ErrCodeInvalidArgument:
		return "invalid_argument"
	case ErrCodeNotFound:
		return "not_found"
	case ErrCodeAlreadyExists:
		return "already_exists"
	case ErrCodeFailedPrecondition:
		return "failed_precondition"
	case ErrCodeInternal:
		return "internal"
	case ErrCodeUnavailable:
		return "unavailable"
	case ErrCodeUnauthenticated:
		return "unauthenticated"
	default:
		return fmt.Sprintf("code_%d", int(c))
	}
}

// IsClientError returns true if the error code represents a caller-side error.
func (c StatusCode) IsClientError() bool {
	switch c {
	case ErrCodeInvalidArgument, ErrCodeNotFound, ErrCodeAlreadyExists,
		ErrCodeFailedPrecondition, ErrCodeUnauthenticated:
		return true
	default:
		return false
	}
}

// IsServerError returns true if the error code represents a failure of the
// store itself or of the remote authority.
func (c StatusCode) IsServerError() bool {
	switch c {
	case ErrCodeInternal, ErrCodeUnavailable:
		return true
	default:
		return false
	}
}
