// Copyright 2025 INSA Automation Corp
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package platform holds the error taxonomy shared by every subsystem.
// Errors are matched with errors.Is so layers can wrap freely with
// additional context.
package platform

import "errors"

// Input errors. Reported to the caller with a 4xx code, never retried.
var (
	ErrValidation             = errors.New("validation failed")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrQuotaExceeded          = errors.New("quota exceeded")
	ErrConflict               = errors.New("conflict")
	ErrNotFound               = errors.New("not found")
)

// Auth errors. The API layer maps all of these to a single opaque shape;
// credential failures never disclose whether the user or password was wrong.
var (
	ErrUnauthenticated       = errors.New("unauthenticated")
	ErrInvalidCredentials    = errors.New("invalid credentials")
	ErrForbidden             = errors.New("forbidden")
	ErrTenantContextRequired = errors.New("tenant context required")
)

// Transient infrastructure errors. Retried with capped backoff inside the
// owning component and surfaced only after the retry budget is exhausted.
var (
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrCacheUnavailable   = errors.New("cache unavailable")
	ErrBrokerUnavailable  = errors.New("broker unavailable")
)

// Code returns the stable taxonomy tag for err, or the empty string if the
// error is not part of the taxonomy.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "validation_error"
	case errors.Is(err, ErrInvalidStateTransition):
		return "invalid_state_transition"
	case errors.Is(err, ErrQuotaExceeded):
		return "quota_exceeded"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrUnauthenticated), errors.Is(err, ErrInvalidCredentials):
		return "unauthenticated"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrTenantContextRequired):
		return "tenant_context_required"
	case errors.Is(err, ErrStorageUnavailable):
		return "storage_unavailable"
	case errors.Is(err, ErrCacheUnavailable):
		return "cache_unavailable"
	case errors.Is(err, ErrBrokerUnavailable):
		return "broker_unavailable"
	}
	return ""
}
