// Reel is a media dubbing job server.
// Copyright (C) 2025  Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package apierr defines the error kinds surfaced by the HTTP layer and
// the structured body they serialize to. Policy, store, and scheduler
// return these; the responder maps kind → status uniformly so handlers
// never hand-craft error JSON.
package apierr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Kind classifies an error for status mapping and audit.
type Kind string

const (
	KindValidation    Kind = "validation"
	KindAuth          Kind = "auth"
	KindForbidden     Kind = "forbidden"
	KindNotFound      Kind = "not_found"
	KindConflict      Kind = "conflict"
	KindQuotaExceeded Kind = "quota_exceeded"
	KindRateLimited   Kind = "rate_limited"
	KindDraining      Kind = "draining"
	KindTransient     Kind = "transient"
	KindFatal         Kind = "fatal"
	KindCorruption    Kind = "corruption"
)

// HTTPStatus returns the response status for a kind.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuth:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindQuotaExceeded:
		return http.StatusTooManyRequests
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindDraining, KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Error is the typed error carried from policy/store/scheduler decisions
// to the HTTP responder. Reason/Action/Limit/Current feed the structured
// client body; RetryAfter (if set) becomes the Retry-After header.
type Error struct {
	Kind       Kind
	Reason     string
	Action     string
	Limit      int64
	Current    int64
	RetryAfter time.Duration
	status     int
	msg        string
	err        error
}

// HTTPStatus returns the response status for this error: the kind's
// mapping unless the constructor pinned a more specific code.
func (e *Error) HTTPStatus() int {
	if e.status != 0 {
		return e.status
	}
	return e.Kind.HTTPStatus()
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.msg, e.err)
	}
	if e.msg != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.msg)
	}
	return string(e.Kind)
}

// Unwrap returns the wrapped error, if any.
func (e *Error) Unwrap() error { return e.err }

// Message returns the human-readable message for the client body.
func (e *Error) Message() string { return e.msg }

// New constructs an Error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, msg: msg}
}

// Wrap constructs an Error of the given kind around an underlying error.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, msg: msg, err: err}
}

// Validation returns a 400-mapped error.
func Validation(format string, args ...any) *Error {
	return New(KindValidation, fmt.Sprintf(format, args...))
}

// Auth returns a 401-mapped error.
func Auth(msg string) *Error { return New(KindAuth, msg) }

// Forbidden returns a 403-mapped error.
func Forbidden(msg string) *Error { return New(KindForbidden, msg) }

// NotFound returns a 404-mapped error.
func NotFound(msg string) *Error { return New(KindNotFound, msg) }

// Conflict returns a 409-mapped error.
func Conflict(format string, args ...any) *Error {
	return New(KindConflict, fmt.Sprintf(format, args...))
}

// Quota returns a 429-mapped quota error with the structured fields the
// client needs to explain the refusal. Use for count and window caps;
// byte-denominated limits go through QuotaBytes.
func Quota(reason string, limit, current int64) *Error {
	return &Error{
		Kind:    KindQuotaExceeded,
		Reason:  reason,
		Action:  "reduce usage or wait for the window to reset",
		Limit:   limit,
		Current: current,
		msg:     "quota exceeded",
	}
}

// QuotaBytes returns a 413-mapped quota error for byte-denominated
// limits (per-upload size, per-user storage). The body keeps the same
// quota_exceeded shape; only the status differs, since the refusal is
// about payload size rather than request frequency.
func QuotaBytes(reason string, limit, current int64) *Error {
	return &Error{
		Kind:    KindQuotaExceeded,
		Reason:  reason,
		Action:  "shrink the upload or free stored bytes",
		Limit:   limit,
		Current: current,
		status:  http.StatusRequestEntityTooLarge,
		msg:     "quota exceeded",
	}
}

// RateLimited returns a 429-mapped rate limit error.
func RateLimited(retryAfter time.Duration) *Error {
	return &Error{
		Kind:       KindRateLimited,
		Reason:     "rate_limit",
		Action:     "slow down and retry",
		RetryAfter: retryAfter,
		msg:        "rate limit exceeded",
	}
}

// Draining returns the 503 used while the server is shutting down.
func Draining(retryAfter time.Duration) *Error {
	return &Error{
		Kind:       KindDraining,
		Reason:     "draining",
		Action:     "retry against another instance or after restart",
		RetryAfter: retryAfter,
		msg:        "server is draining",
	}
}

// FromError extracts an *Error from err, or nil if none is present.
func FromError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return nil
}

// Body is the wire shape of every error response. Error carries the
// kind string so clients can switch on it without parsing messages.
type Body struct {
	Error     string `json:"error"`
	Message   string `json:"message,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Action    string `json:"action,omitempty"`
	Limit     int64  `json:"limit,omitempty"`
	Current   int64  `json:"current,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// BodyFor builds the wire body for an error. Untyped errors collapse to
// a bare internal kind so they never leak detail to the client.
func BodyFor(err error) (Body, int) {
	e := FromError(err)
	if e == nil {
		return Body{Error: "internal", Message: "internal error"}, http.StatusInternalServerError
	}
	return Body{
		Error:   string(e.Kind),
		Message: e.Message(),
		Reason:  e.Reason,
		Action:  e.Action,
		Limit:   e.Limit,
		Current: e.Current,
	}, e.HTTPStatus()
}

// Write serializes err as its structured JSON body with the mapped
// status, setting Retry-After when the error carries one.
func Write(w http.ResponseWriter, err error) {
	body, status := BodyFor(err)
	if e := FromError(err); e != nil && e.RetryAfter > 0 {
		secs := int64(e.RetryAfter.Round(time.Second) / time.Second)
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
