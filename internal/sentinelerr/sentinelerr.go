// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package sentinelerr defines the closed set of error kinds flowing through
// the data plane. Every stage wraps the underlying cause with one of these
// kinds so callers can branch with this package's Is and KindOf without
// parsing strings.
package sentinelerr

import "errors"

// Kind is one of the error categories every stage classifies its failures
// into. Kinds never nest: a function returns exactly one kind per call.
type Kind int

const (
	KindUnknown Kind = iota
	KindMalformedInput
	KindUnsupportedVersion
	KindInvalidRecord
	KindLateEvent
	KindQueueFull
	KindValidationFailure
	KindConflictDetected
	KindAdapterTransient
	KindAdapterPermanent
	KindPartialApply
	KindNotFound
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindMalformedInput:
		return "malformed_input"
	case KindUnsupportedVersion:
		return "unsupported_version"
	case KindInvalidRecord:
		return "invalid_record"
	case KindLateEvent:
		return "late_event"
	case KindQueueFull:
		return "queue_full"
	case KindValidationFailure:
		return "validation_failure"
	case KindConflictDetected:
		return "conflict_detected"
	case KindAdapterTransient:
		return "adapter_transient"
	case KindAdapterPermanent:
		return "adapter_permanent"
	case KindPartialApply:
		return "partial_apply"
	case KindNotFound:
		return "not_found"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error wraps an underlying cause with a Kind; Is(err, KindX) finds it
// with errors.As and compares the Kind.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Op + ": " + e.Kind.String()
	}
	return e.Op + ": " + e.Kind.String() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error carrying kind, with op naming the failing operation
// (e.g. "netflow.parseV5") for log correlation.
func New(kind Kind, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Err: cause}
}

// Is reports whether err (or any error it wraps) was classified as kind.
func Is(err error, kind Kind) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind == kind
	}
	return false
}

// KindOf extracts the classified Kind from err, or KindUnknown if err was
// never wrapped by this package.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindUnknown
}
