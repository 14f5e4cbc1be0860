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

// Package errs defines the tagged error taxonomy shared by the agent
// transport, masking, and pipeline layers. Each sentinel is mapped to a
// log level and an HTTP-visible behavior by its caller, not by this
// package — errs only carries identity so callers can errors.Is/As it.
package errs

import "errors"

// Kind identifies a taxonomy entry from the error-handling design.
type Kind int

const (
	KindUnknown Kind = iota
	KindConnectionFailed
	KindConnectionClosed
	KindVersionMismatch
	KindMessageTooLarge
	KindInvalidMessage
	KindTimeout
	KindFpeNotConfigured
	KindFpeError
	KindTokenNotFound
	KindBufferOverflow
	KindInvalidContent
	KindUnsupportedContentType
	KindCapacityExceeded
	KindCircuitOpen
	KindFieldAccess
)

func (k Kind) String() string {
	switch k {
	case KindConnectionFailed:
		return "ConnectionFailed"
	case KindConnectionClosed:
		return "ConnectionClosed"
	case KindVersionMismatch:
		return "VersionMismatch"
	case KindMessageTooLarge:
		return "MessageTooLarge"
	case KindInvalidMessage:
		return "InvalidMessage"
	case KindTimeout:
		return "Timeout"
	case KindFpeNotConfigured:
		return "FpeNotConfigured"
	case KindFpeError:
		return "FpeError"
	case KindTokenNotFound:
		return "TokenNotFound"
	case KindBufferOverflow:
		return "BufferOverflow"
	case KindInvalidContent:
		return "InvalidContent"
	case KindUnsupportedContentType:
		return "UnsupportedContentType"
	case KindCapacityExceeded:
		return "CapacityExceeded"
	case KindCircuitOpen:
		return "CircuitOpen"
	case KindFieldAccess:
		return "FieldAccess"
	default:
		return "Unknown"
	}
}

// Error is a tagged error: a Kind plus a human message and optional cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Kind.String() + ": " + e.Message + ": " + e.Cause.Error()
	}
	return e.Kind.String() + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds a tagged error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds a tagged error of the given kind around a cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Is reports whether err (or something it wraps) has the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind of err, or KindUnknown if err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// RetryableTransport reports whether the kind represents a transport-level
// failure the pool's reconnection logic should treat as retryable.
func RetryableTransport(kind Kind) bool {
	switch kind {
	case KindConnectionFailed, KindConnectionClosed, KindTimeout, KindCircuitOpen:
		return true
	default:
		return false
	}
}
