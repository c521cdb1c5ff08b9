/*
Copyright 2025 The Kubernetes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package error

import (
	"errors"
	"fmt"
)

// Error is an error that crosses a transport boundary. Only Code and Msg survive the trip; the original error type and
// stack are lost.
type Error struct {
	Code string
	Msg  string
}

const (
	Unknown          = "Unknown"
	Remote           = "RemoteError"
	DispatchNotFound = "DispatchNotFound"
	BadRequest       = "BadRequest"
	Internal         = "Internal"
	Cancelled        = "Cancelled"
)

// Error returns a string version of the error.
func (e Error) Error() string {
	return fmt.Sprintf("remote dispatch: %s - %s", e.Code, e.Msg)
}

// Is reports whether target is an Error carrying the same Code. This lets callers match on a code sentinel with
// errors.Is regardless of the message.
func (e Error) Is(target error) bool {
	var t Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code && (t.Msg == "" || t.Msg == e.Msg)
}

// New returns an Error for the given code and formatted message.
func New(code, format string, args ...any) Error {
	return Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// CanonicalCode returns the error's ErrorCode.
func CanonicalCode(err error) string {
	var e Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Unknown
}
