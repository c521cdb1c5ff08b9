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

package transport

import (
	"errors"

	errutil "github.com/AztecProtocol/aztec-connect-sub017/pkg/dispatch/util/error"
)

// RemoteError is the error returned by Client.Request when the remote handler failed. Only its code and message
// survive the boundary.
type RemoteError = errutil.Error

var (
	// ErrSocketClosed is returned by Socket operations after the socket (or its peer) has been closed.
	ErrSocketClosed = errors.New("socket closed")

	// ErrListenerClosed is returned by Listener.Accept after the listener has been closed.
	ErrListenerClosed = errors.New("listener closed")

	// ErrNotOpen is returned by Client.Request when the client has not been opened or has been closed.
	ErrNotOpen = errors.New("transport client is not open")

	// ErrConnectionClosed settles every pending request when the client's socket closes before a response arrives.
	ErrConnectionClosed = errors.New("transport connection closed")

	// ErrMissingArgument is returned when a handler reads past the end of its argument list.
	ErrMissingArgument = errors.New("missing argument")

	// ErrBadArgument is returned when an argument cannot be decoded into the type the handler expects.
	ErrBadArgument = errors.New("bad argument")

	// ErrServerDestroyed rejects requests that arrive after the server handled a destroy request.
	ErrServerDestroyed = errors.New("server destroyed")
)

// ErrDispatchNotFound matches, via errors.Is, any RemoteError reporting an unknown function.
var ErrDispatchNotFound = errutil.Error{Code: errutil.DispatchNotFound}
