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

// Package transport implements request/response messaging between execution contexts over an abstract, message
// framed Socket.
//
// A Client assigns each request a fresh id, sends it, and settles the caller when the response carrying the same id
// arrives. A Server reads requests from every socket it owns, runs each through a Dispatcher on its own goroutine, and
// answers with the echoed id. Either side may close; a client settles everything still in flight with
// ErrConnectionClosed.
//
// Sockets come in several flavours, each in its own subpackage:
//   - memory: paired in-process ports for goroutine workers.
//   - stream: length-prefixed frames over pipes, child-process stdio, or network connections.
//   - grpcsocket: frames carried on a bidirectional gRPC stream.
package transport
