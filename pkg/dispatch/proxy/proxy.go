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

package proxy

import (
	"context"
	"errors"
	"fmt"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/AztecProtocol/aztec-connect-sub017/pkg/dispatch/transport"
)

// ErrUnknownMethod is returned for calls to a name the Proxy was not declared with. Nothing is sent.
var ErrUnknownMethod = errors.New("unknown method")

// Method names a remote procedure returning R.
type Method[R any] struct {
	Name string
}

// NewMethod returns the descriptor for the procedure called name.
func NewMethod[R any](name string) Method[R] {
	return Method[R]{Name: name}
}

// Proxy turns calls on declared method names into requests on a client. It keeps no state besides the client and
// the declared names: no caching, retry or batching.
type Proxy struct {
	client  *transport.Client
	methods sets.Set[string]
}

// New returns a Proxy that forwards the named methods to client.
func New(client *transport.Client, methods ...string) *Proxy {
	return &Proxy{client: client, methods: sets.New(methods...)}
}

// ForTable returns a Proxy declaring every procedure in table.
func ForTable(client *transport.Client, table *Table) *Proxy {
	return &Proxy{client: client, methods: table.Names()}
}

// Call sends a request for method name with args and waits for the result.
func (p *Proxy) Call(ctx context.Context, name string, args ...any) (transport.Result, error) {
	if !p.methods.Has(name) {
		return transport.Result{}, fmt.Errorf("%w: %q", ErrUnknownMethod, name)
	}
	return p.client.Request(ctx, transport.Message{Fn: name, Args: args})
}

// Has reports whether name was declared.
func (p *Proxy) Has(name string) bool {
	return p.methods.Has(name)
}

// Methods returns the declared names in sorted order.
func (p *Proxy) Methods() []string {
	return sets.List(p.methods)
}

// Client returns the underlying client.
func (p *Proxy) Client() *transport.Client {
	return p.client
}

// Destroy asks the remote side to release its execution context. It is not subject to the declared method set.
func (p *Proxy) Destroy(ctx context.Context) error {
	_, err := p.client.Request(ctx, transport.Message{Fn: transport.DestroyFn})
	return err
}

// Invoke calls m through p and decodes its result.
func Invoke[R any](ctx context.Context, p *Proxy, m Method[R], args ...any) (R, error) {
	var out R
	res, err := p.Call(ctx, m.Name, args...)
	if err != nil {
		return out, err
	}
	if err := res.Decode(&out); err != nil {
		return out, fmt.Errorf("%s: %w", m.Name, err)
	}
	return out, nil
}
