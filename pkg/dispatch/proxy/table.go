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

// Package proxy maps remote calls onto a fixed set of named procedures.
//
// The serving side builds a Table once from named Handlers and hands it to a transport.Server. The calling side wraps
// a transport.Client in a Proxy declaring the same names; calls to anything else fail locally.
package proxy

import (
	"context"
	"fmt"
	"maps"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/AztecProtocol/aztec-connect-sub017/pkg/dispatch/transport"
	errutil "github.com/AztecProtocol/aztec-connect-sub017/pkg/dispatch/util/error"
)

// Handler runs one remote procedure.
type Handler func(ctx context.Context, args transport.Args) (any, error)

// Table is an immutable name -> Handler mapping. It implements transport.Dispatcher.
type Table struct {
	handlers map[string]Handler
}

var _ transport.Dispatcher = &Table{}

// NewTable returns a Table holding a copy of handlers.
func NewTable(handlers map[string]Handler) *Table {
	return &Table{handlers: maps.Clone(handlers)}
}

// Dispatch runs the handler registered for fn. Unknown names fail with a DispatchNotFound error.
func (t *Table) Dispatch(ctx context.Context, fn string, args transport.Args) (any, error) {
	h, ok := t.handlers[fn]
	if !ok {
		return nil, errutil.New(errutil.DispatchNotFound, "no handler registered for %q", fn)
	}
	return h(ctx, args)
}

// Names returns the registered procedure names.
func (t *Table) Names() sets.Set[string] {
	return sets.KeySet(t.handlers)
}

// With returns a new Table with extra handlers added. Existing names are replaced.
func (t *Table) With(handlers map[string]Handler) *Table {
	merged := maps.Clone(t.handlers)
	if merged == nil {
		merged = make(map[string]Handler, len(handlers))
	}
	maps.Copy(merged, handlers)
	return &Table{handlers: merged}
}

// Func0 adapts a procedure taking no arguments.
func Func0[R any](fn func(ctx context.Context) (R, error)) Handler {
	return func(ctx context.Context, _ transport.Args) (any, error) {
		return fn(ctx)
	}
}

// Func1 adapts a procedure taking one argument.
func Func1[A, R any](fn func(ctx context.Context, a A) (R, error)) Handler {
	return func(ctx context.Context, args transport.Args) (any, error) {
		var a A
		if err := args.Decode(0, &a); err != nil {
			return nil, err
		}
		return fn(ctx, a)
	}
}

// Func2 adapts a procedure taking two arguments.
func Func2[A, B, R any](fn func(ctx context.Context, a A, b B) (R, error)) Handler {
	return func(ctx context.Context, args transport.Args) (any, error) {
		var a A
		var b B
		if err := decodeAll(args, &a, &b); err != nil {
			return nil, err
		}
		return fn(ctx, a, b)
	}
}

// Func3 adapts a procedure taking three arguments.
func Func3[A, B, C, R any](fn func(ctx context.Context, a A, b B, c C) (R, error)) Handler {
	return func(ctx context.Context, args transport.Args) (any, error) {
		var a A
		var b B
		var c C
		if err := decodeAll(args, &a, &b, &c); err != nil {
			return nil, err
		}
		return fn(ctx, a, b, c)
	}
}

func decodeAll(args transport.Args, targets ...any) error {
	for i, target := range targets {
		if err := args.Decode(i, target); err != nil {
			return fmt.Errorf("decoding arguments: %w", err)
		}
	}
	return nil
}
