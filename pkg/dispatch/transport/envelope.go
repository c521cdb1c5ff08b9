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
	"fmt"
)

const (
	// BroadcastID is the reserved id carried by broadcast envelopes. Request ids start at 1.
	BroadcastID uint32 = 0
	// EmitFn is the function name carried by broadcast envelopes.
	EmitFn = "emit"
	// DestroyFn is the reserved function that asks a server to stop and release its execution context.
	DestroyFn = "__destroyWorker__"
	// PingFn is the reserved function a server answers with an empty result. Clients use it to confirm a peer is
	// serving before handing it work.
	PingFn = "__ping__"
)

// Envelope is the single frame shape exchanged over a Socket. Which fields are set determines its kind:
//   - request:   ID > 0, Fn set, Args set.
//   - response:  ID > 0, Fn empty, Result or Error set.
//   - broadcast: ID == 0, Fn == "emit", Args[0] is the encoded event name.
//
// Args and Result hold values already encoded by the connection's Codec so that the receiving side can decode them
// into the concrete types it expects.
type Envelope struct {
	ID     uint32   `msgpack:"id" json:"id"`
	Fn     string   `msgpack:"fn,omitempty" json:"fn,omitempty"`
	Args   [][]byte `msgpack:"args,omitempty" json:"args,omitempty"`
	Result []byte   `msgpack:"result,omitempty" json:"result,omitempty"`
	Error  string   `msgpack:"error,omitempty" json:"error,omitempty"`
	Code   string   `msgpack:"code,omitempty" json:"code,omitempty"`
	// Meta carries trace context headers on requests.
	Meta map[string]string `msgpack:"meta,omitempty" json:"meta,omitempty"`
}

func (e *Envelope) isBroadcast() bool {
	return e.ID == BroadcastID && e.Fn == EmitFn
}

func (e *Envelope) isRequest() bool {
	return e.ID != BroadcastID && e.Fn != ""
}

func (e *Envelope) isResponse() bool {
	return e.ID != BroadcastID && e.Fn == ""
}

// Message is a call to be performed by the remote side.
type Message struct {
	Fn   string
	Args []any
}

// Encoded is a value already encoded with the connection's codec. It is sent as is, which lets a relay pass
// arguments and results through without decoding them. Both sides of the relay must use the same codec.
type Encoded []byte

// Args is an ordered argument list whose elements are decoded on demand.
type Args struct {
	raw   [][]byte
	codec Codec
}

// NewArgs wraps already encoded arguments.
func NewArgs(codec Codec, raw [][]byte) Args {
	return Args{raw: raw, codec: codec}
}

// EncodeArgs encodes each value with codec.
func EncodeArgs(codec Codec, values ...any) (Args, error) {
	raw, err := encodeValues(codec, values)
	if err != nil {
		return Args{}, err
	}
	return Args{raw: raw, codec: codec}, nil
}

// Len returns the number of arguments.
func (a Args) Len() int {
	return len(a.raw)
}

// Decode decodes argument i into v.
func (a Args) Decode(i int, v any) error {
	if i < 0 || i >= len(a.raw) {
		return fmt.Errorf("%w: argument %d of %d", ErrMissingArgument, i, len(a.raw))
	}
	if err := a.codec.Unmarshal(a.raw[i], v); err != nil {
		return fmt.Errorf("%w: argument %d: %w", ErrBadArgument, i, err)
	}
	return nil
}

// Raw returns the encoded form of every argument.
func (a Args) Raw() [][]byte {
	return a.raw
}

// Slice returns the arguments from index i onward.
func (a Args) Slice(i int) Args {
	if i >= len(a.raw) {
		return Args{codec: a.codec}
	}
	return Args{raw: a.raw[i:], codec: a.codec}
}

// Result is the encoded return value of a remote call.
type Result struct {
	raw   []byte
	codec Codec
}

// NewResult wraps an already encoded return value.
func NewResult(codec Codec, raw []byte) Result {
	return Result{raw: raw, codec: codec}
}

// Decode decodes the return value into v. A call that returned nothing decodes as a no-op.
func (r Result) Decode(v any) error {
	if len(r.raw) == 0 {
		return nil
	}
	if err := r.codec.Unmarshal(r.raw, v); err != nil {
		return fmt.Errorf("decoding result: %w", err)
	}
	return nil
}

// Raw returns the encoded return value.
func (r Result) Raw() []byte {
	return r.raw
}

func encodeValues(codec Codec, values []any) ([][]byte, error) {
	raw := make([][]byte, len(values))
	for i, v := range values {
		b, err := EncodeValue(codec, v)
		if err != nil {
			return nil, fmt.Errorf("encoding argument %d: %w", i, err)
		}
		raw[i] = b
	}
	return raw, nil
}

// EncodeValue marshals v with codec. An Encoded value is returned as is.
func EncodeValue(codec Codec, v any) ([]byte, error) {
	if enc, ok := v.(Encoded); ok {
		return enc, nil
	}
	return codec.Marshal(v)
}

// Encoded returns every argument in pass-through form.
func (a Args) Encoded() []any {
	values := make([]any, len(a.raw))
	for i, b := range a.raw {
		values[i] = Encoded(b)
	}
	return values
}
