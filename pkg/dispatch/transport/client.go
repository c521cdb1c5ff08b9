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
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"

	logutil "github.com/AztecProtocol/aztec-connect-sub017/pkg/common/observability/logging"
	"github.com/AztecProtocol/aztec-connect-sub017/pkg/dispatch/metrics"
	"github.com/AztecProtocol/aztec-connect-sub017/pkg/dispatch/queue"
	errutil "github.com/AztecProtocol/aztec-connect-sub017/pkg/dispatch/util/error"
)

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithCodec sets the codec used for envelopes, arguments and results. Both ends of a socket must agree.
func WithCodec(codec Codec) ClientOption {
	return func(c *Client) { c.codec = codec }
}

// WithLogger sets the client's logger.
func WithLogger(logger logr.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// Client issues requests over a Socket and correlates the responses.
//
// # State
//
// A Client starts closed. Open establishes a socket and starts the read loop; Close (or the socket failing) returns it
// to closed and settles every pending request with ErrConnectionClosed. A closed Client may be opened again. Request
// ids keep increasing across reopens, so a late response from an earlier connection can never be matched.
//
// # Concurrency
//
// All methods are safe for concurrent use. Responses are matched by id, so concurrent requests may settle in any order.
type Client struct {
	connector Connector
	codec     Codec
	logger    logr.Logger

	mu      sync.Mutex
	socket  Socket
	nextID  uint32
	pending map[uint32]*queue.Future[Result]
	subs    map[*Subscription]struct{}
}

// NewClient returns a closed Client that will connect through connector.
func NewClient(connector Connector, opts ...ClientOption) *Client {
	c := &Client{
		connector: connector,
		codec:     MsgpackCodec{},
		logger:    logr.Discard(),
		pending:   make(map[uint32]*queue.Future[Result]),
		subs:      make(map[*Subscription]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Open connects the client. Opening an already open client is a no-op.
func (c *Client) Open(ctx context.Context) error {
	c.mu.Lock()
	if c.socket != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	sock, err := c.connector.Connect(ctx)
	if err != nil {
		return fmt.Errorf("connecting transport client: %w", err)
	}

	c.mu.Lock()
	if c.socket != nil {
		// Lost a race with a concurrent Open.
		c.mu.Unlock()
		return sock.Close()
	}
	c.socket = sock
	c.mu.Unlock()

	go c.readLoop(sock)
	c.logger.V(logutil.VERBOSE).Info("Transport client opened")
	return nil
}

// IsOpen reports whether the client currently has a socket.
func (c *Client) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.socket != nil
}

// Codec returns the codec the client encodes with.
func (c *Client) Codec() Codec {
	return c.codec
}

// Request sends msg and blocks until its response arrives, the connection closes, or ctx is done.
//
// If ctx is done first the call returns ctx.Err(), but the request stays in flight: the remote side still runs it and
// its response is discarded on arrival.
func (c *Client) Request(ctx context.Context, msg Message) (result Result, err error) {
	ctx, span, meta := startClientSpan(ctx, msg.Fn)
	defer func() { endSpan(span, err) }()

	raw, err := encodeValues(c.codec, msg.Args)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrBadArgument, err)
	}

	c.mu.Lock()
	sock := c.socket
	if sock == nil {
		c.mu.Unlock()
		return Result{}, ErrNotOpen
	}
	c.nextID++
	if c.nextID == BroadcastID {
		c.nextID++
	}
	id := c.nextID
	future := queue.NewFuture[Result]()
	c.pending[id] = future
	c.mu.Unlock()
	metrics.IncPendingRequests()

	start := time.Now()
	frame, err := c.codec.Marshal(&Envelope{ID: id, Fn: msg.Fn, Args: raw, Meta: meta})
	if err == nil {
		err = sock.Send(ctx, frame)
	}
	if err != nil {
		c.forget(id)
		if errors.Is(err, ErrSocketClosed) {
			err = fmt.Errorf("%w: %w", ErrConnectionClosed, err)
		}
		return Result{}, fmt.Errorf("sending request %q: %w", msg.Fn, err)
	}

	c.logger.V(logutil.TRACE).Info("Request sent", "id", id, "fn", msg.Fn)
	result, err = future.Wait(ctx)
	if err != nil && ctx.Err() == nil {
		metrics.RecordRequest(msg.Fn, errutil.CanonicalCode(err), time.Since(start))
	} else if err == nil {
		metrics.RecordRequest(msg.Fn, "", time.Since(start))
	}
	return result, err
}

// Close closes the socket and settles every pending request with ErrConnectionClosed. Subscriptions are ended.
func (c *Client) Close() error {
	c.mu.Lock()
	sock := c.socket
	c.mu.Unlock()
	if sock == nil {
		return nil
	}
	c.teardown(sock, ErrConnectionClosed)
	return nil
}

// Subscribe registers a receiver for broadcast events arriving after this call. Events that do not fit into the
// subscription's buffer are dropped rather than stalling the read loop.
func (c *Client) Subscribe(buffer int) *Subscription {
	s := &Subscription{ch: make(chan Event, buffer)}
	c.mu.Lock()
	c.subs[s] = struct{}{}
	c.mu.Unlock()
	s.cancel = func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if _, ok := c.subs[s]; ok {
			delete(c.subs, s)
			close(s.ch)
		}
	}
	return s
}

func (c *Client) forget(id uint32) {
	c.mu.Lock()
	_, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()
	if ok {
		metrics.DecPendingRequests(1)
	}
}

func (c *Client) readLoop(sock Socket) {
	for {
		frame, err := sock.Recv(context.Background())
		if err != nil {
			if !errors.Is(err, ErrSocketClosed) {
				c.logger.Error(err, "Transport client receive failed")
			}
			c.teardown(sock, fmt.Errorf("%w: %w", ErrConnectionClosed, err))
			return
		}

		var env Envelope
		if err := c.codec.Unmarshal(frame, &env); err != nil {
			c.logger.Error(err, "Dropping undecodable frame")
			continue
		}

		switch {
		case env.isBroadcast():
			c.fanOut(&env)
		case env.isResponse():
			c.settle(&env)
		default:
			c.logger.V(logutil.DEBUG).Info("Dropping unexpected frame", "id", env.ID, "fn", env.Fn)
		}
	}
}

func (c *Client) settle(env *Envelope) {
	c.mu.Lock()
	future, ok := c.pending[env.ID]
	delete(c.pending, env.ID)
	c.mu.Unlock()
	if !ok {
		c.logger.V(logutil.DEBUG).Info("Ignoring response with no pending request", "id", env.ID)
		return
	}
	metrics.DecPendingRequests(1)

	if env.Error != "" || env.Code != "" {
		code := env.Code
		if code == "" {
			code = errutil.Remote
		}
		future.Complete(Result{}, RemoteError{Code: code, Msg: env.Error})
		return
	}
	future.Complete(NewResult(c.codec, env.Result), nil)
}

func (c *Client) fanOut(env *Envelope) {
	if len(env.Args) == 0 {
		c.logger.V(logutil.DEBUG).Info("Dropping broadcast without an event name")
		return
	}
	var name string
	if err := c.codec.Unmarshal(env.Args[0], &name); err != nil {
		c.logger.Error(err, "Dropping broadcast with undecodable event name")
		return
	}
	event := Event{Name: name, Args: NewArgs(c.codec, env.Args[1:])}

	c.mu.Lock()
	defer c.mu.Unlock()
	for s := range c.subs {
		select {
		case s.ch <- event:
		default:
			metrics.RecordDroppedEvent()
			c.logger.V(logutil.DEBUG).Info("Subscriber is not keeping up, dropping event", "event", name)
		}
	}
}

// teardown closes sock if it is still the current socket and settles everything waiting on it.
func (c *Client) teardown(sock Socket, cause error) {
	c.mu.Lock()
	if c.socket != sock {
		c.mu.Unlock()
		return
	}
	c.socket = nil
	pending := c.pending
	c.pending = make(map[uint32]*queue.Future[Result])
	subs := c.subs
	c.subs = make(map[*Subscription]struct{})
	for s := range subs {
		close(s.ch)
	}
	c.mu.Unlock()

	if err := sock.Close(); err != nil && !errors.Is(err, ErrSocketClosed) {
		c.logger.V(logutil.DEBUG).Info("Closing socket failed", "error", err)
	}
	for _, f := range pending {
		f.Complete(Result{}, cause)
	}
	metrics.DecPendingRequests(len(pending))
	c.logger.V(logutil.VERBOSE).Info("Transport client closed", "abandonedRequests", len(pending))
}
