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

	"github.com/go-logr/logr"
	"sigs.k8s.io/controller-runtime/pkg/log"

	logutil "github.com/AztecProtocol/aztec-connect-sub017/pkg/common/observability/logging"
	errutil "github.com/AztecProtocol/aztec-connect-sub017/pkg/dispatch/util/error"
)

// Dispatcher executes a named function with its arguments. An unknown name must be reported with an error whose
// canonical code is DispatchNotFound.
type Dispatcher interface {
	Dispatch(ctx context.Context, fn string, args Args) (any, error)
}

// DispatcherFunc adapts a function to a Dispatcher.
type DispatcherFunc func(ctx context.Context, fn string, args Args) (any, error)

func (f DispatcherFunc) Dispatch(ctx context.Context, fn string, args Args) (any, error) {
	return f(ctx, fn, args)
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerCodec sets the codec used on every connection. Both ends of a socket must agree.
func WithServerCodec(codec Codec) ServerOption {
	return func(s *Server) { s.codec = codec }
}

// WithServerLogger sets the server's logger.
func WithServerLogger(logger logr.Logger) ServerOption {
	return func(s *Server) { s.logger = logger }
}

// Server accepts sockets and answers the requests that arrive on them.
//
// Every request runs on its own goroutine, so responses on one socket may be sent in any order; clients match them by
// id. A server that receives DestroyFn replies, stops accepting, closes itself and then closes Done().
type Server struct {
	listener   Listener
	dispatcher Dispatcher
	codec      Codec
	logger     logr.Logger

	mu           sync.Mutex
	acceptCancel context.CancelFunc
	acceptDone   chan struct{}
	conns        map[*serverConn]struct{}
	destroyed    bool
	closed       bool

	wg        sync.WaitGroup
	closeOnce sync.Once
	done      chan struct{}
}

type serverConn struct {
	sock   Socket
	cancel context.CancelFunc
}

// NewServer returns a Server answering with dispatcher. listener may be nil when sockets are only handed over through
// Serve.
func NewServer(listener Listener, dispatcher Dispatcher, opts ...ServerOption) *Server {
	s := &Server{
		listener:   listener,
		dispatcher: dispatcher,
		codec:      MsgpackCodec{},
		logger:     logr.Discard(),
		conns:      make(map[*serverConn]struct{}),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins accepting connections from the listener. Connections live until they close, ctx is done, or the server
// is closed; Stop does not affect them. Starting a started server is a no-op.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed || s.destroyed {
		s.mu.Unlock()
		return ErrListenerClosed
	}
	if s.listener == nil {
		s.mu.Unlock()
		return errors.New("server has no listener")
	}
	if s.acceptCancel != nil {
		s.mu.Unlock()
		return nil
	}
	acceptCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.acceptCancel = cancel
	s.acceptDone = done
	s.mu.Unlock()

	go s.acceptLoop(acceptCtx, ctx, done)
	s.logger.V(logutil.VERBOSE).Info("Transport server started")
	return nil
}

// Stop stops accepting new connections. Existing connections keep being served.
func (s *Server) Stop() {
	s.mu.Lock()
	cancel, done := s.acceptCancel, s.acceptDone
	s.acceptCancel, s.acceptDone = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.logger.V(logutil.VERBOSE).Info("Transport server stopped accepting")
}

// Serve serves a single socket that did not come from the listener, such as a child process's stdio. Handlers running
// for a socket see their context cancelled once the socket closes.
func (s *Server) Serve(ctx context.Context, sock Socket) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = sock.Close()
		return
	}
	connCtx, cancel := context.WithCancel(ctx)
	conn := &serverConn{sock: sock, cancel: cancel}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()

	go s.readLoop(connCtx, conn)
}

// Broadcast sends an event to every connected socket. It returns the joined send errors.
func (s *Server) Broadcast(ctx context.Context, event string, args ...any) error {
	raw, err := encodeValues(s.codec, append([]any{event}, args...))
	if err != nil {
		return fmt.Errorf("encoding broadcast %q: %w", event, err)
	}
	frame, err := s.codec.Marshal(&Envelope{ID: BroadcastID, Fn: EmitFn, Args: raw})
	if err != nil {
		return fmt.Errorf("encoding broadcast %q: %w", event, err)
	}

	s.mu.Lock()
	conns := make([]*serverConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	var errs []error
	for _, c := range conns {
		if err := c.sock.Send(ctx, frame); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Done is closed once the server has been closed, either explicitly or after handling DestroyFn.
func (s *Server) Done() <-chan struct{} {
	return s.done
}

// Close stops accepting, closes the listener and every connection, and waits for in-flight handlers to return.
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.Stop()

		s.mu.Lock()
		s.closed = true
		conns := make([]*serverConn, 0, len(s.conns))
		for c := range s.conns {
			conns = append(conns, c)
		}
		s.mu.Unlock()

		if s.listener != nil {
			if lerr := s.listener.Close(); lerr != nil && !errors.Is(lerr, ErrListenerClosed) {
				err = lerr
			}
		}
		for _, c := range conns {
			c.cancel()
			_ = c.sock.Close()
		}
		s.wg.Wait()
		close(s.done)
		s.logger.V(logutil.VERBOSE).Info("Transport server closed")
	})
	return err
}

func (s *Server) acceptLoop(ctx, connCtx context.Context, done chan struct{}) {
	defer close(done)
	for {
		sock, err := s.listener.Accept(ctx)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, ErrListenerClosed) {
				s.logger.Error(err, "Transport server accept failed")
			}
			return
		}
		s.logger.V(logutil.DEBUG).Info("Accepted connection")
		s.Serve(connCtx, sock)
	}
}

func (s *Server) readLoop(ctx context.Context, conn *serverConn) {
	defer s.wg.Done()
	defer s.dropConn(conn)
	for {
		frame, err := conn.sock.Recv(ctx)
		if err != nil {
			if !errors.Is(err, ErrSocketClosed) && ctx.Err() == nil {
				s.logger.Error(err, "Transport server receive failed")
			}
			return
		}
		var env Envelope
		if err := s.codec.Unmarshal(frame, &env); err != nil {
			s.logger.Error(err, "Dropping undecodable frame")
			continue
		}
		if !env.isRequest() {
			s.logger.V(logutil.DEBUG).Info("Dropping non-request frame", "id", env.ID, "fn", env.Fn)
			continue
		}
		s.wg.Add(1)
		go s.handle(ctx, conn, &env)
	}
}

func (s *Server) dropConn(conn *serverConn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	conn.cancel()
	_ = conn.sock.Close()
}

func (s *Server) handle(ctx context.Context, conn *serverConn, req *Envelope) {
	defer s.wg.Done()
	logger := s.logger.WithValues("id", req.ID, "fn", req.Fn)
	resp := &Envelope{ID: req.ID}

	if req.Fn == DestroyFn {
		s.mu.Lock()
		s.destroyed = true
		s.mu.Unlock()
		s.reply(ctx, logger, conn, resp)
		logger.V(logutil.DEFAULT).Info("Destroy requested, shutting down transport server")
		go func() { _ = s.Close() }()
		return
	}

	s.mu.Lock()
	destroyed := s.destroyed
	s.mu.Unlock()
	if destroyed {
		resp.Code, resp.Error = errutil.Cancelled, ErrServerDestroyed.Error()
		s.reply(ctx, logger, conn, resp)
		return
	}
	if req.Fn == PingFn {
		s.reply(ctx, logger, conn, resp)
		return
	}

	logger.V(logutil.TRACE).Info("Handling request")
	spanCtx, span := startServerSpan(ctx, req)
	result, err := s.dispatch(log.IntoContext(spanCtx, logger), req.Fn, NewArgs(s.codec, req.Args))
	endSpan(span, err)
	if err != nil {
		resp.Code, resp.Error = wireError(err)
		logger.V(logutil.DEBUG).Info("Request failed", "code", resp.Code, "error", resp.Error)
	} else if resp.Result, err = EncodeValue(s.codec, result); err != nil {
		resp.Result = nil
		resp.Code, resp.Error = errutil.Internal, fmt.Sprintf("encoding result: %v", err)
		logger.Error(err, "Encoding result failed")
	}
	s.reply(ctx, logger, conn, resp)
}

func (s *Server) dispatch(ctx context.Context, fn string, args Args) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errutil.New(errutil.Internal, "panic in %q: %v", fn, r)
		}
	}()
	return s.dispatcher.Dispatch(ctx, fn, args)
}

func (s *Server) reply(ctx context.Context, logger logr.Logger, conn *serverConn, resp *Envelope) {
	frame, err := s.codec.Marshal(resp)
	if err != nil {
		logger.Error(err, "Encoding response failed")
		return
	}
	if err := conn.sock.Send(ctx, frame); err != nil {
		// The requester is gone; nobody is left to receive the response.
		logger.V(logutil.DEBUG).Info("Dropping response", "error", err)
	}
}

// wireError maps a handler error to the code and message carried in a response.
func wireError(err error) (string, string) {
	if e, ok := err.(errutil.Error); ok {
		return e.Code, e.Msg
	}
	switch {
	case errors.Is(err, ErrBadArgument), errors.Is(err, ErrMissingArgument):
		return errutil.BadRequest, err.Error()
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return errutil.Cancelled, err.Error()
	}
	if code := errutil.CanonicalCode(err); code != errutil.Unknown {
		return code, err.Error()
	}
	return errutil.Remote, err.Error()
}
