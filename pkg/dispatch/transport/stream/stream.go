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

// Package stream carries socket frames over byte streams such as pipes, child-process stdio and network connections.
//
// Each frame is written as a 4 byte big-endian length followed by the frame itself.
package stream

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"syscall"

	"github.com/go-logr/logr"

	logutil "github.com/AztecProtocol/aztec-connect-sub017/pkg/common/observability/logging"
	"github.com/AztecProtocol/aztec-connect-sub017/pkg/dispatch/queue"
	"github.com/AztecProtocol/aztec-connect-sub017/pkg/dispatch/transport"
)

const (
	headerSize = 4

	// DefaultMaxFrameSize bounds a single frame. Larger length prefixes are treated as stream corruption.
	DefaultMaxFrameSize = 64 << 20
)

// ErrFrameTooLarge is returned when a frame exceeds the configured maximum size.
var ErrFrameTooLarge = errors.New("frame too large")

// Option configures a Socket.
type Option func(*Socket)

// WithMaxFrameSize overrides DefaultMaxFrameSize.
func WithMaxFrameSize(n int) Option {
	return func(s *Socket) { s.maxFrame = n }
}

// WithLogger sets the logger used by the socket's reader.
func WithLogger(logger logr.Logger) Option {
	return func(s *Socket) { s.logger = logger }
}

// Socket is a transport.Socket over a reader and a writer. A background goroutine reads frames as they arrive so that
// Recv can honour its context.
type Socket struct {
	r        io.ReadCloser
	w        io.WriteCloser
	maxFrame int
	logger   logr.Logger

	writeMu sync.Mutex
	inbox   *queue.Fifo[[]byte]

	closeOnce sync.Once
	closed    chan struct{}
	readDone  chan struct{}
	readErr   error
}

var _ transport.Socket = &Socket{}

// New returns a Socket reading frames from r and writing frames to w. Closing the socket closes both.
func New(r io.ReadCloser, w io.WriteCloser, opts ...Option) *Socket {
	s := &Socket{
		r:        r,
		w:        w,
		maxFrame: DefaultMaxFrameSize,
		logger:   logr.Discard(),
		inbox:    queue.NewFifo[[]byte](),
		closed:   make(chan struct{}),
		readDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.readLoop()
	return s
}

// FromConn returns a Socket over a single duplex stream such as a net.Conn.
func FromConn(conn io.ReadWriteCloser, opts ...Option) *Socket {
	return New(conn, nopCloseWriter{conn}, opts...)
}

// Stdio returns a Socket over the process's standard input and output. It is the worker end of a subprocess
// connection.
func Stdio(opts ...Option) *Socket {
	return New(os.Stdin, os.Stdout, opts...)
}

func (s *Socket) Send(ctx context.Context, frame []byte) error {
	if len(frame) > s.maxFrame {
		return fmt.Errorf("%w: %d bytes exceeds %d", ErrFrameTooLarge, len(frame), s.maxFrame)
	}
	select {
	case <-s.closed:
		return transport.ErrSocketClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	buf := make([]byte, headerSize+len(frame))
	binary.BigEndian.PutUint32(buf, uint32(len(frame)))
	copy(buf[headerSize:], frame)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.w.Write(buf); err != nil {
		select {
		case <-s.closed:
			return transport.ErrSocketClosed
		default:
		}
		if peerGone(err) {
			return fmt.Errorf("%w: %w", transport.ErrSocketClosed, err)
		}
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}

func (s *Socket) Recv(ctx context.Context) ([]byte, error) {
	frame, err := s.inbox.Get(ctx)
	if err != nil {
		if errors.Is(err, queue.ErrEndOfStream) || errors.Is(err, queue.ErrCancelled) {
			select {
			case <-s.closed:
				return nil, transport.ErrSocketClosed
			default:
			}
			if s.readErr != nil {
				return nil, fmt.Errorf("%w: %w", transport.ErrSocketClosed, s.readErr)
			}
			return nil, transport.ErrSocketClosed
		}
		return nil, err
	}
	return frame, nil
}

func (s *Socket) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		// Readers blocked in Read are not always woken by Close, so release Recv here.
		s.inbox.End()
		err = errors.Join(s.w.Close(), s.r.Close())
	})
	return err
}

// peerGone reports whether a write failed because the other end of the stream went away.
func peerGone(err error) bool {
	return errors.Is(err, syscall.EPIPE) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, os.ErrClosed)
}

func (s *Socket) readLoop() {
	header := make([]byte, headerSize)
	for {
		if _, err := io.ReadFull(s.r, header); err != nil {
			s.finish(err)
			return
		}
		n := binary.BigEndian.Uint32(header)
		if int64(n) > int64(s.maxFrame) {
			s.finish(fmt.Errorf("%w: peer announced %d bytes", ErrFrameTooLarge, n))
			return
		}
		frame := make([]byte, n)
		if _, err := io.ReadFull(s.r, frame); err != nil {
			s.finish(err)
			return
		}
		if err := s.inbox.Put(context.Background(), frame); err != nil {
			close(s.readDone)
			return
		}
	}
}

// finish records why reading stopped and ends the inbox so that buffered frames still drain.
func (s *Socket) finish(err error) {
	select {
	case <-s.closed:
		// Reads fail once we close the reader ourselves.
	default:
		if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, os.ErrClosed) {
			s.readErr = err
			s.logger.V(logutil.DEBUG).Info("Stream reader stopped", "error", err)
		}
	}
	s.inbox.End()
	close(s.readDone)
}

// Done is closed once the peer has stopped sending, either because its end closed or because the socket was closed.
func (s *Socket) Done() <-chan struct{} {
	return s.readDone
}

// nopCloseWriter lets a duplex stream be passed as both reader and writer without being closed twice.
type nopCloseWriter struct {
	io.Writer
}

func (nopCloseWriter) Close() error { return nil }
