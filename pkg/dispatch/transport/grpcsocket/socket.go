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

package grpcsocket

import (
	"context"
	"errors"
	"io"
	"sync"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/AztecProtocol/aztec-connect-sub017/pkg/dispatch/queue"
	"github.com/AztecProtocol/aztec-connect-sub017/pkg/dispatch/transport"
)

// msgStream is the part of grpc.ServerStream and grpc.ClientStream a socket needs.
type msgStream interface {
	SendMsg(m any) error
	RecvMsg(m any) error
}

// socket is a transport.Socket over one end of the Connect stream.
type socket struct {
	stream  msgStream
	onClose func()

	sendMu    sync.Mutex
	inbox     *queue.Fifo[[]byte]
	closeOnce sync.Once
	closed    chan struct{}
}

var _ transport.Socket = &socket{}

func newSocket(stream msgStream, onClose func()) *socket {
	s := &socket{
		stream:  stream,
		onClose: onClose,
		inbox:   queue.NewFifo[[]byte](),
		closed:  make(chan struct{}),
	}
	go s.readLoop()
	return s
}

func (s *socket) Send(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	select {
	case <-s.closed:
		return transport.ErrSocketClosed
	default:
	}
	if err := s.stream.SendMsg(&frame{data: data}); err != nil {
		if errors.Is(err, io.EOF) || status.Code(err) == codes.Canceled || status.Code(err) == codes.Unavailable {
			return transport.ErrSocketClosed
		}
		return err
	}
	return nil
}

func (s *socket) Recv(ctx context.Context) ([]byte, error) {
	data, err := s.inbox.Get(ctx)
	if err != nil {
		if errors.Is(err, queue.ErrEndOfStream) || errors.Is(err, queue.ErrCancelled) {
			return nil, transport.ErrSocketClosed
		}
		return nil, err
	}
	return data, nil
}

func (s *socket) Close() error {
	s.closeOnce.Do(func() {
		// Holding sendMu guarantees no SendMsg is in progress once the stream is released.
		s.sendMu.Lock()
		close(s.closed)
		s.sendMu.Unlock()
		if s.onClose != nil {
			s.onClose()
		}
		s.inbox.End()
	})
	return nil
}

func (s *socket) readLoop() {
	for {
		var f frame
		if err := s.stream.RecvMsg(&f); err != nil {
			s.inbox.End()
			return
		}
		if err := s.inbox.Put(context.Background(), f.data); err != nil {
			return
		}
	}
}
