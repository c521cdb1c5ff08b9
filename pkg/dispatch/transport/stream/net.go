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

package stream

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/go-logr/logr"

	"github.com/AztecProtocol/aztec-connect-sub017/pkg/dispatch/queue"
	"github.com/AztecProtocol/aztec-connect-sub017/pkg/dispatch/transport"
)

// Listener adapts a net.Listener to transport.Listener. Connections are accepted eagerly in the background so that
// Accept can honour its context.
type Listener struct {
	ln      net.Listener
	opts    []Option
	logger  logr.Logger
	backlog *queue.Fifo[transport.Socket]
}

var _ transport.Listener = &Listener{}

// Listen announces on the local network address and returns a Listener.
func Listen(network, address string, logger logr.Logger, opts ...Option) (*Listener, error) {
	ln, err := net.Listen(network, address)
	if err != nil {
		return nil, fmt.Errorf("listening on %s %s: %w", network, address, err)
	}
	return NewListener(ln, logger, opts...), nil
}

// NewListener wraps ln. Every accepted connection becomes a Socket built with opts.
func NewListener(ln net.Listener, logger logr.Logger, opts ...Option) *Listener {
	l := &Listener{
		ln:      ln,
		opts:    opts,
		logger:  logger,
		backlog: queue.NewFifo[transport.Socket](),
	}
	go l.acceptLoop()
	return l
}

// Addr returns the listener's network address.
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

func (l *Listener) Accept(ctx context.Context) (transport.Socket, error) {
	sock, err := l.backlog.Get(ctx)
	if err != nil {
		if errors.Is(err, queue.ErrEndOfStream) || errors.Is(err, queue.ErrCancelled) {
			return nil, transport.ErrListenerClosed
		}
		return nil, err
	}
	return sock, nil
}

func (l *Listener) Close() error {
	err := l.ln.Close()
	for _, sock := range l.backlog.Cancel() {
		_ = sock.Close()
	}
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (l *Listener) acceptLoop() {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				l.logger.Error(err, "Stream listener accept failed")
			}
			l.backlog.End()
			return
		}
		sock := FromConn(conn, l.opts...)
		if err := l.backlog.Put(context.Background(), sock); err != nil {
			_ = sock.Close()
			return
		}
	}
}

// Dialer is a transport.Connector dialing a network address.
type Dialer struct {
	Network string
	Address string
	Options []Option

	dialer net.Dialer
}

var _ transport.Connector = &Dialer{}

func (d *Dialer) Connect(ctx context.Context) (transport.Socket, error) {
	conn, err := d.dialer.DialContext(ctx, d.Network, d.Address)
	if err != nil {
		return nil, fmt.Errorf("dialing %s %s: %w", d.Network, d.Address, err)
	}
	return FromConn(conn, d.Options...), nil
}
