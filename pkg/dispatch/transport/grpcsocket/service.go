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

// Package grpcsocket carries socket frames on a bidirectional gRPC stream, so that workers on other hosts can be
// reached through a gRPC server that may also host other services.
package grpcsocket

import (
	"bytes"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

const (
	// ServiceName is the fully qualified gRPC service name.
	ServiceName = "dispatch.transport.v1.Transport"
	// ConnectMethod is the full method name of the frame stream.
	ConnectMethod = "/" + ServiceName + "/Connect"

	// codecName is the content subtype frames are sent with. The codec passes frames through untouched; envelope
	// encoding happens above the socket.
	codecName = "dispatch-frame"
)

// TransportServer is implemented by Listener and registered under ServiceName.
type TransportServer interface {
	Connect(stream grpc.ServerStream) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*TransportServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Connect",
			Handler:       connectHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "dispatch/transport/v1/transport.proto",
}

func connectHandler(srv any, stream grpc.ServerStream) error {
	return srv.(TransportServer).Connect(stream)
}

// frame is the only message type exchanged on the stream.
type frame struct {
	data []byte
}

type frameCodec struct{}

func (frameCodec) Marshal(v any) ([]byte, error) {
	f, ok := v.(*frame)
	if !ok {
		return nil, fmt.Errorf("%s codec cannot marshal %T", codecName, v)
	}
	return f.data, nil
}

func (frameCodec) Unmarshal(data []byte, v any) error {
	f, ok := v.(*frame)
	if !ok {
		return fmt.Errorf("%s codec cannot unmarshal into %T", codecName, v)
	}
	// gRPC recycles the receive buffer once Unmarshal returns.
	f.data = bytes.Clone(data)
	return nil
}

func (frameCodec) Name() string {
	return codecName
}

func init() {
	encoding.RegisterCodec(frameCodec{})
}
