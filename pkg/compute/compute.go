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

// Package compute provides the procedures served by compute workers. Their arguments and results are opaque byte
// strings as far as the dispatch layer is concerned.
package compute

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/group/edwards25519"
	"golang.org/x/crypto/sha3"
	"sigs.k8s.io/controller-runtime/pkg/log"

	logutil "github.com/AztecProtocol/aztec-connect-sub017/pkg/common/observability/logging"
	"github.com/AztecProtocol/aztec-connect-sub017/pkg/dispatch/proxy"
	"github.com/AztecProtocol/aztec-connect-sub017/pkg/dispatch/transport"
)

// Procedure descriptors, shared by workers and the code calling them.
var (
	Add            = proxy.NewMethod[int64]("add")
	Hash           = proxy.NewMethod[[]byte]("hash")
	ScalarMul      = proxy.NewMethod[[]byte]("scalarMul")
	MultiScalarMul = proxy.NewMethod[[]byte]("multiScalarMul")
	Fingerprint    = proxy.NewMethod[uint64]("fingerprint")
	Echo           = proxy.NewMethod[[]byte]("echo")
	Sleep          = proxy.NewMethod[int64]("sleep")
)

// ErrLengthMismatch is returned by multiScalarMul when points and scalars differ in count.
var ErrLengthMismatch = errors.New("points and scalars differ in length")

var suite = edwards25519.NewBlakeSHA256Ed25519()

// NewTable returns the procedure table served by compute workers.
func NewTable() *proxy.Table {
	return proxy.NewTable(map[string]proxy.Handler{
		Add.Name:            add,
		Hash.Name:           proxy.Func1(hash),
		ScalarMul.Name:      proxy.Func2(scalarMul),
		MultiScalarMul.Name: proxy.Func2(multiScalarMul),
		Fingerprint.Name:    proxy.Func1(fingerprint),
		Echo.Name:           proxy.Func1(echo),
		Sleep.Name:          proxy.Func1(sleep),
	})
}

// Methods returns the names served by NewTable.
func Methods() []string {
	return []string{Add.Name, Hash.Name, ScalarMul.Name, MultiScalarMul.Name, Fingerprint.Name, Echo.Name, Sleep.Name}
}

func add(_ context.Context, args transport.Args) (any, error) {
	var a, b int64
	if err := args.Decode(0, &a); err != nil {
		return nil, fmt.Errorf("TypeError: add operands must be integers: %w", err)
	}
	if err := args.Decode(1, &b); err != nil {
		return nil, fmt.Errorf("TypeError: add operands must be integers: %w", err)
	}
	return a + b, nil
}

func hash(ctx context.Context, data []byte) ([]byte, error) {
	log.FromContext(ctx).V(logutil.TRACE).Info("Hashing", "bytes", len(data))
	sum := sha3.Sum256(data)
	return sum[:], nil
}

func scalarMul(_ context.Context, point, scalar []byte) ([]byte, error) {
	p, err := unmarshalPoint(point)
	if err != nil {
		return nil, err
	}
	s, err := unmarshalScalar(scalar)
	if err != nil {
		return nil, err
	}
	return suite.Point().Mul(s, p).MarshalBinary()
}

func multiScalarMul(ctx context.Context, points, scalars [][]byte) ([]byte, error) {
	if len(points) != len(scalars) {
		return nil, fmt.Errorf("%w: %d points, %d scalars", ErrLengthMismatch, len(points), len(scalars))
	}
	acc := suite.Point().Null()
	for i := range points {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p, err := unmarshalPoint(points[i])
		if err != nil {
			return nil, fmt.Errorf("point %d: %w", i, err)
		}
		s, err := unmarshalScalar(scalars[i])
		if err != nil {
			return nil, fmt.Errorf("scalar %d: %w", i, err)
		}
		acc = acc.Add(acc, suite.Point().Mul(s, p))
	}
	return acc.MarshalBinary()
}

// fingerprint is a fast non-cryptographic digest, for deduplicating payloads.
func fingerprint(_ context.Context, data []byte) (uint64, error) {
	return xxhash.Sum64(data), nil
}

func echo(_ context.Context, data []byte) ([]byte, error) {
	return data, nil
}

// sleep waits for the given number of milliseconds and returns it. It stops early when the request's socket closes.
func sleep(ctx context.Context, ms int64) (int64, error) {
	t := time.NewTimer(time.Duration(ms) * time.Millisecond)
	defer t.Stop()
	select {
	case <-t.C:
		return ms, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func unmarshalPoint(b []byte) (kyber.Point, error) {
	p := suite.Point()
	if err := p.UnmarshalBinary(b); err != nil {
		return nil, fmt.Errorf("invalid point: %w", err)
	}
	return p, nil
}

func unmarshalScalar(b []byte) (kyber.Scalar, error) {
	s := suite.Scalar()
	if err := s.UnmarshalBinary(b); err != nil {
		return nil, fmt.Errorf("invalid scalar: %w", err)
	}
	return s, nil
}

// ScalarBytes encodes n as a scalar argument.
func ScalarBytes(n int64) []byte {
	b, _ := suite.Scalar().SetInt64(n).MarshalBinary()
	return b
}

// BasePoint returns the encoded group generator.
func BasePoint() []byte {
	b, _ := suite.Point().Base().MarshalBinary()
	return b
}
