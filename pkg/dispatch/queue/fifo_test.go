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

package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logutil "github.com/AztecProtocol/aztec-connect-sub017/pkg/common/observability/logging"
)

func TestFifo(t *testing.T) {
	t.Parallel()

	t.Run("should deliver items in put order", func(t *testing.T) {
		t.Parallel()
		ctx := context.Background()
		q := NewFifo[int]()
		want := []int{3, 1, 4, 1, 5, 9, 2, 6}
		for _, v := range want {
			require.NoError(t, q.Put(ctx, v))
		}
		assert.Equal(t, len(want), q.Len(), "Len should report all buffered items")

		got := make([]int, 0, len(want))
		for range want {
			v, err := q.Get(ctx)
			require.NoError(t, err)
			got = append(got, v)
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("Unexpected delivery order (-want +got):\n%s", diff)
		}
	})

	t.Run("should hand an item directly to a waiting consumer", func(t *testing.T) {
		t.Parallel()
		q := NewFifo[string]()
		result := make(chan string, 1)
		go func() {
			v, err := q.Get(context.Background())
			if err == nil {
				result <- v
			}
		}()

		require.Eventually(t, func() bool { return q.waiting() == 1 }, time.Second, time.Millisecond,
			"consumer should park in Get")
		require.NoError(t, q.Put(context.Background(), "hello"))

		select {
		case v := <-result:
			assert.Equal(t, "hello", v)
		case <-time.After(time.Second):
			t.Fatal("waiting consumer was not woken by Put")
		}
		assert.Zero(t, q.Len(), "handed-off item must not also be buffered")
		assert.Zero(t, q.waiting(), "served consumer must be removed from the waiter list")
	})

	t.Run("should preserve FIFO order across concurrent producers and consumers", func(t *testing.T) {
		t.Parallel()
		ctx := context.Background()
		q := NewFifo[int]()
		const n = 200

		var got []int
		var mu sync.Mutex
		done := make(chan struct{})
		go func() {
			defer close(done)
			for range n {
				v, err := q.Get(ctx)
				if err != nil {
					return
				}
				mu.Lock()
				got = append(got, v)
				mu.Unlock()
			}
		}()
		for i := range n {
			require.NoError(t, q.Put(ctx, i))
		}
		<-done

		require.Len(t, got, n)
		for i, v := range got {
			require.Equal(t, i, v, "item at position %d out of order", i)
		}
	})

	t.Run("should wake all waiters with ErrCancelled and discard items on Cancel", func(t *testing.T) {
		t.Parallel()
		q := NewFifo[int]()
		errs := make(chan error, 3)
		for range 3 {
			go func() {
				_, err := q.Get(context.Background())
				errs <- err
			}()
		}
		require.Eventually(t, func() bool { return q.waiting() == 3 }, time.Second, time.Millisecond)

		assert.Empty(t, q.Cancel(), "no items were buffered while consumers were waiting")
		for range 3 {
			assert.ErrorIs(t, <-errs, ErrCancelled)
		}

		assert.ErrorIs(t, q.Put(context.Background(), 1), ErrCancelled, "Put after Cancel should fail")
		_, err := q.Get(context.Background())
		assert.ErrorIs(t, err, ErrCancelled, "Get after Cancel should fail")
	})

	t.Run("should return buffered items from Cancel", func(t *testing.T) {
		t.Parallel()
		q := NewFifo[int]()
		for i := range 3 {
			require.NoError(t, q.Put(context.Background(), i))
		}
		assert.Equal(t, []int{0, 1, 2}, q.Cancel())
		assert.Zero(t, q.Len())
		assert.Nil(t, q.Cancel(), "a second Cancel should be a no-op")
	})

	t.Run("should drain buffered items before signalling end of stream", func(t *testing.T) {
		t.Parallel()
		ctx := context.Background()
		q := NewFifo[int]()
		require.NoError(t, q.Put(ctx, 1))
		require.NoError(t, q.Put(ctx, 2))
		q.End()

		assert.ErrorIs(t, q.Put(ctx, 3), ErrEnded)
		v, err := q.Get(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, v)
		v, err = q.Get(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, v)
		_, err = q.Get(ctx)
		assert.ErrorIs(t, err, ErrEndOfStream)
	})

	t.Run("should release waiters on End", func(t *testing.T) {
		t.Parallel()
		q := NewFifo[int]()
		errCh := make(chan error, 1)
		go func() {
			_, err := q.Get(context.Background())
			errCh <- err
		}()
		require.Eventually(t, func() bool { return q.waiting() == 1 }, time.Second, time.Millisecond)
		q.End()
		assert.ErrorIs(t, <-errCh, ErrEndOfStream)
	})

	t.Run("should time out Get", func(t *testing.T) {
		t.Parallel()
		q := NewFifo[int]()
		_, err := q.GetTimeout(10 * time.Millisecond)
		assert.ErrorIs(t, err, ErrTimeout)
		assert.Zero(t, q.waiting(), "timed out waiter must be removed")
	})

	t.Run("should abandon Get when context is cancelled", func(t *testing.T) {
		t.Parallel()
		q := NewFifo[int]()
		ctx, cancel := context.WithCancel(context.Background())
		errCh := make(chan error, 1)
		go func() {
			_, err := q.Get(ctx)
			errCh <- err
		}()
		require.Eventually(t, func() bool { return q.waiting() == 1 }, time.Second, time.Millisecond)
		cancel()
		assert.ErrorIs(t, <-errCh, context.Canceled)

		// The item must go to the next consumer, not to the abandoned one.
		require.NoError(t, q.Put(context.Background(), 7))
		assert.Equal(t, 1, q.Len())
	})
}

func TestFifo_MaxLength(t *testing.T) {
	t.Parallel()

	t.Run("should block Put until a slot frees", func(t *testing.T) {
		t.Parallel()
		ctx := context.Background()
		q := NewFifo[int](WithMaxLength(1))
		require.NoError(t, q.Put(ctx, 1))

		putDone := make(chan error, 1)
		go func() { putDone <- q.Put(ctx, 2) }()

		select {
		case <-putDone:
			t.Fatal("Put should block while the queue is full")
		case <-time.After(20 * time.Millisecond):
		}

		v, err := q.Get(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, v)
		require.NoError(t, <-putDone)

		v, err = q.Get(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, v, "blocked producer's item should be admitted after the freed slot")
	})

	t.Run("should fail a blocked Put on Cancel", func(t *testing.T) {
		t.Parallel()
		q := NewFifo[int](WithMaxLength(1))
		require.NoError(t, q.Put(context.Background(), 1))
		putDone := make(chan error, 1)
		go func() { putDone <- q.Put(context.Background(), 2) }()
		time.Sleep(10 * time.Millisecond)

		q.Cancel()
		assert.ErrorIs(t, <-putDone, ErrCancelled)
	})

	t.Run("should abandon a blocked Put when its context is done", func(t *testing.T) {
		t.Parallel()
		q := NewFifo[int](WithMaxLength(1))
		require.NoError(t, q.Put(context.Background(), 1))
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		assert.ErrorIs(t, q.Put(ctx, 2), context.DeadlineExceeded)
		assert.Equal(t, 1, q.Len(), "abandoned item must not be admitted")
	})
}

func TestFifo_Process(t *testing.T) {
	t.Parallel()

	t.Run("should process items sequentially and stop after draining on End", func(t *testing.T) {
		t.Parallel()
		ctx := logutil.NewTestLoggerIntoContext(context.Background())
		q := NewFifo[int](WithLogger(logutil.NewTestLogger()))

		var active, maxActive atomic.Int32
		var got []int
		handler := func(_ context.Context, v int) error {
			n := active.Add(1)
			defer active.Add(-1)
			for {
				m := maxActive.Load()
				if n <= m || maxActive.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			got = append(got, v)
			if v == 2 {
				return errors.New("handler failure should not stop processing")
			}
			return nil
		}

		for i := range 5 {
			require.NoError(t, q.Put(ctx, i))
		}
		q.End()

		require.NoError(t, q.Process(ctx, handler))
		assert.Equal(t, []int{0, 1, 2, 3, 4}, got)
		assert.Equal(t, int32(1), maxActive.Load(), "handler invocations must never overlap")
	})

	t.Run("should not interrupt the in-flight handler on Cancel", func(t *testing.T) {
		t.Parallel()
		ctx := context.Background()
		q := NewFifo[int]()
		started := make(chan struct{})
		release := make(chan struct{})
		var completed []int

		require.NoError(t, q.Put(ctx, 1))
		require.NoError(t, q.Put(ctx, 2))

		processDone := make(chan error, 1)
		go func() {
			processDone <- q.Process(ctx, func(_ context.Context, v int) error {
				if v == 1 {
					close(started)
					<-release
				}
				completed = append(completed, v)
				return nil
			})
		}()

		<-started
		assert.Equal(t, []int{2}, q.Cancel(), "the unstarted item should be discarded")
		close(release)

		require.NoError(t, <-processDone)
		assert.Equal(t, []int{1}, completed, "only the in-flight item should complete")
	})

	t.Run("should return the context error when the context is done", func(t *testing.T) {
		t.Parallel()
		q := NewFifo[int]()
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := q.Process(ctx, func(context.Context, int) error { return nil })
		assert.ErrorIs(t, err, context.Canceled)
	})
}
