// SPDX-License-Identifier: MIT

package pubsub

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ManuGH/flaregql/internal/metrics"
)

func getCounterValue(t *testing.T, counter prometheus.Counter) float64 {
	t.Helper()
	metric := &dto.Metric{}
	require.NoError(t, counter.Write(metric))
	return metric.GetCounter().GetValue()
}

func pull(t *testing.T, s *Subscription) (any, bool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	v, ok, err := s.Next(ctx)
	require.NoError(t, err)
	return v, ok
}

func TestBusDeliversInPublishOrderToEverySubscriber(t *testing.T) {
	b := New()
	subs := make([]*Subscription, 3)
	for i := range subs {
		subs[i] = b.Subscribe(context.Background(), "UPVOTE", Options{})
		t.Cleanup(func() { _ = subs[i].Close() })
	}

	for i := 0; i < 50; i++ {
		b.Emit("UPVOTE", i)
	}

	for _, s := range subs {
		for want := 0; want < 50; want++ {
			v, ok := pull(t, s)
			require.True(t, ok)
			require.Equal(t, want, v)
		}
	}
}

func TestBusLateSubscriberMissesEarlierEvents(t *testing.T) {
	b := New()
	early := b.Subscribe(context.Background(), "t", Options{})
	defer early.Close()

	b.Emit("t", "before")
	late := b.Subscribe(context.Background(), "t", Options{})
	defer late.Close()
	b.Emit("t", "after")

	v, _ := pull(t, early)
	require.Equal(t, "before", v)
	v, _ = pull(t, early)
	require.Equal(t, "after", v)

	v, _ = pull(t, late)
	require.Equal(t, "after", v)
	require.Equal(t, 0, late.Pending())
}

func TestBusTopicsAreIndependent(t *testing.T) {
	b := New()
	a := b.Subscribe(context.Background(), "a", Options{})
	defer a.Close()

	b.Emit("b", "other")
	b.Emit("a", "mine")

	v, _ := pull(t, a)
	require.Equal(t, "mine", v)
}

func TestSubscriptionInitialValueIsResolved(t *testing.T) {
	b := New()
	calls := 0
	s := b.Subscribe(context.Background(), "test", Options{
		InitialValue: func() any { calls++; return "initial" },
		Resolve: func(_ context.Context, v any) (any, error) {
			return map[string]any{"subscribeValue": v}, nil
		},
	})
	defer s.Close()
	require.Equal(t, 0, calls, "initial value must be computed lazily")

	v, ok := pull(t, s)
	require.True(t, ok)
	require.Equal(t, map[string]any{"subscribeValue": "initial"}, v)

	b.Emit("test", "test")
	v, ok = pull(t, s)
	require.True(t, ok)
	require.Equal(t, map[string]any{"subscribeValue": "test"}, v)
	require.Equal(t, 1, calls)
}

func TestStopEndsSubscription(t *testing.T) {
	b := New()
	s := b.Subscribe(context.Background(), "test", Options{
		InitialValue: func() any { return "initial" },
	})

	_, ok := pull(t, s)
	require.True(t, ok)

	b.Publish("test", Stop())

	v, ok := pull(t, s)
	require.False(t, ok)
	require.Nil(t, v)
	require.Equal(t, 0, b.Subscribers("test"))

	// Further pulls stay finished.
	_, ok = pull(t, s)
	require.False(t, ok)
}

func TestStopDrainsQueuedValuesFirst(t *testing.T) {
	b := New()
	s := b.Subscribe(context.Background(), "t", Options{})

	b.Emit("t", 1)
	b.Emit("t", 2)
	b.Publish("t", Stop())
	b.Emit("t", 3)

	v, ok := pull(t, s)
	require.True(t, ok)
	require.Equal(t, 1, v)
	v, ok = pull(t, s)
	require.True(t, ok)
	require.Equal(t, 2, v)
	_, ok = pull(t, s)
	require.False(t, ok)
}

func TestStopEndsEverySubscriptionOnTopic(t *testing.T) {
	b := New()
	s1 := b.Subscribe(context.Background(), "t", Options{})
	s2 := b.Subscribe(context.Background(), "t", Options{})
	other := b.Subscribe(context.Background(), "u", Options{})
	defer other.Close()

	b.Publish("t", Stop())

	_, ok := pull(t, s1)
	require.False(t, ok)
	_, ok = pull(t, s2)
	require.False(t, ok)
	require.Equal(t, 1, b.Subscribers("u"))
}

func TestStopWrappedAsDataIsDelivered(t *testing.T) {
	b := New()
	s := b.Subscribe(context.Background(), "t", Options{})
	defer s.Close()

	b.Emit("t", Stop())

	v, ok := pull(t, s)
	require.True(t, ok)
	ev, isEvent := v.(Event)
	require.True(t, isEvent)
	require.True(t, ev.IsStop())
	require.Equal(t, 1, b.Subscribers("t"))
}

func TestStopWithoutSubscribersIsNoop(t *testing.T) {
	b := New()
	before := getCounterValue(t, metrics.BusDroppedTotal.WithLabelValues("nobody"))

	b.Publish("nobody", Stop())
	b.Emit("nobody", "lost")

	after := getCounterValue(t, metrics.BusDroppedTotal.WithLabelValues("nobody"))
	require.Equal(t, before+2, after)
	require.Equal(t, 0, b.Subscribers("nobody"))
}

func TestResolveErrorPropagatesFromNext(t *testing.T) {
	b := New()
	boom := errors.New("resolver exploded")
	s := b.Subscribe(context.Background(), "t", Options{
		Resolve: func(_ context.Context, v any) (any, error) {
			if v == "bad" {
				return nil, boom
			}
			return v, nil
		},
	})

	b.Emit("t", "bad")
	b.Emit("t", "good")

	_, ok, err := s.Next(context.Background())
	require.ErrorIs(t, err, boom)
	require.False(t, ok)
	require.Equal(t, 0, b.Subscribers("t"))

	_, ok, err = s.Next(context.Background())
	require.NoError(t, err)
	require.False(t, ok)
}

func TestContextCancelReleasesRegistration(t *testing.T) {
	b := New()
	ctx, cancel := context.WithCancel(context.Background())
	s := b.Subscribe(ctx, "t", Options{})
	require.Equal(t, 1, b.Subscribers("t"))

	cancel()

	require.Eventually(t, func() bool { return b.Subscribers("t") == 0 }, time.Second, 5*time.Millisecond)
	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("subscription not closed after context cancellation")
	}
}

func TestNextContextCancelKeepsSubscription(t *testing.T) {
	b := New()
	s := b.Subscribe(context.Background(), "t", Options{})
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, ok, err := s.Next(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.False(t, ok)

	b.Emit("t", "still here")
	v, ok := pull(t, s)
	require.True(t, ok)
	require.Equal(t, "still here", v)
}

func TestPublishNeverBlocksOnSlowConsumer(t *testing.T) {
	b := New()
	s := b.Subscribe(context.Background(), "t", Options{})
	defer s.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10000; i++ {
			b.Emit("t", i)
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a consumer that is not pulling")
	}
	require.Equal(t, 10000, s.Pending())
}

func TestNextWaitsForPublish(t *testing.T) {
	b := New()
	s := b.Subscribe(context.Background(), "t", Options{})
	defer s.Close()

	got := make(chan any, 1)
	go func() {
		v, _, _ := s.Next(context.Background())
		got <- v
	}()

	time.Sleep(20 * time.Millisecond)
	b.Emit("t", "wake")

	select {
	case v := <-got:
		require.Equal(t, "wake", v)
	case <-time.After(time.Second):
		t.Fatal("Next did not wake up")
	}
}

func TestCloseUnblocksPendingNext(t *testing.T) {
	b := New()
	s := b.Subscribe(context.Background(), "t", Options{})

	result := make(chan bool, 1)
	go func() {
		_, ok, _ := s.Next(context.Background())
		result <- ok
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	select {
	case ok := <-result:
		require.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("Close did not unblock Next")
	}
	require.Equal(t, 0, b.Subscribers("t"))
}

func TestConcurrentPublishAndSubscribe(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	b := New()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				b.Emit("shared", j)
			}
		}()
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithCancel(context.Background())
			s := b.Subscribe(ctx, "shared", Options{})
			for j := 0; j < 20; j++ {
				b.Emit("shared", j)
			}
			for j := 0; j < 20; j++ {
				if _, ok, err := s.Next(ctx); err != nil || !ok {
					break
				}
			}
			cancel()
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool { return b.Subscribers("shared") == 0 }, time.Second, 5*time.Millisecond)
}
