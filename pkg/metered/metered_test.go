package metered

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func newGauge(t *testing.T) prometheus.Gauge {
	t.Helper()
	return prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "test_queue_size",
		Help: "Current number of items in test channel",
	})
}

func gaugeValue(g prometheus.Gauge) int {
	return int(testutil.ToFloat64(g))
}

func TestNew_InvalidCapacity(t *testing.T) {
	for _, capacity := range []int{0, -1} {
		t.Run(fmt.Sprint(capacity), func(t *testing.T) {
			g := newGauge(t)

			tx, rx, err := New[int](capacity, g)

			require.ErrorIs(t, err, ErrInvalidCapacity)
			assert.Nil(t, tx)
			assert.Nil(t, rx)
			assert.Equal(t, 0, gaugeValue(g))
		})
	}
}

func TestNew_NilGauge(t *testing.T) {
	_, _, err := New[int](1, nil)
	require.ErrorIs(t, err, ErrNilGauge)
}

func TestBasicSendRecv(t *testing.T) {
	g := newGauge(t)
	tx, rx, err := New[int](2, g)
	require.NoError(t, err)

	require.NoError(t, tx.Send(context.Background(), 1))
	assert.Equal(t, 1, gaugeValue(g))

	v, err := rx.Recv(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, v)
	assert.Equal(t, 0, gaugeValue(g))
}

func TestTrySend_FullThenDrained(t *testing.T) {
	g := newGauge(t)
	tx, rx, err := New[string](1, g)
	require.NoError(t, err)

	require.NoError(t, tx.Send(context.Background(), "A"))
	assert.Equal(t, 1, gaugeValue(g))

	err = tx.TrySend("B")
	require.ErrorIs(t, err, ErrFull)
	var sendErr *SendError[string]
	require.ErrorAs(t, err, &sendErr)
	assert.Equal(t, "B", sendErr.Value)
	assert.Equal(t, 1, gaugeValue(g))

	v, err := rx.Recv(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "A", v)
	assert.Equal(t, 0, gaugeValue(g))

	require.NoError(t, tx.TrySend("B"))
	assert.Equal(t, 1, gaugeValue(g))
}

func TestTrySend_ReceiverDropped(t *testing.T) {
	g := newGauge(t)
	tx, rx, err := New[string](5, g)
	require.NoError(t, err)

	rx.Close()

	err = tx.TrySend("X")
	require.ErrorIs(t, err, ErrClosed)
	var sendErr *SendError[string]
	require.ErrorAs(t, err, &sendErr)
	assert.Equal(t, "X", sendErr.Value)
	assert.Equal(t, 0, gaugeValue(g))
	assert.True(t, tx.IsClosed())

	// every later send, including from a fresh clone, keeps failing
	clone := tx.Clone()
	require.ErrorIs(t, clone.Send(context.Background(), "Y"), ErrClosed)
	require.ErrorIs(t, clone.TrySend("Z"), ErrClosed)
	assert.Equal(t, 0, gaugeValue(g))
}

func TestClonedSenders_DrainThenDisconnect(t *testing.T) {
	g := newGauge(t)
	tx1, rx, err := New[string](2, g)
	require.NoError(t, err)
	tx2 := tx1.Clone()

	var eg errgroup.Group
	eg.Go(func() error { return tx1.Send(context.Background(), "from-1") })
	eg.Go(func() error { return tx2.Send(context.Background(), "from-2") })
	require.NoError(t, eg.Wait())
	assert.Equal(t, 2, gaugeValue(g))

	tx1.Close()
	tx2.Close()

	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		v, err := rx.Recv(context.Background())
		require.NoError(t, err)
		got[v] = true
	}
	assert.Equal(t, map[string]bool{"from-1": true, "from-2": true}, got)
	assert.Equal(t, 0, gaugeValue(g))

	for i := 0; i < 3; i++ {
		_, err := rx.Recv(context.Background())
		require.ErrorIs(t, err, ErrDisconnected)
	}
	_, err = rx.TryRecv()
	require.ErrorIs(t, err, ErrDisconnected)
	assert.Equal(t, 0, gaugeValue(g))
}

func TestSend_BackpressureUntilReceive(t *testing.T) {
	g := newGauge(t)
	tx, rx, err := New[int](1, g)
	require.NoError(t, err)

	require.NoError(t, tx.Send(context.Background(), 1))

	done := make(chan error, 1)
	go func() {
		done <- tx.Send(context.Background(), 2)
	}()

	assert.Never(t, func() bool { return len(done) > 0 }, 50*time.Millisecond, 5*time.Millisecond)
	assert.Equal(t, 1, gaugeValue(g))

	v, err := rx.Recv(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	require.NoError(t, <-done)
	assert.Equal(t, 1, gaugeValue(g))
	assert.Equal(t, 1, rx.Len())
}

func TestSend_BackpressureMultiSenders(t *testing.T) {
	g := newGauge(t)
	tx1, rx, err := New[int](1, g)
	require.NoError(t, err)
	tx2 := tx1.Clone()

	require.NoError(t, tx1.Send(context.Background(), 1))

	done := make(chan error, 1)
	go func() {
		done <- tx2.Send(context.Background(), 2)
	}()
	assert.Never(t, func() bool { return len(done) > 0 }, 50*time.Millisecond, 5*time.Millisecond)

	v, err := rx.Recv(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, v)
	require.NoError(t, <-done)

	v, err = rx.Recv(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, v)
	assert.Equal(t, 0, gaugeValue(g))
}

func TestSend_CancelledWhileBlocked(t *testing.T) {
	g := newGauge(t)
	tx, rx, err := New[int](1, g)
	require.NoError(t, err)
	require.NoError(t, tx.Send(context.Background(), 1))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- tx.Send(ctx, 2)
	}()
	assert.Never(t, func() bool { return len(done) > 0 }, 30*time.Millisecond, 5*time.Millisecond)
	cancel()

	err = <-done
	require.ErrorIs(t, err, context.Canceled)
	var sendErr *SendError[int]
	require.ErrorAs(t, err, &sendErr)
	assert.Equal(t, 2, sendErr.Value)
	assert.Equal(t, 1, gaugeValue(g))

	v, err := rx.Recv(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	_, err = rx.TryRecv()
	require.ErrorIs(t, err, ErrEmpty)
	assert.Equal(t, 0, gaugeValue(g))

	// the abandoned send holds no slot
	require.NoError(t, tx.TrySend(3))
}

func TestSend_DeadlineWhileBlocked(t *testing.T) {
	g := newGauge(t)
	tx, _, err := New[int](1, g)
	require.NoError(t, err)
	require.NoError(t, tx.TrySend(1))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err = tx.Send(ctx, 2)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, gaugeValue(g))
}

func TestSend_ReceiverCloseWakesBlockedSender(t *testing.T) {
	g := newGauge(t)
	tx, rx, err := New[int](1, g)
	require.NoError(t, err)
	require.NoError(t, tx.Send(context.Background(), 1))

	done := make(chan error, 1)
	go func() {
		done <- tx.Send(context.Background(), 2)
	}()
	assert.Never(t, func() bool { return len(done) > 0 }, 30*time.Millisecond, 5*time.Millisecond)

	rx.Close()

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("blocked sender did not observe receiver close")
	}
	assert.Equal(t, 1, gaugeValue(g))
}

func TestSend_ClosedHandle(t *testing.T) {
	g := newGauge(t)
	tx, rx, err := New[int](4, g)
	require.NoError(t, err)
	other := tx.Clone()

	tx.Close()
	tx.Close()

	require.ErrorIs(t, tx.Send(context.Background(), 1), ErrClosed)
	require.ErrorIs(t, tx.TrySend(1), ErrClosed)
	_, err = tx.Reserve(context.Background())
	require.ErrorIs(t, err, ErrClosed)

	closedClone := tx.Clone()
	require.ErrorIs(t, closedClone.TrySend(1), ErrClosed)
	closedClone.Close()

	// the other handle keeps the channel open
	require.NoError(t, other.TrySend(7))
	v, err := rx.TryRecv()
	require.NoError(t, err)
	assert.Equal(t, 7, v)
	assert.Equal(t, 0, gaugeValue(g))

	other.Close()
	_, err = rx.Recv(context.Background())
	require.ErrorIs(t, err, ErrDisconnected)
}

func TestRecv_FIFO(t *testing.T) {
	g := newGauge(t)
	tx, rx, err := New[int](16, g)
	require.NoError(t, err)

	for i := 0; i < 16; i++ {
		require.NoError(t, tx.TrySend(i))
	}
	tx.Close()

	for i := 0; i < 16; i++ {
		v, err := rx.Recv(context.Background())
		require.NoError(t, err)
		assert.Equal(t, i, v)
	}
	_, err = rx.Recv(context.Background())
	require.ErrorIs(t, err, ErrDisconnected)
}

func TestRecv_CancelledWhileEmpty(t *testing.T) {
	g := newGauge(t)
	tx, rx, err := New[int](1, g)
	require.NoError(t, err)
	defer tx.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = rx.Recv(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, gaugeValue(g))

	// nothing was consumed by the abandoned receive
	require.NoError(t, tx.TrySend(5))
	v, err := rx.Recv(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, v)
}

func TestRecv_WakesOnSend(t *testing.T) {
	g := newGauge(t)
	tx, rx, err := New[int](1, g)
	require.NoError(t, err)

	got := make(chan int, 1)
	go func() {
		v, err := rx.Recv(context.Background())
		if err == nil {
			got <- v
		}
	}()

	require.NoError(t, tx.Send(context.Background(), 9))
	select {
	case v := <-got:
		assert.Equal(t, 9, v)
	case <-time.After(time.Second):
		t.Fatal("receiver did not wake")
	}
	assert.Eventually(t, func() bool { return gaugeValue(g) == 0 }, time.Second, time.Millisecond)
}

func TestTryRecv(t *testing.T) {
	g := newGauge(t)
	tx, rx, err := New[int](2, g)
	require.NoError(t, err)

	_, err = rx.TryRecv()
	require.ErrorIs(t, err, ErrEmpty)

	require.NoError(t, tx.TrySend(1))
	v, err := rx.TryRecv()
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	tx.Close()
	_, err = rx.TryRecv()
	require.ErrorIs(t, err, ErrDisconnected)
	assert.Equal(t, 0, gaugeValue(g))
}

func TestReceiverClose_DrainsBuffered(t *testing.T) {
	g := newGauge(t)
	tx, rx, err := New[int](4, g)
	require.NoError(t, err)

	require.NoError(t, tx.Send(context.Background(), 42))
	require.NoError(t, tx.Send(context.Background(), 43))

	rx.Close()
	assert.True(t, tx.IsClosed())
	require.Error(t, tx.Send(context.Background(), 1))
	assert.Equal(t, 2, gaugeValue(g))

	v, err := rx.Recv(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	v, err = rx.TryRecv()
	require.NoError(t, err)
	assert.Equal(t, 43, v)

	_, err = rx.Recv(context.Background())
	require.ErrorIs(t, err, ErrDisconnected)
	assert.Equal(t, 0, gaugeValue(g))
}

func TestAll(t *testing.T) {
	g := newGauge(t)
	tx, rx, err := New[int](3, g)
	require.NoError(t, err)

	go func() {
		defer tx.Close()
		for i := 1; i <= 10; i++ {
			if err := tx.Send(context.Background(), i); err != nil {
				return
			}
		}
	}()

	var got []int
	for v := range rx.All(context.Background()) {
		got = append(got, v)
	}
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, got)
	assert.Equal(t, 0, gaugeValue(g))
}

func TestAll_StopsEarly(t *testing.T) {
	g := newGauge(t)
	tx, rx, err := New[int](3, g)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, tx.TrySend(i))
	}

	for v := range rx.All(context.Background()) {
		if v == 1 {
			break
		}
	}
	assert.Equal(t, 1, gaugeValue(g))
	assert.Equal(t, 1, rx.Len())
}

func TestConcurrentProducers_MetricMatchesOccupancy(t *testing.T) {
	const (
		capacity  = 4
		producers = 8
		perSender = 250
	)
	g := newGauge(t)
	total := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_total_messages"})
	tx, rx, err := New[int](capacity, g, WithTotal(total))
	require.NoError(t, err)

	var eg errgroup.Group
	for p := 0; p < producers; p++ {
		s := tx.Clone()
		eg.Go(func() error {
			defer s.Close()
			for i := 0; i < perSender; i++ {
				if err := s.Send(context.Background(), p*perSender+i); err != nil {
					return err
				}
			}
			return nil
		})
	}
	tx.Close()

	var (
		mu       sync.Mutex
		overflow bool
		received int
	)
	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		for {
			if gaugeValue(g) > capacity {
				mu.Lock()
				overflow = true
				mu.Unlock()
			}
			if _, err := rx.Recv(context.Background()); err != nil {
				return
			}
			received++
		}
	}()

	require.NoError(t, eg.Wait())
	<-consumerDone

	mu.Lock()
	defer mu.Unlock()
	assert.False(t, overflow)
	assert.Equal(t, producers*perSender, received)
	assert.Equal(t, 0, gaugeValue(g))
	assert.Equal(t, float64(producers*perSender), testutil.ToFloat64(total))

	st := rx.Stats()
	assert.Equal(t, uint64(producers*perSender), st.Sent)
	assert.Equal(t, st.Sent, st.Received)
	assert.Equal(t, StateClosed, st.State)
}

func TestQuiescentPoints_GaugeEqualsSentMinusReceived(t *testing.T) {
	g := newGauge(t)
	tx, rx, err := New[int](8, g)
	require.NoError(t, err)

	ops := []struct {
		send bool
		n    int
	}{
		{true, 5}, {false, 2}, {true, 3}, {false, 6}, {true, 1},
	}
	for _, op := range ops {
		for i := 0; i < op.n; i++ {
			if op.send {
				require.NoError(t, tx.TrySend(i))
			} else {
				_, err := rx.TryRecv()
				require.NoError(t, err)
			}
		}
		st := rx.Stats()
		assert.Equal(t, int(st.Sent-st.Received), gaugeValue(g))
		assert.Equal(t, st.Len, gaugeValue(g))
	}
}

func TestFailedOperationsDoNotTouchGauge(t *testing.T) {
	g := newGauge(t)
	tx, rx, err := New[int](1, g)
	require.NoError(t, err)

	require.NoError(t, tx.TrySend(1))
	for i := 0; i < 10; i++ {
		require.True(t, errors.Is(tx.TrySend(i), ErrFull))
	}
	assert.Equal(t, 1, gaugeValue(g))

	_, err = rx.TryRecv()
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		_, err := rx.TryRecv()
		require.ErrorIs(t, err, ErrEmpty)
	}
	assert.Equal(t, 0, gaugeValue(g))
}

func TestStats_StateMachine(t *testing.T) {
	g := newGauge(t)
	tx, rx, err := New[int](2, g, WithName("jobs"))
	require.NoError(t, err)

	st := tx.Stats()
	assert.Equal(t, "jobs", st.Name)
	assert.Equal(t, 2, st.Cap)
	assert.Equal(t, StateOpen, st.State)
	assert.False(t, st.ReceiverGone)

	require.NoError(t, tx.TrySend(1))
	tx.Close()
	st = rx.Stats()
	assert.Equal(t, StateDraining, st.State)
	assert.Equal(t, 1, st.Len)

	_, err = rx.TryRecv()
	require.NoError(t, err)
	st = rx.Stats()
	assert.Equal(t, StateClosed, st.State)
	assert.Equal(t, "closed", st.State.String())

	rx.Close()
	assert.True(t, rx.Stats().ReceiverGone)
}

func TestLenCap(t *testing.T) {
	g := newGauge(t)
	tx, rx, err := New[int](3, g)
	require.NoError(t, err)

	assert.Equal(t, 3, tx.Cap())
	assert.Equal(t, 3, rx.Cap())
	require.NoError(t, tx.TrySend(1))
	assert.Equal(t, 1, tx.Len())
	assert.Equal(t, 1, rx.Len())
}

func TestMultipleChannelsIndependentGauges(t *testing.T) {
	vec := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "test_channel_size"}, []string{"channel"})
	txA, _, err := New[int](4, vec.WithLabelValues("a"))
	require.NoError(t, err)
	txB, _, err := New[int](4, vec.WithLabelValues("b"))
	require.NoError(t, err)

	require.NoError(t, txA.TrySend(1))
	require.NoError(t, txA.TrySend(2))
	require.NoError(t, txB.TrySend(1))

	assert.Equal(t, float64(2), testutil.ToFloat64(vec.WithLabelValues("a")))
	assert.Equal(t, float64(1), testutil.ToFloat64(vec.WithLabelValues("b")))
}
