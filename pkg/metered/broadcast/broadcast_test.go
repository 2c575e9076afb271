package broadcast

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/meteredchan/meteredchan/pkg/metered"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newGauge() prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{Name: "broadcast_queue_size"})
}

func TestNew_Validation(t *testing.T) {
	_, _, err := New[int](0, newGauge())
	require.ErrorIs(t, err, metered.ErrInvalidCapacity)

	_, _, err = New[int](1, nil)
	require.ErrorIs(t, err, metered.ErrNilGauge)
}

func TestSend_FansOut(t *testing.T) {
	g := newGauge()
	tx, rx1, err := New[string](4, g)
	require.NoError(t, err)
	rx2 := tx.Subscribe()
	assert.Equal(t, 2, tx.ReceiverCount())

	n, err := tx.Send("hello")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, float64(2), testutil.ToFloat64(g))

	ctx := context.Background()
	v, err := rx1.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, "hello", v)
	assert.Equal(t, float64(1), testutil.ToFloat64(g))

	v, err = rx2.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, "hello", v)
	assert.Equal(t, float64(0), testutil.ToFloat64(g))
}

func TestSubscribe_OnlySeesLaterMessages(t *testing.T) {
	tx, rx1, err := New[int](4, newGauge())
	require.NoError(t, err)

	_, err = tx.Send(1)
	require.NoError(t, err)
	late := tx.Subscribe()
	_, err = tx.Send(2)
	require.NoError(t, err)

	_, err = late.TryRecv()
	require.NoError(t, err)
	assert.Equal(t, 2, rx1.Len())
	_, err = late.TryRecv()
	assert.ErrorIs(t, err, metered.ErrEmpty)
}

func TestSend_NoReceivers(t *testing.T) {
	g := newGauge()
	tx, rx, err := New[int](2, g)
	require.NoError(t, err)
	rx.Close()

	_, err = tx.Send(7)
	require.ErrorIs(t, err, ErrNoReceivers)
	require.ErrorIs(t, err, metered.ErrClosed)
	var sendErr *metered.SendError[int]
	require.ErrorAs(t, err, &sendErr)
	assert.Equal(t, 7, sendErr.Value)
	assert.Equal(t, float64(0), testutil.ToFloat64(g))
}

func TestLagging_EvictsOldest(t *testing.T) {
	g := newGauge()
	total := prometheus.NewCounter(prometheus.CounterOpts{Name: "broadcast_total"})
	tx, rx, err := New[int](2, g, WithTotal(total))
	require.NoError(t, err)

	for i := 1; i <= 5; i++ {
		_, err := tx.Send(i)
		require.NoError(t, err)
	}
	assert.Equal(t, float64(2), testutil.ToFloat64(g))
	assert.Equal(t, float64(5), testutil.ToFloat64(total))

	_, err = rx.TryRecv()
	var lagged *LaggedError
	require.ErrorAs(t, err, &lagged)
	assert.Equal(t, uint64(3), lagged.Skipped)

	v, err := rx.TryRecv()
	require.NoError(t, err)
	assert.Equal(t, 4, v)
	v, err = rx.TryRecv()
	require.NoError(t, err)
	assert.Equal(t, 5, v)
	assert.Equal(t, float64(0), testutil.ToFloat64(g))
}

func TestLagging_IsPerSubscriber(t *testing.T) {
	tx, slow, err := New[int](1, newGauge())
	require.NoError(t, err)
	fast := tx.Subscribe()

	_, err = tx.Send(1)
	require.NoError(t, err)
	_, err = fast.TryRecv()
	require.NoError(t, err)
	_, err = tx.Send(2)
	require.NoError(t, err)

	v, err := fast.TryRecv()
	require.NoError(t, err)
	assert.Equal(t, 2, v)

	_, err = slow.TryRecv()
	var lagged *LaggedError
	require.ErrorAs(t, err, &lagged)
	assert.Equal(t, uint64(1), lagged.Skipped)
}

func TestRecv_WaitsForSend(t *testing.T) {
	tx, rx, err := New[int](1, newGauge())
	require.NoError(t, err)

	got := make(chan int, 1)
	go func() {
		v, err := rx.Recv(context.Background())
		if err == nil {
			got <- v
		}
	}()

	time.Sleep(20 * time.Millisecond)
	_, err = tx.Send(42)
	require.NoError(t, err)

	select {
	case v := <-got:
		assert.Equal(t, 42, v)
	case <-time.After(time.Second):
		t.Fatal("receiver was not woken")
	}
}

func TestRecv_ContextCancelled(t *testing.T) {
	_, rx, err := New[int](1, newGauge())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = rx.Recv(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSenderClose_DrainsThenCloses(t *testing.T) {
	tx, rx, err := New[int](4, newGauge())
	require.NoError(t, err)
	tx2 := tx.Clone()

	_, err = tx.Send(1)
	require.NoError(t, err)
	tx.Close()
	tx.Close()

	_, err = tx.Send(2)
	assert.ErrorIs(t, err, metered.ErrClosed)

	// tx2 keeps the channel open
	_, err = tx2.Send(3)
	require.NoError(t, err)
	tx2.Close()

	ctx := context.Background()
	v, err := rx.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, v)
	v, err = rx.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, v)
	_, err = rx.Recv(ctx)
	assert.ErrorIs(t, err, metered.ErrClosed)
}

func TestSenderClose_WakesBlockedReceiver(t *testing.T) {
	tx, rx, err := New[int](1, newGauge())
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := rx.Recv(context.Background())
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	tx.Close()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, metered.ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("receiver was not woken by close")
	}
}

func TestReceiverClose_DiscardsBuffered(t *testing.T) {
	g := newGauge()
	tx, rx, err := New[int](4, g)
	require.NoError(t, err)
	other := tx.Subscribe()

	_, err = tx.Send(1)
	require.NoError(t, err)
	_, err = tx.Send(2)
	require.NoError(t, err)
	assert.Equal(t, float64(4), testutil.ToFloat64(g))

	rx.Close()
	rx.Close()
	assert.Equal(t, float64(2), testutil.ToFloat64(g))
	assert.Equal(t, 1, tx.ReceiverCount())

	_, err = rx.TryRecv()
	assert.ErrorIs(t, err, metered.ErrClosed)
	assert.Equal(t, 2, other.Len())
}

func TestConcurrentSubscribers(t *testing.T) {
	const (
		subscribers = 4
		messages    = 200
	)
	g := newGauge()
	tx, first, err := New[int](messages, g)
	require.NoError(t, err)
	rxs := []*Receiver[int]{first}
	for range subscribers - 1 {
		rxs = append(rxs, tx.Subscribe())
	}

	var wg sync.WaitGroup
	sums := make([]int, subscribers)
	for i, rx := range rxs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				v, err := rx.Recv(context.Background())
				if err != nil {
					return
				}
				sums[i] += v
			}
		}()
	}

	for i := 1; i <= messages; i++ {
		_, err := tx.Send(i)
		require.NoError(t, err)
	}
	tx.Close()
	wg.Wait()

	for _, sum := range sums {
		assert.Equal(t, messages*(messages+1)/2, sum)
	}
	assert.Equal(t, float64(0), testutil.ToFloat64(g))
}
