package stream

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	ws "github.com/gorilla/websocket"
	"github.com/meteredchan/meteredchan/pkg/metered/broadcast"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type tick struct {
	N int `json:"n"`
}

func dial(t *testing.T, srv *httptest.Server) *ws.Conn {
	t.Helper()
	conn, _, err := ws.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *ws.Conn) Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	var env Envelope
	require.NoError(t, json.Unmarshal(msg, &env))
	return env
}

func TestHandler_StreamsUntilClosed(t *testing.T) {
	gauge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "ticks_buffered"})
	tx, rx, err := broadcast.New[tick](8, gauge, broadcast.WithName("ticks"))
	require.NoError(t, err)
	defer rx.Close()

	srv := httptest.NewServer(NewHandler(tx, "ticks", "tick", nil))
	defer srv.Close()

	conn := dial(t, srv)

	hello := readEnvelope(t, conn)
	assert.Equal(t, TypeHello, hello.Type)
	assert.JSONEq(t, `{"channel":"ticks"}`, string(hello.Payload))

	// the hello is written after subscribing
	assert.Equal(t, 2, tx.ReceiverCount())

	for i := range 3 {
		_, err := tx.Send(tick{N: i})
		require.NoError(t, err)
	}
	for i := range 3 {
		env := readEnvelope(t, conn)
		assert.Equal(t, "tick", env.Type)
		var got tick
		require.NoError(t, json.Unmarshal(env.Payload, &got))
		assert.Equal(t, i, got.N)
	}

	tx.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err = conn.ReadMessage()
	assert.True(t, ws.IsCloseError(err, ws.CloseNormalClosure), "got %v", err)
}

func TestHandler_ClientLeaveUnsubscribes(t *testing.T) {
	gauge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "ticks_buffered"})
	tx, rx, err := broadcast.New[tick](8, gauge)
	require.NoError(t, err)
	defer rx.Close()
	defer tx.Close()

	srv := httptest.NewServer(NewHandler(tx, "ticks", "tick", nil))
	defer srv.Close()

	conn := dial(t, srv)
	readEnvelope(t, conn)
	require.Equal(t, 2, tx.ReceiverCount())

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return tx.ReceiverCount() == 1 }, 5*time.Second, 10*time.Millisecond)
}

func TestHandler_RejectsPlainHTTP(t *testing.T) {
	gauge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "ticks_buffered"})
	tx, rx, err := broadcast.New[tick](1, gauge)
	require.NoError(t, err)
	defer rx.Close()

	rec := httptest.NewRecorder()
	NewHandler(tx, "ticks", "tick", nil).ServeHTTP(rec, httptest.NewRequest("GET", "/ws", nil))
	assert.Equal(t, 400, rec.Code)
	assert.Equal(t, 1, tx.ReceiverCount())
}

func TestMarshalEnvelope(t *testing.T) {
	data, err := marshalEnvelope(TypeLagged, LaggedPayload{Skipped: 4})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"lagged","payload":{"skipped":4}}`, string(data))

	_, err = marshalEnvelope("bad", make(chan int))
	assert.Error(t, err)
}
