// Package stream serves a broadcast channel to WebSocket clients. Every
// client gets its own subscription, so a slow client lags on its own
// without holding back the others.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	ws "github.com/gorilla/websocket"
	"github.com/meteredchan/meteredchan/pkg/metered"
	"github.com/meteredchan/meteredchan/pkg/metered/broadcast"
)

// Message types sent to clients.
const (
	TypeHello  = "hello"
	TypeLagged = "lagged"
)

const writeWait = 10 * time.Second

// Envelope wraps every message written to a client.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// LaggedPayload tells a client how many messages it missed.
type LaggedPayload struct {
	Skipped uint64 `json:"skipped"`
}

// HelloPayload is the first message on every connection.
type HelloPayload struct {
	Channel string `json:"channel"`
}

func marshalEnvelope(msgType string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", msgType, err)
	}
	data, err := json.Marshal(Envelope{Type: msgType, Payload: raw})
	if err != nil {
		return nil, fmt.Errorf("marshal %s envelope: %w", msgType, err)
	}
	return data, nil
}

// Handler upgrades requests and forwards messages from src to the client
// as msgType envelopes until the broadcast closes or the client leaves.
type Handler[T any] struct {
	src      *broadcast.Sender[T]
	channel  string
	msgType  string
	upgrader ws.Upgrader
	logger   *slog.Logger
}

// NewHandler returns a handler streaming src. A nil logger discards.
func NewHandler[T any](src *broadcast.Sender[T], channel, msgType string, logger *slog.Logger) *Handler[T] {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Handler[T]{
		src:     src,
		channel: channel,
		msgType: msgType,
		upgrader: ws.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: logger,
	}
}

func (h *Handler[T]) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sub := h.src.Subscribe()
	defer sub.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go h.readLoop(ctx, cancel, conn)

	if err := h.write(conn, TypeHello, HelloPayload{Channel: h.channel}); err != nil {
		return
	}

	h.logger.Debug("WebSocket client subscribed", "channel", h.channel, "remote", r.RemoteAddr)
	for {
		v, err := sub.Recv(ctx)
		if err != nil {
			var lagged *broadcast.LaggedError
			if errors.As(err, &lagged) {
				if err := h.write(conn, TypeLagged, LaggedPayload{Skipped: lagged.Skipped}); err != nil {
					return
				}
				continue
			}
			if errors.Is(err, metered.ErrClosed) {
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = conn.WriteMessage(ws.CloseMessage, ws.FormatCloseMessage(ws.CloseNormalClosure, "channel closed"))
			}
			return
		}
		if err := h.write(conn, h.msgType, v); err != nil {
			return
		}
	}
}

func (h *Handler[T]) write(conn *ws.Conn, msgType string, payload any) error {
	data, err := marshalEnvelope(msgType, payload)
	if err != nil {
		h.logger.Error("Failed to encode stream message", "error", err)
		return err
	}
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	if err := conn.WriteMessage(ws.TextMessage, data); err != nil {
		h.logger.Debug("WebSocket write error", "error", err)
		return err
	}
	return nil
}

// readLoop discards client frames so control messages are processed, and
// cancels the stream once the client goes away.
func (h *Handler[T]) readLoop(ctx context.Context, cancel context.CancelFunc, conn *ws.Conn) {
	defer cancel()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			select {
			case <-ctx.Done():
			default:
				h.logger.Debug("WebSocket client gone", "error", err)
			}
			return
		}
	}
}
