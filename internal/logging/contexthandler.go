package logging

import (
	"context"
	"log/slog"
)

// ContextProvider returns attributes sampled at log time, such as uptime or
// the number of live channels.
type ContextProvider func() []slog.Attr

type channelKey struct{}

// WithChannel tags ctx with a channel name that ContextHandler adds to every
// record logged with that context.
func WithChannel(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, channelKey{}, name)
}

// ChannelFromContext returns the channel name set by WithChannel.
func ChannelFromContext(ctx context.Context) (string, bool) {
	name, ok := ctx.Value(channelKey{}).(string)
	return name, ok && name != ""
}

// ContextHandler wraps another handler and injects dynamic attributes from
// its provider and from the record's context.
type ContextHandler struct {
	inner    slog.Handler
	provider ContextProvider
}

// NewContextHandler creates a handler that adds dynamic context to each record.
func NewContextHandler(inner slog.Handler, provider ContextProvider) *ContextHandler {
	return &ContextHandler{
		inner:    inner,
		provider: provider,
	}
}

func (h *ContextHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *ContextHandler) Handle(ctx context.Context, r slog.Record) error {
	if name, ok := ChannelFromContext(ctx); ok {
		r.AddAttrs(slog.String("channel", name))
	}
	if h.provider != nil {
		r.AddAttrs(h.provider()...)
	}
	return h.inner.Handle(ctx, r)
}

func (h *ContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ContextHandler{
		inner:    h.inner.WithAttrs(attrs),
		provider: h.provider,
	}
}

func (h *ContextHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &ContextHandler{
		inner:    h.inner.WithGroup(name),
		provider: h.provider,
	}
}
