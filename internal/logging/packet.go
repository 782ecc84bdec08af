package logging

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"

	"github.com/mattias800/snacka-capture/internal/protocol"
)

// packetHandler renders records as single lines and hands them to a
// PacketSink, so log output shares stderr with audio packets without
// corrupting the framing.
type packetHandler struct {
	sink   PacketSink
	level  slog.Leveler
	attrs  []slog.Attr
	prefix string // dotted group path for attrs added later
}

func newPacketHandler(sink PacketSink, level slog.Leveler) *packetHandler {
	return &packetHandler{sink: sink, level: level}
}

func (h *packetHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *packetHandler) Handle(_ context.Context, record slog.Record) error {
	var component string
	var b strings.Builder
	b.WriteString(record.Message)

	write := func(key string, v slog.Value) {
		if key == KeyComponent && component == "" {
			component = v.String()
			return
		}
		b.WriteByte(' ')
		b.WriteString(key)
		b.WriteByte('=')
		s := v.String()
		if s == "" || strings.ContainsAny(s, " \t\n\"=") {
			s = strconv.Quote(s)
		}
		b.WriteString(s)
	}

	for _, a := range h.attrs {
		write(a.Key, a.Value.Resolve())
	}
	record.Attrs(func(a slog.Attr) bool {
		appendAttr(h.prefix, a, write)
		return true
	})

	msg := b.String()
	if component != "" {
		msg = component + ": " + msg
	}
	err := h.sink.WriteLog(packetLevel(record.Level), msg)
	if errors.Is(err, protocol.ErrPipeBroken) {
		return nil
	}
	return err
}

func appendAttr(prefix string, a slog.Attr, write func(string, slog.Value)) {
	v := a.Value.Resolve()
	if v.Kind() == slog.KindGroup {
		p := prefix
		if a.Key != "" {
			p = joinKey(prefix, a.Key)
		}
		for _, ga := range v.Group() {
			appendAttr(p, ga, write)
		}
		return
	}
	if a.Key == "" {
		return
	}
	write(joinKey(prefix, a.Key), v)
}

func joinKey(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

func (h *packetHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(merged, h.attrs)
	for _, a := range attrs {
		appendAttr(h.prefix, a, func(k string, v slog.Value) {
			merged = append(merged, slog.Attr{Key: k, Value: v})
		})
	}
	return &packetHandler{sink: h.sink, level: h.level, attrs: merged, prefix: h.prefix}
}

func (h *packetHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &packetHandler{sink: h.sink, level: h.level, attrs: h.attrs, prefix: joinKey(h.prefix, name)}
}

func packetLevel(l slog.Level) protocol.LogLevel {
	switch {
	case l < slog.LevelInfo:
		return protocol.LevelDebug
	case l < slog.LevelWarn:
		return protocol.LevelInfo
	case l < slog.LevelError:
		return protocol.LevelWarning
	default:
		return protocol.LevelError
	}
}
