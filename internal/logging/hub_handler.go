package logging

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/large-farva/satpi/internal/telemetry"
)

// HubHandler re-publishes log records as telemetry.LogLine events.
type HubHandler struct {
	hub    Broadcaster
	level  slog.Leveler
	attrs  []slog.Attr
	groups []string
}

func NewHubHandler(hub Broadcaster, level slog.Leveler) *HubHandler {
	return &HubHandler{hub: hub, level: level}
}

func (h *HubHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *HubHandler) Handle(_ context.Context, r slog.Record) error {
	line := telemetry.LogLine{
		Event:   telemetry.Event{Type: telemetry.EventLog, TS: r.Time.UTC().Format(time.RFC3339Nano)},
		Level:   strings.ToLower(r.Level.String()),
		Message: r.Message,
	}

	fields := make(map[string]any, len(h.attrs)+r.NumAttrs())
	add := func(a slog.Attr) {
		if a.Key == FieldComponent {
			line.Component = a.Value.String()
			return
		}
		key := a.Key
		if len(h.groups) > 0 {
			key = strings.Join(h.groups, ".") + "." + key
		}
		fields[key] = a.Value.Resolve().Any()
	}
	for _, a := range h.attrs {
		add(a)
	}
	r.Attrs(func(a slog.Attr) bool {
		add(a)
		return true
	})
	if len(fields) > 0 {
		line.Fields = fields
	}

	h.hub.BroadcastJSON(line)
	return nil
}

func (h *HubHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = append(append([]slog.Attr(nil), h.attrs...), attrs...)
	return &next
}

func (h *HubHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	next.groups = append(append([]string(nil), h.groups...), name)
	return &next
}
