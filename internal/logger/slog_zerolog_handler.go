package logger

import (
	"context"
	"log/slog"

	"github.com/rs/zerolog"
)

type zlHandler struct {
	zl    *zerolog.Logger
	attr  []slog.Attr
	group string
}

func NewSlog(zl *zerolog.Logger) *slog.Logger {
	return slog.New(&zlHandler{zl: zl})
}

func (h *zlHandler) Enabled(_ context.Context, l slog.Level) bool {
	return h.zl.GetLevel() <= toZerologLevel(l)
}

func toZerologLevel(l slog.Level) zerolog.Level {
	switch {
	case l <= slog.LevelDebug:
		return zerolog.DebugLevel
	case l < slog.LevelWarn:
		return zerolog.InfoLevel
	case l < slog.LevelError:
		return zerolog.WarnLevel
	default:
		return zerolog.ErrorLevel
	}
}

func (h *zlHandler) Handle(ctx context.Context, r slog.Record) error {
	base := FromContext(ctx, h.zl)

	ev := base.WithLevel(toZerologLevel(r.Level))
	if ev == nil {
		return nil
	}

	// attach accumulated attrs
	for _, a := range h.attr {
		ev = addAttr(ev, a)
	}
	// attach record attrs
	r.Attrs(func(a slog.Attr) bool {
		a.Key = h.group + a.Key
		ev = addAttr(ev, a)
		return true
	})

	ev.Msg(r.Message)
	return nil
}

func (h *zlHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	cp := *h
	cp.attr = make([]slog.Attr, 0, len(h.attr)+len(attrs))
	cp.attr = append(cp.attr, h.attr...)
	for _, a := range attrs {
		a.Key = h.group + a.Key
		cp.attr = append(cp.attr, a)
	}
	return &cp
}

// groups are flattened into dotted keys
func (h *zlHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	cp := *h
	cp.group = h.group + name + "."
	return &cp
}

func addAttr(ev *zerolog.Event, a slog.Attr) *zerolog.Event {
	a.Value = a.Value.Resolve()
	switch a.Value.Kind() {
	case slog.KindString:
		return ev.Str(a.Key, a.Value.String())
	case slog.KindInt64:
		return ev.Int64(a.Key, a.Value.Int64())
	case slog.KindFloat64:
		return ev.Float64(a.Key, a.Value.Float64())
	case slog.KindBool:
		return ev.Bool(a.Key, a.Value.Bool())
	case slog.KindDuration:
		return ev.Dur(a.Key, a.Value.Duration())
	case slog.KindTime:
		return ev.Time(a.Key, a.Value.Time())
	case slog.KindAny:
		if err, ok := a.Value.Any().(error); ok {
			return ev.AnErr(a.Key, err)
		}
		return ev.Interface(a.Key, a.Value.Any())
	default:
		return ev.Interface(a.Key, a.Value.Any())
	}
}
