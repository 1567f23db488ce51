package lgr

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"log/slog"

	"github.com/fatih/color"
)

// PrettyHandler prints one coloured line per record followed by its
// attributes as indented JSON.
type PrettyHandler struct {
	opts  *slog.HandlerOptions
	attrs []slog.Attr
	l     *log.Logger
}

func NewPrettyHandler(out io.Writer, opts *slog.HandlerOptions) *PrettyHandler {
	if opts == nil {
		opts = &slog.HandlerOptions{}
	}
	return &PrettyHandler{
		opts: opts,
		l:    log.New(out, "", 0),
	}
}

func (h *PrettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	minLevel := slog.LevelInfo
	if h.opts.Level != nil {
		minLevel = h.opts.Level.Level()
	}
	return level >= minLevel
}

func (h *PrettyHandler) Handle(_ context.Context, r slog.Record) error {
	level := r.Level.String() + ":"

	switch r.Level {
	case slog.LevelDebug:
		level = color.MagentaString(level)
	case slog.LevelInfo:
		level = color.BlueString(level)
	case slog.LevelWarn:
		level = color.YellowString(level)
	case slog.LevelError:
		level = color.RedString(level)
	}

	fields := make(map[string]interface{}, r.NumAttrs()+len(h.attrs))
	add := func(a slog.Attr) bool {
		if h.opts.ReplaceAttr != nil {
			a = h.opts.ReplaceAttr(nil, a)
		}
		fields[a.Key] = attrValue(a.Value)
		return true
	}
	for _, a := range h.attrs {
		add(a)
	}
	r.Attrs(add)

	timeStr := r.Time.Format("[15:04:05.000]")
	msg := color.CyanString(r.Message)

	if len(fields) == 0 {
		h.l.Println(timeStr, level, msg)
		return nil
	}

	b, err := json.MarshalIndent(fields, "", "  ")
	if err != nil {
		return err
	}

	h.l.Println(timeStr, level, msg, color.WhiteString(string(b)))
	return nil
}

func (h *PrettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &PrettyHandler{opts: h.opts, attrs: merged, l: h.l}
}

// Groups are flattened.
func (h *PrettyHandler) WithGroup(_ string) slog.Handler {
	return h
}

func attrValue(v slog.Value) interface{} {
	v = v.Resolve()
	if v.Kind() != slog.KindGroup {
		return v.Any()
	}

	group := map[string]interface{}{}
	for _, a := range v.Group() {
		group[a.Key] = attrValue(a.Value)
	}
	return group
}
