package lgr

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/mdobak/go-xerrors"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"WARN", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"nonsense", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestPrettyHandler_WritesMessageAndAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewPrettyHandler(&buf, &slog.HandlerOptions{ReplaceAttr: replaceAttr}))

	logger.With(slog.String("jobID", "abc")).Info("job started", slog.Int("frames", 3))

	out := buf.String()
	for _, want := range []string{"job started", `"jobID": "abc"`, `"frames": 3`} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestPrettyHandler_FiltersLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))

	logger.Info("hidden")
	if buf.Len() != 0 {
		t.Fatalf("info record should be filtered, got %q", buf.String())
	}
}

func TestReplaceAttr_ExpandsErrors(t *testing.T) {
	a := replaceAttr(nil, slog.Any("error", xerrors.New("boom")))
	if a.Value.Kind() != slog.KindGroup {
		t.Fatalf("error attr kind = %v, want group", a.Value.Kind())
	}

	var msg string
	var hasTrace bool
	for _, g := range a.Value.Group() {
		switch g.Key {
		case "msg":
			msg = g.Value.String()
		case "trace":
			hasTrace = true
		}
	}
	if msg != "boom" {
		t.Errorf("msg = %q, want boom", msg)
	}
	if !hasTrace {
		t.Error("expected a stack trace for go-xerrors error")
	}
}
