package lgr

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/mdobak/go-xerrors"
	"github.com/natefinch/lumberjack"
)

// Logger is the process-wide logger. It starts as a pretty console logger so
// that anything logged before Init still shows up.
var Logger = slog.New(NewPrettyHandler(os.Stdout, &slog.HandlerOptions{
	Level:       slog.LevelInfo,
	ReplaceAttr: replaceAttr,
}))

type Options struct {
	RunTimeEnv string
	Level      string
	File       string
}

// Init replaces Logger. Dev environments get the coloured console handler,
// everything else gets JSON. When File is set, output is also written to a
// rotating log file.
func Init(opts Options) io.Closer {
	var out io.Writer = os.Stdout
	var closer io.Closer = nopCloser{}

	if opts.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    50, // MB
			MaxBackups: 5,
			MaxAge:     14, // days
			Compress:   true,
		}
		out = io.MultiWriter(os.Stdout, rotator)
		closer = rotator
	}

	hopts := &slog.HandlerOptions{
		Level:       ParseLevel(opts.Level),
		ReplaceAttr: replaceAttr,
	}

	if opts.RunTimeEnv == "" || opts.RunTimeEnv == "dev" {
		Logger = slog.New(NewPrettyHandler(out, hopts))
	} else {
		Logger = slog.New(slog.NewJSONHandler(out, hopts))
	}
	slog.SetDefault(Logger)

	return closer
}

func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewDetectionLog returns a rotating JSON-lines writer for per-frame
// detection output.
func NewDetectionLog(path string) io.WriteCloser {
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    10, // MB
		MaxBackups: 5,
		MaxAge:     7, // days
		Compress:   true,
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

type stackFrame struct {
	Func   string `json:"func"`
	Source string `json:"source"`
	Line   int    `json:"line"`
}

func replaceAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Value.Kind() == slog.KindAny {
		if err, ok := a.Value.Any().(error); ok {
			a.Value = fmtErr(err)
		}
	}
	return a
}

func marshalStack(err error) []stackFrame {
	trace := xerrors.StackTrace(err)
	if len(trace) == 0 {
		return nil
	}

	frames := trace.Frames()
	s := make([]stackFrame, len(frames))
	for i, v := range frames {
		s[i] = stackFrame{
			Source: filepath.Join(filepath.Base(filepath.Dir(v.File)), filepath.Base(v.File)),
			Func:   filepath.Base(v.Function),
			Line:   v.Line,
		}
	}
	return s
}

func fmtErr(err error) slog.Value {
	var groupValues []slog.Attr
	groupValues = append(groupValues, slog.String("msg", err.Error()))

	if frames := marshalStack(err); frames != nil {
		groupValues = append(groupValues, slog.Any("trace", frames))
	}

	return slog.GroupValue(groupValues...)
}
