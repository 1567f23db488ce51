package encoder

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"io"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"

	ffmpeg "github.com/u2takey/ffmpeg-go"
	"golang.org/x/xerrors"
	"gocv.io/x/gocv"

	"github.com/khaledhikmat/crowdstream-go/model"
	"github.com/khaledhikmat/crowdstream-go/service/config"
	"github.com/khaledhikmat/crowdstream-go/service/lgr"
)

const maxStderrBytes = 8 * 1024

type ffmpegService struct {
	CfgSvc config.IService
}

func NewFFmpeg(cfgsvc config.IService) IService {
	return &ffmpegService{
		CfgSvc: cfgsvc,
	}
}

// BuildArgs returns the ffmpeg arguments that read raw bgr24 frames from
// stdin and write an HLS playlist plus numbered segments.
func BuildArgs(cfg model.EncoderConfig) []string {
	fps := cfg.FrameRate
	if fps <= 0 {
		fps = 25
	}
	segment := cfg.SegmentDuration
	if segment <= 0 {
		segment = 2
	}
	preset := cfg.Preset
	if preset == "" {
		preset = "ultrafast"
	}
	pattern := cfg.SegmentPattern
	if pattern == "" {
		pattern = "segment_%03d.ts"
	}
	rate := strconv.FormatFloat(fps, 'f', -1, 64)

	return ffmpeg.Input("pipe:0", ffmpeg.KwArgs{
		"f":       "rawvideo",
		"pix_fmt": "bgr24",
		"s":       fmt.Sprintf("%dx%d", cfg.Width, cfg.Height),
		"r":       rate,
	}).
		Output(cfg.ManifestPath, ffmpeg.KwArgs{
			"c:v":                  "libx264",
			"preset":               preset,
			"tune":                 "zerolatency",
			"pix_fmt":              "yuv420p",
			"g":                    strconv.Itoa(int(math.Round(fps * 2))),
			"f":                    "hls",
			"hls_time":             strconv.Itoa(segment),
			"hls_list_size":        "0",
			"hls_flags":            "append_list",
			"hls_segment_filename": filepath.Join(filepath.Dir(cfg.ManifestPath), pattern),
		}).
		OverWriteOutput().
		GetArgs()
}

func (svc *ffmpegService) Start(ctx context.Context, cfg model.EncoderConfig) (Session, error) {
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, xerrors.Errorf("frame size %dx%d: %w", cfg.Width, cfg.Height, model.ErrEncoder)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.ManifestPath), 0755); err != nil {
		return nil, xerrors.Errorf("creating segment dir: %v: %w", err, model.ErrEncoder)
	}

	args := BuildArgs(cfg)
	cmd := exec.CommandContext(ctx, svc.CfgSvc.GetFFmpegPath(), args...)

	stderr := &tailWriter{limit: maxStderrBytes}
	cmd.Stderr = stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, xerrors.Errorf("stdin pipe: %v: %w", err, model.ErrEncoder)
	}

	if err := cmd.Start(); err != nil {
		return nil, xerrors.Errorf("starting ffmpeg: %v: %w", err, model.ErrEncoder)
	}

	lgr.Logger.Debug("encoder started",
		slog.String("name", cfg.Name),
		slog.String("manifest", cfg.ManifestPath),
		slog.Int("pid", cmd.Process.Pid),
	)

	return &ffmpegSession{
		cfg:    cfg,
		cmd:    cmd,
		stdin:  stdin,
		stderr: stderr,
	}, nil
}

type ffmpegSession struct {
	cfg    model.EncoderConfig
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stderr *tailWriter

	mu        sync.Mutex
	closed    bool
	frames    int
	closeOnce sync.Once
	closeErr  error
}

func (s *ffmpegSession) Write(frame gocv.Mat) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return xerrors.Errorf("write after close: %w", model.ErrEncoder)
	}
	if frame.Empty() {
		return xerrors.Errorf("empty frame %d: %w", s.frames, model.ErrEncoder)
	}

	src := frame
	if frame.Cols() != s.cfg.Width || frame.Rows() != s.cfg.Height {
		lgr.Logger.Warn("frame dimensions do not match encoder dimensions, resizing frame",
			slog.Int("frame_cols", frame.Cols()),
			slog.Int("frame_rows", frame.Rows()),
			slog.Int("video_cols", s.cfg.Width),
			slog.Int("video_rows", s.cfg.Height),
		)

		resized := gocv.NewMat()
		defer resized.Close()
		if err := gocv.Resize(frame, &resized, image.Pt(s.cfg.Width, s.cfg.Height), 0, 0, gocv.InterpolationLinear); err != nil {
			return xerrors.Errorf("resizing frame: %v: %w", err, model.ErrEncoder)
		}
		src = resized
	}

	if _, err := s.stdin.Write(src.ToBytes()); err != nil {
		return xerrors.Errorf("feeding frame %d: %v (%s): %w", s.frames, err, s.stderr.String(), model.ErrEncoder)
	}
	s.frames++
	return nil
}

func (s *ffmpegSession) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		_ = s.stdin.Close()
		if err := s.cmd.Wait(); err != nil {
			s.closeErr = xerrors.Errorf("ffmpeg exited: %v (%s): %w", err, s.stderr.String(), model.ErrEncoder)
		}

		lgr.Logger.Debug("encoder closed",
			slog.String("name", s.cfg.Name),
			slog.Int("frames", s.frames),
			slog.Bool("ok", s.closeErr == nil),
		)
	})
	return s.closeErr
}

// tailWriter keeps only the last limit bytes written to it.
type tailWriter struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func (w *tailWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	n := len(p)
	w.buf.Write(p)
	if w.buf.Len() > w.limit {
		tail := append([]byte(nil), w.buf.Bytes()[w.buf.Len()-w.limit:]...)
		w.buf.Reset()
		w.buf.Write(tail)
	}
	return n, nil
}

func (w *tailWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}
