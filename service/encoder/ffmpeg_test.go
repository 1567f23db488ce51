package encoder

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"gocv.io/x/gocv"

	"github.com/khaledhikmat/crowdstream-go/model"
	"github.com/khaledhikmat/crowdstream-go/service/config"
)

func hasPair(args []string, key, value string) bool {
	for i := 0; i+1 < len(args); i++ {
		if args[i] == key && args[i+1] == value {
			return true
		}
	}
	return false
}

func TestBuildArgs(t *testing.T) {
	manifest := filepath.Join("jobs", "abc", "hls", "output.m3u8")
	args := BuildArgs(model.EncoderConfig{
		FrameRate:       25,
		Width:           640,
		Height:          360,
		Preset:          "ultrafast",
		SegmentDuration: 2,
		SegmentPattern:  "segment_%03d.ts",
		ManifestPath:    manifest,
	})

	pairs := [][2]string{
		{"-f", "rawvideo"},
		{"-pix_fmt", "bgr24"},
		{"-s", "640x360"},
		{"-r", "25"},
		{"-i", "pipe:0"},
		{"-c:v", "libx264"},
		{"-preset", "ultrafast"},
		{"-tune", "zerolatency"},
		{"-g", "50"},
		{"-f", "hls"},
		{"-hls_time", "2"},
		{"-hls_list_size", "0"},
		{"-hls_flags", "append_list"},
		{"-hls_segment_filename", filepath.Join("jobs", "abc", "hls", "segment_%03d.ts")},
	}
	for _, p := range pairs {
		if !hasPair(args, p[0], p[1]) {
			t.Errorf("args missing %s %s: %v", p[0], p[1], args)
		}
	}

	found := false
	for _, a := range args {
		if a == manifest {
			found = true
		}
	}
	if !found {
		t.Errorf("args missing output %s: %v", manifest, args)
	}
}

func TestBuildArgs_Defaults(t *testing.T) {
	args := BuildArgs(model.EncoderConfig{Width: 320, Height: 240, ManifestPath: "out/output.m3u8", FrameRate: 12.5})

	if !hasPair(args, "-g", "25") {
		t.Errorf("gop should be twice the frame rate: %v", args)
	}
	if !hasPair(args, "-r", "12.5") {
		t.Errorf("fractional frame rate lost: %v", args)
	}
	if !hasPair(args, "-hls_time", "2") || !hasPair(args, "-preset", "ultrafast") {
		t.Errorf("defaults not applied: %v", args)
	}
}

func TestStart_InvalidConfig(t *testing.T) {
	svc := NewFFmpeg(config.NewHardCoded())
	_, err := svc.Start(context.Background(), model.EncoderConfig{ManifestPath: filepath.Join(t.TempDir(), "o.m3u8")})
	if !errors.Is(err, model.ErrEncoder) {
		t.Fatalf("Start() error = %v, want ErrEncoder", err)
	}
}

func TestStart_MissingBinary(t *testing.T) {
	v := config.Defaults()
	v.FFmpegPath = filepath.Join(t.TempDir(), "no-ffmpeg-here")
	svc := NewFFmpeg(config.NewStatic(v))

	_, err := svc.Start(context.Background(), model.EncoderConfig{
		Width: 64, Height: 48, FrameRate: 25,
		ManifestPath: filepath.Join(t.TempDir(), "hls", "output.m3u8"),
	})
	if !errors.Is(err, model.ErrEncoder) {
		t.Fatalf("Start() error = %v, want ErrEncoder", err)
	}
}

func TestSession_ProducesManifestAndSegments(t *testing.T) {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		t.Skip("ffmpeg not on PATH")
	}

	dir := filepath.Join(t.TempDir(), "hls")
	cfg := model.EncoderConfig{
		Name:            "test",
		FrameRate:       10,
		Width:           64,
		Height:          48,
		Preset:          "ultrafast",
		SegmentDuration: 1,
		SegmentPattern:  "segment_%03d.ts",
		ManifestPath:    filepath.Join(dir, "output.m3u8"),
	}

	svc := NewFFmpeg(config.NewHardCoded())
	session, err := svc.Start(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	frame := gocv.NewMatWithSize(48, 64, gocv.MatTypeCV8UC3)
	defer frame.Close()
	odd := gocv.NewMatWithSize(30, 40, gocv.MatTypeCV8UC3)
	defer odd.Close()

	for i := 0; i < 30; i++ {
		src := frame
		if i == 5 {
			src = odd
		}
		if err := session.Write(src); err != nil {
			t.Fatalf("Write(%d) error = %v", i, err)
		}
	}

	if err := session.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := session.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	if err := session.Write(frame); !errors.Is(err, model.ErrEncoder) {
		t.Fatalf("Write() after Close error = %v, want ErrEncoder", err)
	}

	manifest, err := os.ReadFile(cfg.ManifestPath)
	if err != nil {
		t.Fatalf("manifest not written: %v", err)
	}
	if !strings.Contains(string(manifest), "segment_000.ts") {
		t.Errorf("manifest does not list first segment:\n%s", manifest)
	}
	if _, err := os.Stat(filepath.Join(dir, "segment_000.ts")); err != nil {
		t.Errorf("first segment missing: %v", err)
	}
}

func TestTailWriter_KeepsTail(t *testing.T) {
	w := &tailWriter{limit: 4}
	w.Write([]byte("abc"))
	w.Write([]byte("defg"))
	if got := w.String(); got != "defg" {
		t.Errorf("tail = %q, want defg", got)
	}
}

func TestFake_TracksOpenSessions(t *testing.T) {
	svc := NewFake()
	s1, _ := svc.Start(context.Background(), model.EncoderConfig{Name: "a"})
	s2, _ := svc.Start(context.Background(), model.EncoderConfig{Name: "b"})
	if svc.Open() != 2 {
		t.Fatalf("Open() = %d, want 2", svc.Open())
	}
	s1.Close()
	s1.Close()
	if svc.Open() != 1 {
		t.Fatalf("Open() = %d, want 1", svc.Open())
	}
	s2.Close()
	if svc.Open() != 0 {
		t.Fatalf("Open() = %d, want 0", svc.Open())
	}
}
