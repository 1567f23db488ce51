package pipeline

import (
	"image"
	"io"
	"log/slog"
	"math"
	"time"

	"golang.org/x/xerrors"
	"gocv.io/x/gocv"

	"github.com/khaledhikmat/crowdstream-go/model"
	"github.com/khaledhikmat/crowdstream-go/service/config"
	"github.com/khaledhikmat/crowdstream-go/service/lgr"
)

// syntheticFrames is the length of a synthetic job opened through OpenFramer.
const syntheticFrames = 250

// OpenFramer is the default FramerFactory.
func OpenFramer(cfgsvc config.IService, job model.Job) (Framer, error) {
	if job.FramerType == FramerSynthetic {
		w, h := cfgsvc.GetFrameWidth(), cfgsvc.GetFrameHeight()
		if w <= 0 || h <= 0 {
			w, h = 640, 360
		}
		return NewSyntheticFramer(w, h, cfgsvc.GetDefaultFPS(), syntheticFrames), nil
	}
	return NewFileFramer(cfgsvc, job.Source)
}

type fileFramer struct {
	capture    *gocv.VideoCapture
	path       string
	srcW, srcH int
	info       model.VideoInfo
	index      int
}

// NewFileFramer opens a video container. Frames are resized to the
// configured frame size when one is set.
func NewFileFramer(cfgsvc config.IService, path string) (Framer, error) {
	capture, err := gocv.VideoCaptureFile(path)
	if err != nil {
		return nil, xerrors.Errorf("opening %s: %v: %w", path, err, model.ErrDecode)
	}

	srcW := int(capture.Get(gocv.VideoCaptureFrameWidth))
	srcH := int(capture.Get(gocv.VideoCaptureFrameHeight))
	if srcW <= 0 || srcH <= 0 {
		capture.Close()
		return nil, xerrors.Errorf("opening %s: frame size %dx%d: %w", path, srcW, srcH, model.ErrDecode)
	}

	fps := capture.Get(gocv.VideoCaptureFPS)
	if fps <= 0 || math.IsNaN(fps) || math.IsInf(fps, 0) {
		fps = cfgsvc.GetDefaultFPS()
	}

	w, h := srcW, srcH
	if cfgsvc.GetFrameWidth() > 0 && cfgsvc.GetFrameHeight() > 0 {
		w, h = cfgsvc.GetFrameWidth(), cfgsvc.GetFrameHeight()
	}

	lgr.Logger.Debug("file framer opened",
		slog.String("path", path),
		slog.Int("sourceWidth", srcW),
		slog.Int("sourceHeight", srcH),
		slog.Float64("fps", fps),
	)

	return &fileFramer{
		capture: capture,
		path:    path,
		srcW:    srcW,
		srcH:    srcH,
		info:    model.VideoInfo{Width: w, Height: h, FPS: fps},
	}, nil
}

func (f *fileFramer) Info() model.VideoInfo {
	return f.info
}

func (f *fileFramer) Next() (Frame, error) {
	img := gocv.NewMat()
	if ok := f.capture.Read(&img); !ok {
		img.Close()
		return Frame{}, io.EOF
	}

	if img.Empty() {
		img.Close()
		return Frame{}, xerrors.Errorf("frame %d is empty: %w", f.index, model.ErrDecode)
	}
	if img.Cols() != f.srcW || img.Rows() != f.srcH {
		cols, rows := img.Cols(), img.Rows()
		img.Close()
		return Frame{}, xerrors.Errorf("frame %d is %dx%d, stream is %dx%d: %w", f.index, cols, rows, f.srcW, f.srcH, model.ErrDecode)
	}

	if f.info.Width != f.srcW || f.info.Height != f.srcH {
		resized := gocv.NewMat()
		if err := gocv.Resize(img, &resized, image.Pt(f.info.Width, f.info.Height), 0, 0, gocv.InterpolationLinear); err != nil {
			img.Close()
			resized.Close()
			return Frame{}, xerrors.Errorf("resizing frame %d: %v: %w", f.index, err, model.ErrDecode)
		}
		img.Close()
		img = resized
	}

	return f.emit(img), nil
}

func (f *fileFramer) emit(img gocv.Mat) Frame {
	frame := Frame{
		Index:     f.index,
		Mat:       img,
		Timestamp: time.Now(),
		Offset:    offset(f.index, f.info.FPS),
	}
	f.index++
	return frame
}

func (f *fileFramer) Close() error {
	return f.capture.Close()
}

type syntheticFramer struct {
	info   model.VideoInfo
	frames int
	index  int
}

// NewSyntheticFramer generates the given number of grey frames. Each frame carries its
// index in the bottom-right pixel, readable with FrameTag.
func NewSyntheticFramer(width, height int, fps float64, frames int) Framer {
	if fps <= 0 {
		fps = 25
	}
	return &syntheticFramer{
		info:   model.VideoInfo{Width: width, Height: height, FPS: fps},
		frames: frames,
	}
}

func (f *syntheticFramer) Info() model.VideoInfo {
	return f.info
}

func (f *syntheticFramer) Next() (Frame, error) {
	if f.index >= f.frames {
		return Frame{}, io.EOF
	}

	img := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(64, 64, 64, 0), f.info.Height, f.info.Width, gocv.MatTypeCV8UC3)
	stampTag(&img, f.index)

	frame := Frame{
		Index:     f.index,
		Mat:       img,
		Timestamp: time.Now(),
		Offset:    offset(f.index, f.info.FPS),
	}
	f.index++
	return frame, nil
}

func (f *syntheticFramer) Close() error {
	return nil
}

func offset(index int, fps float64) time.Duration {
	if fps <= 0 {
		return 0
	}
	return time.Duration(float64(index) / fps * float64(time.Second))
}

func stampTag(img *gocv.Mat, index int) {
	row := img.Rows() - 1
	col := (img.Cols() - 1) * img.Channels()
	img.SetUCharAt(row, col, uint8(index%256))
	img.SetUCharAt(row, col+1, uint8(index/256%256))
}

// FrameTag reads the index stamped by the synthetic framer.
func FrameTag(img gocv.Mat) int {
	row := img.Rows() - 1
	col := (img.Cols() - 1) * img.Channels()
	return int(img.GetUCharAt(row, col)) + int(img.GetUCharAt(row, col+1))*256
}
