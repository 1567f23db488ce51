package pipeline

import (
	"image/color"

	"golang.org/x/xerrors"
	"gocv.io/x/gocv"

	"github.com/khaledhikmat/crowdstream-go/model"
)

const (
	heatDecay   = 0.95
	heatWeight  = 0.4
	frameWeight = 0.6
)

// Heatmap accumulates person boxes over time and blends the density as a
// JET colour map over each frame. Older activity fades by heatDecay per frame.
type Heatmap struct {
	acc gocv.Mat
}

func NewHeatmap(width, height int) *Heatmap {
	return &Heatmap{
		acc: gocv.NewMatWithSizeFromScalar(gocv.NewScalar(0, 0, 0, 0), height, width, gocv.MatTypeCV32F),
	}
}

// Render folds detections into the accumulator and returns a new blended
// frame owned by the caller.
func (h *Heatmap) Render(frame gocv.Mat, detections []model.Detection) (gocv.Mat, error) {
	if frame.Empty() {
		return gocv.NewMat(), xerrors.Errorf("rendering heatmap on empty frame: %w", model.ErrDecode)
	}
	if frame.Cols() != h.acc.Cols() || frame.Rows() != h.acc.Rows() {
		return gocv.NewMat(), xerrors.Errorf("heatmap is %dx%d, frame is %dx%d: %w", h.acc.Cols(), h.acc.Rows(), frame.Cols(), frame.Rows(), model.ErrRender)
	}

	h.acc.MultiplyFloat(heatDecay)

	stamp := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(0, 0, 0, 0), h.acc.Rows(), h.acc.Cols(), gocv.MatTypeCV32F)
	defer stamp.Close()
	for _, d := range detections {
		if d.Label != model.LabelPerson {
			continue
		}
		if err := gocv.Rectangle(&stamp, d.Box, color.RGBA{B: 1}, -1); err != nil {
			return gocv.NewMat(), xerrors.Errorf("stamping heat: %v: %w", err, model.ErrRender)
		}
	}
	if err := gocv.Add(h.acc, stamp, &h.acc); err != nil {
		return gocv.NewMat(), xerrors.Errorf("accumulating heat: %v: %w", err, model.ErrRender)
	}

	norm := gocv.NewMat()
	defer norm.Close()
	if err := gocv.Normalize(h.acc, &norm, 0, 255, gocv.NormMinMax); err != nil {
		return gocv.NewMat(), xerrors.Errorf("normalizing heat: %v: %w", err, model.ErrRender)
	}

	gray := gocv.NewMat()
	defer gray.Close()
	if err := norm.ConvertTo(&gray, gocv.MatTypeCV8U); err != nil {
		return gocv.NewMat(), xerrors.Errorf("converting heat: %v: %w", err, model.ErrRender)
	}

	colored := gocv.NewMat()
	defer colored.Close()
	if err := gocv.ApplyColorMap(gray, &colored, gocv.ColormapJet); err != nil {
		return gocv.NewMat(), xerrors.Errorf("colouring heat: %v: %w", err, model.ErrRender)
	}

	out := gocv.NewMat()
	if err := gocv.AddWeighted(frame, frameWeight, colored, heatWeight, 0, &out); err != nil {
		out.Close()
		return gocv.NewMat(), xerrors.Errorf("blending heat: %v: %w", err, model.ErrRender)
	}
	return out, nil
}

func (h *Heatmap) Close() error {
	return h.acc.Close()
}
