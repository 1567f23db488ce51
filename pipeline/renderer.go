package pipeline

import (
	"fmt"
	"image"
	"image/color"

	"golang.org/x/xerrors"
	"gocv.io/x/gocv"

	"github.com/khaledhikmat/crowdstream-go/model"
)

var (
	red   = color.RGBA{255, 0, 0, 0}
	green = color.RGBA{0, 255, 0, 0}
	blue  = color.RGBA{0, 128, 255, 0}
	grey  = color.RGBA{200, 200, 200, 0}
)

const (
	textOffsetX   = 200
	textPersonY   = 30
	textHeadY     = 60
	textStatusY   = 100
	textScale     = 1.0
	textThickness = 2
)

func boxColor(label model.Label) color.RGBA {
	switch label {
	case model.LabelPerson:
		return green
	case model.LabelHead:
		return blue
	default:
		return grey
	}
}

// Render draws detections and counts onto a copy of frame. The input frame
// is left untouched and the caller owns the returned Mat.
func Render(frame gocv.Mat, detections []model.Detection, counts model.Counts) (gocv.Mat, error) {
	if frame.Empty() {
		return gocv.NewMat(), xerrors.Errorf("rendering empty frame: %w", model.ErrDecode)
	}

	out := frame.Clone()

	for _, d := range detections {
		c := boxColor(d.Label)
		if err := gocv.Rectangle(&out, d.Box, c, 2); err != nil {
			out.Close()
			return gocv.NewMat(), xerrors.Errorf("drawing box: %v: %w", err, model.ErrRender)
		}

		y := d.Box.Min.Y - 5
		if y < 12 {
			y = d.Box.Min.Y + 12
		}
		label := fmt.Sprintf("%s %.2f", d.Label, d.Confidence)
		if err := gocv.PutText(&out, label, image.Pt(d.Box.Min.X, y), gocv.FontHersheySimplex, 0.5, c, 1); err != nil {
			out.Close()
			return gocv.NewMat(), xerrors.Errorf("drawing label: %v: %w", err, model.ErrRender)
		}
	}

	x := out.Cols() - textOffsetX
	statusColor := green
	if counts.Status == model.StatusCrowded {
		statusColor = red
	}

	lines := []struct {
		text string
		y    int
		c    color.RGBA
	}{
		{fmt.Sprintf("Person: %d", counts.PersonCount), textPersonY, red},
		{fmt.Sprintf("Head: %d", counts.HeadCount), textHeadY, red},
		{string(counts.Status), textStatusY, statusColor},
	}
	for _, l := range lines {
		if err := gocv.PutText(&out, l.text, image.Pt(x, l.y), gocv.FontHersheySimplex, textScale, l.c, textThickness); err != nil {
			out.Close()
			return gocv.NewMat(), xerrors.Errorf("drawing counts: %v: %w", err, model.ErrRender)
		}
	}

	return out, nil
}
