package pipeline

import (
	"bytes"
	"errors"
	"testing"

	"gocv.io/x/gocv"

	"github.com/khaledhikmat/crowdstream-go/model"
	"github.com/khaledhikmat/crowdstream-go/service/inference"
)

func TestRender_LeavesInputUntouched(t *testing.T) {
	frame := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(10, 20, 30, 0), 360, 640, gocv.MatTypeCV8UC3)
	defer frame.Close()
	before := append([]byte(nil), frame.ToBytes()...)

	dets := inference.Crowd(17, 2)
	out, err := Render(frame, dets, Aggregate(dets))
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	defer out.Close()

	if !bytes.Equal(frame.ToBytes(), before) {
		t.Error("Render() modified its input frame")
	}
	if out.Cols() != frame.Cols() || out.Rows() != frame.Rows() || out.Type() != frame.Type() {
		t.Errorf("output is %dx%d, input %dx%d", out.Cols(), out.Rows(), frame.Cols(), frame.Rows())
	}
	if bytes.Equal(out.ToBytes(), before) {
		t.Error("Render() drew nothing")
	}
}

func TestRender_StatusColour(t *testing.T) {
	frame := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(0, 0, 0, 0), 360, 640, gocv.MatTypeCV8UC3)
	defer frame.Close()

	crowded, err := Render(frame, nil, model.Counts{PersonCount: 16, Status: model.StatusCrowded})
	if err != nil {
		t.Fatal(err)
	}
	defer crowded.Close()
	calm, err := Render(frame, nil, model.Counts{PersonCount: 1, Status: model.StatusUncrowded})
	if err != nil {
		t.Fatal(err)
	}
	defer calm.Close()

	// sum the status line region per channel (BGR)
	region := func(m gocv.Mat) (g, r int) {
		for y := textStatusY - 25; y < textStatusY+5; y++ {
			for x := m.Cols() - textOffsetX; x < m.Cols(); x++ {
				g += int(m.GetUCharAt(y, x*3+1))
				r += int(m.GetUCharAt(y, x*3+2))
			}
		}
		return g, r
	}

	if g, r := region(crowded); r <= g {
		t.Errorf("crowded status should be red: g=%d r=%d", g, r)
	}
	if g, r := region(calm); g <= r {
		t.Errorf("uncrowded status should be green: g=%d r=%d", g, r)
	}
}

func TestRender_EmptyFrame(t *testing.T) {
	empty := gocv.NewMat()
	defer empty.Close()

	out, err := Render(empty, nil, model.Counts{})
	defer out.Close()
	if !errors.Is(err, model.ErrDecode) {
		t.Fatalf("Render(empty) error = %v, want ErrDecode", err)
	}
}

func TestHeatmap_RendersNewFrame(t *testing.T) {
	frame := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(50, 50, 50, 0), 180, 320, gocv.MatTypeCV8UC3)
	defer frame.Close()
	before := append([]byte(nil), frame.ToBytes()...)

	h := NewHeatmap(320, 180)
	defer h.Close()

	for i := 0; i < 3; i++ {
		out, err := h.Render(frame, inference.Crowd(3, 1))
		if err != nil {
			t.Fatalf("Render() error = %v", err)
		}
		if out.Cols() != 320 || out.Rows() != 180 || out.Type() != gocv.MatTypeCV8UC3 {
			t.Errorf("heatmap frame is %dx%d type %v", out.Cols(), out.Rows(), out.Type())
		}
		out.Close()
	}
	if !bytes.Equal(frame.ToBytes(), before) {
		t.Error("heatmap modified its input frame")
	}
}

func TestHeatmap_SizeMismatch(t *testing.T) {
	frame := gocv.NewMatWithSize(100, 100, gocv.MatTypeCV8UC3)
	defer frame.Close()
	h := NewHeatmap(320, 180)
	defer h.Close()

	out, err := h.Render(frame, nil)
	defer out.Close()
	if !errors.Is(err, model.ErrRender) {
		t.Fatalf("Render() with mismatched frame error = %v, want ErrRender", err)
	}
}
