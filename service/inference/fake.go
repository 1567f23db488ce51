package inference

import (
	"context"
	"image"
	"sync"

	"golang.org/x/xerrors"
	"gocv.io/x/gocv"

	"github.com/khaledhikmat/crowdstream-go/model"
)

// Script returns the detections for the n-th Detect call (0-based).
type Script func(call int) ([]model.Detection, error)

type fakeService struct {
	script Script

	mu    sync.Mutex
	calls int
}

// NewFake returns a detector that ignores pixels and replays script. A nil
// script detects nothing.
func NewFake(script Script) IService {
	return &fakeService{script: script}
}

func (svc *fakeService) Detect(ctx context.Context, _ gocv.Mat) ([]model.Detection, error) {
	if ctx.Err() != nil {
		return nil, xerrors.Errorf("detect: %w", model.ErrCancelled)
	}

	svc.mu.Lock()
	call := svc.calls
	svc.calls++
	svc.mu.Unlock()

	if svc.script == nil {
		return []model.Detection{}, nil
	}
	return svc.script(call)
}

func (svc *fakeService) Close() error {
	return nil
}

// Crowd builds persons Person boxes and heads Head boxes laid out on a grid.
func Crowd(persons, heads int) []model.Detection {
	dets := make([]model.Detection, 0, persons+heads)
	for i := 0; i < persons; i++ {
		x := (i % 10) * 60
		y := (i / 10) * 120
		dets = append(dets, model.Detection{
			Label:      model.LabelPerson,
			Confidence: 0.9,
			Box:        image.Rect(x, y, x+40, y+100),
		})
	}
	for i := 0; i < heads; i++ {
		x := (i % 10) * 60
		y := (i / 10) * 120
		dets = append(dets, model.Detection{
			Label:      model.LabelHead,
			Confidence: 0.8,
			Box:        image.Rect(x+10, y, x+30, y+20),
		})
	}
	return dets
}
