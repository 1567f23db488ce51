package inference

import (
	"context"

	"gocv.io/x/gocv"

	"github.com/khaledhikmat/crowdstream-go/model"
)

// IService turns one frame into labelled boxes in frame pixel coordinates.
// Implementations are safe for concurrent use by several jobs.
type IService interface {
	Detect(ctx context.Context, frame gocv.Mat) ([]model.Detection, error)
	Close() error
}
