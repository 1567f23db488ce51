package encoder

import (
	"context"

	"gocv.io/x/gocv"

	"github.com/khaledhikmat/crowdstream-go/model"
)

// Session is one running encoder. Frames must be written in display order;
// Close flushes the output and may be called more than once.
type Session interface {
	Write(frame gocv.Mat) error
	Close() error
}

type IService interface {
	Start(ctx context.Context, cfg model.EncoderConfig) (Session, error)
}
