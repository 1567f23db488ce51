package pipeline

import (
	"context"
	"time"

	"gocv.io/x/gocv"

	"github.com/khaledhikmat/crowdstream-go/model"
	"github.com/khaledhikmat/crowdstream-go/service/config"
	"github.com/khaledhikmat/crowdstream-go/service/data"
	"github.com/khaledhikmat/crowdstream-go/service/encoder"
	"github.com/khaledhikmat/crowdstream-go/service/inference"
	"github.com/khaledhikmat/crowdstream-go/service/storage"
	"github.com/khaledhikmat/crowdstream-go/service/webhook"
)

// Frame is one decoded picture. The runner owns Mat and closes it once the
// frame has been fed to the encoder.
type Frame struct {
	Index     int
	Mat       gocv.Mat
	Timestamp time.Time
	Offset    time.Duration
}

// Framer yields the frames of one video in order. It is not restartable.
type Framer interface {
	// Next returns io.EOF at the end of the stream.
	Next() (Frame, error)
	Info() model.VideoInfo
	Close() error
}

// FramerFactory opens the frame source of a job.
type FramerFactory func(cfgsvc config.IService, job model.Job) (Framer, error)

type ServicesFactory struct {
	CfgSvc       config.IService
	DataSvc      data.IService
	StorageSvc   storage.IService
	InferenceSvc inference.IService
	EncoderSvc   encoder.IService
	WebhookSvc   webhook.IService
	Framers      FramerFactory
}

// Alerter consumes crowd alerts raised by running jobs.
type Alerter func(canx context.Context, svcs ServicesFactory, errorStream chan interface{}, statsStream chan interface{}) chan model.AlertData

// Framer types a job can ask for.
const (
	FramerFile      = "file"
	FramerSynthetic = "synthetic"
)
