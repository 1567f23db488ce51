package jobs

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/khaledhikmat/crowdstream-go/model"
	"github.com/khaledhikmat/crowdstream-go/service/data"
	"github.com/khaledhikmat/crowdstream-go/service/encoder"
)

// Resources counts handles opened on behalf of jobs and not yet released.
type Resources struct {
	EncoderSessions int64 `json:"encoderSessions"`
	CountWriters    int64 `json:"countWriters"`
}

type trackedEncoder struct {
	encoder.IService
	open *atomic.Int64
}

func (t trackedEncoder) Start(ctx context.Context, cfg model.EncoderConfig) (encoder.Session, error) {
	s, err := t.IService.Start(ctx, cfg)
	if err != nil {
		return nil, err
	}
	t.open.Add(1)
	return &trackedSession{Session: s, open: t.open}, nil
}

type trackedSession struct {
	encoder.Session
	open *atomic.Int64
	once sync.Once
}

func (s *trackedSession) Close() error {
	err := s.Session.Close()
	s.once.Do(func() { s.open.Add(-1) })
	return err
}

type trackedData struct {
	data.IService
	open *atomic.Int64
}

func (t trackedData) NewCountWriter(ctx context.Context, jobID string) (data.CountWriter, error) {
	w, err := t.IService.NewCountWriter(ctx, jobID)
	if err != nil {
		return nil, err
	}
	t.open.Add(1)
	return &trackedWriter{CountWriter: w, open: t.open}, nil
}

type trackedWriter struct {
	data.CountWriter
	open *atomic.Int64
	once sync.Once
}

func (w *trackedWriter) Close() error {
	err := w.CountWriter.Close()
	w.once.Do(func() { w.open.Add(-1) })
	return err
}
