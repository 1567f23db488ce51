package encoder

import (
	"context"
	"sync"

	"golang.org/x/xerrors"
	"gocv.io/x/gocv"

	"github.com/khaledhikmat/crowdstream-go/model"
)

// FakeService accepts frames without encoding them. It counts open sessions
// so tests can check that every session is closed.
type FakeService struct {
	StartErr error
	// WriteErr, when set, may fail the n-th write (0-based) of a session.
	WriteErr func(cfg model.EncoderConfig, n int) error
	// OnWrite sees every accepted frame before Write returns.
	OnWrite func(cfg model.EncoderConfig, frame gocv.Mat)

	mu       sync.Mutex
	open     int
	sessions []*FakeSession
}

func NewFake() *FakeService {
	return &FakeService{}
}

func (svc *FakeService) Start(ctx context.Context, cfg model.EncoderConfig) (Session, error) {
	if svc.StartErr != nil {
		return nil, svc.StartErr
	}
	if ctx.Err() != nil {
		return nil, xerrors.Errorf("starting encoder: %w", model.ErrCancelled)
	}

	svc.mu.Lock()
	defer svc.mu.Unlock()

	s := &FakeSession{svc: svc, Cfg: cfg}
	svc.open++
	svc.sessions = append(svc.sessions, s)
	return s, nil
}

// Open reports sessions started and not yet closed.
func (svc *FakeService) Open() int {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	return svc.open
}

func (svc *FakeService) Sessions() []*FakeSession {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	return append([]*FakeSession(nil), svc.sessions...)
}

type FakeSession struct {
	Cfg model.EncoderConfig

	svc    *FakeService
	mu     sync.Mutex
	frames int
	closed bool
}

func (s *FakeSession) Write(frame gocv.Mat) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return xerrors.Errorf("write after close: %w", model.ErrEncoder)
	}
	if s.svc.WriteErr != nil {
		if err := s.svc.WriteErr(s.Cfg, s.frames); err != nil {
			return err
		}
	}
	if s.svc.OnWrite != nil {
		s.svc.OnWrite(s.Cfg, frame)
	}
	s.frames++
	return nil
}

func (s *FakeSession) Frames() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

func (s *FakeSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.svc.mu.Lock()
	s.svc.open--
	s.svc.mu.Unlock()
	return nil
}
