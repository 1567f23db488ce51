package model

import (
	"errors"
	"testing"

	"golang.org/x/xerrors"
)

func TestStatusFor_Boundary(t *testing.T) {
	tests := []struct {
		persons int
		want    CrowdStatus
	}{
		{0, StatusUncrowded},
		{15, StatusUncrowded},
		{16, StatusCrowded},
		{100, StatusCrowded},
	}
	for _, tt := range tests {
		if got := StatusFor(tt.persons); got != tt.want {
			t.Errorf("StatusFor(%d) = %s, want %s", tt.persons, got, tt.want)
		}
	}
}

func TestJobState_CanTransition(t *testing.T) {
	tests := []struct {
		from, to JobState
		want     bool
	}{
		{JobCreated, JobProcessing, true},
		{JobCreated, JobFailed, true},
		{JobCreated, JobCompleted, false},
		{JobProcessing, JobCompleted, true},
		{JobProcessing, JobFailed, true},
		{JobProcessing, JobCreated, false},
		{JobCompleted, JobProcessing, false},
		{JobCompleted, JobFailed, false},
		{JobFailed, JobProcessing, false},
		{JobFailed, JobCompleted, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransition(tt.to); got != tt.want {
			t.Errorf("%s -> %s = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestErrorKind(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{xerrors.Errorf("reading frame 3: %w", ErrDecode), "decode"},
		{xerrors.Errorf("detect: %w", ErrInference), "inference"},
		{xerrors.Errorf("append: %w", ErrPersistence), "persistence"},
		{xerrors.Errorf("ffmpeg: %w", ErrEncoder), "encoder"},
		{xerrors.Errorf("drawing box: %w", ErrRender), "render"},
		{xerrors.Errorf("job: %w", ErrCancelled), "cancelled"},
		{errors.New("boom"), "internal"},
	}
	for _, tt := range tests {
		if got := ErrorKind(tt.err); got != tt.want {
			t.Errorf("ErrorKind(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestCustomError_Unwrap(t *testing.T) {
	err := GenError("pipeline", xerrors.Errorf("frame 2: %w", ErrInference), nil, "job %s failed", "abc")
	if !errors.Is(err, ErrInference) {
		t.Fatal("CustomError should unwrap to ErrInference")
	}
	if err.Message != "job abc failed" {
		t.Errorf("Message = %q", err.Message)
	}
}
