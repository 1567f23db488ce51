package model

import "golang.org/x/xerrors"

// Error classes surfaced by the pipeline. Callers classify with errors.Is;
// the pipeline wraps them with xerrors.Errorf("...: %w", ...).
var (
	ErrInvalidInput      = xerrors.New("invalid input")
	ErrDecode            = xerrors.New("decode error")
	ErrInference         = xerrors.New("inference error")
	ErrPersistence       = xerrors.New("persistence error")
	ErrEncoder           = xerrors.New("encoder error")
	ErrRender            = xerrors.New("render error")
	ErrCancelled         = xerrors.New("cancelled")
	ErrTooManyJobs       = xerrors.New("too many running jobs")
	ErrNotFound          = xerrors.New("not found")
	ErrNotTerminal       = xerrors.New("job is not in a terminal state")
	ErrInvalidTransition = xerrors.New("invalid job state transition")
	ErrOutsideNamespace  = xerrors.New("path escapes job namespace")
)

// ErrorKind returns a short, stable name for the class of err.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case xerrors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case xerrors.Is(err, ErrDecode):
		return "decode"
	case xerrors.Is(err, ErrInference):
		return "inference"
	case xerrors.Is(err, ErrPersistence):
		return "persistence"
	case xerrors.Is(err, ErrEncoder):
		return "encoder"
	case xerrors.Is(err, ErrRender):
		return "render"
	case xerrors.Is(err, ErrCancelled):
		return "cancelled"
	default:
		return "internal"
	}
}
