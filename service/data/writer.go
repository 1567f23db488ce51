package data

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"sync"
	"time"

	"golang.org/x/xerrors"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/khaledhikmat/crowdstream-go/model"
)

// The driver waits this long on a locked database before reporting busy to
// the retry loop.
const writerBusyTimeoutMs = 250

var errBusy = xerrors.New("database is busy")

type writerOptions struct {
	busyTimeoutMs int
	attempts      int
	backoff       time.Duration
}

type sqliteCountWriter struct {
	db        *sql.DB
	jobID     string
	opts      writerOptions
	closeOnce sync.Once
	closeErr  error
}

// openCountWriter opens a job-private handle on the shared database file.
func openCountWriter(ctx context.Context, path, jobID string, opts writerOptions) (*sqliteCountWriter, error) {
	if opts.attempts < 1 {
		opts.attempts = 1
	}

	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", opts.busyTimeoutMs))
	q.Set("_txlock", "immediate")
	dsn := "file:" + path + "?" + q.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, xerrors.Errorf("opening count writer: %v: %w", err, model.ErrPersistence)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, xerrors.Errorf("opening count writer: %v: %w", err, model.ErrPersistence)
	}

	return &sqliteCountWriter{
		db:    db,
		jobID: jobID,
		opts:  opts,
	}, nil
}

func (w *sqliteCountWriter) Append(ctx context.Context, rec model.CountRecord) error {
	if rec.JobID != "" && rec.JobID != w.jobID {
		return xerrors.Errorf("record for job %s written to job %s: %w", rec.JobID, w.jobID, model.ErrPersistence)
	}
	rec.JobID = w.jobID

	return withBusyRetry(ctx, w.opts.attempts, w.opts.backoff, func() error {
		return w.insert(ctx, rec)
	})
}

// insert runs one attempt in its own transaction. Busy and locked results
// come back as errBusy.
func (w *sqliteCountWriter) insert(ctx context.Context, rec model.CountRecord) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO person (job_id, frame_index, timestamp, person_count, head_count, status) VALUES (?, ?, ?, ?, ?, ?)`,
		rec.JobID, rec.FrameIndex, formatTime(rec.Timestamp), rec.PersonCount, rec.HeadCount, string(rec.Status))
	if err != nil {
		_ = tx.Rollback()
		return classify(err)
	}

	if err := tx.Commit(); err != nil {
		_ = tx.Rollback()
		return classify(err)
	}
	return nil
}

func (w *sqliteCountWriter) Close() error {
	w.closeOnce.Do(func() {
		w.closeErr = w.db.Close()
	})
	return w.closeErr
}

func classify(err error) error {
	if isBusy(err) {
		return xerrors.Errorf("%v: %w", err, errBusy)
	}
	return err
}

func isBusy(err error) bool {
	var se *sqlite.Error
	if !xerrors.As(err, &se) {
		return false
	}
	code := se.Code() & 0xff
	return code == sqlite3.SQLITE_BUSY || code == sqlite3.SQLITE_LOCKED
}

// withBusyRetry calls fn up to attempts times while it reports errBusy,
// sleeping backoff between calls. The sleep ends early on cancellation.
func withBusyRetry(ctx context.Context, attempts int, backoff time.Duration, fn func() error) error {
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if ctx.Err() != nil {
			return xerrors.Errorf("appending count record: %w", model.ErrCancelled)
		}

		err = fn()
		if err == nil {
			return nil
		}
		if !xerrors.Is(err, errBusy) {
			if ctx.Err() != nil {
				return xerrors.Errorf("appending count record: %w", model.ErrCancelled)
			}
			return xerrors.Errorf("appending count record: %v: %w", err, model.ErrPersistence)
		}
		if attempt == attempts {
			break
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return xerrors.Errorf("waiting on busy database: %w", model.ErrCancelled)
		case <-timer.C:
		}
	}

	return xerrors.Errorf("database busy after %d attempts: %v: %w", attempts, err, model.ErrPersistence)
}
