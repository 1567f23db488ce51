package data

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/xerrors"
	_ "modernc.org/sqlite"

	"github.com/khaledhikmat/crowdstream-go/model"
	"github.com/khaledhikmat/crowdstream-go/service/config"
	"github.com/khaledhikmat/crowdstream-go/service/lgr"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const timeLayout = "2006-01-02 15:04:05.000"

type sqliteService struct {
	CfgSvc config.IService
	path   string
	conn   *sql.DB
}

// NewSqlite opens (and migrates) the shared database file. Jobs left
// running by a previous process are marked failed.
func NewSqlite(cfgsvc config.IService) (IService, error) {
	path := cfgsvc.GetDatabaseFile()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, xerrors.Errorf("failed to create database directory: %w", err)
	}

	// Pragmas ride on the DSN so every pooled connection gets them when
	// it is dialed.
	conn, err := sql.Open("sqlite", sharedDSN(path))
	if err != nil {
		return nil, xerrors.Errorf("failed to open database: %w", err)
	}

	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, xerrors.Errorf("failed to ping database: %w", err)
	}

	svc := &sqliteService{
		CfgSvc: cfgsvc,
		path:   path,
		conn:   conn,
	}

	if err := svc.migrate(); err != nil {
		conn.Close()
		return nil, xerrors.Errorf("failed to run migrations: %w", err)
	}

	if err := svc.markInterruptedJobs(); err != nil {
		lgr.Logger.Warn("failed to mark interrupted jobs", slog.Any("error", err))
	}

	return svc, nil
}

// sharedBusyTimeoutMs is how long the shared handle waits on a locked
// database. Count writers use their own shorter timeout and retry.
const sharedBusyTimeoutMs = 5000

func sharedDSN(path string) string {
	q := url.Values{}
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", sharedBusyTimeoutMs))
	return "file:" + path + "?" + q.Encode()
}

func (svc *sqliteService) Close() error {
	return svc.conn.Close()
}

func (svc *sqliteService) migrate() error {
	migrations, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return xerrors.Errorf("failed to read migrations: %w", err)
	}

	for _, m := range migrations {
		if m.IsDir() {
			continue
		}

		name := m.Name()
		if svc.isMigrationApplied(name) {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return xerrors.Errorf("failed to read migration %s: %w", name, err)
		}

		if _, err := svc.conn.Exec(string(content)); err != nil {
			return xerrors.Errorf("failed to execute migration %s: %w", name, err)
		}

		if _, err := svc.conn.Exec("INSERT INTO _migrations (name) VALUES (?)", name); err != nil {
			return xerrors.Errorf("failed to record migration %s: %w", name, err)
		}

		lgr.Logger.Info("applied migration", slog.String("name", name))
	}

	return nil
}

func (svc *sqliteService) isMigrationApplied(name string) bool {
	var exists int
	err := svc.conn.QueryRow("SELECT 1 FROM sqlite_master WHERE type='table' AND name='_migrations'").Scan(&exists)
	if err != nil {
		return false
	}

	var applied int
	err = svc.conn.QueryRow("SELECT 1 FROM _migrations WHERE name = ?", name).Scan(&applied)
	return err == nil && applied == 1
}

func (svc *sqliteService) markInterruptedJobs() error {
	_, err := svc.conn.ExecContext(context.Background(),
		`UPDATE jobs SET state = ?, error = 'interrupted by restart', ended_at = ? WHERE state IN (?, ?)`,
		string(model.JobFailed), formatTime(time.Now()), string(model.JobCreated), string(model.JobProcessing))
	return err
}

func (svc *sqliteService) NewCountWriter(ctx context.Context, jobID string) (CountWriter, error) {
	return openCountWriter(ctx, svc.path, jobID, writerOptions{
		busyTimeoutMs: writerBusyTimeoutMs,
		attempts:      svc.CfgSvc.GetStoreRetryAttempts(),
		backoff:       svc.CfgSvc.GetStoreRetryBackoff(),
	})
}

func (svc *sqliteService) RetrieveCounts(ctx context.Context, jobID string, limit int) ([]model.CountRecord, error) {
	if limit <= 0 {
		limit = -1
	}

	rows, err := svc.conn.QueryContext(ctx,
		`SELECT id, job_id, frame_index, timestamp, person_count, head_count, status, created_at
		 FROM person WHERE (? = '' OR job_id = ?) ORDER BY id LIMIT ?`,
		jobID, jobID, limit)
	if err != nil {
		return nil, xerrors.Errorf("querying counts: %w", err)
	}
	defer rows.Close()

	records := []model.CountRecord{}
	for rows.Next() {
		var (
			rec       model.CountRecord
			status    string
			ts        interface{}
			createdAt interface{}
		)
		if err := rows.Scan(&rec.ID, &rec.JobID, &rec.FrameIndex, &ts, &rec.PersonCount, &rec.HeadCount, &status, &createdAt); err != nil {
			return nil, xerrors.Errorf("scanning count: %w", err)
		}
		rec.Status = model.CrowdStatus(status)
		rec.Timestamp = parseTime(ts)
		rec.CreatedAt = parseTime(createdAt)
		records = append(records, rec)
	}

	return records, rows.Err()
}

func (svc *sqliteService) SaveJob(ctx context.Context, job model.Job) error {
	ns, err := json.Marshal(job.Namespace)
	if err != nil {
		return xerrors.Errorf("marshalling namespace: %w", err)
	}

	_, err = svc.conn.ExecContext(ctx,
		`INSERT INTO jobs (id, state, filename, content_type, source, framer_type, namespace, frames, error, created_at, started_at, ended_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   state = excluded.state,
		   frames = excluded.frames,
		   error = excluded.error,
		   started_at = excluded.started_at,
		   ended_at = excluded.ended_at`,
		job.ID, string(job.State), job.Filename, job.ContentType, job.Source, job.FramerType, string(ns),
		job.Frames, job.Error, formatTime(job.CreatedAt), nullTime(job.StartedAt), nullTime(job.EndedAt))
	if err != nil {
		return xerrors.Errorf("saving job %s: %w", job.ID, err)
	}
	return nil
}

const jobColumns = `id, state, filename, content_type, source, framer_type, namespace, frames, error, created_at, started_at, ended_at`

func (svc *sqliteService) RetrieveJob(ctx context.Context, id string) (model.Job, error) {
	row := svc.conn.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if xerrors.Is(err, sql.ErrNoRows) {
		return model.Job{}, xerrors.Errorf("job %s: %w", id, model.ErrNotFound)
	}
	return job, err
}

func (svc *sqliteService) RetrieveJobs(ctx context.Context) ([]model.Job, error) {
	rows, err := svc.conn.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs ORDER BY created_at`)
	if err != nil {
		return nil, xerrors.Errorf("querying jobs: %w", err)
	}
	defer rows.Close()

	jobs := []model.Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (svc *sqliteService) DeleteJob(ctx context.Context, id string) error {
	if _, err := svc.conn.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id); err != nil {
		return xerrors.Errorf("deleting job %s: %w", id, err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(s scanner) (model.Job, error) {
	var (
		job                         model.Job
		state, ns                   string
		createdAt, startedAt, ended interface{}
	)
	err := s.Scan(&job.ID, &state, &job.Filename, &job.ContentType, &job.Source, &job.FramerType,
		&ns, &job.Frames, &job.Error, &createdAt, &startedAt, &ended)
	if err != nil {
		return model.Job{}, err
	}

	job.State = model.JobState(state)
	job.CreatedAt = parseTime(createdAt)
	job.StartedAt = parseTime(startedAt)
	job.EndedAt = parseTime(ended)
	if err := json.Unmarshal([]byte(ns), &job.Namespace); err != nil {
		return model.Job{}, xerrors.Errorf("decoding namespace of job %s: %w", job.ID, err)
	}
	return job, nil
}

func (svc *sqliteService) NewError(err interface{}) error {
	var customErr model.CustomError
	switch e := err.(type) {
	case model.CustomError:
		customErr = e
	case error:
		customErr = model.CustomError{
			Processor:  "N/A",
			Inner:      e,
			Message:    e.Error(),
			StackTrace: "N/A",
		}
	default:
		customErr = model.CustomError{
			Processor:  "N/A",
			Message:    fmt.Sprintf("%v", err),
			StackTrace: "N/A",
		}
	}

	inner := ""
	if customErr.Inner != nil {
		inner = customErr.Inner.Error()
	}

	misc, mErr := json.Marshal(customErr.Misc)
	if mErr != nil || customErr.Misc == nil {
		misc = []byte("{}")
	}

	_, execErr := svc.conn.Exec(
		`INSERT INTO errors (timestamp, processor, inner_error, message, stack_trace, misc) VALUES (?, ?, ?, ?, ?, ?)`,
		time.Now().Unix(), customErr.Processor, inner, customErr.Message, customErr.StackTrace, string(misc))
	return execErr
}

func (svc *sqliteService) NewPipelineStats(stats model.PipelineStats) error {
	stats.Timestamp = time.Now().Unix()
	return svc.newStats("pipeline", stats.JobID, stats)
}

func (svc *sqliteService) NewManagerStats(stats model.ManagerStats) error {
	stats.Timestamp = time.Now().Unix()
	return svc.newStats("manager", "", stats)
}

func (svc *sqliteService) newStats(kind, jobID string, stats interface{}) error {
	payload, err := json.Marshal(stats)
	if err != nil {
		return err
	}

	_, err = svc.conn.Exec(`INSERT INTO stats (kind, job_id, payload) VALUES (?, ?, ?)`, kind, jobID, string(payload))
	return err
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return formatTime(t)
}

var timeLayouts = []string{
	timeLayout,
	"2006-01-02 15:04:05",
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
}

// parseTime accepts whatever the driver hands back for a DATETIME column.
func parseTime(v interface{}) time.Time {
	var s string
	switch t := v.(type) {
	case nil:
		return time.Time{}
	case time.Time:
		return t.UTC()
	case string:
		s = t
	case []byte:
		s = string(t)
	default:
		return time.Time{}
	}

	for _, layout := range timeLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			return parsed.UTC()
		}
	}
	return time.Time{}
}
