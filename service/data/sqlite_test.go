package data

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/khaledhikmat/crowdstream-go/model"
	"github.com/khaledhikmat/crowdstream-go/service/config"
)

func newTestStore(t *testing.T) (*sqliteService, config.IService) {
	t.Helper()
	v := config.Defaults()
	v.DataFolder = t.TempDir()
	v.RetryBackoff = 10 * time.Millisecond
	cfg := config.NewStatic(v)

	svc, err := NewSqlite(cfg)
	if err != nil {
		t.Fatalf("NewSqlite() error = %v", err)
	}
	t.Cleanup(func() { svc.Close() })
	return svc.(*sqliteService), cfg
}

func countRows(t *testing.T, path, jobID string) int {
	t.Helper()
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	var n int
	if err := db.QueryRow("SELECT COUNT(*) FROM person WHERE job_id = ?", jobID).Scan(&n); err != nil {
		t.Fatalf("count rows: %v", err)
	}
	return n
}

func TestNewSqlite_CreatesTables(t *testing.T) {
	svc, _ := newTestStore(t)

	for _, table := range []string{"person", "jobs", "errors", "stats", "_migrations"} {
		var name string
		err := svc.conn.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Errorf("table %s not found: %v", table, err)
		}
	}

	var mode string
	if err := svc.conn.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatal(err)
	}
	if mode != "wal" {
		t.Errorf("journal_mode = %s, want wal", mode)
	}
}

func TestNewSqlite_BusyTimeoutSurvivesRedial(t *testing.T) {
	svc, _ := newTestStore(t)

	// No idle connections: every query dials a fresh one.
	svc.conn.SetMaxIdleConns(0)
	defer svc.conn.SetMaxIdleConns(1)

	for i := 0; i < 3; i++ {
		var timeout int
		if err := svc.conn.QueryRow("PRAGMA busy_timeout").Scan(&timeout); err != nil {
			t.Fatal(err)
		}
		if timeout != sharedBusyTimeoutMs {
			t.Fatalf("query %d: busy_timeout = %d, want %d", i, timeout, sharedBusyTimeoutMs)
		}
	}
}

func TestNewSqlite_MigrationsIdempotent(t *testing.T) {
	svc, cfg := newTestStore(t)
	svc.Close()

	again, err := NewSqlite(cfg)
	if err != nil {
		t.Fatalf("second NewSqlite() error = %v", err)
	}
	defer again.Close()

	var count int
	if err := again.(*sqliteService).conn.QueryRow("SELECT COUNT(*) FROM _migrations").Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 2 {
		t.Errorf("migration count = %d, want 2", count)
	}
}

func TestNewSqlite_MarksInterruptedJobs(t *testing.T) {
	svc, cfg := newTestStore(t)
	ctx := context.Background()

	running := model.Job{ID: uuid.NewString(), State: model.JobProcessing, CreatedAt: time.Now()}
	done := model.Job{ID: uuid.NewString(), State: model.JobCompleted, CreatedAt: time.Now()}
	for _, j := range []model.Job{running, done} {
		if err := svc.SaveJob(ctx, j); err != nil {
			t.Fatalf("SaveJob() error = %v", err)
		}
	}
	svc.Close()

	again, err := NewSqlite(cfg)
	if err != nil {
		t.Fatalf("NewSqlite() error = %v", err)
	}
	defer again.Close()

	got, err := again.RetrieveJob(ctx, running.ID)
	if err != nil {
		t.Fatalf("RetrieveJob() error = %v", err)
	}
	if got.State != model.JobFailed || got.Error != "interrupted by restart" {
		t.Errorf("interrupted job = %s/%q, want failed/interrupted by restart", got.State, got.Error)
	}

	got, err = again.RetrieveJob(ctx, done.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != model.JobCompleted {
		t.Errorf("completed job state = %s, want completed", got.State)
	}
}

func TestJobs_SaveRetrieveDelete(t *testing.T) {
	svc, _ := newTestStore(t)
	ctx := context.Background()

	job := model.Job{
		ID:          uuid.NewString(),
		State:       model.JobCreated,
		Filename:    "clip.mp4",
		ContentType: "video/mp4",
		Namespace:   model.Namespace{Root: "/data/jobs/x", ManifestPath: "/data/jobs/x/hls/output.m3u8"},
		CreatedAt:   time.Now(),
	}
	if err := svc.SaveJob(ctx, job); err != nil {
		t.Fatalf("SaveJob() error = %v", err)
	}

	job.State = model.JobCompleted
	job.Frames = 42
	job.EndedAt = time.Now()
	if err := svc.SaveJob(ctx, job); err != nil {
		t.Fatalf("SaveJob(update) error = %v", err)
	}

	got, err := svc.RetrieveJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("RetrieveJob() error = %v", err)
	}
	if got.State != model.JobCompleted || got.Frames != 42 {
		t.Errorf("RetrieveJob() = %s/%d, want completed/42", got.State, got.Frames)
	}
	if got.Namespace.ManifestPath != job.Namespace.ManifestPath {
		t.Errorf("namespace not round-tripped: %+v", got.Namespace)
	}
	if got.EndedAt.IsZero() {
		t.Error("EndedAt should be set")
	}

	jobs, err := svc.RetrieveJobs(ctx)
	if err != nil || len(jobs) != 1 {
		t.Fatalf("RetrieveJobs() = %d jobs, err %v", len(jobs), err)
	}

	if err := svc.DeleteJob(ctx, job.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.RetrieveJob(ctx, job.ID); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("RetrieveJob() after delete error = %v, want ErrNotFound", err)
	}
}

func TestCountWriter_AppendAndRetrieve(t *testing.T) {
	svc, cfg := newTestStore(t)
	ctx := context.Background()
	jobA, jobB := uuid.NewString(), uuid.NewString()

	wa, err := svc.NewCountWriter(ctx, jobA)
	if err != nil {
		t.Fatal(err)
	}
	defer wa.Close()
	wb, err := svc.NewCountWriter(ctx, jobB)
	if err != nil {
		t.Fatal(err)
	}
	defer wb.Close()

	for i := 0; i < 3; i++ {
		if err := wa.Append(ctx, model.CountRecord{FrameIndex: i, Timestamp: time.Now(), PersonCount: 20, HeadCount: 18, Status: model.StatusCrowded}); err != nil {
			t.Fatalf("Append(a) error = %v", err)
		}
	}
	if err := wb.Append(ctx, model.CountRecord{FrameIndex: 0, Timestamp: time.Now(), PersonCount: 1, Status: model.StatusUncrowded}); err != nil {
		t.Fatalf("Append(b) error = %v", err)
	}

	records, err := svc.RetrieveCounts(ctx, jobA, 0)
	if err != nil {
		t.Fatalf("RetrieveCounts() error = %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("RetrieveCounts(a) = %d records, want 3", len(records))
	}
	for i, r := range records {
		if r.FrameIndex != i || r.JobID != jobA || r.Status != model.StatusCrowded || r.PersonCount != 20 {
			t.Errorf("record %d = %+v", i, r)
		}
		if r.Timestamp.IsZero() || r.CreatedAt.IsZero() {
			t.Errorf("record %d timestamps not parsed: %+v", i, r)
		}
	}

	all, err := svc.RetrieveCounts(ctx, "", 2)
	if err != nil || len(all) != 2 {
		t.Fatalf("RetrieveCounts(all, 2) = %d, err %v", len(all), err)
	}

	if countRows(t, cfg.GetDatabaseFile(), jobB) != 1 {
		t.Error("job b should have exactly one record")
	}
}

func TestCountWriter_RejectsForeignJob(t *testing.T) {
	svc, _ := newTestStore(t)
	ctx := context.Background()

	w, err := svc.NewCountWriter(ctx, uuid.NewString())
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	err = w.Append(ctx, model.CountRecord{JobID: "someone-else", Status: model.StatusUncrowded})
	if !errors.Is(err, model.ErrPersistence) {
		t.Fatalf("Append(foreign) error = %v, want ErrPersistence", err)
	}
}

func TestCountWriter_CloseIdempotent(t *testing.T) {
	svc, _ := newTestStore(t)

	w, err := svc.NewCountWriter(context.Background(), uuid.NewString())
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("first Close() error = %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
}

func TestWithBusyRetry_FourBusyThenSuccess(t *testing.T) {
	svc, cfg := newTestStore(t)
	ctx := context.Background()
	jobID := uuid.NewString()

	w, err := openCountWriter(ctx, svc.path, jobID, writerOptions{attempts: 5, backoff: 5 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	rec := model.CountRecord{JobID: jobID, FrameIndex: 0, Timestamp: time.Now(), PersonCount: 3, Status: model.StatusUncrowded}
	calls := 0
	err = withBusyRetry(ctx, 5, 5*time.Millisecond, func() error {
		calls++
		if calls <= 4 {
			return errBusy
		}
		return w.insert(ctx, rec)
	})
	if err != nil {
		t.Fatalf("withBusyRetry() error = %v", err)
	}
	if calls != 5 {
		t.Errorf("calls = %d, want 5", calls)
	}
	if n := countRows(t, cfg.GetDatabaseFile(), jobID); n != 1 {
		t.Errorf("durable records = %d, want 1", n)
	}
}

func TestWithBusyRetry_Exhausted(t *testing.T) {
	calls := 0
	err := withBusyRetry(context.Background(), 5, time.Millisecond, func() error {
		calls++
		return errBusy
	})
	if !errors.Is(err, model.ErrPersistence) {
		t.Fatalf("withBusyRetry() error = %v, want ErrPersistence", err)
	}
	if calls != 5 {
		t.Errorf("calls = %d, want 5", calls)
	}
}

func TestWithBusyRetry_OtherErrorNotRetried(t *testing.T) {
	calls := 0
	err := withBusyRetry(context.Background(), 5, time.Millisecond, func() error {
		calls++
		return errors.New("constraint failed")
	})
	if !errors.Is(err, model.ErrPersistence) {
		t.Fatalf("withBusyRetry() error = %v, want ErrPersistence", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestWithBusyRetry_CancelDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	start := time.Now()
	err := withBusyRetry(ctx, 5, time.Hour, func() error {
		return errBusy
	})
	if !errors.Is(err, model.ErrCancelled) {
		t.Fatalf("withBusyRetry() error = %v, want ErrCancelled", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatalf("cancellation did not interrupt backoff (took %v)", time.Since(start))
	}
}

// holdWriteLock takes the database write lock on a separate connection
// until the returned func is called.
func holdWriteLock(t *testing.T, path string) func() {
	t.Helper()
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatal(err)
	}
	conn, err := db.Conn(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := conn.ExecContext(context.Background(), "BEGIN IMMEDIATE"); err != nil {
		t.Fatalf("BEGIN IMMEDIATE: %v", err)
	}
	return func() {
		_, _ = conn.ExecContext(context.Background(), "ROLLBACK")
		conn.Close()
		db.Close()
	}
}

func TestCountWriter_LockedDatabaseExhaustsRetries(t *testing.T) {
	svc, cfg := newTestStore(t)
	ctx := context.Background()
	jobID := uuid.NewString()

	w, err := openCountWriter(ctx, svc.path, jobID, writerOptions{busyTimeoutMs: 0, attempts: 5, backoff: 10 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	release := holdWriteLock(t, svc.path)
	err = w.Append(ctx, model.CountRecord{FrameIndex: 0, Timestamp: time.Now(), Status: model.StatusUncrowded})
	release()

	if !errors.Is(err, model.ErrPersistence) {
		t.Fatalf("Append() error = %v, want ErrPersistence", err)
	}
	if n := countRows(t, cfg.GetDatabaseFile(), jobID); n != 0 {
		t.Errorf("records = %d, want 0", n)
	}
}

func TestCountWriter_LockReleasedWithinRetries(t *testing.T) {
	svc, cfg := newTestStore(t)
	ctx := context.Background()
	jobID := uuid.NewString()

	w, err := openCountWriter(ctx, svc.path, jobID, writerOptions{busyTimeoutMs: 0, attempts: 5, backoff: 100 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	release := holdWriteLock(t, svc.path)
	time.AfterFunc(150*time.Millisecond, release)

	if err := w.Append(ctx, model.CountRecord{FrameIndex: 0, Timestamp: time.Now(), Status: model.StatusUncrowded}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if n := countRows(t, cfg.GetDatabaseFile(), jobID); n != 1 {
		t.Errorf("records = %d, want 1", n)
	}
}

func TestNewError_And_Stats(t *testing.T) {
	svc, _ := newTestStore(t)

	if err := svc.NewError(model.GenError("runner", model.ErrDecode, map[string]interface{}{"frame": 3}, "decode failed")); err != nil {
		t.Fatalf("NewError(custom) error = %v", err)
	}
	if err := svc.NewError(errors.New("plain")); err != nil {
		t.Fatalf("NewError(plain) error = %v", err)
	}
	if err := svc.NewPipelineStats(model.PipelineStats{Name: "runner", JobID: "j", Frames: 10}); err != nil {
		t.Fatal(err)
	}
	if err := svc.NewManagerStats(model.ManagerStats{TotalSubmitted: 1}); err != nil {
		t.Fatal(err)
	}

	var errorsN, statsN int
	svc.conn.QueryRow("SELECT COUNT(*) FROM errors").Scan(&errorsN)
	svc.conn.QueryRow("SELECT COUNT(*) FROM stats").Scan(&statsN)
	if errorsN != 2 || statsN != 2 {
		t.Errorf("errors = %d, stats = %d, want 2 and 2", errorsN, statsN)
	}
}

func TestParseTime(t *testing.T) {
	want := time.Date(2024, 5, 1, 10, 20, 30, 0, time.UTC)
	for _, in := range []interface{}{"2024-05-01 10:20:30", "2024-05-01 10:20:30.000", want, []byte("2024-05-01T10:20:30Z")} {
		if got := parseTime(in); !got.Equal(want) {
			t.Errorf("parseTime(%v) = %v, want %v", in, got, want)
		}
	}
	if !parseTime(nil).IsZero() {
		t.Error("parseTime(nil) should be zero")
	}
}
