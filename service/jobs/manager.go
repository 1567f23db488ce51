package jobs

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"mime"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/xerrors"

	"github.com/khaledhikmat/crowdstream-go/model"
	"github.com/khaledhikmat/crowdstream-go/pipeline"
	"github.com/khaledhikmat/crowdstream-go/service/lgr"
)

const (
	subscriberBuffer = 64
	reasonCancelled  = "cancelled"
)

var allowedContentTypes = map[string]bool{
	"video/mp4":       true,
	"video/avi":       true,
	"video/x-msvideo": true,
	"video/mov":       true,
	"video/quicktime": true,
}

// AllowedContentType reports whether uploads of contentType are accepted.
// Media type parameters are ignored.
func AllowedContentType(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return allowedContentTypes[strings.ToLower(mt)]
}

type entry struct {
	job    model.Job
	canxFn context.CancelFunc
	done   chan struct{}
	subs   map[chan model.CountRecord]struct{}
}

// Manager runs one pipeline per job, each on its own goroutine with its own
// cancellable context derived from the manager context.
type Manager struct {
	canx        context.Context
	svcs        pipeline.ServicesFactory
	errorStream chan interface{}
	statsStream chan interface{}
	alertStream chan model.AlertData
	tracer      trace.Tracer

	mu       sync.Mutex
	jobs     map[string]*entry
	wg       sync.WaitGroup
	shutdown bool

	submitted atomic.Int64
	rejected  atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64

	openSessions atomic.Int64
	openWriters  atomic.Int64
}

// New creates a manager. Job contexts are children of canx. The streams may
// be nil; when set they must be drained by the caller.
func New(canx context.Context,
	svcs pipeline.ServicesFactory,
	errorStream chan interface{},
	statsStream chan interface{},
	alertStream chan model.AlertData) *Manager {
	m := &Manager{
		canx:        canx,
		errorStream: errorStream,
		statsStream: statsStream,
		alertStream: alertStream,
		tracer:      noop.NewTracerProvider().Tracer("crowdstream/jobs"),
		jobs:        map[string]*entry{},
	}

	svcs.EncoderSvc = trackedEncoder{IService: svcs.EncoderSvc, open: &m.openSessions}
	svcs.DataSvc = trackedData{IService: svcs.DataSvc, open: &m.openWriters}
	m.svcs = svcs
	return m
}

// WithTracer replaces the default no-op tracer.
func (m *Manager) WithTracer(tp trace.TracerProvider) *Manager {
	m.tracer = tp.Tracer("crowdstream/jobs")
	return m
}

// Submit validates and stores an upload, then starts its job. Invalid input
// never creates a job.
func (m *Manager) Submit(ctx context.Context, filename, contentType string, r io.Reader) (model.Job, error) {
	if !AllowedContentType(contentType) {
		m.rejected.Add(1)
		return model.Job{}, xerrors.Errorf("content type %q: %w", contentType, model.ErrInvalidInput)
	}

	id := uuid.NewString()
	e, err := m.reserve(id)
	if err != nil {
		m.rejected.Add(1)
		return model.Job{}, err
	}

	ns, err := m.svcs.StorageSvc.Allocate(id, filename)
	if err != nil {
		m.release(id)
		return model.Job{}, err
	}

	if _, err := m.svcs.StorageSvc.StoreUpload(ns, r, m.svcs.CfgSvc.GetMaxUploadBytes()); err != nil {
		m.release(id)
		if rerr := m.svcs.StorageSvc.Reclaim(ns); rerr != nil {
			lgr.Logger.Warn("reclaiming rejected upload", slog.String("jobID", id), slog.Any("error", rerr))
		}
		m.rejected.Add(1)
		return model.Job{}, err
	}

	job := model.Job{
		ID:          id,
		State:       model.JobCreated,
		Filename:    filename,
		ContentType: contentType,
		Source:      ns.UploadPath,
		FramerType:  pipeline.FramerFile,
		Namespace:   ns,
		CreatedAt:   time.Now().UTC(),
	}
	return m.start(ctx, e, job), nil
}

// SubmitSynthetic starts a job over generated frames. It needs no upload.
func (m *Manager) SubmitSynthetic(ctx context.Context) (model.Job, error) {
	id := uuid.NewString()
	e, err := m.reserve(id)
	if err != nil {
		m.rejected.Add(1)
		return model.Job{}, err
	}

	ns, err := m.svcs.StorageSvc.Allocate(id, "")
	if err != nil {
		m.release(id)
		return model.Job{}, err
	}

	job := model.Job{
		ID:         id,
		State:      model.JobCreated,
		FramerType: pipeline.FramerSynthetic,
		Namespace:  ns,
		CreatedAt:  time.Now().UTC(),
	}
	return m.start(ctx, e, job), nil
}

func (m *Manager) reserve(id string) (*entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.shutdown {
		return nil, xerrors.Errorf("manager is shutting down: %w", model.ErrCancelled)
	}
	if limit := m.svcs.CfgSvc.GetMaxJobs(); limit > 0 && m.runningLocked() >= limit {
		return nil, xerrors.Errorf("%d jobs running: %w", limit, model.ErrTooManyJobs)
	}

	e := &entry{
		job:  model.Job{ID: id, State: model.JobCreated},
		done: make(chan struct{}),
		subs: map[chan model.CountRecord]struct{}{},
	}
	m.jobs[id] = e
	m.wg.Add(1)
	return e, nil
}

func (m *Manager) release(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobs, id)
	m.wg.Done()
}

func (m *Manager) runningLocked() int {
	n := 0
	for _, e := range m.jobs {
		if !e.job.State.Terminal() {
			n++
		}
	}
	return n
}

func (m *Manager) start(ctx context.Context, e *entry, job model.Job) model.Job {
	// Create a child context for the job
	// so that it can be cancelled on its own
	jobCtx, jobCanxFn := context.WithCancel(m.canx)

	m.mu.Lock()
	e.job = job
	e.canxFn = jobCanxFn
	if m.shutdown {
		jobCanxFn()
	}
	m.mu.Unlock()

	m.submitted.Add(1)
	m.persist(ctx, job)

	lgr.Logger.Info("job submitted",
		slog.String("jobID", job.ID),
		slog.String("filename", job.Filename),
		slog.String("contentType", job.ContentType),
	)

	go m.run(jobCtx, e)
	return job
}

func (m *Manager) run(jobCtx context.Context, e *entry) {
	defer m.wg.Done()
	defer close(e.done)
	defer e.canxFn()

	jobCtx, span := m.tracer.Start(jobCtx, "job.run", trace.WithAttributes(
		attribute.String("job.id", e.job.ID),
		attribute.String("job.framer", e.job.FramerType),
	))
	defer span.End()

	job, err := m.transition(e, model.JobProcessing, 0, "")
	if err != nil {
		m.reportError(e.job.ID, err, "error starting job")
		return
	}
	span.AddEvent("job.processing")

	frames, err := pipeline.Run(jobCtx, m.svcs, job, m.errorStream, m.statsStream, m.alertStream, func(rec model.CountRecord) {
		m.publish(e, rec)
	})

	if err != nil {
		reason := err.Error()
		if errors.Is(err, model.ErrCancelled) {
			reason = reasonCancelled
		}
		m.failed.Add(1)
		span.RecordError(err)
		span.SetStatus(codes.Error, model.ErrorKind(err))
		span.AddEvent("job.failed", trace.WithAttributes(attribute.String("reason", reason)))
		if _, terr := m.transition(e, model.JobFailed, frames, reason); terr != nil {
			m.reportError(e.job.ID, terr, "error failing job")
		}
		lgr.Logger.Warn("job failed",
			slog.String("jobID", job.ID),
			slog.Int("frames", frames),
			slog.String("kind", model.ErrorKind(err)),
			slog.Any("error", err),
		)
		return
	}

	m.completed.Add(1)
	span.AddEvent("job.completed", trace.WithAttributes(attribute.Int("frames", frames)))
	if _, terr := m.transition(e, model.JobCompleted, frames, ""); terr != nil {
		m.reportError(e.job.ID, terr, "error completing job")
	}
	lgr.Logger.Info("job completed",
		slog.String("jobID", job.ID),
		slog.Int("frames", frames),
	)
}

// transition moves e to next, closing subscribers on terminal states, and
// persists the new state.
func (m *Manager) transition(e *entry, next model.JobState, frames int, reason string) (model.Job, error) {
	m.mu.Lock()
	if !e.job.State.CanTransition(next) {
		from := e.job.State
		m.mu.Unlock()
		return model.Job{}, xerrors.Errorf("%s -> %s: %w", from, next, model.ErrInvalidTransition)
	}

	now := time.Now().UTC()
	e.job.State = next
	switch next {
	case model.JobProcessing:
		e.job.StartedAt = now
	case model.JobCompleted, model.JobFailed:
		e.job.EndedAt = now
		e.job.Frames = frames
		e.job.Error = reason
		for ch := range e.subs {
			close(ch)
		}
		e.subs = map[chan model.CountRecord]struct{}{}
	}
	job := e.job
	m.mu.Unlock()

	m.persist(context.Background(), job)
	return job, nil
}

func (m *Manager) persist(ctx context.Context, job model.Job) {
	if err := m.svcs.DataSvc.SaveJob(ctx, job); err != nil {
		m.reportError(job.ID, err, "error saving job")
	}
}

func (m *Manager) reportError(jobID string, err error, msg string) {
	lgr.Logger.Error(msg, slog.String("jobID", jobID), slog.Any("error", err))
	if m.errorStream != nil {
		m.errorStream <- model.GenError("jobs_manager",
			err,
			map[string]interface{}{"jobID": jobID},
			msg)
	}
}

func (m *Manager) publish(e *entry, rec model.CountRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for ch := range e.subs {
		select {
		case ch <- rec:
		default:
		}
	}
}

// Get returns a job known to this manager or persisted by an earlier run.
func (m *Manager) Get(ctx context.Context, id string) (model.Job, error) {
	m.mu.Lock()
	e, ok := m.jobs[id]
	if ok {
		job := e.job
		m.mu.Unlock()
		return job, nil
	}
	m.mu.Unlock()

	return m.svcs.DataSvc.RetrieveJob(ctx, id)
}

// List returns all jobs, oldest first.
func (m *Manager) List(ctx context.Context) ([]model.Job, error) {
	stored, err := m.svcs.DataSvc.RetrieveJobs(ctx)
	if err != nil {
		return nil, err
	}

	byID := map[string]model.Job{}
	for _, j := range stored {
		byID[j.ID] = j
	}

	m.mu.Lock()
	for id, e := range m.jobs {
		if e.canxFn == nil {
			continue
		}
		byID[id] = e.job
	}
	m.mu.Unlock()

	out := make([]model.Job, 0, len(byID))
	for _, j := range byID {
		out = append(out, j)
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].CreatedAt.Equal(out[k].CreatedAt) {
			return out[i].ID < out[k].ID
		}
		return out[i].CreatedAt.Before(out[k].CreatedAt)
	})
	return out, nil
}

// Cancel raises the cancel signal of a running job. Cancelling a finished
// job does nothing.
func (m *Manager) Cancel(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.jobs[id]
	if !ok || e.canxFn == nil {
		return xerrors.Errorf("job %s: %w", id, model.ErrNotFound)
	}
	if e.job.State.Terminal() {
		return nil
	}

	lgr.Logger.Info("cancelling job", slog.String("jobID", id))
	e.canxFn()
	return nil
}

// Wait blocks until the job reaches a terminal state or ctx is done.
func (m *Manager) Wait(ctx context.Context, id string) (model.Job, error) {
	m.mu.Lock()
	e, ok := m.jobs[id]
	m.mu.Unlock()
	if !ok {
		return m.svcs.DataSvc.RetrieveJob(ctx, id)
	}

	select {
	case <-e.done:
	case <-ctx.Done():
		return model.Job{}, xerrors.Errorf("waiting for job %s: %w", id, model.ErrCancelled)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return e.job, nil
}

// Subscribe streams the count records of a job as they are persisted. The
// channel is closed when the job ends; slow readers miss records. The
// returned func stops the subscription early.
func (m *Manager) Subscribe(id string) (<-chan model.CountRecord, func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.jobs[id]
	if !ok || e.canxFn == nil {
		return nil, nil, xerrors.Errorf("job %s: %w", id, model.ErrNotFound)
	}

	ch := make(chan model.CountRecord, subscriberBuffer)
	if e.job.State.Terminal() {
		close(ch)
		return ch, func() {}, nil
	}

	e.subs[ch] = struct{}{}
	unsubscribe := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if _, ok := e.subs[ch]; ok {
			delete(e.subs, ch)
			close(ch)
		}
	}
	return ch, unsubscribe, nil
}

// Cleanup reclaims the namespace of a finished job and forgets it.
func (m *Manager) Cleanup(ctx context.Context, id string) error {
	m.mu.Lock()
	e, ok := m.jobs[id]
	var job model.Job
	if ok {
		job = e.job
		if !job.State.Terminal() {
			m.mu.Unlock()
			return xerrors.Errorf("job %s is %s: %w", id, job.State, model.ErrNotTerminal)
		}
		delete(m.jobs, id)
	}
	m.mu.Unlock()

	if !ok {
		stored, err := m.svcs.DataSvc.RetrieveJob(ctx, id)
		if err != nil {
			return err
		}
		if !stored.State.Terminal() {
			return xerrors.Errorf("job %s is %s: %w", id, stored.State, model.ErrNotTerminal)
		}
		job = stored
	}

	ns, err := m.svcs.StorageSvc.Lookup(job.ID)
	if err == nil {
		if err := m.svcs.StorageSvc.Reclaim(ns); err != nil {
			return err
		}
	} else if !errors.Is(err, model.ErrNotFound) {
		return err
	}

	if err := m.svcs.DataSvc.DeleteJob(ctx, id); err != nil {
		return err
	}

	lgr.Logger.Info("job cleaned up", slog.String("jobID", id))
	return nil
}

// Namespace returns the paths of a known job.
func (m *Manager) Namespace(ctx context.Context, id string) (model.Namespace, error) {
	job, err := m.Get(ctx, id)
	if err != nil {
		return model.Namespace{}, err
	}
	return job.Namespace, nil
}

// OpenResources reports encoder sessions and count writers currently open.
func (m *Manager) OpenResources() Resources {
	return Resources{
		EncoderSessions: m.openSessions.Load(),
		CountWriters:    m.openWriters.Load(),
	}
}

func (m *Manager) Stats() model.ManagerStats {
	m.mu.Lock()
	running := m.runningLocked()
	m.mu.Unlock()

	return model.ManagerStats{
		TotalSubmitted: m.submitted.Load(),
		TotalRejected:  m.rejected.Load(),
		TotalCompleted: m.completed.Load(),
		TotalFailed:    m.failed.Load(),
		Running:        int64(running),
		Timestamp:      time.Now().Unix(),
	}
}

// Shutdown cancels every running job and waits for them to finish or for
// ctx to expire. No job can be submitted afterwards.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.shutdown = true
	for _, e := range m.jobs {
		if e.canxFn != nil && !e.job.State.Terminal() {
			e.canxFn()
		}
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return xerrors.Errorf("waiting for jobs: %w", ctx.Err())
	}
}
