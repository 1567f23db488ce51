package data

import (
	"context"
	"sync"
	"time"

	"golang.org/x/xerrors"

	"github.com/khaledhikmat/crowdstream-go/model"
)

// MemoryService keeps everything in process memory. AppendHook, when set, is
// consulted before every append and may fail it.
type MemoryService struct {
	AppendHook func(jobID string, rec model.CountRecord) error

	mu       sync.Mutex
	nextID   int64
	counts   []model.CountRecord
	jobs     map[string]model.Job
	errs     []interface{}
	pipeline []model.PipelineStats
	manager  []model.ManagerStats
}

func NewMemory() *MemoryService {
	return &MemoryService{
		jobs: map[string]model.Job{},
	}
}

type memoryCountWriter struct {
	svc   *MemoryService
	jobID string
}

func (svc *MemoryService) NewCountWriter(_ context.Context, jobID string) (CountWriter, error) {
	return &memoryCountWriter{svc: svc, jobID: jobID}, nil
}

func (w *memoryCountWriter) Append(ctx context.Context, rec model.CountRecord) error {
	if ctx.Err() != nil {
		return xerrors.Errorf("appending count record: %w", model.ErrCancelled)
	}
	rec.JobID = w.jobID

	if hook := w.svc.AppendHook; hook != nil {
		if err := hook(w.jobID, rec); err != nil {
			return err
		}
	}

	w.svc.mu.Lock()
	defer w.svc.mu.Unlock()
	w.svc.nextID++
	rec.ID = w.svc.nextID
	rec.CreatedAt = time.Now()
	w.svc.counts = append(w.svc.counts, rec)
	return nil
}

func (w *memoryCountWriter) Close() error {
	return nil
}

func (svc *MemoryService) RetrieveCounts(_ context.Context, jobID string, limit int) ([]model.CountRecord, error) {
	svc.mu.Lock()
	defer svc.mu.Unlock()

	out := []model.CountRecord{}
	for _, rec := range svc.counts {
		if jobID != "" && rec.JobID != jobID {
			continue
		}
		out = append(out, rec)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (svc *MemoryService) SaveJob(_ context.Context, job model.Job) error {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	svc.jobs[job.ID] = job
	return nil
}

func (svc *MemoryService) RetrieveJob(_ context.Context, id string) (model.Job, error) {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	job, ok := svc.jobs[id]
	if !ok {
		return model.Job{}, xerrors.Errorf("job %s: %w", id, model.ErrNotFound)
	}
	return job, nil
}

func (svc *MemoryService) RetrieveJobs(_ context.Context) ([]model.Job, error) {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	jobs := make([]model.Job, 0, len(svc.jobs))
	for _, j := range svc.jobs {
		jobs = append(jobs, j)
	}
	return jobs, nil
}

func (svc *MemoryService) DeleteJob(_ context.Context, id string) error {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	delete(svc.jobs, id)
	return nil
}

func (svc *MemoryService) NewError(err interface{}) error {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	svc.errs = append(svc.errs, err)
	return nil
}

func (svc *MemoryService) NewPipelineStats(stats model.PipelineStats) error {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	stats.Timestamp = time.Now().Unix()
	svc.pipeline = append(svc.pipeline, stats)
	return nil
}

func (svc *MemoryService) NewManagerStats(stats model.ManagerStats) error {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	stats.Timestamp = time.Now().Unix()
	svc.manager = append(svc.manager, stats)
	return nil
}

// Errors returns a copy of every error handed to NewError.
func (svc *MemoryService) Errors() []interface{} {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	return append([]interface{}(nil), svc.errs...)
}

func (svc *MemoryService) PipelineStats() []model.PipelineStats {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	return append([]model.PipelineStats(nil), svc.pipeline...)
}

func (svc *MemoryService) Close() error {
	return nil
}
