package data

import (
	"context"

	"github.com/khaledhikmat/crowdstream-go/model"
)

// CountWriter appends the count records of exactly one job. Each Append is
// durable when it returns nil.
type CountWriter interface {
	Append(ctx context.Context, rec model.CountRecord) error
	Close() error
}

type IService interface {
	NewCountWriter(ctx context.Context, jobID string) (CountWriter, error)
	// RetrieveCounts lists records ordered by insertion. An empty jobID
	// returns records of all jobs; limit <= 0 means no limit.
	RetrieveCounts(ctx context.Context, jobID string, limit int) ([]model.CountRecord, error)

	SaveJob(ctx context.Context, job model.Job) error
	RetrieveJob(ctx context.Context, id string) (model.Job, error)
	RetrieveJobs(ctx context.Context) ([]model.Job, error)
	DeleteJob(ctx context.Context, id string) error

	NewError(err interface{}) error
	NewPipelineStats(stats model.PipelineStats) error
	NewManagerStats(stats model.ManagerStats) error

	Close() error
}
