package model

import "time"

type JobState string

const (
	JobCreated    JobState = "created"
	JobProcessing JobState = "processing"
	JobCompleted  JobState = "completed"
	JobFailed     JobState = "failed"
)

func (s JobState) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// CanTransition reports whether a job may move from s to next.
// Terminal states never move again.
func (s JobState) CanTransition(next JobState) bool {
	switch s {
	case JobCreated:
		return next == JobProcessing || next == JobFailed
	case JobProcessing:
		return next == JobCompleted || next == JobFailed
	default:
		return false
	}
}

// Namespace holds every filesystem path owned by a single job.
// All of them live under Root, which is derived from the job id.
type Namespace struct {
	Root                string `json:"root"`
	UploadPath          string `json:"uploadPath"`
	SegmentDir          string `json:"segmentDir"`
	ManifestPath        string `json:"manifestPath"`
	HeatmapDir          string `json:"heatmapDir"`
	HeatmapManifestPath string `json:"heatmapManifestPath"`
}

type Job struct {
	ID          string    `json:"id"`
	State       JobState  `json:"state"`
	Filename    string    `json:"filename"`
	ContentType string    `json:"contentType"`
	Source      string    `json:"source"`
	FramerType  string    `json:"framerType"`
	Namespace   Namespace `json:"namespace"`
	Frames      int       `json:"frames"`
	Error       string    `json:"error,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	StartedAt   time.Time `json:"startedAt,omitempty"`
	EndedAt     time.Time `json:"endedAt,omitempty"`
}
