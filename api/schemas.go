package api

import (
	"time"

	"github.com/khaledhikmat/crowdstream-go/model"
	"github.com/khaledhikmat/crowdstream-go/service/storage"
)

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

type HealthResponse struct {
	Status      string `json:"status"`
	UptimeS     int64  `json:"uptime_s"`
	JobsRunning int64  `json:"jobs_running"`
}

type UploadResponse struct {
	Detail   string `json:"detail"`
	UniqueID string `json:"unique_id"`
}

type JobResponse struct {
	ID          string `json:"id"`
	State       string `json:"state"`
	Filename    string `json:"filename,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	Frames      int    `json:"frames"`
	Error       string `json:"error,omitempty"`
	HLSURL      string `json:"hls_url"`
	HeatmapURL  string `json:"heatmap_url"`
	CreatedAt   string `json:"created_at"`
	StartedAt   string `json:"started_at,omitempty"`
	EndedAt     string `json:"ended_at,omitempty"`
}

type JobsResponse struct {
	Jobs []JobResponse `json:"jobs"`
}

type CountResponse struct {
	ID          int64  `json:"id"`
	JobID       string `json:"job_id"`
	FrameIndex  int    `json:"frame_index"`
	Timestamp   string `json:"timestamp"`
	PersonCount int    `json:"person_count"`
	HeadCount   int    `json:"head_count"`
	Status      string `json:"status"`
	CreatedAt   string `json:"created_at"`
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func JobToResponse(j model.Job) JobResponse {
	return JobResponse{
		ID:          j.ID,
		State:       string(j.State),
		Filename:    j.Filename,
		ContentType: j.ContentType,
		Frames:      j.Frames,
		Error:       j.Error,
		HLSURL:      "/hls_output/" + j.ID + "/" + storage.ManifestName,
		HeatmapURL:  "/heatmap/" + j.ID + "/" + storage.HeatmapManifestName,
		CreatedAt:   formatTime(j.CreatedAt),
		StartedAt:   formatTime(j.StartedAt),
		EndedAt:     formatTime(j.EndedAt),
	}
}

func CountToResponse(c model.CountRecord) CountResponse {
	return CountResponse{
		ID:          c.ID,
		JobID:       c.JobID,
		FrameIndex:  c.FrameIndex,
		Timestamp:   formatTime(c.Timestamp),
		PersonCount: c.PersonCount,
		HeadCount:   c.HeadCount,
		Status:      string(c.Status),
		CreatedAt:   formatTime(c.CreatedAt),
	}
}
