package api

import (
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/khaledhikmat/crowdstream-go/model"
	"github.com/khaledhikmat/crowdstream-go/service/storage"
)

// multipartMemory is the part of an upload kept in memory while the form is
// parsed; the rest spills to temporary files.
const multipartMemory = 32 << 20

func NewRouter(cfg ServerConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware())
	r.Use(RecoveryMiddleware(cfg.Logger))
	r.Use(LoggingMiddleware(cfg.Logger))

	r.Get("/health", healthHandler(cfg))

	r.Post("/process_video/", uploadHandler(cfg))
	r.Post("/process_video", uploadHandler(cfg))

	r.Get("/hls_output/{id}/*", outputHandler(cfg, storage.AreaHLS))
	r.Get("/heatmap/{id}/*", outputHandler(cfg, storage.AreaHeatmap))

	r.Get("/api/person", countsHandler(cfg))

	r.Route("/jobs", func(r chi.Router) {
		r.Get("/", listJobsHandler(cfg))
		r.Get("/{id}", getJobHandler(cfg))
		r.Post("/{id}/cancel", cancelJobHandler(cfg))
		r.Delete("/{id}", deleteJobHandler(cfg))
		r.Get("/{id}/live", liveCountsHandler(cfg))
	})

	return r
}

func healthHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, HealthResponse{
			Status:      "ok",
			UptimeS:     int64(time.Since(cfg.StartTime).Seconds()),
			JobsRunning: cfg.Jobs.Stats().Running,
		})
	}
}

func uploadHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if cfg.MaxUploadBytes > 0 {
			r.Body = http.MaxBytesReader(w, r.Body, cfg.MaxUploadBytes+multipartMemory)
		}

		if err := r.ParseMultipartForm(multipartMemory); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				WriteError(w, http.StatusRequestEntityTooLarge, "upload too large", "INVALID_INPUT")
				return
			}
			WriteError(w, http.StatusBadRequest, "expected a multipart form", "INVALID_INPUT")
			return
		}
		defer r.MultipartForm.RemoveAll()

		file, header, err := r.FormFile("file")
		if err != nil {
			WriteError(w, http.StatusBadRequest, "No file uploaded", "INVALID_INPUT")
			return
		}
		defer file.Close()

		job, err := cfg.Jobs.Submit(r.Context(), header.Filename, header.Header.Get("Content-Type"), file)
		if err != nil {
			writeJobError(w, err)
			return
		}

		WriteJSON(w, http.StatusOK, UploadResponse{
			Detail:   "Video is being processed and streamed.",
			UniqueID: job.ID,
		})
	}
}

func outputHandler(cfg ServerConfig, area storage.Area) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		rel := chi.URLParam(r, "*")

		ns, err := cfg.StorageSvc.Lookup(id)
		if err != nil {
			WriteError(w, http.StatusNotFound, "job not found", "NOT_FOUND")
			return
		}

		path, err := cfg.StorageSvc.Resolve(ns, area, rel)
		if err != nil {
			writeJobError(w, err)
			return
		}

		f, err := os.Open(path)
		if err != nil {
			WriteError(w, http.StatusNotFound, "file not found", "NOT_FOUND")
			return
		}
		defer f.Close()

		info, err := f.Stat()
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "reading file", "INTERNAL_ERROR")
			return
		}

		switch filepath.Ext(path) {
		case ".m3u8":
			w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
			w.Header().Set("Cache-Control", "no-cache")
		case ".ts":
			w.Header().Set("Content-Type", "video/mp2t")
		}
		http.ServeContent(w, r, info.Name(), info.ModTime(), f)
	}
}

func countsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := r.URL.Query().Get("job_id")

		limit := 0
		if s := r.URL.Query().Get("limit"); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil || n < 0 {
				WriteError(w, http.StatusBadRequest, "limit must be a non-negative integer", "INVALID_INPUT")
				return
			}
			limit = n
		}

		records, err := cfg.DataSvc.RetrieveCounts(r.Context(), jobID, limit)
		if err != nil {
			writeJobError(w, err)
			return
		}

		// The dashboard maps over a bare array of rows.
		resp := make([]CountResponse, 0, len(records))
		for _, rec := range records {
			resp = append(resp, CountToResponse(rec))
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

func listJobsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobs, err := cfg.Jobs.List(r.Context())
		if err != nil {
			writeJobError(w, err)
			return
		}

		resp := JobsResponse{Jobs: make([]JobResponse, 0, len(jobs))}
		for _, j := range jobs {
			resp.Jobs = append(resp.Jobs, JobToResponse(j))
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

func getJobHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := cfg.Jobs.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeJobError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, JobToResponse(job))
	}
}

func cancelJobHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := cfg.Jobs.Cancel(id); err != nil {
			writeJobError(w, err)
			return
		}

		job, err := cfg.Jobs.Get(r.Context(), id)
		if err != nil {
			writeJobError(w, err)
			return
		}
		WriteJSON(w, http.StatusAccepted, JobToResponse(job))
	}
}

func deleteJobHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := cfg.Jobs.Cleanup(r.Context(), chi.URLParam(r, "id")); err != nil {
			writeJobError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// writeJobError maps domain errors to HTTP statuses.
func writeJobError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, model.ErrInvalidInput):
		WriteError(w, http.StatusBadRequest, err.Error(), "INVALID_INPUT")
	case errors.Is(err, model.ErrOutsideNamespace):
		WriteError(w, http.StatusBadRequest, "path outside job output", "INVALID_PATH")
	case errors.Is(err, model.ErrNotFound):
		WriteError(w, http.StatusNotFound, "not found", "NOT_FOUND")
	case errors.Is(err, model.ErrNotTerminal):
		WriteError(w, http.StatusConflict, err.Error(), "NOT_TERMINAL")
	case errors.Is(err, model.ErrTooManyJobs):
		WriteError(w, http.StatusTooManyRequests, "too many running jobs", "TOO_MANY_JOBS")
	case errors.Is(err, model.ErrCancelled):
		WriteError(w, http.StatusServiceUnavailable, "server is shutting down", "UNAVAILABLE")
	default:
		WriteError(w, http.StatusInternalServerError, "internal server error", "INTERNAL_ERROR")
	}
}
