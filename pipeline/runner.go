package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"time"

	"golang.org/x/xerrors"

	"github.com/khaledhikmat/crowdstream-go/model"
	"github.com/khaledhikmat/crowdstream-go/service/data"
	"github.com/khaledhikmat/crowdstream-go/service/encoder"
	"github.com/khaledhikmat/crowdstream-go/service/lgr"
	"github.com/khaledhikmat/crowdstream-go/service/storage"
)

// DetectionLogName is the per-job detection log written when detection
// logging is enabled.
const DetectionLogName = "detections.log"

type detectionLogEntry struct {
	JobID      string            `json:"jobId"`
	FrameIndex int               `json:"frameIndex"`
	Timestamp  time.Time         `json:"timestamp"`
	Counts     model.Counts      `json:"counts"`
	Detections []model.Detection `json:"detections"`
}

// Run processes every frame of job in order: decode, detect, aggregate,
// render, persist and encode. It returns the number of fully processed
// frames. Resources opened by Run are released before it returns, on every
// path. observe, when set, sees each count record after it is persisted.
func Run(canx context.Context,
	svcs ServicesFactory,
	job model.Job,
	errorStream chan interface{},
	statsStream chan interface{},
	alertStream chan model.AlertData,
	observe func(model.CountRecord)) (frames int, err error) {
	lgr.Logger.Info(
		"job pipeline starting....",
		slog.String("jobID", job.ID),
		slog.String("framerType", job.FramerType),
		slog.String("source", job.Source),
	)

	var startTime = time.Now()
	var procTime time.Duration
	var errs = 0

	defer func() {
		uptime := time.Since(startTime)
		fps := 0
		if uptime >= time.Second {
			fps = int(float64(frames) / uptime.Seconds())
		}
		avg := 0.0
		if frames > 0 {
			avg = float64(procTime.Milliseconds()) / float64(frames)
		}
		if err != nil {
			errs++
			if errorStream != nil && !errors.Is(err, model.ErrCancelled) {
				errorStream <- model.GenError("runner",
					err,
					map[string]interface{}{"jobID": job.ID, "frames": frames},
					"job pipeline failed")
			}
		}
		if statsStream != nil {
			statsStream <- model.PipelineStats{
				Name:        "runner",
				JobID:       job.ID,
				FPS:         fps,
				Frames:      frames,
				Errors:      errs,
				Uptime:      int64(uptime.Seconds()),
				AvgProcTime: avg,
				Timestamp:   time.Now().Unix(),
			}
		}
	}()

	framers := svcs.Framers
	if framers == nil {
		framers = OpenFramer
	}
	framer, err := framers(svcs.CfgSvc, job)
	if err != nil {
		return 0, err
	}
	defer framer.Close()

	info := framer.Info()

	writer, err := svcs.DataSvc.NewCountWriter(canx, job.ID)
	if err != nil {
		return 0, err
	}
	defer writer.Close()

	hls, err := svcs.EncoderSvc.Start(canx, encoderConfig(svcs, "hls", info, job.Namespace.ManifestPath))
	if err != nil {
		return 0, err
	}
	defer closeSession(canx, hls, &err)

	var heat *Heatmap
	var heatSession encoder.Session
	if svcs.CfgSvc.GetHeatmapEnabled() {
		heatSession, err = svcs.EncoderSvc.Start(canx, encoderConfig(svcs, "heatmap", info, job.Namespace.HeatmapManifestPath))
		if err != nil {
			return 0, err
		}
		defer closeSession(canx, heatSession, &err)

		heat = NewHeatmap(info.Width, info.Height)
		defer heat.Close()
	}

	var dlog *detectionLog
	if svcs.CfgSvc.GetDetectionLogging() {
		dlog = newDetectionLog(job.ID, lgr.NewDetectionLog(filepath.Join(job.Namespace.Root, DetectionLogName)))
		defer dlog.Close()
	}

	watch := newCrowdWatch(job.ID, alertStream)

	for {
		if canx.Err() != nil {
			return frames, xerrors.Errorf("job %s after %d frames: %w", job.ID, frames, model.ErrCancelled)
		}

		frame, ferr := framer.Next()
		if errors.Is(ferr, io.EOF) {
			break
		}
		if ferr != nil {
			return frames, ferr
		}

		t := time.Now()
		rec, perr := processFrame(canx, svcs, job, frame, writer, hls, heat, heatSession, dlog)
		frame.Mat.Close()
		procTime += time.Since(t)

		if perr != nil {
			if canx.Err() != nil && !errors.Is(perr, model.ErrCancelled) {
				perr = xerrors.Errorf("%v: %w", perr, model.ErrCancelled)
			}
			return frames, perr
		}

		frames++
		watch.observe(rec)
		if observe != nil {
			observe(rec)
		}
	}

	lgr.Logger.Info(
		"job pipeline finished",
		slog.String("jobID", job.ID),
		slog.Int("frames", frames),
	)
	return frames, nil
}

func processFrame(canx context.Context,
	svcs ServicesFactory,
	job model.Job,
	frame Frame,
	writer data.CountWriter,
	hls encoder.Session,
	heat *Heatmap,
	heatSession encoder.Session,
	dlog *detectionLog) (model.CountRecord, error) {
	detections, err := svcs.InferenceSvc.Detect(canx, frame.Mat)
	if err != nil {
		return model.CountRecord{}, err
	}

	counts := Aggregate(detections)

	rendered, err := Render(frame.Mat, detections, counts)
	if err != nil {
		return model.CountRecord{}, xerrors.Errorf("frame %d: %w", frame.Index, err)
	}
	defer rendered.Close()

	rec := model.CountRecord{
		JobID:       job.ID,
		FrameIndex:  frame.Index,
		Timestamp:   frame.Timestamp,
		PersonCount: counts.PersonCount,
		HeadCount:   counts.HeadCount,
		Status:      counts.Status,
	}
	if err := writer.Append(canx, rec); err != nil {
		return model.CountRecord{}, err
	}

	dlog.write(rec, counts, detections)

	if err := hls.Write(rendered); err != nil {
		return model.CountRecord{}, err
	}

	if heat != nil {
		heated, err := heat.Render(frame.Mat, detections)
		if err != nil {
			return model.CountRecord{}, xerrors.Errorf("frame %d: %w", frame.Index, err)
		}
		defer heated.Close()
		if err := heatSession.Write(heated); err != nil {
			return model.CountRecord{}, err
		}
	}

	return rec, nil
}

func encoderConfig(svcs ServicesFactory, name string, info model.VideoInfo, manifest string) model.EncoderConfig {
	return model.EncoderConfig{
		Name:            name,
		FrameRate:       info.FPS,
		Width:           info.Width,
		Height:          info.Height,
		Preset:          svcs.CfgSvc.GetEncoderPreset(),
		SegmentDuration: svcs.CfgSvc.GetSegmentDuration(),
		SegmentPattern:  storage.SegmentPattern,
		ManifestPath:    manifest,
	}
}

// closeSession surfaces an encoder failure on close unless the run already
// failed or was cancelled.
func closeSession(canx context.Context, s encoder.Session, err *error) {
	cerr := s.Close()
	if cerr == nil || *err != nil || canx.Err() != nil {
		return
	}
	*err = cerr
}

// detectionLog writes one JSON line per frame. A failed write is logged
// once per job; the job goes on without it.
type detectionLog struct {
	w      io.WriteCloser
	jobID  string
	failed bool
}

func newDetectionLog(jobID string, w io.WriteCloser) *detectionLog {
	return &detectionLog{w: w, jobID: jobID}
}

func (l *detectionLog) write(rec model.CountRecord, counts model.Counts, detections []model.Detection) {
	if l == nil {
		return
	}

	b, err := json.Marshal(detectionLogEntry{
		JobID:      rec.JobID,
		FrameIndex: rec.FrameIndex,
		Timestamp:  rec.Timestamp,
		Counts:     counts,
		Detections: detections,
	})
	if err == nil {
		_, err = l.w.Write(append(b, '\n'))
	}
	if err != nil && !l.failed {
		l.failed = true
		lgr.Logger.Warn("detection log write failed",
			slog.String("jobID", l.jobID),
			slog.Int("frameIndex", rec.FrameIndex),
			slog.Any("error", err),
		)
	}
}

func (l *detectionLog) Close() error {
	return l.w.Close()
}
