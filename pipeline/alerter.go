package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/khaledhikmat/crowdstream-go/model"
	"github.com/khaledhikmat/crowdstream-go/service/lgr"
)

const alertBuffer = 100

// SimpleAlerter posts crowd alerts to the webhook service until canx is
// cancelled. The returned channel is never closed; senders must not block
// on it.
func SimpleAlerter(canx context.Context, svcs ServicesFactory, errorStream chan interface{}, _ chan interface{}) chan model.AlertData {
	in := make(chan model.AlertData, alertBuffer)

	go func() {
		for {
			select {
			case <-canx.Done():
				lgr.Logger.Info(
					"alerter context cancelled",
				)
				return

			case alert := <-in:
				lgr.Logger.Info(
					"crowd alert",
					slog.String("jobID", alert.JobID),
					slog.Int("frame", alert.FrameIndex),
					slog.Int("persons", alert.PersonCount),
					slog.Time("timestamp", alert.Timestamp),
				)

				payload := map[string]interface{}{
					"source":      alert.JobID,
					"frameIndex":  alert.FrameIndex,
					"personCount": alert.PersonCount,
					"headCount":   alert.HeadCount,
					"status":      alert.Status,
					"timestamp":   alert.Timestamp.Format(time.RFC3339),
				}

				if err := svcs.WebhookSvc.Post(canx, payload); err != nil {
					errorStream <- model.GenError("alerter",
						err,
						map[string]interface{}{"jobID": alert.JobID},
						"error posting crowd alert")
				}
			}
		}
	}()

	return in
}

// crowdWatch raises an alert each time a job goes from Uncrowded to Crowded.
type crowdWatch struct {
	jobID  string
	last   model.CrowdStatus
	alerts chan model.AlertData
}

func newCrowdWatch(jobID string, alerts chan model.AlertData) *crowdWatch {
	return &crowdWatch{
		jobID:  jobID,
		last:   model.StatusUncrowded,
		alerts: alerts,
	}
}

func (w *crowdWatch) observe(rec model.CountRecord) {
	prev := w.last
	w.last = rec.Status
	if prev != model.StatusUncrowded || rec.Status != model.StatusCrowded || w.alerts == nil {
		return
	}

	alert := model.AlertData{
		JobID:       w.jobID,
		FrameIndex:  rec.FrameIndex,
		PersonCount: rec.PersonCount,
		HeadCount:   rec.HeadCount,
		Status:      rec.Status,
		Timestamp:   rec.Timestamp,
	}
	select {
	case w.alerts <- alert:
	default:
		lgr.Logger.Warn("alert dropped, alerter is busy",
			slog.String("jobID", w.jobID),
			slog.Int("frame", rec.FrameIndex),
		)
	}
}
