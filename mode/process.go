package mode

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/xerrors"

	"github.com/khaledhikmat/crowdstream-go/model"
	"github.com/khaledhikmat/crowdstream-go/pipeline"
	"github.com/khaledhikmat/crowdstream-go/service/jobs"
	"github.com/khaledhikmat/crowdstream-go/service/lgr"
)

var videoContentTypes = map[string]string{
	".mp4": "video/mp4",
	".avi": "video/x-msvideo",
	".mov": "video/quicktime",
}

// Process runs a single job over a local video file, or over generated
// frames when no file is given, and returns once it ends.
func Process(canxCtx context.Context, svcs pipeline.ServicesFactory, alerter pipeline.Alerter, args []string) error {
	errorStream := make(chan interface{})
	statsStream := make(chan interface{})

	alertStream := alerter(canxCtx, svcs, errorStream, statsStream)

	mgr := jobs.New(canxCtx, svcs, errorStream, statsStream, alertStream)

	job, err := submitLocal(canxCtx, mgr, args)
	if err != nil {
		return err
	}

	lgr.Logger.Info(
		"processing job",
		slog.String("jobID", job.ID),
		slog.String("manifest", job.Namespace.ManifestPath),
	)

	result := make(chan model.Job, 1)
	go func() {
		// The manager context ends the job on cancellation, so Wait
		// always returns.
		done, _ := mgr.Wait(context.Background(), job.ID)
		result <- done
	}()

	for {
		select {
		case done := <-result:
			procStats(svcs.DataSvc, mgr.Stats())
			lgr.Logger.Info(
				"job finished",
				slog.String("jobID", done.ID),
				slog.String("state", string(done.State)),
				slog.Int("frames", done.Frames),
			)
			if done.State != model.JobCompleted {
				return xerrors.Errorf("job %s %s: %s", done.ID, done.State, done.Error)
			}
			return nil

		case s := <-statsStream:
			procStats(svcs.DataSvc, s)

		case e := <-errorStream:
			procError(svcs.DataSvc, e)
		}
	}
}

func submitLocal(ctx context.Context, mgr *jobs.Manager, args []string) (model.Job, error) {
	if len(args) == 0 || args[0] == pipeline.FramerSynthetic {
		return mgr.SubmitSynthetic(ctx)
	}

	path := args[0]
	contentType, ok := videoContentTypes[strings.ToLower(filepath.Ext(path))]
	if !ok {
		return model.Job{}, xerrors.Errorf("%s: unsupported video extension: %w", path, model.ErrInvalidInput)
	}

	f, err := os.Open(path)
	if err != nil {
		return model.Job{}, xerrors.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	return mgr.Submit(ctx, filepath.Base(path), contentType, f)
}
