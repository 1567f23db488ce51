package mode

import (
	"context"
	"log/slog"
	"time"

	"github.com/khaledhikmat/crowdstream-go/api"
	"github.com/khaledhikmat/crowdstream-go/pipeline"
	"github.com/khaledhikmat/crowdstream-go/service/jobs"
	"github.com/khaledhikmat/crowdstream-go/service/lgr"
)

// Server runs the HTTP surface and the job manager until canxCtx is
// cancelled, then drains running jobs.
func Server(canxCtx context.Context, svcs pipeline.ServicesFactory, alerter pipeline.Alerter, _ []string) error {
	errorStream := make(chan interface{})
	statsStream := make(chan interface{})

	alertStream := alerter(canxCtx, svcs, errorStream, statsStream)

	mgr := jobs.New(canxCtx, svcs, errorStream, statsStream, alertStream)

	srv := api.NewServer(api.ServerConfig{
		Port:           svcs.CfgSvc.GetPort(),
		Jobs:           mgr,
		DataSvc:        svcs.DataSvc,
		StorageSvc:     svcs.StorageSvc,
		MaxUploadBytes: svcs.CfgSvc.GetMaxUploadBytes(),
		Logger:         lgr.Logger,
		StartTime:      time.Now(),
	})

	serverResult := make(chan error, 1)
	go func() {
		serverResult <- srv.Start()
	}()

	periodic := time.Duration(svcs.CfgSvc.GetManagerPeriodicTimeout()) * time.Second
	ticker := time.NewTicker(periodic)
	defer ticker.Stop()

	var serverErr error

	for {
		select {
		case <-canxCtx.Done():
			lgr.Logger.Info(
				"server mode context cancelled",
			)
			goto resume

		case serverErr = <-serverResult:
			if serverErr != nil {
				lgr.Logger.Error(
					"http server exited",
					slog.Any("error", serverErr),
				)
			}
			goto resume

		case <-ticker.C:
			procStats(svcs.DataSvc, mgr.Stats())

		case s := <-statsStream:
			procStats(svcs.DataSvc, s)

		case e := <-errorStream:
			procError(svcs.DataSvc, e)
		}
	}

	// Jobs keep reporting while they wind down, so the streams are drained
	// until the manager is done or the shutdown period expires.
resume:
	lgr.Logger.Info(
		"server mode is waiting for running jobs to exit",
	)

	period := time.Duration(svcs.CfgSvc.GetModeMaxShutdownTime()) * time.Second
	shutdownCtx, shutdownFn := context.WithTimeout(context.Background(), period)
	defer shutdownFn()

	drained := make(chan struct{})
	go func() {
		defer close(drained)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			lgr.Logger.Warn("http server shutdown", slog.Any("error", err))
		}
		if err := mgr.Shutdown(shutdownCtx); err != nil {
			lgr.Logger.Warn("job manager shutdown", slog.Any("error", err))
		}
	}()

	for {
		select {
		case <-drained:
			procStats(svcs.DataSvc, mgr.Stats())
			lgr.Logger.Info(
				"server mode drained all jobs",
				slog.Any("resources", mgr.OpenResources()),
			)
			return serverErr

		case <-shutdownCtx.Done():
			lgr.Logger.Info(
				"server mode shutdown waiting period expired. Exiting now",
				slog.Duration("period", period),
			)
			return serverErr

		case s := <-statsStream:
			procStats(svcs.DataSvc, s)

		case e := <-errorStream:
			procError(svcs.DataSvc, e)
		}
	}
}
