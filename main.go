package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/mdobak/go-xerrors"

	"github.com/khaledhikmat/crowdstream-go/mode"
	"github.com/khaledhikmat/crowdstream-go/pipeline"
	"github.com/khaledhikmat/crowdstream-go/service/config"
	"github.com/khaledhikmat/crowdstream-go/service/data"
	"github.com/khaledhikmat/crowdstream-go/service/encoder"
	"github.com/khaledhikmat/crowdstream-go/service/inference"
	"github.com/khaledhikmat/crowdstream-go/service/lgr"
	"github.com/khaledhikmat/crowdstream-go/service/storage"
	"github.com/khaledhikmat/crowdstream-go/service/webhook"
)

const (
	// WARNING: this has to be bigger that the mode processor shutdown time
	waitOnShutdown = 8 * time.Second
)

var modeProcessors = map[string]mode.Processor{
	"server":  mode.Server,
	"process": mode.Process,
}

func main() {
	rootCtx := context.Background()
	canxCtx, canxFn := context.WithCancel(rootCtx)

	// Hook up a signal handler to cancel the context
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		lgr.Logger.Info(
			"received kill signal",
			slog.Any("signal", sig),
		)
		canxFn()
	}()

	// Load env vars if we are in DEV mode
	if os.Getenv(config.EnvRunTimeEnv) == "dev" || os.Getenv(config.EnvRunTimeEnv) == "" {
		lgr.Logger.Info("loading env vars from .env file")
		err := godotenv.Load()
		if err != nil {
			lgr.Logger.Warn("no .env file loaded", slog.Any("error", xerrors.New(err.Error())))
		}
	}

	modeType := "server"
	args := os.Args[1:]
	if len(args) > 0 {
		modeType = args[0]
		args = args[1:]
	}

	modeProc, ok := modeProcessors[modeType]
	if !ok {
		lgr.Logger.Error("invalid mode", slog.String("mode", modeType))
		panic("invalid mode")
	}

	// Config service
	cfgSvc, err := config.NewEnvVars()
	if err != nil {
		lgr.Logger.Error("invalid configuration", slog.Any("error", xerrors.New(err.Error())))
		panic("invalid configuration")
	}

	logCloser := lgr.Init(lgr.Options{
		RunTimeEnv: cfgSvc.GetRunTimeEnv(),
		Level:      cfgSvc.GetLogLevel(),
		File:       cfgSvc.GetLogFile(),
	})
	defer logCloser.Close()

	// Data service
	dataSvc, err := data.NewSqlite(cfgSvc)
	if err != nil {
		lgr.Logger.Error("opening count store", slog.Any("error", xerrors.New(err.Error())))
		panic("error opening count store")
	}
	defer dataSvc.Close()

	// Inference service
	var inferenceSvc inference.IService
	if cfgSvc.GetDetectorType() == "fake" {
		inferenceSvc = inference.NewFake(nil)
	} else {
		inferenceSvc, err = inference.NewYolo(cfgSvc)
		if err != nil {
			lgr.Logger.Error("loading detector", slog.Any("error", xerrors.New(err.Error())))
			panic("error loading detector")
		}
	}
	defer inferenceSvc.Close()

	svcs := pipeline.ServicesFactory{
		CfgSvc:       cfgSvc,
		DataSvc:      dataSvc,
		StorageSvc:   storage.NewLocal(cfgSvc),
		InferenceSvc: inferenceSvc,
		EncoderSvc:   encoder.NewFFmpeg(cfgSvc),
		WebhookSvc:   webhook.NewHTTP(cfgSvc),
		Framers:      pipeline.OpenFramer,
	}

	// Create mode processor result
	modeProcResult := make(chan error, 1)

	// Start the mode processor
	go func() {
		modeProcResult <- modeProc(canxCtx, svcs, pipeline.SimpleAlerter, args)
	}()

	// Wait for cancellation or mode proc
	for {
		select {
		case <-canxCtx.Done():
			lgr.Logger.Info(
				"crowdstream context cancelled",
			)
			goto resume

		case err := <-modeProcResult:
			if err != nil {
				lgr.Logger.Info(
					"crowdstream mode processor exited",
					slog.Any("error", xerrors.New(err.Error())),
				)
			}
			canxFn()
			return
		}
	}

	// Wait in a non-blocking way for `waitOnShutdown` for the mode processor
	// to drain its jobs
resume:
	lgr.Logger.Info(
		"crowdstream is waiting for the mode processor to exit",
	)

	timer := time.NewTimer(waitOnShutdown)
	defer timer.Stop()

	select {
	case <-timer.C:
		lgr.Logger.Info(
			"crowdstream shutdown waiting period expired. Exiting now",
			slog.Duration("period", waitOnShutdown),
		)

	case err := <-modeProcResult:
		if err != nil {
			lgr.Logger.Info(
				"crowdstream mode processor exited",
				slog.Any("error", xerrors.New(err.Error())),
			)
		}
	}
}
