package mode

import (
	"context"
	"log/slog"

	"github.com/khaledhikmat/crowdstream-go/model"
	"github.com/khaledhikmat/crowdstream-go/pipeline"
	"github.com/khaledhikmat/crowdstream-go/service/data"
	"github.com/khaledhikmat/crowdstream-go/service/lgr"
)

// Processor runs one mode until canxCtx is cancelled or its work is done.
// args are the command line arguments that follow the mode name.
type Processor func(canxCtx context.Context,
	svcs pipeline.ServicesFactory,
	alerter pipeline.Alerter,
	args []string) error

func procStats(datasvc data.IService, stats interface{}) {
	switch stats := stats.(type) {
	case model.ManagerStats:
		procManagerStats(datasvc, stats)
	case model.PipelineStats:
		procPipelineStats(datasvc, stats)
	default:
		lgr.Logger.Error(
			"unknown stats type",
			slog.Any("stats", stats),
		)
	}
}

func procManagerStats(datasvc data.IService, stats model.ManagerStats) {
	err := datasvc.NewManagerStats(stats)
	if err != nil {
		lgr.Logger.Error(
			"failed to store manager stats",
			slog.Any("stats", stats),
			slog.Any("error", err),
		)
	}
}

func procPipelineStats(datasvc data.IService, stats model.PipelineStats) {
	err := datasvc.NewPipelineStats(stats)
	if err != nil {
		lgr.Logger.Error(
			"failed to store pipeline stats",
			slog.Any("stats", stats),
			slog.Any("error", err),
		)
	}
}

func procError(datasvc data.IService, err interface{}) {
	errTemp := datasvc.NewError(err)
	if errTemp != nil {
		lgr.Logger.Error(
			"failed to store error",
			slog.Any("error", errTemp),
		)
	}
}
