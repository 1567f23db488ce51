package config

import (
	"fmt"
	"os"
	"strconv"
)

const (
	EnvRunTimeEnv       = "RUN_TIME_ENV"
	EnvPort             = "CROWD_PORT"
	EnvShutdownSeconds  = "CROWD_SHUTDOWN_SECONDS"
	EnvDataDir          = "CROWD_DATA_DIR"
	EnvDBFile           = "CROWD_DB_FILE"
	EnvLogLevel         = "CROWD_LOG_LEVEL"
	EnvLogFile          = "CROWD_LOG_FILE"
	EnvDetector         = "CROWD_DETECTOR"
	EnvModelPath        = "CROWD_MODEL_PATH"
	EnvLabelsPath       = "CROWD_LABELS_PATH"
	EnvDetectorWorkers  = "CROWD_DETECTOR_WORKERS"
	EnvConfidence       = "CROWD_CONFIDENCE"
	EnvNMS              = "CROWD_NMS"
	EnvDetectionLogging = "CROWD_DETECTION_LOGGING"
	EnvFrameWidth       = "CROWD_FRAME_WIDTH"
	EnvFrameHeight      = "CROWD_FRAME_HEIGHT"
	EnvDefaultFPS       = "CROWD_DEFAULT_FPS"
	EnvFFmpegPath       = "CROWD_FFMPEG_PATH"
	EnvPreset           = "CROWD_PRESET"
	EnvSegmentSeconds   = "CROWD_SEGMENT_SECONDS"
	EnvHeatmapEnabled   = "CROWD_HEATMAP_ENABLED"
	EnvMaxJobs          = "CROWD_MAX_JOBS"
	EnvMaxUploadMB      = "CROWD_MAX_UPLOAD_MB"
	EnvWebhookURL       = "CROWD_WEBHOOK_URL"
)

// NewEnvVars overlays CROWD_* environment variables on Defaults().
func NewEnvVars() (IService, error) {
	v := Defaults()

	if s := os.Getenv(EnvRunTimeEnv); s != "" {
		v.RunTimeEnv = s
	}

	if err := intVar(EnvPort, &v.Port); err != nil {
		return nil, err
	}
	if v.Port < 1 || v.Port > 65535 {
		return nil, fmt.Errorf("invalid %s: port must be between 1 and 65535", EnvPort)
	}

	stringVar(EnvDataDir, &v.DataFolder)
	stringVar(EnvDBFile, &v.DatabaseFile)
	stringVar(EnvLogLevel, &v.LogLevel)
	stringVar(EnvLogFile, &v.LogFile)
	stringVar(EnvDetector, &v.DetectorType)
	stringVar(EnvModelPath, &v.ModelPath)
	stringVar(EnvLabelsPath, &v.LabelsPath)
	stringVar(EnvFFmpegPath, &v.FFmpegPath)
	stringVar(EnvPreset, &v.Preset)
	stringVar(EnvWebhookURL, &v.WebhookURL)

	if v.DetectorType != "yolo" && v.DetectorType != "fake" {
		return nil, fmt.Errorf("invalid %s: %q (want yolo or fake)", EnvDetector, v.DetectorType)
	}

	ints := []struct {
		name string
		dst  *int
	}{
		{EnvShutdownSeconds, &v.ShutdownSeconds},
		{EnvDetectorWorkers, &v.DetectorWorkers},
		{EnvFrameWidth, &v.FrameWidth},
		{EnvFrameHeight, &v.FrameHeight},
		{EnvSegmentSeconds, &v.SegmentSeconds},
		{EnvMaxJobs, &v.MaxJobs},
	}
	for _, i := range ints {
		if err := intVar(i.name, i.dst); err != nil {
			return nil, err
		}
	}

	if s := os.Getenv(EnvMaxUploadMB); s != "" {
		mb, err := strconv.ParseInt(s, 10, 64)
		if err != nil || mb <= 0 {
			return nil, fmt.Errorf("invalid %s: %q", EnvMaxUploadMB, s)
		}
		v.MaxUploadBytes = mb << 20
	}

	if err := float32Var(EnvConfidence, &v.Confidence); err != nil {
		return nil, err
	}
	if err := float32Var(EnvNMS, &v.NMS); err != nil {
		return nil, err
	}

	if s := os.Getenv(EnvDefaultFPS); s != "" {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil || f <= 0 {
			return nil, fmt.Errorf("invalid %s: %q", EnvDefaultFPS, s)
		}
		v.DefaultFPS = f
	}

	if err := boolVar(EnvDetectionLogging, &v.DetectionLogging); err != nil {
		return nil, err
	}
	if err := boolVar(EnvHeatmapEnabled, &v.HeatmapEnabled); err != nil {
		return nil, err
	}

	return NewStatic(v), nil
}

func stringVar(name string, dst *string) {
	if s := os.Getenv(name); s != "" {
		*dst = s
	}
}

func intVar(name string, dst *int) error {
	s := os.Getenv(name)
	if s == "" {
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	*dst = n
	return nil
}

func float32Var(name string, dst *float32) error {
	s := os.Getenv(name)
	if s == "" {
		return nil
	}
	f, err := strconv.ParseFloat(s, 32)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	*dst = float32(f)
	return nil
}

func boolVar(name string, dst *bool) error {
	s := os.Getenv(name)
	if s == "" {
		return nil
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	*dst = b
	return nil
}
