package config

import "time"

type IService interface {
	GetRunTimeEnv() string
	GetPort() int
	GetModeMaxShutdownTime() int
	GetDataFolder() string
	GetJobsFolder() string
	GetDatabaseFile() string
	GetLogLevel() string
	GetLogFile() string

	GetDetectorType() string
	GetDetectorModelPath() string
	GetDetectorLabelsPath() string
	GetDetectorWorkers() int
	GetDetectorInputSize() int
	GetConfidenceThreshold() float32
	GetNMSThreshold() float32
	GetDetectionLogging() bool

	GetFrameWidth() int
	GetFrameHeight() int
	GetDefaultFPS() float64

	GetFFmpegPath() string
	GetEncoderPreset() string
	GetSegmentDuration() int
	GetHeatmapEnabled() bool

	GetMaxJobs() int
	GetMaxUploadBytes() int64
	GetStoreRetryAttempts() int
	GetStoreRetryBackoff() time.Duration
	GetWebhookURL() string
	GetManagerPeriodicTimeout() int
}
