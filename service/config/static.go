package config

import (
	"path/filepath"
	"time"
)

// Values is the full set of settings. Defaults() returns what the service
// runs with when nothing is overridden.
type Values struct {
	RunTimeEnv       string
	Port             int
	ShutdownSeconds  int
	DataFolder       string
	DatabaseFile     string
	LogLevel         string
	LogFile          string
	DetectorType     string
	ModelPath        string
	LabelsPath       string
	DetectorWorkers  int
	DetectorInput    int
	Confidence       float32
	NMS              float32
	DetectionLogging bool
	FrameWidth       int
	FrameHeight      int
	DefaultFPS       float64
	FFmpegPath       string
	Preset           string
	SegmentSeconds   int
	HeatmapEnabled   bool
	MaxJobs          int
	MaxUploadBytes   int64
	RetryAttempts    int
	RetryBackoff     time.Duration
	WebhookURL       string
	ManagerPeriodic  int
}

func Defaults() Values {
	return Values{
		RunTimeEnv:       "dev",
		Port:             8000,
		ShutdownSeconds:  5,
		DataFolder:       "./data",
		DatabaseFile:     "",
		LogLevel:         "info",
		LogFile:          "",
		DetectorType:     "yolo",
		ModelPath:        "./yolo/best.onnx",
		LabelsPath:       "./yolo/labels.names",
		DetectorWorkers:  2,
		DetectorInput:    640,
		Confidence:       0.5,
		NMS:              0.45,
		DetectionLogging: false,
		FrameWidth:       640,
		FrameHeight:      360,
		DefaultFPS:       25,
		FFmpegPath:       "ffmpeg",
		Preset:           "ultrafast",
		SegmentSeconds:   2,
		HeatmapEnabled:   false,
		MaxJobs:          0,
		MaxUploadBytes:   512 << 20,
		RetryAttempts:    5,
		RetryBackoff:     100 * time.Millisecond,
		WebhookURL:       "",
		ManagerPeriodic:  30,
	}
}

type staticService struct {
	v Values
}

// NewHardCoded returns a service backed by Defaults().
func NewHardCoded() IService {
	return NewStatic(Defaults())
}

func NewStatic(v Values) IService {
	return &staticService{v: v}
}

func (svc *staticService) GetRunTimeEnv() string {
	return svc.v.RunTimeEnv
}

func (svc *staticService) GetPort() int {
	return svc.v.Port
}

func (svc *staticService) GetModeMaxShutdownTime() int {
	return svc.v.ShutdownSeconds
}

func (svc *staticService) GetDataFolder() string {
	return svc.v.DataFolder
}

func (svc *staticService) GetJobsFolder() string {
	return filepath.Join(svc.v.DataFolder, "jobs")
}

func (svc *staticService) GetDatabaseFile() string {
	if svc.v.DatabaseFile != "" {
		return svc.v.DatabaseFile
	}
	return filepath.Join(svc.v.DataFolder, "detections.db")
}

func (svc *staticService) GetLogLevel() string {
	return svc.v.LogLevel
}

func (svc *staticService) GetLogFile() string {
	return svc.v.LogFile
}

func (svc *staticService) GetDetectorType() string {
	return svc.v.DetectorType
}

func (svc *staticService) GetDetectorModelPath() string {
	return svc.v.ModelPath
}

func (svc *staticService) GetDetectorLabelsPath() string {
	return svc.v.LabelsPath
}

func (svc *staticService) GetDetectorWorkers() int {
	if svc.v.DetectorWorkers < 1 {
		return 1
	}
	return svc.v.DetectorWorkers
}

func (svc *staticService) GetDetectorInputSize() int {
	return svc.v.DetectorInput
}

func (svc *staticService) GetConfidenceThreshold() float32 {
	return svc.v.Confidence
}

func (svc *staticService) GetNMSThreshold() float32 {
	return svc.v.NMS
}

func (svc *staticService) GetDetectionLogging() bool {
	return svc.v.DetectionLogging
}

func (svc *staticService) GetFrameWidth() int {
	return svc.v.FrameWidth
}

func (svc *staticService) GetFrameHeight() int {
	return svc.v.FrameHeight
}

func (svc *staticService) GetDefaultFPS() float64 {
	return svc.v.DefaultFPS
}

func (svc *staticService) GetFFmpegPath() string {
	return svc.v.FFmpegPath
}

func (svc *staticService) GetEncoderPreset() string {
	return svc.v.Preset
}

func (svc *staticService) GetSegmentDuration() int {
	if svc.v.SegmentSeconds <= 0 {
		return 2
	}
	return svc.v.SegmentSeconds
}

func (svc *staticService) GetHeatmapEnabled() bool {
	return svc.v.HeatmapEnabled
}

func (svc *staticService) GetMaxJobs() int {
	return svc.v.MaxJobs
}

func (svc *staticService) GetMaxUploadBytes() int64 {
	return svc.v.MaxUploadBytes
}

func (svc *staticService) GetStoreRetryAttempts() int {
	return svc.v.RetryAttempts
}

func (svc *staticService) GetStoreRetryBackoff() time.Duration {
	return svc.v.RetryBackoff
}

func (svc *staticService) GetWebhookURL() string {
	return svc.v.WebhookURL
}

func (svc *staticService) GetManagerPeriodicTimeout() int {
	return svc.v.ManagerPeriodic
}
