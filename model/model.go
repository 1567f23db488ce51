package model

import (
	"fmt"
	"image"
	"runtime/debug"
	"time"
)

type CustomError struct {
	Processor  string                 `json:"processor"`
	Inner      error                  `json:"innerError"`
	Message    string                 `json:"message"`
	StackTrace string                 `json:"stackTrace"`
	Misc       map[string]interface{} `json:"misc"`
}

func (e CustomError) Error() string {
	if e.Inner == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Inner)
}

func (e CustomError) Unwrap() error {
	return e.Inner
}

func GenError(proc string, err error, misc map[string]interface{}, messagef string, args ...interface{}) CustomError {
	return CustomError{
		Processor:  proc,
		Inner:      err,
		Message:    fmt.Sprintf(messagef, args...),
		StackTrace: string(debug.Stack()),
		Misc:       misc,
	}
}

// Label is the detection class reported by the detection capability.
// Only Person and Head are counted; any other label is carried through untouched.
type Label string

const (
	LabelPerson Label = "Person"
	LabelHead   Label = "Head"
)

type Detection struct {
	Label      Label           `json:"label"`
	Confidence float32         `json:"confidence"`
	Box        image.Rectangle `json:"box"`
}

type CrowdStatus string

const (
	StatusCrowded   CrowdStatus = "Crowded"
	StatusUncrowded CrowdStatus = "Uncrowded"
)

// CrowdThreshold is a fixed policy: more than this many persons is a crowd.
const CrowdThreshold = 15

func StatusFor(personCount int) CrowdStatus {
	if personCount > CrowdThreshold {
		return StatusCrowded
	}
	return StatusUncrowded
}

type Counts struct {
	PersonCount int         `json:"personCount"`
	HeadCount   int         `json:"headCount"`
	Status      CrowdStatus `json:"status"`
}

type CountRecord struct {
	ID          int64       `json:"id,omitempty"`
	JobID       string      `json:"jobId"`
	FrameIndex  int         `json:"frameIndex"`
	Timestamp   time.Time   `json:"timestamp"`
	PersonCount int         `json:"person_count"`
	HeadCount   int         `json:"head_count"`
	Status      CrowdStatus `json:"status"`
	CreatedAt   time.Time   `json:"created_at"`
}

type VideoInfo struct {
	Width  int     `json:"width"`
	Height int     `json:"height"`
	FPS    float64 `json:"fps"`
}

type EncoderConfig struct {
	Name            string  `json:"name"`
	FrameRate       float64 `json:"frameRate"`
	Width           int     `json:"width"`
	Height          int     `json:"height"`
	Preset          string  `json:"preset"`
	SegmentDuration int     `json:"segmentDuration"`
	SegmentPattern  string  `json:"segmentPattern"`
	ManifestPath    string  `json:"manifestPath"`
}

type AlertData struct {
	JobID       string      `json:"jobId"`
	FrameIndex  int         `json:"frameIndex"`
	PersonCount int         `json:"personCount"`
	HeadCount   int         `json:"headCount"`
	Status      CrowdStatus `json:"status"`
	Timestamp   time.Time   `json:"timestamp"`
}

type PipelineStats struct {
	Name        string  `json:"name"`
	JobID       string  `json:"jobId"`
	FPS         int     `json:"fps"`
	Frames      int     `json:"frames"`
	Errors      int     `json:"errors"`
	Uptime      int64   `json:"uptime"`
	AvgProcTime float64 `json:"avgProcTime"`
	Timestamp   int64   `json:"timestamp"`
}

type ManagerStats struct {
	TotalSubmitted int64 `json:"submitted"`
	TotalRejected  int64 `json:"rejected"`
	TotalCompleted int64 `json:"completed"`
	TotalFailed    int64 `json:"failed"`
	Running        int64 `json:"running"`
	Timestamp      int64 `json:"timestamp"`
}
