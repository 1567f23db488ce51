package storage

import (
	"io"

	"github.com/khaledhikmat/crowdstream-go/model"
)

// Area selects which output directory of a namespace a request addresses.
type Area string

const (
	AreaHLS     Area = "hls"
	AreaHeatmap Area = "heatmap"
)

const (
	ManifestName        = "output.m3u8"
	HeatmapManifestName = "mapsoutput.m3u8"
	SegmentPattern      = "segment_%03d.ts"
)

type IService interface {
	// Allocate creates the directory tree for jobID. It fails if the job
	// already has a namespace.
	Allocate(jobID, filename string) (model.Namespace, error)
	// StoreUpload copies r into the namespace upload path. Uploads larger
	// than maxBytes are rejected and removed.
	StoreUpload(ns model.Namespace, r io.Reader, maxBytes int64) (int64, error)
	// Resolve maps a client supplied relative path to a file inside the
	// namespace area.
	Resolve(ns model.Namespace, area Area, rel string) (string, error)
	Reclaim(ns model.Namespace) error
	// Lookup rebuilds the namespace of an existing job from its id.
	Lookup(jobID string) (model.Namespace, error)
}
