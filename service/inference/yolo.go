package inference

import (
	"context"
	"image"
	"log/slog"
	"os"
	"strings"
	"sync"

	"golang.org/x/xerrors"
	"gocv.io/x/gocv"

	"github.com/khaledhikmat/crowdstream-go/model"
	"github.com/khaledhikmat/crowdstream-go/service/config"
	"github.com/khaledhikmat/crowdstream-go/service/lgr"
)

type yoloService struct {
	labels     []string
	inputSize  int
	confidence float32
	nms        float32

	// WARNING: gocv.Net is not thread-safe, so every Detect borrows one
	// from the pool.
	nets      chan *gocv.Net
	all       []*gocv.Net
	closeOnce sync.Once
}

func NewYolo(cfgsvc config.IService) (IService, error) {
	modelPath := cfgsvc.GetDetectorModelPath()
	if _, err := os.Stat(modelPath); err != nil {
		return nil, xerrors.Errorf("yolo model %s: %w", modelPath, err)
	}

	labels, err := LoadLabels(cfgsvc.GetDetectorLabelsPath())
	if err != nil {
		return nil, err
	}

	inputSize := cfgsvc.GetDetectorInputSize()
	if inputSize <= 0 {
		inputSize = 640
	}

	workers := cfgsvc.GetDetectorWorkers()
	svc := &yoloService{
		labels:     labels,
		inputSize:  inputSize,
		confidence: cfgsvc.GetConfidenceThreshold(),
		nms:        cfgsvc.GetNMSThreshold(),
		nets:       make(chan *gocv.Net, workers),
	}

	for i := 0; i < workers; i++ {
		net := gocv.ReadNet(modelPath, "")
		if net.Empty() {
			svc.Close()
			return nil, xerrors.Errorf("net %d: error reading yolo model %s", i, modelPath)
		}

		if err := net.SetPreferableBackend(gocv.NetBackendDefault); err != nil {
			net.Close()
			svc.Close()
			return nil, xerrors.Errorf("setting backend: %w", err)
		}
		if err := net.SetPreferableTarget(gocv.NetTargetCPU); err != nil {
			net.Close()
			svc.Close()
			return nil, xerrors.Errorf("setting target: %w", err)
		}

		svc.all = append(svc.all, &net)
		svc.nets <- &net
	}

	lgr.Logger.Info("yolo detector ready",
		slog.String("model", modelPath),
		slog.Int("nets", workers),
		slog.Int("labels", len(labels)),
		slog.String("openCV", gocv.Version()),
	)

	return svc, nil
}

func (svc *yoloService) Detect(ctx context.Context, frame gocv.Mat) ([]model.Detection, error) {
	if frame.Empty() {
		return nil, xerrors.Errorf("empty frame: %w", model.ErrInference)
	}

	var net *gocv.Net
	select {
	case <-ctx.Done():
		return nil, xerrors.Errorf("waiting for detector: %w", model.ErrCancelled)
	case net = <-svc.nets:
	}
	defer func() { svc.nets <- net }()

	blob := gocv.BlobFromImage(frame, 1.0/255.0, image.Pt(svc.inputSize, svc.inputSize), gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()

	net.SetInput(blob, "")
	output := net.Forward("")
	defer output.Close()

	dims := output.Size()
	if len(dims) != 3 {
		return nil, xerrors.Errorf("unexpected output dims %v: %w", dims, model.ErrInference)
	}

	data, err := output.DataPtrFloat32()
	if err != nil {
		return nil, xerrors.Errorf("reading output: %v: %w", err, model.ErrInference)
	}

	candidates, endToEnd, err := parseRows(data, dims[1], dims[2], svc.labels, svc.confidence)
	if err != nil {
		return nil, err
	}

	scaleX := float32(frame.Cols()) / float32(svc.inputSize)
	scaleY := float32(frame.Rows()) / float32(svc.inputSize)
	if endToEnd {
		return keepAll(candidates, scaleX, scaleY, frame.Cols(), frame.Rows()), nil
	}
	return svc.suppress(candidates, scaleX, scaleY, frame.Cols(), frame.Rows()), nil
}

func (svc *yoloService) suppress(candidates []candidate, scaleX, scaleY float32, width, height int) []model.Detection {
	if len(candidates) == 0 {
		return []model.Detection{}
	}

	boxes := make([]image.Rectangle, len(candidates))
	scores := make([]float32, len(candidates))
	for i, c := range candidates {
		boxes[i] = c.box(scaleX, scaleY, width, height)
		scores[i] = c.confidence
	}

	keep := gocv.NMSBoxes(boxes, scores, svc.confidence, svc.nms)

	detections := make([]model.Detection, 0, len(keep))
	for _, idx := range keep {
		detections = append(detections, model.Detection{
			Label:      candidates[idx].label,
			Confidence: candidates[idx].confidence,
			Box:        boxes[idx],
		})
	}
	return detections
}

// keepAll converts end-to-end candidates, which the model already
// de-duplicated.
func keepAll(candidates []candidate, scaleX, scaleY float32, width, height int) []model.Detection {
	detections := make([]model.Detection, 0, len(candidates))
	for _, c := range candidates {
		detections = append(detections, model.Detection{
			Label:      c.label,
			Confidence: c.confidence,
			Box:        c.box(scaleX, scaleY, width, height),
		})
	}
	return detections
}

func (svc *yoloService) Close() error {
	svc.closeOnce.Do(func() {
		for _, net := range svc.all {
			net.Close()
		}
	})
	return nil
}

type candidate struct {
	label          model.Label
	confidence     float32
	x0, y0, x1, y1 float32
}

// box scales corners in network input pixels into a frame rectangle
// clamped to the frame bounds.
func (c candidate) box(scaleX, scaleY float32, width, height int) image.Rectangle {
	return image.Rect(
		int(c.x0*scaleX),
		int(c.y0*scaleY),
		int(c.x1*scaleX),
		int(c.y1*scaleY),
	).Intersect(image.Rect(0, 0, width, height))
}

// endToEndCols is the row width of NMS-free exports (YOLOv10): x1, y1, x2,
// y2, score, class.
const endToEndCols = 6

// parseRows reads either YOLOv5 style rows (cx, cy, w, h, objectness, then
// one score per label) or end-to-end rows. endToEnd reports the latter, whose
// candidates need no NMS. The v5 layout wins when both widths match.
func parseRows(data []float32, rows, cols int, labels []string, threshold float32) (candidates []candidate, endToEnd bool, err error) {
	switch cols {
	case 5 + len(labels):
	case endToEndCols:
		endToEnd = true
	default:
		return nil, false, xerrors.Errorf("row width %d does not match %d labels: %w", cols, len(labels), model.ErrInference)
	}
	if rows < 0 || len(data) < rows*cols {
		return nil, false, xerrors.Errorf("output holds %d values, want %d: %w", len(data), rows*cols, model.ErrInference)
	}

	if endToEnd {
		candidates, err = parseEndToEndRows(data, rows, labels, threshold)
		return candidates, true, err
	}

	candidates = []candidate{}
	for i := 0; i < rows; i++ {
		row := data[i*cols : (i+1)*cols]

		objectness := row[4]
		if objectness < threshold {
			continue
		}

		classID := -1
		classScore := float32(0)
		for j, score := range row[5:] {
			if score > classScore {
				classScore = score
				classID = j
			}
		}
		if classID < 0 {
			continue
		}

		conf := objectness * classScore
		if conf < threshold {
			continue
		}

		cx, cy, w, h := row[0], row[1], row[2], row[3]
		candidates = append(candidates, candidate{
			label:      NormalizeLabel(labels[classID]),
			confidence: conf,
			x0:         cx - w/2,
			y0:         cy - h/2,
			x1:         cx + w/2,
			y1:         cy + h/2,
		})
	}
	return candidates, false, nil
}

func parseEndToEndRows(data []float32, rows int, labels []string, threshold float32) ([]candidate, error) {
	candidates := []candidate{}
	for i := 0; i < rows; i++ {
		row := data[i*endToEndCols : (i+1)*endToEndCols]

		score := row[4]
		if score < threshold {
			continue
		}

		classID := int(row[5])
		if classID < 0 || classID >= len(labels) {
			return nil, xerrors.Errorf("row %d class %d has no label: %w", i, classID, model.ErrInference)
		}

		candidates = append(candidates, candidate{
			label:      NormalizeLabel(labels[classID]),
			confidence: score,
			x0:         row[0],
			y0:         row[1],
			x1:         row[2],
			y1:         row[3],
		})
	}
	return candidates, nil
}

// NormalizeLabel maps model class names onto the counted labels. Unknown
// names pass through unchanged.
func NormalizeLabel(name string) model.Label {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "person", "people", "pedestrian":
		return model.LabelPerson
	case "head":
		return model.LabelHead
	default:
		return model.Label(strings.TrimSpace(name))
	}
}

func LoadLabels(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Errorf("reading labels: %w", err)
	}

	labels := []string{}
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		labels = append(labels, line)
	}

	if len(labels) == 0 {
		return nil, xerrors.Errorf("labels file %s is empty", path)
	}
	return labels, nil
}
