package pipeline

import "github.com/khaledhikmat/crowdstream-go/model"

// Aggregate counts Person and Head detections. Other labels are ignored.
func Aggregate(detections []model.Detection) model.Counts {
	counts := model.Counts{}
	for _, d := range detections {
		switch d.Label {
		case model.LabelPerson:
			counts.PersonCount++
		case model.LabelHead:
			counts.HeadCount++
		}
	}
	counts.Status = model.StatusFor(counts.PersonCount)
	return counts
}
