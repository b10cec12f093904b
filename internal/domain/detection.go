package domain

import "encoding/json"

// BoundingBox is center-x, center-y, width and height in source pixels.
type BoundingBox struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

type Detection struct {
	Class       string      `json:"class"`
	Confidence  float64     `json:"confidence"`
	BoundingBox BoundingBox `json:"bounding_box"`
}

// DetectionPayload is the normalized inference result stored per image.
type DetectionPayload struct {
	Detections []Detection `json:"detections"`
}

// MarshalJSON always writes a list, so an empty result is stored as {"detections": []}.
func (p DetectionPayload) MarshalJSON() ([]byte, error) {
	type alias DetectionPayload
	if p.Detections == nil {
		p.Detections = []Detection{}
	}
	return json.Marshal(alias(p))
}

func EmptyDetections() DetectionPayload {
	return DetectionPayload{Detections: []Detection{}}
}
