package ai

import "image"

// InferenceRequest represents a request to the inference service
type InferenceRequest struct {
	Image               string   `json:"image"` // Base64-encoded JPEG image
	ConfidenceThreshold *float64 `json:"confidence_threshold,omitempty"`
	EnabledClasses      []string `json:"enabled_classes,omitempty"`
}

// BoundingBox represents a detected object's bounding box in frame pixels
type BoundingBox struct {
	X1         float64 `json:"x1"`
	Y1         float64 `json:"y1"`
	X2         float64 `json:"x2"`
	Y2         float64 `json:"y2"`
	Confidence float64 `json:"confidence"` // 0.0 to 1.0
	ClassID    int     `json:"class_id"`
	ClassName  string  `json:"class_name"`
}

// Rect returns the box as an integer rectangle
func (b BoundingBox) Rect() image.Rectangle {
	return image.Rect(int(b.X1), int(b.Y1), int(b.X2), int(b.Y2))
}

// InferenceResponse represents the response from the inference service
type InferenceResponse struct {
	BoundingBoxes   []BoundingBox `json:"bounding_boxes"`
	InferenceTimeMs float64       `json:"inference_time_ms"`
	FrameShape      []int         `json:"frame_shape"` // [height, width]
	DetectionCount  int           `json:"detection_count"`
}

// Detection is the classifier verdict for one frame.
type Detection struct {
	// Found is true when at least one object of a non-ignored class passed
	// the confidence threshold.
	Found bool
	// Objects holds the boxes that qualified.
	Objects []BoundingBox
	// Frame is the input frame, annotated with Objects when Found is true.
	Frame image.Image
}
