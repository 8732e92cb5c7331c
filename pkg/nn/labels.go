package nn

// ObjectDetection is an object that a neural network has found in an image
type ObjectDetection struct {
	Class      int     `json:"class"`
	Label      string  `json:"label,omitempty"`   // Class name, if the model supplied one
	Confidence float32 `json:"confidence"`        // 0..1
	Box        Rect    `json:"box"`               // Pixel coordinates of the image that was analyzed
	TrackID    uint32  `json:"trackID,omitempty"` // Zero if the object is not being tracked
}

// FilterByConfidence returns only the objects with Confidence >= minConfidence.
// The input slice is not modified.
func FilterByConfidence(objects []ObjectDetection, minConfidence float32) []ObjectDetection {
	out := make([]ObjectDetection, 0, len(objects))
	for _, obj := range objects {
		if obj.Confidence >= minConfidence {
			out = append(out, obj)
		}
	}
	return out
}
