package models

// Frame is one sampled still image. Image holds the encoded PNG bytes.
type Frame struct {
	Index  int
	Offset float64
	Image  []byte
}

// ClassifierResult is the payload of one successful classifier event.
type ClassifierResult struct {
	ClassNames     []string `json:"class_name"`
	AnnotatedImage string   `json:"annotated_image"`
	Confidence     float64  `json:"confidence"`
}

type ClassifierEvent struct {
	Success bool              `json:"success"`
	Result  *ClassifierResult `json:"result"`
}

type Detection struct {
	ID             string   `json:"id"`
	FrameIndex     int      `json:"frameIndex"`
	Offset         float64  `json:"offset"`
	ClassNames     []string `json:"class_name"`
	AnnotatedImage string   `json:"annotated_image"`
	Confidence     float64  `json:"confidence"`
	ImageURL       string   `json:"annotated_image_url,omitempty"`
	Manual         bool     `json:"manual,omitempty"`
}
