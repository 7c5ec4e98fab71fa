package models

import "time"

// Detection is one object instance predicted by the model. BBox holds
// x1, y1, x2, y2 in pixels of the uploaded image.
type Detection struct {
	ClassID    int        `json:"class_id"`
	ClassName  string     `json:"class_name"`
	Confidence float32    `json:"confidence"`
	BBox       [4]float32 `json:"bbox_xyxy"`
}

type PredictionResponse struct {
	Model         string      `json:"model"`
	ModelPath     string      `json:"model_path"`
	ImageShape    [3]int      `json:"image_shape"`
	NumDetections int         `json:"num_detections"`
	Detections    []Detection `json:"detections"`
}

type HealthResponse struct {
	OK        bool   `json:"ok"`
	Model     string `json:"model"`
	ModelPath string `json:"model_path"`
	PublicDir string `json:"public_dir"`
}

type ErrorResponse struct {
	Detail string `json:"detail"`
}

type ProcessingTimings struct {
	RequestID   string
	ImageDecode time.Duration
	Preprocess  time.Duration
	Inference   time.Duration
	Postprocess time.Duration
	Total       time.Duration
}
