package detections

const (
	// DefaultInputSize is used when the model declares dynamic spatial dims.
	DefaultInputSize = 640
	// PadValue fills the letterbox border, the value YOLO exports are trained with.
	PadValue = 114
	// RowSize is the width of one end-to-end output row: x1, y1, x2, y2, score, class.
	RowSize = 6
	// DefaultConfThreshold matches the ultralytics predict default.
	DefaultConfThreshold = 0.25
	Channels             = 3
	// DefaultMaxPixels caps decoded image area, about 160 MiB as NRGBA.
	DefaultMaxPixels = 40_000_000
)
