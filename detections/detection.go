package detections

import (
	"context"
	"fmt"
	"image"
	"math"
	"runtime"
	"strconv"
	"sync"
	"time"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/Tutortoise/cell-detection-service/models"
)

// Output is the part of a model result the service consumes.
type Output interface {
	Boxes() [][4]float32
	Confidences() []float32
	Classes() []int
	Names() map[int]string
}

// Detector runs the model once on a decoded image.
type Detector interface {
	Detect(ctx context.Context, img image.Image, timings *models.ProcessingTimings) (Output, error)
}

// Result is the Output produced by ONNXDetector.
type Result struct {
	boxes       [][4]float32
	confidences []float32
	classes     []int
	names       map[int]string
}

func NewResult(boxes [][4]float32, confidences []float32, classes []int, names map[int]string) *Result {
	return &Result{boxes: boxes, confidences: confidences, classes: classes, names: names}
}

func (r *Result) Boxes() [][4]float32    { return r.boxes }
func (r *Result) Confidences() []float32 { return r.confidences }
func (r *Result) Classes() []int         { return r.classes }
func (r *Result) Names() map[int]string  { return r.names }

// ToDetections flattens a model result into records, in model order.
func ToDetections(out Output) []models.Detection {
	boxes, confs, classes := out.Boxes(), out.Confidences(), out.Classes()
	n := min(len(boxes), len(confs), len(classes))
	names := out.Names()

	dets := make([]models.Detection, 0, n)
	for i := 0; i < n; i++ {
		name, ok := names[classes[i]]
		if !ok {
			name = strconv.Itoa(classes[i])
		}

		box := boxes[i]
		if box[0] > box[2] {
			box[0], box[2] = box[2], box[0]
		}
		if box[1] > box[3] {
			box[1], box[3] = box[3], box[1]
		}

		dets = append(dets, models.Detection{
			ClassID:    classes[i],
			ClassName:  name,
			Confidence: confs[i],
			BBox:       box,
		})
	}
	return dets
}

type ProcessingError struct {
	Message string
	Cause   error
}

func (e *ProcessingError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ProcessingError) Unwrap() error {
	return e.Cause
}

// Options configure NewONNXDetector. A zero ConfThreshold selects
// DefaultConfThreshold.
type Options struct {
	ModelPath      string
	NamesFile      string
	ConfThreshold  float32
	IntraOpThreads int
	InterOpThreads int
}

// ONNXDetector owns a single ONNX Runtime session for an end-to-end YOLO
// export. It is immutable after construction and safe for concurrent use;
// every Detect call allocates its own tensors.
type ONNXDetector struct {
	session       *ort.DynamicAdvancedSession
	inputName     string
	outputName    string
	inputShape    ort.Shape
	outputShape   ort.Shape
	inputWidth    int
	inputHeight   int
	confThreshold float32
	names         map[int]string
	buffers       sync.Pool
}

// NewONNXDetector inspects the model graph and opens the session. The ONNX
// Runtime environment must already be initialized.
func NewONNXDetector(opts Options) (*ONNXDetector, error) {
	inputs, outputs, err := ort.GetInputOutputInfo(opts.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("read model inputs and outputs: %w", err)
	}
	if len(inputs) != 1 || len(outputs) < 1 {
		return nil, fmt.Errorf("expected one input and at least one output, got %d and %d", len(inputs), len(outputs))
	}

	in, out := inputs[0], outputs[0]
	if in.DataType != ort.TensorElementDataTypeFloat || out.DataType != ort.TensorElementDataTypeFloat {
		return nil, fmt.Errorf("only float32 models are supported, got input %v output %v", in.DataType, out.DataType)
	}

	inputShape, width, height, err := resolveInputShape(in.Dimensions)
	if err != nil {
		return nil, err
	}
	outputShape, err := resolveOutputShape(out.Dimensions)
	if err != nil {
		return nil, err
	}

	names, err := loadNames(opts)
	if err != nil {
		return nil, err
	}

	threshold := opts.ConfThreshold
	if threshold <= 0 {
		threshold = DefaultConfThreshold
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("error creating session options: %w", err)
	}
	defer options.Destroy()

	intra, inter := opts.IntraOpThreads, opts.InterOpThreads
	if intra <= 0 {
		intra = runtime.NumCPU()
	}
	if inter <= 0 {
		inter = runtime.NumCPU()
	}
	if err := options.SetIntraOpNumThreads(intra); err != nil {
		return nil, fmt.Errorf("error setting intra-op threads: %w", err)
	}
	if err := options.SetInterOpNumThreads(inter); err != nil {
		return nil, fmt.Errorf("error setting inter-op threads: %w", err)
	}

	session, err := ort.NewDynamicAdvancedSession(opts.ModelPath, []string{in.Name}, []string{out.Name}, options)
	if err != nil {
		return nil, fmt.Errorf("error creating session: %w", err)
	}

	size := Channels * width * height
	return &ONNXDetector{
		session:       session,
		inputName:     in.Name,
		outputName:    out.Name,
		inputShape:    inputShape,
		outputShape:   outputShape,
		inputWidth:    width,
		inputHeight:   height,
		confThreshold: threshold,
		names:         names,
		buffers: sync.Pool{
			New: func() interface{} {
				buf := make([]float32, size)
				return &buf
			},
		},
	}, nil
}

// resolveInputShape expects NCHW with three channels; dynamic batch becomes 1
// and dynamic spatial dims fall back to DefaultInputSize.
func resolveInputShape(dims ort.Shape) (ort.Shape, int, int, error) {
	if len(dims) != 4 {
		return nil, 0, 0, fmt.Errorf("expected a 4-d NCHW input, got %v", dims)
	}
	if dims[1] != Channels {
		return nil, 0, 0, fmt.Errorf("expected %d input channels, got %v", Channels, dims)
	}

	height, width := dims[2], dims[3]
	if height <= 0 {
		height = DefaultInputSize
	}
	if width <= 0 {
		width = DefaultInputSize
	}
	return ort.NewShape(1, Channels, height, width), int(width), int(height), nil
}

// resolveOutputShape accepts the end-to-end head, [batch, rows, 6], where the
// graph already applied non-max suppression.
func resolveOutputShape(dims ort.Shape) (ort.Shape, error) {
	if len(dims) != 3 || dims[2] != RowSize {
		return nil, fmt.Errorf("output %v is not an end-to-end detection head [1, N, %d]; export the model with NMS included", dims, RowSize)
	}
	if dims[1] <= 0 {
		return nil, fmt.Errorf("output %v has a dynamic row count", dims)
	}
	return ort.NewShape(1, dims[1], RowSize), nil
}

func loadNames(opts Options) (map[int]string, error) {
	if opts.NamesFile != "" {
		return LoadNamesFile(opts.NamesFile)
	}

	metadata, err := ort.GetModelMetadata(opts.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("read model metadata: %w", err)
	}
	defer metadata.Destroy()

	value, present, err := metadata.LookupCustomMetadataMap(NamesMetadataKey)
	if err != nil {
		return nil, fmt.Errorf("read class names from metadata: %w", err)
	}
	if !present {
		return map[int]string{}, nil
	}
	return ParseNames(value)
}

// IONames returns the graph input and output tensor names in use.
func (d *ONNXDetector) IONames() (string, string) {
	return d.inputName, d.outputName
}

// InputSize returns the model input width and height.
func (d *ONNXDetector) InputSize() (int, int) {
	return d.inputWidth, d.inputHeight
}

// Names returns the class table loaded with the model.
func (d *ONNXDetector) Names() map[int]string {
	return d.names
}

// Detect runs one inference. timings must not be nil.
func (d *ONNXDetector) Detect(ctx context.Context, img image.Image, timings *models.ProcessingTimings) (Output, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	prepStart := time.Now()
	bounds := img.Bounds()
	lb := NewLetterbox(bounds.Dx(), bounds.Dy(), d.inputWidth, d.inputHeight)

	buf := d.buffers.Get().(*[]float32)
	defer d.buffers.Put(buf)
	lb.Fill(img, *buf)

	input, err := ort.NewTensor(d.inputShape, *buf)
	if err != nil {
		return nil, &ProcessingError{Message: "create input tensor", Cause: err}
	}
	defer input.Destroy()

	output, err := ort.NewEmptyTensor[float32](d.outputShape)
	if err != nil {
		return nil, &ProcessingError{Message: "create output tensor", Cause: err}
	}
	defer output.Destroy()
	timings.Preprocess = time.Since(prepStart)

	inferStart := time.Now()
	if err := d.session.Run([]ort.ArbitraryTensor{input}, []ort.ArbitraryTensor{output}); err != nil {
		return nil, &ProcessingError{Message: "model inference", Cause: err}
	}
	timings.Inference = time.Since(inferStart)

	postStart := time.Now()
	result := DecodeRows(output.GetData(), d.confThreshold, lb)
	result.names = d.names
	timings.Postprocess = time.Since(postStart)

	return result, nil
}

// DecodeRows reads end-to-end rows (x1, y1, x2, y2, score, class in input
// pixels), keeps those at or above threshold and maps them back through lb.
// Rows holding NaN or Inf are dropped. Row order is preserved.
func DecodeRows(data []float32, threshold float32, lb Letterbox) *Result {
	rows := len(data) / RowSize
	result := &Result{
		boxes:       make([][4]float32, 0),
		confidences: make([]float32, 0),
		classes:     make([]int, 0),
	}

	for i := 0; i < rows; i++ {
		row := data[i*RowSize : (i+1)*RowSize]
		if !finite(row) {
			continue
		}
		score := row[4]
		if score < threshold {
			continue
		}
		result.boxes = append(result.boxes, lb.ToSource([4]float32{row[0], row[1], row[2], row[3]}))
		result.confidences = append(result.confidences, score)
		result.classes = append(result.classes, int(row[5]))
	}
	return result
}

func finite(values []float32) bool {
	for _, v := range values {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}

// Close releases the session. The detector must not be used afterwards.
func (d *ONNXDetector) Close() {
	if d.session != nil {
		d.session.Destroy()
	}
}
