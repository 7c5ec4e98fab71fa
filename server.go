package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"runtime/debug"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/Tutortoise/cell-detection-service/detections"
	"github.com/Tutortoise/cell-detection-service/models"
)

const (
	uploadField = "file"
	indexFile   = "index.html"
)

type ctxKey string

const requestIDKey ctxKey = "request_id"

// AppState is built once in main and shared read-only by every handler.
type AppState struct {
	ModelName      string
	ModelPath      string
	PublicDir      string
	Detector       detections.Detector
	Logger         *zap.Logger
	MaxUploadBytes int64
	MaxPixels      int64
}

// newRouter registers the API under both bare and /api paths and serves
// the static UI for everything else.
func newRouter(state *AppState) http.Handler {
	r := mux.NewRouter()

	for _, prefix := range []string{"", "/api"} {
		r.HandleFunc(prefix+"/health", state.handleHealth).Methods(http.MethodGet, http.MethodHead)
		r.HandleFunc(prefix+"/predict", state.handlePredict).Methods(http.MethodPost)
	}
	r.PathPrefix("/").Handler(spaHandler{staticPath: state.PublicDir, indexPath: indexFile}).Methods(http.MethodGet, http.MethodHead)

	return recoveryMiddleware(state.Logger)(loggingMiddleware(state.Logger)(corsMiddleware(r)))
}

func (s *AppState) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, models.HealthResponse{
		OK:        true,
		Model:     s.ModelName,
		ModelPath: s.ModelPath,
		PublicDir: s.PublicDir,
	}, http.StatusOK)
}

func (s *AppState) handlePredict(w http.ResponseWriter, r *http.Request) {
	startTotal := time.Now()
	ctx := r.Context()
	timings := &models.ProcessingTimings{RequestID: requestID(ctx)}
	logger := s.Logger.With(zap.String("request_id", timings.RequestID))

	imgBytes, err := s.readUpload(w, r)
	if err != nil {
		status, detail := http.StatusBadRequest, MsgUploadImage
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			detail = MsgUploadTooLarge
		}
		logger.Info("rejected upload", zap.Error(err))
		sendErrorResponse(w, detail, status)
		return
	}

	decodeStart := time.Now()
	img, err := detections.DecodeImage(imgBytes, s.MaxPixels)
	timings.ImageDecode = time.Since(decodeStart)
	if err != nil {
		logger.Info("rejected image", zap.Error(err))
		sendErrorResponse(w, MsgInvalidImage, http.StatusBadRequest)
		return
	}

	out, err := s.Detector.Detect(ctx, img, timings)
	if err != nil {
		logger.Error("inference failed", zap.Error(err))
		sendErrorResponse(w, MsgInferenceFailed, http.StatusInternalServerError)
		return
	}

	dets := detections.ToDetections(out)
	timings.Total = time.Since(startTotal)
	logTimings(logger, timings)

	if err := respondJSON(w, models.PredictionResponse{
		Model:         s.ModelName,
		ModelPath:     s.ModelPath,
		ImageShape:    detections.Shape(img),
		NumDetections: len(dets),
		Detections:    dets,
	}, http.StatusOK); err != nil {
		logger.Error("failed to encode prediction", zap.Error(err))
	}
}

// readUpload returns the bytes of the single image part. Any error maps to
// a client error.
func (s *AppState) readUpload(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.MaxUploadBytes)
	if err := r.ParseMultipartForm(s.MaxUploadBytes); err != nil {
		return nil, fmt.Errorf("parse multipart form: %w", err)
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile(uploadField)
	if err != nil {
		return nil, fmt.Errorf("read %q field: %w", uploadField, err)
	}
	defer file.Close()

	contentType := strings.ToLower(strings.TrimSpace(header.Header.Get("Content-Type")))
	if !strings.HasPrefix(contentType, "image/") {
		return nil, fmt.Errorf("content type %q is not an image", contentType)
	}

	return io.ReadAll(file)
}

func logTimings(logger *zap.Logger, t *models.ProcessingTimings) {
	logger.Debug("processing times",
		zap.Duration("image_decode", t.ImageDecode),
		zap.Duration("preprocess", t.Preprocess),
		zap.Duration("inference", t.Inference),
		zap.Duration("postprocess", t.Postprocess),
		zap.Duration("total", t.Total),
	)
}

// spaHandler serves files from staticPath and falls back to the index
// document for paths that do not name a file.
type spaHandler struct {
	staticPath string
	indexPath  string
}

func (h spaHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	urlPath := path.Clean("/" + r.URL.Path)
	target := filepath.Join(h.staticPath, filepath.FromSlash(urlPath))

	info, err := os.Stat(target)
	if err == nil && info.IsDir() {
		_, err = os.Stat(filepath.Join(target, h.indexPath))
	}
	if err != nil {
		w.Header().Set("Cache-Control", "no-cache")
		http.ServeFile(w, r, filepath.Join(h.staticPath, h.indexPath))
		return
	}

	http.FileServer(http.Dir(h.staticPath)).ServeHTTP(w, r)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, HEAD, POST, OPTIONS")
		if reqHeaders := r.Header.Get("Access-Control-Request-Headers"); reqHeaders != "" {
			w.Header().Set("Access-Control-Allow-Headers", reqHeaders)
		} else {
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.status = code
	rec.ResponseWriter.WriteHeader(code)
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			id := fmt.Sprintf("%d", start.UnixNano())
			r = r.WithContext(context.WithValue(r.Context(), requestIDKey, id))

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			logger.Info("request",
				zap.String("request_id", id),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", rec.status),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

func recoveryMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered",
						zap.Any("panic", rec),
						zap.ByteString("stack", debug.Stack()),
					)
					sendErrorResponse(w, MsgInternalError, http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func requestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// respondJSON encodes data before writing the status line, so an encoding
// failure becomes a complete 500 response instead of a truncated 200.
func respondJSON(w http.ResponseWriter, data interface{}, status int) error {
	body, err := json.Marshal(data)
	if err != nil {
		status = http.StatusInternalServerError
		body, _ = json.Marshal(models.ErrorResponse{Detail: MsgInternalError})
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(append(body, '\n'))
	return err
}

func sendErrorResponse(w http.ResponseWriter, detail string, status int) {
	respondJSON(w, models.ErrorResponse{Detail: detail}, status)
}
