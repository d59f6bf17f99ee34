package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/Brownie44l1/cloudai/internal/classifier"
	"github.com/Brownie44l1/cloudai/internal/events"
	"github.com/Brownie44l1/cloudai/internal/imageprep"
	"github.com/Brownie44l1/cloudai/internal/model"
	"github.com/Brownie44l1/cloudai/internal/predict"
	"github.com/Brownie44l1/cloudai/internal/session"
)

// Classifier is the inference pipeline as seen by the HTTP layer.
type Classifier interface {
	Classify(ctx context.Context, img image.Image) (predict.Result, error)
	ClassifyRaw(ctx context.Context, input []float32) (predict.Result, error)
	Labels() []string
	InputLen() int
}

// ModelStatus reports where the shared model is in its lifecycle.
type ModelStatus interface {
	State() model.State
}

type Options struct {
	UploadLimit int64
	PreviewSize uint
}

type Handler struct {
	classifier Classifier
	model      ModelStatus
	sessions   *session.Store
	hub        *events.Hub
	opts       Options
	logger     *slog.Logger
}

func NewHandler(c Classifier, m ModelStatus, sessions *session.Store, hub *events.Hub, opts Options, logger *slog.Logger) *Handler {
	if opts.UploadLimit <= 0 {
		opts.UploadLimit = imageprep.DefaultUploadLimit
	}
	return &Handler{
		classifier: c,
		model:      m,
		sessions:   sessions,
		hub:        hub,
		opts:       opts,
		logger:     logger,
	}
}

// Routes builds the HTTP surface.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(enableCORS)

	r.Get("/health", h.Health)
	r.Post("/predict", h.Predict)
	r.Post("/predict/image", h.PredictFromImage)
	r.Get("/ws", h.Events)

	r.Route("/api", func(api chi.Router) {
		api.Get("/labels", h.Labels)
		api.Get("/session", h.GetSession)
		api.Delete("/session", h.ResetSession)
		api.Post("/session/file", h.SelectFile)
		api.Post("/session/classify", h.ClassifySession)
	})
	return r
}

func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

type PredictionRequest struct {
	Image []float32 `json:"image"`
}

type PredictionResponse struct {
	Class       string                 `json:"class"`
	Confidence  float64                `json:"confidence"`
	Predictions predict.Result         `json:"predictions"`
	File        *imageprep.FileDetails `json:"file,omitempty"`
}

func newPredictionResponse(res predict.Result, file *imageprep.FileDetails) PredictionResponse {
	top, _ := res.Top()
	return PredictionResponse{
		Class:       top.Label,
		Confidence:  top.Value,
		Predictions: res,
		File:        file,
	}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"model":  string(h.model.State()),
	})
}

func (h *Handler) Labels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"labels": h.classifier.Labels()})
}

// Predict classifies a pre-built tensor sent as a JSON float array.
func (h *Handler) Predict(w http.ResponseWriter, r *http.Request) {
	var req PredictionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<20)).Decode(&req); err != nil {
		jsonError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	if want := h.classifier.InputLen(); len(req.Image) != want {
		jsonError(w, fmt.Sprintf("Expected %d values, got %d", want, len(req.Image)), http.StatusBadRequest)
		return
	}

	result, err := h.classifier.ClassifyRaw(r.Context(), req.Image)
	if err != nil {
		h.fail(w, r, "raw prediction failed", err)
		return
	}
	writeJSON(w, http.StatusOK, newPredictionResponse(result, nil))
}

// PredictFromImage is the stateless upload path: one image in, one result out.
func (h *Handler) PredictFromImage(w http.ResponseWriter, r *http.Request) {
	up, err := h.readUpload(w, r)
	if err != nil {
		h.fail(w, r, "upload rejected", err)
		return
	}
	h.logger.Info("received file", "name", up.Details.Name, "size", up.Details.Size, "type", up.Details.Type)

	img, err := up.Decode()
	if err != nil {
		h.fail(w, r, "decode failed", err)
		return
	}

	result, err := h.classifier.Classify(r.Context(), img)
	if err != nil {
		h.fail(w, r, "prediction failed", err)
		return
	}
	// stateless callers without a session get the result only in the response
	if sid := sessionID(r); sid != "" {
		h.hub.Publish(events.Event{Type: events.TypePrediction, Source: "upload", Session: sid, File: &up.Details, Predictions: result})
	}
	writeJSON(w, http.StatusOK, newPredictionResponse(result, &up.Details))
}

func (h *Handler) readUpload(w http.ResponseWriter, r *http.Request) (*imageprep.Upload, error) {
	r.Body = http.MaxBytesReader(w, r.Body, h.opts.UploadLimit+1<<20)
	if err := r.ParseMultipartForm(h.opts.UploadLimit); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			return nil, fmt.Errorf("%w: request body too large", imageprep.ErrTooLarge)
		}
		return nil, errBadRequest("Failed to parse form")
	}

	file, header, err := r.FormFile("image")
	if err != nil {
		return nil, errBadRequest("No image file provided. Use 'image' as the form field name")
	}
	defer file.Close()

	return imageprep.Acquire(header.Filename, file, h.opts.UploadLimit)
}

type badRequest string

func (e badRequest) Error() string { return string(e) }

func errBadRequest(msg string) error { return badRequest(msg) }

// statusFor maps pipeline errors onto HTTP status codes.
func statusFor(err error) int {
	var br badRequest
	switch {
	case errors.As(err, &br):
		return http.StatusBadRequest
	case errors.Is(err, imageprep.ErrInvalidFileType):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, imageprep.ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, imageprep.ErrDecodeFailure), errors.Is(err, model.ErrInputSize),
		errors.Is(err, session.ErrNoFile):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrBusy), errors.Is(err, session.ErrNotPending):
		return http.StatusConflict
	case errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrModelLoading), errors.Is(err, model.ErrModelLoadFailure):
		return http.StatusServiceUnavailable
	case errors.Is(err, classifier.ErrTimeout):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, msg string, err error) {
	code := statusFor(err)
	attrs := []any{"err", err, "status", code, "request_id", middleware.GetReqID(r.Context())}
	if code >= http.StatusInternalServerError {
		h.logger.Error(msg, attrs...)
	} else {
		h.logger.Info(msg, attrs...)
	}
	if code == http.StatusInternalServerError {
		jsonError(w, "Prediction failed", code)
		return
	}
	jsonError(w, err.Error(), code)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	writeJSON(w, code, map[string]string{"error": msg})
}
