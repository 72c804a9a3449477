package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"

	"github.com/Brownie44l1/ensemble-api/internal/ensemble"
	"github.com/Brownie44l1/ensemble-api/internal/model"
	"github.com/Brownie44l1/ensemble-api/internal/preprocess"
	"github.com/Brownie44l1/ensemble-api/internal/result"
	"github.com/google/uuid"
)

// maxUploadSize bounds the multipart form held in memory (10MB).
const maxUploadSize = 10 << 20

// Diagnoser runs the diagnosis pipeline on raw image bytes.
type Diagnoser interface {
	Diagnose(ctx context.Context, raw []byte) (*result.Response, error)
}

type Handler struct {
	diagnoser Diagnoser
	registry  *model.Registry
}

func NewHandler(diagnoser Diagnoser, registry *model.Registry) *Handler {
	return &Handler{
		diagnoser: diagnoser,
		registry:  registry,
	}
}

// Routes registers every endpoint on a new mux.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", EnableCORS(h.Health))
	mux.HandleFunc("/predict", EnableCORS(h.Predict))
	return mux
}

// EnableCORS allows browser clients from any origin.
func EnableCORS(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next(w, r)
	}
}

type healthResponse struct {
	Status string            `json:"status"`
	Ready  bool              `json:"ready"`
	Models []string          `json:"models"`
	Failed map[string]string `json:"failed,omitempty"`
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "healthy", Ready: h.registry.IsReady(), Models: []string{}}
	for _, e := range h.registry.All() {
		resp.Models = append(resp.Models, e.ID)
	}
	if failures := h.registry.Failures(); len(failures) > 0 {
		resp.Failed = make(map[string]string, len(failures))
		for id, err := range failures {
			resp.Failed[id] = err.Error()
		}
	}

	status := http.StatusOK
	if len(resp.Models) == 0 {
		resp.Status = "unavailable"
		status = http.StatusServiceUnavailable
	} else if !resp.Ready {
		resp.Status = "degraded"
	}
	writeJSON(w, status, resp)
}

func (h *Handler) Predict(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	requestID := uuid.NewString()
	logger := slog.With("request", requestID)

	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		writeError(w, http.StatusBadRequest, "Failed to parse form")
		return
	}

	file, header, err := formImage(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "No image file provided. Use 'file' or 'image' as the form field name")
		return
	}
	defer file.Close()

	logger.Info("Received file", "filename", header.Filename, "size", header.Size)

	raw, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read uploaded file")
		return
	}

	resp, err := h.diagnoser.Diagnose(r.Context(), raw)
	if err != nil {
		status := statusFor(err)
		logger.Error("Prediction failed", "status", status, "error", err)
		writeError(w, status, "Prediction failed: "+err.Error())
		return
	}

	logger.Info("Prediction complete",
		"diagnosis", resp.FinalDiagnosis,
		"confidence", resp.EnsembleConfidence,
		"explained", resp.ExplanationAvailable)
	writeJSON(w, http.StatusOK, resp)
}

// formImage accepts the upload under either supported field name.
func formImage(r *http.Request) (multipart.File, *multipart.FileHeader, error) {
	file, header, err := r.FormFile("file")
	if errors.Is(err, http.ErrMissingFile) {
		return r.FormFile("image")
	}
	return file, header, err
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, preprocess.ErrDecode), errors.Is(err, preprocess.ErrUnsupportedFormat):
		return http.StatusBadRequest
	case errors.Is(err, ensemble.ErrNotReady):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
