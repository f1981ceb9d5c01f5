package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/promptbot/internal/serving"
	"github.com/kalambet/promptbot/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

// AppDeps holds the dependencies of the HTTP API.
type AppDeps struct {
	Store   *storage.Store
	Service *serving.Service
}

// NewHandler returns the HTTP API used by the web front end and the CLI.
func NewHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)
	r.Get("/ready", handleReady(deps))
	r.Get("/model", handleModel(deps))

	r.Post("/predict", handlePredict(deps))
	r.Post("/predict/batch", handlePredictBatch(deps))
	r.Get("/predictions", handleListPredictions(deps))
	r.Get("/predictions/labels", handleLabelCounts(deps))

	r.Post("/train", handleTrain(deps))
	r.Get("/training-runs", handleListTrainingRuns(deps))
	r.Get("/jobs/{id}", handleGetJob(deps))

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

type readyResponse struct {
	Ready bool          `json:"ready"`
	State serving.State `json:"state"`
	Error string        `json:"error,omitempty"`
}

// handleReady backs the front end's "model ready" indicator. It hydrates the
// model from disk when a file exists.
func handleReady(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ok, err := deps.Service.Ready(r.Context())
		resp := readyResponse{Ready: ok, State: deps.Service.State()}
		if err != nil {
			resp.Error = err.Error()
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}

func handleModel(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(deps.Service.Status())
	}
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
