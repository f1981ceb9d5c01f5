package api

import (
	"encoding/json"
	"errors"
	"io/fs"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/promptbot/internal/classifier"
	"github.com/kalambet/promptbot/internal/dataset"
	"github.com/kalambet/promptbot/internal/storage"
	"github.com/kalambet/promptbot/internal/trainer"
)

// TrainResponse is returned by a synchronous POST /train.
type TrainResponse struct {
	Success   bool      `json:"success"`
	RunID     string    `json:"run_id"`
	Examples  int       `json:"examples"`
	Labels    []string  `json:"labels"`
	TrainedAt time.Time `json:"trained_at"`
	Millis    int64     `json:"duration_ms"`
}

func handleTrain(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("async") == "true" {
			id, err := trainer.Enqueue(deps.Store, "api")
			if err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "failed to enqueue training: %v", err)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusAccepted)
			json.NewEncoder(w).Encode(map[string]string{
				"job_id": id,
				"status": "queued",
			})
			return
		}

		res, err := deps.Service.Train(r.Context(), "api")
		if err != nil {
			if isDatasetError(err) {
				httpError(w, http.StatusUnprocessableEntity, "invalid_dataset", "training failed: %v", err)
				return
			}
			httpError(w, http.StatusInternalServerError, "api_error", "training failed: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(TrainResponse{
			Success:   true,
			RunID:     res.RunID,
			Examples:  res.Examples,
			Labels:    res.Labels,
			TrainedAt: res.TrainedAt,
			Millis:    res.Duration.Milliseconds(),
		})
	}
}

// isDatasetError reports whether a training failure was caused by the
// dataset rather than the server.
func isDatasetError(err error) bool {
	return errors.Is(err, fs.ErrNotExist) ||
		errors.Is(err, dataset.ErrNoExamples) ||
		errors.Is(err, dataset.ErrMalformedRow) ||
		errors.Is(err, classifier.ErrTooFewLabels)
}

func handleListTrainingRuns(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 100)
		offset := parseIntParam(r, "offset", 0, 0)

		runs, err := deps.Store.ListTrainingRuns(limit, offset)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list training runs: %v", err)
			return
		}

		if runs == nil {
			runs = []storage.TrainingRun{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(runs)
	}
}

func handleGetJob(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		job, err := deps.Store.GetJob(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "job not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get job: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(job)
	}
}
