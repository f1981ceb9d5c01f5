package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/promptbot/internal/classifier"
	"github.com/kalambet/promptbot/internal/serving"
	"github.com/kalambet/promptbot/internal/storage"
)

const maxBatchSize = 1000

type PredictRequest struct {
	Text string `json:"text"`
}

type PredictResponse struct {
	Label string `json:"label"`
}

type BatchPredictRequest struct {
	Texts []string `json:"texts"`
}

type BatchPredictResponse struct {
	Labels []string `json:"labels"`
}

func handlePredict(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req PredictRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		label, err := deps.Service.Classify(r.Context(), req.Text)
		if err != nil {
			predictError(w, err)
			return
		}
		recordPredictions(deps.Store, "api", []string{req.Text}, []string{label})

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(PredictResponse{Label: label})
	}
}

func handlePredictBatch(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req BatchPredictRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if len(req.Texts) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "texts is required and must not be empty")
			return
		}
		if len(req.Texts) > maxBatchSize {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "at most %d texts per batch", maxBatchSize)
			return
		}

		labels, err := deps.Service.ClassifyBatch(r.Context(), req.Texts)
		if err != nil {
			predictError(w, err)
			return
		}
		recordPredictions(deps.Store, "api", req.Texts, labels)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(BatchPredictResponse{Labels: labels})
	}
}

// predictError maps a Classify failure onto the front end's messages.
func predictError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, serving.ErrNotTrained):
		httpError(w, http.StatusConflict, "model_not_trained", serving.NotTrainedMessage)
	case errors.Is(err, classifier.ErrEmptyInput):
		httpError(w, http.StatusBadRequest, "invalid_request_error", serving.EmptyInputMessage)
	default:
		httpError(w, http.StatusInternalServerError, "api_error", "Error loading model: %v", err)
	}
}

// recordPredictions saves prediction history. Failures are logged and do
// not affect the response.
func recordPredictions(store *storage.Store, source string, texts, labels []string) {
	if store == nil {
		return
	}
	now := time.Now().UTC()
	for i, text := range texts {
		p := storage.Prediction{
			ID:        uuid.New().String(),
			CreatedAt: now,
			InputText: text,
			Label:     labels[i],
			Source:    source,
		}
		if err := store.SavePrediction(p); err != nil {
			slog.Warn("recording prediction failed", "error", err)
			return
		}
	}
}

func handleListPredictions(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 100)
		offset := parseIntParam(r, "offset", 0, 0)

		preds, err := deps.Store.ListPredictions(limit, offset)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list predictions: %v", err)
			return
		}

		if preds == nil {
			preds = []storage.Prediction{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(preds)
	}
}

func handleLabelCounts(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		counts, err := deps.Store.LabelCounts()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to count labels: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(counts)
	}
}
