// Package classifier fits, queries and persists the multiclass text model.
//
// The pipeline is fixed: text featurization, label-to-class mapping, a naive
// Bayes fit over the featurized examples, and class-to-label mapping on the
// way out. The statistics themselves live in github.com/jbrukh/bayesian.
package classifier

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jbrukh/bayesian"

	"github.com/kalambet/promptbot/internal/dataset"
)

var (
	// ErrTooFewLabels is returned when training data has fewer than two
	// distinct labels; a multiclass model needs at least two.
	ErrTooFewLabels = errors.New("training data needs at least two distinct labels")

	// ErrEmptyInput is returned by Predict for empty or whitespace-only text.
	ErrEmptyInput = errors.New("input text is empty")
)

// Model is a trained, immutable classifier. It is safe for concurrent use
// by multiple goroutines.
type Model struct {
	nb     *bayesian.Classifier
	schema Schema
}

// Train fits a model over examples. The result is deterministic for a given
// input: the same examples in the same order always produce the same model.
func Train(ctx context.Context, examples []dataset.Example, opts FeatureOptions) (*Model, error) {
	labels := dataset.Labels(examples)
	if len(labels) < 2 {
		return nil, fmt.Errorf("%w: got %d", ErrTooFewLabels, len(labels))
	}

	classes := make([]bayesian.Class, len(labels))
	for i, l := range labels {
		classes[i] = bayesian.Class(l)
	}
	nb := bayesian.NewClassifier(classes...)

	for i, e := range examples {
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		nb.Learn(opts.Featurize(e.Text), bayesian.Class(e.Label))
	}

	return &Model{
		nb: nb,
		schema: Schema{
			Version:   formatVersion,
			Columns:   []string{"text", "label"},
			Labels:    labels,
			Features:  opts,
			Examples:  len(examples),
			TrainedAt: time.Now().UTC(),
		},
	}, nil
}

// Predict returns the most likely label for text. The result is always one
// of the labels the model was trained on.
func (m *Model) Predict(text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyInput
	}
	_, best, _ := m.nb.LogScores(m.schema.Features.Featurize(text))
	return string(m.nb.Classes[best]), nil
}

// Labels returns the trained labels in the order they were first seen.
func (m *Model) Labels() []string {
	out := make([]string, len(m.schema.Labels))
	copy(out, m.schema.Labels)
	return out
}

// Schema returns the metadata persisted alongside the model.
func (m *Model) Schema() Schema {
	s := m.schema
	s.Labels = m.Labels()
	s.Columns = append([]string(nil), m.schema.Columns...)
	return s
}
