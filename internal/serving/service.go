// Package serving owns the lifecycle of the process-wide text classifier:
// training it from the dataset, persisting it, lazily hydrating it from
// disk, and answering predictions.
//
// A single Service is constructed at startup and shared by every caller.
// Reads of the current model are lock-free; training and hydration are
// writers and run one at a time, so the model handle is only ever replaced
// by an atomic swap of a fully built model.
package serving

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/promptbot/internal/classifier"
	"github.com/kalambet/promptbot/internal/dataset"
	"github.com/kalambet/promptbot/internal/storage"
)

// ErrNotTrained is returned when no model is resident and no persisted
// model file exists.
var ErrNotTrained = errors.New("model not trained")

// Messages returned by the value-level API in place of a label.
const (
	NotTrainedMessage = "Model not trained. Please train the model first."
	EmptyInputMessage = "Input text is empty."
)

// State is the lifecycle state of the model handle.
type State int

const (
	// Untrained: nothing in memory and no model file.
	Untrained State = iota
	// FileOnly: a model file exists but nothing is resident yet.
	FileOnly
	// Trained: a model is resident in memory.
	Trained
)

func (s State) String() string {
	switch s {
	case Untrained:
		return "untrained"
	case FileOnly:
		return "file_only"
	case Trained:
		return "trained"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// MarshalText lets State render as its name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name produced by MarshalText.
func (s *State) UnmarshalText(b []byte) error {
	for _, st := range []State{Untrained, FileOnly, Trained} {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown model state %q", b)
}

// Config locates the dataset and model file.
type Config struct {
	DataPath         string
	ModelPath        string
	Features         classifier.FeatureOptions
	BatchConcurrency int
}

// History records training runs. Implemented by storage.Store.
type History interface {
	StartTrainingRun(run storage.TrainingRun) error
	FinishTrainingRun(id, status string, examples int, labelsJSON, errMsg string) error
}

// Option configures a Service.
type Option func(*Service)

// WithHistory records every training run to h.
func WithHistory(h History) Option {
	return func(s *Service) { s.history = h }
}

// WithLogger replaces the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// Service is the Model Service. The zero value is not usable; call New.
type Service struct {
	cfg     Config
	history History
	logger  *slog.Logger

	current atomic.Pointer[classifier.Model]
	// writer admits one Train or hydration at a time.
	writer chan struct{}
}

// New creates a Service. No model is loaded until the first call that
// needs one.
func New(cfg Config, opts ...Option) *Service {
	if cfg.Features == (classifier.FeatureOptions{}) {
		cfg.Features = classifier.DefaultFeatureOptions()
	}
	if cfg.BatchConcurrency <= 0 {
		cfg.BatchConcurrency = 4
	}
	s := &Service{
		cfg:    cfg,
		logger: slog.Default(),
		writer: make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Service) lock(ctx context.Context) error {
	select {
	case s.writer <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) unlock() { <-s.writer }

// TrainResult summarizes a successful training run.
type TrainResult struct {
	RunID     string        `json:"run_id"`
	Examples  int           `json:"examples"`
	Labels    []string      `json:"labels"`
	TrainedAt time.Time     `json:"trained_at"`
	Duration  time.Duration `json:"duration_ns"`
}

// Train loads the dataset, fits a model, persists it, and only then makes it
// the current model. If any step fails the previous model (if any) keeps
// serving. trigger is recorded in the run history.
func (s *Service) Train(ctx context.Context, trigger string) (TrainResult, error) {
	if err := s.lock(ctx); err != nil {
		return TrainResult{}, err
	}
	defer s.unlock()

	start := time.Now().UTC()
	runID := uuid.New().String()
	s.recordStart(runID, start, trigger)

	res, err := s.train(ctx)
	if err != nil {
		s.recordFinish(runID, storage.RunFailed, res, err)
		return TrainResult{}, err
	}

	res.RunID = runID
	res.Duration = time.Since(start)
	s.recordFinish(runID, storage.RunSucceeded, res, nil)
	s.logger.Info("model trained",
		"run_id", runID,
		"examples", res.Examples,
		"labels", len(res.Labels),
		"duration_ms", res.Duration.Milliseconds(),
	)
	return res, nil
}

func (s *Service) train(ctx context.Context) (TrainResult, error) {
	examples, err := dataset.Load(s.cfg.DataPath)
	if err != nil {
		return TrainResult{}, fmt.Errorf("loading training data: %w", err)
	}
	res := TrainResult{Examples: len(examples)}

	m, err := classifier.Train(ctx, examples, s.cfg.Features)
	if err != nil {
		return res, fmt.Errorf("fitting model: %w", err)
	}
	res.Labels = m.Labels()
	res.TrainedAt = m.Schema().TrainedAt

	if err := m.Save(s.cfg.ModelPath); err != nil {
		return res, fmt.Errorf("saving model: %w", err)
	}

	s.current.Store(m)
	return res, nil
}

func (s *Service) recordStart(id string, start time.Time, trigger string) {
	if s.history == nil {
		return
	}
	run := storage.TrainingRun{ID: id, StartedAt: start, Trigger: trigger}
	if err := s.history.StartTrainingRun(run); err != nil {
		s.logger.Warn("recording training run start failed", "run_id", id, "error", err)
	}
}

func (s *Service) recordFinish(id, status string, res TrainResult, trainErr error) {
	if s.history == nil {
		return
	}
	labels := "[]"
	if len(res.Labels) > 0 {
		if b, err := json.Marshal(res.Labels); err == nil {
			labels = string(b)
		}
	}
	var msg string
	if trainErr != nil {
		msg = trainErr.Error()
	}
	if err := s.history.FinishTrainingRun(id, status, res.Examples, labels, msg); err != nil {
		s.logger.Warn("recording training run result failed", "run_id", id, "error", err)
	}
}

// EnsureLoaded makes sure a model is resident, hydrating it from the model
// file if needed. It returns ErrNotTrained when there is no file. Failures
// are not cached: the next call tries again.
func (s *Service) EnsureLoaded(ctx context.Context) error {
	if s.current.Load() != nil {
		return nil
	}

	if err := s.lock(ctx); err != nil {
		return err
	}
	defer s.unlock()

	// Another writer may have finished while we waited.
	if s.current.Load() != nil {
		return nil
	}

	if _, err := os.Stat(s.cfg.ModelPath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrNotTrained
		}
		return fmt.Errorf("checking model file: %w", err)
	}

	m, err := classifier.Load(s.cfg.ModelPath)
	if err != nil {
		return fmt.Errorf("loading model: %w", err)
	}
	s.current.Store(m)
	s.logger.Info("model loaded from disk", "path", s.cfg.ModelPath, "labels", len(m.Labels()))
	return nil
}

// Classify returns the predicted label for text, hydrating the model first
// if necessary.
func (s *Service) Classify(ctx context.Context, text string) (string, error) {
	if err := s.EnsureLoaded(ctx); err != nil {
		return "", err
	}
	return s.current.Load().Predict(text)
}

// ClassifyBatch predicts a label for each text. Results are in input order.
// The first failing item aborts the batch.
func (s *Service) ClassifyBatch(ctx context.Context, texts []string) ([]string, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if err := s.EnsureLoaded(ctx); err != nil {
		return nil, err
	}
	m := s.current.Load()

	labels := make([]string, len(texts))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.BatchConcurrency)

	for i, text := range texts {
		g.Go(func() error {
			if err := gCtx.Err(); err != nil {
				return err
			}
			label, err := m.Predict(text)
			if err != nil {
				return fmt.Errorf("text %d: %w", i, err)
			}
			labels[i] = label
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return labels, nil
}

// Ready reports whether a model is, or can be made, resident. A missing
// model file is not an error.
func (s *Service) Ready(ctx context.Context) (bool, error) {
	err := s.EnsureLoaded(ctx)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrNotTrained):
		return false, nil
	default:
		return false, err
	}
}

// State reports the current lifecycle state without hydrating anything.
func (s *Service) State() State {
	if s.current.Load() != nil {
		return Trained
	}
	if _, err := os.Stat(s.cfg.ModelPath); err == nil {
		return FileOnly
	}
	return Untrained
}

// Status describes the service for diagnostics.
type Status struct {
	State     State      `json:"state"`
	DataPath  string     `json:"data_path"`
	ModelPath string     `json:"model_path"`
	Labels    []string   `json:"labels,omitempty"`
	Examples  int        `json:"examples,omitempty"`
	TrainedAt *time.Time `json:"trained_at,omitempty"`
}

// Status returns the current state and, when a model is resident, its schema.
func (s *Service) Status() Status {
	st := Status{
		State:     s.State(),
		DataPath:  s.cfg.DataPath,
		ModelPath: s.cfg.ModelPath,
	}
	if m := s.current.Load(); m != nil {
		schema := m.Schema()
		st.Labels = schema.Labels
		st.Examples = schema.Examples
		st.TrainedAt = &schema.TrainedAt
	}
	return st
}

// TrainModel trains and persists a new model, reporting only success. The
// failure is logged.
func (s *Service) TrainModel() bool {
	if _, err := s.Train(context.Background(), "service"); err != nil {
		s.logger.Error("training model failed", "error", err)
		return false
	}
	return true
}

// Predict returns a displayable string: the predicted label, or a message
// explaining why there is none. It never panics on bad input or a bad
// model file.
func (s *Service) Predict(text string) string {
	label, err := s.Classify(context.Background(), text)
	switch {
	case err == nil:
		return label
	case errors.Is(err, ErrNotTrained):
		return NotTrainedMessage
	case errors.Is(err, classifier.ErrEmptyInput):
		return EmptyInputMessage
	default:
		s.logger.Error("prediction failed", "error", err)
		return fmt.Sprintf("Error loading model: %v", err)
	}
}

// IsModelReady reports whether a model is resident, hydrating it from disk
// as a side effect.
func (s *Service) IsModelReady() bool {
	ok, err := s.Ready(context.Background())
	if err != nil {
		s.logger.Error("checking model readiness failed", "error", err)
	}
	return ok
}
