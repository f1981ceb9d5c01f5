package classifier

import (
	"archive/zip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/jbrukh/bayesian"
)

// ErrIncompatibleModel is returned by Load when the file was written in a
// format or with a label set this build cannot serve.
var ErrIncompatibleModel = errors.New("incompatible model file")

const (
	formatVersion = 1

	schemaEntry     = "schema.json"
	classifierEntry = "classifier.gob"
)

// Schema describes a persisted model: the data columns it was fit on, its
// label set, and the featurization needed to query it.
type Schema struct {
	Version   int            `json:"version"`
	Columns   []string       `json:"columns"`
	Labels    []string       `json:"labels"`
	Features  FeatureOptions `json:"features"`
	Examples  int            `json:"examples"`
	TrainedAt time.Time      `json:"trained_at"`
}

// Save writes the model to path as a zip archive holding schema.json and the
// gob-encoded classifier. Any existing file is replaced atomically.
func (m *Model) Save(path string) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating model dir: %w", err)
	}

	gob, err := m.encodeClassifier(dir)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".model-*.zip")
	if err != nil {
		return fmt.Errorf("creating temp model file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	zw := zip.NewWriter(tmp)

	schemaJSON, err := json.MarshalIndent(m.schema, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding schema: %w", err)
	}
	if err := writeEntry(zw, schemaEntry, schemaJSON); err != nil {
		return err
	}
	if err := writeEntry(zw, classifierEntry, gob); err != nil {
		return err
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("finalizing model archive: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("syncing model file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing model file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("replacing model file: %w", err)
	}
	return nil
}

// encodeClassifier serializes the naive Bayes state through the library's
// own file writer, then reads the bytes back for the archive.
func (m *Model) encodeClassifier(dir string) ([]byte, error) {
	f, err := os.CreateTemp(dir, ".classifier-*.gob")
	if err != nil {
		return nil, fmt.Errorf("creating temp classifier file: %w", err)
	}
	gobPath := f.Name()
	f.Close()
	defer os.Remove(gobPath)

	if err := m.nb.WriteToFile(gobPath); err != nil {
		return nil, fmt.Errorf("encoding classifier: %w", err)
	}
	data, err := os.ReadFile(gobPath)
	if err != nil {
		return nil, fmt.Errorf("reading encoded classifier: %w", err)
	}
	return data, nil
}

func writeEntry(zw *zip.Writer, name string, data []byte) error {
	w, err := zw.Create(name)
	if err != nil {
		return fmt.Errorf("adding %s: %w", name, err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("writing %s: %w", name, err)
	}
	return nil
}

// Load reads a model written by Save.
func Load(path string) (*Model, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("opening model archive: %w", err)
	}
	defer zr.Close()

	var schemaFile, gobFile *zip.File
	for _, f := range zr.File {
		switch f.Name {
		case schemaEntry:
			schemaFile = f
		case classifierEntry:
			gobFile = f
		}
	}
	if schemaFile == nil || gobFile == nil {
		return nil, fmt.Errorf("%w: archive is missing %s or %s", ErrIncompatibleModel, schemaEntry, classifierEntry)
	}

	var schema Schema
	if err := decodeJSONEntry(schemaFile, &schema); err != nil {
		return nil, err
	}
	if schema.Version != formatVersion {
		return nil, fmt.Errorf("%w: format version %d, want %d", ErrIncompatibleModel, schema.Version, formatVersion)
	}

	rc, err := gobFile.Open()
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", classifierEntry, err)
	}
	defer rc.Close()

	nb, err := bayesian.NewClassifierFromReader(rc)
	if err != nil {
		return nil, fmt.Errorf("decoding classifier: %w", err)
	}

	classes := make([]string, len(nb.Classes))
	for i, c := range nb.Classes {
		classes[i] = string(c)
	}
	if !slices.Equal(classes, schema.Labels) {
		return nil, fmt.Errorf("%w: classifier classes %v do not match schema labels %v", ErrIncompatibleModel, classes, schema.Labels)
	}

	return &Model{nb: nb, schema: schema}, nil
}

func decodeJSONEntry(f *zip.File, v any) error {
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("opening %s: %w", f.Name, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return fmt.Errorf("reading %s: %w", f.Name, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decoding %s: %w", f.Name, err)
	}
	return nil
}
