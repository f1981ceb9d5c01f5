// Package dataset reads labeled training examples from a CSV file.
package dataset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
)

var (
	// ErrNoExamples is returned when the file holds a header but no rows.
	ErrNoExamples = errors.New("dataset contains no examples")

	// ErrMalformedRow is returned for a row with fewer than two fields.
	ErrMalformedRow = errors.New("malformed row")
)

// Example is one labeled row: column 0 is the text, column 1 the label.
type Example struct {
	Text  string
	Label string
}

// Load reads every example from the CSV file at path, in file order.
// The first row is treated as a header and skipped.
func Load(path string) ([]Example, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening dataset: %w", err)
	}
	defer f.Close()

	examples, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return examples, nil
}

// Read parses examples from r. See Load.
func Read(r io.Reader) ([]Example, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	if _, err := cr.Read(); err != nil {
		if err == io.EOF {
			return nil, ErrNoExamples
		}
		return nil, fmt.Errorf("reading header: %w", err)
	}

	var examples []Example
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parsing csv: %w", err)
		}
		if len(rec) < 2 {
			line, _ := cr.FieldPos(0)
			return nil, fmt.Errorf("line %d: %w: want 2 fields, got %d", line, ErrMalformedRow, len(rec))
		}
		examples = append(examples, Example{Text: rec[0], Label: rec[1]})
	}

	if len(examples) == 0 {
		return nil, ErrNoExamples
	}
	return examples, nil
}

// Labels returns the distinct labels of examples in first-seen order.
func Labels(examples []Example) []string {
	seen := make(map[string]struct{}, 8)
	var labels []string
	for _, e := range examples {
		if _, ok := seen[e.Label]; ok {
			continue
		}
		seen[e.Label] = struct{}{}
		labels = append(labels, e.Label)
	}
	return labels
}
