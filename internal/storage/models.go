package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Training run statuses.
const (
	RunRunning   = "running"
	RunSucceeded = "succeeded"
	RunFailed    = "failed"
)

type TrainingRun struct {
	ID         string     `json:"id"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Status     string     `json:"status"`
	Trigger    string     `json:"trigger"` // "api", "cli", "mcp", "job", "watch"
	Examples   int        `json:"examples"`
	Labels     string     `json:"labels"` // JSON array stored as text
	Error      string     `json:"error,omitempty"`
}

type Prediction struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	InputText string    `json:"input_text"`
	Label     string    `json:"label"`
	Source    string    `json:"source"`
}

type Job struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	PayloadJSON string    `json:"payload_json"`
	Status      string    `json:"status"` // "pending", "running", "completed", "failed"
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"max_attempts"`
	RunAfter    time.Time `json:"run_after"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	LastError   string    `json:"last_error,omitempty"`
}
