package storage

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// TestMigrationsIdempotent runs Open twice on the same database and verifies
// the schema_version count stays correct (migration not re-applied).
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(v1) != len(v2) {
		t.Errorf("migration count changed: %d -> %d", len(v1), len(v2))
	}
}

func TestMigrationsOrdered(t *testing.T) {
	s := openTestStore(t)

	versions, err := s.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(versions) != 2 {
		t.Fatalf("applied %d migrations, want 2", len(versions))
	}
	for i := 1; i < len(versions); i++ {
		if versions[i] <= versions[i-1] {
			t.Errorf("migrations not in ascending order: %v", versions)
			break
		}
	}
}

func TestIndexesExist(t *testing.T) {
	s := openTestStore(t)

	indexes := []string{"idx_training_runs_started", "idx_predictions_created", "idx_predictions_label", "idx_jobs_status_run_after"}
	for _, idx := range indexes {
		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?", idx).Scan(&count)
		if err != nil {
			t.Fatalf("querying sqlite_master for %q: %v", idx, err)
		}
		if count != 1 {
			t.Errorf("index %q not found in sqlite_master", idx)
		}
	}
}

// --- Training runs ---

func TestTrainingRunLifecycle(t *testing.T) {
	s := openTestStore(t)

	start := time.Now().UTC()
	if err := s.StartTrainingRun(TrainingRun{ID: "run-1", StartedAt: start, Trigger: "cli"}); err != nil {
		t.Fatalf("StartTrainingRun: %v", err)
	}

	got, err := s.GetTrainingRun("run-1")
	if err != nil {
		t.Fatalf("GetTrainingRun: %v", err)
	}
	if got.Status != RunRunning {
		t.Errorf("Status = %q, want %q", got.Status, RunRunning)
	}
	if got.FinishedAt != nil {
		t.Errorf("FinishedAt = %v, want nil", got.FinishedAt)
	}
	if !got.StartedAt.Equal(start) {
		t.Errorf("StartedAt = %v, want %v", got.StartedAt, start)
	}

	if err := s.FinishTrainingRun("run-1", RunSucceeded, 4, `["greeting","farewell"]`, ""); err != nil {
		t.Fatalf("FinishTrainingRun: %v", err)
	}

	got, err = s.GetTrainingRun("run-1")
	if err != nil {
		t.Fatalf("GetTrainingRun: %v", err)
	}
	if got.Status != RunSucceeded {
		t.Errorf("Status = %q, want %q", got.Status, RunSucceeded)
	}
	if got.Examples != 4 {
		t.Errorf("Examples = %d, want 4", got.Examples)
	}
	if got.Labels != `["greeting","farewell"]` {
		t.Errorf("Labels = %q", got.Labels)
	}
	if got.Trigger != "cli" {
		t.Errorf("Trigger = %q, want cli", got.Trigger)
	}
	if got.FinishedAt == nil {
		t.Error("FinishedAt not set")
	}
}

func TestFinishTrainingRun_NotFound(t *testing.T) {
	s := openTestStore(t)
	err := s.FinishTrainingRun("missing", RunFailed, 0, "", "boom")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestGetTrainingRun_NotFound(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.GetTrainingRun("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestListTrainingRuns_NewestFirst(t *testing.T) {
	s := openTestStore(t)

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		run := TrainingRun{ID: fmt.Sprintf("run-%d", i), StartedAt: base.Add(time.Duration(i) * time.Minute), Trigger: "api"}
		if err := s.StartTrainingRun(run); err != nil {
			t.Fatalf("StartTrainingRun: %v", err)
		}
	}

	runs, err := s.ListTrainingRuns(2, 0)
	if err != nil {
		t.Fatalf("ListTrainingRuns: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("got %d runs, want 2", len(runs))
	}
	if runs[0].ID != "run-2" || runs[1].ID != "run-1" {
		t.Errorf("order = [%s %s], want [run-2 run-1]", runs[0].ID, runs[1].ID)
	}

	rest, err := s.ListTrainingRuns(10, 2)
	if err != nil {
		t.Fatalf("ListTrainingRuns offset: %v", err)
	}
	if len(rest) != 1 || rest[0].ID != "run-0" {
		t.Errorf("offset page = %+v, want [run-0]", rest)
	}
}

// --- Predictions ---

func TestSaveAndListPredictions(t *testing.T) {
	s := openTestStore(t)

	base := time.Now().UTC().Add(-time.Minute)
	inputs := []struct{ text, label string }{
		{"hello", "greeting"},
		{"bye", "farewell"},
		{"hi", "greeting"},
	}
	for i, in := range inputs {
		p := Prediction{
			ID:        fmt.Sprintf("p-%d", i),
			CreatedAt: base.Add(time.Duration(i) * time.Second),
			InputText: in.text,
			Label:     in.label,
			Source:    "api",
		}
		if err := s.SavePrediction(p); err != nil {
			t.Fatalf("SavePrediction: %v", err)
		}
	}

	got, err := s.ListPredictions(10, 0)
	if err != nil {
		t.Fatalf("ListPredictions: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d predictions, want 3", len(got))
	}
	if got[0].ID != "p-2" {
		t.Errorf("newest = %q, want p-2", got[0].ID)
	}
	if got[2].InputText != "hello" || got[2].Label != "greeting" {
		t.Errorf("oldest = %+v", got[2])
	}

	counts, err := s.LabelCounts()
	if err != nil {
		t.Fatalf("LabelCounts: %v", err)
	}
	if counts["greeting"] != 2 || counts["farewell"] != 1 {
		t.Errorf("LabelCounts = %v", counts)
	}
}

// --- Jobs ---

func TestEnqueueAndClaimJob(t *testing.T) {
	s := openTestStore(t)

	job := Job{
		ID:          "j-claim-1",
		Type:        "train_model",
		PayloadJSON: `{"trigger":"api"}`,
	}
	if err := s.EnqueueJob(job); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	got, err := s.ClaimNextJob([]string{"train_model"})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if got == nil {
		t.Fatal("ClaimNextJob returned nil")
	}
	if got.ID != "j-claim-1" {
		t.Errorf("ID = %q, want %q", got.ID, "j-claim-1")
	}
	if got.PayloadJSON != `{"trigger":"api"}` {
		t.Errorf("PayloadJSON = %q", got.PayloadJSON)
	}
	if got.Status != "running" {
		t.Errorf("Status = %q, want running", got.Status)
	}
	if got.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want 3", got.MaxAttempts)
	}

	stored, err := s.GetJob("j-claim-1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if stored.Status != "running" {
		t.Errorf("stored Status = %q, want running", stored.Status)
	}
}

func TestGetJob_NotFound(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.GetJob("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestClaimNextJob_Empty(t *testing.T) {
	s := openTestStore(t)

	got, err := s.ClaimNextJob([]string{"train_model"})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil, got %+v", got)
	}
}

func TestClaimNextJob_RespectRunAfter(t *testing.T) {
	s := openTestStore(t)

	job := Job{ID: "j-future", Type: "train_model", RunAfter: time.Now().UTC().Add(time.Hour)}
	if err := s.EnqueueJob(job); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	got, err := s.ClaimNextJob([]string{"train_model"})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for future run_after, got %+v", got)
	}
}

func TestClaimNextJob_TypeFilter(t *testing.T) {
	s := openTestStore(t)

	if err := s.EnqueueJob(Job{ID: "j-a", Type: "a"}); err != nil {
		t.Fatalf("EnqueueJob a: %v", err)
	}
	if err := s.EnqueueJob(Job{ID: "j-b", Type: "b"}); err != nil {
		t.Fatalf("EnqueueJob b: %v", err)
	}

	got, err := s.ClaimNextJob([]string{"b"})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if got == nil || got.Type != "b" {
		t.Fatalf("claimed %+v, want type b", got)
	}
}

func TestPendingJobCount(t *testing.T) {
	s := openTestStore(t)

	for _, id := range []string{"j1", "j2"} {
		if err := s.EnqueueJob(Job{ID: id, Type: "train_model"}); err != nil {
			t.Fatalf("EnqueueJob: %v", err)
		}
	}
	if _, err := s.ClaimNextJob([]string{"train_model"}); err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if err := s.EnqueueJob(Job{ID: "other", Type: "something_else"}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	n, err := s.PendingJobCount("train_model")
	if err != nil {
		t.Fatalf("PendingJobCount: %v", err)
	}
	if n != 2 {
		t.Errorf("PendingJobCount = %d, want 2 (one pending, one running)", n)
	}
}

func TestCompleteJob(t *testing.T) {
	s := openTestStore(t)

	if err := s.EnqueueJob(Job{ID: "j-complete", Type: "x"}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if _, err := s.ClaimNextJob([]string{"x"}); err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if err := s.CompleteJob("j-complete"); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}

	j, err := s.GetJob("j-complete")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if j.Status != "completed" {
		t.Errorf("status = %q, want completed", j.Status)
	}

	if err := s.CompleteJob("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("CompleteJob(missing) = %v, want ErrNotFound", err)
	}
}

func TestFailJob_IncrementsAttemptsAndBacksOff(t *testing.T) {
	s := openTestStore(t)

	if err := s.EnqueueJob(Job{ID: "j-fail", Type: "x"}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if _, err := s.ClaimNextJob([]string{"x"}); err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}

	before := time.Now().UTC()
	if err := s.FailJob("j-fail", "something broke"); err != nil {
		t.Fatalf("FailJob: %v", err)
	}

	j, err := s.GetJob("j-fail")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if j.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", j.Attempts)
	}
	if j.Status != "pending" {
		t.Errorf("status = %q, want pending", j.Status)
	}
	if j.LastError != "something broke" {
		t.Errorf("last_error = %q", j.LastError)
	}
	if !j.RunAfter.After(before) {
		t.Errorf("run_after %v should be after %v", j.RunAfter, before)
	}
}

func TestFailJob_MaxAttemptsReached(t *testing.T) {
	s := openTestStore(t)

	if err := s.EnqueueJob(Job{ID: "j-fail-max", Type: "x", MaxAttempts: 1}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if _, err := s.ClaimNextJob([]string{"x"}); err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if err := s.FailJob("j-fail-max", "fatal"); err != nil {
		t.Fatalf("FailJob: %v", err)
	}

	j, err := s.GetJob("j-fail-max")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if j.Status != "failed" {
		t.Errorf("status = %q, want failed", j.Status)
	}
}

// Timestamps whose fractional seconds end in zero come back from DATETIME
// columns with the zeros trimmed. Both forms must read back intact.
var roundTripTimes = []struct {
	name string
	at   time.Time
}{
	{"trailing zero nanos", time.Date(2026, 1, 2, 3, 4, 5, 120000000, time.UTC)},
	{"whole second", time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)},
	{"full nanos", time.Date(2026, 1, 2, 3, 4, 5, 123456789, time.UTC)},
}

func TestTimestampRoundTrip_Predictions(t *testing.T) {
	for _, tt := range roundTripTimes {
		t.Run(tt.name, func(t *testing.T) {
			s := openTestStore(t)
			if err := s.SavePrediction(Prediction{ID: "p-1", CreatedAt: tt.at, InputText: "hi", Label: "greeting"}); err != nil {
				t.Fatalf("SavePrediction: %v", err)
			}
			got, err := s.ListPredictions(10, 0)
			if err != nil {
				t.Fatalf("ListPredictions: %v", err)
			}
			if len(got) != 1 || !got[0].CreatedAt.Equal(tt.at) {
				t.Errorf("got %+v, want created_at %v", got, tt.at)
			}
		})
	}
}

func TestTimestampRoundTrip_TrainingRuns(t *testing.T) {
	for _, tt := range roundTripTimes {
		t.Run(tt.name, func(t *testing.T) {
			s := openTestStore(t)
			if err := s.StartTrainingRun(TrainingRun{ID: "run-1", StartedAt: tt.at, Trigger: "cli"}); err != nil {
				t.Fatalf("StartTrainingRun: %v", err)
			}
			if err := s.FinishTrainingRun("run-1", RunSucceeded, 6, `["greeting"]`, ""); err != nil {
				t.Fatalf("FinishTrainingRun: %v", err)
			}

			run, err := s.GetTrainingRun("run-1")
			if err != nil {
				t.Fatalf("GetTrainingRun: %v", err)
			}
			if !run.StartedAt.Equal(tt.at) {
				t.Errorf("StartedAt = %v, want %v", run.StartedAt, tt.at)
			}
			if run.FinishedAt == nil {
				t.Error("FinishedAt = nil")
			}

			runs, err := s.ListTrainingRuns(10, 0)
			if err != nil {
				t.Fatalf("ListTrainingRuns: %v", err)
			}
			if len(runs) != 1 || !runs[0].StartedAt.Equal(tt.at) {
				t.Errorf("runs = %+v", runs)
			}
		})
	}
}

func TestTimestampRoundTrip_Jobs(t *testing.T) {
	for _, tt := range roundTripTimes {
		t.Run(tt.name, func(t *testing.T) {
			s := openTestStore(t)
			if err := s.EnqueueJob(Job{ID: "j-1", Type: "train_model", RunAfter: tt.at}); err != nil {
				t.Fatalf("EnqueueJob: %v", err)
			}

			stored, err := s.GetJob("j-1")
			if err != nil {
				t.Fatalf("GetJob: %v", err)
			}
			if !stored.RunAfter.Equal(tt.at) {
				t.Errorf("RunAfter = %v, want %v", stored.RunAfter, tt.at)
			}

			claimed, err := s.ClaimNextJob([]string{"train_model"})
			if err != nil {
				t.Fatalf("ClaimNextJob: %v", err)
			}
			if claimed == nil || claimed.ID != "j-1" {
				t.Fatalf("claimed = %+v, want j-1", claimed)
			}
			if !claimed.RunAfter.Equal(tt.at) {
				t.Errorf("claimed RunAfter = %v, want %v", claimed.RunAfter, tt.at)
			}
		})
	}
}

func TestParseTime_Forms(t *testing.T) {
	want := time.Date(2026, 1, 2, 3, 4, 5, 120000000, time.UTC)
	for _, v := range []string{
		FormatTime(want),
		"2026-01-02T03:04:05.12Z",
		"2026-01-02T04:04:05.12+01:00",
	} {
		got, err := parseTime("t", v)
		if err != nil {
			t.Errorf("parseTime(%q): %v", v, err)
			continue
		}
		if !got.Equal(want) || got.Location() != time.UTC {
			t.Errorf("parseTime(%q) = %v, want %v in UTC", v, got, want)
		}
	}
}
