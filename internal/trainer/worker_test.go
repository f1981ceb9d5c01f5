package trainer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalambet/promptbot/internal/serving"
	"github.com/kalambet/promptbot/internal/storage"
)

type mockTrainer struct {
	mu       sync.Mutex
	triggers []string
	trainFn  func(ctx context.Context, trigger string) (serving.TrainResult, error)
}

func (m *mockTrainer) Train(ctx context.Context, trigger string) (serving.TrainResult, error) {
	m.mu.Lock()
	m.triggers = append(m.triggers, trigger)
	m.mu.Unlock()
	if m.trainFn != nil {
		return m.trainFn(ctx, trigger)
	}
	return serving.TrainResult{RunID: "run-1"}, nil
}

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// resetRunAfter makes a backed-off job immediately claimable.
func resetRunAfter(t *testing.T, store *storage.Store, jobID string) {
	t.Helper()
	past := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err := store.DB().Exec(`UPDATE jobs SET run_after = ? WHERE id = ?`, storage.FormatTime(past), jobID)
	if err != nil {
		t.Fatalf("resetRunAfter: %v", err)
	}
}

func jobStatus(t *testing.T, store *storage.Store, id string) storage.Job {
	t.Helper()
	j, err := store.GetJob(id)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	return j
}

func TestEnqueue(t *testing.T) {
	store := openTestStore(t)

	id, err := Enqueue(store, "watch")
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	j := jobStatus(t, store, id)
	if j.Type != JobType || j.Status != "pending" {
		t.Errorf("job = %+v", j)
	}
	if j.PayloadJSON != `{"trigger":"watch"}` {
		t.Errorf("PayloadJSON = %s", j.PayloadJSON)
	}
}

func TestWorker_ProcessesJob(t *testing.T) {
	store := openTestStore(t)
	id, err := Enqueue(store, "api")
	if err != nil {
		t.Fatal(err)
	}

	tr := &mockTrainer{}
	w := NewWorker(store, tr, 0)

	didWork, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}
	if !didWork {
		t.Fatal("RunOnce returned false, expected true")
	}
	if len(tr.triggers) != 1 || tr.triggers[0] != "api" {
		t.Errorf("triggers = %v, want [api]", tr.triggers)
	}
	if j := jobStatus(t, store, id); j.Status != "completed" {
		t.Errorf("status = %q, want completed", j.Status)
	}
}

func TestWorker_NoJobs(t *testing.T) {
	store := openTestStore(t)
	w := NewWorker(store, &mockTrainer{}, 0)

	didWork, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}
	if didWork {
		t.Error("RunOnce returned true with an empty queue")
	}
}

func TestWorker_DefaultTrigger(t *testing.T) {
	store := openTestStore(t)
	if err := store.EnqueueJob(storage.Job{ID: "j1", Type: JobType}); err != nil {
		t.Fatal(err)
	}

	tr := &mockTrainer{}
	if _, err := NewWorker(store, tr, 0).RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(tr.triggers) != 1 || tr.triggers[0] != "job" {
		t.Errorf("triggers = %v, want [job]", tr.triggers)
	}
}

func TestWorker_BadPayload(t *testing.T) {
	store := openTestStore(t)
	if err := store.EnqueueJob(storage.Job{ID: "bad", Type: JobType, PayloadJSON: "{not json", MaxAttempts: 1}); err != nil {
		t.Fatal(err)
	}

	tr := &mockTrainer{}
	if _, err := NewWorker(store, tr, 0).RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(tr.triggers) != 0 {
		t.Error("trainer called for an unparseable payload")
	}
	j := jobStatus(t, store, "bad")
	if j.Status != "failed" || j.LastError == "" {
		t.Errorf("job = %+v, want failed with error", j)
	}
}

func TestWorker_RetryOnFailure(t *testing.T) {
	store := openTestStore(t)
	id, err := Enqueue(store, "api")
	if err != nil {
		t.Fatal(err)
	}

	var calls atomic.Int32
	w := NewWorker(store, &mockTrainer{
		trainFn: func(context.Context, string) (serving.TrainResult, error) {
			if n := calls.Add(1); n <= 2 {
				return serving.TrainResult{}, fmt.Errorf("transient error %d", n)
			}
			return serving.TrainResult{RunID: "ok"}, nil
		},
	}, 0)

	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		didWork, err := w.RunOnce(ctx)
		if err != nil {
			t.Fatalf("RunOnce %d error: %v", i, err)
		}
		if !didWork {
			t.Fatalf("RunOnce %d returned false", i)
		}
		j := jobStatus(t, store, id)
		if i < 3 {
			if j.Status != "pending" || j.Attempts != i {
				t.Errorf("after fail %d: status=%q attempts=%d", i, j.Status, j.Attempts)
			}
			resetRunAfter(t, store, id)
		} else if j.Status != "completed" {
			t.Errorf("after 3rd attempt: status=%q, want completed", j.Status)
		}
	}
}

func TestWorker_MaxRetriesExceeded(t *testing.T) {
	store := openTestStore(t)
	id, err := Enqueue(store, "api")
	if err != nil {
		t.Fatal(err)
	}

	w := NewWorker(store, &mockTrainer{
		trainFn: func(context.Context, string) (serving.TrainResult, error) {
			return serving.TrainResult{}, errors.New("permanent error")
		},
	}, 0)

	for i := 1; i <= 3; i++ {
		if _, err := w.RunOnce(context.Background()); err != nil {
			t.Fatalf("RunOnce %d error: %v", i, err)
		}
		if i < 3 {
			resetRunAfter(t, store, id)
		}
	}

	j := jobStatus(t, store, id)
	if j.Status != "failed" {
		t.Errorf("final status = %q, want failed", j.Status)
	}
	if j.LastError != "permanent error" {
		t.Errorf("LastError = %q", j.LastError)
	}
}

func TestWorker_RunStopsOnCancel(t *testing.T) {
	store := openTestStore(t)
	w := NewWorker(store, &mockTrainer{}, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestWorker_TrainsRealService(t *testing.T) {
	dir := t.TempDir()
	data := filepath.Join(dir, "data.csv")
	if err := os.WriteFile(data, []byte("text,label\nhello,greeting\nbye,farewell\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	svc := serving.New(serving.Config{DataPath: data, ModelPath: filepath.Join(dir, "model.zip")})

	store := openTestStore(t)
	id, err := Enqueue(store, "job")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := NewWorker(store, svc, 0).RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}

	if j := jobStatus(t, store, id); j.Status != "completed" {
		t.Fatalf("status = %q, want completed", j.Status)
	}
	if svc.State() != serving.Trained {
		t.Errorf("State = %v, want trained", svc.State())
	}
	if got := svc.Predict("hello"); got != "greeting" {
		t.Errorf("Predict(hello) = %q, want greeting", got)
	}
}

func TestWorker_ClaimsJobWithWholeSecondRunAfter(t *testing.T) {
	store := openTestStore(t)
	err := store.EnqueueJob(storage.Job{
		ID:          "job-whole-second",
		Type:        JobType,
		PayloadJSON: `{"trigger":"watch"}`,
		RunAfter:    time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	mt := &mockTrainer{}
	didWork, err := NewWorker(store, mt, 0).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if !didWork {
		t.Fatal("RunOnce returned false, want the job claimed")
	}
	if j := jobStatus(t, store, "job-whole-second"); j.Status != "completed" {
		t.Errorf("status = %q, want completed", j.Status)
	}
}
