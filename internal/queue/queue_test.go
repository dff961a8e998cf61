package queue

import (
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/hochfrequenz/pr-snapshot-orchestrator/internal/domain"
)

func TestMemory_RoundTrip(t *testing.T) {
	q := NewMemory(8)
	defer q.Close()

	received := make(chan *domain.Job, 1)
	if err := q.Subscribe(func(job *domain.Job) { received <- job }); err != nil {
		t.Fatal(err)
	}

	sent := &domain.Job{
		RunID:        "run-1",
		Owner:        "acme",
		Repo:         "widget",
		PRNumber:     42,
		CommitSHA:    "sha1",
		Title:        "Add login",
		Diff:         "diff --git a/x b/x",
		ChangedFiles: []string{"app/login.tsx"},
	}
	if err := q.Publish(sent); err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-received:
		if !reflect.DeepEqual(got, sent) {
			t.Errorf("got %+v, want %+v", got, sent)
		}
	case <-time.After(time.Second):
		t.Fatal("job not delivered")
	}
}

func TestMemory_DeliversAllJobs(t *testing.T) {
	q := NewMemory(16)
	defer q.Close()

	var mu sync.Mutex
	seen := make(map[string]bool)
	done := make(chan struct{}, 10)

	q.Subscribe(func(job *domain.Job) {
		mu.Lock()
		seen[job.RunID] = true
		mu.Unlock()
		done <- struct{}{}
	})

	for i := 0; i < 10; i++ {
		if err := q.Publish(&domain.Job{RunID: string(rune('a' + i))}); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < 10; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for deliveries")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 10 {
		t.Errorf("delivered %d distinct jobs, want 10", len(seen))
	}
}

func TestMemory_PublishAfterClose(t *testing.T) {
	q := NewMemory(1)
	q.Close()
	if err := q.Publish(&domain.Job{RunID: "run-1"}); err == nil {
		t.Error("expected error publishing to a closed queue")
	}
}

func TestMemory_PublishFullBuffer(t *testing.T) {
	q := NewMemory(1)
	defer q.Close()

	// No subscriber; the single buffer slot fills.
	if err := q.Publish(&domain.Job{RunID: "a"}); err != nil {
		t.Fatal(err)
	}
	if err := q.Publish(&domain.Job{RunID: "b"}); err == nil {
		t.Error("expected error when buffer is full")
	}
}
