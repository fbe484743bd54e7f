package http

import (
	"fmt"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"magnet-queue/internal/domain"
)

func TestWriteErrorMapping(t *testing.T) {
	gin.SetMode(gin.TestMode)

	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("job x: %w", domain.ErrNotFound), 404},
		{fmt.Errorf("source y: %w", domain.ErrDuplicate), 409},
		{fmt.Errorf("pause from queued: %w", domain.ErrInvalidState), 409},
		{fmt.Errorf("file index 9 out of range"), 400},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(rec)
		writeError(c, tc.err)
		if rec.Code != tc.want {
			t.Errorf("writeError(%v) = %d, want %d", tc.err, rec.Code, tc.want)
		}
	}
}

func TestExtractRemotePrefix(t *testing.T) {
	prefix, err := extractRemotePrefix("s3://bucket/archive/job-1", "bucket")
	if err != nil || prefix != "archive/job-1" {
		t.Fatalf("got %q, %v", prefix, err)
	}

	if _, err := extractRemotePrefix("s3://other/archive", "bucket"); err == nil {
		t.Fatal("bucket mismatch accepted")
	}
	if _, err := extractRemotePrefix("https://bucket/archive", "bucket"); err == nil {
		t.Fatal("non-s3 location accepted")
	}
	if _, err := extractRemotePrefix("s3://bucket", "bucket"); err == nil {
		t.Fatal("missing prefix accepted")
	}
}

func TestJobToResponse(t *testing.T) {
	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	job := domain.Job{
		ID:              "j1",
		Source:          "magnet:x",
		Status:          domain.JobStatusDownloading,
		TotalSize:       300,
		Downloaded:      100,
		SelectedIndices: []int{1},
		Files: []domain.JobFile{
			{Path: "a", Name: "a", Size: 100},
			{Path: "b", Name: "b", Size: 200, Downloaded: 100, Selected: true},
		},
		AddedAt:   started.Add(-time.Minute),
		StartedAt: &started,
	}

	resp := jobToResponse(job)
	if resp.ID != "j1" || resp.Status != domain.JobStatusDownloading {
		t.Fatalf("identity mismatch: %+v", resp)
	}
	if len(resp.Files) != 2 || resp.Files[1].Index != 1 || !resp.Files[1].Selected {
		t.Fatalf("files mismatch: %+v", resp.Files)
	}
	if resp.StartedAt == nil || *resp.StartedAt != "2026-03-01T10:00:00Z" {
		t.Fatalf("startedAt mismatch: %v", resp.StartedAt)
	}
	if resp.CompletedAt != nil {
		t.Fatal("completedAt should be omitted")
	}
}

func TestHubFanOut(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	events, cancel := hub.Subscribe()
	defer cancel()

	hub.JobUpdated(domain.Job{ID: "j1", Status: domain.JobStatusQueued})
	hub.SelectionNeeded(domain.Job{ID: "j1"})
	hub.Progress([]domain.Job{{ID: "j1"}, {ID: "j2"}})

	want := []string{"job", "selection_needed", "progress"}
	for _, name := range want {
		select {
		case ev := <-events:
			if ev.Name != name {
				t.Fatalf("expected event %q, got %q", name, ev.Name)
			}
		case <-time.After(time.Second):
			t.Fatalf("event %q never arrived", name)
		}
	}
}

func TestHubDropsEventsForSlowClients(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	events, cancel := hub.Subscribe()
	defer cancel()

	// overflow the buffer; broadcast must never block
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			hub.JobUpdated(domain.Job{ID: "j1"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast blocked on a slow client")
	}

	if len(events) != cap(events) {
		t.Fatalf("expected a full buffer, got %d/%d", len(events), cap(events))
	}
}

func TestHubUnsubscribeIsIdempotent(t *testing.T) {
	hub := NewHub()
	_, cancel := hub.Subscribe()
	cancel()
	cancel() // second call must not panic

	hub.Close()
	hub.JobUpdated(domain.Job{ID: "j1"}) // dropped, no panic
}
