package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"magnet-queue/internal/domain"
	"magnet-queue/internal/storage"
)

type fakeStore struct {
	mu      sync.Mutex
	uploads []string
	err     error
}

func (s *fakeStore) UploadPayload(_ context.Context, localPath string, opts storage.UploadOptions) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	s.uploads = append(s.uploads, localPath)
	return fmt.Sprintf("s3://%s/%s", opts.Bucket, opts.KeyPrefix), nil
}

func (s *fakeStore) ListObjects(context.Context, string, string) ([]storage.ObjectInfo, error) {
	return nil, nil
}

func (s *fakeStore) DeletePrefix(context.Context, string, string) error { return nil }

func (s *fakeStore) GetObjectURL(context.Context, string, string, time.Duration) (string, error) {
	return "", nil
}

func (s *fakeStore) uploadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.uploads)
}

type recorded struct {
	mu        sync.Mutex
	locations map[string]string
}

func (r *recorded) record(_ context.Context, jobID, location string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.locations[jobID] = location
	return nil
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func completedJob(t *testing.T) domain.Job {
	t.Helper()
	dir := t.TempDir()
	payload := filepath.Join(dir, "pack")
	if err := os.MkdirAll(payload, 0o755); err != nil {
		t.Fatalf("mkdir payload: %v", err)
	}
	return domain.Job{
		ID:           "job-1",
		Name:         "pack",
		Status:       domain.JobStatusCompleted,
		DownloadPath: dir,
	}
}

func TestArchiverUploadsCompletedJobs(t *testing.T) {
	store := &fakeStore{}
	rec := &recorded{locations: make(map[string]string)}

	a := New(nil, store, "bucket", "archive", quietLogger())
	a.Bind(rec.record)

	a.JobUpdated(completedJob(t))
	a.Wait()

	if store.uploadCount() != 1 {
		t.Fatalf("expected one upload, got %d", store.uploadCount())
	}
	rec.mu.Lock()
	location := rec.locations["job-1"]
	rec.mu.Unlock()
	if location != "s3://bucket/archive/job-1" {
		t.Fatalf("wrong recorded location: %q", location)
	}
}

func TestArchiverIgnoresNonCompletedAndArchivedJobs(t *testing.T) {
	store := &fakeStore{}
	a := New(nil, store, "bucket", "archive", quietLogger())

	job := completedJob(t)

	downloading := job
	downloading.Status = domain.JobStatusDownloading
	a.JobUpdated(downloading)

	archived := job
	archived.ArchiveLocation = "s3://bucket/archive/job-1"
	a.JobUpdated(archived)

	a.Wait()
	if store.uploadCount() != 0 {
		t.Fatalf("unexpected uploads: %d", store.uploadCount())
	}
}

func TestArchiverSkipsWithoutBucket(t *testing.T) {
	store := &fakeStore{}
	a := New(nil, store, "", "archive", quietLogger())

	a.JobUpdated(completedJob(t))
	a.Wait()
	if store.uploadCount() != 0 {
		t.Fatalf("upload without a configured bucket: %d", store.uploadCount())
	}
}

func TestArchiverDelegatesToNext(t *testing.T) {
	next := &countingNotifier{}
	a := New(next, nil, "", "", quietLogger())

	a.JobUpdated(domain.Job{ID: "j"})
	a.Progress([]domain.Job{{ID: "j"}})
	a.SelectionNeeded(domain.Job{ID: "j"})

	if next.jobs != 1 || next.progress != 1 || next.selections != 1 {
		t.Fatalf("notifications not forwarded: %+v", next)
	}
}

type countingNotifier struct {
	jobs       int
	progress   int
	selections int
}

func (n *countingNotifier) JobUpdated(domain.Job)      { n.jobs++ }
func (n *countingNotifier) Progress([]domain.Job)      { n.progress++ }
func (n *countingNotifier) SelectionNeeded(domain.Job) { n.selections++ }
