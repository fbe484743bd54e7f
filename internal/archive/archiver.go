package archive

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"magnet-queue/internal/domain"
	"magnet-queue/internal/orchestrator"
	"magnet-queue/internal/storage"
)

// Recorder stores an uploaded archive location back on the job.
type Recorder func(ctx context.Context, jobID, location string) error

// Archiver decorates a Notifier and ships completed job payloads to object
// storage. Uploads run on their own goroutines so the orchestrator's
// notification path is never blocked on network I/O.
type Archiver struct {
	next      orchestrator.Notifier
	store     storage.Service
	bucket    string
	keyPrefix string
	logger    *logrus.Logger

	mu       sync.Mutex
	recorder Recorder
	inflight map[string]struct{}

	wg sync.WaitGroup
}

func New(next orchestrator.Notifier, store storage.Service, bucket, keyPrefix string, logger *logrus.Logger) *Archiver {
	if next == nil {
		next = orchestrator.NopNotifier{}
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Archiver{
		next:      next,
		store:     store,
		bucket:    bucket,
		keyPrefix: keyPrefix,
		logger:    logger,
		inflight:  make(map[string]struct{}),
	}
}

// Bind installs the callback that records upload locations. Construction
// order requires it: the orchestrator needs the archiver as its notifier,
// and the archiver needs the orchestrator to store results.
func (a *Archiver) Bind(recorder Recorder) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.recorder = recorder
}

// Wait blocks until in-flight uploads have drained.
func (a *Archiver) Wait() {
	a.wg.Wait()
}

func (a *Archiver) JobUpdated(job domain.Job) {
	a.maybeArchive(job)
	a.next.JobUpdated(job)
}

func (a *Archiver) Progress(jobs []domain.Job) {
	a.next.Progress(jobs)
}

func (a *Archiver) SelectionNeeded(job domain.Job) {
	a.next.SelectionNeeded(job)
}

func (a *Archiver) maybeArchive(job domain.Job) {
	if a.store == nil || a.bucket == "" {
		return
	}
	if job.Status != domain.JobStatusCompleted || job.ArchiveLocation != "" {
		return
	}

	a.mu.Lock()
	if _, busy := a.inflight[job.ID]; busy {
		a.mu.Unlock()
		return
	}
	a.inflight[job.ID] = struct{}{}
	a.mu.Unlock()

	a.wg.Add(1)
	go a.upload(job)
}

func (a *Archiver) upload(job domain.Job) {
	defer a.wg.Done()
	defer func() {
		a.mu.Lock()
		delete(a.inflight, job.ID)
		a.mu.Unlock()
	}()

	log := a.logger.WithField("job_id", job.ID)

	localPath := payloadPath(job)
	if localPath == "" {
		log.Warn("archive skipped: payload location unknown")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Hour)
	defer cancel()

	location, err := a.store.UploadPayload(ctx, localPath, storage.UploadOptions{
		Bucket:    a.bucket,
		KeyPrefix: path.Join(a.keyPrefix, job.ID),
	})
	if err != nil {
		log.Warnf("archive upload failed: %v", err)
		return
	}
	log.Infof("payload archived to %s", location)

	a.mu.Lock()
	recorder := a.recorder
	a.mu.Unlock()
	if recorder == nil {
		return
	}
	if err := recorder(ctx, job.ID, location); err != nil {
		log.Warnf("record archive location: %v", err)
	}
}

// payloadPath resolves where the job's data landed on disk.
func payloadPath(job domain.Job) string {
	if job.DownloadPath == "" || job.Name == "" {
		return ""
	}
	p := filepath.Join(job.DownloadPath, job.Name)
	if _, err := os.Stat(p); err != nil {
		return ""
	}
	return p
}
