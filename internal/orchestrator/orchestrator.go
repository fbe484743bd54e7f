package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"magnet-queue/internal/domain"
	"magnet-queue/internal/engine"
	"magnet-queue/internal/repository"
)

// Orchestrator owns the job table and serializes every mutation behind one
// mutex: command entry points, engine event callbacks, and the periodic
// broadcast tick all funnel through it. Engine I/O itself runs elsewhere;
// the orchestrator only issues instructions and reacts to events.
type Orchestrator struct {
	cfg          Config
	engine       engine.Engine
	jobs         repository.JobRepository
	settingsRepo repository.SettingsRepository
	notifier     Notifier

	mu      sync.Mutex
	table   map[string]*domain.Job
	handles map[string]engine.Handle
	samples map[string]progressSample

	settings        domain.Settings
	broadcastCancel context.CancelFunc

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	persistFailures atomic.Int64
}

type Config struct {
	// DownloadRoot is the default destination for jobs submitted without an
	// explicit download path.
	DownloadRoot string
	// BroadcastInterval is the progress tick period, nominally one second.
	BroadcastInterval time.Duration
	// DefaultSettings seeds the settings store on first run.
	DefaultSettings domain.Settings
	Logger          *logrus.Logger
}

func New(cfg Config, eng engine.Engine, jobs repository.JobRepository, settings repository.SettingsRepository, notifier Notifier) *Orchestrator {
	if cfg.BroadcastInterval <= 0 {
		cfg.BroadcastInterval = time.Second
	}
	if cfg.DefaultSettings.MaxConcurrentDownloads < 1 {
		cfg.DefaultSettings.MaxConcurrentDownloads = 3
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Orchestrator{
		cfg:          cfg,
		engine:       eng,
		jobs:         jobs,
		settingsRepo: settings,
		notifier:     notifier,
		table:        make(map[string]*domain.Job),
		handles:      make(map[string]engine.Handle),
		samples:      make(map[string]progressSample),
	}
}

// Start loads settings and the persisted job table, coerces jobs that were
// active before the restart back to queued, and begins admitting work.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.ctx, o.cancel = context.WithCancel(ctx)

	settings, found, err := o.settingsRepo.Load(ctx)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	if !found {
		settings = o.cfg.DefaultSettings
		if err := o.settingsRepo.Save(ctx, settings); err != nil {
			return fmt.Errorf("seed settings: %w", err)
		}
	}

	jobs, err := o.jobs.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("load jobs: %w", err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	o.settings = settings
	o.engine.SetSpeedLimits(settings.MaxDownloadSpeed, settings.MaxUploadSpeed)

	for i := range jobs {
		job := jobs[i]
		// no engine handle can exist after a cold start
		switch job.Status {
		case domain.JobStatusDownloading, domain.JobStatusSeeding, domain.JobStatusAwaitingSelection:
			job.Status = domain.JobStatusQueued
			job.ResetTransferStats()
			o.persistLocked(ctx, &job)
		}
		o.table[job.ID] = &job
	}
	o.cfg.Logger.Infof("orchestrator started with %d job(s), max concurrent %d", len(jobs), settings.MaxConcurrentDownloads)

	o.processQueueLocked(ctx)
	return nil
}

// Shutdown stops the broadcaster and tears down all live handles. Persisted
// state keeps every active job recoverable as queued on the next start.
func (o *Orchestrator) Shutdown() {
	if o.cancel != nil {
		o.cancel()
	}

	o.mu.Lock()
	if o.broadcastCancel != nil {
		o.broadcastCancel()
		o.broadcastCancel = nil
	}
	for id, h := range o.handles {
		delete(o.handles, id)
		h.Destroy()
	}
	o.mu.Unlock()

	o.wg.Wait()
	o.cfg.Logger.Info("orchestrator stopped")
}

// SubmitRequest carries a new transfer submission.
type SubmitRequest struct {
	OwnerID      string
	Source       string
	Name         string
	DownloadPath string
	// SelectedIndices preselects a file subset before metadata resolves;
	// nil means fetch everything.
	SelectedIndices []int
}

// Submit inserts a job as queued and admits it immediately when a slot is
// free. A source already tracked by a non-terminal job is rejected.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (domain.Job, error) {
	if strings.TrimSpace(req.Source) == "" {
		return domain.Job{}, fmt.Errorf("source is required")
	}
	downloadPath := req.DownloadPath
	if downloadPath == "" {
		downloadPath = o.cfg.DownloadRoot
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	for _, existing := range o.table {
		if existing.Source == req.Source && !existing.Status.Terminal() {
			return domain.Job{}, fmt.Errorf("source %q: %w", req.Source, domain.ErrDuplicate)
		}
	}

	job := &domain.Job{
		ID:           uuid.NewString(),
		OwnerID:      req.OwnerID,
		Source:       req.Source,
		Name:         req.Name,
		Status:       domain.JobStatusQueued,
		DownloadPath: downloadPath,
		AddedAt:      time.Now().UTC(),
	}
	if req.SelectedIndices != nil {
		job.SelectedIndices = normalizeIndices(req.SelectedIndices)
	}

	o.table[job.ID] = job
	o.persistLocked(ctx, job)
	o.notifier.JobUpdated(job.Clone())

	o.processQueueLocked(ctx)
	return job.Clone(), nil
}

// Pause tears down the engine handle of a downloading or seeding job and
// parks it until an explicit resume.
func (o *Orchestrator) Pause(ctx context.Context, id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	job, err := o.lookupLocked(id)
	if err != nil {
		return err
	}
	if !job.Status.Active() {
		return fmt.Errorf("pause from %q: %w", job.Status, domain.ErrInvalidState)
	}

	o.teardownLocked(id)
	job.Status = domain.JobStatusPaused
	job.ResetTransferStats()
	o.persistLocked(ctx, job)
	o.notifier.JobUpdated(job.Clone())

	o.processQueueLocked(ctx)
	return nil
}

// Resume re-queues a paused or errored job; the error message is cleared.
func (o *Orchestrator) Resume(ctx context.Context, id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	job, err := o.lookupLocked(id)
	if err != nil {
		return err
	}
	if job.Status != domain.JobStatusPaused && job.Status != domain.JobStatusError {
		return fmt.Errorf("resume from %q: %w", job.Status, domain.ErrInvalidState)
	}

	job.Status = domain.JobStatusQueued
	job.ErrorMessage = ""
	o.persistLocked(ctx, job)
	o.notifier.JobUpdated(job.Clone())

	o.processQueueLocked(ctx)
	return nil
}

// Remove tears down any engine handle, deletes the job from the table, and
// optionally deletes the on-disk payload. The removed snapshot is returned
// so the transport layer can act on archive locations.
func (o *Orchestrator) Remove(ctx context.Context, id string, deletePayload bool) (domain.Job, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	job, err := o.lookupLocked(id)
	if err != nil {
		return domain.Job{}, err
	}

	o.teardownLocked(id)
	delete(o.table, id)
	if err := o.jobs.Delete(ctx, id); err != nil {
		o.persistFailures.Add(1)
		o.cfg.Logger.WithField("job_id", id).Warnf("delete persisted job: %v", err)
	}

	if deletePayload {
		for _, warning := range removePayload(job) {
			o.cfg.Logger.WithField("job_id", id).Warn(warning)
		}
	}

	o.processQueueLocked(ctx)
	return job.Clone(), nil
}

// ListJobs returns snapshots of every tracked job, oldest first.
func (o *Orchestrator) ListJobs() []domain.Job {
	o.mu.Lock()
	defer o.mu.Unlock()

	jobs := make([]domain.Job, 0, len(o.table))
	for _, job := range o.table {
		jobs = append(jobs, job.Clone())
	}
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].AddedAt.Equal(jobs[j].AddedAt) {
			return jobs[i].ID < jobs[j].ID
		}
		return jobs[i].AddedAt.Before(jobs[j].AddedAt)
	})
	return jobs
}

// GetJob returns a snapshot of one job.
func (o *Orchestrator) GetJob(id string) (domain.Job, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	job, err := o.lookupLocked(id)
	if err != nil {
		return domain.Job{}, err
	}
	return job.Clone(), nil
}

// GetSettings returns the current queue settings.
func (o *Orchestrator) GetSettings() domain.Settings {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.settings
}

// UpdateSettings applies a partial settings change, re-applies throttles to
// the live engine, and re-runs admission when capacity widened. Turning
// seed-after-download off completes currently seeding jobs.
func (o *Orchestrator) UpdateSettings(ctx context.Context, patch domain.SettingsPatch) (domain.Settings, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	updated := o.settings
	if patch.MaxConcurrentDownloads != nil {
		if *patch.MaxConcurrentDownloads < 1 {
			return domain.Settings{}, fmt.Errorf("max concurrent downloads must be at least 1")
		}
		updated.MaxConcurrentDownloads = *patch.MaxConcurrentDownloads
	}
	if patch.SeedAfterDownload != nil {
		updated.SeedAfterDownload = *patch.SeedAfterDownload
	}
	if patch.MaxDownloadSpeed != nil {
		updated.MaxDownloadSpeed = *patch.MaxDownloadSpeed
	}
	if patch.MaxUploadSpeed != nil {
		updated.MaxUploadSpeed = *patch.MaxUploadSpeed
	}

	o.settings = updated
	o.engine.SetSpeedLimits(updated.MaxDownloadSpeed, updated.MaxUploadSpeed)

	if !updated.SeedAfterDownload {
		for _, job := range o.table {
			if job.Status == domain.JobStatusSeeding {
				o.completeLocked(ctx, job, false)
			}
		}
	}

	if err := o.settingsRepo.Save(ctx, updated); err != nil {
		o.persistFailures.Add(1)
		o.cfg.Logger.Warnf("persist settings: %v", err)
	}

	o.processQueueLocked(ctx)
	return updated, nil
}

// SetArchiveLocation records where a completed job's payload was archived.
func (o *Orchestrator) SetArchiveLocation(ctx context.Context, id, location string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	job, err := o.lookupLocked(id)
	if err != nil {
		return err
	}
	job.ArchiveLocation = location
	o.persistLocked(ctx, job)
	o.notifier.JobUpdated(job.Clone())
	return nil
}

// PersistFailures reports how many snapshot writes have failed since start;
// a non-zero value means recoverability is currently degraded.
func (o *Orchestrator) PersistFailures() int64 {
	return o.persistFailures.Load()
}

func (o *Orchestrator) lookupLocked(id string) (*domain.Job, error) {
	job, ok := o.table[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, domain.ErrNotFound)
	}
	return job, nil
}

// persistLocked writes the job through to the snapshot store. A failed
// write is non-fatal for in-memory state but is logged and counted.
func (o *Orchestrator) persistLocked(ctx context.Context, job *domain.Job) {
	if err := o.jobs.Save(ctx, job); err != nil {
		o.persistFailures.Add(1)
		o.cfg.Logger.WithField("job_id", job.ID).Warnf("persist job: %v", err)
	}
}

func normalizeIndices(indices []int) []int {
	seen := make(map[int]struct{}, len(indices))
	out := make([]int, 0, len(indices))
	for _, idx := range indices {
		if _, ok := seen[idx]; ok {
			continue
		}
		seen[idx] = struct{}{}
		out = append(out, idx)
	}
	sort.Ints(out)
	return out
}
