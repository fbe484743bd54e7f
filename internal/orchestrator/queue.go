package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"magnet-queue/internal/domain"
	"magnet-queue/internal/engine"
)

// processQueueLocked is the admission path: whenever a slot may have been
// freed or consumed it admits queued jobs, oldest first, until capacity is
// exhausted.
func (o *Orchestrator) processQueueLocked(ctx context.Context) {
	free := o.settings.MaxConcurrentDownloads - o.activeCountLocked()
	if free <= 0 {
		return
	}

	var queued []*domain.Job
	for _, job := range o.table {
		if job.Status == domain.JobStatusQueued {
			queued = append(queued, job)
		}
	}
	sort.Slice(queued, func(i, j int) bool {
		if queued[i].AddedAt.Equal(queued[j].AddedAt) {
			return queued[i].ID < queued[j].ID
		}
		return queued[i].AddedAt.Before(queued[j].AddedAt)
	})

	for _, job := range queued {
		if free <= 0 {
			return
		}
		o.startJobLocked(ctx, job)
		if job.Status.Active() {
			free--
		}
	}
}

func (o *Orchestrator) activeCountLocked() int {
	count := 0
	for _, job := range o.table {
		if job.Status.Active() {
			count++
		}
	}
	return count
}

// startJobLocked hands the job to the engine. Idempotent against duplicate
// admission: a job with a live handle is left alone.
func (o *Orchestrator) startJobLocked(ctx context.Context, job *domain.Job) {
	if _, ok := o.handles[job.ID]; ok {
		return
	}

	now := time.Now().UTC()
	job.Status = domain.JobStatusDownloading
	job.StartedAt = &now
	job.ErrorMessage = ""
	job.ResetTransferStats()
	if engine.IsMagnet(job.Source) {
		if hash, err := engine.InfoHashFromMagnet(job.Source); err == nil {
			job.InfoHash = hash
		}
	}

	h, err := o.engine.Start(job.Source, job.DownloadPath)
	if err != nil {
		o.failLocked(ctx, job, fmt.Errorf("start transfer: %w", err))
		return
	}

	o.handles[job.ID] = h
	o.samples[job.ID] = progressSample{at: time.Now()}
	o.watchHandle(job.ID, h)
	o.ensureBroadcasterLocked()

	o.cfg.Logger.WithField("job_id", job.ID).Infof("admitted %s", job.Source)
	o.persistLocked(ctx, job)
	o.notifier.JobUpdated(job.Clone())
}

// watchHandle forwards engine events for one handle into the serialized
// mutation path. The goroutine exits when the handle closes its channel.
func (o *Orchestrator) watchHandle(id string, h engine.Handle) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		for ev := range h.Events() {
			switch ev.Type {
			case engine.EventMetadata:
				o.onMetadata(id, h)
			case engine.EventDone:
				o.onDone(id, h)
			case engine.EventError:
				o.onError(id, h, ev.Err)
			}
		}
	}()
}

// currentLocked pairs a job with its handle and drops stale events: a
// destroyed handle may still have buffered events in flight.
func (o *Orchestrator) currentLocked(id string, h engine.Handle) (*domain.Job, bool) {
	if o.handles[id] != h {
		return nil, false
	}
	job, ok := o.table[id]
	return job, ok
}

// onMetadata fills in the resolved file list and routes the job through the
// selection coordinator: reapply a prior selection, or park the job awaiting
// one with every file deselected at the engine.
func (o *Orchestrator) onMetadata(id string, h engine.Handle) {
	ctx := o.ctx

	o.mu.Lock()
	defer o.mu.Unlock()

	job, ok := o.currentLocked(id, h)
	if !ok {
		return
	}

	if name := h.Name(); name != "" {
		job.Name = name
	}
	job.InfoHash = h.InfoHash()

	fhs := h.Files()
	job.Files = make([]domain.JobFile, len(fhs))
	var total int64
	for i, fh := range fhs {
		job.Files[i] = domain.JobFile{
			Path:     fh.Path(),
			Name:     fh.Name(),
			Size:     fh.Length(),
			Selected: true,
		}
		total += fh.Length()
	}
	job.TotalSize = total

	if job.HasSelection() {
		if err := o.applySelectionLocked(ctx, job, h, job.SelectedIndices); err != nil {
			o.failLocked(ctx, job, fmt.Errorf("reapply selection: %w", err))
		}
		return
	}

	// park until a selection arrives; nothing transfers meanwhile
	for i, fh := range fhs {
		fh.Deselect()
		job.Files[i].Selected = false
	}
	job.Status = domain.JobStatusAwaitingSelection
	job.ResetTransferStats()
	o.persistLocked(ctx, job)
	o.cfg.Logger.WithField("job_id", id).Infof("metadata resolved, %d file(s) awaiting selection", len(fhs))
	o.notifier.JobUpdated(job.Clone())
	o.notifier.SelectionNeeded(job.Clone())

	// awaiting-selection occupies no slot
	o.processQueueLocked(ctx)
}

func (o *Orchestrator) onDone(id string, h engine.Handle) {
	o.mu.Lock()
	defer o.mu.Unlock()

	job, ok := o.currentLocked(id, h)
	if !ok || !job.Status.Active() {
		return
	}
	job.Downloaded = job.TotalSize
	for i := range job.Files {
		if job.Files[i].Selected {
			job.Files[i].Downloaded = job.Files[i].Size
		}
	}
	o.completeLocked(o.ctx, job, true)
}

func (o *Orchestrator) onError(id string, h engine.Handle, evErr error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	job, ok := o.currentLocked(id, h)
	if !ok || !job.Status.Active() {
		return
	}
	o.failLocked(o.ctx, job, evErr)
}

// completeLocked finishes a job. Seeding applies only to engine-reported
// full completion; a selection-complete job always has its handle torn down.
func (o *Orchestrator) completeLocked(ctx context.Context, job *domain.Job, engineDone bool) {
	now := time.Now().UTC()
	job.CompletedAt = &now
	job.ErrorMessage = ""
	job.ResetTransferStats()

	if engineDone && o.settings.SeedAfterDownload && o.handles[job.ID] != nil {
		job.Status = domain.JobStatusSeeding
		o.cfg.Logger.WithField("job_id", job.ID).Info("download complete, seeding")
	} else {
		o.teardownLocked(job.ID)
		job.Status = domain.JobStatusCompleted
		o.cfg.Logger.WithField("job_id", job.ID).Info("download complete")
		o.processQueueLocked(ctx)
	}

	o.persistLocked(ctx, job)
	o.notifier.JobUpdated(job.Clone())
}

// failLocked parks the job in error state with the message stored; the
// freed slot is backfilled immediately.
func (o *Orchestrator) failLocked(ctx context.Context, job *domain.Job, failErr error) {
	o.teardownLocked(job.ID)
	job.Status = domain.JobStatusError
	job.ErrorMessage = failErr.Error()
	job.ResetTransferStats()
	o.cfg.Logger.WithField("job_id", job.ID).Error(job.ErrorMessage)
	o.persistLocked(ctx, job)
	o.notifier.JobUpdated(job.Clone())
	o.processQueueLocked(ctx)
}

// teardownLocked destroys and unregisters the job's engine handle, if any.
// After it returns no further events for the handle are acted on.
func (o *Orchestrator) teardownLocked(id string) {
	h, ok := o.handles[id]
	if !ok {
		return
	}
	delete(o.handles, id)
	delete(o.samples, id)
	h.Destroy()
}

// removePayload deletes a removed job's on-disk data, restricted to paths
// under its download directory. Returns warnings for the caller to log.
func removePayload(job *domain.Job) []string {
	root := filepath.Clean(job.DownloadPath)
	if root == "" || root == "." {
		return nil
	}

	seen := make(map[string]struct{})
	var warnings []string

	removeRel := func(rel string) {
		if rel == "" {
			return
		}
		clean := filepath.Clean(filepath.Join(root, filepath.FromSlash(rel)))
		if clean == root {
			return
		}
		if sub, err := filepath.Rel(root, clean); err != nil || sub == "." || strings.HasPrefix(sub, "..") {
			return
		}
		if _, ok := seen[clean]; ok {
			return
		}
		seen[clean] = struct{}{}
		if err := os.RemoveAll(clean); err != nil && !os.IsNotExist(err) {
			warnings = append(warnings, fmt.Sprintf("remove payload %s: %v", clean, err))
		}
	}

	for _, file := range job.Files {
		removeRel(file.Path)
	}
	removeRel(job.Name)

	return warnings
}
