package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"magnet-queue/internal/domain"
	"magnet-queue/internal/engine"
)

// SelectFiles applies an explicit file subset to a job awaiting selection.
// Files already complete on disk are not re-transferred; if every chosen
// file is already present the job completes without transferring anything.
func (o *Orchestrator) SelectFiles(ctx context.Context, id string, indices []int) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	job, err := o.lookupLocked(id)
	if err != nil {
		return err
	}
	if job.Status != domain.JobStatusAwaitingSelection {
		return fmt.Errorf("select files from %q: %w", job.Status, domain.ErrInvalidState)
	}
	h, ok := o.handles[id]
	if !ok {
		return fmt.Errorf("select files without engine handle: %w", domain.ErrInvalidState)
	}

	return o.applySelectionLocked(ctx, job, h, normalizeIndices(indices))
}

// AddMoreFiles merges additional indices into a job's selection. With a
// live engine handle the extra files simply start transferring; a job
// already torn down is re-queued with the enlarged selection so admission
// restarts it from scratch.
func (o *Orchestrator) AddMoreFiles(ctx context.Context, id string, indices []int) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	job, err := o.lookupLocked(id)
	if err != nil {
		return err
	}

	if len(job.Files) > 0 {
		for _, idx := range indices {
			if idx < 0 || idx >= len(job.Files) {
				return fmt.Errorf("file index %d out of range (%d files)", idx, len(job.Files))
			}
		}
	}

	if !job.HasSelection() && len(job.Files) > 0 {
		// no selection means everything is already wanted
		return nil
	}

	merged := normalizeIndices(append(append([]int{}, job.SelectedIndices...), indices...))

	if h, ok := o.handles[id]; ok && len(job.Files) > 0 {
		return o.applySelectionLocked(ctx, job, h, merged)
	}

	// handle already gone (completed, error, paused) or metadata still
	// pending; enlarge the selection and let admission take it from there
	job.SelectedIndices = merged
	for i := range job.Files {
		job.Files[i].Selected = containsIndex(merged, i)
	}
	if job.Status != domain.JobStatusQueued {
		job.Status = domain.JobStatusQueued
		job.ErrorMessage = ""
		job.CompletedAt = nil
	}
	o.persistLocked(ctx, job)
	o.notifier.JobUpdated(job.Clone())

	o.processQueueLocked(ctx)
	return nil
}

// applySelectionLocked reconciles a wanted file subset against the engine
// and the destination directory. A file whose on-disk byte length already
// equals its expected size counts as complete and is skipped for transfer;
// byte-length equality is the only completeness check performed. Indices
// must already be normalized.
func (o *Orchestrator) applySelectionLocked(ctx context.Context, job *domain.Job, h engine.Handle, indices []int) error {
	fhs := h.Files()
	for _, idx := range indices {
		if idx < 0 || idx >= len(fhs) {
			return fmt.Errorf("file index %d out of range (%d files)", idx, len(fhs))
		}
	}

	wanted := make(map[int]struct{}, len(indices))
	for _, idx := range indices {
		wanted[idx] = struct{}{}
	}
	for i, fh := range fhs {
		if _, ok := wanted[i]; !ok {
			fh.Deselect()
			job.Files[i].Selected = false
		}
	}

	pending := 0
	var total, downloaded int64
	for _, idx := range indices {
		file := &job.Files[idx]
		file.Selected = true
		total += file.Size

		if o.fileCompleteOnDisk(job, file) {
			file.Downloaded = file.Size
			downloaded += file.Size
			fhs[idx].Deselect()
			continue
		}

		file.Downloaded = fhs[idx].BytesCompleted()
		downloaded += file.Downloaded
		fhs[idx].Select()
		pending++
	}

	job.SelectedIndices = indices
	job.TotalSize = total
	job.Downloaded = downloaded

	if pending == 0 {
		o.cfg.Logger.WithField("job_id", job.ID).Info("all selected files already on disk")
		o.completeLocked(ctx, job, false)
		return nil
	}

	job.Status = domain.JobStatusDownloading
	o.persistLocked(ctx, job)
	o.notifier.JobUpdated(job.Clone())
	return nil
}

// fileCompleteOnDisk reports whether the destination file already has the
// exact expected byte length.
func (o *Orchestrator) fileCompleteOnDisk(job *domain.Job, file *domain.JobFile) bool {
	if file.Size == 0 || file.Path == "" {
		return false
	}
	dest := filepath.Join(job.DownloadPath, filepath.FromSlash(file.Path))
	info, err := os.Stat(dest)
	return err == nil && !info.IsDir() && info.Size() == file.Size
}

func containsIndex(indices []int, idx int) bool {
	for _, v := range indices {
		if v == idx {
			return true
		}
	}
	return false
}
