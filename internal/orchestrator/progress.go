package orchestrator

import (
	"context"
	"time"

	"magnet-queue/internal/domain"
)

// progressSample remembers the counters of the previous tick so speeds can
// be derived from byte deltas; the engine only exposes totals.
type progressSample struct {
	downloaded int64
	uploaded   int64
	at         time.Time
}

// ensureBroadcasterLocked starts the periodic progress loop if it is not
// already running. The loop stops itself on a tick that finds no active
// job, so idle processes do not wake up every second.
func (o *Orchestrator) ensureBroadcasterLocked() {
	if o.broadcastCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(o.ctx)
	o.broadcastCancel = cancel

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ticker := time.NewTicker(o.cfg.BroadcastInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				// the loop is sequential, so ticks never overlap
				if !o.broadcastTick() {
					return
				}
			}
		}
	}()
}

// broadcastTick refreshes live stats for every active job, detects
// selection-complete, and emits one bulk progress notification. Returns
// false once there is nothing active and the loop should stop.
func (o *Orchestrator) broadcastTick() bool {
	ctx := o.ctx
	now := time.Now()

	o.mu.Lock()

	var updated []domain.Job
	for id, job := range o.table {
		if !job.Status.Active() {
			continue
		}
		h, ok := o.handles[id]
		if !ok {
			continue
		}

		stats := h.Stats()
		fhs := h.Files()
		for i := range job.Files {
			if i >= len(fhs) {
				break
			}
			// files skipped as already-on-disk keep their full count even
			// though the engine never verified their pieces
			if done := fhs[i].BytesCompleted(); done > job.Files[i].Downloaded {
				job.Files[i].Downloaded = done
			}
		}

		if job.PartialSelection() {
			var downloaded, total int64
			for _, idx := range job.SelectedIndices {
				total += job.Files[idx].Size
				downloaded += job.Files[idx].Downloaded
			}
			job.Downloaded = downloaded
			job.TotalSize = total
		} else {
			job.Downloaded = stats.Downloaded
			if stats.Length > 0 {
				job.TotalSize = stats.Length
			}
		}

		job.Uploaded = stats.Uploaded
		job.SeederCount = stats.Seeders
		if job.Downloaded > 0 {
			job.Ratio = float64(job.Uploaded) / float64(job.Downloaded)
		} else {
			job.Ratio = 0
		}

		sample := o.samples[id]
		if elapsed := now.Sub(sample.at).Seconds(); elapsed > 0 {
			job.DownloadSpeed = positiveRate(job.Downloaded-sample.downloaded, elapsed)
			job.UploadSpeed = positiveRate(job.Uploaded-sample.uploaded, elapsed)
		}
		o.samples[id] = progressSample{downloaded: job.Downloaded, uploaded: job.Uploaded, at: now}

		// the engine only reports whole-content completion; a narrower
		// selection finishes when its own byte counts line up
		if job.PartialSelection() && job.TotalSize > 0 && job.Downloaded >= job.TotalSize {
			o.completeLocked(ctx, job, false)
		} else {
			o.persistLocked(ctx, job)
		}

		updated = append(updated, job.Clone())
	}

	active := o.activeCountLocked()
	if active == 0 && o.broadcastCancel != nil {
		o.broadcastCancel()
		o.broadcastCancel = nil
	}
	o.mu.Unlock()

	if len(updated) > 0 {
		o.notifier.Progress(updated)
	}
	return active > 0
}

func positiveRate(delta int64, seconds float64) int64 {
	if delta <= 0 {
		return 0
	}
	return int64(float64(delta) / seconds)
}
