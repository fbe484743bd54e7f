package orchestrator

import "magnet-queue/internal/domain"

// Notifier receives outward change notifications. Implementations must
// return promptly and must not call back into the orchestrator
// synchronously; callbacks run on the orchestrator's mutation path.
type Notifier interface {
	// JobUpdated fires on every status transition, with a snapshot of the job.
	JobUpdated(job domain.Job)
	// Progress fires once per broadcast tick with the jobs whose live stats
	// were refreshed.
	Progress(jobs []domain.Job)
	// SelectionNeeded fires when a job resolved metadata without a prior
	// file selection; the snapshot carries the resolved file list.
	SelectionNeeded(job domain.Job)
}

// NopNotifier discards all notifications.
type NopNotifier struct{}

func (NopNotifier) JobUpdated(domain.Job)      {}
func (NopNotifier) Progress([]domain.Job)      {}
func (NopNotifier) SelectionNeeded(domain.Job) {}
