package domain

import "time"

type JobStatus string

const (
	JobStatusQueued            JobStatus = "queued"
	JobStatusDownloading       JobStatus = "downloading"
	JobStatusAwaitingSelection JobStatus = "awaiting-selection"
	JobStatusPaused            JobStatus = "paused"
	JobStatusSeeding           JobStatus = "seeding"
	JobStatusCompleted         JobStatus = "completed"
	JobStatusError             JobStatus = "error"
)

// Active reports whether the status occupies a concurrency slot.
func (s JobStatus) Active() bool {
	return s == JobStatusDownloading || s == JobStatusSeeding
}

// Terminal reports whether the job is done with transfer work. A job in a
// non-terminal status blocks resubmission of the same source.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusError
}

// Job represents one queued or active transfer tracked by the orchestrator.
type Job struct {
	ID              string
	OwnerID         string
	Source          string
	Name            string
	Status          JobStatus
	InfoHash        string
	TotalSize       int64
	Downloaded      int64
	Uploaded        int64
	DownloadSpeed   int64
	UploadSpeed     int64
	SeederCount     int
	Ratio           float64
	Files           []JobFile
	SelectedIndices []int // nil means every file is wanted
	DownloadPath    string
	ArchiveLocation string
	ErrorMessage    string
	AddedAt         time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
}

// JobFile captures an individual file discovered within a job's content.
type JobFile struct {
	Path       string
	Name       string
	Size       int64
	Downloaded int64
	Selected   bool
}

// HasSelection reports whether an explicit file subset is active.
func (j *Job) HasSelection() bool {
	return j.SelectedIndices != nil
}

// PartialSelection reports whether the active selection covers fewer files
// than the job resolved. Completion of such a job must be derived from
// per-file byte counts; the engine only signals whole-content completion.
func (j *Job) PartialSelection() bool {
	return j.SelectedIndices != nil && len(j.SelectedIndices) < len(j.Files)
}

// ResetTransferStats zeroes the live counters that are only meaningful while
// the engine is moving bytes.
func (j *Job) ResetTransferStats() {
	j.DownloadSpeed = 0
	j.UploadSpeed = 0
	j.SeederCount = 0
}

// Clone returns a deep copy safe to hand outside the orchestrator's lock.
func (j *Job) Clone() Job {
	out := *j
	if j.Files != nil {
		out.Files = make([]JobFile, len(j.Files))
		copy(out.Files, j.Files)
	}
	if j.SelectedIndices != nil {
		out.SelectedIndices = make([]int, len(j.SelectedIndices))
		copy(out.SelectedIndices, j.SelectedIndices)
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		out.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		out.CompletedAt = &t
	}
	return out
}
