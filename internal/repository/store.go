package repository

import (
	"context"

	"magnet-queue/internal/domain"
)

// JobRepository persists the job table. The orchestrator writes through on
// every mutation; LoadAll rebuilds the table after a restart.
type JobRepository interface {
	Init(ctx context.Context) error
	// Save upserts the full job record, including its file list. Transient
	// speed fields are zeroed in the stored form.
	Save(ctx context.Context, job *domain.Job) error
	Delete(ctx context.Context, id string) error
	LoadAll(ctx context.Context) ([]domain.Job, error)
}

// SettingsRepository persists the queue settings independently of jobs.
type SettingsRepository interface {
	Init(ctx context.Context) error
	// Load returns the stored settings and whether any were stored.
	Load(ctx context.Context) (domain.Settings, bool, error)
	Save(ctx context.Context, settings domain.Settings) error
}
