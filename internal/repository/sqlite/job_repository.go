package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"magnet-queue/internal/domain"
	"magnet-queue/internal/repository"
)

const createJobsTable = `
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL DEFAULT '',
	source TEXT NOT NULL,
	name TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	info_hash TEXT NOT NULL DEFAULT '',
	total_size INTEGER NOT NULL DEFAULT 0,
	downloaded INTEGER NOT NULL DEFAULT 0,
	uploaded INTEGER NOT NULL DEFAULT 0,
	download_path TEXT NOT NULL DEFAULT '',
	archive_location TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	selected_indices TEXT NULL,
	added_at DATETIME NOT NULL,
	started_at DATETIME NULL,
	completed_at DATETIME NULL
);

CREATE TABLE IF NOT EXISTS job_files (
	job_id TEXT NOT NULL,
	idx INTEGER NOT NULL,
	path TEXT NOT NULL,
	name TEXT NOT NULL,
	size INTEGER NOT NULL DEFAULT 0,
	downloaded INTEGER NOT NULL DEFAULT 0,
	selected INTEGER NOT NULL DEFAULT 1,
	PRIMARY KEY (job_id, idx),
	FOREIGN KEY(job_id) REFERENCES jobs(id) ON DELETE CASCADE
);
`

type JobRepository struct {
	db *sql.DB
}

func NewJobRepository(db *sql.DB) repository.JobRepository {
	return &JobRepository{db: db}
}

func (r *JobRepository) Init(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, createJobsTable); err != nil {
		return fmt.Errorf("create jobs tables: %w", err)
	}
	return nil
}

func (r *JobRepository) Save(ctx context.Context, job *domain.Job) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
INSERT INTO jobs (id, owner_id, source, name, status, info_hash, total_size, downloaded, uploaded, download_path, archive_location, error_message, selected_indices, added_at, started_at, completed_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	owner_id=excluded.owner_id,
	source=excluded.source,
	name=excluded.name,
	status=excluded.status,
	info_hash=excluded.info_hash,
	total_size=excluded.total_size,
	downloaded=excluded.downloaded,
	uploaded=excluded.uploaded,
	download_path=excluded.download_path,
	archive_location=excluded.archive_location,
	error_message=excluded.error_message,
	selected_indices=excluded.selected_indices,
	added_at=excluded.added_at,
	started_at=excluded.started_at,
	completed_at=excluded.completed_at`,
		job.ID,
		job.OwnerID,
		job.Source,
		job.Name,
		string(job.Status),
		job.InfoHash,
		job.TotalSize,
		job.Downloaded,
		job.Uploaded,
		job.DownloadPath,
		job.ArchiveLocation,
		job.ErrorMessage,
		encodeIndices(job.SelectedIndices),
		job.AddedAt.UTC(),
		nullTime(job.StartedAt),
		nullTime(job.CompletedAt),
	); err != nil {
		return fmt.Errorf("upsert job: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM job_files WHERE job_id=?`, job.ID); err != nil {
		return fmt.Errorf("delete job files: %w", err)
	}
	for i, file := range job.Files {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO job_files (job_id, idx, path, name, size, downloaded, selected)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
			job.ID,
			i,
			file.Path,
			file.Name,
			file.Size,
			file.Downloaded,
			boolToInt(file.Selected),
		); err != nil {
			return fmt.Errorf("insert job file: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit job save: %w", err)
	}
	return nil
}

func (r *JobRepository) Delete(ctx context.Context, id string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM job_files WHERE job_id=?`, id); err != nil {
		return fmt.Errorf("delete job files: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE id=?`, id); err != nil {
		return fmt.Errorf("delete job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit job delete: %w", err)
	}
	return nil
}

func (r *JobRepository) LoadAll(ctx context.Context) ([]domain.Job, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id, owner_id, source, name, status, info_hash, total_size, downloaded, uploaded, download_path, archive_location, error_message, selected_indices, added_at, started_at, completed_at
FROM jobs
ORDER BY added_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}

	for i := range jobs {
		files, err := r.loadFiles(ctx, jobs[i].ID)
		if err != nil {
			return nil, err
		}
		jobs[i].Files = files
	}
	return jobs, nil
}

func (r *JobRepository) loadFiles(ctx context.Context, jobID string) ([]domain.JobFile, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT path, name, size, downloaded, selected
FROM job_files
WHERE job_id=?
ORDER BY idx ASC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query job files: %w", err)
	}
	defer rows.Close()

	var files []domain.JobFile
	for rows.Next() {
		var (
			file     domain.JobFile
			selected int
		)
		if err := rows.Scan(&file.Path, &file.Name, &file.Size, &file.Downloaded, &selected); err != nil {
			return nil, fmt.Errorf("scan job file: %w", err)
		}
		file.Selected = selected != 0
		files = append(files, file)
	}
	return files, rows.Err()
}

func scanJob(scanner interface {
	Scan(dest ...any) error
}) (*domain.Job, error) {
	var (
		job         domain.Job
		status      string
		indices     sql.NullString
		addedAt     time.Time
		startedAt   sql.NullTime
		completedAt sql.NullTime
	)

	if err := scanner.Scan(
		&job.ID,
		&job.OwnerID,
		&job.Source,
		&job.Name,
		&status,
		&job.InfoHash,
		&job.TotalSize,
		&job.Downloaded,
		&job.Uploaded,
		&job.DownloadPath,
		&job.ArchiveLocation,
		&job.ErrorMessage,
		&indices,
		&addedAt,
		&startedAt,
		&completedAt,
	); err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}

	job.Status = domain.JobStatus(status)
	job.AddedAt = addedAt.UTC()
	if startedAt.Valid {
		t := startedAt.Time.UTC()
		job.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time.UTC()
		job.CompletedAt = &t
	}
	if indices.Valid {
		decoded, err := decodeIndices(indices.String)
		if err != nil {
			return nil, fmt.Errorf("decode selected indices for job %s: %w", job.ID, err)
		}
		job.SelectedIndices = decoded
	}
	if job.Downloaded > 0 {
		job.Ratio = float64(job.Uploaded) / float64(job.Downloaded)
	}
	return &job, nil
}

// encodeIndices stores the selection as a comma separated list; NULL keeps
// the distinction between "no selection" and an explicit empty one.
func encodeIndices(indices []int) any {
	if indices == nil {
		return nil
	}
	parts := make([]string, len(indices))
	for i, idx := range indices {
		parts[i] = strconv.Itoa(idx)
	}
	return strings.Join(parts, ",")
}

func decodeIndices(raw string) ([]int, error) {
	if raw == "" {
		return []int{}, nil
	}
	parts := strings.Split(raw, ",")
	indices := make([]int, 0, len(parts))
	for _, part := range parts {
		idx, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, err
		}
		indices = append(indices, idx)
	}
	return indices, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
