package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"magnet-queue/internal/domain"
	"magnet-queue/internal/repository"
)

const createSettingsTable = `
CREATE TABLE IF NOT EXISTS settings (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	max_concurrent_downloads INTEGER NOT NULL,
	seed_after_download INTEGER NOT NULL DEFAULT 0,
	max_download_speed INTEGER NOT NULL DEFAULT 0,
	max_upload_speed INTEGER NOT NULL DEFAULT 0
);
`

type SettingsRepository struct {
	db *sql.DB
}

func NewSettingsRepository(db *sql.DB) repository.SettingsRepository {
	return &SettingsRepository{db: db}
}

func (r *SettingsRepository) Init(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, createSettingsTable); err != nil {
		return fmt.Errorf("create settings table: %w", err)
	}
	return nil
}

func (r *SettingsRepository) Load(ctx context.Context) (domain.Settings, bool, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT max_concurrent_downloads, seed_after_download, max_download_speed, max_upload_speed
FROM settings
WHERE id = 1`)

	var (
		settings domain.Settings
		seed     int
	)
	err := row.Scan(&settings.MaxConcurrentDownloads, &seed, &settings.MaxDownloadSpeed, &settings.MaxUploadSpeed)
	if err == sql.ErrNoRows {
		return domain.Settings{}, false, nil
	}
	if err != nil {
		return domain.Settings{}, false, fmt.Errorf("scan settings: %w", err)
	}
	settings.SeedAfterDownload = seed != 0
	return settings, true, nil
}

func (r *SettingsRepository) Save(ctx context.Context, settings domain.Settings) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO settings (id, max_concurrent_downloads, seed_after_download, max_download_speed, max_upload_speed)
VALUES (1, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	max_concurrent_downloads=excluded.max_concurrent_downloads,
	seed_after_download=excluded.seed_after_download,
	max_download_speed=excluded.max_download_speed,
	max_upload_speed=excluded.max_upload_speed`,
		settings.MaxConcurrentDownloads,
		boolToInt(settings.SeedAfterDownload),
		settings.MaxDownloadSpeed,
		settings.MaxUploadSpeed,
	)
	if err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}
