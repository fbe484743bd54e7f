package domain

// Settings holds the runtime-tunable queue knobs. Speeds are bytes per
// second, zero meaning unlimited.
type Settings struct {
	MaxConcurrentDownloads int
	SeedAfterDownload      bool
	MaxDownloadSpeed       int64
	MaxUploadSpeed         int64
}

// SettingsPatch carries a partial settings update; nil fields are untouched.
type SettingsPatch struct {
	MaxConcurrentDownloads *int
	SeedAfterDownload      *bool
	MaxDownloadSpeed       *int64
	MaxUploadSpeed         *int64
}
