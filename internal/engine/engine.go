// Package engine wraps the peer-to-peer transfer engine behind a narrow
// interface the orchestrator consumes. The orchestrator never talks to the
// torrent library directly; handles push typed events and expose live
// counters, the orchestrator reacts.
package engine

type EventType int

const (
	// EventMetadata fires once the engine resolved the content's file list.
	EventMetadata EventType = iota
	// EventDone fires when the whole content is complete on disk. It is
	// never emitted for a partial file selection.
	EventDone
	// EventError carries a fatal engine failure for the job.
	EventError
)

type Event struct {
	Type EventType
	Err  error
}

// Stats is a point-in-time snapshot of a handle's live counters.
type Stats struct {
	Downloaded int64
	Uploaded   int64
	Length     int64
	Peers      int
	Seeders    int
}

// File is one selectable file within a started job.
type File interface {
	Name() string
	Path() string
	Length() int64
	BytesCompleted() int64
	Select()
	Deselect()
}

// Handle is a live engine-side job. Events delivers metadata/done/error in
// emission order and is closed when no further events can occur.
type Handle interface {
	InfoHash() string
	Name() string
	Files() []File
	Stats() Stats
	Events() <-chan Event
	Destroy()
}

// Engine starts transfers and applies client-wide throttles.
type Engine interface {
	// Start registers the source with the engine and begins resolving it.
	// The returned handle reports progress asynchronously via Events.
	Start(source, downloadPath string) (Handle, error)
	// SetSpeedLimits applies download/upload caps in bytes per second to the
	// live client; zero lifts the cap. Running transfers are unaffected
	// beyond the throttle itself.
	SetSpeedLimits(downloadBps, uploadBps int64)
	Close()
}
