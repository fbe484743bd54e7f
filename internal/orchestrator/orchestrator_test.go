package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"magnet-queue/internal/domain"
	"magnet-queue/internal/engine"
)

// --- fakes -----------------------------------------------------------------

type fakeEngine struct {
	mu       sync.Mutex
	started  []*fakeHandle
	startErr error

	downloadLimit int64
	uploadLimit   int64
}

func (e *fakeEngine) Start(source, downloadPath string) (engine.Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.startErr != nil {
		return nil, e.startErr
	}
	h := &fakeHandle{
		source:       source,
		downloadPath: downloadPath,
		events:       make(chan engine.Event, 8),
	}
	e.started = append(e.started, h)
	return h, nil
}

func (e *fakeEngine) SetSpeedLimits(downloadBps, uploadBps int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.downloadLimit = downloadBps
	e.uploadLimit = uploadBps
}

func (e *fakeEngine) Close() {}

func (e *fakeEngine) handleFor(source string) *fakeHandle {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := len(e.started) - 1; i >= 0; i-- {
		if e.started[i].source == source {
			return e.started[i]
		}
	}
	return nil
}

func (e *fakeEngine) startCount(source string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	count := 0
	for _, h := range e.started {
		if h.source == source {
			count++
		}
	}
	return count
}

type fakeHandle struct {
	mu           sync.Mutex
	source       string
	downloadPath string
	name         string
	infoHash     string
	files        []*fakeFile
	stats        engine.Stats
	events       chan engine.Event
	destroyed    bool
}

func (h *fakeHandle) emit(ev engine.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.destroyed {
		return
	}
	h.events <- ev
}

func (h *fakeHandle) resolve(name string, files ...*fakeFile) {
	h.mu.Lock()
	h.name = name
	h.infoHash = "hash-" + name
	h.files = files
	var total int64
	for _, f := range files {
		total += f.length
	}
	h.stats.Length = total
	h.mu.Unlock()
	h.emit(engine.Event{Type: engine.EventMetadata})
}

func (h *fakeHandle) finish() {
	h.emit(engine.Event{Type: engine.EventDone})
}

func (h *fakeHandle) fail(err error) {
	h.emit(engine.Event{Type: engine.EventError, Err: err})
}

func (h *fakeHandle) setStats(st engine.Stats) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stats = st
}

func (h *fakeHandle) isDestroyed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.destroyed
}

func (h *fakeHandle) InfoHash() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.infoHash
}

func (h *fakeHandle) Name() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.name
}

func (h *fakeHandle) Files() []engine.File {
	h.mu.Lock()
	defer h.mu.Unlock()
	files := make([]engine.File, len(h.files))
	for i, f := range h.files {
		files[i] = f
	}
	return files
}

func (h *fakeHandle) Stats() engine.Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stats
}

func (h *fakeHandle) Events() <-chan engine.Event { return h.events }

func (h *fakeHandle) Destroy() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.destroyed {
		return
	}
	h.destroyed = true
	close(h.events)
}

type fakeFile struct {
	mu        sync.Mutex
	name      string
	path      string
	length    int64
	completed int64
	selected  bool
}

func (f *fakeFile) Name() string  { return f.name }
func (f *fakeFile) Path() string  { return f.path }
func (f *fakeFile) Length() int64 { return f.length }

func (f *fakeFile) BytesCompleted() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.completed
}

func (f *fakeFile) Select() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.selected = true
}

func (f *fakeFile) Deselect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.selected = false
}

func (f *fakeFile) setCompleted(n int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = n
}

func (f *fakeFile) isSelected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.selected
}

type memJobStore struct {
	mu   sync.Mutex
	jobs map[string]domain.Job
}

func newMemJobStore() *memJobStore {
	return &memJobStore{jobs: make(map[string]domain.Job)}
}

func (s *memJobStore) Init(context.Context) error { return nil }

func (s *memJobStore) Save(_ context.Context, job *domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := job.Clone()
	stored.ResetTransferStats()
	s.jobs[job.ID] = stored
	return nil
}

func (s *memJobStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
	return nil
}

func (s *memJobStore) LoadAll(context.Context) ([]domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, job.Clone())
	}
	return out, nil
}

func (s *memJobStore) get(id string) (domain.Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	return job, ok
}

type memSettingsStore struct {
	mu       sync.Mutex
	settings *domain.Settings
}

func (s *memSettingsStore) Init(context.Context) error { return nil }

func (s *memSettingsStore) Load(context.Context) (domain.Settings, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.settings == nil {
		return domain.Settings{}, false, nil
	}
	return *s.settings, true, nil
}

func (s *memSettingsStore) Save(_ context.Context, settings domain.Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings = &settings
	return nil
}

type recordingNotifier struct {
	mu              sync.Mutex
	updates         []domain.Job
	progressBatches [][]domain.Job
	selectionNeeded []domain.Job
}

func (n *recordingNotifier) JobUpdated(job domain.Job) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.updates = append(n.updates, job)
}

func (n *recordingNotifier) Progress(jobs []domain.Job) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.progressBatches = append(n.progressBatches, jobs)
}

func (n *recordingNotifier) SelectionNeeded(job domain.Job) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.selectionNeeded = append(n.selectionNeeded, job)
}

func (n *recordingNotifier) selectionNeededCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.selectionNeeded)
}

func (n *recordingNotifier) progressBatchCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.progressBatches)
}

// --- harness ---------------------------------------------------------------

type env struct {
	t        *testing.T
	orch     *Orchestrator
	eng      *fakeEngine
	store    *memJobStore
	settings *memSettingsStore
	notes    *recordingNotifier
	dir      string
}

func newEnv(t *testing.T, defaults domain.Settings) *env {
	t.Helper()

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	e := &env{
		t:        t,
		eng:      &fakeEngine{},
		store:    newMemJobStore(),
		settings: &memSettingsStore{},
		notes:    &recordingNotifier{},
		dir:      t.TempDir(),
	}
	e.orch = New(Config{
		DownloadRoot: e.dir,
		// ticks are driven manually from tests
		BroadcastInterval: time.Hour,
		DefaultSettings:   defaults,
		Logger:            logger,
	}, e.eng, e.store, e.settings, e.notes)

	if err := e.orch.Start(context.Background()); err != nil {
		t.Fatalf("start orchestrator: %v", err)
	}
	t.Cleanup(e.orch.Shutdown)
	return e
}

func (e *env) submit(source string) domain.Job {
	e.t.Helper()
	job, err := e.orch.Submit(context.Background(), SubmitRequest{Source: source})
	if err != nil {
		e.t.Fatalf("submit %s: %v", source, err)
	}
	return job
}

func (e *env) status(id string) domain.JobStatus {
	e.t.Helper()
	job, err := e.orch.GetJob(id)
	if err != nil {
		e.t.Fatalf("get job %s: %v", id, err)
	}
	return job.Status
}

func (e *env) job(id string) domain.Job {
	e.t.Helper()
	job, err := e.orch.GetJob(id)
	if err != nil {
		e.t.Fatalf("get job %s: %v", id, err)
	}
	return job
}

func (e *env) waitStatus(id string, want domain.JobStatus) {
	e.t.Helper()
	waitFor(e.t, func() bool { return e.status(id) == want })
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met in time")
}

func (e *env) activeCount() int {
	count := 0
	for _, job := range e.orch.ListJobs() {
		if job.Status.Active() {
			count++
		}
	}
	return count
}

// --- queue processor -------------------------------------------------------

func TestSubmitAdmitsImmediately(t *testing.T) {
	e := newEnv(t, domain.Settings{MaxConcurrentDownloads: 1})

	job := e.submit("magnet:?xt=urn:btih:c12fe1c06bb254907e59ac8eb00c5f2c062c2d47&dn=a")
	if job.Status != domain.JobStatusDownloading {
		t.Fatalf("expected downloading, got %s", job.Status)
	}
	if job.StartedAt == nil {
		t.Fatal("startedAt not recorded")
	}
	if job.InfoHash != "c12fe1c06bb254907e59ac8eb00c5f2c062c2d47" {
		t.Fatalf("info hash not derived from magnet, got %q", job.InfoHash)
	}

	h := e.eng.handleFor(job.Source)
	if h == nil {
		t.Fatal("engine never started")
	}
	if h.downloadPath != e.dir {
		t.Fatalf("expected default download path %s, got %s", e.dir, h.downloadPath)
	}
}

func TestQueueHoldsJobsBeyondCapacity(t *testing.T) {
	e := newEnv(t, domain.Settings{MaxConcurrentDownloads: 1})

	a := e.submit("magnet:a")
	b := e.submit("magnet:b")

	if e.status(a.ID) != domain.JobStatusDownloading {
		t.Fatalf("a should be downloading, got %s", e.status(a.ID))
	}
	if e.status(b.ID) != domain.JobStatusQueued {
		t.Fatalf("b should stay queued, got %s", e.status(b.ID))
	}

	// a errors: slot freed, b auto-admitted
	e.eng.handleFor(a.Source).fail(errTracker)
	e.waitStatus(a.ID, domain.JobStatusError)
	e.waitStatus(b.ID, domain.JobStatusDownloading)

	got := e.job(a.ID)
	if got.ErrorMessage == "" {
		t.Fatal("error message not stored")
	}
	if got.DownloadSpeed != 0 || got.UploadSpeed != 0 {
		t.Fatal("speeds not zeroed on error")
	}
}

func TestFIFOAdmission(t *testing.T) {
	e := newEnv(t, domain.Settings{MaxConcurrentDownloads: 1})

	a := e.submit("magnet:a")
	b := e.submit("magnet:b")
	c := e.submit("magnet:c")

	e.eng.handleFor(a.Source).fail(errTracker)
	e.waitStatus(b.ID, domain.JobStatusDownloading)
	if e.status(c.ID) != domain.JobStatusQueued {
		t.Fatalf("c admitted out of order, got %s", e.status(c.ID))
	}

	e.eng.handleFor(b.Source).fail(errTracker)
	e.waitStatus(c.ID, domain.JobStatusDownloading)
}

func TestConcurrencyBoundHolds(t *testing.T) {
	e := newEnv(t, domain.Settings{MaxConcurrentDownloads: 2})

	sources := []string{"magnet:a", "magnet:b", "magnet:c", "magnet:d"}
	for _, src := range sources {
		e.submit(src)
		if n := e.activeCount(); n > 2 {
			t.Fatalf("active count %d exceeds limit", n)
		}
	}

	for _, src := range sources[:2] {
		e.eng.handleFor(src).fail(errTracker)
	}
	waitFor(t, func() bool { return e.eng.handleFor("magnet:d") != nil })
	if n := e.activeCount(); n > 2 {
		t.Fatalf("active count %d exceeds limit after backfill", n)
	}
}

func TestDuplicateSourceRejected(t *testing.T) {
	e := newEnv(t, domain.Settings{MaxConcurrentDownloads: 1})

	a := e.submit("magnet:same")
	if _, err := e.orch.Submit(context.Background(), SubmitRequest{Source: "magnet:same"}); !errorsIs(err, domain.ErrDuplicate) {
		t.Fatalf("expected duplicate error, got %v", err)
	}

	e.eng.handleFor(a.Source).fail(errTracker)
	e.waitStatus(a.ID, domain.JobStatusError)

	// terminal state unblocks resubmission
	if _, err := e.orch.Submit(context.Background(), SubmitRequest{Source: "magnet:same"}); err != nil {
		t.Fatalf("resubmission after terminal state failed: %v", err)
	}
}

func TestStartIsIdempotentPerJob(t *testing.T) {
	e := newEnv(t, domain.Settings{MaxConcurrentDownloads: 2})

	a := e.submit("magnet:a")
	// settings bump re-runs admission; the running job must not restart
	if _, err := e.orch.UpdateSettings(context.Background(), domain.SettingsPatch{MaxConcurrentDownloads: intPtr(3)}); err != nil {
		t.Fatalf("update settings: %v", err)
	}
	if n := e.eng.startCount(a.Source); n != 1 {
		t.Fatalf("job started %d times", n)
	}
}

// --- pause / resume / remove ----------------------------------------------

func TestPauseOnlyLegalWhileActive(t *testing.T) {
	e := newEnv(t, domain.Settings{MaxConcurrentDownloads: 1})

	a := e.submit("magnet:a")
	b := e.submit("magnet:b")

	if err := e.orch.Pause(context.Background(), b.ID); !errorsIs(err, domain.ErrInvalidState) {
		t.Fatalf("pausing a queued job should be invalid, got %v", err)
	}

	if err := e.orch.Pause(context.Background(), a.ID); err != nil {
		t.Fatalf("pause active job: %v", err)
	}
	if e.status(a.ID) != domain.JobStatusPaused {
		t.Fatalf("expected paused, got %s", e.status(a.ID))
	}
	if !e.eng.handleFor(a.Source).isDestroyed() {
		t.Fatal("engine handle not torn down on pause")
	}

	// freed slot backfills b
	e.waitStatus(b.ID, domain.JobStatusDownloading)
}

func TestResumeClearsErrorAndRequeues(t *testing.T) {
	e := newEnv(t, domain.Settings{MaxConcurrentDownloads: 1})

	a := e.submit("magnet:a")
	e.eng.handleFor(a.Source).fail(errTracker)
	e.waitStatus(a.ID, domain.JobStatusError)

	if err := e.orch.Resume(context.Background(), a.ID); err != nil {
		t.Fatalf("resume errored job: %v", err)
	}
	e.waitStatus(a.ID, domain.JobStatusDownloading)
	if msg := e.job(a.ID).ErrorMessage; msg != "" {
		t.Fatalf("error message not cleared, got %q", msg)
	}

	if err := e.orch.Resume(context.Background(), a.ID); !errorsIs(err, domain.ErrInvalidState) {
		t.Fatalf("resuming a downloading job should be invalid, got %v", err)
	}
}

func TestRemoveDropsJobAndHandle(t *testing.T) {
	e := newEnv(t, domain.Settings{MaxConcurrentDownloads: 1})

	a := e.submit("magnet:a")
	b := e.submit("magnet:b")

	if _, err := e.orch.Remove(context.Background(), a.ID, false); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if !e.eng.handleFor(a.Source).isDestroyed() {
		t.Fatal("engine handle not torn down on remove")
	}
	if _, err := e.orch.GetJob(a.ID); !errorsIs(err, domain.ErrNotFound) {
		t.Fatalf("removed job still visible, err=%v", err)
	}
	if _, ok := e.store.get(a.ID); ok {
		t.Fatal("removed job still persisted")
	}

	e.waitStatus(b.ID, domain.JobStatusDownloading)
}

func TestOperationsOnUnknownJob(t *testing.T) {
	e := newEnv(t, domain.Settings{MaxConcurrentDownloads: 1})

	ctx := context.Background()
	if err := e.orch.Pause(ctx, "nope"); !errorsIs(err, domain.ErrNotFound) {
		t.Fatalf("pause: %v", err)
	}
	if err := e.orch.Resume(ctx, "nope"); !errorsIs(err, domain.ErrNotFound) {
		t.Fatalf("resume: %v", err)
	}
	if _, err := e.orch.Remove(ctx, "nope", false); !errorsIs(err, domain.ErrNotFound) {
		t.Fatalf("remove: %v", err)
	}
	if err := e.orch.SelectFiles(ctx, "nope", []int{0}); !errorsIs(err, domain.ErrNotFound) {
		t.Fatalf("select: %v", err)
	}
	if err := e.orch.AddMoreFiles(ctx, "nope", []int{0}); !errorsIs(err, domain.ErrNotFound) {
		t.Fatalf("add more: %v", err)
	}
}

// --- restart recovery ------------------------------------------------------

func TestRestartCoercesActiveJobsToQueued(t *testing.T) {
	store := newMemJobStore()
	now := time.Now().UTC()
	seed := []domain.Job{
		{ID: "j1", Source: "magnet:a", Status: domain.JobStatusDownloading, AddedAt: now.Add(-3 * time.Minute)},
		{ID: "j2", Source: "magnet:b", Status: domain.JobStatusAwaitingSelection, AddedAt: now.Add(-2 * time.Minute)},
		{ID: "j3", Source: "magnet:c", Status: domain.JobStatusCompleted, AddedAt: now.Add(-1 * time.Minute)},
	}
	for i := range seed {
		if err := store.Save(context.Background(), &seed[i]); err != nil {
			t.Fatalf("seed store: %v", err)
		}
	}

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	eng := &fakeEngine{}
	orch := New(Config{
		DownloadRoot:      t.TempDir(),
		BroadcastInterval: time.Hour,
		DefaultSettings:   domain.Settings{MaxConcurrentDownloads: 1},
		Logger:            logger,
	}, eng, store, &memSettingsStore{}, &recordingNotifier{})
	if err := orch.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer orch.Shutdown()

	jobs := orch.ListJobs()
	if len(jobs) != 3 {
		t.Fatalf("expected 3 restored jobs, got %d", len(jobs))
	}
	for _, job := range jobs {
		switch job.ID {
		case "j1":
			// oldest queued job wins the single slot
			if job.Status != domain.JobStatusDownloading {
				t.Fatalf("j1: expected downloading after readmission, got %s", job.Status)
			}
		case "j2":
			if job.Status != domain.JobStatusQueued {
				t.Fatalf("j2: expected queued, got %s", job.Status)
			}
		case "j3":
			if job.Status != domain.JobStatusCompleted {
				t.Fatalf("j3: completed job must stay completed, got %s", job.Status)
			}
		}
		if job.DownloadSpeed != 0 || job.UploadSpeed != 0 {
			t.Fatalf("%s: speeds not zeroed after restart", job.ID)
		}
	}
}

// --- settings --------------------------------------------------------------

func TestUpdateSettingsWidensCapacity(t *testing.T) {
	e := newEnv(t, domain.Settings{MaxConcurrentDownloads: 1})

	e.submit("magnet:a")
	b := e.submit("magnet:b")
	if e.status(b.ID) != domain.JobStatusQueued {
		t.Fatalf("b should be queued, got %s", e.status(b.ID))
	}

	if _, err := e.orch.UpdateSettings(context.Background(), domain.SettingsPatch{MaxConcurrentDownloads: intPtr(2)}); err != nil {
		t.Fatalf("update settings: %v", err)
	}
	e.waitStatus(b.ID, domain.JobStatusDownloading)
}

func TestUpdateSettingsAppliesThrottlesLive(t *testing.T) {
	e := newEnv(t, domain.Settings{MaxConcurrentDownloads: 1})

	updated, err := e.orch.UpdateSettings(context.Background(), domain.SettingsPatch{
		MaxDownloadSpeed: int64Ptr(1 << 20),
		MaxUploadSpeed:   int64Ptr(256 << 10),
	})
	if err != nil {
		t.Fatalf("update settings: %v", err)
	}
	if updated.MaxDownloadSpeed != 1<<20 {
		t.Fatalf("patch not applied: %+v", updated)
	}

	e.eng.mu.Lock()
	defer e.eng.mu.Unlock()
	if e.eng.downloadLimit != 1<<20 || e.eng.uploadLimit != 256<<10 {
		t.Fatalf("throttles not forwarded to engine: %d/%d", e.eng.downloadLimit, e.eng.uploadLimit)
	}
}

func TestUpdateSettingsRejectsZeroConcurrency(t *testing.T) {
	e := newEnv(t, domain.Settings{MaxConcurrentDownloads: 1})
	if _, err := e.orch.UpdateSettings(context.Background(), domain.SettingsPatch{MaxConcurrentDownloads: intPtr(0)}); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestSeedAfterDownloadKeepsHandle(t *testing.T) {
	e := newEnv(t, domain.Settings{MaxConcurrentDownloads: 1, SeedAfterDownload: true})

	a := e.submit("magnet:a")
	b := e.submit("magnet:b")

	h := e.eng.handleFor(a.Source)
	h.resolve("content-a", &fakeFile{name: "f0", path: "content-a/f0", length: 100})
	e.waitStatus(a.ID, domain.JobStatusAwaitingSelection)
	if err := e.orch.SelectFiles(context.Background(), a.ID, []int{0}); err != nil {
		t.Fatalf("select: %v", err)
	}
	h.finish()
	e.waitStatus(a.ID, domain.JobStatusSeeding)

	if h.isDestroyed() {
		t.Fatal("seeding job's handle must stay alive")
	}
	// seeding still occupies the slot
	if e.status(b.ID) != domain.JobStatusQueued {
		t.Fatalf("b admitted while slot held by seeding job, got %s", e.status(b.ID))
	}

	// turning seeding off completes the job and frees the slot
	if _, err := e.orch.UpdateSettings(context.Background(), domain.SettingsPatch{SeedAfterDownload: boolPtr(false)}); err != nil {
		t.Fatalf("update settings: %v", err)
	}
	e.waitStatus(a.ID, domain.JobStatusCompleted)
	if !h.isDestroyed() {
		t.Fatal("handle not torn down when seeding ended")
	}
	e.waitStatus(b.ID, domain.JobStatusDownloading)
}

// --- helpers ---------------------------------------------------------------

var errTracker = errTrackerType{}

type errTrackerType struct{}

func (errTrackerType) Error() string { return "tracker unreachable" }

func errorsIs(err, target error) bool { return errors.Is(err, target) }

func intPtr(v int) *int       { return &v }
func int64Ptr(v int64) *int64 { return &v }
func boolPtr(v bool) *bool    { return &v }
