package engine

import (
	"fmt"
	"math"
	"os"
	"time"

	"github.com/anacrolix/torrent"
	"github.com/anacrolix/torrent/metainfo"
	"github.com/anacrolix/torrent/storage"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

type TorrentConfig struct {
	// DataDir is the client default; started jobs override it per handle
	// with their own destination directory.
	DataDir  string
	Trackers []string
	Logger   *logrus.Logger
}

// TorrentEngine implements Engine on top of anacrolix/torrent.
type TorrentEngine struct {
	cfg             TorrentConfig
	client          *torrent.Client
	downloadLimiter *rate.Limiter
	uploadLimiter   *rate.Limiter
}

func NewTorrentEngine(cfg TorrentConfig) (*TorrentEngine, error) {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if len(cfg.Trackers) == 0 {
		cfg.Trackers = defaultTrackers()
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create download root: %w", err)
	}

	downloadLimiter := rate.NewLimiter(rate.Inf, 0)
	uploadLimiter := rate.NewLimiter(rate.Inf, 0)

	clientConfig := torrent.NewDefaultClientConfig()
	clientConfig.DataDir = cfg.DataDir
	clientConfig.NoUpload = false
	clientConfig.Seed = true
	clientConfig.DownloadRateLimiter = downloadLimiter
	clientConfig.UploadRateLimiter = uploadLimiter

	client, err := torrent.NewClient(clientConfig)
	if err != nil {
		return nil, fmt.Errorf("create torrent client: %w", err)
	}

	return &TorrentEngine{
		cfg:             cfg,
		client:          client,
		downloadLimiter: downloadLimiter,
		uploadLimiter:   uploadLimiter,
	}, nil
}

func (e *TorrentEngine) Start(source, downloadPath string) (Handle, error) {
	if err := os.MkdirAll(downloadPath, 0o755); err != nil {
		return nil, fmt.Errorf("create download path: %w", err)
	}

	spec, err := e.specForSource(source)
	if err != nil {
		return nil, err
	}
	spec.Storage = storage.NewFile(downloadPath)

	t, _, err := e.client.AddTorrentSpec(spec)
	if err != nil {
		return nil, fmt.Errorf("add torrent: %w", err)
	}

	for _, tracker := range e.cfg.Trackers {
		t.AddTrackers([][]string{{tracker}})
	}

	h := &torrentHandle{
		t:      t,
		events: make(chan Event, 4),
		stop:   make(chan struct{}),
	}
	go h.watch()
	return h, nil
}

func (e *TorrentEngine) specForSource(source string) (*torrent.TorrentSpec, error) {
	if IsMagnet(source) {
		spec, err := torrent.TorrentSpecFromMagnetUri(source)
		if err != nil {
			return nil, fmt.Errorf("parse magnet: %w", err)
		}
		return spec, nil
	}

	file, err := os.Open(source)
	if err != nil {
		return nil, fmt.Errorf("open descriptor file: %w", err)
	}
	defer file.Close()

	mi, err := metainfo.Load(file)
	if err != nil {
		return nil, fmt.Errorf("parse descriptor file: %w", err)
	}
	spec, err := torrent.TorrentSpecFromMetaInfoErr(mi)
	if err != nil {
		return nil, fmt.Errorf("build torrent spec: %w", err)
	}
	return spec, nil
}

func (e *TorrentEngine) SetSpeedLimits(downloadBps, uploadBps int64) {
	applyLimit(e.downloadLimiter, downloadBps)
	applyLimit(e.uploadLimiter, uploadBps)
}

func (e *TorrentEngine) Close() {
	e.client.Close()
}

func applyLimit(limiter *rate.Limiter, bps int64) {
	if bps <= 0 {
		limiter.SetLimit(rate.Inf)
		limiter.SetBurst(0)
		return
	}
	burst := int(bps)
	if bps > math.MaxInt32 {
		burst = math.MaxInt32
	}
	limiter.SetLimit(rate.Limit(bps))
	limiter.SetBurst(burst)
}

type torrentHandle struct {
	t      *torrent.Torrent
	events chan Event
	stop   chan struct{}
}

func (h *torrentHandle) watch() {
	defer close(h.events)

	select {
	case <-h.stop:
		return
	case <-h.t.GotInfo():
	}
	if !h.emit(Event{Type: EventMetadata}) {
		return
	}

	// anacrolix has no completion callback; poll the byte counters.
	// Never fires while files are deselected.
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
			if length := h.t.Length(); length > 0 && h.t.BytesCompleted() >= length {
				h.emit(Event{Type: EventDone})
				return
			}
		}
	}
}

func (h *torrentHandle) emit(ev Event) bool {
	select {
	case h.events <- ev:
		return true
	case <-h.stop:
		return false
	}
}

func (h *torrentHandle) InfoHash() string {
	return h.t.InfoHash().HexString()
}

func (h *torrentHandle) Name() string {
	return h.t.Name()
}

func (h *torrentHandle) Files() []File {
	tfs := h.t.Files()
	files := make([]File, len(tfs))
	for i, f := range tfs {
		files[i] = &torrentFile{f: f}
	}
	return files
}

func (h *torrentHandle) Stats() Stats {
	st := h.t.Stats()
	return Stats{
		Downloaded: h.t.BytesCompleted(),
		Uploaded:   st.ConnStats.BytesWrittenData.Int64(),
		Length:     h.t.Length(),
		Peers:      st.TotalPeers,
		Seeders:    st.ConnectedSeeders,
	}
}

func (h *torrentHandle) Events() <-chan Event {
	return h.events
}

func (h *torrentHandle) Destroy() {
	select {
	case <-h.stop:
	default:
		close(h.stop)
	}
	h.t.Drop()
}

type torrentFile struct {
	f *torrent.File
}

func (f *torrentFile) Name() string          { return f.f.DisplayPath() }
func (f *torrentFile) Path() string          { return f.f.Path() }
func (f *torrentFile) Length() int64         { return f.f.Length() }
func (f *torrentFile) BytesCompleted() int64 { return f.f.BytesCompleted() }

func (f *torrentFile) Select() {
	f.f.SetPriority(torrent.PiecePriorityNormal)
}

func (f *torrentFile) Deselect() {
	f.f.SetPriority(torrent.PiecePriorityNone)
}

func defaultTrackers() []string {
	return []string{
		"udp://tracker.opentrackr.org:1337/announce",
		"udp://tracker.openbittorrent.com:6969/announce",
		"udp://open.stealth.si:80/announce",
		"udp://exodus.desync.com:6969/announce",
		"http://tracker.opentrackr.org:1337/announce",
		"http://tracker.openbittorrent.com:80/announce",
		"udp://tracker.torrent.eu.org:451/announce",
		"udp://tracker.moeking.me:6969/announce",
	}
}

var _ Engine = (*TorrentEngine)(nil)
var _ Handle = (*torrentHandle)(nil)
