// Package control implements the Control Surface (spec §4.G): the seven
// request/response operations an external UI drives, plus the periodic
// status event spec §6.3 describes. A single Surface owns at most one
// active session end to end — adapter session, scheduler, bitrate
// estimator, container info, and the raw/remux HTTP listeners that
// expose it — matching spec.md §3 Invariant 1.
//
// Grounded on the teacher's cmd/vod/main.go composition root (wiring
// order: config → adapter → routes → graceful shutdown) and on
// internal/watch/watchmgr.go's lease-manager shape, repurposed here as
// the single-session idle guard (see internal/watch). All mutable
// session state is guarded by one mutex, the same "package-level
// mutex-guarded Controller" pattern the teacher uses in its (now
// superseded) internal/buffer/ctl.go.
package control

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/anacrolix/torrent"

	"streamengine/internal/bitrate"
	"streamengine/internal/config"
	"streamengine/internal/containerfmt"
	"streamengine/internal/engine"
	"streamengine/internal/mediaprobe"
	"streamengine/internal/remux"
	"streamengine/internal/scheduler"
	"streamengine/internal/streamerr"
	"streamengine/internal/watch"
)

// FileInfo describes one file inside an added torrent, keyed by its
// original torrent index (spec.md §4.G: "not filtered index").
type FileInfo struct {
	Index   int    `json:"index"`
	Name    string `json:"name"`
	Size    int64  `json:"size"`
	IsVideo bool   `json:"isVideo"`
}

// Catalogue is torrent.add's return shape.
type Catalogue struct {
	Name      string     `json:"name"`
	InfoHash  string     `json:"infoHash"`
	Files     []FileInfo `json:"files"`
	TotalSize int64      `json:"totalSize"`
}

// SelectResult is torrent.selectFile's (and torrent.start's) return shape.
type SelectResult struct {
	URL               string  `json:"url"`
	Name              string  `json:"name"`
	Size              int64   `json:"size"`
	ContentType       string  `json:"contentType"`
	InfoHash          string  `json:"infoHash"`
	Transcoded        bool    `json:"transcoded"`
	EstimatedDuration float64 `json:"estimatedDuration"`
}

// StatusEvent is the payload spec.md §6.3's torrent:status channel
// carries every 500ms while a session is active.
type StatusEvent struct {
	DownloadSpeed        int64   `json:"downloadSpeed"`
	UploadSpeed          int64   `json:"uploadSpeed"`
	Progress             float64 `json:"progress"`
	NumPeers             int     `json:"numPeers"`
	Downloaded           int64   `json:"downloaded"`
	Ratio                float64 `json:"ratio"`
	BufferedAheadSeconds float64 `json:"bufferedAheadSeconds"`
	BufferSizeMB         float64 `json:"bufferSizeMB"`
	QualityTier          string  `json:"qualityTier"`
	Transcoded           bool    `json:"transcoded"`
	ActualDuration       float64 `json:"actualDuration"`
}

// Surface is the in-process Control Surface API; internal/httpapi binds
// it to an HTTP/JSON+SSE transport.
type Surface struct {
	adapter *engine.Adapter
	guard   *watch.Guard

	mu              sync.Mutex
	sess            *engine.Session
	file            *torrent.File
	fileIdx         int
	container       *containerfmt.Info
	estimator       *bitrate.Estimator
	sched           *scheduler.Scheduler
	transcoded      bool
	lastPlaybackSec float64
	lastStatus      StatusEvent
	haveStatus      bool

	rawLn   net.Listener
	rawSrv  *stoppableServer
	rawPort int

	remuxPipe *remux.Pipeline
	remuxLn   net.Listener
	remuxSrv  *stoppableServer
	remuxPort int

	statusCancel context.CancelFunc
	probeCancel  context.CancelFunc

	subsMu sync.Mutex
	subs   map[chan StatusEvent]struct{}
}

// New builds a Surface over adapter. Only one Surface should drive a
// given Adapter at a time.
func New(adapter *engine.Adapter) *Surface {
	s := &Surface{
		adapter: adapter,
		subs:    make(map[chan StatusEvent]struct{}),
	}
	s.guard = watch.New(config.IdleTimeout(), func() {
		_ = s.Stop()
	})
	return s
}

// Add resolves inputSpec, tears down any prior session, and returns the
// new torrent's file catalogue. All files start deselected.
func (s *Surface) Add(ctx context.Context, inputSpec string) (Catalogue, error) {
	s.teardown()

	sess, err := s.adapter.Add(ctx, inputSpec)
	if err != nil {
		return Catalogue{}, err
	}

	s.mu.Lock()
	s.sess = sess
	s.fileIdx = -1
	s.mu.Unlock()

	cat := Catalogue{
		InfoHash: sess.InfoHash().HexString(),
	}
	if info := sess.Torrent().Info(); info != nil {
		cat.Name = info.Name
		cat.TotalSize = info.TotalLength()
	}
	for i, f := range sess.Torrent().Files() {
		ext := filepath.Ext(f.Path())
		cat.Files = append(cat.Files, FileInfo{
			Index:   i,
			Name:    f.Path(),
			Size:    f.Length(),
			IsVideo: engine.IsVideoExt(ext),
		})
	}

	s.guard.Start()
	s.guard.Touch()
	return cat, nil
}

// SelectFile deselects every other file, selects idx, starts the
// scheduler, and exposes a local HTTP URL for it (raw or remux).
func (s *Surface) SelectFile(ctx context.Context, idx int) (SelectResult, error) {
	s.mu.Lock()
	sess := s.sess
	s.mu.Unlock()
	if sess == nil {
		return SelectResult{}, streamerr.ErrNoActiveSession
	}

	s.stopStreaming()

	f, err := s.adapter.SelectFile(sess, idx)
	if err != nil {
		return SelectResult{}, err
	}

	cfg := bitrate.DeriveBufferConfig(f.Length())
	estimator := bitrate.NewEstimator(f.Length(), cfg)

	// Mark the leading bytes critical immediately: the container sniffer
	// and duration probe both need header bytes before anything else.
	engine.MarkCritical(sess.Torrent(), f, 0, minInt64(f.Length(), 2<<20))

	ext := strings.ToLower(filepath.Ext(f.Path()))
	needsRemux := containerfmt.NeedsRemux(ext)

	container := detectContainer(s.adapter, sess, f)

	var pipeline *remux.Pipeline
	if needsRemux {
		pipeline = remux.New()
	}

	sched := scheduler.New(s.adapter, sess, f, estimator, container, func() bool {
		return pipeline != nil && pipeline.Active()
	})

	rawLn, rawPort, err := listenFirstFree(config.RawPortMin())
	if err != nil {
		return SelectResult{}, fmt.Errorf("control: raw listener: %w", err)
	}
	rawSrv := serveStoppable(rawLn, s.rawHandler(sess, f, estimator, sched))

	var remuxLn net.Listener
	var remuxSrv *stoppableServer
	var remuxPort int
	if needsRemux {
		remuxLn, remuxPort, err = listenFirstFree(config.RemuxPortMin())
		if err != nil {
			rawSrv.Stop()
			return SelectResult{}, fmt.Errorf("control: remux listener: %w", err)
		}
		remuxSrv = serveStoppable(remuxLn, s.remuxHandler(sess, f, estimator, pipeline))
	}

	sched.Start(context.Background())

	s.mu.Lock()
	s.file = f
	s.fileIdx = idx
	s.estimator = estimator
	s.sched = sched
	s.container = container
	s.transcoded = needsRemux
	s.rawLn, s.rawSrv, s.rawPort = rawLn, rawSrv, rawPort
	s.remuxLn, s.remuxSrv, s.remuxPort, s.remuxPipe = remuxLn, remuxSrv, remuxPort, pipeline
	s.lastPlaybackSec = 0
	s.mu.Unlock()

	s.startStatusLoop()
	s.scheduleDurationProbe(rawPort)
	s.guard.Touch()

	url := fmt.Sprintf("http://127.0.0.1:%d/", rawPort)
	ct := engine.ContentTypeForName(f.Path())
	if needsRemux {
		url = fmt.Sprintf("http://127.0.0.1:%d/", remuxPort)
		ct = "video/mp4"
	}
	return SelectResult{
		URL:               url,
		Name:              f.Path(),
		Size:              f.Length(),
		ContentType:       ct,
		InfoHash:          sess.InfoHash().HexString(),
		Transcoded:        needsRemux,
		EstimatedDuration: estimator.Config().EstimatedDurSec,
	}, nil
}

// Start is a convenience combining Add with auto-picking the largest
// video file (or the largest file overall if none match).
func (s *Surface) Start(ctx context.Context, inputSpec string) (SelectResult, error) {
	if _, err := s.Add(ctx, inputSpec); err != nil {
		return SelectResult{}, err
	}

	s.mu.Lock()
	sess := s.sess
	s.mu.Unlock()

	idx := -1
	if _, i, err := engine.ChooseBestVideoFile(sess.Torrent()); err == nil {
		idx = i
	} else {
		files := sess.Torrent().Files()
		if len(files) == 0 {
			return SelectResult{}, streamerr.ErrNoVideoFile
		}
		idx = 0
		for i, f := range files {
			if f.Length() > files[idx].Length() {
				idx = i
			}
		}
	}
	return s.SelectFile(ctx, idx)
}

// Stop terminates the remux child, stops the scheduler, removes the
// session, and resets all state. Idempotent.
func (s *Surface) Stop() error {
	s.teardown()
	return nil
}

// GetInfo returns the most recent status snapshot, or ok=false if no
// session is active.
func (s *Surface) GetInfo() (StatusEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sess == nil || !s.haveStatus {
		return StatusEvent{}, false
	}
	return s.lastStatus, true
}

// UpdatePlayback records a best-effort playback-position report and
// triggers the seek path when the delta exceeds spec.md §3's 5s threshold.
func (s *Surface) UpdatePlayback(timeSeconds float64) {
	s.mu.Lock()
	sched := s.sched
	estimator := s.estimator
	last := s.lastPlaybackSec
	s.lastPlaybackSec = timeSeconds
	s.mu.Unlock()
	if sched == nil {
		return
	}
	s.guard.Touch()

	delta := timeSeconds - last
	if delta < 0 {
		delta = -delta
	}
	if delta <= config.SeekDeltaSec() {
		return
	}
	bps := estimator.BytesPerSecond()
	newByteOffset := int64(timeSeconds * float64(bps))
	if newByteOffset < 0 {
		newByteOffset = 0
	}
	sched.OnSeek(newByteOffset)
}

// Subscribe registers a channel that receives every published
// StatusEvent. The returned func unregisters and closes the channel.
func (s *Surface) Subscribe() (<-chan StatusEvent, func()) {
	ch := make(chan StatusEvent, 4)
	s.subsMu.Lock()
	s.subs[ch] = struct{}{}
	s.subsMu.Unlock()
	cancel := func() {
		s.subsMu.Lock()
		if _, ok := s.subs[ch]; ok {
			delete(s.subs, ch)
			close(ch)
		}
		s.subsMu.Unlock()
	}
	return ch, cancel
}

func (s *Surface) broadcast(ev StatusEvent) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for ch := range s.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// stopStreaming tears down the scheduler and raw/remux servers for the
// current file selection, without removing the underlying session —
// used when selectFile is called again on an already-added torrent.
func (s *Surface) stopStreaming() {
	s.mu.Lock()
	sched := s.sched
	rawSrv := s.rawSrv
	remuxSrv := s.remuxSrv
	pipeline := s.remuxPipe
	s.sched, s.estimator, s.container = nil, nil, nil
	s.rawSrv, s.rawLn, s.rawPort = nil, nil, 0
	s.remuxSrv, s.remuxLn, s.remuxPort, s.remuxPipe = nil, nil, 0, nil
	s.mu.Unlock()

	s.stopStatusLoop()
	s.stopProbe()
	if sched != nil {
		sched.Stop()
	}
	if pipeline != nil {
		pipeline.Stop()
	}
	if rawSrv != nil {
		rawSrv.Stop()
	}
	if remuxSrv != nil {
		remuxSrv.Stop()
	}
}

// teardown tears down the streaming state plus the underlying session
// itself — used by Add (replacing any prior session) and Stop.
func (s *Surface) teardown() {
	s.stopStreaming()

	s.mu.Lock()
	sess := s.sess
	s.sess, s.file, s.fileIdx = nil, nil, -1
	s.transcoded = false
	s.haveStatus = false
	s.lastStatus = StatusEvent{}
	s.mu.Unlock()

	if sess != nil {
		s.adapter.Remove(sess)
	}
	s.guard.Stop()
}

func (s *Surface) startStatusLoop() {
	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.statusCancel = cancel
	s.mu.Unlock()

	go func() {
		ticker := time.NewTicker(config.SchedulerTick())
		defer ticker.Stop()

		var prevRead, prevWritten int64
		var lastAt time.Time
		haveLast := false

		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				s.mu.Lock()
				sess := s.sess
				sched := s.sched
				estimator := s.estimator
				transcoded := s.transcoded
				s.mu.Unlock()
				if sess == nil || sched == nil {
					continue
				}

				t := sess.Torrent()
				stats := t.Stats()
				curRead := stats.BytesReadData.Int64()
				curWritten := stats.BytesWrittenData.Int64()

				var downSpeed, upSpeed int64
				if haveLast {
					if dt := now.Sub(lastAt).Seconds(); dt > 0 {
						downSpeed = int64(float64(curRead-prevRead) / dt)
						upSpeed = int64(float64(curWritten-prevWritten) / dt)
					}
				}
				prevRead, prevWritten, lastAt, haveLast = curRead, curWritten, now, true

				downloaded := t.BytesCompleted()
				var progress float64
				if total := t.Length(); total > 0 {
					progress = float64(downloaded) / float64(total)
				}
				var ratio float64
				if downloaded > 0 {
					ratio = float64(curWritten) / float64(downloaded)
				}

				bi := sched.BufferInfo()
				var actualDur float64
				if estimator != nil {
					actualDur = estimator.Config().EstimatedDurSec
				}

				ev := StatusEvent{
					DownloadSpeed:        downSpeed,
					UploadSpeed:          upSpeed,
					Progress:             progress,
					NumPeers:             stats.ActivePeers,
					Downloaded:           downloaded,
					Ratio:                ratio,
					BufferedAheadSeconds: bi.BufferedAheadSeconds,
					BufferSizeMB:         bi.BufferSizeMB,
					QualityTier:          string(bi.QualityTier),
					Transcoded:           transcoded,
					ActualDuration:       actualDur,
				}

				s.mu.Lock()
				s.lastStatus = ev
				s.haveStatus = true
				s.mu.Unlock()

				s.broadcast(ev)
			}
		}
	}()
}

func (s *Surface) stopStatusLoop() {
	s.mu.Lock()
	cancel := s.statusCancel
	s.statusCancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (s *Surface) scheduleDurationProbe(rawPort int) {
	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.probeCancel = cancel
	estimator := s.estimator
	s.mu.Unlock()
	if estimator == nil {
		cancel()
		return
	}

	url := fmt.Sprintf("http://127.0.0.1:%d/", rawPort)
	go estimator.RunDurationProbe(ctx, func(ctx context.Context) (time.Duration, error) {
		return mediaprobe.ProbeDuration(ctx, url)
	})
}

func (s *Surface) stopProbe() {
	s.mu.Lock()
	cancel := s.probeCancel
	s.probeCancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
