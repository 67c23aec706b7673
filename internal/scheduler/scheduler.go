// Package scheduler implements the sliding-window piece scheduler: a
// 500ms tick loop that recomputes the window around the read head,
// reasserts file selection, marks pieces critical, evicts everything
// outside the window, and toggles soft/hard swarm pause.
package scheduler

import (
	"context"
	"log"
	"runtime"
	"sync"
	"time"

	"github.com/anacrolix/torrent"
	"github.com/anacrolix/torrent/metainfo"
	"github.com/anacrolix/torrent/types"

	"streamengine/internal/bitrate"
	"streamengine/internal/config"
	"streamengine/internal/containerfmt"
	"streamengine/internal/engine"
)

// nowPriority is the highest piece priority anacrolix/torrent exposes;
// the scheduler uses it for the current-playback-position critical band.
const nowPriority = types.PiecePriorityNow

// pieceKey builds the piece-store key for a piece of the active torrent.
func pieceKey(ih metainfo.Hash, index int) metainfo.PieceKey {
	return metainfo.PieceKey{InfoHash: ih, Index: index}
}

// BufferInfo is published atomically at the end of every tick.
type BufferInfo struct {
	BufferedAheadSeconds float64
	BufferSizeMB         float64
	WindowStart          int
	WindowEnd            int
	CurrentPiece         int
	BufferedStart        int
	BufferedEnd          int
	QualityTier          bitrate.QualityTier
	SoftPaused           bool
	HardPaused           bool
}

// RemuxActiveFunc reports whether the remux pipeline currently has a
// consumer, so the scheduler never soft-pauses out from under it.
type RemuxActiveFunc func() bool

// Scheduler owns the tick loop for a single session's selected file.
type Scheduler struct {
	adapter   *engine.Adapter
	sess      *engine.Session
	file      *torrent.File
	estimator *bitrate.Estimator
	container *containerfmt.Info
	remuxActive RemuxActiveFunc

	filePieceStart int
	filePieceEnd   int // exclusive

	mu                 sync.Mutex
	playbackByteOffset int64
	softPaused         bool
	hardPaused         bool

	infoMu sync.RWMutex
	info   BufferInfo

	cancel context.CancelFunc

	lastErrLogMu sync.Mutex
	lastErrLogAt time.Time
}

// New builds a scheduler for sess's already-selected file f.
func New(adapter *engine.Adapter, sess *engine.Session, f *torrent.File, estimator *bitrate.Estimator, container *containerfmt.Info, remuxActive RemuxActiveFunc) *Scheduler {
	return &Scheduler{
		adapter:        adapter,
		sess:           sess,
		file:           f,
		estimator:      estimator,
		container:      container,
		remuxActive:    remuxActive,
		filePieceStart: f.BeginPieceIndex(),
		filePieceEnd:   f.EndPieceIndex(),
	}
}

// Start launches the tick loop in a goroutine; cancel it with Stop.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	go func() {
		ticker := time.NewTicker(config.SchedulerTick())
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.safeTick()
			}
		}
	}()
}

// Stop cancels the tick loop. Safe to call multiple times.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

// UpdatePlaybackByteOffset records the latest authoritative read-head
// position, fed by every HTTP range request.
func (s *Scheduler) UpdatePlaybackByteOffset(off int64) {
	s.mu.Lock()
	s.playbackByteOffset = off
	s.mu.Unlock()
}

// OnSeek handles a playback-position update whose delta exceeded the
// seek threshold: clear pause flags, resume, and mark the region around
// the new position critical ahead of the next tick.
func (s *Scheduler) OnSeek(newByteOffset int64) {
	s.mu.Lock()
	s.playbackByteOffset = newByteOffset
	s.softPaused = false
	s.hardPaused = false
	s.mu.Unlock()
	_ = s.adapter.Resume(s.sess)

	pieceLen := s.pieceLength()
	if pieceLen <= 0 {
		return
	}
	bps := s.estimator.BytesPerSecond()
	currentPiece := s.pieceForByte(newByteOffset)
	markAheadPieces := ceilDiv(int64(15)*bps, pieceLen)
	endPiece := currentPiece + int(markAheadPieces)
	if endPiece >= s.filePieceEnd {
		endPiece = s.filePieceEnd - 1
	}
	t := s.sess.Torrent()
	for i := currentPiece; i <= endPiece && i < s.filePieceEnd; i++ {
		t.Piece(i).SetPriority(nowPriority)
	}
}

// BufferInfo returns the most recently published snapshot.
func (s *Scheduler) BufferInfo() BufferInfo {
	s.infoMu.RLock()
	defer s.infoMu.RUnlock()
	return s.info
}

func (s *Scheduler) pieceLength() int64 {
	info := s.sess.Torrent().Info()
	if info == nil {
		return 0
	}
	return info.PieceLength
}

func (s *Scheduler) pieceForByte(byteOffset int64) int {
	pieceLen := s.pieceLength()
	if pieceLen <= 0 {
		return s.filePieceStart
	}
	global := s.file.Offset() + byteOffset
	p := int(global / pieceLen)
	if p < s.filePieceStart {
		p = s.filePieceStart
	}
	if p >= s.filePieceEnd {
		p = s.filePieceEnd - 1
	}
	return p
}

func ceilDiv(num, den int64) int64 {
	if den <= 0 {
		return 0
	}
	if num <= 0 {
		return 0
	}
	return (num + den - 1) / den
}

// safeTick runs one tick, recovering from panics and rate-limiting the
// log line, per spec §4.D's failure-swallowing rule (at most once per 5s).
func (s *Scheduler) safeTick() {
	defer func() {
		if r := recover(); r != nil {
			s.lastErrLogMu.Lock()
			if time.Since(s.lastErrLogAt) > 5*time.Second {
				log.Printf("[scheduler] tick panic recovered: %v", r)
				s.lastErrLogAt = time.Now()
			}
			s.lastErrLogMu.Unlock()
		}
	}()
	s.tick()
}

func (s *Scheduler) tick() {
	t := s.sess.Torrent()
	pieceLen := s.pieceLength()
	if pieceLen <= 0 {
		return
	}

	s.mu.Lock()
	readHead := s.playbackByteOffset
	s.mu.Unlock()

	currentPiece := s.pieceForByte(readHead)
	bps := s.estimator.BytesPerSecond()
	cfg := s.estimator.Config()

	maxBufferBytes := config.PieceStoreSoftCapBytes()
	behindBytes := min64(int64(cfg.MinAheadSec*float64(bps)), maxBufferBytes/10)
	aheadBytes := min64(int64(cfg.MaxAheadSec*float64(bps))*9/10, maxBufferBytes*9/10)

	piecesBehind := int(ceilDiv(behindBytes, pieceLen))
	piecesAhead := int(ceilDiv(aheadBytes, pieceLen))

	windowStart := currentPiece - piecesBehind
	if windowStart < s.filePieceStart {
		windowStart = s.filePieceStart
	}
	windowEnd := currentPiece + piecesAhead
	if windowEnd >= s.filePieceEnd {
		windowEnd = s.filePieceEnd - 1
	}

	// 4. Reassert selection.
	_, _ = s.adapter.SelectFile(s.sess, s.sess.FileIndex())

	// 5. Mark critical: current piece plus the next criticalSec worth.
	criticalAhead := ceilDiv(int64(cfg.CriticalSec*float64(bps)), pieceLen)
	criticalEnd := currentPiece + int(criticalAhead)
	if criticalEnd > windowEnd {
		criticalEnd = windowEnd
	}
	for i := currentPiece; i <= criticalEnd && i < s.filePieceEnd; i++ {
		t.Piece(i).SetPriority(nowPriority)
	}

	// Format-aware addition: keep a moov-at-end atom critical regardless
	// of read head, since playback can't begin decoding without it.
	if s.container != nil && s.container.NeedsFooter && s.container.MoovOffset > 0 {
		engine.MarkCritical(t, s.file, s.container.MoovOffset, s.container.MoovOffset+s.container.MoovSize)
	}

	// 6. Unconditional eviction outside the window.
	store := s.adapter.Store()
	ih := t.InfoHash()
	for i := s.filePieceStart; i < s.filePieceEnd; i++ {
		if i >= windowStart && i <= windowEnd {
			continue
		}
		if t.PieceBytesMissing(i) == 0 {
			store.Evict(pieceKey(ih, i))
		}
	}

	// 7. Memory pressure: hard pause.
	resident := store.ResidentBytes()
	var heapAlloc int64
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	heapAlloc = int64(ms.HeapAlloc)

	s.mu.Lock()
	hardPaused := s.hardPaused
	softPaused := s.softPaused
	s.mu.Unlock()

	if resident > config.PieceStoreHardCapBytes() || heapAlloc > config.ProcessHeapCapBytes() {
		if !hardPaused {
			hardPaused = true
			_ = s.adapter.Pause(s.sess)
		}
		for i := s.filePieceStart; i < s.filePieceEnd; i++ {
			if i < windowStart || i > windowEnd {
				store.Evict(pieceKey(ih, i))
			}
		}
		runtime.GC()
		resident = store.ResidentBytes()
	}

	if hardPaused && resident < config.PieceStoreSoftCapBytes()*8/10 {
		hardPaused = false
		_ = s.adapter.Resume(s.sess)
	}

	// 8. Soft pause/resume hysteresis.
	ahead := s.contiguousAheadSeconds(t, currentPiece, pieceLen, bps)
	tFull := cfg.MaxAheadSec
	tResume := 0.5 * tFull
	remuxBusy := s.remuxActive != nil && s.remuxActive()

	if !hardPaused {
		if !softPaused && ahead >= tFull && !remuxBusy {
			softPaused = true
			_ = s.adapter.Pause(s.sess)
		} else if softPaused && (ahead < tResume || remuxBusy) {
			softPaused = false
			_ = s.adapter.Resume(s.sess)
		}
	}

	s.mu.Lock()
	s.hardPaused = hardPaused
	s.softPaused = softPaused
	s.mu.Unlock()

	// 9. Publish BufferInfo.
	bufferedStart, bufferedEnd := s.contiguousBounds(t, currentPiece)
	s.infoMu.Lock()
	s.info = BufferInfo{
		BufferedAheadSeconds: ahead,
		BufferSizeMB:         float64(resident) / (1 << 20),
		WindowStart:          windowStart,
		WindowEnd:            windowEnd,
		CurrentPiece:         currentPiece,
		BufferedStart:        bufferedStart,
		BufferedEnd:          bufferedEnd,
		QualityTier:          cfg.Tier,
		SoftPaused:           softPaused,
		HardPaused:           hardPaused,
	}
	s.infoMu.Unlock()
}

// contiguousAheadSeconds walks forward from currentPiece counting
// contiguously-present bytes, converting to seconds via bps.
func (s *Scheduler) contiguousAheadSeconds(t *torrent.Torrent, currentPiece int, pieceLen, bps int64) float64 {
	if bps <= 0 {
		return 0
	}
	var bytes int64
	for i := currentPiece; i < s.filePieceEnd; i++ {
		if t.PieceBytesMissing(i) != 0 {
			break
		}
		bytes += pieceLen
	}
	return float64(bytes) / float64(bps)
}

func (s *Scheduler) contiguousBounds(t *torrent.Torrent, currentPiece int) (start, end int) {
	start, end = currentPiece, currentPiece
	for i := currentPiece; i >= s.filePieceStart; i-- {
		if t.PieceBytesMissing(i) != 0 {
			break
		}
		start = i
	}
	for i := currentPiece; i < s.filePieceEnd; i++ {
		if t.PieceBytesMissing(i) != 0 {
			break
		}
		end = i
	}
	return start, end
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
