// Package piecestore implements the bounded, memory-only Piece Store
// (spec component A) as a github.com/anacrolix/torrent/storage.ClientImpl.
// Piece bytes never touch disk. Eviction drops a piece's buffer and clears
// its completion bit in O(1); resident-byte accounting is maintained
// incrementally under a single mutex rather than recomputed per tick.
//
// The wiring point is torrent.NewDefaultClientConfig().DefaultStorage,
// the same plug-in used (with a disk-backed implementation) in the
// secondary reference repo's internal/torrent/client.go.
package piecestore

import (
	"fmt"
	"io"
	"sync"

	"github.com/anacrolix/torrent/metainfo"
	"github.com/anacrolix/torrent/storage"
)

// Store is a storage.ClientImpl whose pieces live entirely in process
// memory. A single Store is shared by every torrent opened through it
// (the engine adapter only ever keeps one torrent alive at a time, per
// spec.md §3 Invariant 1, but the store itself does not assume that).
type Store struct {
	mu       sync.Mutex
	pieces   map[metainfo.PieceKey]*pieceSlot
	resident int64
}

type pieceSlot struct {
	data     []byte // nil until first write; reserved at full piece length
	length   int64
	complete bool
}

// New creates an empty in-memory store. Enforcement of the soft/hard
// memory caps described in spec.md §3 is the scheduler's job (component
// D); the store itself only tracks and reports resident bytes.
func New() *Store {
	return &Store{pieces: make(map[metainfo.PieceKey]*pieceSlot)}
}

func (s *Store) OpenTorrent(info *metainfo.Info, infoHash metainfo.Hash) (storage.TorrentImpl, error) {
	return &torrentHandle{store: s, infoHash: infoHash}, nil
}

func (s *Store) Close() error { return nil }

// ResidentBytes reports the sum of lengths of pieces currently holding
// data, across every torrent opened through this store.
func (s *Store) ResidentBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resident
}

// Evict drops a single piece's bytes and marks it incomplete, so the
// adapter's bitfield reports it absent and the engine may re-fetch it.
// No-op if the piece was never written or is already evicted.
func (s *Store) Evict(key metainfo.PieceKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictLocked(key)
}

func (s *Store) evictLocked(key metainfo.PieceKey) {
	ps, ok := s.pieces[key]
	if !ok || ps.data == nil {
		return
	}
	s.resident -= int64(len(ps.data))
	ps.data = nil
	ps.complete = false
}

// Have reports whether a piece's bytes are fully present and verified.
func (s *Store) Have(key metainfo.PieceKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ps, ok := s.pieces[key]
	return ok && ps.complete && ps.data != nil
}

// DropTorrent evicts every piece belonging to infoHash and forgets its
// slots entirely. Called when a session is removed (spec.md §4.B remove).
func (s *Store) DropTorrent(infoHash metainfo.Hash) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.pieces {
		if key.InfoHash == infoHash {
			s.evictLocked(key)
			delete(s.pieces, key)
		}
	}
}

func (s *Store) slotFor(key metainfo.PieceKey, length int64) *pieceSlot {
	s.mu.Lock()
	defer s.mu.Unlock()
	ps, ok := s.pieces[key]
	if !ok {
		ps = &pieceSlot{length: length}
		s.pieces[key] = ps
	}
	return ps
}

type torrentHandle struct {
	store    *Store
	infoHash metainfo.Hash
}

func (t *torrentHandle) Piece(p metainfo.Piece) storage.PieceImpl {
	key := metainfo.PieceKey{InfoHash: t.infoHash, Index: p.Index()}
	return &pieceHandle{store: t.store, key: key, slot: t.store.slotFor(key, p.Length())}
}

func (t *torrentHandle) Close() error { return nil }

// pieceHandle is the storage.PieceImpl anacrolix/torrent reads and writes
// block data through. Reads copy out of the slot's buffer, so a reader
// that already has bytes in hand is unaffected by a later eviction —
// Go's garbage collector keeps the copied slice alive independently of
// the store's own reference, which is this implementation's answer to
// spec.md §9's reference-counted-slice ownership note.
type pieceHandle struct {
	store *Store
	key   metainfo.PieceKey
	slot  *pieceSlot
}

func (p *pieceHandle) ReadAt(b []byte, off int64) (int, error) {
	p.store.mu.Lock()
	defer p.store.mu.Unlock()
	if p.slot.data == nil {
		return 0, io.ErrUnexpectedEOF
	}
	if off >= int64(len(p.slot.data)) {
		return 0, io.EOF
	}
	n := copy(b, p.slot.data[off:])
	if n < len(b) {
		return n, io.EOF
	}
	return n, nil
}

func (p *pieceHandle) WriteAt(b []byte, off int64) (int, error) {
	p.store.mu.Lock()
	defer p.store.mu.Unlock()
	if p.slot.data == nil {
		p.slot.data = make([]byte, p.slot.length)
		p.store.resident += p.slot.length
	}
	if off+int64(len(b)) > int64(len(p.slot.data)) {
		return 0, fmt.Errorf("piecestore: write past piece end (off=%d len=%d piece_len=%d)", off, len(b), p.slot.length)
	}
	copy(p.slot.data[off:], b)
	return len(b), nil
}

func (p *pieceHandle) MarkComplete() error {
	p.store.mu.Lock()
	defer p.store.mu.Unlock()
	p.slot.complete = true
	return nil
}

func (p *pieceHandle) MarkNotComplete() error {
	p.store.mu.Lock()
	defer p.store.mu.Unlock()
	p.store.evictLocked(p.key)
	return nil
}

func (p *pieceHandle) Completion() storage.Completion {
	p.store.mu.Lock()
	defer p.store.mu.Unlock()
	return storage.Completion{Complete: p.slot.complete, Ok: true}
}
