package piecestore

import (
	"testing"

	"github.com/anacrolix/torrent/metainfo"
)

func testInfo() *metainfo.Info {
	return &metainfo.Info{
		PieceLength: 4,
		Pieces:      make([]byte, metainfo.HashSize*3),
		Length:      10,
		Name:        "x",
	}
}

func TestWriteAtThenReadAtRoundTrips(t *testing.T) {
	s := New()
	infoHash := metainfo.Hash{1}
	tor, err := s.OpenTorrent(testInfo(), infoHash)
	if err != nil {
		t.Fatalf("OpenTorrent: %v", err)
	}

	piece := tor.Piece(testInfo().Piece(0))
	if _, err := piece.WriteAt([]byte("abcd"), 0); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	if err := piece.MarkComplete(); err != nil {
		t.Fatalf("MarkComplete: %v", err)
	}

	buf := make([]byte, 4)
	n, err := piece.ReadAt(buf, 0)
	if err != nil || n != 4 || string(buf) != "abcd" {
		t.Fatalf("ReadAt = (%d,%v,%q), want (4,nil,abcd)", n, err, buf)
	}

	if !piece.Completion().Complete {
		t.Fatal("expected piece to be complete")
	}
	if got := s.ResidentBytes(); got != 4 {
		t.Fatalf("ResidentBytes = %d, want 4", got)
	}
}

func TestEvictDropsBytesAndCompletion(t *testing.T) {
	s := New()
	infoHash := metainfo.Hash{2}
	tor, _ := s.OpenTorrent(testInfo(), infoHash)
	piece := tor.Piece(testInfo().Piece(1))

	if _, err := piece.WriteAt([]byte("wxyz"), 0); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	_ = piece.MarkComplete()
	if s.ResidentBytes() != 4 {
		t.Fatalf("ResidentBytes = %d, want 4", s.ResidentBytes())
	}

	s.Evict(metainfo.PieceKey{InfoHash: infoHash, Index: 1})

	if s.ResidentBytes() != 0 {
		t.Fatalf("ResidentBytes after evict = %d, want 0", s.ResidentBytes())
	}
	if piece.Completion().Complete {
		t.Fatal("expected piece to be incomplete after eviction")
	}
	if _, err := piece.ReadAt(make([]byte, 4), 0); err == nil {
		t.Fatal("expected error reading evicted piece")
	}
}

func TestMarkNotCompleteIsEquivalentToEvict(t *testing.T) {
	s := New()
	infoHash := metainfo.Hash{3}
	tor, _ := s.OpenTorrent(testInfo(), infoHash)
	piece := tor.Piece(testInfo().Piece(0))
	_, _ = piece.WriteAt([]byte("1234"), 0)
	_ = piece.MarkComplete()

	if err := piece.MarkNotComplete(); err != nil {
		t.Fatalf("MarkNotComplete: %v", err)
	}
	if s.ResidentBytes() != 0 {
		t.Fatalf("ResidentBytes = %d, want 0", s.ResidentBytes())
	}
}

func TestDropTorrentRemovesAllItsPieces(t *testing.T) {
	s := New()
	ihA := metainfo.Hash{4}
	ihB := metainfo.Hash{5}
	torA, _ := s.OpenTorrent(testInfo(), ihA)
	torB, _ := s.OpenTorrent(testInfo(), ihB)

	pa := torA.Piece(testInfo().Piece(0))
	pb := torB.Piece(testInfo().Piece(0))
	_, _ = pa.WriteAt([]byte("aaaa"), 0)
	_, _ = pb.WriteAt([]byte("bbbb"), 0)
	_ = pa.MarkComplete()
	_ = pb.MarkComplete()

	if got := s.ResidentBytes(); got != 8 {
		t.Fatalf("ResidentBytes = %d, want 8", got)
	}

	s.DropTorrent(ihA)

	if got := s.ResidentBytes(); got != 4 {
		t.Fatalf("ResidentBytes after DropTorrent = %d, want 4", got)
	}
	if !s.Have(metainfo.PieceKey{InfoHash: ihB, Index: 0}) {
		t.Fatal("torrent B's piece should be unaffected")
	}
}

func TestWriteAtPastPieceEndErrors(t *testing.T) {
	s := New()
	infoHash := metainfo.Hash{6}
	tor, _ := s.OpenTorrent(testInfo(), infoHash)
	piece := tor.Piece(testInfo().Piece(0))

	if _, err := piece.WriteAt([]byte("12345"), 0); err == nil {
		t.Fatal("expected error writing more bytes than the piece length")
	}
}
