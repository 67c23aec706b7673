package control

import (
	"io"
	"sync"
	"time"

	"github.com/anacrolix/torrent"

	"streamengine/internal/config"
	"streamengine/internal/containerfmt"
	"streamengine/internal/engine"
)

// readerAtSeeker adapts a torrent.Reader (io.ReadSeekCloser) to
// io.ReaderAt by serializing Seek+Read pairs, which is all
// containerfmt.Detect needs and the only shape anacrolix/torrent gives
// us for a file-relative stream.
type readerAtSeeker struct {
	mu sync.Mutex
	rd torrent.Reader
}

func (r *readerAtSeeker) ReadAt(p []byte, off int64) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.rd.Seek(off, io.SeekStart); err != nil {
		return 0, err
	}
	return io.ReadFull(r.rd, p)
}

// detectContainer best-effort sniffs the selected file's container
// format so the scheduler can keep a moov-at-end MP4 atom critical
// regardless of where the read head is (spec §4.D's
// format-aware addition). Detection reads straight off the live torrent
// stream, which can block on bytes the swarm hasn't delivered yet (most
// often the trailing moov atom of a moov-at-end MP4), so it's bounded
// by config.ContainerDetectTimeout and simply skipped — returning nil —
// if the swarm doesn't deliver in time.
func detectContainer(adapter *engine.Adapter, sess *engine.Session, f *torrent.File) *containerfmt.Info {
	rd, err := adapter.CreateReadStream(sess)
	if err != nil {
		return nil
	}
	ra := &readerAtSeeker{rd: rd}

	done := make(chan *containerfmt.Info, 1)
	go func() {
		done <- containerfmt.Detect(ra, f.Length())
	}()

	select {
	case info := <-done:
		rd.Close()
		return info
	case <-time.After(config.ContainerDetectTimeout()):
		// Unblocks the goroutine's pending read; its eventual result is
		// simply discarded into the buffered channel above.
		rd.Close()
		return nil
	}
}
