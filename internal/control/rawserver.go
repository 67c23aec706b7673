package control

import (
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/anacrolix/torrent"

	"streamengine/internal/bitrate"
	"streamengine/internal/engine"
	"streamengine/internal/middleware"
	"streamengine/internal/scheduler"
)

// rawHandler implements the HTTP Range Server (spec §4.E): OPTIONS
// preflight, HEAD, and GET with or without a Range header, served
// straight out of the torrent read stream.
//
// Grounded on the teacher's internal/httpapi/handlers.go handleStream
// (manual read/write streaming loop feeding a throughput estimator,
// wrapped in panic recovery) and internal/middleware/{cors,recover}.go.
func (s *Surface) rawHandler(sess *engine.Session, f *torrent.File, estimator *bitrate.Estimator, sched *scheduler.Scheduler) http.Handler {
	return middleware.Recover(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		middleware.EnableCORS(w)
		s.guard.Touch()

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		size := f.Length()
		h := w.Header()
		h.Set("Accept-Ranges", "bytes")
		h.Set("Cache-Control", "no-cache, no-store, must-revalidate")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("Content-Type", engine.ContentTypeForName(f.Path()))

		rangeHeader := r.Header.Get("Range")
		if rangeHeader == "" {
			h.Set("Content-Length", strconv.FormatInt(size, 10))
			if r.Method == http.MethodHead {
				w.WriteHeader(http.StatusOK)
				return
			}
			w.WriteHeader(http.StatusOK)
			s.streamRange(w, r, sess, f, estimator, sched, 0, size-1)
			return
		}

		start, end, ok := parseByteRange(rangeHeader, size)
		if !ok {
			h.Set("Content-Range", fmt.Sprintf("bytes */%d", size))
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
			return
		}

		h.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, size))
		h.Set("Content-Length", strconv.FormatInt(end-start+1, 10))
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusPartialContent)
			return
		}
		w.WriteHeader(http.StatusPartialContent)

		sched.UpdatePlaybackByteOffset(start)
		estimator.ObserveRangeRequest(start, time.Now())

		s.streamRange(w, r, sess, f, estimator, sched, start, end)
	}))
}

// parseByteRange parses a single-range "bytes=s-e", "bytes=s-", or
// "bytes=-n" (suffix) Range header value against a file of the given
// size, per spec.md §4.E's "0 ≤ s ≤ e < fileLength" validation.
func parseByteRange(header string, size int64) (start, end int64, ok bool) {
	const prefix = "bytes="
	if !strings.HasPrefix(header, prefix) {
		return 0, 0, false
	}
	spec := strings.TrimPrefix(header, prefix)
	// Only a single range is supported; take the first if the client sent more.
	spec = strings.SplitN(spec, ",", 2)[0]
	parts := strings.SplitN(spec, "-", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}

	if parts[0] == "" {
		n, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil || n <= 0 {
			return 0, 0, false
		}
		if n > size {
			n = size
		}
		return size - n, size - 1, true
	}

	s, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || s < 0 {
		return 0, 0, false
	}
	e := size - 1
	if parts[1] != "" {
		e, err = strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return 0, 0, false
		}
	}
	if s > e || e >= size {
		return 0, 0, false
	}
	return s, e, true
}

// streamRange copies [start, end] (inclusive, file-relative) from a
// fresh engine read stream to w, destroying the stream on client
// disconnect rather than leaking peer-wire requests (spec.md §4.E).
func (s *Surface) streamRange(w http.ResponseWriter, r *http.Request, sess *engine.Session, f *torrent.File, estimator *bitrate.Estimator, sched *scheduler.Scheduler, start, end int64) {
	rd, err := s.adapter.CreateReadStream(sess)
	if err != nil {
		return
	}
	defer rd.Close()

	if _, err := rd.Seek(start, io.SeekStart); err != nil {
		return
	}

	remaining := end - start + 1
	buf := make([]byte, 32<<10)
	flusher, _ := w.(http.Flusher)

	for remaining > 0 {
		select {
		case <-r.Context().Done():
			return
		default:
		}

		n := int64(len(buf))
		if remaining < n {
			n = remaining
		}
		read, rerr := rd.Read(buf[:n])
		if read > 0 {
			if _, werr := w.Write(buf[:read]); werr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
			remaining -= int64(read)
		}
		if rerr != nil {
			if rerr != io.EOF && !engine.ClientGone(rerr) {
				log.Printf("[stream] read error: %v", rerr)
			}
			return
		}
	}
}
