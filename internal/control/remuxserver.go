package control

import (
	"context"
	"io"
	"net/http"
	"strconv"

	"github.com/anacrolix/torrent"

	"streamengine/internal/bitrate"
	"streamengine/internal/engine"
	"streamengine/internal/middleware"
	"streamengine/internal/remux"
)

// remuxHandler implements the Remux Pipeline's HTTP surface (spec §4.F):
// GET/HEAD /?t=SECONDS, seeking the engine read stream to the
// corresponding byte offset and piping an ffmpeg remux of it to the
// client as chunked fragmented MP4.
func (s *Surface) remuxHandler(sess *engine.Session, f *torrent.File, estimator *bitrate.Estimator, pipeline *remux.Pipeline) http.Handler {
	return middleware.Recover(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		middleware.EnableCORS(w)
		s.guard.Touch()

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		if r.Method == http.MethodHead {
			w.Header().Set("Content-Type", "video/mp4")
			w.WriteHeader(http.StatusOK)
			return
		}
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		t := 0.0
		if v := r.URL.Query().Get("t"); v != "" {
			if parsed, err := strconv.ParseFloat(v, 64); err == nil && parsed >= 0 {
				t = parsed
			}
		}
		bps := estimator.BytesPerSecond()
		startByte := int64(t * float64(bps))
		if startByte < 0 {
			startByte = 0
		}
		if startByte >= f.Length() {
			startByte = 0
		}

		open := func(ctx context.Context, start int64) (io.ReadCloser, error) {
			rd, err := s.adapter.CreateReadStream(sess)
			if err != nil {
				return nil, err
			}
			if _, err := rd.Seek(start, io.SeekStart); err != nil {
				rd.Close()
				return nil, err
			}
			return rd, nil
		}

		pipeline.ServeHTTP(w, r, open, startByte)
	}))
}
