// Package remux implements the Remux Pipeline (spec §4.F): it wraps a
// byte stream from a container the browser can't play natively into
// fragmented MP4 with AAC stereo audio, by piping the raw bytes through
// an ffmpeg child process. Video is copied, never re-encoded; only audio
// is transcoded.
//
// No repo in the retrieval pack spawns ffmpeg itself, so this package is
// new code; its single-in-flight-consumer supervision style (start a
// goroutine, signal it via a context cancel, never block the request
// path on it) follows the shape of the teacher's buffer warm-up
// goroutine (start/stop via a stored cancel func).
package remux

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os/exec"
	"strings"
	"sync"

	"streamengine/internal/config"
	"streamengine/internal/streamerr"
)

// ReaderFactory opens a read stream positioned at startByte within the
// selected file. Callers (the control surface) own translating a
// requested playback second into a byte offset.
type ReaderFactory func(ctx context.Context, startByte int64) (io.ReadCloser, error)

// Pipeline supervises at most one in-flight ffmpeg remux at a time.
// A new request terminates whatever remux preceded it before starting
// its own, per spec §4.F point 1.
type Pipeline struct {
	mu     sync.Mutex
	cancel context.CancelFunc
	active bool
}

// New returns an idle Pipeline.
func New() *Pipeline { return &Pipeline{} }

// Active reports whether a remux consumer currently holds the pipeline,
// the signal the scheduler uses to never soft-pause out from under it.
func (p *Pipeline) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// ServeHTTP seeks to startByte via open, launches an ffmpeg remux of the
// resulting stream, and copies its fragmented-MP4 stdout to w until the
// request's context is done or the child exits.
func (p *Pipeline) ServeHTTP(w http.ResponseWriter, r *http.Request, open ReaderFactory, startByte int64) {
	p.Stop()

	ctx, cancel := context.WithCancel(r.Context())
	p.mu.Lock()
	p.cancel = cancel
	p.active = true
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		if p.cancel != nil {
			p.cancel = nil
		}
		p.active = false
		p.mu.Unlock()
		cancel()
	}()

	src, err := open(ctx, startByte)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	defer src.Close()

	args := []string{
		"-probesize", fmt.Sprintf("%d", config.RemuxProbesizeBytes()),
		"-analyzeduration", fmt.Sprintf("%d", config.RemuxAnalyzeDurationMs()*1000),
		"-i", "pipe:0",
		"-c:v", "copy",
		"-c:a", "aac",
		"-b:a", "192k",
		"-ac", "2",
		"-movflags", "frag_keyframe+empty_moov+default_base_moof+faststart",
		"-max_muxing_queue_size", "9999",
		"-avoid_negative_ts", "make_zero",
		"-f", "mp4",
		"pipe:1",
	}
	cmd := exec.CommandContext(ctx, config.FFmpegPath(), args...)
	cmd.Stdin = src

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		http.Error(w, "remux: stdout pipe: "+err.Error(), http.StatusInternalServerError)
		return
	}
	var stderrBuf strings.Builder
	cmd.Stderr = &stderrBuf

	if err := cmd.Start(); err != nil {
		http.Error(w, "remux: start ffmpeg: "+err.Error(), http.StatusInternalServerError)
		return
	}
	defer func() {
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		_ = cmd.Wait()
	}()

	header := w.Header()
	header.Set("Content-Type", "video/mp4")
	header.Set("Transfer-Encoding", "chunked")
	header.Set("Accept-Ranges", "none")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 64<<10)
	for {
		n, rerr := stdout.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if rerr != nil {
			if rerr != io.EOF && !isNormalTermination(rerr) {
				log.Printf("[remux] stdout read error: %v (stderr: %s)", rerr, firstLines(stderrBuf.String(), 20))
			}
			return
		}
	}
}

// Stop signals whatever remux is currently in flight to terminate,
// without waiting for it — its own deferred cleanup finishes the job.
// Safe to call when nothing is active.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// isNormalTermination classifies an ffmpeg/pipe error as an expected
// consequence of the client disconnecting or a newer remux preempting
// this one, per spec §4.F's "remux errors ... are treated as normal
// termination" list.
func isNormalTermination(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return true
	}
	s := err.Error()
	for _, marker := range []string{"EPIPE", "broken pipe", "Readable stream closed", "Output stream closed", "signal: killed", "file already closed"} {
		if strings.Contains(s, marker) {
			return true
		}
	}
	return false
}

func firstLines(s string, n int) string {
	lines := strings.SplitN(s, "\n", n+1)
	if len(lines) > n {
		lines = lines[:n]
	}
	return strings.Join(lines, "\n")
}

// ErrRemuxFailure is returned by callers that need to classify a remux
// launch failure without depending on this package's other errors.
var ErrRemuxFailure = streamerr.ErrRemuxFailure
