// Package logx provides a filtering, de-duplicating io.Writer used as the
// destination for the standard log package.
package logx

import (
	"io"
	"regexp"
	"strings"
	"sync"
	"time"
)

// Writer combines an allow/deny regex filter with a time-windowed
// duplicate-suppression pass before forwarding to dst.
//   - allow (optional): if set, only lines matching it pass through.
//   - deny (optional): lines matching it are dropped.
//   - window: identical lines seen again within this window are dropped.
type Writer struct {
	dst         io.Writer
	allow, deny *regexp.Regexp
	window      time.Duration

	mu       sync.Mutex
	lastSeen map[string]time.Time
}

func New(dst io.Writer, window time.Duration, allowPattern, denyPattern string) *Writer {
	var allowRE, denyRE *regexp.Regexp
	if strings.TrimSpace(allowPattern) != "" {
		if re, err := regexp.Compile(allowPattern); err == nil {
			allowRE = re
		}
	}
	if strings.TrimSpace(denyPattern) != "" {
		if re, err := regexp.Compile(denyPattern); err == nil {
			denyRE = re
		}
	}
	return &Writer{dst: dst, allow: allowRE, deny: denyRE, window: window, lastSeen: make(map[string]time.Time)}
}

func (w *Writer) Write(p []byte) (int, error) {
	line := string(p)

	if w.deny != nil && w.deny.MatchString(line) {
		return len(p), nil
	}
	if w.allow != nil && !w.allow.MatchString(line) {
		return len(p), nil
	}

	key := strings.TrimRight(line, "\r\n")

	now := time.Now()
	w.mu.Lock()
	last, ok := w.lastSeen[key]
	if ok && now.Sub(last) < w.window {
		w.mu.Unlock()
		return len(p), nil
	}
	w.lastSeen[key] = now
	w.mu.Unlock()

	return w.dst.Write(p)
}
