// Package mediaprobe wraps ffprobe to answer the one question the
// Bitrate Estimator (spec §4.C) needs from a container it can't get
// from the torrent's metadata alone: the actual playback duration.
package mediaprobe

import (
	"context"
	"fmt"
	"time"

	ffprobe "gopkg.in/vansante/go-ffprobe.v2"

	"streamengine/internal/config"
)

// ProbeDuration runs ffprobe against sourceURL (typically the engine's
// own raw-range endpoint, already serving partial torrent data) and
// returns the container's reported duration.
func ProbeDuration(ctx context.Context, sourceURL string) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, config.FFprobeTimeout())
	defer cancel()

	data, err := ffprobe.ProbeURL(ctx, sourceURL)
	if err != nil {
		return 0, fmt.Errorf("mediaprobe: ffprobe: %w", err)
	}
	if data.Format == nil {
		return 0, fmt.Errorf("mediaprobe: no format block in ffprobe output")
	}
	dur := data.Format.Duration()
	if dur <= 0 {
		return 0, fmt.Errorf("mediaprobe: zero duration reported")
	}
	return dur, nil
}
