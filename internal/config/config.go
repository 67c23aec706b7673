// Package config centralizes env-var-driven tunables for the streaming
// engine, following the same getenv/Load/getter pattern the rest of this
// codebase's ancestry uses: package-level defaults, a Load() that overrides
// them from the environment, and plain getter functions for callers.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

var (
	// Torrent engine adapter (§4.B)
	trackersMode      = "udp" // all|http|udp|none
	metadataTimeout   = 60 * time.Second
	peerDisableIPv6   = true
	peerDisableUTP    = false

	// Piece store (§4.A)
	pieceStoreSoftCapBytes int64 = 70 << 20 // 70 MiB
	pieceStoreHardCapBytes int64 = 75 << 20 // 75 MiB
	processHeapCapBytes    int64 = 500 << 20

	// Sliding window scheduler (§4.D)
	schedulerTick = 500 * time.Millisecond
	seekDeltaSec  = 5.0
	criticalSec   = 10.0
	seekMarkSec   = 15.0

	// HTTP range server (§4.E)
	rawPortMin     = 9090
	keepAliveTimeo = 60 * time.Second

	// Remux pipeline (§4.F)
	remuxPortMin   = 9091
	ffmpegPath     = "ffmpeg"
	ffprobeTimeout = 30 * time.Second
	remuxProbesize = int64(50 << 20) // ~50 MiB
	remuxAnalyzeMs = 20000            // ~20s equivalent in microseconds *1000

	// Container format sniffing (§4.D's format-aware addition): how long
	// to wait for the swarm to deliver the bytes containerfmt.Detect
	// needs (header, and footer for moov-at-end MP4) before giving up
	// and proceeding without format-aware prioritization.
	containerDetectTimeout = 4 * time.Second

	// logging
	logFilePath   = "streamengine.log"
	logAllowRegex = `^\[(init|boot|control|stream|remux|scheduler|engine|probe)\]`
	logDenyRegex  = ``
	logDedupWin   = 3 * time.Second

	listenAddr = ":4100"

	// Control surface idle guard: a session with no playback-position
	// update or range request for this long is torn down automatically.
	idleTimeout = 10 * time.Minute
)

// Load re-reads every tunable from the environment, overriding the
// package defaults above. Call once at process start, after
// godotenv.Load has populated the environment from a .env file.
func Load() {
	trackersMode = strings.ToLower(getenv("TRACKERS_MODE", trackersMode))
	metadataTimeout = getenvDuration("METADATA_TIMEOUT", metadataTimeout)
	peerDisableIPv6 = getenvBool("PEER_DISABLE_IPV6", peerDisableIPv6)
	peerDisableUTP = getenvBool("PEER_DISABLE_UTP", peerDisableUTP)

	pieceStoreSoftCapBytes = getenvInt64("PIECE_STORE_SOFT_CAP_BYTES", pieceStoreSoftCapBytes)
	pieceStoreHardCapBytes = getenvInt64("PIECE_STORE_HARD_CAP_BYTES", pieceStoreHardCapBytes)
	processHeapCapBytes = getenvInt64("PROCESS_HEAP_CAP_BYTES", processHeapCapBytes)

	if ms := getenvInt64("SCHEDULER_TICK_MS", 0); ms > 0 {
		schedulerTick = time.Duration(ms) * time.Millisecond
	}
	seekDeltaSec = getenvFloat("SEEK_DELTA_SEC", seekDeltaSec)
	criticalSec = getenvFloat("CRITICAL_SEC", criticalSec)
	seekMarkSec = getenvFloat("SEEK_MARK_SEC", seekMarkSec)

	rawPortMin = int(getenvInt64("RAW_PORT_MIN", int64(rawPortMin)))
	keepAliveTimeo = getenvDuration("KEEPALIVE_TIMEOUT", keepAliveTimeo)

	remuxPortMin = int(getenvInt64("REMUX_PORT_MIN", int64(remuxPortMin)))
	ffmpegPath = getenv("FFMPEG_PATH", ffmpegPath)
	ffprobeTimeout = getenvDuration("FFPROBE_TIMEOUT", ffprobeTimeout)
	remuxProbesize = getenvInt64("REMUX_PROBESIZE_BYTES", remuxProbesize)
	remuxAnalyzeMs = int(getenvInt64("REMUX_ANALYZEDURATION_MS", int64(remuxAnalyzeMs)))
	containerDetectTimeout = getenvDuration("CONTAINER_DETECT_TIMEOUT", containerDetectTimeout)

	listenAddr = getenv("LISTEN", listenAddr)
	idleTimeout = getenvDuration("IDLE_TIMEOUT", idleTimeout)

	logFilePath = getenv("LOG_FILE", logFilePath)
	logAllowRegex = getenv("LOG_ALLOW", logAllowRegex)
	logDenyRegex = getenv("LOG_DENY", logDenyRegex)
	logDedupWin = getenvDuration("LOG_DEDUP_WINDOW", logDedupWin)
}

// getters

func TrackersMode() string            { return trackersMode }
func MetadataTimeout() time.Duration  { return metadataTimeout }
func PeerDisableIPv6() bool           { return peerDisableIPv6 }
func PeerDisableUTP() bool            { return peerDisableUTP }

func PieceStoreSoftCapBytes() int64 { return pieceStoreSoftCapBytes }
func PieceStoreHardCapBytes() int64 { return pieceStoreHardCapBytes }
func ProcessHeapCapBytes() int64    { return processHeapCapBytes }

func SchedulerTick() time.Duration { return schedulerTick }
func SeekDeltaSec() float64       { return seekDeltaSec }
func CriticalSec() float64       { return criticalSec }
func SeekMarkSec() float64       { return seekMarkSec }

func RawPortMin() int                 { return rawPortMin }
func KeepAliveTimeout() time.Duration { return keepAliveTimeo }

func RemuxPortMin() int        { return remuxPortMin }
func FFmpegPath() string       { return ffmpegPath }
func FFprobeTimeout() time.Duration { return ffprobeTimeout }
func RemuxProbesizeBytes() int64 { return remuxProbesize }
func RemuxAnalyzeDurationMs() int { return remuxAnalyzeMs }

func ContainerDetectTimeout() time.Duration { return containerDetectTimeout }

func ListenAddr() string { return listenAddr }

func IdleTimeout() time.Duration { return idleTimeout }

func LogFilePath() string         { return logFilePath }
func LogAllowRegex() string       { return logAllowRegex }
func LogDenyRegex() string        { return logDenyRegex }
func LogDedupWindow() time.Duration { return logDedupWin }

// helpers

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getenvInt64(k string, def int64) int64 {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func getenvFloat(k string, def float64) float64 {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			return n
		}
	}
	return def
}

func getenvDuration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getenvBool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		return strings.ToLower(v) != "false" && v != "0"
	}
	return def
}
