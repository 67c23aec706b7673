// Package streamerr collects the sentinel errors shared across the engine,
// scheduler, and control surface so handlers can classify failures with
// errors.Is instead of string matching.
package streamerr

import "errors"

var (
	// ErrInvalidInput means the caller's magnet/path/data-URI source could
	// not be parsed or resolved to a torrent.
	ErrInvalidInput = errors.New("streamengine: invalid input source")

	// ErrConnectionTimeout means metadata (the info dict) did not arrive
	// within the configured timeout after the torrent was added.
	ErrConnectionTimeout = errors.New("streamengine: timed out waiting for torrent metadata")

	// ErrNoVideoFile means a torrent's metadata arrived but none of its
	// files matched a recognized video extension.
	ErrNoVideoFile = errors.New("streamengine: no playable video file in torrent")

	// ErrNoActiveSession means an operation that requires a session (select
	// file, pause/resume, read) was called before Add or
	// after Remove.
	ErrNoActiveSession = errors.New("streamengine: no active session")

	// ErrFileIndexOutOfRange means SelectFile was called with an index that
	// doesn't exist in the torrent's file list.
	ErrFileIndexOutOfRange = errors.New("streamengine: file index out of range")

	// ErrRemuxFailure means the ffmpeg child process exited non-zero or
	// could not be started.
	ErrRemuxFailure = errors.New("streamengine: remux failed")
)
