// Package containerfmt sniffs a streamed video file's container format
// (MP4 vs. Matroska vs. other) and locates the metadata structure the
// Sliding Window Scheduler keeps critical regardless of where the read
// head is: an MP4 moov atom parked at the end of the file. For Matroska
// only a generically large header window is reported; the scheduler does
// not act on it.
package containerfmt

// Format identifies a container family detected by Detect.
type Format int

const (
	FormatUnknown Format = iota
	FormatMP4
	FormatMKV
	FormatOther
)

func (f Format) String() string {
	switch f {
	case FormatMP4:
		return "mp4"
	case FormatMKV:
		return "mkv"
	case FormatOther:
		return "other"
	default:
		return "unknown"
	}
}

// Info describes what Detect found about a file's container.
type Info struct {
	Format Format

	// MoovOffset/MoovSize locate the MP4 moov atom, if found and non-zero.
	MoovOffset int64
	MoovSize   int64

	// HeaderSize is the number of leading bytes worth prioritizing so a
	// player can begin decoding (ftyp+moov for fast-start MP4, a
	// conservative constant otherwise).
	HeaderSize int64

	// NeedsFooter is true when metadata needed for playback sits at the
	// end of the file rather than (or in addition to) the start.
	NeedsFooter bool
}
