package containerfmt

import "io"

// needsRemuxExt is spec.md §4.F's "needs remux" extension set: containers
// the browser's <video> element cannot play natively.
var needsRemuxExt = map[string]bool{
	".mkv": true, ".avi": true, ".wmv": true, ".flv": true,
	".ts": true, ".m2ts": true, ".vob": true, ".rm": true, ".rmvb": true,
}

// NeedsRemux reports whether ext (including the leading dot, lowercased)
// requires the remux pipeline rather than being served raw.
func NeedsRemux(ext string) bool { return needsRemuxExt[ext] }

// Detect probes a file's container via a seekable reader, trying MP4 then
// MKV, falling back to a conservative default for anything else. It never
// returns nil.
func Detect(r io.ReaderAt, fileSize int64) *Info {
	mp4 := &mp4Analyzer{reader: r, fileSize: fileSize}
	if info, err := mp4.analyze(); err == nil {
		return info
	}

	mkv := &mkvAnalyzer{reader: r, fileSize: fileSize}
	if info, err := mkv.analyze(); err == nil {
		return info
	}

	headerSize := int64(10 << 20)
	if headerSize > fileSize {
		headerSize = fileSize
	}
	return &Info{Format: FormatOther, HeaderSize: headerSize, NeedsFooter: false}
}
