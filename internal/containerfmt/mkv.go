package containerfmt

import (
	"bytes"
	"errors"
	"io"
)

var ebmlSignature = []byte{0x1A, 0x45, 0xDF, 0xA3}

var ErrNotMKV = errors.New("containerfmt: not a Matroska/EBML file")

type mkvAnalyzer struct {
	reader   io.ReaderAt
	fileSize int64
}

// analyze only verifies the EBML signature; Matroska's segment metadata
// isn't laid out predictably enough to locate cheaply, so it reports a
// generous fixed header window instead of a located atom. The scheduler's
// format-aware marking acts only on a located MP4 moov atom and does not
// mark this window.
func (a *mkvAnalyzer) analyze() (*Info, error) {
	buf := make([]byte, 4)
	if _, err := a.reader.ReadAt(buf, 0); err != nil {
		return nil, err
	}
	if !bytes.Equal(buf, ebmlSignature) {
		return nil, ErrNotMKV
	}

	headerSize := int64(20 << 20)
	if headerSize > a.fileSize {
		headerSize = a.fileSize
	}
	return &Info{Format: FormatMKV, HeaderSize: headerSize, NeedsFooter: true}, nil
}
