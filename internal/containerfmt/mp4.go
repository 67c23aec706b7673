package containerfmt

import (
	"encoding/binary"
	"errors"
	"io"
)

const (
	atomHeaderSize = 8
	maxScanBytes   = 100 * 1024 * 1024 // cap the moov search at 100MB in
)

var (
	ErrNotMP4       = errors.New("containerfmt: not an MP4 file")
	ErrMoovNotFound = errors.New("containerfmt: moov atom not found")
)

// mp4Analyzer locates the moov atom in an MP4/ISOBMFF file via its reader.
type mp4Analyzer struct {
	reader   io.ReaderAt
	fileSize int64
}

func (a *mp4Analyzer) analyze() (*Info, error) {
	buf := make([]byte, atomHeaderSize)
	if _, err := a.reader.ReadAt(buf, 0); err != nil {
		return nil, err
	}
	if !isValidTopLevelAtom(string(buf[4:8])) {
		return nil, ErrNotMP4
	}

	scanLimit := a.fileSize
	if scanLimit > maxScanBytes {
		scanLimit = maxScanBytes
	}

	offset, size, err := a.findAtom("moov", 0, scanLimit)
	if err != nil {
		// MP4 without a discoverable moov: assume it is at the end.
		return &Info{Format: FormatMP4, HeaderSize: 10 << 20, NeedsFooter: true}, nil
	}

	const headerThreshold = 20 << 20
	const smallFileThreshold = 50 << 20
	moovEnd := offset + size

	var atStart bool
	if a.fileSize < smallFileThreshold {
		atStart = moovEnd <= a.fileSize*3/4
	} else {
		atStart = moovEnd <= headerThreshold
	}

	if atStart {
		return &Info{
			Format:      FormatMP4,
			MoovOffset:  offset,
			MoovSize:    size,
			HeaderSize:  moovEnd,
			NeedsFooter: false,
		}, nil
	}

	return &Info{
		Format:      FormatMP4,
		MoovOffset:  offset,
		MoovSize:    size,
		HeaderSize:  10 << 20,
		NeedsFooter: true,
	}, nil
}

// findAtom walks top-level atoms in [start, end) looking for targetType,
// handling the 64-bit extended-size and to-EOF (size==0) forms.
func (a *mp4Analyzer) findAtom(targetType string, start, end int64) (offset, size int64, err error) {
	buf := make([]byte, 16)
	pos := start

	for pos < end {
		n, rerr := a.reader.ReadAt(buf[:8], pos)
		if rerr != nil && rerr != io.EOF {
			return 0, 0, rerr
		}
		if n < 8 {
			break
		}

		atomSize := int64(binary.BigEndian.Uint32(buf[:4]))
		atomType := string(buf[4:8])

		if atomSize == 1 {
			if n, rerr := a.reader.ReadAt(buf[8:16], pos+8); rerr != nil && rerr != io.EOF || n < 8 {
				break
			}
			atomSize = int64(binary.BigEndian.Uint64(buf[8:16]))
		}
		if atomSize == 0 {
			atomSize = end - pos
		}

		if atomType == targetType {
			return pos, atomSize, nil
		}
		if atomSize < 8 {
			break
		}
		pos += atomSize
	}

	return 0, 0, ErrMoovNotFound
}

func isValidTopLevelAtom(atomType string) bool {
	switch atomType {
	case "ftyp", "moov", "mdat", "free", "skip", "wide", "pnot", "pict":
		return true
	default:
		return false
	}
}
