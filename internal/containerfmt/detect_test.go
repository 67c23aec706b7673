package containerfmt

import (
	"bytes"
	"testing"
)

type byteReader []byte

func (b byteReader) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(b)) {
		return 0, bytesEOF
	}
	n := copy(p, b[off:])
	return n, nil
}

var bytesEOF = errFakeEOF{}

type errFakeEOF struct{}

func (errFakeEOF) Error() string { return "EOF" }

func TestDetectMKVSignature(t *testing.T) {
	data := append(append([]byte{}, ebmlSignature...), make([]byte, 1024)...)
	info := Detect(byteReader(data), int64(len(data)))
	if info.Format != FormatMKV {
		t.Fatalf("Format = %v, want MKV", info.Format)
	}
	if !info.NeedsFooter {
		t.Fatal("expected NeedsFooter for MKV")
	}
}

func TestDetectUnknownFallsBackToOther(t *testing.T) {
	data := bytes.Repeat([]byte{0xFF}, 64)
	info := Detect(byteReader(data), int64(len(data)))
	if info.Format != FormatOther {
		t.Fatalf("Format = %v, want Other", info.Format)
	}
}

func TestNeedsRemux(t *testing.T) {
	cases := map[string]bool{".mkv": true, ".mp4": false, ".ts": true, ".webm": false}
	for ext, want := range cases {
		if got := NeedsRemux(ext); got != want {
			t.Errorf("NeedsRemux(%q) = %v, want %v", ext, got, want)
		}
	}
}
