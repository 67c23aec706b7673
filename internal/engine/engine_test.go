package engine

import "testing"

func TestIsHexInfoHash(t *testing.T) {
	cases := map[string]bool{
		"0123456789abcdef0123456789abcdef01234567": true,  // 40 hex chars
		"0123456789ABCDEF0123456789ABCDEF01234567": true,
		"0123456789abcdef0123456789abcdef":         true,  // 32 hex chars
		"not-a-hash":                                false,
		"/path/to/file.torrent":                     false,
	}
	for in, want := range cases {
		if got := isHexInfoHash(in); got != want {
			t.Errorf("isHexInfoHash(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestResolveInputRecognizesKinds(t *testing.T) {
	magnet, err := resolveInput("magnet:?xt=urn:btih:0123456789abcdef0123456789abcdef01234567")
	if err != nil {
		t.Fatalf("magnet: %v", err)
	}
	if len(magnet) == 0 {
		t.Fatal("expected non-empty sanitized magnet")
	}

	hashOnly, err := resolveInput("0123456789abcdef0123456789abcdef01234567")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if hashOnly[:7] != "magnet:" {
		t.Fatalf("expected bare info hash to become a magnet, got %q", hashOnly)
	}

	path, err := resolveInput("/tmp/x.torrent")
	if err != nil {
		t.Fatalf("path: %v", err)
	}
	if path != "/tmp/x.torrent" {
		t.Fatalf("expected path to pass through unchanged, got %q", path)
	}

	if _, err := resolveInput("   "); err == nil {
		t.Fatal("expected error for empty input")
	}
}

func TestSanitizeMagnetDropsNonUDPTrackersInUDPMode(t *testing.T) {
	raw := "magnet:?xt=urn:btih:0123456789abcdef0123456789abcdef01234567" +
		"&tr=udp%3A%2F%2Ftracker.example.com%3A80&tr=http%3A%2F%2Ftracker.example.com%2Fannounce"
	got := sanitizeMagnet(raw)
	if want := "tr=udp"; !contains(got, want) {
		t.Fatalf("expected udp tracker retained in %q", got)
	}
	if contains(got, "http%3A%2F%2Ftracker") || contains(got, "tr=http") {
		t.Fatalf("expected http tracker stripped in %q", got)
	}
}

func TestContentTypeForName(t *testing.T) {
	cases := map[string]string{
		"movie.mp4":        "video/mp4",
		"movie.m4v":        "video/mp4",
		"movie.mov":        "video/mp4", // stdlib mime falls back to video/quicktime here; spec wants video/mp4
		"movie.webm":       "video/webm",
		"movie.mkv":        "video/x-matroska",
		"movie.avi":        "video/x-msvideo",
		"movie.wmv":        "video/x-ms-wmv",
		"movie.flv":        "video/x-flv",
		"movie.ts":         "video/mp2t",
		"movie.m2ts":       "video/mp2t",
		"movie.mts":        "video/mp2t",
		"movie.mpg":        "video/mpeg",
		"movie.mpeg":       "video/mpeg",
		"movie.mpe":        "video/mpeg",
		"movie.m2v":        "video/mpeg",
		"movie.3gp":        "video/3gpp",
		"movie.3g2":        "video/3gpp2",
		"movie.ogv":        "video/ogg",
		"movie.ogg":        "video/ogg", // stdlib mime falls back to audio/ogg here; spec wants video/ogg
		"movie.unknownext": "application/octet-stream",
	}
	for name, want := range cases {
		if got := ContentTypeForName(name); got != want {
			t.Errorf("ContentTypeForName(%q) = %q, want %q", name, got, want)
		}
	}
}

func contains(s, sub string) bool {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return true
		}
	}
	return false
}
