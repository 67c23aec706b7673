// Package engine wraps a single anacrolix/torrent client around the
// in-memory piece store and exposes the session lifecycle the Control
// Surface drives: add, select file, mark critical, pause/resume, and
// hand back a reader for the Sliding Window Scheduler and HTTP servers.
//
// Only one Session is ever live: adding a new source tears down
// whatever session preceded it, per the single-active-stream invariant.
package engine

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/anacrolix/torrent"
	"github.com/anacrolix/torrent/metainfo"
	"github.com/anacrolix/torrent/types"

	"streamengine/internal/config"
	"streamengine/internal/piecestore"
	"streamengine/internal/streamerr"
)

var videoExt = map[string]bool{".mp4": true, ".webm": true, ".m4v": true, ".mov": true, ".mkv": true, ".avi": true, ".ts": true}

// trackers appended to every magnet/torrent add, gated by config.TrackersMode.
var extraHTTP = []string{
	"http://tracker.opentrackr.org:1337/announce",
	"https://tracker.opentrackr.org:443/announce",
	"https://opentracker.i2p.rocks:443/announce",
}
var extraUDP = []string{
	"udp://tracker.opentrackr.org:1337/announce",
	"udp://open.stealth.si:80/announce",
	"udp://tracker.torrent.eu.org:451/announce",
	"udp://exodus.desync.com:6969/announce",
	"udp://open.demonii.com:1337/announce",
}

func buildTrackerTiers() [][]string {
	var tiers [][]string
	switch strings.ToLower(config.TrackersMode()) {
	case "none":
		return nil
	case "http":
		for _, s := range extraHTTP {
			tiers = append(tiers, []string{s})
		}
	case "udp":
		for _, s := range extraUDP {
			tiers = append(tiers, []string{s})
		}
	default: // "all"
		for _, s := range extraHTTP {
			tiers = append(tiers, []string{s})
		}
		for _, s := range extraUDP {
			tiers = append(tiers, []string{s})
		}
	}
	return tiers
}

// Session is one admitted torrent and, once SelectFile is called, the
// single file within it being streamed.
type Session struct {
	mu sync.Mutex

	t       *torrent.Torrent
	file    *torrent.File
	fileIdx int

	addedAt  time.Time
	lastTouch time.Time
}

func (s *Session) Torrent() *torrent.Torrent { return s.t }

// File returns the currently selected file, or nil if SelectFile hasn't
// been called yet.
func (s *Session) File() *torrent.File {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file
}

func (s *Session) FileIndex() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fileIdx
}

func (s *Session) Touch() {
	s.mu.Lock()
	s.lastTouch = time.Now()
	s.mu.Unlock()
}

func (s *Session) LastTouch() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastTouch
}

// InfoHash is a convenience accessor used for logging and telemetry.
func (s *Session) InfoHash() metainfo.Hash { return s.t.InfoHash() }

// Adapter owns the single torrent.Client and the piece store backing it,
// and admits at most one Session at a time.
type Adapter struct {
	mu      sync.Mutex
	client  *torrent.Client
	store   *piecestore.Store
	session *Session
}

// NewAdapter builds a torrent client whose storage is entirely the
// in-memory piece store: nothing this client downloads ever touches disk.
func NewAdapter() (*Adapter, error) {
	store := piecestore.New()

	cfg := torrent.NewDefaultClientConfig()
	cfg.DefaultStorage = store
	cfg.Seed = false
	cfg.NoUpload = false
	cfg.DisableIPv6 = config.PeerDisableIPv6()
	cfg.DisableUTP = config.PeerDisableUTP()

	cl, err := torrent.NewClient(cfg)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("engine: client init: %w", err)
	}
	return &Adapter{client: cl, store: store}, nil
}

// Store exposes the piece store for the scheduler's eviction and
// resident-bytes accounting.
func (a *Adapter) Store() *piecestore.Store { return a.store }

// Session returns the currently active session, if any.
func (a *Adapter) Session() *Session {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.session
}

// Close tears down the client and its piece store. Called once at
// process shutdown.
func (a *Adapter) Close() {
	a.mu.Lock()
	sess := a.session
	a.session = nil
	a.mu.Unlock()
	if sess != nil {
		sess.t.Drop()
	}
	a.client.Close()
	a.store.Close()
}

// Add resolves inputSpec (magnet URI, .torrent URL/path, or bencoded
// data URI), tears down any prior session, adds the new torrent, and
// blocks until its metadata arrives or config.MetadataTimeout elapses.
func (a *Adapter) Add(ctx context.Context, inputSpec string) (*Session, error) {
	src, err := resolveInput(inputSpec)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", streamerr.ErrInvalidInput, err)
	}

	a.mu.Lock()
	prior := a.session
	a.session = nil
	a.mu.Unlock()
	if prior != nil {
		prior.t.Drop()
		a.store.DropTorrent(prior.t.InfoHash())
	}

	t, err := a.addTorrent(src)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", streamerr.ErrInvalidInput, err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, config.MetadataTimeout())
	defer cancel()
	select {
	case <-t.GotInfo():
	case <-waitCtx.Done():
		t.Drop()
		a.store.DropTorrent(t.InfoHash())
		return nil, streamerr.ErrConnectionTimeout
	}

	// Nothing is downloaded until SelectFile picks a target.
	for _, f := range t.Files() {
		f.SetPriority(types.PiecePriorityNone)
	}

	sess := &Session{t: t, addedAt: time.Now(), lastTouch: time.Now()}
	a.mu.Lock()
	a.session = sess
	a.mu.Unlock()
	return sess, nil
}

func (a *Adapter) addTorrent(src string) (*torrent.Torrent, error) {
	switch {
	case strings.HasPrefix(src, "magnet:"):
		t, err := a.client.AddMagnet(src)
		if err != nil {
			return nil, err
		}
		if tiers := buildTrackerTiers(); len(tiers) != 0 {
			t.AddTrackers(tiers)
		}
		return t, nil
	case strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://"):
		return a.addTorrentFromURL(src)
	case strings.HasPrefix(src, "data:application/x-bittorrent;base64,"):
		mi, err := metainfoFromDataURI(src)
		if err != nil {
			return nil, err
		}
		return a.client.AddTorrent(mi)
	default:
		return a.client.AddTorrentFromFile(src)
	}
}

func (a *Adapter) addTorrentFromURL(torrentURL string) (*torrent.Torrent, error) {
	httpClient := &http.Client{Timeout: 30 * time.Second}
	resp, err := httpClient.Get(torrentURL)
	if err != nil {
		return nil, fmt.Errorf("fetch torrent url: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("torrent url returned status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, fmt.Errorf("read torrent data: %w", err)
	}
	if len(data) < 2 || data[0] != 'd' {
		return nil, errors.New("response is not a bencoded torrent file")
	}
	mi, err := metainfo.Load(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse torrent metainfo: %w", err)
	}
	if t, ok := a.client.Torrent(mi.HashInfoBytes()); ok {
		return t, nil
	}
	t, err := a.client.AddTorrent(mi)
	if err != nil {
		return nil, fmt.Errorf("add torrent: %w", err)
	}
	if tiers := buildTrackerTiers(); len(tiers) != 0 {
		t.AddTrackers(tiers)
	}
	return t, nil
}

func metainfoFromDataURI(uri string) (*metainfo.MetaInfo, error) {
	const prefix = "data:application/x-bittorrent;base64,"
	raw := strings.TrimPrefix(uri, prefix)
	data, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("decode data uri: %w", err)
	}
	if len(data) < 2 || data[0] != 'd' {
		return nil, errors.New("decoded payload is not a bencoded torrent file")
	}
	return metainfo.Load(bytes.NewReader(data))
}

// resolveInput recognizes magnet URIs, http(s) .torrent URLs, bencoded
// data URIs, raw info hashes, and filesystem paths. Magnet URIs and raw
// info hashes come back as sanitized magnet URIs; the other forms are
// returned unchanged for addTorrent to dispatch on.
func resolveInput(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", errors.New("empty input")
	}
	if strings.HasPrefix(s, "magnet:") {
		return sanitizeMagnet(s), nil
	}
	if strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://") {
		return s, nil
	}
	if strings.HasPrefix(s, "data:application/x-bittorrent;base64,") {
		return s, nil
	}
	if isHexInfoHash(s) {
		return sanitizeMagnet("magnet:?xt=urn:btih:" + strings.ToUpper(s)), nil
	}
	// otherwise treat as a filesystem path to a .torrent file
	return s, nil
}

func isHexInfoHash(s string) bool {
	if len(s) != 40 && len(s) != 32 {
		return false
	}
	for _, r := range s {
		if !((r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') || (r >= 'A' && r <= 'F')) {
			return false
		}
	}
	return true
}

// sanitizeMagnet strips tracker query params that don't match the
// configured trackers mode, mirroring the tiers buildTrackerTiers adds.
func sanitizeMagnet(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	mode := strings.ToLower(config.TrackersMode())
	if mode == "" {
		mode = "udp"
	}
	orig := q["tr"]
	q.Del("tr")
	for _, tr := range orig {
		trL := strings.ToLower(tr)
		switch mode {
		case "udp":
			if strings.HasPrefix(trL, "udp://") {
				q.Add("tr", tr)
			}
		case "http":
			if strings.HasPrefix(trL, "http://") || strings.HasPrefix(trL, "https://") {
				q.Add("tr", tr)
			}
		case "none":
			// drop all
		default:
			q.Add("tr", tr)
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// SelectFile deselects every other file in the torrent and marks idx as
// the one to download, recording it on the session.
func (a *Adapter) SelectFile(sess *Session, idx int) (*torrent.File, error) {
	if sess == nil {
		return nil, streamerr.ErrNoActiveSession
	}
	files := sess.t.Files()
	if idx < 0 || idx >= len(files) {
		return nil, streamerr.ErrFileIndexOutOfRange
	}
	for i, f := range files {
		if i == idx {
			f.SetPriority(types.PiecePriorityNormal)
		} else {
			f.SetPriority(types.PiecePriorityNone)
		}
	}
	sess.mu.Lock()
	sess.file = files[idx]
	sess.fileIdx = idx
	sess.mu.Unlock()
	return files[idx], nil
}

// DeselectFile drops priority on the session's current file, halting
// further downloading of it without dropping the torrent itself.
func (a *Adapter) DeselectFile(sess *Session) error {
	if sess == nil {
		return streamerr.ErrNoActiveSession
	}
	f := sess.File()
	if f == nil {
		return nil
	}
	f.SetPriority(types.PiecePriorityNone)
	return nil
}

// IsVideoExt reports whether ext (with or without a leading dot) names a
// recognized video container, the same table ChooseBestVideoFile uses.
func IsVideoExt(ext string) bool {
	if ext != "" && ext[0] != '.' {
		ext = "." + ext
	}
	return videoExt[strings.ToLower(ext)]
}

// ChooseBestVideoFile picks the largest file with a recognized video
// extension, the same heuristic used when a caller doesn't name a file
// explicitly (e.g. a single-file torrent, or "pick for me").
func ChooseBestVideoFile(t *torrent.Torrent) (*torrent.File, int, error) {
	var best *torrent.File
	idx := -1
	for i, f := range t.Files() {
		ext := strings.ToLower(filepath.Ext(f.Path()))
		if !videoExt[ext] {
			continue
		}
		if best == nil || f.Length() > best.Length() {
			best, idx = f, i
		}
	}
	if best == nil {
		return nil, -1, streamerr.ErrNoVideoFile
	}
	return best, idx, nil
}

// MarkCritical raises the priority of pieces covering [startByte, endByte)
// within file f to PiecePriorityNow, the "fetch ahead of everything else"
// band the scheduler uses for the current playback position and for
// container metadata regions.
func MarkCritical(t *torrent.Torrent, f *torrent.File, startByte, endByte int64) {
	if f == nil || t.Info() == nil {
		return
	}
	pieceLen := t.Info().PieceLength
	if pieceLen <= 0 {
		return
	}
	begin := f.BeginPieceIndex()
	end := f.EndPieceIndex()
	fOff := f.Offset()
	startPiece := int(max64(0, startByte+fOff) / pieceLen)
	endPiece := int(max64(0, endByte+fOff-1) / pieceLen)
	if startPiece < begin {
		startPiece = begin
	}
	if endPiece >= end {
		endPiece = end - 1
	}
	for i := startPiece; i <= endPiece && i < end; i++ {
		t.Piece(i).SetPriority(types.PiecePriorityNow)
	}
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// Pause stops the session's torrent from requesting further data from
// peers; bytes already resident in the piece store remain readable.
func (a *Adapter) Pause(sess *Session) error {
	if sess == nil {
		return streamerr.ErrNoActiveSession
	}
	sess.t.DisallowDataDownload()
	return nil
}

// Resume re-enables downloading after Pause.
func (a *Adapter) Resume(sess *Session) error {
	if sess == nil {
		return streamerr.ErrNoActiveSession
	}
	sess.t.AllowDataDownload()
	return nil
}

// Remove drops the session's torrent and evicts every piece it owns
// from the store.
func (a *Adapter) Remove(sess *Session) {
	if sess == nil {
		return
	}
	a.mu.Lock()
	if a.session == sess {
		a.session = nil
	}
	a.mu.Unlock()
	sess.t.Drop()
	a.store.DropTorrent(sess.t.InfoHash())
}

// Bitfield reports, per piece of the session's selected file, whether the
// torrent has no bytes missing for it (the selected file's have-bits).
func Bitfield(sess *Session) []bool {
	if sess == nil {
		return nil
	}
	f := sess.File()
	if f == nil {
		return nil
	}
	begin, end := f.BeginPieceIndex(), f.EndPieceIndex()
	bits := make([]bool, end-begin)
	for i := begin; i < end; i++ {
		bits[i-begin] = sess.t.PieceBytesMissing(i) == 0
	}
	return bits
}

// CreateReadStream returns a torrent.Reader positioned for sequential
// playback reads of the session's selected file, tuned for streaming
// rather than bulk download.
func (a *Adapter) CreateReadStream(sess *Session) (torrent.Reader, error) {
	if sess == nil {
		return nil, streamerr.ErrNoActiveSession
	}
	f := sess.File()
	if f == nil {
		return nil, streamerr.ErrNoActiveSession
	}
	r := f.NewReader()
	r.SetResponsive()
	return r, nil
}

// contentTypeByExt is spec.md §6.2's abridged extension→MIME table. A
// fixed table is used instead of stdlib mime.TypeByExtension because
// the latter falls back to the host's /etc/mime.types, which diverges
// from this table (e.g. .mov as video/quicktime, .ogg as audio/ogg) and
// varies by machine.
var contentTypeByExt = map[string]string{
	".mp4":  "video/mp4",
	".m4v":  "video/mp4",
	".mov":  "video/mp4",
	".webm": "video/webm",
	".mkv":  "video/x-matroska",
	".avi":  "video/x-msvideo",
	".wmv":  "video/x-ms-wmv",
	".flv":  "video/x-flv",
	".ts":   "video/mp2t",
	".m2ts": "video/mp2t",
	".mts":  "video/mp2t",
	".mpg":  "video/mpeg",
	".mpeg": "video/mpeg",
	".mpe":  "video/mpeg",
	".m2v":  "video/mpeg",
	".3gp":  "video/3gpp",
	".3g2":  "video/3gpp2",
	".ogv":  "video/ogg",
	".ogg":  "video/ogg",
}

// ContentTypeForName maps a filename's extension to a MIME type for the
// raw HTTP endpoint's Content-Type header, per spec.md §6.2.
func ContentTypeForName(name string) string {
	if ct, ok := contentTypeByExt[strings.ToLower(filepath.Ext(name))]; ok {
		return ct
	}
	return "application/octet-stream"
}

// ClientGone classifies a read/write error as "the peer connection
// went away", which callers should treat as a normal disconnect rather
// than log as a failure.
func ClientGone(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	s := err.Error()
	return strings.Contains(s, "broken pipe") ||
		strings.Contains(s, "reset by peer") ||
		strings.Contains(s, "use of closed network connection")
}
