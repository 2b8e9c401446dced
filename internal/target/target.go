// Package target implements C4: the caller-facing DownloadTarget, the
// scheduler-owned Target wrapping it, and the per-target lifecycle state
// machine (waiting -> preparation -> waiting -> running -> finished/failed)
// with its header/write callback contract. Grounded on
// original_source/src/target.cpp and original_source/include/powerloader/target.hpp.
package target

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/mirrorctl/powerloader/internal/checksum"
	"github.com/mirrorctl/powerloader/internal/errs"
	"github.com/mirrorctl/powerloader/internal/fileio"
	"github.com/mirrorctl/powerloader/internal/mirror"
	"github.com/mirrorctl/powerloader/internal/mirrorid"
	"github.com/mirrorctl/powerloader/internal/transfer"
	"github.com/mirrorctl/powerloader/internal/zchunk"
)

// partExt is the suffix a target's temp file carries until it is
// verified and renamed into place (spec §4.3's ".pdpart").
const partExt = ".pdpart"

// TransferStatus is the outcome passed to a DownloadTarget's EndCallback.
type TransferStatus int

const (
	StatusSuccessful TransferStatus = iota
	StatusAlreadyExists
	StatusError
)

// EndCallback is invoked exactly once per target, regardless of outcome.
// A non-nil return with Code != errs.CodeOK overrides the outcome the
// scheduler reports for this target.
type EndCallback func(status TransferStatus, err error) *errs.DownloaderError

// ProgressCallback reports bytes transferred so far against the known
// (or estimated) total; total may be 0 if unknown.
type ProgressCallback func(downloaded, total int64)

// DownloadTarget is the caller-supplied description of one file to fetch
// (spec §3).
type DownloadTarget struct {
	Path         string // logical path, resolved against each mirror's base URL
	DestFilename string // final on-disk path

	// BaseURL, when set, makes this target fetch directly against
	// BaseURL+Path instead of racing the configured mirror pool (spec
	// §4.5's select_next_target base_url branch). An absolute Path
	// ("scheme://...") takes the same direct path without BaseURL needing
	// to be set at all.
	BaseURL string

	Checksums    []checksum.Pair
	ExpectedSize int64 // <=0 if unknown
	Resume       bool

	IsZchunk        bool
	ZckHeaderSize   int64 // <=0 if unknown up front
	ZckHeaderSHA256 string

	// ByteRangeStart/ByteRangeEnd request a specific byte window of the
	// remote object instead of the whole thing. ByteRangeStart <= 0 means
	// no window was requested; ByteRangeEnd <= 0 means "until EOF".
	ByteRangeStart int64
	ByteRangeEnd   int64

	NoCache       bool
	MaxSpeedLimit int64

	EndCallback      EndCallback
	ProgressCallback ProgressCallback
}

// State is a Target's position in its lifecycle (spec §3/§4.3).
type State int

const (
	StateWaiting State = iota
	StatePreparation
	StateRunning
	StateFinished
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateWaiting:
		return "waiting"
	case StatePreparation:
		return "preparation"
	case StateRunning:
		return "running"
	case StateFinished:
		return "finished"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// headerCbState tracks header_callback's little state machine: whether
// the status line has been seen as OK yet, and whether a mismatch should
// abort the transfer.
type headerCbState int

const (
	headerDefault headerCbState = iota
	headerHTTPStateOK
	headerDone
	headerInterrupted
)

// Target is the scheduler-owned wrapper around a DownloadTarget: mutable
// transfer state, the currently selected mirror, and the temp file it is
// streaming into. While a request is in flight, headerCallback and
// writeCallback run on the transfer worker goroutine and update the
// header/range bookkeeping and the outfile; everything else is mutated
// only from the scheduler's driver goroutine, which leaves the target
// alone until that request's completion arrives.
type Target struct {
	DL     *DownloadTarget
	State  State
	Mirror *mirror.Mirror

	// DirectMirror caches the ad hoc Mirror built for an absolute-URL or
	// base_url target (spec §4.5), so repeated retries reuse the same
	// backoff/statistics state rather than starting fresh every attempt.
	DirectMirror   *mirror.Mirror
	DirectAttempts int

	TriedMirrors mirrorid.Set

	outfile      *fileio.FileSlot
	tempPath     string
	originalSize int64 // size already on disk at resume time, -1 if none

	headerState           headerCbState
	expectedContentLength int64 // parsed "Content-Length" value, -1 if none seen yet
	writeReceived         int64
	rangeStart            int64 // absolute file offset the current leg starts writing at
	rangeEnd              int64 // inclusive end of the current leg's window, -1 if open-ended
	rangeRequested        bool  // true if the current leg asked for a Range at all
	rangeFail             bool  // true once a mirror answered 200 to a ranged request

	zck *zchunk.Coordinator // non-nil once a zchunk-aware download has started

	lastErr error
}

// New wraps dl for scheduling against the given candidate mirrors.
func New(dl *DownloadTarget) *Target {
	return &Target{
		DL:                    dl,
		State:                 StateWaiting,
		TriedMirrors:          mirrorid.NewSet(),
		originalSize:          -1,
		rangeEnd:              -1,
		expectedContentLength: -1,
	}
}

// OpenOutfile opens (or reopens, on resume) the target's temp file,
// mirroring original_source/src/target.cpp:open_target_file. Idempotent:
// a second call on an already-open Target is a no-op, so the scheduler
// can call it unconditionally whenever a target re-enters waiting state
// (including after a finished preparation round-trip).
func (t *Target) OpenOutfile() error {
	if t.outfile != nil {
		return nil
	}

	t.tempPath = t.DL.DestFilename + partExt

	mode := fileio.ModeWriteTrunc
	if _, err := os.Stat(t.tempPath); err == nil && t.DL.Resume {
		mode = fileio.ModeAppendUpdate
	}

	f, err := fileio.Open(t.tempPath, mode)
	if err != nil {
		return errs.Wrap(errs.LevelSerious, errs.CodeCannotCreateTmp, err, "opening temp file")
	}
	t.outfile = f

	if mode == fileio.ModeAppendUpdate {
		pos, err := f.Tell()
		if err != nil {
			return err
		}
		t.originalSize = pos
	}
	t.writeReceived = 0
	return nil
}

// AlreadyDownloaded reports whether DestFilename already exists, matches
// ExpectedSize (when known), and verifies against Checksums, letting the
// scheduler skip the transfer entirely (spec §4.4's already_downloaded()
// shortcut). A target with no declared checksums never takes this path:
// there is nothing to verify an existing file against.
func (t *Target) AlreadyDownloaded() bool {
	if len(t.DL.Checksums) == 0 {
		return false
	}
	f, err := os.Open(t.DL.DestFilename) // #nosec G304 - destination is the caller-controlled manifest path
	if err != nil {
		return false
	}
	defer f.Close()

	if t.DL.ExpectedSize > 0 {
		fi, err := f.Stat()
		if err != nil || fi.Size() != t.DL.ExpectedSize {
			return false
		}
	}
	sums, err := checksum.Sum(f)
	if err != nil {
		return false
	}
	return checksum.Verify(sums, t.DL.Checksums) == nil
}

// FinishAlreadyExists closes the target out as StatusAlreadyExists
// without ever opening a scratch file or issuing a request.
func (t *Target) FinishAlreadyExists() error {
	return t.finish(StatusAlreadyExists, nil)
}

// BuildRequest composes the transfer.Handle for the target's current
// mirror and state, wiring the header/write callbacks that drive this
// target's own state machine. cacheDir is forwarded to the zchunk
// coordinator for local salvage scanning when DL.IsZchunk; it may be
// empty. The caller is responsible for calling FinishTransfer (for a
// plain target) or ZchunkDone+BuildRequest again (for a zchunk target)
// once the Handle completes.
func (t *Target) BuildRequest(cacheDir string) (*transfer.Handle, error) {
	if t.Mirror == nil {
		return nil, errors.New("target: BuildRequest called with no mirror selected")
	}
	if t.DL.IsZchunk {
		return t.buildZchunkRequest(cacheDir)
	}
	return t.buildPlainRequest()
}

func (t *Target) buildPlainRequest() (*transfer.Handle, error) {
	t.rangeStart = 0
	t.rangeEnd = -1
	t.rangeRequested = false
	rangeHeader := ""

	switch {
	case t.DL.ByteRangeStart > 0:
		t.rangeStart = t.DL.ByteRangeStart
		t.rangeEnd = -1
		if t.DL.ByteRangeEnd > 0 {
			t.rangeEnd = t.DL.ByteRangeEnd
		}
		rangeHeader = transfer.BuildRangeHeader(t.rangeStart, t.rangeEnd)
		t.rangeRequested = true
	case t.DL.Resume && t.originalSize > 0:
		t.rangeStart = t.originalSize
		rangeHeader = transfer.BuildRangeHeader(t.rangeStart, -1)
		t.rangeRequested = true
	}

	return t.buildHandle(rangeHeader)
}

// buildZchunkRequest drives the zchunk coordinator one leg further,
// returning the next byte-range request it needs.
func (t *Target) buildZchunkRequest(cacheDir string) (*transfer.Handle, error) {
	if t.rangeFail && t.Mirror != nil {
		// The mirror answered 200 to a ranged request last time: halve
		// max_ranges and try again with a smaller ask (spec §4.6).
		t.Mirror.ChangeMaxRanges(t.Mirror.Stats.MaxRanges / 2)
		t.rangeFail = false
	}
	if t.Mirror.Stats.MaxRanges <= 0 {
		// max_ranges de-escalated to zero: give up on ranged zchunk
		// fetching and pull the whole object instead (spec §4.6).
		return t.buildPlainRequest()
	}

	if t.zck == nil {
		codec, err := zchunk.NewCodec()
		if err != nil {
			return nil, err
		}
		t.zck = zchunk.NewCoordinator(codec, cacheDir, t.DL.DestFilename)
		knownSize := int64(-1)
		if t.DL.ZckHeaderSize > 0 {
			knownSize = t.DL.ZckHeaderSize
		}
		if err := t.zck.Start(t.outfile, knownSize); err != nil {
			return nil, err
		}
	}

	req, done, err := t.zck.Advance(context.Background(), true, t.Mirror.Stats.MaxRanges)
	if err != nil {
		if errors.Is(err, zchunk.ErrFallbackToPlainTransfer) {
			return t.buildPlainRequest()
		}
		return nil, err
	}
	if done {
		return nil, nil
	}

	start, end, ok := parseSingleRange(req.Range)
	if !ok {
		return nil, errors.New("target: zchunk coordinator requested an unparseable range")
	}
	t.rangeStart = start
	t.rangeEnd = end
	t.rangeRequested = true

	return t.buildHandle(req.Range)
}

// buildHandle seeks the outfile to the current leg's start offset and
// assembles the transfer.Handle shared by both the plain and zchunk
// request paths.
func (t *Target) buildHandle(rangeHeader string) (*transfer.Handle, error) {
	if _, err := t.outfile.Seek(t.rangeStart, 0); err != nil {
		return nil, err
	}
	t.writeReceived = 0
	t.headerState = headerDefault
	t.expectedContentLength = -1

	url, err := t.Mirror.Kind.FormatURL(t.DL.Path)
	if err != nil {
		return nil, err
	}
	hdr, err := t.buildHeaders()
	if err != nil {
		return nil, err
	}

	return &transfer.Handle{
		Method:           "GET",
		URL:              url,
		Header:           hdr,
		Range:            rangeHeader,
		NoCache:          t.DL.NoCache,
		MaxRecvSpeed:     t.DL.MaxSpeedLimit,
		HeaderCallback:   t.headerCallback,
		WriteCallback:    t.writeCallback,
		ProgressCallback: t.DL.ProgressCallback,
	}, nil
}

func (t *Target) buildHeaders() (http.Header, error) {
	hdr := http.Header{}
	extra, err := t.Mirror.Kind.AuthHeaders(t.DL.Path)
	if err != nil {
		return nil, err
	}
	for _, line := range extra {
		if k, v, ok := splitHeaderLine(line); ok {
			hdr.Set(strings.TrimSpace(k), strings.TrimSpace(v))
		}
	}
	return hdr, nil
}

// ZchunkDone reports whether the zchunk coordinator considers the file
// fully reconstructed after the leg that was just written; the scheduler
// calls BuildRequest again when it isn't.
func (t *Target) ZchunkDone() (bool, error) {
	if t.zck == nil {
		return false, errors.New("target: zchunk coordinator was never started")
	}
	_, done, err := t.zck.Advance(context.Background(), true, t.Mirror.Stats.MaxRanges)
	return done, err
}

// headerCallback implements spec §4.3's header state machine: the status
// line is checked first (any status other than 200/206 aborts immediately via
// ErrHeaderInterrupted, and a 200 answering a ranged request is flagged
// so the zchunk/byte-range logic can react), then any Content-Length
// header is compared against whatever window this leg actually requested.
func (t *Target) headerCallback(line string) error {
	if t.headerState == headerDone || t.headerState == headerInterrupted {
		return nil
	}

	if t.headerState == headerDefault {
		if strings.HasPrefix(line, "HTTP/") {
			if t.rangeRequested && strings.Contains(line, "200") {
				t.rangeFail = true
			}
			if transfer.StatusIsOK(line) {
				t.headerState = headerHTTPStateOK
			} else {
				t.headerState = headerInterrupted
				return transfer.ErrHeaderInterrupted
			}
		}
		return nil
	}

	if line == "" {
		t.headerState = headerDone
		return nil
	}

	key, value, ok := splitHeaderLine(line)
	if ok && strings.EqualFold(key, "content-length") {
		if n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64); err == nil {
			t.expectedContentLength = n
			if !t.contentLengthOK() {
				t.headerState = headerInterrupted
				return transfer.ErrHeaderInterrupted
			}
		}
	}
	return nil
}

// contentLengthOK compares whatever Content-Length the server announced
// against the byte window this leg actually asked for.
func (t *Target) contentLengthOK() bool {
	if t.expectedContentLength < 0 {
		return true
	}
	if t.rangeRequested {
		if t.rangeEnd < 0 || t.rangeFail {
			return true // open-ended resume, or the mirror already ignored our range
		}
		return t.expectedContentLength == t.rangeEnd-t.rangeStart+1
	}
	if t.DL.ExpectedSize > 0 {
		return t.expectedContentLength == t.DL.ExpectedSize
	}
	return true
}

// writeCallback streams body bytes into the temp file at the correct
// offset, aborting successfully once the current leg's byte-range window
// has been fully written (spec §4.3's byte-range write law). The same
// mechanism serves an explicit byte-range request, a resume, and a
// zchunk leg: whichever set rangeEnd.
func (t *Target) writeCallback(p []byte) error {
	if t.rangeEnd >= 0 {
		if remaining := t.rangeEnd - t.rangeStart + 1 - t.writeReceived; int64(len(p)) > remaining {
			if remaining < 0 {
				remaining = 0
			}
			p = p[:remaining]
		}
	}
	if _, err := t.outfile.Write(p); err != nil {
		return err
	}
	t.writeReceived += int64(len(p))
	if t.rangeEnd >= 0 {
		want := t.rangeEnd - t.rangeStart + 1
		if t.writeReceived >= want {
			return transfer.ErrRangeSatisfied
		}
	}
	return nil
}

// FinishTransfer verifies checksums (when any were supplied), confirms
// the downloaded size strictly matches ExpectedSize when known
// (check_filesize()), renames the temp file into place, and reports the
// outcome via EndCallback exactly once. Grounded on
// original_source/src/target.cpp:reset_file/call_end_callback.
func (t *Target) FinishTransfer(transferErr error) error {
	if transferErr != nil {
		t.lastErr = transferErr
		return t.finish(StatusError, transferErr)
	}

	if _, err := t.outfile.Seek(0, 0); err != nil {
		return t.finish(StatusError, err)
	}
	sums, err := checksum.Sum(t.outfile)
	if err != nil {
		return t.finish(StatusError, err)
	}
	if t.DL.ExpectedSize > 0 && sums.Size != t.DL.ExpectedSize {
		return t.finish(StatusError, errs.New(errs.LevelSerious, errs.CodeBadStatus, "downloaded size does not match the expected size"))
	}
	if err := checksum.Verify(sums, t.DL.Checksums); err != nil {
		return t.finish(StatusError, errs.Wrap(errs.LevelSerious, errs.CodeBadChecksum, err, "checksum mismatch"))
	}

	return t.finish(StatusSuccessful, nil)
}

func (t *Target) finish(status TransferStatus, err error) error {
	switch status {
	case StatusSuccessful:
		t.outfile.Close()
		dir := filepath.Dir(t.DL.DestFilename)
		if rerr := fileio.AtomicRename(t.tempPath, t.DL.DestFilename, dir); rerr != nil {
			status = StatusError
			err = rerr
		} else {
			t.State = StateFinished
		}
	case StatusAlreadyExists:
		if t.outfile != nil {
			t.outfile.Close()
		}
		t.State = StateFinished
	case StatusError:
		if t.outfile != nil {
			t.outfile.Remove()
			t.outfile = nil
		}
		t.State = StateFailed
	}

	if t.DL.EndCallback != nil {
		if cbErr := t.DL.EndCallback(status, err); cbErr != nil && cbErr.Code != errs.CodeOK {
			return cbErr
		}
	}
	return err
}

// Err returns the most recent transfer error recorded against this
// target, if any.
func (t *Target) Err() error { return t.lastErr }

func splitHeaderLine(line string) (key, value string, ok bool) {
	i := strings.Index(line, ":")
	if i < 0 {
		return "", "", false
	}
	return line[:i], line[i+1:], true
}

// parseSingleRange reads the first byte span out of an HTTP Range header
// value. A zchunk body leg's range can merge into several discontiguous
// spans (zchunk.Library.MissingRange); this tracks only the first one
// precisely. See DESIGN.md for why a full multipart/byteranges response
// parser is out of scope here.
func parseSingleRange(rangeHeader string) (start, end int64, ok bool) {
	const prefix = "bytes="
	if !strings.HasPrefix(rangeHeader, prefix) {
		return 0, 0, false
	}
	spec := strings.TrimPrefix(rangeHeader, prefix)
	if i := strings.Index(spec, ","); i >= 0 {
		spec = spec[:i]
	}
	parts := strings.SplitN(spec, "-", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	s, err1 := strconv.ParseInt(parts[0], 10, 64)
	e, err2 := strconv.ParseInt(parts[1], 10, 64)
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return s, e, true
}
