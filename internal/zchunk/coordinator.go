package zchunk

import (
	"context"
	"io/fs"
	"path/filepath"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"

	"github.com/mirrorctl/powerloader/internal/fileio"
)

// State is one of the substates spec §6 names: header_lead, header_ck,
// header, body_ck, body, finished.
type State int

const (
	StateHeaderLead State = iota
	StateHeaderCk
	StateHeader
	StateBodyCk
	StateBody
	StateFinished
)

func (s State) String() string {
	switch s {
	case StateHeaderLead:
		return "header_lead"
	case StateHeaderCk:
		return "header_ck"
	case StateHeader:
		return "header"
	case StateBodyCk:
		return "body_ck"
	case StateBody:
		return "body"
	case StateFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// ErrFallbackToPlainTransfer is returned by Advance when the mirror
// doesn't support zchunk-style range reconstruction; the caller should
// fetch the whole file as an ordinary transfer instead (spec §4.6).
var ErrFallbackToPlainTransfer = errors.New("zchunk: mirror does not support zck; fetch the whole file instead")

// Request describes the next network fetch the Coordinator needs before
// it can advance further.
type Request struct {
	Range           string
	TotalToDownload int64
}

// Coordinator drives the zchunk substate machine for one target,
// salvaging whatever it can from cacheDir before asking the scheduler
// for network bytes. Grounded on original_source/src/zck.cpp's
// check_zck/find_local_zck_header/find_local_zck_chunks.
//
// Like Target and Mirror, a Coordinator is owned and driven exclusively
// by the scheduler's single driver goroutine (spec §5); it holds no
// lock.
type Coordinator struct {
	lib       Library
	rc        *ReadContext
	state     State
	cacheDir  string
	ownPath   string // this target's own destination, excluded from salvage scans
	maxRanges int
}

// NewCoordinator builds a Coordinator for one target's outfile.
func NewCoordinator(lib Library, cacheDir, ownPath string) *Coordinator {
	return &Coordinator{lib: lib, cacheDir: cacheDir, ownPath: ownPath, state: StateHeaderLead}
}

// Start initializes the coordinator against outfile. knownHeaderSize<0
// means the header size/digest isn't known up front and the lead must be
// fetched first (spec §6's header_lead substate).
func (c *Coordinator) Start(outfile *fileio.FileSlot, knownHeaderSize int64) error {
	rc, err := c.lib.InitRead(outfile, knownHeaderSize)
	if err != nil {
		return err
	}
	c.rc = rc
	if knownHeaderSize < 0 {
		c.state = StateHeaderLead
	} else {
		c.state = StateHeaderCk
	}
	return nil
}

// State returns the coordinator's current substate.
func (c *Coordinator) State() State { return c.state }

// Advance runs every local (non-network) step it can from the current
// state and returns either the next Request the scheduler must fetch
// before calling Advance again, or done=true once the file is fully
// reconstructed. If mirrorSupportsZck is false, Advance immediately
// degrades to a plain whole-file body fetch (spec §4.6's fallback when a
// mirror doesn't support Range/zchunk).
func (c *Coordinator) Advance(ctx context.Context, mirrorSupportsZck bool, maxRanges int) (*Request, bool, error) {
	c.maxRanges = maxRanges

	if !mirrorSupportsZck {
		c.state = StateBody
		return nil, false, ErrFallbackToPlainTransfer
	}

	switch c.state {
	case StateHeaderLead:
		if err := c.lib.ReadLead(c.rc); err != nil {
			return &Request{Range: c.lib.HeaderRange(0), TotalToDownload: c.lib.MinLeadSize()}, false, nil
		}
		c.state = StateHeaderCk
		return c.Advance(ctx, mirrorSupportsZck, maxRanges)

	case StateHeaderCk:
		ok, err := c.lib.ValidateLead(c.rc)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			c.state = StateHeader
			return c.Advance(ctx, mirrorSupportsZck, maxRanges)
		}
		if found, err := c.salvageHeader(ctx); err != nil {
			return nil, false, err
		} else if found {
			c.state = StateBodyCk
		} else {
			c.state = StateHeader
		}
		return c.Advance(ctx, mirrorSupportsZck, maxRanges)

	case StateHeader:
		if err := c.lib.ReadHeader(c.rc); err != nil {
			return &Request{Range: c.lib.HeaderRange(c.rc.Header.HeaderSize), TotalToDownload: c.rc.Header.HeaderSize}, false, nil
		}
		c.state = StateBodyCk
		return c.Advance(ctx, mirrorSupportsZck, maxRanges)

	case StateBodyCk:
		complete, err := c.lib.ValidateChecksums(c.rc)
		if err != nil {
			return nil, false, err
		}
		if complete {
			c.state = StateFinished
			return nil, true, nil
		}
		if _, err := c.salvageChunks(ctx); err != nil {
			return nil, false, err
		}
		complete, err = c.lib.ValidateChecksums(c.rc)
		if err != nil {
			return nil, false, err
		}
		if complete {
			c.state = StateFinished
			return nil, true, nil
		}
		c.state = StateBody
		return c.Advance(ctx, mirrorSupportsZck, maxRanges)

	case StateBody:
		c.lib.ResetFailedChunks(c.rc)
		if c.rc.MissingChunks() == 0 {
			c.state = StateFinished
			return nil, true, nil
		}
		rng, err := c.lib.MissingRange(c.rc, maxRanges)
		if err != nil {
			return nil, false, err
		}
		return &Request{Range: rng}, false, nil

	case StateFinished:
		return nil, true, nil

	default:
		return nil, false, errors.Newf("zchunk: unknown state %v", c.state)
	}
}

// findZckCandidates lists every ".zck" file under cacheDir other than
// ownPath, the same recursive sweep as
// original_source/src/zck.cpp:get_recursive_files.
func (c *Coordinator) findZckCandidates() ([]string, error) {
	if c.cacheDir == "" {
		return nil, nil
	}
	var out []string
	err := filepath.WalkDir(c.cacheDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // skip unreadable entries rather than aborting the whole scan
		}
		if d.IsDir() {
			return nil
		}
		if !strings.HasSuffix(p, ".zck") {
			return nil
		}
		if samePath(p, c.ownPath) {
			return nil
		}
		out = append(out, p)
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "zchunk: scanning cache directory")
	}
	return out, nil
}

// salvageHeader scans the cache directory concurrently for a file whose
// lead digest matches this target's, copying its header/chunk table over
// on the first match.
func (c *Coordinator) salvageHeader(ctx context.Context) (bool, error) {
	candidates, err := c.findZckCandidates()
	if err != nil || len(candidates) == 0 {
		return false, err
	}

	var mu sync.Mutex
	var found *ReadContext
	g, gctx := errgroup.WithContext(ctx)
	for _, path := range candidates {
		path := path
		g.Go(func() error {
			mu.Lock()
			alreadyFound := found != nil
			mu.Unlock()
			if alreadyFound || gctx.Err() != nil {
				return nil
			}

			slot, err := fileio.Open(path, fileio.ModeRead)
			if err != nil {
				return nil // unreadable candidate, not fatal to the scan
			}
			defer slot.Close()

			candRC, err := c.lib.InitRead(slot, -1)
			if err != nil {
				return nil
			}
			if err := c.lib.ReadLead(candRC); err != nil {
				return nil
			}
			if candRC.Header.DigestSHA256 != c.rc.Header.DigestSHA256 {
				return nil
			}
			if err := c.lib.ReadHeader(candRC); err != nil {
				return nil
			}

			mu.Lock()
			if found == nil {
				found = candRC
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return false, err
	}
	if found == nil {
		return false, nil
	}

	c.rc.Header = found.Header
	c.rc.ChunkValid = make([]bool, len(found.Header.Chunks))
	c.rc.ChunkFailed = make([]bool, len(found.Header.Chunks))
	return true, nil
}

// salvageChunks scans the cache directory for files sharing any of this
// target's chunk digests, copying every match over before falling back
// to the network (zck_copy_chunks' role in find_local_zck_chunks).
func (c *Coordinator) salvageChunks(ctx context.Context) (int, error) {
	candidates, err := c.findZckCandidates()
	if err != nil || len(candidates) == 0 {
		return 0, err
	}

	total := 0
	for _, path := range candidates {
		if c.rc.MissingChunks() == 0 {
			break
		}
		slot, err := fileio.Open(path, fileio.ModeRead)
		if err != nil {
			continue
		}

		candRC, err := c.lib.InitRead(slot, -1)
		if err == nil {
			if err := c.lib.ReadLead(candRC); err == nil {
				if err := c.lib.ReadHeader(candRC); err == nil {
					n, err := c.lib.CopyValidChunks(c.rc, candRC)
					if err == nil {
						total += n
					}
				}
			}
		}
		slot.Close()
	}
	return total, nil
}

func samePath(a, b string) bool {
	if b == "" {
		return false
	}
	ca, err1 := filepath.Abs(a)
	cb, err2 := filepath.Abs(b)
	if err1 != nil || err2 != nil {
		return a == b
	}
	return ca == cb
}
