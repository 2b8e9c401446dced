package config

import (
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
)

// contextLive enforces spec §3/§9's "at most one live Context per
// process": constructing a second Context while one is still open
// fails rather than silently letting two incompatible snapshots race
// over the same mirror pool and cache directory.
var contextLive atomic.Bool

// Context is the immutable, process-wide configuration snapshot a
// Downloader run is built against. Everything here is read-only once
// NewContext returns; per-mirror/per-target mutable state lives on
// mirror.Mirror and target.Target instead.
type Context struct {
	Offline               bool
	Verbosity             int
	AdaptiveMirrorSorting bool

	ConnectTimeout   time.Duration
	LowSpeedTime     time.Duration
	LowSpeedLimit    int64
	MaxSpeedLimit    int64
	RetryDefaultWait time.Duration

	MaxParallelDownloads  int
	MaxDownloadsPerMirror int
	TransferBufferSize    int
	PreserveFiletime      bool

	// AllowedMirrorFailures bounds the retry budget for targets with no
	// mirror pool to fall back on (an absolute-URL path or a per-target
	// base_url). MaxMirrorsToTry bounds it for ordinary pool targets,
	// <=0 meaning unlimited (spec §4.4's can_retry_download).
	AllowedMirrorFailures int
	MaxMirrorsToTry       int

	CacheDir           string
	RetryBackoffFactor int
	MaxResumeCount     int
	ValidateChecksum   bool

	MirrorMap             map[string][]*MirrorConfig
	AdditionalHTTPHeaders map[string]string
	ProxyMap              map[string]string

	closed atomic.Bool
}

// NewContext builds a Context from a loaded Config, applying the
// spec's documented defaults for anything the manifest left zero. It
// fails if another Context is already live in this process.
func NewContext(cfg *Config) (*Context, error) {
	if !contextLive.CompareAndSwap(false, true) {
		return nil, errors.New("config: a Context is already active in this process")
	}

	ctx := &Context{
		AdaptiveMirrorSorting: true,
		ConnectTimeout:        30 * time.Second,
		LowSpeedTime:          30 * time.Second,
		LowSpeedLimit:         1000,
		RetryDefaultWait:      200 * time.Millisecond,
		MaxParallelDownloads:  5,
		MaxDownloadsPerMirror: cfg.MaxConns,
		TransferBufferSize:    32 * 1024,
		PreserveFiletime:      true,
		CacheDir:              cfg.Dir,
		RetryBackoffFactor:    2,
		MaxResumeCount:        3,
		ValidateChecksum:      true,
		AllowedMirrorFailures: 3,
		MaxMirrorsToTry:       -1,
		MirrorMap:             map[string][]*MirrorConfig{},
		AdditionalHTTPHeaders: map[string]string{},
		ProxyMap:              map[string]string{},
	}

	for id, mc := range cfg.Mirrors {
		ctx.MirrorMap[id] = append(ctx.MirrorMap[id], mc)
	}

	return ctx, nil
}

// Close releases this process's Context slot so a subsequent NewContext
// call can succeed. Safe to call more than once.
func (c *Context) Close() {
	if c.closed.CompareAndSwap(false, true) {
		contextLive.Store(false)
	}
}
