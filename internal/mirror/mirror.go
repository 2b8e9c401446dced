// Package mirror implements C3: per-mirror statistics, retry/backoff
// clocks, adaptive ranking, and the abstract prepare/auth-headers/
// format-url contract, plus concrete HTTP/S3/OCI variants. Grounded on the
// teacher's internal/mirror/mirror.go and control.go, and on
// original_source/include/powerloader/mirror.hpp.
package mirror

import (
	"strings"
	"time"

	"github.com/mirrorctl/powerloader/internal/mirrorid"
	"github.com/mirrorctl/powerloader/internal/transfer"
)

// Protocol is the scheme class of a mirror's URL.
type Protocol int

const (
	ProtoOther Protocol = iota
	ProtoFile
	ProtoHTTP
	ProtoFTP
)

// State is a mirror's authentication/availability state.
type State int

const (
	StateWaiting State = iota
	StateAuthenticating
	StateReady
	StateRetryDelay
	StateAuthenticationFailed
	StateFailed
)

const (
	defaultMaxRanges          = 256
	defaultRetryBackoffFactor = 2
)

// Stats tracks the counters spec §3 assigns to MirrorStats. It is mutated
// exclusively by the scheduler goroutine (spec §5), so it carries no lock.
type Stats struct {
	AllowedParallelConnections  int // -1 == unlimited (the default set by New)
	MaxTriedParallelConnections int
	RunningTransfers            int
	SuccessfulTransfers         int
	FailedTransfers             int
	MaxRanges                   int
}

// CountFinishedTransfers returns successful+failed.
func (s Stats) CountFinishedTransfers() int {
	return s.SuccessfulTransfers + s.FailedTransfers
}

// Kind is the abstract per-mirror-type contract of spec §4.2: a Mirror
// delegates everything that differs between HTTP/S3/OCI endpoints to a
// Kind, while Mirror itself owns the shared stats/retry/rank state.
//
// Kind methods take a logical path rather than a Target, so this package
// never needs to import the target state machine (it would otherwise be a
// straight import cycle, since Target owns a *Mirror).
type Kind interface {
	// NeedsPreparation reports whether the next transfer for path must be
	// a preparation round-trip (auth/manifest) rather than the bytes
	// themselves.
	NeedsPreparation(path string) bool

	// PrepareRequest builds the preparation transfer's Handle. Its
	// WriteCallback is expected to buffer the response body into the Kind
	// itself; FinishPreparation is called once that transfer completes
	// successfully to parse the buffer. Called only when NeedsPreparation
	// is true.
	PrepareRequest(path string) (*transfer.Handle, error)

	// FinishPreparation parses whatever PrepareRequest's Handle buffered
	// for path (an auth token, a manifest digest) and stores the result
	// for AuthHeaders/FormatURL to use. Called once, right after the
	// preparation transfer for path finishes with a 2xx status.
	FinishPreparation(path string) error

	// AuthHeaders returns the extra headers the main fetch for path must
	// carry (e.g. an OCI bearer token, or a full S3 SigV4 header set).
	AuthHeaders(path string) ([]string, error)

	// FormatURL composes the final URL for the main fetch of path.
	FormatURL(path string) (string, error)
}

// Mirror is one endpoint capable of serving some logical paths.
type Mirror struct {
	ID       mirrorid.ID
	URL      string
	Protocol Protocol
	State    State
	Kind     Kind

	Stats Stats

	nextRetry          time.Time
	retryWait          time.Duration
	retryBackoffFactor int
	retryCounter       int
}

// New constructs a Mirror with default stats/retry state.
func New(id mirrorid.ID, url string, proto Protocol, kind Kind, initialRetryWait time.Duration) *Mirror {
	return &Mirror{
		ID:                 id,
		URL:                strings.TrimSuffix(url, "/"),
		Protocol:           proto,
		State:              StateReady,
		Kind:               kind,
		Stats:              Stats{MaxRanges: defaultMaxRanges, AllowedParallelConnections: -1},
		retryWait:          initialRetryWait,
		retryBackoffFactor: defaultRetryBackoffFactor,
	}
}

// Rank returns -1.0 until at least 3 transfers have finished, else the
// empirical success ratio (spec §4.2).
func (m *Mirror) Rank() float64 {
	finished := m.Stats.CountFinishedTransfers()
	if finished < 3 {
		return -1.0
	}
	return float64(m.Stats.SuccessfulTransfers) / float64(finished)
}

// UpdateStatistics records a transfer outcome and, on failure, advances
// the retry/backoff clock (spec §4.2).
func (m *Mirror) UpdateStatistics(success bool) {
	if m.Stats.RunningTransfers > 0 {
		m.Stats.RunningTransfers--
	}

	if success {
		m.Stats.SuccessfulTransfers++
		return
	}

	m.Stats.FailedTransfers++
	now := time.Now()
	if m.retryCounter == 0 || !m.nextRetry.After(now) {
		m.retryCounter++
		if m.retryWait == 0 {
			m.retryWait = 200 * time.Millisecond
		} else {
			m.retryWait *= time.Duration(m.retryBackoffFactor)
		}
		m.nextRetry = now.Add(m.retryWait)
	}
}

// NeedWaitForRetry reports whether the mirror is in its post-failure
// cool-down window.
func (m *Mirror) NeedWaitForRetry() bool {
	return m.retryCounter > 0 && m.nextRetry.After(time.Now())
}

// IsParallelConnectionsLimitedAndReached reports whether the mirror has
// hit its configured concurrency ceiling.
func (m *Mirror) IsParallelConnectionsLimitedAndReached() bool {
	return m.Stats.AllowedParallelConnections != -1 && m.Stats.RunningTransfers >= m.Stats.AllowedParallelConnections
}

// SetAllowedParallelConnections sets (or raises the "tried" high-water
// mark for) the per-mirror concurrency ceiling.
func (m *Mirror) SetAllowedParallelConnections(n int) {
	m.Stats.AllowedParallelConnections = n
	if n > m.Stats.MaxTriedParallelConnections {
		m.Stats.MaxTriedParallelConnections = n
	}
}

// IncreaseRunningTransfers bumps the in-flight counter and the
// "max tried" high-water mark.
func (m *Mirror) IncreaseRunningTransfers() {
	m.Stats.RunningTransfers++
	if m.Stats.RunningTransfers > m.Stats.MaxTriedParallelConnections {
		m.Stats.MaxTriedParallelConnections = m.Stats.RunningTransfers
	}
}

// ChangeMaxRanges sets the mirror's maximum ranges per request, halved by
// the target's zchunk request builder when a mirror ignores Range (spec §4.6).
func (m *Mirror) ChangeMaxRanges(n int) {
	if n < 0 {
		n = 0
	}
	m.Stats.MaxRanges = n
}

// SortMirrors implements spec §4.5's adaptive reordering: single neighbor
// swaps, never a full re-sort.
func SortMirrors(mirrors []*Mirror, justUsed *Mirror, success, serious bool) {
	if len(mirrors) < 2 {
		return
	}

	idx := -1
	for i, m := range mirrors {
		if m == justUsed {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}

	if serious && justUsed.Stats.SuccessfulTransfers == 0 {
		moveToEnd(mirrors, idx)
		return
	}

	rank := justUsed.Rank()
	if rank < 0 {
		return
	}

	if !success {
		if idx+1 < len(mirrors) {
			next := mirrors[idx+1]
			if next.Rank() < 0 || next.Rank() > rank {
				mirrors[idx], mirrors[idx+1] = mirrors[idx+1], mirrors[idx]
			}
		}
		return
	}

	if idx-1 >= 0 {
		prev := mirrors[idx-1]
		if prev.Rank() < rank {
			mirrors[idx], mirrors[idx-1] = mirrors[idx-1], mirrors[idx]
		}
	}
}

// protocolForURL classifies rawURL's scheme, used to decide whether an ad
// hoc direct mirror is subject to the file:/ non-retryable rule.
func protocolForURL(rawURL string) Protocol {
	switch {
	case strings.HasPrefix(rawURL, "file:"):
		return ProtoFile
	case strings.HasPrefix(rawURL, "ftp:"):
		return ProtoFTP
	case strings.HasPrefix(rawURL, "http:"), strings.HasPrefix(rawURL, "https:"):
		return ProtoHTTP
	default:
		return ProtoOther
	}
}

// NewDirectMirror builds a single-use Mirror for spec §4.5's direct
// dispatch: an absolute URL given as the target's own path, or a target
// carrying its own base_url, both of which bypass the configured mirror
// pool entirely. joinBase is prefixed to FormatURL's path argument (empty
// means the path argument is already the full URL); classifyURL is
// whichever URL decides this mirror's Protocol, and therefore whether
// canRetry's file:/ rule applies to it.
func NewDirectMirror(joinBase, classifyURL string) *Mirror {
	return New(mirrorid.Make("direct", classifyURL), classifyURL, protocolForURL(classifyURL), NewHTTPKind(joinBase), 0)
}

// moveToEnd shifts mirrors[idx] to the tail of the slice, preserving the
// relative order of everything else.
func moveToEnd(mirrors []*Mirror, idx int) {
	m := mirrors[idx]
	copy(mirrors[idx:], mirrors[idx+1:])
	mirrors[len(mirrors)-1] = m
}
