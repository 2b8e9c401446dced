// Package transfer is the "HTTP client" external collaborator named in
// spec §6: a Handle/Multi abstraction modeling curl's easy/multi handles
// over net/http, including the single-threaded cooperative event loop of
// spec §5. Everything about URL fetch, ranges, redirects, TLS and the
// multi-handle loop lives here so the scheduler and target state machines
// never touch net/http directly.
package transfer

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/time/rate"
)

// ErrRangeSatisfied is the write-callback sentinel for "the requested byte
// range has been fully written; abort the rest of the body successfully".
var ErrRangeSatisfied = errors.New("transfer: requested range fully written")

// ErrHeaderInterrupted is the header-callback sentinel for "abort this
// transfer, but treat it as a content-mismatch the scheduler can retry".
var ErrHeaderInterrupted = errors.New("transfer: interrupted by header callback")

// Handle is the per-request configuration and result, the analogue of a
// curl easy handle.
type Handle struct {
	Method  string
	URL     string
	Header  http.Header
	Range   string // raw "Range" header value, empty if none requested
	NoCache bool

	// MaxRecvSpeed caps the per-transfer receive rate in bytes/sec; <= 0
	// means unlimited. Implements Context.max_speed_limit (spec §6).
	MaxRecvSpeed int64

	// HeaderCallback is invoked once per response header line (including a
	// synthesized status line first). Returning a non-nil error aborts the
	// transfer; ErrHeaderInterrupted marks it as the Content-Length
	// mismatch case spec §4.3 describes.
	HeaderCallback func(line string) error

	// WriteCallback receives body bytes as they arrive. Returning
	// ErrRangeSatisfied aborts the transfer successfully (spec §4.3's byte
	// range write law); any other error is a fatal write error.
	WriteCallback func(p []byte) error

	// ProgressCallback, if set, is invoked after every WriteCallback call.
	ProgressCallback func(downloaded, total int64)

	// Results, populated once the transfer completes.
	EffectiveURL    string
	StatusCode      int
	ResponseHeaders http.Header
	DownloadedBytes int64
	RemoteFiletime  time.Time
	Err             error
	RangeSatisfied  bool // set when WriteCallback returned ErrRangeSatisfied
}

// Result is delivered on Multi's completion channel.
type Result struct {
	Handle *Handle
}

// Multi drives up to maxConns concurrent Handles, the analogue of curl's
// multi-handle with CURLMOPT_MAX_TOTAL_CONNECTIONS set (spec §4.4 step 1).
type Multi struct {
	client      *http.Client
	sem         chan struct{}
	completions chan *Result

	mu      sync.Mutex
	running int
}

// NewMulti constructs a Multi capped at maxConns concurrent transfers,
// using client (or a tuned default transport if nil).
func NewMulti(maxConns int, client *http.Client) *Multi {
	if maxConns <= 0 {
		maxConns = 1
	}
	if client == nil {
		client = DefaultClient()
	}
	return &Multi{
		client:      client,
		sem:         make(chan struct{}, maxConns),
		completions: make(chan *Result, maxConns),
	}
}

// DefaultClient builds an *http.Client with a cloned, tuned Transport,
// grounded on the teacher's internal/mirror/http_client.go:clonedTransport.
func DefaultClient() *http.Client {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.MaxIdleConns = 100
	tr.MaxIdleConnsPerHost = 10
	tr.IdleConnTimeout = 90 * time.Second
	return &http.Client{
		Transport: tr,
		Timeout:   0, // no client-wide timeout; a request ends early only when its context is cancelled
	}
}

// Running returns the number of in-flight transfers.
func (m *Multi) Running() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Add submits h for execution as soon as a slot is free. It returns
// immediately; the result arrives on Poll.
func (m *Multi) Add(ctx context.Context, h *Handle) {
	m.mu.Lock()
	m.running++
	m.mu.Unlock()

	go func() {
		m.sem <- struct{}{}
		defer func() { <-m.sem }()
		m.perform(ctx, h)

		m.mu.Lock()
		m.running--
		m.mu.Unlock()
		m.completions <- &Result{Handle: h}
	}()
}

// Poll is the multi_wait/multi_perform suspension point of spec §5: it
// blocks up to maxWait for at least one completion, returning every
// completion already available without blocking further. A nil/empty
// return means multi_wait reported no ready descriptors within maxWait.
func (m *Multi) Poll(maxWait time.Duration) []*Result {
	timer := time.NewTimer(maxWait)
	defer timer.Stop()

	select {
	case r := <-m.completions:
		out := []*Result{r}
		for drained := false; !drained; {
			select {
			case r2 := <-m.completions:
				out = append(out, r2)
			default:
				drained = true
			}
		}
		return out
	case <-timer.C:
		return nil
	}
}

func (m *Multi) perform(ctx context.Context, h *Handle) {
	req, err := http.NewRequestWithContext(ctx, h.Method, h.URL, nil)
	if err != nil {
		h.Err = errors.Wrap(err, "transfer: building request")
		return
	}
	if h.Header != nil {
		req.Header = h.Header.Clone()
	}
	if h.Range != "" {
		req.Header.Set("Range", h.Range)
	}
	if h.NoCache {
		req.Header.Set("Cache-Control", "no-cache")
		req.Header.Set("Pragma", "no-cache")
	}

	resp, err := m.client.Do(req)
	if err != nil {
		h.Err = errors.Wrap(err, "transfer: request failed")
		return
	}
	defer resp.Body.Close()

	h.EffectiveURL = resp.Request.URL.String()
	h.StatusCode = resp.StatusCode
	h.ResponseHeaders = resp.Header

	if h.HeaderCallback != nil {
		if err := feedHeaders(resp, h.HeaderCallback); err != nil {
			h.Err = err
			return
		}
	}

	h.RemoteFiletime = parseLastModified(resp.Header.Get("Last-Modified"))

	var reader io.Reader = resp.Body
	var limiter *rate.Limiter
	if h.MaxRecvSpeed > 0 {
		limiter = rate.NewLimiter(rate.Limit(h.MaxRecvSpeed), int(h.MaxRecvSpeed))
	}

	buf := make([]byte, 32*1024)
	for {
		n, rerr := reader.Read(buf)
		if n > 0 {
			if limiter != nil {
				_ = limiter.WaitN(ctx, n)
			}
			h.DownloadedBytes += int64(n)
			if h.WriteCallback != nil {
				if werr := h.WriteCallback(buf[:n]); werr != nil {
					if errors.Is(werr, ErrRangeSatisfied) {
						h.RangeSatisfied = true
						return
					}
					h.Err = werr
					return
				}
			}
			if h.ProgressCallback != nil {
				h.ProgressCallback(h.DownloadedBytes, resp.ContentLength)
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				return
			}
			h.Err = errors.Wrap(rerr, "transfer: reading body")
			return
		}
	}
}

func feedHeaders(resp *http.Response, cb func(string) error) error {
	status := fmt.Sprintf("%s %s", resp.Proto, resp.Status)
	if err := cb(status); err != nil {
		return err
	}
	for k, vs := range resp.Header {
		for _, v := range vs {
			if err := cb(k + ": " + v); err != nil {
				return err
			}
		}
	}
	return cb("")
}

func parseLastModified(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	t, err := http.ParseTime(v)
	if err != nil {
		return time.Time{}
	}
	return t
}

// BuildRangeHeader formats a byte-range request, as the "Range" HTTP
// header, for the [start, end] inclusive range (end == -1 means open
// ended, i.e. a resume from start).
func BuildRangeHeader(start, end int64) string {
	if end < 0 {
		return fmt.Sprintf("bytes=%d-", start)
	}
	return fmt.Sprintf("bytes=%d-%d", start, end)
}

// StatusIsOK reports whether a status line (as fed to HeaderCallback)
// represents a successful response, matching spec §4.3's "200" or "206
// without connection established" rule.
func StatusIsOK(line string) bool {
	if strings.Contains(line, "200") {
		return true
	}
	if strings.Contains(line, "206") && !strings.Contains(strings.ToLower(line), "connection established") {
		return true
	}
	return false
}
