// Package scheduler implements C5: the Downloader's main loop, mirror
// selection, retry policy, and the transfer.Multi suspension point.
// Grounded on original_source/src/downloader.cpp's download()/
// check_msgs()/prepare_next_transfers() and the teacher's
// internal/mirror/control.go worker-fan-out pattern.
package scheduler

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/mirrorctl/powerloader/internal/errs"
	"github.com/mirrorctl/powerloader/internal/metrics"
	"github.com/mirrorctl/powerloader/internal/mirror"
	"github.com/mirrorctl/powerloader/internal/mirrorid"
	"github.com/mirrorctl/powerloader/internal/target"
	"github.com/mirrorctl/powerloader/internal/transfer"
)

const defaultAllowedMirrorFailures = 3

// Options configures one Downloader run.
type Options struct {
	MaxParallelConnections int
	FailFast               bool          // abort the whole run once a target fails for good
	PollInterval           time.Duration
	IdleBackoff            time.Duration // sleep applied after two consecutive empty polls

	// CacheDir is forwarded to every zchunk-aware target's Coordinator for
	// local salvage scanning.
	CacheDir string

	// AllowedMirrorFailures bounds the retry budget for a target dispatched
	// directly (an absolute-URL path or a per-target base_url, spec §4.5),
	// which has no mirror pool to fall back on. <=0 means
	// defaultAllowedMirrorFailures.
	AllowedMirrorFailures int

	// MaxMirrorsToTry caps how many distinct pool mirrors an ordinary
	// target may be tried against before giving up. <=0 means unlimited.
	MaxMirrorsToTry int

	// MaxDownloadsPerMirror, if set, becomes every pool mirror's default
	// concurrency ceiling at New() time, unless the mirror already carries
	// its own explicit limit.
	MaxDownloadsPerMirror int
}

func (o *Options) setDefaults() {
	if o.MaxParallelConnections <= 0 {
		o.MaxParallelConnections = 4
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 200 * time.Millisecond
	}
	if o.IdleBackoff <= 0 {
		o.IdleBackoff = 100 * time.Millisecond
	}
	if o.AllowedMirrorFailures <= 0 {
		o.AllowedMirrorFailures = defaultAllowedMirrorFailures
	}
}

// inflightKind distinguishes a preparation round trip (auth/manifest) from
// the real byte-fetching transfer, since both ride the same transfer.Multi
// and need different completion handling (spec §4.3's
// waiting -> preparation -> waiting -> running loop).
type inflightKind int

const (
	inflightDownload inflightKind = iota
	inflightPreparation
)

type inflightEntry struct {
	tgt  *target.Target
	kind inflightKind
}

// Downloader drives a batch of targets to completion across a pool of
// mirrors, one goroutine (spec §5) mutating every Mirror and every Target
// that has no request in flight; worker goroutines run a request's
// header/write callbacks and hand the finished Handle back via
// transfer.Multi's channel.
type Downloader struct {
	Mirrors []*mirror.Mirror
	multi   *transfer.Multi
	opts    Options
	metrics *metrics.Registry

	pending  []*target.Target
	inFlight map[*transfer.Handle]inflightEntry

	emptyPolls int
}

// New builds a Downloader over the given mirror pool. reg may be nil,
// in which case metrics are collected but never exported.
func New(mirrors []*mirror.Mirror, client *transfer.Multi, opts Options, reg *metrics.Registry) *Downloader {
	opts.setDefaults()
	if client == nil {
		client = transfer.NewMulti(opts.MaxParallelConnections, nil)
	}
	if reg == nil {
		reg = metrics.NewRegistry()
	}
	if opts.MaxDownloadsPerMirror > 0 {
		for _, m := range mirrors {
			if m.Stats.AllowedParallelConnections == -1 {
				m.SetAllowedParallelConnections(opts.MaxDownloadsPerMirror)
			}
		}
	}
	return &Downloader{
		Mirrors:  mirrors,
		multi:    client,
		opts:     opts,
		metrics:  reg,
		inFlight: make(map[*transfer.Handle]inflightEntry),
	}
}

// Download drives every target to completion (or permanent failure),
// implementing original_source/src/downloader.cpp:download()'s loop:
// prepare as many transfers as mirrors/slots allow, wait for at least one
// to finish, classify the result, retry or close it out, repeat.
func (d *Downloader) Download(ctx context.Context, targets []*target.Target) error {
	d.pending = append(d.pending, targets...)

	for len(d.pending) > 0 || len(d.inFlight) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}

		d.prepareNextTransfers(ctx)

		results := d.multi.Poll(d.opts.PollInterval)
		if len(results) == 0 {
			d.emptyPolls++
			if d.emptyPolls >= 2 {
				time.Sleep(d.opts.IdleBackoff)
			}
			continue
		}
		d.emptyPolls = 0

		for _, r := range results {
			entry, ok := d.inFlight[r.Handle]
			if !ok {
				continue
			}
			delete(d.inFlight, r.Handle)

			var err error
			if entry.kind == inflightPreparation {
				err = d.checkPreparationResult(entry.tgt, r.Handle)
			} else {
				err = d.checkResult(entry.tgt, r.Handle)
			}
			if err != nil && d.opts.FailFast {
				return err
			}
		}
	}
	return nil
}

// prepareNextTransfers submits as many pending targets as mirrors and
// concurrency slots allow: the already_downloaded() shortcut first, then
// mirror selection (direct dispatch for an absolute path/base_url,
// otherwise the pool), then either a preparation round trip or the real
// fetch, depending on what the selected Kind still needs (spec §4.4/§4.5).
func (d *Downloader) prepareNextTransfers(ctx context.Context) {
	var remaining []*target.Target

	for _, tgt := range d.pending {
		if tgt.State == target.StateWaiting && tgt.Mirror == nil {
			if tgt.AlreadyDownloaded() {
				_ = d.finishAlreadyExists(tgt)
				continue
			}

			m, err := d.selectMirrorForTarget(tgt)
			if err != nil {
				d.failTarget(tgt, err)
				continue
			}
			if m == nil {
				remaining = append(remaining, tgt)
				continue
			}
			tgt.Mirror = m
			tgt.TriedMirrors.Add(m.ID)
		}

		m := tgt.Mirror
		if m.IsParallelConnectionsLimitedAndReached() {
			remaining = append(remaining, tgt)
			continue
		}

		if m.Kind.NeedsPreparation(tgt.DL.Path) {
			h, err := m.Kind.PrepareRequest(tgt.DL.Path)
			if err != nil {
				d.failTarget(tgt, err)
				continue
			}
			if h != nil {
				m.IncreaseRunningTransfers()
				tgt.State = target.StatePreparation
				d.inFlight[h] = inflightEntry{tgt: tgt, kind: inflightPreparation}
				d.multi.Add(ctx, h)
				continue
			}
		}

		if err := tgt.OpenOutfile(); err != nil {
			d.failTarget(tgt, err)
			continue
		}
		tgt.State = target.StateRunning
		m.IncreaseRunningTransfers()
		d.metrics.RunningTransfer.WithLabelValues(string(m.ID)).Set(float64(m.Stats.RunningTransfers))

		h, err := tgt.BuildRequest(d.opts.CacheDir)
		if err != nil {
			d.failTarget(tgt, err)
			continue
		}
		if h == nil {
			// zchunk salvaged the whole file locally; no network round
			// trip was needed at all.
			m.UpdateStatistics(true)
			if fterr := tgt.FinishTransfer(nil); fterr != nil {
				d.metrics.TargetsFinished.WithLabelValues("failed").Inc()
			} else {
				d.metrics.TargetsFinished.WithLabelValues("success").Inc()
			}
			continue
		}

		d.inFlight[h] = inflightEntry{tgt: tgt, kind: inflightDownload}
		d.multi.Add(ctx, h)
	}

	d.pending = remaining
}

// finishAlreadyExists closes tgt out via its EndCallback without ever
// selecting a mirror or opening a scratch file (spec §4.4's
// already_downloaded() shortcut).
func (d *Downloader) finishAlreadyExists(tgt *target.Target) error {
	err := tgt.FinishAlreadyExists()
	d.metrics.TargetsFinished.WithLabelValues("already-exists").Inc()
	return err
}

// isAbsoluteURL reports whether path already names a full URL ("scheme://...")
// rather than a path to resolve against a mirror's base.
func isAbsoluteURL(path string) bool {
	i := strings.Index(path, "://")
	return i > 0
}

// selectMirrorForTarget implements spec §4.5's select_next_target: an
// absolute-URL path or a target-level base_url bypasses the configured
// pool entirely via an ad hoc, cached direct Mirror; everything else goes
// through the ordinary pool selection. An empty pool with no direct
// dispatch available is spec §4.5's NoUrl failure.
func (d *Downloader) selectMirrorForTarget(tgt *target.Target) (*mirror.Mirror, error) {
	switch {
	case tgt.DL.BaseURL != "":
		if tgt.DirectMirror == nil {
			tgt.DirectMirror = mirror.NewDirectMirror(tgt.DL.BaseURL, tgt.DL.BaseURL)
		}
		return tgt.DirectMirror, nil
	case isAbsoluteURL(tgt.DL.Path):
		if tgt.DirectMirror == nil {
			tgt.DirectMirror = mirror.NewDirectMirror("", tgt.DL.Path)
		}
		return tgt.DirectMirror, nil
	}

	if len(d.Mirrors) == 0 {
		return nil, errs.New(errs.LevelFatal, errs.CodeNoURL, "no mirror available for target")
	}
	return d.selectSuitableMirror(tgt), nil
}

// selectSuitableMirror picks the best candidate mirror for tgt: one not
// already tried, not flagged bad, not cooling down after a failure, and
// under its concurrency cap (spec §4.4/§4.5). Returning nil leaves tgt
// pending; the scheduler naturally re-checks every mirror's cool-down
// clock on the next prepareNextTransfers pass rather than giving up.
func (d *Downloader) selectSuitableMirror(tgt *target.Target) *mirror.Mirror {
	for _, m := range d.Mirrors {
		if tgt.TriedMirrors.Has(m.ID) {
			continue
		}
		if m.State == mirror.StateFailed || m.State == mirror.StateAuthenticationFailed {
			continue
		}
		if m.NeedWaitForRetry() {
			continue
		}
		if m.IsParallelConnectionsLimitedAndReached() {
			continue
		}
		return m
	}
	return nil
}

// hasUntriedMirror reports whether any mirror is left for tgt to try,
// ignoring cool-down/concurrency so the retry-budget heuristic in
// checkResult can tell "nothing left at all" apart from "everything is
// just busy right now".
func (d *Downloader) hasUntriedMirror(tgt *target.Target) bool {
	if tgt.DL.BaseURL != "" || isAbsoluteURL(tgt.DL.Path) {
		return true
	}
	for _, m := range d.Mirrors {
		if !tgt.TriedMirrors.Has(m.ID) {
			return true
		}
	}
	return false
}

// checkPreparationResult handles a finished preparation round trip: on
// success it finalizes the Kind's cached state and sends tgt back to
// StateWaiting with its Mirror still set, so the next
// prepareNextTransfers pass goes straight to the real fetch instead of
// preparing again (NeedsPreparation now reports false). On failure it
// applies the same retry policy as an ordinary transfer.
func (d *Downloader) checkPreparationResult(tgt *target.Target, h *transfer.Handle) error {
	m := tgt.Mirror
	label := string(m.ID)

	err := classify(h)
	if err == nil {
		err = m.Kind.FinishPreparation(tgt.DL.Path)
	}
	m.UpdateStatistics(err == nil)
	d.metrics.RunningTransfer.WithLabelValues(label).Set(float64(m.Stats.RunningTransfers))

	if err == nil {
		tgt.State = target.StateWaiting
		d.pending = append(d.pending, tgt)
		return nil
	}

	if d.canRetry(tgt, err) {
		tgt.Mirror = nil
		tgt.State = target.StateWaiting
		d.pending = append(d.pending, tgt)
		return nil
	}

	return d.failTarget(tgt, err)
}

// checkResult classifies a finished transfer per spec §4.7's table,
// updates the mirror's stats/rank, and either advances a zchunk target to
// its next leg, retries the whole target on another mirror, or closes it
// out.
func (d *Downloader) checkResult(tgt *target.Target, h *transfer.Handle) error {
	m := tgt.Mirror
	label := string(m.ID)

	legErr := classify(h)

	if legErr == nil && tgt.DL.IsZchunk {
		done, zerr := tgt.ZchunkDone()
		if zerr != nil {
			legErr = zerr
		} else if !done {
			m.UpdateStatistics(true)
			d.metrics.RunningTransfer.WithLabelValues(label).Set(float64(m.Stats.RunningTransfers))
			d.metrics.BytesDownloaded.WithLabelValues(label).Add(float64(h.DownloadedBytes))
			tgt.State = target.StateWaiting
			d.pending = append(d.pending, tgt)
			return nil
		}
	}

	finishErr := tgt.FinishTransfer(legErr)
	m.UpdateStatistics(finishErr == nil)

	d.metrics.RunningTransfer.WithLabelValues(label).Set(float64(m.Stats.RunningTransfers))
	d.metrics.BytesDownloaded.WithLabelValues(label).Add(float64(h.DownloadedBytes))
	d.metrics.MirrorRank.WithLabelValues(label).Set(m.Rank())

	var de *errs.DownloaderError
	serious := errors.As(finishErr, &de) && de.IsSerious()
	mirror.SortMirrors(d.Mirrors, m, finishErr == nil, serious)

	if finishErr == nil {
		d.metrics.TransfersTotal.WithLabelValues(label, "success").Inc()
		d.metrics.TargetsFinished.WithLabelValues("success").Inc()
		return nil
	}
	d.metrics.TransfersTotal.WithLabelValues(label, "error").Inc()

	if d.canRetry(tgt, finishErr) {
		if d.hasUntriedMirror(tgt) {
			tgt.Mirror = nil
			tgt.State = target.StateWaiting
			d.pending = append(d.pending, tgt)
			return nil
		}
		// Every pool mirror has already been tried for this target: reduce
		// this mirror's concurrency ceiling and start the tried-mirrors set
		// over, rather than fail outright (spec §4.4's overload mitigation).
		if tgt.Mirror != tgt.DirectMirror && m.Stats.AllowedParallelConnections > 1 {
			m.SetAllowedParallelConnections(m.Stats.AllowedParallelConnections - 1)
			tgt.TriedMirrors = mirrorid.NewSet()
			tgt.Mirror = nil
			tgt.State = target.StateWaiting
			d.pending = append(d.pending, tgt)
			return nil
		}
	}

	d.metrics.TargetsFinished.WithLabelValues("failed").Inc()
	return finishErr
}

// classify turns a transfer.Handle's raw HTTP outcome into the
// errs.DownloaderError taxonomy the target/scheduler retry policy reads,
// per spec §4.7.
func classify(h *transfer.Handle) error {
	if h.Err != nil {
		if errors.Is(h.Err, transfer.ErrHeaderInterrupted) {
			return errs.New(errs.LevelSerious, errs.CodeBadStatus, "response headers did not match what was requested")
		}
		return errs.Wrap(errs.LevelTransient, errs.CodeCurl, h.Err, "transfer failed")
	}
	switch {
	case h.StatusCode == 200, h.StatusCode == 206, h.RangeSatisfied:
		return nil
	case h.StatusCode == 404, h.StatusCode == 410:
		return errs.New(errs.LevelSerious, errs.CodeBadStatus, "resource not found")
	case h.StatusCode >= 500:
		return errs.New(errs.LevelTransient, errs.CodeBadStatus, "server error")
	case h.StatusCode >= 400:
		return errs.New(errs.LevelSerious, errs.CodeBadStatus, "client error")
	default:
		return errs.New(errs.LevelTransient, errs.CodeBadStatus, "unexpected status")
	}
}

// canRetry reports whether the classified outcome is worth retrying on
// another mirror (spec §4.7's retry budget), special-casing the
// original's file:/ rule (a local file open failing is not expected to
// differ on retry) and bounding direct-dispatch/pool retries against
// their respective budgets.
func (d *Downloader) canRetry(tgt *target.Target, err error) bool {
	var de *errs.DownloaderError
	if !errors.As(err, &de) || !de.IsRetriable() {
		return false
	}

	m := tgt.Mirror
	if m != nil && m.Protocol == mirror.ProtoFile {
		return false
	}

	if m != nil && m == tgt.DirectMirror {
		tgt.DirectAttempts++
		return tgt.DirectAttempts < d.opts.AllowedMirrorFailures
	}

	if d.opts.MaxMirrorsToTry > 0 && tgt.TriedMirrors.Len() >= d.opts.MaxMirrorsToTry {
		return false
	}
	return true
}

func (d *Downloader) failTarget(tgt *target.Target, err error) error {
	ferr := tgt.FinishTransfer(err)
	d.metrics.TargetsFinished.WithLabelValues("failed").Inc()
	return ferr
}
