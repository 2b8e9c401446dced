// Package metrics exposes a powerloader run's mirror and transfer
// counters as Prometheus metrics. Grounded on the pack's prometheus/
// client_golang usage (e.g. clintcan-debswarm's internal/metrics,
// which hand-rolls its own counters where this package instead wires
// the real client library promauto/promhttp provide).
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles every metric a Downloader run reports. One Registry
// is built per process and handed to the scheduler.
type Registry struct {
	reg *prometheus.Registry

	TransfersTotal  *prometheus.CounterVec
	BytesDownloaded *prometheus.CounterVec
	MirrorRank      *prometheus.GaugeVec
	RunningTransfer *prometheus.GaugeVec
	RetryDelay      *prometheus.GaugeVec

	TargetsFinished *prometheus.CounterVec
	TargetDuration  *prometheus.HistogramVec

	ZchunkChunksSalvaged prometheus.Counter
	ZchunkChunksFetched  prometheus.Counter
}

// NewRegistry builds a fresh, unregistered-with-default metric set.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Registry{
		reg: reg,

		TransfersTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "powerloader_transfers_total",
			Help: "Completed transfer attempts by mirror and outcome.",
		}, []string{"mirror", "outcome"}),

		BytesDownloaded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "powerloader_bytes_downloaded_total",
			Help: "Bytes received from each mirror.",
		}, []string{"mirror"}),

		MirrorRank: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "powerloader_mirror_rank",
			Help: "Current adaptive rank (success ratio) of each mirror, -1 until enough samples exist.",
		}, []string{"mirror"}),

		RunningTransfer: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "powerloader_mirror_running_transfers",
			Help: "Transfers currently in flight against each mirror.",
		}, []string{"mirror"}),

		RetryDelay: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "powerloader_mirror_retry_delay_seconds",
			Help: "Remaining backoff delay before a mirror is retried, 0 if ready now.",
		}, []string{"mirror"}),

		TargetsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "powerloader_targets_finished_total",
			Help: "Targets that reached a terminal state, by outcome.",
		}, []string{"outcome"}),

		TargetDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "powerloader_target_duration_seconds",
			Help:    "Wall-clock time from a target's first transfer attempt to its terminal state.",
			Buckets: prometheus.DefBuckets,
		}, []string{"outcome"}),

		ZchunkChunksSalvaged: factory.NewCounter(prometheus.CounterOpts{
			Name: "powerloader_zchunk_chunks_salvaged_total",
			Help: "Chunks recovered from a local cache file instead of downloaded.",
		}),

		ZchunkChunksFetched: factory.NewCounter(prometheus.CounterOpts{
			Name: "powerloader_zchunk_chunks_fetched_total",
			Help: "Chunks fetched over the network to complete a zchunk target.",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
