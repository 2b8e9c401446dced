package main

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/mirrorctl/powerloader/internal/metrics"
	"github.com/mirrorctl/powerloader/internal/target"
)

// runSummary accumulates per-target outcomes for the final usage
// report, printed once Download returns.
type runSummary struct {
	start time.Time

	mu        sync.Mutex
	succeeded []string
	failed    []string
}

func (s *runSummary) record(path string, status target.TransferStatus, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch status {
	case target.StatusSuccessful, target.StatusAlreadyExists:
		s.succeeded = append(s.succeeded, path)
	default:
		msg := path
		if err != nil {
			msg = fmt.Sprintf("%s (%v)", path, err)
		}
		s.failed = append(s.failed, msg)
	}
}

func (s *runSummary) print() {
	s.mu.Lock()
	defer s.mu.Unlock()

	elapsed := time.Since(s.start)
	fmt.Printf("\n%d succeeded, %d failed in %s\n", len(s.succeeded), len(s.failed), elapsed.Round(time.Millisecond))
	for _, f := range s.failed {
		fmt.Printf("  failed: %s\n", f)
	}
}

// serveMetrics blocks serving reg's Prometheus handler on addr.
func serveMetrics(addr string, reg *metrics.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", reg.Handler())
	return http.ListenAndServe(addr, mux)
}
