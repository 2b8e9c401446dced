package mirror

import (
	"testing"
	"time"

	"github.com/mirrorctl/powerloader/internal/mirrorid"
)

func newTestMirror(id string) *Mirror {
	return New(mirrorid.Make("http", id), "https://example.test/"+id, ProtoHTTP, NewHTTPKind("https://example.test/"+id), time.Millisecond)
}

func TestRankBeforeThreeTransfers(t *testing.T) {
	m := newTestMirror("a")
	m.UpdateStatistics(true)
	m.UpdateStatistics(true)
	if got := m.Rank(); got != -1.0 {
		t.Fatalf("Rank() with 2 finished transfers = %v, want -1.0", got)
	}
}

func TestRankAfterThreeTransfers(t *testing.T) {
	m := newTestMirror("a")
	m.UpdateStatistics(true)
	m.UpdateStatistics(true)
	m.UpdateStatistics(false)
	if got, want := m.Rank(), 2.0/3.0; got != want {
		t.Fatalf("Rank() = %v, want %v", got, want)
	}
}

func TestUpdateStatisticsSchedulesRetry(t *testing.T) {
	m := newTestMirror("a")
	if m.NeedWaitForRetry() {
		t.Fatal("fresh mirror should not need a retry wait")
	}
	m.UpdateStatistics(false)
	if !m.NeedWaitForRetry() {
		t.Fatal("mirror should need a retry wait right after a failure")
	}
}

func TestParallelConnectionsLimit(t *testing.T) {
	m := newTestMirror("a")
	if m.IsParallelConnectionsLimitedAndReached() {
		t.Fatal("unlimited mirror should never report limited")
	}
	m.SetAllowedParallelConnections(1)
	m.IncreaseRunningTransfers()
	if !m.IsParallelConnectionsLimitedAndReached() {
		t.Fatal("mirror at its cap should report limited and reached")
	}
}

func TestSortMirrorsPromotesOnSuccess(t *testing.T) {
	a := newTestMirror("a")
	b := newTestMirror("b")
	for i := 0; i < 3; i++ {
		a.UpdateStatistics(false)
	}
	for i := 0; i < 3; i++ {
		b.UpdateStatistics(true)
	}
	mirrors := []*Mirror{a, b}

	SortMirrors(mirrors, b, true, false)
	if mirrors[0] != b {
		t.Fatalf("expected b promoted to front, got order %v, %v", mirrors[0].ID, mirrors[1].ID)
	}
}

func TestSortMirrorsDemotesToEndOnSeriousFirstFailure(t *testing.T) {
	a := newTestMirror("a")
	b := newTestMirror("b")
	c := newTestMirror("c")
	mirrors := []*Mirror{a, b, c}

	SortMirrors(mirrors, a, false, true)
	if mirrors[len(mirrors)-1] != a {
		t.Fatalf("expected a demoted to the end, got %v", mirrors)
	}
	if mirrors[0] != b || mirrors[1] != c {
		t.Fatalf("expected b, c to keep relative order, got %v, %v", mirrors[0].ID, mirrors[1].ID)
	}
}
