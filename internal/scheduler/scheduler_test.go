package scheduler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mirrorctl/powerloader/internal/checksum"
	"github.com/mirrorctl/powerloader/internal/mirror"
	"github.com/mirrorctl/powerloader/internal/mirrorid"
	"github.com/mirrorctl/powerloader/internal/target"
	"github.com/mirrorctl/powerloader/internal/transfer"
)

func TestDownloadSingleTargetSucceeds(t *testing.T) {
	body := []byte("the quick brown fox")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(body)
	}))
	defer srv.Close()

	sums, err := checksum.Sum(byteReaderAt(t, body))
	if err != nil {
		t.Fatal(err)
	}

	dir := t.TempDir()
	dl := &target.DownloadTarget{
		Path:         "file.bin",
		DestFilename: filepath.Join(dir, "file.bin"),
		ExpectedSize: -1,
		Checksums:    []checksum.Pair{{Kind: checksum.SHA256, Hex: sums.HexFor(checksum.SHA256)}},
	}
	tgt := target.New(dl)

	m := mirror.New(mirrorid.Make("http", srv.URL), srv.URL, mirror.ProtoHTTP, mirror.NewHTTPKind(srv.URL), time.Millisecond)

	d := New([]*mirror.Mirror{m}, transfer.NewMulti(2, srv.Client()), Options{PollInterval: 50 * time.Millisecond}, nil)
	if err := d.Download(context.Background(), []*target.Target{tgt}); err != nil {
		t.Fatalf("Download: %v", err)
	}

	got, err := os.ReadFile(dl.DestFilename)
	if err != nil {
		t.Fatalf("reading result: %v", err)
	}
	if string(got) != string(body) {
		t.Fatalf("downloaded content = %q, want %q", got, body)
	}
}

func TestDownloadRetriesOnAnotherMirrorAfter404(t *testing.T) {
	badSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer badSrv.Close()

	body := []byte("fallback content")
	goodSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(body)
	}))
	defer goodSrv.Close()

	dir := t.TempDir()
	dl := &target.DownloadTarget{
		Path:         "file.bin",
		DestFilename: filepath.Join(dir, "file.bin"),
		ExpectedSize: -1,
	}
	tgt := target.New(dl)

	bad := mirror.New(mirrorid.Make("http", badSrv.URL), badSrv.URL, mirror.ProtoHTTP, mirror.NewHTTPKind(badSrv.URL), time.Millisecond)
	good := mirror.New(mirrorid.Make("http", goodSrv.URL), goodSrv.URL, mirror.ProtoHTTP, mirror.NewHTTPKind(goodSrv.URL), time.Millisecond)

	d := New([]*mirror.Mirror{bad, good}, transfer.NewMulti(2, nil), Options{PollInterval: 50 * time.Millisecond}, nil)
	if err := d.Download(context.Background(), []*target.Target{tgt}); err != nil {
		t.Fatalf("Download: %v", err)
	}

	got, err := os.ReadFile(dl.DestFilename)
	if err != nil {
		t.Fatalf("reading result: %v", err)
	}
	if string(got) != string(body) {
		t.Fatalf("downloaded content = %q, want %q", got, body)
	}
}

func byteReaderAt(t *testing.T, b []byte) *os.File {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "scheduler-test-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { f.Close() })
	f.Write(b)
	f.Seek(0, 0)
	return f
}
