package target

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mirrorctl/powerloader/internal/checksum"
	"github.com/mirrorctl/powerloader/internal/mirror"
	"github.com/mirrorctl/powerloader/internal/mirrorid"
)

func newTestTarget(t *testing.T, dir string) (*Target, *DownloadTarget) {
	t.Helper()
	dl := &DownloadTarget{
		Path:         "file.bin",
		DestFilename: filepath.Join(dir, "file.bin"),
		ExpectedSize: -1,
	}
	tg := New(dl)
	tg.Mirror = mirror.New(mirrorid.Make("http", "origin"), "https://example.test", mirror.ProtoHTTP, mirror.NewHTTPKind("https://example.test"), time.Millisecond)
	return tg, dl
}

func TestOpenOutfileCreatesPartFile(t *testing.T) {
	dir := t.TempDir()
	tg, _ := newTestTarget(t, dir)

	if err := tg.OpenOutfile(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(tg.tempPath); err != nil {
		t.Fatalf("expected temp file to exist: %v", err)
	}
	if filepath.Ext(tg.tempPath) != partExt {
		t.Fatalf("temp file %q missing %q suffix", tg.tempPath, partExt)
	}
}

func TestBuildRequestUsesMirrorURL(t *testing.T) {
	dir := t.TempDir()
	tg, _ := newTestTarget(t, dir)
	if err := tg.OpenOutfile(); err != nil {
		t.Fatal(err)
	}

	h, err := tg.BuildRequest("")
	if err != nil {
		t.Fatal(err)
	}
	want := "https://example.test/file.bin"
	if h.URL != want {
		t.Fatalf("BuildRequest URL = %q, want %q", h.URL, want)
	}
}

func TestFinishTransferVerifiesChecksumAndRenames(t *testing.T) {
	dir := t.TempDir()
	tg, dl := newTestTarget(t, dir)
	if err := tg.OpenOutfile(); err != nil {
		t.Fatal(err)
	}

	payload := []byte("hello world")
	if err := tg.writeCallback(payload); err != nil {
		t.Fatal(err)
	}

	sums, err := checksum.Sum(bytesReader(t, payload))
	if err != nil {
		t.Fatal(err)
	}
	dl.Checksums = []checksum.Pair{{Kind: checksum.SHA256, Hex: sums.HexFor(checksum.SHA256)}}

	if err := tg.FinishTransfer(nil); err != nil {
		t.Fatalf("FinishTransfer: %v", err)
	}
	if tg.State != StateFinished {
		t.Fatalf("State = %v, want finished", tg.State)
	}
	if _, err := os.Stat(dl.DestFilename); err != nil {
		t.Fatalf("expected final file to exist: %v", err)
	}
}

func TestFinishTransferRejectsBadChecksum(t *testing.T) {
	dir := t.TempDir()
	tg, dl := newTestTarget(t, dir)
	if err := tg.OpenOutfile(); err != nil {
		t.Fatal(err)
	}
	if err := tg.writeCallback([]byte("hello world")); err != nil {
		t.Fatal(err)
	}
	dl.Checksums = []checksum.Pair{{Kind: checksum.SHA256, Hex: "0000000000000000000000000000000000000000000000000000000000000000"}}

	if err := tg.FinishTransfer(nil); err == nil {
		t.Fatal("expected a checksum mismatch error")
	}
	if tg.State != StateFailed {
		t.Fatalf("State = %v, want failed", tg.State)
	}
	if _, err := os.Stat(tg.tempPath); !os.IsNotExist(err) {
		t.Fatalf("expected temp file to be removed after a failed verification, stat err = %v", err)
	}
}

func bytesReader(t *testing.T, b []byte) *os.File {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "powerloader-test-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { f.Close() })
	f.Write(b)
	f.Seek(0, 0)
	return f
}
