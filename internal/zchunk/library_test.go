package zchunk

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/mirrorctl/powerloader/internal/fileio"
)

// writeTestZck builds a minimal valid lead+header+body file using the
// Codec's own wire format, so tests exercise ReadLead/ReadHeader/
// ValidateChecksums without depending on a real zchunk binary. Each
// chunk payload is stored as its own zstd frame, the same as a real
// Codec-written cache entry, so validateChunk's inflate-then-digest
// path is exercised rather than bypassed.
func writeTestZck(t *testing.T, path string, chunkPayloads [][]byte) {
	t.Helper()

	codec, err := NewCodec()
	if err != nil {
		t.Fatal(err)
	}

	type wireChunk struct {
		Index        int    `json:"index"`
		CompOffset   int64  `json:"comp_offset"`
		CompSize     int64  `json:"comp_size"`
		DecompSize   int64  `json:"decomp_size"`
		DigestSHA256 []byte `json:"digest_sha256"`
	}
	var wire struct {
		DigestSHA256 []byte      `json:"digest_sha256"`
		Chunks       []wireChunk `json:"chunks"`
	}

	var body []byte
	var offset int64
	for i, p := range chunkPayloads {
		frame := codec.EncodeChunk(p)
		sum := sha256.Sum256(p)
		wire.Chunks = append(wire.Chunks, wireChunk{
			Index:        i,
			CompOffset:   offset,
			CompSize:     int64(len(frame)),
			DecompSize:   int64(len(p)),
			DigestSHA256: sum[:],
		})
		body = append(body, frame...)
		offset += int64(len(frame))
	}

	headerBytes, err := json.Marshal(wire)
	if err != nil {
		t.Fatal(err)
	}
	headerDigest := sha256.Sum256(headerBytes)

	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	f.WriteString(leadMagic)
	var lenBuf [8]byte
	n := uint64(len(headerBytes))
	for i := 7; i >= 0; i-- {
		lenBuf[i] = byte(n)
		n >>= 8
	}
	f.Write(lenBuf[:])
	f.Write(headerDigest[:])
	f.Write(headerBytes)
	f.Write(body)
}

func TestCodecReadLeadAndHeader(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.zck")
	writeTestZck(t, path, [][]byte{[]byte("chunk-one"), []byte("chunk-two")})

	slot, err := fileio.Open(path, fileio.ModeRead)
	if err != nil {
		t.Fatal(err)
	}
	defer slot.Close()

	c, err := NewCodec()
	if err != nil {
		t.Fatal(err)
	}
	rc, err := c.InitRead(slot, -1)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.ReadLead(rc); err != nil {
		t.Fatalf("ReadLead: %v", err)
	}
	if err := c.ReadHeader(rc); err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}
	if len(rc.Header.Chunks) != 2 {
		t.Fatalf("got %d chunks, want 2", len(rc.Header.Chunks))
	}

	complete, err := c.ValidateChecksums(rc)
	if err != nil {
		t.Fatal(err)
	}
	if !complete {
		t.Fatal("expected a fully-written file to validate as complete")
	}
}

func TestCoordinatorSalvagesChunksFromCache(t *testing.T) {
	cacheDir := t.TempDir()
	cachedPath := filepath.Join(cacheDir, "cached.zck")
	writeTestZck(t, cachedPath, [][]byte{[]byte("chunk-one"), []byte("chunk-two")})

	targetDir := t.TempDir()
	targetPath := filepath.Join(targetDir, "target.zck")
	// Same header (and thus same chunk digests), but an empty body: the
	// coordinator should salvage both chunks from the cache instead of
	// asking the network for them.
	writeTestZck(t, targetPath, [][]byte{[]byte("chunk-one"), []byte("chunk-two")})
	truncateBody(t, targetPath)

	slot, err := fileio.Open(targetPath, fileio.ModeWriteUpdate)
	if err != nil {
		t.Fatal(err)
	}
	defer slot.Close()

	codec, err := NewCodec()
	if err != nil {
		t.Fatal(err)
	}
	coord := NewCoordinator(codec, cacheDir, targetPath)
	if err := coord.Start(slot, -1); err != nil {
		t.Fatal(err)
	}

	req, done, err := coord.Advance(context.Background(), true, -1)
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if !done {
		t.Fatalf("expected salvage to complete the file, got request %+v state %v", req, coord.State())
	}
}

// truncateBody zeroes out the chunk body bytes of a test zck file while
// keeping its lead+header intact, simulating a freshly-created outfile
// that only has the header written so far.
func truncateBody(t *testing.T, path string) {
	t.Helper()
	slot, err := fileio.Open(path, fileio.ModeWriteUpdate)
	if err != nil {
		t.Fatal(err)
	}
	defer slot.Close()

	c, err := NewCodec()
	if err != nil {
		t.Fatal(err)
	}
	rc, err := c.InitRead(slot, -1)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.ReadLead(rc); err != nil {
		t.Fatal(err)
	}
	if err := slot.Truncate(rc.Header.BodyOffset); err != nil {
		t.Fatal(err)
	}
}
