// Package zchunk implements C6: the incremental-reconstruction contract
// spec §6 treats as an external library (zchunk proper is out of scope).
// Library is the abstract surface the
// Coordinator drives; Codec is a concrete reference implementation built
// on klauspost/compress/zstd, since no real zchunk Go binding exists in
// the example corpus. Grounded on original_source/src/zck.cpp's
// check_zck/prepare_zck_header/prepare_zck_body state transitions.
package zchunk

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"

	"github.com/cockroachdb/errors"
	"github.com/klauspost/compress/zstd"

	"github.com/mirrorctl/powerloader/internal/fileio"
)

// ChunkMeta describes one chunk's position and expected digest.
type ChunkMeta struct {
	Index        int
	CompOffset   int64
	CompSize     int64
	DecompSize   int64
	DigestSHA256 [32]byte
}

// Header is the parsed lead+header metadata of a zchunk-like file: the
// header's size and SHA-256 digest (as recorded in the lead), the byte
// offset where the body starts, and the chunk table.
type Header struct {
	HeaderSize   int64
	BodyOffset   int64
	DigestSHA256 [32]byte
	Chunks       []ChunkMeta
}

// wireHeader is Header's on-disk JSON encoding. Keeping this distinct
// from Header lets the in-memory struct use fixed-size digest arrays
// while the wire form stays a portable byte slice.
type wireHeader struct {
	DigestSHA256 []byte `json:"digest_sha256"`
	Chunks       []struct {
		Index        int    `json:"index"`
		CompOffset   int64  `json:"comp_offset"`
		CompSize     int64  `json:"comp_size"`
		DecompSize   int64  `json:"decomp_size"`
		DigestSHA256 []byte `json:"digest_sha256"`
	} `json:"chunks"`
}

// ReadContext is the per-file working state a Library operates on,
// analogous to a zckCtx plus its associated zckDL download tracker.
type ReadContext struct {
	File        *fileio.FileSlot
	Header      Header
	ChunkValid  []bool
	ChunkFailed []bool
}

// MissingChunks reports how many chunks are neither valid nor marked failed.
func (rc *ReadContext) MissingChunks() int {
	n := 0
	for i, ok := range rc.ChunkValid {
		if !ok && !rc.ChunkFailed[i] {
			n++
		}
	}
	return n
}

// Library is the abstract contract the Coordinator drives: lead/header
// parsing and validation, chunk-checksum validation, salvage copy from a
// cache file, and range-header construction for the remaining body.
type Library interface {
	// MinLeadSize is the smallest prefix that ReadLead needs to have been
	// written before it can be parsed.
	MinLeadSize() int64

	// InitRead opens f for incremental reconstruction. headerSizeHint is
	// the header size when known up front, <0 otherwise; the reference
	// Codec ignores it and learns the size from the lead.
	InitRead(f *fileio.FileSlot, headerSizeHint int64) (*ReadContext, error)

	// ReadLead parses the minimal lead prefix already present in rc.File.
	ReadLead(rc *ReadContext) error

	// ValidateLead checks the lead's self-describing digest without
	// requiring the full header to be present yet.
	ValidateLead(rc *ReadContext) (bool, error)

	// ReadHeader parses the chunk table once enough of the file (the
	// header region) has been written.
	ReadHeader(rc *ReadContext) error

	// ValidateChecksums re-validates every chunk already on disk,
	// updating rc.ChunkValid in place, and reports whether every chunk is
	// valid (the file is complete).
	ValidateChecksums(rc *ReadContext) (complete bool, err error)

	// ResetFailedChunks clears the failed flag on every chunk so a fresh
	// download attempt is made for them.
	ResetFailedChunks(rc *ReadContext)

	// CopyValidChunks copies every chunk src has that dst is still
	// missing, verifying each chunk's digest before accepting it
	// (zck_copy_chunks' salvage behavior).
	CopyValidChunks(dst, src *ReadContext) (copied int, err error)

	// HeaderRange returns the byte range (as an HTTP Range value) that
	// covers the lead+header region, given the known or estimated header
	// size.
	HeaderRange(headerSize int64) string

	// MissingRange returns the byte range covering every chunk not yet
	// valid, capped so the request never asks for more than maxRanges
	// discontiguous spans (maxRanges <= 0 means unlimited).
	MissingRange(rc *ReadContext, maxRanges int) (string, error)
}

// Codec is a reference Library implementation: chunks are independent
// zstd frames, the header is a JSON chunk table stored right after a
// fixed-size lead, and validation is a SHA-256 digest check per chunk.
type Codec struct {
	decoder *zstd.Decoder
	encoder *zstd.Encoder
}

// NewCodec builds a Codec with shared, reusable zstd encoder/decoder
// instances.
func NewCodec() (*Codec, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, errors.Wrap(err, "zchunk: building zstd decoder")
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, errors.Wrap(err, "zchunk: building zstd encoder")
	}
	return &Codec{decoder: dec, encoder: enc}, nil
}

const leadMagic = "PLDRZCK1"

// leadSize is the fixed prefix: an 8-byte magic, an 8-byte big-endian
// header length, and a 32-byte header digest.
const leadSize = int64(len(leadMagic) + 8 + 32)

func (c *Codec) MinLeadSize() int64 { return leadSize }

// EncodeChunk compresses one chunk's payload into the independent zstd
// frame the chunk table's CompSize/DigestSHA256 describe. Exposed so
// callers building a local .zck cache entry (or tests exercising the
// wire format directly) don't need their own zstd dependency.
func (c *Codec) EncodeChunk(payload []byte) []byte {
	return c.encoder.EncodeAll(payload, nil)
}

func (c *Codec) InitRead(f *fileio.FileSlot, headerSizeHint int64) (*ReadContext, error) {
	return &ReadContext{File: f}, nil
}

func (c *Codec) ReadLead(rc *ReadContext) error {
	if _, err := rc.File.Seek(0, io.SeekStart); err != nil {
		return err
	}
	buf := make([]byte, leadSize)
	n, err := rc.File.Read(buf)
	if err != nil && err != io.EOF {
		return errors.Wrap(err, "zchunk: reading lead")
	}
	if int64(n) < leadSize {
		return errors.New("zchunk: lead not fully written yet")
	}
	if string(buf[:len(leadMagic)]) != leadMagic {
		return errors.New("zchunk: bad lead magic")
	}
	headerLen := beUint64(buf[len(leadMagic) : len(leadMagic)+8])
	copy(rc.Header.DigestSHA256[:], buf[len(leadMagic)+8:])
	rc.Header.HeaderSize = int64(headerLen)
	rc.Header.BodyOffset = leadSize + int64(headerLen)
	return nil
}

func (c *Codec) ValidateLead(rc *ReadContext) (bool, error) {
	return rc.Header.HeaderSize > 0, nil
}

func (c *Codec) ReadHeader(rc *ReadContext) error {
	if rc.Header.HeaderSize == 0 {
		return errors.New("zchunk: lead not parsed yet")
	}
	if _, err := rc.File.Seek(leadSize, io.SeekStart); err != nil {
		return err
	}
	buf := make([]byte, rc.Header.HeaderSize)
	n, err := io.ReadFull(rc.File, buf)
	if err != nil {
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			return errors.New("zchunk: header not fully written yet")
		}
		return errors.Wrap(err, "zchunk: reading header")
	}

	sum := sha256.Sum256(buf[:n])
	if sum != rc.Header.DigestSHA256 {
		return errors.New("zchunk: header digest mismatch")
	}

	var wire wireHeader
	if err := json.Unmarshal(buf[:n], &wire); err != nil {
		return errors.Wrap(err, "zchunk: parsing header")
	}

	chunks := make([]ChunkMeta, len(wire.Chunks))
	for i, wc := range wire.Chunks {
		cm := ChunkMeta{
			Index:      wc.Index,
			CompOffset: wc.CompOffset,
			CompSize:   wc.CompSize,
			DecompSize: wc.DecompSize,
		}
		copy(cm.DigestSHA256[:], wc.DigestSHA256)
		chunks[i] = cm
	}
	rc.Header.Chunks = chunks
	rc.ChunkValid = make([]bool, len(chunks))
	rc.ChunkFailed = make([]bool, len(chunks))
	return nil
}

func (c *Codec) ValidateChecksums(rc *ReadContext) (bool, error) {
	allValid := true
	for i, cm := range rc.Header.Chunks {
		if rc.ChunkValid[i] {
			continue
		}
		ok, err := c.validateChunk(rc, cm)
		if err != nil {
			return false, err
		}
		rc.ChunkValid[i] = ok
		if !ok {
			allValid = false
		}
	}
	return allValid, nil
}

// validateChunk reads a chunk's compressed span off disk, inflates it,
// and checks the inflated payload against the chunk's recorded digest
// and size. Chunks are stored as independent zstd frames so a single
// corrupt or half-written chunk never disturbs its neighbors.
func (c *Codec) validateChunk(rc *ReadContext, cm ChunkMeta) (bool, error) {
	if _, err := rc.File.Seek(rc.Header.BodyOffset+cm.CompOffset, io.SeekStart); err != nil {
		return false, err
	}
	buf := make([]byte, cm.CompSize)
	n, err := io.ReadFull(rc.File, buf)
	if err != nil {
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			return false, nil // not written yet, not an error
		}
		return false, errors.Wrap(err, "zchunk: reading chunk")
	}

	decompressed, err := c.decoder.DecodeAll(buf[:n], nil)
	if err != nil {
		return false, nil // truncated or corrupt frame, not a fatal error
	}
	if int64(len(decompressed)) != cm.DecompSize {
		return false, nil
	}
	sum := sha256.Sum256(decompressed)
	return sum == cm.DigestSHA256, nil
}

func (c *Codec) ResetFailedChunks(rc *ReadContext) {
	for i := range rc.ChunkFailed {
		rc.ChunkFailed[i] = false
	}
}

func (c *Codec) CopyValidChunks(dst, src *ReadContext) (int, error) {
	copied := 0
	for i, cm := range dst.Header.Chunks {
		if dst.ChunkValid[i] {
			continue
		}
		srcIdx := findChunkByDigest(src.Header.Chunks, cm.DigestSHA256)
		if srcIdx < 0 {
			continue
		}
		ok, err := c.validateChunk(src, src.Header.Chunks[srcIdx])
		if err != nil || !ok {
			continue
		}

		if _, err := src.File.Seek(src.Header.BodyOffset+src.Header.Chunks[srcIdx].CompOffset, io.SeekStart); err != nil {
			return copied, err
		}
		buf := make([]byte, cm.CompSize)
		if _, err := io.ReadFull(src.File, buf); err != nil {
			continue
		}
		if _, err := dst.File.Seek(dst.Header.BodyOffset+cm.CompOffset, io.SeekStart); err != nil {
			return copied, err
		}
		if _, err := dst.File.Write(buf); err != nil {
			return copied, err
		}
		dst.ChunkValid[i] = true
		copied++
	}
	return copied, nil
}

func findChunkByDigest(chunks []ChunkMeta, digest [32]byte) int {
	for i, c := range chunks {
		if c.DigestSHA256 == digest {
			return i
		}
	}
	return -1
}

func (c *Codec) HeaderRange(headerSize int64) string {
	end := leadSize + headerSize - 1
	if headerSize <= 0 {
		end = c.MinLeadSize() - 1
	}
	return fmt.Sprintf("bytes=0-%d", end)
}

// MissingRange builds a Range header covering every still-invalid
// chunk's byte span, merging adjacent chunks and capping the number of
// discontiguous spans at maxRanges (spec §4.6's "mirror ignores Range ->
// halve max_ranges" interacts with this cap).
func (c *Codec) MissingRange(rc *ReadContext, maxRanges int) (string, error) {
	type span struct{ start, end int64 }
	var spans []span
	for i, cm := range rc.Header.Chunks {
		if rc.ChunkValid[i] {
			continue
		}
		start := rc.Header.BodyOffset + cm.CompOffset
		end := start + cm.CompSize - 1
		if n := len(spans); n > 0 && spans[n-1].end+1 == start {
			spans[n-1].end = end
			continue
		}
		spans = append(spans, span{start, end})
	}
	if len(spans) == 0 {
		return "", errors.New("zchunk: no missing chunks")
	}
	if maxRanges > 0 && len(spans) > maxRanges {
		spans = spans[:maxRanges]
	}

	out := "bytes="
	for i, s := range spans {
		if i > 0 {
			out += ","
		}
		out += fmt.Sprintf("%d-%d", s.start, s.end)
	}
	return out, nil
}

func beUint64(b []byte) uint64 {
	var v uint64
	for _, x := range b {
		v = v<<8 | uint64(x)
	}
	return v
}
