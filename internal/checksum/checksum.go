// Package checksum implements streaming SHA-256/SHA-1/MD5 hashing over
// files, the C1 component of the downloader.
package checksum

import (
	"crypto/md5"  // #nosec G501 - MD5 accepted for legacy repository checksums
	"crypto/sha1" // #nosec G505 - SHA1 accepted for legacy repository checksums
	"crypto/sha256"
	"encoding/hex"
	"io"

	"github.com/cockroachdb/errors"
)

// Kind identifies a supported checksum algorithm.
type Kind int

const (
	SHA256 Kind = iota
	SHA1
	MD5
)

func (k Kind) String() string {
	switch k {
	case SHA256:
		return "sha256"
	case SHA1:
		return "sha1"
	case MD5:
		return "md5"
	default:
		return "unknown"
	}
}

// Pair is one (kind, hex digest) expectation attached to a DownloadTarget.
type Pair struct {
	Kind Kind
	Hex  string
}

// Sums holds every digest computed while streaming a file, so verification
// can try SHA-256, then SHA-1, then MD5 without re-reading the data.
type Sums struct {
	SHA256 [32]byte
	SHA1   [20]byte
	MD5    [16]byte
	Size   int64
}

// HexFor returns the hex digest for kind.
func (s Sums) HexFor(kind Kind) string {
	switch kind {
	case SHA256:
		return hex.EncodeToString(s.SHA256[:])
	case SHA1:
		return hex.EncodeToString(s.SHA1[:])
	case MD5:
		return hex.EncodeToString(s.MD5[:])
	default:
		return ""
	}
}

// CopyAndSum copies src to dst, computing every digest in a single pass.
func CopyAndSum(dst io.Writer, src io.Reader) (Sums, error) {
	h256 := sha256.New()
	h1 := sha1.New()   // #nosec G401 - SHA1 accepted for legacy repository checksums
	hmd5 := md5.New()  // #nosec G401 - MD5 accepted for legacy repository checksums
	w := io.MultiWriter(h256, h1, hmd5, dst)

	n, err := io.Copy(w, src)
	if err != nil {
		return Sums{}, errors.Wrap(err, "checksum.CopyAndSum")
	}

	var sums Sums
	sums.Size = n
	copy(sums.SHA256[:], h256.Sum(nil))
	copy(sums.SHA1[:], h1.Sum(nil))
	copy(sums.MD5[:], hmd5.Sum(nil))
	return sums, nil
}

// Sum computes every digest over an already-open, seekable file without
// copying it anywhere; used at verification time on a finished download.
func Sum(r io.Reader) (Sums, error) {
	return CopyAndSum(io.Discard, r)
}

// Verify checks the strongest checksum present in pairs against sums,
// trying SHA-256, then SHA-1, then MD5, per spec.
func Verify(sums Sums, pairs []Pair) error {
	if len(pairs) == 0 {
		return nil
	}

	order := []Kind{SHA256, SHA1, MD5}
	byKind := make(map[Kind]Pair, len(pairs))
	for _, p := range pairs {
		byKind[p.Kind] = p
	}

	for _, kind := range order {
		p, ok := byKind[kind]
		if !ok {
			continue
		}
		got := sums.HexFor(kind)
		if got != p.Hex {
			return errors.Newf("checksum mismatch (%s): expected %s, got %s", kind, p.Hex, got)
		}
		return nil
	}

	return errors.New("no checksum of a supported kind was provided")
}
