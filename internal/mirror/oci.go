package mirror

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/mirrorctl/powerloader/internal/transfer"
)

// SplitFunc splits a logical path into (repository path, reference), e.g.
// "myimage:v1" -> ("myimage", "v1"). A nil SplitFunc defaults every path
// to the "latest" tag.
type SplitFunc func(path string) (repoPath, reference string)

type ociPathState struct {
	token     string
	sha256sum string
	buf       bytes.Buffer
}

// OCIKind fetches blobs from an OCI distribution-spec registry by digest,
// resolving the digest via a manifest fetch and, if credentials are
// configured, a bearer-token exchange first. Grounded on
// original_source/src/mirrors/oci.cpp.
//
// Every exported method here is called only from the scheduler's single
// driver goroutine (spec §5); byPath's buffers are written to from
// worker goroutines, but only through a pointer captured before the
// worker starts, never by touching the map itself, so byPath itself needs
// no lock.
type OCIKind struct {
	Host       string
	RepoPrefix string
	Scope      string
	Username   string
	Password   string
	Split      SplitFunc

	byPath map[string]*ociPathState
}

// NewOCIKind builds an OCIKind for the registry rooted at host.
func NewOCIKind(host, repoPrefix string) *OCIKind {
	return &OCIKind{
		Host:       strings.TrimSuffix(host, "/"),
		RepoPrefix: repoPrefix,
		Scope:      "pull",
		byPath:     make(map[string]*ociPathState),
	}
}

// WithCredentials configures username/password for the token exchange.
func (o *OCIKind) WithCredentials(username, password string) *OCIKind {
	o.Username = username
	o.Password = password
	return o
}

func (o *OCIKind) needAuth() bool {
	return o.Username != "" && o.Password != ""
}

func (o *OCIKind) splitPathTag(path string) (string, string) {
	if o.Split != nil {
		return o.Split(path)
	}
	return path, "latest"
}

func (o *OCIKind) repo(repo string) string {
	if o.RepoPrefix != "" {
		return o.RepoPrefix + "/" + repo
	}
	return repo
}

func (o *OCIKind) authURL(repo string) string {
	return fmt.Sprintf("%s/token?scope=repository:%s:%s", o.Host, o.repo(repo), o.Scope)
}

func (o *OCIKind) manifestURL(repo, reference string) string {
	return fmt.Sprintf("%s/v2/%s/manifests/%s", o.Host, o.repo(repo), reference)
}

func (o *OCIKind) state(path string) *ociPathState {
	splitPath, _ := o.splitPathTag(path)
	st, ok := o.byPath[splitPath]
	if !ok {
		st = &ociPathState{}
		o.byPath[splitPath] = st
	}
	return st
}

// NeedsPreparation reports whether path needs a token exchange or a
// manifest fetch before the blob itself can be requested.
func (o *OCIKind) NeedsPreparation(path string) bool {
	splitPath, _ := o.splitPathTag(path)
	st, ok := o.byPath[splitPath]

	if (!ok || st.token == "") && o.needAuth() {
		return true
	}
	if ok && st.sha256sum != "" {
		return false
	}
	return true
}

// PrepareRequest builds either the token-exchange request (if
// credentials are configured and no token is cached yet) or the manifest
// fetch request, exactly as original_source/src/mirrors/oci.cpp's
// prepare() branches.
func (o *OCIKind) PrepareRequest(path string) (*transfer.Handle, error) {
	splitPath, splitTag := o.splitPathTag(path)
	st := o.state(path)
	st.buf.Reset()

	if st.token == "" && o.needAuth() {
		h := &transfer.Handle{
			Method: "GET",
			URL:    o.authURL(splitPath),
			Header: map[string][]string{},
		}
		h.WriteCallback = func(p []byte) error {
			st.buf.Write(p)
			return nil
		}
		if o.Username != "" || o.Password != "" {
			h.Header.Set("Authorization", "Basic "+basicAuthValue(o.Username, o.Password))
		}
		return h, nil
	}

	h := &transfer.Handle{
		Method: "GET",
		URL:    o.manifestURL(splitPath, splitTag),
		Header: map[string][]string{
			"Accept": {"application/vnd.oci.image.manifest.v1+json"},
		},
	}
	if st.token != "" {
		h.Header.Set("Authorization", "Bearer "+st.token)
	}
	h.WriteCallback = func(p []byte) error {
		st.buf.Write(p)
		return nil
	}
	return h, nil
}

// FinishPreparation parses whatever PrepareRequest buffered: a {"token":
// "..."} body for the auth step, or a manifest body carrying the first
// layer's sha256 digest and size.
func (o *OCIKind) FinishPreparation(path string) error {
	splitPath, _ := o.splitPathTag(path)
	st, ok := o.byPath[splitPath]
	if !ok {
		return errors.Newf("oci: no prepared state for %q", path)
	}

	if st.token == "" && o.needAuth() {
		var body struct {
			Token string `json:"token"`
		}
		if err := json.Unmarshal(st.buf.Bytes(), &body); err != nil {
			return errors.Wrap(err, "oci: decoding token response")
		}
		if body.Token == "" {
			return errors.Newf("oci: token response for %q carried no token", path)
		}
		st.token = body.Token
		return nil
	}

	var manifest struct {
		Layers []struct {
			Digest string `json:"digest"`
			Size   int64  `json:"size"`
		} `json:"layers"`
	}
	if err := json.Unmarshal(st.buf.Bytes(), &manifest); err != nil {
		return errors.Wrap(err, "oci: decoding manifest")
	}
	if len(manifest.Layers) == 0 {
		return errors.Newf("oci: manifest for %q carried no layers", path)
	}
	digest := manifest.Layers[0].Digest
	const prefix = "sha256:"
	if !strings.HasPrefix(digest, prefix) {
		return errors.Newf("oci: unsupported digest algorithm in %q", digest)
	}
	st.sha256sum = strings.TrimPrefix(digest, prefix)
	return nil
}

// AuthHeaders returns the bearer-token header once a token has been
// obtained; otherwise no extra headers are needed.
func (o *OCIKind) AuthHeaders(path string) ([]string, error) {
	if !o.needAuth() {
		return nil, nil
	}
	splitPath, _ := o.splitPathTag(path)
	st, ok := o.byPath[splitPath]
	if !ok || st.token == "" {
		return nil, errors.Newf("oci: no token available for %q", path)
	}
	return []string{"Authorization: Bearer " + st.token}, nil
}

// FormatURL builds the blob-fetch URL from whichever sha256 digest is
// known, either supplied by the caller's checksum list (not visible to
// this package) via SetKnownDigest, or discovered from the manifest.
func (o *OCIKind) FormatURL(path string) (string, error) {
	splitPath, _ := o.splitPathTag(path)
	st, ok := o.byPath[splitPath]
	if !ok || st.sha256sum == "" {
		return "", errors.Newf("oci: no digest resolved for %q yet", path)
	}
	return fmt.Sprintf("%s/v2/%s/blobs/sha256:%s", o.Host, o.repo(splitPath), st.sha256sum), nil
}

// SetKnownDigest lets the caller short-circuit the manifest fetch when
// the blob's sha256 digest is already known (e.g. from the target's own
// checksum list), matching the original's "use the target's checksum,
// else the manifest" preference order.
func (o *OCIKind) SetKnownDigest(path, sha256sum string) {
	o.state(path).sha256sum = sha256sum
}

func basicAuthValue(username, password string) string {
	return base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
}
