package mirror

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/mirrorctl/powerloader/internal/transfer"
)

// emptySHA256Hex is the SHA-256 digest of the empty string, used as the
// payload hash for unsigned GET requests.
const emptySHA256Hex = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"

// S3Kind signs requests against an S3-compatible bucket using SigV4.
// Grounded on original_source/src/mirrors/s3.cpp's S3CanonicalRequest and
// s3_calculate_signature.
type S3Kind struct {
	BucketURL string
	Region    string
	AccessKey string
	SecretKey string
}

// NewS3Kind builds an S3Kind for bucketURL (scheme+host+optional prefix,
// no trailing slash).
func NewS3Kind(bucketURL, region, accessKey, secretKey string) *S3Kind {
	return &S3Kind{
		BucketURL: strings.TrimSuffix(bucketURL, "/"),
		Region:    region,
		AccessKey: accessKey,
		SecretKey: secretKey,
	}
}

func (s *S3Kind) NeedsPreparation(path string) bool { return false }

func (s *S3Kind) PrepareRequest(path string) (*transfer.Handle, error) { return nil, nil }

func (s *S3Kind) FinishPreparation(path string) error { return nil }

func (s *S3Kind) FormatURL(path string) (string, error) {
	return fmt.Sprintf("%s/%s", s.BucketURL, strings.TrimPrefix(path, "/")), nil
}

// AuthHeaders computes the full SigV4 header set (x-amz-date,
// x-amz-content-sha256, Host, Content-Type, Authorization) for a GET of
// path.
func (s *S3Kind) AuthHeaders(path string) ([]string, error) {
	now := time.Now().UTC()
	target, err := s.FormatURL(path)
	if err != nil {
		return nil, err
	}
	u, err := url.Parse(target)
	if err != nil {
		return nil, err
	}

	headers := map[string]string{
		"x-amz-date":           now.Format("20060102T150405Z"),
		"x-amz-content-sha256": emptySHA256Hex,
		"host":                 u.Host,
		"content-type":         "application/octet-stream",
	}

	resource := strings.TrimPrefix(u.Path, "/")
	canonical, signedHeaders := canonicalRequest("GET", resource, headers)
	strToSign := stringToSign(now, s.Region, "s3", canonical)
	signature := s3Signature(now, s.SecretKey, s.Region, "s3", strToSign)

	auth := fmt.Sprintf(
		"AWS4-HMAC-SHA256 Credential=%s/%s/%s/s3/aws4_request, SignedHeaders=%s, Signature=%s",
		s.AccessKey, now.Format("20060102"), s.Region, signedHeaders, signature,
	)

	out := make([]string, 0, len(headers)+1)
	for k, v := range headers {
		out = append(out, fmt.Sprintf("%s: %s", k, v))
	}
	sort.Strings(out)
	out = append(out, "Authorization: "+auth)
	return out, nil
}

// canonicalRequest builds the SigV4 canonical request string and its
// accompanying signed-header list, with headers processed in sorted key
// order (matching the original's std::map<std::string, std::string>).
func canonicalRequest(method, resource string, headers map[string]string) (string, string) {
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var canonicalHeaders strings.Builder
	var signedHeaders strings.Builder
	for i, k := range keys {
		canonicalHeaders.WriteString(k)
		canonicalHeaders.WriteString(":")
		canonicalHeaders.WriteString(headers[k])
		canonicalHeaders.WriteString("\n")
		if i > 0 {
			signedHeaders.WriteString(";")
		}
		signedHeaders.WriteString(k)
	}

	payloadHash := headers["x-amz-content-sha256"]
	req := strings.Join([]string{
		method,
		"/" + resource,
		"", // canonical query string
		canonicalHeaders.String(),
		signedHeaders.String(),
		payloadHash,
	}, "\n")
	return req, signedHeaders.String()
}

func stringToSign(t time.Time, region, service, canonicalRequest string) string {
	scope := fmt.Sprintf("%s/%s/%s/aws4_request", t.Format("20060102"), region, service)
	sum := sha256.Sum256([]byte(canonicalRequest))
	return strings.Join([]string{
		"AWS4-HMAC-SHA256",
		t.Format("20060102T150405Z"),
		scope,
		hex.EncodeToString(sum[:]),
	}, "\n")
}

func hmacSHA256(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

func s3Signature(t time.Time, secret, region, service, stringToSign string) string {
	dateKey := hmacSHA256([]byte("AWS4"+secret), []byte(t.Format("20060102")))
	regionKey := hmacSHA256(dateKey, []byte(region))
	serviceKey := hmacSHA256(regionKey, []byte(service))
	signingKey := hmacSHA256(serviceKey, []byte("aws4_request"))
	signature := hmacSHA256(signingKey, []byte(stringToSign))
	return hex.EncodeToString(signature)
}
