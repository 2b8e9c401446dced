package mirror

import (
	"strings"
	"testing"
)

func TestS3FormatURL(t *testing.T) {
	k := NewS3Kind("https://my-bucket.s3.amazonaws.com", "us-east-1", "AKIA", "secret")
	got, err := k.FormatURL("path/to/object.bin")
	if err != nil {
		t.Fatal(err)
	}
	want := "https://my-bucket.s3.amazonaws.com/path/to/object.bin"
	if got != want {
		t.Fatalf("FormatURL() = %q, want %q", got, want)
	}
}

func TestS3AuthHeadersCarriesSignature(t *testing.T) {
	k := NewS3Kind("https://my-bucket.s3.amazonaws.com", "us-east-1", "AKIA", "secret")
	headers, err := k.AuthHeaders("object.bin")
	if err != nil {
		t.Fatal(err)
	}

	var sawAuth, sawDate bool
	for _, h := range headers {
		if strings.HasPrefix(h, "Authorization: AWS4-HMAC-SHA256 Credential=AKIA/") {
			sawAuth = true
		}
		if strings.HasPrefix(h, "x-amz-date: ") {
			sawDate = true
		}
	}
	if !sawAuth {
		t.Errorf("expected an Authorization header with SigV4 credential scope, got %v", headers)
	}
	if !sawDate {
		t.Errorf("expected an x-amz-date header, got %v", headers)
	}
}

func TestS3NeedsNoPreparation(t *testing.T) {
	k := NewS3Kind("https://bucket", "us-east-1", "ak", "sk")
	if k.NeedsPreparation("anything") {
		t.Fatal("S3Kind should never need preparation")
	}
}
