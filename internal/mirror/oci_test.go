package mirror

import "testing"

func TestOCINeedsPreparationWithoutCredentials(t *testing.T) {
	k := NewOCIKind("https://ghcr.io", "wolfv")
	if k.NeedsPreparation("artifact") == false {
		t.Fatal("without a cached digest, preparation (manifest fetch) should be required")
	}
}

func TestOCISkipsPreparationOnceDigestKnown(t *testing.T) {
	k := NewOCIKind("https://ghcr.io", "wolfv")
	k.SetKnownDigest("artifact", "c5be3ea75353851e1fcf3a298af3b6cfd2af3d7ff018ce52657b6dbd8f986aa4")
	if k.NeedsPreparation("artifact") {
		t.Fatal("once the digest is known, no preparation round trip should be needed")
	}

	got, err := k.FormatURL("artifact")
	if err != nil {
		t.Fatal(err)
	}
	want := "https://ghcr.io/v2/wolfv/artifact/blobs/sha256:c5be3ea75353851e1fcf3a298af3b6cfd2af3d7ff018ce52657b6dbd8f986aa4"
	if got != want {
		t.Fatalf("FormatURL() = %q, want %q", got, want)
	}
}

func TestOCIPrepareRequestIsTokenExchangeWhenCredentialed(t *testing.T) {
	k := NewOCIKind("https://ghcr.io", "wolfv").WithCredentials("user", "pass")
	h, err := k.PrepareRequest("artifact")
	if err != nil {
		t.Fatal(err)
	}
	want := "https://ghcr.io/token?scope=repository:wolfv/artifact:pull"
	if h.URL != want {
		t.Fatalf("PrepareRequest URL = %q, want %q", h.URL, want)
	}
	if h.Header.Get("Authorization") == "" {
		t.Fatal("expected a Basic Authorization header on the token exchange")
	}
}

func TestOCIFinishPreparationParsesToken(t *testing.T) {
	k := NewOCIKind("https://ghcr.io", "wolfv").WithCredentials("user", "pass")
	h, err := k.PrepareRequest("artifact")
	if err != nil {
		t.Fatal(err)
	}
	if err := h.WriteCallback([]byte(`{"token":"deadbeef"}`)); err != nil {
		t.Fatal(err)
	}
	if err := k.FinishPreparation("artifact"); err != nil {
		t.Fatal(err)
	}

	headers, err := k.AuthHeaders("artifact")
	if err != nil {
		t.Fatal(err)
	}
	if len(headers) != 1 || headers[0] != "Authorization: Bearer deadbeef" {
		t.Fatalf("AuthHeaders() = %v, want bearer token header", headers)
	}
}

func TestOCIFinishPreparationParsesManifest(t *testing.T) {
	k := NewOCIKind("https://ghcr.io", "wolfv")
	h, err := k.PrepareRequest("artifact")
	if err != nil {
		t.Fatal(err)
	}
	body := `{"layers":[{"digest":"sha256:c5be3ea75353851e1fcf3a298af3b6cfd2af3d7ff018ce52657b6dbd8f986aa4","size":13}]}`
	if err := h.WriteCallback([]byte(body)); err != nil {
		t.Fatal(err)
	}
	if err := k.FinishPreparation("artifact"); err != nil {
		t.Fatal(err)
	}

	got, err := k.FormatURL("artifact")
	if err != nil {
		t.Fatal(err)
	}
	want := "https://ghcr.io/v2/wolfv/artifact/blobs/sha256:c5be3ea75353851e1fcf3a298af3b6cfd2af3d7ff018ce52657b6dbd8f986aa4"
	if got != want {
		t.Fatalf("FormatURL() = %q, want %q", got, want)
	}
}
