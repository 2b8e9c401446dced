package main

import (
	"strings"
	"testing"

	"github.com/cockroachdb/errors"

	"github.com/mirrorctl/powerloader/internal/config"
	"github.com/mirrorctl/powerloader/internal/mirror"
)

func TestBuildMirrorsCoversEveryKind(t *testing.T) {
	cfg := &config.Config{
		Mirrors: map[string]*config.MirrorConfig{
			"b-http": {Kind: config.KindHTTP, URL: "https://example.test/repo"},
			"a-s3":   {Kind: config.KindS3, URL: "https://bucket.example.test", Region: "us-east-1"},
			"c-oci":  {Kind: config.KindOCI, URL: "https://registry.example.test", RepoPrefix: "library", Scope: "pull"},
		},
	}

	mirrors, err := buildMirrors(cfg)
	if err != nil {
		t.Fatalf("buildMirrors: %v", err)
	}
	if len(mirrors) != 3 {
		t.Fatalf("expected 3 mirrors, got %d", len(mirrors))
	}

	// buildMirrors sorts by the manifest's mirror key, so the order of
	// the resulting slice is deterministic: "a-s3", "b-http", "c-oci".
	wantURLs := []string{
		"https://bucket.example.test",
		"https://example.test/repo",
		"https://registry.example.test",
	}
	for i, want := range wantURLs {
		if mirrors[i].URL != want {
			t.Errorf("mirror %d: expected url %q, got %q", i, want, mirrors[i].URL)
		}
	}
}

func TestBuildMirrorsRejectsUnknownKind(t *testing.T) {
	cfg := &config.Config{
		Mirrors: map[string]*config.MirrorConfig{
			"bad": {Kind: "ftp", URL: "ftp://example.test"},
		},
	}
	if _, err := buildMirrors(cfg); err == nil {
		t.Fatal("expected an error for an unknown mirror kind")
	}
}

func TestBuildMirrorsAppliesAllowedParallelConnections(t *testing.T) {
	cfg := &config.Config{
		Mirrors: map[string]*config.MirrorConfig{
			"only": {Kind: config.KindHTTP, URL: "https://example.test", AllowedParallelConnections: 2},
		},
	}
	mirrors, err := buildMirrors(cfg)
	if err != nil {
		t.Fatalf("buildMirrors: %v", err)
	}
	m := mirrors[0]
	if m.IsParallelConnectionsLimitedAndReached() {
		t.Fatal("fresh mirror should not already be at its concurrency cap")
	}
	m.IncreaseRunningTransfers()
	m.IncreaseRunningTransfers()
	if !m.IsParallelConnectionsLimitedAndReached() {
		t.Fatal("expected the mirror to report its cap reached after two running transfers")
	}
}

func TestFormatErrorTerseByDefault(t *testing.T) {
	err := errors.Newf("mirror %q: unknown kind", "bad")
	terse := formatError(err, false)
	if strings.Contains(terse, "\n") {
		t.Errorf("expected a single-line message without --verbose-errors, got %q", terse)
	}
	if !strings.Contains(terse, "unknown kind") {
		t.Errorf("expected the message text to survive formatting, got %q", terse)
	}
}

func TestFormatErrorVerboseIncludesStack(t *testing.T) {
	err := errors.New("boom")
	verbose := formatError(err, true)
	if !strings.Contains(verbose, "boom") {
		t.Errorf("expected the verbose message to contain the error text, got %q", verbose)
	}
	if !strings.Contains(verbose, "stack trace") {
		t.Errorf("expected the verbose message to include a stack trace, got %q", verbose)
	}
}

var _ mirror.Kind = (*mirror.HTTPKind)(nil)
