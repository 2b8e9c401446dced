package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeManifest(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "manifest.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadAppliesDefaultsAndDecodesManifest(t *testing.T) {
	path := writeManifest(t, `
dir = "/var/cache/powerloader"

[mirrors.origin]
kind = "http"
url = "https://example.test/repo/"

[[targets]]
path = "file.bin"
dest = "/tmp/file.bin"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.MaxConns != defaultMaxConns {
		t.Fatalf("MaxConns = %d, want default %d", cfg.MaxConns, defaultMaxConns)
	}
	if err := cfg.Check(); err != nil {
		t.Fatalf("Check: %v", err)
	}
	if cfg.Mirrors["origin"].Kind != KindHTTP {
		t.Fatalf("mirror kind = %q, want http", cfg.Mirrors["origin"].Kind)
	}
}

func TestCheckRejectsRelativeDir(t *testing.T) {
	cfg := New()
	cfg.Dir = "relative/path"
	cfg.Mirrors = map[string]*MirrorConfig{"m": {Kind: KindHTTP, URL: "https://example.test"}}
	if err := cfg.Check(); err == nil {
		t.Fatal("expected an error for a relative dir")
	}
}

func TestCheckRejectsMissingMirrors(t *testing.T) {
	cfg := New()
	cfg.Dir = "/var/cache/powerloader"
	if err := cfg.Check(); err == nil {
		t.Fatal("expected an error for no mirrors")
	}
}

func TestApplyEnvironmentVariablesOverridesTOMLValue(t *testing.T) {
	t.Setenv("POWERLOADER_MAX_CONNS", "9")
	cfg := New()
	if err := cfg.ApplyEnvironmentVariables(); err != nil {
		t.Fatal(err)
	}
	if cfg.MaxConns != 9 {
		t.Fatalf("MaxConns = %d, want 9 from environment", cfg.MaxConns)
	}
}

func TestTLSOverridesEffectiveMergesOnlySetFields(t *testing.T) {
	global := TLSConfig{ServerName: "global.example.test", MinVersion: "1.2"}
	skip := true
	overrides := &TLSOverrides{InsecureSkipVerify: &skip}

	effective := overrides.Effective(global)
	if !effective.InsecureSkipVerify {
		t.Fatal("expected InsecureSkipVerify override to apply")
	}
	if effective.ServerName != "global.example.test" {
		t.Fatalf("ServerName = %q, want untouched global value", effective.ServerName)
	}
}

func TestContextEnforcesSingleLiveInstance(t *testing.T) {
	cfg := New()
	cfg.Dir = "/var/cache/powerloader"
	cfg.Mirrors = map[string]*MirrorConfig{"m": {Kind: KindHTTP, URL: "https://example.test"}}

	ctx, err := NewContext(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer ctx.Close()

	if _, err := NewContext(cfg); err == nil {
		t.Fatal("expected a second Context to fail while the first is live")
	}
}
