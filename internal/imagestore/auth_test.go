package imagestore

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-containerregistry/pkg/authn"

	"github.com/bpfman/bpfmand/internal/catalog"
)

func TestResolveAuthMatchesHostSubstring(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_RUNTIME_DIR", "")
	t.Setenv("DOCKER_CONFIG", dir)

	encoded := base64.StdEncoding.EncodeToString([]byte("alice:hunter2"))
	writeJSON(t, filepath.Join(dir, "config.json"), `{"auths":{"registry.example.com":{"auth":"`+encoded+`"}}}`)

	a, err := resolveAuth("registry.example.com")
	if err != nil {
		t.Fatalf("resolveAuth: %v", err)
	}
	basic, ok := a.(*authn.Basic)
	if !ok {
		t.Fatalf("got %T, want *authn.Basic", a)
	}
	if basic.Username != "alice" || basic.Password != "hunter2" {
		t.Fatalf("got %+v, want alice/hunter2", basic)
	}
}

func TestResolveAuthNoMatchIsAnonymous(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_RUNTIME_DIR", "")
	t.Setenv("DOCKER_CONFIG", dir)
	writeJSON(t, filepath.Join(dir, "config.json"), `{"auths":{"other.example.com":{"auth":"eHh4"}}}`)

	a, err := resolveAuth("registry.example.com")
	if err != nil {
		t.Fatalf("resolveAuth: %v", err)
	}
	if a != authn.Anonymous {
		t.Fatalf("got %v, want authn.Anonymous", a)
	}
}

func TestResolveAuthMissingFileIsAnonymous(t *testing.T) {
	t.Setenv("XDG_RUNTIME_DIR", "")
	t.Setenv("DOCKER_CONFIG", t.TempDir())

	a, err := resolveAuth("registry.example.com")
	if err != nil {
		t.Fatalf("resolveAuth: %v", err)
	}
	if a != authn.Anonymous {
		t.Fatalf("got %v, want authn.Anonymous", a)
	}
}

func TestResolveAuthMalformedJSONIsTypedError(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_RUNTIME_DIR", "")
	t.Setenv("DOCKER_CONFIG", dir)
	writeJSON(t, filepath.Join(dir, "config.json"), `not json`)

	if _, err := resolveAuth("registry.example.com"); err == nil {
		t.Fatal("expected error for malformed config.json")
	}
}

func TestResolveAuthMalformedBase64IsTypedError(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_RUNTIME_DIR", "")
	t.Setenv("DOCKER_CONFIG", dir)
	writeJSON(t, filepath.Join(dir, "config.json"), `{"auths":{"registry.example.com":{"auth":"!!!not-base64!!!"}}}`)

	if _, err := resolveAuth("registry.example.com"); err == nil {
		t.Fatal("expected error for malformed auth value")
	}
}

func TestExplicitAuthTakesPrecedence(t *testing.T) {
	if explicitAuth("", "") != nil {
		t.Fatal("expected nil when no explicit credentials are set")
	}
	a := explicitAuth("bob", "secret")
	basic, ok := a.(*authn.Basic)
	if !ok || basic.Username != "bob" || basic.Password != "secret" {
		t.Fatalf("got %+v, want bob/secret", a)
	}

	dir := t.TempDir()
	t.Setenv("XDG_RUNTIME_DIR", "")
	t.Setenv("DOCKER_CONFIG", dir)
	encoded := base64.StdEncoding.EncodeToString([]byte("carol:from-file"))
	writeJSON(t, filepath.Join(dir, "config.json"), `{"auths":{"registry.example.com":{"auth":"`+encoded+`"}}}`)

	a, err := resolveImageAuth("registry.example.com", &catalog.ImageRef{Username: "bob", Password: "secret"})
	if err != nil {
		t.Fatalf("resolveImageAuth: %v", err)
	}
	basic, ok = a.(*authn.Basic)
	if !ok || basic.Username != "bob" || basic.Password != "secret" {
		t.Fatalf("got %+v, want explicit bob/secret over file credentials", a)
	}
}

func writeJSON(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
