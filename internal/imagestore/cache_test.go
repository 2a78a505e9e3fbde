package imagestore

import (
	"testing"

	"github.com/bpfman/bpfmand/internal/bpmerrors"
)

func TestStoreCacheRoundTrip(t *testing.T) {
	s := New(t.TempDir())
	bc := &Bytecode{ELF: []byte{0x7f, 'E', 'L', 'F'}, ProgramName: "xdp_pass", Digest: "abc123"}
	if err := s.store("abc123", "registry.example.com/prog:v1", bc); err != nil {
		t.Fatalf("store: %v", err)
	}

	got, ok := s.loadCached("abc123")
	if !ok {
		t.Fatal("expected cache hit")
	}
	if got.ProgramName != "xdp_pass" || string(got.ELF) != string(bc.ELF) {
		t.Fatalf("got %+v, want matching %+v", got, bc)
	}

	byRef, err := s.loadCachedByRef("registry.example.com/prog:v1")
	if err != nil {
		t.Fatalf("loadCachedByRef: %v", err)
	}
	if byRef.Digest != "abc123" {
		t.Fatalf("got digest %q, want abc123", byRef.Digest)
	}
}

func TestStoreLoadCachedByRefMissingIsNotCached(t *testing.T) {
	s := New(t.TempDir())
	_, err := s.loadCachedByRef("registry.example.com/missing:v1")
	if err == nil {
		t.Fatal("expected error for uncached ref")
	}
	if kind, ok := bpmerrors.KindOf(err); !ok || kind != bpmerrors.KindImagePull {
		t.Fatalf("got kind %v (ok=%v), want KindImagePull", kind, ok)
	}
}

func TestStoreLoadCachedMissReturnsFalse(t *testing.T) {
	s := New(t.TempDir())
	if _, ok := s.loadCached("doesnotexist"); ok {
		t.Fatal("expected cache miss")
	}
}
