package catalog

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/bpfman/bpfmand/internal/bpmerrors"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "catalog.db"), 2, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleProgram(id uint32) *Program {
	return &Program{
		Id:   id,
		Name: "drop-icmp",
		Kind: KindXdp,
		Location: Location{
			Image: &ImageRef{URL: "quay.io/bpfman-bytecode/xdp_pass:latest", PullPolicy: PullIfNotPresent},
		},
		Metadata: map[string]string{"owner": "test"},
		XdpTc: &XdpTcData{
			Iface:     "eth0",
			IfIndex:   2,
			Priority:  50,
			ProceedOn: []ProceedOnAction{ActionPass, ActionDispatcherReturn},
		},
	}
}

func TestStorePutGetRoundTrip(t *testing.T) {
	s := openTestStore(t)
	want := sampleProgram(7)

	if err := s.PutProgram(want); err != nil {
		t.Fatalf("PutProgram: %v", err)
	}

	got, err := s.GetProgram(7)
	if err != nil {
		t.Fatalf("GetProgram: %v", err)
	}
	if got.Name != want.Name || got.Kind != want.Kind {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, want)
	}
	if got.XdpTc == nil || got.XdpTc.Iface != "eth0" || got.XdpTc.IfIndex != 2 {
		t.Fatalf("xdp_tc round trip mismatch: %+v", got.XdpTc)
	}
	if got.Location.Image == nil || got.Location.Image.URL != want.Location.Image.URL {
		t.Fatalf("location round trip mismatch: %+v", got.Location)
	}
}

func TestStoreGetMissingReturnsNotFound(t *testing.T) {
	s := openTestStore(t)

	_, err := s.GetProgram(404)
	if kind, ok := bpmerrors.KindOf(err); !ok || kind != bpmerrors.KindNotFound {
		t.Fatalf("expected KindNotFound, got %v", err)
	}
}

func TestStoreDeleteRemovesAllFields(t *testing.T) {
	s := openTestStore(t)
	p := sampleProgram(3)
	if err := s.PutProgram(p); err != nil {
		t.Fatalf("PutProgram: %v", err)
	}

	if err := s.DeleteProgram(3); err != nil {
		t.Fatalf("DeleteProgram: %v", err)
	}

	if _, err := s.GetProgram(3); err == nil {
		t.Fatal("expected error after delete, got nil")
	}

	all, err := s.ScanAll()
	if err != nil {
		t.Fatalf("ScanAll: %v", err)
	}
	if len(all) != 0 {
		t.Fatalf("expected empty catalog after delete, got %d entries", len(all))
	}
}

func TestStoreScanAllIsSortedAndIsolatesRecords(t *testing.T) {
	s := openTestStore(t)
	for _, id := range []uint32{5, 1, 3} {
		if err := s.PutProgram(sampleProgram(id)); err != nil {
			t.Fatalf("PutProgram(%d): %v", id, err)
		}
	}

	all, err := s.ScanAll()
	if err != nil {
		t.Fatalf("ScanAll: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 programs, got %d", len(all))
	}
	for i, want := range []uint32{1, 3, 5} {
		if all[i].Id != want {
			t.Fatalf("ScanAll order[%d] = %d, want %d", i, all[i].Id, want)
		}
	}
}

func TestStoreReopenSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.db")

	s1, err := Open(path, 2, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s1.PutProgram(sampleProgram(9)); err != nil {
		t.Fatalf("PutProgram: %v", err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := Open(path, 2, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	got, err := s2.GetProgram(9)
	if err != nil {
		t.Fatalf("GetProgram after reopen: %v", err)
	}
	if got.Name != "drop-icmp" {
		t.Fatalf("unexpected program after reopen: %+v", got)
	}
}
