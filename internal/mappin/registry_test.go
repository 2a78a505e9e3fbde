package mappin

import "testing"

func TestBorrowRequiresRegisteredOwner(t *testing.T) {
	r := New()
	if _, err := r.Borrow(1, 2); err == nil {
		t.Fatal("expected error borrowing from an unregistered owner")
	}
}

func TestOwnerWithBorrowersCannotRelease(t *testing.T) {
	r := New()
	if err := r.AddOwner(1, "/run/bpfman/fs/maps/1"); err != nil {
		t.Fatalf("AddOwner: %v", err)
	}
	if _, err := r.Borrow(1, 2); err != nil {
		t.Fatalf("Borrow: %v", err)
	}
	if !r.HasBorrowers(1) {
		t.Fatal("expected owner 1 to have a borrower")
	}
	if _, _, err := r.ReleaseOwner(1); err == nil {
		t.Fatal("expected ReleaseOwner to fail while a borrower remains")
	}
}

func TestReleaseBorrowerThenOwnerRemovesDir(t *testing.T) {
	r := New()
	dir := "/run/bpfman/fs/maps/1"
	if err := r.AddOwner(1, dir); err != nil {
		t.Fatalf("AddOwner: %v", err)
	}
	if _, err := r.Borrow(1, 2); err != nil {
		t.Fatalf("Borrow: %v", err)
	}

	if _, removeDir, err := r.ReleaseBorrower(1, 2); err != nil || removeDir {
		t.Fatalf("ReleaseBorrower: removeDir=%v err=%v, want removeDir=false err=nil", removeDir, err)
	}
	if r.HasBorrowers(1) {
		t.Fatal("expected no borrowers left for owner 1")
	}

	gotDir, removeDir, err := r.ReleaseOwner(1)
	if err != nil {
		t.Fatalf("ReleaseOwner: %v", err)
	}
	if !removeDir {
		t.Fatal("expected removeDir=true once owner has no remaining borrowers")
	}
	if gotDir != dir {
		t.Fatalf("ReleaseOwner dir = %q, want %q", gotDir, dir)
	}
}

func TestRebuildRestoresOwnershipGraph(t *testing.T) {
	r := New()
	r.Rebuild(
		map[uint32]string{1: "/run/bpfman/fs/maps/1"},
		map[uint32][]uint32{1: {2, 3}},
	)
	if !r.HasBorrowers(1) {
		t.Fatal("expected rebuilt owner 1 to have borrowers")
	}
	dir, ok := r.Dir(1)
	if !ok || dir != "/run/bpfman/fs/maps/1" {
		t.Fatalf("Dir(1) = (%q, %v), want (/run/bpfman/fs/maps/1, true)", dir, ok)
	}
}

func TestAddOwnerRejectsDuplicate(t *testing.T) {
	r := New()
	if err := r.AddOwner(1, "/a"); err != nil {
		t.Fatalf("AddOwner: %v", err)
	}
	if err := r.AddOwner(1, "/b"); err == nil {
		t.Fatal("expected error re-registering an existing owner id")
	}
}
