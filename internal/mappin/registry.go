// Package mappin tracks which pinned map directory is shared by which
// programs. A program that sets map_owner_id reuses the owner's map-pin
// directory instead of allocating its own; the registry refcounts that
// sharing so the directory is only removed once every borrower, and the
// owner itself, has gone away.
//
// Grounded on the teacher's internal/operator/server.go MemRegistry: a
// single RWMutex guarding a map keyed by id, entries holding the per-key
// bookkeeping struct, read accessors taking RLock, mutators taking Lock.
package mappin

import (
	"sync"

	"github.com/bpfman/bpfmand/internal/bpmerrors"
)

// entry is the bookkeeping record for one owner's map-pin directory.
type entry struct {
	dir       string
	borrowers map[uint32]struct{}
}

// Registry is the in-memory map-pin ownership tracker. Safe for concurrent
// use. The manager rebuilds it from the catalog on restart; it holds no
// state that is not otherwise recoverable from catalog.Program.MapPinDir
// and catalog.Program.MapOwnerId.
type Registry struct {
	mu     sync.RWMutex
	owners map[uint32]*entry
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{owners: make(map[uint32]*entry)}
}

// AddOwner registers ownerID as the owner of a freshly allocated map-pin
// directory. Returns an error if ownerID is already registered.
func (r *Registry) AddOwner(ownerID uint32, dir string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.owners[ownerID]; exists {
		return bpmerrors.Newf(bpmerrors.KindMapOwner, "program id %d already owns a map-pin directory", ownerID)
	}
	r.owners[ownerID] = &entry{dir: dir, borrowers: make(map[uint32]struct{})}
	return nil
}

// Borrow records borrowerID as a borrower of ownerID's map-pin directory
// and returns that directory so the caller can reuse it for borrowerID's
// own maps. Fails if ownerID is not a currently registered owner.
func (r *Registry) Borrow(ownerID, borrowerID uint32) (dir string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.owners[ownerID]
	if !ok {
		return "", bpmerrors.Newf(bpmerrors.KindMapOwner, "map_owner_id %d does not reference a currently-loaded program", ownerID)
	}
	e.borrowers[borrowerID] = struct{}{}
	return e.dir, nil
}

// HasBorrowers reports whether ownerID currently has any borrowers. Unload
// calls this before tearing down a program that is itself an owner: an
// owner with active borrowers cannot be unloaded.
func (r *Registry) HasBorrowers(ownerID uint32) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.owners[ownerID]
	return ok && len(e.borrowers) > 0
}

// ReleaseOwner removes ownerID's ownership record. It is an error to call
// this while HasBorrowers(ownerID) is true — callers must check first.
// removeDir reports whether the backing directory should now be deleted:
// true when ownerID had no borrowers, matching spec's "deferred until
// borrowers ∪ {owner} is empty" rule with the owner gone, borrowers already
// empty.
func (r *Registry) ReleaseOwner(ownerID uint32) (dir string, removeDir bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.owners[ownerID]
	if !ok {
		return "", false, bpmerrors.Newf(bpmerrors.KindMapOwner, "program id %d is not a registered map-pin owner", ownerID)
	}
	if len(e.borrowers) > 0 {
		return "", false, bpmerrors.Newf(bpmerrors.KindMapOwner, "program id %d still has %d borrower(s)", ownerID, len(e.borrowers))
	}
	delete(r.owners, ownerID)
	return e.dir, true, nil
}

// ReleaseBorrower removes borrowerID from ownerID's borrower set and returns
// the owner's directory. removeDir is always false: ReleaseOwner refuses
// while borrowers remain, so the owner's record (and its directory) outlives
// every borrower, and once ReleaseOwner has removed the record this method
// reports an unregistered owner instead.
func (r *Registry) ReleaseBorrower(ownerID, borrowerID uint32) (dir string, removeDir bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.owners[ownerID]
	if !ok {
		return "", false, bpmerrors.Newf(bpmerrors.KindMapOwner, "map_owner_id %d is not a registered owner", ownerID)
	}
	if _, borrowed := e.borrowers[borrowerID]; !borrowed {
		return "", false, bpmerrors.Newf(bpmerrors.KindMapOwner, "program id %d is not a borrower of owner %d", borrowerID, ownerID)
	}
	delete(e.borrowers, borrowerID)
	return e.dir, false, nil
}

// Dir returns the map-pin directory for a registered owner.
func (r *Registry) Dir(ownerID uint32) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.owners[ownerID]
	if !ok {
		return "", false
	}
	return e.dir, true
}

// Rebuild replaces the registry's contents from a fresh snapshot, used on
// daemon restart once the catalog has been reconciled against the kernel.
// ownerDirs maps owner id to its map-pin directory; borrowers maps owner id
// to the set of ids that reuse it.
func (r *Registry) Rebuild(ownerDirs map[uint32]string, borrowers map[uint32][]uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fresh := make(map[uint32]*entry, len(ownerDirs))
	for owner, dir := range ownerDirs {
		e := &entry{dir: dir, borrowers: make(map[uint32]struct{})}
		for _, b := range borrowers[owner] {
			e.borrowers[b] = struct{}{}
		}
		fresh[owner] = e
	}
	r.owners = fresh
}
