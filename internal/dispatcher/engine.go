// Package dispatcher implements the per-attach-point-key state machine that
// multiplexes multiple eBPF programs onto a single kernel hook via a
// tail-call dispatcher. One Engine tracks every attach-point key (an
// interface+direction for XDP/TC) the daemon currently manages.
//
// Grounded on the teacher's internal/escalation/state_machine.go for its
// texture — one mutex per tracked entity, atomic whole-structure
// transitions, a monotonicity-style invariant enforced inside the lock —
// adapted here from per-PID isolation state to per-attach-point dispatcher
// state. The tail-call wiring idiom (populate a BPF_MAP_TYPE_PROG_ARRAY with
// member program fds in slot order) is grounded on
// other_examples/.../cilium__pkg-bpf-collection.go.go's CILIUM_CALLS map
// handling, adapted from compile-time slot resolution to this engine's
// runtime fd population since dispatcher capacity classes are fixed,
// prebuilt objects rather than instruction-rewritten ones.
package dispatcher

import (
	"sort"
	"sync"

	cilebpf "github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"

	"github.com/bpfman/bpfmand/internal/bpmerrors"
	"github.com/bpfman/bpfmand/internal/catalog"
)

// member pairs a tracked Program with the live kernel handle for its
// program fd, which the engine must keep open to populate jmp_table slots
// and which the caller (Manager) owns the lifecycle of otherwise.
type member struct {
	prog   *catalog.Program
	handle *cilebpf.Program
}

// keyState is the dispatcher state for one attach-point key.
type keyState struct {
	mu      sync.Mutex
	members []member // sorted by (priority ASC, id ASC)
	class   int
	obj     *dispatcherObject
	link    link.Link
}

// Engine owns every attach-point key's dispatcher state.
type Engine struct {
	mu        sync.RWMutex
	keys      map[catalog.AttachPointKey]*keyState
	objectDir string
	attacher  KernelAttacher
}

// New returns an Engine that loads prebuilt dispatcher objects from
// objectDir and performs kernel attach/replace through attacher.
func New(objectDir string, attacher KernelAttacher) *Engine {
	return &Engine{
		keys:      make(map[catalog.AttachPointKey]*keyState),
		objectDir: objectDir,
		attacher:  attacher,
	}
}

func (e *Engine) stateFor(key catalog.AttachPointKey, createIfAbsent bool) *keyState {
	e.mu.RLock()
	ks, ok := e.keys[key]
	e.mu.RUnlock()
	if ok || !createIfAbsent {
		return ks
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if ks, ok := e.keys[key]; ok {
		return ks
	}
	ks = &keyState{}
	e.keys[key] = ks
	return ks
}

// Insert adds p (with its live kernel handle) to key's dispatcher, growing
// the capacity class and performing an atomic kernel-side replace when the
// current class is exhausted, per spec.md §4.4.
func (e *Engine) Insert(key catalog.AttachPointKey, p *catalog.Program, handle *cilebpf.Program) error {
	ks := e.stateFor(key, true)
	ks.mu.Lock()
	defer ks.mu.Unlock()

	members := insertSorted(ks.members, member{prog: p, handle: handle})

	newClass, err := classFor(len(members))
	if err != nil {
		return err
	}

	if ks.obj == nil || newClass != ks.class {
		if err := e.rebuildLocked(key, ks, members, newClass); err != nil {
			return err
		}
	} else {
		// Capacity suffices: rewrite tail-call entries for every position
		// from the inserted program onward so the slot sequence stays
		// contiguous with the new member in place.
		pos := indexOf(members, p.Id)
		suffix := members[pos:]
		if err := ks.obj.populate(pos, progsOf(suffix), fdsOf(suffix)); err != nil {
			return err
		}
	}

	ks.members = members
	assignPositions(ks.members)
	return nil
}

// Remove drops the program with the given id from key's dispatcher. It
// returns the removed program's live handle so the caller can close/unpin
// it, and reports whether the dispatcher itself was torn down (list empty).
func (e *Engine) Remove(key catalog.AttachPointKey, id uint32) (removed *cilebpf.Program, dispatcherTornDown bool, err error) {
	ks := e.stateFor(key, false)
	if ks == nil {
		return nil, false, bpmerrors.Newf(bpmerrors.KindDispatcher, "no dispatcher state for attach point %+v", key)
	}
	ks.mu.Lock()
	defer ks.mu.Unlock()

	pos := indexOf(ks.members, id)
	if pos < 0 {
		return nil, false, bpmerrors.Newf(bpmerrors.KindNotFound, "program id %d not present at attach point %+v", id, key)
	}
	removed = ks.members[pos].handle
	remaining := append(append([]member{}, ks.members[:pos]...), ks.members[pos+1:]...)

	if len(remaining) == 0 {
		if ks.link != nil {
			if err := ks.link.Close(); err != nil {
				return nil, false, bpmerrors.New(bpmerrors.KindAttach, err)
			}
		}
		ks.obj.Close()
		e.mu.Lock()
		delete(e.keys, key)
		e.mu.Unlock()
		return removed, true, nil
	}

	newClass, crossed, err := crossedClassBoundary(ks.class, len(remaining))
	if err != nil {
		return nil, false, err
	}
	if crossed {
		if err := e.rebuildLocked(key, ks, remaining, newClass); err != nil {
			return nil, false, err
		}
	} else if pos < len(remaining) {
		suffix := remaining[pos:]
		if err := ks.obj.populate(pos, progsOf(suffix), fdsOf(suffix)); err != nil {
			return nil, false, err
		}
	}

	ks.members = remaining
	assignPositions(ks.members)
	return removed, false, nil
}

// rebuildLocked loads a dispatcher sized for newClass, populates every
// slot, and atomically installs it in place of ks's current dispatcher
// (or performs the first-ever attach when ks.obj is nil). Must be called
// with ks.mu held.
func (e *Engine) rebuildLocked(key catalog.AttachPointKey, ks *keyState, members []member, newClass int) error {
	newObj, err := loadDispatcherObject(e.objectDir, key.Kind, newClass)
	if err != nil {
		return err
	}
	if err := newObj.populate(0, progsOf(members), fdsOf(members)); err != nil {
		newObj.Close()
		return err
	}

	if ks.link == nil {
		l, err := e.attacher.Attach(key, newObj.program)
		if err != nil {
			newObj.Close()
			return err
		}
		ks.link = l
	} else {
		if err := e.attacher.Replace(ks.link, newObj.program); err != nil {
			newObj.Close()
			return err
		}
	}

	oldObj := ks.obj
	ks.obj = newObj
	ks.class = newClass
	if oldObj != nil {
		oldObj.Close()
	}
	return nil
}

// Rebuild reconstructs key's dispatcher state from a catalog-sourced member
// list during startup reconciliation, per spec.md §4.4 "rebuild on restart".
func (e *Engine) Rebuild(key catalog.AttachPointKey, progs []*catalog.Program, handles map[uint32]*cilebpf.Program) error {
	ks := e.stateFor(key, true)
	ks.mu.Lock()
	defer ks.mu.Unlock()

	members := make([]member, 0, len(progs))
	for _, p := range progs {
		h, ok := handles[p.Id]
		if !ok {
			return bpmerrors.Newf(bpmerrors.KindInternal, "rebuild: no live handle for program id %d", p.Id)
		}
		members = append(members, member{prog: p, handle: h})
	}
	sortMembers(members)

	class, err := classFor(len(members))
	if err != nil {
		return err
	}
	if err := e.rebuildLocked(key, ks, members, class); err != nil {
		return err
	}
	ks.members = members
	assignPositions(ks.members)
	return nil
}

// insertSorted returns a new slice with m inserted, keeping the
// (priority ASC, id ASC) ordering spec.md §3 requires.
func insertSorted(members []member, m member) []member {
	out := make([]member, 0, len(members)+1)
	inserted := false
	for _, existing := range members {
		if !inserted && less(m, existing) {
			out = append(out, m)
			inserted = true
		}
		out = append(out, existing)
	}
	if !inserted {
		out = append(out, m)
	}
	return out
}

func sortMembers(members []member) {
	sort.Slice(members, func(i, j int) bool { return less(members[i], members[j]) })
}

func less(a, b member) bool {
	pa, pb := a.prog.Priority(), b.prog.Priority()
	if pa != pb {
		return pa < pb
	}
	return a.prog.Id < b.prog.Id
}

func indexOf(members []member, id uint32) int {
	for i, m := range members {
		if m.prog.Id == id {
			return i
		}
	}
	return -1
}

func assignPositions(members []member) {
	for i, m := range members {
		pos := uint32(i)
		m.prog.XdpTc.CurrentPosition = &pos
		m.prog.XdpTc.Attached = true
	}
}

func progsOf(members []member) []*catalog.Program {
	out := make([]*catalog.Program, len(members))
	for i, m := range members {
		out[i] = m.prog
	}
	return out
}

func fdsOf(members []member) map[uint32]*cilebpf.Program {
	out := make(map[uint32]*cilebpf.Program, len(members))
	for _, m := range members {
		out[m.prog.Id] = m.handle
	}
	return out
}
