package dispatcher

import (
	"fmt"
	"path/filepath"

	cilebpf "github.com/cilium/ebpf"

	"github.com/bpfman/bpfmand/internal/bpmerrors"
	"github.com/bpfman/bpfmand/internal/catalog"
)

// jmpTableMapName and dispatcherProgramName are the fixed object names the
// prebuilt per-capacity-class dispatcher ELFs are expected to export.
// Non-goals (spec.md §1) rule out generating this bytecode at runtime —
// these objects are build-time inputs living under Dispatcher.DispatcherImageDir.
const (
	jmpTableMapName       = "jmp_table"
	dispatcherProgramName = "dispatcher"
)

// dispatcherObject is a loaded, not-yet-attached dispatcher: the tail-call
// program plus the prog-array map the engine populates with member fds.
type dispatcherObject struct {
	coll     *cilebpf.Collection
	program  *cilebpf.Program
	jmpTable *cilebpf.Map
	class    int
}

func (d *dispatcherObject) Close() {
	if d == nil || d.coll == nil {
		return
	}
	d.coll.Close()
}

// objectFileName returns the prebuilt ELF name for a capacity class,
// e.g. "xdp_dispatcher_4.o" or "tc_dispatcher_16.o".
func objectFileName(kind catalog.ProgramKind, class int) (string, error) {
	switch kind {
	case catalog.KindXdp:
		return fmt.Sprintf("xdp_dispatcher_%d.o", class), nil
	case catalog.KindTc:
		return fmt.Sprintf("tc_dispatcher_%d.o", class), nil
	default:
		return "", bpmerrors.Newf(bpmerrors.KindInvalidArgument, "kind %s has no dispatcher object", kind)
	}
}

// loadDispatcherObject loads the prebuilt dispatcher ELF for (kind, class)
// from dir and returns its single program and prog-array map, unattached.
func loadDispatcherObject(dir string, kind catalog.ProgramKind, class int) (*dispatcherObject, error) {
	name, err := objectFileName(kind, class)
	if err != nil {
		return nil, err
	}
	path := filepath.Join(dir, name)

	spec, err := cilebpf.LoadCollectionSpec(path)
	if err != nil {
		return nil, bpmerrors.New(bpmerrors.KindLoad, fmt.Errorf("load dispatcher spec %s: %w", path, err))
	}

	coll, err := cilebpf.NewCollection(spec)
	if err != nil {
		return nil, bpmerrors.New(bpmerrors.KindLoad, fmt.Errorf("load dispatcher collection %s: %w", path, err))
	}

	prog, ok := coll.Programs[dispatcherProgramName]
	if !ok {
		coll.Close()
		return nil, bpmerrors.Newf(bpmerrors.KindLoad, "%s: missing program %q", path, dispatcherProgramName)
	}
	jmp, ok := coll.Maps[jmpTableMapName]
	if !ok {
		coll.Close()
		return nil, bpmerrors.Newf(bpmerrors.KindLoad, "%s: missing map %q", path, jmpTableMapName)
	}
	if jmp.Type() != cilebpf.ProgramArray {
		coll.Close()
		return nil, bpmerrors.Newf(bpmerrors.KindLoad, "%s: %q is not a BPF_MAP_TYPE_PROG_ARRAY", path, jmpTableMapName)
	}

	return &dispatcherObject{coll: coll, program: prog, jmpTable: jmp, class: class}, nil
}

// populate writes member program fds into jmp_table slots starting at
// startSlot, in order, matching the dispatcher's compiled-in sequential
// tail-call slots. Callers repopulating only a suffix of the member list
// (Insert/Remove's "positions [pos(p) .. end)" step) pass the true starting
// position so earlier, unaffected slots are left untouched.
func (d *dispatcherObject) populate(startSlot int, progs []*catalog.Program, fds map[uint32]*cilebpf.Program) error {
	for i, p := range progs {
		slot := startSlot + i
		fd, ok := fds[p.Id]
		if !ok {
			return bpmerrors.Newf(bpmerrors.KindInternal, "no live program handle for id %d", p.Id)
		}
		if err := d.jmpTable.Update(uint32(slot), uint32(fd.FD()), cilebpf.UpdateAny); err != nil {
			return bpmerrors.New(bpmerrors.KindDispatcher, fmt.Errorf("populate jmp_table[%d]=id %d: %w", slot, p.Id, err))
		}
	}
	return nil
}
