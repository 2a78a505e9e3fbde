package manager

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	cilebpf "github.com/cilium/ebpf"
	"go.uber.org/zap"

	"github.com/bpfman/bpfmand/internal/bpmerrors"
	"github.com/bpfman/bpfmand/internal/catalog"
	"github.com/bpfman/bpfmand/internal/loader"
)

// Reconcile rebuilds the dispatcher engine and map-pin registry from the
// catalog, and repairs the divergence a crash between a program's in-kernel
// load and its catalog commit can leave behind, per spec.md §3 and §4.4's
// "rebuild on restart". It must complete before the RPC surface is enabled
// — Run's queue should not start draining commands until this returns.
func (m *Manager) Reconcile() error {
	progs, err := m.catalog.ScanAll()
	if err != nil {
		return err
	}

	byKey := make(map[catalog.AttachPointKey][]*catalog.Program)
	dispatcherHandles := make(map[uint32]*cilebpf.Program)
	ownerDirs := make(map[uint32]string)
	borrowers := make(map[uint32][]uint32)
	var stale []uint32
	catalogIDs := make(map[uint32]struct{}, len(progs))

	for _, p := range progs {
		catalogIDs[p.Id] = struct{}{}

		prog, err := loader.LoadPinned(loader.ProgramPinPath(m.cfg.PinRoot, p.Id))
		if err != nil {
			m.log.Warn("catalog entry has no kernel-resident program, purging", zap.Uint32("id", p.Id), zap.Error(err))
			stale = append(stale, p.Id)
			continue
		}

		if key, ok := p.Key(); ok {
			byKey[key] = append(byKey[key], p)
			dispatcherHandles[p.Id] = prog
		} else if p.NSLinkPinPath != "" {
			if err := m.verifyNamespaceLink(p, prog); err != nil {
				m.log.Warn("namespace-attached link pin is gone, marking unsupported", zap.Uint32("id", p.Id), zap.Error(err))
				p.Kind = catalog.KindUnsupported
				if err := m.catalog.PutProgram(p); err != nil {
					return fmt.Errorf("mark program %d unsupported: %w", p.Id, err)
				}
			}
		} else if err := m.reopenDirectLink(p, prog); err != nil {
			m.log.Warn("reopen direct-attach link, marking unsupported", zap.Uint32("id", p.Id), zap.Error(err))
			p.Kind = catalog.KindUnsupported
			if err := m.catalog.PutProgram(p); err != nil {
				return fmt.Errorf("mark program %d unsupported: %w", p.Id, err)
			}
		}

		if p.MapOwnerId != nil {
			borrowers[*p.MapOwnerId] = append(borrowers[*p.MapOwnerId], p.Id)
		} else if p.MapPinDir != "" {
			ownerDirs[p.Id] = p.MapPinDir
		}
	}

	for _, id := range stale {
		if err := m.catalog.DeleteProgram(id); err != nil {
			return fmt.Errorf("purge stale catalog entry %d: %w", id, err)
		}
	}

	for key, keyProgs := range byKey {
		handles := make(map[uint32]*cilebpf.Program, len(keyProgs))
		for _, p := range keyProgs {
			handles[p.Id] = dispatcherHandles[p.Id]
		}
		if err := m.engine.Rebuild(key, keyProgs, handles); err != nil {
			return bpmerrors.New(bpmerrors.KindDispatcher, fmt.Errorf("rebuild dispatcher for attach point %+v: %w", key, err))
		}
	}

	m.mappin.Rebuild(ownerDirs, borrowers)

	return m.markUnpinnedAsUnsupported(catalogIDs)
}

// reopenDirectLink reopens the pinned bpf_link for a direct-attach kind
// program (Tracepoint/Kprobe/Uprobe) and closes prog, the program fd
// Reconcile already reopened to confirm kernel residency — mirroring
// doLoad's post-attach handle lifecycle, only the link needs to stay open
// to keep the attachment live.
func (m *Manager) reopenDirectLink(p *catalog.Program, prog *cilebpf.Program) error {
	l, err := loader.LoadPinnedLink(loader.LinkPinPath(m.cfg.PinRoot, p.Id))
	if cerr := prog.Close(); cerr != nil {
		m.log.Warn("close reopened program fd after link recovery", zap.Uint32("id", p.Id), zap.Error(cerr))
	}
	if err != nil {
		return err
	}
	m.handles[p.Id] = l
	return nil
}

// verifyNamespaceLink confirms a namespace-crossing uprobe's link pin still
// exists. There is no in-process link.Link for this kind — the fd lives in
// the nsattach helper's table — so reconciliation can only check the pin
// survived, not reopen anything into m.handles.
func (m *Manager) verifyNamespaceLink(p *catalog.Program, prog *cilebpf.Program) error {
	if cerr := prog.Close(); cerr != nil {
		m.log.Warn("close reopened program fd after namespace link check", zap.Uint32("id", p.Id), zap.Error(cerr))
	}
	if _, err := os.Stat(p.NSLinkPinPath); err != nil {
		return err
	}
	return nil
}

// markUnpinnedAsUnsupported scans PinRoot for program pins the catalog does
// not know about — the kernel-present-but-uncataloged half of spec.md §3's
// crash-recovery rule, covering a crash between the loader's pin step and
// the catalog commit on an earlier run. Each orphan is recorded as a
// KindUnsupported catalog entry rather than torn down: spec.md's §4.5 List
// bpfman_only filter exists precisely to let callers hide these while still
// letting an operator see and manually clean them up.
func (m *Manager) markUnpinnedAsUnsupported(catalogIDs map[uint32]struct{}) error {
	entries, err := os.ReadDir(m.cfg.PinRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return bpmerrors.New(bpmerrors.KindLoad, fmt.Errorf("scan pin root %s: %w", m.cfg.PinRoot, err))
	}
	for _, e := range entries {
		id, ok := parseProgPinName(e.Name())
		if !ok {
			continue
		}
		if _, known := catalogIDs[id]; known {
			continue
		}
		p := &catalog.Program{Id: id, Name: e.Name(), Kind: catalog.KindUnsupported}
		if err := m.catalog.PutProgram(p); err != nil {
			return fmt.Errorf("record orphaned pin %s as unsupported: %w", e.Name(), err)
		}
	}
	return nil
}

func parseProgPinName(name string) (id uint32, ok bool) {
	const prefix = "prog_"
	if !strings.HasPrefix(name, prefix) {
		return 0, false
	}
	n, err := strconv.ParseUint(strings.TrimPrefix(name, prefix), 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(n), true
}
