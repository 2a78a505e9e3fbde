package manager

import (
	"context"
	"fmt"
	"net"
	"os"

	"go.uber.org/zap"

	"github.com/bpfman/bpfmand/internal/bpmerrors"
	"github.com/bpfman/bpfmand/internal/catalog"
	"github.com/bpfman/bpfmand/internal/loader"
	"github.com/bpfman/bpfmand/internal/rpc"
)

// doLoad implements spec.md §4.5's Load command: §4.3 (program loader),
// then §4.4 (dispatcher insert, for Xdp/Tc kinds), then the catalog batch
// write. Any failure after in-kernel state exists triggers a compensating
// teardown before the error is returned, per spec.md §7.
func (m *Manager) doLoad(req *rpc.LoadRequest) (*catalog.Program, error) {
	kind := req.Attach.Kind
	if err := validateLoadRequest(req); err != nil {
		return nil, err
	}

	elf, err := m.resolveELF(req)
	if err != nil {
		return nil, err
	}

	var ifIndex uint32
	if kind == catalog.KindXdp || kind == catalog.KindTc {
		iface, err := net.InterfaceByName(req.Attach.XdpTc.Iface)
		if err != nil {
			return nil, bpmerrors.New(bpmerrors.KindAttach, fmt.Errorf("interface %q: %w", req.Attach.XdpTc.Iface, err))
		}
		ifIndex = uint32(iface.Index)
	}

	loadReq := loader.Request{
		ELF:         elf,
		ProgramName: req.Name,
		Kind:        kind,
		MapOwnerID:  req.MapOwnerID,
		GlobalData:  req.GlobalData,
		PinRoot:     m.cfg.PinRoot,
		Tracepoint:  req.Attach.Tracepoint,
		Probe:       req.Attach.Probe,
		Mappin:      m.mappin,
		NSAttach:    m.nsattach,
	}
	res, err := loader.Load(loadReq)
	if err != nil {
		return nil, err
	}

	p := &catalog.Program{
		Id:            res.ProgramID,
		Name:          req.Name,
		Kind:          kind,
		Location:      req.Location,
		Metadata:      req.Metadata,
		GlobalData:    req.GlobalData,
		MapOwnerId:    req.MapOwnerID,
		Owner:         req.Owner,
		Tracepoint:    req.Attach.Tracepoint,
		Probe:         req.Attach.Probe,
		Kernel:        res.Kernel,
		MapPinDir:     res.MapPinDir,
		NSLinkPinPath: res.NSLinkPinPath,
	}
	if req.Attach.XdpTc != nil {
		xt := *req.Attach.XdpTc
		xt.IfIndex = ifIndex
		p.XdpTc = &xt
	}

	key, isDispatcherKind := p.Key()
	if isDispatcherKind {
		if err := m.engine.Insert(key, p, res.Program); err != nil {
			_ = loader.UnpinProgram(res.Program, loader.ProgramPinPath(m.cfg.PinRoot, p.Id))
			return nil, err
		}
	} else {
		if res.Link != nil {
			m.handles[p.Id] = res.Link
		}
		if err := res.Program.Close(); err != nil {
			m.log.Warn("close program handle after direct attach", zap.Error(err))
		}
	}

	if err := m.registerMapPin(req.MapOwnerID, p.Id, res.MapPinDir); err != nil {
		m.teardownKernelState(p, isDispatcherKind)
		return nil, err
	}

	if err := m.catalog.PutProgram(p); err != nil {
		// In-kernel state already exists; compensate per spec.md §7.
		m.teardownKernelState(p, isDispatcherKind)
		m.releaseMapPin(p)
		m.metrics.ManagerCompensatingTeardownsTotal.Inc()
		return nil, bpmerrors.New(bpmerrors.KindDatabase, fmt.Errorf("commit catalog batch for program %d, compensating unload performed: %w", p.Id, err))
	}

	return p, nil
}

func validateLoadRequest(req *rpc.LoadRequest) error {
	if (req.Location.FilePath == "") == (req.Location.Image == nil) {
		return bpmerrors.Newf(bpmerrors.KindInvalidArgument, "exactly one of file_path or image must be set")
	}
	switch req.Attach.Kind {
	case catalog.KindXdp, catalog.KindTc:
		if req.Attach.XdpTc == nil || req.Attach.XdpTc.Iface == "" {
			return bpmerrors.Newf(bpmerrors.KindInvalidArgument, "xdp/tc attach requires an interface name")
		}
		if err := catalog.ValidateProceedOn(req.Attach.Kind, req.Attach.XdpTc.ProceedOn); err != nil {
			return err
		}
	case catalog.KindTracepoint:
		if req.Attach.Tracepoint == nil || req.Attach.Tracepoint.Tracepoint == "" {
			return bpmerrors.Newf(bpmerrors.KindInvalidArgument, "tracepoint attach requires a tracepoint name")
		}
	case catalog.KindKprobe, catalog.KindUprobe:
		if req.Attach.Probe == nil {
			return bpmerrors.Newf(bpmerrors.KindInvalidArgument, "probe attach requires probe data")
		}
	default:
		return bpmerrors.Newf(bpmerrors.KindInvalidArgument, "unsupported program kind %q", req.Attach.Kind)
	}
	return nil
}

// resolveELF reads the bytecode for req.Location, pulling it through the
// image store when it names an OCI image.
func (m *Manager) resolveELF(req *rpc.LoadRequest) ([]byte, error) {
	if req.Location.Image != nil {
		bc, err := m.images.Pull(context.Background(), req.Location.Image)
		if err != nil {
			return nil, err
		}
		return bc.ELF, nil
	}
	data, err := os.ReadFile(req.Location.FilePath)
	if err != nil {
		return nil, bpmerrors.New(bpmerrors.KindLoad, fmt.Errorf("read %s: %w", req.Location.FilePath, err))
	}
	return data, nil
}

// registerMapPin implements spec.md §4.3 step 2's bookkeeping half: once
// the kernel id is known, record either a fresh ownership (no map_owner_id)
// or a borrow (map_owner_id set).
func (m *Manager) registerMapPin(mapOwnerID *uint32, id uint32, mapPinDir string) error {
	if mapOwnerID != nil {
		_, err := m.mappin.Borrow(*mapOwnerID, id)
		return err
	}
	return m.mappin.AddOwner(id, mapPinDir)
}

// releaseMapPin undoes registerMapPin's bookkeeping, removing the backing
// directory if it is now unreferenced.
func (m *Manager) releaseMapPin(p *catalog.Program) {
	var dir string
	var removeDir bool
	var err error
	if p.MapOwnerId != nil {
		dir, removeDir, err = m.mappin.ReleaseBorrower(*p.MapOwnerId, p.Id)
	} else {
		dir, removeDir, err = m.mappin.ReleaseOwner(p.Id)
	}
	if err != nil {
		m.log.Warn("release map-pin registration", zap.Error(err))
		return
	}
	if removeDir {
		if err := os.RemoveAll(dir); err != nil {
			m.log.Warn("remove map-pin directory", zap.Error(err))
		}
	}
}

// teardownKernelState reverses doLoad's in-kernel effects: dispatcher
// removal or direct-attach link close, plus the program pin.
func (m *Manager) teardownKernelState(p *catalog.Program, isDispatcherKind bool) {
	pinPath := loader.ProgramPinPath(m.cfg.PinRoot, p.Id)
	if isDispatcherKind {
		key, _ := p.Key()
		removed, _, err := m.engine.Remove(key, p.Id)
		if err != nil {
			m.log.Warn("remove program from dispatcher during teardown", zap.Error(err))
			return
		}
		if err := loader.UnpinProgram(removed, pinPath); err != nil {
			m.log.Warn("unpin program during teardown", zap.Error(err))
		}
		return
	}
	if p.NSLinkPinPath != "" {
		// The link lives in the nsattach helper's fd table; removing its
		// last reference (this pin) is the only detach this process can do.
		if err := loader.RemovePin(p.NSLinkPinPath); err != nil {
			m.log.Warn("remove namespace-attached link pin during teardown", zap.Error(err))
		}
	} else if h, ok := m.handles[p.Id]; ok {
		if err := h.Unpin(); err != nil {
			m.log.Warn("unpin direct-attach link during teardown", zap.Error(err))
		}
		if err := h.Close(); err != nil {
			m.log.Warn("close direct-attach link during teardown", zap.Error(err))
		}
		delete(m.handles, p.Id)
	}
	if err := loader.RemovePin(pinPath); err != nil {
		m.log.Warn("remove program pin during teardown", zap.Error(err))
	}
}

// doUnload implements spec.md §4.5's Unload command: §4.4 Remove (for
// Xdp/Tc) or direct-link teardown, map-pin refcount release, then catalog
// delete.
func (m *Manager) doUnload(id uint32) error {
	p, err := m.catalog.GetProgram(id)
	if err != nil {
		return err
	}
	if m.mappin.HasBorrowers(id) {
		return bpmerrors.Newf(bpmerrors.KindMapOwner, "program %d still has map-pin borrowers", id)
	}

	_, isDispatcherKind := p.Key()
	m.teardownKernelState(p, isDispatcherKind)
	m.releaseMapPin(p)

	return m.catalog.DeleteProgram(id)
}

// doList implements spec.md §4.5's List filters: program_type, the
// match_metadata subset requirement, and bpfman_only's Unsupported
// exclusion.
func (m *Manager) doList(filter rpc.ListFilter) ([]*catalog.Program, error) {
	all, err := m.catalog.ScanAll()
	if err != nil {
		return nil, err
	}
	out := make([]*catalog.Program, 0, len(all))
	for _, p := range all {
		if filter.ProgramType != nil && p.Kind != *filter.ProgramType {
			continue
		}
		if filter.BpfmanOnly && p.Kind == catalog.KindUnsupported {
			continue
		}
		if !matchesMetadata(p.Metadata, filter.MatchMetadata) {
			continue
		}
		out = append(out, p.Redacted())
	}
	return out, nil
}

func matchesMetadata(have, want map[string]string) bool {
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}
