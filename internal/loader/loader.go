// Package loader wraps the kernel eBPF loader: it parses an ELF object,
// loads it CO-RE style, pins the resulting program and its maps, attaches
// directly for single-program attach kinds, and refreshes kernel-derived
// program info. XDP and TC programs are loaded but not attached here — the
// dispatcher engine owns their actual kernel attach, since they are
// multiplexed behind a tail-call dispatcher rather than attached solo.
//
// Grounded on the teacher's internal/bpf/loader.go: the same
// numbered-steps Load() shape, the same "collect everything, validate,
// roll back wholesale on any failure" discipline, and the same pattern of
// pinning maps via ebpf.CollectionOptions.Maps.PinPath.
package loader

import (
	"bytes"
	"debug/elf"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	cilebpf "github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"

	"github.com/bpfman/bpfmand/internal/bpmerrors"
	"github.com/bpfman/bpfmand/internal/catalog"
	"github.com/bpfman/bpfmand/internal/mappin"
)

// NamespaceAttacher attaches a uprobe inside another mount namespace by
// delegating to the namespace-crossing helper process. Implemented by
// internal/nsattach.Client; declared here to avoid an import cycle.
type NamespaceAttacher interface {
	AttachUprobeInNamespace(req NamespaceUprobeRequest) (pinPath string, err error)
}

// NamespaceUprobeRequest is the contract the helper process accepts on
// stdin, mirrored here so the loader can build it without importing nsattach.
type NamespaceUprobeRequest struct {
	PinnedProgramPath string
	FnName            string
	Offset            uint64
	Target            string
	Retprobe          bool
	Pid               *int32
	NamespacePid      int32
}

// Request is everything the loader needs to load and, for direct-attach
// kinds, attach one program.
type Request struct {
	ELF         []byte
	ProgramName string // program (function) name selecting the program within the ELF
	Kind        catalog.ProgramKind
	MapOwnerID  *uint32
	GlobalData  map[string][]byte

	// PinRoot is the directory under which per-program and per-map-owner
	// pin paths are created, e.g. "<rtdir>/fs".
	PinRoot string

	Tracepoint *catalog.TracepointData
	Probe      *catalog.ProbeData

	Mappin    *mappin.Registry
	NSAttach  NamespaceAttacher
}

// Result is the loaded program plus everything the Manager needs to
// populate a catalog.Program's kernel-derived fields.
type Result struct {
	ProgramID uint32 // kernel-assigned id; becomes catalog.Program.Id
	Program   *cilebpf.Program
	Link      link.Link // non-nil only for Tracepoint/Kprobe/Uprobe attached in this process
	Kernel    catalog.KernelInfo
	MapPinDir string
	MapIDs    []uint32

	// NSLinkPinPath is set instead of Link for a uprobe attached inside a
	// target mount namespace by the nsattach helper process: the link
	// lives in that process's fd table, reachable here only by its pin
	// path, which Unload must remove directly rather than closing a
	// handle this process never held.
	NSLinkPinPath string

	coll *cilebpf.Collection
}

// Close releases r.Link and, unless keepProgram is true, r.Program. Safe to
// call multiple times. Callers that hand the program off to the dispatcher
// engine pass keepProgram=true so r.Program stays open. The collection's
// other programs and maps are not touched here; Load closes them itself.
func (r *Result) Close(keepProgram bool) error {
	var err error
	if r.Link != nil {
		err = r.Link.Close()
	}
	if !keepProgram && r.Program != nil {
		if cerr := r.Program.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// Load performs the full sequence described in the package doc: parse,
// resolve the map-pin directory, load CO-RE, attach directly where
// applicable, and pin the program fd. On any failure after the collection
// is loaded, every resource allocated so far is released before returning.
func Load(req Request) (res *Result, err error) {
	if len(req.ELF) == 0 {
		return nil, bpmerrors.Newf(bpmerrors.KindLoad, "empty ELF payload")
	}
	if err := checkEndianness(req.ELF); err != nil {
		return nil, bpmerrors.New(bpmerrors.KindLoad, err)
	}

	spec, err := cilebpf.LoadCollectionSpecFromReader(bytes.NewReader(req.ELF))
	if err != nil {
		return nil, bpmerrors.New(bpmerrors.KindLoad, fmt.Errorf("parse ELF: %w", err))
	}
	if len(spec.Programs) == 0 {
		return nil, bpmerrors.Newf(bpmerrors.KindLoad, "ELF contains no BPF programs")
	}

	progSpec, ok := spec.Programs[req.ProgramName]
	if !ok {
		return nil, bpmerrors.Newf(bpmerrors.KindLoad, "ELF has no program named %q", req.ProgramName)
	}

	for name, data := range req.GlobalData {
		v, ok := spec.Variables[name]
		if !ok {
			return nil, bpmerrors.Newf(bpmerrors.KindLoad, "global_data key %q has no matching variable in ELF", name)
		}
		if err := v.Set(data); err != nil {
			return nil, bpmerrors.New(bpmerrors.KindLoad, fmt.Errorf("set global_data %q: %w", name, err))
		}
	}

	pinDir, freshlyAllocated, err := resolveMapPinDir(req)
	if err != nil {
		return nil, err
	}
	// rollback tracks cleanup actions to run, in reverse order, on any
	// subsequent failure.
	var rollback []func()
	defer func() {
		if err != nil {
			for i := len(rollback) - 1; i >= 0; i-- {
				rollback[i]()
			}
		}
	}()
	if freshlyAllocated {
		rollback = append(rollback, func() { _ = os.RemoveAll(pinDir) })
	}

	for _, m := range spec.Maps {
		m.Pinning = cilebpf.PinByName
	}

	coll, err := cilebpf.NewCollectionWithOptions(spec, cilebpf.CollectionOptions{
		Maps: cilebpf.MapOptions{PinPath: pinDir},
	})
	if err != nil {
		return nil, bpmerrors.New(bpmerrors.KindLoad, fmt.Errorf("load collection: %w", err))
	}
	rollback = append(rollback, func() { coll.Close() })

	prog, ok := coll.Programs[req.ProgramName]
	if !ok {
		err = bpmerrors.Newf(bpmerrors.KindLoad, "program %q missing from loaded collection", req.ProgramName)
		return nil, err
	}
	_ = progSpec // retained for future verifier-diagnostics use

	res = &Result{Program: prog, coll: coll, MapPinDir: pinDir}
	res.ProgramID, res.Kernel, res.MapIDs, err = kernelInfoOf(prog, coll)
	if err != nil {
		return nil, err
	}

	if freshlyAllocated {
		finalDir, ferr := finalizeMapPinDir(req.PinRoot, pinDir, res.ProgramID)
		if ferr != nil {
			// pinDir still names the temp directory, so rollback removes it.
			return nil, ferr
		}
		pinDir = finalDir
		res.MapPinDir = pinDir
	}

	// Pinned before attach: a namespace-crossing uprobe attach needs the
	// pin path to hand the target process, and the id it's keyed on is
	// already known.
	if err = pinProgram(req, prog, res.ProgramID); err != nil {
		return nil, err
	}
	rollback = append(rollback, func() { _ = RemovePin(ProgramPinPath(req.PinRoot, res.ProgramID)) })

	if err = attachDirect(req, prog, res); err != nil {
		return nil, err
	}
	if res.Link != nil {
		rollback = append(rollback, func() {
			_ = res.Link.Unpin()
			_ = res.Link.Close()
		})
	}

	// The collection may contain other programs and maps this Load call
	// has no use for (the dispatcher-object ELFs are single-program, but a
	// user-supplied ELF is not guaranteed to be). Maps are already pinned
	// to bpffs, so their in-process handles are no longer needed; other
	// programs were never referenced and would otherwise leak fds.
	for name, p := range coll.Programs {
		if name != req.ProgramName {
			p.Close()
		}
	}
	for _, m := range coll.Maps {
		m.Close()
	}

	return res, nil
}

// resolveMapPinDir implements spec step 2: reuse the owner's map-pin
// directory when map_owner_id is set, otherwise allocate a fresh one.
// fresh reports whether a new directory was created (and thus must be
// removed on rollback).
func resolveMapPinDir(req Request) (dir string, fresh bool, err error) {
	if req.MapOwnerID != nil {
		d, ok := req.Mappin.Dir(*req.MapOwnerID)
		if !ok {
			return "", false, bpmerrors.Newf(bpmerrors.KindMapOwner, "map_owner_id %d does not reference a currently-loaded program", *req.MapOwnerID)
		}
		return d, false, nil
	}
	// Fresh directory: maps must be pinned before the kernel id exists, so
	// allocate a per-call-unique temp name under PinRoot here and have Load
	// rename it to "<rtdir>/fs/maps_<id>" via finalizeMapPinDir once the id
	// is known, updating Result.MapPinDir to match.
	dir, err = os.MkdirTemp(req.PinRoot, "maps_pending-")
	if err != nil {
		return "", false, bpmerrors.New(bpmerrors.KindLoad, fmt.Errorf("create map-pin dir: %w", err))
	}
	return dir, true, nil
}

// finalizeMapPinDir implements the rename resolveMapPinDir's doc promises:
// once the kernel id is known, the per-call temp directory is given its
// stable name so two owners never share a directory. Load calls it only for
// a freshly allocated directory; a directory reused from an existing owner
// keeps its name.
func finalizeMapPinDir(pinRoot, tempDir string, id uint32) (string, error) {
	finalDir := filepath.Join(pinRoot, fmt.Sprintf("maps_%d", id))
	if err := os.Rename(tempDir, finalDir); err != nil {
		return "", bpmerrors.New(bpmerrors.KindLoad, fmt.Errorf("rename map-pin dir: %w", err))
	}
	return finalDir, nil
}

func attachDirect(req Request, prog *cilebpf.Program, res *Result) error {
	switch req.Kind {
	case catalog.KindXdp, catalog.KindTc:
		// Attachment is owned by the dispatcher engine, not the loader.
		return nil

	case catalog.KindTracepoint:
		if req.Tracepoint == nil || req.Tracepoint.Tracepoint == "" {
			return bpmerrors.Newf(bpmerrors.KindInvalidArgument, "tracepoint attach requires a tracepoint name")
		}
		group, name, err := splitTracepoint(req.Tracepoint.Tracepoint)
		if err != nil {
			return bpmerrors.New(bpmerrors.KindInvalidArgument, err)
		}
		l, err := link.Tracepoint(group, name, prog, nil)
		if err != nil {
			return bpmerrors.New(bpmerrors.KindAttach, fmt.Errorf("attach tracepoint %s/%s: %w", group, name, err))
		}
		return pinLink(req, res, l)

	case catalog.KindKprobe:
		if req.Probe == nil {
			return bpmerrors.Newf(bpmerrors.KindInvalidArgument, "kprobe attach requires probe data")
		}
		if req.Probe.NamespacePid != nil {
			// The spec's open question: reject container_pid for kprobes
			// with a typed error, not a panic.
			return bpmerrors.Newf(bpmerrors.KindInvalidArgument, "kprobe attach does not support a target namespace")
		}
		if req.Probe.FnName == "" {
			return bpmerrors.Newf(bpmerrors.KindInvalidArgument, "kprobe attach requires fn_name")
		}
		var l link.Link
		var err error
		if req.Probe.Retprobe {
			l, err = link.Kretprobe(req.Probe.FnName, prog, nil)
		} else {
			l, err = link.Kprobe(req.Probe.FnName, prog, nil)
		}
		if err != nil {
			return bpmerrors.New(bpmerrors.KindAttach, fmt.Errorf("attach kprobe %s: %w", req.Probe.FnName, err))
		}
		return pinLink(req, res, l)

	case catalog.KindUprobe:
		if req.Probe == nil || req.Probe.Target == "" {
			return bpmerrors.Newf(bpmerrors.KindInvalidArgument, "uprobe attach requires a target binary/library path")
		}
		if req.Probe.NamespacePid != nil {
			if req.NSAttach == nil {
				return bpmerrors.Newf(bpmerrors.KindAttach, "uprobe requests a target namespace but no namespace helper is configured")
			}
			linkPinPath, err := req.NSAttach.AttachUprobeInNamespace(NamespaceUprobeRequest{
				PinnedProgramPath: ProgramPinPath(req.PinRoot, res.ProgramID),
				FnName:            req.Probe.FnName,
				Offset:            req.Probe.Offset,
				Target:            req.Probe.Target,
				Retprobe:          req.Probe.Retprobe,
				Pid:               req.Probe.Pid,
				NamespacePid:      *req.Probe.NamespacePid,
			})
			if err != nil {
				return bpmerrors.New(bpmerrors.KindAttach, err)
			}
			// The helper loads the pinned program from PinnedProgramPath and
			// pins the resulting link itself; there is nothing further for
			// this process to keep alive, but Unload still needs to find and
			// remove that link pin, so record its path.
			res.NSLinkPinPath = linkPinPath
			return nil
		}
		ex, err := link.OpenExecutable(req.Probe.Target)
		if err != nil {
			return bpmerrors.New(bpmerrors.KindAttach, fmt.Errorf("open executable %s: %w", req.Probe.Target, err))
		}
		opts := &link.UprobeOptions{Offset: req.Probe.Offset}
		if req.Probe.Pid != nil {
			opts.PID = int(*req.Probe.Pid)
		}
		var l link.Link
		if req.Probe.Retprobe {
			l, err = ex.Uretprobe(req.Probe.FnName, prog, opts)
		} else {
			l, err = ex.Uprobe(req.Probe.FnName, prog, opts)
		}
		if err != nil {
			return bpmerrors.New(bpmerrors.KindAttach, fmt.Errorf("attach uprobe %s: %w", req.Probe.Target, err))
		}
		return pinLink(req, res, l)

	default:
		return bpmerrors.Newf(bpmerrors.KindInvalidArgument, "unsupported kind for attach: %s", req.Kind)
	}
}

func pinProgram(req Request, prog *cilebpf.Program, id uint32) error {
	pinPath := ProgramPinPath(req.PinRoot, id)
	if err := prog.Pin(pinPath); err != nil {
		return bpmerrors.New(bpmerrors.KindLoad, fmt.Errorf("pin program: %w", err))
	}
	return nil
}

// kernelInfoOf reads back the kernel's own bookkeeping for a just-loaded
// program via cilium/ebpf's bpf_prog_get_info_by_fd wrapper: id, tag, BTF
// id, verified instruction count and map ids. GplCompatible is recorded as
// true without being read back, and LoadedAt, Jited, the jited/xlated byte
// counts and memlock are left zero; refreshing the byte counts would
// require a raw BPF_OBJ_GET_INFO_BY_FD syscall outside what cilium/ebpf
// provides, which is more machinery than the catalog's advisory sizing
// fields justify.
func kernelInfoOf(prog *cilebpf.Program, coll *cilebpf.Collection) (progID uint32, ki catalog.KernelInfo, mapIDs []uint32, err error) {
	info, err := prog.Info()
	if err != nil {
		return 0, catalog.KernelInfo{}, nil, bpmerrors.New(bpmerrors.KindLoad, fmt.Errorf("program info: %w", err))
	}
	if id, ok := info.ID(); ok {
		progID = uint32(id)
	}
	ki = catalog.KernelInfo{GplCompatible: true}
	copy(ki.Tag[:], []byte(info.Tag))
	if btfID, ok := info.BTFID(); ok {
		ki.BtfId = uint32(btfID)
	}
	if n, ok := info.VerifiedInstructions(); ok {
		ki.VerifiedInsns = n
	}

	mapIDs = make([]uint32, 0, len(coll.Maps))
	if ids, ok := info.Maps(); ok {
		for _, id := range ids {
			mapIDs = append(mapIDs, uint32(id))
		}
	} else {
		for _, m := range coll.Maps {
			if minfo, err := m.Info(); err == nil {
				if id, ok := minfo.ID(); ok {
					mapIDs = append(mapIDs, uint32(id))
				}
			}
		}
	}
	return progID, ki, mapIDs, nil
}

// ProgramPinPath is the stable bpffs path a program with the given kernel
// id is pinned under, per spec.md §6's "<rtdir>/fs/prog_<id>" layout.
func ProgramPinPath(pinRoot string, id uint32) string {
	return filepath.Join(pinRoot, fmt.Sprintf("prog_%d", id))
}

// LinkPinPath is the stable bpffs path a direct-attach kind's link is
// pinned under. A bpf_link that is not pinned detaches the instant this
// process's fd table is torn down, which would mean every kprobe/uprobe/
// tracepoint attachment silently disappears on daemon restart; pinning it
// alongside the program is what lets reconciliation reopen a still-live
// attachment instead of re-attaching from scratch.
func LinkPinPath(pinRoot string, id uint32) string {
	return filepath.Join(pinRoot, fmt.Sprintf("link_%d", id))
}

// pinLink pins l at res's program id and assigns it to res.Link, rolling
// back the link itself if the pin fails.
func pinLink(req Request, res *Result, l link.Link) error {
	pinPath := LinkPinPath(req.PinRoot, res.ProgramID)
	if err := l.Pin(pinPath); err != nil {
		_ = l.Close()
		return bpmerrors.New(bpmerrors.KindAttach, fmt.Errorf("pin link: %w", err))
	}
	res.Link = l
	return nil
}

// LoadPinnedLink reopens a direct-attach kind's link from its bpffs pin,
// used by restart reconciliation to recover a still-live attachment
// without re-attaching.
func LoadPinnedLink(pinPath string) (link.Link, error) {
	l, err := link.LoadPinnedLink(pinPath, nil)
	if err != nil {
		return nil, bpmerrors.New(bpmerrors.KindLoad, fmt.Errorf("load pinned link %s: %w", pinPath, err))
	}
	return l, nil
}

// LoadPinned reopens a program from its bpffs pin path. Used by restart
// reconciliation (Manager.Reconcile), which hands the live handles of
// XDP/TC programs to the dispatcher engine's Rebuild.
func LoadPinned(pinPath string) (*cilebpf.Program, error) {
	prog, err := cilebpf.LoadPinnedProgram(pinPath, nil)
	if err != nil {
		return nil, bpmerrors.New(bpmerrors.KindLoad, fmt.Errorf("load pinned program %s: %w", pinPath, err))
	}
	return prog, nil
}

// UnpinProgram closes prog and removes its bpffs pin, matching dispatcher
// engine Remove step 5 ("unpin p's program fd").
func UnpinProgram(prog *cilebpf.Program, pinPath string) error {
	closeErr := prog.Close()
	unpinErr := os.Remove(pinPath)
	if closeErr != nil {
		return bpmerrors.New(bpmerrors.KindLoad, fmt.Errorf("close program: %w", closeErr))
	}
	if unpinErr != nil && !os.IsNotExist(unpinErr) {
		return bpmerrors.New(bpmerrors.KindLoad, fmt.Errorf("remove pin %s: %w", pinPath, unpinErr))
	}
	return nil
}

// RemovePin removes a bpffs pin file whose in-process fd handle has
// already been closed (direct-attach kinds close their *cilebpf.Program
// once the kernel-held link is established, so Unload has no live handle
// to pass to UnpinProgram).
func RemovePin(pinPath string) error {
	if err := os.Remove(pinPath); err != nil && !os.IsNotExist(err) {
		return bpmerrors.New(bpmerrors.KindLoad, fmt.Errorf("remove pin %s: %w", pinPath, err))
	}
	return nil
}

func checkEndianness(raw []byte) error {
	f, err := elf.NewFile(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("parse ELF header: %w", err)
	}
	defer f.Close()

	hostIsLittle := runtime.GOARCH != "s390x" && runtime.GOARCH != "ppc64" && runtime.GOARCH != "mips" && runtime.GOARCH != "mips64"
	elfIsLittle := f.Data == elf.ELFDATA2LSB
	if hostIsLittle != elfIsLittle {
		return fmt.Errorf("ELF endianness does not match host architecture %s", runtime.GOARCH)
	}
	return nil
}

func splitTracepoint(full string) (group, name string, err error) {
	for i := 0; i < len(full); i++ {
		if full[i] == '/' {
			return full[:i], full[i+1:], nil
		}
	}
	return "", "", fmt.Errorf("tracepoint %q must be in \"group/name\" form", full)
}
