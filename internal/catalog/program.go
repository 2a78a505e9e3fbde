// Package catalog is the single source of truth for every eBPF program
// bpfmand tracks. It is an ordered, embedded key-value store
// (go.etcd.io/bbolt) keyed by kernel program id, and is the only persistent
// state bpfmand keeps across restarts — there is no JSON sidecar.
//
// Grounded on the teacher's internal/storage/bolt.go: one bbolt file,
// ACID batched writes (db.Update), read-only snapshots (db.View), a schema
// version guard, and a single bucket per logical record family.
package catalog

import (
	"time"

	"github.com/bpfman/bpfmand/internal/bpmerrors"
)

// ProgramKind tags the variant of a tracked program. Go has no payload-
// carrying sum types, so each kind's extra attributes live in their own
// struct field on Program, populated only for the matching Kind.
type ProgramKind string

const (
	KindXdp         ProgramKind = "xdp"
	KindTc          ProgramKind = "tc"
	KindTracepoint  ProgramKind = "tracepoint"
	KindKprobe      ProgramKind = "kprobe"
	KindUprobe      ProgramKind = "uprobe"
	KindUnsupported ProgramKind = "unsupported"
)

// TcDirection is the TC attach direction.
type TcDirection string

const (
	TcIngress TcDirection = "ingress"
	TcEgress  TcDirection = "egress"
)

// PullPolicy governs whether an ImageRef location re-pulls on Load.
type PullPolicy string

const (
	PullAlways       PullPolicy = "always"
	PullIfNotPresent PullPolicy = "if_not_present"
	PullNever        PullPolicy = "never"
)

// ProceedOnAction is a dispatcher continuation code. The valid members of
// the set differ by ProgramKind (Xdp vs Tc); ValidateProceedOn validates
// against the caller-supplied kind.
type ProceedOnAction string

const (
	ActionAborted          ProceedOnAction = "aborted"
	ActionDrop             ProceedOnAction = "drop"
	ActionPass             ProceedOnAction = "pass"
	ActionTx               ProceedOnAction = "tx"
	ActionRedirect         ProceedOnAction = "redirect"
	ActionDispatcherReturn ProceedOnAction = "dispatcher_return"

	ActionUnspec      ProceedOnAction = "unspec"
	ActionOk          ProceedOnAction = "ok"
	ActionReclassify  ProceedOnAction = "reclassify"
	ActionShot        ProceedOnAction = "shot"
	ActionPipe        ProceedOnAction = "pipe"
	ActionStolen      ProceedOnAction = "stolen"
	ActionQueued      ProceedOnAction = "queued"
	ActionRepeat      ProceedOnAction = "repeat"
	ActionTrap        ProceedOnAction = "trap"
)

var xdpActions = map[ProceedOnAction]struct{}{
	ActionAborted: {}, ActionDrop: {}, ActionPass: {}, ActionTx: {},
	ActionRedirect: {}, ActionDispatcherReturn: {},
}

var tcActions = map[ProceedOnAction]struct{}{
	ActionUnspec: {}, ActionOk: {}, ActionReclassify: {}, ActionShot: {},
	ActionPipe: {}, ActionStolen: {}, ActionQueued: {}, ActionRepeat: {},
	ActionRedirect: {}, ActionTrap: {}, ActionDispatcherReturn: {},
}

// ValidateProceedOn rejects duplicates and names unknown to kind's action set.
func ValidateProceedOn(kind ProgramKind, actions []ProceedOnAction) error {
	var universe map[ProceedOnAction]struct{}
	switch kind {
	case KindXdp:
		universe = xdpActions
	case KindTc:
		universe = tcActions
	default:
		return errInvalidArg("proceed-on is only valid for xdp and tc programs")
	}
	seen := make(map[ProceedOnAction]struct{}, len(actions))
	for _, a := range actions {
		if _, ok := universe[a]; !ok {
			return errInvalidArg("unknown proceed-on action %q for kind %s", a, kind)
		}
		if _, dup := seen[a]; dup {
			return errInvalidArg("duplicate proceed-on action %q", a)
		}
		seen[a] = struct{}{}
	}
	return nil
}

// Location is where a program's bytecode comes from: either a local
// filesystem path or a content-addressed OCI image reference.
type Location struct {
	// Exactly one of FilePath or Image is set.
	FilePath string
	Image    *ImageRef
}

// ImageRef identifies OCI-packaged bytecode and how to resolve credentials.
type ImageRef struct {
	URL        string
	PullPolicy PullPolicy
	Username   string // never echoed back in RPC responses
	Password   string // never echoed back in RPC responses
}

// KernelInfo holds attributes populated by the kernel on load — refreshed
// from the kernel and compared against the catalog on reconciliation.
type KernelInfo struct {
	LoadedAt        time.Time
	Tag             [8]byte
	GplCompatible   bool
	MapIds          []uint32
	BtfId           uint32
	BytesXlated     uint32
	Jited           bool
	BytesJited      uint32
	BytesMemlock    uint32
	VerifiedInsns   uint32
}

// XdpTcData holds the fields shared by XDP and TC kind-specific data.
type XdpTcData struct {
	Iface           string
	Priority        int32
	ProceedOn       []ProceedOnAction
	CurrentPosition *uint32 // nil unless attached via a dispatcher
	Attached        bool
	IfIndex         uint32
	Direction       TcDirection // zero value for XDP
}

// TracepointData holds tracepoint-kind attributes.
type TracepointData struct {
	Tracepoint string
}

// ProbeData holds the attributes shared by kprobes and uprobes.
type ProbeData struct {
	FnName       string // kprobe target function, or uprobe symbol if set
	Offset       uint64
	Retprobe     bool
	Target       string  // uprobe: binary/library path
	Pid          *int32  // optional target pid
	NamespacePid *int32  // optional: attach inside this pid's mount namespace
}

// Program is the tracked entity: the flattened union of every attribute
// spec.md §3 assigns to a loaded (or Unsupported/observed) eBPF program.
type Program struct {
	// Identity.
	Id   uint32 // kernel-assigned, never chosen by the daemon
	Name string

	Kind     ProgramKind
	Location Location

	// User data.
	Metadata    map[string]string
	GlobalData  map[string][]byte
	MapOwnerId  *uint32
	Owner       string // uid of the RPC caller that submitted Load; audit only

	// Kind-specific data — only the field matching Kind is populated.
	XdpTc      *XdpTcData
	Tracepoint *TracepointData
	Probe      *ProbeData

	// Kernel-derived, populated on load.
	Kernel KernelInfo

	// Paths.
	MapPinDir  string
	MapsUsedBy []uint32

	// NSLinkPinPath is set only for a Uprobe attached inside a target
	// mount namespace: the bpf_link lives in the nsattach helper
	// process's fd table, reachable from here only by this pin path.
	NSLinkPinPath string
}

// AttachPointKey identifies an XDP/TC attach point. Only Xdp and Tc kinds
// produce one; other kinds have no dispatcher and Key() reports ok == false.
type AttachPointKey struct {
	Kind      ProgramKind // KindXdp or KindTc
	IfIndex   uint32
	Direction TcDirection // zero value for Xdp
}

// Key computes p's attach-point key. ok is false for kinds with no
// dispatcher (Tracepoint, Kprobe, Uprobe, Unsupported).
func (p *Program) Key() (key AttachPointKey, ok bool) {
	if p.XdpTc == nil || (p.Kind != KindXdp && p.Kind != KindTc) {
		return AttachPointKey{}, false
	}
	return AttachPointKey{Kind: p.Kind, IfIndex: p.XdpTc.IfIndex, Direction: p.XdpTc.Direction}, true
}

// Priority returns the dispatcher ordering priority for XDP/TC programs.
// Callers must only call this when p.Key() reports ok.
func (p *Program) Priority() int32 {
	return p.XdpTc.Priority
}

// Redacted returns a shallow copy of p with any OCI registry credentials
// blanked. Every response path out of the manager (Load/Get/List) must
// return this instead of p itself: credentials are never echoed back.
func (p *Program) Redacted() *Program {
	cp := *p
	if p.Location.Image != nil {
		img := *p.Location.Image
		img.Username = ""
		img.Password = ""
		cp.Location.Image = &img
	}
	return &cp
}

func errInvalidArg(format string, args ...any) error {
	return bpmerrors.Newf(bpmerrors.KindInvalidArgument, format, args...)
}
