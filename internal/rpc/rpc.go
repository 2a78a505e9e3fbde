// Package rpc defines the Go-native request/reply contract the Manager
// accepts. It carries no wire codec: framing, serialization, and transport
// are an external collaborator's concern (out of scope here, per spec.md
// §1/§6) that would translate its own wire messages to and from the types
// in this package before calling Manager.Submit.
package rpc

import "github.com/bpfman/bpfmand/internal/catalog"

// BytecodeLocation is where a program's bytecode comes from, per spec.md
// §6's Load signature. It is catalog.Location verbatim: the catalog is the
// only place this shape is defined, and Load's job is to turn one of these
// into a populated catalog.Program.
type BytecodeLocation = catalog.Location

// AttachInfo carries the kind-specific attach hints a Load caller supplies
// up front — exactly one of XdpTc/Tracepoint/Probe is populated, matching
// Kind. Fields that are only meaningful post-load (CurrentPosition,
// Attached) are ignored on input and overwritten by Load/the dispatcher.
type AttachInfo struct {
	Kind       catalog.ProgramKind
	XdpTc      *catalog.XdpTcData
	Tracepoint *catalog.TracepointData
	Probe      *catalog.ProbeData
}

// LoadRequest is spec.md §6's
// `Load(BytecodeLocation, AttachInfo, name, metadata, global_data, map_owner_id?)`.
type LoadRequest struct {
	Location   BytecodeLocation
	Attach     AttachInfo
	Name       string
	Metadata   map[string]string
	GlobalData map[string][]byte
	MapOwnerID *uint32
	Owner      string // uid of the submitting caller, audit only
}

// UnloadRequest is spec.md §6's `Unload(id)`.
type UnloadRequest struct {
	Id uint32
}

// GetRequest is spec.md §6's `Get(id)`.
type GetRequest struct {
	Id uint32
}

// ListFilter implements spec.md §4.5's List filters: program_type
// restricts by kind, match_metadata requires every (k,v) pair present and
// equal, bpfman_only excludes catalog.KindUnsupported entries.
type ListFilter struct {
	ProgramType   *catalog.ProgramKind
	MatchMetadata map[string]string
	BpfmanOnly    bool
}

// ListRequest is spec.md §6's `List(filter?)`.
type ListRequest struct {
	Filter ListFilter
}

// PullBytecodeRequest is spec.md §6's `PullBytecode(ImageRef)`.
type PullBytecodeRequest struct {
	Image catalog.ImageRef
}

// Command is the sum type the Manager's queue accepts. Exactly one of
// Load/Unload/Get/List/PullBytecode is set; Reply is filled in by
// Manager.Submit before the command is enqueued.
type Command struct {
	Load         *LoadRequest
	Unload       *UnloadRequest
	Get          *GetRequest
	List         *ListRequest
	PullBytecode *PullBytecodeRequest

	Reply chan Result
}

// Result is the sum type returned on a Command's Reply channel.
type Result struct {
	Program  *catalog.Program   // Load, Get
	Programs []*catalog.Program // List
	Err      error
}
