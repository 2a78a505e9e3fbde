package dispatcher

import (
	"fmt"

	cilebpf "github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"

	"github.com/bpfman/bpfmand/internal/bpmerrors"
	"github.com/bpfman/bpfmand/internal/catalog"
)

// KernelAttacher performs the actual kernel-side attach/replace for a
// dispatcher program. Abstracted behind an interface so tests can swap in
// a fake that never touches the network stack — Insert/Remove's ordering
// and bookkeeping logic is what this package tests, not live kernel attach.
type KernelAttacher interface {
	// Attach installs prog as the sole dispatcher on the given attach
	// point. Used the first time a key gets a dispatcher.
	Attach(key catalog.AttachPointKey, prog *cilebpf.Program) (link.Link, error)

	// Replace atomically swaps the program behind an existing link
	// without a detach window, used on every capacity-class change.
	Replace(existing link.Link, prog *cilebpf.Program) error
}

// linkAttacher is the production KernelAttacher, grounded on
// cilium/ebpf/link's XDP and TCX attach primitives: link.AttachXDP installs
// via bpf_link, and replacing the program behind an established Link (via
// link.Link's Update) is the atomic swap the kernel provides — there is no
// observable gap where the interface has no dispatcher installed.
type linkAttacher struct{}

// NewLinkAttacher returns the real, kernel-touching KernelAttacher.
func NewLinkAttacher() KernelAttacher { return linkAttacher{} }

func (linkAttacher) Attach(key catalog.AttachPointKey, prog *cilebpf.Program) (link.Link, error) {
	switch key.Kind {
	case catalog.KindXdp:
		l, err := link.AttachXDP(link.XDPOptions{
			Program:   prog,
			Interface: int(key.IfIndex),
		})
		if err != nil {
			return nil, bpmerrors.New(bpmerrors.KindAttach, fmt.Errorf("attach xdp dispatcher to ifindex %d: %w", key.IfIndex, err))
		}
		return l, nil

	case catalog.KindTc:
		attach := link.AttachTCXIngress
		if key.Direction == catalog.TcEgress {
			attach = link.AttachTCXEgress
		}
		l, err := link.AttachTCX(link.TCXOptions{
			Program:   prog,
			Attach:    attach,
			Interface: int(key.IfIndex),
		})
		if err != nil {
			return nil, bpmerrors.New(bpmerrors.KindAttach, fmt.Errorf("attach tc dispatcher to ifindex %d (%s): %w", key.IfIndex, key.Direction, err))
		}
		return l, nil

	default:
		return nil, bpmerrors.Newf(bpmerrors.KindInvalidArgument, "attach-point kind %s has no dispatcher", key.Kind)
	}
}

func (linkAttacher) Replace(existing link.Link, prog *cilebpf.Program) error {
	if err := existing.Update(prog); err != nil {
		return bpmerrors.New(bpmerrors.KindAttach, fmt.Errorf("replace dispatcher program: %w", err))
	}
	return nil
}
