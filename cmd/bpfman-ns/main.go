// Command bpfman-ns is bpfmand's namespace-crossing attach helper. It
// loads a program bpfmand has already pinned to bpffs, attaches a uprobe to
// it inside a target process's mount namespace, pins the resulting link,
// and restores its own namespace before exiting. It is exec'd once per
// attach request by internal/nsattach.Client and never runs as a daemon.
//
// Grounded on original_source/bpfman-ns/src/main.rs: open both namespace
// handles before switching, setns into the target, attach, pin the link at
// "<pinned program path>_link", setns back, exit. The request/response
// framing over stdin/stdout is internal/nsattach's own — see its package
// doc for why no wire codec library is used here.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime"

	cilebpf "github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"golang.org/x/sys/unix"

	"github.com/bpfman/bpfmand/internal/nsattach"
)

func main() {
	// setns is per-OS-thread; this process does nothing else, so pin the
	// whole program to one thread for its entire life rather than only
	// around the setns calls.
	runtime.LockOSThread()

	resp := run()
	out, err := json.Marshal(resp)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bpfman-ns: marshal response: %v\n", err)
		os.Exit(1)
	}
	os.Stdout.Write(out)
	if resp.Err != "" {
		os.Exit(1)
	}
}

func run() nsattach.Response {
	reqBytes, err := io.ReadAll(os.Stdin)
	if err != nil {
		return nsattach.Response{Err: fmt.Sprintf("read request: %v", err)}
	}
	var req nsattach.Request
	if err := json.Unmarshal(reqBytes, &req); err != nil {
		return nsattach.Response{Err: fmt.Sprintf("decode request: %v", err)}
	}

	pinPath, err := attach(req)
	if err != nil {
		return nsattach.Response{Err: err.Error()}
	}
	return nsattach.Response{PinPath: pinPath}
}

func attach(req nsattach.Request) (string, error) {
	selfNs, err := os.Open(fmt.Sprintf("/proc/%d/ns/mnt", os.Getpid()))
	if err != nil {
		return "", fmt.Errorf("open own mnt namespace: %w", err)
	}
	defer selfNs.Close()

	targetNs, err := os.Open(fmt.Sprintf("/proc/%d/ns/mnt", req.NamespacePid))
	if err != nil {
		return "", fmt.Errorf("open target mnt namespace: %w", err)
	}
	defer targetNs.Close()

	prog, err := cilebpf.LoadPinnedProgram(req.PinnedProgramPath, nil)
	if err != nil {
		return "", fmt.Errorf("load pinned program %s: %w", req.PinnedProgramPath, err)
	}
	defer prog.Close()

	if err := unix.Setns(int(targetNs.Fd()), unix.CLONE_NEWNS); err != nil {
		return "", fmt.Errorf("setns into target pid %d mnt namespace: %w", req.NamespacePid, err)
	}

	l, attachErr := attachUprobe(req, prog)

	if err := unix.Setns(int(selfNs.Fd()), unix.CLONE_NEWNS); err != nil {
		// Namespace is now stuck on the target; nothing more this process
		// can do about it, but the attach result still needs reporting.
		if attachErr == nil {
			if cerr := l.Close(); cerr != nil {
				return "", fmt.Errorf("setns back to own namespace: %w (also failed closing link: %v)", err, cerr)
			}
		}
		return "", fmt.Errorf("setns back to own namespace: %w", err)
	}

	if attachErr != nil {
		return "", attachErr
	}

	pinPath := req.PinnedProgramPath + "_link"
	if err := l.Pin(pinPath); err != nil {
		_ = l.Close()
		return "", fmt.Errorf("pin link: %w", err)
	}
	return pinPath, nil
}

func attachUprobe(req nsattach.Request, prog *cilebpf.Program) (link.Link, error) {
	ex, err := link.OpenExecutable(req.Target)
	if err != nil {
		return nil, fmt.Errorf("open executable %s: %w", req.Target, err)
	}
	opts := &link.UprobeOptions{Offset: req.Offset}
	if req.Pid != nil {
		opts.PID = int(*req.Pid)
	}
	if req.Retprobe {
		return ex.Uretprobe(req.FnName, prog, opts)
	}
	return ex.Uprobe(req.FnName, prog, opts)
}
