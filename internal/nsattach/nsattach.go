// Package nsattach lets bpfmand attach a uprobe inside a target process's
// mount namespace without the daemon itself ever changing namespace: it
// execs the bpfman-ns helper binary and exchanges a single JSON request and
// response over the child's stdin/stdout. The helper does the actual
// setns/attach/pin dance and exits; bpfmand only relays the pin path it
// reports back.
//
// Grounded on original_source/bpfman-ns/src/main.rs for the protocol shape
// (one attach request in, one link pin path out) and on the teacher's
// config layer for the "decode JSON, wrap failures with a typed error"
// style — the teacher has no subprocess-RPC precedent of its own, so the
// exec/stdin/stdout framing here follows that same plain-JSON convention
// rather than inventing a binary wire format.
package nsattach

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"time"

	"github.com/bpfman/bpfmand/internal/bpmerrors"
	"github.com/bpfman/bpfmand/internal/loader"
)

// Request is the JSON request bpfman-ns reads from stdin. Field names are
// fixed by the wire contract between this package and cmd/bpfman-ns; both
// sides must change together.
type Request struct {
	PinnedProgramPath string `json:"pinned_program_path"`
	FnName            string `json:"fn_name"`
	Offset            uint64 `json:"offset"`
	Target            string `json:"target"`
	Retprobe          bool   `json:"retprobe"`
	Pid               *int32 `json:"pid,omitempty"`
	NamespacePid      int32  `json:"namespace_pid"`
}

// Response is the JSON response bpfman-ns writes to stdout. Exactly one of
// PinPath or Err is populated.
type Response struct {
	PinPath string `json:"pin_path,omitempty"`
	Err     string `json:"err,omitempty"`
}

// Client execs HelperPath once per call to attach a uprobe in another mount
// namespace. It implements loader.NamespaceAttacher.
type Client struct {
	// HelperPath is the path to the bpfman-ns binary.
	HelperPath string
	// Timeout bounds the helper's run; zero means no timeout.
	Timeout time.Duration
}

// NewClient returns a Client invoking the helper binary at helperPath.
func NewClient(helperPath string, timeout time.Duration) *Client {
	return &Client{HelperPath: helperPath, Timeout: timeout}
}

// AttachUprobeInNamespace implements loader.NamespaceAttacher.
func (c *Client) AttachUprobeInNamespace(req loader.NamespaceUprobeRequest) (string, error) {
	ctx := context.Background()
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	payload, err := json.Marshal(Request{
		PinnedProgramPath: req.PinnedProgramPath,
		FnName:            req.FnName,
		Offset:            req.Offset,
		Target:            req.Target,
		Retprobe:          req.Retprobe,
		Pid:               req.Pid,
		NamespacePid:      req.NamespacePid,
	})
	if err != nil {
		return "", bpmerrors.New(bpmerrors.KindAttach, fmt.Errorf("marshal nsattach request: %w", err))
	}

	cmd := exec.CommandContext(ctx, c.HelperPath)
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", bpmerrors.New(bpmerrors.KindAttach, fmt.Errorf("run %s: %w (stderr: %s)", c.HelperPath, err, stderr.String()))
	}

	var resp Response
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return "", bpmerrors.New(bpmerrors.KindAttach, fmt.Errorf("decode nsattach response: %w (stderr: %s)", err, stderr.String()))
	}
	if resp.Err != "" {
		return "", bpmerrors.Newf(bpmerrors.KindAttach, "namespace uprobe attach: %s", resp.Err)
	}
	return resp.PinPath, nil
}
