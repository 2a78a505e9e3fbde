// Package manager is the single-writer coordinator that serializes every
// mutation to bpfmand's tracked program state. Load, Unload, and
// PullBytecode commands arrive on a bounded channel; Manager.Run is their
// sole consumer, so catalog writes, dispatcher mutations, and map-pin
// bookkeeping are never interleaved across two commands. Get and List are
// read-only and are handled the same way for simplicity, though spec.md §5
// permits serving reads concurrently off the catalog.
//
// Grounded on the teacher's internal/kernel/events.go Processor: one
// goroutine draining a capacity-bounded channel. Adapted from a
// ring-buffer event pump (which drops events under backpressure, since a
// dropped telemetry sample is tolerable) to a command queue where no
// command may be silently dropped — Submit blocks on send instead,
// matching spec.md §5's explicit backpressure model for mutating RPCs.
package manager

import (
	"context"
	"time"

	"github.com/cilium/ebpf/link"
	"go.uber.org/zap"

	"github.com/bpfman/bpfmand/internal/bpmerrors"
	"github.com/bpfman/bpfmand/internal/catalog"
	"github.com/bpfman/bpfmand/internal/dispatcher"
	"github.com/bpfman/bpfmand/internal/imagestore"
	"github.com/bpfman/bpfmand/internal/loader"
	"github.com/bpfman/bpfmand/internal/mappin"
	"github.com/bpfman/bpfmand/internal/observability"
	"github.com/bpfman/bpfmand/internal/rpc"
)

// DefaultQueueDepth is spec.md §5's default command queue capacity.
const DefaultQueueDepth = 32

// Config is the subset of the daemon's configuration the Manager needs.
type Config struct {
	QueueDepth int
	PinRoot    string // program and map-pin directory root, e.g. "<rtdir>/fs"
	ObjectDir  string // directory holding prebuilt {xdp,tc}_dispatcher_<class>.o
}

// Manager is the sole writer of catalog state.
type Manager struct {
	cfg      Config
	catalog  *catalog.Store
	images   *imagestore.Store
	mappin   *mappin.Registry
	engine   *dispatcher.Engine
	nsattach loader.NamespaceAttacher
	log      *zap.Logger
	metrics  *observability.Metrics

	queue chan rpc.Command

	// handles holds the live kernel link for every directly-attached
	// program (Tracepoint/Kprobe/Uprobe) — the dispatcher engine retains
	// the equivalent handle for Xdp/Tc programs itself. Only ever touched
	// from within Run's single consumer goroutine, so no mutex is needed.
	handles map[uint32]link.Link
}

// New constructs a Manager. QueueDepth defaults to DefaultQueueDepth when
// cfg.QueueDepth is zero or negative.
func New(cfg Config, store *catalog.Store, images *imagestore.Store, registry *mappin.Registry, engine *dispatcher.Engine, nsattach loader.NamespaceAttacher, metrics *observability.Metrics, log *zap.Logger) *Manager {
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = DefaultQueueDepth
	}
	return &Manager{
		cfg:      cfg,
		catalog:  store,
		images:   images,
		mappin:   registry,
		engine:   engine,
		nsattach: nsattach,
		metrics:  metrics,
		log:      log,
		queue:    make(chan rpc.Command, cfg.QueueDepth),
		handles:  make(map[uint32]link.Link),
	}
}

// Submit enqueues cmd and blocks until it has been processed. Enqueue
// itself blocks when the queue is full — per spec.md §5 there is no drop
// path for mutating commands, unlike the teacher's event-queue
// backpressure. Returns ctx's error if ctx is cancelled before either the
// send or the reply completes.
func (m *Manager) Submit(ctx context.Context, cmd rpc.Command) rpc.Result {
	reply := make(chan rpc.Result, 1)
	cmd.Reply = reply

	select {
	case m.queue <- cmd:
	case <-ctx.Done():
		return rpc.Result{Err: ctx.Err()}
	}

	select {
	case res := <-reply:
		return res
	case <-ctx.Done():
		return rpc.Result{Err: ctx.Err()}
	}
}

// Run drains the command queue until ctx is cancelled, processing one
// command at a time so every mutation is linearized, per spec.md §4.4's
// atomicity requirement and §5's single-writer model.
func (m *Manager) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-m.queue:
			m.metrics.ManagerQueueDepth.Set(float64(len(m.queue)))
			start := time.Now()
			name, res := m.dispatch(ctx, cmd)
			m.metrics.ManagerCommandLatency.WithLabelValues(name).Observe(time.Since(start).Seconds())
			m.metrics.ManagerCommandsTotal.WithLabelValues(name, outcomeOf(res.Err)).Inc()
			cmd.Reply <- res
		}
	}
}

func outcomeOf(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (m *Manager) dispatch(ctx context.Context, cmd rpc.Command) (name string, res rpc.Result) {
	switch {
	case cmd.Load != nil:
		p, err := m.doLoad(cmd.Load)
		return "load", rpc.Result{Program: redactedOrNil(p), Err: err}
	case cmd.Unload != nil:
		return "unload", rpc.Result{Err: m.doUnload(cmd.Unload.Id)}
	case cmd.Get != nil:
		p, err := m.catalog.GetProgram(cmd.Get.Id)
		return "get", rpc.Result{Program: redactedOrNil(p), Err: err}
	case cmd.List != nil:
		progs, err := m.doList(cmd.List.Filter)
		return "list", rpc.Result{Programs: progs, Err: err}
	case cmd.PullBytecode != nil:
		_, err := m.images.Pull(ctx, &cmd.PullBytecode.Image)
		return "pull_bytecode", rpc.Result{Err: err}
	default:
		return "unknown", rpc.Result{Err: bpmerrors.Newf(bpmerrors.KindInvalidArgument, "command carries no operation")}
	}
}

// redactedOrNil applies Program.Redacted, tolerating a nil Program on the
// error path.
func redactedOrNil(p *catalog.Program) *catalog.Program {
	if p == nil {
		return nil
	}
	return p.Redacted()
}
