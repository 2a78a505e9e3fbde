package manager

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/bpfman/bpfmand/internal/bpmerrors"
	"github.com/bpfman/bpfmand/internal/catalog"
	"github.com/bpfman/bpfmand/internal/dispatcher"
	"github.com/bpfman/bpfmand/internal/imagestore"
	"github.com/bpfman/bpfmand/internal/mappin"
	"github.com/bpfman/bpfmand/internal/observability"
	"github.com/bpfman/bpfmand/internal/rpc"
)

// newTestManager wires a Manager against real (but otherwise inert)
// collaborators: a bbolt catalog in a scratch directory, an in-memory
// map-pin registry, a dispatcher engine that never attaches (tests here
// never drive a Load through the kernel loader). Sufficient for exercising
// Submit/Run's queue discipline and the catalog/mappin-only command paths.
func newTestManager(t *testing.T) *Manager {
	t.Helper()
	dir := t.TempDir()
	store, err := catalog.Open(filepath.Join(dir, "catalog.db"), 0, 0)
	if err != nil {
		t.Fatalf("open catalog: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	engine := dispatcher.New(dir, nil)
	registry := mappin.New()
	images := imagestore.New(filepath.Join(dir, "cache"))

	return New(Config{QueueDepth: 2, PinRoot: dir}, store, images, registry, engine, nil, observability.NewMetrics(), zap.NewNop())
}

func TestSubmitGetRoundTrip(t *testing.T) {
	m := newTestManager(t)
	p := &catalog.Program{Id: 7, Name: "probe", Kind: catalog.KindKprobe}
	if err := m.catalog.PutProgram(p); err != nil {
		t.Fatalf("seed catalog: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	res := m.Submit(ctx, rpc.Command{Get: &rpc.GetRequest{Id: 7}})
	if res.Err != nil {
		t.Fatalf("Submit(Get): %v", res.Err)
	}
	if res.Program == nil || res.Program.Id != 7 {
		t.Fatalf("got %+v, want program id 7", res.Program)
	}
}

func TestSubmitGetRedactsImageCredentials(t *testing.T) {
	m := newTestManager(t)
	p := &catalog.Program{
		Id:   8,
		Name: "puller",
		Kind: catalog.KindXdp,
		Location: catalog.Location{
			Image: &catalog.ImageRef{URL: "registry.example/p:latest", Username: "alice", Password: "hunter2"},
		},
	}
	if err := m.catalog.PutProgram(p); err != nil {
		t.Fatalf("seed catalog: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	res := m.Submit(ctx, rpc.Command{Get: &rpc.GetRequest{Id: 8}})
	if res.Err != nil {
		t.Fatalf("Submit(Get): %v", res.Err)
	}
	if res.Program == nil || res.Program.Location.Image == nil {
		t.Fatalf("got %+v, want a program with an image location", res.Program)
	}
	if res.Program.Location.Image.Username != "" || res.Program.Location.Image.Password != "" {
		t.Fatalf("credentials leaked in response: %+v", res.Program.Location.Image)
	}
	if stored, err := m.catalog.GetProgram(8); err != nil || stored.Location.Image.Username != "alice" {
		t.Fatalf("redaction must not mutate the stored catalog entry: %+v, %v", stored, err)
	}
}

func TestSubmitUnknownCommandCarriesNoOperation(t *testing.T) {
	m := newTestManager(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	res := m.Submit(ctx, rpc.Command{})
	if res.Err == nil {
		t.Fatal("want error for a command with no operation set")
	}
	if kind, _ := bpmerrors.KindOf(res.Err); kind != bpmerrors.KindInvalidArgument {
		t.Fatalf("got kind %v, want KindInvalidArgument", kind)
	}
}

func TestSubmitBlocksUntilRunDrainsQueue(t *testing.T) {
	m := newTestManager(t) // QueueDepth: 2
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Fill the queue without a consumer running yet.
	done := make(chan struct{}, 3)
	for i := 0; i < 3; i++ {
		go func() {
			m.Submit(ctx, rpc.Command{Get: &rpc.GetRequest{Id: 1}})
			done <- struct{}{}
		}()
	}

	// Give the goroutines time to reach their Submit calls; none can have
	// returned since nothing is draining the queue yet.
	time.Sleep(50 * time.Millisecond)
	select {
	case <-done:
		t.Fatal("Submit returned before Run started draining the queue")
	default:
	}

	go m.Run(ctx)

	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for queued Submit calls to complete")
		}
	}
}

func TestSubmitRespectsContextCancellation(t *testing.T) {
	m := newTestManager(t) // QueueDepth: 2, no Run consumer started

	ctx, cancel := context.WithCancel(context.Background())
	m.queue <- rpc.Command{Reply: make(chan rpc.Result, 1)} // saturate the queue
	m.queue <- rpc.Command{Reply: make(chan rpc.Result, 1)}

	var wg sync.WaitGroup
	wg.Add(1)
	var res rpc.Result
	go func() {
		defer wg.Done()
		res = m.Submit(ctx, rpc.Command{Get: &rpc.GetRequest{Id: 1}})
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	wg.Wait()

	if res.Err != context.Canceled {
		t.Fatalf("got err %v, want context.Canceled", res.Err)
	}
}

func TestDoListFilters(t *testing.T) {
	m := newTestManager(t)
	progs := []*catalog.Program{
		{Id: 1, Kind: catalog.KindXdp, Metadata: map[string]string{"env": "prod"}},
		{Id: 2, Kind: catalog.KindTc, Metadata: map[string]string{"env": "dev"}},
		{Id: 3, Kind: catalog.KindUnsupported},
	}
	for _, p := range progs {
		if err := m.catalog.PutProgram(p); err != nil {
			t.Fatalf("seed catalog: %v", err)
		}
	}

	out, err := m.doList(rpc.ListFilter{BpfmanOnly: true})
	if err != nil {
		t.Fatalf("doList: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("got %d programs, want 2 (unsupported excluded)", len(out))
	}

	xdp := catalog.KindXdp
	out, err = m.doList(rpc.ListFilter{ProgramType: &xdp})
	if err != nil {
		t.Fatalf("doList: %v", err)
	}
	if len(out) != 1 || out[0].Id != 1 {
		t.Fatalf("got %+v, want only program 1", out)
	}

	out, err = m.doList(rpc.ListFilter{MatchMetadata: map[string]string{"env": "dev"}})
	if err != nil {
		t.Fatalf("doList: %v", err)
	}
	if len(out) != 1 || out[0].Id != 2 {
		t.Fatalf("got %+v, want only program 2", out)
	}
}

func TestDoUnloadRejectsOwnerWithBorrowers(t *testing.T) {
	m := newTestManager(t)
	owner := &catalog.Program{Id: 10, Kind: catalog.KindUprobe, MapPinDir: "/fs/maps_10"}
	if err := m.catalog.PutProgram(owner); err != nil {
		t.Fatalf("seed catalog: %v", err)
	}
	if err := m.mappin.AddOwner(10, "/fs/maps_10"); err != nil {
		t.Fatalf("AddOwner: %v", err)
	}
	if _, err := m.mappin.Borrow(10, 11); err != nil {
		t.Fatalf("Borrow: %v", err)
	}

	err := m.doUnload(10)
	if err == nil {
		t.Fatal("want error unloading an owner with active borrowers")
	}
	if kind, _ := bpmerrors.KindOf(err); kind != bpmerrors.KindMapOwner {
		t.Fatalf("got kind %v, want KindMapOwner", kind)
	}

	// The program must still be present: the rejection happened before any
	// teardown or catalog mutation.
	if _, err := m.catalog.GetProgram(10); err != nil {
		t.Fatalf("program should remain cataloged after rejected unload: %v", err)
	}
}

func TestValidateLoadRequest(t *testing.T) {
	cases := []struct {
		name    string
		req     *rpc.LoadRequest
		wantErr bool
	}{
		{
			name:    "neither file nor image set",
			req:     &rpc.LoadRequest{Attach: rpc.AttachInfo{Kind: catalog.KindXdp, XdpTc: &catalog.XdpTcData{Iface: "eth0"}}},
			wantErr: true,
		},
		{
			name: "both file and image set",
			req: &rpc.LoadRequest{
				Location: rpc.BytecodeLocation{FilePath: "/tmp/x.o", Image: &catalog.ImageRef{URL: "example/x"}},
				Attach:   rpc.AttachInfo{Kind: catalog.KindXdp, XdpTc: &catalog.XdpTcData{Iface: "eth0"}},
			},
			wantErr: true,
		},
		{
			name: "xdp missing interface",
			req: &rpc.LoadRequest{
				Location: rpc.BytecodeLocation{FilePath: "/tmp/x.o"},
				Attach:   rpc.AttachInfo{Kind: catalog.KindXdp},
			},
			wantErr: true,
		},
		{
			name: "valid xdp request",
			req: &rpc.LoadRequest{
				Location: rpc.BytecodeLocation{FilePath: "/tmp/x.o"},
				Attach:   rpc.AttachInfo{Kind: catalog.KindXdp, XdpTc: &catalog.XdpTcData{Iface: "eth0"}},
			},
			wantErr: false,
		},
		{
			name: "tracepoint missing name",
			req: &rpc.LoadRequest{
				Location: rpc.BytecodeLocation{FilePath: "/tmp/x.o"},
				Attach:   rpc.AttachInfo{Kind: catalog.KindTracepoint, Tracepoint: &catalog.TracepointData{}},
			},
			wantErr: true,
		},
		{
			name: "unsupported kind",
			req: &rpc.LoadRequest{
				Location: rpc.BytecodeLocation{FilePath: "/tmp/x.o"},
				Attach:   rpc.AttachInfo{Kind: catalog.KindUnsupported},
			},
			wantErr: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := validateLoadRequest(tc.req)
			if (err != nil) != tc.wantErr {
				t.Fatalf("got err %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestMatchesMetadata(t *testing.T) {
	have := map[string]string{"env": "prod", "team": "net"}
	if !matchesMetadata(have, map[string]string{"env": "prod"}) {
		t.Fatal("want subset match to succeed")
	}
	if matchesMetadata(have, map[string]string{"env": "dev"}) {
		t.Fatal("want mismatched value to fail")
	}
	if matchesMetadata(have, map[string]string{"missing": "x"}) {
		t.Fatal("want missing key to fail")
	}
	if !matchesMetadata(have, nil) {
		t.Fatal("want empty filter to always match")
	}
}
