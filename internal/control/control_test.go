package control

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"distsim/internal/agentstore"
	"distsim/internal/engine"
	"distsim/internal/fabric"
	"distsim/internal/gid"
	"distsim/internal/metaevo"
	"distsim/internal/router"
	"distsim/internal/types"
	"distsim/internal/window"
)

func encodeInt64(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}

func decodeInt64(b []byte) int64 { return int64(binary.BigEndian.Uint64(b)) }

func counterRegistry(t *testing.T) *types.Registry {
	t.Helper()
	r := types.NewRegistry()
	if err := r.RegisterAgentType(types.AgentTypeDescriptor{
		ID:   0,
		Name: "Counter",
		Fields: []types.FieldDescriptor{
			{Name: "v", Offset: 0, Size: 8, Shape: types.ScalarShape(types.Int64), Qualifier: types.PublicNonCritical},
		},
	}); err != nil {
		t.Fatalf("register agent type: %v", err)
	}
	return r
}

type rankRig struct {
	plane *Plane
	store *agentstore.Store
	owner *agentstore.OwnerMap
	sched *engine.Scheduler
}

func buildRig(t *testing.T, fab fabric.Fabric, rank gid.MasterID, totalMasters int, registry *types.Registry, exp Exporter) *rankRig {
	t.Helper()
	store := agentstore.NewStore(rank, totalMasters, 1, 2)
	owner := agentstore.NewOwnerMap()
	win := window.NewLayer(fab, registry, owner, 1)
	if err := win.Rebuild(context.Background()); err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	rtr := router.New(fab, owner, nil)
	planner := metaevo.New(fab, rank, totalMasters, 1, registry, store, owner, nil, nil)
	sched := engine.New(fab, rank, totalMasters, 1, registry, store, owner, win, rtr, planner, nil)
	plane := New(fab, rank, totalMasters, sched, planner, win, store, owner, exp, nil)
	return &rankRig{plane: plane, store: store, owner: owner, sched: sched}
}

// stubExporter records what it was asked to export, standing in for
// internal/snapshot's Exporter so these tests need no real snapshot.
type stubExporter struct {
	merged []byte
	kind   string
	path   string
}

func (s *stubExporter) LocalSnapshot(ctx context.Context) ([]byte, error) {
	return []byte("x"), nil
}

func (s *stubExporter) WriteMerged(ctx context.Context, kind, path string, perMaster [][]byte) error {
	s.kind, s.path = kind, path
	for _, b := range perMaster {
		s.merged = append(s.merged, b...)
	}
	return nil
}

func (s *stubExporter) Convert(ctx context.Context, in, out string) error {
	s.path = out
	return nil
}

type stubLoader struct {
	seeds []AgentSeed
}

func (l *stubLoader) Load(path string) ([]AgentSeed, error) {
	return l.seeds, nil
}

func TestDispatchRunAdvancesBothMasters(t *testing.T) {
	registry := counterRegistry(t)
	fabrics := fabric.NewChannelFabricSet(2)
	exp := &stubExporter{}
	r0 := buildRig(t, fabrics[0], 0, 2, registry, exp)
	r1 := buildRig(t, fabrics[1], 1, 2, registry, exp)

	id0 := gid.Encode(0, r0.store.NextLocalID(0), 1)
	r0.owner.Set(id0, 0)
	a0 := agentstore.NewAgent(id0, 0)
	a0.SetAttr(0, encodeInt64(0), false)
	if err := r0.store.Add(0, a0); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := r0.plane.win.Rebuild(context.Background()); err != nil {
		t.Fatalf("rebuild window: %v", err)
	}
	r0.sched.RegisterBehavior(0, func(bc *engine.BehaviorContext) {
		bc.SetAttr(0, encodeInt64(decodeInt64(bc.Attr(0))+1), false)
	})
	r1.sched.RegisterBehavior(0, func(bc *engine.BehaviorContext) {})

	errCh := make(chan error, 1)
	go func() { errCh <- r1.plane.ControlWait(context.Background()) }()

	resp := r0.plane.Dispatch(context.Background(), "run 2")
	if resp != "ok" {
		t.Fatalf("dispatch run: %s", resp)
	}
	if resp := r0.plane.Dispatch(context.Background(), "kill"); resp != "ok" {
		t.Fatalf("dispatch kill: %s", resp)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("control wait: %v", err)
	}

	if got := decodeInt64(a0.Attr(0)); got != 2 {
		t.Fatalf("counter = %d, want 2", got)
	}
}

func TestDispatchUnknownCommandLeavesStateUnchanged(t *testing.T) {
	registry := counterRegistry(t)
	fabrics := fabric.NewChannelFabricSet(1)
	exp := &stubExporter{}
	r0 := buildRig(t, fabrics[0], 0, 1, registry, exp)

	resp := r0.plane.Dispatch(context.Background(), "frobnicate")
	if resp == "ok" {
		t.Fatalf("expected error response for unknown command")
	}
	if r0.plane.Started() {
		t.Fatalf("unknown command must not change state")
	}
}

func TestDispatchAddAgentsMaterializesViaLoader(t *testing.T) {
	registry := counterRegistry(t)
	fabrics := fabric.NewChannelFabricSet(1)
	exp := &stubExporter{}
	r0 := buildRig(t, fabrics[0], 0, 1, registry, exp)
	r0.plane.SetLoader(&stubLoader{seeds: []AgentSeed{
		{AgentType: 0, Payload: encodeInt64(42)},
	}})

	if resp := r0.plane.Dispatch(context.Background(), "init somefile.json"); resp != "ok" {
		t.Fatalf("dispatch init: %s", resp)
	}
	if r0.store.Len() != 1 {
		t.Fatalf("expected one agent materialized, got %d", r0.store.Len())
	}
}

func TestDispatchModifyAttributeUpdatesOwningMaster(t *testing.T) {
	registry := counterRegistry(t)
	fabrics := fabric.NewChannelFabricSet(1)
	exp := &stubExporter{}
	r0 := buildRig(t, fabrics[0], 0, 1, registry, exp)

	id := gid.Encode(0, r0.store.NextLocalID(0), 1)
	r0.owner.Set(id, 0)
	a := agentstore.NewAgent(id, 0)
	if err := r0.store.Add(0, a); err != nil {
		t.Fatalf("add: %v", err)
	}

	cmd := fmt.Sprintf("modify_attribute %d 0 %s", int64(id), hex.EncodeToString(encodeInt64(9)))
	if resp := r0.plane.Dispatch(context.Background(), cmd); resp != "ok" {
		t.Fatalf("dispatch modify_attribute: %s", resp)
	}
	if got := decodeInt64(a.Attr(0)); got != 9 {
		t.Fatalf("attribute = %d, want 9", got)
	}
}

func TestDispatchExportJSONMergesEveryMaster(t *testing.T) {
	registry := counterRegistry(t)
	fabrics := fabric.NewChannelFabricSet(1)
	exp := &stubExporter{}
	r0 := buildRig(t, fabrics[0], 0, 1, registry, exp)

	if resp := r0.plane.Dispatch(context.Background(), "export_json out.json"); resp != "ok" {
		t.Fatalf("dispatch export_json: %s", resp)
	}
	if exp.kind != "json" || exp.path != "out.json" {
		t.Fatalf("exporter got kind=%s path=%s", exp.kind, exp.path)
	}
}

func TestDispatchSetNbThreadsRejectedWhileAlive(t *testing.T) {
	registry := counterRegistry(t)
	fabrics := fabric.NewChannelFabricSet(1)
	exp := &stubExporter{}
	r0 := buildRig(t, fabrics[0], 0, 1, registry, exp)

	if resp := r0.plane.Dispatch(context.Background(), "run 1"); resp != "ok" {
		t.Fatalf("dispatch run: %s", resp)
	}
	resp := r0.plane.Dispatch(context.Background(), "set_nb_threads 4")
	if resp == "ok" {
		t.Fatalf("expected set_nb_threads to be rejected while simulation is alive")
	}
}

// TestListenAndServePauseInterruptsUnboundedRun exercises the lifecycle the
// maintainers flagged as deadlocking: a no-count "run" must not starve a
// "pause" sent over a second, concurrently-accepted connection. Before
// ListenAndServe served connections on their own goroutines, this test would
// hang until its own timeout fired.
func TestListenAndServePauseInterruptsUnboundedRun(t *testing.T) {
	registry := counterRegistry(t)
	fabrics := fabric.NewChannelFabricSet(1)
	exp := &stubExporter{}
	r0 := buildRig(t, fabrics[0], 0, 1, registry, exp)
	r0.sched.RegisterBehavior(0, func(bc *engine.BehaviorContext) {})

	socketPath := filepath.Join(t.TempDir(), "control.sock")
	serveCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serveErr := make(chan error, 1)
	go func() { serveErr <- r0.plane.ListenAndServe(serveCtx, socketPath) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := os.Stat(socketPath); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for control socket")
		}
		time.Sleep(10 * time.Millisecond)
	}

	sendLine := func(line string) string {
		t.Helper()
		conn, err := net.Dial("unix", socketPath)
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		defer conn.Close()
		_ = conn.SetDeadline(time.Now().Add(2 * time.Second))
		if _, err := conn.Write([]byte(line + "\n")); err != nil {
			t.Fatalf("write %q: %v", line, err)
		}
		resp, err := bufio.NewReader(conn).ReadString('\n')
		if err != nil {
			t.Fatalf("read response to %q: %v", line, err)
		}
		return resp
	}

	runResp := make(chan string, 1)
	go func() { runResp <- sendLine("run") }()

	// Give the unbounded run a moment to actually be in flight before
	// issuing pause, so this test would hang on the old serialized accept
	// loop instead of racing past it.
	time.Sleep(50 * time.Millisecond)

	pauseDone := make(chan struct{})
	go func() {
		sendLine("pause")
		close(pauseDone)
	}()

	select {
	case <-pauseDone:
	case <-time.After(2 * time.Second):
		t.Fatal("pause command never completed: accept loop is still serialized")
	}

	select {
	case resp := <-runResp:
		if resp == "" {
			t.Fatal("run command returned no response")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("unbounded run never returned after pause")
	}

	if resp := sendLine("quit"); resp == "" {
		t.Fatal("quit command returned no response")
	}

	select {
	case err := <-serveErr:
		if err != nil {
			t.Fatalf("ListenAndServe: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ListenAndServe to return")
	}
}
