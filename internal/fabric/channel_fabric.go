package fabric

import (
	"context"
	"fmt"
	"sync"
)

// NewChannelFabricSet builds size Fabric instances sharing a single
// in-process hub: every master is a goroutine, every collective and
// point-to-point call is a channel operation. This is the default fabric,
// grounded on other_examples/dedis-tlc's goroutine+channel peer model (its
// doc comment: "usable ... using only goroutines and channels for
// communication"). Because all peers share one address space, windows are
// plain mutex-guarded byte slices rather than real RDMA-exposed memory;
// Put/Get complete synchronously, so OpenEpoch/Close exist only to
// preserve the call-site shape a real asynchronous fabric would require.
func NewChannelFabricSet(size int) []Fabric {
	if size <= 0 {
		panic("fabric: size must be positive")
	}
	h := &hub{
		size:       size,
		mailboxes:  make(map[mailKey]chan []byte),
		windows:    make(map[string][]*windowImpl),
		barrier:    newRendezvous(size),
		broadcastR: newRendezvous(size),
		alltoallR:  newRendezvous(size),
		allgatherR: newRendezvous(size),
	}
	out := make([]Fabric, size)
	for i := 0; i < size; i++ {
		out[i] = &channelFabric{hub: h, self: Rank(i)}
	}
	return out
}

type mailKey struct {
	src, dst Rank
	tag      int
}

type hub struct {
	size int

	mbMu      sync.Mutex
	mailboxes map[mailKey]chan []byte

	winMu   sync.Mutex
	windows map[string][]*windowImpl

	barrier    *rendezvous
	broadcastR *rendezvous
	alltoallR  *rendezvous
	allgatherR *rendezvous
}

func (h *hub) mailboxFor(src, dst Rank, tag int) chan []byte {
	key := mailKey{src, dst, tag}
	h.mbMu.Lock()
	defer h.mbMu.Unlock()
	ch, ok := h.mailboxes[key]
	if !ok {
		ch = make(chan []byte, 1024)
		h.mailboxes[key] = ch
	}
	return ch
}

func (h *hub) windowSlots(name string) []*windowImpl {
	h.winMu.Lock()
	defer h.winMu.Unlock()
	slots, ok := h.windows[name]
	if !ok {
		slots = make([]*windowImpl, h.size)
		h.windows[name] = slots
	}
	return slots
}

type channelFabric struct {
	hub  *hub
	self Rank
}

func (f *channelFabric) Self() (Rank, int) { return f.self, f.hub.size }

func (f *channelFabric) Send(ctx context.Context, dst Rank, tag int, payload []byte) error {
	ch := f.hub.mailboxFor(f.self, dst, tag)
	select {
	case ch <- payload:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *channelFabric) Recv(ctx context.Context, src Rank, tag int) ([]byte, error) {
	ch := f.hub.mailboxFor(src, f.self, tag)
	select {
	case payload := <-ch:
		return payload, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *channelFabric) Barrier(ctx context.Context) error {
	_, err := f.hub.barrier.gather(ctx, f.self, nil)
	return err
}

func (f *channelFabric) Broadcast(ctx context.Context, root Rank, payload []byte) ([]byte, error) {
	var contribute []byte
	if f.self == root {
		contribute = payload
	}
	results, err := f.hub.broadcastR.gather(ctx, f.self, contribute)
	if err != nil {
		return nil, err
	}
	if int(root) < 0 || int(root) >= len(results) {
		return nil, fmt.Errorf("fabric: broadcast root %d out of range", root)
	}
	v, _ := results[root].([]byte)
	return v, nil
}

func (f *channelFabric) AllToAllV(ctx context.Context, sendPerDst [][]byte) ([][]byte, error) {
	if len(sendPerDst) != f.hub.size {
		return nil, fmt.Errorf("fabric: all-to-all-v payload length %d, want %d", len(sendPerDst), f.hub.size)
	}
	results, err := f.hub.alltoallR.gather(ctx, f.self, sendPerDst)
	if err != nil {
		return nil, err
	}
	recvPerSrc := make([][]byte, f.hub.size)
	for src, v := range results {
		fromSrc, _ := v.([][]byte)
		if fromSrc != nil && int(f.self) < len(fromSrc) {
			recvPerSrc[src] = fromSrc[f.self]
		}
	}
	return recvPerSrc, nil
}

func (f *channelFabric) AllGatherV(ctx context.Context, payload []byte) ([][]byte, error) {
	results, err := f.hub.allgatherR.gather(ctx, f.self, payload)
	if err != nil {
		return nil, err
	}
	out := make([][]byte, f.hub.size)
	for i, v := range results {
		b, _ := v.([]byte)
		out[i] = b
	}
	return out, nil
}

func (f *channelFabric) RegisterWindow(name string, buf []byte) (Window, error) {
	slots := f.hub.windowSlots(name)
	w := &windowImpl{owner: f.self, buf: buf}
	f.hub.winMu.Lock()
	slots[f.self] = w
	f.hub.winMu.Unlock()
	return w, nil
}

func (f *channelFabric) OpenEpoch(ctx context.Context, name string) (Epoch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &epochImpl{hub: f.hub, name: name}, nil
}

type windowImpl struct {
	owner Rank
	mu    sync.RWMutex
	buf   []byte
}

func (w *windowImpl) Owner() Rank { return w.owner }
func (w *windowImpl) Len() int    { return len(w.buf) }

type epochImpl struct {
	hub  *hub
	name string
}

func (e *epochImpl) window(target Rank) (*windowImpl, error) {
	slots := e.hub.windowSlots(e.name)
	if int(target) < 0 || int(target) >= len(slots) {
		return nil, fmt.Errorf("fabric: target rank %d out of range", target)
	}
	e.hub.winMu.Lock()
	w := slots[target]
	e.hub.winMu.Unlock()
	if w == nil {
		return nil, fmt.Errorf("fabric: window %q not registered by rank %d", e.name, target)
	}
	return w, nil
}

func (e *epochImpl) Put(ctx context.Context, target Rank, offset int, src []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	w, err := e.window(target)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if offset < 0 || offset+len(src) > len(w.buf) {
		return fmt.Errorf("fabric: put out of range: offset=%d len=%d window=%d", offset, len(src), len(w.buf))
	}
	copy(w.buf[offset:], src)
	return nil
}

func (e *epochImpl) Get(ctx context.Context, target Rank, offset int, dst []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	w, err := e.window(target)
	if err != nil {
		return err
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	if offset < 0 || offset+len(dst) > len(w.buf) {
		return fmt.Errorf("fabric: get out of range: offset=%d len=%d window=%d", offset, len(dst), len(w.buf))
	}
	copy(dst, w.buf[offset:offset+len(dst)])
	return nil
}

func (e *epochImpl) Close(ctx context.Context) error {
	return ctx.Err()
}

// rendezvous is a reusable generation-counted collective barrier: every
// peer contributes a value, the last arriver snapshots and resets, every
// caller (including the last arriver) receives the same snapshot in rank
// order. Barrier, Broadcast, AllToAllV, and AllGatherV are all instances of
// this one shape, matching internal/substrate/cep_protocol.go's
// accumulate-then-fire-once-complete pattern generalized from a single
// fan-in list to a full collective.
type rendezvous struct {
	mu            sync.Mutex
	cond          *sync.Cond
	size          int
	generation    int
	arrived       int
	contributions []any
	lastResult    []any
}

func newRendezvous(size int) *rendezvous {
	r := &rendezvous{size: size, contributions: make([]any, size)}
	r.cond = sync.NewCond(&r.mu)
	return r
}

func (r *rendezvous) gather(ctx context.Context, rank Rank, payload any) ([]any, error) {
	r.mu.Lock()
	gen := r.generation
	r.contributions[rank] = payload
	r.arrived++
	if r.arrived == r.size {
		result := append([]any(nil), r.contributions...)
		r.lastResult = result
		r.contributions = make([]any, r.size)
		r.arrived = 0
		r.generation++
		r.cond.Broadcast()
		r.mu.Unlock()
		return result, nil
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			r.mu.Lock()
			r.cond.Broadcast()
			r.mu.Unlock()
		case <-done:
		}
	}()
	for r.generation == gen && ctx.Err() == nil {
		r.cond.Wait()
	}
	close(done)
	advanced := r.generation != gen
	result := r.lastResult
	r.mu.Unlock()

	if !advanced {
		return nil, ctx.Err()
	}
	return result, nil
}
