package window

import (
	"context"
	"fmt"
	"sync"

	"distsim/internal/agentstore"
	"distsim/internal/fabric"
	"distsim/internal/gid"
	"distsim/internal/types"
)

const (
	publicWindowName   = "public"
	criticalWindowName = "critical"
)

type scratchKey struct {
	id   gid.GlobalID
	attr int
}

// Layer is the per-master Window Layer (C2): it owns this master's slice of
// the public and critical windows, the offset tables agreed with every
// peer, and the per-step scratch cache memoizing remote reads.
type Layer struct {
	fab             fabric.Fabric
	registry        *types.Registry
	owner           *agentstore.OwnerMap
	totalAgentTypes int
	size            int

	mu          sync.RWMutex
	table       *OffsetTable
	publicBuf   []byte
	criticalBuf []byte

	scratchMu sync.Mutex
	scratch   map[scratchKey][]byte
}

func NewLayer(fab fabric.Fabric, registry *types.Registry, owner *agentstore.OwnerMap, totalAgentTypes int) *Layer {
	_, size := fab.Self()
	return &Layer{
		fab:             fab,
		registry:        registry,
		owner:           owner,
		totalAgentTypes: totalAgentTypes,
		size:            size,
		scratch:         make(map[scratchKey][]byte),
	}
}

// Rebuild recomputes the offset tables from the current owner map and
// (re)allocates this master's window buffers. Called once at init and again
// whenever META_EVO changes population counts (§3 "re-planned when
// population counts change", §4.6 point 4).
func (l *Layer) Rebuild(ctx context.Context) error {
	table, err := BuildOffsetTable(l.owner, l.registry, l.totalAgentTypes, l.size)
	if err != nil {
		return err
	}

	l.mu.Lock()
	l.table = table
	l.publicBuf = make([]byte, table.PublicWindowSize)
	l.criticalBuf = make([]byte, table.CriticalWindowSize)
	l.mu.Unlock()

	if _, err := l.fab.RegisterWindow(publicWindowName, l.publicBuf); err != nil {
		return fmt.Errorf("window: register public window: %w", err)
	}
	if _, err := l.fab.RegisterWindow(criticalWindowName, l.criticalBuf); err != nil {
		return fmt.Errorf("window: register critical window: %w", err)
	}
	return nil
}

// ClearScratch empties the remote-read scratch cache; called at the start
// of every BEHAVIOR phase (§3).
func (l *Layer) ClearScratch() {
	l.scratchMu.Lock()
	defer l.scratchMu.Unlock()
	l.scratch = make(map[scratchKey][]byte)
}

func (l *Layer) offsets() *OffsetTable {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.table
}

// PublishPublic copies every owned agent's public-non-critical attribute
// values from the shard into this master's local public window (§4.2
// publish_public).
func (l *Layer) PublishPublic(shard *agentstore.Shard) error {
	table := l.offsets()
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, a := range shard.Iterate() {
		base, ok := table.Public[a.ID]
		if !ok {
			return fmt.Errorf("window: gid %d missing public offset", a.ID)
		}
		d, err := l.registry.AgentType(a.Type)
		if err != nil {
			return err
		}
		cursor := base
		for attr, f := range d.Fields {
			if f.Qualifier != types.PublicNonCritical {
				continue
			}
			v := a.Attr(attr)
			if len(v) == 0 {
				v = make([]byte, f.Size)
			}
			if cursor+f.Size > len(l.publicBuf) {
				return fmt.Errorf("window: public window overflow for gid %d attr %d", a.ID, attr)
			}
			copy(l.publicBuf[cursor:cursor+f.Size], v)
			cursor += f.Size
		}
	}
	return nil
}

// PublishCritical puts src for the given agent/attribute into every peer's
// critical window replica (§4.2 publish_critical). Must be called inside an
// open epoch over the critical window.
func (l *Layer) PublishCritical(ctx context.Context, epoch fabric.Epoch, id gid.GlobalID, attr int, src []byte) error {
	table := l.offsets()
	agentType, _ := gid.Decode(id, l.totalAgentTypes)
	f, err := l.registry.FieldDescriptor(agentType, attr)
	if err != nil {
		return err
	}
	base, ok := table.Critical[id]
	if !ok {
		return fmt.Errorf("window: gid %d missing critical offset", id)
	}
	offset := base + f.Offset
	for peer := 0; peer < l.size; peer++ {
		if err := epoch.Put(ctx, fabric.Rank(peer), offset, src); err != nil {
			return fmt.Errorf("window: publish critical to peer %d: %w", peer, err)
		}
	}
	return nil
}

// UpdateCriticalIfChanged drains an agent's dirty-critical set (populated by
// SetAttr during BEHAVIOR) and queues publish_critical calls for the next
// PUBLISH phase (§4.2).
func (l *Layer) UpdateCriticalIfChanged(ctx context.Context, epoch fabric.Epoch, a *agentstore.Agent) error {
	dirty := a.TakeDirtyCritical()
	for attr, v := range dirty {
		if err := l.PublishCritical(ctx, epoch, a.ID, attr, v); err != nil {
			return err
		}
	}
	return nil
}

// ReadPublic resolves a remote (or local) public attribute read (§4.2
// read_public). Local owner reads return the in-window bytes directly;
// remote reads consult the scratch cache, issuing a get on miss. The
// returned bytes are a private copy valid for the remainder of the
// behavior phase.
func (l *Layer) ReadPublic(ctx context.Context, epoch fabric.Epoch, self fabric.Rank, id gid.GlobalID, attr int) ([]byte, error) {
	owner, ok := l.owner.Owner(id)
	if !ok {
		return nil, fmt.Errorf("window: read_public: gid %d has no owner", id)
	}
	agentType, _ := gid.Decode(id, l.totalAgentTypes)
	f, err := l.registry.FieldDescriptor(agentType, attr)
	if err != nil {
		return nil, err
	}
	if f.Qualifier == types.Critical {
		return l.ReadCritical(id, attr)
	}

	table := l.offsets()
	base, ok := table.Public[id]
	if !ok {
		return nil, fmt.Errorf("window: gid %d missing public offset", id)
	}
	offset := base + f.Offset

	if fabric.Rank(owner) == self {
		l.mu.RLock()
		defer l.mu.RUnlock()
		if offset+f.Size > len(l.publicBuf) {
			return nil, fmt.Errorf("window: local public read out of range for gid %d attr %d", id, attr)
		}
		out := make([]byte, f.Size)
		copy(out, l.publicBuf[offset:offset+f.Size])
		return out, nil
	}

	key := scratchKey{id: id, attr: attr}
	l.scratchMu.Lock()
	if cached, ok := l.scratch[key]; ok {
		l.scratchMu.Unlock()
		return cached, nil
	}
	l.scratchMu.Unlock()

	dst := make([]byte, f.Size)
	if err := epoch.Get(ctx, fabric.Rank(owner), offset, dst); err != nil {
		return nil, fmt.Errorf("window: remote get gid %d attr %d from rank %d: %w", id, attr, owner, err)
	}

	l.scratchMu.Lock()
	l.scratch[key] = dst
	l.scratchMu.Unlock()
	return dst, nil
}

// ReadCritical always reads from the local replica — no network traffic
// (§4.2 read_critical).
func (l *Layer) ReadCritical(id gid.GlobalID, attr int) ([]byte, error) {
	table := l.offsets()
	agentType, _ := gid.Decode(id, l.totalAgentTypes)
	f, err := l.registry.FieldDescriptor(agentType, attr)
	if err != nil {
		return nil, err
	}
	base, ok := table.Critical[id]
	if !ok {
		return nil, fmt.Errorf("window: gid %d missing critical offset", id)
	}
	offset := base + f.Offset

	l.mu.RLock()
	defer l.mu.RUnlock()
	if offset+f.Size > len(l.criticalBuf) {
		return nil, fmt.Errorf("window: critical read out of range for gid %d attr %d", id, attr)
	}
	out := make([]byte, f.Size)
	copy(out, l.criticalBuf[offset:offset+f.Size])
	return out, nil
}

// OpenPublicEpoch opens an epoch over the public window for the duration of
// the BEHAVIOR phase (§4.5 point 5).
func (l *Layer) OpenPublicEpoch(ctx context.Context) (fabric.Epoch, error) {
	return l.fab.OpenEpoch(ctx, publicWindowName)
}

// OpenCriticalEpoch opens an epoch over the critical window for the
// duration of the PUBLISH phase (§4.5 point 1).
func (l *Layer) OpenCriticalEpoch(ctx context.Context) (fabric.Epoch, error) {
	return l.fab.OpenEpoch(ctx, criticalWindowName)
}

// Table exposes the current offset table, primarily for tests and for the
// snapshot exporter's diagnostics.
func (l *Layer) Table() *OffsetTable { return l.offsets() }
