// Package control implements the Control Plane (C7): a root-led order
// broadcast that keeps every master in lockstep outside the step pipeline
// (init, run, pause, kill, live population/attribute edits, export), driven
// over a line-oriented IPC command channel. Grounded on
// internal/platform/polis.go's RunEvolution top-level orchestration (the
// same validate -> act -> report shape, generalized from a one-shot batch
// run to a long-lived command loop) and on
// original_source/cli/command_line_interface.cpp's command table, whose
// argument-arity validation is reproduced in orders.go.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"distsim/internal/agentstore"
	"distsim/internal/engine"
	"distsim/internal/fabric"
	"distsim/internal/gid"
	"distsim/internal/metaevo"
	"distsim/internal/window"
)

// rootRank is the master whose front-end IPC socket accepts commands. Every
// other master runs ControlWait, waiting on broadcasts from this rank.
const rootRank = gid.MasterID(0)

// orderMessage is the payload an Order broadcast carries. Not every field
// applies to every Order; see apply.
type orderMessage struct {
	Order       Order  `json:"order"`
	N           int    `json:"n,omitempty"`
	UntilPaused bool   `json:"until_paused,omitempty"`
	Kind        string `json:"kind,omitempty"`
	Path        string `json:"path,omitempty"`
	GID         int64  `json:"gid,omitempty"`
	Attr        int    `json:"attr,omitempty"`
	Value       []byte `json:"value,omitempty"`
	AgentType   int    `json:"agent_type,omitempty"`
	Payload     []byte `json:"payload,omitempty"`
}

// Exporter is the narrow seam the Snapshot Exporter (C8) implements so the
// control plane can drive EXPORT without importing it directly.
type Exporter interface {
	// LocalSnapshot serializes this master's owned agents.
	LocalSnapshot(ctx context.Context) ([]byte, error)
	// WriteMerged combines every master's LocalSnapshot output (indexed by
	// rank) into one document at path, in the given kind ("json" or
	// "ubjson").
	WriteMerged(ctx context.Context, kind, path string, perMaster [][]byte) error
	// Convert reshapes an exported document from inPath into outPath,
	// purely locally, no fabric participation required.
	Convert(ctx context.Context, inPath, outPath string) error
}

// Plane is one master's side of the control plane.
type Plane struct {
	fab          fabric.Fabric
	rank         gid.MasterID
	totalMasters int

	sched   *engine.Scheduler
	planner *metaevo.Planner
	win     *window.Layer
	store   *agentstore.Store
	owner   *agentstore.OwnerMap
	export  Exporter
	loader  PopulationLoader
	log     *logrus.Entry

	// execMu serializes every order-issuing command (init, run, kill, ...)
	// so root never has two fab.Broadcast calls for the same rank in flight
	// at once. "pause" deliberately never takes execMu — it only closes the
	// pause channel below — so it can still reach an in-flight "run until
	// paused" command, which holds execMu for the run's entire duration.
	execMu sync.Mutex

	mu      sync.Mutex
	period  int
	started bool
	pause   chan struct{}
}

func New(
	fab fabric.Fabric,
	rank gid.MasterID,
	totalMasters int,
	sched *engine.Scheduler,
	planner *metaevo.Planner,
	win *window.Layer,
	store *agentstore.Store,
	owner *agentstore.OwnerMap,
	export Exporter,
	log *logrus.Entry,
) *Plane {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Plane{
		fab:          fab,
		rank:         rank,
		totalMasters: totalMasters,
		sched:        sched,
		planner:      planner,
		win:          win,
		store:        store,
		owner:        owner,
		export:       export,
		log:          log,
		period:       1,
	}
}

// IsRoot reports whether this master accepts IPC commands.
func (p *Plane) IsRoot() bool { return p.rank == rootRank }

// ControlWait is the non-root master's loop: block on the next broadcast
// order from root and apply it, until KILL (spec §4.7 "masters other than
// the front-end's sit in a control-wait loop"). Root never calls this —
// its commands originate from the IPC listener instead (see ipc.go).
func (p *Plane) ControlWait(ctx context.Context) error {
	if p.IsRoot() {
		return fmt.Errorf("control: ControlWait must not be called on the root master")
	}
	for {
		raw, err := p.fab.Broadcast(ctx, fabric.Rank(rootRank), nil)
		if err != nil {
			return fmt.Errorf("control: broadcast receive: %w", err)
		}
		msg, err := decodeOrder(raw)
		if err != nil {
			p.log.Errorf("control: decode order: %v", err)
			continue
		}
		if err := p.apply(ctx, msg); err != nil {
			p.log.Errorf("control: apply %s: %v", msg.Order, err)
		}
		if msg.Order == OrderKill {
			return nil
		}
	}
}

// issue is called only on root: it broadcasts msg to every master (itself
// included) and applies the order locally exactly as every peer does,
// preserving "an order never overlaps the previous one" (§4.7) — issue
// blocks until this master's own application, including any fabric
// collectives the order triggers, has completed.
func (p *Plane) issue(ctx context.Context, msg orderMessage) error {
	buf, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("control: encode order: %w", err)
	}
	raw, err := p.fab.Broadcast(ctx, fabric.Rank(rootRank), buf)
	if err != nil {
		return fmt.Errorf("control: broadcast order: %w", err)
	}
	decoded, err := decodeOrder(raw)
	if err != nil {
		return fmt.Errorf("control: decode own broadcast: %w", err)
	}
	return p.apply(ctx, decoded)
}

func decodeOrder(raw []byte) (orderMessage, error) {
	var msg orderMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return orderMessage{}, err
	}
	return msg, nil
}

func (p *Plane) apply(ctx context.Context, msg orderMessage) error {
	switch msg.Order {
	case OrderIdle:
		return nil

	case OrderRun:
		return p.applyRun(ctx, msg)

	case OrderChangePeriod:
		p.mu.Lock()
		p.period = msg.N
		p.mu.Unlock()
		return nil

	case OrderAddAgents:
		// The root already called planner.RequestBirth for every newly
		// loaded agent before issuing this order (see ipc.go); every
		// master, root included, now runs one out-of-band META_EVO round
		// to materialize them and agree on the resulting owner map.
		changed, err := p.planner.Apply(ctx)
		if err != nil {
			return fmt.Errorf("add_agents: apply: %w", err)
		}
		if changed {
			if err := p.win.Rebuild(ctx); err != nil {
				return fmt.Errorf("add_agents: rebuild window: %w", err)
			}
		}
		return nil

	case OrderModifyAttribute:
		id := gid.GlobalID(msg.GID)
		owner, ok := p.owner.Owner(id)
		if !ok || owner != p.rank {
			return nil // not ours; the owning master applies it
		}
		a, ok := p.store.Get(id)
		if !ok {
			return fmt.Errorf("modify_attribute: gid %d not found on owning master", id)
		}
		a.SetAttr(msg.Attr, msg.Value, true)
		return nil

	case OrderExport:
		local, err := p.export.LocalSnapshot(ctx)
		if err != nil {
			return fmt.Errorf("export: local snapshot: %w", err)
		}
		gathered, err := p.fab.AllGatherV(ctx, local)
		if err != nil {
			return fmt.Errorf("export: all-gather: %w", err)
		}
		if !p.IsRoot() {
			return nil
		}
		return p.export.WriteMerged(ctx, msg.Kind, msg.Path, gathered)

	case OrderKill:
		p.mu.Lock()
		p.started = false
		p.mu.Unlock()
		return nil

	default:
		return fmt.Errorf("control: unhandled order %q", msg.Order)
	}
}

func (p *Plane) applyRun(ctx context.Context, msg orderMessage) error {
	p.mu.Lock()
	p.started = true
	p.pause = make(chan struct{})
	pause := p.pause
	p.mu.Unlock()

	if !msg.UntilPaused {
		return p.sched.Run(ctx, msg.N)
	}

	// "run" with no count: advance in period-sized batches until a
	// "pause" command closes this round's pause channel (§6 "Run n steps,
	// or until paused if n omitted").
	for {
		select {
		case <-pause:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		p.mu.Lock()
		batch := p.period
		p.mu.Unlock()
		if batch <= 0 {
			batch = 1
		}
		if err := p.sched.Run(ctx, batch); err != nil {
			return err
		}
	}
}

// requestPause interrupts an in-flight "run until paused" on this master.
// Only meaningful on root, called directly from the IPC handler — pause is
// not itself broadcast as an Order, since it only ever interrupts root's
// own local run loop and every non-root master is already blocked on its
// own applyRun call from the same RUN broadcast.
func (p *Plane) requestPause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pause != nil {
		select {
		case <-p.pause:
		default:
			close(p.pause)
		}
	}
}

// Started reports whether a simulation is currently running; execute
// checks it to reject set_nb_threads while a simulation is alive (§6).
func (p *Plane) Started() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}
