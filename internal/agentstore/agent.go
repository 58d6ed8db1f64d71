// Package agentstore implements the Agent Store (C3): a per-master
// collection of live agents partitioned into shards, indexed by global
// identity and by type, plus the replicated owner map every master keeps
// in agreement (§3, testable property 1). Grounded on
// internal/genotype/store.go and store_ops.go's typed read/write/delete
// wrapper idiom, generalized from a single database-backed population table
// to an in-memory per-shard partition carrying the stable-pointer
// invariant behaviors depend on across a step's phases.
package agentstore

import (
	"bytes"
	"sync"

	"distsim/internal/gid"
)

// ReceivedInteraction is one message delivered to an agent's per-type
// mailbox during DISPATCH (§4.4), cleared at the start of every DISPATCH
// phase, before that step's deliveries.
type ReceivedInteraction struct {
	Type     int
	SenderID gid.GlobalID
	Payload  []byte
}

// Agent owns its private/public/critical attribute values (stored as
// already-encoded wire bytes, sized per the type registry's field
// descriptors) plus its per-type received-interaction mailbox. It carries
// its own identity and is uniquely owned by exactly one shard at any
// instant (§3).
type Agent struct {
	ID   gid.GlobalID
	Type int

	mu            sync.Mutex
	attrs         map[int][]byte
	dirtyCritical map[int]bool
	lastCritical  map[int][]byte
	mailbox       map[int][]ReceivedInteraction
	dead          bool
}

func NewAgent(id gid.GlobalID, agentType int) *Agent {
	return &Agent{
		ID:            id,
		Type:          agentType,
		attrs:         make(map[int][]byte),
		dirtyCritical: make(map[int]bool),
		lastCritical:  make(map[int][]byte),
		mailbox:       make(map[int][]ReceivedInteraction),
	}
}

// SetAttr stores the encoded value for attr, marking it dirty for the next
// critical publish when critical is true. Writes are visible to this
// agent immediately but are not published to other masters until the next
// PUBLISH phase (§5).
func (a *Agent) SetAttr(attr int, value []byte, critical bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	buf := make([]byte, len(value))
	copy(buf, value)
	a.attrs[attr] = buf
	if critical {
		a.dirtyCritical[attr] = true
	}
}

// Attr returns a copy of the current encoded value for attr, or nil if
// never set.
func (a *Agent) Attr(attr int) []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	v, ok := a.attrs[attr]
	if !ok {
		return nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out
}

// AllAttrs returns a snapshot of every attribute currently set, keyed by
// attribute index.
func (a *Agent) AllAttrs() map[int][]byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[int][]byte, len(a.attrs))
	for k, v := range a.attrs {
		cp := make([]byte, len(v))
		copy(cp, v)
		out[k] = cp
	}
	return out
}

// TakeDirtyCritical returns the critical attributes whose encoded value
// actually differs from what was last returned from here, and clears the
// dirty set, for use by PUBLISH (§4.2 update_critical_if_changed). A
// SetAttr(critical=true) call only marks an attribute as a candidate; a
// write that re-sets the same bytes is filtered out by the comparison
// below rather than republished.
func (a *Agent) TakeDirtyCritical() map[int][]byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[int][]byte, len(a.dirtyCritical))
	for attr := range a.dirtyCritical {
		v, ok := a.attrs[attr]
		if !ok {
			continue
		}
		if prev, ok := a.lastCritical[attr]; ok && bytes.Equal(prev, v) {
			continue
		}
		cp := make([]byte, len(v))
		copy(cp, v)
		out[attr] = cp
		a.lastCritical[attr] = cp
	}
	a.dirtyCritical = make(map[int]bool)
	return out
}

// Receive appends a delivered interaction to the recipient's per-type
// mailbox (§4.4 dispatch).
func (a *Agent) Receive(it ReceivedInteraction) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.mailbox[it.Type] = append(a.mailbox[it.Type], it)
}

// Mailbox returns the received interactions of one type, in delivery
// order.
func (a *Agent) Mailbox(itype int) []ReceivedInteraction {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]ReceivedInteraction, len(a.mailbox[itype]))
	copy(out, a.mailbox[itype])
	return out
}

// ClearMailbox empties every per-type mailbox; the engine calls it at the
// start of each DISPATCH phase, before that step's deliveries.
func (a *Agent) ClearMailbox() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.mailbox = make(map[int][]ReceivedInteraction)
}
