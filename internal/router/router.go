// Package router implements the Interaction Router (C4): the per-step
// outbox/inbox of typed messages between agents, exchanged all-to-all with
// per-(master,type) FIFO preserved, then dispatched into recipient
// mailboxes. Grounded on internal/substrate/cep_protocol.go's CEPCommand
// envelope shape and internal/evo/population_monitor.go's MonitorCommand
// channel-based signaling for the announce/post/wait pipeline shape.
package router

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"distsim/internal/agentstore"
	"distsim/internal/fabric"
	"distsim/internal/gid"
)

// Interaction is one typed message in transit, header plus payload (§3).
type Interaction struct {
	Type        int
	SenderID    gid.GlobalID
	RecipientID gid.GlobalID
	Payload     []byte
}

// Router is the per-master Interaction Router.
type Router struct {
	fab   fabric.Fabric
	owner *agentstore.OwnerMap
	log   *logrus.Entry

	mu     sync.Mutex
	outbox map[fabric.Rank]map[int][]Interaction
}

func New(fab fabric.Fabric, owner *agentstore.OwnerMap, log *logrus.Entry) *Router {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	r := &Router{fab: fab, owner: owner, log: log}
	r.resetOutbox()
	return r
}

func (r *Router) resetOutbox() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outbox = make(map[fabric.Rank]map[int][]Interaction)
}

// Push is called from a behavior to send an interaction. If the recipient
// does not exist, it is dropped with a warning — never an error, since
// behaviors are best-effort senders (§4.4, §7 Model error).
func (r *Router) Push(it Interaction) {
	owner, ok := r.owner.Owner(it.RecipientID)
	if !ok {
		r.log.Warnf("router: dropping interaction type=%d sender=%d: recipient %d does not exist", it.Type, it.SenderID, it.RecipientID)
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	dst := fabric.Rank(owner)
	if r.outbox[dst] == nil {
		r.outbox[dst] = make(map[int][]Interaction)
	}
	r.outbox[dst][it.Type] = append(r.outbox[dst][it.Type], it)
}

// Exchange performs the global EXCHANGE phase (§4.4): encode this master's
// per-destination outbox, all-to-all-v it to every peer, decode what every
// peer sent here, and return the combined inbox ready for Dispatch. FIFO
// order is preserved within each (src, dst, itype) channel because each
// cell's interactions are serialized in push order and decoded back in the
// same order.
func (r *Router) Exchange(ctx context.Context) ([]Interaction, error) {
	self, size := r.fab.Self()

	r.mu.Lock()
	sendPerDst := make([][]byte, size)
	selfInteractions := flattenOutboxCell(r.outbox[self])
	for dst := 0; dst < size; dst++ {
		if fabric.Rank(dst) == self {
			continue
		}
		sendPerDst[dst] = encodeOutboxCell(r.outbox[fabric.Rank(dst)])
	}
	r.mu.Unlock()

	recvPerSrc, err := r.fab.AllToAllV(ctx, sendPerDst)
	if err != nil {
		return nil, fmt.Errorf("router: exchange: %w", err)
	}

	inbox := append([]Interaction(nil), selfInteractions...)
	for src, blob := range recvPerSrc {
		if fabric.Rank(src) == self {
			continue
		}
		decoded, err := decodeOutboxCell(blob)
		if err != nil {
			return nil, fmt.Errorf("router: decoding payload from rank %d: %w", src, err)
		}
		inbox = append(inbox, decoded...)
	}

	r.resetOutbox()
	return inbox, nil
}

// Dispatch delivers every received interaction to its recipient's mailbox
// (§4.4 dispatch). Recipients are expected to exist locally (the sender's
// owner-map lookup during Push already routed by ownership); a missing
// recipient here indicates owner-map divergence and is logged, not fatal
// to the step; no other part of the step checks for it.
func (r *Router) Dispatch(store *agentstore.Store, interactions []Interaction) {
	for _, it := range interactions {
		a, ok := store.Get(it.RecipientID)
		if !ok {
			r.log.Warnf("router: dispatch: recipient %d not found locally for interaction type %d", it.RecipientID, it.Type)
			continue
		}
		a.Receive(agentstore.ReceivedInteraction{Type: it.Type, SenderID: it.SenderID, Payload: it.Payload})
	}
}

// flattenOutboxCell lays out one destination cell in the same (sorted
// type, push order) sequence encodeOutboxCell/decodeOutboxCell would
// produce, so a self-addressed cell can skip the encode/decode round trip
// entirely and still land in the same order a peer's cell would.
func flattenOutboxCell(cell map[int][]Interaction) []Interaction {
	var out []Interaction
	for _, t := range sortedTypes(cell) {
		out = append(out, cell[t]...)
	}
	return out
}

func sortedTypes(cell map[int][]Interaction) []int {
	types := make([]int, 0, len(cell))
	for t := range cell {
		types = append(types, t)
	}
	sort.Ints(types)
	return types
}
