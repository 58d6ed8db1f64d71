package engine

import (
	"context"

	"distsim/internal/agentstore"
	"distsim/internal/fabric"
	"distsim/internal/gid"
	"distsim/internal/metaevo"
	"distsim/internal/router"
	"distsim/internal/window"
)

// BehaviorFunc is a user-defined agent type's periodic routine (spec §1,
// §4.5 point 5): invoked once per step, once per owned agent of its type,
// with exclusive access to that agent's own state for the duration.
type BehaviorFunc func(*BehaviorContext)

// BehaviorContext is the capability set a Behavior is given: its own
// agent's state, remote public reads via the window layer, outgoing
// interactions via the router, and death/birth/migration requests via the
// meta-evolution planner. A fresh BehaviorContext is built per agent per
// BEHAVIOR phase; it must not be retained past the call.
type BehaviorContext struct {
	ctx     context.Context
	agent   *agentstore.Agent
	self    fabric.Rank
	win     *window.Layer
	epoch   fabric.Epoch
	router  *router.Router
	planner *metaevo.Planner
}

// Agent returns the agent this context was built for.
func (b *BehaviorContext) Agent() *agentstore.Agent { return b.agent }

// Attr reads one of this agent's own attributes — always local, never
// suspends (§4.2).
func (b *BehaviorContext) Attr(attr int) []byte { return b.agent.Attr(attr) }

// SetAttr updates one of this agent's own attributes. Critical attributes
// marked here become globally visible at the next PUBLISH (§5 "writes to
// critical attributes become globally visible only at the next PUBLISH").
func (b *BehaviorContext) SetAttr(attr int, value []byte, critical bool) {
	b.agent.SetAttr(attr, value, critical)
}

// ReadRemote resolves another agent's public attribute by global id,
// transparently whether owned locally or by a peer (§4.2 read_public).
func (b *BehaviorContext) ReadRemote(id gid.GlobalID, attr int) ([]byte, error) {
	return b.win.ReadPublic(b.ctx, b.epoch, b.self, id, attr)
}

// Send enqueues an outgoing interaction for delivery at the next EXCHANGE
// (§4.4 push).
func (b *BehaviorContext) Send(interactionType int, recipient gid.GlobalID, payload []byte) {
	b.router.Push(router.Interaction{
		Type:        interactionType,
		SenderID:    b.agent.ID,
		RecipientID: recipient,
		Payload:     payload,
	})
}

// Mailbox returns the interactions of one type delivered to this agent
// during this step's DISPATCH.
func (b *BehaviorContext) Mailbox(interactionType int) []agentstore.ReceivedInteraction {
	return b.agent.Mailbox(interactionType)
}

// RequestDeath marks this agent for removal at the next META_EVO (§4.5).
func (b *BehaviorContext) RequestDeath() { b.planner.RequestDeath(b.agent.ID) }

// RequestBirth asks for a new agent of agentType to be materialized
// somewhere in the simulation (destination chosen by the load-balancing
// heuristic) at the next META_EVO (§4.5, §4.6).
func (b *BehaviorContext) RequestBirth(agentType int, payload []byte) {
	b.planner.RequestBirth(agentType, payload)
}

// RequestMigration marks this agent as a migration candidate for the next
// META_EVO; only sendable agent types may migrate (§4.6).
func (b *BehaviorContext) RequestMigration() { b.planner.RequestMigration(b.agent) }
