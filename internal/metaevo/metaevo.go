// Package metaevo implements the Meta-Evolution Planner (C6): collection of
// per-step death/birth/migration requests, an all-gather to replicate them,
// and deterministic death-then-migration-then-birth application producing
// identical resulting state on every master. Grounded on
// internal/evo/population_monitor.go's generation loop (collect -> pause for
// collective agreement -> apply) and internal/evo/speciation.go's
// AdaptiveSpeciation, whose target-seeking threshold is generalized here
// from species-count targeting into the default per-master load-balancing
// heuristic migration and birth placement consult (spec §4.6 "heuristic
// plug-in ... with access to population and load statistics").
package metaevo

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"distsim/internal/agentstore"
	"distsim/internal/fabric"
	"distsim/internal/gid"
	"distsim/internal/types"
)

// Heuristic chooses a destination master for a migrating or newly born
// agent, given every master's current agent count. Supplied by the model;
// LoadBalancingHeuristic is the default, adapted from
// internal/evo/speciation.go's AdaptiveSpeciation per
// original_source/precompilation/simulation_basis/master.cpp's population
// re-balancing by per-master agent count.
type Heuristic interface {
	ChooseDestination(loads map[gid.MasterID]int, totalMasters int) gid.MasterID
}

// LoadBalancingHeuristic picks the least-loaded master, ties broken by the
// smallest master id.
type LoadBalancingHeuristic struct{}

func (LoadBalancingHeuristic) ChooseDestination(loads map[gid.MasterID]int, totalMasters int) gid.MasterID {
	best := gid.MasterID(0)
	bestLoad := loads[best]
	for m := 1; m < totalMasters; m++ {
		rank := gid.MasterID(m)
		if loads[rank] < bestLoad {
			best = rank
			bestLoad = loads[rank]
		}
	}
	return best
}

// birthRequest and migrationCandidate are the per-step pending sets an agent
// populates via Planner.RequestDeath / RequestBirth / RequestMigration
// during BEHAVIOR, consumed by the following step's META_EVO (§4.5 point 2,
// §4.6).
type birthRequest struct {
	AgentType int
	Payload   []byte
}

type migrationCandidate struct {
	ID      gid.GlobalID
	Payload []byte
}

// Planner is the per-master Meta-Evolution Planner.
type Planner struct {
	fab             fabric.Fabric
	rank            gid.MasterID
	totalMasters    int
	totalAgentTypes int
	registry        *types.Registry
	store           *agentstore.Store
	owner           *agentstore.OwnerMap
	heuristic       Heuristic
	log             *logrus.Entry

	mu         sync.Mutex
	deaths     []gid.GlobalID
	births     []birthRequest
	migrations []migrationCandidate
}

func New(fab fabric.Fabric, rank gid.MasterID, totalMasters, totalAgentTypes int, registry *types.Registry, store *agentstore.Store, owner *agentstore.OwnerMap, heuristic Heuristic, log *logrus.Entry) *Planner {
	if heuristic == nil {
		heuristic = LoadBalancingHeuristic{}
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Planner{
		fab:             fab,
		rank:            rank,
		totalMasters:    totalMasters,
		totalAgentTypes: totalAgentTypes,
		registry:        registry,
		store:           store,
		owner:           owner,
		heuristic:       heuristic,
		log:             log,
	}
}

// RequestDeath records an agent's self-requested death (§4.5 "request_death
// adds its gid to the local death set").
func (p *Planner) RequestDeath(id gid.GlobalID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deaths = append(p.deaths, id)
}

// RequestBirth records a newly-typed agent-state blob to be materialized on
// whichever master the heuristic assigns (§4.5 "request_birth(payload)").
func (p *Planner) RequestBirth(agentType int, payload []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.births = append(p.births, birthRequest{AgentType: agentType, Payload: payload})
}

// RequestMigration marks an already-owned agent as a migration candidate,
// snapshotting its current attribute bytes so any destination master can
// rehydrate it without needing live access to the source's store. Only
// sendable agent types may be submitted; see Apply's fatal check.
func (p *Planner) RequestMigration(a *agentstore.Agent) {
	payload := serializeAgent(a, p.agentTypeFieldCount(a.Type))
	p.mu.Lock()
	defer p.mu.Unlock()
	p.migrations = append(p.migrations, migrationCandidate{ID: a.ID, Payload: payload})
}

func (p *Planner) agentTypeFieldCount(agentType int) int {
	d, err := p.registry.AgentType(agentType)
	if err != nil {
		return 0
	}
	return len(d.Fields)
}

func serializeAgent(a *agentstore.Agent, fieldCount int) []byte {
	var out []byte
	for i := 0; i < fieldCount; i++ {
		v := a.Attr(i)
		out = append(out, byte(len(v)>>24), byte(len(v)>>16), byte(len(v)>>8), byte(len(v)))
		out = append(out, v...)
	}
	return out
}

func deserializeAgent(blob []byte, fieldCount int) (map[int][]byte, error) {
	attrs := make(map[int][]byte, fieldCount)
	cursor := 0
	for i := 0; i < fieldCount; i++ {
		if cursor+4 > len(blob) {
			return nil, fmt.Errorf("metaevo: truncated agent payload at field %d", i)
		}
		n := int(blob[cursor])<<24 | int(blob[cursor+1])<<16 | int(blob[cursor+2])<<8 | int(blob[cursor+3])
		cursor += 4
		if cursor+n > len(blob) {
			return nil, fmt.Errorf("metaevo: truncated agent payload body at field %d", i)
		}
		attrs[i] = blob[cursor : cursor+n]
		cursor += n
	}
	return attrs, nil
}

// Apply performs the global META_EVO phase (§4.5 point 2, §4.6): gather every
// master's pending requests, then apply death, migration, and birth in that
// order, identically on every master. Returns whether the population or
// ownership changed (the window layer must then Rebuild).
func (p *Planner) Apply(ctx context.Context) (changed bool, err error) {
	p.mu.Lock()
	localDeaths := p.deaths
	localMigrations := p.migrations
	localBirths := p.births
	p.deaths = nil
	p.migrations = nil
	p.births = nil
	p.mu.Unlock()

	counters := make(map[int]int64, len(p.registry.ListAgentTypeIDs()))
	for _, t := range p.registry.ListAgentTypeIDs() {
		counters[t] = p.store.PeekNextLocalID(t)
	}

	payload := encodeRound(localDeaths, localMigrations, localBirths, counters)
	gathered, err := p.fab.AllGatherV(ctx, payload)
	if err != nil {
		return false, fmt.Errorf("metaevo: all-gather: %w", err)
	}

	rounds := make([]roundPayload, len(gathered))
	for rank, blob := range gathered {
		r, err := decodeRound(blob)
		if err != nil {
			return false, fmt.Errorf("metaevo: decode round from rank %d: %w", rank, err)
		}
		rounds[rank] = r
	}

	// Deaths: concatenated in rank order, a deterministic total order every
	// master replays identically.
	var allDeaths []gid.GlobalID
	for _, r := range rounds {
		allDeaths = append(allDeaths, r.Deaths...)
	}
	for _, id := range allDeaths {
		owner, ok := p.owner.Owner(id)
		if !ok {
			continue
		}
		if owner == p.rank {
			if err := p.store.Remove(id); err != nil {
				p.log.Warnf("metaevo: death of %d: %v", id, err)
			}
		}
		p.owner.Delete(id)
	}
	if len(allDeaths) > 0 {
		changed = true
	}

	// Migrations: process in rank order, recomputing the load snapshot
	// after every move so a burst of candidates spreads out instead of
	// piling onto the same destination.
	type migEntry struct {
		srcRank gid.MasterID
		migrationCandidate
	}
	var allMigrations []migEntry
	for rank, r := range rounds {
		for _, m := range r.Migrations {
			allMigrations = append(allMigrations, migEntry{srcRank: gid.MasterID(rank), migrationCandidate: m})
		}
	}
	for _, m := range allMigrations {
		agentType, _ := decodeGIDType(m.ID, p.totalAgentTypes)
		sendable, serr := p.registry.IsSendableAgent(agentType)
		if serr != nil {
			return false, fmt.Errorf("metaevo: migration candidate %d: %w", m.ID, serr)
		}
		if !sendable {
			return false, fmt.Errorf("metaevo: migration of non-sendable agent type %d: programming error", agentType)
		}
		currentOwner, ok := p.owner.Owner(m.ID)
		if !ok {
			continue // died earlier this round
		}
		loads := p.currentLoads()
		dest := p.heuristic.ChooseDestination(loads, p.totalMasters)
		if dest == currentOwner {
			continue
		}
		p.owner.Set(m.ID, dest)
		changed = true
		if currentOwner == p.rank {
			if err := p.store.Remove(m.ID); err != nil {
				p.log.Warnf("metaevo: migrating away %d: %v", m.ID, err)
			}
		}
		if dest == p.rank {
			if err := p.materialize(m.ID, agentType, m.Payload); err != nil {
				return false, fmt.Errorf("metaevo: materializing migrated agent %d: %w", m.ID, err)
			}
		}
	}

	// Births: counters are mirrored in rank order so every master assigns
	// the exact same GlobalID to the exact same birth, and only the
	// assigned destination's real store.NextLocalID is ever advanced for
	// real — the mirrored counters used here are seeded from the same
	// PeekNextLocalID value the destination itself reported this round.
	mirrored := make(map[gid.MasterID]map[int]int64, p.totalMasters)
	for rank, r := range rounds {
		mirrored[gid.MasterID(rank)] = r.Counters
	}
	type bornEntry struct {
		srcRank gid.MasterID
		birthRequest
	}
	var allBirths []bornEntry
	for rank, r := range rounds {
		for _, b := range r.Births {
			allBirths = append(allBirths, bornEntry{srcRank: gid.MasterID(rank), birthRequest: b})
		}
	}
	for _, b := range allBirths {
		loads := p.currentLoads()
		dest := p.heuristic.ChooseDestination(loads, p.totalMasters)
		localID := mirrored[dest][b.AgentType]
		mirrored[dest][b.AgentType] = localID + int64(p.totalMasters)
		newID := gid.Encode(b.AgentType, localID, p.totalAgentTypes)
		p.owner.Set(newID, dest)
		changed = true
		if dest == p.rank {
			if err := p.materialize(newID, b.AgentType, b.Payload); err != nil {
				return false, fmt.Errorf("metaevo: materializing born agent %d: %w", newID, err)
			}
			// Keep this master's real allocator in lockstep with the
			// mirrored value every master just computed.
			for p.store.PeekNextLocalID(b.AgentType) < mirrored[dest][b.AgentType] {
				p.store.NextLocalID(b.AgentType)
			}
		}
	}

	return changed, nil
}

func (p *Planner) currentLoads() map[gid.MasterID]int {
	loads := make(map[gid.MasterID]int, p.totalMasters)
	for m := 0; m < p.totalMasters; m++ {
		loads[gid.MasterID(m)] = 0
	}
	for _, owner := range p.owner.Snapshot() {
		loads[owner]++
	}
	return loads
}

func (p *Planner) materialize(id gid.GlobalID, agentType int, payload []byte) error {
	d, err := p.registry.AgentType(agentType)
	if err != nil {
		return err
	}
	attrs, err := deserializeAgent(payload, len(d.Fields))
	if err != nil {
		return err
	}
	a := agentstore.NewAgent(id, agentType)
	for attr, v := range attrs {
		critical := d.Fields[attr].Qualifier == types.Critical
		a.SetAttr(attr, v, critical)
	}
	shards := p.store.Shards()
	shardIdx := int(id) % len(shards)
	if shardIdx < 0 {
		shardIdx += len(shards)
	}
	return p.store.Add(shardIdx, a)
}

func decodeGIDType(id gid.GlobalID, totalAgentTypes int) (int, int64) {
	return gid.Decode(id, totalAgentTypes)
}
