package agentstore

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"distsim/internal/gid"
)

var (
	ErrAgentExists   = errors.New("agentstore: agent already exists")
	ErrAgentNotFound = errors.New("agentstore: agent not found")
)

// Shard is one worker thread's partition of the agent population (§4.3,
// §5 "T worker threads per master, each owning one shard").
type Shard struct {
	ID int

	mu    sync.RWMutex
	owned map[gid.GlobalID]*Agent
}

func newShard(id int) *Shard {
	return &Shard{ID: id, owned: make(map[gid.GlobalID]*Agent)}
}

func (s *Shard) add(a *Agent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.owned[a.ID] = a
}

func (s *Shard) remove(id gid.GlobalID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.owned, id)
}

func (s *Shard) get(id gid.GlobalID) (*Agent, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.owned[id]
	return a, ok
}

// Iterate returns every agent owned by this shard, sorted by global id for
// deterministic test assertions (workers themselves may process them in
// arbitrary order per §4.5).
func (s *Shard) Iterate() []*Agent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Agent, 0, len(s.owned))
	for _, a := range s.owned {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Shard) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.owned)
}

// Store is the per-master Agent Store (C3): a stable address book of every
// agent this master owns, partitioned across shards, plus the
// agents_by_type / max_local_id indexes used for id allocation.
type Store struct {
	rank            gid.MasterID
	totalMasters    int
	totalAgentTypes int

	mu          sync.RWMutex
	agents      map[gid.GlobalID]*Agent
	shardOf     map[gid.GlobalID]int
	shards      []*Shard
	byType      map[int]map[int64]bool // agentType -> set of local ids owned here
	maxLocalID  map[int]int64          // next local id to allocate, per type
}

// NewStore builds a Store for one master. Local ids are allocated from a
// residue class disjoint across masters (localID ≡ rank mod totalMasters),
// so that ids assigned independently on different masters at creation time
// never collide once combined into a GlobalID — the originating-master
// uniqueness spec §3 requires, made globally unique without coordination.
func NewStore(rank gid.MasterID, totalMasters, totalAgentTypes, numShards int) *Store {
	shards := make([]*Shard, numShards)
	for i := range shards {
		shards[i] = newShard(i)
	}
	return &Store{
		rank:            rank,
		totalMasters:    totalMasters,
		totalAgentTypes: totalAgentTypes,
		agents:          make(map[gid.GlobalID]*Agent),
		shardOf:         make(map[gid.GlobalID]int),
		shards:          shards,
		byType:          make(map[int]map[int64]bool),
		maxLocalID:      make(map[int]int64),
	}
}

func (s *Store) Shards() []*Shard { return s.shards }

func (s *Store) Shard(i int) *Shard { return s.shards[i] }

// NextLocalID allocates the next local id for agentType on this master.
func (s *Store) NextLocalID(agentType int) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	next, ok := s.maxLocalID[agentType]
	if !ok {
		next = int64(s.rank)
	}
	s.maxLocalID[agentType] = next + int64(s.totalMasters)
	return next
}

// PeekNextLocalID reports the next local id NextLocalID would allocate for
// agentType, without allocating it. Used by the meta-evolution planner to
// report this master's allocator state into the all-gathered round payload
// so every master can mirror birth-id assignment deterministically.
func (s *Store) PeekNextLocalID(agentType int) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	next, ok := s.maxLocalID[agentType]
	if !ok {
		return int64(s.rank)
	}
	return next
}

// Add materializes a new owned agent in shardIdx, indexing it by gid and
// type. Returns ErrAgentExists if the gid is already present.
func (s *Store) Add(shardIdx int, a *Agent) error {
	s.mu.Lock()
	if _, exists := s.agents[a.ID]; exists {
		s.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrAgentExists, a.ID)
	}
	if shardIdx < 0 || shardIdx >= len(s.shards) {
		s.mu.Unlock()
		return fmt.Errorf("agentstore: shard index %d out of range", shardIdx)
	}
	s.agents[a.ID] = a
	s.shardOf[a.ID] = shardIdx
	if s.byType[a.Type] == nil {
		s.byType[a.Type] = make(map[int64]bool)
	}
	_, localID := gid.Decode(a.ID, s.totalAgentTypes)
	s.byType[a.Type][localID] = true
	s.mu.Unlock()

	s.shards[shardIdx].add(a)
	return nil
}

// Remove deletes an agent from the store and its shard. Deferred to
// meta-evolution time between steps (§4.3): removal must never happen
// mid-step while other shards' behaviors may hold stale expectations about
// which agents exist.
func (s *Store) Remove(id gid.GlobalID) error {
	s.mu.Lock()
	shardIdx, exists := s.shardOf[id]
	if !exists {
		s.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrAgentNotFound, id)
	}
	a := s.agents[id]
	delete(s.agents, id)
	delete(s.shardOf, id)
	if a != nil {
		if m := s.byType[a.Type]; m != nil {
			_, localID := gid.Decode(id, s.totalAgentTypes)
			delete(m, localID)
		}
	}
	s.mu.Unlock()

	s.shards[shardIdx].remove(id)
	return nil
}

func (s *Store) Exists(id gid.GlobalID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.agents[id]
	return ok
}

func (s *Store) Get(id gid.GlobalID) (*Agent, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[id]
	return a, ok
}

// IterateOwned returns every agent owned by this master, sorted by gid.
func (s *Store) IterateOwned() []*Agent {
	s.mu.RLock()
	ids := make([]gid.GlobalID, 0, len(s.agents))
	for id := range s.agents {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]*Agent, 0, len(ids))
	s.mu.RLock()
	for _, id := range ids {
		out = append(out, s.agents[id])
	}
	s.mu.RUnlock()
	return out
}

// AgentsByType returns the sorted local ids owned here for one agent type.
func (s *Store) AgentsByType(agentType int) []int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m := s.byType[agentType]
	out := make([]int64, 0, len(m))
	for id := range m {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.agents)
}
