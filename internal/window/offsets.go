// Package window implements the Window Layer (C2): the public and critical
// shared memory regions exposed to every peer, their offset tables, and the
// per-step remote-read scratch cache. Grounded directly against
// internal/fabric.Fabric (the teacher has no analogous windowed-memory
// concept; this package is original to the spec's distributed-memory
// model, built against the registry and owner-map idioms the teacher does
// supply).
package window

import (
	"fmt"

	"distsim/internal/agentstore"
	"distsim/internal/gid"
	"distsim/internal/types"
)

// OffsetTable is the pair of offset maps every master must compute
// identically (testable property 2): public_offset is a partial function in
// ownership-writability terms but a total map in value — every master can
// compute any gid's offset within its owner's window via the same
// deterministic construction (§4.2).
type OffsetTable struct {
	Public             map[gid.GlobalID]int
	Critical           map[gid.GlobalID]int
	PublicWindowSize   int // uniform across every master: 2 × max_used (§4.2)
	CriticalWindowSize int
}

// BuildOffsetTable sorts the global id list identically (by construction,
// since owner.SortedIDs is a deterministic ascending sort) and assigns each
// gid's public offset at the end of its owner's running counter, its
// critical offset at the end of the global running counter.
func BuildOffsetTable(owner *agentstore.OwnerMap, registry *types.Registry, totalAgentTypes, totalMasters int) (*OffsetTable, error) {
	ids := owner.SortedIDs()
	runningPublic := make([]int, totalMasters)
	publicOffset := make(map[gid.GlobalID]int, len(ids))
	criticalOffset := make(map[gid.GlobalID]int, len(ids))
	criticalRunning := 0

	for _, id := range ids {
		ownerRank, ok := owner.Owner(id)
		if !ok {
			return nil, fmt.Errorf("window: gid %d missing from owner map during sort", id)
		}
		if int(ownerRank) < 0 || int(ownerRank) >= totalMasters {
			return nil, fmt.Errorf("window: gid %d owner rank %d out of range", id, ownerRank)
		}
		agentType, _ := gid.Decode(id, totalAgentTypes)

		pubSize, err := registry.PublicStructSize(agentType)
		if err != nil {
			return nil, err
		}
		publicOffset[id] = runningPublic[ownerRank]
		runningPublic[ownerRank] += pubSize

		critSize, err := registry.CriticalStructSize(agentType)
		if err != nil {
			return nil, err
		}
		criticalOffset[id] = criticalRunning
		criticalRunning += critSize
	}

	maxUsed := 0
	for _, used := range runningPublic {
		if used > maxUsed {
			maxUsed = used
		}
	}

	return &OffsetTable{
		Public:             publicOffset,
		Critical:           criticalOffset,
		PublicWindowSize:   2 * maxUsed,
		CriticalWindowSize: criticalRunning,
	}, nil
}
