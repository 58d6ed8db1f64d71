// Package gid implements the global-id encoding contract of spec §3: a
// stable identifier for an agent encoding both its type and its local id,
// used by routing to recover the type without a lookup.
package gid

// GlobalID is the pair (type, local-id) encoded as
// local-id*Ta + type, so that type = gid mod Ta and local-id = gid div Ta.
type GlobalID int64

// MasterID identifies a peer (master) owning a subset of the population.
type MasterID int

// Encode builds a GlobalID from an agent type and its local id, given the
// total number of agent types Ta currently registered.
func Encode(agentType int, localID int64, totalAgentTypes int) GlobalID {
	return GlobalID(localID*int64(totalAgentTypes) + int64(agentType))
}

// Decode recovers (agentType, localID) from a GlobalID.
func Decode(id GlobalID, totalAgentTypes int) (agentType int, localID int64) {
	ta := int64(totalAgentTypes)
	agentType = int(int64(id) % ta)
	localID = int64(id) / ta
	return agentType, localID
}
