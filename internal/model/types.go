package model

// VersionedRecord captures schema and codec evolution for persistent data.
type VersionedRecord struct {
	SchemaVersion int `json:"schema_version"`
	CodecVersion  int `json:"codec_version"`
}

// OwnerMapEntry is one gid -> owning-master pair, the unit the owner map is
// persisted as.
type OwnerMapEntry struct {
	GID    int64 `json:"gid"`
	Master int   `json:"master"`
}

// CheckpointRecord is a point-in-time snapshot of a run's distributed
// bookkeeping: the owner map and per-type agent counts as of Step. It does
// not carry agent attribute data; that is the snapshot exporter's concern.
type CheckpointRecord struct {
	VersionedRecord
	RunToken    string          `json:"run_token"`
	Step        int             `json:"step"`
	Owners      []OwnerMapEntry `json:"owners"`
	AgentCounts map[string]int  `json:"agent_counts"`
}

// RunMetadata identifies one control-plane run: the token IPC clients use to
// address it, its topology, and the last step it completed.
type RunMetadata struct {
	VersionedRecord
	RunToken     string `json:"run_token"`
	TotalMasters int    `json:"total_masters"`
	SocketPath   string `json:"socket_path"`
	StartedAt    int64  `json:"started_at"`
	LastStep     int    `json:"last_step"`
}
