package storage

import (
	"context"

	"distsim/internal/model"
)

// Store persists the control plane's run bookkeeping: named checkpoints of
// the owner map and agent counts, and the run metadata an operator's IPC
// client looks up by run token after reattaching to a running process.
type Store interface {
	Init(ctx context.Context) error
	SaveCheckpoint(ctx context.Context, checkpoint model.CheckpointRecord) error
	GetCheckpoint(ctx context.Context, runToken string, step int) (model.CheckpointRecord, bool, error)
	LatestCheckpoint(ctx context.Context, runToken string) (model.CheckpointRecord, bool, error)
	SaveRunMetadata(ctx context.Context, meta model.RunMetadata) error
	GetRunMetadata(ctx context.Context, runToken string) (model.RunMetadata, bool, error)
}
