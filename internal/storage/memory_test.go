package storage

import (
	"context"
	"testing"

	"distsim/internal/model"
)

func TestMemoryStoreCheckpointRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}

	input := model.CheckpointRecord{
		VersionedRecord: model.VersionedRecord{SchemaVersion: CurrentSchemaVersion, CodecVersion: CurrentCodecVersion},
		RunToken:        "run-1",
		Step:            3,
		Owners:          []model.OwnerMapEntry{{GID: 10, Master: 0}},
		AgentCounts:     map[string]int{"Predator": 1},
	}
	if err := store.SaveCheckpoint(ctx, input); err != nil {
		t.Fatalf("save checkpoint: %v", err)
	}

	output, ok, err := store.GetCheckpoint(ctx, "run-1", 3)
	if err != nil {
		t.Fatalf("get checkpoint: %v", err)
	}
	if !ok {
		t.Fatal("expected persisted checkpoint")
	}
	if output.Step != 3 || output.AgentCounts["Predator"] != 1 {
		t.Fatalf("unexpected checkpoint: %+v", output)
	}
}

func TestMemoryStoreLatestCheckpointTracksHighestStep(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}

	for _, step := range []int{1, 5, 3} {
		c := model.CheckpointRecord{
			VersionedRecord: model.VersionedRecord{SchemaVersion: CurrentSchemaVersion, CodecVersion: CurrentCodecVersion},
			RunToken:        "run-1",
			Step:            step,
		}
		if err := store.SaveCheckpoint(ctx, c); err != nil {
			t.Fatalf("save checkpoint step %d: %v", step, err)
		}
	}

	latest, ok, err := store.LatestCheckpoint(ctx, "run-1")
	if err != nil {
		t.Fatalf("latest checkpoint: %v", err)
	}
	if !ok {
		t.Fatal("expected a latest checkpoint")
	}
	if latest.Step != 5 {
		t.Fatalf("expected latest step 5, got %d", latest.Step)
	}
}

func TestMemoryStoreLatestCheckpointMissingRun(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}

	_, ok, err := store.LatestCheckpoint(ctx, "no-such-run")
	if err != nil {
		t.Fatalf("latest checkpoint: %v", err)
	}
	if ok {
		t.Fatal("expected no checkpoint for unknown run")
	}
}

func TestMemoryStoreRunMetadataRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}

	input := model.RunMetadata{
		VersionedRecord: model.VersionedRecord{SchemaVersion: CurrentSchemaVersion, CodecVersion: CurrentCodecVersion},
		RunToken:        "run-1",
		TotalMasters:    2,
		SocketPath:      "/tmp/distsim.sock",
		LastStep:        10,
	}
	if err := store.SaveRunMetadata(ctx, input); err != nil {
		t.Fatalf("save run metadata: %v", err)
	}

	output, ok, err := store.GetRunMetadata(ctx, "run-1")
	if err != nil {
		t.Fatalf("get run metadata: %v", err)
	}
	if !ok {
		t.Fatal("expected persisted run metadata")
	}
	if output.TotalMasters != 2 || output.LastStep != 10 {
		t.Fatalf("unexpected run metadata: %+v", output)
	}
}
