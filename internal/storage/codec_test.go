package storage

import (
	"errors"
	"reflect"
	"testing"

	"distsim/internal/model"
)

func TestCheckpointCodecRoundTrip(t *testing.T) {
	input := model.CheckpointRecord{
		VersionedRecord: model.VersionedRecord{SchemaVersion: CurrentSchemaVersion, CodecVersion: CurrentCodecVersion},
		RunToken:        "run-1",
		Step:            7,
		Owners: []model.OwnerMapEntry{
			{GID: 10, Master: 0},
			{GID: 11, Master: 1},
		},
		AgentCounts: map[string]int{"Predator": 3, "Prey": 9},
	}

	encoded, err := EncodeCheckpoint(input)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := DecodeCheckpoint(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !reflect.DeepEqual(decoded, input) {
		t.Fatalf("roundtrip mismatch\ngot=%+v\nwant=%+v", decoded, input)
	}
}

func TestCheckpointCodecVersionMismatch(t *testing.T) {
	input := model.CheckpointRecord{
		VersionedRecord: model.VersionedRecord{SchemaVersion: CurrentSchemaVersion, CodecVersion: CurrentCodecVersion + 1},
		RunToken:        "run-1",
	}
	encoded, err := EncodeCheckpoint(input)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	_, err = DecodeCheckpoint(encoded)
	if !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("expected ErrVersionMismatch, got %v", err)
	}
}

func TestRunMetadataCodecRoundTrip(t *testing.T) {
	input := model.RunMetadata{
		VersionedRecord: model.VersionedRecord{SchemaVersion: CurrentSchemaVersion, CodecVersion: CurrentCodecVersion},
		RunToken:        "run-1",
		TotalMasters:    4,
		SocketPath:      "/tmp/distsim.sock",
		StartedAt:       1000,
		LastStep:        42,
	}
	encoded, err := EncodeRunMetadata(input)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := DecodeRunMetadata(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !reflect.DeepEqual(decoded, input) {
		t.Fatalf("roundtrip mismatch\ngot=%+v\nwant=%+v", decoded, input)
	}
}

func TestRunMetadataCodecVersionMismatch(t *testing.T) {
	input := model.RunMetadata{
		VersionedRecord: model.VersionedRecord{SchemaVersion: CurrentSchemaVersion + 1, CodecVersion: CurrentCodecVersion},
		RunToken:        "run-1",
	}
	encoded, err := EncodeRunMetadata(input)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	_, err = DecodeRunMetadata(encoded)
	if !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("expected ErrVersionMismatch, got %v", err)
	}
}
