package storage

import (
	"encoding/json"
	"errors"

	"distsim/internal/model"
)

const (
	CurrentSchemaVersion = 1
	CurrentCodecVersion  = 1
)

var ErrVersionMismatch = errors.New("record version mismatch")

func EncodeCheckpoint(c model.CheckpointRecord) ([]byte, error) {
	return json.Marshal(c)
}

func DecodeCheckpoint(data []byte) (model.CheckpointRecord, error) {
	var checkpoint model.CheckpointRecord
	if err := json.Unmarshal(data, &checkpoint); err != nil {
		return model.CheckpointRecord{}, err
	}
	if err := checkVersion(checkpoint.VersionedRecord); err != nil {
		return model.CheckpointRecord{}, err
	}
	return checkpoint, nil
}

func EncodeRunMetadata(r model.RunMetadata) ([]byte, error) {
	return json.Marshal(r)
}

func DecodeRunMetadata(data []byte) (model.RunMetadata, error) {
	var meta model.RunMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return model.RunMetadata{}, err
	}
	if err := checkVersion(meta.VersionedRecord); err != nil {
		return model.RunMetadata{}, err
	}
	return meta, nil
}

func checkVersion(v model.VersionedRecord) error {
	if v.SchemaVersion != CurrentSchemaVersion || v.CodecVersion != CurrentCodecVersion {
		return ErrVersionMismatch
	}
	return nil
}
