//go:build sqlite

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"distsim/internal/model"

	_ "modernc.org/sqlite"
)

type SQLiteStore struct {
	path string

	mu sync.RWMutex
	db *sql.DB
}

func NewSQLiteStore(path string) *SQLiteStore {
	return &SQLiteStore{path: path}
}

func (s *SQLiteStore) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.path == "" {
		return errors.New("sqlite path is required")
	}
	if s.db != nil {
		return nil
	}

	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return err
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return err
	}

	if err := createTables(ctx, db); err != nil {
		_ = db.Close()
		return err
	}

	s.db = db
	return nil
}

func (s *SQLiteStore) SaveCheckpoint(ctx context.Context, checkpoint model.CheckpointRecord) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}

	payload, err := EncodeCheckpoint(checkpoint)
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO checkpoints (run_token, step, payload)
		VALUES (?, ?, ?)
		ON CONFLICT(run_token, step) DO UPDATE SET
			payload = excluded.payload
	`, checkpoint.RunToken, checkpoint.Step, payload)
	return err
}

func (s *SQLiteStore) GetCheckpoint(ctx context.Context, runToken string, step int) (model.CheckpointRecord, bool, error) {
	db, err := s.getDB()
	if err != nil {
		return model.CheckpointRecord{}, false, err
	}

	var payload []byte
	err = db.QueryRowContext(ctx, `SELECT payload FROM checkpoints WHERE run_token = ? AND step = ?`, runToken, step).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.CheckpointRecord{}, false, nil
		}
		return model.CheckpointRecord{}, false, err
	}

	checkpoint, err := DecodeCheckpoint(payload)
	if err != nil {
		return model.CheckpointRecord{}, false, fmt.Errorf("decode checkpoint %s/%d: %w", runToken, step, err)
	}
	return checkpoint, true, nil
}

func (s *SQLiteStore) LatestCheckpoint(ctx context.Context, runToken string) (model.CheckpointRecord, bool, error) {
	db, err := s.getDB()
	if err != nil {
		return model.CheckpointRecord{}, false, err
	}

	var payload []byte
	err = db.QueryRowContext(ctx, `
		SELECT payload FROM checkpoints WHERE run_token = ? ORDER BY step DESC LIMIT 1
	`, runToken).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.CheckpointRecord{}, false, nil
		}
		return model.CheckpointRecord{}, false, err
	}

	checkpoint, err := DecodeCheckpoint(payload)
	if err != nil {
		return model.CheckpointRecord{}, false, fmt.Errorf("decode latest checkpoint %s: %w", runToken, err)
	}
	return checkpoint, true, nil
}

func (s *SQLiteStore) SaveRunMetadata(ctx context.Context, meta model.RunMetadata) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}

	payload, err := EncodeRunMetadata(meta)
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO run_metadata (run_token, payload)
		VALUES (?, ?)
		ON CONFLICT(run_token) DO UPDATE SET
			payload = excluded.payload
	`, meta.RunToken, payload)
	return err
}

func (s *SQLiteStore) GetRunMetadata(ctx context.Context, runToken string) (model.RunMetadata, bool, error) {
	db, err := s.getDB()
	if err != nil {
		return model.RunMetadata{}, false, err
	}

	var payload []byte
	err = db.QueryRowContext(ctx, `SELECT payload FROM run_metadata WHERE run_token = ?`, runToken).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.RunMetadata{}, false, nil
		}
		return model.RunMetadata{}, false, err
	}

	meta, err := DecodeRunMetadata(payload)
	if err != nil {
		return model.RunMetadata{}, false, fmt.Errorf("decode run metadata %s: %w", runToken, err)
	}
	return meta, true, nil
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *SQLiteStore) getDB() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return nil, errors.New("store is not initialized")
	}
	return s.db, nil
}

func createTables(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS checkpoints (
			run_token TEXT NOT NULL,
			step INTEGER NOT NULL,
			payload BLOB NOT NULL,
			PRIMARY KEY (run_token, step)
		);
		CREATE TABLE IF NOT EXISTS run_metadata (
			run_token TEXT PRIMARY KEY,
			payload BLOB NOT NULL
		);
	`)
	return err
}
