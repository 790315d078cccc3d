// Package store persists pruning runs and their checkpoint logits to
// SQLite so experiments can be compared after the fact.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// RunRecord is one pruning run's metadata.
type RunRecord struct {
	ID         string    `json:"id"`
	CreatedAt  time.Time `json:"created_at"`
	InputType  string    `json:"input_type"`
	PatchType  string    `json:"patch_type"`
	EdgeCounts []int     `json:"edge_counts"`
	// Config is the raw experiment configuration the run was launched with.
	Config string `json:"config,omitempty"`
	// KLDiv is the divergence introduced by latent pruning, when the run
	// included one. ActivatedLatents and RetainedLatents hold the per-layer
	// dictionary sizes before and after that pruning.
	KLDiv            float64 `json:"kl_div"`
	ActivatedLatents []int   `json:"activated_latents,omitempty"`
	RetainedLatents  []int   `json:"retained_latents,omitempty"`
}

// CheckpointRecord holds the logits recorded at one circuit size for one
// batch.
type CheckpointRecord struct {
	RunID     string    `json:"run_id"`
	EdgeCount int       `json:"edge_count"`
	BatchIdx  int       `json:"batch_idx"`
	Shape     []int     `json:"shape"`
	Logits    []float32 `json:"logits"`
}

// Store is a SQLite-backed run archive. Init must be called before use.
type Store struct {
	path string

	mu sync.RWMutex
	db *sql.DB
}

func New(path string) *Store {
	return &Store{path: path}
}

func (s *Store) Init(ctx context.Context) error {
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

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *Store) getDB() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return nil, errors.New("store is not initialized")
	}
	return s.db, nil
}

func (s *Store) SaveRun(ctx context.Context, run RunRecord) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}

	payload, err := json.Marshal(run)
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO runs (id, created_at, payload)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			created_at = excluded.created_at,
			payload = excluded.payload
	`, run.ID, run.CreatedAt.UTC().Format(time.RFC3339Nano), payload)
	return err
}

func (s *Store) GetRun(ctx context.Context, id string) (RunRecord, bool, error) {
	db, err := s.getDB()
	if err != nil {
		return RunRecord{}, false, err
	}

	var payload []byte
	err = db.QueryRowContext(ctx, `SELECT payload FROM runs WHERE id = ?`, id).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return RunRecord{}, false, nil
		}
		return RunRecord{}, false, err
	}

	var run RunRecord
	if err := json.Unmarshal(payload, &run); err != nil {
		return RunRecord{}, false, fmt.Errorf("decode run %s: %w", id, err)
	}
	return run, true, nil
}

func (s *Store) ListRuns(ctx context.Context) ([]RunRecord, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `SELECT payload FROM runs ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []RunRecord
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var run RunRecord
		if err := json.Unmarshal(payload, &run); err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (s *Store) SaveCheckpoint(ctx context.Context, cp CheckpointRecord) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}

	payload, err := json.Marshal(cp)
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO checkpoints (run_id, edge_count, batch_idx, payload)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(run_id, edge_count, batch_idx) DO UPDATE SET
			payload = excluded.payload
	`, cp.RunID, cp.EdgeCount, cp.BatchIdx, payload)
	return err
}

func (s *Store) ListCheckpoints(ctx context.Context, runID string) ([]CheckpointRecord, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `
		SELECT payload FROM checkpoints
		WHERE run_id = ?
		ORDER BY edge_count, batch_idx
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cps []CheckpointRecord
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var cp CheckpointRecord
		if err := json.Unmarshal(payload, &cp); err != nil {
			return nil, err
		}
		cps = append(cps, cp)
	}
	return cps, rows.Err()
}

func createTables(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			created_at TEXT NOT NULL,
			payload BLOB NOT NULL
		);
		CREATE TABLE IF NOT EXISTS checkpoints (
			run_id TEXT NOT NULL,
			edge_count INTEGER NOT NULL,
			batch_idx INTEGER NOT NULL,
			payload BLOB NOT NULL,
			PRIMARY KEY (run_id, edge_count, batch_idx)
		);
	`)
	return err
}
