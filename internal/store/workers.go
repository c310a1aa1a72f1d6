package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"msgpilot/internal/model"
)

// DefaultWorkerConfig matches what a freshly-added worker gets before the
// operator tunes it.
func DefaultWorkerConfig() model.WorkerConfig {
	return model.WorkerConfig{
		Channels:   []string{},
		MinDelayMs: 8000,
		MaxDelayMs: 9000,
		Source:     model.SourceRandom,
	}
}

func (s *Store) AddWorker(ctx context.Context, ownerKey, credential string) (int64, error) {
	encrypted, err := s.box.Encrypt(credential)
	if err != nil {
		return 0, fmt.Errorf("encrypt worker credential: %w", err)
	}
	raw, err := json.Marshal(DefaultWorkerConfig())
	if err != nil {
		return 0, err
	}

	res, err := s.db.ExecContext(ctx, `
INSERT INTO workers (owner_key, encrypted_credential, config) VALUES (?, ?, ?)`,
		ownerKey, encrypted, string(raw))
	if err != nil {
		return 0, fmt.Errorf("insert worker: %w", err)
	}
	return res.LastInsertId()
}

func (s *Store) Worker(ctx context.Context, ownerKey string, id int64) (model.Worker, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, owner_key, display_name, encrypted_credential, config, active
FROM workers WHERE id = ? AND owner_key = ?`, id, ownerKey)
	w, err := s.scanWorker(row)
	if err == sql.ErrNoRows {
		return model.Worker{}, ErrWorkerNotFound
	}
	return w, err
}

func (s *Store) Workers(ctx context.Context, ownerKey string) ([]model.Worker, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, owner_key, display_name, encrypted_credential, config, active
FROM workers WHERE owner_key = ? ORDER BY id`, ownerKey)
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	defer rows.Close()
	return s.collectWorkers(rows)
}

// ActiveWorkers returns every worker marked active across all owners, for
// fleet restore on boot.
func (s *Store) ActiveWorkers(ctx context.Context) ([]model.Worker, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, owner_key, display_name, encrypted_credential, config, active
FROM workers WHERE active = 1 ORDER BY owner_key, id`)
	if err != nil {
		return nil, fmt.Errorf("list active workers: %w", err)
	}
	defer rows.Close()
	return s.collectWorkers(rows)
}

func (s *Store) DeleteWorker(ctx context.Context, ownerKey string, id int64) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM workers WHERE id = ? AND owner_key = ?`, id, ownerKey)
	if err != nil {
		return fmt.Errorf("delete worker: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrWorkerNotFound
	}
	return nil
}

func (s *Store) SetWorkerActive(ctx context.Context, ownerKey string, id int64, active bool) error {
	val := 0
	if active {
		val = 1
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE workers SET active = ? WHERE id = ? AND owner_key = ?`, val, id, ownerKey)
	if err != nil {
		return fmt.Errorf("update worker status: %w", err)
	}
	return nil
}

func (s *Store) SetWorkerConfig(ctx context.Context, ownerKey string, id int64, cfg model.WorkerConfig) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE workers SET config = ? WHERE id = ? AND owner_key = ?`, string(raw), id, ownerKey)
	if err != nil {
		return fmt.Errorf("update worker config: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrWorkerNotFound
	}
	return nil
}

func (s *Store) SetWorkerDisplayName(ctx context.Context, ownerKey string, id int64, name string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE workers SET display_name = ? WHERE id = ? AND owner_key = ?`, name, id, ownerKey)
	if err != nil {
		return fmt.Errorf("update worker name: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (s *Store) scanWorker(row rowScanner) (model.Worker, error) {
	var (
		w         model.Worker
		encrypted string
		rawCfg    string
		active    int
	)
	if err := row.Scan(&w.ID, &w.OwnerID, &w.DisplayName, &encrypted, &rawCfg, &active); err != nil {
		return model.Worker{}, err
	}
	w.Active = active != 0

	if err := json.Unmarshal([]byte(rawCfg), &w.Config); err != nil {
		return model.Worker{}, fmt.Errorf("decode worker config: %w", err)
	}
	cred, err := s.box.Decrypt(encrypted)
	if err != nil {
		return model.Worker{}, err
	}
	w.Credential = cred
	return w, nil
}

func (s *Store) collectWorkers(rows *sql.Rows) ([]model.Worker, error) {
	workers := make([]model.Worker, 0)
	for rows.Next() {
		w, err := s.scanWorker(rows)
		if err != nil {
			return nil, err
		}
		workers = append(workers, w)
	}
	return workers, rows.Err()
}
