package store

import (
	"context"
	"encoding/json"
	"fmt"

	"msgpilot/internal/model"
)

func (s *Store) Commands(ctx context.Context, identityKey string) ([]model.Command, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT command_data FROM commands WHERE identity_key = ? ORDER BY id`, identityKey)
	if err != nil {
		return nil, fmt.Errorf("list commands: %w", err)
	}
	defer rows.Close()

	cmds := make([]model.Command, 0)
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var cmd model.Command
		if err := json.Unmarshal([]byte(raw), &cmd); err != nil {
			return nil, fmt.Errorf("decode command: %w", err)
		}
		cmds = append(cmds, cmd)
	}
	return cmds, rows.Err()
}

// SaveCommands replaces the whole list transactionally so a crash can never
// leave a half-written command set.
func (s *Store) SaveCommands(ctx context.Context, identityKey string, cmds []model.Command) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM commands WHERE identity_key = ?`, identityKey); err != nil {
		return fmt.Errorf("clear commands: %w", err)
	}
	for _, cmd := range cmds {
		raw, err := json.Marshal(cmd)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO commands (identity_key, command_data) VALUES (?, ?)`,
			identityKey, string(raw)); err != nil {
			return fmt.Errorf("insert command: %w", err)
		}
	}
	return tx.Commit()
}

func (s *Store) AddCommand(ctx context.Context, identityKey string, cmd model.Command) ([]model.Command, error) {
	cmds, err := s.Commands(ctx, identityKey)
	if err != nil {
		return nil, err
	}
	cmds = append(cmds, cmd)
	if err := s.SaveCommands(ctx, identityKey, cmds); err != nil {
		return nil, err
	}
	return cmds, nil
}

func (s *Store) UpdateCommand(ctx context.Context, identityKey string, index int, cmd model.Command) ([]model.Command, error) {
	cmds, err := s.Commands(ctx, identityKey)
	if err != nil {
		return nil, err
	}
	if index < 0 || index >= len(cmds) {
		return nil, ErrInvalidIndex
	}
	cmds[index] = cmd
	if err := s.SaveCommands(ctx, identityKey, cmds); err != nil {
		return nil, err
	}
	return cmds, nil
}

func (s *Store) DeleteCommand(ctx context.Context, identityKey string, index int) ([]model.Command, error) {
	cmds, err := s.Commands(ctx, identityKey)
	if err != nil {
		return nil, err
	}
	if index < 0 || index >= len(cmds) {
		return nil, ErrInvalidIndex
	}
	cmds = append(cmds[:index], cmds[index+1:]...)
	if err := s.SaveCommands(ctx, identityKey, cmds); err != nil {
		return nil, err
	}
	return cmds, nil
}

func (s *Store) IncrementCommandUsage(ctx context.Context, identityKey, text string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO command_stats (identity_key, command_text, count) VALUES (?, ?, 1)
ON CONFLICT(identity_key, command_text) DO UPDATE SET count = count + 1`,
		identityKey, text)
	if err != nil {
		return fmt.Errorf("increment usage: %w", err)
	}
	return nil
}

func (s *Store) CommandStats(ctx context.Context, identityKey string) ([]model.CommandStat, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT command_text, count FROM command_stats
WHERE identity_key = ? ORDER BY count DESC`, identityKey)
	if err != nil {
		return nil, fmt.Errorf("list stats: %w", err)
	}
	defer rows.Close()

	stats := make([]model.CommandStat, 0)
	for rows.Next() {
		var st model.CommandStat
		if err := rows.Scan(&st.Text, &st.Count); err != nil {
			return nil, err
		}
		stats = append(stats, st)
	}
	return stats, rows.Err()
}
