package store

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"msgpilot/internal/model"
)

func (s *Store) Settings(ctx context.Context, identityKey string) (model.Settings, error) {
	var (
		settings        model.Settings
		presenceEnabled int
		presenceRaw     string
		autoDeleteRaw   string
	)
	err := s.db.QueryRowContext(ctx, `
SELECT channel_id, presence_enabled, presence, auto_delete
FROM settings WHERE identity_key = ?`, identityKey).Scan(
		&settings.ChannelID, &presenceEnabled, &presenceRaw, &autoDeleteRaw)
	if err == sql.ErrNoRows {
		return model.Settings{}, nil
	}
	if err != nil {
		return model.Settings{}, fmt.Errorf("load settings: %w", err)
	}

	settings.PresenceEnabled = presenceEnabled != 0
	if err := json.Unmarshal([]byte(presenceRaw), &settings.Presence); err != nil {
		return model.Settings{}, fmt.Errorf("decode presence: %w", err)
	}
	if err := json.Unmarshal([]byte(autoDeleteRaw), &settings.AutoDelete); err != nil {
		return model.Settings{}, fmt.Errorf("decode auto-delete: %w", err)
	}
	return settings, nil
}

func (s *Store) SaveSettings(ctx context.Context, identityKey string, settings model.Settings) error {
	presenceRaw, err := json.Marshal(settings.Presence)
	if err != nil {
		return err
	}
	autoDeleteRaw, err := json.Marshal(settings.AutoDelete)
	if err != nil {
		return err
	}

	enabled := 0
	if settings.PresenceEnabled {
		enabled = 1
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO settings (identity_key, channel_id, presence_enabled, presence, auto_delete)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(identity_key) DO UPDATE SET
	channel_id = excluded.channel_id,
	presence_enabled = excluded.presence_enabled,
	presence = excluded.presence,
	auto_delete = excluded.auto_delete`,
		identityKey, settings.ChannelID, enabled, string(presenceRaw), string(autoDeleteRaw))
	if err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}

// ChallengeState reads the persisted lock; absent rows mean unlocked.
func (s *Store) ChallengeState(ctx context.Context, identityKey string) (model.ChallengeState, error) {
	var (
		state    model.ChallengeState
		active   int
		evidence sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
SELECT active, evidence, updated_at FROM challenge_states WHERE identity_key = ?`,
		identityKey).Scan(&active, &evidence, &state.UpdatedAt)
	if err == sql.ErrNoRows {
		return model.ChallengeState{}, nil
	}
	if err != nil {
		return model.ChallengeState{}, fmt.Errorf("load challenge state: %w", err)
	}

	state.Active = active != 0
	if evidence.Valid && evidence.String != "" {
		blob, err := base64.StdEncoding.DecodeString(evidence.String)
		if err != nil {
			return model.ChallengeState{}, fmt.Errorf("decode evidence: %w", err)
		}
		state.Evidence = blob
	}
	return state, nil
}

func (s *Store) SaveChallengeState(ctx context.Context, identityKey string, state model.ChallengeState) error {
	active := 0
	if state.Active {
		active = 1
	}
	var evidence interface{}
	if len(state.Evidence) > 0 {
		evidence = base64.StdEncoding.EncodeToString(state.Evidence)
	}

	updatedAt := state.UpdatedAt
	if updatedAt == 0 {
		updatedAt = time.Now().UnixMilli()
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO challenge_states (identity_key, active, evidence, updated_at)
VALUES (?, ?, ?, ?)
ON CONFLICT(identity_key) DO UPDATE SET
	active = excluded.active,
	evidence = excluded.evidence,
	updated_at = excluded.updated_at`,
		identityKey, active, evidence, updatedAt)
	if err != nil {
		return fmt.Errorf("save challenge state: %w", err)
	}
	return nil
}
