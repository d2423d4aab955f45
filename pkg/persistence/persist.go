package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"storyroom/pkg/statemachine"
)

// MachineStore adapts Repository to statemachine.StateStore so room
// lifecycle and chapter progression state machines can persist through the
// same database as every other entity.
type MachineStore struct {
	db *sql.DB
}

// NewMachineStore wraps db in a statemachine.StateStore.
func NewMachineStore(db *sql.DB) *MachineStore {
	return &MachineStore{db: db}
}

// Save persists value (a map[string]any, per BaseStateMachine.Persist) under entityID.
func (s *MachineStore) Save(entityID string, value any) error {
	blob, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal machine state: %w", err)
	}
	_, err = s.db.ExecContext(context.Background(), `
		INSERT INTO machine_states (entity_id, state_json, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(entity_id) DO UPDATE SET state_json=excluded.state_json, updated_at=excluded.updated_at`,
		entityID, string(blob), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save machine state: %w", err)
	}
	return nil
}

// Load restores a previously saved state into dest (a *map[string]any).
func (s *MachineStore) Load(entityID string, dest any) error {
	row := s.db.QueryRowContext(context.Background(), `SELECT state_json FROM machine_states WHERE entity_id = ?`, entityID)
	var blob string
	if err := row.Scan(&blob); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return statemachine.ErrStateNotFound
		}
		return fmt.Errorf("failed to load machine state: %w", err)
	}
	if err := json.Unmarshal([]byte(blob), dest); err != nil {
		return fmt.Errorf("failed to unmarshal machine state: %w", err)
	}
	return nil
}

var _ statemachine.StateStore = (*MachineStore)(nil)
