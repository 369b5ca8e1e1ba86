package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const stateTimeout = 5 * time.Second

// StateStore keeps the agent's key/value state in the local_state table.
type StateStore struct {
	db *DB
}

func NewStateStore(database *DB) *StateStore {
	return &StateStore{db: database}
}

func (s *StateStore) Get(key string) (string, bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), stateTimeout)
	defer cancel()

	var value string
	err := s.db.QueryRowContext(ctx, GetState, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get state %s: %w", key, err)
	}
	return value, true, nil
}

func (s *StateStore) Set(key, value string) error {
	ctx, cancel := context.WithTimeout(context.Background(), stateTimeout)
	defer cancel()

	if _, err := s.db.ExecContext(ctx, UpsertState, key, value); err != nil {
		return fmt.Errorf("failed to set state %s: %w", key, err)
	}
	return nil
}

func (s *StateStore) Delete(key string) error {
	ctx, cancel := context.WithTimeout(context.Background(), stateTimeout)
	defer cancel()

	if _, err := s.db.ExecContext(ctx, DeleteState, key); err != nil {
		return fmt.Errorf("failed to delete state %s: %w", key, err)
	}
	return nil
}

func (s *StateStore) Keys() ([]string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), stateTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, ListStateKeys)
	if err != nil {
		return nil, fmt.Errorf("failed to list state keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("failed to scan state key: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}
