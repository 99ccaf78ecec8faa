package store

import (
	"database/sql"
	"fmt"
	"time"
)

// GetValue returns the stored value and whether it exists.
func (s *Store) GetValue(appID, installID, key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRow(
		`SELECT value FROM kv WHERE app_id = ? AND install_id = ? AND key = ?`,
		appID, installID, key,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("reading value: %w", err)
	}
	return value, true, nil
}

func (s *Store) SetValue(appID, installID, key string, value []byte) error {
	err := retryOnBusy(func() error {
		_, e := s.db.Exec(
			`INSERT INTO kv (app_id, install_id, key, value, updated_at) VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT (app_id, install_id, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			appID, installID, key, value, time.Now().UTC(),
		)
		return e
	})
	if err != nil {
		return fmt.Errorf("writing value: %w", err)
	}
	return nil
}

// DeleteValue removes key. Deleting a missing key is not an error.
func (s *Store) DeleteValue(appID, installID, key string) error {
	err := retryOnBusy(func() error {
		_, e := s.db.Exec(
			`DELETE FROM kv WHERE app_id = ? AND install_id = ? AND key = ?`,
			appID, installID, key,
		)
		return e
	})
	if err != nil {
		return fmt.Errorf("deleting value: %w", err)
	}
	return nil
}
