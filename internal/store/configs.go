package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// ExecConfig is the installed configuration for one (app, install).
type ExecConfig struct {
	AppID          string            `json:"app_id"`
	InstallID      string            `json:"install_id"`
	PayloadURL     string            `json:"payload_url"`
	BundleHash     string            `json:"bundle_hash"`
	Env            map[string]string `json:"env,omitempty"`
	MaxConcurrency int               `json:"max_concurrency,omitempty"`
	Script         string            `json:"script,omitempty"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// PutExecConfig inserts or replaces the config for cfg's (app, install).
func (s *Store) PutExecConfig(cfg *ExecConfig) error {
	env, err := json.Marshal(cfg.Env)
	if err != nil {
		return fmt.Errorf("encoding env: %w", err)
	}
	err = retryOnBusy(func() error {
		_, e := s.db.Exec(
			`INSERT INTO exec_configs (app_id, install_id, payload_url, bundle_hash, env, max_concurrency, script, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (app_id, install_id) DO UPDATE SET
			   payload_url = excluded.payload_url,
			   bundle_hash = excluded.bundle_hash,
			   env = excluded.env,
			   max_concurrency = excluded.max_concurrency,
			   script = excluded.script,
			   updated_at = excluded.updated_at`,
			cfg.AppID, cfg.InstallID, cfg.PayloadURL, cfg.BundleHash, string(env),
			cfg.MaxConcurrency, cfg.Script, time.Now().UTC(),
		)
		return e
	})
	if err != nil {
		return fmt.Errorf("upserting exec config: %w", err)
	}
	return nil
}

func (s *Store) GetExecConfig(appID, installID string) (*ExecConfig, error) {
	row := s.db.QueryRow(
		`SELECT app_id, install_id, payload_url, bundle_hash, env, max_concurrency, script, updated_at
		 FROM exec_configs WHERE app_id = ? AND install_id = ?`, appID, installID,
	)
	cfg, err := scanExecConfig(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("exec config %s/%s: %w", appID, installID, ErrNotFound)
	}
	return cfg, err
}

func (s *Store) ListExecConfigs() ([]*ExecConfig, error) {
	rows, err := s.db.Query(
		`SELECT app_id, install_id, payload_url, bundle_hash, env, max_concurrency, script, updated_at
		 FROM exec_configs ORDER BY app_id, install_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("listing exec configs: %w", err)
	}
	defer rows.Close()

	var cfgs []*ExecConfig
	for rows.Next() {
		cfg, err := scanExecConfig(rows)
		if err != nil {
			return nil, err
		}
		cfgs = append(cfgs, cfg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating exec configs: %w", err)
	}
	return cfgs, nil
}

func (s *Store) DeleteExecConfig(appID, installID string) error {
	var result sql.Result
	err := retryOnBusy(func() error {
		var e error
		result, e = s.db.Exec(`DELETE FROM exec_configs WHERE app_id = ? AND install_id = ?`, appID, installID)
		return e
	})
	if err != nil {
		return fmt.Errorf("deleting exec config: %w", err)
	}
	return checkRowAffected(result, "exec config", appID+"/"+installID)
}

// scanExecConfig passes sql.ErrNoRows through unwrapped.
func scanExecConfig(row scannable) (*ExecConfig, error) {
	var cfg ExecConfig
	var env string
	err := row.Scan(
		&cfg.AppID, &cfg.InstallID, &cfg.PayloadURL, &cfg.BundleHash, &env,
		&cfg.MaxConcurrency, &cfg.Script, &cfg.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scanning exec config: %w", err)
	}
	if err := json.Unmarshal([]byte(env), &cfg.Env); err != nil {
		return nil, fmt.Errorf("decoding env: %w", err)
	}
	return &cfg, nil
}
