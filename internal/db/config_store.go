package db

import (
	"fmt"
	"net/url"
	"time"

	"github.com/banshee-data/positioning.control/internal/config"
)

// LoadConfig returns the stored configuration. found is false when nothing
// has been stored yet, in which case the defaults are returned.
func (db *DB) LoadConfig() (cfg config.Config, found bool, err error) {
	rows, err := db.Query(`SELECT key, value FROM config`)
	if err != nil {
		return config.Config{}, false, fmt.Errorf("query config: %w", err)
	}
	defer rows.Close()

	values := url.Values{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return config.Config{}, false, fmt.Errorf("scan config: %w", err)
		}
		values.Set(k, v)
	}
	if err := rows.Err(); err != nil {
		return config.Config{}, false, err
	}
	if len(values) == 0 {
		return config.Defaults(), false, nil
	}

	// keys written by a newer build are skipped rather than failing boot
	known := url.Values{}
	for _, name := range config.FieldNames() {
		if v, ok := values[name]; ok {
			known[name] = v
		}
	}
	cfg, err = config.ParseForm(known, config.Defaults())
	if err != nil {
		return config.Config{}, true, fmt.Errorf("stored configuration invalid: %w", err)
	}
	return cfg, true, nil
}

// SaveConfig writes every field of cfg in one transaction.
func (db *DB) SaveConfig(cfg config.Config) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO config (key, value, updated_at_ms) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at_ms = excluded.updated_at_ms
	`)
	if err != nil {
		return fmt.Errorf("prepare config upsert: %w", err)
	}
	defer stmt.Close()

	now := nowMillis(time.Now())
	for key, vals := range cfg.Values() {
		if _, err := stmt.Exec(key, vals[0], now); err != nil {
			return fmt.Errorf("store %s: %w", key, err)
		}
	}
	return tx.Commit()
}

// SeedConfig stores cfg only when no configuration exists. It reports
// whether it wrote anything.
func (db *DB) SeedConfig(cfg config.Config) (bool, error) {
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM config`).Scan(&n); err != nil {
		return false, err
	}
	if n > 0 {
		return false, nil
	}
	return true, db.SaveConfig(cfg)
}
