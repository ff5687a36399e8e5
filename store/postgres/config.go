package postgres

import (
	"context"
	"fmt"
)

// GetConfigValues returns all persisted configuration rows.
func (s *Store) GetConfigValues(ctx context.Context) (map[string]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT key, value FROM sluice_config`)
	if err != nil {
		return nil, fmt.Errorf("sluice/postgres: get config values: %w", err)
	}
	defer rows.Close()

	values := make(map[string]string)
	for rows.Next() {
		var key, value string
		if scanErr := rows.Scan(&key, &value); scanErr != nil {
			return nil, fmt.Errorf("sluice/postgres: scan config row: %w", scanErr)
		}
		values[key] = value
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("sluice/postgres: iterate config rows: %w", err)
	}
	return values, nil
}

// SetConfigValue upserts one configuration row.
func (s *Store) SetConfigValue(ctx context.Context, key, value string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sluice_config (key, value)
		VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET
			value = EXCLUDED.value,
			updated_at = NOW()`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("sluice/postgres: set config value: %w", err)
	}
	return nil
}
