package bunstore

import (
	"context"
	"fmt"
	"time"
)

// GetConfigValues returns all persisted configuration rows.
func (s *Store) GetConfigValues(ctx context.Context) (map[string]string, error) {
	var models []configModel
	err := s.db.NewSelect().Model(&models).Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("sluice/bun: get config values: %w", err)
	}

	values := make(map[string]string, len(models))
	for _, m := range models {
		values[m.Key] = m.Value
	}
	return values, nil
}

// SetConfigValue upserts one configuration row.
func (s *Store) SetConfigValue(ctx context.Context, key, value string) error {
	m := &configModel{
		Key:       key,
		Value:     value,
		UpdatedAt: time.Now().UTC(),
	}
	_, err := s.db.NewInsert().Model(m).
		On("CONFLICT (key) DO UPDATE").
		Set("value = EXCLUDED.value").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("sluice/bun: set config value: %w", err)
	}
	return nil
}
