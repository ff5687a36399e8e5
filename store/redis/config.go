package redis

import (
	"context"
	"fmt"
)

// GetConfigValues returns all persisted configuration values.
func (s *Store) GetConfigValues(ctx context.Context) (map[string]string, error) {
	vals, err := s.client.HGetAll(ctx, configKey).Result()
	if err != nil {
		return nil, fmt.Errorf("sluice/redis: get config values: %w", err)
	}
	return vals, nil
}

// SetConfigValue persists a single configuration value.
func (s *Store) SetConfigValue(ctx context.Context, key, value string) error {
	if err := s.client.HSet(ctx, configKey, key, value).Err(); err != nil {
		return fmt.Errorf("sluice/redis: set config value: %w", err)
	}
	return nil
}
