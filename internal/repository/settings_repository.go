package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// SettingsRepository is the durable key-value configuration store shared by
// the token manager and the batch scheduler. Every write is a single upsert
// so a crash never leaves a half-written value behind.
type SettingsRepository struct {
	db *sqlx.DB
}

// NewSettingsRepository constructs the repository.
func NewSettingsRepository(db *sqlx.DB) *SettingsRepository {
	return &SettingsRepository{db: db}
}

// Get returns the stored value for a setting, or "" when unset.
func (r *SettingsRepository) Get(ctx context.Context, name string) (string, error) {
	const query = `SELECT value FROM sync_settings WHERE name = $1`
	var value string
	if err := r.db.GetContext(ctx, &value, query, name); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("get setting %s: %w", name, err)
	}
	return value, nil
}

// Set upserts the value for a setting.
func (r *SettingsRepository) Set(ctx context.Context, name, value string) error {
	const query = `INSERT INTO sync_settings (name, value, updated_at) VALUES ($1, $2, $3)
        ON CONFLICT (name) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`
	if _, err := r.db.ExecContext(ctx, query, name, value, time.Now().UTC()); err != nil {
		return fmt.Errorf("set setting %s: %w", name, err)
	}
	return nil
}

// Delete removes a setting entirely.
func (r *SettingsRepository) Delete(ctx context.Context, name string) error {
	const query = `DELETE FROM sync_settings WHERE name = $1`
	if _, err := r.db.ExecContext(ctx, query, name); err != nil {
		return fmt.Errorf("delete setting %s: %w", name, err)
	}
	return nil
}
