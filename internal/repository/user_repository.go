package repository

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/sis-enrol-sync/internal/models"
)

// UserRepository resolves SIS student identifiers to local user accounts.
type UserRepository struct {
	db *sqlx.DB
}

// NewUserRepository constructs the repository.
func NewUserRepository(db *sqlx.DB) *UserRepository {
	return &UserRepository{db: db}
}

// FindByExternalID returns the local user whose external identifier matches
// the SIS student id. sql.ErrNoRows means the student has no local account.
func (r *UserRepository) FindByExternalID(ctx context.Context, externalID string) (*models.User, error) {
	const query = `SELECT id, external_id, full_name, email, active FROM users WHERE external_id = $1`
	var user models.User
	if err := r.db.GetContext(ctx, &user, query, externalID); err != nil {
		return nil, err
	}
	return &user, nil
}
