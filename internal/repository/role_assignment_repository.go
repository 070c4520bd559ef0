package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/sis-enrol-sync/internal/models"
)

// RoleAssignmentRepository handles persistence of role assignments owned by
// the sync component. Assignments made by other means are never touched.
type RoleAssignmentRepository struct {
	db *sqlx.DB
}

// NewRoleAssignmentRepository constructs the repository.
func NewRoleAssignmentRepository(db *sqlx.DB) *RoleAssignmentRepository {
	return &RoleAssignmentRepository{db: db}
}

// ListOwned returns every role assignment this component has made.
func (r *RoleAssignmentRepository) ListOwned(ctx context.Context) ([]models.RoleAssignment, error) {
	const query = `SELECT id, user_id, course_id, role, instance_id, created_at FROM role_assignments`
	var assignments []models.RoleAssignment
	if err := r.db.SelectContext(ctx, &assignments, query); err != nil {
		return nil, fmt.Errorf("list role assignments: %w", err)
	}
	return assignments, nil
}

// Create persists a new role assignment.
func (r *RoleAssignmentRepository) Create(ctx context.Context, assignment *models.RoleAssignment) error {
	if assignment.ID == "" {
		assignment.ID = uuid.NewString()
	}
	if assignment.CreatedAt.IsZero() {
		assignment.CreatedAt = time.Now().UTC()
	}
	const query = `INSERT INTO role_assignments (id, user_id, course_id, role, instance_id, created_at)
        VALUES (:id, :user_id, :course_id, :role, :instance_id, :created_at)`
	if _, err := r.db.NamedExecContext(ctx, query, assignment); err != nil {
		return fmt.Errorf("create role assignment: %w", err)
	}
	return nil
}

// Delete removes one role assignment.
func (r *RoleAssignmentRepository) Delete(ctx context.Context, id string) error {
	const query = `DELETE FROM role_assignments WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("delete role assignment: %w", err)
	}
	return nil
}

// DeleteByUserAndInstance strips one user's assignments under an instance,
// used when a suspended user loses roles under the suspendnoroles removal
// action.
func (r *RoleAssignmentRepository) DeleteByUserAndInstance(ctx context.Context, userID, instanceID string) error {
	const query = `DELETE FROM role_assignments WHERE user_id = $1 AND instance_id = $2`
	if _, err := r.db.ExecContext(ctx, query, userID, instanceID); err != nil {
		return fmt.Errorf("delete user role assignments: %w", err)
	}
	return nil
}

// DeleteAll purges every owned role assignment. Invoked once when the whole
// component is administratively disabled.
func (r *RoleAssignmentRepository) DeleteAll(ctx context.Context) (int64, error) {
	const query = `DELETE FROM role_assignments`
	res, err := r.db.ExecContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("purge role assignments: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return n, nil
}
