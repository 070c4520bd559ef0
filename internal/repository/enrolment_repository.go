package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/sis-enrol-sync/internal/models"
)

// EnrolmentRepository handles persistence of synced user enrolments.
type EnrolmentRepository struct {
	db *sqlx.DB
}

// NewEnrolmentRepository constructs the repository.
func NewEnrolmentRepository(db *sqlx.DB) *EnrolmentRepository {
	return &EnrolmentRepository{db: db}
}

// ListByInstance returns all enrolment rows owned by one instance.
func (r *EnrolmentRepository) ListByInstance(ctx context.Context, instanceID string) ([]models.UserEnrolment, error) {
	const query = `SELECT id, instance_id, user_id, status, created_at, updated_at
        FROM user_enrolments WHERE instance_id = $1`
	var enrolments []models.UserEnrolment
	if err := r.db.SelectContext(ctx, &enrolments, query, instanceID); err != nil {
		return nil, fmt.Errorf("list enrolments: %w", err)
	}
	return enrolments, nil
}

// Create persists a new enrolment row.
func (r *EnrolmentRepository) Create(ctx context.Context, enrolment *models.UserEnrolment) error {
	if enrolment.ID == "" {
		enrolment.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if enrolment.CreatedAt.IsZero() {
		enrolment.CreatedAt = now
	}
	enrolment.UpdatedAt = now
	const query = `INSERT INTO user_enrolments (id, instance_id, user_id, status, created_at, updated_at)
        VALUES (:id, :instance_id, :user_id, :status, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, enrolment); err != nil {
		return fmt.Errorf("create enrolment: %w", err)
	}
	return nil
}

// UpdateStatus changes the status of one enrolment row.
func (r *EnrolmentRepository) UpdateStatus(ctx context.Context, id string, status models.EnrolmentStatus) error {
	const query = `UPDATE user_enrolments SET status = $2, updated_at = $3 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, status, time.Now().UTC()); err != nil {
		return fmt.Errorf("update enrolment status: %w", err)
	}
	return nil
}

// Delete removes an enrolment row entirely, used by the unenrol removal
// action together with any dependent course data.
func (r *EnrolmentRepository) Delete(ctx context.Context, id string) error {
	const query = `DELETE FROM user_enrolments WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("delete enrolment: %w", err)
	}
	return nil
}

// ListActiveUnderEnabled returns every ACTIVE enrolment whose owning
// instance is enabled, joined with the instance's course and role. The role
// assignment pass diffs this set against owned role assignments.
func (r *EnrolmentRepository) ListActiveUnderEnabled(ctx context.Context) ([]models.ActiveEnrolment, error) {
	const query = `SELECT ue.user_id, i.course_id, i.role, i.id AS instance_id
        FROM user_enrolments ue
        JOIN enrol_instances i ON i.id = ue.instance_id
        WHERE ue.status = $1 AND i.status = $2`
	var rows []models.ActiveEnrolment
	if err := r.db.SelectContext(ctx, &rows, query, models.EnrolmentStatusActive, models.InstanceStatusEnabled); err != nil {
		return nil, fmt.Errorf("list active enrolments: %w", err)
	}
	return rows, nil
}
