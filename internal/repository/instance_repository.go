package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/sis-enrol-sync/internal/models"
)

// InstanceRepository handles persistence of enrol instances.
type InstanceRepository struct {
	db *sqlx.DB
}

// NewInstanceRepository constructs the repository.
func NewInstanceRepository(db *sqlx.DB) *InstanceRepository {
	return &InstanceRepository{db: db}
}

// CountEnabled returns the number of instances that participate in sync.
func (r *InstanceRepository) CountEnabled(ctx context.Context) (int, error) {
	const query = `SELECT COUNT(*) FROM enrol_instances WHERE status = $1`
	var total int
	if err := r.db.GetContext(ctx, &total, query, models.InstanceStatusEnabled); err != nil {
		return 0, fmt.Errorf("count enabled instances: %w", err)
	}
	return total, nil
}

// ListEnabled returns a page of enabled instances in creation order. The
// stable ordering is what makes the scheduler cursor meaningful across runs.
func (r *InstanceRepository) ListEnabled(ctx context.Context, offset, limit int) ([]models.EnrolInstance, error) {
	const query = `SELECT id, course_id, sis_course_id, role, status, created_at, updated_at
        FROM enrol_instances WHERE status = $1 ORDER BY created_at, id LIMIT $2 OFFSET $3`
	var instances []models.EnrolInstance
	if err := r.db.SelectContext(ctx, &instances, query, models.InstanceStatusEnabled, limit, offset); err != nil {
		return nil, fmt.Errorf("list enabled instances: %w", err)
	}
	return instances, nil
}

// FindByCourseID returns the instance linked to a local course regardless of
// its status.
func (r *InstanceRepository) FindByCourseID(ctx context.Context, courseID string) (*models.EnrolInstance, error) {
	const query = `SELECT id, course_id, sis_course_id, role, status, created_at, updated_at
        FROM enrol_instances WHERE course_id = $1`
	var instance models.EnrolInstance
	if err := r.db.GetContext(ctx, &instance, query, courseID); err != nil {
		return nil, err
	}
	return &instance, nil
}

// Create persists a new course to SIS-course link.
func (r *InstanceRepository) Create(ctx context.Context, instance *models.EnrolInstance) error {
	if instance.ID == "" {
		instance.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if instance.CreatedAt.IsZero() {
		instance.CreatedAt = now
	}
	instance.UpdatedAt = now
	if instance.Status == "" {
		instance.Status = models.InstanceStatusEnabled
	}
	const query = `INSERT INTO enrol_instances (id, course_id, sis_course_id, role, status, created_at, updated_at)
        VALUES (:id, :course_id, :sis_course_id, :role, :status, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, instance); err != nil {
		return fmt.Errorf("create instance: %w", err)
	}
	return nil
}

// UpdateStatus enables or disables an instance.
func (r *InstanceRepository) UpdateStatus(ctx context.Context, id string, status models.InstanceStatus) error {
	const query = `UPDATE enrol_instances SET status = $2, updated_at = $3 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, status, time.Now().UTC()); err != nil {
		return fmt.Errorf("update instance status: %w", err)
	}
	return nil
}
