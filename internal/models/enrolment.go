package models

import "time"

// EnrolmentStatus represents the local state of a synced enrolment.
type EnrolmentStatus string

// Possible enrolment statuses.
const (
	EnrolmentStatusActive    EnrolmentStatus = "ACTIVE"
	EnrolmentStatusSuspended EnrolmentStatus = "SUSPENDED"
)

// UserEnrolment is the persisted mapping of (instance, user) to a status.
// Rows are created, updated and removed solely by the reconciliation engine.
type UserEnrolment struct {
	ID         string          `db:"id" json:"id"`
	InstanceID string          `db:"instance_id" json:"instance_id"`
	UserID     string          `db:"user_id" json:"user_id"`
	Status     EnrolmentStatus `db:"status" json:"status"`
	CreatedAt  time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time       `db:"updated_at" json:"updated_at"`
}

// ActiveEnrolment is a join row used by the role assignment pass: an ACTIVE
// enrolment under an ENABLED instance together with the instance's role.
type ActiveEnrolment struct {
	UserID     string `db:"user_id" json:"user_id"`
	CourseID   string `db:"course_id" json:"course_id"`
	Role       string `db:"role" json:"role"`
	InstanceID string `db:"instance_id" json:"instance_id"`
}
