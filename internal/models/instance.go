package models

import "time"

// InstanceStatus represents the administrative state of an enrol instance.
type InstanceStatus string

// Possible instance statuses.
const (
	InstanceStatusEnabled  InstanceStatus = "ENABLED"
	InstanceStatusDisabled InstanceStatus = "DISABLED"
)

// EnrolInstance links one local course to one SIS course. At most one
// active instance exists per course; disabled instances are excluded from
// sync but never deleted.
type EnrolInstance struct {
	ID          string         `db:"id" json:"id"`
	CourseID    string         `db:"course_id" json:"course_id"`
	SISCourseID string         `db:"sis_course_id" json:"sis_course_id"`
	Role        string         `db:"role" json:"role"`
	Status      InstanceStatus `db:"status" json:"status"`
	CreatedAt   time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time      `db:"updated_at" json:"updated_at"`
}

// Enabled reports whether the instance participates in synchronisation.
func (i EnrolInstance) Enabled() bool {
	return i.Status == InstanceStatusEnabled
}
