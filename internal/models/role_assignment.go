package models

import "time"

// RoleAssignment marks a role a user holds in a course context because this
// component assigned it. Assignments are kept consistent with user
// enrolments: granted when a user becomes active under an enabled instance,
// revoked when the enrolment ends, the role changes or the instance is
// disabled.
type RoleAssignment struct {
	ID         string    `db:"id" json:"id"`
	UserID     string    `db:"user_id" json:"user_id"`
	CourseID   string    `db:"course_id" json:"course_id"`
	Role       string    `db:"role" json:"role"`
	InstanceID string    `db:"instance_id" json:"instance_id"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// Key identifies an assignment by everything except its row ID.
func (a RoleAssignment) Key() string {
	return a.UserID + "|" + a.CourseID + "|" + a.Role + "|" + a.InstanceID
}
