package models

// User is the local account a SIS student record resolves to. ExternalID
// holds the SIS student identifier used as the join key.
type User struct {
	ID         string `db:"id" json:"id"`
	ExternalID string `db:"external_id" json:"external_id"`
	FullName   string `db:"full_name" json:"full_name"`
	Email      string `db:"email" json:"email"`
	Active     bool   `db:"active" json:"active"`
}
