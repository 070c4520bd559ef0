package models

import "time"

// OAuthToken is the persisted SIS API credential set. The token is shared
// process-wide; acquiring a new one invalidates all cached SIS responses.
type OAuthToken struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Valid reports whether the access token exists and has not expired.
func (t OAuthToken) Valid(now time.Time) bool {
	return t.AccessToken != "" && now.Before(t.ExpiresAt)
}
