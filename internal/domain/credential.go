package domain

import "time"

// Credential is the OAuth2 token pair for the connected account. It is either
// fully present or entirely absent; partial state is never stored.
type Credential struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// IsZero reports whether no credential is stored.
func (c Credential) IsZero() bool {
	return c.AccessToken == "" && c.RefreshToken == ""
}

// Fresh reports whether the access token is still usable at the given
// instant, with a safety skew subtracted from the recorded expiry so a token
// about to lapse mid-request is refreshed proactively.
func (c Credential) Fresh(now time.Time, skew time.Duration) bool {
	if c.IsZero() {
		return false
	}
	return now.Before(c.ExpiresAt.Add(-skew))
}
