package remote

// Account describes the connected account on the remote service.
type Account struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	PrimaryEmail string `json:"primary_email_address"`
	Plan      string `json:"plan_type"`
}

// TokenResponse is the remote service's OAuth token endpoint response.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

// subscriberRecord is the remote representation of a subscriber.
type subscriberRecord struct {
	ID           int64  `json:"id"`
	EmailAddress string `json:"email_address"`
	State        string `json:"state"`
}

// pagination is the cursor pagination block on list responses.
type pagination struct {
	HasNextPage bool   `json:"has_next_page"`
	EndCursor   string `json:"end_cursor"`
}
