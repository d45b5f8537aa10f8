package credentials

import "time"

// TokenPair holds OAuth access and refresh tokens for one credential set.
type TokenPair struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	Scope        string    `json:"scope,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// IsExpired returns true if the token has expired
func (t *TokenPair) IsExpired() bool {
	return time.Now().After(t.ExpiresAt)
}

// ExpiresWithin returns true if the token expires within the given duration
func (t *TokenPair) ExpiresWithin(d time.Duration) bool {
	return time.Now().Add(d).After(t.ExpiresAt)
}

// Status represents the stored state of one credential set.
type Status struct {
	Object      string     `json:"object"`
	Credential  string     `json:"credential_set"`
	Connected   bool       `json:"connected"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	ConnectedAt *time.Time `json:"connected_at,omitempty"`
	Scope       string     `json:"scope,omitempty"`
}

// tokenResponse is the internal response from the OAuth token endpoint
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	TokenType    string `json:"token_type"`
	Scope        string `json:"scope"`
}
