package credentials

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/strefethen/nowplaying-hub/internal/provider"
)

const tokenRefreshBuffer = 5 * time.Minute

// Endpoint describes the OAuth token endpoint for one credential set.
type Endpoint struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
}

// Store hands out valid access tokens per credential set, refreshing
// ahead of expiry. Providers that hit a 401 can request an out-of-band
// refresh via RequestRefresh without blocking their event loop.
type Store struct {
	repo       *Repository
	endpoints  map[provider.CredentialSet]Endpoint
	httpClient *http.Client
	logger     *log.Logger

	mu        sync.Mutex
	refreshCh chan provider.CredentialSet
}

// NewStore creates a Store for the given credential endpoints.
func NewStore(repo *Repository, endpoints map[provider.CredentialSet]Endpoint, logger *log.Logger) *Store {
	if logger == nil {
		logger = log.Default()
	}
	return &Store{
		repo:      repo,
		endpoints: endpoints,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger:    logger,
		refreshCh: make(chan provider.CredentialSet, 8),
	}
}

// AccessToken returns a valid access token for the credential set,
// refreshing first when the stored token expires within the buffer.
func (s *Store) AccessToken(set provider.CredentialSet) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	token, err := s.repo.GetToken(set)
	if err != nil {
		return "", fmt.Errorf("get token: %w", err)
	}
	if token == nil {
		return "", fmt.Errorf("credential set %q is not connected", set)
	}

	if token.ExpiresAt.IsZero() {
		// Tokens imported without expiry metadata carry it in the JWT claims.
		if exp, ok := jwtExpiry(token.AccessToken); ok {
			token.ExpiresAt = exp
		}
	}

	if token.ExpiresAt.IsZero() || !token.ExpiresWithin(tokenRefreshBuffer) {
		return token.AccessToken, nil
	}

	refreshed, err := s.refreshLocked(set, token)
	if err != nil {
		// If refresh fails but token is still valid, use existing
		if !token.IsExpired() {
			return token.AccessToken, nil
		}
		return "", fmt.Errorf("refresh token: %w", err)
	}
	return refreshed.AccessToken, nil
}

// RequestRefresh queues a refresh for the credential set. It never
// blocks; a full queue means a refresh is already pending.
func (s *Store) RequestRefresh(set provider.CredentialSet) {
	select {
	case s.refreshCh <- set:
	default:
		s.logger.Printf("CRED: refresh queue full, dropping request for %s", set)
	}
}

// Run consumes queued refresh requests until the context is cancelled.
func (s *Store) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case set := <-s.refreshCh:
			if err := s.Refresh(set); err != nil {
				s.logger.Printf("CRED: refresh failed for %s: %v", set, err)
			}
		}
	}
}

// Refresh forces a token refresh for the credential set.
func (s *Store) Refresh(set provider.CredentialSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	token, err := s.repo.GetToken(set)
	if err != nil {
		return fmt.Errorf("get token: %w", err)
	}
	if token == nil {
		return fmt.Errorf("credential set %q is not connected", set)
	}

	_, err = s.refreshLocked(set, token)
	return err
}

// Status returns the stored state of the credential set.
func (s *Store) Status(set provider.CredentialSet) (*Status, error) {
	token, err := s.repo.GetToken(set)
	if err != nil {
		return nil, err
	}

	status := &Status{
		Object:     "credential_status",
		Credential: string(set),
	}
	if token == nil {
		return status, nil
	}

	status.Connected = !token.IsExpired()
	status.ExpiresAt = &token.ExpiresAt
	status.ConnectedAt = &token.CreatedAt
	status.Scope = token.Scope
	return status, nil
}

func (s *Store) refreshLocked(set provider.CredentialSet, existing *TokenPair) (*TokenPair, error) {
	endpoint, ok := s.endpoints[set]
	if !ok {
		return nil, fmt.Errorf("no endpoint configured for credential set %q", set)
	}

	data := url.Values{}
	data.Set("grant_type", "refresh_token")
	data.Set("refresh_token", existing.RefreshToken)

	token, err := s.tokenRequest(endpoint, data)
	if err != nil {
		return nil, err
	}

	// Preserve the original created_at
	token.CreatedAt = existing.CreatedAt

	if err := s.repo.SaveToken(set, token); err != nil {
		return nil, fmt.Errorf("save token: %w", err)
	}

	s.logger.Printf("CRED: refreshed token for %s, expires %s", set, token.ExpiresAt.Format(time.RFC3339))
	return token, nil
}

func (s *Store) tokenRequest(endpoint Endpoint, data url.Values) (*TokenPair, error) {
	req, err := http.NewRequest(http.MethodPost, endpoint.TokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	auth := endpoint.ClientID + ":" + endpoint.ClientSecret
	req.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(auth)))

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("token request failed: %s", resp.Status)
	}

	var tokenResp tokenResponse
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return nil, fmt.Errorf("parse token response: %w", err)
	}

	pair := &TokenPair{
		AccessToken:  tokenResp.AccessToken,
		RefreshToken: tokenResp.RefreshToken,
		Scope:        tokenResp.Scope,
		CreatedAt:    time.Now().UTC(),
	}
	if tokenResp.ExpiresIn > 0 {
		pair.ExpiresAt = time.Now().Add(time.Duration(tokenResp.ExpiresIn) * time.Second)
	} else if exp, ok := jwtExpiry(pair.AccessToken); ok {
		pair.ExpiresAt = exp
	}
	if pair.RefreshToken == "" {
		pair.RefreshToken = data.Get("refresh_token")
	}
	return pair, nil
}

// jwtExpiry extracts the exp claim from a JWT access token without
// verifying the signature. Verification happens server-side; we only
// need the expiry for refresh scheduling.
func jwtExpiry(accessToken string) (time.Time, bool) {
	parser := jwt.NewParser()
	token, _, err := parser.ParseUnverified(accessToken, jwt.MapClaims{})
	if err != nil {
		return time.Time{}, false
	}
	exp, err := token.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}
