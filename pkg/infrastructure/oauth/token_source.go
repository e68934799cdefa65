package oauth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/fitglue/stravasync/pkg/types"
)

// StravaTokenURL is the Strava OAuth token endpoint.
const StravaTokenURL = "https://www.strava.com/oauth/token"

// expiryLeeway refreshes tokens that expire within this window.
const expiryLeeway = time.Minute

// Token represents the OAuth token structure we care about
type Token struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

// TokenSource returns a valid token.
// It is safe for concurrent use by multiple goroutines.
type TokenSource interface {
	Token(context.Context) (*Token, error)
	ForceRefresh(context.Context) (*Token, error)
}

// CredentialStore reads and writes the user's Strava credentials.
type CredentialStore interface {
	GetUser(ctx context.Context, id string) (*types.UserSettings, error)
	UpdateStravaCredentials(ctx context.Context, userID string, creds *types.StravaCredentials) error
}

// NewStravaConfig builds the refresh configuration. Strava expects the
// client credentials in the form body.
func NewStravaConfig(clientID, clientSecret, tokenURL string) *oauth2.Config {
	if tokenURL == "" {
		tokenURL = StravaTokenURL
	}
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL:  tokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

// StoreTokenSource reads the user's Strava tokens from the database and
// refreshes them through the OAuth token endpoint, persisting rotated tokens.
type StoreTokenSource struct {
	db     CredentialStore
	config *oauth2.Config
	userID string
	now    func() time.Time
	mu     sync.Mutex
}

func NewStoreTokenSource(db CredentialStore, config *oauth2.Config, userID string) *StoreTokenSource {
	return &StoreTokenSource{
		db:     db,
		config: config,
		userID: userID,
		now:    time.Now,
	}
}

// Token returns a token, refreshing it if necessary.
func (s *StoreTokenSource) Token(ctx context.Context) (*Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	creds, err := s.credentials(ctx)
	if err != nil {
		return nil, err
	}
	if creds.AccessToken == "" {
		return nil, fmt.Errorf("missing access token for strava")
	}

	if !creds.ExpiresAt.IsZero() && s.now().Add(expiryLeeway).After(creds.ExpiresAt) {
		return s.refresh(ctx, creds)
	}

	return &Token{
		AccessToken:  creds.AccessToken,
		RefreshToken: creds.RefreshToken,
		Expiry:       creds.ExpiresAt,
	}, nil
}

// ForceRefresh forcibly refreshes the token regardless of expiry.
func (s *StoreTokenSource) ForceRefresh(ctx context.Context) (*Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	creds, err := s.credentials(ctx)
	if err != nil {
		return nil, err
	}
	return s.refresh(ctx, creds)
}

func (s *StoreTokenSource) credentials(ctx context.Context) (*types.StravaCredentials, error) {
	user, err := s.db.GetUser(ctx, s.userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	if user.Strava == nil {
		return nil, fmt.Errorf("strava not linked for user %s", s.userID)
	}
	return user.Strava, nil
}

// refresh exchanges the refresh token and persists the result
func (s *StoreTokenSource) refresh(ctx context.Context, creds *types.StravaCredentials) (*Token, error) {
	if creds.RefreshToken == "" {
		return nil, fmt.Errorf("missing refresh token for strava")
	}

	// An expired token forces the oauth2 source to hit the token endpoint.
	stale := &oauth2.Token{RefreshToken: creds.RefreshToken, Expiry: time.Unix(1, 0)}
	fresh, err := s.config.TokenSource(ctx, stale).Token()
	if err != nil {
		return nil, fmt.Errorf("refresh failed: %w", err)
	}

	// Strava rotates refresh tokens; keep the old one if none came back
	refreshToken := fresh.RefreshToken
	if refreshToken == "" {
		refreshToken = creds.RefreshToken
	}
	expiry := fresh.Expiry
	if raw, ok := fresh.Extra("expires_at").(float64); ok && raw > 0 {
		expiry = time.Unix(int64(raw), 0)
	}

	updated := &types.StravaCredentials{
		AthleteID:    creds.AthleteID,
		AccessToken:  fresh.AccessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    expiry.UTC(),
	}
	if err := s.db.UpdateStravaCredentials(ctx, s.userID, updated); err != nil {
		return nil, fmt.Errorf("failed to persist new tokens: %w", err)
	}

	return &Token{
		AccessToken:  updated.AccessToken,
		RefreshToken: updated.RefreshToken,
		Expiry:       updated.ExpiresAt,
	}, nil
}

// StaticTokenSource always returns the same token. Used by the CLI when an
// access token is passed explicitly.
type StaticTokenSource struct {
	AccessToken string
}

func (s StaticTokenSource) Token(context.Context) (*Token, error) {
	return &Token{AccessToken: s.AccessToken}, nil
}

func (s StaticTokenSource) ForceRefresh(context.Context) (*Token, error) {
	return nil, fmt.Errorf("static token cannot be refreshed")
}
