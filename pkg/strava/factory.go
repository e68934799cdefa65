package strava

import (
	"context"
	"log/slog"
	"net/http"

	"golang.org/x/oauth2"

	"github.com/fitglue/stravasync/pkg/infrastructure/oauth"
)

// ClientFactory builds an API client authorized as the given user.
type ClientFactory interface {
	ForUser(ctx context.Context, userID string) (API, error)
}

// ClientFactoryFunc adapts a function to ClientFactory.
type ClientFactoryFunc func(ctx context.Context, userID string) (API, error)

func (f ClientFactoryFunc) ForUser(ctx context.Context, userID string) (API, error) {
	return f(ctx, userID)
}

// OAuthFactory builds clients whose tokens are read from, and refreshed into,
// the user's stored credentials.
type OAuthFactory struct {
	Credentials oauth.CredentialStore
	Config      *oauth2.Config
	BaseURL     string
	Transport   http.RoundTripper
	Logger      *slog.Logger
}

func (f *OAuthFactory) ForUser(ctx context.Context, userID string) (API, error) {
	source := oauth.NewStoreTokenSource(f.Credentials, f.Config, userID)
	return NewClient(oauth.NewHTTPClient(source, userID, f.Transport, f.Logger), f.BaseURL), nil
}
