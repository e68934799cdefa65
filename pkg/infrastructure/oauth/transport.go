package oauth

import (
	"log/slog"
	"net/http"

	"github.com/fitglue/stravasync/pkg/syncerrors"
)

// Transport authenticates Strava requests with the user's access token. A
// 401 answer means the stored token was revoked before its expiry; the token
// is refreshed once and the request replayed.
type Transport struct {
	Source TokenSource
	UserID string

	// Base makes the actual requests. Nil means http.DefaultTransport.
	Base   http.RoundTripper
	Logger *slog.Logger
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	token, err := t.Source.Token(ctx)
	if err != nil {
		return nil, &syncerrors.AuthError{UserID: t.UserID, Err: err}
	}

	resp, err := t.base().RoundTrip(authorize(req, token))
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		return resp, err
	}
	if req.Body != nil && req.GetBody == nil {
		// The body was consumed and cannot be replayed.
		return resp, nil
	}
	resp.Body.Close()

	t.logger().Warn("Access token rejected, forcing refresh", "user_id", t.UserID, "path", req.URL.Path)
	token, err = t.Source.ForceRefresh(ctx)
	if err != nil {
		return nil, &syncerrors.AuthError{UserID: t.UserID, Err: err}
	}

	retry := authorize(req, token)
	if req.GetBody != nil {
		if retry.Body, err = req.GetBody(); err != nil {
			return nil, err
		}
	}
	return t.base().RoundTrip(retry)
}

func (t *Transport) base() http.RoundTripper {
	if t.Base == nil {
		return http.DefaultTransport
	}
	return t.Base
}

func (t *Transport) logger() *slog.Logger {
	if t.Logger == nil {
		return slog.Default()
	}
	return t.Logger
}

// authorize returns a copy of req carrying token. RoundTrippers must not
// modify the caller's request.
func authorize(req *http.Request, token *Token) *http.Request {
	out := req.Clone(req.Context())
	out.Header.Set("Authorization", "Bearer "+token.AccessToken)
	return out
}

// NewHTTPClient returns a client that authenticates every request for
// userID with source.
func NewHTTPClient(source TokenSource, userID string, base http.RoundTripper, logger *slog.Logger) *http.Client {
	return &http.Client{Transport: &Transport{Source: source, UserID: userID, Base: base, Logger: logger}}
}
