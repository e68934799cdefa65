// Package strava is a client for the subset of the Strava v3 API used by the
// sync pipeline: the athlete activity listing, activity detail and streams.
package strava

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	httputil "github.com/fitglue/stravasync/pkg/infrastructure/http"
	"github.com/fitglue/stravasync/pkg/observability"
	"github.com/fitglue/stravasync/pkg/syncerrors"
)

const (
	DefaultBaseURL = "https://www.strava.com/api/v3"

	// MaxPerPage is the largest page size the listing endpoint accepts.
	MaxPerPage = 200
)

// API is the remote activity API consumed by the gatherer and enricher.
type API interface {
	ListActivities(ctx context.Context, params ListParams) ([]SummaryActivity, error)
	GetActivity(ctx context.Context, id string) (*DetailedActivity, error)
	GetStreams(ctx context.Context, id string, keys []string) (StreamSet, error)
}

// ListParams are the query parameters of the activity listing. After is a
// Unix epoch cutoff; zero means no cutoff.
type ListParams struct {
	After   int64
	Page    int
	PerPage int
}

// Client talks to the Strava API over an authenticated http.Client.
type Client struct {
	baseURL string
	client  *http.Client
	now     func() time.Time
}

var _ API = (*Client)(nil)

// NewClient creates a client. The http.Client is expected to carry the OAuth
// transport.
func NewClient(httpClient *http.Client, baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if httpClient.Timeout == 0 {
		httpClient.Timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  httpClient,
		now:     time.Now,
	}
}

// ListActivities fetches one page of the athlete's activities.
func (c *Client) ListActivities(ctx context.Context, params ListParams) ([]SummaryActivity, error) {
	q := url.Values{}
	if params.After > 0 {
		q.Set("after", strconv.FormatInt(params.After, 10))
	}
	page := params.Page
	if page < 1 {
		page = 1
	}
	q.Set("page", strconv.Itoa(page))
	perPage := params.PerPage
	if perPage <= 0 || perPage > MaxPerPage {
		perPage = MaxPerPage
	}
	q.Set("per_page", strconv.Itoa(perPage))

	var out []SummaryActivity
	if err := c.get(ctx, "list_activities", "/athlete/activities?"+q.Encode(), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetActivity fetches the detailed representation of an activity.
func (c *Client) GetActivity(ctx context.Context, id string) (*DetailedActivity, error) {
	var out DetailedActivity
	if err := c.get(ctx, "get_activity", "/activities/"+url.PathEscape(id), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetStreams fetches the requested channels keyed by type.
func (c *Client) GetStreams(ctx context.Context, id string, keys []string) (StreamSet, error) {
	q := url.Values{}
	q.Set("keys", strings.Join(keys, ","))
	q.Set("key_by_type", "true")

	var out StreamSet
	if err := c.get(ctx, "get_streams", "/activities/"+url.PathEscape(id)+"/streams?"+q.Encode(), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) get(ctx context.Context, op, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return &syncerrors.RemoteFetchError{Op: op, Err: err}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		observability.RemoteCalls.WithLabelValues(op, "transport_error").Inc()
		return &syncerrors.RemoteFetchError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if err := httputil.ParseErrorResponse(resp); err != nil {
		var httpErr *httputil.HTTPError
		if errors.As(err, &httpErr) && httpErr.IsRateLimited() {
			observability.RemoteCalls.WithLabelValues(op, "rate_limited").Inc()
			return &syncerrors.QuotaExceededError{Service: "strava", NextResetAt: c.resetFromHeaders(resp.Header)}
		}
		observability.RemoteCalls.WithLabelValues(op, "http_error").Inc()
		return &syncerrors.RemoteFetchError{Op: op, StatusCode: resp.StatusCode, Err: err}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		observability.RemoteCalls.WithLabelValues(op, "decode_error").Inc()
		return &syncerrors.RemoteFetchError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	observability.RemoteCalls.WithLabelValues(op, "ok").Inc()
	return nil
}

// resetFromHeaders picks the window boundary that gates the next request. The
// short window resets every 15 minutes on the clock, the daily one at UTC
// midnight.
func (c *Client) resetFromHeaders(h http.Header) time.Time {
	now := c.now().UTC()
	nextShort := now.Truncate(15 * time.Minute).Add(15 * time.Minute)
	usage, ok := httputil.ParseRateLimitHeaders(h)
	if ok && usage.DailyExhausted() {
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
	}
	return nextShort
}
