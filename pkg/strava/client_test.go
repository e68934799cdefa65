package strava

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fitglue/stravasync/pkg/syncerrors"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := NewClient(srv.Client(), srv.URL)
	c.now = func() time.Time { return time.Date(2024, 3, 1, 10, 7, 0, 0, time.UTC) }
	return c
}

func TestListActivitiesSendsPagingParams(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/athlete/activities", r.URL.Path)
		assert.Equal(t, "3", r.URL.Query().Get("page"))
		assert.Equal(t, "200", r.URL.Query().Get("per_page"))
		assert.Equal(t, "1700000000", r.URL.Query().Get("after"))
		w.Write([]byte(`[{"id":101,"name":"Morning Run","type":"Run","start_date":"2024-02-28T06:00:00Z","moving_time":1800,"distance":5000}]`))
	})

	got, err := c.ListActivities(context.Background(), ListParams{After: 1700000000, Page: 3, PerPage: 500})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(101), got[0].ID)
	assert.Equal(t, 1800, got[0].MovingTime)
}

func TestListActivitiesOmitsAfterWhenZero(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, ok := r.URL.Query()["after"]
		assert.False(t, ok)
		assert.Equal(t, "1", r.URL.Query().Get("page"))
		w.Write([]byte(`[]`))
	})

	got, err := c.ListActivities(context.Background(), ListParams{})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestGetStreamsRequestsKeyedChannels(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/activities/42/streams", r.URL.Path)
		assert.Equal(t, "time,heartrate", r.URL.Query().Get("keys"))
		assert.Equal(t, "true", r.URL.Query().Get("key_by_type"))
		w.Write([]byte(`{"time":{"data":[0,1,2],"original_size":3},"heartrate":{"data":[100,110,120],"original_size":3}}`))
	})

	set, err := c.GetStreams(context.Background(), "42", []string{"time", "heartrate"})
	require.NoError(t, err)
	assert.Len(t, set, 2)
	assert.Equal(t, 3, set["time"].OriginalSize)
}

func TestRateLimitedResponseMapsToQuotaExceeded(t *testing.T) {
	tests := []struct {
		name  string
		usage string
		want  time.Time
	}{
		{
			name:  "short window exhausted",
			usage: "100,500",
			want:  time.Date(2024, 3, 1, 10, 15, 0, 0, time.UTC),
		},
		{
			name:  "daily window exhausted",
			usage: "40,1000",
			want:  time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("X-RateLimit-Limit", "100,1000")
				w.Header().Set("X-RateLimit-Usage", tt.usage)
				w.WriteHeader(http.StatusTooManyRequests)
				w.Write([]byte(`{"message":"Rate Limit Exceeded"}`))
			})

			_, err := c.GetActivity(context.Background(), "42")
			var quota *syncerrors.QuotaExceededError
			require.True(t, errors.As(err, &quota), "got %v", err)
			assert.Equal(t, "strava", quota.Service)
			assert.Equal(t, tt.want, quota.NextResetAt)
		})
	}
}

func TestServerErrorMapsToRemoteFetchError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := c.GetActivity(context.Background(), "42")
	var remote *syncerrors.RemoteFetchError
	require.True(t, errors.As(err, &remote))
	assert.Equal(t, "get_activity", remote.Op)
	assert.Equal(t, http.StatusBadGateway, remote.StatusCode)
}

func TestMalformedBodyMapsToRemoteFetchError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{not json`))
	})

	_, err := c.ListActivities(context.Background(), ListParams{Page: 1})
	var remote *syncerrors.RemoteFetchError
	require.True(t, errors.As(err, &remote))
}
