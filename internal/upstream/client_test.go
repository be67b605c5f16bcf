package upstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFetchActivitiesSuccess(t *testing.T) {
	var gotPath, gotAuth, gotCursor, gotLimit string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotCursor = r.URL.Query().Get("cursor")
		gotLimit = r.URL.Query().Get("limit")
		w.Header().Set("X-RateLimit-Usage", "12,345")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"activities":[{"id":"a1","type":"run"},{"id":"a2"}],"next_cursor":"","has_more":false}`))
	}))
	defer server.Close()

	client := &Client{BaseURL: server.URL, Token: "token-123", Client: server.Client(), PageSize: 50}

	page, err := client.FetchActivities(context.Background(), "u-1", "cur-9")
	require.NoError(t, err)
	require.Equal(t, "/v1/users/u-1/activities", gotPath)
	require.Equal(t, "Bearer token-123", gotAuth)
	require.Equal(t, "cur-9", gotCursor)
	require.Equal(t, "50", gotLimit)

	require.Len(t, page.Items, 2)
	require.Equal(t, "a1", page.Items[0].ID)
	require.Equal(t, "a2", page.Items[1].ID)
	require.True(t, page.Full)
	require.Empty(t, page.NextCursor)

	require.NotNil(t, page.Quota)
	require.Equal(t, 12, page.Quota.Used15Min)
	require.Equal(t, 345, page.Quota.UsedDaily)
}

func TestFetchActivitiesTruncatedPage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"activities":[{"id":"a1"}],"next_cursor":"cur-next","has_more":true,"truncated":true}`))
	}))
	defer server.Close()

	client := &Client{BaseURL: server.URL, Client: server.Client(), PageSize: 50}

	page, err := client.FetchActivities(context.Background(), "u-1", "")
	require.NoError(t, err)
	require.False(t, page.Full)
	require.Equal(t, "cur-next", page.NextCursor)
	require.Nil(t, page.Quota)
}

func TestFetchActivitiesShortPageHeuristic(t *testing.T) {
	// A non-terminal page that comes back short of the requested size is
	// treated as truncated even without the explicit flag.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"activities":[{"id":"a1"}],"next_cursor":"cur-next","has_more":true}`))
	}))
	defer server.Close()

	client := &Client{BaseURL: server.URL, Client: server.Client(), PageSize: 2}

	page, err := client.FetchActivities(context.Background(), "u-1", "")
	require.NoError(t, err)
	require.False(t, page.Full)
	require.Equal(t, "cur-next", page.NextCursor)
}

func TestFetchActivitiesFullIntermediatePage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"activities":[{"id":"a1"},{"id":"a2"}],"next_cursor":"cur-next","has_more":true}`))
	}))
	defer server.Close()

	client := &Client{BaseURL: server.URL, Client: server.Client(), PageSize: 2}

	page, err := client.FetchActivities(context.Background(), "u-1", "")
	require.NoError(t, err)
	require.True(t, page.Full)
	require.Equal(t, "cur-next", page.NextCursor)
}

func TestFetchActivitiesQuotaExceeded(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-RateLimit-Usage", "150,5000")
		w.Header().Set("Retry-After", "120")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := &Client{BaseURL: server.URL, Client: server.Client()}

	_, err := client.FetchActivities(context.Background(), "u-1", "")
	require.Error(t, err)
	require.True(t, IsQuotaExceeded(err))

	quotaErr, ok := AsQuotaError(err)
	require.True(t, ok)
	require.Equal(t, 2*time.Minute, quotaErr.RetryAfter)
	require.NotNil(t, quotaErr.Quota)
	require.Equal(t, 150, quotaErr.Quota.Used15Min)
	require.Equal(t, 5000, quotaErr.Quota.UsedDaily)
}

func TestFetchActivitiesRetryAfterHTTPDate(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", now.Add(90*time.Second).Format(http.TimeFormat))
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := &Client{BaseURL: server.URL, Client: server.Client(), Clock: func() time.Time { return now }}

	_, err := client.FetchActivities(context.Background(), "u-1", "")
	require.Error(t, err)

	quotaErr, ok := AsQuotaError(err)
	require.True(t, ok)
	require.Equal(t, 90*time.Second, quotaErr.RetryAfter)
}

func TestFetchActivitiesServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := &Client{BaseURL: server.URL, Client: server.Client()}

	_, err := client.FetchActivities(context.Background(), "u-1", "")
	require.Error(t, err)
	require.True(t, IsTransient(err))
	require.False(t, IsPermanent(err))
}

func TestFetchActivitiesPermanentError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	client := &Client{BaseURL: server.URL, Client: server.Client()}

	_, err := client.FetchActivities(context.Background(), "u-1", "")
	require.Error(t, err)
	require.True(t, IsPermanent(err))
	require.False(t, IsTransient(err))
	require.False(t, IsQuotaExceeded(err))
}

func TestFetchActivitiesNetworkFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	client := &Client{BaseURL: server.URL}

	_, err := client.FetchActivities(context.Background(), "u-1", "")
	require.Error(t, err)
	require.True(t, IsTransient(err))
}

func TestFetchActivitiesValidation(t *testing.T) {
	client := &Client{BaseURL: "http://localhost:0"}

	_, err := client.FetchActivities(context.Background(), "   ", "")
	require.Error(t, err)

	var nilClient *Client
	_, err = nilClient.FetchActivities(context.Background(), "u-1", "")
	require.Error(t, err)
}

func TestParseQuotaHeader(t *testing.T) {
	quota := parseQuotaHeader("12, 345")
	require.NotNil(t, quota)
	require.Equal(t, 12, quota.Used15Min)
	require.Equal(t, 345, quota.UsedDaily)

	require.Nil(t, parseQuotaHeader(""))
	require.Nil(t, parseQuotaHeader("12"))
	require.Nil(t, parseQuotaHeader("abc,def"))
	require.Nil(t, parseQuotaHeader("-1,5"))
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	client := &Client{Clock: func() time.Time { return now }}

	require.Equal(t, 2*time.Minute, client.parseRetryAfter("120"))
	require.Equal(t, 45*time.Second, client.parseRetryAfter(now.Add(45*time.Second).Format(http.TimeFormat)))

	// Past dates and garbage are treated as no hint.
	require.Zero(t, client.parseRetryAfter(now.Add(-time.Minute).Format(http.TimeFormat)))
	require.Zero(t, client.parseRetryAfter("soon"))
	require.Zero(t, client.parseRetryAfter(""))
	require.Zero(t, client.parseRetryAfter("-5"))
}
