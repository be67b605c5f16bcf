// Package upstream is the client adapter for the fitness-tracking API
// this deployment mirrors from. It performs the actual HTTP calls,
// classifies failures into the quota/transient/permanent taxonomy, and
// surfaces the upstream's own quota accounting parsed from response
// headers so the tracker can reconcile.
package upstream

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

	"github.com/stridemirror/stridemirror/internal/core"
)

const (
	defaultPageSize = 50
	defaultTimeout  = 15 * time.Second

	// Usage and limit headers carry "<15min>,<daily>" pairs.
	headerUsage      = "X-RateLimit-Usage"
	headerRetryAfter = "Retry-After"
)

// Page is one fetched slice of a user's activities. NextCursor drives
// pagination; Full reports whether this page's payload itself is
// complete. A non-full page is a truncated or partial payload that must
// be refetched from the same cursor before its contents can be trusted.
type Page struct {
	Items      []core.Activity
	NextCursor string
	Full       bool
	Quota      *core.UpstreamQuota
}

// Client calls the upstream activities API.
type Client struct {
	BaseURL  string
	Token    string
	Client   *http.Client
	PageSize int
	Clock    func() time.Time
}

type activitiesResponse struct {
	Activities []json.RawMessage `json:"activities"`
	NextCursor string            `json:"next_cursor"`
	HasMore    bool              `json:"has_more"`
	Truncated  bool              `json:"truncated"`
}

// FetchActivities retrieves one page of a user's activities starting at
// cursor (empty for the beginning). The returned error, when non-nil,
// is always one of the package's typed failures.
func (c *Client) FetchActivities(ctx context.Context, userID, cursor string) (*Page, error) {
	if c == nil {
		return nil, errors.New("upstream client is not configured")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, errors.New("user id is required")
	}

	reqURL, err := c.buildURL(userID, cursor)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build activities request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if token := strings.TrimSpace(c.Token); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	client := c.Client
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, &TransientError{Err: err}
	}
	defer resp.Body.Close() // nolint:errcheck // best-effort cleanup on HTTP response body

	quota := parseQuotaHeader(resp.Header.Get(headerUsage))

	switch {
	case resp.StatusCode == http.StatusOK:
		return c.decodePage(resp, quota)
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &QuotaError{
			RetryAfter: c.parseRetryAfter(resp.Header.Get(headerRetryAfter)),
			Quota:      quota,
		}
	case resp.StatusCode >= 500:
		return nil, &TransientError{StatusCode: resp.StatusCode}
	default:
		return nil, &PermanentError{
			StatusCode: resp.StatusCode,
			Message:    http.StatusText(resp.StatusCode),
		}
	}
}

func (c *Client) decodePage(resp *http.Response, quota *core.UpstreamQuota) (*Page, error) {
	var payload activitiesResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, &TransientError{Err: fmt.Errorf("decode activities response: %w", err)}
	}

	items := make([]core.Activity, 0, len(payload.Activities))
	for _, raw := range payload.Activities {
		items = append(items, core.Activity{ID: extractActivityID(raw), Raw: raw})
	}

	return &Page{
		Items:      items,
		NextCursor: payload.NextCursor,
		Full:       c.isFull(payload, len(items)),
		Quota:      quota,
	}, nil
}

// isFull is the explicit non-full predicate. A page is non-full when
// the upstream flags it truncated, or when a non-terminal page comes
// back shorter than the requested size (the short-page heuristic for
// servers that drop items without setting the flag). Pagination itself
// does not make a page non-full; NextCursor covers that.
func (c *Client) isFull(payload activitiesResponse, itemCount int) bool {
	if payload.Truncated {
		return false
	}
	if (payload.HasMore || payload.NextCursor != "") && itemCount < c.pageSize() {
		return false
	}
	return true
}

func (c *Client) buildURL(userID, cursor string) (string, error) {
	base := strings.TrimSpace(c.BaseURL)
	if base == "" {
		return "", errors.New("upstream base url is required")
	}

	parsed, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid upstream base url: %w", err)
	}

	ref := &url.URL{Path: "/v1/users/" + url.PathEscape(userID) + "/activities"}
	target := parsed.ResolveReference(ref)

	query := target.Query()
	query.Set("limit", strconv.Itoa(c.pageSize()))
	if cursor = strings.TrimSpace(cursor); cursor != "" {
		query.Set("cursor", cursor)
	}
	target.RawQuery = query.Encode()

	return target.String(), nil
}

func (c *Client) pageSize() int {
	if c != nil && c.PageSize > 0 {
		return c.PageSize
	}
	return defaultPageSize
}

func extractActivityID(raw json.RawMessage) string {
	var probe struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return ""
	}
	return probe.ID
}

// parseQuotaHeader reads the "<used15min>,<usedDaily>" usage pair.
// Malformed or absent headers yield nil; reconciliation is best-effort.
func parseQuotaHeader(value string) *core.UpstreamQuota {
	parts := strings.SplitN(strings.TrimSpace(value), ",", 2)
	if len(parts) != 2 {
		return nil
	}

	used15, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil || used15 < 0 {
		return nil
	}
	usedDaily, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil || usedDaily < 0 {
		return nil
	}

	return &core.UpstreamQuota{Used15Min: used15, UsedDaily: usedDaily}
}

func (c *Client) now() time.Time {
	if c != nil && c.Clock != nil {
		return c.Clock()
	}
	return time.Now()
}

// parseRetryAfter reads both Retry-After forms: delta-seconds and an
// HTTP-date, the latter measured against the client clock. Malformed
// values and dates already in the past yield 0.
func (c *Client) parseRetryAfter(value string) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if remaining := at.Sub(c.now()); remaining > 0 {
			return remaining
		}
	}
	return 0
}
