// Package httputil provides HTTP error handling utilities for the remote
// activity API.
package httputil

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
)

// MaxErrorBodySize is the maximum size of error body to include in error messages
const MaxErrorBodySize = 500

// HTTPError represents an HTTP error with status code and response body
type HTTPError struct {
	StatusCode int
	Status     string
	Body       string
	URL        string
	Header     http.Header
}

func (e *HTTPError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("%s (status %d): %s", e.Status, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("%s (status %d)", e.Status, e.StatusCode)
}

// IsRateLimited reports a 429 response.
func (e *HTTPError) IsRateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

// truncate truncates a string to maxLen, adding "..." if truncated
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

// ParseErrorResponse checks if the response is an error (4xx/5xx) and returns
// a rich HTTPError containing the response body. Returns nil for success responses.
// The response body is re-wrapped so the caller can still read it.
func ParseErrorResponse(resp *http.Response) error {
	if resp.StatusCode < 400 {
		return nil
	}

	bodyBytes, err := io.ReadAll(resp.Body)
	resp.Body.Close()

	resp.Body = io.NopCloser(bytes.NewReader(bodyBytes))

	bodyStr := ""
	if err == nil && len(bodyBytes) > 0 {
		bodyStr = truncate(string(bodyBytes), MaxErrorBodySize)
	}

	url := ""
	if resp.Request != nil && resp.Request.URL != nil {
		url = resp.Request.URL.String()
	}

	return &HTTPError{
		StatusCode: resp.StatusCode,
		Status:     http.StatusText(resp.StatusCode),
		Body:       bodyStr,
		URL:        url,
		Header:     resp.Header,
	}
}

// RateLimitUsage is the remote API's own view of its two quota windows, as
// reported in "short,daily" pairs by the X-RateLimit-Limit and
// X-RateLimit-Usage headers.
type RateLimitUsage struct {
	ShortLimit int
	DailyLimit int
	ShortUsage int
	DailyUsage int
}

// ShortExhausted reports whether the short window is used up.
func (u RateLimitUsage) ShortExhausted() bool {
	return u.ShortLimit > 0 && u.ShortUsage >= u.ShortLimit
}

// DailyExhausted reports whether the daily window is used up.
func (u RateLimitUsage) DailyExhausted() bool {
	return u.DailyLimit > 0 && u.DailyUsage >= u.DailyLimit
}

// ParseRateLimitHeaders extracts RateLimitUsage. ok is false when either
// header is missing or malformed.
func ParseRateLimitHeaders(h http.Header) (usage RateLimitUsage, ok bool) {
	limitShort, limitDaily, ok := parsePair(h.Get("X-RateLimit-Limit"))
	if !ok {
		return usage, false
	}
	usageShort, usageDaily, ok := parsePair(h.Get("X-RateLimit-Usage"))
	if !ok {
		return usage, false
	}
	return RateLimitUsage{
		ShortLimit: limitShort,
		DailyLimit: limitDaily,
		ShortUsage: usageShort,
		DailyUsage: usageDaily,
	}, true
}

func parsePair(v string) (int, int, bool) {
	parts := strings.Split(v, ",")
	if len(parts) != 2 {
		return 0, 0, false
	}
	a, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, 0, false
	}
	b, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return 0, 0, false
	}
	return a, b, true
}
