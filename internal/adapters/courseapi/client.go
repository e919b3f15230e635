// internal/adapters/courseapi/client.go
package courseapi

import (
	"bytes"
	"context"
	crand "crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"course_reactions/internal/adapters/observability"
	"course_reactions/internal/domain"
)

// SessionCookie is the backend's session cookie name.
const SessionCookie = "app_session"

const (
	defaultPageSize = 100
	maxPages        = 1000
)

type Client struct {
	base     string
	hc       *http.Client
	session  string
	rl       *rate.Limiter
	pageSize int
}

func New(base, session string, rps int) (*Client, error) {
	if strings.TrimSpace(base) == "" {
		return nil, fmt.Errorf("backend base URL is required")
	}
	if rps <= 0 {
		rps = 5
	}
	return &Client{
		base:     strings.TrimRight(base, "/"),
		hc:       &http.Client{Timeout: 20 * time.Second},
		session:  session,
		rl:       rate.NewLimiter(rate.Limit(rps), rps),
		pageSize: defaultPageSize,
	}, nil
}

// ---- Public API ----

// ListReviews reads the full collection for f, walking every page. The
// backend answers either a paged envelope {items,total,page,page_size} or a
// bare array.
func (c *Client) ListReviews(ctx context.Context, f domain.ReviewFilter) ([]map[string]any, error) {
	var all []map[string]any
	for page := 1; page <= maxPages; page++ {
		q := f.Values()
		q.Set("page", strconv.Itoa(page))
		q.Set("page_size", strconv.Itoa(c.pageSize))

		var body any
		if err := c.get(ctx, c.base+"/reviews?"+q.Encode(), "reviews", &body); err != nil {
			return nil, err
		}
		items, total, paged := decodePage(body)
		all = append(all, items...)
		if !paged || len(items) == 0 || len(all) >= total {
			return all, nil
		}
	}
	return nil, fmt.Errorf("reviews: more than %d pages", maxPages)
}

func (c *Client) Like(ctx context.Context, reviewID int64) (map[string]any, error) {
	var out map[string]any
	return out, c.post(ctx, fmt.Sprintf("%s/reviews/%d/like", c.base, reviewID), "like", &out)
}

func (c *Client) Dislike(ctx context.Context, reviewID int64) (map[string]any, error) {
	var out map[string]any
	return out, c.post(ctx, fmt.Sprintf("%s/reviews/%d/dislike", c.base, reviewID), "dislike", &out)
}

// ---- Internals ----

var (
	ErrNotFound     = domain.ErrNotFound
	ErrUnauthorized = domain.ErrUnauthorized
)

func decodePage(body any) (items []map[string]any, total int, paged bool) {
	switch v := body.(type) {
	case []any:
		return asMaps(v), len(v), false
	case map[string]any:
		raw, _ := v["items"].([]any)
		items = asMaps(raw)
		total = len(items)
		if t, ok := v["total"].(float64); ok {
			total = int(t)
		}
		return items, total, true
	}
	return nil, 0, false
}

func asMaps(in []any) []map[string]any {
	out := make([]map[string]any, 0, len(in))
	for _, it := range in {
		if m, ok := it.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

func (c *Client) newRequest(ctx context.Context, method, u string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return nil, err
	}
	if c.session != "" {
		req.AddCookie(&http.Cookie{Name: SessionCookie, Value: c.session})
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "course-reactions/1.0")
	return req, nil
}

// get performs a GET with client-side rate limiting, retries, and JSON decode into out.
// Retries on 429 and transient 5xx, honoring Retry-After when provided.
func (c *Client) get(ctx context.Context, u, endpoint string, out any) error {
	// client-side rate limiting
	if err := c.rl.Wait(ctx); err != nil {
		return err
	}

	var lastErr error
	for i := 0; i < 4; i++ {
		// build a fresh request each attempt
		req, err := c.newRequest(ctx, http.MethodGet, u)
		if err != nil {
			return err
		}

		start := time.Now()
		resp, err := c.hc.Do(req)
		if err != nil {
			observability.ObserveExternal("backend", endpoint, 0, time.Since(start))
			// network error or context canceled
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lastErr = fmt.Errorf("%w: %w", domain.ErrNetworkFailure, err)
			// context-aware sleep before retry
			if i < 3 && sleepCtx(ctx, backoff(i)) {
				continue
			}
			// no more retries or context canceled
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return lastErr
		}
		observability.ObserveExternal("backend", endpoint, resp.StatusCode, time.Since(start))

		switch resp.StatusCode {
		case http.StatusOK:
			// decode then close
			err := json.NewDecoder(resp.Body).Decode(out)
			resp.Body.Close()
			return err

		case http.StatusNotFound:
			resp.Body.Close()
			return ErrNotFound

		case http.StatusUnauthorized, http.StatusForbidden:
			resp.Body.Close()
			return ErrUnauthorized

		case http.StatusTooManyRequests, http.StatusInternalServerError,
			http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			// Prefer server-provided Retry-After; otherwise exponential backoff.
			wait := retryAfter(resp)
			resp.Body.Close()
			if wait == 0 {
				wait = backoff(i)
			}
			lastErr = fmt.Errorf("%w: remote %d", domain.ErrNetworkFailure, resp.StatusCode)
			if i < 3 && sleepCtx(ctx, wait) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return lastErr

		default:
			return badStatus(resp)
		}
	}

	return lastErr
}

// post issues exactly one request. Like and dislike are not idempotent, so a
// failure is reported instead of retried.
func (c *Client) post(ctx context.Context, u, endpoint string, out any) error {
	if err := c.rl.Wait(ctx); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrNetworkFailure, err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, u)
	if err != nil {
		return err
	}

	start := time.Now()
	resp, err := c.hc.Do(req)
	if err != nil {
		observability.ObserveExternal("backend", endpoint, 0, time.Since(start))
		return fmt.Errorf("%w: %w", domain.ErrNetworkFailure, err)
	}
	defer resp.Body.Close()
	observability.ObserveExternal("backend", endpoint, resp.StatusCode, time.Since(start))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		b, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return fmt.Errorf("%w: %w", domain.ErrNetworkFailure, err)
		}
		if len(bytes.TrimSpace(b)) == 0 {
			return nil
		}
		// the increment landed; an unreadable ack is not a failure
		_ = json.Unmarshal(b, out)
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return ErrUnauthorized
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("%w: remote %d", domain.ErrNetworkFailure, resp.StatusCode)
	default:
		return badStatus(resp)
	}
}

func badStatus(resp *http.Response) error {
	// read a small error body for diagnostics
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
	detail := strings.TrimSpace(string(b))
	var problem struct {
		Detail string `json:"detail"`
	}
	if json.Unmarshal(b, &problem) == nil && problem.Detail != "" {
		detail = problem.Detail
	}
	return fmt.Errorf("bad status %d: %s", resp.StatusCode, detail)
}

// sleepCtx waits for d or returns early if ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// retryAfter parses Retry-After header (seconds or HTTP-date). Returns 0 if absent/invalid.
func retryAfter(resp *http.Response) time.Duration {
	h := resp.Header.Get("Retry-After")
	if h == "" {
		return 0
	}
	// seconds form
	if secs, err := strconv.Atoi(strings.TrimSpace(h)); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	// HTTP-date form
	if t, err := http.ParseTime(h); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// backoff returns an exponential backoff delay with concurrency-safe jitter.
// i = retry attempt (0,1,2,...). Base doubles each attempt (200ms, 400ms, 800ms...),
// with up to +50% random jitter.
func backoff(i int) time.Duration {
	base := time.Duration(1<<i) * 200 * time.Millisecond
	var b [1]byte
	if _, err := crand.Read(b[:]); err != nil {
		return base
	}
	f := float64(b[0]) / 255.0                  // 0..1
	j := time.Duration(0.5 * f * float64(base)) // up to +50%
	return base + j
}
