package collyfetcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/twicsync/internal/cache/local"
)

// CacheHeader is set on responses served from the response cache.
const CacheHeader = "X-Twicsync-Cache"

// NeverExpire marks a cache rule whose entries are never revalidated.
const NeverExpire time.Duration = -1

// ResponseCache stores raw responses keyed by URL.
type ResponseCache interface {
	Get(ctx context.Context, url string) (local.Entry, bool, error)
	Put(ctx context.Context, entry local.Entry) error
}

// CacheRule assigns an expiry to URLs matching Pattern. A trailing "*"
// makes the pattern a prefix match; otherwise the URL must match exactly.
type CacheRule struct {
	Pattern string
	TTL     time.Duration
}

// CachePolicy is an ordered rule list; the first match wins and URLs that
// match no rule are never cached.
type CachePolicy []CacheRule

// Lookup returns the TTL for url and whether it is cacheable at all.
func (p CachePolicy) Lookup(url string) (time.Duration, bool) {
	for _, rule := range p {
		if rule.matches(url) {
			return rule.TTL, rule.TTL != 0
		}
	}
	return 0, false
}

func (r CacheRule) matches(url string) bool {
	if prefix, ok := strings.CutSuffix(r.Pattern, "*"); ok {
		return strings.HasPrefix(url, prefix)
	}
	return strings.TrimSuffix(url, "/") == strings.TrimSuffix(r.Pattern, "/")
}

// Fresh reports whether an entry stored at storedAt may still be served at now.
func Fresh(ttl time.Duration, storedAt, now time.Time) bool {
	if ttl < 0 {
		return true
	}
	return now.Sub(storedAt) < ttl
}

type cachingTransport struct {
	base    http.RoundTripper
	cache   ResponseCache
	policy  CachePolicy
	limiter *rate.Limiter
	now     func() time.Time
	logger  *zap.Logger
}

func (t *cachingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil || req.URL == nil {
		return nil, errors.New("cache transport received nil request")
	}
	url := req.URL.String()
	ttl, cacheable := t.policy.Lookup(url)
	cacheable = cacheable && t.cache != nil && req.Method == http.MethodGet

	if cacheable {
		entry, ok, err := t.cache.Get(req.Context(), url)
		switch {
		case err != nil:
			t.logger.Warn("response cache read failed", zap.String("url", url), zap.Error(err))
		case ok && Fresh(ttl, entry.StoredAt, t.now()):
			return cachedResponse(req, entry), nil
		}
	}

	if err := t.pace(req.Context()); err != nil {
		return nil, err
	}
	resp, err := t.base.RoundTrip(cloneRequest(req))
	if err != nil {
		return nil, fmt.Errorf("cache transport base roundtrip: %w", err)
	}
	if !cacheable || resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp, nil
	}

	body, err := io.ReadAll(resp.Body)
	closeErr := resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if closeErr != nil {
		t.logger.Debug("response body close failed", zap.Error(closeErr))
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))

	if err := t.cache.Put(req.Context(), local.Entry{
		URL:        url,
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		StoredAt:   t.now(),
		Body:       body,
	}); err != nil {
		t.logger.Warn("response cache write failed", zap.String("url", url), zap.Error(err))
	}
	return resp, nil
}

func (t *cachingTransport) pace(ctx context.Context) error {
	if t.limiter == nil {
		return nil
	}
	if err := t.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	return nil
}

func cachedResponse(req *http.Request, entry local.Entry) *http.Response {
	header := entry.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	header.Set(CacheHeader, "HIT")
	status := entry.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	return &http.Response{
		StatusCode:    status,
		Status:        fmt.Sprintf("%d %s", status, http.StatusText(status)),
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Body:          io.NopCloser(bytes.NewReader(entry.Body)),
		ContentLength: int64(len(entry.Body)),
		Header:        header,
		Request:       req,
	}
}

func cloneRequest(req *http.Request) *http.Request {
	clone := req.Clone(req.Context())
	clone.Body = req.Body
	return clone
}
