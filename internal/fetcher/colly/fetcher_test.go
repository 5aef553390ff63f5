package collyfetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/twicsync/internal/cache/local"
	"github.com/JakeFAU/twicsync/internal/twic"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

type testServer struct {
	*httptest.Server
	hits      atomic.Int64
	userAgent atomic.Value
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{}
	mux := http.NewServeMux()
	mux.HandleFunc("/twic", func(w http.ResponseWriter, r *http.Request) {
		ts.hits.Add(1)
		ts.userAgent.Store(r.UserAgent())
		_, _ = w.Write([]byte("<html>feed</html>"))
	})
	mux.HandleFunc("/zips/twic1500g.zip", func(w http.ResponseWriter, _ *http.Request) {
		ts.hits.Add(1)
		w.Header().Set("Content-Type", "application/zip")
		_, _ = w.Write([]byte("zip-bytes"))
	})
	mux.HandleFunc("/zips/twic9999g.zip", func(w http.ResponseWriter, _ *http.Request) {
		ts.hits.Add(1)
		http.NotFound(w, nil)
	})
	ts.Server = httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func newTestFetcher(t *testing.T, srv *testServer, clock *fakeClock) *Fetcher {
	t.Helper()
	cache, err := local.New(local.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	return New(Config{
		Timeout: 5 * time.Second,
		Cache:   cache,
		Policy: CachePolicy{
			{Pattern: srv.URL + "/twic", TTL: 24 * time.Hour},
			{Pattern: srv.URL + "/zips/*", TTL: NeverExpire},
		},
		Clock: clock,
	}, zap.NewNop())
}

func TestFetchSendsBrowserUserAgent(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)
	f := newTestFetcher(t, srv, &fakeClock{now: time.Unix(0, 0)})

	resp, err := f.Fetch(context.Background(), srv.URL+"/twic")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "<html>feed</html>", string(resp.Body))
	assert.False(t, resp.FromCache)
	assert.Equal(t, DefaultUserAgent, srv.userAgent.Load())
}

func TestFetchArchiveIsCachedForever(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)
	clock := &fakeClock{now: time.Unix(0, 0)}
	f := newTestFetcher(t, srv, clock)
	url := twic.ArchiveURL(srv.URL, 1500)

	first, err := f.Fetch(context.Background(), url)
	require.NoError(t, err)
	assert.False(t, first.FromCache)

	clock.now = clock.now.Add(365 * 24 * time.Hour)
	second, err := f.Fetch(context.Background(), url)
	require.NoError(t, err)
	assert.True(t, second.FromCache)
	assert.Equal(t, first.Body, second.Body)
	assert.Equal(t, int64(1), srv.hits.Load())
}

func TestFetchFeedExpiresAfterTTL(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)
	clock := &fakeClock{now: time.Unix(0, 0)}
	f := newTestFetcher(t, srv, clock)

	_, err := f.Fetch(context.Background(), srv.URL+"/twic")
	require.NoError(t, err)

	clock.now = clock.now.Add(time.Hour)
	cached, err := f.Fetch(context.Background(), srv.URL+"/twic")
	require.NoError(t, err)
	assert.True(t, cached.FromCache)
	assert.Equal(t, int64(1), srv.hits.Load())

	clock.now = clock.now.Add(24 * time.Hour)
	fresh, err := f.Fetch(context.Background(), srv.URL+"/twic")
	require.NoError(t, err)
	assert.False(t, fresh.FromCache)
	assert.Equal(t, int64(2), srv.hits.Load())
}

func TestFetchNotFoundIsFetchError(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)
	f := newTestFetcher(t, srv, &fakeClock{now: time.Unix(0, 0)})
	url := twic.ArchiveURL(srv.URL, 9999)

	_, err := f.Fetch(context.Background(), url)
	var fetchErr *twic.FetchError
	require.True(t, errors.As(err, &fetchErr), "expected FetchError, got %v", err)
	assert.Equal(t, http.StatusNotFound, fetchErr.StatusCode)
	assert.Equal(t, url, fetchErr.URL)

	// failures are not cached
	_, err = f.Fetch(context.Background(), url)
	require.Error(t, err)
	assert.Equal(t, int64(2), srv.hits.Load())
}

func TestFetchTransportFailure(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)
	url := srv.URL + "/twic"
	srv.Close()

	f := New(Config{Timeout: time.Second}, zap.NewNop())
	_, err := f.Fetch(context.Background(), url)
	var fetchErr *twic.FetchError
	require.ErrorAs(t, err, &fetchErr)
	assert.Zero(t, fetchErr.StatusCode)
}

func TestFetchCanceledContext(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		<-block
	}))
	t.Cleanup(func() {
		close(block)
		srv.Close()
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f := New(Config{Timeout: time.Second}, zap.NewNop())
	_, err := f.Fetch(ctx, srv.URL)
	require.Error(t, err)
}

func TestCachePolicyLookup(t *testing.T) {
	t.Parallel()

	policy := CachePolicy{
		{Pattern: "https://theweekinchess.com/twic", TTL: 24 * time.Hour},
		{Pattern: "https://theweekinchess.com/zips/*", TTL: NeverExpire},
	}

	ttl, ok := policy.Lookup("https://theweekinchess.com/twic/")
	assert.True(t, ok)
	assert.Equal(t, 24*time.Hour, ttl)

	ttl, ok = policy.Lookup("https://theweekinchess.com/zips/twic1500g.zip")
	assert.True(t, ok)
	assert.Equal(t, NeverExpire, ttl)

	_, ok = policy.Lookup("https://theweekinchess.com/html/twic1500.html")
	assert.False(t, ok)
}

func TestFresh(t *testing.T) {
	t.Parallel()

	stored := time.Unix(1000, 0)
	assert.True(t, Fresh(NeverExpire, stored, stored.Add(1000*time.Hour)))
	assert.True(t, Fresh(time.Hour, stored, stored.Add(59*time.Minute)))
	assert.False(t, Fresh(time.Hour, stored, stored.Add(time.Hour)))
}
