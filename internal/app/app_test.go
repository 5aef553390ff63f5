package app

import (
	"archive/zip"
	"bytes"
	"context"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/twicsync/internal/config"
	collyfetcher "github.com/JakeFAU/twicsync/internal/fetcher/colly"
	"github.com/JakeFAU/twicsync/internal/progress"
	"github.com/JakeFAU/twicsync/internal/twic"
)

const feedHTML = `<html><body><table>
<tr><td colspan="3">TWIC Downloads</td></tr>
<tr><th>TWIC</th><th>Date</th><th>PGN</th></tr>
<tr><td>1500</td><td>01/01/2024</td><td>pgn</td></tr>
</table></body></html>`

type twicServer struct {
	*httptest.Server
	mu   sync.Mutex
	hits map[string]int
	uas  []string
}

func newTWICServer(t *testing.T) *twicServer {
	t.Helper()

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("twic1500.pgn")
	require.NoError(t, err)
	_, err = w.Write([]byte("[Event \"TWIC 1500\"]\n\n1. d4 d5 *\n"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	archive := buf.Bytes()

	s := &twicServer{hits: map[string]int{}}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.hits[r.URL.Path]++
		s.uas = append(s.uas, r.UserAgent())
		s.mu.Unlock()
		switch r.URL.Path {
		case "/twic":
			_, _ = w.Write([]byte(feedHTML))
		case "/zips/twic1500g.zip":
			w.Header().Set("Content-Type", "application/zip")
			_, _ = w.Write(archive)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *twicServer) hitCount(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[path]
}

func testConfig(t *testing.T, srv *twicServer) config.Config {
	t.Helper()
	dir := t.TempDir()
	return config.Config{
		Feed:      config.FeedConfig{URL: srv.URL + "/twic", BaseURL: srv.URL, TableLabel: "TWIC Downloads"},
		HTTP:      config.HTTPConfig{UserAgent: collyfetcher.DefaultUserAgent, TimeoutSeconds: 5},
		Cache:     config.CacheConfig{Enabled: true, Dir: filepath.Join(dir, "cache"), FeedTTLHours: 24},
		Storage:   config.StorageConfig{DownloadDir: filepath.Join(dir, "twic_downloads")},
		Watermark: config.WatermarkConfig{Driver: config.DriverSQLite, Path: filepath.Join(dir, "state.sqlite")},
		Archive:   config.ArchiveConfig{KeepFailedZip: true},
		Combine:   config.CombineConfig{Enabled: true, Output: filepath.Join(dir, "twic-all.pgn")},
		Metrics:   config.MetricsConfig{Textfile: filepath.Join(dir, "metrics", "twicsync.prom")},
	}
}

type countingSink struct {
	stages []progress.Stage
}

func (c *countingSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		c.stages = append(c.stages, evt.Stage)
	}
	return nil
}

func (c *countingSink) Close(context.Context) error { return nil }

func TestAppEndToEndSync(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	srv := newTWICServer(t)
	cfg := testConfig(t, srv)
	sink := &countingSink{}

	a, err := New(ctx, cfg, zap.NewNop(), Options{ExtraSinks: []progress.Sink{sink}})
	require.NoError(t, err)

	engine, err := a.Engine(SyncFlags{})
	require.NoError(t, err)
	report, err := engine.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{1500}, report.Downloaded)
	assert.Equal(t, cfg.Combine.Output, report.Combined)

	pgn, err := os.ReadFile(filepath.Join(cfg.Storage.DownloadDir, "twic1500.pgn"))
	require.NoError(t, err)
	assert.Contains(t, string(pgn), "1. d4 d5")
	assert.FileExists(t, cfg.Combine.Output)

	// The second run reads the feed from cache and finds nothing new.
	report, err = engine.Run(ctx)
	require.NoError(t, err)
	assert.False(t, report.Synced())
	assert.Equal(t, 1, srv.hitCount("/twic"))
	assert.Equal(t, 1, srv.hitCount("/zips/twic1500g.zip"))

	wm, ok, err := a.Tracker.Last(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1500, wm.LastID)

	require.NoError(t, a.Close(ctx))
	assert.Contains(t, sink.stages, progress.StageMaterialized)
	assert.FileExists(t, cfg.Metrics.Textfile)
	assert.FileExists(t, cfg.Watermark.Path)
	for _, ua := range srv.uas {
		assert.True(t, strings.Contains(ua, "Chrome/96"), "unexpected user agent %q", ua)
	}
}

type fileStamp struct {
	size    int64
	modTime time.Time
}

// snapshotTree records size and mtime of every path below root.
func snapshotTree(t *testing.T, root string) map[string]fileStamp {
	t.Helper()
	out := map[string]fileStamp{}
	require.NoError(t, filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		out[path] = fileStamp{size: info.Size(), modTime: info.ModTime()}
		return nil
	}))
	return out
}

// backdateTree pins every mtime below root so any later write is visible
// regardless of filesystem timestamp resolution.
func backdateTree(t *testing.T, root string) {
	t.Helper()
	past := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	var paths []string
	require.NoError(t, filepath.WalkDir(root, func(path string, _ fs.DirEntry, err error) error {
		paths = append(paths, path)
		return err
	}))
	// Children first so touching a file does not bump its parent afterwards.
	for i := len(paths) - 1; i >= 0; i-- {
		require.NoError(t, os.Chtimes(paths[i], past, past))
	}
}

func TestSecondRunWithoutNewWorkLeavesStateUntouched(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	srv := newTWICServer(t)
	cfg := testConfig(t, srv)
	cfg.Metrics.Textfile = ""
	root := filepath.Dir(cfg.Storage.DownloadDir)

	runOnce := func() twic.RunReport {
		a, err := New(ctx, cfg, zap.NewNop(), Options{})
		require.NoError(t, err)
		engine, err := a.Engine(SyncFlags{})
		require.NoError(t, err)
		report, err := engine.Run(ctx)
		require.NoError(t, err)
		require.NoError(t, a.Close(ctx))
		return report
	}

	first := runOnce()
	require.Equal(t, []int{1500}, first.Downloaded)

	backdateTree(t, root)
	before := snapshotTree(t, root)

	second := runOnce()
	assert.False(t, second.Synced())
	assert.Empty(t, second.Downloaded)
	assert.Equal(t, 1, srv.hitCount("/twic"))
	assert.Equal(t, 1, srv.hitCount("/zips/twic1500g.zip"))

	after := snapshotTree(t, root)
	assert.Equal(t, before, after)
}

func TestAppStandaloneCombine(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	srv := newTWICServer(t)
	cfg := testConfig(t, srv)
	cfg.Watermark = config.WatermarkConfig{Driver: config.DriverMemory}

	a, err := New(ctx, cfg, nil, Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(ctx) })

	require.NoError(t, os.WriteFile(filepath.Join(cfg.Storage.DownloadDir, "twic1.pgn"), []byte("1. e4 e5\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(cfg.Storage.DownloadDir, "twic2.pgn"), []byte("1. d4 d5\n"), 0o600))

	n, err := a.Combine(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Zero(t, srv.hitCount("/twic"))
}

func TestAppFlagsOverrideConfig(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	srv := newTWICServer(t)
	cfg := testConfig(t, srv)
	cfg.Combine.Enabled = false
	cfg.Watermark = config.WatermarkConfig{Driver: config.DriverMemory}
	stored := twic.Watermark{LastID: 1500, LastDate: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}

	a, err := New(ctx, cfg, nil, Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(ctx) })
	require.NoError(t, a.Watermarks.Save(ctx, stored))

	engine, err := a.Engine(SyncFlags{Force: true, Combine: true})
	require.NoError(t, err)
	report, err := engine.Run(ctx)
	require.NoError(t, err)
	assert.True(t, report.Forced)
	assert.False(t, report.NewWork)
	assert.Equal(t, []int{1500}, report.Downloaded)
	assert.Equal(t, cfg.Combine.Output, report.Combined)
}

func TestNewRejectsUnknownDriver(t *testing.T) {
	t.Parallel()

	srv := newTWICServer(t)
	cfg := testConfig(t, srv)
	cfg.Watermark.Driver = "redis"

	_, err := New(context.Background(), cfg, nil, Options{})
	assert.ErrorContains(t, err, "redis")
}

func TestCachePolicy(t *testing.T) {
	t.Parallel()

	cfg := config.Config{
		Feed:  config.FeedConfig{URL: "https://theweekinchess.com/twic", BaseURL: "https://theweekinchess.com/"},
		Cache: config.CacheConfig{FeedTTLHours: 24},
	}
	policy := CachePolicy(cfg)

	ttl, ok := policy.Lookup("https://theweekinchess.com/twic")
	assert.True(t, ok)
	assert.Equal(t, 24*time.Hour, ttl)

	ttl, ok = policy.Lookup("https://theweekinchess.com/zips/twic1500g.zip")
	assert.True(t, ok)
	assert.Equal(t, collyfetcher.NeverExpire, ttl)

	_, ok = policy.Lookup("https://theweekinchess.com/html/twic1500.html")
	assert.False(t, ok)
}

func TestAppMirrorsCombinedFileToDirectory(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	srv := newTWICServer(t)
	cfg := testConfig(t, srv)
	cfg.Watermark = config.WatermarkConfig{Driver: config.DriverMemory}
	cfg.Combine.MirrorDir = filepath.Join(t.TempDir(), "share")

	a, err := New(ctx, cfg, nil, Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(ctx) })

	require.NoError(t, os.WriteFile(filepath.Join(cfg.Storage.DownloadDir, "twic1.pgn"), []byte("1. e4 e5\n"), 0o600))
	_, err = a.Combine(ctx)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(cfg.Combine.MirrorDir, filepath.Base(cfg.Combine.Output)))
	require.NoError(t, err)
	assert.Equal(t, "1. e4 e5\n", string(data))
}
