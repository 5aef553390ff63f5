// Package app builds the long-lived services of a twicsync process from
// configuration and tears them down again. It is the only place that knows
// which concrete store, fetcher and sinks are in use.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/JakeFAU/twicsync/internal/archive"
	"github.com/JakeFAU/twicsync/internal/cache/local"
	"github.com/JakeFAU/twicsync/internal/config"
	"github.com/JakeFAU/twicsync/internal/feed"
	collyfetcher "github.com/JakeFAU/twicsync/internal/fetcher/colly"
	"github.com/JakeFAU/twicsync/internal/progress"
	"github.com/JakeFAU/twicsync/internal/progress/sinks"
	"github.com/JakeFAU/twicsync/internal/storage/gcs"
	mirrordir "github.com/JakeFAU/twicsync/internal/storage/local"
	"github.com/JakeFAU/twicsync/internal/syncer"
	"github.com/JakeFAU/twicsync/internal/twic"
	"github.com/JakeFAU/twicsync/internal/watermark"
	"github.com/JakeFAU/twicsync/internal/watermark/memory"
	"github.com/JakeFAU/twicsync/internal/watermark/postgres"
	"github.com/JakeFAU/twicsync/internal/watermark/sqlite"
)

// App holds the services shared by every command.
type App struct {
	Config       config.Config
	Logger       *zap.Logger
	Fetcher      twic.Fetcher
	Parser       twic.FeedParser
	Watermarks   twic.WatermarkStore
	Tracker      *watermark.Tracker
	Materializer *archive.Materializer
	Aggregator   *archive.Aggregator
	Hub          *progress.Hub
	Registry     *prometheus.Registry
	Clock        twic.Clock

	mirror *gcs.BlobStore
}

// Options injects test doubles and client options.
type Options struct {
	// Fetcher replaces the colly fetcher when set.
	Fetcher twic.Fetcher
	// Watermarks replaces the configured watermark store when set.
	Watermarks twic.WatermarkStore
	Clock      twic.Clock
	// GCPOptions are passed to the GCS and Pub/Sub clients.
	GCPOptions []option.ClientOption
	// ExtraSinks are registered on the hub after the configured ones.
	ExtraSinks []progress.Sink
}

// SyncFlags are per-invocation overrides from the command line.
type SyncFlags struct {
	Force   bool
	DryRun  bool
	Combine bool
}

// New builds every service described by cfg. On error, anything already
// opened is closed again.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts Options) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{Config: cfg, Logger: logger, Registry: prometheus.NewRegistry()}
	if err := a.init(ctx, opts); err != nil {
		if closeErr := a.Close(ctx); closeErr != nil {
			logger.Warn("cleanup after failed init", zap.Error(closeErr))
		}
		return nil, err
	}
	return a, nil
}

func (a *App) init(ctx context.Context, opts Options) error {
	cfg, logger := a.Config, a.Logger
	a.Clock = opts.Clock
	policy, err := watermark.ParsePolicy(cfg.Watermark.Policy)
	if err != nil {
		return err
	}

	if opts.Fetcher != nil {
		a.Fetcher = opts.Fetcher
	} else {
		fetcher, err := newFetcher(cfg, opts.Clock, logger.Named("fetcher"))
		if err != nil {
			return err
		}
		a.Fetcher = fetcher
	}
	a.Parser = feed.NewParser(cfg.Feed.TableLabel)

	if opts.Watermarks != nil {
		a.Watermarks = opts.Watermarks
	} else {
		store, err := openWatermarks(ctx, cfg.Watermark)
		if err != nil {
			return err
		}
		a.Watermarks = store
	}
	a.Tracker = watermark.NewTracker(a.Watermarks, policy, opts.Clock, logger.Named("watermark"))

	a.Materializer, err = archive.NewMaterializer(archive.Config{
		Dir:           cfg.Storage.DownloadDir,
		KeepFailedZip: cfg.Archive.KeepFailedZip,
	}, logger.Named("archive"))
	if err != nil {
		return err
	}

	var mirror archive.BlobStore
	if cfg.Combine.GCSBucket != "" {
		a.mirror, err = gcs.Open(ctx, gcs.Config{Bucket: cfg.Combine.GCSBucket, Prefix: cfg.Combine.GCSPrefix}, opts.GCPOptions...)
		if err != nil {
			return err
		}
		mirror = a.mirror
	} else if cfg.Combine.MirrorDir != "" {
		dirMirror, err := mirrordir.New(mirrordir.Config{BaseDir: cfg.Combine.MirrorDir})
		if err != nil {
			return err
		}
		mirror = dirMirror
	}
	a.Aggregator = archive.NewAggregator(mirror, logger.Named("combine"))

	registered, err := buildSinks(ctx, cfg, a.Registry, logger, opts)
	if err != nil {
		return err
	}
	a.Hub = progress.NewHub(progress.Config{Logger: logger.Named("progress")}, registered...)
	return nil
}

func newFetcher(cfg config.Config, clock twic.Clock, logger *zap.Logger) (*collyfetcher.Fetcher, error) {
	fc := collyfetcher.Config{
		UserAgent:         cfg.HTTP.UserAgent,
		Timeout:           cfg.Timeout(),
		RequestsPerSecond: cfg.HTTP.RequestsPerSecond,
		Policy:            CachePolicy(cfg),
		Clock:             clock,
	}
	if cfg.Cache.Enabled {
		store, err := local.New(local.Config{BaseDir: cfg.Cache.Dir})
		if err != nil {
			return nil, fmt.Errorf("open response cache: %w", err)
		}
		fc.Cache = store
	}
	return collyfetcher.New(fc, logger), nil
}

// CachePolicy expires the feed page after the configured TTL and keeps
// archives forever, since a published zip never changes.
func CachePolicy(cfg config.Config) collyfetcher.CachePolicy {
	return collyfetcher.CachePolicy{
		{Pattern: cfg.Feed.URL, TTL: cfg.FeedTTL()},
		{Pattern: strings.TrimSuffix(cfg.Feed.BaseURL, "/") + "/zips/*", TTL: collyfetcher.NeverExpire},
	}
}

func openWatermarks(ctx context.Context, cfg config.WatermarkConfig) (twic.WatermarkStore, error) {
	switch cfg.Driver {
	case config.DriverSQLite:
		store, err := sqlite.Open(ctx, cfg.Path)
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.DriverPostgres:
		store, err := postgres.Open(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.DriverMemory:
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unsupported watermark driver %q", cfg.Driver)
	}
}

func buildSinks(
	ctx context.Context,
	cfg config.Config,
	reg *prometheus.Registry,
	logger *zap.Logger,
	opts Options,
) ([]progress.Sink, error) {
	out := []progress.Sink{sinks.NewLogSink(logger.Named("events"))}

	prom, err := sinks.NewPrometheusSink(sinks.PrometheusConfig{Registry: reg, Textfile: cfg.Metrics.Textfile})
	if err != nil {
		return nil, err
	}
	out = append(out, prom)

	if cfg.Notify.PushoverToken != "" {
		push, err := sinks.NewPushoverSink(sinks.PushoverConfig{
			Token:   cfg.Notify.PushoverToken,
			User:    cfg.Notify.PushoverUser,
			SiteURL: cfg.Feed.BaseURL,
		})
		if err != nil {
			return nil, err
		}
		out = append(out, push)
	}
	if cfg.Notify.PubSubProject != "" {
		ps, err := sinks.NewPubSubSink(ctx, cfg.Notify.PubSubProject, cfg.Notify.PubSubTopic, opts.GCPOptions...)
		if err != nil {
			return nil, err
		}
		out = append(out, ps)
	}
	return append(out, opts.ExtraSinks...), nil
}

// Engine builds a sync orchestrator with flags layered over the config.
func (a *App) Engine(flags SyncFlags) (*syncer.Engine, error) {
	return syncer.New(syncer.Deps{
		Fetcher:    a.Fetcher,
		Parser:     a.Parser,
		Gate:       a.Tracker,
		Store:      a.Materializer,
		Aggregator: a.Aggregator,
		Events:     a.Hub,
		Clock:      a.Clock,
	}, syncer.Config{
		FeedURL:       a.Config.Feed.URL,
		BaseURL:       a.Config.Feed.BaseURL,
		Force:         a.Config.Sync.Force || flags.Force,
		DryRun:        flags.DryRun,
		Combine:       a.Config.Combine.Enabled || flags.Combine,
		CombineAlways: a.Config.Combine.Always,
		CombineTarget: a.Config.Combine.Output,
	}, a.Logger.Named("sync"))
}

// Combine runs the aggregator over the download directory on its own.
func (a *App) Combine(ctx context.Context) (int, error) {
	return a.Aggregator.Combine(ctx, a.Materializer.Dir(), a.Config.Combine.Output)
}

// Close releases every service. It is safe to call on a partially built App.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.Hub != nil {
		if err := a.Hub.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if a.Watermarks != nil {
		if err := a.Watermarks.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close watermark store: %w", err))
		}
	}
	if a.mirror != nil {
		if err := a.mirror.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.Logger != nil {
		_ = a.Logger.Sync()
	}
	return errors.Join(errs...)
}
