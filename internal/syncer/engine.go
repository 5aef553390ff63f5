// Package syncer runs one pass of the TWIC sync: check the feed against the
// watermark, sweep every listed issue, and optionally combine the results.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/twicsync/internal/feed"
	"github.com/JakeFAU/twicsync/internal/progress"
	"github.com/JakeFAU/twicsync/internal/twic"
	"github.com/JakeFAU/twicsync/internal/watermark"
)

// State is the orchestrator phase.
type State string

// Orchestrator phases.
const (
	StateIdle     State = "IDLE"
	StateChecking State = "CHECKING"
	StateSyncing  State = "SYNCING"
	StateDone     State = "DONE"
)

// Gate decides whether the newest publication is new work.
type Gate interface {
	CheckAndAdvance(ctx context.Context, newest twic.Publication) (watermark.Decision, error)
	Evaluate(ctx context.Context, newest twic.Publication) (watermark.Decision, error)
}

// Store materializes archives and exposes their on-disk layout.
type Store interface {
	twic.Materializer
	Asset(id int) twic.Asset
	Dir() string
}

// Config controls a run.
type Config struct {
	FeedURL string
	// BaseURL is the origin archive URLs are built from.
	BaseURL string
	// Force enters SYNCING even when the watermark reports no new work.
	Force bool
	// DryRun reads the watermark without advancing it and fetches no archives.
	DryRun        bool
	Combine       bool
	CombineAlways bool
	CombineTarget string
}

// Deps bundles the collaborators of an Engine.
type Deps struct {
	Fetcher    twic.Fetcher
	Parser     twic.FeedParser
	Gate       Gate
	Store      Store
	Aggregator twic.Aggregator
	Events     progress.Emitter
	Clock      twic.Clock
	NewRunID   func() uuid.UUID
}

// Engine is the sync orchestrator. It is not safe for concurrent Run calls.
type Engine struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger
	state  State
	runID  [16]byte
}

// New validates deps and applies defaults.
func New(deps Deps, cfg Config, logger *zap.Logger) (*Engine, error) {
	switch {
	case deps.Fetcher == nil:
		return nil, errors.New("fetcher is required")
	case deps.Parser == nil:
		return nil, errors.New("feed parser is required")
	case deps.Gate == nil:
		return nil, errors.New("watermark gate is required")
	case deps.Store == nil:
		return nil, errors.New("materializer is required")
	case cfg.FeedURL == "" || cfg.BaseURL == "":
		return nil, errors.New("feed url and base url are required")
	case cfg.Combine && deps.Aggregator == nil:
		return nil, errors.New("aggregator is required when combine is enabled")
	}
	if deps.Events == nil {
		deps.Events = progress.NopEmitter{}
	}
	if deps.Clock == nil {
		deps.Clock = twic.SystemClock
	}
	if deps.NewRunID == nil {
		deps.NewRunID = uuid.New
	}
	if cfg.CombineTarget == "" {
		cfg.CombineTarget = "twic-all.pgn"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{deps: deps, cfg: cfg, logger: logger, state: StateIdle}, nil
}

// State reports the phase reached by the last Run. A failed run stays in the
// phase where it stopped.
func (e *Engine) State() State {
	return e.state
}

// Run executes one CHECKING -> SYNCING -> DONE pass. Feed, parse and
// watermark failures abort the run. Per-record failures are collected and
// reported as twic.ErrPartialSync once the sweep finishes.
func (e *Engine) Run(ctx context.Context) (twic.RunReport, error) {
	report := twic.RunReport{
		RunID:   e.deps.NewRunID(),
		Forced:  e.cfg.Force,
		Started: e.deps.Clock.Now(),
	}
	e.runID = progress.UUIDToBytes(report.RunID)
	e.emit(ctx, progress.Event{Stage: progress.StageRunStart, URL: e.cfg.FeedURL})

	err := e.run(ctx, &report)
	report.Finished = e.deps.Clock.Now()

	done := progress.Event{Stage: progress.StageRunDone, Dur: report.Finished.Sub(report.Started)}
	if err != nil {
		done.Stage = progress.StageRunError
		done.Note = err.Error()
	}
	e.emit(ctx, done)
	return report, err
}

func (e *Engine) run(ctx context.Context, report *twic.RunReport) error {
	records, err := e.check(ctx, report)
	if err != nil {
		return err
	}
	if report.Synced() {
		if err := e.sweep(ctx, records, report); err != nil {
			return err
		}
	} else {
		e.logger.Info("No new games :-(")
	}
	e.state = StateDone
	if err := e.combine(ctx, report); err != nil {
		return err
	}
	e.logger.Info("sync finished",
		zap.String("run_id", report.RunID.String()),
		zap.Int("downloaded", len(report.Downloaded)),
		zap.Int("skipped", len(report.Skipped)),
		zap.Int("failed", len(report.Failed)),
	)
	if len(report.Failed) > 0 {
		// The watermark has already advanced, so only a forced run sweeps again.
		return fmt.Errorf("%w: %d of %d records failed: %s (rerun with --force to retry)",
			twic.ErrPartialSync, len(report.Failed), len(records), joinIDs(report.Failed))
	}
	return nil
}

func (e *Engine) check(ctx context.Context, report *twic.RunReport) ([]twic.Publication, error) {
	e.state = StateChecking
	e.logger.Info("Downloading URL: " + e.cfg.FeedURL)
	resp, err := e.deps.Fetcher.Fetch(ctx, e.cfg.FeedURL)
	if err != nil {
		return nil, fmt.Errorf("fetch feed: %w", err)
	}
	e.logger.Info(resp.CacheLabel())

	parsed, err := e.deps.Parser.Parse(resp.Body)
	if err != nil {
		return nil, err
	}
	records := feed.SortNewestFirst(parsed)
	if len(records) == 0 {
		return nil, &twic.ParseError{Reason: "no publication rows"}
	}
	newest := records[0]
	report.Newest = newest
	e.logger.Info(fmt.Sprintf("Last TWIC Update:\t %s : %d", newest.Published.Format(time.DateOnly), newest.ID))

	var decision watermark.Decision
	if e.cfg.DryRun {
		decision, err = e.deps.Gate.Evaluate(ctx, newest)
	} else {
		decision, err = e.deps.Gate.CheckAndAdvance(ctx, newest)
	}
	if err != nil {
		return nil, err
	}
	if prev := decision.Previous; prev != nil {
		e.logger.Info(fmt.Sprintf("Last Download:\t\t %s : %d", prev.LastDate.Format(time.DateOnly), prev.LastID))
	}
	report.Previous = decision.Previous
	report.NewWork = decision.IsNew
	return records, nil
}

func (e *Engine) sweep(ctx context.Context, records []twic.Publication, report *twic.RunReport) error {
	e.state = StateSyncing
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("sync aborted: %w", err)
		}
		asset := e.deps.Store.Asset(rec.ID)
		name := filepath.Base(asset.OutputPath)

		exists, err := fileExists(asset.OutputPath)
		if err != nil {
			e.recordFailure(ctx, report, rec, fmt.Errorf("stat %s: %w", asset.OutputPath, err))
			continue
		}
		if exists {
			e.logger.Debug(name + " ....... OK!")
			report.Skipped = append(report.Skipped, rec.ID)
			e.emit(ctx, progress.Event{Stage: progress.StageSkipped, PublicationID: rec.ID, Path: asset.OutputPath})
			continue
		}

		e.logger.Info(name + " Missing!")
		if e.cfg.DryRun {
			report.Pending = append(report.Pending, rec.ID)
			continue
		}
		if err := e.syncRecord(ctx, rec, report); err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("sync aborted: %w", ctx.Err())
			}
			e.recordFailure(ctx, report, rec, err)
		}
	}
	return nil
}

func (e *Engine) syncRecord(ctx context.Context, rec twic.Publication, report *twic.RunReport) error {
	url := twic.ArchiveURL(e.cfg.BaseURL, rec.ID)
	e.logger.Info("Downloading...", zap.String("url", url))
	resp, err := e.deps.Fetcher.Fetch(ctx, url)
	if err != nil {
		return err
	}
	e.logger.Info(resp.CacheLabel())
	e.emit(ctx, progress.Event{
		Stage:         progress.StageFetchDone,
		PublicationID: rec.ID,
		URL:           url,
		Bytes:         int64(len(resp.Body)),
		FromCache:     resp.FromCache,
		Dur:           resp.Duration,
	})

	path, err := e.deps.Store.Materialize(ctx, resp.Body, rec.ID)
	if err != nil {
		return err
	}
	e.logger.Info("....... OK!", zap.String("path", path))
	report.Downloaded = append(report.Downloaded, rec.ID)
	e.emit(ctx, progress.Event{
		Stage:         progress.StageMaterialized,
		PublicationID: rec.ID,
		Published:     rec.Published,
		Path:          path,
		Bytes:         fileSize(path),
	})
	return nil
}

func (e *Engine) recordFailure(ctx context.Context, report *twic.RunReport, rec twic.Publication, err error) {
	fields := []zap.Field{zap.Int("twic_id", rec.ID), zap.Error(err)}
	var fetchErr *twic.FetchError
	var matErr *twic.MaterializeError
	switch {
	case errors.As(err, &fetchErr):
		fields = append(fields, zap.String("url", fetchErr.URL), zap.Int("status", fetchErr.StatusCode))
		e.logger.Error("archive download failed", fields...)
	case errors.As(err, &matErr) && matErr.Missing:
		e.logger.Error("expected pgn missing after extraction", append(fields, zap.String("path", matErr.Path))...)
	default:
		e.logger.Error("record sync failed", fields...)
	}
	report.Failed = append(report.Failed, rec.ID)
	e.emit(ctx, progress.Event{Stage: progress.StageFailed, PublicationID: rec.ID, Note: err.Error()})
}

func (e *Engine) combine(ctx context.Context, report *twic.RunReport) error {
	if !e.cfg.Combine || e.cfg.DryRun {
		return nil
	}
	if len(report.Downloaded) == 0 && !e.cfg.CombineAlways {
		return nil
	}
	start := e.deps.Clock.Now()
	n, err := e.deps.Aggregator.Combine(ctx, e.deps.Store.Dir(), e.cfg.CombineTarget)
	if err != nil {
		return fmt.Errorf("combine: %w", err)
	}
	report.Combined = e.cfg.CombineTarget
	e.logger.Info("combined pgn written", zap.String("path", e.cfg.CombineTarget), zap.Int("inputs", n))
	e.emit(ctx, progress.Event{
		Stage: progress.StageCombined,
		Path:  e.cfg.CombineTarget,
		Bytes: fileSize(e.cfg.CombineTarget),
		Dur:   e.deps.Clock.Now().Sub(start),
		Note:  fmt.Sprintf("%d inputs", n),
	})
	return nil
}

func (e *Engine) emit(ctx context.Context, evt progress.Event) {
	evt.RunID = e.runID
	evt.TS = e.deps.Clock.Now()
	if evt.Dur < 0 {
		evt.Dur = 0
	}
	e.deps.Events.Emit(ctx, evt)
}

func fileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, err
	}
}

func fileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}

func joinIDs(ids []int) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = twic.OutputName(id)
	}
	return strings.Join(parts, ", ")
}
