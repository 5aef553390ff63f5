package archive

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/twicsync/internal/twic"
)

// DefaultCombinedName is the combined artifact written to the working directory.
const DefaultCombinedName = "twic-all.pgn"

// BlobStore uploads an artifact and returns its URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Aggregator concatenates every PGN in a directory into one file and
// optionally mirrors the result to a BlobStore.
type Aggregator struct {
	mirror BlobStore
	logger *zap.Logger
}

var _ twic.Aggregator = (*Aggregator)(nil)

// NewAggregator returns an Aggregator; mirror may be nil.
func NewAggregator(mirror BlobStore, logger *zap.Logger) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{mirror: mirror, logger: logger}
}

// Combine overwrites target with the raw bytes of every *.pgn file in
// outputDir, in directory enumeration order. It returns the number of inputs.
func (a *Aggregator) Combine(ctx context.Context, outputDir, target string) (int, error) {
	if target == "" {
		target = DefaultCombinedName
	}
	inputs, err := listPGN(outputDir, target)
	if err != nil {
		return 0, err
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), ".combine-*.pgn")
	if err != nil {
		return 0, fmt.Errorf("create temp combined file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) //nolint:errcheck // gone after rename

	for _, path := range inputs {
		if err := ctx.Err(); err != nil {
			_ = tmp.Close()
			return 0, fmt.Errorf("context canceled: %w", err)
		}
		if err := appendFile(tmp, path); err != nil {
			_ = tmp.Close()
			return 0, err
		}
	}
	// CreateTemp uses 0600; the combined file is meant to be shared.
	if err := tmp.Chmod(0o644); err != nil {
		_ = tmp.Close()
		return 0, fmt.Errorf("chmod temp combined file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("close temp combined file: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		return 0, fmt.Errorf("replace %s: %w", target, err)
	}
	a.logger.Info("combined output written", zap.String("path", target), zap.Int("inputs", len(inputs)))

	if a.mirror != nil {
		if err := a.upload(ctx, target); err != nil {
			return len(inputs), err
		}
	}
	return len(inputs), nil
}

func (a *Aggregator) upload(ctx context.Context, target string) error {
	// #nosec G304 -- target is the file just written.
	f, err := os.Open(target)
	if err != nil {
		return fmt.Errorf("open combined output: %w", err)
	}
	defer f.Close() //nolint:errcheck // read-only handle

	uri, err := a.mirror.PutObject(ctx, filepath.Base(target), "application/x-chess-pgn", f)
	if err != nil {
		return fmt.Errorf("mirror combined output: %w", err)
	}
	a.logger.Info("combined output mirrored", zap.String("uri", uri))
	return nil
}

// listPGN returns the *.pgn regular files of dir in enumeration order,
// excluding target itself.
func listPGN(dir, target string) ([]string, error) {
	d, err := os.Open(dir) // #nosec G304 -- configured output directory.
	if err != nil {
		return nil, fmt.Errorf("open output dir %s: %w", dir, err)
	}
	defer d.Close() //nolint:errcheck // read-only handle

	// File.ReadDir keeps the order the filesystem returns.
	entries, err := d.ReadDir(-1)
	if err != nil {
		return nil, fmt.Errorf("list output dir %s: %w", dir, err)
	}
	targetAbs, _ := filepath.Abs(target)
	var out []string
	for _, e := range entries {
		if !e.Type().IsRegular() || !strings.EqualFold(filepath.Ext(e.Name()), ".pgn") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if abs, _ := filepath.Abs(path); abs == targetAbs {
			continue
		}
		out = append(out, path)
	}
	return out, nil
}

func appendFile(dst io.Writer, path string) error {
	// #nosec G304 -- path comes from listing the output directory.
	src, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer src.Close() //nolint:errcheck // read-only handle
	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("append %s: %w", path, err)
	}
	return nil
}
