// Package archive turns downloaded TWIC zips into PGN files and combines the
// results into a single artifact.
package archive

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/JakeFAU/twicsync/internal/twic"
)

// DefaultDir is where archives are staged and extracted.
const DefaultDir = "twic_downloads"

// Config controls the Materializer.
type Config struct {
	Dir string
	// KeepFailedZip leaves the staging zip on disk when the expected PGN is
	// missing after extraction, so the archive can be inspected.
	KeepFailedZip bool
}

// Materializer implements twic.Materializer on the local filesystem.
type Materializer struct {
	dir        string
	keepFailed bool
	logger     *zap.Logger
}

var _ twic.Materializer = (*Materializer)(nil)

// NewMaterializer creates the output directory if needed.
func NewMaterializer(cfg Config, logger *zap.Logger) (*Materializer, error) {
	if cfg.Dir == "" {
		cfg.Dir = DefaultDir
	}
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("create output dir %s: %w", cfg.Dir, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Materializer{dir: cfg.Dir, keepFailed: cfg.KeepFailedZip, logger: logger}, nil
}

// Dir returns the output directory.
func (m *Materializer) Dir() string {
	return m.dir
}

// Asset returns the staging and output paths for id.
func (m *Materializer) Asset(id int) twic.Asset {
	return twic.NewAsset(m.dir, id)
}

// Materialize stages data as twic<id>g.zip, extracts it into the output
// directory and checks that twic<id>.pgn now exists.
func (m *Materializer) Materialize(ctx context.Context, data []byte, id int) (string, error) {
	asset := m.Asset(id)
	if err := os.WriteFile(asset.ZipPath, data, 0o600); err != nil {
		return "", &twic.MaterializeError{ID: id, Path: asset.ZipPath, Err: fmt.Errorf("write staging zip: %w", err)}
	}

	m.logger.Info("Unzipping...", zap.String("zip", filepath.Base(asset.ZipPath)))
	if err := Extract(ctx, asset.ZipPath, m.dir); err != nil {
		m.discard(asset.ZipPath)
		return "", &twic.MaterializeError{ID: id, Path: asset.ZipPath, Err: err}
	}

	if _, err := os.Stat(asset.OutputPath); err != nil {
		if !m.keepFailed {
			m.discard(asset.ZipPath)
		}
		if errors.Is(err, os.ErrNotExist) {
			return "", &twic.MaterializeError{ID: id, Path: asset.OutputPath, Missing: true}
		}
		return "", &twic.MaterializeError{ID: id, Path: asset.OutputPath, Err: err}
	}

	m.discard(asset.ZipPath)
	return asset.OutputPath, nil
}

func (m *Materializer) discard(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		m.logger.Warn("failed to remove staging zip", zap.String("path", path), zap.Error(err))
	}
}

// Extract writes every member of the zip at src below dir. Archives come
// from a single trusted origin, so member names are used as given.
func Extract(ctx context.Context, src, dir string) error {
	reader, err := zip.OpenReader(src)
	if err != nil {
		return fmt.Errorf("open zip %s: %w", src, err)
	}
	defer reader.Close() //nolint:errcheck // read-only handle

	for _, member := range reader.File {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("context canceled: %w", err)
		}
		if err := extractMember(member, dir); err != nil {
			return err
		}
	}
	return nil
}

func extractMember(member *zip.File, dir string) error {
	// #nosec G305 -- trusted archive source.
	target := filepath.Join(dir, member.Name)
	if member.FileInfo().IsDir() {
		if err := os.MkdirAll(target, 0o750); err != nil {
			return fmt.Errorf("create dir %s: %w", target, err)
		}
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
		return fmt.Errorf("create dir for %s: %w", target, err)
	}

	in, err := member.Open()
	if err != nil {
		return fmt.Errorf("open member %s: %w", member.Name, err)
	}
	defer in.Close() //nolint:errcheck // read-only handle

	// #nosec G304 -- see above.
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create %s: %w", target, err)
	}
	// #nosec G110 -- trusted archive source.
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("extract %s: %w", member.Name, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close %s: %w", target, err)
	}
	return nil
}
