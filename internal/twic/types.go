// Package twic defines the core types shared across the sync subsystems.
package twic

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DateLayout is the day/month/year layout used by the feed table. Single
// digit days and months are accepted.
const DateLayout = "2/1/2006"

// Publication is one row of the TWIC downloads table.
type Publication struct {
	// ID is the issue number, e.g. 1500.
	ID int
	// Published is the publication date at UTC midnight.
	Published time.Time
	// Aux carries the remaining columns verbatim; nothing reads them.
	Aux []string
}

// ArchiveName returns the remote and staging file name for the issue.
func (p Publication) ArchiveName() string {
	return ArchiveName(p.ID)
}

// OutputName returns the PGN file name the archive is expected to contain.
func (p Publication) OutputName() string {
	return OutputName(p.ID)
}

// String renders the publication for log lines.
func (p Publication) String() string {
	return fmt.Sprintf("%d (%s)", p.ID, p.Published.Format(time.DateOnly))
}

// ArchiveName returns "twic<id>g.zip".
func ArchiveName(id int) string {
	return fmt.Sprintf("twic%dg.zip", id)
}

// OutputName returns "twic<id>.pgn".
func OutputName(id int) string {
	return fmt.Sprintf("twic%d.pgn", id)
}

// ArchiveURL builds the zip URL for an issue from the site base URL.
func ArchiveURL(baseURL string, id int) string {
	return strings.TrimSuffix(baseURL, "/") + "/zips/" + url.PathEscape(ArchiveName(id))
}

// IssueURL builds the per-issue HTML page URL used as a notification deep link.
func IssueURL(baseURL string, id int) string {
	return fmt.Sprintf("%s/html/twic%d.html", strings.TrimSuffix(baseURL, "/"), id)
}

// Watermark records the newest publication seen by a previous run.
type Watermark struct {
	LastID    int       `db:"last_id"`
	LastDate  time.Time `db:"last_date"`
	UpdatedAt time.Time `db:"updated_at"`
}

// FromPublication builds the watermark that marks p as seen.
func FromPublication(p Publication, now time.Time) Watermark {
	return Watermark{LastID: p.ID, LastDate: p.Published, UpdatedAt: now.UTC()}
}

// Asset tracks the on-disk paths belonging to one publication.
type Asset struct {
	ID         int
	ZipPath    string
	OutputPath string
}

// NewAsset derives the staging and output paths for id inside dir.
func NewAsset(dir string, id int) Asset {
	return Asset{
		ID:         id,
		ZipPath:    filepath.Join(dir, ArchiveName(id)),
		OutputPath: filepath.Join(dir, OutputName(id)),
	}
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL        string
	StatusCode int
	Body       []byte
	FromCache  bool
	Duration   time.Duration
}

// CacheLabel returns the status annotation printed after a download.
func (r FetchResponse) CacheLabel() string {
	if r.FromCache {
		return "....... (CACHED!)"
	}
	return "....... Downloaded"
}

// RunReport summarizes one orchestrator run.
type RunReport struct {
	RunID      uuid.UUID
	NewWork    bool
	Forced     bool
	Newest     Publication
	Previous   *Watermark
	Downloaded []int
	Skipped    []int
	Failed     []int
	// Pending lists records a dry run would have downloaded.
	Pending  []int
	Combined string
	Started  time.Time
	Finished time.Time
}

// Synced reports whether the sweep ran.
func (r RunReport) Synced() bool {
	return r.NewWork || r.Forced
}
