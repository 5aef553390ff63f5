package twic

import (
	"context"
	"time"
)

// FeedParser turns the raw feed page into publications in source order.
type FeedParser interface {
	Parse(body []byte) ([]Publication, error)
}

// Fetcher performs a single HTTP GET and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (FetchResponse, error)
}

// WatermarkStore persists the singleton watermark.
type WatermarkStore interface {
	// Load returns the stored watermark; ok is false when none exists yet.
	Load(ctx context.Context) (wm Watermark, ok bool, err error)
	Save(ctx context.Context, wm Watermark) error
	Close() error
}

// Materializer turns archive bytes into the expected output file.
type Materializer interface {
	Materialize(ctx context.Context, data []byte, id int) (string, error)
}

// Aggregator concatenates every output file into a combined artifact.
type Aggregator interface {
	Combine(ctx context.Context, outputDir, target string) (int, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

// Now calls f.
func (f ClockFunc) Now() time.Time { return f() }

// SystemClock returns UTC wall-clock time.
var SystemClock Clock = ClockFunc(func() time.Time { return time.Now().UTC() })
