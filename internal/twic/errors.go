package twic

import (
	"errors"
	"fmt"
)

// ErrPartialSync is returned when the sweep finished but some records failed.
var ErrPartialSync = errors.New("one or more publications failed to sync")

// ParseError reports a missing or malformed feed table. It is fatal to a run.
type ParseError struct {
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("parse feed: %s: %v", e.Reason, e.Err)
	}
	return "parse feed: " + e.Reason
}

func (e *ParseError) Unwrap() error { return e.Err }

// FetchError reports a transport failure or a non-2xx response.
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: unexpected status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// MaterializeError reports an extraction failure. Missing is set when the
// archive extracted cleanly but did not contain the expected PGN.
type MaterializeError struct {
	ID      int
	Path    string
	Missing bool
	Err     error
}

func (e *MaterializeError) Error() string {
	if e.Missing {
		return fmt.Sprintf("materialize twic %d: expected output %s missing after extraction", e.ID, e.Path)
	}
	return fmt.Sprintf("materialize twic %d: %v", e.ID, e.Err)
}

func (e *MaterializeError) Unwrap() error { return e.Err }

// PersistenceError reports an unavailable watermark store. It is fatal to a run.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("watermark %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
