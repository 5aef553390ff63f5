// Package progress defines the events emitted while a sync run advances and
// dispatches them to sinks that are decoupled from the fetch path.
package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageRunStart     Stage = "RUN_START"
	StageRunDone      Stage = "RUN_DONE"
	StageRunError     Stage = "RUN_ERROR"
	StageFetchDone    Stage = "FETCH_DONE"
	StageMaterialized Stage = "MATERIALIZED"
	StageSkipped      Stage = "RECORD_SKIPPED"
	StageFailed       Stage = "RECORD_FAILED"
	StageCombined     Stage = "COMBINED"
)

// Event captures a single step of a sync run.
type Event struct {
	// RunID identifies the run using the 16-byte UUID form.
	RunID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS    time.Time
	Stage Stage
	// PublicationID is the TWIC issue number for record-level stages.
	PublicationID int
	Published     time.Time
	URL           string
	// Path is the output file (MATERIALIZED, COMBINED) or staging zip.
	Path      string
	Bytes     int64
	FromCache bool
	Dur       time.Duration
	// Note carries low-volume context such as error text.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == [16]byte{} {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart, StageRunDone, StageRunError, StageCombined:
	case StageFetchDone, StageMaterialized, StageSkipped, StageFailed:
		if e.PublicationID <= 0 {
			return fmt.Errorf("%s requires publication id", e.Stage)
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// RunUUID converts the binary run ID to uuid.UUID.
func (e Event) RunUUID() uuid.UUID {
	return uuid.UUID(e.RunID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}
