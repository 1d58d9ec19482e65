package store

import "image"

// Store persists checkpoints and their image artifacts, one directory per
// job. Implementations must be safe for concurrent use. Missing jobs are
// reported with ErrNotFound.
type Store interface {
	// SaveCheckpoint replaces the job's checkpoint atomically.
	SaveCheckpoint(jobID string, checkpoint *Checkpoint) error

	// LoadCheckpoint returns a validated checkpoint.
	LoadCheckpoint(jobID string) (*Checkpoint, error)

	// ListCheckpoints skips directories without a readable checkpoint.
	ListCheckpoints() ([]CheckpointInfo, error)

	// DeleteCheckpoint removes the job directory, artifacts and trace included.
	DeleteCheckpoint(jobID string) error

	// SaveImage writes name (e.g. "best.png") into the job directory.
	SaveImage(jobID, name string, img image.Image) error

	// TraceDir is the base directory to pass to NewTraceWriter and NewTraceReader.
	TraceDir() string
}

// ErrNotFound is returned when a requested checkpoint does not exist.
// Use errors.Is(err, ErrNotFound) to check for this error.
var ErrNotFound = &NotFoundError{}

// NotFoundError represents a missing checkpoint error.
type NotFoundError struct {
	JobID string
}

func (e *NotFoundError) Error() string {
	if e.JobID != "" {
		return "checkpoint not found: " + e.JobID
	}
	return "checkpoint not found"
}

func (e *NotFoundError) Is(target error) bool {
	_, ok := target.(*NotFoundError)
	return ok
}
