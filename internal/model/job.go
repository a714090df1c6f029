package model

import (
	"time"

	"github.com/google/uuid"
)

// SyncOutcome is the terminal result of a sync job.
type SyncOutcome string

const (
	// OutcomeSuccess means the pull stream completed and every sample was
	// normalised and stored (skipped malformed samples do not fail a job).
	OutcomeSuccess SyncOutcome = "success"
	// OutcomePartial means the pull stream errored after some samples
	// were already stored. The cursor advances only to the last stored
	// sample so the next sync resumes without a gap.
	OutcomePartial SyncOutcome = "partial"
	// OutcomeFailed means the pull produced no stored samples.
	OutcomeFailed SyncOutcome = "failed"
)

// SyncJob is one synchronisation attempt for a device. Jobs are terminal once
// Outcome is set and are retained briefly (in memory) for observability.
type SyncJob struct {
	ID          uuid.UUID
	DeviceID    string
	StartedAt   time.Time
	FinishedAt  time.Time // zero while running
	Outcome     SyncOutcome
	SampleCount int
	Errors      []string // ordered error descriptors, e.g. skipped samples
}

// Running reports whether the job has not reached a terminal outcome yet.
func (j SyncJob) Running() bool {
	return j.FinishedAt.IsZero()
}
