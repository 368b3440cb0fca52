package domain

import (
	"fmt"
	"time"
)

// Update describes a requested state change of a job
type Update struct {
	State       State
	Result      *JobResult
	Error       string
	ArtifactRef string
}

// ApplyTransition applies u to job in place. It returns changed=false when the
// update is an accepted no-op: the same non-terminal state again, or an exact
// re-delivery of the terminal state the job already holds.
func ApplyTransition(job *Job, u Update, now time.Time) (bool, error) {
	if !u.State.Valid() {
		return false, fmt.Errorf("%w: unknown state %q", ErrInvalidTransition, u.State)
	}

	if job.State.Terminal() {
		if sameTerminal(job, u) {
			return false, nil
		}
		return false, fmt.Errorf("%w: job %s is already %s", ErrInvalidTransition, job.JobID, job.State)
	}

	if u.State.rank() < job.State.rank() {
		return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, job.State, u.State)
	}

	switch u.State {
	case StatePending, StateProcessing:
		if u.State == job.State {
			return false, nil
		}
	case StateSucceeded:
		if u.Result == nil || u.Result.RemoteAssetURL == "" {
			return false, fmt.Errorf("%w: success requires a result with an asset url", ErrInvalidTransition)
		}
		if u.ArtifactRef == "" {
			return false, fmt.Errorf("%w: success requires an artifact ref", ErrInvalidTransition)
		}
		r := *u.Result
		job.Result = &r
		job.ArtifactRef = u.ArtifactRef
	case StateFailed:
		job.Error = u.Error
	}

	job.State = u.State
	job.UpdatedAt = now
	return true, nil
}

func sameTerminal(job *Job, u Update) bool {
	if u.State != job.State {
		return false
	}
	switch job.State {
	case StateSucceeded:
		if u.ArtifactRef != "" && u.ArtifactRef != job.ArtifactRef {
			return false
		}
		if u.Result != nil && (job.Result == nil || *u.Result != *job.Result) {
			return false
		}
		return true
	case StateFailed:
		return u.Error == "" || u.Error == job.Error
	}
	return false
}
