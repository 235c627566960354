package domain

import (
	"fmt"
	"strings"
	"time"
)

// JobState represents the lifecycle state of a delegated job.
type JobState string

// Job lifecycle states.
const (
	JobStateCreated         JobState = "CREATED"
	JobStateReadyToStart    JobState = "READY_TO_START"
	JobStateRunning         JobState = "RUNNING"
	JobStateCancelRequested JobState = "CANCEL_REQUESTED"
	JobStateCanceled        JobState = "CANCELED"
	JobStateDone            JobState = "DONE"
	JobStateFailed          JobState = "FAILED"
)

// AllJobStates lists every state in lifecycle order.
var AllJobStates = []JobState{
	JobStateCreated,
	JobStateReadyToStart,
	JobStateRunning,
	JobStateCancelRequested,
	JobStateCanceled,
	JobStateDone,
	JobStateFailed,
}

var jobTransitions = map[JobState][]JobState{
	JobStateCreated:         {JobStateReadyToStart},
	JobStateReadyToStart:    {JobStateRunning},
	JobStateRunning:         {JobStateDone, JobStateFailed, JobStateCanceled, JobStateCancelRequested},
	JobStateCancelRequested: {JobStateCanceled, JobStateDone, JobStateFailed},
}

// ParseJobState converts s (case-insensitive) to a JobState.
func ParseJobState(s string) (JobState, error) {
	state := JobState(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range AllJobStates {
		if state == known {
			return state, nil
		}
	}
	return "", ErrNotAcceptable("unknown job state %q", s)
}

// IsTerminal reports whether no further transition can leave the state.
func (s JobState) IsTerminal() bool {
	return s == JobStateDone || s == JobStateFailed || s == JobStateCanceled
}

// HasPassedReadyToStart reports whether a job in this state has been started.
func (s JobState) HasPassedReadyToStart() bool {
	switch s {
	case JobStateCreated, JobStateReadyToStart:
		return false
	default:
		return true
	}
}

// CanTransitionTo reports whether next directly follows s in the lifecycle.
func (s JobState) CanTransitionTo(next JobState) bool {
	for _, allowed := range jobTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Job is the persisted record of one delegated scan execution.
type Job struct {
	ID            string
	UpstreamJobID string
	ServerID      string
	ProductID     string
	State         JobState
	Owner         string

	Created time.Time
	Started *time.Time
	Ended   *time.Time

	EncryptedConfiguration []byte
	EncryptionIV           []byte

	// EncryptionOutOfSync marks a job whose stored configuration could not
	// be decrypted with the server's current key.
	EncryptionOutOfSync bool

	Result string

	OutputStreamText             string
	ErrorStreamText              string
	LastStreamTextUpdate         *time.Time
	LastStreamTextRefreshRequest *time.Time

	Version int64
}

// TransitionTo moves the job to next, stamping Started and Ended as the
// lifecycle requires. Skipping states is rejected.
func (j *Job) TransitionTo(next JobState, now time.Time) error {
	if j.State == next {
		return nil
	}
	if !j.State.CanTransitionTo(next) {
		return ErrNotAcceptable("job %s cannot change from state %s to %s", j.ID, j.State, next)
	}
	j.State = next
	if next == JobStateRunning && j.Started == nil {
		t := now
		j.Started = &t
	}
	if next.IsTerminal() {
		t := now
		j.Ended = &t
	}
	return nil
}

// Validate checks the structural invariants of a job record.
func (j *Job) Validate() error {
	if (len(j.EncryptedConfiguration) == 0) != (len(j.EncryptionIV) == 0) {
		return fmt.Errorf("job %s: encrypted configuration and initial vector must be set together", j.ID)
	}
	if j.State.IsTerminal() != (j.Ended != nil) {
		return fmt.Errorf("job %s: ended timestamp does not match state %s", j.ID, j.State)
	}
	if j.Started != nil && !j.State.HasPassedReadyToStart() {
		return fmt.Errorf("job %s: started timestamp set in state %s", j.ID, j.State)
	}
	return nil
}

// RequireState returns a NotAcceptableError when the job is not in one of
// the accepted states. action describes what the caller tried to do.
func RequireState(j *Job, action string, accepted ...JobState) error {
	for _, s := range accepted {
		if j.State == s {
			return nil
		}
	}
	names := make([]string, len(accepted))
	for i, s := range accepted {
		names[i] = string(s)
	}
	return ErrNotAcceptable("not able to %s for job %s, because job is in state %s, accepted is only:[%s]",
		action, j.ID, j.State, strings.Join(names, ","))
}

// JobParameter is one key/value pair of a job configuration.
type JobParameter struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// JobConfiguration is the plaintext configuration an upstream orchestrator
// sends with a job. It is stored encrypted.
type JobConfiguration struct {
	ProductID     string         `json:"productId"`
	UpstreamJobID string         `json:"upstreamJobId"`
	Parameters    []JobParameter `json:"parameters"`
}

// Parameter returns the value of key and whether it was present.
func (c *JobConfiguration) Parameter(key string) (string, bool) {
	for _, p := range c.Parameters {
		if p.Key == key {
			return p.Value, true
		}
	}
	return "", false
}

// JobStatus is the externally visible summary of a job.
type JobStatus struct {
	JobID    string
	ServerID string
	Owner    string
	State    JobState
	Created  time.Time
	Started  *time.Time
	Ended    *time.Time
	Version  int64
}

// StatusOf builds the status summary for j.
func StatusOf(j *Job) JobStatus {
	return JobStatus{
		JobID:    j.ID,
		ServerID: j.ServerID,
		Owner:    j.Owner,
		State:    j.State,
		Created:  j.Created,
		Started:  j.Started,
		Ended:    j.Ended,
		Version:  j.Version,
	}
}
