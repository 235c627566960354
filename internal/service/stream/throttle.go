// Package stream governs how live output of running jobs is refreshed and
// exposed.
package stream

import (
	"time"

	"delegate-server/internal/domain"
)

// UpdateWindow is the minimum time between two stream text updates of a job.
const UpdateWindow = 2000 * time.Millisecond

// MaxStreamTextLength is the number of most recent characters kept when
// stream text is stored or returned.
const MaxStreamTextLength = 10000

// Throttle decides whether a job's stream text needs refreshing.
type Throttle struct {
	now func() time.Time
}

// NewThrottle creates a Throttle using the wall clock.
func NewThrottle() *Throttle {
	return &Throttle{now: time.Now}
}

// IsJobInStateWhereUpdateNecessary reports whether the job's process can
// still produce output.
func (t *Throttle) IsJobInStateWhereUpdateNecessary(job *domain.Job) bool {
	return job.State == domain.JobStateRunning
}

// IsUpdateNecessaryWhenRefreshRequestedNow reports whether a refresh
// requested now should update the stream text of job.
func (t *Throttle) IsUpdateNecessaryWhenRefreshRequestedNow(job *domain.Job) bool {
	if !t.IsJobInStateWhereUpdateNecessary(job) {
		return false
	}
	if job.LastStreamTextUpdate == nil {
		return true
	}
	return t.now().Sub(*job.LastStreamTextUpdate) >= UpdateWindow
}

// Truncate keeps the last MaxStreamTextLength characters of text.
func Truncate(text string) string {
	if len(text) <= MaxStreamTextLength {
		return text
	}
	runes := []rune(text)
	if len(runes) <= MaxStreamTextLength {
		return text
	}
	return string(runes[len(runes)-MaxStreamTextLength:])
}
