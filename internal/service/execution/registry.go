// Package execution tracks running jobs in memory, reconciles cancellation
// requests against them and launches queued jobs as external processes.
package execution

import (
	"sync"

	"delegate-server/internal/domain"
)

// Registry maps job ids to the handle of their current run attempt. It is
// process local and never persisted; a restart forgets every entry.
type Registry struct {
	mu      sync.Mutex
	handles map[string]domain.ExecutionHandle
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handles: make(map[string]domain.ExecutionHandle)}
}

// Register stores handle for jobID unless the job already has one. It
// reports whether handle was stored.
func (r *Registry) Register(jobID string, handle domain.ExecutionHandle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handles[jobID]; exists {
		return false
	}
	r.handles[jobID] = handle
	return true
}

// Unregister removes the handle of jobID, if any.
func (r *Registry) Unregister(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handles, jobID)
}

// Lookup returns the handle registered for jobID.
func (r *Registry) Lookup(jobID string) (domain.ExecutionHandle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[jobID]
	return h, ok
}

// Len returns the number of registered handles.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}
