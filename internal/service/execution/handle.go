package execution

import (
	"context"
	"sync"
	"sync/atomic"

	"delegate-server/internal/domain"
)

var _ domain.ExecutionHandle = (*ProcessHandle)(nil)

// ProcessHandle is the cancelable handle of one launched process.
type ProcessHandle struct {
	cancel   context.CancelFunc
	done     chan struct{}
	once     sync.Once
	canceled atomic.Bool
}

// newProcessHandle returns a handle and the context the process must run
// under. Canceling the handle cancels that context.
func newProcessHandle(parent context.Context) (*ProcessHandle, context.Context) {
	ctx, cancel := context.WithCancel(parent)
	return &ProcessHandle{cancel: cancel, done: make(chan struct{})}, ctx
}

// Cancel asks the process to stop. It returns false once the process has
// already exited.
func (h *ProcessHandle) Cancel() bool {
	select {
	case <-h.done:
		return false
	default:
	}
	h.canceled.Store(true)
	h.cancel()
	return true
}

// Canceled reports whether Cancel was delivered.
func (h *ProcessHandle) Canceled() bool {
	return h.canceled.Load()
}

// finish marks the process as exited. Later Cancel calls return false.
func (h *ProcessHandle) finish() {
	h.once.Do(func() {
		close(h.done)
		h.cancel()
	})
}
