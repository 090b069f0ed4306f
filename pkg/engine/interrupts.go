package engine

import (
	"sync"
	"time"
)

// interruptFlag is one raised interrupt awaiting observation.
type interruptFlag struct {
	Reason   string
	RaisedAt time.Time
}

// interruptFlags is the per-thread interrupt signal store shared between the
// control plane (which raises flags) and execution loops (which observe them
// at yield points). Flags are sticky until observed or cleared by a resume.
type interruptFlags struct {
	mu    sync.Mutex
	flags map[string]interruptFlag
}

func newInterruptFlags() *interruptFlags {
	return &interruptFlags{flags: make(map[string]interruptFlag)}
}

// Raise sets the thread's flag. Raising an already raised flag refreshes
// the reason; the executor still observes a single interrupt.
func (f *interruptFlags) Raise(threadID, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flags[threadID] = interruptFlag{Reason: reason, RaisedAt: time.Now().UTC()}
}

// Peek reports whether the thread's flag is raised without consuming it.
func (f *interruptFlags) Peek(threadID string) (interruptFlag, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	flag, ok := f.flags[threadID]
	return flag, ok
}

// Take consumes the thread's flag, returning it if raised.
func (f *interruptFlags) Take(threadID string) (interruptFlag, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	flag, ok := f.flags[threadID]
	if ok {
		delete(f.flags, threadID)
	}
	return flag, ok
}

// Clear drops the thread's flag if raised.
func (f *interruptFlags) Clear(threadID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.flags, threadID)
}
