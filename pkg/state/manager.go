package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/tapestry-ai/tapestry/pkg/memory"
	"github.com/tapestry-ai/tapestry/pkg/store"
)

// Storage keys under the per-user namespace (memory, <user_id>).
const (
	// KeySimpleMemory holds the user's structured memory document, written
	// by the background extractor independently of any thread snapshot.
	KeySimpleMemory = "SimpleMemory"

	// KeyThreadList holds thread bookkeeping:
	// {threads: {thread_id: {created, last_accessed, messages}}, updated}.
	KeyThreadList = "thread_list"

	// stateKeyPrefix prefixes per-thread snapshot keys.
	stateKeyPrefix = "state_"
)

// ErrThreadNotFound is returned when a thread has no persisted snapshot.
var ErrThreadNotFound = errors.New("thread not found")

// StateError wraps a failed persistence operation with its thread context.
type StateError struct {
	ThreadID string
	Op       string
	Err      error
}

func (e *StateError) Error() string {
	if e.ThreadID == "" {
		return fmt.Sprintf("state %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("state %s thread %s: %v", e.Op, e.ThreadID, e.Err)
}

func (e *StateError) Unwrap() error {
	return e.Err
}

// envelope is the persisted shape of one thread snapshot.
type envelope struct {
	State     *PlanExecuteState `json:"state"`
	ThreadID  string            `json:"thread_id"`
	Timestamp time.Time         `json:"timestamp"`
}

// ThreadInfo is the bookkeeping record for one thread.
type ThreadInfo struct {
	Created      time.Time `json:"created"`
	LastAccessed time.Time `json:"last_accessed"`
	Messages     int       `json:"messages"`
}

// ThreadList tracks every thread a user has opened.
type ThreadList struct {
	Threads map[string]ThreadInfo `json:"threads"`
	Updated time.Time             `json:"updated"`
}

// IDs returns the thread ids sorted by last access, most recent first.
func (l *ThreadList) IDs() []string {
	ids := make([]string, 0, len(l.Threads))
	for id := range l.Threads {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := l.Threads[ids[i]], l.Threads[ids[j]]
		if !a.LastAccessed.Equal(b.LastAccessed) {
			return a.LastAccessed.After(b.LastAccessed)
		}
		return ids[i] < ids[j]
	})
	return ids
}

// Manager persists thread snapshots, structured memory and the thread list
// for one user. The execution loop owns the live state; background workers
// hand the manager value snapshots, so concurrent saves never share memory.
type Manager struct {
	store  store.Store
	userID string
	logger *slog.Logger
	now    func() time.Time
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithManagerLogger overrides the default logger.
func WithManagerLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = logger }
}

// NewManager creates a state manager for the user.
func NewManager(s store.Store, userID string, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:  s,
		userID: userID,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// UserID returns the user this manager persists for.
func (m *Manager) UserID() string {
	return m.userID
}

func (m *Manager) namespace() store.Namespace {
	return store.NS("memory", m.userID)
}

// StateKey returns the storage key for a thread snapshot.
func StateKey(threadID string) string {
	return stateKeyPrefix + threadID
}

// LoadState restores a thread snapshot, or ErrThreadNotFound when the
// thread has never been saved. A successful load touches the thread's
// last_accessed timestamp; bookkeeping failures are logged, not returned.
func (m *Manager) LoadState(ctx context.Context, threadID string) (*PlanExecuteState, error) {
	raw, err := m.store.Get(ctx, m.namespace(), StateKey(threadID))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, &StateError{ThreadID: threadID, Op: "load", Err: ErrThreadNotFound}
		}
		return nil, &StateError{ThreadID: threadID, Op: "load", Err: err}
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &StateError{ThreadID: threadID, Op: "decode", Err: err}
	}
	if env.State == nil {
		return nil, &StateError{ThreadID: threadID, Op: "decode", Err: errors.New("snapshot has no state")}
	}

	if err := m.touchThread(ctx, threadID, len(env.State.Messages), false); err != nil {
		m.logger.Warn("Thread list update failed", "thread_id", threadID, "error", err)
	}

	m.logger.Debug("Thread state loaded",
		"thread_id", threadID, "messages", len(env.State.Messages))
	return env.State, nil
}

// SaveState persists the full snapshot under state_<thread_id> and updates
// the thread list entry.
func (m *Manager) SaveState(ctx context.Context, threadID string, st *PlanExecuteState) error {
	if st == nil {
		return &StateError{ThreadID: threadID, Op: "save", Err: errors.New("nil state")}
	}

	env := envelope{
		State:     st,
		ThreadID:  threadID,
		Timestamp: m.now().UTC(),
	}
	if err := m.store.Put(ctx, m.namespace(), StateKey(threadID), env); err != nil {
		return &StateError{ThreadID: threadID, Op: "save", Err: err}
	}

	if err := m.touchThread(ctx, threadID, len(st.Messages), true); err != nil {
		return &StateError{ThreadID: threadID, Op: "save thread list", Err: err}
	}

	m.logger.Debug("Thread state saved",
		"thread_id", threadID, "messages", len(st.Messages))
	return nil
}

// SaveMemory persists the user's structured memory document. The background
// extractor calls this with a value snapshot after each merge.
func (m *Manager) SaveMemory(ctx context.Context, mem memory.StructuredMemory) error {
	if err := m.store.Put(ctx, m.namespace(), KeySimpleMemory, mem); err != nil {
		return &StateError{Op: "save memory", Err: err}
	}
	m.logger.Debug("Structured memory saved", "entities", mem.Size())
	return nil
}

// LoadMemory restores the user's structured memory; a user with no memory
// yet gets an empty document.
func (m *Manager) LoadMemory(ctx context.Context) (memory.StructuredMemory, error) {
	var mem memory.StructuredMemory
	err := store.GetJSON(ctx, m.store, m.namespace(), KeySimpleMemory, &mem)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return memory.StructuredMemory{}, &StateError{Op: "load memory", Err: err}
	}
	return mem, nil
}

// Threads returns the thread list; a user with no threads gets an empty one.
func (m *Manager) Threads(ctx context.Context) (*ThreadList, error) {
	list := &ThreadList{Threads: make(map[string]ThreadInfo)}
	err := store.GetJSON(ctx, m.store, m.namespace(), KeyThreadList, list)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, &StateError{Op: "load thread list", Err: err}
	}
	if list.Threads == nil {
		list.Threads = make(map[string]ThreadInfo)
	}
	return list, nil
}

// DeleteThread removes a thread's snapshot and its bookkeeping entry.
func (m *Manager) DeleteThread(ctx context.Context, threadID string) error {
	if err := m.store.Delete(ctx, m.namespace(), StateKey(threadID)); err != nil {
		return &StateError{ThreadID: threadID, Op: "delete", Err: err}
	}

	list, err := m.Threads(ctx)
	if err != nil {
		return err
	}
	if _, ok := list.Threads[threadID]; !ok {
		return nil
	}
	delete(list.Threads, threadID)
	list.Updated = m.now().UTC()
	if err := m.store.Put(ctx, m.namespace(), KeyThreadList, list); err != nil {
		return &StateError{ThreadID: threadID, Op: "delete thread list entry", Err: err}
	}
	return nil
}

// ThreadIDFromKey extracts the thread id from a snapshot storage key, for
// callers listing raw keys. Returns "" when the key is not a snapshot key.
func ThreadIDFromKey(key string) string {
	if !strings.HasPrefix(key, stateKeyPrefix) {
		return ""
	}
	return strings.TrimPrefix(key, stateKeyPrefix)
}

// touchThread upserts the thread's bookkeeping entry. countMessages is the
// current message total; create controls whether a missing entry is added.
func (m *Manager) touchThread(ctx context.Context, threadID string, countMessages int, create bool) error {
	list, err := m.Threads(ctx)
	if err != nil {
		return err
	}

	now := m.now().UTC()
	info, exists := list.Threads[threadID]
	if !exists {
		if !create {
			return nil
		}
		info = ThreadInfo{Created: now}
	}
	info.LastAccessed = now
	info.Messages = countMessages
	list.Threads[threadID] = info
	list.Updated = now

	return m.store.Put(ctx, m.namespace(), KeyThreadList, list)
}
