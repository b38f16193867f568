package farm

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Store is the persistence adapter. CompareAndSwap is its only concurrency
// primitive: it must write next only while the stored version still equals
// expectedVersion, returning ErrStaleVersion otherwise.
type Store interface {
	Get(ctx context.Context, userID string) (State, error)
	Create(ctx context.Context, st State) error
	CompareAndSwap(ctx context.Context, userID string, expectedVersion int64, next State) error
}

// ActivityTracker records when a user was last seen.
type ActivityTracker interface {
	Touch(ctx context.Context, userID string, at time.Time) error
}

// Journal receives one entry per persisted mutation.
type Journal interface {
	Record(e Entry) error
}

// Entry is a journaled mutation.
type Entry struct {
	At      time.Time `json:"at"`
	UserID  string    `json:"userId"`
	Action  string    `json:"action"`
	Accrued float64   `json:"accrued"`
	Version int64     `json:"version"`
	State   State     `json:"state"`
}

// MemoryStore keeps farms in process memory. Used by tests and by the
// server when no database is configured.
type MemoryStore struct {
	mu       sync.Mutex
	farms    map[string]State
	lastSeen map[string]time.Time
}

var (
	_ Store           = (*MemoryStore)(nil)
	_ ActivityTracker = (*MemoryStore)(nil)
)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		farms:    map[string]State{},
		lastSeen: map[string]time.Time{},
	}
}

func (m *MemoryStore) Get(ctx context.Context, userID string) (State, error) {
	if err := ctx.Err(); err != nil {
		return State{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.farms[userID]
	if !ok {
		return State{}, fmt.Errorf("%w: %s", ErrNotFound, userID)
	}
	return st.Clone(), nil
}

func (m *MemoryStore) Create(ctx context.Context, st State) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.farms[st.UserID]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, st.UserID)
	}
	m.farms[st.UserID] = st.Clone()
	return nil
}

func (m *MemoryStore) CompareAndSwap(ctx context.Context, userID string, expectedVersion int64, next State) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.farms[userID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, userID)
	}
	if cur.Version != expectedVersion {
		return fmt.Errorf("%w: %s expected v%d, stored v%d", ErrStaleVersion, userID, expectedVersion, cur.Version)
	}
	m.farms[userID] = next.Clone()
	return nil
}

func (m *MemoryStore) Touch(ctx context.Context, userID string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastSeen[userID] = at
	return nil
}

// LastSeen reports the last Touch time for userID.
func (m *MemoryStore) LastSeen(userID string) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	at, ok := m.lastSeen[userID]
	return at, ok
}
