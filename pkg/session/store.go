// Package session persists the installation guid, the current session and a
// history of submitted reports.
package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Persisted keys
const (
	KeyGUID         = "backtrace-guid"
	KeySessionID    = "sessionId"
	KeySessionStart = "sessionStart"
	KeyLastActive   = "lastActive"
)

var ErrClosed = errors.New("session store closed")

// Store is a string key-value store
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// GUID returns the installation guid, creating and persisting it on first use
func GUID(ctx context.Context, s Store) (string, error) {
	id, ok, err := s.Get(ctx, KeyGUID)
	if err != nil {
		return "", fmt.Errorf("failed to read guid: %w", err)
	}
	if ok && id != "" {
		return id, nil
	}

	id = uuid.NewString()
	if err := s.Set(ctx, KeyGUID, id); err != nil {
		return "", fmt.Errorf("failed to persist guid: %w", err)
	}
	return id, nil
}

// Session is one period of application activity
type Session struct {
	ID         string
	Start      time.Time
	LastActive time.Time
}

// Expired reports whether the session has been idle longer than timeout
func (s Session) Expired(now time.Time, timeout time.Duration) bool {
	return now.Sub(s.LastActive) > timeout
}

// Load reads the persisted session. The bool is false when none exists.
func Load(ctx context.Context, s Store) (Session, bool, error) {
	id, ok, err := s.Get(ctx, KeySessionID)
	if err != nil {
		return Session{}, false, fmt.Errorf("failed to read session: %w", err)
	}
	if !ok || id == "" {
		return Session{}, false, nil
	}

	start, err := loadTime(ctx, s, KeySessionStart)
	if err != nil {
		return Session{}, false, err
	}
	last, err := loadTime(ctx, s, KeyLastActive)
	if err != nil {
		return Session{}, false, err
	}
	return Session{ID: id, Start: start, LastActive: last}, true, nil
}

// Save persists sess
func Save(ctx context.Context, s Store, sess Session) error {
	if err := s.Set(ctx, KeySessionID, sess.ID); err != nil {
		return fmt.Errorf("failed to persist session: %w", err)
	}
	if err := s.Set(ctx, KeySessionStart, formatTime(sess.Start)); err != nil {
		return fmt.Errorf("failed to persist session start: %w", err)
	}
	if err := s.Set(ctx, KeyLastActive, formatTime(sess.LastActive)); err != nil {
		return fmt.Errorf("failed to persist last activity: %w", err)
	}
	return nil
}

// New starts a session at now
func New(now time.Time) Session {
	return Session{ID: uuid.NewString(), Start: now, LastActive: now}
}

// timestamps are stored as unix milliseconds
func formatTime(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func loadTime(ctx context.Context, s Store, key string) (time.Time, error) {
	v, ok, err := s.Get(ctx, key)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read %s: %w", key, err)
	}
	if !ok {
		return time.Time{}, nil
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return time.UnixMilli(ms), nil
}

// MemoryStore is an in-process Store
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]string)}
}

func (m *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *MemoryStore) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}
