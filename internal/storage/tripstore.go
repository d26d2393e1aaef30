package storage

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/example/qmuter-tracking/internal/models"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

// SessionStore defines persistence operations for tracking sessions.
type SessionStore interface {
	// Create inserts s, failing with ErrAlreadyExists if the trip is already stored.
	Create(ctx context.Context, s *models.TrackingSession) error
	Get(ctx context.Context, tripID string) (*models.TrackingSession, error)
	// Update runs fn against the current session and writes the result as one
	// atomic read-modify-write. fn may run more than once under contention; an
	// error from fn aborts the update and is returned unchanged.
	Update(ctx context.Context, tripID string, fn func(*models.TrackingSession) error) (*models.TrackingSession, error)
	// ListActiveByUser returns trips where userID is driver or rider and the
	// trip is still en route.
	ListActiveByUser(ctx context.Context, userID string) ([]*models.TrackingSession, error)
	// DeleteRetiredBefore removes completed or cancelled sessions last updated
	// strictly before cutoff and reports how many were removed.
	DeleteRetiredBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// NotificationStore persists notification records.
type NotificationStore interface {
	CreateNotification(ctx context.Context, n *models.Notification) error
	// ListNotifications returns the newest notifications for userID first.
	ListNotifications(ctx context.Context, userID string, limit int) ([]models.Notification, error)
}

type MemoryStore struct {
	mu            sync.RWMutex
	sessions      map[string]models.TrackingSession
	notifications map[string][]models.Notification
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:      make(map[string]models.TrackingSession),
		notifications: make(map[string][]models.Notification),
	}
}

func (m *MemoryStore) Create(_ context.Context, s *models.TrackingSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.TripID]; ok {
		return ErrAlreadyExists
	}
	m.sessions[s.TripID] = *s
	return nil
}

func (m *MemoryStore) Get(_ context.Context, tripID string) (*models.TrackingSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[tripID]
	if !ok {
		return nil, ErrNotFound
	}
	return &s, nil
}

func (m *MemoryStore) Update(_ context.Context, tripID string, fn func(*models.TrackingSession) error) (*models.TrackingSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[tripID]
	if !ok {
		return nil, ErrNotFound
	}
	if err := fn(&s); err != nil {
		return nil, err
	}
	m.sessions[tripID] = s
	return &s, nil
}

func (m *MemoryStore) ListActiveByUser(_ context.Context, userID string) ([]*models.TrackingSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.TrackingSession
	for _, s := range m.sessions {
		if s.Status.Active() && s.HasParty(userID) {
			s := s
			out = append(out, &s)
		}
	}
	return out, nil
}

func (m *MemoryStore) DeleteRetiredBefore(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, s := range m.sessions {
		if !s.Status.Active() && s.UpdatedAt.Before(cutoff) {
			delete(m.sessions, id)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) CreateNotification(_ context.Context, n *models.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifications[n.UserID] = append(m.notifications[n.UserID], *n)
	return nil
}

func (m *MemoryStore) ListNotifications(_ context.Context, userID string, limit int) ([]models.Notification, error) {
	m.mu.RLock()
	src := m.notifications[userID]
	out := make([]models.Notification, 0, len(src))
	for i := len(src) - 1; i >= 0; i-- {
		out = append(out, src[i])
	}
	m.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }
