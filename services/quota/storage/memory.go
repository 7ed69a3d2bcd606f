package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/echowrite/relay/services/quota/entity"
)

type memory struct {
	mu        sync.Mutex
	users     map[string]*entity.UserQuota
	sessions  map[string]*entity.Session
	purchases map[string]*entity.Purchase
}

// NewMemory returns a process-local store. Counters do not survive restarts.
func NewMemory() Storage {
	return &memory{
		users:     make(map[string]*entity.UserQuota),
		sessions:  make(map[string]*entity.Session),
		purchases: make(map[string]*entity.Purchase),
	}
}

func (s *memory) EnsureUser(ctx context.Context, userID string) (*entity.UserQuota, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.users[userID]
	if !ok {
		q = &entity.UserQuota{UserID: userID}
		s.users[userID] = q
	}
	cp := *q
	return &cp, nil
}

func (s *memory) GetQuota(ctx context.Context, userID string) (*entity.UserQuota, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.users[userID]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	cp := *q
	return &cp, nil
}

func (s *memory) CreateSession(ctx context.Context, session *entity.Session) (*entity.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[session.ID]; ok {
		return nil, fmt.Errorf("session %s: %w", session.ID, ErrDuplicate)
	}
	cp := *session
	s.sessions[session.ID] = &cp
	out := cp
	return &out, nil
}

func (s *memory) GetSession(ctx context.Context, sessionID string) (*entity.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	cp := *session
	return &cp, nil
}

func (s *memory) EndSession(ctx context.Context, sessionID string, endedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	if session.EndedAt == nil {
		session.EndedAt = &endedAt
	}
	return nil
}

func (s *memory) AddUsage(ctx context.Context, userID, sessionID string, deltaMinutes float64) (*entity.UserQuota, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.users[userID]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	next, err := entity.ApplyUsage(*q, deltaMinutes)
	if err != nil {
		return nil, err
	}
	*q = next

	if session, ok := s.sessions[sessionID]; ok {
		session.UsedMinutes += deltaMinutes
	}

	cp := *q
	return &cp, nil
}

func (s *memory) AddPurchase(ctx context.Context, purchase *entity.Purchase) (*entity.UserQuota, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.users[purchase.UserID]
	if !ok {
		q = &entity.UserQuota{UserID: purchase.UserID}
		s.users[purchase.UserID] = q
	}

	if _, dup := s.purchases[purchase.ID]; dup {
		cp := *q
		return &cp, false, nil
	}

	next, err := entity.ApplyPurchase(*q, purchase.Minutes)
	if err != nil {
		return nil, false, err
	}
	*q = next

	p := *purchase
	s.purchases[purchase.ID] = &p

	cp := *q
	return &cp, true, nil
}

func (s *memory) Close() error { return nil }
