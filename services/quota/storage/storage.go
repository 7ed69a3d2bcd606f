package storage

import (
	"context"
	"errors"
	"time"

	"github.com/echowrite/relay/services/quota/entity"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("already exists")
)

// Storage is the external store for quota counters, sessions and purchases.
// Implementations own atomicity: increments must not lose concurrent updates.
type Storage interface {
	// EnsureUser creates a zeroed profile for a user seen for the first time.
	EnsureUser(ctx context.Context, userID string) (*entity.UserQuota, error)
	GetQuota(ctx context.Context, userID string) (*entity.UserQuota, error)

	CreateSession(ctx context.Context, session *entity.Session) (*entity.Session, error)
	GetSession(ctx context.Context, sessionID string) (*entity.Session, error)
	EndSession(ctx context.Context, sessionID string, endedAt time.Time) error

	// AddUsage increments the user's and the session's used minutes and
	// returns the user's quota after the write.
	AddUsage(ctx context.Context, userID, sessionID string, deltaMinutes float64) (*entity.UserQuota, error)

	// AddPurchase credits a purchase once per Purchase.ID. credited is false
	// when the id was already recorded; the quota is returned either way.
	AddPurchase(ctx context.Context, purchase *entity.Purchase) (quota *entity.UserQuota, credited bool, err error)

	Close() error
}
