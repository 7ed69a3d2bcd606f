package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/echowrite/relay/services/quota/entity"
	"github.com/echowrite/relay/services/quota/storage"
)

// FlushThreshold is how much accumulated audio is committed per store write.
const FlushThreshold = time.Second

// Usage is the outcome of one accumulation step. On the exhausting step
// Remaining is the committed balance without that step's audio.
type Usage struct {
	Remaining float64
	Exhausted bool
}

// Meter accumulates recorded time for one session, commits it to the store in
// FlushThreshold increments and reports exhaustion on the step where the
// remaining balance would reach zero. Add and Close are safe for concurrent use.
type Meter struct {
	storage   storage.Storage
	userID    string
	sessionID string
	threshold time.Duration
	log       *slog.Logger

	mu        sync.Mutex
	quota     entity.UserQuota
	pending   time.Duration
	exhausted bool
	closed    bool

	stale      atomic.Bool
	unregister func()
}

func newMeter(s storage.Storage, session *entity.Session, quota entity.UserQuota, log *slog.Logger) *Meter {
	return &Meter{
		storage:   s,
		userID:    session.UserID,
		sessionID: session.ID,
		threshold: FlushThreshold,
		log:       log,
		quota:     quota,
	}
}

// invalidate makes the next step reload the quota from the store.
func (m *Meter) invalidate() {
	m.stale.Store(true)
}

// Add records d of accepted audio. A store failure is returned alongside a
// Usage computed from the last known quota; the uncommitted time is kept and
// retried on the next flush.
func (m *Meter) Add(ctx context.Context, d time.Duration) (Usage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.exhausted || m.closed {
		return Usage{Remaining: m.remaining(), Exhausted: true}, nil
	}

	var errs []error
	if m.stale.Swap(false) {
		quota, err := m.storage.GetQuota(ctx, m.userID)
		if err != nil {
			m.stale.Store(true)
			errs = append(errs, fmt.Errorf("failed to reload quota: %w", err))
		} else {
			m.quota = *quota
		}
	}

	m.pending += d
	if m.remaining() > 0 {
		if m.pending >= m.threshold {
			if err := m.flush(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		if len(errs) > 0 {
			return Usage{Remaining: m.remaining()}, errs[0]
		}
		return Usage{Remaining: m.remaining()}, nil
	}

	// The crossing step is never forwarded upstream, so it is not billed.
	m.pending -= d
	if err := m.flush(ctx); err != nil {
		errs = append(errs, err)
	}
	m.exhausted = true
	usage := Usage{Remaining: m.remaining(), Exhausted: true}
	m.log.Info("quota exhausted",
		slog.String("session_id", m.sessionID),
		slog.String("user_id", m.userID),
		slog.Float64("remaining_minutes", usage.Remaining),
		slog.Duration("unbilled", d))

	if len(errs) > 0 {
		return usage, errs[0]
	}
	return usage, nil
}

// Remaining is the balance including time not yet committed.
func (m *Meter) Remaining() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.remaining()
}

// Close commits any pending time and detaches the meter. Safe to call twice.
func (m *Meter) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	if m.unregister != nil {
		m.unregister()
	}
	return m.flush(ctx)
}

func (m *Meter) remaining() float64 {
	return entity.Remaining(m.quota) - entity.Minutes(m.pending)
}

func (m *Meter) flush(ctx context.Context) error {
	if m.pending <= 0 {
		return nil
	}

	delta := entity.Minutes(m.pending)
	quota, err := m.storage.AddUsage(ctx, m.userID, m.sessionID, delta)
	if err != nil {
		m.log.Error("failed to commit usage",
			slog.String("session_id", m.sessionID),
			slog.Float64("delta_minutes", delta),
			slog.String("error", err.Error()))
		return fmt.Errorf("failed to commit usage: %w", err)
	}

	m.quota = *quota
	m.pending = 0
	return nil
}
