package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/echowrite/relay/pkg/gen"
	"github.com/echowrite/relay/services/quota/entity"
	"github.com/echowrite/relay/services/quota/storage"
)

var (
	ErrInsufficientMinutes = errors.New("insufficient minutes")
	ErrBillingUnavailable  = errors.New("billing is not configured")
	ErrMissingUser         = errors.New("uid is required")
	ErrUnknownPack         = errors.New("unknown price pack")
)

// Billing is the payment processor capability.
type Billing interface {
	Enabled() bool
	CreateCheckout(ctx context.Context, req entity.CheckoutRequest) (string, error)
}

type Usecase interface {
	// StartSession gates a new recording and records its session.
	StartSession(ctx context.Context, userID string) (*entity.Session, *entity.UserQuota, error)
	EndSession(ctx context.Context, sessionID string) error
	GetQuota(ctx context.Context, userID string) (*entity.UserQuota, error)

	// NewMeter tracks usage for one live session.
	NewMeter(session *entity.Session, quota entity.UserQuota) *Meter

	BillingEnabled() bool
	CreateCheckout(ctx context.Context, req entity.CheckoutRequest) (string, error)
	// ConfirmPurchase credits a verified payment once per purchase id.
	ConfirmPurchase(ctx context.Context, purchase *entity.Purchase) (*entity.UserQuota, bool, error)
}

type usecase struct {
	storage storage.Storage
	billing Billing
	packs   entity.PricePacks
	ids     gen.IDGenerator
	log     *slog.Logger
	now     func() time.Time

	billingEnabled bool

	mu     sync.Mutex
	meters map[string]map[*Meter]struct{}
}

type Option func(*usecase)

func WithBilling(billing Billing, packs entity.PricePacks) Option {
	return func(u *usecase) {
		u.billing = billing
		u.packs = packs
	}
}

func WithIDs(ids gen.IDGenerator) Option {
	return func(u *usecase) { u.ids = ids }
}

func WithClock(now func() time.Time) Option {
	return func(u *usecase) { u.now = now }
}

func New(storage storage.Storage, log *slog.Logger, opts ...Option) Usecase {
	u := &usecase{
		storage: storage,
		ids:     gen.UUID(),
		log:     log,
		now:     time.Now,
		meters:  make(map[string]map[*Meter]struct{}),
	}
	for _, opt := range opts {
		opt(u)
	}
	u.billingEnabled = u.billing != nil && u.billing.Enabled()
	return u
}

func (u *usecase) StartSession(ctx context.Context, userID string) (*entity.Session, *entity.UserQuota, error) {
	quota, err := u.storage.EnsureUser(ctx, userID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load quota: %w", err)
	}

	if !entity.CanStart(*quota) {
		u.log.Info("session rejected",
			slog.String("user_id", userID),
			slog.Float64("remaining_minutes", entity.Remaining(*quota)))
		return nil, quota, ErrInsufficientMinutes
	}

	session, err := u.storage.CreateSession(ctx, &entity.Session{
		ID:        u.ids.Next(),
		UserID:    userID,
		CreatedAt: u.now().UTC(),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create session: %w", err)
	}

	u.log.Info("session started",
		slog.String("session_id", session.ID),
		slog.String("user_id", userID),
		slog.Float64("remaining_minutes", entity.Remaining(*quota)))
	return session, quota, nil
}

func (u *usecase) EndSession(ctx context.Context, sessionID string) error {
	if err := u.storage.EndSession(ctx, sessionID, u.now().UTC()); err != nil {
		return fmt.Errorf("failed to end session: %w", err)
	}
	return nil
}

func (u *usecase) GetQuota(ctx context.Context, userID string) (*entity.UserQuota, error) {
	quota, err := u.storage.EnsureUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load quota: %w", err)
	}
	return quota, nil
}

func (u *usecase) BillingEnabled() bool {
	return u.billingEnabled
}

func (u *usecase) CreateCheckout(ctx context.Context, req entity.CheckoutRequest) (string, error) {
	if !u.billingEnabled {
		return "", ErrBillingUnavailable
	}
	if req.UserID == "" {
		return "", ErrMissingUser
	}
	if !u.packs.Match(req.Minutes, req.PriceID) {
		return "", fmt.Errorf("%w: %d minutes at %q", ErrUnknownPack, req.Minutes, req.PriceID)
	}

	id, err := u.billing.CreateCheckout(ctx, req)
	if err != nil {
		return "", fmt.Errorf("failed to create checkout: %w", err)
	}

	u.log.Info("checkout created",
		slog.String("user_id", req.UserID),
		slog.Int("minutes", req.Minutes),
		slog.String("checkout_id", id))
	return id, nil
}

func (u *usecase) ConfirmPurchase(ctx context.Context, purchase *entity.Purchase) (*entity.UserQuota, bool, error) {
	if purchase.UserID == "" {
		return nil, false, ErrMissingUser
	}
	if purchase.CreatedAt.IsZero() {
		purchase.CreatedAt = u.now().UTC()
	}

	quota, credited, err := u.storage.AddPurchase(ctx, purchase)
	if err != nil {
		return nil, false, fmt.Errorf("failed to credit purchase: %w", err)
	}

	if !credited {
		u.log.Info("duplicate purchase confirmation ignored",
			slog.String("purchase_id", purchase.ID),
			slog.String("user_id", purchase.UserID))
		return quota, false, nil
	}

	u.log.Info("purchase credited",
		slog.String("purchase_id", purchase.ID),
		slog.String("user_id", purchase.UserID),
		slog.Float64("minutes", purchase.Minutes))

	u.mu.Lock()
	for m := range u.meters[purchase.UserID] {
		m.invalidate()
	}
	u.mu.Unlock()

	return quota, true, nil
}

func (u *usecase) NewMeter(session *entity.Session, quota entity.UserQuota) *Meter {
	m := newMeter(u.storage, session, quota, u.log)

	u.mu.Lock()
	set, ok := u.meters[session.UserID]
	if !ok {
		set = make(map[*Meter]struct{})
		u.meters[session.UserID] = set
	}
	set[m] = struct{}{}
	u.mu.Unlock()

	m.unregister = func() {
		u.mu.Lock()
		defer u.mu.Unlock()
		delete(u.meters[session.UserID], m)
		if len(u.meters[session.UserID]) == 0 {
			delete(u.meters, session.UserID)
		}
	}
	return m
}
