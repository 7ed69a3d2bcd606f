package entity

import (
	"errors"
	"time"
)

// FreeMinutesAllowance is granted to every account.
const FreeMinutesAllowance = 15.0

var (
	ErrNegativeUsage   = errors.New("usage delta must not be negative")
	ErrInvalidPurchase = errors.New("purchased minutes must be positive")
)

type (
	UserQuota struct {
		UserID           string
		UsedMinutes      float64
		PurchasedMinutes float64
	}

	Session struct {
		ID          string
		UserID      string
		CreatedAt   time.Time
		EndedAt     *time.Time
		UsedMinutes float64
	}

	// Purchase is one confirmed payment. ID is the idempotency key.
	Purchase struct {
		ID        string
		UserID    string
		Minutes   float64
		CreatedAt time.Time
	}
)

// Remaining may go negative between an exhaustion event and its enforcement.
func Remaining(q UserQuota) float64 {
	return FreeMinutesAllowance + q.PurchasedMinutes - q.UsedMinutes
}

func CanStart(q UserQuota) bool {
	return Remaining(q) > 0
}

func ApplyUsage(q UserQuota, deltaMinutes float64) (UserQuota, error) {
	if deltaMinutes < 0 {
		return q, ErrNegativeUsage
	}
	q.UsedMinutes += deltaMinutes
	return q, nil
}

func ApplyPurchase(q UserQuota, minutes float64) (UserQuota, error) {
	if !(minutes > 0) {
		return q, ErrInvalidPurchase
	}
	q.PurchasedMinutes += minutes
	return q, nil
}

// FreeMinutesLeft is what remains of the free allowance alone, floored at zero.
func FreeMinutesLeft(q UserQuota) float64 {
	left := FreeMinutesAllowance - q.UsedMinutes
	if left < 0 {
		return 0
	}
	return left
}

// Minutes converts a duration to fractional minutes at full precision.
func Minutes(d time.Duration) float64 {
	return d.Minutes()
}

// CheckoutRequest asks the payment processor for a checkout covering one
// price pack. The resulting checkout reference is the purchase idempotency key.
type CheckoutRequest struct {
	UserID  string
	Minutes int
	PriceID string
}

// PricePacks maps purchasable minute amounts to processor price references.
type PricePacks map[int]string

// Match reports whether minutes and priceID name a configured pack.
func (p PricePacks) Match(minutes int, priceID string) bool {
	id, ok := p[minutes]
	return ok && id != "" && id == priceID
}
