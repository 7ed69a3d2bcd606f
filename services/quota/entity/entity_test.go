package entity

import (
	"errors"
	"math"
	"testing"
	"time"
)

func TestRemainingAndCanStart(t *testing.T) {
	t.Parallel()

	for _, tt := range []struct {
		name      string
		q         UserQuota
		remaining float64
		canStart  bool
	}{
		{"new account", UserQuota{}, 15, true},
		{"free used up", UserQuota{UsedMinutes: 15}, 0, false},
		{"purchased", UserQuota{UsedMinutes: 20, PurchasedMinutes: 60}, 55, true},
		{"overdrawn", UserQuota{UsedMinutes: 15.1}, -0.1, false},
		{"almost out", UserQuota{UsedMinutes: 14.95}, 0.05, true},
	} {
		t.Run(tt.name, func(t *testing.T) {
			if got := Remaining(tt.q); math.Abs(got-tt.remaining) > 1e-9 {
				t.Errorf("Remaining = %v, want %v", got, tt.remaining)
			}
			if got := CanStart(tt.q); got != tt.canStart {
				t.Errorf("CanStart = %v, want %v", got, tt.canStart)
			}
		})
	}
}

func TestApplyUsageAccumulates(t *testing.T) {
	t.Parallel()

	deltas := make([]float64, 0, 600)
	total := 0.0
	for i := 0; i < 600; i++ {
		d := 1.0 / 60
		if i%7 == 0 {
			d = 0.0123
		}
		deltas = append(deltas, d)
		total += d
	}

	stepwise := UserQuota{UsedMinutes: 3}
	for _, d := range deltas {
		var err error
		stepwise, err = ApplyUsage(stepwise, d)
		if err != nil {
			t.Fatalf("ApplyUsage: %v", err)
		}
	}

	once, err := ApplyUsage(UserQuota{UsedMinutes: 3}, total)
	if err != nil {
		t.Fatalf("ApplyUsage: %v", err)
	}
	if math.Abs(stepwise.UsedMinutes-once.UsedMinutes) > 1e-9 {
		t.Errorf("stepwise %v != single %v", stepwise.UsedMinutes, once.UsedMinutes)
	}
}

func TestApplyRejectsInvalidDeltas(t *testing.T) {
	t.Parallel()

	q := UserQuota{UsedMinutes: 1}
	if _, err := ApplyUsage(q, -1); !errors.Is(err, ErrNegativeUsage) {
		t.Errorf("negative usage err = %v", err)
	}
	if _, err := ApplyPurchase(q, 0); !errors.Is(err, ErrInvalidPurchase) {
		t.Errorf("zero purchase err = %v", err)
	}
	if _, err := ApplyPurchase(q, math.NaN()); !errors.Is(err, ErrInvalidPurchase) {
		t.Errorf("NaN purchase err = %v", err)
	}

	got, err := ApplyPurchase(q, 60)
	if err != nil || got.PurchasedMinutes != 60 {
		t.Errorf("ApplyPurchase = %+v, %v", got, err)
	}
}

func TestMinutes(t *testing.T) {
	t.Parallel()

	if got := Minutes(time.Second); math.Abs(got-1.0/60) > 1e-12 {
		t.Errorf("Minutes(1s) = %v", got)
	}
	if got := FreeMinutesLeft(UserQuota{UsedMinutes: 20}); got != 0 {
		t.Errorf("FreeMinutesLeft = %v, want 0", got)
	}
}

func TestPricePacksMatch(t *testing.T) {
	t.Parallel()

	packs := PricePacks{60: "price_60", 200: "price_200"}
	for _, tt := range []struct {
		minutes int
		price   string
		want    bool
	}{
		{60, "price_60", true},
		{200, "price_200", true},
		{60, "price_200", false},
		{30, "price_60", false},
		{60, "", false},
	} {
		if got := packs.Match(tt.minutes, tt.price); got != tt.want {
			t.Errorf("Match(%d, %q) = %v, want %v", tt.minutes, tt.price, got, tt.want)
		}
	}
}
