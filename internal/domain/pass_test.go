package domain

import (
	"testing"
	"time"
)

func TestEffectiveStatus(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	tests := []struct {
		name string
		pass Pass
		want PassStatus
	}{
		{
			name: "usage pass with units left",
			pass: Pass{ServiceType: ServiceTypeUsage, Status: PassActive, RemainingAmount: 3},
			want: PassActive,
		},
		{
			name: "usage pass exhausted but stored active",
			pass: Pass{ServiceType: ServiceTypeUsage, Status: PassActive, RemainingAmount: 0},
			want: PassExpired,
		},
		{
			name: "time pass inside window",
			pass: Pass{ServiceType: ServiceTypeTime, Status: PassActive, ExpiresAt: &future},
			want: PassActive,
		},
		{
			name: "time pass past window",
			pass: Pass{ServiceType: ServiceTypeTime, Status: PassActive, ExpiresAt: &past},
			want: PassExpired,
		},
		{
			name: "time pass remaining amount is advisory",
			pass: Pass{ServiceType: ServiceTypeTime, Status: PassActive, RemainingAmount: 0, ExpiresAt: &future},
			want: PassActive,
		},
		{
			name: "stored expired stays expired",
			pass: Pass{ServiceType: ServiceTypeUsage, Status: PassExpired, RemainingAmount: 5},
			want: PassExpired,
		},
		{
			name: "usage pass with explicit expiry in the past",
			pass: Pass{ServiceType: ServiceTypeUsage, Status: PassActive, RemainingAmount: 5, ExpiresAt: &past},
			want: PassExpired,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EffectiveStatus(tt.pass, now); got != tt.want {
				t.Fatalf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestNeedsExpiryCorrection(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Second)

	stale := Pass{ServiceType: ServiceTypeTime, Status: PassActive, ExpiresAt: &past}
	if !NeedsExpiryCorrection(stale, now) {
		t.Fatal("expected stale active pass to need correction")
	}

	alreadyExpired := Pass{ServiceType: ServiceTypeTime, Status: PassExpired, ExpiresAt: &past}
	if NeedsExpiryCorrection(alreadyExpired, now) {
		t.Fatal("expected stored expired pass to need no correction")
	}
}

func TestUserScope(t *testing.T) {
	p := Pass{}
	if got := UserScope(p.UserID); got != "user:00000000-0000-0000-0000-000000000000" {
		t.Fatalf("unexpected scope %q", got)
	}
}
