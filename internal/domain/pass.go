/**
 * @description
 * This file defines the Pass entitlement and the single rule that decides whether a
 * pass is still usable. Both the request path and the sweeper read passes through
 * EffectiveStatus so the two never disagree about expiry.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PassStatus is the stored lifecycle state of a pass.
type PassStatus string

const (
	PassActive  PassStatus = "active"
	PassExpired PassStatus = "expired"
)

// Pass grants bounded access to one service for one user. There is at most one pass
// per (user, service); repeated purchases extend it.
type Pass struct {
	ID                uuid.UUID   `json:"id"`
	UserID            uuid.UUID   `json:"userId"`
	ServiceID         uuid.UUID   `json:"serviceId"`
	ServiceType       ServiceType `json:"serviceType"`
	TotalLimit        int64       `json:"totalLimit"`
	RemainingAmount   int64       `json:"remainingAmount"`
	ExpiresAt         *time.Time  `json:"expiresAt,omitempty"`
	Status            PassStatus  `json:"status"`
	ExpiryWarningSent bool        `json:"expiryWarningSent"`
	ExpiryEmailSent   bool        `json:"expiryEmailSent"`
	CreatedAt         time.Time   `json:"createdAt"`
	UpdatedAt         time.Time   `json:"updatedAt"`
}

// EffectiveStatus returns the status the pass has at now, regardless of what is stored.
// Usage passes expire when their counter is exhausted, time passes when now is past
// expiresAt. An explicit expiresAt on a usage pass is honoured as well.
func EffectiveStatus(p Pass, now time.Time) PassStatus {
	if p.Status == PassExpired {
		return PassExpired
	}
	if p.ExpiresAt != nil && now.After(*p.ExpiresAt) {
		return PassExpired
	}
	if p.ServiceType == ServiceTypeUsage && p.RemainingAmount <= 0 {
		return PassExpired
	}
	return PassActive
}

// NeedsExpiryCorrection reports whether the stored status is stale at now.
func NeedsExpiryCorrection(p Pass, now time.Time) bool {
	return p.Status == PassActive && EffectiveStatus(p, now) == PassExpired
}

// PassGrant describes a purchase being merged into the (user, service) pass.
type PassGrant struct {
	UserID      uuid.UUID
	ServiceID   uuid.UUID
	ServiceType ServiceType
	Amount      int64
	CostPerUnit decimal.Decimal
	Now         time.Time
}

// PassNotice joins a pass with what the notification templates need.
type PassNotice struct {
	Pass        Pass
	UserEmail   string
	UserName    string
	ServiceName string
	UnitName    string
}

// UsageLog is the append-only audit row written for every consumption.
type UsageLog struct {
	ID         uuid.UUID `json:"id"`
	UserID     uuid.UUID `json:"userId"`
	ServiceID  uuid.UUID `json:"serviceId"`
	PassID     uuid.UUID `json:"passId"`
	AmountUsed int64     `json:"amountUsed"`
	CreatedAt  time.Time `json:"createdAt"`
}

// AccessResult is returned to the caller of the consumption endpoint.
type AccessResult struct {
	PassID          uuid.UUID  `json:"passId"`
	ServiceID       uuid.UUID  `json:"serviceId"`
	RemainingAmount int64      `json:"remainingAmount"`
	Status          PassStatus `json:"status"`
	ExpiresAt       *time.Time `json:"expiresAt,omitempty"`
	AmountUsed      int64      `json:"amountUsed"`
}

// AccessRequest is the body of the consumption endpoint.
type AccessRequest struct {
	Amount int64 `json:"amount"`
}

// PurchaseRequest is the body of the purchase endpoint.
type PurchaseRequest struct {
	ServiceID uuid.UUID `json:"serviceId"`
	Amount    int64     `json:"amount"`
}

// PurchaseResult summarises a completed purchase.
type PurchaseResult struct {
	Pass             *Pass           `json:"pass"`
	Transaction      *Transaction    `json:"transaction"`
	Balance          decimal.Decimal `json:"balance"`
	Cashback         decimal.Decimal `json:"cashback"`
	ReferralRewarded bool            `json:"referralRewarded"`
}
