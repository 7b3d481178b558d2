/**
 * @description
 * This file defines the wallet-owning user model. The identity itself (login,
 * sessions, OTP registration) is owned by the auth collaborator; this service only
 * keeps the ledger-relevant projection of a user.
 *
 * @notes
 * - WalletBalance never goes negative. Every change to it is paired with a
 *   Transaction row written in the same store operation.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// User is the ledger projection of an account holder.
type User struct {
	ID                  uuid.UUID       `json:"id"`
	Email               string          `json:"email"`
	FullName            string          `json:"fullName"`
	WalletBalance       decimal.Decimal `json:"walletBalance"`
	IsWalletLocked      bool            `json:"isWalletLocked"`
	IsSuspended         bool            `json:"isSuspended"`
	ReferredBy          *uuid.UUID      `json:"referredBy,omitempty"`
	TotalCashbackEarned decimal.Decimal `json:"totalCashbackEarned"`
	TotalReferralEarned decimal.Decimal `json:"totalReferralEarned"`
	CreatedAt           time.Time       `json:"createdAt"`
	UpdatedAt           time.Time       `json:"updatedAt"`
}

// WalletSummary is the read model returned by the wallet endpoint.
type WalletSummary struct {
	UserID              uuid.UUID       `json:"userId"`
	Balance             decimal.Decimal `json:"balance"`
	IsWalletLocked      bool            `json:"isWalletLocked"`
	TotalCashbackEarned decimal.Decimal `json:"totalCashbackEarned"`
	TotalReferralEarned decimal.Decimal `json:"totalReferralEarned"`
}

// ReferralStatus tracks whether a referral bonus has been paid.
type ReferralStatus string

const (
	ReferralPending   ReferralStatus = "pending"
	ReferralCompleted ReferralStatus = "completed"
)

// Referral links a referee to the user who referred them.
type Referral struct {
	ID          uuid.UUID      `json:"id"`
	ReferrerID  uuid.UUID      `json:"referrerId"`
	RefereeID   uuid.UUID      `json:"refereeId"`
	Status      ReferralStatus `json:"status"`
	CompletedAt *time.Time     `json:"completedAt,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
}

// ReferralPayout carries the bonus amounts for a referral completion.
type ReferralPayout struct {
	ReferralID    uuid.UUID
	ReferrerID    uuid.UUID
	RefereeID     uuid.UUID
	ReferrerBonus decimal.Decimal
	RefereeBonus  decimal.Decimal
}
