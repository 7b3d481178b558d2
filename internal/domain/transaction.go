/**
 * @description
 * This file defines the wallet ledger entry and the DTOs for the deposit and
 * withdrawal flows.
 *
 * @notes
 * - Amounts are signed decimals: credits are positive, debits negative.
 * - A pending transaction moves to success or failed exactly once.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TransactionType classifies a ledger entry.
type TransactionType string

const (
	TransactionDeposit        TransactionType = "deposit"
	TransactionPurchase       TransactionType = "purchase"
	TransactionWithdrawal     TransactionType = "withdrawal"
	TransactionCashback       TransactionType = "cashback"
	TransactionReferralReward TransactionType = "referral_reward"
)

// TransactionStatus is the settlement state of a ledger entry.
type TransactionStatus string

const (
	TransactionPending TransactionStatus = "pending"
	TransactionSuccess TransactionStatus = "success"
	TransactionFailed  TransactionStatus = "failed"
)

// Transaction is an immutable wallet ledger entry.
type Transaction struct {
	ID                uuid.UUID         `json:"id"`
	UserID            uuid.UUID         `json:"userId"`
	Amount            decimal.Decimal   `json:"amount"`
	Type              TransactionType   `json:"type"`
	Status            TransactionStatus `json:"status"`
	Description       string            `json:"description"`
	ServiceID         *uuid.UUID        `json:"serviceId,omitempty"`
	ExternalOrderID   *string           `json:"externalOrderId,omitempty"`
	ExternalPaymentID *string           `json:"externalPaymentId,omitempty"`
	CreatedAt         time.Time         `json:"createdAt"`
	UpdatedAt         time.Time         `json:"updatedAt"`
}

// WalletMutation is the result of a debit or credit.
type WalletMutation struct {
	NewBalance  decimal.Decimal `json:"newBalance"`
	Transaction *Transaction    `json:"transaction"`
}

// DepositOrderRequest is the body of the deposit order endpoint.
type DepositOrderRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// DepositOrder is returned to the client so it can open the provider checkout.
type DepositOrder struct {
	TransactionID uuid.UUID       `json:"transactionId"`
	OrderID       string          `json:"orderId"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	KeyID         string          `json:"keyId"`
}

// DepositVerificationRequest carries the provider confirmation triple plus the
// amount the client originally requested.
type DepositVerificationRequest struct {
	OrderID   string          `json:"orderId"`
	PaymentID string          `json:"paymentId"`
	Signature string          `json:"signature"`
	Amount    decimal.Decimal `json:"amount"`
}

// DepositVerification is the outcome of a confirmation. AlreadyProcessed marks an
// idempotent replay; the balance is the current one and nothing was credited.
type DepositVerification struct {
	Transaction      *Transaction    `json:"transaction"`
	Balance          decimal.Decimal `json:"balance"`
	AlreadyProcessed bool            `json:"alreadyProcessed"`
}

// WithdrawalRequest is the body of the withdrawal endpoint.
type WithdrawalRequest struct {
	Amount decimal.Decimal `json:"amount"`
}
