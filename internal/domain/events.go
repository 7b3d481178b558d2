package domain

import (
	"time"

	"github.com/google/uuid"
)

// Real-time event names pushed to connected sessions.
const (
	EventUsageChanged      = "usage.changed"
	EventWalletUpdated     = "wallet.updated"
	EventPassUpdated       = "pass.updated"
	EventPassExpired       = "pass.expired"
	EventPurchaseCompleted = "purchase.completed"
)

// Push scopes. User scopes are "user:<id>".
const AdminScope = "admin"

// UserScope returns the push scope of a single user's sessions.
func UserScope(userID uuid.UUID) string {
	return "user:" + userID.String()
}

// NotificationTemplate names an email template rendered by the notification collaborator.
type NotificationTemplate string

const (
	TemplatePurchaseReceipt NotificationTemplate = "purchase_receipt"
	TemplateDepositReceipt  NotificationTemplate = "deposit_receipt"
	TemplateWithdrawal      NotificationTemplate = "withdrawal_requested"
	TemplatePassExpiring    NotificationTemplate = "pass_expiring"
	TemplatePassLowBalance  NotificationTemplate = "pass_low_balance"
	TemplatePassExpired     NotificationTemplate = "pass_expired"
)

// Notification is handed to the notification collaborator.
type Notification struct {
	Recipient string                 `json:"recipient"`
	Template  NotificationTemplate   `json:"template"`
	Data      map[string]interface{} `json:"data"`
	CreatedAt time.Time              `json:"createdAt"`
}

// UsageChangedEvent is pushed after every successful consumption.
type UsageChangedEvent struct {
	UserID          uuid.UUID  `json:"userId"`
	ServiceID       uuid.UUID  `json:"serviceId"`
	PassID          uuid.UUID  `json:"passId"`
	RemainingAmount int64      `json:"remainingAmount"`
	Status          PassStatus `json:"status"`
	AmountUsed      int64      `json:"amountUsed"`
	At              time.Time  `json:"at"`
}
