package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ServiceType decides how a pass for the service is metered.
type ServiceType string

const (
	// ServiceTypeUsage is metered by discrete units consumed.
	ServiceTypeUsage ServiceType = "usage"
	// ServiceTypeTime is metered by a validity window measured in hours.
	ServiceTypeTime ServiceType = "time"
)

// Valid reports whether t is a known service type.
func (t ServiceType) Valid() bool {
	return t == ServiceTypeUsage || t == ServiceTypeTime
}

// Service is a catalog entry. The catalog is owned by the admin collaborator and is
// read-only to this service.
type Service struct {
	ID          uuid.UUID       `json:"id"`
	Name        string          `json:"name"`
	Type        ServiceType     `json:"type"`
	CostPerUnit decimal.Decimal `json:"costPerUnit"`
	UnitName    string          `json:"unitName"`
	Active      bool            `json:"active"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// Offer is an admin-configured cashback rule.
type Offer struct {
	ID         uuid.UUID       `json:"id"`
	Title      string          `json:"title"`
	Percentage decimal.Decimal `json:"percentage"`
	MaxCap     decimal.Decimal `json:"maxCap"`
	IsActive   bool            `json:"isActive"`
	IsDefault  bool            `json:"isDefault"`
	CreatedAt  time.Time       `json:"createdAt"`
}
