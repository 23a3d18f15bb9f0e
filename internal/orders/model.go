package orders

import (
	"errors"
	"fmt"
	"strings"
)

// Status tracks a purchase order through manual reconciliation.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

// ErrInvalidStatus indicates an unknown order status.
var ErrInvalidStatus = errors.New("orders: invalid status")

// ParseStatus validates raw input and returns a Status.
func ParseStatus(rawInput string) (Status, error) {
	switch Status(strings.ToLower(strings.TrimSpace(rawInput))) {
	case StatusPending:
		return StatusPending, nil
	case StatusProcessing:
		return StatusProcessing, nil
	case StatusCompleted:
		return StatusCompleted, nil
	case StatusCancelled:
		return StatusCancelled, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, rawInput)
	}
}

// Order is an externally placed purchase awaiting an activation code.
type Order struct {
	ID                 string `gorm:"column:id;primaryKey;size:26;not null"`
	ExternalOrderID    string `gorm:"column:external_order_id;size:128;not null;uniqueIndex"`
	CustomerEmail      string `gorm:"column:customer_email;size:320;not null;index"`
	CustomerName       string `gorm:"column:customer_name;size:320"`
	ProductName        string `gorm:"column:product_name;size:256;not null"`
	AmountCents        int64  `gorm:"column:amount_cents;not null"`
	Currency           string `gorm:"column:currency;size:8;not null"`
	PurchasedAtSeconds int64  `gorm:"column:purchased_at;not null"`
	Status             Status `gorm:"column:status;size:16;not null;index"`
	ActivationCode     string `gorm:"column:activation_code;size:64"`
	Notes              string `gorm:"column:notes;size:2000"`
	CreatedAtSeconds   int64  `gorm:"column:created_at;not null;index"`
	UpdatedAtSeconds   int64  `gorm:"column:updated_at;not null"`
	CompletedAtSeconds int64  `gorm:"column:completed_at"`
}

// TableName exposes the table backing purchase orders.
func (Order) TableName() string {
	return "purchase_orders"
}
