package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Product struct {
	ID          string          `json:"id"`
	Title       string          `json:"title"`
	Description string          `json:"description,omitempty"`
	Price       decimal.Decimal `json:"price"`
	Stock       int             `json:"stock"`
	Category    string          `json:"category,omitempty"`
	Image       string          `json:"image,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// StockAdjustment asks the catalog to take Quantity units of ProductID.
type StockAdjustment struct {
	ProductID string
	Quantity  int
}

// CartLine is one (owner, product, quantity) row. Quantity is always >= 1.
type CartLine struct {
	ID        int64     `json:"id"`
	UserID    string    `json:"user_id"`
	ProductID string    `json:"product_id"`
	Quantity  int       `json:"quantity"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Identity is the verified caller.
type Identity struct {
	UserID string
	Role   string
}

const RoleAdmin = "admin"

func (id Identity) IsAdmin() bool {
	return id.Role == RoleAdmin
}
