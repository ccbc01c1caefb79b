package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Account is a wallet owned by the User service. Balance never goes below zero.
type Account struct {
	ID        int64           `json:"id"`
	Name      string          `json:"name"`
	Email     string          `json:"email"`
	Balance   decimal.Decimal `json:"balance"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// NewAccount holds the fields accepted when opening an account
type NewAccount struct {
	Name    string          `json:"name" validate:"required,max=255"`
	Email   string          `json:"email" validate:"required,email,max=255"`
	Balance decimal.Decimal `json:"balance"`
}

// AccountUpdate holds the profile fields that may change after creation.
// Balance is deliberately absent: it only moves through a balance mutation.
type AccountUpdate struct {
	Name  string `json:"name" validate:"omitempty,max=255"`
	Email string `json:"email" validate:"omitempty,email,max=255"`
}
