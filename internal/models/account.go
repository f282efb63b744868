package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type AccountType string

const (
	AccountChecking AccountType = "CHECKING"
	AccountSavings  AccountType = "SAVINGS"
)

// Account is a per-user sub-record. The account number is globally unique and
// immutable after creation; the balance is mutated only through the transfer
// engine, the status transition engine, or an admin adjustment.
type Account struct {
	ID              int             `json:"id" db:"id"`
	UserID          int             `json:"userId" db:"user_id"`
	AccountNumber   string          `json:"accountNumber" db:"account_number"`
	AccountType     AccountType     `json:"accountType" db:"account_type"`
	Balance         decimal.Decimal `json:"balance" db:"balance"`
	OverdraftLimit  decimal.Decimal `json:"overdraftLimit" db:"overdraft_limit"`
	CurrencyCode    string          `json:"currencyCode" db:"currency_code"`
	DomesticRouting string          `json:"domesticRouting" db:"domestic_routing"`
	IBAN            string          `json:"iban" db:"iban"`
	Swift           string          `json:"swift" db:"swift"`
	CreatedAt       time.Time       `json:"createdAt" db:"created_at"`
	UpdatedAt       time.Time       `json:"updatedAt" db:"updated_at"`
}
