package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type DepositStatus string

const (
	DepositPending  DepositStatus = "PENDING"
	DepositApproved DepositStatus = "APPROVED"
	DepositDeclined DepositStatus = "DECLINED"
)

// CheckDeposit is a client-submitted check pending admin review. Approval is
// one-way and credits the destination account exactly once.
type CheckDeposit struct {
	ID                       int             `json:"id" db:"id"`
	DepositID                string          `json:"depositId" db:"deposit_id"`
	UserID                   int             `json:"userId" db:"user_id"`
	Amount                   decimal.Decimal `json:"amount" db:"amount"`
	CurrencyCode             string          `json:"currencyCode" db:"currency_code"`
	DestinationAccountNumber string          `json:"destinationAccountNumber" db:"destination_account_number"`
	FrontImage               string          `json:"frontImage" db:"front_image"`
	BackImage                string          `json:"backImage" db:"back_image"`
	Status                   DepositStatus   `json:"status" db:"status"`
	ReviewNotes              string          `json:"reviewNotes,omitempty" db:"review_notes"`
	ReviewedByAdmin          int             `json:"reviewedByAdmin,omitempty" db:"reviewed_by_admin"`
	CreatedAt                time.Time       `json:"createdAt" db:"created_at"`
	UpdatedAt                time.Time       `json:"updatedAt" db:"updated_at"`
}
