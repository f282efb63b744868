package models

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// TxStatus is the lifecycle status of a transaction. Transfers always start
// in Processing; the four reversal/settlement statuses are terminal.
type TxStatus string

const (
	StatusProcessing TxStatus = "PROCESSING"
	StatusPending    TxStatus = "PENDING"
	StatusApproved   TxStatus = "APPROVED"
	StatusSuccessful TxStatus = "SUCCESSFUL"
	StatusDelivered  TxStatus = "DELIVERED"
	StatusRefunded   TxStatus = "REFUNDED"
	StatusFailed     TxStatus = "FAILED"
	StatusDeclined   TxStatus = "DECLINED"
)

var txStatuses = map[TxStatus]bool{
	StatusProcessing: true,
	StatusPending:    true,
	StatusApproved:   true,
	StatusSuccessful: true,
	StatusDelivered:  true,
	StatusRefunded:   true,
	StatusFailed:     true,
	StatusDeclined:   true,
}

func ParseTxStatus(s string) (TxStatus, bool) {
	status := TxStatus(s)
	return status, txStatuses[status]
}

// Terminal reports whether no further transition is permitted.
func (s TxStatus) Terminal() bool {
	switch s {
	case StatusSuccessful, StatusRefunded, StatusFailed, StatusDeclined:
		return true
	}
	return false
}

// Reversal reports whether the status undoes a debit.
func (s TxStatus) Reversal() bool {
	switch s {
	case StatusRefunded, StatusFailed, StatusDeclined:
		return true
	}
	return false
}

// Transaction is one signed monetary movement against an account. Amounts are
// signed: positive is a credit, negative is a debit. Once a terminal status is
// reached the record is immutable.
type Transaction struct {
	ID                       int             `json:"id" db:"id"`
	UserID                   int             `json:"userId" db:"user_id"`
	ReferenceID              string          `json:"referenceId" db:"reference_id"`
	AccountNumber            string          `json:"accountNumber" db:"account_number"`
	AccountType              AccountType     `json:"accountType" db:"account_type"`
	Amount                   decimal.Decimal `json:"amount" db:"amount"`
	CurrencyCode             string          `json:"currencyCode" db:"currency_code"`
	Status                   TxStatus        `json:"status" db:"status"`
	IsInternal               bool            `json:"isInternal" db:"is_internal"`
	DestinationAccountNumber string          `json:"destinationAccountNumber,omitempty" db:"destination_account_number"`
	DestinationName          string          `json:"destinationName,omitempty" db:"destination_name"`
	DestinationBank          string          `json:"destinationBank,omitempty" db:"destination_bank"`
	Description              string          `json:"description,omitempty" db:"description"`
	LinkedReferenceID        string          `json:"linkedReferenceId,omitempty" db:"linked_reference_id"`
	LastUpdatedByAdmin       int             `json:"lastUpdatedByAdmin,omitempty" db:"last_updated_by_admin"`
	CreatedAt                time.Time       `json:"createdAt" db:"created_at"`
	UpdatedAt                time.Time       `json:"updatedAt" db:"updated_at"`
}

var (
	ErrUnknownStatus = errors.New("unknown transaction status")
	ErrAlreadyFinal  = errors.New("transaction already in a terminal status")
)

// StatusPlan is the effect list computed for a requested status change.
// Exactly one balance effect is planned per change; the caller applies it
// inside its own atomic scope.
type StatusPlan struct {
	NoOp            bool // requested status equals current status
	CreditRecipient bool // create the deferred credit leg for an internal transfer
	RestoreSource   bool // return a debited amount to the source account
}

// PlanStatusChange is the pure transition function of the status engine:
// current state + requested status in, effect plan out. It performs no I/O.
func PlanStatusChange(current, target TxStatus, isInternal bool, amount decimal.Decimal) (StatusPlan, error) {
	if !txStatuses[target] {
		return StatusPlan{}, ErrUnknownStatus
	}
	if current == target {
		return StatusPlan{NoOp: true}, nil
	}
	if current.Terminal() {
		return StatusPlan{}, ErrAlreadyFinal
	}

	var plan StatusPlan
	switch {
	case target == StatusSuccessful:
		plan.CreditRecipient = isInternal
	case target.Reversal():
		// Restoration only applies to debits that were never completed;
		// credits and already-reversed entries are skipped, not errored.
		if amount.IsNegative() && current != StatusSuccessful && !current.Reversal() {
			plan.RestoreSource = true
		}
	}
	return plan, nil
}
