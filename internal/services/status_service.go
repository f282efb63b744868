package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/meridianbank/backend/internal/audit"
	"github.com/meridianbank/backend/internal/models"
	"github.com/shopspring/decimal"
)

// StatusService is the admin-driven state machine over transaction statuses.
// Completion settles the deferred credit leg of internal transfers; reversal
// restores uncompleted debits exactly once.
type StatusService struct {
	db        *sql.DB
	audit     *audit.Logger
	outbox    *Outbox
	validator *ValidationHelper
}

func NewStatusService(db *sql.DB, outbox *Outbox) *StatusService {
	return &StatusService{
		db:        db,
		audit:     audit.NewLogger(),
		outbox:    outbox,
		validator: NewValidationHelper(),
	}
}

// StatusResult is the outcome of a status transition.
type StatusResult struct {
	ReferenceID       string          `json:"referenceId"`
	Status            models.TxStatus `json:"status"`
	CreditReferenceID string          `json:"creditReferenceId,omitempty"`
}

type statusSideEffects struct {
	senderEmail    string
	recipientEmail string
	amount         decimal.Decimal
	currency       string
}

// SetTransactionStatus advances a transaction's lifecycle status, applying
// the compensating balance effect inside one atomic unit. Requesting the
// current status again short-circuits as success; terminal statuses reject
// any further transition as a conflict.
func (s *StatusService) SetTransactionStatus(ctx context.Context, adminID int, referenceID string, target models.TxStatus) (*StatusResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, NewInternalError("Failed to update transaction status", err)
	}
	defer tx.Rollback()

	var txID, ownerID int
	var amount decimal.Decimal
	var accountNumber, currency, destinationAccount string
	var current models.TxStatus
	var isInternal bool
	err = tx.QueryRowContext(ctx,
		`SELECT id, user_id, amount, account_number, currency_code, status, is_internal, COALESCE(destination_account_number, '')
		 FROM transactions WHERE reference_id = $1 FOR UPDATE`,
		referenceID).Scan(&txID, &ownerID, &amount, &accountNumber, &currency, &current, &isInternal, &destinationAccount)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewNotFoundError("Transaction not found")
		}
		return nil, NewInternalError("Failed to update transaction status", err)
	}

	plan, err := models.PlanStatusChange(current, target, isInternal, amount)
	if err != nil {
		if errors.Is(err, models.ErrAlreadyFinal) {
			return nil, NewConflictError(fmt.Sprintf("Transaction already finalized as %s", current))
		}
		return nil, NewValidationError("Unknown transaction status")
	}

	if plan.NoOp {
		return &StatusResult{ReferenceID: referenceID, Status: current}, nil
	}

	result := &StatusResult{ReferenceID: referenceID, Status: target}
	effects := statusSideEffects{amount: amount, currency: currency}

	err = tx.QueryRowContext(ctx, `SELECT email FROM users WHERE id = $1`, ownerID).Scan(&effects.senderEmail)
	if err != nil {
		return nil, NewInternalError("Failed to update transaction status", err)
	}

	if plan.CreditRecipient {
		creditRef, recipientEmail, err := s.settleCreditLeg(ctx, tx, adminID, referenceID, destinationAccount, amount.Abs())
		if err != nil {
			return nil, err
		}
		result.CreditReferenceID = creditRef
		effects.recipientEmail = recipientEmail
	}

	if plan.RestoreSource {
		if err := s.restoreSource(ctx, tx, accountNumber, amount.Abs()); err != nil {
			return nil, err
		}
	}

	if _, err = tx.ExecContext(ctx,
		`UPDATE transactions SET status = $1, last_updated_by_admin = $2, updated_at = NOW() WHERE id = $3`,
		target, adminID, txID); err != nil {
		return nil, NewInternalError("Failed to update transaction status", err)
	}

	if err = tx.Commit(); err != nil {
		return nil, NewInternalError("Failed to update transaction status", err)
	}

	s.dispatchSideEffects(ctx, adminID, referenceID, current, target, result, effects)
	return result, nil
}

// settleCreditLeg locks the recipient account, applies the credit and writes
// the paired ledger row. A missing recipient aborts the whole transition.
func (s *StatusService) settleCreditLeg(ctx context.Context, tx *sql.Tx, adminID int, referenceID, destinationAccount string, credit decimal.Decimal) (string, string, error) {
	var accountID, recipientID int
	var balance decimal.Decimal
	var accountType models.AccountType
	var currency, recipientEmail string
	err := tx.QueryRowContext(ctx,
		`SELECT a.id, a.user_id, a.balance, a.account_type, a.currency_code, u.email
		 FROM accounts a JOIN users u ON u.id = a.user_id
		 WHERE a.account_number = $1 FOR UPDATE OF a`,
		destinationAccount).Scan(&accountID, &recipientID, &balance, &accountType, &currency, &recipientEmail)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", "", NewNotFoundError("Recipient account not found")
		}
		return "", "", NewInternalError("Failed to update transaction status", err)
	}

	if _, err = tx.ExecContext(ctx,
		`UPDATE accounts SET balance = $1, updated_at = NOW() WHERE id = $2`,
		balance.Add(credit), accountID); err != nil {
		return "", "", NewInternalError("Failed to update transaction status", err)
	}

	creditRef := referenceID + "-CR"
	_, err = tx.ExecContext(ctx,
		`INSERT INTO transactions (user_id, reference_id, account_number, account_type, amount, currency_code, status, is_internal, linked_reference_id, last_updated_by_admin, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, true, $8, $9, NOW(), NOW())`,
		recipientID, creditRef, destinationAccount, accountType, credit, currency,
		models.StatusSuccessful, referenceID, adminID)
	if err != nil {
		return "", "", ClassifyStoreError(err, "Credit leg already settled")
	}

	return creditRef, recipientEmail, nil
}

// restoreSource returns a reversed debit to the source account.
func (s *StatusService) restoreSource(ctx context.Context, tx *sql.Tx, accountNumber string, amount decimal.Decimal) error {
	var accountID int
	var balance decimal.Decimal
	err := tx.QueryRowContext(ctx,
		`SELECT id, balance FROM accounts WHERE account_number = $1 FOR UPDATE`,
		accountNumber).Scan(&accountID, &balance)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return NewNotFoundError("Source account not found")
		}
		return NewInternalError("Failed to update transaction status", err)
	}

	if _, err = tx.ExecContext(ctx,
		`UPDATE accounts SET balance = $1, updated_at = NOW() WHERE id = $2`,
		balance.Add(amount), accountID); err != nil {
		return NewInternalError("Failed to update transaction status", err)
	}
	return nil
}

// dispatchSideEffects runs after commit; failures here are logged and never
// affect the committed transition.
func (s *StatusService) dispatchSideEffects(ctx context.Context, adminID int, referenceID string, from, to models.TxStatus, result *StatusResult, effects statusSideEffects) {
	s.audit.LogStatusChange(referenceID, string(from), string(to), adminID)

	s.outbox.Enqueue(ctx, Notification{
		Recipient: effects.senderEmail,
		Template:  "transfer_status_changed",
		Payload: map[string]any{
			"referenceId": referenceID,
			"status":      string(to),
			"amount":      effects.amount.Abs().String(),
			"currency":    effects.currency,
		},
	})

	if result.CreditReferenceID != "" && effects.recipientEmail != "" {
		s.outbox.Enqueue(ctx, Notification{
			Recipient: effects.recipientEmail,
			Template:  "funds_received",
			Payload: map[string]any{
				"referenceId": result.CreditReferenceID,
				"amount":      effects.amount.Abs().String(),
				"currency":    effects.currency,
			},
		})
	}
}

// UpdateStatusRequest represents a status transition request
// @Description Admin status transition request
type UpdateStatusRequest struct {
	Status string `json:"status" validate:"required"`
}

// UpdateStatus handles admin status transitions
// @Summary Set a transaction's status
// @Description Advance a transaction through its lifecycle, settling or reversing as needed
// @Tags admin
// @Accept json
// @Produce json
// @Param referenceId path string true "Reference ID"
// @Param request body UpdateStatusRequest true "Target status"
// @Success 200 {object} StatusResult
// @Failure 400 {object} ErrorResponse "Unknown status"
// @Failure 404 {object} ErrorResponse "Transaction or recipient not found"
// @Failure 409 {object} ErrorResponse "Transaction already terminal"
// @Router /admin/transactions/{referenceId}/status [put]
func (s *StatusService) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	adminID, _ := r.Context().Value("userID").(int)
	referenceID := chi.URLParam(r, "referenceId")

	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	var req UpdateStatusRequest
	if err := dec.Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}

	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	target, ok := models.ParseTxStatus(req.Status)
	if !ok {
		SendErrorResponse(w, "Unknown transaction status", http.StatusBadRequest, nil)
		return
	}

	result, err := s.SetTransactionStatus(r.Context(), adminID, referenceID, target)
	if err != nil {
		log.Printf("[STATUS] Transition of %s to %s failed: %v", referenceID, target, err)
		SendAppError(w, err)
		return
	}

	log.Printf("[STATUS] Transaction %s moved to %s by admin %d", referenceID, result.Status, adminID)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}
