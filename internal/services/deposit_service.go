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
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/lib/pq"
	"github.com/meridianbank/backend/internal/audit"
	"github.com/meridianbank/backend/internal/models"
	"github.com/shopspring/decimal"
)

const (
	depositIDPrefix        = "CHK-"
	depositAllocateRetries = 3
	declineNotesMinLength  = 10
)

// DepositService is the check deposit workflow: client submission into
// Pending, admin review into Approved (crediting once) or Declined.
type DepositService struct {
	db        *sql.DB
	audit     *audit.Logger
	outbox    *Outbox
	validator *ValidationHelper
}

func NewDepositService(db *sql.DB, outbox *Outbox) *DepositService {
	return &DepositService{
		db:        db,
		audit:     audit.NewLogger(),
		outbox:    outbox,
		validator: NewValidationHelper(),
	}
}

// DepositRequest represents a check deposit submission
// @Description Check deposit submission structure
type DepositRequest struct {
	Amount                   decimal.Decimal `json:"amount"`
	CurrencyCode             string          `json:"currencyCode" validate:"required,len=3"`
	DestinationAccountNumber string          `json:"destinationAccountNumber" validate:"required"`
	FrontImage               string          `json:"frontImage" validate:"required"`
	BackImage                string          `json:"backImage" validate:"required"`
}

// SubmitDeposit records a Pending check deposit. The deposit id suggestion is
// the highest existing numeric suffix plus one; the unique constraint is
// authoritative and a lost race retries with a fresh suggestion.
func (s *DepositService) SubmitDeposit(ctx context.Context, userID int, req *DepositRequest) (*models.CheckDeposit, error) {
	if !req.Amount.IsPositive() {
		return nil, NewValidationError("Amount must be a positive number")
	}

	currency := strings.ToUpper(req.CurrencyCode)

	var lastErr error
	for attempt := 0; attempt < depositAllocateRetries; attempt++ {
		var maxSeq int
		err := s.db.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(CAST(SUBSTRING(deposit_id FROM 5) AS INTEGER)), 0) FROM check_deposits`).Scan(&maxSeq)
		if err != nil {
			return nil, NewInternalError("Failed to submit deposit", err)
		}

		depositID := fmt.Sprintf("%s%06d", depositIDPrefix, maxSeq+1)

		deposit := &models.CheckDeposit{
			DepositID:                depositID,
			UserID:                   userID,
			Amount:                   req.Amount,
			CurrencyCode:             currency,
			DestinationAccountNumber: req.DestinationAccountNumber,
			FrontImage:               req.FrontImage,
			BackImage:                req.BackImage,
			Status:                   models.DepositPending,
		}

		err = s.db.QueryRowContext(ctx,
			`INSERT INTO check_deposits (deposit_id, user_id, amount, currency_code, destination_account_number, front_image, back_image, status, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW()) RETURNING id`,
			depositID, userID, req.Amount, currency, req.DestinationAccountNumber,
			req.FrontImage, req.BackImage, models.DepositPending).Scan(&deposit.ID)
		if err == nil {
			log.Printf("[DEPOSIT] Deposit %s submitted by user %d", depositID, userID)
			return deposit, nil
		}

		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			// Concurrent submission computed the same suggestion; recompute.
			lastErr = err
			continue
		}
		return nil, NewInternalError("Failed to submit deposit", err)
	}

	return nil, NewInternalError("Failed to allocate deposit id", lastErr)
}

// ReviewDecision carries an admin's deposit decision.
type ReviewDecision struct {
	Decision string `json:"decision" validate:"required,oneof=APPROVED DECLINED"`
	Notes    string `json:"notes" validate:"max=500"`
}

// ReviewDeposit applies an admin decision. Approval credits the account
// matching the deposit's currency exactly once, guarded by the record still
// being Pending; decline requires a justification and moves no funds.
func (s *DepositService) ReviewDeposit(ctx context.Context, adminID int, depositID string, decision *ReviewDecision) (models.DepositStatus, error) {
	target := models.DepositStatus(decision.Decision)
	if target == models.DepositDeclined && len(strings.TrimSpace(decision.Notes)) < declineNotesMinLength {
		return "", NewValidationError(fmt.Sprintf("Decline notes must be at least %d characters", declineNotesMinLength))
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", NewInternalError("Failed to review deposit", err)
	}
	defer tx.Rollback()

	var id, ownerID int
	var amount decimal.Decimal
	var currency, destination string
	var status models.DepositStatus
	err = tx.QueryRowContext(ctx,
		`SELECT id, user_id, amount, currency_code, COALESCE(destination_account_number, ''), status
		 FROM check_deposits WHERE deposit_id = $1 FOR UPDATE`,
		depositID).Scan(&id, &ownerID, &amount, &currency, &destination, &status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", NewNotFoundError("Deposit not found")
		}
		return "", NewInternalError("Failed to review deposit", err)
	}

	if status != models.DepositPending {
		return "", NewConflictError(fmt.Sprintf("Deposit already reviewed as %s", status))
	}

	var creditedAccount string
	if target == models.DepositApproved {
		creditedAccount, err = s.creditDeposit(ctx, tx, adminID, depositID, ownerID, currency, destination, amount)
		if err != nil {
			return "", err
		}
	}

	if _, err = tx.ExecContext(ctx,
		`UPDATE check_deposits SET status = $1, review_notes = $2, reviewed_by_admin = $3, updated_at = NOW() WHERE id = $4`,
		target, decision.Notes, adminID, id); err != nil {
		return "", NewInternalError("Failed to review deposit", err)
	}

	if err = tx.Commit(); err != nil {
		return "", NewInternalError("Failed to review deposit", err)
	}

	s.audit.LogDepositReview(depositID, creditedAccount, amount, adminID, string(target))

	var email string
	if err := s.db.QueryRowContext(ctx, `SELECT email FROM users WHERE id = $1`, ownerID).Scan(&email); err == nil {
		s.outbox.Enqueue(ctx, Notification{
			Recipient: email,
			Template:  "deposit_reviewed",
			Payload: map[string]any{
				"depositId": depositID,
				"decision":  string(target),
				"amount":    amount.String(),
				"currency":  currency,
			},
		})
	}

	return target, nil
}

// creditDeposit locks the owner's account in the deposit currency and applies
// the credit with its ledger row. The deposit's named destination account wins
// when it belongs to the owner in that currency; otherwise the owner's oldest
// matching account takes the credit.
func (s *DepositService) creditDeposit(ctx context.Context, tx *sql.Tx, adminID int, depositID string, ownerID int, currency, destination string, amount decimal.Decimal) (string, error) {
	var accountID int
	var balance decimal.Decimal
	var accountNumber string
	var accountType models.AccountType
	err := tx.QueryRowContext(ctx,
		`SELECT id, account_number, account_type, balance FROM accounts
		 WHERE user_id = $1 AND currency_code = $2
		 ORDER BY (account_number = $3) DESC, id LIMIT 1 FOR UPDATE`,
		ownerID, currency, destination).Scan(&accountID, &accountNumber, &accountType, &balance)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", NewNotFoundError("No account matches the deposit currency")
		}
		return "", NewInternalError("Failed to review deposit", err)
	}

	if _, err = tx.ExecContext(ctx,
		`UPDATE accounts SET balance = $1, updated_at = NOW() WHERE id = $2`,
		balance.Add(amount), accountID); err != nil {
		return "", NewInternalError("Failed to review deposit", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO transactions (user_id, reference_id, account_number, account_type, amount, currency_code, status, is_internal, description, last_updated_by_admin, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, false, $8, $9, NOW(), NOW())`,
		ownerID, "DEP-"+depositID, accountNumber, accountType, amount, currency,
		models.StatusSuccessful, "Check deposit "+depositID, adminID)
	if err != nil {
		return "", ClassifyStoreError(err, "Deposit already credited")
	}

	return accountNumber, nil
}

// Submit handles check deposit submissions
// @Summary Submit a check deposit
// @Description Record a Pending check deposit for admin review
// @Tags deposits
// @Accept json
// @Produce json
// @Param request body DepositRequest true "Deposit request"
// @Success 201 {object} models.CheckDeposit
// @Failure 400 {object} ErrorResponse "Invalid request"
// @Router /deposits [post]
func (s *DepositService) Submit(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("userID").(int)
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	var req DepositRequest
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

	deposit, err := s.SubmitDeposit(r.Context(), userID, &req)
	if err != nil {
		log.Printf("[DEPOSIT] Submission failed for user %d: %v", userID, err)
		SendAppError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(deposit)
}

// Review handles admin deposit review
// @Summary Review a check deposit
// @Description Approve (crediting once) or decline a pending deposit
// @Tags admin
// @Accept json
// @Produce json
// @Param depositId path string true "Deposit ID"
// @Param request body ReviewDecision true "Review decision"
// @Success 200 {object} map[string]string
// @Failure 400 {object} ErrorResponse "Invalid decision"
// @Failure 404 {object} ErrorResponse "Deposit not found"
// @Failure 409 {object} ErrorResponse "Deposit already reviewed"
// @Router /admin/deposits/{depositId}/review [put]
func (s *DepositService) Review(w http.ResponseWriter, r *http.Request) {
	adminID, _ := r.Context().Value("userID").(int)
	depositID := chi.URLParam(r, "depositId")

	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	var req ReviewDecision
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

	status, err := s.ReviewDeposit(r.Context(), adminID, depositID, &req)
	if err != nil {
		log.Printf("[DEPOSIT] Review of %s failed: %v", depositID, err)
		SendAppError(w, err)
		return
	}

	log.Printf("[DEPOSIT] Deposit %s reviewed as %s by admin %d", depositID, status, adminID)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": string(status)})
}
