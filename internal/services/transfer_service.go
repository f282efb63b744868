package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"regexp"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/meridianbank/backend/internal/audit"
	"github.com/meridianbank/backend/internal/models"
	"github.com/shopspring/decimal"
)

// TransferType selects the destination class of a transfer. Own-account and
// internal transfers carry a deferred credit leg; external transfers do not.
type TransferType string

const (
	TransferOwnAccounts TransferType = "Transfer between own accounts"
	TransferInternal    TransferType = "Internal transfer"
	TransferExternal    TransferType = "External transfer"
)

func (t TransferType) valid() bool {
	switch t {
	case TransferOwnAccounts, TransferInternal, TransferExternal:
		return true
	}
	return false
}

func (t TransferType) internal() bool {
	return t == TransferOwnAccounts || t == TransferInternal
}

var pinPattern = regexp.MustCompile(`^[0-9]{4}$`)

// TransferService is the transfer engine: it moves funds out of a caller's
// account, producing a Processing-status debit with the credit leg deferred
// to the status transition engine.
type TransferService struct {
	db        *sql.DB
	audit     *audit.Logger
	outbox    *Outbox
	validator *ValidationHelper
}

func NewTransferService(db *sql.DB, outbox *Outbox) *TransferService {
	return &TransferService{
		db:        db,
		audit:     audit.NewLogger(),
		outbox:    outbox,
		validator: NewValidationHelper(),
	}
}

// TransferRequest represents a fund transfer submission
// @Description Transfer request structure
type TransferRequest struct {
	SourceAccountNumber      string          `json:"sourceAccountNumber" validate:"required"`
	Amount                   decimal.Decimal `json:"amount"`
	TransferType             TransferType    `json:"transferType" validate:"required"`
	DestinationAccountNumber string          `json:"destinationAccountNumber" validate:"required"`
	DestinationName          string          `json:"destinationName" validate:"max=100"`
	DestinationBank          string          `json:"destinationBank" validate:"max=100"`
	Description              string          `json:"description" validate:"max=200"`
	Pin                      string          `json:"pin" validate:"required"`
}

// TransferResult is the response of an accepted transfer.
type TransferResult struct {
	ReferenceID string          `json:"referenceId"`
	NewBalance  decimal.Decimal `json:"newBalance"`
	Status      models.TxStatus `json:"status"`
}

// SubmitTransfer debits the source account and records the Processing debit
// leg in one atomic unit. Validation order: shape, PIN, policy block, source
// account existence, zero-balance floor. On any failure the unit rolls back
// with no observable side effects.
func (s *TransferService) SubmitTransfer(ctx context.Context, userID int, req *TransferRequest) (*TransferResult, error) {
	if !req.Amount.IsPositive() {
		return nil, NewValidationError("Amount must be a positive number")
	}
	if !pinPattern.MatchString(req.Pin) {
		return nil, NewValidationError("PIN must be exactly 4 digits")
	}
	if !req.TransferType.valid() {
		return nil, NewValidationError("Unknown transfer type")
	}
	if req.SourceAccountNumber == req.DestinationAccountNumber {
		return nil, NewValidationError("Cannot transfer to the same account")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, NewInternalError("Failed to process transfer", err)
	}
	defer tx.Rollback()

	var pinHash, email, firstName string
	var blocked bool
	err = tx.QueryRowContext(ctx,
		`SELECT transfer_pin, transfer_blocked, email, first_name FROM users WHERE id = $1`,
		userID).Scan(&pinHash, &blocked, &email, &firstName)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewNotFoundError("User not found")
		}
		return nil, NewInternalError("Failed to process transfer", err)
	}

	if !verifySecret(req.Pin, pinHash) {
		return nil, NewAuthError("Invalid transfer PIN")
	}

	if blocked {
		return nil, NewConflictError("Transfers are blocked on this profile. Contact support.")
	}

	var accountID int
	var balance decimal.Decimal
	var accountType models.AccountType
	var currency string
	err = tx.QueryRowContext(ctx,
		`SELECT id, balance, account_type, currency_code FROM accounts WHERE user_id = $1 AND account_number = $2 FOR UPDATE`,
		userID, req.SourceAccountNumber).Scan(&accountID, &balance, &accountType, &currency)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewNotFoundError("Source account not found")
		}
		return nil, NewInternalError("Failed to process transfer", err)
	}

	// Zero-balance floor: overdraft limits do not apply on this path.
	if balance.LessThan(req.Amount) {
		return nil, NewInsufficientFundsError("Insufficient balance")
	}

	newBalance := balance.Sub(req.Amount)
	if _, err = tx.ExecContext(ctx,
		`UPDATE accounts SET balance = $1, updated_at = NOW() WHERE id = $2`,
		newBalance, accountID); err != nil {
		return nil, NewInternalError("Failed to process transfer", err)
	}

	referenceID := "TRF-" + uuid.NewString()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO transactions (user_id, reference_id, account_number, account_type, amount, currency_code, status, is_internal, destination_account_number, destination_name, destination_bank, description, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW(), NOW())`,
		userID, referenceID, req.SourceAccountNumber, accountType, req.Amount.Neg(), currency,
		models.StatusProcessing, req.TransferType.internal(), req.DestinationAccountNumber,
		req.DestinationName, req.DestinationBank, req.Description)
	if err != nil {
		return nil, NewInternalError("Failed to record transfer", err)
	}

	if err = tx.Commit(); err != nil {
		return nil, NewInternalError("Failed to process transfer", err)
	}

	s.audit.LogTransfer(referenceID, req.SourceAccountNumber, req.DestinationAccountNumber,
		req.Amount.Neg(), string(models.StatusProcessing))
	s.outbox.Enqueue(ctx, Notification{
		Recipient: email,
		Template:  "transfer_submitted",
		Payload: map[string]any{
			"firstName":   firstName,
			"referenceId": referenceID,
			"amount":      req.Amount.String(),
			"currency":    currency,
			"destination": req.DestinationAccountNumber,
		},
	})

	return &TransferResult{
		ReferenceID: referenceID,
		NewBalance:  newBalance,
		Status:      models.StatusProcessing,
	}, nil
}

// Submit handles transfer submissions
// @Summary Submit a fund transfer
// @Description Debit the source account and create a Processing transaction
// @Tags transfers
// @Accept json
// @Produce json
// @Param request body TransferRequest true "Transfer request"
// @Success 201 {object} TransferResult
// @Failure 400 {object} ErrorResponse "Invalid request"
// @Failure 403 {object} ErrorResponse "Invalid transfer PIN"
// @Failure 409 {object} ErrorResponse "Transfers blocked by policy"
// @Failure 422 {object} ErrorResponse "Insufficient balance"
// @Router /transfers [post]
func (s *TransferService) Submit(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("userID").(int)
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	var req TransferRequest
	if err := dec.Decode(&req); err != nil {
		log.Printf("[TRANSFER] Invalid request: %v", err)
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}

	if err := s.validator.ValidateStruct(&req); err != nil {
		log.Printf("[TRANSFER] Validation failed: %v", err)
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	result, err := s.SubmitTransfer(r.Context(), userID, &req)
	if err != nil {
		log.Printf("[TRANSFER] Transfer failed for user %d: %v", userID, err)
		SendAppError(w, err)
		return
	}

	log.Printf("[TRANSFER] Transfer %s accepted for user %d", result.ReferenceID, userID)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(result)
}

// GetTransaction retrieves a specific transaction
// @Summary Get transaction by reference ID
// @Description Retrieve one of the caller's transactions
// @Tags transfers
// @Produce json
// @Param referenceId path string true "Reference ID"
// @Success 200 {object} models.Transaction
// @Failure 404 {object} ErrorResponse "Transaction not found"
// @Router /transactions/{referenceId} [get]
func (s *TransferService) GetTransaction(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("userID").(int)
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}
	referenceID := chi.URLParam(r, "referenceId")

	t, err := s.fetchTransaction(r.Context(), userID, referenceID)
	if err != nil {
		SendAppError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(t)
}

// ListTransactions retrieves the caller's transactions
// @Summary List transactions
// @Description Get the caller's transactions, newest first
// @Tags transfers
// @Produce json
// @Param limit query int false "Number of transactions to return (default 20, max 100)"
// @Success 200 {object} map[string]any
// @Router /transactions [get]
func (s *TransferService) ListTransactions(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("userID").(int)
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	limit := 20
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		l, err := strconv.Atoi(limitStr)
		if err != nil || l < 1 || l > 100 {
			SendErrorResponse(w, "Invalid limit", http.StatusBadRequest, nil)
			return
		}
		limit = l
	}

	rows, err := s.db.QueryContext(r.Context(),
		`SELECT id, user_id, reference_id, account_number, account_type, amount, currency_code, status, is_internal,
		        COALESCE(destination_account_number, ''), COALESCE(destination_name, ''), COALESCE(destination_bank, ''),
		        COALESCE(description, ''), COALESCE(linked_reference_id, ''), COALESCE(last_updated_by_admin, 0), created_at, updated_at
		 FROM transactions WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`,
		userID, limit)
	if err != nil {
		log.Printf("[TRANSFER] Failed to list transactions for user %d: %v", userID, err)
		SendErrorResponse(w, "Failed to fetch transactions", http.StatusInternalServerError, nil)
		return
	}
	defer rows.Close()

	transactions := []models.Transaction{}
	for rows.Next() {
		var t models.Transaction
		if err := rows.Scan(&t.ID, &t.UserID, &t.ReferenceID, &t.AccountNumber, &t.AccountType, &t.Amount,
			&t.CurrencyCode, &t.Status, &t.IsInternal, &t.DestinationAccountNumber, &t.DestinationName,
			&t.DestinationBank, &t.Description, &t.LinkedReferenceID, &t.LastUpdatedByAdmin,
			&t.CreatedAt, &t.UpdatedAt); err != nil {
			log.Printf("[TRANSFER] Failed to scan transaction for user %d: %v", userID, err)
			SendErrorResponse(w, "Failed to fetch transactions", http.StatusInternalServerError, nil)
			return
		}
		transactions = append(transactions, t)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"transactions": transactions,
		"count":        len(transactions),
	})
}

func (s *TransferService) fetchTransaction(ctx context.Context, userID int, referenceID string) (*models.Transaction, error) {
	var t models.Transaction
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, reference_id, account_number, account_type, amount, currency_code, status, is_internal,
		        COALESCE(destination_account_number, ''), COALESCE(destination_name, ''), COALESCE(destination_bank, ''),
		        COALESCE(description, ''), COALESCE(linked_reference_id, ''), COALESCE(last_updated_by_admin, 0), created_at, updated_at
		 FROM transactions WHERE user_id = $1 AND reference_id = $2`,
		userID, referenceID).Scan(&t.ID, &t.UserID, &t.ReferenceID, &t.AccountNumber, &t.AccountType,
		&t.Amount, &t.CurrencyCode, &t.Status, &t.IsInternal, &t.DestinationAccountNumber,
		&t.DestinationName, &t.DestinationBank, &t.Description, &t.LinkedReferenceID,
		&t.LastUpdatedByAdmin, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewNotFoundError("Transaction not found")
		}
		return nil, NewInternalError("Failed to fetch transaction", err)
	}
	return &t, nil
}
