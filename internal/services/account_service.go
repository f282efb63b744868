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
	"github.com/google/uuid"
	"github.com/meridianbank/backend/internal/audit"
	"github.com/meridianbank/backend/internal/models"
	"github.com/shopspring/decimal"
)

// AccountService owns user registration, account allocation and direct admin
// balance adjustments.
type AccountService struct {
	db        *sql.DB
	audit     *audit.Logger
	outbox    *Outbox
	validator *ValidationHelper
	generate  func(currencyCode string, accountType models.AccountType) AccountDetails
}

func NewAccountService(db *sql.DB, outbox *Outbox) *AccountService {
	return &AccountService{
		db:        db,
		audit:     audit.NewLogger(),
		outbox:    outbox,
		validator: NewValidationHelper(),
		generate:  GenerateAccountNumber,
	}
}

// RegisterRequest represents the registration request payload
// @Description Registration request structure
type RegisterRequest struct {
	Email        string `json:"email" validate:"required,email" example:"user@example.com"`
	Password     string `json:"password" validate:"required,min=6" example:"password123"`
	FirstName    string `json:"firstName" validate:"required,min=2" example:"John"`
	LastName     string `json:"lastName" validate:"required,min=2" example:"Doe"`
	PhoneNumber  string `json:"phoneNumber" validate:"required" example:"+14155550134"`
	CurrencyCode string `json:"currencyCode" validate:"required,len=3" example:"USD"`
	TransferPin  string `json:"transferPin" validate:"required,len=4,numeric" example:"1234"`
}

// RegisterUser creates the user record plus its Checking and Savings accounts
// in one atomic unit. Account numbers are pre-allocated through the retry
// wrapper; the accounts table's unique constraint remains the final arbiter.
func (s *AccountService) RegisterUser(ctx context.Context, req *RegisterRequest) (*models.User, error) {
	hashedPassword, err := hashSecret(req.Password)
	if err != nil {
		return nil, NewInternalError("An Internal Error Occurred", err)
	}
	hashedPin, err := hashSecret(req.TransferPin)
	if err != nil {
		return nil, NewInternalError("An Internal Error Occurred", err)
	}

	currency := strings.ToUpper(req.CurrencyCode)

	checking, err := s.generateUniqueAccountNumber(ctx, currency, models.AccountChecking)
	if err != nil {
		return nil, err
	}
	savings, err := s.generateUniqueAccountNumber(ctx, currency, models.AccountSavings)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, NewInternalError("Failed to create user", err)
	}
	defer tx.Rollback()

	user := &models.User{
		Email:        strings.ToLower(req.Email),
		FirstName:    req.FirstName,
		LastName:     req.LastName,
		PhoneNumber:  req.PhoneNumber,
		Role:         models.RoleUser,
		Status:       models.UserActive,
		CurrencyCode: currency,
	}

	err = tx.QueryRowContext(ctx,
		`INSERT INTO users (email, password, first_name, last_name, phone_number, role, status, currency_code, transfer_pin, transfer_blocked, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, false, NOW(), NOW()) RETURNING id`,
		user.Email, hashedPassword, user.FirstName, user.LastName, user.PhoneNumber,
		user.Role, user.Status, user.CurrencyCode, hashedPin).Scan(&user.ID)
	if err != nil {
		return nil, ClassifyStoreError(err, "Email or phone number already registered")
	}

	for _, allocation := range []struct {
		details     AccountDetails
		accountType models.AccountType
	}{
		{checking, models.AccountChecking},
		{savings, models.AccountSavings},
	} {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO accounts (user_id, account_number, account_type, balance, overdraft_limit, currency_code, domestic_routing, iban, swift, created_at, updated_at)
			 VALUES ($1, $2, $3, 0, 0, $4, $5, $6, $7, NOW(), NOW())`,
			user.ID, allocation.details.AccountNumber, allocation.accountType, currency,
			allocation.details.DomesticRouting, allocation.details.IBAN, allocation.details.Swift)
		if err != nil {
			// A lost race on the unique account_number constraint: the
			// advisory check passed but another registration won the insert.
			return nil, NewInternalError("Failed to create accounts", err)
		}
		user.Accounts = append(user.Accounts, models.Account{
			UserID:          user.ID,
			AccountNumber:   allocation.details.AccountNumber,
			AccountType:     allocation.accountType,
			Balance:         decimal.Zero,
			OverdraftLimit:  decimal.Zero,
			CurrencyCode:    currency,
			DomesticRouting: allocation.details.DomesticRouting,
			IBAN:            allocation.details.IBAN,
			Swift:           allocation.details.Swift,
		})
	}

	if err = tx.Commit(); err != nil {
		return nil, NewInternalError("Failed to create user", err)
	}

	log.Printf("[REGISTER] User created successfully - ID: %d, Email: %s", user.ID, user.Email)
	return user, nil
}

// Register handles user registration
// @Summary Register a new user
// @Description Register a new user with two accounts (checking and savings)
// @Tags auth
// @Accept json
// @Produce json
// @Param request body RegisterRequest true "Registration request"
// @Success 201 {object} models.User "Registration successful"
// @Failure 400 {object} ErrorResponse "Invalid request"
// @Failure 409 {object} ErrorResponse "Duplicate identity fields"
// @Failure 500 {object} ErrorResponse "Internal server error"
// @Router /auth/register [post]
func (s *AccountService) Register(w http.ResponseWriter, r *http.Request) {
	log.Printf("[REGISTER] Registration attempt from IP: %s", r.RemoteAddr)

	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	var req RegisterRequest
	if err := dec.Decode(&req); err != nil {
		log.Printf("[REGISTER] Invalid request: %v", err)
		SendErrorResponse(w, "Invalid request", http.StatusBadRequest, nil)
		return
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}

	if err := s.validator.ValidateStruct(&req); err != nil {
		log.Printf("[REGISTER] Validation failed: %v", err)
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	user, err := s.RegisterUser(r.Context(), &req)
	if err != nil {
		log.Printf("[REGISTER] Registration failed for %s: %v", req.Email, err)
		SendAppError(w, err)
		return
	}

	s.outbox.Enqueue(r.Context(), Notification{
		Recipient: user.Email,
		Template:  "welcome",
		Payload:   map[string]any{"firstName": user.FirstName},
	})

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(user)
}

// AdjustRequest represents a direct admin credit or debit
// @Description Admin balance adjustment request
type AdjustRequest struct {
	UserID        int             `json:"userId" validate:"required"`
	AccountNumber string          `json:"accountNumber" validate:"required"`
	Type          string          `json:"type" validate:"required,oneof=CREDIT DEBIT"`
	Amount        decimal.Decimal `json:"amount"`
	Description   string          `json:"description" validate:"required,max=200"`
}

// AdminAdjustBalance applies a direct credit or debit bypassing transfer
// policy, atomic with its own ledger row. Debits keep the zero-balance floor.
func (s *AccountService) AdminAdjustBalance(ctx context.Context, adminID int, req *AdjustRequest) (decimal.Decimal, string, error) {
	if !req.Amount.IsPositive() {
		return decimal.Zero, "", NewValidationError("Amount must be a positive number")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return decimal.Zero, "", NewInternalError("Failed to adjust balance", err)
	}
	defer tx.Rollback()

	var accountID int
	var balance decimal.Decimal
	var accountType models.AccountType
	var currency string
	err = tx.QueryRowContext(ctx,
		`SELECT id, balance, account_type, currency_code FROM accounts WHERE user_id = $1 AND account_number = $2 FOR UPDATE`,
		req.UserID, req.AccountNumber).Scan(&accountID, &balance, &accountType, &currency)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return decimal.Zero, "", NewNotFoundError("Account not found")
		}
		return decimal.Zero, "", NewInternalError("Failed to adjust balance", err)
	}

	signed := req.Amount
	if req.Type == "DEBIT" {
		signed = req.Amount.Neg()
	}

	newBalance := balance.Add(signed)
	if newBalance.IsNegative() {
		return decimal.Zero, "", NewInsufficientFundsError("Adjustment would overdraw the account")
	}

	if _, err = tx.ExecContext(ctx,
		`UPDATE accounts SET balance = $1, updated_at = NOW() WHERE id = $2`,
		newBalance, accountID); err != nil {
		return decimal.Zero, "", NewInternalError("Failed to adjust balance", err)
	}

	referenceID := "ADJ-" + uuid.NewString()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO transactions (user_id, reference_id, account_number, account_type, amount, currency_code, status, is_internal, description, last_updated_by_admin, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, false, $8, $9, NOW(), NOW())`,
		req.UserID, referenceID, req.AccountNumber, accountType, signed, currency,
		models.StatusSuccessful, req.Description, adminID)
	if err != nil {
		return decimal.Zero, "", NewInternalError("Failed to adjust balance", err)
	}

	if err = tx.Commit(); err != nil {
		return decimal.Zero, "", NewInternalError("Failed to adjust balance", err)
	}

	s.audit.LogAdjustment(referenceID, req.AccountNumber, signed, adminID, req.Description)
	return newBalance, referenceID, nil
}

// AdjustBalance handles admin balance adjustments
// @Summary Adjust an account balance
// @Description Direct admin credit or debit with its own ledger entry
// @Tags admin
// @Accept json
// @Produce json
// @Param request body AdjustRequest true "Adjustment request"
// @Success 200 {object} map[string]any "New balance"
// @Failure 400 {object} ErrorResponse "Invalid request"
// @Failure 404 {object} ErrorResponse "Account not found"
// @Failure 422 {object} ErrorResponse "Zero-balance floor breach"
// @Router /admin/accounts/adjust [post]
func (s *AccountService) AdjustBalance(w http.ResponseWriter, r *http.Request) {
	adminID, _ := r.Context().Value("userID").(int)

	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	var req AdjustRequest
	if err := dec.Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request", http.StatusBadRequest, nil)
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

	newBalance, referenceID, err := s.AdminAdjustBalance(r.Context(), adminID, &req)
	if err != nil {
		log.Printf("[ADJUST] Adjustment failed for account %s: %v", req.AccountNumber, err)
		SendAppError(w, err)
		return
	}

	log.Printf("[ADJUST] Admin %d adjusted account %s by %s %s", adminID, req.AccountNumber, req.Type, req.Amount)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"newBalance":  newBalance,
		"referenceId": referenceID,
	})
}

// ChangeCurrency regenerates the user's account numbers for a new currency,
// preserving balances. Account numbers are immutable for their lifetime; a
// currency change retires the old records' identity and allocates fresh ones.
func (s *AccountService) ChangeCurrency(ctx context.Context, userID int, newCurrency string) ([]models.Account, error) {
	currency := strings.ToUpper(newCurrency)
	if _, ok := currencyRouting[currency]; !ok {
		return nil, NewValidationError("Unsupported currency code")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, NewInternalError("Failed to change currency", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT id, account_type, balance FROM accounts WHERE user_id = $1 ORDER BY id FOR UPDATE`, userID)
	if err != nil {
		return nil, NewInternalError("Failed to change currency", err)
	}

	type held struct {
		id          int
		accountType models.AccountType
		balance     decimal.Decimal
	}
	var existing []held
	for rows.Next() {
		var h held
		if err := rows.Scan(&h.id, &h.accountType, &h.balance); err != nil {
			rows.Close()
			return nil, NewInternalError("Failed to change currency", err)
		}
		existing = append(existing, h)
	}
	rows.Close()

	if len(existing) == 0 {
		return nil, NewNotFoundError("User has no accounts")
	}

	var updated []models.Account
	for _, h := range existing {
		details, err := s.generateUniqueAccountNumber(ctx, currency, h.accountType)
		if err != nil {
			return nil, err
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE accounts SET account_number = $1, currency_code = $2, domestic_routing = $3, iban = $4, swift = $5, updated_at = NOW() WHERE id = $6`,
			details.AccountNumber, currency, details.DomesticRouting, details.IBAN, details.Swift, h.id)
		if err != nil {
			return nil, ClassifyStoreError(err, "Failed to change currency")
		}
		updated = append(updated, models.Account{
			ID:              h.id,
			UserID:          userID,
			AccountNumber:   details.AccountNumber,
			AccountType:     h.accountType,
			Balance:         h.balance,
			CurrencyCode:    currency,
			DomesticRouting: details.DomesticRouting,
			IBAN:            details.IBAN,
			Swift:           details.Swift,
		})
	}

	if _, err = tx.ExecContext(ctx,
		`UPDATE users SET currency_code = $1, updated_at = NOW() WHERE id = $2`, currency, userID); err != nil {
		return nil, NewInternalError("Failed to change currency", err)
	}

	if err = tx.Commit(); err != nil {
		return nil, NewInternalError("Failed to change currency", err)
	}

	log.Printf("[ACCOUNT] Currency changed to %s for user %d, %d accounts regenerated", currency, userID, len(updated))
	return updated, nil
}

// ReconciliationReport compares the stored balance against the signed sum of
// ledger-effective transactions for one account.
type ReconciliationReport struct {
	AccountNumber string          `json:"accountNumber"`
	Balance       decimal.Decimal `json:"balance"`
	LedgerSum     decimal.Decimal `json:"ledgerSum"`
	Divergence    decimal.Decimal `json:"divergence"`
	InSync        bool            `json:"inSync"`
}

// ReconcileAccount recomputes an account's balance from its transaction log.
// Debits count unless reversed; credits count once settled. The stored
// balance stays authoritative, divergence is flagged for investigation.
func (s *AccountService) ReconcileAccount(ctx context.Context, accountNumber string) (*ReconciliationReport, error) {
	var balance decimal.Decimal
	err := s.db.QueryRowContext(ctx,
		`SELECT balance FROM accounts WHERE account_number = $1`, accountNumber).Scan(&balance)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewNotFoundError("Account not found")
		}
		return nil, NewInternalError("Failed to reconcile account", err)
	}

	var ledgerSum decimal.Decimal
	err = s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(
			CASE
				WHEN amount < 0 AND status NOT IN ('REFUNDED', 'FAILED', 'DECLINED') THEN amount
				WHEN amount > 0 AND status = 'SUCCESSFUL' THEN amount
				ELSE 0
			END), 0)
		 FROM transactions WHERE account_number = $1`, accountNumber).Scan(&ledgerSum)
	if err != nil {
		return nil, NewInternalError("Failed to reconcile account", err)
	}

	divergence := balance.Sub(ledgerSum)
	return &ReconciliationReport{
		AccountNumber: accountNumber,
		Balance:       balance,
		LedgerSum:     ledgerSum,
		Divergence:    divergence,
		InSync:        divergence.IsZero(),
	}, nil
}

// Reconcile handles on-demand consistency checks
// @Summary Reconcile an account
// @Description Compare stored balance with the signed sum of its ledger entries
// @Tags admin
// @Produce json
// @Param accountNumber path string true "Account number"
// @Success 200 {object} ReconciliationReport
// @Failure 404 {object} ErrorResponse "Account not found"
// @Router /admin/accounts/{accountNumber}/reconcile [get]
func (s *AccountService) Reconcile(w http.ResponseWriter, r *http.Request) {
	accountNumber := chi.URLParam(r, "accountNumber")

	report, err := s.ReconcileAccount(r.Context(), accountNumber)
	if err != nil {
		SendAppError(w, err)
		return
	}

	if !report.InSync {
		log.Printf("[RECONCILE] Divergence on account %s: balance %s, ledger %s",
			report.AccountNumber, report.Balance, report.LedgerSum)
		s.audit.LogError(fmt.Sprintf("RECON-%s", accountNumber), accountNumber,
			fmt.Errorf("balance divergence of %s", report.Divergence))
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(report)
}

// UpdateCurrency handles a currency change request for the caller
// @Summary Change profile currency
// @Description Regenerate account numbers for a new currency, preserving balances
// @Tags accounts
// @Accept json
// @Produce json
// @Param request body map[string]string true "New currency code"
// @Success 200 {array} models.Account
// @Failure 400 {object} ErrorResponse "Invalid currency"
// @Router /accounts/currency [put]
func (s *AccountService) UpdateCurrency(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("userID").(int)
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	var req struct {
		CurrencyCode string `json:"currencyCode" validate:"required,len=3"`
	}
	if err := dec.Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request", http.StatusBadRequest, nil)
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

	accounts, err := s.ChangeCurrency(r.Context(), userID, req.CurrencyCode)
	if err != nil {
		log.Printf("[ACCOUNT] Currency change failed for user %d: %v", userID, err)
		SendAppError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(accounts)
}
