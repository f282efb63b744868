package services

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/meridianbank/backend/internal/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestStatusService_SetTransactionStatus(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	mailer := &recordingMailer{}
	service := NewStatusService(db, NewOutbox(nil, mailer))

	const refID = "TRF-11111111-2222-3333-4444-555555555555"

	selectTransaction := func() *sqlmock.ExpectedQuery {
		return mock.ExpectQuery("SELECT id, user_id, amount, account_number, currency_code, status, is_internal, COALESCE\\(destination_account_number, ''\\)").
			WithArgs(refID)
	}
	transactionRow := func(amount, status string, isInternal bool) *sqlmock.Rows {
		return sqlmock.NewRows([]string{"id", "user_id", "amount", "account_number", "currency_code", "status", "is_internal", "destination_account_number"}).
			AddRow(10, 1, amount, "1482913507", "USD", status, isInternal, "5482913811")
	}

	t.Run("internal completion settles the credit leg", func(t *testing.T) {
		mock.ExpectBegin()
		selectTransaction().WillReturnRows(transactionRow("-40", "PROCESSING", true))
		mock.ExpectQuery("SELECT email FROM users WHERE id = \\$1").
			WithArgs(1).
			WillReturnRows(sqlmock.NewRows([]string{"email"}).AddRow("sender@example.com"))
		mock.ExpectQuery("SELECT a.id, a.user_id, a.balance, a.account_type, a.currency_code, u.email").
			WithArgs("5482913811").
			WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "balance", "account_type", "currency_code", "email"}).
				AddRow(20, 2, "500.00", "SAVINGS", "USD", "recipient@example.com"))
		mock.ExpectExec("UPDATE accounts SET balance = \\$1, updated_at = NOW\\(\\) WHERE id = \\$2").
			WithArgs("540", 20).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO transactions").
			WithArgs(2, refID+"-CR", "5482913811", "SAVINGS", "40", "USD",
				string(models.StatusSuccessful), refID, 99).
			WillReturnResult(sqlmock.NewResult(2, 1))
		mock.ExpectExec("UPDATE transactions SET status = \\$1, last_updated_by_admin = \\$2").
			WithArgs(string(models.StatusSuccessful), 99, 10).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		result, err := service.SetTransactionStatus(context.Background(), 99, refID, models.StatusSuccessful)
		assert.NoError(t, err)
		assert.Equal(t, models.StatusSuccessful, result.Status)
		assert.Equal(t, refID+"-CR", result.CreditReferenceID)

		debit := decimal.RequireFromString("-40")
		credit := decimal.RequireFromString("40")
		assert.True(t, debit.Add(credit).IsZero())
		assert.True(t, credit.Equal(debit.Neg()))
		assert.NoError(t, mock.ExpectationsWereMet())

		sent := mailer.deliveries()
		assert.Len(t, sent, 2)
		assert.Equal(t, "transfer_status_changed", sent[0].template)
		assert.Equal(t, "funds_received", sent[1].template)
		assert.Equal(t, "recipient@example.com", sent[1].recipient)
	})

	t.Run("external completion has no credit leg", func(t *testing.T) {
		mock.ExpectBegin()
		selectTransaction().WillReturnRows(transactionRow("-40", "PROCESSING", false))
		mock.ExpectQuery("SELECT email FROM users WHERE id = \\$1").
			WithArgs(1).
			WillReturnRows(sqlmock.NewRows([]string{"email"}).AddRow("sender@example.com"))
		mock.ExpectExec("UPDATE transactions SET status = \\$1, last_updated_by_admin = \\$2").
			WithArgs(string(models.StatusSuccessful), 99, 10).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		result, err := service.SetTransactionStatus(context.Background(), 99, refID, models.StatusSuccessful)
		assert.NoError(t, err)
		assert.Empty(t, result.CreditReferenceID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing recipient aborts the whole transition", func(t *testing.T) {
		mock.ExpectBegin()
		selectTransaction().WillReturnRows(transactionRow("-40", "PROCESSING", true))
		mock.ExpectQuery("SELECT email FROM users WHERE id = \\$1").
			WithArgs(1).
			WillReturnRows(sqlmock.NewRows([]string{"email"}).AddRow("sender@example.com"))
		mock.ExpectQuery("SELECT a.id, a.user_id, a.balance, a.account_type, a.currency_code, u.email").
			WithArgs("5482913811").
			WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "balance", "account_type", "currency_code", "email"}))
		mock.ExpectRollback()

		_, err := service.SetTransactionStatus(context.Background(), 99, refID, models.StatusSuccessful)
		assert.Error(t, err)
		assert.Equal(t, KindNotFound, KindOf(err))
		assert.Contains(t, err.Error(), "Recipient account not found")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("double settlement of the credit leg is a conflict", func(t *testing.T) {
		mock.ExpectBegin()
		selectTransaction().WillReturnRows(transactionRow("-40", "PROCESSING", true))
		mock.ExpectQuery("SELECT email FROM users WHERE id = \\$1").
			WithArgs(1).
			WillReturnRows(sqlmock.NewRows([]string{"email"}).AddRow("sender@example.com"))
		mock.ExpectQuery("SELECT a.id, a.user_id, a.balance, a.account_type, a.currency_code, u.email").
			WithArgs("5482913811").
			WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "balance", "account_type", "currency_code", "email"}).
				AddRow(20, 2, "500.00", "SAVINGS", "USD", "recipient@example.com"))
		mock.ExpectExec("UPDATE accounts SET balance = \\$1, updated_at = NOW\\(\\) WHERE id = \\$2").
			WithArgs("540", 20).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO transactions").
			WillReturnError(&pq.Error{Code: "23505"})
		mock.ExpectRollback()

		_, err := service.SetTransactionStatus(context.Background(), 99, refID, models.StatusSuccessful)
		assert.Error(t, err)
		assert.Equal(t, KindConflict, KindOf(err))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("reversal of an uncompleted debit restores the source", func(t *testing.T) {
		mock.ExpectBegin()
		selectTransaction().WillReturnRows(transactionRow("-40", "PROCESSING", false))
		mock.ExpectQuery("SELECT email FROM users WHERE id = \\$1").
			WithArgs(1).
			WillReturnRows(sqlmock.NewRows([]string{"email"}).AddRow("sender@example.com"))
		mock.ExpectQuery("SELECT id, balance FROM accounts WHERE account_number = \\$1 FOR UPDATE").
			WithArgs("1482913507").
			WillReturnRows(sqlmock.NewRows([]string{"id", "balance"}).AddRow(11, "60.00"))
		mock.ExpectExec("UPDATE accounts SET balance = \\$1, updated_at = NOW\\(\\) WHERE id = \\$2").
			WithArgs("100", 11).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE transactions SET status = \\$1, last_updated_by_admin = \\$2").
			WithArgs(string(models.StatusFailed), 99, 10).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		result, err := service.SetTransactionStatus(context.Background(), 99, refID, models.StatusFailed)
		assert.NoError(t, err)
		assert.Equal(t, models.StatusFailed, result.Status)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("reversal of a credit leg moves no funds", func(t *testing.T) {
		mock.ExpectBegin()
		selectTransaction().WillReturnRows(transactionRow("40", "PROCESSING", true))
		mock.ExpectQuery("SELECT email FROM users WHERE id = \\$1").
			WithArgs(1).
			WillReturnRows(sqlmock.NewRows([]string{"email"}).AddRow("sender@example.com"))
		mock.ExpectExec("UPDATE transactions SET status = \\$1, last_updated_by_admin = \\$2").
			WithArgs(string(models.StatusDeclined), 99, 10).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		_, err := service.SetTransactionStatus(context.Background(), 99, refID, models.StatusDeclined)
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("terminal transaction rejects further transitions", func(t *testing.T) {
		mock.ExpectBegin()
		selectTransaction().WillReturnRows(transactionRow("-40", "SUCCESSFUL", true))
		mock.ExpectRollback()

		_, err := service.SetTransactionStatus(context.Background(), 99, refID, models.StatusRefunded)
		assert.Error(t, err)
		assert.Equal(t, KindConflict, KindOf(err))
		assert.Contains(t, err.Error(), "already finalized as SUCCESSFUL")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("requesting the current status is an idempotent no-op", func(t *testing.T) {
		mock.ExpectBegin()
		selectTransaction().WillReturnRows(transactionRow("-40", "SUCCESSFUL", true))
		mock.ExpectRollback()

		result, err := service.SetTransactionStatus(context.Background(), 99, refID, models.StatusSuccessful)
		assert.NoError(t, err)
		assert.Equal(t, models.StatusSuccessful, result.Status)
		assert.Empty(t, result.CreditReferenceID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown transaction", func(t *testing.T) {
		mock.ExpectBegin()
		selectTransaction().WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "amount", "account_number", "currency_code", "status", "is_internal", "destination_account_number"}))
		mock.ExpectRollback()

		_, err := service.SetTransactionStatus(context.Background(), 99, refID, models.StatusPending)
		assert.Error(t, err)
		assert.Equal(t, KindNotFound, KindOf(err))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
