package services

import (
	"context"
	"fmt"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/meridianbank/backend/internal/models"
	"github.com/stretchr/testify/assert"
)

func TestGenerateAccountNumber(t *testing.T) {
	t.Run("checking numbers start with 1", func(t *testing.T) {
		details := GenerateAccountNumber("USD", models.AccountChecking)
		assert.Len(t, details.AccountNumber, 10)
		assert.Equal(t, byte('1'), details.AccountNumber[0])
	})

	t.Run("savings numbers start with 5", func(t *testing.T) {
		details := GenerateAccountNumber("USD", models.AccountSavings)
		assert.Len(t, details.AccountNumber, 10)
		assert.Equal(t, byte('5'), details.AccountNumber[0])
	})

	t.Run("routing metadata follows the currency", func(t *testing.T) {
		usd := GenerateAccountNumber("USD", models.AccountChecking)
		assert.Equal(t, "026009593", usd.DomesticRouting)
		assert.Equal(t, "MERIUS33", usd.Swift)
		assert.Equal(t, "US", usd.IBAN[:2])

		gbp := GenerateAccountNumber("gbp", models.AccountChecking)
		assert.Equal(t, "40-47-84", gbp.DomesticRouting)
		assert.Equal(t, "GB", gbp.IBAN[:2])
	})

	t.Run("unknown currency falls back to USD routing", func(t *testing.T) {
		details := GenerateAccountNumber("XYZ", models.AccountChecking)
		assert.Equal(t, "026009593", details.DomesticRouting)
	})

	t.Run("iban carries valid mod-97 check digits", func(t *testing.T) {
		details := GenerateAccountNumber("EUR", models.AccountSavings)
		// Rearranged IBAN must be congruent to 1 mod 97.
		rearranged := details.IBAN[4:] + details.IBAN[:4]
		assert.Equal(t, 1, ibanMod97(rearranged), "IBAN %s", details.IBAN)
	})
}

func TestAccountService_GenerateUniqueAccountNumber(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewAccountService(db, NewOutbox(nil, &recordingMailer{}))

	t.Run("first candidate free", func(t *testing.T) {
		service.generate = func(currencyCode string, accountType models.AccountType) AccountDetails {
			return AccountDetails{AccountNumber: "1000000001"}
		}

		mock.ExpectQuery("SELECT EXISTS").
			WithArgs("1000000001").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

		details, err := service.generateUniqueAccountNumber(context.Background(), "USD", models.AccountChecking)
		assert.NoError(t, err)
		assert.Equal(t, "1000000001", details.AccountNumber)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("collision retries with a fresh candidate", func(t *testing.T) {
		call := 0
		service.generate = func(currencyCode string, accountType models.AccountType) AccountDetails {
			call++
			return AccountDetails{AccountNumber: fmt.Sprintf("100000000%d", call)}
		}

		mock.ExpectQuery("SELECT EXISTS").
			WithArgs("1000000001").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
		mock.ExpectQuery("SELECT EXISTS").
			WithArgs("1000000002").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

		details, err := service.generateUniqueAccountNumber(context.Background(), "USD", models.AccountChecking)
		assert.NoError(t, err)
		assert.Equal(t, "1000000002", details.AccountNumber)
		assert.Equal(t, 2, call)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("attempt ceiling surfaces an internal error", func(t *testing.T) {
		service.generate = func(currencyCode string, accountType models.AccountType) AccountDetails {
			return AccountDetails{AccountNumber: "1000000009"}
		}

		for i := 0; i < accountNumberMaxAttempts; i++ {
			mock.ExpectQuery("SELECT EXISTS").
				WithArgs("1000000009").
				WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
		}

		_, err := service.generateUniqueAccountNumber(context.Background(), "USD", models.AccountChecking)
		assert.Error(t, err)
		assert.Equal(t, KindInternal, KindOf(err))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
