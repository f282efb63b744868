package services

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"math/rand"
	"strings"
	"time"

	"github.com/meridianbank/backend/internal/models"
)

const accountNumberMaxAttempts = 10

// AccountDetails is a structurally valid account-number candidate with its
// routing metadata. Candidates derive from a low-entropy source (current time
// plus a short random suffix), so callers must pair generation with the
// uniqueness retry wrapper and a hard store constraint.
type AccountDetails struct {
	AccountNumber   string
	DomesticRouting string
	IBAN            string
	Swift           string
}

var currencyRouting = map[string]struct {
	routing string
	swift   string
	country string
}{
	"USD": {routing: "026009593", swift: "MERIUS33", country: "US"},
	"GBP": {routing: "40-47-84", swift: "MERIGB2L", country: "GB"},
	"EUR": {routing: "37040044", swift: "MERIDEFF", country: "DE"},
	"NGN": {routing: "058152036", swift: "MERINGLA", country: "NG"},
}

func accountTypeDigit(accountType models.AccountType) string {
	switch accountType {
	case models.AccountChecking:
		return "1"
	case models.AccountSavings:
		return "5"
	default:
		return "9"
	}
}

// GenerateAccountNumber produces a candidate account number for the given
// currency and type: a type-coded first digit followed by six digits taken
// from the clock and a three-digit random suffix.
func GenerateAccountNumber(currencyCode string, accountType models.AccountType) AccountDetails {
	meta, ok := currencyRouting[strings.ToUpper(currencyCode)]
	if !ok {
		meta = currencyRouting["USD"]
	}

	number := fmt.Sprintf("%s%06d%03d",
		accountTypeDigit(accountType),
		time.Now().Unix()%1_000_000,
		rand.Intn(1000))

	return AccountDetails{
		AccountNumber:   number,
		DomesticRouting: meta.routing,
		IBAN:            buildIBAN(meta.country, number),
		Swift:           meta.swift,
	}
}

// buildIBAN assembles a demo IBAN with valid mod-97 check digits over the
// bank code MERI and the account number.
func buildIBAN(country, accountNumber string) string {
	bban := "MERI" + accountNumber
	check := 98 - ibanMod97(bban+country+"00")
	return fmt.Sprintf("%s%02d%s", country, check, bban)
}

func ibanMod97(s string) int {
	var numeric strings.Builder
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			numeric.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			fmt.Fprintf(&numeric, "%d", r-'A'+10)
		}
	}
	n := new(big.Int)
	n.SetString(numeric.String(), 10)
	return int(new(big.Int).Mod(n, big.NewInt(97)).Int64())
}

// generateUniqueAccountNumber retries candidate generation against the store
// until an unused number is found or the attempt ceiling is hit. The lookup
// is advisory; the accounts table's unique constraint is the final arbiter.
func (s *AccountService) generateUniqueAccountNumber(ctx context.Context, currencyCode string, accountType models.AccountType) (AccountDetails, error) {
	for attempt := 0; attempt < accountNumberMaxAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * 25 * time.Millisecond)
		}

		details := s.generate(currencyCode, accountType)

		var exists bool
		err := s.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM accounts WHERE account_number = $1)`,
			details.AccountNumber).Scan(&exists)
		if err != nil {
			return AccountDetails{}, NewInternalError("Failed to verify account number", err)
		}
		if !exists {
			return details, nil
		}

		log.Printf("[REGISTER] Account number collision on %s, attempt %d", details.AccountNumber, attempt+1)
	}

	return AccountDetails{}, NewInternalError("Could not allocate a unique account number", nil)
}
