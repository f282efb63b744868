package audit

import (
	"encoding/json"
	"log"
	"time"

	"github.com/shopspring/decimal"
)

type Event struct {
	Timestamp     time.Time `json:"timestamp"`
	EventType     string    `json:"event_type"`
	ReferenceID   string    `json:"reference_id"`
	AccountNumber string    `json:"account_number"`
	Amount        string    `json:"amount,omitempty"`
	Status        string    `json:"status"`
	AdminID       int       `json:"admin_id,omitempty"`
	Details       any       `json:"details,omitempty"`
}

// Logger appends structured audit events. Appends run after commit and are
// best effort; a failed append never affects the committed operation.
type Logger struct{}

func NewLogger() *Logger {
	return &Logger{}
}

func (a *Logger) LogTransfer(referenceID, fromAccount, toAccount string, amount decimal.Decimal, status string) {
	event := Event{
		Timestamp:     time.Now(),
		EventType:     "TRANSFER",
		ReferenceID:   referenceID,
		AccountNumber: fromAccount,
		Amount:        amount.String(),
		Status:        status,
		Details: map[string]string{
			"destination_account": toAccount,
		},
	}
	a.log(event)
}

func (a *Logger) LogStatusChange(referenceID string, from, to string, adminID int) {
	event := Event{
		Timestamp:   time.Now(),
		EventType:   "STATUS_CHANGE",
		ReferenceID: referenceID,
		Status:      to,
		AdminID:     adminID,
		Details:     map[string]string{"previous_status": from},
	}
	a.log(event)
}

func (a *Logger) LogAdjustment(referenceID, accountNumber string, amount decimal.Decimal, adminID int, description string) {
	event := Event{
		Timestamp:     time.Now(),
		EventType:     "BALANCE_ADJUSTMENT",
		ReferenceID:   referenceID,
		AccountNumber: accountNumber,
		Amount:        amount.String(),
		Status:        "SUCCESS",
		AdminID:       adminID,
		Details:       map[string]string{"description": description},
	}
	a.log(event)
}

func (a *Logger) LogDepositReview(depositID, accountNumber string, amount decimal.Decimal, adminID int, decision string) {
	event := Event{
		Timestamp:     time.Now(),
		EventType:     "DEPOSIT_REVIEW",
		ReferenceID:   depositID,
		AccountNumber: accountNumber,
		Amount:        amount.String(),
		Status:        decision,
		AdminID:       adminID,
	}
	a.log(event)
}

func (a *Logger) LogError(referenceID, accountNumber string, err error) {
	event := Event{
		Timestamp:     time.Now(),
		EventType:     "ERROR",
		ReferenceID:   referenceID,
		AccountNumber: accountNumber,
		Status:        "FAILED",
		Details:       map[string]string{"error": err.Error()},
	}
	a.log(event)
}

func (a *Logger) log(event Event) {
	data, _ := json.Marshal(event)
	log.Printf("AUDIT: %s", string(data))
}
