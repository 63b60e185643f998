package audit

import (
	"encoding/json"
	"log"
	"time"
)

type Event struct {
	Timestamp time.Time `json:"timestamp"`
	EventType string    `json:"event_type"`
	EventID   string    `json:"event_id"`
	AccountID string    `json:"account_id"`
	Quantity  int64     `json:"quantity"`
	Status    string    `json:"status"`
	Details   any       `json:"details"`
}

type Logger struct{}

func NewLogger() *Logger {
	return &Logger{}
}

func (a *Logger) LogTransfer(eventID, fromAccount, toAccount string, quantity int64, status string) {
	event := Event{
		Timestamp: time.Now(),
		EventType: "TRANSFER",
		EventID:   eventID,
		Quantity:  quantity,
		Status:    status,
		Details: map[string]string{
			"from_account": fromAccount,
			"to_account":   toAccount,
		},
	}
	a.log(event)
}

func (a *Logger) LogError(eventID, accountID string, err error) {
	event := Event{
		Timestamp: time.Now(),
		EventType: "ERROR",
		EventID:   eventID,
		AccountID: accountID,
		Status:    "FAILED",
		Details:   map[string]string{"error": err.Error()},
	}
	a.log(event)
}

// LogCriticalInconsistency records a ledger write that may have partially
// applied. These events require manual remediation and are never
// auto-corrected.
func (a *Logger) LogCriticalInconsistency(eventID, accountID string, err error) {
	event := Event{
		Timestamp: time.Now(),
		EventType: "LEDGER_INCONSISTENCY",
		EventID:   eventID,
		AccountID: accountID,
		Status:    "CRITICAL",
		Details:   map[string]string{"error": err.Error()},
	}
	a.log(event)
}

func (a *Logger) LogOperation(eventID, accountID, operation, details string) {
	event := Event{
		Timestamp: time.Now(),
		EventType: operation,
		EventID:   eventID,
		AccountID: accountID,
		Status:    "SUCCESS",
		Details:   map[string]string{"details": details},
	}
	a.log(event)
}

func (a *Logger) log(event Event) {
	data, _ := json.Marshal(event)
	log.Printf("AUDIT: %s", string(data))
}
