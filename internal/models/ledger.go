package models

import "time"

// Credit event kinds
const (
	EventGrant       = "GRANT"
	EventPurchase    = "PURCHASE"
	EventTransferOut = "TRANSFER_OUT"
	EventTransferIn  = "TRANSFER_IN"
)

// CreditEvent is an immutable, append-only record of a balance change.
// An account's balance is always the sum of its event quantities, never
// a separately maintained column.
type CreditEvent struct {
	ID            string    `json:"id" db:"id"`
	AccountID     string    `json:"account_id" db:"account_id"`
	Kind          string    `json:"kind" db:"kind"`
	Quantity      int64     `json:"quantity" db:"quantity"` // signed credits
	CounterpartID *string   `json:"counterpart_id,omitempty" db:"counterpart_id"`
	AmountCents   *int64    `json:"amount_cents,omitempty" db:"amount_cents"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}
