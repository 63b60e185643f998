package models

import "time"

type Question struct {
	ID            string    `json:"id" db:"id"`
	Text          string    `json:"text" db:"text"`
	Tags          []string  `json:"tags" db:"tags"` // expected keywords for scoring
	IdentityCheck bool      `json:"identity_check" db:"identity_check"`
	Position      int       `json:"position" db:"position"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}
