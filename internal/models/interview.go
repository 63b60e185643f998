package models

import "time"

// Interview session statuses
const (
	StatusPending    = "PENDING"
	StatusProcessing = "PROCESSING"
	StatusCompleted  = "COMPLETED"
	StatusFailed     = "FAILED"
)

// InterviewSession is one complete practice attempt. It is created by the
// submission assembler in PENDING status and mutated only by the
// processing worker after a successful claim.
type InterviewSession struct {
	ID           string    `json:"id" db:"id"`
	AccountID    string    `json:"account_id" db:"account_id"`
	Status       string    `json:"status" db:"status"`
	OverallScore *int      `json:"overall_score,omitempty" db:"overall_score"`
	Summary      *string   `json:"summary,omitempty" db:"summary"` // JSON payload
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}

// Answer is one recorded response within a session. Transcript is resolved
// before submission; feedback and score are attached by the worker.
type Answer struct {
	ID           string   `json:"id" db:"id"`
	SessionID    string   `json:"session_id" db:"session_id"`
	QuestionID   string   `json:"question_id" db:"question_id"`
	Position     int      `json:"position" db:"position"`
	Transcript   string   `json:"transcript" db:"transcript"`
	EvidenceRefs []string `json:"evidence_refs" db:"evidence_refs"`
	Feedback     *string  `json:"feedback,omitempty" db:"feedback"` // JSON payload
	Score        *int     `json:"score,omitempty" db:"score"`
}
