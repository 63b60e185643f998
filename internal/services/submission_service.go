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
	"time"

	"github.com/google/uuid"

	"github.com/prepwise/backend/internal/middleware"
	"github.com/prepwise/backend/internal/models"
)

// SubmissionService assembles a completed set of per-question answers into
// one pending interview session.
type SubmissionService struct {
	db        *sql.DB
	credits   *CreditService
	validator *ValidationHelper
}

func NewSubmissionService(db *sql.DB, credits *CreditService) *SubmissionService {
	return &SubmissionService{
		db:        db,
		credits:   credits,
		validator: NewValidationHelper(),
	}
}

type AnswerTuple struct {
	QuestionID   string   `json:"questionId" validate:"required"`
	Transcript   string   `json:"transcript" validate:"required"`
	EvidenceRefs []string `json:"evidenceRefs"`
}

type SubmitRequest struct {
	Answers []AnswerTuple `json:"answers" validate:"required,min=1,dive"`
}

// SubmitInterview creates one PENDING session plus one answer row per
// tuple as a single transaction. An empty answer list is rejected; a unit
// with zero answers can never reach PENDING.
// @Summary Submit a completed interview
// @Tags interviews
// @Accept json
// @Produce json
// @Param request body SubmitRequest true "Ordered answers"
// @Success 201 {object} map[string]any
// @Failure 400 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /interviews [post]
func (s *SubmissionService) SubmitInterview(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.AccountID(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	maxBytes := 10 * 1024 * 1024
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	var req SubmitRequest
	if err := dec.Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
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

	sessionID, err := s.CreateSession(r.Context(), accountID, req.Answers)
	if err != nil {
		log.Printf("[SUBMISSION] Failed to submit interview for account %s: %v", accountID, err)
		SendErrorResponse(w, "Failed to submit interview", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]any{
		"success": true,
		"unitId":  sessionID,
	})
}

// CreateSession persists one PENDING session plus one answer row per
// tuple as a single transaction, so a partial failure leaves no orphaned
// unit behind.
func (s *SubmissionService) CreateSession(ctx context.Context, accountID string, answers []AnswerTuple) (string, error) {
	if len(answers) == 0 {
		return "", errors.New("at least one answer is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	sessionID := uuid.NewString()
	now := time.Now()
	if _, err := tx.Exec(`
		INSERT INTO interview_sessions (id, account_id, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)`,
		sessionID, accountID, models.StatusPending, now); err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}

	for i, answer := range answers {
		evidence, err := json.Marshal(answer.EvidenceRefs)
		if err != nil {
			return "", fmt.Errorf("encode evidence refs: %w", err)
		}
		if _, err := tx.Exec(`
			INSERT INTO answers (id, session_id, question_id, position, transcript, evidence_refs)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			uuid.NewString(), sessionID, answer.QuestionID, i, answer.Transcript, evidence); err != nil {
			// rollback discards the session row too
			return "", fmt.Errorf("persist answer %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}

	log.Printf("[SUBMISSION] Session %s created with %d answers for account %s", sessionID, len(answers), accountID)
	return sessionID, nil
}

// CheckEligibility reports whether the acting account may start a new
// interview. The balance gate lives here, at the point the subject is
// offered the option to start, not in the submission itself.
// @Summary Check interview eligibility
// @Tags interviews
// @Produce json
// @Success 200 {object} map[string]any
// @Router /interviews/eligibility [get]
func (s *SubmissionService) CheckEligibility(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.AccountID(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	balance, err := s.credits.Balance(r.Context(), accountID)
	if err != nil {
		log.Printf("[SUBMISSION] Eligibility check failed for account %s: %v", accountID, err)
		SendErrorResponse(w, "Failed to check eligibility", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"eligible": balance > 0,
		"balance":  balance,
	})
}
