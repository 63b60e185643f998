package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	sq "github.com/Masterminds/squirrel"
	"github.com/go-chi/chi/v5"

	"github.com/prepwise/backend/internal/middleware"
	"github.com/prepwise/backend/internal/models"
)

var ErrSessionNotFound = errors.New("interview session not found")

// InterviewService serves the read side of interview sessions: the
// account's history list and the per-session feedback view.
type InterviewService struct {
	db *sql.DB
}

// SessionDetail is a session joined with its answers for the feedback view.
type SessionDetail struct {
	models.InterviewSession
	Answers []models.Answer `json:"answers"`
}

func NewInterviewService(db *sql.DB) *InterviewService {
	return &InterviewService{db: db}
}

// ListSessions returns the acting account's sessions, newest first.
// @Summary List own interview sessions
// @Tags interviews
// @Produce json
// @Param status query string false "Filter by status"
// @Param limit query int false "Max sessions (default 20)"
// @Success 200 {object} map[string]any
// @Router /interviews [get]
func (s *InterviewService) ListSessions(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.AccountID(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	limit := uint64(20)
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 100 {
			limit = uint64(l)
		}
	}

	q := sq.Select("id", "account_id", "status", "overall_score", "summary", "created_at", "updated_at").
		From("interview_sessions").
		Where(sq.Eq{"account_id": accountID}).
		OrderBy("created_at DESC").
		Limit(limit).
		PlaceholderFormat(sq.Dollar)

	if status := r.URL.Query().Get("status"); status != "" {
		q = q.Where(sq.Eq{"status": status})
	}

	sqlStr, args, err := q.ToSql()
	if err != nil {
		SendErrorResponse(w, "Failed to fetch sessions", http.StatusInternalServerError, nil)
		return
	}

	rows, err := s.db.QueryContext(r.Context(), sqlStr, args...)
	if err != nil {
		log.Printf("[INTERVIEWS] History query failed for account %s: %v", accountID, err)
		SendErrorResponse(w, "Failed to fetch sessions", http.StatusInternalServerError, nil)
		return
	}
	defer rows.Close()

	sessions := []models.InterviewSession{}
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			SendErrorResponse(w, "Failed to fetch sessions", http.StatusInternalServerError, nil)
			return
		}
		sessions = append(sessions, sess)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

// GetSession returns one session with its answers. Accounts can only see
// their own sessions; the query scopes by both id and account_id so a
// foreign id reads as not found.
// @Summary Get one interview session with answers
// @Tags interviews
// @Produce json
// @Param id path string true "Session ID"
// @Success 200 {object} SessionDetail
// @Failure 404 {object} ErrorResponse
// @Router /interviews/{id} [get]
func (s *InterviewService) GetSession(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.AccountID(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	sessionID := chi.URLParam(r, "id")
	detail, err := s.fetchSession(r.Context(), sessionID, accountID)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			SendErrorResponse(w, "Session not found", http.StatusNotFound, nil)
			return
		}
		log.Printf("[INTERVIEWS] Session fetch failed for %s: %v", sessionID, err)
		SendErrorResponse(w, "Failed to fetch session", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(detail)
}

// fetchSession loads a session with its answers. An empty accountID skips
// the ownership scope; only share-token resolution may do that.
func (s *InterviewService) fetchSession(ctx context.Context, sessionID, accountID string) (*SessionDetail, error) {
	query := `
		SELECT id, account_id, status, overall_score, summary, created_at, updated_at
		FROM interview_sessions WHERE id = $1`
	args := []any{sessionID}
	if accountID != "" {
		query += ` AND account_id = $2`
		args = append(args, accountID)
	}

	var detail SessionDetail
	var score sql.NullInt64
	var summary sql.NullString
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&detail.ID, &detail.AccountID, &detail.Status, &score, &summary, &detail.CreatedAt, &detail.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	if score.Valid {
		v := int(score.Int64)
		detail.OverallScore = &v
	}
	if summary.Valid {
		detail.Summary = &summary.String
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, question_id, position, transcript, evidence_refs, feedback, score
		FROM answers WHERE session_id = $1 ORDER BY position ASC`,
		sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	detail.Answers = []models.Answer{}
	for rows.Next() {
		var a models.Answer
		var evidence []byte
		var feedback sql.NullString
		var answerScore sql.NullInt64
		if err := rows.Scan(&a.ID, &a.SessionID, &a.QuestionID, &a.Position, &a.Transcript, &evidence, &feedback, &answerScore); err != nil {
			return nil, err
		}
		if len(evidence) > 0 {
			if err := json.Unmarshal(evidence, &a.EvidenceRefs); err != nil {
				log.Printf("[INTERVIEWS] Malformed evidence refs on answer %s: %v", a.ID, err)
			}
		}
		if feedback.Valid {
			a.Feedback = &feedback.String
		}
		if answerScore.Valid {
			v := int(answerScore.Int64)
			a.Score = &v
		}
		detail.Answers = append(detail.Answers, a)
	}

	return &detail, rows.Err()
}

func scanSession(rows *sql.Rows) (models.InterviewSession, error) {
	var sess models.InterviewSession
	var score sql.NullInt64
	var summary sql.NullString
	if err := rows.Scan(&sess.ID, &sess.AccountID, &sess.Status, &score, &summary, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
		return sess, err
	}
	if score.Valid {
		v := int(score.Int64)
		sess.OverallScore = &v
	}
	if summary.Valid {
		sess.Summary = &summary.String
	}
	return sess, nil
}
