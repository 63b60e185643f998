package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"net/http"
	"time"

	"github.com/prepwise/backend/internal/ai"
	"github.com/prepwise/backend/internal/config"
	"github.com/prepwise/backend/internal/models"
)

// ProcessingService drives one claimed interview session through scoring,
// aggregation and finalization. It is stateless and safe to invoke from
// overlapping schedule ticks: exclusivity rests entirely on the
// conditional claim update, not on in-process locking.
type ProcessingService struct {
	db       *sql.DB
	scorer   ai.Scorer
	feedback *FeedbackService
	cfg      *config.WorkerConfig
}

func NewProcessingService(db *sql.DB, scorer ai.Scorer, feedback *FeedbackService, cfg *config.WorkerConfig) *ProcessingService {
	return &ProcessingService{
		db:       db,
		scorer:   scorer,
		feedback: feedback,
		cfg:      cfg,
	}
}

type ProcessResult struct {
	Processed bool   `json:"processed"`
	SessionID string `json:"sessionId,omitempty"`
	Status    string `json:"status,omitempty"`
	Message   string `json:"message"`
}

type answerRow struct {
	ID           string
	QuestionID   string
	Position     int
	Transcript   string
	EvidenceRefs []string
	QuestionText string
	Tags         []string
	Score        *int
	Feedback     []byte
}

// ProcessNext selects the oldest eligible pending session, claims it and
// processes it to a terminal status. A re-invocation with nothing eligible
// is a no-op.
func (s *ProcessingService) ProcessNext(ctx context.Context) (*ProcessResult, error) {
	cutoff := time.Now().Add(-s.cfg.GraceWindow)

	var sessionID, accountID string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, account_id FROM interview_sessions
		WHERE status = $1 AND created_at <= $2
		ORDER BY created_at ASC
		LIMIT 1`,
		models.StatusPending, cutoff).Scan(&sessionID, &accountID)
	if err == sql.ErrNoRows {
		return &ProcessResult{Processed: false, Message: "nothing to do"}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select eligible session: %w", err)
	}

	// Conditional claim keyed on id and expected prior status. Zero rows
	// affected means another invocation claimed it first; that is not an
	// error.
	res, err := s.db.ExecContext(ctx, `
		UPDATE interview_sessions SET status = $1, updated_at = $2
		WHERE id = $3 AND status = $4`,
		models.StatusProcessing, time.Now(), sessionID, models.StatusPending)
	if err != nil {
		return nil, fmt.Errorf("claim session %s: %w", sessionID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("claim session %s: %w", sessionID, err)
	}
	if affected == 0 {
		log.Printf("[WORKER] Session %s already claimed by another invocation", sessionID)
		return &ProcessResult{Processed: false, Message: "nothing to do"}, nil
	}

	log.Printf("[WORKER] Claimed session %s", sessionID)

	if err := s.processSession(ctx, sessionID); err != nil {
		log.Printf("[WORKER] Session %s failed: %v", sessionID, err)
		s.markFailed(sessionID)
		return &ProcessResult{
			Processed: true,
			SessionID: sessionID,
			Status:    models.StatusFailed,
			Message:   err.Error(),
		}, nil
	}

	return &ProcessResult{
		Processed: true,
		SessionID: sessionID,
		Status:    models.StatusCompleted,
		Message:   "session processed",
	}, nil
}

func (s *ProcessingService) processSession(ctx context.Context, sessionID string) error {
	answers, err := s.loadAnswers(ctx, sessionID)
	if err != nil {
		return err
	}
	if len(answers) == 0 {
		return fmt.Errorf("session %s has no answers", sessionID)
	}

	// One visual-analysis call per session, on the first answer carrying
	// evidence snapshots.
	visualIdx := -1
	for i, a := range answers {
		if len(a.EvidenceRefs) > 0 {
			visualIdx = i
			break
		}
	}

	scores := make([]int, len(answers))
	feedbackItems := make([]ai.AnswerFeedback, len(answers))

	for i := range answers {
		a := &answers[i]

		if a.Score != nil {
			// Already persisted by an earlier run; partial progress
			// survives a crash mid-unit. The stored feedback carries the
			// strengths and weaknesses the summary needs.
			scores[i] = *a.Score
			item := ai.AnswerFeedback{QuestionText: a.QuestionText, Score: *a.Score}
			if len(a.Feedback) > 0 {
				var stored struct {
					Strengths  string `json:"strengths"`
					Weaknesses string `json:"weaknesses"`
				}
				if err := json.Unmarshal(a.Feedback, &stored); err != nil {
					return fmt.Errorf("decode feedback for answer %s: %w", a.ID, err)
				}
				item.Strengths = stored.Strengths
				item.Weaknesses = stored.Weaknesses
			}
			feedbackItems[i] = item
			continue
		}

		result, err := s.scorer.ScoreAnswer(ctx, a.Transcript, a.QuestionText, a.Tags)
		if err != nil {
			return fmt.Errorf("score answer %s: %w", a.ID, err)
		}

		finalScore := result.Score
		payload := map[string]any{
			"score":           result.Score,
			"strengths":       result.Strengths,
			"weaknesses":      result.Weaknesses,
			"grammarFeedback": result.GrammarFeedback,
		}

		if i == visualIdx {
			visual, err := s.scorer.AnalyzeEvidence(ctx, a.EvidenceRefs)
			if err != nil {
				return fmt.Errorf("analyze evidence for answer %s: %w", a.ID, err)
			}
			// 70% transcript-derived, 30% visual; avoids over-weighting a
			// single-modality signal.
			finalScore = int(math.Round(s.cfg.TranscriptWeight*float64(result.Score) + s.cfg.VisualWeight*float64(visual.VisualScore)))
			payload["visualScore"] = visual.VisualScore
			payload["visualFeedback"] = visual.VisualFeedback
		}

		// Persisted immediately rather than batched. The external call is
		// not idempotent: a crash between this call succeeding and the
		// write landing means a manual retry scores the answer twice.
		feedbackJSON, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode feedback for answer %s: %w", a.ID, err)
		}
		if _, err := s.db.ExecContext(ctx, `
			UPDATE answers SET feedback = $1, score = $2 WHERE id = $3`,
			feedbackJSON, finalScore, a.ID); err != nil {
			return fmt.Errorf("persist score for answer %s: %w", a.ID, err)
		}

		scores[i] = finalScore
		feedbackItems[i] = ai.AnswerFeedback{
			QuestionText: a.QuestionText,
			Score:        finalScore,
			Strengths:    result.Strengths,
			Weaknesses:   result.Weaknesses,
		}
	}

	var sum int
	for _, score := range scores {
		sum += score
	}
	overall := int(math.Round(float64(sum) / float64(len(scores))))

	summary, err := s.feedback.Aggregate(ctx, feedbackItems)
	if err != nil {
		return fmt.Errorf("aggregate session %s: %w", sessionID, err)
	}

	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("encode summary for session %s: %w", sessionID, err)
	}

	if _, err := s.db.ExecContext(ctx, `
		UPDATE interview_sessions SET overall_score = $1, summary = $2, status = $3, updated_at = $4
		WHERE id = $5`,
		overall, summaryJSON, models.StatusCompleted, time.Now(), sessionID); err != nil {
		return fmt.Errorf("finalize session %s: %w", sessionID, err)
	}

	log.Printf("[WORKER] Session %s completed with overall score %d", sessionID, overall)
	return nil
}

func (s *ProcessingService) loadAnswers(ctx context.Context, sessionID string) ([]answerRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.id, a.question_id, a.position, a.transcript, a.evidence_refs, a.feedback, a.score, q.text, q.tags
		FROM answers a
		JOIN questions q ON q.id = a.question_id
		WHERE a.session_id = $1
		ORDER BY a.position ASC`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("load answers for session %s: %w", sessionID, err)
	}
	defer rows.Close()

	var answers []answerRow
	for rows.Next() {
		var a answerRow
		var evidence, tags []byte
		var score sql.NullInt64
		if err := rows.Scan(&a.ID, &a.QuestionID, &a.Position, &a.Transcript, &evidence, &a.Feedback, &score, &a.QuestionText, &tags); err != nil {
			return nil, fmt.Errorf("scan answer row: %w", err)
		}
		if len(evidence) > 0 {
			if err := json.Unmarshal(evidence, &a.EvidenceRefs); err != nil {
				return nil, fmt.Errorf("decode evidence refs for answer %s: %w", a.ID, err)
			}
		}
		if len(tags) > 0 {
			if err := json.Unmarshal(tags, &a.Tags); err != nil {
				return nil, fmt.Errorf("decode tags for answer %s: %w", a.ID, err)
			}
		}
		if score.Valid {
			v := int(score.Int64)
			a.Score = &v
		}
		answers = append(answers, a)
	}

	return answers, rows.Err()
}

// markFailed terminates the unit. FAILED is terminal; reprocessing
// requires a new submission. Already-persisted per-answer scores are left
// in place. It runs on its own context: the failure being recorded may be
// the request context expiring, and the status write must still land or
// the session is stranded in PROCESSING.
func (s *ProcessingService) markFailed(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := s.db.ExecContext(ctx, `
		UPDATE interview_sessions SET status = $1, updated_at = $2 WHERE id = $3`,
		models.StatusFailed, time.Now(), sessionID); err != nil {
		log.Printf("[WORKER] Failed to mark session %s as failed: %v", sessionID, err)
	}
}

// HandleRun is the externally scheduled entry point.
// @Summary Run one processing pass
// @Tags worker
// @Produce json
// @Success 200 {object} ProcessResult
// @Failure 401 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /worker/run [post]
func (s *ProcessingService) HandleRun(w http.ResponseWriter, r *http.Request) {
	result, err := s.ProcessNext(r.Context())
	if err != nil {
		log.Printf("[WORKER] Processing pass failed: %v", err)
		SendErrorResponse(w, "Processing pass failed", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}
