package services

import (
	"context"
	"errors"
	"log"

	"github.com/prepwise/backend/internal/ai"
)

// Fallback payload used when summarization is unavailable. A summarization
// hiccup must not discard already-computed per-answer scores, so the
// aggregate degrades instead of failing the unit.
var fallbackSummary = ai.SessionSummary{
	OverallStrengths:  "Summary generation was unavailable for this session. Review the per-question feedback below.",
	OverallWeaknesses: "Summary generation was unavailable for this session. Review the per-question feedback below.",
	FinalTips:         "Re-read each question's strengths and weaknesses and focus your next practice session on the lowest-scoring answers.",
}

// FeedbackService combines per-answer feedback into a session-level
// summary.
type FeedbackService struct {
	scorer ai.Scorer
}

func NewFeedbackService(scorer ai.Scorer) *FeedbackService {
	return &FeedbackService{scorer: scorer}
}

// Aggregate produces the session summary from ordered per-question
// feedback. It must never be called with an empty list; the worker
// guarantees at least one answer exists per unit.
func (s *FeedbackService) Aggregate(ctx context.Context, items []ai.AnswerFeedback) (*ai.SessionSummary, error) {
	if len(items) == 0 {
		return nil, errors.New("aggregate called with no feedback items")
	}

	summary, err := s.scorer.SummarizeSession(ctx, items)
	if err != nil {
		log.Printf("[FEEDBACK] Summarization failed, using fallback: %v", err)
		degraded := fallbackSummary
		return &degraded, nil
	}

	return summary, nil
}
