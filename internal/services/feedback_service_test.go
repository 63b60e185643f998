package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/prepwise/backend/internal/ai"
)

func TestFeedbackService_Aggregate(t *testing.T) {
	items := []ai.AnswerFeedback{
		{QuestionText: "Question one", Score: 80, Strengths: "clear", Weaknesses: "short"},
		{QuestionText: "Question two", Score: 60, Strengths: "honest", Weaknesses: "vague"},
	}

	t.Run("passes summary through", func(t *testing.T) {
		scorer := new(MockScorer)
		scorer.On("SummarizeSession", mock.Anything, items).
			Return(&ai.SessionSummary{
				OverallStrengths:  "communicates clearly",
				OverallWeaknesses: "answers lack depth",
				FinalTips:         "prepare concrete examples",
			}, nil)

		service := NewFeedbackService(scorer)
		summary, err := service.Aggregate(context.Background(), items)
		assert.NoError(t, err)
		assert.Equal(t, "communicates clearly", summary.OverallStrengths)
	})

	t.Run("summarization failure degrades instead of failing the unit", func(t *testing.T) {
		scorer := new(MockScorer)
		scorer.On("SummarizeSession", mock.Anything, items).
			Return(nil, assert.AnError)

		service := NewFeedbackService(scorer)
		summary, err := service.Aggregate(context.Background(), items)
		assert.NoError(t, err)
		assert.NotEmpty(t, summary.OverallStrengths)
		assert.NotEmpty(t, summary.OverallWeaknesses)
		assert.NotEmpty(t, summary.FinalTips)
	})

	t.Run("empty list is a contract violation", func(t *testing.T) {
		scorer := new(MockScorer)
		service := NewFeedbackService(scorer)

		_, err := service.Aggregate(context.Background(), nil)
		assert.Error(t, err)
		scorer.AssertNotCalled(t, "SummarizeSession", mock.Anything, mock.Anything)
	})
}
