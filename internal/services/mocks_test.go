package services

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/prepwise/backend/internal/ai"
)

type MockScorer struct {
	mock.Mock
}

func (m *MockScorer) ScoreAnswer(ctx context.Context, transcript, questionText string, tags []string) (*ai.AnswerScore, error) {
	args := m.Called(ctx, transcript, questionText, tags)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*ai.AnswerScore), args.Error(1)
}

func (m *MockScorer) AnalyzeEvidence(ctx context.Context, imageRefs []string) (*ai.VisualAnalysis, error) {
	args := m.Called(ctx, imageRefs)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*ai.VisualAnalysis), args.Error(1)
}

func (m *MockScorer) SummarizeSession(ctx context.Context, items []ai.AnswerFeedback) (*ai.SessionSummary, error) {
	args := m.Called(ctx, items)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*ai.SessionSummary), args.Error(1)
}
