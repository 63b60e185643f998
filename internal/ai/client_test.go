package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(handler http.HandlerFunc) (*Client, *httptest.Server) {
	srv := httptest.NewServer(handler)
	c := &Client{
		apiKey:     "test-key",
		model:      "test-model",
		endpoint:   srv.URL,
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
	return c, srv
}

func completionWith(content string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]string{"content": content}},
			},
		})
	}
}

func TestClient_ScoreAnswer(t *testing.T) {
	t.Run("decodes a well-formed score", func(t *testing.T) {
		var captured map[string]any
		c, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
			require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
			completionWith(`{"score":82,"strengths":"specific examples","weaknesses":"pacing","grammarFeedback":"fine"}`)(w, r)
		})
		defer srv.Close()

		score, err := c.ScoreAnswer(context.Background(), "I led the migration.", "Tell me about a project.", []string{"leadership"})
		require.NoError(t, err)
		assert.Equal(t, 82, score.Score)
		assert.Equal(t, "specific examples", score.Strengths)

		format, ok := captured["response_format"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "json_object", format["type"])
	})

	t.Run("rejects a score out of range", func(t *testing.T) {
		c, srv := newTestClient(completionWith(`{"score":150,"strengths":"","weaknesses":"","grammarFeedback":""}`))
		defer srv.Close()

		_, err := c.ScoreAnswer(context.Background(), "answer", "question", nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "out of range")
	})

	t.Run("surfaces the api error message", func(t *testing.T) {
		c, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprint(w, `{"error":{"message":"rate limited","type":"rate_limit_error"}}`)
		})
		defer srv.Close()

		_, err := c.ScoreAnswer(context.Background(), "answer", "question", nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "rate limited")
	})

	t.Run("fails fast without an api key", func(t *testing.T) {
		c := &Client{httpClient: http.DefaultClient}

		_, err := c.ScoreAnswer(context.Background(), "answer", "question", nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "api key")
	})
}

func TestClient_AnalyzeEvidence(t *testing.T) {
	t.Run("attaches each snapshot as an image part", func(t *testing.T) {
		var captured map[string]any
		c, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
			require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
			completionWith(`{"visualScore":64,"visualFeedback":"good framing"}`)(w, r)
		})
		defer srv.Close()

		analysis, err := c.AnalyzeEvidence(context.Background(), []string{"https://cdn.example/a.jpg", "https://cdn.example/b.jpg"})
		require.NoError(t, err)
		assert.Equal(t, 64, analysis.VisualScore)

		messages := captured["messages"].([]any)
		user := messages[1].(map[string]any)
		parts := user["content"].([]any)
		assert.Len(t, parts, 3) // text part plus two images
	})

	t.Run("requires at least one snapshot", func(t *testing.T) {
		c := &Client{apiKey: "test-key", httpClient: http.DefaultClient}

		_, err := c.AnalyzeEvidence(context.Background(), nil)
		require.Error(t, err)
	})
}

func TestClient_SummarizeSession(t *testing.T) {
	c, srv := newTestClient(completionWith(`{"overallStrengths":"structure","overallWeaknesses":"depth","finalTips":"use STAR"}`))
	defer srv.Close()

	summary, err := c.SummarizeSession(context.Background(), []AnswerFeedback{
		{QuestionText: "Tell me about yourself.", Score: 80, Strengths: "clear", Weaknesses: "long"},
	})
	require.NoError(t, err)
	assert.Equal(t, "use STAR", summary.FinalTips)
}
