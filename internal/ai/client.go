package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	chatCompletionsEndpoint = "https://api.openai.com/v1/chat/completions"
	requestTimeout          = 2 * time.Minute
)

// AnswerScore is the scoring service contract for one answer.
type AnswerScore struct {
	Score           int    `json:"score"`
	Strengths       string `json:"strengths"`
	Weaknesses      string `json:"weaknesses"`
	GrammarFeedback string `json:"grammarFeedback"`
}

// VisualAnalysis is the visual-analysis service contract for the evidence
// snapshots of one session.
type VisualAnalysis struct {
	VisualScore    int    `json:"visualScore"`
	VisualFeedback string `json:"visualFeedback"`
}

// SessionSummary is the summarization service contract.
type SessionSummary struct {
	OverallStrengths  string `json:"overallStrengths"`
	OverallWeaknesses string `json:"overallWeaknesses"`
	FinalTips         string `json:"finalTips"`
}

// AnswerFeedback is one aggregation input tuple.
type AnswerFeedback struct {
	QuestionText string `json:"question"`
	Score        int    `json:"score"`
	Strengths    string `json:"strengths"`
	Weaknesses   string `json:"weaknesses"`
}

// Scorer is the external model boundary the pipeline depends on.
type Scorer interface {
	ScoreAnswer(ctx context.Context, transcript, questionText string, tags []string) (*AnswerScore, error)
	AnalyzeEvidence(ctx context.Context, imageRefs []string) (*VisualAnalysis, error)
	SummarizeSession(ctx context.Context, items []AnswerFeedback) (*SessionSummary, error)
}

const scoringSystemPrompt = "You are an interview coach. Score the candidate's answer against the question and the expected keywords. Respond with a JSON object: {\"score\": 0-100, \"strengths\": string, \"weaknesses\": string, \"grammarFeedback\": string}."

const visualSystemPrompt = "You are reviewing webcam snapshots taken during an interview answer. Assess presence and presentation. Respond with a JSON object: {\"visualScore\": 0-100, \"visualFeedback\": string}."

const summarySystemPrompt = "You are an interview coach. Given per-question feedback for one practice session, produce a JSON object: {\"overallStrengths\": string, \"overallWeaknesses\": string, \"finalTips\": string}."

type Client struct {
	apiKey     string
	model      string
	endpoint   string
	httpClient *http.Client
}

func NewClient() *Client {
	viper.SetDefault("ai.model", "gpt-4o-mini")
	viper.SetDefault("ai.endpoint", chatCompletionsEndpoint)

	return &Client{
		apiKey:   viper.GetString("ai.api_key"),
		model:    viper.GetString("ai.model"),
		endpoint: viper.GetString("ai.endpoint"),
		httpClient: &http.Client{
			Timeout: requestTimeout,
		},
	}
}

func (c *Client) ScoreAnswer(ctx context.Context, transcript, questionText string, tags []string) (*AnswerScore, error) {
	user := fmt.Sprintf("Question: %s\nExpected keywords: %s\nAnswer transcript: %s",
		questionText, strings.Join(tags, ", "), transcript)

	var result AnswerScore
	if err := c.completeJSON(ctx, scoringSystemPrompt, user, nil, &result); err != nil {
		return nil, err
	}

	if result.Score < 0 || result.Score > 100 {
		return nil, fmt.Errorf("scoring service returned score out of range: %d", result.Score)
	}

	return &result, nil
}

func (c *Client) AnalyzeEvidence(ctx context.Context, imageRefs []string) (*VisualAnalysis, error) {
	if len(imageRefs) == 0 {
		return nil, errors.New("no evidence images provided")
	}

	var result VisualAnalysis
	if err := c.completeJSON(ctx, visualSystemPrompt, "Review the attached snapshots.", imageRefs, &result); err != nil {
		return nil, err
	}

	if result.VisualScore < 0 || result.VisualScore > 100 {
		return nil, fmt.Errorf("visual analysis returned score out of range: %d", result.VisualScore)
	}

	return &result, nil
}

func (c *Client) SummarizeSession(ctx context.Context, items []AnswerFeedback) (*SessionSummary, error) {
	if len(items) == 0 {
		return nil, errors.New("no feedback items provided")
	}

	var sb strings.Builder
	for i, item := range items {
		fmt.Fprintf(&sb, "Q%d: %s\nScore: %d\nStrengths: %s\nWeaknesses: %s\n\n",
			i+1, item.QuestionText, item.Score, item.Strengths, item.Weaknesses)
	}

	var result SessionSummary
	if err := c.completeJSON(ctx, summarySystemPrompt, sb.String(), nil, &result); err != nil {
		return nil, err
	}

	return &result, nil
}

// completeJSON runs one chat completion in JSON mode and decodes the
// message content into out. imageRefs, when present, are attached as
// image_url content parts.
func (c *Client) completeJSON(ctx context.Context, system, user string, imageRefs []string, out any) error {
	if err := c.ensureAPIKey(); err != nil {
		return err
	}

	var userContent any = user
	if len(imageRefs) > 0 {
		parts := []map[string]any{{"type": "text", "text": user}}
		for _, ref := range imageRefs {
			parts = append(parts, map[string]any{
				"type":      "image_url",
				"image_url": map[string]string{"url": ref},
			})
		}
		userContent = parts
	}

	payload := map[string]any{
		"model": c.model,
		"messages": []map[string]any{
			{"role": "system", "content": system},
			{"role": "user", "content": userContent},
		},
		"response_format": map[string]string{"type": "json_object"},
		"temperature":     0.2,
	}

	buf := &bytes.Buffer{}
	if err := json.NewEncoder(buf).Encode(payload); err != nil {
		return fmt.Errorf("encode completion payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, buf)
	if err != nil {
		return fmt.Errorf("create completion request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("model request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return c.decodeAPIError(resp)
	}

	var response struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return fmt.Errorf("decode completion response: %w", err)
	}

	if len(response.Choices) == 0 {
		return errors.New("no completion returned")
	}

	content := strings.TrimSpace(response.Choices[0].Message.Content)
	if err := json.Unmarshal([]byte(content), out); err != nil {
		return fmt.Errorf("decode model payload: %w", err)
	}

	return nil
}

func (c *Client) decodeAPIError(resp *http.Response) error {
	var apiErr struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}

	body, _ := io.ReadAll(resp.Body)

	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error.Message != "" {
		return fmt.Errorf("model api error: status %d type %s message %s", resp.StatusCode, apiErr.Error.Type, apiErr.Error.Message)
	}

	return fmt.Errorf("model api error: status %d body %s", resp.StatusCode, string(body))
}

func (c *Client) ensureAPIKey() error {
	if strings.TrimSpace(c.apiKey) == "" {
		return errors.New("ai api key is not configured")
	}
	return nil
}
