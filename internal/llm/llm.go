package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	openai "github.com/sashabaranov/go-openai"

	"github.com/pavelanni/flashtest/internal/model"
)

// Assessment is the model's opinion of a free-form answer.
type Assessment struct {
	Score    float64 `json:"score"`
	Feedback string  `json:"feedback"`
}

// Client wraps an OpenAI-compatible API client.
type Client struct {
	api   *openai.Client
	model string
}

// New creates a new LLM client.
func New(baseURL, apiKey, modelName string) *Client {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	return &Client{
		api:   openai.NewClientWithConfig(config),
		model: modelName,
	}
}

// Ping checks that the API is reachable.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.api.ListModels(ctx); err != nil {
		return fmt.Errorf("list models: %w", err)
	}
	return nil
}

// Assess asks the model to score a free-form answer against the question.
func (c *Client) Assess(ctx context.Context, q model.Question, answer string) (*Assessment, error) {
	prompt, err := buildPrompt(q, answer)
	if err != nil {
		return nil, err
	}
	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: prompt},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Temperature: 0.1,
	})
	if err != nil {
		return nil, fmt.Errorf("LLM API call: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("LLM returned no choices")
	}

	raw := resp.Choices[0].Message.Content
	slog.Debug("LLM response", "raw", raw)

	var a Assessment
	if err := json.Unmarshal([]byte(raw), &a); err != nil {
		return nil, fmt.Errorf("parse LLM response: %w (raw: %s)", err, raw)
	}
	a.Score = min(max(a.Score, 0), q.MaxMark)
	return &a, nil
}

// Advise renders an assessment as a one-line hint for the person grading
// the result file.
func (c *Client) Advise(ctx context.Context, q model.Question, answer string) (string, error) {
	a, err := c.Assess(ctx, q, answer)
	if err != nil {
		return "", err
	}
	return formatHint(a, q.MaxMark), nil
}

func formatHint(a *Assessment, maxMark float64) string {
	score := strconv.FormatFloat(a.Score, 'f', -1, 64) + "/" + strconv.FormatFloat(maxMark, 'f', -1, 64)
	if a.Feedback == "" {
		return "LLM: " + score
	}
	return "LLM: " + score + ". " + a.Feedback
}
