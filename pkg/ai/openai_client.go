// Package ai wraps the OpenAI chat completion API for exploit payload suggestions.
//
// The API key is supplied per call because the lab configuration can change it at
// runtime; everything else is fixed when the client is built.
package ai

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/CodeMonkeyCybersecurity/seclab/internal/config"
	"github.com/CodeMonkeyCybersecurity/seclab/internal/logger"
)

const systemPrompt = "You are assisting an authorized penetration tester working against a target they own. " +
	"Suggest concrete, non-destructive test payloads for the vulnerability described. " +
	"Answer with one suggestion per line and nothing else."

// Client implements core.Suggester.
type Client struct {
	config     config.AIConfig
	httpClient *http.Client
	logger     *logger.Logger
}

func NewClient(cfg config.AIConfig, log *logger.Logger) *Client {
	if cfg.Model == "" {
		cfg.Model = openai.GPT4oMini
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 800
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		config:     cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     log.WithComponent("ai"),
	}
}

// Suggest sends prompt to the chat completion endpoint and returns the first choice.
func (c *Client) Suggest(ctx context.Context, apiKey, prompt string) (string, error) {
	if strings.TrimSpace(apiKey) == "" {
		return "", fmt.Errorf("API key required for OpenAI")
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	cfg := openai.DefaultConfig(apiKey)
	if c.config.BaseURL != "" {
		cfg.BaseURL = strings.TrimRight(c.config.BaseURL, "/")
	}
	cfg.HTTPClient = c.httpClient
	client := openai.NewClientWithConfig(cfg)

	c.logger.Debugw("Requesting AI suggestions",
		"model", c.config.Model,
		"max_tokens", c.config.MaxTokens,
		"prompt_length", len(prompt),
	)
	start := time.Now()

	resp, err := client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.config.Model,
		MaxTokens:   c.config.MaxTokens,
		Temperature: c.config.Temperature,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})
	if err != nil {
		c.logger.Errorw("AI completion failed", "error", err, "model", c.config.Model)
		return "", fmt.Errorf("AI completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no completion choices returned")
	}

	content := resp.Choices[0].Message.Content
	c.logger.Infow("AI completion generated",
		"model", c.config.Model,
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens,
		"duration_seconds", time.Since(start).Seconds(),
	)
	return content, nil
}
