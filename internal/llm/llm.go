// Package llm wraps the chat-completion model used for grading and
// question generation, plus decoding of the JSON the model returns.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"
	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
)

type Client struct {
	model llms.Model
}

func NewClient(apiKey, baseURL, model string) (*Client, error) {
	opts := []openai.Option{
		openai.WithModel(model),
		openai.WithToken(apiKey),
	}
	if baseURL != "" {
		opts = append(opts, openai.WithBaseURL(baseURL))
	}
	m, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create completion client: %w", err)
	}
	return &Client{model: m}, nil
}

// Complete runs a single-prompt completion and returns the raw text.
func (c *Client) Complete(ctx context.Context, prompt string) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, c.model, prompt)
}

// CompleteJSON runs a JSON-mode completion and decodes the response into out,
// repairing malformed output when needed.
func (c *Client) CompleteJSON(ctx context.Context, prompt string, out any) error {
	raw, err := llms.GenerateFromSinglePrompt(ctx, c.model, prompt, llms.WithJSONMode())
	if err != nil {
		return fmt.Errorf("completion failed: %w", err)
	}
	return DecodeModelJSON(raw, out)
}

// DecodeModelJSON decodes a model response that should be JSON. Models wrap
// responses in markdown fences or emit slightly broken JSON often enough that
// decoding goes: strip fences, try as-is, then run the repair library.
func DecodeModelJSON(raw string, out any) error {
	s := stripFences(strings.TrimSpace(raw))

	if err := json.Unmarshal([]byte(s), out); err == nil {
		return nil
	}

	repaired, err := jsonrepair.JSONRepair(s)
	if err != nil {
		return fmt.Errorf("model output is not repairable JSON: %w", err)
	}
	if err := json.Unmarshal([]byte(repaired), out); err != nil {
		return fmt.Errorf("failed to decode repaired model output: %w", err)
	}
	log.Debug().Int("original_bytes", len(raw)).Msg("model JSON required repair")
	return nil
}

func stripFences(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
