// Package assist asks a language model for the receipt total when the regex
// rules could not find one. It speaks the OpenAI chat completions protocol,
// which Ollama and most hosted providers also serve.
package assist

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

const fieldsSchema = `{
	"type": "object",
	"properties": {
		"amount": {"type": "integer", "minimum": 0, "maximum": 999999},
		"tax_amount": {"type": "integer", "minimum": 0},
		"merchant": {"type": "string"}
	},
	"required": ["amount"]
}`

const systemPrompt = `You extract data from receipt text produced by OCR. The text is usually a Taiwanese uniform invoice in Traditional Chinese.
Reply with a single JSON object and nothing else:
{"amount": <total paid as a whole number>, "tax_amount": <business tax as a whole number>, "merchant": "<store name>"}
Use 0 for amount if no total can be determined.`

// Config configures the assistant
type Config struct {
	BaseURL string // e.g. https://api.openai.com/v1 or http://localhost:11434/v1
	APIKey  string
	Model   string
	Timeout time.Duration
}

// Assistant backfills fields using a chat completion model
type Assistant struct {
	cfg    Config
	client *http.Client
	schema *jsonschema.Schema
}

// Fields is the model's answer
type Fields struct {
	Amount    int64  `json:"amount"`
	TaxAmount int64  `json:"tax_amount"`
	Merchant  string `json:"merchant"`
}

// New creates an Assistant
func New(cfg Config) (*Assistant, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("assist base url is required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("assist model is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 45 * time.Second
	}

	schema, err := jsonschema.CompileString("fields.json", fieldsSchema)
	if err != nil {
		return nil, fmt.Errorf("compiling fields schema: %w", err)
	}

	return &Assistant{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		schema: schema,
	}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string            `json:"model"`
	Messages       []chatMessage     `json:"messages"`
	Temperature    float64           `json:"temperature"`
	ResponseFormat map[string]string `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Extract asks the model for the receipt's fields. The reply must match
// the fields schema.
func (a *Assistant) Extract(ctx context.Context, text string) (*Fields, error) {
	body := chatRequest{
		Model: a.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: text},
		},
		ResponseFormat: map[string]string{"type": "json_object"},
	}

	raw, err := a.send(ctx, strings.TrimRight(a.cfg.BaseURL, "/")+"/chat/completions", body)
	if err != nil {
		return nil, err
	}

	var resp chatResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decoding chat response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("chat response has no choices")
	}

	obj, err := jsonObject(resp.Choices[0].Message.Content)
	if err != nil {
		return nil, err
	}

	var v any
	if err := json.Unmarshal([]byte(obj), &v); err != nil {
		return nil, fmt.Errorf("unmarshaling fields: %w", err)
	}
	if err := a.schema.Validate(v); err != nil {
		return nil, fmt.Errorf("fields do not match schema: %w", err)
	}

	var fields Fields
	if err := json.Unmarshal([]byte(obj), &fields); err != nil {
		return nil, fmt.Errorf("unmarshaling fields: %w", err)
	}
	return &fields, nil
}

// BackfillAmount returns the model's idea of the receipt total.
func (a *Assistant) BackfillAmount(ctx context.Context, text string) (int64, error) {
	fields, err := a.Extract(ctx, text)
	if err != nil {
		return 0, err
	}
	return fields.Amount, nil
}

func (a *Assistant) send(ctx context.Context, url string, body any) ([]byte, error) {
	reqID := uuid.New().String()
	start := time.Now()

	bs, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(bs))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if a.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)
	}

	slog.Debug("Sending assist request", "req_id", reqID, "url", url, "model", a.cfg.Model)

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling chat API: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading chat response: %w", err)
	}

	slog.Info("Assist response",
		"req_id", reqID,
		"status", resp.StatusCode,
		"bytes", len(raw),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)

	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("chat API error (status %d): %s", resp.StatusCode, truncate(string(raw), 512))
	}
	return raw, nil
}

// jsonObject pulls the outermost JSON object out of a model reply that may
// be wrapped in prose or a markdown code block.
func jsonObject(text string) (string, error) {
	start := strings.Index(text, "{")
	if start == -1 {
		return "", fmt.Errorf("no JSON object found in response")
	}
	end := strings.LastIndex(text, "}")
	if end < start {
		return "", fmt.Errorf("invalid JSON object in response")
	}
	return text[start : end+1], nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "...(truncated)"
}
