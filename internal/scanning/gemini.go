package scanning

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// GeminiConfidence is reported for Gemini transcriptions.
const GeminiConfidence = 0.9

// transcribePrompt is shared by the vision-model tiers
const transcribePrompt = `You are reading a photographed store receipt, most likely a Taiwanese uniform invoice (統一發票).
Transcribe every line of text exactly as printed, top to bottom, one printed line per output line.

Rules:
- Keep the original language and characters; do not translate
- Keep labels and numbers together as printed, e.g. "總計: 126"
- Do not summarize, explain or add any text that is not on the receipt
- Do not use markdown code blocks`

// Gemini transcribes receipts with a Google Gemini vision model
type Gemini struct {
	client  *genai.Client
	model   *genai.GenerativeModel
	timeout time.Duration
}

// NewGemini creates a new Gemini tier
func NewGemini(apiKey string, modelName string) (*Gemini, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	if modelName == "" {
		modelName = "gemini-2.5-flash"
	}

	ctx := context.Background()
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}

	model := client.GenerativeModel(modelName)
	model.SetTemperature(0)

	return &Gemini{
		client:  client,
		model:   model,
		timeout: 30 * time.Second,
	}, nil
}

func (g *Gemini) Name() string { return "gemini" }

// Recognize asks the model for a verbatim transcription
func (g *Gemini) Recognize(ctx context.Context, pngData []byte) (*Recognition, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	// genai.ImageData wants the format suffix, not the MIME type
	resp, err := g.model.GenerateContent(ctx,
		genai.ImageData("png", pngData),
		genai.Text(transcribePrompt),
	)
	if err != nil {
		return nil, fmt.Errorf("generating content: %w", err)
	}

	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, fmt.Errorf("no response from gemini")
	}

	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if t, ok := part.(genai.Text); ok {
			text.WriteString(string(t))
		}
	}

	return &Recognition{
		Text:       stripCodeFence(text.String()),
		Confidence: GeminiConfidence,
		Source:     SourceCloud,
	}, nil
}

// Close closes the Gemini client
func (g *Gemini) Close() error {
	return g.client.Close()
}

// stripCodeFence removes a markdown code block wrapper that models add
// despite being told not to.
func stripCodeFence(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```")
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		text = text[i+1:]
	}
	text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	return strings.TrimSpace(text)
}
