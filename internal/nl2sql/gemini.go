package nl2sql

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

const providerGemini = "gemini"

type GeminiConfig struct {
	APIKey      string
	Model       string
	Temperature float64
	Timeout     time.Duration
}

type contentGenerator interface {
	GenerateContent(ctx context.Context, parts ...genai.Part) (*genai.GenerateContentResponse, error)
}

type GeminiTranslator struct {
	generator contentGenerator
	model     string
	timeout   time.Duration
	closer    io.Closer
}

func NewGeminiTranslator(ctx context.Context, cfg GeminiConfig) (*GeminiTranslator, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, fmt.Errorf("api key is required")
	}
	modelName := strings.TrimSpace(cfg.Model)
	if modelName == "" {
		modelName = "gemini-pro"
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	model := client.GenerativeModel(modelName)
	model.SetTemperature(float32(cfg.Temperature))
	model.SetCandidateCount(1)

	translator := newGeminiTranslator(model, modelName, cfg.Timeout)
	translator.closer = client
	return translator, nil
}

func newGeminiTranslator(generator contentGenerator, model string, timeout time.Duration) *GeminiTranslator {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &GeminiTranslator{generator: generator, model: model, timeout: timeout}
}

// Translate sends the prompt and the question as two positional parts.
func (t *GeminiTranslator) Translate(ctx context.Context, req Request) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	result := Result{Provider: providerGemini, Model: t.model}
	resp, err := t.generator.GenerateContent(ctx, genai.Text(req.SystemPrompt), genai.Text(strings.TrimSpace(req.Question)))
	if err != nil {
		return result, fmt.Errorf("generate content: %w", err)
	}
	text, err := responseText(resp)
	if err != nil {
		return result, err
	}
	result.Text = text
	return result, nil
}

func (t *GeminiTranslator) Close() error {
	if t.closer == nil {
		return nil
	}
	return t.closer.Close()
}

func responseText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil {
		return "", fmt.Errorf("empty gemini response")
	}
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != genai.BlockReasonUnspecified {
		return "", fmt.Errorf("prompt blocked: %s", resp.PromptFeedback.BlockReason)
	}

	var sb strings.Builder
	for _, candidate := range resp.Candidates {
		if candidate == nil || candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			if text, ok := part.(genai.Text); ok {
				sb.WriteString(string(text))
			}
		}
		if sb.Len() > 0 {
			break
		}
	}
	if strings.TrimSpace(sb.String()) == "" {
		return "", fmt.Errorf("model returned empty text")
	}
	return sb.String(), nil
}
