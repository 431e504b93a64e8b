package services

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/genai"
)

const defaultGeminiModel = "gemini-2.5-flash"

// GeminiScriptWriter generates scripts with the Gemini API through the genai SDK.
type GeminiScriptWriter struct {
	apiKey string
	model  string
}

var _ ScriptWriter = (*GeminiScriptWriter)(nil)

func NewGeminiScriptWriter(apiKey, model string) *GeminiScriptWriter {
	if model == "" {
		model = defaultGeminiModel
	}
	return &GeminiScriptWriter{apiKey: apiKey, model: model}
}

func (s *GeminiScriptWriter) Name() string {
	return "gemini/" + s.model
}

func (s *GeminiScriptWriter) GenerateScript(ctx context.Context, in ScriptInput) (*ScriptResult, error) {
	prompt, err := buildScriptPrompt(in)
	if err != nil {
		return nil, err
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  s.apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}

	started := time.Now()
	resp, err := client.Models.GenerateContent(ctx, s.model, genai.Text(prompt), &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(scriptSystemPrompt, genai.RoleUser),
		ResponseMIMEType:  "application/json",
		Temperature:       genai.Ptr[float32](0.7),
	})
	if err != nil {
		return nil, fmt.Errorf("gemini request failed: %w", err)
	}

	raw := resp.Text()
	if raw == "" {
		return nil, fmt.Errorf("no response from gemini")
	}

	script, err := parseScript(raw)
	if err != nil {
		logRawResponse("gemini", raw, err)
		return nil, fmt.Errorf("failed to parse script: %w", err)
	}

	tokens := 0
	if resp.UsageMetadata != nil {
		tokens = int(resp.UsageMetadata.TotalTokenCount)
	}

	return &ScriptResult{
		Script:           script,
		Model:            s.model,
		GenerationTimeMs: time.Since(started).Milliseconds(),
		TokensUsed:       tokens,
	}, nil
}
