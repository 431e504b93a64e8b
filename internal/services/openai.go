package services

import (
	"context"
	"fmt"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

const defaultOpenAIModel = "gpt-4o"

// OpenAIScriptWriter generates scripts with OpenAI chat completions in JSON mode.
type OpenAIScriptWriter struct {
	client *openai.Client
	model  string
}

var _ ScriptWriter = (*OpenAIScriptWriter)(nil)

func NewOpenAIScriptWriter(apiKey, model string) *OpenAIScriptWriter {
	return newOpenAIScriptWriter(openai.DefaultConfig(apiKey), model)
}

func newOpenAIScriptWriter(cfg openai.ClientConfig, model string) *OpenAIScriptWriter {
	if model == "" {
		model = defaultOpenAIModel
	}
	return &OpenAIScriptWriter{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
	}
}

func (s *OpenAIScriptWriter) Name() string {
	return "openai/" + s.model
}

func (s *OpenAIScriptWriter) GenerateScript(ctx context.Context, in ScriptInput) (*ScriptResult, error) {
	prompt, err := buildScriptPrompt(in)
	if err != nil {
		return nil, err
	}

	started := time.Now()
	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: s.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: scriptSystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Temperature: 0.7,
	})
	if err != nil {
		return nil, fmt.Errorf("openai request failed: %w", err)
	}

	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no response from openai")
	}

	raw := resp.Choices[0].Message.Content
	script, err := parseScript(raw)
	if err != nil {
		logRawResponse("openai", raw, err)
		return nil, fmt.Errorf("failed to parse script: %w", err)
	}

	return &ScriptResult{
		Script:           script,
		Model:            resp.Model,
		GenerationTimeMs: time.Since(started).Milliseconds(),
		TokensUsed:       resp.Usage.TotalTokens,
	}, nil
}
