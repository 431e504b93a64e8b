package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/bobarin/dealreel/internal/models"
	"go.uber.org/zap"
)

// ScriptInput is a parsed pitch document plus the investor it is pitched to.
type ScriptInput struct {
	Document map[string]interface{}
	Profile  models.InvestorProfile
}

// ScriptResult is a generated script and how it was produced.
type ScriptResult struct {
	Script           models.Script `json:"script"`
	Model            string        `json:"model"`
	GenerationTimeMs int64         `json:"generation_time_ms"`
	TokensUsed       int           `json:"tokens_used"`
}

// ScriptWriter turns a pitch document into narration for every section.
type ScriptWriter interface {
	Name() string
	GenerateScript(ctx context.Context, in ScriptInput) (*ScriptResult, error)
}

// FallbackScriptWriter tries writers in order and returns the first success.
type FallbackScriptWriter struct {
	writers []ScriptWriter
}

func NewFallbackScriptWriter(writers ...ScriptWriter) *FallbackScriptWriter {
	return &FallbackScriptWriter{writers: writers}
}

func (f *FallbackScriptWriter) Name() string {
	names := make([]string, 0, len(f.writers))
	for _, w := range f.writers {
		names = append(names, w.Name())
	}
	return strings.Join(names, ",")
}

// Configured reports whether at least one provider is available.
func (f *FallbackScriptWriter) Configured() bool {
	return len(f.writers) > 0
}

func (f *FallbackScriptWriter) GenerateScript(ctx context.Context, in ScriptInput) (*ScriptResult, error) {
	if len(f.writers) == 0 {
		return nil, errors.New("no script providers configured")
	}

	var errs []error
	for i, w := range f.writers {
		result, err := w.GenerateScript(ctx, in)
		if err == nil {
			return result, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", w.Name(), err))
		if ctx.Err() != nil {
			break
		}
		if i < len(f.writers)-1 {
			zap.S().Named("script").Warnf("%s failed, falling back to %s: %v", w.Name(), f.writers[i+1].Name(), err)
		}
	}

	return nil, fmt.Errorf("failed to generate script with all providers: %w", errors.Join(errs...))
}

// ---------------------------------------------------------------------------
// Prompt + response handling shared by every provider
// ---------------------------------------------------------------------------

const scriptSystemPrompt = "You are an expert investment analyst creating a video script for an investor briefing. " +
	"Respond with a single JSON object and nothing else."

var scriptJSONShape = `{
  "introduction": "string",
  "businessModel": "string",
  "tractionMetrics": "string",
  "riskAssessment": "string",
  "summary": "string"
}`

func buildScriptPrompt(in ScriptInput) (string, error) {
	doc, err := json.MarshalIndent(in.Document, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode document: %w", err)
	}

	p := in.Profile
	var b strings.Builder
	b.WriteString("INVESTOR PROFILE:\n")
	fmt.Fprintf(&b, "- Industries: %s\n", strings.Join(p.Industries, ", "))
	fmt.Fprintf(&b, "- Stages: %s\n", strings.Join(p.Stages, ", "))
	fmt.Fprintf(&b, "- Key KPIs: %s\n", strings.Join(p.KPIs, ", "))
	fmt.Fprintf(&b, "- Red Flags: %s\n", strings.Join(p.RedFlags, ", "))
	fmt.Fprintf(&b, "- Communication Tone: %s\n", p.CommunicationTone)
	fmt.Fprintf(&b, "- Investment Range: $%s - $%s\n\n", formatAmount(p.MinInvestment), formatAmount(p.MaxInvestment))

	b.WriteString("DOCUMENT CONTENT:\n")
	b.Write(doc)
	b.WriteString("\n\n")

	b.WriteString("Create a 2-5 minute video script. The response MUST be a JSON object of exactly this shape:\n")
	b.WriteString(scriptJSONShape)
	b.WriteString(`

Requirements:
1. introduction: brief company overview and compelling value proposition
2. businessModel: clear explanation of revenue streams and market fit
3. tractionMetrics: focus on KPIs relevant to this investor's preferences
4. riskAssessment: address potential red flags, especially those the investor watches for
5. summary: concise investment potential summary

The script should match the investor's communication tone, be conversational and suitable
for voice narration, and address potential concerns proactively.`)

	return b.String(), nil
}

// formatAmount renders a whole-dollar amount with thousands separators.
func formatAmount(v float64) string {
	s := fmt.Sprintf("%.0f", v)
	neg := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(s, "-")

	var out []byte
	for i := range s {
		if i > 0 && (len(s)-i)%3 == 0 {
			out = append(out, ',')
		}
		out = append(out, s[i])
	}
	if neg {
		return "-" + string(out)
	}
	return string(out)
}

// parseScript decodes a provider response into a Script. Every section must be
// present as a string and no other keys are allowed.
func parseScript(raw string) (models.Script, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	raw = strings.TrimSpace(raw)

	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return models.Script{}, fmt.Errorf("response is not a JSON object: %w", err)
	}

	for key := range fields {
		if _, ok := models.ParseSection(key); !ok {
			return models.Script{}, fmt.Errorf("unexpected key %q in script", key)
		}
	}
	for _, section := range models.Sections {
		value, ok := fields[string(section)]
		if !ok {
			return models.Script{}, fmt.Errorf("script is missing %q", section)
		}
		var text string
		if err := json.Unmarshal(value, &text); err != nil {
			return models.Script{}, fmt.Errorf("script section %q is not a string", section)
		}
	}

	var script models.Script
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	if err := dec.Decode(&script); err != nil {
		return models.Script{}, fmt.Errorf("failed to decode script: %w", err)
	}
	return script, nil
}

// logRawResponse logs a provider response that failed to parse, truncated.
func logRawResponse(provider, raw string, err error) {
	log := zap.S().Named("script")
	log.Warnf("%s response parse failed: %v", provider, err)
	log.Debugf("%s raw response: %s", provider, truncate(raw, 2000))
}
