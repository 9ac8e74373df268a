package analyzer

import (
	"context"
	"encoding/json"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

// Verdict values for an analysis.
const (
	VerdictGo      = "GO"
	VerdictCaution = "CAUTION"
	VerdictNoGo    = "NO-GO"
)

// Result is the analyzer's structured assessment of a readiness report.
type Result struct {
	Verdict          string   `json:"verdict"` // GO|CAUTION|NO-GO
	ReasoningSummary string   `json:"reasoning_summary"`
	Blockers         []string `json:"blockers,omitempty"`
	Risks            []string `json:"risks,omitempty"`
	ActionPlan       []string `json:"action_plan,omitempty"`

	ModelID    string `json:"model_id,omitempty"`
	TokenCount int    `json:"token_count,omitempty"`
}

const systemPrompt = `You are analyzing an RKE2 cluster upgrade readiness assessment.
Given the structured readiness check results, respond with a single JSON object:
{"verdict": "GO"|"CAUTION"|"NO-GO", "reasoning_summary": "...", "blockers": [...], "risks": [...], "action_plan": [...]}
Blockers are critical issues that MUST be resolved before upgrade. Risks are
warnings that should be addressed. The action plan is an ordered list of
preparation steps. Do not make the upgrade decision beyond the verdict field.`

// Analyzer calls an OpenAI-compatible endpoint to summarize a readiness
// report. A nil Analyzer (feature not configured) is valid and Analyze on
// it returns an error the caller downgrades to a warning.
type Analyzer struct {
	client *openai.Client
	model  string
}

// New creates an analyzer against an OpenAI-compatible endpoint.
func New(endpoint, apiKey, model string) *Analyzer {
	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = endpoint
	return &Analyzer{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
	}
}

// Analyze submits the readiness report and returns the structured verdict.
// Never fatal to the job: callers surface failures as warnings.
func (a *Analyzer) Analyze(ctx context.Context, reportJSON []byte) (*Result, error) {
	if a == nil {
		return nil, fmt.Errorf("analyzer not configured")
	}

	resp, err := a.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       a.model,
		Temperature: 0.3,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: string(reportJSON)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("analysis request failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("analysis returned no choices")
	}

	var result Result
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), &result); err != nil {
		return nil, fmt.Errorf("failed to decode analysis: %w", err)
	}

	switch result.Verdict {
	case VerdictGo, VerdictCaution, VerdictNoGo:
	default:
		return nil, fmt.Errorf("analysis returned unknown verdict: %q", result.Verdict)
	}

	result.ModelID = resp.Model
	result.TokenCount = resp.Usage.TotalTokens
	return &result, nil
}
