// Package llm routes completion requests across a prioritized pool of LLM
// providers with per-provider rate limiting, circuit breaking, and daily
// usage accounting.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Params are the per-call generation knobs passed to a provider.
type Params struct {
	Model       string
	Temperature float64
	MaxTokens   int
}

// Completion is a single provider answer. TokensUsed is zero when the
// provider reported no usage block.
type Completion struct {
	Text       string
	Model      string
	TokensUsed int
}

// LLMProvider is one upstream completion backend.
type LLMProvider interface {
	Complete(ctx context.Context, systemPrompt, userMessage string, params Params) (*Completion, error)
}

// Status is the router's view of one provider.
type Status string

const (
	StatusAvailable   Status = "AVAILABLE"
	StatusRateLimited Status = "RATE_LIMITED"
	StatusError       Status = "ERROR"
	StatusUnavailable Status = "UNAVAILABLE"
)

// Descriptor declares one provider to the router. Zero limits mean
// unlimited.
type Descriptor struct {
	Name             string
	Priority         int // lower = preferred
	Model            string
	PerMinuteLimit   int
	PerDayLimit      int
	PerDayTokenQuota int64
	CostPer1KTokens  float64
}

// ProviderSnapshot is a point-in-time copy of one provider's state.
type ProviderSnapshot struct {
	Name               string    `json:"name"`
	Status             Status    `json:"status"`
	Priority           int       `json:"priority"`
	Model              string    `json:"model"`
	RequestsThisMinute int       `json:"requests_this_minute"`
	RequestsToday      int       `json:"requests_today"`
	TokensToday        int64     `json:"tokens_today"`
	EstimatedCostUSD   float64   `json:"estimated_cost_usd"`
	ConsecutiveFails   int       `json:"consecutive_failures"`
	CooldownUntil      time.Time `json:"cooldown_until,omitempty"`
	LastError          string    `json:"last_error,omitempty"`
}

// CallOptions tune one routed call. Zero values fall back to router
// defaults; PreferredProvider is honored only while that provider is
// eligible.
type CallOptions struct {
	Model             string
	Temperature       float64
	MaxTokens         int
	PreferredProvider string
	ParallelGroup     string
}

// Response is the routed result. Estimated marks token counts derived from
// word counts because the provider reported no usage.
type Response struct {
	Text       string
	Provider   string
	Model      string
	TokensUsed int
	Estimated  bool
}

// ErrAllProvidersFailed is returned when no provider could serve the call.
var ErrAllProvidersFailed = errors.New("all LLM providers failed")

// ErrNoProviders is returned by a router constructed without providers.
var ErrNoProviders = errors.New("no LLM providers configured")

// ChatRequest is an OpenAI-compatible chat completion request.
type ChatRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

// ChatMessage is a single message in a chat completion request.
type ChatMessage struct {
	Role    string `json:"role"` // system, user, assistant
	Content string `json:"content"`
}

// ChatResponse is an OpenAI-compatible chat completion response.
type ChatResponse struct {
	ID      string   `json:"id"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
}

// Choice is one completion alternative.
type Choice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

// Usage reports token consumption for a completion.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ErrorResponse is an OpenAI-compatible error payload.
type ErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

// ParseJSONResponse extracts and unmarshals a JSON object from model output,
// tolerating markdown code fences and surrounding prose.
func ParseJSONResponse(content string, target any) error {
	jsonStr := extractJSONFromMarkdown(content)
	if jsonStr == "" {
		return fmt.Errorf("no JSON object found in response")
	}
	if err := json.Unmarshal([]byte(jsonStr), target); err != nil {
		return fmt.Errorf("failed to parse JSON response: %w", err)
	}
	return nil
}

// extractJSONFromMarkdown returns the JSON payload inside a ```json fence,
// or the outermost braced object when no fence is present.
func extractJSONFromMarkdown(content string) string {
	for _, fence := range []string{"```json", "```"} {
		start := strings.Index(content, fence)
		if start == -1 {
			continue
		}
		rest := content[start+len(fence):]
		end := strings.Index(rest, "```")
		if end == -1 {
			continue
		}
		candidate := strings.TrimSpace(rest[:end])
		if strings.HasPrefix(candidate, "{") || strings.HasPrefix(candidate, "[") {
			return candidate
		}
	}

	first := strings.Index(content, "{")
	last := strings.LastIndex(content, "}")
	if first != -1 && last > first {
		return strings.TrimSpace(content[first : last+1])
	}
	return ""
}
