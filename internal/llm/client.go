package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Client is the OpenAI-compatible HTTP implementation of LLMProvider. All
// supported providers (Groq, OpenRouter, Gemini's OpenAI surface, local
// gateways) speak this wire format.
type Client struct {
	name       string
	endpoint   string
	apiKey     string
	model      string
	httpClient *http.Client
	log        zerolog.Logger
}

// ClientConfig configures one provider client.
type ClientConfig struct {
	Name     string
	Endpoint string
	APIKey   string
	Model    string
	Timeout  time.Duration
}

// NewClient creates a provider client.
func NewClient(config ClientConfig) *Client {
	if config.Endpoint == "" {
		config.Endpoint = "http://localhost:8080/v1/chat/completions"
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}

	return &Client{
		name:     config.Name,
		endpoint: config.Endpoint,
		apiKey:   config.APIKey,
		model:    config.Model,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		log: log.With().Str("component", "llm_client").Str("provider", config.Name).Logger(),
	}
}

// Complete sends a chat completion request.
func (c *Client) Complete(ctx context.Context, systemPrompt, userMessage string, params Params) (*Completion, error) {
	model := params.Model
	if model == "" {
		model = c.model
	}

	request := ChatRequest{
		Model: model,
		Messages: []ChatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userMessage},
		},
		Temperature: params.Temperature,
		MaxTokens:   params.MaxTokens,
	}

	requestBody, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewBuffer(requestBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	c.log.Debug().
		Str("endpoint", c.endpoint).
		Str("model", model).
		Msg("Sending LLM request")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, c.apiError(resp, body)
	}

	var chatResp ChatResponse
	if err := json.Unmarshal(body, &chatResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if len(chatResp.Choices) == 0 {
		return nil, fmt.Errorf("no completion choices in response")
	}

	c.log.Debug().
		Str("model", chatResp.Model).
		Int("prompt_tokens", chatResp.Usage.PromptTokens).
		Int("completion_tokens", chatResp.Usage.CompletionTokens).
		Dur("duration", time.Since(start)).
		Msg("LLM request completed")

	return &Completion{
		Text:       chatResp.Choices[0].Message.Content,
		Model:      chatResp.Model,
		TokensUsed: chatResp.Usage.TotalTokens,
	}, nil
}

// apiError shapes a non-200 response into an error carrying the status code,
// the provider message, and any Retry-After horizon so the router's
// classifier and reset parser can act on it.
func (c *Client) apiError(resp *http.Response, body []byte) error {
	message := string(body)
	var errResp ErrorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		message = errResp.Error.Message
	}

	if retryAfter := resp.Header.Get("Retry-After"); retryAfter != "" {
		return fmt.Errorf("LLM API error (status %d): %s; retry in %s seconds", resp.StatusCode, message, retryAfter)
	}
	return fmt.Errorf("LLM API error (status %d): %s", resp.StatusCode, message)
}
