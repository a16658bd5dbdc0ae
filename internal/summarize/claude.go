package summarize

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"mail-story-sync/internal/config"
)

const (
	defaultModel     = "claude-sonnet-4-5-20250929"
	defaultMaxTokens = 1024
	apiURL           = "https://api.anthropic.com/v1/messages"
	apiVersion       = "2023-06-01"

	systemPrompt = "You summarize an email thread that is tracked as a User Story. " +
		"Write a concise description of the request and its current state, in the " +
		"language of the thread. Plain text only, no preamble."
)

// Claude implements Summarizer against the Anthropic messages API.
type Claude struct {
	apiKey    string
	model     string
	maxTokens int
	client    *http.Client
}

// NewClaude creates a Claude-backed summarizer.
func NewClaude(cfg *config.SummarizerConfig) *Claude {
	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &Claude{
		apiKey:    cfg.APIKey,
		model:     model,
		maxTokens: maxTokens,
		client:    &http.Client{Timeout: 60 * time.Second},
	}
}

type apiRequest struct {
	Model     string       `json:"model"`
	MaxTokens int          `json:"max_tokens"`
	System    string       `json:"system"`
	Messages  []apiMessage `json:"messages"`
}

type apiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type apiResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Summarize sends the original description and the full message history to
// the model and appends the result to the human-written description behind
// the marker.
func (c *Claude) Summarize(ctx context.Context, priorDescription string, history []string) (string, error) {
	original := Strip(priorDescription)

	var prompt strings.Builder
	prompt.WriteString("Original description:\n")
	prompt.WriteString(original)
	prompt.WriteString("\n\nMessages, oldest first:\n")
	for i, entry := range history {
		fmt.Fprintf(&prompt, "\n--- message %d ---\n%s\n", i+1, entry)
	}

	reqBody := apiRequest{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		System:    systemPrompt,
		Messages:  []apiMessage{{Role: "user", Content: prompt.String()}},
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshaling summarizer request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("creating summarizer request: %w", err)
	}
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", apiVersion)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("calling summarizer: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading summarizer response: %w", err)
	}

	var parsed apiResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("decoding summarizer response: %w", err)
	}
	if resp.StatusCode >= 400 {
		msg := "unknown error"
		if parsed.Error != nil {
			msg = parsed.Error.Message
		}
		return "", fmt.Errorf("summarizer returned status %d: %s", resp.StatusCode, msg)
	}

	var summary strings.Builder
	for _, block := range parsed.Content {
		if block.Type == "text" {
			summary.WriteString(block.Text)
		}
	}
	if summary.Len() == 0 {
		return "", fmt.Errorf("summarizer returned no text content")
	}

	return original + Marker + strings.TrimSpace(summary.String()), nil
}
