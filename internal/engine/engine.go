// Package engine abstracts the conversation engine that actually runs an
// agent turn. The orchestrator composes prompts and tool context; the
// engine produces text.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/stewardhq/steward/internal/bridge"
)

// Request is one agent invocation.
type Request struct {
	// UserID is the acting user, forwarded so the engine can attribute
	// usage. Tool credentials travel inside Connections, never here.
	UserID string `json:"userId"`
	// AgentName identifies the resolved agent, for tracing.
	AgentName string `json:"agentName"`
	// SystemPrompt is the full system prompt, soul included.
	SystemPrompt string `json:"systemPrompt"`
	// UserPrompt is the task or message for this turn.
	UserPrompt string `json:"userPrompt"`
	// Connections are the tool servers the engine may call on the user's
	// behalf, with credential headers already injected.
	Connections []bridge.Connection `json:"connections,omitempty"`
	// APIKey is the model key resolved for this user, sent as the bearer
	// credential on the engine request.
	APIKey []byte `json:"-"`
}

// Result is the engine's reply for one invocation.
type Result struct {
	Output string `json:"output"`
	// Model is the model the engine selected, for logging.
	Model string `json:"model,omitempty"`
}

// Engine runs a single agent turn.
type Engine interface {
	Invoke(ctx context.Context, req Request) (*Result, error)
}

// HTTPEngine posts invocations to a conversation engine service.
type HTTPEngine struct {
	url    string
	client *http.Client
}

// NewHTTPEngine creates an engine client for the given endpoint. Zero
// timeout selects a 5 minute default; background runs can be long.
func NewHTTPEngine(url string, timeout time.Duration) *HTTPEngine {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &HTTPEngine{url: url, client: &http.Client{Timeout: timeout}}
}

func (e *HTTPEngine) Invoke(ctx context.Context, req Request) (*Result, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode engine request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if len(req.APIKey) > 0 {
		httpReq.Header.Set("Authorization", "Bearer "+string(req.APIKey))
	}
	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("engine request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("engine returned status %d", resp.StatusCode)
	}
	var out Result
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode engine response: %w", err)
	}
	return &out, nil
}
