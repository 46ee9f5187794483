// Package llm talks to the internal LLM gateway. The gateway owns provider
// selection and retries; this client is a single fail-fast call per turn.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/openhouse-crm/openhouse/go/aiengine/internal/metrics"
)

// Message is one chat message replayed to the model.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Config holds gateway connection settings.
type Config struct {
	BaseURL string
	Timeout time.Duration
	// RPM paces outbound calls across the whole process; 0 disables pacing.
	RPM int
}

// Client is the chat-completion client.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zap.Logger
}

// NewClient creates a gateway client.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	var limiter *rate.Limiter
	if cfg.RPM > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(cfg.RPM)/60.0), 1)
	}
	return &Client{
		baseURL:    cfg.BaseURL,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    limiter,
		logger:     logger,
	}
}

type completionRequest struct {
	SystemPrompt   string    `json:"system_prompt"`
	Messages       []Message `json:"messages"`
	ResponseFormat string    `json:"response_format,omitempty"`
}

type completionResponse struct {
	Response   string `json:"response"`
	TokensUsed int    `json:"tokens_used"`
	ModelUsed  string `json:"model_used"`
}

// CompleteChat performs one completion call. jsonResponse asks the gateway
// for a JSON object response. A gateway error fails the whole turn; retry
// policy belongs to the gateway, not here.
func (c *Client) CompleteChat(ctx context.Context, systemPrompt string, messages []Message, jsonResponse bool) (string, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("rate pacing interrupted: %w", err)
		}
	}

	reqBody := completionRequest{
		SystemPrompt: systemPrompt,
		Messages:     messages,
	}
	if jsonResponse {
		reqBody.ResponseFormat = "json_object"
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshal completion request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build completion request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	metrics.ModelCallDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.ModelCalls.WithLabelValues("error").Inc()
		return "", fmt.Errorf("call LLM gateway: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		metrics.ModelCalls.WithLabelValues("error").Inc()
		return "", fmt.Errorf("LLM gateway returned status %d", resp.StatusCode)
	}

	var out completionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		metrics.ModelCalls.WithLabelValues("error").Inc()
		return "", fmt.Errorf("decode completion response: %w", err)
	}

	metrics.ModelCalls.WithLabelValues("ok").Inc()
	c.logger.Debug("model completion",
		zap.Int("tokens_used", out.TokensUsed),
		zap.String("model_used", out.ModelUsed))
	return out.Response, nil
}
