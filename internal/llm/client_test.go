package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestCompleteChat(t *testing.T) {
	var got completionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(completionResponse{
			Response:   `{"reply":"hi","actions":[]}`,
			TokensUsed: 120,
			ModelUsed:  "gpt-4o-mini",
		})
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, Timeout: time.Second}, zap.NewNop())
	out, err := c.CompleteChat(context.Background(), "You are the Lead Manager.",
		[]Message{{Role: "user", Content: "any hot leads?"}}, true)
	require.NoError(t, err)

	assert.Equal(t, `{"reply":"hi","actions":[]}`, out)
	assert.Equal(t, "You are the Lead Manager.", got.SystemPrompt)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "json_object", got.ResponseFormat)
}

func TestCompleteChatPlainFormat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req completionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Empty(t, req.ResponseFormat)
		json.NewEncoder(w).Encode(completionResponse{Response: "ok"})
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL}, zap.NewNop())
	_, err := c.CompleteChat(context.Background(), "", nil, false)
	assert.NoError(t, err)
}

func TestCompleteChatGatewayError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL}, zap.NewNop())
	_, err := c.CompleteChat(context.Background(), "", nil, true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestCompleteChatHonorsContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(5 * time.Second)
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL}, zap.NewNop())
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := c.CompleteChat(ctx, "", nil, false)
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}
