package llms

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TanyuSylvain/unify-llm/pkg/config"
)

func testProviderConfig(family, baseURL string) config.ProviderConfig {
	return config.ProviderConfig{
		Family:  family,
		APIKey:  "sk-test-key",
		BaseURL: baseURL,
		Timeout: 10,
	}
}

// sseHandler writes pre-baked SSE lines as a chat-completions stream.
func sseHandler(t *testing.T, lines []string) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, line := range lines {
			fmt.Fprintf(w, "data: %s\n\n", line)
		}
	}
}

func collectChunks(t *testing.T, ch <-chan StreamChunk) (text, thinking string, tokens int, err error) {
	t.Helper()
	for chunk := range ch {
		switch chunk.Type {
		case ChunkText:
			text += chunk.Text
		case ChunkThinking:
			thinking += chunk.Thinking
		case ChunkDone:
			tokens = chunk.Tokens
		case ChunkError:
			err = chunk.Err
		}
	}
	return text, thinking, tokens, err
}

func TestOpenAICompatStream_TextChunks(t *testing.T) {
	srv := httptest.NewServer(sseHandler(t, []string{
		`{"choices":[{"delta":{"content":"Hello"}}]}`,
		`{"choices":[{"delta":{"content":", "}}]}`,
		`{"choices":[{"delta":{"content":"world"}}]}`,
		`{"choices":[],"usage":{"total_tokens":12}}`,
		`[DONE]`,
	}))
	defer srv.Close()

	p := NewOpenAICompatProvider(testProviderConfig("deepseek", srv.URL))
	ch, err := p.Stream(context.Background(), "deepseek-chat",
		[]Message{{Role: "user", Content: "hi"}}, Options{})
	require.NoError(t, err)

	text, thinking, tokens, streamErr := collectChunks(t, ch)
	require.NoError(t, streamErr)
	assert.Equal(t, "Hello, world", text)
	assert.Empty(t, thinking)
	assert.Equal(t, 12, tokens)
}

func TestOpenAICompatStream_ThinkingChannel(t *testing.T) {
	srv := httptest.NewServer(sseHandler(t, []string{
		`{"choices":[{"delta":{"reasoning_content":"let me think"}}]}`,
		`{"choices":[{"delta":{"reasoning_content":" harder"}}]}`,
		`{"choices":[{"delta":{"content":"42"}}]}`,
		`[DONE]`,
	}))
	defer srv.Close()

	p := NewOpenAICompatProvider(testProviderConfig("deepseek", srv.URL))
	ch, err := p.Stream(context.Background(), "deepseek-reasoner",
		[]Message{{Role: "user", Content: "question"}}, Options{ThinkingEnabled: true})
	require.NoError(t, err)

	text, thinking, _, streamErr := collectChunks(t, ch)
	require.NoError(t, streamErr)
	assert.Equal(t, "42", text)
	assert.Equal(t, "let me think harder", thinking)
}

func TestOpenAICompatStream_ChunkOrdering(t *testing.T) {
	srv := httptest.NewServer(sseHandler(t, []string{
		`{"choices":[{"delta":{"content":"a"}}]}`,
		`{"choices":[{"delta":{"content":"b"}}]}`,
		`[DONE]`,
	}))
	defer srv.Close()

	p := NewOpenAICompatProvider(testProviderConfig("openai", srv.URL))
	ch, err := p.Stream(context.Background(), "gpt-4o",
		[]Message{{Role: "user", Content: "hi"}}, Options{})
	require.NoError(t, err)

	var types []string
	for chunk := range ch {
		types = append(types, chunk.Type)
	}
	assert.Equal(t, []string{ChunkText, ChunkText, ChunkDone}, types)
}

func TestOpenAICompatStream_ErrorKinds(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		wantKind ErrorKind
	}{
		{"unauthorized", http.StatusUnauthorized, ErrKindAuth},
		{"forbidden", http.StatusForbidden, ErrKindAuth},
		{"rate limited", http.StatusTooManyRequests, ErrKindRateLimit},
		{"bad request", http.StatusBadRequest, ErrKindBadReq},
		{"server error", http.StatusInternalServerError, ErrKindUpstream},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, `{"error":{"message":"nope"}}`)
			}))
			defer srv.Close()

			p := NewOpenAICompatProvider(testProviderConfig("openai", srv.URL))
			ch, err := p.Stream(context.Background(), "gpt-4o",
				[]Message{{Role: "user", Content: "hi"}}, Options{})
			require.NoError(t, err)

			_, _, _, streamErr := collectChunks(t, ch)
			require.Error(t, streamErr)
			var perr *ProviderError
			require.ErrorAs(t, streamErr, &perr)
			assert.Equal(t, tt.wantKind, perr.Kind)
			assert.Equal(t, "nope", perr.Message)
		})
	}
}

func TestOpenAICompatStream_RequestBody(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		assert.Equal(t, "Bearer sk-test-key", r.Header.Get("Authorization"))
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	p := NewOpenAICompatProvider(testProviderConfig("qwen", srv.URL))
	ch, err := p.Stream(context.Background(), "qwen-plus",
		[]Message{
			{Role: "system", Content: "be brief"},
			{Role: "user", Content: "hi"},
		},
		Options{ThinkingEnabled: true, JSONMode: true, MaxTokens: 256})
	require.NoError(t, err)
	for range ch {
	}

	assert.Equal(t, "qwen-plus", got.Model)
	assert.True(t, got.Stream)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "system", got.Messages[0].Role)
	require.NotNil(t, got.EnableThinking)
	assert.True(t, *got.EnableThinking)
	require.NotNil(t, got.ResponseFormat)
	assert.Equal(t, "json_object", got.ResponseFormat.Type)
	assert.Equal(t, 256, got.MaxTokens)
}

func TestOpenAICompatStream_NoThinkingKnobWhenDisabled(t *testing.T) {
	var body string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		body = string(raw)
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	p := NewOpenAICompatProvider(testProviderConfig("qwen", srv.URL))
	ch, err := p.Stream(context.Background(), "qwen-max",
		[]Message{{Role: "user", Content: "hi"}}, Options{})
	require.NoError(t, err)
	for range ch {
	}

	assert.NotContains(t, body, "enable_thinking")
}

func TestOpenAICompatStream_MidStreamError(t *testing.T) {
	srv := httptest.NewServer(sseHandler(t, []string{
		`{"choices":[{"delta":{"content":"partial"}}]}`,
		`{"error":{"message":"upstream exploded"}}`,
	}))
	defer srv.Close()

	p := NewOpenAICompatProvider(testProviderConfig("mistral", srv.URL))
	ch, err := p.Stream(context.Background(), "mistral-large-latest",
		[]Message{{Role: "user", Content: "hi"}}, Options{})
	require.NoError(t, err)

	text, _, _, streamErr := collectChunks(t, ch)
	// Partial text is not retracted; the stream ends with one error.
	assert.Equal(t, "partial", text)
	require.Error(t, streamErr)
}

func TestOpenAICompatStream_Cancellation(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"x\"}}]}\n\n")
		w.(http.Flusher).Flush()
		<-release
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	p := NewOpenAICompatProvider(testProviderConfig("glm", srv.URL))
	ch, err := p.Stream(ctx, "glm-4.5",
		[]Message{{Role: "user", Content: "hi"}}, Options{})
	require.NoError(t, err)

	first := <-ch
	assert.Equal(t, ChunkText, first.Type)
	cancel()

	// The channel must close promptly after cancellation.
	for range ch {
	}
}
