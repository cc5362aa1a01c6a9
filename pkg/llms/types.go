// Package llms unifies the LLM provider HTTP APIs behind one streaming
// contract.
package llms

import "context"

// Message represents a single message in a conversation.
type Message struct {
	Role    string `json:"role"` // "user", "assistant", "system"
	Content string `json:"content"`
}

// Chunk types emitted on the stream channel.
const (
	ChunkText     = "text"
	ChunkThinking = "thinking"
	ChunkDone     = "done"
	ChunkError    = "error"
)

// StreamChunk represents a chunk of a streaming response.
//
// Contract: text chunks arrive in order and their concatenation equals the
// final assistant content. Thinking chunks carry reasoning content on
// providers that expose it separately. Exactly one done or error chunk
// closes the stream; partial text already emitted is never retracted.
type StreamChunk struct {
	Type     string // "text", "thinking", "done", "error"
	Text     string // For text chunks
	Thinking string // For thinking chunks
	Tokens   int    // For done chunks: total token usage, if reported
	Err      error  // For error chunks
}

// Options is the capability map for one streaming call.
type Options struct {
	ThinkingEnabled bool
	JSONMode        bool
	Temperature     *float64
	MaxTokens       int
}

// Provider streams chat completions for the models of one provider family.
//
// The returned channel is finite and not restartable: it is closed after
// the terminal done or error chunk. Cancelling ctx stops the upstream HTTP
// read promptly.
type Provider interface {
	Stream(ctx context.Context, model string, messages []Message, opts Options) (<-chan StreamChunk, error)

	// Name returns the provider family name (e.g. "deepseek").
	Name() string
}

// ModelInfo is the capability record for one registered model.
type ModelInfo struct {
	ProviderName     string `json:"provider_name"`
	ModelID          string `json:"model_id"`
	ModelName        string `json:"model_name"`
	Description      string `json:"description"`
	SupportsThinking bool   `json:"supports_thinking"`
	ThinkingLocked   bool   `json:"thinking_locked"`
	SupportsJSONMode bool   `json:"supports_json_mode"`
}

// streamChannelBufferSize is the buffer for adapter output channels, large
// enough that the upstream read loop is not blocked on slow SSE writes.
const streamChannelBufferSize = 100
