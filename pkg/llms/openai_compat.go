package llms

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/TanyuSylvain/unify-llm/pkg/config"
	"github.com/TanyuSylvain/unify-llm/pkg/httpclient"
	"github.com/TanyuSylvain/unify-llm/pkg/observability"
)

// OpenAICompatProvider speaks the OpenAI chat-completions SSE wire format.
// It serves the OpenAI, Mistral, Qwen, GLM, MiniMax and DeepSeek families,
// which differ only in base URL, authentication key and thinking knobs.
type OpenAICompatProvider struct {
	cfg        config.ProviderConfig
	httpClient *httpclient.Client
}

// chatRequest is the request payload for /chat/completions.
type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Stream      bool          `json:"stream"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`

	// EnableThinking toggles the reasoning channel on Qwen/GLM-style
	// models. Providers without the knob ignore it.
	EnableThinking *bool `json:"enable_thinking,omitempty"`

	ResponseFormat *responseFormat `json:"response_format,omitempty"`

	StreamOptions *streamOptions `json:"stream_options,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"` // "json_object"
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

// chatStreamChunk is one SSE data record from /chat/completions.
type chatStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content          string `json:"content"`
			ReasoningContent string `json:"reasoning_content"` // thinking models (DeepSeek-R1, Qwen, GLM, MiniMax)
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *chatUsage `json:"usage"`
	Error *chatError `json:"error"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type chatError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    any    `json:"code"`
}

// NewOpenAICompatProvider creates an adapter for one provider family.
func NewOpenAICompatProvider(cfg config.ProviderConfig) *OpenAICompatProvider {
	client := httpclient.New(
		httpclient.WithHTTPClient(&http.Client{
			Timeout: time.Duration(cfg.Timeout) * time.Second,
		}),
		httpclient.WithMaxRetries(cfg.MaxRetries),
		httpclient.WithHeaderParser(httpclient.ParseOpenAIRateLimitHeaders),
	)
	return &OpenAICompatProvider{cfg: cfg, httpClient: client}
}

// Name returns the provider family name.
func (p *OpenAICompatProvider) Name() string {
	return p.cfg.Family
}

// Stream implements Provider.
func (p *OpenAICompatProvider) Stream(ctx context.Context, model string, messages []Message, opts Options) (<-chan StreamChunk, error) {
	tracer := observability.GetTracer("unify.llm")
	ctx, span := tracer.Start(ctx, observability.SpanLLMRequest,
		trace.WithAttributes(
			attribute.String(observability.AttrLLMModel, model),
			attribute.String("provider", p.cfg.Family),
			attribute.Bool("thinking", opts.ThinkingEnabled),
		),
	)

	req := p.buildRequest(model, messages, opts)

	outputCh := make(chan StreamChunk, streamChannelBufferSize)
	startTime := time.Now()

	go func() {
		defer span.End()
		defer close(outputCh)

		fail := func(perr *ProviderError) {
			span.RecordError(perr)
			span.SetStatus(codes.Error, perr.Message)
			if m := observability.GetGlobalMetrics(); m != nil {
				m.RecordLLMCall(ctx, model, time.Since(startTime), 0, perr)
			}
			outputCh <- StreamChunk{Type: ChunkError, Err: perr}
		}

		reqBody, err := json.Marshal(req)
		if err != nil {
			fail(&ProviderError{Provider: p.cfg.Family, Kind: ErrKindBadReq, Message: err.Error(), Err: err})
			return
		}

		url := strings.TrimSuffix(p.cfg.BaseURL, "/") + "/chat/completions"
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
		if err != nil {
			fail(&ProviderError{Provider: p.cfg.Family, Kind: ErrKindBadReq, Message: err.Error(), Err: err})
			return
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Authorization", "Bearer "+strings.TrimSpace(p.cfg.APIKey))

		resp, err := p.httpClient.Do(httpReq)
		if err != nil {
			fail(wrapTransportError(p.cfg.Family, err))
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			bodyBytes, _ := io.ReadAll(resp.Body)
			msg := string(bodyBytes)
			var errResp chatStreamChunk
			if json.Unmarshal(bodyBytes, &errResp) == nil && errResp.Error != nil {
				msg = errResp.Error.Message
			}
			slog.Debug("Chat completions error response",
				"provider", p.cfg.Family, "status", resp.StatusCode)
			fail(statusError(p.cfg.Family, resp.StatusCode, msg))
			return
		}

		tokens, streamErr := p.readStream(resp.Body, outputCh, span)
		if m := observability.GetGlobalMetrics(); m != nil {
			m.RecordLLMCall(ctx, model, time.Since(startTime), tokens, streamErr)
		}
	}()

	return outputCh, nil
}

// buildRequest builds the chat-completions payload for one call.
func (p *OpenAICompatProvider) buildRequest(model string, messages []Message, opts Options) *chatRequest {
	req := &chatRequest{
		Model:         model,
		Messages:      make([]chatMessage, 0, len(messages)),
		Stream:        true,
		Temperature:   opts.Temperature,
		MaxTokens:     opts.MaxTokens,
		StreamOptions: &streamOptions{IncludeUsage: true},
	}
	for _, m := range messages {
		req.Messages = append(req.Messages, chatMessage{Role: m.Role, Content: m.Content})
	}

	// Qwen and GLM reject enable_thinking=false on locked reasoning
	// models, so only send the knob when the caller asked for thinking.
	if opts.ThinkingEnabled {
		t := true
		req.EnableThinking = &t
	}

	if opts.JSONMode {
		req.ResponseFormat = &responseFormat{Type: "json_object"}
	}
	return req
}

// readStream parses the SSE body and forwards chunks until [DONE] or EOF.
// Returns the reported token usage and the mid-stream error, if any.
func (p *OpenAICompatProvider) readStream(body io.Reader, outputCh chan<- StreamChunk, span trace.Span) (int, error) {
	// bufio.Reader with ReadBytes has no fixed line limit, unlike
	// Scanner's default 64KB, which long deltas can exceed.
	reader := bufio.NewReader(body)
	totalTokens := 0
	done := false

	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF {
				break
			}
			perr := wrapTransportError(p.cfg.Family, fmt.Errorf("failed to read stream: %w", err))
			span.RecordError(perr)
			span.SetStatus(codes.Error, perr.Message)
			outputCh <- StreamChunk{Type: ChunkError, Err: perr}
			return totalTokens, perr
		}

		line = bytes.TrimSpace(line)
		if len(line) == 0 || !bytes.HasPrefix(line, []byte("data: ")) {
			continue
		}
		data := line[6:]

		if bytes.Equal(data, []byte("[DONE]")) {
			done = true
			break
		}

		var chunk chatStreamChunk
		if err := json.Unmarshal(data, &chunk); err != nil {
			slog.Debug("Failed to parse streaming chunk",
				"provider", p.cfg.Family, "error", err)
			continue
		}

		if chunk.Error != nil {
			perr := &ProviderError{
				Provider: p.cfg.Family,
				Kind:     ErrKindUpstream,
				Message:  chunk.Error.Message,
			}
			span.RecordError(perr)
			span.SetStatus(codes.Error, perr.Message)
			outputCh <- StreamChunk{Type: ChunkError, Err: perr}
			return totalTokens, perr
		}

		if chunk.Usage != nil {
			totalTokens = chunk.Usage.TotalTokens
		}

		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta
		if delta.ReasoningContent != "" {
			outputCh <- StreamChunk{Type: ChunkThinking, Thinking: delta.ReasoningContent}
		}
		if delta.Content != "" {
			outputCh <- StreamChunk{Type: ChunkText, Text: delta.Content}
		}
	}

	if !done {
		slog.Debug("Stream ended without [DONE] marker", "provider", p.cfg.Family)
	}
	span.SetStatus(codes.Ok, "success")
	outputCh <- StreamChunk{Type: ChunkDone, Tokens: totalTokens}
	return totalTokens, nil
}
