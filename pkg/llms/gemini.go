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

// GeminiProvider speaks the Gemini generateContent API directly.
// Based on: https://ai.google.dev/api/generate-content
type GeminiProvider struct {
	cfg        config.ProviderConfig
	httpClient *httpclient.Client
}

// geminiRequest is the request payload for :streamGenerateContent.
type geminiRequest struct {
	Contents          []geminiContent         `json:"contents"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"` // "user" or "model"
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text    string `json:"text"`
	Thought bool   `json:"thought,omitempty"` // reasoning parts carry thought=true
}

type geminiGenerationConfig struct {
	Temperature      *float64              `json:"temperature,omitempty"`
	MaxOutputTokens  int                   `json:"maxOutputTokens,omitempty"`
	ResponseMimeType string                `json:"responseMimeType,omitempty"`
	ThinkingConfig   *geminiThinkingConfig `json:"thinkingConfig,omitempty"`
}

type geminiThinkingConfig struct {
	IncludeThoughts bool `json:"includeThoughts"`
}

// geminiStreamChunk is one SSE data record from :streamGenerateContent.
type geminiStreamChunk struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata *struct {
		TotalTokenCount int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// NewGeminiProvider creates a Gemini adapter.
func NewGeminiProvider(cfg config.ProviderConfig) *GeminiProvider {
	client := httpclient.New(
		httpclient.WithHTTPClient(&http.Client{
			Timeout: time.Duration(cfg.Timeout) * time.Second,
		}),
		httpclient.WithMaxRetries(cfg.MaxRetries),
	)
	return &GeminiProvider{cfg: cfg, httpClient: client}
}

// Name returns the provider family name.
func (p *GeminiProvider) Name() string {
	return p.cfg.Family
}

// Stream implements Provider.
func (p *GeminiProvider) Stream(ctx context.Context, model string, messages []Message, opts Options) (<-chan StreamChunk, error) {
	tracer := observability.GetTracer("unify.llm")
	ctx, span := tracer.Start(ctx, observability.SpanLLMRequest,
		trace.WithAttributes(
			attribute.String(observability.AttrLLMModel, model),
			attribute.String("provider", p.cfg.Family),
			attribute.Bool("thinking", opts.ThinkingEnabled),
		),
	)

	req := p.buildRequest(messages, opts)
	url := fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?alt=sse",
		strings.TrimSuffix(p.cfg.BaseURL, "/"), model)

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

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
		if err != nil {
			fail(&ProviderError{Provider: p.cfg.Family, Kind: ErrKindBadReq, Message: err.Error(), Err: err})
			return
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("x-goog-api-key", strings.TrimSpace(p.cfg.APIKey))

		resp, err := p.httpClient.Do(httpReq)
		if err != nil {
			fail(wrapTransportError(p.cfg.Family, err))
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			bodyBytes, _ := io.ReadAll(resp.Body)
			msg := string(bodyBytes)
			var errChunk geminiStreamChunk
			if json.Unmarshal(bodyBytes, &errChunk) == nil && errChunk.Error != nil {
				msg = errChunk.Error.Message
			}
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

// buildRequest converts messages to Gemini contents. System messages fold
// into systemInstruction; assistant becomes role "model".
func (p *GeminiProvider) buildRequest(messages []Message, opts Options) *geminiRequest {
	var contents []geminiContent
	var system *geminiContent

	for _, m := range messages {
		switch m.Role {
		case "system":
			if system == nil {
				system = &geminiContent{Parts: []geminiPart{{Text: m.Content}}}
			} else {
				system.Parts = append(system.Parts, geminiPart{Text: m.Content})
			}
		case "assistant":
			contents = append(contents, geminiContent{Role: "model", Parts: []geminiPart{{Text: m.Content}}})
		default:
			contents = append(contents, geminiContent{Role: "user", Parts: []geminiPart{{Text: m.Content}}})
		}
	}

	genCfg := &geminiGenerationConfig{
		Temperature:     opts.Temperature,
		MaxOutputTokens: opts.MaxTokens,
	}
	if opts.JSONMode {
		genCfg.ResponseMimeType = "application/json"
	}
	if opts.ThinkingEnabled {
		genCfg.ThinkingConfig = &geminiThinkingConfig{IncludeThoughts: true}
	}

	return &geminiRequest{
		Contents:          contents,
		SystemInstruction: system,
		GenerationConfig:  genCfg,
	}
}

// readStream parses the SSE body and forwards chunks until EOF. Returns
// the reported token usage and the mid-stream error, if any.
func (p *GeminiProvider) readStream(body io.Reader, outputCh chan<- StreamChunk, span trace.Span) (int, error) {
	reader := bufio.NewReader(body)
	totalTokens := 0

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

		var chunk geminiStreamChunk
		if err := json.Unmarshal(line[6:], &chunk); err != nil {
			slog.Debug("Failed to parse streaming chunk",
				"provider", p.cfg.Family, "error", err)
			continue
		}

		if chunk.Error != nil {
			perr := statusError(p.cfg.Family, chunk.Error.Code, chunk.Error.Message)
			span.RecordError(perr)
			span.SetStatus(codes.Error, perr.Message)
			outputCh <- StreamChunk{Type: ChunkError, Err: perr}
			return totalTokens, perr
		}

		if chunk.UsageMetadata != nil {
			totalTokens = chunk.UsageMetadata.TotalTokenCount
		}

		for _, cand := range chunk.Candidates {
			for _, part := range cand.Content.Parts {
				if part.Text == "" {
					continue
				}
				if part.Thought {
					outputCh <- StreamChunk{Type: ChunkThinking, Thinking: part.Text}
				} else {
					outputCh <- StreamChunk{Type: ChunkText, Text: part.Text}
				}
			}
		}
	}

	span.SetStatus(codes.Ok, "success")
	outputCh <- StreamChunk{Type: ChunkDone, Tokens: totalTokens}
	return totalTokens, nil
}
