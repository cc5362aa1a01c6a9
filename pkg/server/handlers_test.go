package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TanyuSylvain/unify-llm/pkg/config"
	"github.com/TanyuSylvain/unify-llm/pkg/llms"
	"github.com/TanyuSylvain/unify-llm/pkg/store"
)

// fakeProvider replays scripted replies, one per Stream call.
type fakeProvider struct {
	mu      sync.Mutex
	replies []fakeReply
}

type fakeReply struct {
	chunks []string
	err    error
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Stream(ctx context.Context, model string, messages []llms.Message, opts llms.Options) (<-chan llms.StreamChunk, error) {
	p.mu.Lock()
	var reply fakeReply
	if len(p.replies) > 0 {
		reply = p.replies[0]
		p.replies = p.replies[1:]
	}
	p.mu.Unlock()

	ch := make(chan llms.StreamChunk, 8)
	go func() {
		defer close(ch)
		if reply.err != nil {
			ch <- llms.StreamChunk{Type: llms.ChunkError, Err: reply.err}
			return
		}
		for _, c := range reply.chunks {
			ch <- llms.StreamChunk{Type: llms.ChunkText, Text: c}
		}
		ch <- llms.StreamChunk{Type: llms.ChunkDone, Tokens: 5}
	}()
	return ch, nil
}

func testServer(t *testing.T, provider *fakeProvider) (*httptest.Server, *store.Store) {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	registry := llms.NewRegistry()
	require.NoError(t, registry.Register(provider, []llms.ModelInfo{
		{ModelID: "fake-model", ModelName: "Fake", SupportsJSONMode: true},
	}))

	cfg := &config.Config{}
	cfg.SetDefaults()
	cfg.Debate.CallTimeout = 5 * time.Second
	cfg.Debate.TotalTimeout = 30 * time.Second

	srv := New(cfg, st, registry, nil)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts, st
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", strings.NewReader(string(data)))
	require.NoError(t, err)
	return resp
}

func TestHealth(t *testing.T) {
	ts, _ := testServer(t, &fakeProvider{})

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body healthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, []string{"fake"}, body.Providers)
}

func TestModels(t *testing.T) {
	ts, _ := testServer(t, &fakeProvider{})

	resp, err := http.Get(ts.URL + "/models/")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body struct {
		Models []llms.ModelInfo `json:"models"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Models, 1)
	assert.Equal(t, "fake-model", body.Models[0].ModelID)
	assert.Equal(t, "fake", body.Models[0].ProviderName)
}

func TestProviderInfo(t *testing.T) {
	ts, _ := testServer(t, &fakeProvider{})

	resp, err := http.Get(ts.URL + "/models/providers/fake")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/models/providers/nope")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestChatStream_Validation(t *testing.T) {
	ts, _ := testServer(t, &fakeProvider{})

	tests := []struct {
		name string
		body map[string]any
	}{
		{"missing message", map[string]any{"conversation_id": "c1", "model": "fake-model"}},
		{"oversized conversation id", map[string]any{"message": "hi",
			"conversation_id": strings.Repeat("x", 200), "model": "fake-model"}},
		{"unknown model", map[string]any{"message": "hi", "conversation_id": "c1", "model": "bogus"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postJSON(t, ts.URL+"/chat/stream", tt.body)
			defer resp.Body.Close()
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

			var body errorBody
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
			assert.NotEmpty(t, body.Detail)
		})
	}
}

func TestChatStream_RelaysTokensAndPersists(t *testing.T) {
	provider := &fakeProvider{replies: []fakeReply{
		{chunks: []string{"4"}},
	}}
	ts, st := testServer(t, provider)

	resp := postJSON(t, ts.URL+"/chat/stream", map[string]any{
		"message":         "What is 2+2?",
		"conversation_id": "c1",
		"model":           "fake-model",
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "4", string(body))

	// The user turn and assistant answer are both persisted.
	require.Eventually(t, func() bool {
		conv, err := st.GetConversation(context.Background(), "c1")
		return err == nil && conv.MessageCount == 2
	}, 2*time.Second, 10*time.Millisecond)

	messages, err := st.LoadMessages(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "user", messages[0].Role)
	assert.Equal(t, "What is 2+2?", messages[0].Content)
	assert.Equal(t, "assistant", messages[1].Role)
	assert.Equal(t, "4", messages[1].Content)
}

func TestChatStream_GeneratesConversationID(t *testing.T) {
	provider := &fakeProvider{replies: []fakeReply{{chunks: []string{"hi"}}}}
	ts, st := testServer(t, provider)

	resp := postJSON(t, ts.URL+"/chat/stream", map[string]any{
		"message": "hello",
		"model":   "fake-model",
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	id := resp.Header.Get("X-Conversation-Id")
	require.NotEmpty(t, id)
	io.Copy(io.Discard, resp.Body)

	_, err := st.GetConversation(context.Background(), id)
	assert.NoError(t, err, "the minted id must identify the stored conversation")
}

func TestChatStream_ProviderErrorBeforeBytes(t *testing.T) {
	provider := &fakeProvider{replies: []fakeReply{
		{err: &llms.ProviderError{Provider: "fake", Kind: llms.ErrKindAuth,
			Status: 401, Message: "bad key"}},
	}}
	ts, _ := testServer(t, provider)

	resp := postJSON(t, ts.URL+"/chat/stream", map[string]any{
		"message":         "hi",
		"conversation_id": "c1",
		"model":           "fake-model",
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestMultiAgentStream_Validation(t *testing.T) {
	ts, _ := testServer(t, &fakeProvider{})

	models := map[string]any{
		"moderator": "fake-model", "expert": "fake-model", "critic": "fake-model",
	}
	tests := []struct {
		name string
		body map[string]any
	}{
		{"missing message", map[string]any{
			"conversation_id": "c1", "models": models,
			"max_iterations": 3, "score_threshold": 80}},
		{"iterations out of range", map[string]any{
			"message": "q", "conversation_id": "c1", "models": models,
			"max_iterations": 11, "score_threshold": 80}},
		{"threshold out of range", map[string]any{
			"message": "q", "conversation_id": "c1", "models": models,
			"max_iterations": 3, "score_threshold": 40}},
		{"unknown model", map[string]any{
			"message": "q", "conversation_id": "c1",
			"models": map[string]any{"moderator": "bogus", "expert": "fake-model", "critic": "fake-model"},
			"max_iterations": 3, "score_threshold": 80}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postJSON(t, ts.URL+"/chat/multi-agent/stream", tt.body)
			defer resp.Body.Close()
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
}

func TestMultiAgentStream_DirectAnswerFlow(t *testing.T) {
	provider := &fakeProvider{replies: []fakeReply{
		{chunks: []string{`{"intent":"i","key_constraints":[],"complexity":"simple",` +
			`"complexity_reason":"r","decision":"direct_answer","direct_answer":"4"}`}},
	}}
	ts, st := testServer(t, provider)

	resp := postJSON(t, ts.URL+"/chat/multi-agent/stream", map[string]any{
		"message":         "What is 2+2?",
		"conversation_id": "c1",
		"models": map[string]any{
			"moderator": "fake-model", "expert": "fake-model", "critic": "fake-model",
		},
		"max_iterations":  3,
		"score_threshold": 80,
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var types []string
	for _, line := range strings.Split(string(body), "\n") {
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev struct {
			Type string `json:"type"`
		}
		require.NoError(t, json.Unmarshal([]byte(line[6:]), &ev))
		types = append(types, ev.Type)
	}
	assert.Equal(t, []string{"moderator_init", "done"}, types)

	conv, err := st.GetConversation(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, store.ModeDebate, conv.Mode)
}

func TestConversationEndpoints(t *testing.T) {
	ts, st := testServer(t, &fakeProvider{})
	ctx := context.Background()
	require.NoError(t, st.CreateOrTouch(ctx, "c1", "fake-model"))
	_, err := st.AppendMessage(ctx, store.AppendParams{
		ConversationID: "c1", Role: "user", Content: "hello", MessageType: "user"})
	require.NoError(t, err)

	resp, err := http.Get(ts.URL + "/conversations?limit=10")
	require.NoError(t, err)
	var list struct {
		Conversations []struct {
			ID           string `json:"id"`
			MessageCount int    `json:"message_count"`
			Mode         string `json:"mode"`
		} `json:"conversations"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	resp.Body.Close()
	require.Len(t, list.Conversations, 1)
	assert.Equal(t, "c1", list.Conversations[0].ID)
	assert.Equal(t, 1, list.Conversations[0].MessageCount)

	resp, err = http.Get(ts.URL + "/conversations/c1")
	require.NoError(t, err)
	var msgs struct {
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&msgs))
	resp.Body.Close()
	require.Len(t, msgs.Messages, 1)
	assert.Equal(t, "hello", msgs.Messages[0].Content)

	resp, err = http.Get(ts.URL + "/conversations/ghost/info")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/conversations/c1", nil)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	var del map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&del))
	resp.Body.Close()
	assert.Equal(t, true, del["deleted"])

	resp, err = http.Get(ts.URL + "/conversations/c1/info")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDeleteAllConversations(t *testing.T) {
	ts, st := testServer(t, &fakeProvider{})
	ctx := context.Background()
	require.NoError(t, st.CreateOrTouch(ctx, "c1", ""))
	require.NoError(t, st.CreateOrTouch(ctx, "c2", ""))

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/conversations", nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]float64
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, float64(2), body["deleted_count"])
}

func TestSwitchModeEndpoint(t *testing.T) {
	ts, st := testServer(t, &fakeProvider{})
	require.NoError(t, st.CreateOrTouch(context.Background(), "c1", ""))

	resp := postJSON(t, ts.URL+"/conversations/c1/switch-mode", map[string]any{
		"target_mode": "debate",
		"debate_config": map[string]any{
			"max_iterations": 3, "score_threshold": 80,
			"models": map[string]any{"moderator": "fake-model", "expert": "fake-model", "critic": "fake-model"},
		},
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Success bool   `json:"success"`
		Mode    string `json:"mode"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.True(t, body.Success)
	assert.Equal(t, "debate", body.Mode)

	resp = postJSON(t, ts.URL+"/conversations/ghost/switch-mode", map[string]any{
		"target_mode": "debate",
	})
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = postJSON(t, ts.URL+"/conversations/c1/switch-mode", map[string]any{
		"target_mode": "sideways",
	})
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
