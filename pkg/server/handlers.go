package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/TanyuSylvain/unify-llm/pkg/debate"
	"github.com/TanyuSylvain/unify-llm/pkg/llms"
	"github.com/TanyuSylvain/unify-llm/pkg/store"
)

// conversationIDMaxLen bounds client-supplied ids. Ids are otherwise
// opaque; UUID shape is not enforced.
const conversationIDMaxLen = 128

// healthResponse is the /health payload.
type healthResponse struct {
	Status    string   `json:"status"`
	Providers []string `json:"providers"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:    "ok",
		Providers: s.registry.Providers(),
	})
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"models": s.registry.Models(),
	})
}

func (s *Server) handleProviderInfo(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	models, err := s.registry.ProviderModels(name)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"provider_name": name,
		"models":        models,
	})
}

// chatStreamRequest is the /chat/stream request body.
type chatStreamRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id"`
	Model          string `json:"model"`
	Thinking       bool   `json:"thinking"`
}

// resolveConversationID accepts the client-supplied id as an opaque
// string, or mints a fresh UUID when none was sent. The effective id is
// echoed in the X-Conversation-Id response header.
func resolveConversationID(w http.ResponseWriter, id string) (string, string) {
	if id == "" {
		id = uuid.NewString()
	}
	if len(id) > conversationIDMaxLen {
		return "", "conversation_id too long"
	}
	w.Header().Set("X-Conversation-Id", id)
	return id, ""
}

// handleChatStream forwards one user message to a single provider and
// relays its token stream as plain UTF-8 text, terminated by normal close.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	var req chatStreamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}
	id, detail := resolveConversationID(w, req.ConversationID)
	if detail != "" {
		writeError(w, http.StatusBadRequest, detail)
		return
	}
	req.ConversationID = id

	provider, info, err := s.registry.Resolve(req.Model)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx := r.Context()
	if err := s.store.CreateOrTouch(ctx, req.ConversationID, req.Model); err != nil {
		writeMappedError(w, err)
		return
	}

	messages, err := s.store.LoadMessages(ctx, req.ConversationID)
	if err != nil {
		writeMappedError(w, err)
		return
	}

	if _, err := s.store.AppendMessage(ctx, store.AppendParams{
		ConversationID: req.ConversationID,
		Role:           "user",
		Content:        req.Message,
		MessageType:    "user",
	}); err != nil {
		writeMappedError(w, err)
		return
	}

	history := buildChatHistory(messages, req.Message)
	opts := llms.Options{
		ThinkingEnabled: (req.Thinking || info.ThinkingLocked) && info.SupportsThinking,
	}

	ch, err := provider.Stream(ctx, req.Model, history, opts)
	if err != nil {
		writeMappedError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")

	var full strings.Builder
	bytesSent := false
	completed := false

	for chunk := range ch {
		switch chunk.Type {
		case llms.ChunkText:
			if _, err := w.Write([]byte(chunk.Text)); err != nil {
				// Client gone; returning ends the request context, which
				// stops the upstream read.
				slog.Debug("Client disconnected mid-stream",
					"conversation_id", req.ConversationID)
				return
			}
			flusher.Flush()
			full.WriteString(chunk.Text)
			bytesSent = true
		case llms.ChunkThinking:
			// Simple mode relays answer tokens only.
		case llms.ChunkDone:
			completed = true
		case llms.ChunkError:
			if !bytesSent {
				writeMappedError(w, chunk.Err)
			} else {
				slog.Warn("Provider stream failed mid-response",
					"conversation_id", req.ConversationID, "error", chunk.Err)
			}
			return
		}
	}

	if !completed {
		return
	}

	// Persistence uses a fresh context: the assistant turn is complete
	// even if the client disconnects while we write it.
	persistCtx, cancel := contextWithTimeout(5 * time.Second)
	defer cancel()
	if _, err := s.store.AppendMessage(persistCtx, store.AppendParams{
		ConversationID: req.ConversationID,
		Role:           "assistant",
		Content:        full.String(),
		Model:          req.Model,
		MessageType:    "final_answer",
	}); err != nil {
		slog.Error("Failed to persist assistant message",
			"conversation_id", req.ConversationID, "error", err)
	}
}

// contextWithTimeout builds a request-independent context for writes that
// must complete even after client disconnect.
func contextWithTimeout(d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), d)
}

// buildChatHistory converts stored history plus the new user message into
// provider messages.
func buildChatHistory(history []store.Message, userMessage string) []llms.Message {
	out := make([]llms.Message, 0, len(history)+1)
	for _, m := range history {
		if m.Role != "user" && m.Role != "assistant" {
			continue
		}
		// Debate artifacts are internal; only surfaced turns feed the
		// simple-mode history.
		switch m.MessageType {
		case "", "user", "final_answer":
			out = append(out, llms.Message{Role: m.Role, Content: m.Content})
		}
	}
	return append(out, llms.Message{Role: "user", Content: userMessage})
}

// multiAgentRequest is the /chat/multi-agent/stream request body.
type multiAgentRequest struct {
	Message        string              `json:"message"`
	ConversationID string              `json:"conversation_id"`
	Models         debate.RoleModels   `json:"models"`
	MaxIterations  int                 `json:"max_iterations"`
	ScoreThreshold float64             `json:"score_threshold"`
	Thinking       debate.RoleThinking `json:"thinking"`
}

func (s *Server) validateMultiAgent(req *multiAgentRequest) string {
	if strings.TrimSpace(req.Message) == "" {
		return "message is required"
	}
	for _, model := range []string{req.Models.Moderator, req.Models.Expert, req.Models.Critic} {
		if model == "" {
			return "models.moderator, models.expert and models.critic are required"
		}
		if _, _, err := s.registry.Resolve(model); err != nil {
			return err.Error()
		}
	}
	cfg := debate.Config{MaxIterations: req.MaxIterations, ScoreThreshold: req.ScoreThreshold}
	if err := cfg.Validate(); err != nil {
		return err.Error()
	}
	return ""
}

// handleMultiAgentStream runs one debate turn and relays the typed event
// stream over SSE.
func (s *Server) handleMultiAgentStream(w http.ResponseWriter, r *http.Request) {
	var req multiAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if detail := s.validateMultiAgent(&req); detail != "" {
		writeError(w, http.StatusBadRequest, detail)
		return
	}
	id, detail := resolveConversationID(w, req.ConversationID)
	if detail != "" {
		writeError(w, http.StatusBadRequest, detail)
		return
	}
	req.ConversationID = id

	cfg := debate.Config{
		Models:         req.Models,
		MaxIterations:  req.MaxIterations,
		ScoreThreshold: req.ScoreThreshold,
		Thinking:       req.Thinking,
	}

	ctx := r.Context()
	if err := s.store.CreateOrTouch(ctx, req.ConversationID, req.Models.Moderator); err != nil {
		writeMappedError(w, err)
		return
	}

	state, err := s.modes.LoadState(ctx, req.ConversationID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		writeMappedError(w, err)
		return
	}
	if state == nil {
		// First debate turn: hand off existing history as context.
		messages, err := s.store.LoadMessages(ctx, req.ConversationID)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		state = &debate.State{Context: debate.BuildContext(messages)}
	}

	if err := s.store.UpdateMode(ctx, req.ConversationID, store.ModeDebate); err != nil {
		writeMappedError(w, err)
		return
	}

	if _, err := s.store.AppendMessage(ctx, store.AppendParams{
		ConversationID: req.ConversationID,
		Role:           "user",
		Content:        req.Message,
		MessageType:    "user",
	}); err != nil {
		writeMappedError(w, err)
		return
	}

	sse, err := newSSEWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	events := s.orchestrator.Run(ctx, debate.Request{
		ConversationID: req.ConversationID,
		UserMessage:    req.Message,
		Config:         cfg,
		State:          *state,
	})

	for ev := range events {
		if err := sse.WriteEvent(ev); err != nil {
			slog.Debug("Client disconnected from debate stream",
				"conversation_id", req.ConversationID)
			// Keep draining so the orchestrator observes cancellation and
			// the channel closes.
			for range events {
			}
			return
		}
	}
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	conversations, err := s.store.ListConversations(r.Context(), limit, offset)
	if err != nil {
		writeMappedError(w, err)
		return
	}

	type item struct {
		ID           string    `json:"id"`
		Title        string    `json:"title"`
		UpdatedAt    time.Time `json:"updated_at"`
		Mode         string    `json:"mode"`
		MessageCount int       `json:"message_count"`
	}
	out := make([]item, 0, len(conversations))
	for _, c := range conversations {
		out = append(out, item{
			ID: c.ID, Title: c.Title, UpdatedAt: c.UpdatedAt,
			Mode: c.Mode, MessageCount: c.MessageCount,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": out})
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetConversation(r.Context(), id); err != nil {
		writeMappedError(w, err)
		return
	}
	messages, err := s.store.LoadMessages(r.Context(), id)
	if err != nil {
		writeMappedError(w, err)
		return
	}

	type item struct {
		Role        string    `json:"role"`
		Content     string    `json:"content"`
		MessageType string    `json:"message_type,omitempty"`
		Iteration   *int      `json:"iteration,omitempty"`
		Timestamp   time.Time `json:"timestamp"`
	}
	out := make([]item, 0, len(messages))
	for _, m := range messages {
		out = append(out, item{
			Role: m.Role, Content: m.Content, MessageType: m.MessageType,
			Iteration: m.Iteration, Timestamp: m.Timestamp,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": out})
}

func (s *Server) handleConversationInfo(w http.ResponseWriter, r *http.Request) {
	conv, err := s.store.GetConversation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

func (s *Server) handleDeleteAllConversations(w http.ResponseWriter, r *http.Request) {
	n, err := s.store.DeleteAll(r.Context())
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted_count": n})
}

// switchModeRequest is the /conversations/{id}/switch-mode body.
type switchModeRequest struct {
	TargetMode   string         `json:"target_mode"`
	DebateConfig *debate.Config `json:"debate_config"`
}

func (s *Server) handleSwitchMode(w http.ResponseWriter, r *http.Request) {
	var req switchModeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.TargetMode != store.ModeSimple && req.TargetMode != store.ModeDebate {
		writeError(w, http.StatusBadRequest, "target_mode must be \"simple\" or \"debate\"")
		return
	}
	if req.DebateConfig != nil && req.DebateConfig.MaxIterations != 0 {
		if err := req.DebateConfig.Validate(); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	result, err := s.modes.SwitchMode(r.Context(), chi.URLParam(r, "id"), req.TargetMode, req.DebateConfig)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"mode":    result.Mode,
		"message": result.Message,
	})
}
