// Package conversation manages conversation modes and the context
// hand-off between them.
package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/TanyuSylvain/unify-llm/pkg/debate"
	"github.com/TanyuSylvain/unify-llm/pkg/store"
)

// Manager switches conversations between simple and debate mode.
type Manager struct {
	store *store.Store
}

// NewManager creates a mode manager over the storage engine.
func NewManager(st *store.Store) *Manager {
	return &Manager{store: st}
}

// SwitchResult reports the outcome of a mode switch.
type SwitchResult struct {
	Mode    string
	Message string
}

// SwitchMode transitions a conversation to targetMode.
//
// simple -> debate builds the conversation context from existing history
// and stores it with the provided config. debate -> simple clears the
// active flag but retains iteration records for inspection. Both
// directions are idempotent; unknown ids return store.ErrNotFound.
func (m *Manager) SwitchMode(ctx context.Context, conversationID, targetMode string, cfg *debate.Config) (SwitchResult, error) {
	conv, err := m.store.GetConversation(ctx, conversationID)
	if err != nil {
		return SwitchResult{}, err
	}

	switch targetMode {
	case store.ModeDebate:
		return m.switchToDebate(ctx, conv, cfg)
	case store.ModeSimple:
		return m.switchToSimple(ctx, conv)
	default:
		return SwitchResult{}, fmt.Errorf("unknown mode: %s", targetMode)
	}
}

func (m *Manager) switchToDebate(ctx context.Context, conv store.Conversation, cfg *debate.Config) (SwitchResult, error) {
	if conv.Mode == store.ModeDebate {
		return SwitchResult{Mode: store.ModeDebate, Message: "already in debate mode"}, nil
	}

	messages, err := m.store.LoadMessages(ctx, conv.ID)
	if err != nil {
		return SwitchResult{}, err
	}

	state := debate.State{
		Active:  true,
		Context: debate.BuildContext(messages),
	}
	if cfg != nil {
		state.Config = *cfg
	}

	stateJSON, err := json.Marshal(state)
	if err != nil {
		return SwitchResult{}, fmt.Errorf("failed to marshal debate state: %w", err)
	}
	if err := m.store.WriteDebateState(ctx, conv.ID, stateJSON); err != nil {
		return SwitchResult{}, err
	}
	if err := m.store.UpdateMode(ctx, conv.ID, store.ModeDebate); err != nil {
		return SwitchResult{}, err
	}

	slog.Info("Conversation switched to debate mode",
		"conversation_id", conv.ID, "history_messages", len(messages))
	return SwitchResult{Mode: store.ModeDebate, Message: "switched to debate mode with conversation context"}, nil
}

func (m *Manager) switchToSimple(ctx context.Context, conv store.Conversation) (SwitchResult, error) {
	if conv.Mode == store.ModeSimple {
		return SwitchResult{Mode: store.ModeSimple, Message: "already in simple mode"}, nil
	}

	// Iteration records stay behind for inspection; only the active flag
	// is cleared.
	state, err := m.LoadState(ctx, conv.ID)
	if err != nil {
		return SwitchResult{}, err
	}
	if state != nil {
		state.Active = false
		stateJSON, err := json.Marshal(state)
		if err != nil {
			return SwitchResult{}, fmt.Errorf("failed to marshal debate state: %w", err)
		}
		if err := m.store.WriteDebateState(ctx, conv.ID, stateJSON); err != nil {
			return SwitchResult{}, err
		}
	}

	if err := m.store.UpdateMode(ctx, conv.ID, store.ModeSimple); err != nil {
		return SwitchResult{}, err
	}

	slog.Info("Conversation switched to simple mode", "conversation_id", conv.ID)
	return SwitchResult{Mode: store.ModeSimple, Message: "switched to simple mode, history preserved"}, nil
}

// LoadState returns the stored debate state, or nil when none exists.
func (m *Manager) LoadState(ctx context.Context, conversationID string) (*debate.State, error) {
	raw, err := m.store.ReadDebateState(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, nil
	}
	var state debate.State
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("corrupt debate state: %w", err)
	}
	return &state, nil
}
