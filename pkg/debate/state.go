// Package debate orchestrates the moderator/expert/critic workflow.
package debate

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/TanyuSylvain/unify-llm/pkg/artifact"
	"github.com/TanyuSylvain/unify-llm/pkg/store"
)

// Context-building limits.
const (
	contextMaxPairs   = 5
	contextMaxMsgLen  = 500
	maxIterationsCap  = 10
	minScoreThreshold = 50
	maxScoreThreshold = 100
)

// RoleModels binds each debate role to a model id.
type RoleModels struct {
	Moderator string `json:"moderator"`
	Expert    string `json:"expert"`
	Critic    string `json:"critic"`
}

// RoleThinking toggles the thinking channel per role.
type RoleThinking struct {
	Moderator bool `json:"moderator"`
	Expert    bool `json:"expert"`
	Critic    bool `json:"critic"`
}

// Config is the per-conversation debate configuration.
type Config struct {
	Models         RoleModels   `json:"models"`
	MaxIterations  int          `json:"max_iterations"`
	ScoreThreshold float64      `json:"score_threshold"`
	Thinking       RoleThinking `json:"thinking"`
}

// Validate checks the configured bounds.
func (c *Config) Validate() error {
	if c.MaxIterations < 1 || c.MaxIterations > maxIterationsCap {
		return fmt.Errorf("max_iterations must be in 1..%d, got %d", maxIterationsCap, c.MaxIterations)
	}
	if c.ScoreThreshold < minScoreThreshold || c.ScoreThreshold > maxScoreThreshold {
		return fmt.Errorf("score_threshold must be in %d..%d, got %g",
			minScoreThreshold, maxScoreThreshold, c.ScoreThreshold)
	}
	return nil
}

// IterationRecord captures one completed expert/critic/moderator round.
type IterationRecord struct {
	Iteration int                         `json:"iteration"`
	Expert    artifact.ExpertAnswer       `json:"expert"`
	Review    artifact.CriticReview       `json:"review"`
	Synthesis artifact.ModeratorSynthesis `json:"synthesis"`
	Score     float64                     `json:"score"`
	Decision  string                      `json:"decision"`
}

// State is the serialized orchestrator state persisted inside a
// conversation's metadata across user turns.
type State struct {
	Active     bool              `json:"active"`
	Config     Config            `json:"config"`
	Iterations []IterationRecord `json:"iterations"`
	Context    string            `json:"context"`
	Terminated bool              `json:"terminated"`
}

// BuildContext builds the conversation-context string from stored history:
// at most the last contextMaxPairs user/assistant pairs, each message
// truncated to contextMaxMsgLen characters.
func BuildContext(messages []store.Message) string {
	type pair struct{ user, assistant string }

	var pairs []pair
	var pendingUser *string
	for _, m := range messages {
		switch m.Role {
		case "user":
			u := m.Content
			pendingUser = &u
		case "assistant":
			if pendingUser != nil {
				pairs = append(pairs, pair{user: *pendingUser, assistant: m.Content})
				pendingUser = nil
			}
		}
	}

	if len(pairs) > contextMaxPairs {
		pairs = pairs[len(pairs)-contextMaxPairs:]
	}

	var sb strings.Builder
	for _, p := range pairs {
		sb.WriteString("User: ")
		sb.WriteString(truncateMsg(p.user))
		sb.WriteString("\nAssistant: ")
		sb.WriteString(truncateMsg(p.assistant))
		sb.WriteString("\n\n")
	}
	return sb.String()
}

// AppendContext adds a completed turn to the context, keeping at most the
// last contextMaxPairs pairs.
func AppendContext(current, userMessage, finalAnswer string) string {
	var sb strings.Builder
	sb.WriteString(current)
	sb.WriteString("User: ")
	sb.WriteString(truncateMsg(userMessage))
	sb.WriteString("\nAssistant: ")
	sb.WriteString(truncateMsg(finalAnswer))
	sb.WriteString("\n\n")

	// Split on pair boundaries, not on every blank line: answers may
	// contain blank lines of their own.
	pairs := strings.Split(strings.TrimPrefix(sb.String(), "User: "), "\n\nUser: ")
	if len(pairs) > contextMaxPairs {
		pairs = pairs[len(pairs)-contextMaxPairs:]
	}
	return "User: " + strings.Join(pairs, "\n\nUser: ")
}

// truncateMsg bounds one context message to contextMaxMsgLen characters.
// Counting runes, not bytes: CJK and emoji content from the Qwen/GLM/
// MiniMax/DeepSeek providers must not be split mid-sequence.
func truncateMsg(s string) string {
	if utf8.RuneCountInString(s) <= contextMaxMsgLen {
		return s
	}
	runes := []rune(s)
	return string(runes[:contextMaxMsgLen])
}

// normalizeConclusion collapses whitespace for the convergence comparison.
func normalizeConclusion(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
