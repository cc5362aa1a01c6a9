package debate

import "github.com/TanyuSylvain/unify-llm/pkg/artifact"

// Event types emitted on the orchestrator stream, in emission order:
// moderator_init, then per round phase_start / expert_answer /
// critic_review / moderator_synthesize / iteration_complete, then exactly
// one done or error.
const (
	EventModeratorInit       = "moderator_init"
	EventPhaseStart          = "phase_start"
	EventExpertAnswer        = "expert_answer"
	EventCriticReview        = "critic_review"
	EventModeratorSynthesize = "moderator_synthesize"
	EventIterationComplete   = "iteration_complete"
	EventDone                = "done"
	EventError               = "error"
)

// Phase names carried by phase_start events.
const (
	PhaseExpert    = "expert"
	PhaseCritic    = "critic"
	PhaseModerator = "moderator"
)

// Event is one typed record on the debate stream. Type discriminates
// which of the optional fields are set.
type Event struct {
	Type      string `json:"type"`
	Iteration int    `json:"iteration,omitempty"`
	Phase     string `json:"phase,omitempty"`

	Analysis  *artifact.ModeratorInit      `json:"analysis,omitempty"`
	Answer    *artifact.ExpertAnswer       `json:"answer,omitempty"`
	Review    *artifact.CriticReview       `json:"review,omitempty"`
	Synthesis *artifact.ModeratorSynthesis `json:"synthesis,omitempty"`

	Score    float64 `json:"score,omitempty"`
	Decision string  `json:"decision,omitempty"`

	FinalAnswer       string `json:"final_answer,omitempty"`
	WasDirectAnswer   bool   `json:"was_direct_answer,omitempty"`
	TerminationReason string `json:"termination_reason,omitempty"`
	TotalIterations   int    `json:"total_iterations,omitempty"`

	Error string `json:"error,omitempty"`
}
