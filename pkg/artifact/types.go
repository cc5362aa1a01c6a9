// Package artifact defines the structured role outputs of the debate
// workflow and the parser that extracts them from free-form LLM replies.
package artifact

// Moderator-init decision values.
const (
	DecisionDirectAnswer   = "direct_answer"
	DecisionDelegateExpert = "delegate_expert"
)

// Moderator-synthesis decision values.
const (
	DecisionEnd      = "end"
	DecisionContinue = "continue"
)

// Complexity levels.
const (
	ComplexitySimple   = "simple"
	ComplexityModerate = "moderate"
	ComplexityComplex  = "complex"
)

// Issue categories.
const (
	CategoryFactual      = "factual"
	CategoryLogical      = "logical"
	CategoryCompleteness = "completeness"
	CategoryClarity      = "clarity"
	CategoryOther        = "other"
)

// Issue severities.
const (
	SeverityLow    = "low"
	SeverityMedium = "medium"
	SeverityHigh   = "high"
)

// Termination reasons.
const (
	ReasonSimpleQuestion = "simple_question"
	ReasonExplicitPass   = "explicit_pass"
	ReasonScoreThreshold = "score_threshold"
	ReasonConvergence    = "convergence"
	ReasonMaxIterations  = "max_iterations"
)

// ModeratorInit is the moderator's opening analysis of a user message.
type ModeratorInit struct {
	Intent           string   `json:"intent"`
	KeyConstraints   []string `json:"key_constraints"`
	Complexity       string   `json:"complexity" jsonschema:"enum=simple,enum=moderate,enum=complex"`
	ComplexityReason string   `json:"complexity_reason"`
	Decision         string   `json:"decision" jsonschema:"enum=direct_answer,enum=delegate_expert"`
	DirectAnswer     string   `json:"direct_answer,omitempty" jsonschema:"description=Required when decision is direct_answer"`
}

// ExpertAnswer is the expert's structured answer for one round.
type ExpertAnswer struct {
	Understanding string   `json:"understanding"`
	CorePoints    []string `json:"core_points"`
	Details       string   `json:"details"`
	Conclusion    string   `json:"conclusion"`
	Confidence    float64  `json:"confidence" jsonschema:"minimum=0,maximum=1"`
}

// Issue is one problem the critic found.
type Issue struct {
	Category    string `json:"category" jsonschema:"enum=factual,enum=logical,enum=completeness,enum=clarity,enum=other"`
	Severity    string `json:"severity" jsonschema:"enum=low,enum=medium,enum=high"`
	Description string `json:"description"`
	Quote       string `json:"quote,omitempty"`
}

// CriticReview is the critic's verdict on one expert answer.
type CriticReview struct {
	OverallScore float64  `json:"overall_score" jsonschema:"minimum=0,maximum=100"`
	Passed       bool     `json:"passed"`
	Issues       []Issue  `json:"issues"`
	Strengths    []string `json:"strengths"`
	Suggestions  []string `json:"suggestions"`
}

// FeedbackValidation partitions the critic's issues into valid and invalid.
type FeedbackValidation struct {
	ValidIssues   []string `json:"valid_issues"`
	InvalidIssues []string `json:"invalid_issues"`
}

// ModeratorSynthesis is the moderator's end-of-round ruling.
type ModeratorSynthesis struct {
	FeedbackValidation  FeedbackValidation `json:"feedback_validation"`
	Decision            string             `json:"decision" jsonschema:"enum=end,enum=continue"`
	ImprovementGuidance string             `json:"improvement_guidance,omitempty" jsonschema:"description=Required when decision is continue"`
	IterationSummary    string             `json:"iteration_summary"`
	TerminationReason   string             `json:"termination_reason,omitempty" jsonschema:"enum=score_threshold,enum=explicit_pass,enum=max_iterations,enum=convergence,enum=simple_question"`
}
