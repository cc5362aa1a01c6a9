package artifact

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	jsonrepair "github.com/RealAlexandreAI/json-repair"
	hjson "github.com/hjson/hjson-go/v4"
)

// ParseError reports that a role reply carried no usable artifact. The
// orchestrator treats it as a failing round, never as a fatal error.
type ParseError struct {
	Role string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("failed to parse %s artifact: %v", e.Role, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// ExtractJSON locates the outermost balanced {...} span in a reply,
// tolerating surrounding prose and code-fence markers. Returns false when
// no balanced object exists.
func ExtractJSON(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

// decode parses raw LLM text into v: strict decode on the extracted span
// first, then bounded repairs (json-repair, then hjson's lenient syntax).
func decode(raw string, v any) error {
	span, ok := ExtractJSON(raw)
	if !ok {
		span = strings.TrimSpace(raw)
		if span == "" {
			return fmt.Errorf("empty reply")
		}
	}

	if err := json.Unmarshal([]byte(span), v); err == nil {
		return nil
	}

	if repaired, err := jsonrepair.RepairJSON(span); err == nil {
		if err := json.Unmarshal([]byte(repaired), v); err == nil {
			return nil
		}
	}

	// hjson tolerates comments, unquoted keys and trailing commas that
	// survive the repair pass.
	var loose map[string]any
	if err := hjson.Unmarshal([]byte(span), &loose); err != nil {
		return fmt.Errorf("unparseable JSON: %w", err)
	}
	normalized, err := json.Marshal(loose)
	if err != nil {
		return err
	}
	return json.Unmarshal(normalized, v)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// truncate bounds raw-text fallbacks injected into fabricated artifacts,
// counting runes so multi-byte replies are not cut mid-character.
func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}

// ParseModeratorInit parses and validates a moderator-init reply. On
// unrecoverable failure it returns a minimal artifact that delegates to
// the expert, plus the parse error.
func ParseModeratorInit(raw string) (ModeratorInit, error) {
	var a ModeratorInit
	if err := decode(raw, &a); err != nil {
		slog.Debug("Moderator init parse failed", "error", err)
		return FallbackModeratorInit(), &ParseError{Role: "moderator_init", Err: err}
	}

	switch a.Complexity {
	case ComplexitySimple, ComplexityModerate, ComplexityComplex:
	default:
		a.Complexity = ComplexityModerate
	}

	switch a.Decision {
	case DecisionDirectAnswer:
		if a.DirectAnswer == "" {
			// A direct answer with no text cannot terminate the debate.
			a.Decision = DecisionDelegateExpert
		}
	case DecisionDelegateExpert:
	default:
		a.Decision = DecisionDelegateExpert
	}

	if a.KeyConstraints == nil {
		a.KeyConstraints = []string{}
	}
	return a, nil
}

// FallbackModeratorInit fabricates a minimal init artifact that keeps the
// workflow moving by delegating to the expert.
func FallbackModeratorInit() ModeratorInit {
	return ModeratorInit{
		Intent:           "unparseable moderator analysis",
		KeyConstraints:   []string{},
		Complexity:       ComplexityModerate,
		ComplexityReason: "moderator reply could not be parsed",
		Decision:         DecisionDelegateExpert,
	}
}

// ParseExpertAnswer parses and validates an expert reply. On failure the
// raw text is preserved in the understanding/conclusion fields so the
// critic still has something concrete to review.
func ParseExpertAnswer(raw string) (ExpertAnswer, error) {
	var a ExpertAnswer
	if err := decode(raw, &a); err != nil {
		slog.Debug("Expert answer parse failed", "error", err)
		return FallbackExpertAnswer(raw), &ParseError{Role: "expert_answer", Err: err}
	}

	a.Confidence = clamp(a.Confidence, 0, 1)
	if a.CorePoints == nil {
		a.CorePoints = []string{}
	}
	return a, nil
}

// FallbackExpertAnswer fabricates an expert artifact from raw text.
func FallbackExpertAnswer(raw string) ExpertAnswer {
	return ExpertAnswer{
		Understanding: truncate(raw, 500),
		CorePoints:    []string{},
		Details:       "",
		Conclusion:    truncate(raw, 500),
		Confidence:    0,
	}
}

// ParseCriticReview parses and validates a critic reply. On failure the
// fabricated review scores zero with one high-severity issue so the round
// fails rather than the request.
func ParseCriticReview(raw string) (CriticReview, error) {
	var a CriticReview
	if err := decode(raw, &a); err != nil {
		slog.Debug("Critic review parse failed", "error", err)
		return FallbackCriticReview(err.Error()), &ParseError{Role: "critic_review", Err: err}
	}

	a.OverallScore = clamp(a.OverallScore, 0, 100)
	for i := range a.Issues {
		switch a.Issues[i].Category {
		case CategoryFactual, CategoryLogical, CategoryCompleteness, CategoryClarity, CategoryOther:
		default:
			a.Issues[i].Category = CategoryOther
		}
		switch a.Issues[i].Severity {
		case SeverityLow, SeverityMedium, SeverityHigh:
		default:
			a.Issues[i].Severity = SeverityMedium
		}
	}
	if a.Issues == nil {
		a.Issues = []Issue{}
	}
	if a.Strengths == nil {
		a.Strengths = []string{}
	}
	if a.Suggestions == nil {
		a.Suggestions = []string{}
	}
	return a, nil
}

// FallbackCriticReview fabricates a failing review describing the parse
// failure.
func FallbackCriticReview(detail string) CriticReview {
	return CriticReview{
		OverallScore: 0,
		Passed:       false,
		Issues: []Issue{{
			Category:    CategoryOther,
			Severity:    SeverityHigh,
			Description: "critic reply could not be parsed: " + truncate(detail, 200),
		}},
		Strengths:   []string{},
		Suggestions: []string{},
	}
}

// ParseModeratorSynthesis parses and validates a synthesis reply. On
// failure the fabricated artifact asks for another round with guidance to
// reformat.
func ParseModeratorSynthesis(raw string) (ModeratorSynthesis, error) {
	var a ModeratorSynthesis
	if err := decode(raw, &a); err != nil {
		slog.Debug("Moderator synthesis parse failed", "error", err)
		return FallbackModeratorSynthesis(), &ParseError{Role: "moderator_synthesize", Err: err}
	}

	switch a.Decision {
	case DecisionEnd, DecisionContinue:
	default:
		a.Decision = DecisionContinue
	}
	if a.Decision == DecisionContinue && a.ImprovementGuidance == "" {
		a.ImprovementGuidance = "Address the critic's issues and refine the answer."
	}
	switch a.TerminationReason {
	case "", ReasonScoreThreshold, ReasonExplicitPass, ReasonMaxIterations,
		ReasonConvergence, ReasonSimpleQuestion:
	default:
		a.TerminationReason = ""
	}
	if a.FeedbackValidation.ValidIssues == nil {
		a.FeedbackValidation.ValidIssues = []string{}
	}
	if a.FeedbackValidation.InvalidIssues == nil {
		a.FeedbackValidation.InvalidIssues = []string{}
	}
	return a, nil
}

// FallbackModeratorSynthesis fabricates a continue ruling with synthetic
// guidance requesting properly formatted output.
func FallbackModeratorSynthesis() ModeratorSynthesis {
	return ModeratorSynthesis{
		FeedbackValidation:  FeedbackValidation{ValidIssues: []string{}, InvalidIssues: []string{}},
		Decision:            DecisionContinue,
		ImprovementGuidance: "Reply with a single JSON object matching the required schema.",
		IterationSummary:    "Moderator reply could not be parsed.",
	}
}
