// Package prompt composes the role-specific prompts of the debate
// workflow. Each role's system prompt embeds the JSON schema generated
// from the artifact structs, so instructions and validation cannot drift.
package prompt

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/invopop/jsonschema"

	"github.com/TanyuSylvain/unify-llm/pkg/artifact"
	"github.com/TanyuSylvain/unify-llm/pkg/llms"
)

// schemaJSON renders the JSON schema of an artifact struct, inlined and
// without the $schema preamble, for embedding in a prompt.
func schemaJSON(v any) string {
	reflector := jsonschema.Reflector{
		DoNotReference: true,
		Anonymous:      true,
	}
	schema := reflector.Reflect(v)
	schema.Version = ""
	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}

var (
	moderatorInitSchema      = schemaJSON(&artifact.ModeratorInit{})
	expertAnswerSchema       = schemaJSON(&artifact.ExpertAnswer{})
	criticReviewSchema       = schemaJSON(&artifact.CriticReview{})
	moderatorSynthesisSchema = schemaJSON(&artifact.ModeratorSynthesis{})
)

// PriorRound carries the previous round's feedback into the next expert
// prompt.
type PriorRound struct {
	Review   artifact.CriticReview
	Guidance string
}

// jsonInstruction is appended to every role system prompt.
const jsonInstruction = "Respond with a single JSON object matching this schema. " +
	"Do not wrap it in markdown fences or add commentary outside the object.\n\nSchema:\n"

// ModeratorInit builds the messages for the moderator's opening analysis.
func ModeratorInit(userMessage, conversationContext string) []llms.Message {
	var sb strings.Builder
	sb.WriteString("You are the moderator of a multi-agent answer workflow. ")
	sb.WriteString("Analyze the user's question: identify the intent, key constraints, and complexity. ")
	sb.WriteString("If the question is simple enough to answer directly and correctly in one step, ")
	sb.WriteString("set decision to \"direct_answer\" and provide the answer in direct_answer. ")
	sb.WriteString("Otherwise set decision to \"delegate_expert\".\n\n")
	sb.WriteString(jsonInstruction)
	sb.WriteString(moderatorInitSchema)

	return []llms.Message{
		{Role: "system", Content: sb.String()},
		{Role: "user", Content: withContext(userMessage, conversationContext)},
	}
}

// Expert builds the messages for one expert round. For rounds after the
// first, the critic's review and the moderator's guidance are injected.
func Expert(userMessage, conversationContext string, prior *PriorRound) []llms.Message {
	var sb strings.Builder
	sb.WriteString("You are a domain expert. Answer the user's question thoroughly and precisely. ")
	sb.WriteString("State your understanding, the core points, supporting details, and a conclusion, ")
	sb.WriteString("with a confidence between 0 and 1.\n\n")
	sb.WriteString(jsonInstruction)
	sb.WriteString(expertAnswerSchema)

	user := withContext(userMessage, conversationContext)
	if prior != nil {
		var fb strings.Builder
		fb.WriteString(user)
		fb.WriteString("\n\nYour previous answer was reviewed. Address this feedback:\n")
		reviewJSON, _ := json.Marshal(prior.Review)
		fb.WriteString("Critic review: ")
		fb.Write(reviewJSON)
		if prior.Guidance != "" {
			fb.WriteString("\nModerator guidance: ")
			fb.WriteString(prior.Guidance)
		}
		user = fb.String()
	}

	return []llms.Message{
		{Role: "system", Content: sb.String()},
		{Role: "user", Content: user},
	}
}

// Critic builds the messages for reviewing one expert answer. The critic
// sees only the current answer to keep the review local to the round.
func Critic(userMessage string, answer artifact.ExpertAnswer) []llms.Message {
	var sb strings.Builder
	sb.WriteString("You are a rigorous critic. Review the expert's answer to the user's question. ")
	sb.WriteString("Score it 0-100 overall, decide whether it passes, and list concrete issues ")
	sb.WriteString("(factual, logical, completeness, clarity, other) with severities, ")
	sb.WriteString("plus strengths and suggestions.\n\n")
	sb.WriteString(jsonInstruction)
	sb.WriteString(criticReviewSchema)

	answerJSON, _ := json.MarshalIndent(answer, "", "  ")
	user := fmt.Sprintf("Question:\n%s\n\nExpert answer:\n%s", userMessage, answerJSON)

	return []llms.Message{
		{Role: "system", Content: sb.String()},
		{Role: "user", Content: user},
	}
}

// Synthesis builds the messages for the moderator's end-of-round ruling.
func Synthesis(userMessage string, answer artifact.ExpertAnswer, review artifact.CriticReview,
	iteration, maxIterations int, scoreThreshold float64) []llms.Message {

	var sb strings.Builder
	sb.WriteString("You are the moderator closing a review round. Validate the critic's issues ")
	sb.WriteString("(separate valid from invalid), summarize the round, and decide whether the ")
	sb.WriteString("answer is good enough to end the workflow or another round is needed. ")
	sb.WriteString("If you decide to continue, give concrete improvement guidance.\n\n")
	sb.WriteString(jsonInstruction)
	sb.WriteString(moderatorSynthesisSchema)

	answerJSON, _ := json.MarshalIndent(answer, "", "  ")
	reviewJSON, _ := json.MarshalIndent(review, "", "  ")
	user := fmt.Sprintf(
		"Question:\n%s\n\nRound %d of %d (score threshold %.0f).\n\nExpert answer:\n%s\n\nCritic review:\n%s",
		userMessage, iteration, maxIterations, scoreThreshold, answerJSON, reviewJSON)

	return []llms.Message{
		{Role: "system", Content: sb.String()},
		{Role: "user", Content: user},
	}
}

// withContext prepends prior-conversation context to the user message.
func withContext(userMessage, conversationContext string) string {
	if conversationContext == "" {
		return userMessage
	}
	return fmt.Sprintf("Previous conversation:\n%s\nCurrent question: %s",
		conversationContext, userMessage)
}
