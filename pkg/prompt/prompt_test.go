package prompt

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TanyuSylvain/unify-llm/pkg/artifact"
)

func TestModeratorInit_InjectsContext(t *testing.T) {
	context := "User: tell me about Python\nAssistant: Python is a language.\n\n" +
		"User: and its typing?\nAssistant: dynamic.\n\n"

	messages := ModeratorInit("compare to Java", context)
	require.Len(t, messages, 2)
	assert.Equal(t, "system", messages[0].Role)
	assert.Equal(t, "user", messages[1].Role)

	// Prior turns reach the moderator prompt verbatim.
	assert.Contains(t, messages[1].Content, "tell me about Python")
	assert.Contains(t, messages[1].Content, "and its typing?")
	assert.Contains(t, messages[1].Content, "compare to Java")
}

func TestModeratorInit_NoContext(t *testing.T) {
	messages := ModeratorInit("hello", "")
	assert.Equal(t, "hello", messages[1].Content)
}

func TestSystemPromptsEmbedSchemas(t *testing.T) {
	assert.Contains(t, ModeratorInit("q", "")[0].Content, `"direct_answer"`)
	assert.Contains(t, Expert("q", "", nil)[0].Content, `"core_points"`)
	assert.Contains(t, Critic("q", artifact.ExpertAnswer{})[0].Content, `"overall_score"`)
	assert.Contains(t,
		Synthesis("q", artifact.ExpertAnswer{}, artifact.CriticReview{}, 1, 3, 80)[0].Content,
		`"improvement_guidance"`)
}

func TestExpert_PriorRoundFeedback(t *testing.T) {
	prior := &PriorRound{
		Review: artifact.CriticReview{
			OverallScore: 55,
			Issues: []artifact.Issue{{
				Category: artifact.CategoryFactual, Severity: artifact.SeverityHigh,
				Description: "the date is wrong",
			}},
		},
		Guidance: "double-check the dates",
	}

	messages := Expert("when did it happen?", "", prior)
	user := messages[1].Content
	assert.Contains(t, user, "the date is wrong")
	assert.Contains(t, user, "double-check the dates")

	// First round carries no feedback block.
	first := Expert("when did it happen?", "", nil)[1].Content
	assert.NotContains(t, first, "reviewed")
}

func TestCritic_SeesOnlyCurrentAnswer(t *testing.T) {
	answer := artifact.ExpertAnswer{
		Understanding: "u", CorePoints: []string{"a point"},
		Details: "d", Conclusion: "c", Confidence: 0.7,
	}
	messages := Critic("the question", answer)
	user := messages[1].Content
	assert.Contains(t, user, "the question")
	assert.Contains(t, user, "a point")
}

func TestSynthesis_CarriesThresholds(t *testing.T) {
	messages := Synthesis("q", artifact.ExpertAnswer{Conclusion: "c"},
		artifact.CriticReview{OverallScore: 72}, 2, 5, 80)
	user := messages[1].Content
	assert.Contains(t, user, "Round 2 of 5")
	assert.Contains(t, user, "80")
	assert.Contains(t, user, "72")
}

func TestSchemaJSON_IsValidJSONObject(t *testing.T) {
	for _, s := range []string{
		moderatorInitSchema, expertAnswerSchema, criticReviewSchema, moderatorSynthesisSchema,
	} {
		assert.True(t, strings.HasPrefix(strings.TrimSpace(s), "{"))
		assert.NotContains(t, s, "$ref", "schemas must be inlined")
	}
}
