package llms

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TanyuSylvain/unify-llm/pkg/config"
)

type stubProvider struct {
	name string
}

func (p *stubProvider) Name() string { return p.name }

func (p *stubProvider) Stream(ctx context.Context, model string, messages []Message, opts Options) (<-chan StreamChunk, error) {
	ch := make(chan StreamChunk, 1)
	ch <- StreamChunk{Type: ChunkDone}
	close(ch)
	return ch, nil
}

func TestRegistry_ResolveAndList(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&stubProvider{name: "deepseek"}, []ModelInfo{
		{ModelID: "deepseek-chat", ModelName: "DeepSeek Chat"},
		{ModelID: "deepseek-reasoner", ModelName: "DeepSeek Reasoner",
			SupportsThinking: true, ThinkingLocked: true},
	}))

	provider, info, err := r.Resolve("deepseek-reasoner")
	require.NoError(t, err)
	assert.Equal(t, "deepseek", provider.Name())
	assert.Equal(t, "deepseek", info.ProviderName)
	assert.True(t, info.ThinkingLocked)

	_, _, err = r.Resolve("gpt-unknown")
	require.Error(t, err)

	models := r.Models()
	require.Len(t, models, 2)
	assert.Equal(t, "deepseek-chat", models[0].ModelID)
}

func TestRegistry_DuplicateRejected(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&stubProvider{name: "openai"}, nil))
	assert.Error(t, r.Register(&stubProvider{name: "openai"}, nil))
}

func TestBuildRegistry_SkipsFamiliesWithoutKeys(t *testing.T) {
	cfg := &config.Config{
		Providers: map[string]config.ProviderConfig{
			config.FamilyDeepSeek: {Family: config.FamilyDeepSeek, APIKey: "sk-1"},
			config.FamilyGemini:   {Family: config.FamilyGemini, APIKey: "sk-2"},
		},
	}
	cfg.SetDefaults()

	r, err := BuildRegistry(cfg)
	require.NoError(t, err)

	assert.Equal(t, []string{"deepseek", "gemini"}, r.Providers())

	_, _, err = r.Resolve("deepseek-chat")
	assert.NoError(t, err)
	_, _, err = r.Resolve("mistral-large-latest")
	assert.Error(t, err, "families without API keys must be omitted")
}

func TestRegistry_ProviderModels(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&stubProvider{name: "glm"}, []ModelInfo{
		{ModelID: "glm-4.5"},
	}))

	models, err := r.ProviderModels("glm")
	require.NoError(t, err)
	require.Len(t, models, 1)

	_, err = r.ProviderModels("nope")
	assert.Error(t, err)
}
