package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnv_OmitsFamiliesWithoutKeys(t *testing.T) {
	t.Setenv("DEEPSEEK_API_KEY", "sk-deep")
	t.Setenv("DEEPSEEK_BASE_URL", "https://example.test/v1")
	t.Setenv("MISTRAL_API_KEY", "")

	cfg := FromEnv()

	require.Contains(t, cfg.Providers, FamilyDeepSeek)
	assert.NotContains(t, cfg.Providers, FamilyMistral)
	assert.Equal(t, "sk-deep", cfg.Providers[FamilyDeepSeek].APIKey)
	assert.Equal(t, "https://example.test/v1", cfg.Providers[FamilyDeepSeek].BaseURL)
}

func TestFromEnv_DefaultBaseURL(t *testing.T) {
	t.Setenv("QWEN_API_KEY", "sk-qwen")
	t.Setenv("QWEN_BASE_URL", "")

	cfg := FromEnv()

	require.Contains(t, cfg.Providers, FamilyQwen)
	assert.Equal(t, defaultBaseURLs[FamilyQwen], cfg.Providers[FamilyQwen].BaseURL)
}

func TestSetDefaults(t *testing.T) {
	cfg := &Config{}
	cfg.SetDefaults()

	assert.Equal(t, 8000, cfg.Server.Port)
	assert.Equal(t, "./conversations.db", cfg.Storage.Path)
	assert.Equal(t, 180*time.Second, cfg.Debate.CallTimeout)
	assert.Equal(t, 15*time.Minute, cfg.Debate.TotalTimeout)
}

func TestFromEnv_PortAndDBOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("DB_PATH", "/tmp/other.db")

	cfg := FromEnv()
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "/tmp/other.db", cfg.Storage.Path)
}

func TestValidate(t *testing.T) {
	cfg := &Config{}
	cfg.SetDefaults()
	assert.NoError(t, cfg.Validate())

	cfg.Providers["deepseek"] = ProviderConfig{Family: "deepseek"}
	assert.Error(t, cfg.Validate(), "provider without API key must fail validation")
}
