// Package config assembles the gateway configuration from environment
// variables and an optional YAML config file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Provider family names. Each family maps to one base URL + one API key
// pair in the environment.
const (
	FamilyMistral  = "mistral"
	FamilyQwen     = "qwen"
	FamilyGLM      = "glm"
	FamilyMiniMax  = "minimax"
	FamilyDeepSeek = "deepseek"
	FamilyOpenAI   = "openai"
	FamilyGemini   = "gemini"
)

// Families lists all supported provider families in registration order.
var Families = []string{
	FamilyMistral,
	FamilyQwen,
	FamilyGLM,
	FamilyMiniMax,
	FamilyDeepSeek,
	FamilyOpenAI,
	FamilyGemini,
}

// defaultBaseURLs are used when the corresponding *_BASE_URL variable is
// unset. Qwen/GLM/MiniMax/DeepSeek expose OpenAI-compatible endpoints.
var defaultBaseURLs = map[string]string{
	FamilyMistral:  "https://api.mistral.ai/v1",
	FamilyQwen:     "https://dashscope.aliyuncs.com/compatible-mode/v1",
	FamilyGLM:      "https://open.bigmodel.cn/api/paas/v4",
	FamilyMiniMax:  "https://api.minimax.chat/v1",
	FamilyDeepSeek: "https://api.deepseek.com/v1",
	FamilyOpenAI:   "https://api.openai.com/v1",
	FamilyGemini:   "https://generativelanguage.googleapis.com",
}

// ProviderConfig holds the connection settings for one provider family.
type ProviderConfig struct {
	Family  string `yaml:"family"`
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`

	// Timeout is the per-request timeout in seconds.
	Timeout int `yaml:"timeout"`

	// MaxRetries bounds pre-first-byte connection retries.
	MaxRetries int `yaml:"max_retries"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Address returns the listen address.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// StorageConfig holds the SQLite settings.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// DebateConfig holds the orchestrator limits.
type DebateConfig struct {
	// CallTimeout is the per-provider-call timeout.
	CallTimeout time.Duration `yaml:"call_timeout"`

	// TotalTimeout bounds a whole debate turn.
	TotalTimeout time.Duration `yaml:"total_timeout"`
}

// Config is the root configuration tree.
type Config struct {
	Server    ServerConfig              `yaml:"server"`
	Storage   StorageConfig             `yaml:"storage"`
	Debate    DebateConfig              `yaml:"debate"`
	Providers map[string]ProviderConfig `yaml:"providers"`
}

// SetDefaults applies default values to unset fields.
func (c *Config) SetDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "./conversations.db"
	}
	if c.Debate.CallTimeout == 0 {
		c.Debate.CallTimeout = 180 * time.Second
	}
	if c.Debate.TotalTimeout == 0 {
		c.Debate.TotalTimeout = 15 * time.Minute
	}
	if c.Providers == nil {
		c.Providers = map[string]ProviderConfig{}
	}
	for name, p := range c.Providers {
		if p.BaseURL == "" {
			p.BaseURL = defaultBaseURLs[name]
		}
		if p.Timeout == 0 {
			p.Timeout = 180
		}
		if p.MaxRetries == 0 {
			p.MaxRetries = 1
		}
		p.Family = name
		c.Providers[name] = p
	}
}

// Validate checks the configuration for fatal problems.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}
	if c.Storage.Path == "" {
		return fmt.Errorf("storage path cannot be empty")
	}
	for name, p := range c.Providers {
		if p.APIKey == "" {
			return fmt.Errorf("provider %s has no API key", name)
		}
		if p.BaseURL == "" {
			return fmt.Errorf("provider %s has no base URL", name)
		}
	}
	return nil
}

// FromEnv builds a Config from environment variables. Provider families
// without an API key are omitted entirely; the registry later skips them.
func FromEnv() *Config {
	cfg := &Config{Providers: map[string]ProviderConfig{}}

	for _, family := range Families {
		key := os.Getenv(envKeyName(family))
		if key == "" {
			continue
		}
		cfg.Providers[family] = ProviderConfig{
			Family:  family,
			APIKey:  key,
			BaseURL: os.Getenv(envBaseURLName(family)),
		}
	}

	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = p
		}
	}
	if path := os.Getenv("DB_PATH"); path != "" {
		cfg.Storage.Path = path
	}

	cfg.SetDefaults()
	return cfg
}

// envKeyName returns the API key variable for a family, e.g. MISTRAL_API_KEY.
func envKeyName(family string) string {
	return envPrefix(family) + "_API_KEY"
}

// envBaseURLName returns the base URL variable for a family.
func envBaseURLName(family string) string {
	return envPrefix(family) + "_BASE_URL"
}

func envPrefix(family string) string {
	switch family {
	case FamilyMistral:
		return "MISTRAL"
	case FamilyQwen:
		return "QWEN"
	case FamilyGLM:
		return "GLM"
	case FamilyMiniMax:
		return "MINIMAX"
	case FamilyDeepSeek:
		return "DEEPSEEK"
	case FamilyOpenAI:
		return "OPENAI"
	case FamilyGemini:
		return "GEMINI"
	default:
		return ""
	}
}
