// Package config loads and validates the single startup configuration file.
// Configuration is read once; there is no live reconfiguration.
package config

import (
	"fmt"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Process exit codes. Config failures are distinct from runtime failures.
const (
	ExitOK      = 0
	ExitRuntime = 1
	ExitConfig  = 2
)

// WhatsAppConfig holds messaging-transport credentials.
type WhatsAppConfig struct {
	APIBaseURL string `koanf:"api_base_url"`
	InstanceID string `koanf:"instance_id"`
	APIToken   string `koanf:"api_token"`
	ListenAddr string `koanf:"listen_addr"`
}

// LLMConfig holds LLM-provider credentials and generation parameters.
type LLMConfig struct {
	APIKey         string  `koanf:"api_key"`
	BaseURL        string  `koanf:"base_url"` // optional, for OpenAI-compatible endpoints
	AIModel        string  `koanf:"ai_model"`
	ReplyMaxTokens int     `koanf:"ai_reply_max_tokens"`
	Temperature    float32 `koanf:"temperature"`
}

// SessionMemoryConfig tunes the short-term session store.
type SessionMemoryConfig struct {
	StorageDir             string         `koanf:"storage_dir"`
	SessionTimeoutHours    int            `koanf:"session_timeout_hours"`
	CleanupIntervalSeconds int            `koanf:"cleanup_interval_seconds"`
	MaxTokensByRole        map[string]int `koanf:"max_tokens_by_role"`
}

// LongTermMemoryConfig tunes the vector store and semantic recall.
type LongTermMemoryConfig struct {
	Enabled        bool    `koanf:"enabled"`
	StorageDir     string  `koanf:"storage_dir"`
	EmbeddingModel string  `koanf:"embedding_model"`
	CollectionName string  `koanf:"collection_name"`
	TopKResults    int     `koanf:"top_k_results"`
	MinSimilarity  float32 `koanf:"min_similarity"`
}

// MemoryConfig groups the short- and long-term memory settings.
type MemoryConfig struct {
	Session  SessionMemoryConfig  `koanf:"session"`
	LongTerm LongTermMemoryConfig `koanf:"longterm"`
}

// FeatureFlags gate optional subsystems.
type FeatureFlags struct {
	EnableMemorySystem bool `koanf:"enable_memory_system"`
	EnableRBAC         bool `koanf:"enable_rbac"`
}

// UserRoles lists phones with non-default roles. Entries accept glob patterns.
type UserRoles struct {
	AdminPhones   []string `koanf:"admin_phones"`
	BlockedPhones []string `koanf:"blocked_phones"`
}

// ConstitutionConfig points at the runtime-editable system preamble.
type ConstitutionConfig struct {
	File string `koanf:"file"`
}

// Config is the full startup configuration.
type Config struct {
	WhatsApp       WhatsAppConfig     `koanf:"whatsapp"`
	LLM            LLMConfig          `koanf:"llm"`
	LogLevel       string             `koanf:"log_level"`
	DataRoot       string             `koanf:"data_root"`
	Memory         MemoryConfig       `koanf:"memory"`
	FeatureFlags   FeatureFlags       `koanf:"feature_flags"`
	UserRoles      UserRoles          `koanf:"user_roles"`
	GodfatherPhone string             `koanf:"godfather_phone"`
	Constitution   ConstitutionConfig `koanf:"constitution_config"`
	AssistantName  string             `koanf:"assistant_name"`
	// ReplyToBlocked sends a fixed rejection to blocked users instead of
	// silently dropping their messages.
	ReplyToBlocked bool `koanf:"reply_to_blocked"`
}

// Load reads and validates the configuration file at path.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}

	cfg := Defaults()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Defaults returns a Config pre-filled with default values; file contents
// override them field by field.
func Defaults() *Config {
	return &Config{
		LLM: LLMConfig{
			AIModel:        "gpt-4o",
			ReplyMaxTokens: 1024,
			Temperature:    0.7,
		},
		LogLevel: "INFO",
		Memory: MemoryConfig{
			Session: SessionMemoryConfig{
				StorageDir:             "sessions",
				SessionTimeoutHours:    24,
				CleanupIntervalSeconds: 3600,
			},
			LongTerm: LongTermMemoryConfig{
				Enabled:        true,
				StorageDir:     "memory",
				EmbeddingModel: "text-embedding-3-small",
				CollectionName: "denidin",
				TopKResults:    5,
				MinSimilarity:  0.3,
			},
		},
		FeatureFlags: FeatureFlags{
			EnableMemorySystem: true,
			EnableRBAC:         true,
		},
		WhatsApp: WhatsAppConfig{
			ListenAddr: ":8080",
		},
		AssistantName:  "DeniDin",
		ReplyToBlocked: false,
	}
}

// Validate collects every violation so operators see them all at once.
func (c *Config) Validate() error {
	var problems []string

	if c.WhatsApp.InstanceID == "" || c.WhatsApp.APIToken == "" {
		problems = append(problems, "whatsapp credentials (instance_id, api_token) are required")
	}
	if c.LLM.APIKey == "" {
		problems = append(problems, "llm.api_key is required")
	}
	if c.LLM.ReplyMaxTokens < 1 {
		problems = append(problems, "llm.ai_reply_max_tokens must be >= 1")
	}
	if c.LLM.Temperature < 0.0 || c.LLM.Temperature > 1.0 {
		problems = append(problems, "llm.temperature must be in [0.0, 1.0]")
	}
	switch strings.ToUpper(c.LogLevel) {
	case "INFO", "DEBUG":
	default:
		problems = append(problems, "log_level must be INFO or DEBUG")
	}
	if c.DataRoot == "" {
		problems = append(problems, "data_root must be non-empty")
	}
	if c.Memory.Session.SessionTimeoutHours <= 0 {
		problems = append(problems, "memory.session.session_timeout_hours must be > 0")
	}
	if c.Memory.Session.CleanupIntervalSeconds <= 0 {
		problems = append(problems, "memory.session.cleanup_interval_seconds must be > 0")
	}
	if c.Memory.LongTerm.Enabled {
		if c.Memory.LongTerm.MinSimilarity < 0.0 || c.Memory.LongTerm.MinSimilarity > 1.0 {
			problems = append(problems, "memory.longterm.min_similarity must be in [0.0, 1.0]")
		}
		if c.Memory.LongTerm.TopKResults <= 0 {
			problems = append(problems, "memory.longterm.top_k_results must be > 0")
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}
