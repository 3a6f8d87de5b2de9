// Package types provides shared data models for novelforge.
package types

import (
	"time"
)

// GlobalConfig is the user-wide configuration at ~/.config/novelforge/config.yaml.
type GlobalConfig struct {
	Version    int                        `yaml:"version"`
	DataDir    string                     `yaml:"data_dir" validate:"required"`
	Providers  map[string]*ProviderConfig `yaml:"providers"`
	Defaults   DefaultsConfig             `yaml:"defaults"`
	RateLimits map[string]RateLimitConfig `yaml:"rate_limits" validate:"dive"`
	Progress   ProgressConfig             `yaml:"progress"`
	Quality    QualityConfig              `yaml:"quality"`
	Logging    LoggingConfig              `yaml:"logging"`
}

// ProviderConfig holds API configuration for an LLM provider.
type ProviderConfig struct {
	APIKey       string `yaml:"api_key"`
	DefaultModel string `yaml:"default_model"`
	BaseURL      string `yaml:"base_url,omitempty"`
}

// DefaultsConfig specifies default settings.
type DefaultsConfig struct {
	Provider      string `yaml:"provider" validate:"required,oneof=openai gemini anthropic local"`
	PlanningModel string `yaml:"planning_model"`
	WritingModel  string `yaml:"writing_model"`
}

// RateLimitConfig is the per-minute budget for one model.
type RateLimitConfig struct {
	TokensPerMinute   int `yaml:"tokens_per_minute" validate:"min=1"`
	RequestsPerMinute int `yaml:"requests_per_minute" validate:"min=1"`
}

// ProgressConfig configures where progress snapshots are published.
type ProgressConfig struct {
	// RedisAddr selects the Redis store. Empty keeps progress in memory.
	RedisAddr string        `yaml:"redis_addr,omitempty"`
	Channel   string        `yaml:"channel"`
	TTL       time.Duration `yaml:"ttl"`
	Throttle  time.Duration `yaml:"throttle"`
}

// QualityConfig holds quality-gate thresholds and revision caps.
type QualityConfig struct {
	FailThreshold      int `yaml:"fail_threshold" validate:"min=0,max=100"`
	ProofreadThreshold int `yaml:"proofread_threshold" validate:"min=0,max=100"`
	RevisionThreshold  int `yaml:"revision_threshold" validate:"min=0,max=100"`
	StagnationInterval int `yaml:"stagnation_interval" validate:"min=1"`
	MaxRevisions       int `yaml:"max_revisions_per_window" validate:"min=1"`
	CriticalBonus      int `yaml:"critical_bonus" validate:"min=0"`
}

// LoggingConfig specifies logging settings.
type LoggingConfig struct {
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Mode  string `yaml:"mode" validate:"omitempty,oneof=development production"`
}

// DefaultQualityConfig returns the stock gate thresholds.
func DefaultQualityConfig() QualityConfig {
	return QualityConfig{
		FailThreshold:      60,
		ProofreadThreshold: 80,
		RevisionThreshold:  65,
		StagnationInterval: 3,
		MaxRevisions:       8,
		CriticalBonus:      3,
	}
}

// DefaultGlobalConfig returns a new GlobalConfig with sensible defaults.
func DefaultGlobalConfig() *GlobalConfig {
	return &GlobalConfig{
		Version:   1,
		DataDir:   "~/.local/share/novelforge",
		Providers: make(map[string]*ProviderConfig),
		Defaults: DefaultsConfig{
			Provider:      "openai",
			PlanningModel: "gpt-4o",
			WritingModel:  "gpt-4o-mini",
		},
		RateLimits: map[string]RateLimitConfig{
			"gpt-4o":      {TokensPerMinute: 30000, RequestsPerMinute: 500},
			"gpt-4o-mini": {TokensPerMinute: 200000, RequestsPerMinute: 500},
		},
		Progress: ProgressConfig{
			Channel:  "book-progress",
			TTL:      24 * time.Hour,
			Throttle: time.Second,
		},
		Quality: DefaultQualityConfig(),
		Logging: LoggingConfig{
			Level: "info",
			Mode:  "production",
		},
	}
}
