package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds the entire application configuration.
type Config struct {
	Logger   LoggerConfig    `mapstructure:"logger" yaml:"logger"`
	Database DatabaseConfig  `mapstructure:"database" yaml:"database"`
	LLM      LLMRouterConfig `mapstructure:"llm" yaml:"llm"`
	Notify   NotifyConfig    `mapstructure:"notify" yaml:"notify"`
	Context  ContextConfig   `mapstructure:"context" yaml:"context"`
	Pipeline PipelineConfig  `mapstructure:"pipeline" yaml:"pipeline"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Format      string `mapstructure:"format" yaml:"format"`
	AddSource   bool   `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int    `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int    `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool   `mapstructure:"compress" yaml:"compress"`
}

// DatabaseConfig holds the database connection details.
type DatabaseConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

// NotifyConfig configures the approval notification channel.
type NotifyConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
	// SubjectPrefix is the NATS subject prefix; the approver id is appended.
	SubjectPrefix string `mapstructure:"subject_prefix" yaml:"subject_prefix"`
	// RatePerMinute caps outbound notifications. Excess is dropped with a
	// warning rather than blocking the pipeline.
	RatePerMinute int `mapstructure:"rate_per_minute" yaml:"rate_per_minute"`
}

// ContextConfig points at the upstream contact-context service.
type ContextConfig struct {
	URL     string        `mapstructure:"url" yaml:"url"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// LLMProvider defines the supported LLM providers.
type LLMProvider string

const (
	ProviderGemini LLMProvider = "gemini"
	ProviderOpenAI LLMProvider = "openai"
	ProviderOllama LLMProvider = "ollama"
)

// LLMRouterConfig configures the model routing logic.
type LLMRouterConfig struct {
	DefaultFastModel     string                    `mapstructure:"default_fast_model" yaml:"default_fast_model"`
	DefaultPowerfulModel string                    `mapstructure:"default_powerful_model" yaml:"default_powerful_model"`
	Models               map[string]LLMModelConfig `mapstructure:"models" yaml:"models"`
}

// LLMModelConfig defines the configuration for a single LLM.
type LLMModelConfig struct {
	Provider    LLMProvider   `mapstructure:"provider" yaml:"provider"`
	Model       string        `mapstructure:"model" yaml:"model"`
	APIKey      string        `mapstructure:"api_key" yaml:"-"`
	Endpoint    string        `mapstructure:"endpoint" yaml:"endpoint"`
	APITimeout  time.Duration `mapstructure:"api_timeout" yaml:"api_timeout"`
	Temperature float32       `mapstructure:"temperature" yaml:"temperature"`
	TopP        float32       `mapstructure:"top_p" yaml:"top_p"`
	TopK        int           `mapstructure:"top_k" yaml:"top_k"`
	MaxTokens   int           `mapstructure:"max_tokens" yaml:"max_tokens"`
}

// OverrideMode controls how much human approval gates automated execution.
type OverrideMode string

const (
	OverrideAlwaysAsk   OverrideMode = "always_ask"
	OverrideNeverAsk    OverrideMode = "never_ask"
	OverrideRiskBased   OverrideMode = "risk_based"
	OverrideLLMDecision OverrideMode = "llm_decision"
)

// UncertaintyDefault is the behaviour applied when a relevance check cannot
// reach a verdict.
type UncertaintyDefault string

const (
	UncertainApprove  UncertaintyDefault = "approve"
	UncertainSuppress UncertaintyDefault = "suppress"
)

// PipelineConfig is the process-wide relevance and approval policy. It is
// loaded once per tenant and treated as read-mostly; changes take effect on
// the next snapshot swap, never mid-flight.
type PipelineConfig struct {
	CheckTimeout          time.Duration      `mapstructure:"check_timeout" yaml:"check_timeout"`
	SemanticEnabled       bool               `mapstructure:"semantic_enabled" yaml:"semantic_enabled"`
	MinSemanticConfidence float64            `mapstructure:"min_semantic_confidence" yaml:"min_semantic_confidence"`
	MaxContextAge         time.Duration      `mapstructure:"max_context_age" yaml:"max_context_age"`
	DefaultOnUncertainty  UncertaintyDefault `mapstructure:"default_on_uncertainty" yaml:"default_on_uncertainty"`

	OverrideMode                 OverrideMode  `mapstructure:"override_mode" yaml:"override_mode"`
	UserApprovalThreshold        float64       `mapstructure:"user_approval_threshold" yaml:"user_approval_threshold"`
	AlwaysRequireApprovalActions []string      `mapstructure:"always_require_approval_actions" yaml:"always_require_approval_actions"`
	NeverRequireApprovalActions  []string      `mapstructure:"never_require_approval_actions" yaml:"never_require_approval_actions"`
	ApprovalTimeout              time.Duration `mapstructure:"approval_timeout" yaml:"approval_timeout"`
	AllowBulkApproval            bool          `mapstructure:"allow_bulk_approval" yaml:"allow_bulk_approval"`

	// MaxConcurrentSemanticChecks bounds in-flight scorer calls.
	MaxConcurrentSemanticChecks int64 `mapstructure:"max_concurrent_semantic_checks" yaml:"max_concurrent_semantic_checks"`
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "actiongate")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Notify --
	v.SetDefault("notify.url", "nats://127.0.0.1:4222")
	v.SetDefault("notify.subject_prefix", "actiongate.approvals")
	v.SetDefault("notify.rate_per_minute", 60)

	// -- Context --
	v.SetDefault("context.url", "http://127.0.0.1:8085")
	v.SetDefault("context.timeout", "10s")

	// -- LLM --
	v.SetDefault("llm.default_fast_model", "gemini-2.5-flash")
	v.SetDefault("llm.default_powerful_model", "gemini-2.5-pro")

	// -- Pipeline --
	v.SetDefault("pipeline.check_timeout", "30s")
	v.SetDefault("pipeline.semantic_enabled", true)
	v.SetDefault("pipeline.min_semantic_confidence", 0.7)
	v.SetDefault("pipeline.max_context_age", "15m")
	v.SetDefault("pipeline.default_on_uncertainty", "suppress")
	v.SetDefault("pipeline.override_mode", "risk_based")
	v.SetDefault("pipeline.user_approval_threshold", 0.6)
	v.SetDefault("pipeline.approval_timeout", "60m")
	v.SetDefault("pipeline.allow_bulk_approval", true)
	v.SetDefault("pipeline.max_concurrent_semantic_checks", 4)
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Bind environment variables for sensitive data.
	v.BindEnv("database.url", "ACTIONGATE_DATABASE_URL")
	v.BindEnv("notify.url", "ACTIONGATE_NATS_URL")
	v.BindEnv("llm.api_key", "ACTIONGATE_LLM_API_KEY")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Propagate the shared API key to per-model configs that omit it.
	if key := v.GetString("llm.api_key"); key != "" {
		for name, m := range cfg.LLM.Models {
			if m.APIKey == "" {
				m.APIKey = key
				cfg.LLM.Models[name] = m
			}
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
// A configuration error is fatal at startup: the pipeline refuses to process
// actions until it is fixed.
func (c *Config) Validate() error {
	if err := c.Pipeline.Validate(); err != nil {
		return fmt.Errorf("pipeline configuration invalid: %w", err)
	}
	if c.Notify.RatePerMinute < 0 {
		return fmt.Errorf("notify.rate_per_minute must not be negative")
	}
	if c.Context.Timeout <= 0 {
		return fmt.Errorf("context.timeout must be a positive duration")
	}
	return nil
}

// Validate checks the pipeline policy settings.
func (p *PipelineConfig) Validate() error {
	if p.CheckTimeout <= 0 {
		return fmt.Errorf("check_timeout must be a positive duration")
	}
	if p.ApprovalTimeout <= 0 {
		return fmt.Errorf("approval_timeout must be a positive duration")
	}
	if p.MinSemanticConfidence < 0.0 || p.MinSemanticConfidence > 1.0 {
		return fmt.Errorf("min_semantic_confidence must be between 0.0 and 1.0")
	}
	if p.UserApprovalThreshold < 0.0 || p.UserApprovalThreshold > 1.0 {
		return fmt.Errorf("user_approval_threshold must be between 0.0 and 1.0")
	}
	switch p.DefaultOnUncertainty {
	case UncertainApprove, UncertainSuppress:
	default:
		return fmt.Errorf("default_on_uncertainty must be %q or %q", UncertainApprove, UncertainSuppress)
	}
	switch p.OverrideMode {
	case OverrideAlwaysAsk, OverrideNeverAsk, OverrideRiskBased, OverrideLLMDecision:
	default:
		return fmt.Errorf("unknown override_mode %q", p.OverrideMode)
	}
	if p.MaxConcurrentSemanticChecks <= 0 {
		return fmt.Errorf("max_concurrent_semantic_checks must be positive")
	}
	return nil
}
