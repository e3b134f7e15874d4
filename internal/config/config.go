package config

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/markconroy/markie-sub000/internal/provider"
	"github.com/markconroy/markie-sub000/internal/search"
)

// Config is the root configuration for the automator.
type Config struct {
	Store     StoreConfig                `yaml:"store" mapstructure:"store"`
	Providers ProvidersConfig            `yaml:"providers" mapstructure:"providers"`
	Defaults  map[string]provider.Target `yaml:"defaults" mapstructure:"defaults"`
	Limits    map[string]RateLimitConfig `yaml:"rate_limits" mapstructure:"rate_limits"`
	Media     MediaConfig                `yaml:"media" mapstructure:"media"`
	Search    SearchConfig               `yaml:"search" mapstructure:"search"`
	Views     ViewsConfig                `yaml:"views" mapstructure:"views"`
	Batch     BatchConfig                `yaml:"batch" mapstructure:"batch"`
	Retry     RetryConfig                `yaml:"retry" mapstructure:"retry"`
	Circuit   CircuitConfig              `yaml:"circuit" mapstructure:"circuit"`
	Log       LogConfig                  `yaml:"log" mapstructure:"log"`
	// Actor owns the records strategies create.
	Actor string `yaml:"actor" mapstructure:"actor"`
}

// StoreConfig configures collaborator persistence.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	FilesDir    string `yaml:"files_dir" mapstructure:"files_dir"`
	BaseURL     string `yaml:"base_url" mapstructure:"base_url"`
}

// ProvidersConfig holds credentials and endpoints per model provider.
type ProvidersConfig struct {
	Anthropic AnthropicConfig `yaml:"anthropic" mapstructure:"anthropic"`
	OpenAI    OpenAIConfig    `yaml:"openai" mapstructure:"openai"`
	Gemini    GeminiConfig    `yaml:"gemini" mapstructure:"gemini"`
}

// AnthropicConfig configures the Anthropic backend.
type AnthropicConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// OpenAIConfig configures an OpenAI compatible backend.
type OpenAIConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// GeminiConfig configures the Gemini backend.
type GeminiConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// RateLimitConfig limits calls to one provider.
type RateLimitConfig struct {
	RPS   float64 `yaml:"rps" mapstructure:"rps"`
	Burst int     `yaml:"burst" mapstructure:"burst"`
}

// MediaConfig locates the ffmpeg tools and the scratch root.
type MediaConfig struct {
	FFmpegPath  string `yaml:"ffmpeg_path" mapstructure:"ffmpeg_path"`
	FFprobePath string `yaml:"ffprobe_path" mapstructure:"ffprobe_path"`
	TempDir     string `yaml:"temp_dir" mapstructure:"temp_dir"`
}

// SearchConfig configures the vector retriever.
type SearchConfig struct {
	// Driver is "pgvector" or "memory".
	Driver      string               `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string               `yaml:"database_url" mapstructure:"database_url"`
	Dimensions  int                  `yaml:"dimensions" mapstructure:"dimensions"`
	Indexes     []search.IndexConfig `yaml:"indexes" mapstructure:"indexes"`
}

// ViewsConfig locates view templates.
type ViewsConfig struct {
	Dir string `yaml:"dir" mapstructure:"dir"`
}

// BatchConfig configures batch processing.
type BatchConfig struct {
	MaxConcurrentRecords int `yaml:"max_concurrent_records" mapstructure:"max_concurrent_records"`
	MaxRetries           int `yaml:"max_retries" mapstructure:"max_retries"`
}

// RetryConfig configures retries of transient provider errors.
type RetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction   float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
}

// CircuitConfig configures the per-provider circuit breakers.
type CircuitConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Targets returns the operation defaults keyed by operation.
func (c *Config) Targets() map[provider.Operation]provider.Target {
	out := make(map[provider.Operation]provider.Target, len(c.Defaults))
	for op, t := range c.Defaults {
		out[provider.Operation(op)] = t
	}
	return out
}

// Validate checks the settings a command needs. Mode is one of "run",
// "index" or "store".
func (c *Config) Validate(mode string) error {
	var errs []string

	switch c.Store.Driver {
	case "sqlite":
	case "postgres":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required for the postgres driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q is not supported", c.Store.Driver))
	}

	switch mode {
	case "store":
	case "run":
		if c.Providers.Anthropic.Key == "" && c.Providers.OpenAI.Key == "" && c.Providers.Gemini.Key == "" {
			errs = append(errs, "at least one of providers.anthropic.key, providers.openai.key, providers.gemini.key is required")
		}
		if c.Batch.MaxConcurrentRecords < 1 || c.Batch.MaxConcurrentRecords > 50 {
			errs = append(errs, "batch.max_concurrent_records must be between 1 and 50")
		}
	case "index":
		if c.Search.Driver == "pgvector" && c.Search.DatabaseURL == "" && c.Store.DatabaseURL == "" {
			errs = append(errs, "search.database_url is required for the pgvector driver")
		}
		if c.Search.Dimensions < 1 {
			errs = append(errs, "search.dimensions must be at least 1")
		}
	default:
		return eris.Errorf("config: unknown validation mode %q", mode)
	}

	for op := range c.Defaults {
		if !knownOperation(provider.Operation(op)) {
			errs = append(errs, fmt.Sprintf("defaults.%s is not an operation type", op))
		}
	}

	if len(errs) > 0 {
		return eris.New("config: " + strings.Join(errs, "; "))
	}
	return nil
}

func knownOperation(op provider.Operation) bool {
	switch op {
	case provider.OpChat, provider.OpChatJSON, provider.OpChatVision,
		provider.OpSpeechToText, provider.OpTextToImage, provider.OpTextToSpeech,
		provider.OpEmbeddings:
		return true
	}
	return false
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	return LoadWith(Overrides{})
}

// Overrides are command-line values. They win over the config file, the
// environment and the defaults. Empty fields are ignored.
type Overrides struct {
	// File replaces the ./config.yaml lookup. A missing File is an error.
	File      string
	LogLevel  string
	LogFormat string
	Store     string
}

// LoadWith is Load with command-line overrides applied.
func LoadWith(o Overrides) (*Config, error) {
	v := viper.New()

	// Config file
	if o.File != "" {
		v.SetConfigFile(o.File)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	// Environment
	v.SetEnvPrefix("AUTOMATOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "automator.db")
	v.SetDefault("store.files_dir", "files")
	v.SetDefault("store.base_url", "http://localhost/files")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("actor", "1")
	v.SetDefault("providers.anthropic.key", "")
	v.SetDefault("providers.anthropic.base_url", "")
	v.SetDefault("providers.openai.key", "")
	v.SetDefault("providers.openai.base_url", "https://api.openai.com/v1")
	v.SetDefault("providers.gemini.key", "")
	v.SetDefault("providers.gemini.base_url", "")
	v.SetDefault("defaults.chat.provider", "anthropic")
	v.SetDefault("defaults.chat.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("defaults.chat_with_complex_json.provider", "anthropic")
	v.SetDefault("defaults.chat_with_complex_json.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("defaults.chat_with_image_vision.provider", "anthropic")
	v.SetDefault("defaults.chat_with_image_vision.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("defaults.speech_to_text.provider", "openai")
	v.SetDefault("defaults.speech_to_text.model", "whisper-1")
	v.SetDefault("defaults.text_to_image.provider", "openai")
	v.SetDefault("defaults.text_to_image.model", "dall-e-3")
	v.SetDefault("defaults.text_to_speech.provider", "openai")
	v.SetDefault("defaults.text_to_speech.model", "tts-1")
	v.SetDefault("defaults.embeddings.provider", "openai")
	v.SetDefault("defaults.embeddings.model", "text-embedding-3-small")
	v.SetDefault("media.ffmpeg_path", "ffmpeg")
	v.SetDefault("media.ffprobe_path", "ffprobe")
	v.SetDefault("media.temp_dir", "")
	v.SetDefault("search.driver", "memory")
	v.SetDefault("search.database_url", "")
	v.SetDefault("search.dimensions", 1536)
	v.SetDefault("views.dir", "views")
	v.SetDefault("batch.max_concurrent_records", 5)
	v.SetDefault("batch.max_retries", 3)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff_ms", 500)
	v.SetDefault("retry.max_backoff_ms", 10000)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter_fraction", 0.25)
	v.SetDefault("circuit.failure_threshold", 5)
	v.SetDefault("circuit.reset_timeout_secs", 30)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	for key, val := range map[string]string{
		"log.level":    o.LogLevel,
		"log.format":   o.LogFormat,
		"store.driver": o.Store,
	} {
		if val != "" {
			v.Set(key, val)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
