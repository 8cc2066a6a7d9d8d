package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable the harness reads
const EnvPrefix = "TRITONLOAD"

// Config holds all application configuration
type Config struct {
	Target     TargetConfig     `mapstructure:"target"`
	Load       LoadConfig       `mapstructure:"load"`
	Tokenizer  TokenizerConfig  `mapstructure:"tokenizer"`
	Retry      RetryConfig      `mapstructure:"retry"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	MockServer MockServerConfig `mapstructure:"mock_server"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// TargetConfig identifies the inference server under test
type TargetConfig struct {
	URL     string        `mapstructure:"url" validate:"required,url"`
	Model   string        `mapstructure:"model" validate:"required"`
	Timeout time.Duration `mapstructure:"timeout" validate:"gt=0"`
}

// LoadConfig shapes the worker pool
type LoadConfig struct {
	Concurrency  int           `mapstructure:"concurrency" validate:"min=1,max=4096"`
	MaxNewTokens int           `mapstructure:"max_new_tokens" validate:"min=0"`
	PacingDelay  time.Duration `mapstructure:"pacing_delay" validate:"min=0"`
	Duration     time.Duration `mapstructure:"duration" validate:"min=0"` // 0 runs until interrupted
	JoinTimeout  time.Duration `mapstructure:"join_timeout" validate:"gt=0"`
	Seed         int64         `mapstructure:"seed"` // 0 picks a time-based seed
	Rate         float64       `mapstructure:"rate" validate:"min=0"`
	PromptsFile  string        `mapstructure:"prompts_file"`
}

// TokenizerConfig points at the tokenize/detokenize sidecar
type TokenizerConfig struct {
	URL string `mapstructure:"url" validate:"omitempty,url"`
}

// RetryConfig holds the optional infer retry policy
type RetryConfig struct {
	MaxRetries int           `mapstructure:"max_retries" validate:"min=0,max=10"`
	BaseDelay  time.Duration `mapstructure:"base_delay" validate:"gt=0"`
	MaxDelay   time.Duration `mapstructure:"max_delay" validate:"gt=0"`
}

// DatabaseConfig holds run-history storage configuration
type DatabaseConfig struct {
	Path string `mapstructure:"path"` // empty disables persistence
}

// MetricsConfig holds the status/metrics listener configuration
type MetricsConfig struct {
	Addr string `mapstructure:"addr" validate:"omitempty,hostname_port"` // empty disables the listener
}

// MockServerConfig holds the stub Triton server configuration
type MockServerConfig struct {
	Host          string        `mapstructure:"host"`
	Port          int           `mapstructure:"port" validate:"min=1,max=65535"`
	ResponseDelay time.Duration `mapstructure:"response_delay" validate:"min=0"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn warning error"`
	Format string `mapstructure:"format" validate:"oneof=json text"`
}

// flagKeys maps command-line flag names onto configuration keys
var flagKeys = map[string]string{
	"url":            "target.url",
	"model":          "target.model",
	"timeout":        "target.timeout",
	"concurrency":    "load.concurrency",
	"max-new-tokens": "load.max_new_tokens",
	"pacing":         "load.pacing_delay",
	"duration":       "load.duration",
	"join-timeout":   "load.join_timeout",
	"seed":           "load.seed",
	"rate":           "load.rate",
	"prompts":        "load.prompts_file",
	"tokenizer-url":  "tokenizer.url",
	"retries":        "retry.max_retries",
	"db":             "database.path",
	"metrics-addr":   "metrics.addr",
	"host":           "mock_server.host",
	"port":           "mock_server.port",
	"delay":          "mock_server.response_delay",
	"log-level":      "logging.level",
	"log-format":     "logging.format",
}

// Load loads configuration from defaults, an optional file, the environment
// and finally any flags the user set explicitly
func Load(configPath string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Read from config file if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Read from environment variables
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Bind specific environment variables
	bindEnvVars(v)

	if flags != nil {
		if err := bindFlags(v, flags); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Target defaults
	v.SetDefault("target.url", "http://localhost:8000")
	v.SetDefault("target.model", "qwen")
	v.SetDefault("target.timeout", 30*time.Second)

	// Load defaults
	v.SetDefault("load.concurrency", 3)
	v.SetDefault("load.max_new_tokens", 50)
	v.SetDefault("load.pacing_delay", 100*time.Millisecond)
	v.SetDefault("load.duration", time.Duration(0))
	v.SetDefault("load.join_timeout", time.Second)
	v.SetDefault("load.seed", 0)
	v.SetDefault("load.rate", 0.0)
	v.SetDefault("load.prompts_file", "")

	// Tokenizer sidecar
	v.SetDefault("tokenizer.url", "")

	// Retry defaults (off unless max_retries > 0)
	v.SetDefault("retry.max_retries", 0)
	v.SetDefault("retry.base_delay", 200*time.Millisecond)
	v.SetDefault("retry.max_delay", 5*time.Second)

	// Database defaults
	v.SetDefault("database.path", "")

	// Metrics listener
	v.SetDefault("metrics.addr", "")

	// Mock server defaults
	v.SetDefault("mock_server.host", "127.0.0.1")
	v.SetDefault("mock_server.port", 8000)
	v.SetDefault("mock_server.response_delay", time.Duration(0))

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

func bindEnvVars(v *viper.Viper) {
	// Helper to bind and log errors (BindEnv errors are non-fatal but should be logged)
	bindEnv := func(key string, envVar string) {
		if err := v.BindEnv(key, envVar); err != nil {
			slog.Warn("failed to bind environment variable",
				slog.String("key", key),
				slog.String("env_var", envVar),
				slog.String("error", err.Error()))
		}
	}

	// Short names for the settings people change most
	bindEnv("target.url", "TRITON_URL")
	bindEnv("target.model", "TRITON_MODEL")
	bindEnv("tokenizer.url", "TOKENIZER_URL")

	// Logging
	bindEnv("logging.level", "LOG_LEVEL")
	bindEnv("logging.format", "LOG_FORMAT")
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	var bindErr error
	flags.VisitAll(func(f *pflag.Flag) {
		key, ok := flagKeys[f.Name]
		if !ok || bindErr != nil {
			return
		}
		if err := v.BindPFlag(key, f); err != nil {
			bindErr = fmt.Errorf("failed to bind flag --%s: %w", f.Name, err)
		}
	})
	return bindErr
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return errors.New(describeValidationError(err))
	}

	if c.Retry.MaxDelay < c.Retry.BaseDelay {
		return fmt.Errorf("retry.max_delay (%s) must not be shorter than retry.base_delay (%s)",
			c.Retry.MaxDelay, c.Retry.BaseDelay)
	}

	return nil
}

// Seeded reports whether prompt selection should be reproducible
func (c *Config) Seeded() bool {
	return c.Load.Seed != 0
}

// describeValidationError turns validator output into config-key messages
func describeValidationError(err error) string {
	var validationErrs validator.ValidationErrors
	if !errors.As(err, &validationErrs) {
		return err.Error()
	}

	var messages []string
	for _, fe := range validationErrs {
		field := configKey(fe.Namespace())
		switch fe.Tag() {
		case "required":
			messages = append(messages, fmt.Sprintf("%s is required", field))
		case "min", "gte":
			messages = append(messages, fmt.Sprintf("%s must be at least %s", field, fe.Param()))
		case "max", "lte":
			messages = append(messages, fmt.Sprintf("%s must be at most %s", field, fe.Param()))
		case "gt":
			messages = append(messages, fmt.Sprintf("%s must be greater than %s", field, fe.Param()))
		case "oneof":
			messages = append(messages, fmt.Sprintf("%s must be one of [%s]", field, fe.Param()))
		case "url":
			messages = append(messages, fmt.Sprintf("%s must be a URL", field))
		default:
			messages = append(messages, fmt.Sprintf("%s failed validation (%s)", field, fe.Tag()))
		}
	}
	return strings.Join(messages, "; ")
}

// configKey converts "Config.Load.MaxNewTokens" to "load.max_new_tokens"
func configKey(namespace string) string {
	parts := strings.Split(namespace, ".")
	if len(parts) > 1 {
		parts = parts[1:]
	}
	for i, p := range parts {
		parts[i] = toSnakeCase(p)
	}
	return strings.Join(parts, ".")
}

func toSnakeCase(s string) string {
	var b strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 && !(s[i-1] >= 'A' && s[i-1] <= 'Z') {
				b.WriteByte('_')
			}
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}
