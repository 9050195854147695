// Package config provides daemon configuration with multi-source priority.
//
// Configuration sources (highest to lowest priority):
//  1. Environment variables (runtime override)
//  2. Config file (~/.sidecoach/config.yaml)
//  3. Default values
//
// Security: the API key and analytics token are never logged; MarshalJSON
// masks them. Validation runs fail-fast at load time and returns sentinel
// errors checkable with errors.Is().
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

var (
	// ErrConfigNil indicates the configuration is nil.
	ErrConfigNil = errors.New("configuration is nil")

	// ErrInvalidModelName indicates the model name is empty.
	ErrInvalidModelName = errors.New("invalid model name")

	// ErrInvalidTemperature indicates the temperature is out of range.
	ErrInvalidTemperature = errors.New("invalid temperature")

	// ErrInvalidTopP indicates the top_p value is out of range.
	ErrInvalidTopP = errors.New("invalid top_p")

	// ErrInvalidMaxTokens indicates the max tokens value is out of range.
	ErrInvalidMaxTokens = errors.New("invalid max tokens")

	// ErrInvalidRateLimit indicates the backend rate limit is not positive.
	ErrInvalidRateLimit = errors.New("invalid rate limit")

	// ErrInvalidListenAddr indicates the HTTP listen address is empty.
	ErrInvalidListenAddr = errors.New("invalid listen address")

	// ErrInvalidStoragePath indicates the sqlite path is empty.
	ErrInvalidStoragePath = errors.New("invalid storage path")
)

// Config stores daemon configuration.
// SECURITY: sensitive fields are explicitly masked in MarshalJSON().
type Config struct {
	// Generation backend
	APIKey      string  `mapstructure:"api_key" json:"api_key"` // SENSITIVE: masked in MarshalJSON
	Model       string  `mapstructure:"model" json:"model"`
	Temperature float32 `mapstructure:"temperature" json:"temperature"`
	TopP        float32 `mapstructure:"top_p" json:"top_p"`
	TopK        float32 `mapstructure:"top_k" json:"top_k"`
	MaxTokens   int32   `mapstructure:"max_tokens" json:"max_tokens"`

	// Backend admission control (shared across all conversations)
	RateMaxRequests int `mapstructure:"rate_max_requests" json:"rate_max_requests"`
	RateWindowSecs  int `mapstructure:"rate_window_secs" json:"rate_window_secs"`

	// HTTP surface
	ListenAddr string `mapstructure:"listen_addr" json:"listen_addr"`
	// ClientRPS and ClientBurst bound each remote client of the HTTP API.
	ClientRPS   float64 `mapstructure:"client_rps" json:"client_rps"`
	ClientBurst int     `mapstructure:"client_burst" json:"client_burst"`

	// Durable session mirror
	StoragePath string `mapstructure:"storage_path" json:"storage_path"`

	// Analytics sink (optional; empty endpoint disables it)
	AnalyticsEndpoint string `mapstructure:"analytics_endpoint" json:"analytics_endpoint"`
	AnalyticsToken    string `mapstructure:"analytics_token" json:"analytics_token"` // SENSITIVE: masked in MarshalJSON

	// Logging
	LogLevel string `mapstructure:"log_level" json:"log_level"`
	LogJSON  bool   `mapstructure:"log_json" json:"log_json"`
}

// Load loads configuration.
// Priority: environment variables > configuration file > default values.
func Load() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting user home directory: %w", err)
	}
	configDir := filepath.Join(home, ".sidecoach")
	if err := os.MkdirAll(configDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating config directory: %w", err)
	}

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(configDir)
	viper.AddConfigPath(".")

	setDefaults()
	bindEnvVariables()

	if err := viper.ReadInConfig(); err != nil {
		// A missing config file is not an error; defaults and env apply.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		slog.Debug("configuration file not found, using defaults",
			"search_paths", []string{configDir, "."})
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}
	return &cfg, nil
}

// setDefaults sets all default configuration values.
func setDefaults() {
	viper.SetDefault("model", "gemini-2.5-flash")
	viper.SetDefault("temperature", 0.7)
	viper.SetDefault("top_p", 0.95)
	viper.SetDefault("top_k", 40)
	viper.SetDefault("max_tokens", 2048)

	viper.SetDefault("rate_max_requests", 60)
	viper.SetDefault("rate_window_secs", 60)

	viper.SetDefault("listen_addr", "127.0.0.1:8731")
	viper.SetDefault("client_rps", 10)
	viper.SetDefault("client_burst", 20)

	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	viper.SetDefault("storage_path", filepath.Join(home, ".sidecoach", "sessions.db"))

	viper.SetDefault("log_level", "info")
	viper.SetDefault("log_json", false)
}

// bindEnvVariables binds environment variables explicitly.
func bindEnvVariables() {
	// Hardcoded keys cannot fail to bind; a failure here is a code bug.
	mustBind := func(key, envVar string) {
		if err := viper.BindEnv(key, envVar); err != nil {
			panic(fmt.Sprintf("BUG: failed to bind %q to %q: %v", key, envVar, err))
		}
	}

	mustBind("api_key", "GEMINI_API_KEY")
	mustBind("model", "SIDECOACH_MODEL")
	mustBind("listen_addr", "SIDECOACH_LISTEN_ADDR")
	mustBind("storage_path", "SIDECOACH_STORAGE_PATH")
	mustBind("analytics_endpoint", "SIDECOACH_ANALYTICS_ENDPOINT")
	mustBind("analytics_token", "SIDECOACH_ANALYTICS_TOKEN")
	mustBind("log_level", "SIDECOACH_LOG_LEVEL")
	mustBind("log_json", "SIDECOACH_LOG_JSON")
}

// Validate validates configuration values.
// Returns sentinel errors that can be checked with errors.Is().
func (c *Config) Validate() error {
	if c == nil {
		return ErrConfigNil
	}

	// A missing API key is allowed: the daemon starts and every generation
	// request reports "configure your credential" until one is set.
	if c.APIKey == "" {
		slog.Warn("GEMINI_API_KEY is not set",
			"effect", "coaching requests will fail until a key is configured")
	}

	if c.Model == "" {
		return fmt.Errorf("%w: model cannot be empty", ErrInvalidModelName)
	}
	if c.Temperature < 0.0 || c.Temperature > 2.0 {
		return fmt.Errorf("%w: must be between 0.0 and 2.0, got %.2f", ErrInvalidTemperature, c.Temperature)
	}
	if c.TopP < 0.0 || c.TopP > 1.0 {
		return fmt.Errorf("%w: must be between 0.0 and 1.0, got %.2f", ErrInvalidTopP, c.TopP)
	}
	if c.MaxTokens < 1 || c.MaxTokens > 65536 {
		return fmt.Errorf("%w: must be between 1 and 65,536, got %d", ErrInvalidMaxTokens, c.MaxTokens)
	}
	if c.RateMaxRequests < 1 || c.RateWindowSecs < 1 {
		return fmt.Errorf("%w: rate_max_requests and rate_window_secs must be positive, got %d/%d",
			ErrInvalidRateLimit, c.RateMaxRequests, c.RateWindowSecs)
	}
	if c.ClientRPS <= 0 || c.ClientBurst < 1 {
		return fmt.Errorf("%w: client_rps and client_burst must be positive, got %.1f/%d",
			ErrInvalidRateLimit, c.ClientRPS, c.ClientBurst)
	}
	if c.ListenAddr == "" {
		return fmt.Errorf("%w: listen_addr cannot be empty", ErrInvalidListenAddr)
	}
	if c.StoragePath == "" {
		return fmt.Errorf("%w: storage_path cannot be empty", ErrInvalidStoragePath)
	}
	return nil
}

// maskedValue is the placeholder for masked sensitive data.
const maskedValue = "████████"

// maskSecret masks a secret string for safe logging. Short secrets are fully
// masked; longer ones keep the first and last two characters for debugging.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return maskedValue
	}
	return s[:2] + "<" + maskedValue + ">" + s[len(s)-2:]
}

// MarshalJSON implements json.Marshaler with explicit sensitive field
// masking. When adding new secret fields, update this method.
func (c Config) MarshalJSON() ([]byte, error) {
	type alias Config
	a := alias(c)
	a.APIKey = maskSecret(a.APIKey)
	a.AnalyticsToken = maskSecret(a.AnalyticsToken)
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return data, nil
}

// String implements Stringer to prevent accidental printing of secrets.
func (c Config) String() string {
	data, err := c.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("Config{error: %v}", err)
	}
	return string(data)
}
