// Package config holds the SDK configuration. A Config is built once at
// startup and passed by value; only the display language changes afterwards,
// through Localization.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
)

var (
	ErrMissingAPIKey     = errors.New("config: api key is required")
	ErrPlaceholderAPIKey = errors.New("config: api key is a placeholder")
)

var placeholderKeys = map[string]bool{
	"your_api_key":         true,
	"your_api_key_here":    true,
	"YOUR-APPHUD-FLOW-KEY": true,
}

const (
	DefaultBaseURL  = "https://api.apphud.com"
	DefaultLanguage = "en"
	EnvPrefix       = "W2W"
)

type StorageConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

type TemporalConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	HostPort  string `mapstructure:"host_port"`
	Namespace string `mapstructure:"namespace"`
	TaskQueue string `mapstructure:"task_queue"`
}

// Config is the immutable SDK configuration.
type Config struct {
	APIKey           string            `mapstructure:"api_key"`
	Debug            bool              `mapstructure:"debug"`
	BaseURL          string            `mapstructure:"base_url"`
	BaseSuccessURL   string            `mapstructure:"base_success_url"`
	WebsiteVersion   string            `mapstructure:"website_version"`
	HTTPRetriesCount int               `mapstructure:"http_retries_count"`
	HTTPRetryDelay   time.Duration     `mapstructure:"http_retry_delay"`
	Language         string            `mapstructure:"language"`
	RedirectDelay    time.Duration     `mapstructure:"redirect_delay"`
	Headers          map[string]string `mapstructure:"headers"`
	StripeLiveKey    string            `mapstructure:"stripe_live_key"`
	StripeTestKey    string            `mapstructure:"stripe_test_key"`
	SelectionTTL     time.Duration     `mapstructure:"selection_ttl"`
	EventSendDelay   time.Duration     `mapstructure:"event_send_delay"`
	RerenderForms    bool              `mapstructure:"rerender_forms"`
	HashSalt         string            `mapstructure:"hash_salt"`
	Storage          StorageConfig     `mapstructure:"storage"`
	Temporal         TemporalConfig    `mapstructure:"temporal"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		BaseURL:          DefaultBaseURL,
		BaseSuccessURL:   "https://web2wave.app/success",
		WebsiteVersion:   "1.0.0",
		HTTPRetriesCount: 3,
		HTTPRetryDelay:   time.Second,
		Language:         DefaultLanguage,
		RedirectDelay:    time.Second,
		Headers:          map[string]string{},
		SelectionTTL:     30 * 24 * time.Hour,
		EventSendDelay:   time.Second,
		Storage:          StorageConfig{Driver: "memory"},
		Temporal: TemporalConfig{
			HostPort:  "localhost:7233",
			Namespace: "default",
			TaskQueue: "paywall-subscriptions",
		},
	}
}

// Load merges defaults, the optional config file at path and W2W_* environment
// variables, in that order of precedence (env wins).
func Load(path string) (Config, error) {
	def := Default()
	v := viper.New()
	setDefaults(v, def)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return Config{}, fmt.Errorf("stat config file: %w", err)
		}
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if cfg.Headers == nil {
		cfg.Headers = map[string]string{}
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, def Config) {
	v.SetDefault("api_key", def.APIKey)
	v.SetDefault("debug", def.Debug)
	v.SetDefault("base_url", def.BaseURL)
	v.SetDefault("base_success_url", def.BaseSuccessURL)
	v.SetDefault("website_version", def.WebsiteVersion)
	v.SetDefault("http_retries_count", def.HTTPRetriesCount)
	v.SetDefault("http_retry_delay", def.HTTPRetryDelay)
	v.SetDefault("language", def.Language)
	v.SetDefault("redirect_delay", def.RedirectDelay)
	v.SetDefault("headers", def.Headers)
	v.SetDefault("stripe_live_key", def.StripeLiveKey)
	v.SetDefault("stripe_test_key", def.StripeTestKey)
	v.SetDefault("selection_ttl", def.SelectionTTL)
	v.SetDefault("event_send_delay", def.EventSendDelay)
	v.SetDefault("rerender_forms", def.RerenderForms)
	v.SetDefault("hash_salt", def.HashSalt)
	v.SetDefault("storage.driver", def.Storage.Driver)
	v.SetDefault("storage.dsn", def.Storage.DSN)
	v.SetDefault("temporal.enabled", def.Temporal.Enabled)
	v.SetDefault("temporal.host_port", def.Temporal.HostPort)
	v.SetDefault("temporal.namespace", def.Temporal.Namespace)
	v.SetDefault("temporal.task_queue", def.Temporal.TaskQueue)
}

// Validate rejects configurations the backend would refuse.
func (c Config) Validate() error {
	key := strings.TrimSpace(c.APIKey)
	if key == "" {
		return ErrMissingAPIKey
	}
	if placeholderKeys[key] {
		return fmt.Errorf("%w: %q", ErrPlaceholderAPIKey, key)
	}
	if c.HTTPRetriesCount < 1 {
		return fmt.Errorf("config: http_retries_count must be at least 1, got %d", c.HTTPRetriesCount)
	}
	return nil
}

// StripeKey selects the publishable key for the current environment.
func (c Config) StripeKey() string {
	if c.Debug {
		return c.StripeTestKey
	}
	return c.StripeLiveKey
}

// Localization is the one piece of configuration that may change after init.
type Localization struct {
	mu   sync.RWMutex
	lang string
}

func NewLocalization(lang string) *Localization {
	if lang == "" {
		lang = DefaultLanguage
	}
	return &Localization{lang: lang}
}

func (l *Localization) Language() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lang
}

// SetLanguage ignores empty values.
func (l *Localization) SetLanguage(lang string) {
	lang = strings.TrimSpace(lang)
	if lang == "" {
		return
	}
	l.mu.Lock()
	l.lang = lang
	l.mu.Unlock()
}
