// Package config loads the server settings from flags, environment and an
// optional config file.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const envPrefix = "VOICE_AGENT"

type Config struct {
	HTTPPort string `mapstructure:"http_port"`

	Provider       string        `mapstructure:"provider"`
	Model          string        `mapstructure:"model"`
	APIKey         string        `mapstructure:"api_key"`
	BaseURL        string        `mapstructure:"base_url"`
	Temperature    float64       `mapstructure:"temperature"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`

	// MongoURI selects the MongoDB stores. Empty keeps everything in memory.
	MongoURI string `mapstructure:"mongodb_uri"`
	MongoDB  string `mapstructure:"mongodb_db"`

	DocsDir       string `mapstructure:"docs_dir"`
	CatalogFile   string `mapstructure:"catalog"`
	WeatherAPIKey string `mapstructure:"weather_api_key"`

	CoalesceWindow time.Duration `mapstructure:"coalesce_window"`
	MaxToolRounds  int           `mapstructure:"max_tool_rounds"`
	Greeting       string        `mapstructure:"greeting"`
}

var defaults = map[string]any{
	"http_port":       "8080",
	"provider":        "gemini",
	"model":           "gemini-2.5-flash",
	"api_key":         "",
	"base_url":        "",
	"temperature":     0.2,
	"request_timeout": 30 * time.Second,
	"mongodb_uri":     "",
	"mongodb_db":      "voice_agent",
	"docs_dir":        "data",
	"catalog":         "",
	"weather_api_key": "",
	"coalesce_window": 500 * time.Millisecond,
	"max_tool_rounds": 4,
	"greeting":        "hello",
}

// unprefixed names still honoured from earlier deployments
var legacyEnv = map[string]string{
	"http_port":       "HTTP_PORT",
	"model":           "MODEL",
	"mongodb_uri":     "MONGODB_URI",
	"mongodb_db":      "MONGODB_DB",
	"weather_api_key": "OPENWEATHER_API_KEY",
}

// New returns a viper instance with defaults and environment bindings set.
func New() *viper.Viper {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	for key, env := range legacyEnv {
		_ = v.BindEnv(key, envPrefix+"_"+strings.ToUpper(key), env)
	}

	return v
}

// Load reads file, when given, into v and decodes the result.
func Load(v *viper.Viper, file string) (*Config, error) {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %q: %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	switch c.Provider {
	case "gemini", "openai":
	default:
		errs = append(errs, fmt.Errorf("unknown provider %q", c.Provider))
	}
	if c.HTTPPort == "" {
		errs = append(errs, errors.New("http_port cannot be empty"))
	}
	if c.MaxToolRounds < 1 {
		errs = append(errs, fmt.Errorf("max_tool_rounds must be at least 1, got %d", c.MaxToolRounds))
	}
	if c.CoalesceWindow < 0 {
		errs = append(errs, fmt.Errorf("coalesce_window cannot be negative, got %s", c.CoalesceWindow))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}
