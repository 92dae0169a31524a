// Package config models the mailtriage configuration file and validates it
// at startup. Configuration problems fail fast here, before any network
// call or destructive action, and are reported together rather than one at
// a time.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config models config.yaml.
type Config struct {
	Timezone  string           `mapstructure:"timezone"`
	RulesFile string           `mapstructure:"rules_file"`
	Storage   StorageConfig    `mapstructure:"storage"`
	Process   ProcessingConfig `mapstructure:"processing"`
	LLM       LLMConfig        `mapstructure:"llm"`
	Trello    TrelloConfig     `mapstructure:"trello"`
	Google    GoogleConfig     `mapstructure:"google"`
	Accounts  map[string]AccountConfig `mapstructure:"accounts"`
}

type StorageConfig struct {
	BasePath string `mapstructure:"base_path"`
}

type ProcessingConfig struct {
	// ConfidenceThreshold gates auto-escalation: model decisions at or
	// below it go to human review instead.
	ConfidenceThreshold float64 `mapstructure:"auto_escalate_confidence_threshold"`
	// CategoryThresholds overrides the global threshold per category.
	CategoryThresholds map[string]float64 `mapstructure:"category_thresholds"`
	ArchiveBatchSize   int                `mapstructure:"archive_batch_size"`
}

type LLMConfig struct {
	APIKey           string `mapstructure:"api_key"`
	Model            string `mapstructure:"model"`
	MaxTokens        int    `mapstructure:"max_tokens"`
	BatchSize        int    `mapstructure:"batch_size"`
	RateLimitSeconds int    `mapstructure:"rate_limit_seconds"`
}

type TrelloConfig struct {
	Credentials TrelloCredentials      `mapstructure:"credentials"`
	Boards      map[string]BoardConfig `mapstructure:"boards"`
}

type TrelloCredentials struct {
	APIKey string `mapstructure:"api_key"`
	Token  string `mapstructure:"token"`
}

type BoardConfig struct {
	// ID is a Trello board ID, or "auto" to look it up by name.
	ID          string     `mapstructure:"id"`
	Lists       BoardLists `mapstructure:"lists"`
	Description string     `mapstructure:"description"`
}

type BoardLists struct {
	Urgent string `mapstructure:"urgent"`
	Normal string `mapstructure:"normal"`
}

type GoogleConfig struct {
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
}

type AccountConfig struct {
	RefreshToken    string   `mapstructure:"refresh_token"`
	DefaultBoard    string   `mapstructure:"default_board"`
	InternalDomains []string `mapstructure:"internal_domains"`
}

// Load unmarshals the configuration from v and applies defaults.
func Load(v *viper.Viper) (*Config, error) {
	v.SetDefault("timezone", "UTC")
	v.SetDefault("rules_file", "rules.yaml")
	v.SetDefault("storage.base_path", "data")
	v.SetDefault("processing.auto_escalate_confidence_threshold", 0.7)
	v.SetDefault("processing.archive_batch_size", 1000)
	v.SetDefault("llm.model", "claude-sonnet-4-5")
	v.SetDefault("llm.max_tokens", 4096)
	v.SetDefault("llm.batch_size", 10)
	v.SetDefault("llm.rate_limit_seconds", 6)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Validate checks all configuration fields and returns every problem found.
func (c *Config) Validate() error {
	var errs []error

	if _, err := time.LoadLocation(c.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("invalid timezone %q: %w", c.Timezone, err))
	}
	if c.RulesFile == "" {
		errs = append(errs, errors.New("rules_file is required"))
	}
	if c.Storage.BasePath == "" {
		errs = append(errs, errors.New("storage.base_path is required"))
	}

	if t := c.Process.ConfidenceThreshold; t < 0 || t > 1 {
		errs = append(errs, fmt.Errorf("auto_escalate_confidence_threshold %v must be in [0, 1]", t))
	}
	for cat, t := range c.Process.CategoryThresholds {
		if t < 0 || t > 1 {
			errs = append(errs, fmt.Errorf("category threshold for %q must be in [0, 1], got %v", cat, t))
		}
	}
	if c.Process.ArchiveBatchSize <= 0 {
		errs = append(errs, errors.New("processing.archive_batch_size must be positive"))
	}

	if c.LLM.BatchSize <= 0 {
		errs = append(errs, errors.New("llm.batch_size must be positive"))
	}
	if c.LLM.MaxTokens <= 0 {
		errs = append(errs, errors.New("llm.max_tokens must be positive"))
	}
	if c.LLM.RateLimitSeconds < 0 {
		errs = append(errs, errors.New("llm.rate_limit_seconds must not be negative"))
	}

	if len(c.Accounts) == 0 {
		errs = append(errs, errors.New("at least one account must be configured"))
	}
	for name, acct := range c.Accounts {
		if acct.RefreshToken == "" {
			errs = append(errs, fmt.Errorf("account %s: refresh_token is required", name))
		}
		if acct.DefaultBoard != "" {
			if _, ok := c.Trello.Boards[acct.DefaultBoard]; !ok {
				errs = append(errs, fmt.Errorf("account %s: default_board %q is not a configured board", name, acct.DefaultBoard))
			}
		}
	}

	for name, board := range c.Trello.Boards {
		if board.ID == "" {
			errs = append(errs, fmt.Errorf("board %s: id is required (use \"auto\" to look up by name)", name))
		}
		if board.Lists.Urgent == "" || board.Lists.Normal == "" {
			errs = append(errs, fmt.Errorf("board %s: lists.urgent and lists.normal are required", name))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Account returns the configuration for one account, failing when the
// account is unknown so typos surface before any processing starts.
func (c *Config) Account(name string) (AccountConfig, error) {
	acct, ok := c.Accounts[name]
	if !ok {
		return AccountConfig{}, fmt.Errorf("account %q not found in configuration", name)
	}
	return acct, nil
}

// Location returns the configured time zone. Validate must have passed.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// ThresholdFor returns the auto-escalation confidence threshold for a
// category, falling back to the global scalar.
func (c *Config) ThresholdFor(category string) float64 {
	if t, ok := c.Process.CategoryThresholds[category]; ok {
		return t
	}
	return c.Process.ConfidenceThreshold
}

// BoardNames returns the configured board names for prompt construction
// and suggestion validation.
func (c *Config) BoardNames() []string {
	names := make([]string, 0, len(c.Trello.Boards))
	for name := range c.Trello.Boards {
		names = append(names, name)
	}
	return names
}
