package config

import (
	"strings"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validYAML = `
timezone: America/Los_Angeles
rules_file: rules.yaml
storage:
  base_path: data
processing:
  auto_escalate_confidence_threshold: 0.7
  category_thresholds:
    customer: 0.9
llm:
  api_key: gsm:anthropic-api-key
  model: claude-sonnet-4-5
trello:
  credentials:
    api_key: gsm:trello-api-key
    token: gsm:trello-token
  boards:
    inbox:
      id: auto
      lists:
        urgent: Urgent
        normal: To Do
accounts:
  me@corp.example:
    refresh_token: gsm:gmail-refresh
    default_board: inbox
    internal_domains: [corp.example]
`

func loadYAML(t *testing.T, yml string) (*Config, error) {
	t.Helper()
	v := viper.New()
	v.SetConfigType("yaml")
	require.NoError(t, v.ReadConfig(strings.NewReader(yml)))
	return Load(v)
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := loadYAML(t, validYAML)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 10, cfg.LLM.BatchSize)
	assert.Equal(t, 6, cfg.LLM.RateLimitSeconds)
	assert.Equal(t, 4096, cfg.LLM.MaxTokens)
	assert.Equal(t, 1000, cfg.Process.ArchiveBatchSize)
	assert.Equal(t, "America/Los_Angeles", cfg.Location().String())
}

func TestThresholdFor(t *testing.T) {
	cfg, err := loadYAML(t, validYAML)
	require.NoError(t, err)

	assert.Equal(t, 0.9, cfg.ThresholdFor("customer"))
	assert.Equal(t, 0.7, cfg.ThresholdFor("unknown-category"))
}

func TestValidateRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{
			name:    "bad timezone",
			mutate:  func(c *Config) { c.Timezone = "Mars/Olympus" },
			wantErr: "timezone",
		},
		{
			name:    "threshold out of range",
			mutate:  func(c *Config) { c.Process.ConfidenceThreshold = 1.5 },
			wantErr: "auto_escalate_confidence_threshold",
		},
		{
			name:    "no accounts",
			mutate:  func(c *Config) { c.Accounts = nil },
			wantErr: "at least one account",
		},
		{
			name: "missing refresh token",
			mutate: func(c *Config) {
				c.Accounts["me@corp.example"] = AccountConfig{DefaultBoard: "inbox"}
			},
			wantErr: "refresh_token",
		},
		{
			name: "unknown default board",
			mutate: func(c *Config) {
				a := c.Accounts["me@corp.example"]
				a.DefaultBoard = "nonexistent"
				c.Accounts["me@corp.example"] = a
			},
			wantErr: "default_board",
		},
		{
			name: "board without lists",
			mutate: func(c *Config) {
				c.Trello.Boards["inbox"] = BoardConfig{ID: "auto"}
			},
			wantErr: "lists.urgent",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := loadYAML(t, validYAML)
			require.NoError(t, err)
			tt.mutate(cfg)

			err = cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg, err := loadYAML(t, validYAML)
	require.NoError(t, err)
	cfg.Timezone = "nope"
	cfg.Process.ConfidenceThreshold = -1
	cfg.Accounts = nil

	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timezone")
	assert.Contains(t, err.Error(), "auto_escalate_confidence_threshold")
	assert.Contains(t, err.Error(), "at least one account")
}

func TestAccountLookup(t *testing.T) {
	cfg, err := loadYAML(t, validYAML)
	require.NoError(t, err)

	acct, err := cfg.Account("me@corp.example")
	require.NoError(t, err)
	assert.Equal(t, "inbox", acct.DefaultBoard)

	_, err = cfg.Account("stranger@example.com")
	assert.Error(t, err)
}
