package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mkeller/mailtriage/internal/config"
	"github.com/mkeller/mailtriage/internal/logging"
)

var (
	cfgFile    string
	logLevel   string
	logFormat  string
	traceSpans bool
)

// rootCmd represents the base command for the mailtriage application
var rootCmd = &cobra.Command{
	Use:   "mailtriage",
	Short: "Triage a Gmail inbox with rules, a model and a review queue",
	Long: `mailtriage empties a Gmail inbox by deciding, for every message, whether to
archive it, escalate it to a Trello card, or queue it for interactive review.

Deterministic YAML rules are consulted first; anything they leave undecided
is classified in batches by a language model. Every record and decision is
kept in a local append-only archive that the search and stats commands read.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return logging.Setup(logLevel, logFormat)
	},
}

// version will be set by main
var version = "dev"

// SetVersion sets the version for the root command
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}

// Execute is the main entry point for the CLI application
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "mailtriage version %s\n" .Version}}`)

	// If no subcommand is provided, run the process command by default
	if len(os.Args) == 1 {
		os.Args = append(os.Args, "process")
	}

	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default: ./config.yaml, then $HOME/.config/mailtriage/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn or error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "Log format: text or json")
	rootCmd.PersistentFlags().BoolVar(&traceSpans, "trace", false, "Emit OpenTelemetry spans to stderr")

	rootCmd.AddCommand(newProcessCmd())
	rootCmd.AddCommand(newAuthCmd())
	rootCmd.AddCommand(newSearchCmd())
	rootCmd.AddCommand(newStatsCmd())
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newVersionCmd())
}

// loadConfig reads and validates the configuration file. Values can be
// overridden through MAILTRIAGE_-prefixed environment variables, e.g.
// MAILTRIAGE_LLM_API_KEY overrides llm.api_key.
func loadConfig() (*config.Config, error) {
	v := viper.New()
	v.SetEnvPrefix("MAILTRIAGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "mailtriage"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg, err := config.Load(v)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration:\n%w", err)
	}
	return cfg, nil
}

// resolveAccount picks the account to operate on. An empty flag value is
// allowed when exactly one account is configured.
func resolveAccount(cfg *config.Config, flag string) (string, config.AccountConfig, error) {
	if flag == "" {
		if len(cfg.Accounts) == 1 {
			for name, acct := range cfg.Accounts {
				return name, acct, nil
			}
		}
		return "", config.AccountConfig{}, fmt.Errorf("multiple accounts configured, pick one with --account")
	}
	acct, err := cfg.Account(flag)
	if err != nil {
		return "", config.AccountConfig{}, err
	}
	return flag, acct, nil
}
