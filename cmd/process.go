package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/mkeller/mailtriage/internal/classifier"
	"github.com/mkeller/mailtriage/internal/config"
	"github.com/mkeller/mailtriage/internal/gmail"
	"github.com/mkeller/mailtriage/internal/google"
	"github.com/mkeller/mailtriage/internal/instrumentation"
	"github.com/mkeller/mailtriage/internal/logging"
	"github.com/mkeller/mailtriage/internal/metrics"
	"github.com/mkeller/mailtriage/internal/pipeline"
	"github.com/mkeller/mailtriage/internal/review"
	"github.com/mkeller/mailtriage/internal/rules"
	"github.com/mkeller/mailtriage/internal/secrets"
	"github.com/mkeller/mailtriage/internal/storage"
	"github.com/mkeller/mailtriage/internal/trello"
	"github.com/mkeller/mailtriage/internal/triage"
)

func newProcessCmd() *cobra.Command {
	var (
		account     string
		maxRecords  int
		noReview    bool
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "process",
		Short: "Run the triage pipeline over an account's inbox",
		Long: `Fetch the inbox, decide every message with rules first and the model
second, auto-archive and auto-escalate what the decisions allow, then walk
the remaining messages interactively.

Every record and decision is persisted under the storage base path before
any destructive action runs, so a crashed session can always be audited.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(),
				os.Interrupt, syscall.SIGTERM)
			defer cancel()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			name, acct, err := resolveAccount(cfg, account)
			if err != nil {
				return err
			}
			return runProcess(ctx, cfg, name, acct, maxRecords, noReview, metricsAddr)
		},
	}

	cmd.Flags().StringVar(&account, "account", "", "Account name from the configuration (optional when only one is configured)")
	cmd.Flags().IntVar(&maxRecords, "max", 0, "Maximum number of inbox records to process (0 = all)")
	cmd.Flags().BoolVar(&noReview, "no-review", false, "Skip the interactive review phase; undecided records stay queued on disk")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address for the duration of the run (e.g. :9090)")
	return cmd
}

func runProcess(ctx context.Context, cfg *config.Config, account string, acct config.AccountConfig, maxRecords int, noReview bool, metricsAddr string) error {
	logger := slog.Default().With(logging.Account(account))
	resolver := secrets.New()

	provider, err := instrumentation.NewProvider("mailtriage", version, traceSpans)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer provider.Shutdown(context.Background())

	registry := prometheus.NewRegistry()
	m := metrics.NewMetrics(registry)
	if metricsAddr != "" {
		startMetricsListener(metricsAddr, registry, logger)
	}

	mailbox, err := buildMailbox(ctx, cfg, account, acct, resolver, logger)
	if err != nil {
		return err
	}

	engine, err := buildEngine(cfg, account)
	if err != nil {
		return err
	}

	apiKey, err := resolver.Resolve(cfg.LLM.APIKey)
	if err != nil {
		return fmt.Errorf("resolve llm api key: %w", err)
	}
	if apiKey == "" {
		return errors.New("llm.api_key is required for processing")
	}
	cls := classifier.New(classifier.Options{
		APIKey:          apiKey,
		Model:           cfg.LLM.Model,
		MaxTokens:       cfg.LLM.MaxTokens,
		BatchSize:       cfg.LLM.BatchSize,
		BatchDelay:      time.Duration(cfg.LLM.RateLimitSeconds) * time.Second,
		Boards:          cfg.BoardNames(),
		Categories:      engine.CategoryNames(),
		InternalDomains: acct.InternalDomains,
		OnBatch: func(failed bool) {
			m.ClassifierCalls.Inc()
			if failed {
				m.ClassifierFailures.Inc()
			}
		},
	}, logger)

	trelloClient, err := buildBoard(ctx, cfg, acct, resolver, logger)
	if err != nil {
		return err
	}
	var board triage.Board
	if trelloClient != nil {
		board = trelloClient
	}

	store, err := storage.New(cfg.Storage.BasePath, account, cfg.Timezone)
	if err != nil {
		return err
	}

	var reviewer pipeline.Reviewer
	if !noReview {
		reviewer = review.New(mailbox, board, store, logger, review.Options{
			In:               os.Stdin,
			Out:              os.Stdout,
			Location:         cfg.Location(),
			LearnedRulesPath: learnedRulesPath(cfg),
			Metrics:          m,
		})
	}

	proc := pipeline.New(mailbox, engine, cls, board, store, logger, pipeline.Options{
		Account:      account,
		ThresholdFor: cfg.ThresholdFor,
		Reviewer:     reviewer,
		Metrics:      m,
		Tracer:       provider.Tracer("pipeline"),
	})

	session, err := proc.Process(ctx, maxRecords)
	if err != nil {
		return err
	}

	fmt.Printf("Session %s: %d processed, %d archived, %d escalated, %d for review\n",
		session.ID, session.TotalProcessed, session.AutoArchived,
		session.AutoEscalated, session.NeedsReview)
	return nil
}

func buildMailbox(ctx context.Context, cfg *config.Config, account string, acct config.AccountConfig, resolver *secrets.Resolver, logger *slog.Logger) (*gmail.Client, error) {
	clientSecret, err := resolver.Resolve(cfg.Google.ClientSecret)
	if err != nil {
		return nil, fmt.Errorf("resolve google client secret: %w", err)
	}
	refreshToken, err := resolver.Resolve(acct.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("resolve refresh token for %s: %w", account, err)
	}

	creds := google.Credentials{ClientID: cfg.Google.ClientID, ClientSecret: clientSecret}
	httpClient, err := creds.HTTPClient(ctx, refreshToken)
	if err != nil {
		return nil, fmt.Errorf("google auth for %s: %w", account, err)
	}
	return gmail.NewClient(ctx, httpClient, account, cfg.Process.ArchiveBatchSize, logger)
}

// buildEngine compiles the main rules file merged with any rules learned
// during earlier review sessions.
func buildEngine(cfg *config.Config, account string) (*rules.Engine, error) {
	set, err := rules.LoadSet(cfg.RulesFile)
	if err != nil {
		return nil, err
	}
	learned, err := rules.LoadSet(learnedRulesPath(cfg))
	if err == nil {
		set.Merge(learned)
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	return rules.Compile(set, account)
}

// buildBoard returns nil when Trello is not configured; escalations then
// fall through to the review queue.
func buildBoard(ctx context.Context, cfg *config.Config, acct config.AccountConfig, resolver *secrets.Resolver, logger *slog.Logger) (*trello.Client, error) {
	if len(cfg.Trello.Boards) == 0 {
		return nil, nil
	}
	key, err := resolver.Resolve(cfg.Trello.Credentials.APIKey)
	if err != nil {
		return nil, fmt.Errorf("resolve trello api key: %w", err)
	}
	token, err := resolver.Resolve(cfg.Trello.Credentials.Token)
	if err != nil {
		return nil, fmt.Errorf("resolve trello token: %w", err)
	}
	if key == "" || token == "" {
		logger.Warn("trello boards configured but credentials missing, escalation disabled")
		return nil, nil
	}

	specs := make(map[string]trello.BoardSpec, len(cfg.Trello.Boards))
	for name, b := range cfg.Trello.Boards {
		specs[name] = trello.BoardSpec{
			ID:         b.ID,
			UrgentList: b.Lists.Urgent,
			NormalList: b.Lists.Normal,
		}
	}
	client := trello.New(trello.Options{
		Key:          key,
		Token:        token,
		Boards:       specs,
		DefaultBoard: acct.DefaultBoard,
	}, logger)
	if err := client.Init(ctx); err != nil {
		return nil, fmt.Errorf("trello init: %w", err)
	}
	return client, nil
}

func learnedRulesPath(cfg *config.Config) string {
	return filepath.Join(cfg.Storage.BasePath, "learned.yaml")
}

// startMetricsListener serves /metrics in the background for the duration
// of the process. Listener errors are logged, never fatal.
func startMetricsListener(addr string, registry *prometheus.Registry, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics listener stopped", logging.Err(err))
		}
	}()
}
