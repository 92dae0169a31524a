package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/mkeller/mailtriage/internal/config"
	"github.com/mkeller/mailtriage/internal/logging"
	"github.com/mkeller/mailtriage/internal/secrets"
	"github.com/mkeller/mailtriage/internal/storage"
)

func newServeCmd() *cobra.Command {
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the MCP server exposing read-only triage tools",
		Long: `Start a Model Context Protocol (MCP) server over stdio so AI assistants
can query the local triage archive.

All tools are read-only: they search stored records, report statistics and
count the live inbox. Triage itself always runs through the process command
where destructive actions are gated by rules, confidence and the operator.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return runServe(cfg, metricsAddr)
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus runtime metrics on this address (e.g. :9090)")
	return cmd
}

func runServe(cfg *config.Config, metricsAddr string) error {
	shutdownCtx, cancel := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer cancel()

	sc := &serveContext{cfg: cfg, logger: slog.Default()}

	if metricsAddr != "" {
		registry := prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		startMetricsListener(metricsAddr, registry, sc.logger)
	}

	mcpSrv := mcpserver.NewMCPServer("mailtriage", version,
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithResourceCapabilities(false, false),
	)
	registerTriageTools(mcpSrv, sc)

	return runStdioServer(shutdownCtx, mcpSrv)
}

func runStdioServer(ctx context.Context, mcpSrv *mcpserver.MCPServer) error {
	serverDone := make(chan error, 1)
	go func() {
		defer close(serverDone)
		if err := mcpserver.ServeStdio(mcpSrv); err != nil {
			serverDone <- err
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-serverDone:
		if err != nil {
			return fmt.Errorf("server stopped with error: %w", err)
		}
		return nil
	}
}

// serveContext carries the configuration into tool handlers.
type serveContext struct {
	cfg    *config.Config
	logger *slog.Logger
}

func (sc *serveContext) accountFromArgs(args map[string]any) (string, config.AccountConfig, error) {
	name, _ := args["account"].(string)
	return resolveAccount(sc.cfg, name)
}

func registerTriageTools(s *mcpserver.MCPServer, sc *serveContext) {
	searchTool := mcp.NewTool("triage_search",
		mcp.WithDescription("Search archived email records and their triage decisions"),
		mcp.WithString("account",
			mcp.Description("Account name (optional when only one account is configured)"),
		),
		mcp.WithString("query",
			mcp.Description("Substring match against subject, sender and snippet"),
		),
		mcp.WithString("sender",
			mcp.Description("Substring match against the From field"),
		),
		mcp.WithString("category",
			mcp.Description("Filter by decided category"),
		),
		mcp.WithString("action",
			mcp.Description("Filter by decided action: archive, review or escalate"),
		),
		mcp.WithString("from",
			mcp.Description("Earliest record date, YYYY-MM-DD"),
		),
		mcp.WithString("to",
			mcp.Description("Latest record date, YYYY-MM-DD"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Maximum number of results (default: 20)"),
		),
	)
	s.AddTool(searchTool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return sc.handleSearch(ctx, request)
	})

	statsTool := mcp.NewTool("triage_stats",
		mcp.WithDescription("Report aggregate triage statistics for an account"),
		mcp.WithString("account",
			mcp.Description("Account name (optional when only one account is configured)"),
		),
	)
	s.AddTool(statsTool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return sc.handleStats(ctx, request)
	})

	countTool := mcp.NewTool("inbox_count",
		mcp.WithDescription("Count messages currently in the live inbox"),
		mcp.WithString("account",
			mcp.Description("Account name (optional when only one account is configured)"),
		),
	)
	s.AddTool(countTool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return sc.handleInboxCount(ctx, request)
	})
}

func (sc *serveContext) handleSearch(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	account, _, err := sc.accountFromArgs(args)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	opts := storage.SearchOptions{Limit: 20}
	opts.Query, _ = args["query"].(string)
	opts.Sender, _ = args["sender"].(string)
	opts.Category, _ = args["category"].(string)
	opts.Action, _ = args["action"].(string)
	if limit, ok := args["limit"].(float64); ok && limit > 0 {
		opts.Limit = int(limit)
	}
	if from, ok := args["from"].(string); ok && from != "" {
		if opts.From, err = parseDay(from); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
	}
	if to, ok := args["to"].(string); ok && to != "" {
		if opts.To, err = parseDay(to); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
	}

	results, err := storage.Search(sc.cfg.Storage.BasePath, account, opts)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("search failed: %v", err)), nil
	}

	var sb strings.Builder
	renderSearchResults(&sb, results)
	return mcp.NewToolResultText(sb.String()), nil
}

func (sc *serveContext) handleStats(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	account, _, err := sc.accountFromArgs(request.GetArguments())
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	stats, err := storage.ReadStats(sc.cfg.Storage.BasePath, account)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("read stats: %v", err)), nil
	}

	var sb strings.Builder
	renderStats(&sb, account, stats)
	return mcp.NewToolResultText(sb.String()), nil
}

func (sc *serveContext) handleInboxCount(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	account, acct, err := sc.accountFromArgs(request.GetArguments())
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	logger := sc.logger.With(logging.Account(account))
	mailbox, err := buildMailbox(ctx, sc.cfg, account, acct, secrets.New(), logger)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("gmail client: %v", err)), nil
	}
	count, err := mailbox.CountInbox(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("count inbox: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf(
		"Inbox for %s: %d messages, %d unread overall", account, count.Total, count.Unread)), nil
}
