package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/mkeller/mailtriage/internal/storage"
)

func newSearchCmd() *cobra.Command {
	var (
		account string
		opts    storage.SearchOptions
		fromDay string
		toDay   string
		asJSON  bool
	)

	cmd := &cobra.Command{
		Use:   "search",
		Short: "Search the local record archive",
		Long: `Search archived records and their latest decisions. Searches run entirely
against the local storage tree; no network calls are made.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			name, _, err := resolveAccount(cfg, account)
			if err != nil {
				return err
			}

			if opts.From, err = parseDay(fromDay); err != nil {
				return err
			}
			if opts.To, err = parseDay(toDay); err != nil {
				return err
			}

			results, err := storage.Search(cfg.Storage.BasePath, name, opts)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(results)
			}
			renderSearchResults(os.Stdout, results)
			return nil
		},
	}

	cmd.Flags().StringVar(&account, "account", "", "Account name from the configuration (optional when only one is configured)")
	cmd.Flags().StringVar(&opts.Query, "query", "", "Substring match against subject, sender and snippet")
	cmd.Flags().StringVar(&opts.Sender, "sender", "", "Substring match against the From field")
	cmd.Flags().StringVar(&opts.Category, "category", "", "Filter by decided category")
	cmd.Flags().StringVar(&opts.Action, "action", "", "Filter by decided action: archive, review or escalate")
	cmd.Flags().StringVar(&fromDay, "from", "", "Earliest record date, YYYY-MM-DD")
	cmd.Flags().StringVar(&toDay, "to", "", "Latest record date, YYYY-MM-DD")
	cmd.Flags().IntVar(&opts.Limit, "limit", 50, "Maximum number of results (0 = no limit)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print results as JSON")
	return cmd
}

// parseDay parses a YYYY-MM-DD flag value. Empty means unbounded.
func parseDay(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q, expected YYYY-MM-DD", s)
	}
	return t, nil
}

func renderSearchResults(w io.Writer, results []storage.SearchResult) {
	if len(results) == 0 {
		fmt.Fprintln(w, "No matching records.")
		return
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"Date", "From", "Subject", "Category", "Action", "By"})
	for _, r := range results {
		category, action, by := "", "", ""
		if r.Decision != nil {
			category = r.Decision.Category
			action = string(r.Decision.Action)
			by = string(r.Decision.Processor)
		}
		tw.AppendRow(table.Row{
			r.Record.Date.Format("2006-01-02"),
			truncate(r.Record.From, 40),
			truncate(r.Record.Subject, 50),
			category,
			action,
			by,
		})
	}
	tw.Render()
	fmt.Fprintf(w, "%d result(s)\n", len(results))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
