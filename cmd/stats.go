package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/mkeller/mailtriage/internal/storage"
)

func newStatsCmd() *cobra.Command {
	var (
		account string
		asJSON  bool
	)

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show aggregate statistics for an account",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			name, _, err := resolveAccount(cfg, account)
			if err != nil {
				return err
			}

			stats, err := storage.ReadStats(cfg.Storage.BasePath, name)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(stats)
			}
			renderStats(os.Stdout, name, stats)
			return nil
		},
	}

	cmd.Flags().StringVar(&account, "account", "", "Account name from the configuration (optional when only one is configured)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print statistics as JSON")
	return cmd
}

func renderStats(w io.Writer, account string, stats *storage.Stats) {
	fmt.Fprintf(w, "Account %s: %d records across %d sessions\n",
		account, stats.TotalRecords, stats.TotalSessions)
	if stats.LastSession != "" {
		fmt.Fprintf(w, "Last session: %s\n", stats.LastSession)
	}

	if len(stats.ByAction) > 0 {
		tw := table.NewWriter()
		tw.SetOutputMirror(w)
		tw.AppendHeader(table.Row{"Action", "Count"})
		for _, action := range sortedKeys(stats.ByAction) {
			tw.AppendRow(table.Row{action, stats.ByAction[action]})
		}
		tw.Render()
	}

	if len(stats.ByCategory) > 0 {
		tw := table.NewWriter()
		tw.SetOutputMirror(w)
		tw.AppendHeader(table.Row{"Category", "Count"})
		for _, cat := range sortedKeys(stats.ByCategory) {
			tw.AppendRow(table.Row{cat, stats.ByCategory[cat]})
		}
		tw.Render()
	}
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
