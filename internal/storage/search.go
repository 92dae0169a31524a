package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// SearchOptions narrows a search over stored records. Zero-value fields do
// not filter. From and To bound the record date inclusively.
type SearchOptions struct {
	Query    string
	Sender   string
	Category string
	Action   string
	From     time.Time
	To       time.Time
	Limit    int
}

// SearchResult pairs a stored record with its most recent decision.
type SearchResult struct {
	Record   StoredRecord
	Decision *StoredDecision
}

// Search scans one account's email tree and returns matching records,
// newest first. It reads the canonical files rather than the index so
// results stay correct even if an index write was lost.
func Search(basePath, account string, opts SearchOptions) ([]SearchResult, error) {
	emailsDir := filepath.Join(basePath, account, "emails")
	if _, err := os.Stat(emailsDir); os.IsNotExist(err) {
		return nil, nil
	}

	dateDirs, err := os.ReadDir(emailsDir)
	if err != nil {
		return nil, fmt.Errorf("read emails dir: %w", err)
	}

	var results []SearchResult
	for _, dateDir := range dateDirs {
		if !dateDir.IsDir() {
			continue
		}
		if !dateInRange(dateDir.Name(), opts.From, opts.To) {
			continue
		}

		recordDirs, err := os.ReadDir(filepath.Join(emailsDir, dateDir.Name()))
		if err != nil {
			return nil, fmt.Errorf("read date dir %s: %w", dateDir.Name(), err)
		}
		for _, recordDir := range recordDirs {
			if !recordDir.IsDir() {
				continue
			}
			dir := filepath.Join(emailsDir, dateDir.Name(), recordDir.Name())
			rec, err := readRecord(filepath.Join(dir, "record.json"))
			if err != nil {
				continue
			}
			dec := latestDecision(filepath.Join(dir, "decisions"))
			if !matches(rec, dec, opts) {
				continue
			}
			results = append(results, SearchResult{Record: *rec, Decision: dec})
		}
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Record.Date.After(results[j].Record.Date)
	})
	if opts.Limit > 0 && len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// ReadStats loads the cross-session rollup for one account. A missing
// stats file yields empty stats, not an error.
func ReadStats(basePath, account string) (*Stats, error) {
	path := filepath.Join(basePath, account, "index", "stats.json")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &Stats{ByAction: map[string]int{}, ByCategory: map[string]int{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read stats: %w", err)
	}

	var stats Stats
	if err := json.Unmarshal(data, &stats); err != nil {
		return nil, fmt.Errorf("parse stats: %w", err)
	}
	if stats.ByAction == nil {
		stats.ByAction = map[string]int{}
	}
	if stats.ByCategory == nil {
		stats.ByCategory = map[string]int{}
	}
	return &stats, nil
}

func dateInRange(dirName string, from, to time.Time) bool {
	day, err := time.Parse("2006-01-02", dirName)
	if err != nil {
		return false
	}
	if !from.IsZero() && day.Before(from.Truncate(24*time.Hour)) {
		return false
	}
	if !to.IsZero() && day.After(to) {
		return false
	}
	return true
}

func readRecord(path string) (*StoredRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rec StoredRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// latestDecision returns the newest decision by session ID, which sorts
// chronologically by construction.
func latestDecision(dir string) *StoredDecision {
	entries, err := os.ReadDir(dir)
	if err != nil || len(entries) == 0 {
		return nil
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return nil
	}
	sort.Strings(names)

	data, err := os.ReadFile(filepath.Join(dir, names[len(names)-1]))
	if err != nil {
		return nil
	}
	var dec StoredDecision
	if err := json.Unmarshal(data, &dec); err != nil {
		return nil
	}
	return &dec
}

func matches(rec *StoredRecord, dec *StoredDecision, opts SearchOptions) bool {
	if opts.Query != "" {
		q := strings.ToLower(opts.Query)
		if !strings.Contains(strings.ToLower(rec.Subject), q) &&
			!strings.Contains(strings.ToLower(rec.From), q) &&
			!strings.Contains(strings.ToLower(rec.Snippet), q) {
			return false
		}
	}
	if opts.Sender != "" && !strings.Contains(strings.ToLower(rec.From), strings.ToLower(opts.Sender)) {
		return false
	}
	if opts.Category != "" {
		if dec == nil || dec.Category != opts.Category {
			return false
		}
	}
	if opts.Action != "" {
		if dec == nil || string(dec.Action) != opts.Action {
			return false
		}
	}
	return true
}
