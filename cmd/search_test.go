package cmd

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkeller/mailtriage/internal/storage"
	"github.com/mkeller/mailtriage/internal/triage"
)

func TestParseDay(t *testing.T) {
	day, err := parseDay("2026-03-14")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC), day)

	day, err = parseDay("")
	require.NoError(t, err)
	assert.True(t, day.IsZero())

	_, err = parseDay("14.03.2026")
	assert.ErrorContains(t, err, "expected YYYY-MM-DD")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "this is...", truncate("this is far too long", 10))
}

func TestRenderSearchResults(t *testing.T) {
	results := []storage.SearchResult{
		{
			Record: storage.StoredRecord{
				From:    "alerts@ci.example",
				Subject: "Build failed on main",
				Date:    time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC),
			},
			Decision: &storage.StoredDecision{
				Category:  "ci_noise",
				Action:    triage.ActionArchive,
				Processor: triage.ProcessorRule,
			},
		},
		{
			Record: storage.StoredRecord{
				From:    "cfo@corp.example",
				Subject: "Budget question",
				Date:    time.Date(2026, 3, 15, 9, 0, 0, 0, time.UTC),
			},
		},
	}

	var sb strings.Builder
	renderSearchResults(&sb, results)
	out := sb.String()

	assert.Contains(t, out, "alerts@ci.example")
	assert.Contains(t, out, "ci_noise")
	assert.Contains(t, out, "archive")
	assert.Contains(t, out, "Budget question")
	assert.Contains(t, out, "2 result(s)")
}

func TestRenderSearchResultsEmpty(t *testing.T) {
	var sb strings.Builder
	renderSearchResults(&sb, nil)
	assert.Contains(t, sb.String(), "No matching records.")
}

func TestRenderStats(t *testing.T) {
	var sb strings.Builder
	renderStats(&sb, "work", &storage.Stats{
		TotalRecords:  42,
		TotalSessions: 3,
		ByAction:      map[string]int{"archive": 30, "escalate": 5},
		ByCategory:    map[string]int{"newsletter": 25},
		LastSession:   "2026-03-14_090000-UTC",
	})
	out := sb.String()

	assert.Contains(t, out, "42 records across 3 sessions")
	assert.Contains(t, out, "2026-03-14_090000-UTC")
	assert.Contains(t, out, "newsletter")
	assert.Contains(t, out, "30")
}
