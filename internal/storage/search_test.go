package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkeller/mailtriage/internal/triage"
)

func seedSearchFixtures(t *testing.T) (string, *Store) {
	t.Helper()
	base := t.TempDir()
	s, err := New(base, "me@corp.example", "UTC")
	require.NoError(t, err)

	quote := testRecord("m1")
	require.NoError(t, s.SaveRecord(quote))
	require.NoError(t, s.SaveDecision(testDecision("m1"), quote, nil))

	digest := testRecord("m2")
	digest.From = "Daily Digest <digest@news.example>"
	digest.Subject = "Your Monday digest"
	digest.Date = time.Date(2026, 3, 16, 8, 0, 0, 0, time.UTC)
	require.NoError(t, s.SaveRecord(digest))
	dec := testDecision("m2")
	dec.Action = triage.ActionArchive
	dec.Category = "newsletter"
	require.NoError(t, s.SaveDecision(dec, digest, nil))

	return base, s
}

func TestSearchByQuery(t *testing.T) {
	base, _ := seedSearchFixtures(t)

	results, err := Search(base, "me@corp.example", SearchOptions{Query: "renewal"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "m1", results[0].Record.ID)
	require.NotNil(t, results[0].Decision)
	assert.Equal(t, "customer", results[0].Decision.Category)
}

func TestSearchByCategoryAndAction(t *testing.T) {
	base, _ := seedSearchFixtures(t)

	results, err := Search(base, "me@corp.example", SearchOptions{Category: "newsletter"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "m2", results[0].Record.ID)

	results, err = Search(base, "me@corp.example", SearchOptions{Action: "archive"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "m2", results[0].Record.ID)
}

func TestSearchDateRangeInclusive(t *testing.T) {
	base, _ := seedSearchFixtures(t)

	day := time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)
	results, err := Search(base, "me@corp.example", SearchOptions{From: day, To: day})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "m1", results[0].Record.ID)
}

func TestSearchNewestFirstAndLimit(t *testing.T) {
	base, _ := seedSearchFixtures(t)

	results, err := Search(base, "me@corp.example", SearchOptions{})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "m2", results[0].Record.ID)

	results, err = Search(base, "me@corp.example", SearchOptions{Limit: 1})
	require.NoError(t, err)
	require.Len(t, results, 1)
}

func TestSearchMissingAccount(t *testing.T) {
	results, err := Search(t.TempDir(), "nobody@example.com", SearchOptions{})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestLatestDecisionWinsAcrossSessions(t *testing.T) {
	base, _ := seedSearchFixtures(t)

	// A later session revises m2 to review.
	s2, err := New(base, "me@corp.example", "UTC")
	require.NoError(t, err)
	s2.sessionID = "2099-01-01_000000-UTC"
	rec := testRecord("m2")
	rec.From = "Daily Digest <digest@news.example>"
	rec.Date = time.Date(2026, 3, 16, 8, 0, 0, 0, time.UTC)
	dec := testDecision("m2")
	dec.Processor = triage.ProcessorHuman
	require.NoError(t, s2.SaveDecision(dec, rec, nil))

	results, err := Search(base, "me@corp.example", SearchOptions{Sender: "digest"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.NotNil(t, results[0].Decision)
	assert.Equal(t, triage.ProcessorHuman, results[0].Decision.Processor)
}

func TestReadStatsMissingFile(t *testing.T) {
	stats, err := ReadStats(t.TempDir(), "me@corp.example")
	require.NoError(t, err)
	assert.Zero(t, stats.TotalRecords)
	assert.NotNil(t, stats.ByAction)
}
