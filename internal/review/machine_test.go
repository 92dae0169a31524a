package review

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/mkeller/mailtriage/internal/triage"
)

type fakeMailbox struct {
	batchCalls  [][]string
	singleCalls []string
	batchErr    error
	archiveErr  map[string]error
	bodies      map[string]string
}

func (f *fakeMailbox) FetchInbox(context.Context, int) ([]*triage.Record, error) { return nil, nil }

func (f *fakeMailbox) ArchiveBatch(_ context.Context, ids []string) error {
	if f.batchErr != nil {
		return f.batchErr
	}
	f.batchCalls = append(f.batchCalls, ids)
	return nil
}

func (f *fakeMailbox) Archive(_ context.Context, id string) error {
	if err := f.archiveErr[id]; err != nil {
		return err
	}
	f.singleCalls = append(f.singleCalls, id)
	return nil
}

func (f *fakeMailbox) MessageBody(_ context.Context, id string) (string, error) {
	body, ok := f.bodies[id]
	if !ok {
		return "", errors.New("no body")
	}
	return body, nil
}

func (f *fakeMailbox) CountInbox(context.Context) (triage.InboxCount, error) {
	return triage.InboxCount{}, nil
}

type fakeBoard struct {
	cards   []string
	failFor map[string]bool
}

func (f *fakeBoard) CreateCard(_ context.Context, rec *triage.Record, _ string, _ int, _ *triage.Suggestion) (*triage.Card, error) {
	if f.failFor[rec.ID] {
		return nil, errors.New("board unavailable")
	}
	f.cards = append(f.cards, rec.ID)
	return &triage.Card{ID: "card-" + rec.ID, URL: "https://trello.example/" + rec.ID, Board: "work"}, nil
}

type fakeStore struct {
	processed []string
	actions   []string
}

func (f *fakeStore) SessionID() string                { return "2026-03-14_093000-UTC" }
func (f *fakeStore) SaveRecord(*triage.Record) error  { return nil }
func (f *fakeStore) SaveDecision(*triage.Decision, *triage.Record, *triage.Card) error {
	return nil
}

func (f *fakeStore) LogProcessed(recordID string, action triage.Action, auto bool, processor triage.Processor, _ string) error {
	f.processed = append(f.processed, fmt.Sprintf("%s:%s:auto=%v:%s", recordID, action, auto, processor))
	return nil
}

func (f *fakeStore) LogAction(recordID string, action triage.Action, _ map[string]any) error {
	f.actions = append(f.actions, recordID+":"+string(action))
	return nil
}

func (f *fakeStore) UpdateIndex(*triage.Record, *triage.Decision) error { return nil }
func (f *fakeStore) UpdateSenderIndex([]*triage.Record) error           { return nil }
func (f *fakeStore) UpdateStats(int) error                              { return nil }
func (f *fakeStore) CompleteSession(int, int, int, int) error           { return nil }

func item(id, from string, priority int) *triage.ReviewItem {
	return &triage.ReviewItem{
		Record: &triage.Record{
			ID:      id,
			From:    from,
			Subject: "subject " + id,
			Date:    time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC),
			Snippet: "snippet " + id,
		},
		Decision: &triage.Decision{
			RecordID:  id,
			Action:    triage.ActionReview,
			Category:  "unclear",
			Priority:  priority,
			Processor: triage.ProcessorModel,
		},
	}
}

func runMachine(t *testing.T, input string, mailbox *fakeMailbox, board triage.Board, store *fakeStore, items []*triage.ReviewItem, opts Options) (int, string) {
	t.Helper()
	var out bytes.Buffer
	opts.In = strings.NewReader(input)
	opts.Out = &out
	opts.Location = time.UTC

	m := New(mailbox, board, store, slog.New(slog.NewTextHandler(io.Discard, nil)), opts)
	resolved, err := m.Run(context.Background(), items)
	require.NoError(t, err)
	return resolved, out.String()
}

func TestParseIndices(t *testing.T) {
	tests := []struct {
		args    []string
		want    []int
		wantErr bool
	}{
		{args: []string{"3"}, want: []int{3}},
		{args: []string{"3", "7"}, want: []int{3, 7}},
		{args: []string{"3-5"}, want: []int{3, 4, 5}},
		{args: []string{"1,4-6"}, want: []int{1, 4, 5, 6}},
		{args: []string{"9-3"}, wantErr: true},
		{args: []string{"x"}, wantErr: true},
	}
	for _, tt := range tests {
		got, err := parseIndices(tt.args)
		if tt.wantErr {
			assert.Error(t, err, "%v", tt.args)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "%v", tt.args)
	}
}

func TestListingGroupsByPriority(t *testing.T) {
	items := []*triage.ReviewItem{
		item("m1", "a@x.example", 0),
		item("m2", "b@x.example", 2),
		item("m3", "c@x.example", 4),
	}
	_, out := runMachine(t, "done\n", &fakeMailbox{}, nil, &fakeStore{}, items, Options{})

	assert.Contains(t, out, "URGENT (1)")
	assert.Contains(t, out, "IMPORTANT (1)")
	assert.Contains(t, out, "OTHER (1)")
}

func TestOtherBucketTruncated(t *testing.T) {
	var items []*triage.ReviewItem
	for i := 0; i < 8; i++ {
		items = append(items, item(fmt.Sprintf("m%d", i), "a@x.example", 4))
	}
	_, out := runMachine(t, "done\n", &fakeMailbox{}, nil, &fakeStore{}, items, Options{})

	assert.Contains(t, out, "OTHER (8)")
	assert.Contains(t, out, "and 3 more")
}

func TestBulkArchiveRange(t *testing.T) {
	items := []*triage.ReviewItem{
		item("m1", "a@x.example", 3),
		item("m2", "b@x.example", 3),
		item("m3", "c@x.example", 3),
		item("m4", "d@x.example", 3),
		item("m5", "e@x.example", 3),
	}
	mailbox := &fakeMailbox{}
	store := &fakeStore{}
	resolved, _ := runMachine(t, "archive 3-5\ndone\n", mailbox, nil, store, items, Options{})

	assert.Equal(t, 3, resolved)
	require.Len(t, mailbox.batchCalls, 1)
	assert.Equal(t, []string{"m3", "m4", "m5"}, mailbox.batchCalls[0])
	assert.Len(t, store.processed, 3)
	assert.Contains(t, store.processed[0], "auto=false")
	assert.Contains(t, store.processed[0], "human")
}

func TestBulkArchiveFailureKeepsQueue(t *testing.T) {
	items := []*triage.ReviewItem{item("m1", "a@x.example", 3)}
	mailbox := &fakeMailbox{batchErr: errors.New("rate limited")}
	store := &fakeStore{}
	resolved, out := runMachine(t, "archive 1\ndone\n", mailbox, nil, store, items, Options{})

	assert.Zero(t, resolved)
	assert.Empty(t, store.processed)
	assert.Contains(t, out, "bulk archive failed")
}

func TestBulkEscalateContinuesPastFailures(t *testing.T) {
	items := []*triage.ReviewItem{
		item("m1", "a@x.example", 1),
		item("m2", "b@x.example", 1),
		item("m3", "c@x.example", 1),
	}
	board := &fakeBoard{failFor: map[string]bool{"m2": true}}
	mailbox := &fakeMailbox{}
	store := &fakeStore{}
	resolved, out := runMachine(t, "trello 1-3\ndone\n", mailbox, board, store, items, Options{})

	assert.Equal(t, 2, resolved)
	assert.Equal(t, []string{"m1", "m3"}, board.cards)
	assert.Equal(t, []string{"m1", "m3"}, mailbox.singleCalls)
	assert.Contains(t, out, "created 2 of 3 tasks")
}

func TestItemDetailArchive(t *testing.T) {
	items := []*triage.ReviewItem{item("m1", "a@x.example", 1)}
	mailbox := &fakeMailbox{}
	store := &fakeStore{}
	resolved, _ := runMachine(t, "1\n2\n", mailbox, nil, store, items, Options{})

	assert.Equal(t, 1, resolved)
	assert.Equal(t, []string{"m1"}, mailbox.singleCalls)
}

func TestItemDetailFullBodyThenSkip(t *testing.T) {
	items := []*triage.ReviewItem{item("m1", "a@x.example", 1)}
	mailbox := &fakeMailbox{bodies: map[string]string{"m1": "the full body text"}}
	resolved, out := runMachine(t, "1\n3\n4\ndone\n", mailbox, nil, &fakeStore{}, items, Options{})

	assert.Zero(t, resolved)
	assert.Contains(t, out, "the full body text")
	assert.Equal(t, "the full body text", items[0].Record.Body)
}

func TestItemDetailCreateTask(t *testing.T) {
	it := item("m1", "a@x.example", 0)
	it.Decision.Suggestion = &triage.Suggestion{Title: "Reply to Ann"}
	board := &fakeBoard{}
	mailbox := &fakeMailbox{}
	resolved, out := runMachine(t, "1\n1\n", mailbox, board, &fakeStore{}, []*triage.ReviewItem{it}, Options{})

	assert.Equal(t, 1, resolved)
	assert.Equal(t, []string{"m1"}, board.cards)
	assert.Equal(t, []string{"m1"}, mailbox.singleCalls)
	assert.Contains(t, out, "Reply to Ann")
}

func TestUnknownCommandReported(t *testing.T) {
	items := []*triage.ReviewItem{item("m1", "a@x.example", 1)}
	_, out := runMachine(t, "frobnicate\ndone\n", &fakeMailbox{}, nil, &fakeStore{}, items, Options{})
	assert.Contains(t, out, "unrecognized command")
}

func TestLearningPromptWritesRule(t *testing.T) {
	path := filepath.Join(t.TempDir(), "learned.yaml")
	items := []*triage.ReviewItem{
		item("m1", "a@news.example", 3),
		item("m2", "b@news.example", 3),
		item("m3", "c@news.example", 3),
	}
	_, out := runMachine(t, "archive 1-3\ny\n", &fakeMailbox{}, nil, &fakeStore{}, items,
		Options{LearnedRulesPath: path})

	assert.Contains(t, out, "news.example")

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var file learnedFile
	require.NoError(t, yaml.Unmarshal(data, &file))
	cat := file.Categories["learned_archive"]
	require.Len(t, cat.Rules, 1)
	assert.Equal(t, "learned_news_example", cat.Rules[0].Name)
	assert.Equal(t, []string{"news.example"}, cat.Rules[0].Patterns)
	assert.Equal(t, "archive", cat.Action)
}

func TestLearningPromptDeclined(t *testing.T) {
	path := filepath.Join(t.TempDir(), "learned.yaml")
	items := []*triage.ReviewItem{
		item("m1", "a@news.example", 3),
		item("m2", "b@news.example", 3),
		item("m3", "c@news.example", 3),
	}
	runMachine(t, "archive 1-3\nn\n", &fakeMailbox{}, nil, &fakeStore{}, items,
		Options{LearnedRulesPath: path})

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestLearningSkippedBelowThreshold(t *testing.T) {
	path := filepath.Join(t.TempDir(), "learned.yaml")
	items := []*triage.ReviewItem{
		item("m1", "a@news.example", 3),
		item("m2", "b@news.example", 3),
	}
	_, out := runMachine(t, "archive 1-2\n", &fakeMailbox{}, nil, &fakeStore{}, items,
		Options{LearnedRulesPath: path})

	assert.NotContains(t, out, "[y/N]")
}

func TestAppendLearnedRuleDeduplicates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "learned.yaml")
	require.NoError(t, appendLearnedRule(path, "news.example", triage.ActionArchive))
	require.NoError(t, appendLearnedRule(path, "news.example", triage.ActionArchive))
	require.NoError(t, appendLearnedRule(path, "other.example", triage.ActionArchive))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var file learnedFile
	require.NoError(t, yaml.Unmarshal(data, &file))
	assert.Len(t, file.Categories["learned_archive"].Rules, 2)
}
