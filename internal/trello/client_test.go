package trello

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkeller/mailtriage/internal/triage"
)

type cardRequest struct {
	ListID string
	Name   string
	Desc   string
	Due    string
}

func fakeTrello(t *testing.T) (*httptest.Server, *[]cardRequest) {
	t.Helper()
	var cards []cardRequest

	mux := http.NewServeMux()
	mux.HandleFunc("/1/members/me/boards", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]apiBoard{
			{ID: "b-work", Name: "Work"},
			{ID: "b-home", Name: "Home"},
		})
	})
	mux.HandleFunc("/1/boards/b-work/lists", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]apiList{
			{ID: "l-urgent", Name: "Urgent"},
			{ID: "l-todo", Name: "To Do"},
		})
	})
	mux.HandleFunc("/1/boards/b-home/lists", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]apiList{
			{ID: "l-home", Name: "To Do"},
		})
	})
	mux.HandleFunc("/1/cards", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "k", q.Get("key"))
		assert.Equal(t, "t", q.Get("token"))
		cards = append(cards, cardRequest{
			ListID: q.Get("idList"),
			Name:   q.Get("name"),
			Desc:   q.Get("desc"),
			Due:    q.Get("due"),
		})
		json.NewEncoder(w).Encode(apiCard{ID: "c1", ShortURL: "https://trello.example/c/c1"})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &cards
}

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	c := New(Options{
		BaseURL: srv.URL,
		Key:     "k",
		Token:   "t",
		Boards: map[string]BoardSpec{
			"work": {ID: "auto", UrgentList: "Urgent", NormalList: "To Do"},
			"home": {ID: "b-home", UrgentList: "Fires", NormalList: "To Do"},
		},
		DefaultBoard: "work",
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, c.Init(context.Background()))
	return c
}

func testRecord() *triage.Record {
	return &triage.Record{
		ID:       "m1",
		ThreadID: "t1",
		From:     "Ann Lee <ann@vendor.example>",
		Subject:  "Renewal quote",
		Date:     time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC),
		Snippet:  "Attached is the quote",
	}
}

func TestInitResolvesAutoBoards(t *testing.T) {
	srv, _ := fakeTrello(t)
	c := newTestClient(t, srv)

	assert.Equal(t, "b-work", c.boards["work"].id)
	assert.Equal(t, "l-urgent", c.boards["work"].urgent)
	assert.Equal(t, "l-todo", c.boards["work"].normal)
	// Missing urgent list falls back to the normal list.
	assert.Equal(t, "l-home", c.boards["home"].urgent)
}

func TestInitUnknownBoardFails(t *testing.T) {
	srv, _ := fakeTrello(t)
	c := New(Options{
		BaseURL: srv.URL, Key: "k", Token: "t",
		Boards: map[string]BoardSpec{
			"ghost": {ID: "auto", UrgentList: "Urgent", NormalList: "To Do"},
		},
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	assert.Error(t, c.Init(context.Background()))
}

func TestCreateCardRoutesToSuggestedBoard(t *testing.T) {
	srv, cards := fakeTrello(t)
	c := newTestClient(t, srv)

	card, err := c.CreateCard(context.Background(), testRecord(), "customer", 2,
		&triage.Suggestion{Title: "Reply to renewal", Board: "home"})
	require.NoError(t, err)

	assert.Equal(t, "home", card.Board)
	require.Len(t, *cards, 1)
	assert.Equal(t, "l-home", (*cards)[0].ListID)
	assert.Equal(t, "Reply to renewal", (*cards)[0].Name)
}

func TestCreateCardUnknownSuggestionUsesDefault(t *testing.T) {
	srv, cards := fakeTrello(t)
	c := newTestClient(t, srv)

	card, err := c.CreateCard(context.Background(), testRecord(), "customer", 2,
		&triage.Suggestion{Board: "nonexistent"})
	require.NoError(t, err)

	assert.Equal(t, "work", card.Board)
	assert.Equal(t, "l-todo", (*cards)[0].ListID)
}

func TestCreateCardPriorityZeroGoesUrgent(t *testing.T) {
	srv, cards := fakeTrello(t)
	c := newTestClient(t, srv)

	card, err := c.CreateCard(context.Background(), testRecord(), "customer", 0, nil)
	require.NoError(t, err)

	assert.Equal(t, "urgent", card.List)
	assert.Equal(t, "l-urgent", (*cards)[0].ListID)
	// No suggestion: the subject becomes the title.
	assert.Equal(t, "Renewal quote", (*cards)[0].Name)
}

func TestCreateCardDueDateAndDescription(t *testing.T) {
	srv, cards := fakeTrello(t)
	c := newTestClient(t, srv)

	_, err := c.CreateCard(context.Background(), testRecord(), "customer", 1,
		&triage.Suggestion{Title: "Reply", NextAction: "send quote", DueDays: 2})
	require.NoError(t, err)

	req := (*cards)[0]
	require.NotEmpty(t, req.Due)
	due, err := time.Parse(time.RFC3339, req.Due)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().AddDate(0, 0, 2), due, time.Minute)

	assert.Contains(t, req.Desc, "ann@vendor.example")
	assert.Contains(t, req.Desc, "send quote")
	assert.Contains(t, req.Desc, "https://mail.google.com/mail/u/0/#inbox/t1")
}

func TestCreateCardAPIErrorSurfaces(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/1/boards/b-home/lists", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]apiList{{ID: "l-home", Name: "To Do"}})
	})
	mux.HandleFunc("/1/cards", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid token", http.StatusUnauthorized)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	c := New(Options{
		BaseURL: srv.URL, Key: "k", Token: "t",
		Boards:       map[string]BoardSpec{"home": {ID: "b-home", NormalList: "To Do"}},
		DefaultBoard: "home",
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, c.Init(context.Background()))

	_, err := c.CreateCard(context.Background(), testRecord(), "customer", 3, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}
