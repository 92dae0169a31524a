// Package trello implements the Board collaborator against the Trello REST
// API. Board and list IDs are resolved once at startup and cached for the
// lifetime of the client.
package trello

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mkeller/mailtriage/internal/logging"
	"github.com/mkeller/mailtriage/internal/triage"
)

const defaultBaseURL = "https://api.trello.com"

// BoardSpec configures one destination board. ID may be "auto", in which
// case the board is looked up by its configured name during Init.
type BoardSpec struct {
	ID         string
	UrgentList string
	NormalList string
}

// Options configures a Client.
type Options struct {
	// BaseURL overrides the API endpoint. Empty means production.
	BaseURL string
	Key     string
	Token   string

	// Boards maps configured board names to their specs.
	Boards map[string]BoardSpec
	// DefaultBoard receives cards whose suggestion names no known board.
	DefaultBoard string
}

type boardInfo struct {
	id     string
	urgent string // list ID
	normal string // list ID
}

// Client talks to the Trello API for one account's boards. It implements
// triage.Board after Init has resolved the configured boards.
type Client struct {
	baseURL      string
	key          string
	token        string
	httpClient   *http.Client
	logger       *slog.Logger
	specs        map[string]BoardSpec
	defaultBoard string

	boards map[string]*boardInfo
}

// New creates an unresolved client. Call Init before CreateCard.
func New(opts Options, logger *slog.Logger) *Client {
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		key:          opts.Key,
		token:        opts.Token,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		logger:       logger,
		specs:        opts.Boards,
		defaultBoard: opts.DefaultBoard,
		boards:       map[string]*boardInfo{},
	}
}

type apiBoard struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type apiList struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Init resolves board IDs and list IDs for every configured board. A board
// or list that cannot be resolved fails startup; escalation must not
// silently drop cards mid-run.
func (c *Client) Init(ctx context.Context) error {
	var byName map[string]string

	for name, spec := range c.specs {
		id := spec.ID
		if id == "auto" {
			if byName == nil {
				var err error
				byName, err = c.fetchBoardsByName(ctx)
				if err != nil {
					return err
				}
			}
			var ok bool
			id, ok = byName[strings.ToLower(name)]
			if !ok {
				return fmt.Errorf("board %q not found on Trello", name)
			}
		}

		var lists []apiList
		if err := c.get(ctx, "/1/boards/"+id+"/lists", &lists); err != nil {
			return fmt.Errorf("fetch lists for board %q: %w", name, err)
		}

		info := &boardInfo{id: id}
		for _, l := range lists {
			switch l.Name {
			case spec.UrgentList:
				info.urgent = l.ID
			case spec.NormalList:
				info.normal = l.ID
			}
		}
		if info.normal == "" {
			return fmt.Errorf("board %q has no list named %q", name, spec.NormalList)
		}
		if info.urgent == "" {
			// Urgent cards still land somewhere.
			info.urgent = info.normal
		}
		c.boards[name] = info
	}

	if c.defaultBoard != "" {
		if _, ok := c.boards[c.defaultBoard]; !ok {
			return fmt.Errorf("default board %q is not configured", c.defaultBoard)
		}
	}

	c.logger.Debug("resolved boards", logging.Count(len(c.boards)))
	return nil
}

func (c *Client) fetchBoardsByName(ctx context.Context) (map[string]string, error) {
	var boards []apiBoard
	if err := c.get(ctx, "/1/members/me/boards", &boards); err != nil {
		return nil, fmt.Errorf("fetch boards: %w", err)
	}
	byName := make(map[string]string, len(boards))
	for _, b := range boards {
		byName[strings.ToLower(b.Name)] = b.ID
	}
	return byName, nil
}

type apiCard struct {
	ID       string `json:"id"`
	ShortURL string `json:"shortUrl"`
}

// CreateCard files a task card for a record. A suggestion naming an unknown
// board routes to the default board; priority 0 goes to the urgent list.
func (c *Client) CreateCard(ctx context.Context, rec *triage.Record, category string, priority int, s *triage.Suggestion) (*triage.Card, error) {
	boardName := c.defaultBoard
	if s != nil && s.Board != "" {
		if _, ok := c.boards[s.Board]; ok {
			boardName = s.Board
		} else {
			c.logger.Debug("suggested board unknown, using default",
				slog.String("suggested", s.Board), slog.String("default", c.defaultBoard))
		}
	}
	info, ok := c.boards[boardName]
	if !ok {
		return nil, fmt.Errorf("no board available for card (suggested %v, default %q)", s, c.defaultBoard)
	}

	listID := info.normal
	listName := "normal"
	if priority == 0 {
		listID = info.urgent
		listName = "urgent"
	}

	params := url.Values{}
	params.Set("idList", listID)
	params.Set("name", cardTitle(rec, s))
	params.Set("desc", cardDescription(rec, category, s))
	if s != nil && s.DueDays > 0 {
		params.Set("due", time.Now().AddDate(0, 0, s.DueDays).Format(time.RFC3339))
	}

	var card apiCard
	if err := c.post(ctx, "/1/cards", params, &card); err != nil {
		return nil, fmt.Errorf("create card for %s: %w", rec.ID, err)
	}

	c.logger.Info("created card",
		logging.RecordID(rec.ID),
		slog.String("board", boardName),
		slog.String("list", listName),
		slog.String("card", card.ID))

	return &triage.Card{ID: card.ID, URL: card.ShortURL, Board: boardName, List: listName}, nil
}

func cardTitle(rec *triage.Record, s *triage.Suggestion) string {
	if s != nil && s.Title != "" {
		return s.Title
	}
	return rec.Subject
}

func cardDescription(rec *triage.Record, category string, s *triage.Suggestion) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "**From:** %s\n", rec.From)
	fmt.Fprintf(&sb, "**Date:** %s\n", rec.Date.Format("2006-01-02 15:04"))
	fmt.Fprintf(&sb, "**Category:** %s\n\n", category)
	if s != nil && s.NextAction != "" {
		fmt.Fprintf(&sb, "**Next action:** %s\n\n", s.NextAction)
	}
	if rec.Snippet != "" {
		fmt.Fprintf(&sb, "> %s\n\n", rec.Snippet)
	}
	fmt.Fprintf(&sb, "[Open in Gmail](https://mail.google.com/mail/u/0/#inbox/%s)\n", rec.ThreadID)
	return sb.String()
}
