// Package storage implements the append-only, idempotent persistence layer.
//
// Layout, per account:
//
//	<base>/<account>/
//	  emails/<YYYY-MM-DD>/<record-id>/
//	    record.json
//	    decisions/<session-id>.json
//	  sessions/<session-id>/
//	    session.json
//	    processed.jsonl
//	    actions.jsonl
//	  index/
//	    records.jsonl
//	    by-sender.json
//	    stats.json
//
// The canonical record is written at most once ever (first-seen wins);
// decisions are appended once per session per record; logs are line-
// delimited appends. Read-modify-write index files use write-to-temp plus
// rename so a crash never leaves partial JSON behind.
package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mkeller/mailtriage/internal/triage"
)

// Store persists records, decisions and session logs for one account.
// One session owns the tree exclusively; there is no cross-process locking.
type Store struct {
	base    string
	account string
	loc     *time.Location

	sessionID      string
	sessionStarted time.Time

	emailsDir   string
	sessionsDir string
	indexDir    string

	byProcessor map[string]int
	byCategory  map[string]int
	byAction    map[string]int
}

// New creates the on-disk tree for account and starts a new session whose
// ID is derived from the current time in tz.
func New(basePath, account, tz string) (*Store, error) {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", tz, err)
	}

	now := time.Now().In(loc)
	s := &Store{
		base:           filepath.Join(basePath, account),
		account:        account,
		loc:            loc,
		sessionID:      now.Format("2006-01-02_150405-MST"),
		sessionStarted: now,
		byProcessor:    map[string]int{},
		byCategory:     map[string]int{},
		byAction:       map[string]int{},
	}
	s.emailsDir = filepath.Join(s.base, "emails")
	s.sessionsDir = filepath.Join(s.base, "sessions", s.sessionID)
	s.indexDir = filepath.Join(s.base, "index")

	for _, dir := range []string{s.emailsDir, s.sessionsDir, s.indexDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir %s: %w", dir, err)
		}
	}
	return s, nil
}

// SessionID returns the identifier of the session this store was opened for.
func (s *Store) SessionID() string {
	return s.sessionID
}

func (s *Store) recordDir(rec *triage.Record) string {
	date := rec.Date.In(s.loc).Format("2006-01-02")
	return filepath.Join(s.emailsDir, date, rec.ID)
}

// StoredRecord is the canonical on-disk shape of a record.
type StoredRecord struct {
	ID          string              `json:"id"`
	ThreadID    string              `json:"thread_id"`
	Account     string              `json:"account"`
	From        string              `json:"from"`
	To          string              `json:"to"`
	Cc          string              `json:"cc,omitempty"`
	Subject     string              `json:"subject"`
	Date        time.Time           `json:"date"`
	Snippet     string              `json:"snippet"`
	Body        string              `json:"body,omitempty"`
	Labels      []string            `json:"labels,omitempty"`
	Attachments []triage.Attachment `json:"attachments,omitempty"`
	FirstSeen   string              `json:"first_seen"`
	FirstSeenAt time.Time           `json:"first_seen_at"`
}

// StoredDecision is the on-disk shape of one session's decision for a record.
type StoredDecision struct {
	SessionID  string             `json:"session_id"`
	Timestamp  time.Time          `json:"timestamp"`
	Action     triage.Action      `json:"action"`
	Category   string             `json:"category"`
	Priority   int                `json:"priority"`
	Reason     string             `json:"reason"`
	Processor  triage.Processor   `json:"processor"`
	RuleName   string             `json:"rule,omitempty"`
	Confidence float64            `json:"confidence"`
	Suggestion *triage.Suggestion `json:"suggestion,omitempty"`
	CardID     string             `json:"card_id,omitempty"`
	CardURL    string             `json:"card_url,omitempty"`
	Executed   bool               `json:"executed"`
}

// SaveRecord writes the canonical record exactly once; a record that was
// stored by any earlier session is left untouched.
func (s *Store) SaveRecord(rec *triage.Record) error {
	dir := s.recordDir(rec)
	path := filepath.Join(dir, "record.json")
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("stat %s: %w", path, err)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create record dir: %w", err)
	}

	stored := StoredRecord{
		ID:          rec.ID,
		ThreadID:    rec.ThreadID,
		Account:     rec.Account,
		From:        rec.From,
		To:          rec.To,
		Cc:          rec.Cc,
		Subject:     rec.Subject,
		Date:        rec.Date,
		Snippet:     rec.Snippet,
		Body:        rec.Body,
		Labels:      rec.Labels,
		Attachments: rec.Attachments,
		FirstSeen:   s.sessionID,
		FirstSeenAt: time.Now().In(s.loc),
	}
	return s.writeJSON(path, stored)
}

// SaveDecision appends a session-stamped decision under the record's
// history. A prior session's decision file is never overwritten; writing
// twice within one session replaces this session's file with identical
// provenance, which keeps retries idempotent.
func (s *Store) SaveDecision(dec *triage.Decision, rec *triage.Record, card *triage.Card) error {
	dir := filepath.Join(s.recordDir(rec), "decisions")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create decisions dir: %w", err)
	}

	stored := StoredDecision{
		SessionID:  s.sessionID,
		Timestamp:  time.Now().In(s.loc),
		Action:     dec.Action,
		Category:   dec.Category,
		Priority:   dec.Priority,
		Reason:     dec.Reason,
		Processor:  dec.Processor,
		RuleName:   dec.RuleName,
		Confidence: dec.Confidence,
		Suggestion: dec.Suggestion,
		Executed:   true,
	}
	if card != nil {
		stored.CardID = card.ID
		stored.CardURL = card.URL
	}

	s.byProcessor[string(dec.Processor)]++
	s.byCategory[dec.Category]++
	s.byAction[string(dec.Action)]++

	return s.writeJSON(filepath.Join(dir, s.sessionID+".json"), stored)
}

type processedEntry struct {
	Timestamp time.Time        `json:"timestamp"`
	RecordID  string           `json:"record_id"`
	Action    triage.Action    `json:"action"`
	Auto      bool             `json:"auto"`
	Processor triage.Processor `json:"processor,omitempty"`
	CardID    string           `json:"card_id,omitempty"`
}

// LogProcessed appends to this session's processed.jsonl.
func (s *Store) LogProcessed(recordID string, action triage.Action, auto bool, processor triage.Processor, cardID string) error {
	return s.appendJSONL(filepath.Join(s.sessionsDir, "processed.jsonl"), processedEntry{
		Timestamp: time.Now().In(s.loc),
		RecordID:  recordID,
		Action:    action,
		Auto:      auto,
		Processor: processor,
		CardID:    cardID,
	})
}

// LogAction appends one executed side effect to this session's actions.jsonl.
func (s *Store) LogAction(recordID string, action triage.Action, fields map[string]any) error {
	entry := map[string]any{
		"timestamp": time.Now().In(s.loc),
		"record_id": recordID,
		"action":    action,
	}
	for k, v := range fields {
		entry[k] = v
	}
	return s.appendJSONL(filepath.Join(s.sessionsDir, "actions.jsonl"), entry)
}

type indexEntry struct {
	RecordID     string    `json:"id"`
	From         string    `json:"from"`
	Subject      string    `json:"subject"`
	Date         time.Time `json:"date"`
	LastAction   string    `json:"last_action"`
	LastCategory string    `json:"last_category"`
	LastSession  string    `json:"last_session"`
	LastUpdated  time.Time `json:"last_updated"`
}

// UpdateIndex appends a record/decision pair to the global records index.
func (s *Store) UpdateIndex(rec *triage.Record, dec *triage.Decision) error {
	return s.appendJSONL(filepath.Join(s.indexDir, "records.jsonl"), indexEntry{
		RecordID:     rec.ID,
		From:         rec.From,
		Subject:      rec.Subject,
		Date:         rec.Date,
		LastAction:   string(dec.Action),
		LastCategory: dec.Category,
		LastSession:  s.sessionID,
		LastUpdated:  time.Now().In(s.loc),
	})
}

// SenderEntry is the per-sender aggregate in by-sender.json.
type SenderEntry struct {
	RecordIDs []string  `json:"record_ids"`
	Count     int       `json:"count"`
	LastSeen  time.Time `json:"last_seen"`
}

// UpdateSenderIndex folds a batch of records into the per-sender aggregate.
func (s *Store) UpdateSenderIndex(recs []*triage.Record) error {
	path := filepath.Join(s.indexDir, "by-sender.json")

	index := map[string]*SenderEntry{}
	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, &index); err != nil {
			return fmt.Errorf("parse sender index: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("read sender index: %w", err)
	}

	for _, rec := range recs {
		sender := rec.From
		entry, ok := index[sender]
		if !ok {
			entry = &SenderEntry{}
			index[sender] = entry
		}
		seen := false
		for _, id := range entry.RecordIDs {
			if id == rec.ID {
				seen = true
				break
			}
		}
		if !seen {
			entry.RecordIDs = append(entry.RecordIDs, rec.ID)
			entry.Count = len(entry.RecordIDs)
		}
		if rec.Date.After(entry.LastSeen) {
			entry.LastSeen = rec.Date
		}
	}

	return s.writeJSON(path, index)
}

// Stats is the cross-session rollup in stats.json.
type Stats struct {
	TotalRecords  int            `json:"total_records"`
	TotalSessions int            `json:"total_sessions"`
	ByAction      map[string]int `json:"by_action"`
	ByCategory    map[string]int `json:"by_category"`
	LastSession   string         `json:"last_session,omitempty"`
	LastUpdated   time.Time      `json:"last_updated"`
	Timezone      string         `json:"timezone"`
}

// UpdateStats folds this session's tallies into the running counters.
func (s *Store) UpdateStats(totalProcessed int) error {
	path := filepath.Join(s.indexDir, "stats.json")

	stats := Stats{ByAction: map[string]int{}, ByCategory: map[string]int{}}
	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, &stats); err != nil {
			return fmt.Errorf("parse stats: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("read stats: %w", err)
	}

	stats.TotalRecords += totalProcessed
	stats.TotalSessions++
	stats.LastSession = s.sessionID
	stats.LastUpdated = time.Now().In(s.loc)
	stats.Timezone = s.loc.String()
	for action, n := range s.byAction {
		stats.ByAction[action] += n
	}
	for category, n := range s.byCategory {
		stats.ByCategory[category] += n
	}

	return s.writeJSON(path, stats)
}

type sessionSummary struct {
	SessionID      string         `json:"session_id"`
	Account        string         `json:"account"`
	StartedAt      time.Time      `json:"started_at"`
	CompletedAt    time.Time      `json:"completed_at"`
	Timezone       string         `json:"timezone"`
	TotalProcessed int            `json:"total_processed"`
	AutoArchived   int            `json:"auto_archived"`
	AutoEscalated  int            `json:"auto_escalated"`
	Reviewed       int            `json:"reviewed"`
	ByProcessor    map[string]int `json:"by_processor"`
	ByCategory     map[string]int `json:"by_category"`
	ByAction       map[string]int `json:"by_action"`
}

// CompleteSession seals the session summary. Called once, at run end.
func (s *Store) CompleteSession(total, autoArchived, autoEscalated, reviewed int) error {
	return s.writeJSON(filepath.Join(s.sessionsDir, "session.json"), sessionSummary{
		SessionID:      s.sessionID,
		Account:        s.account,
		StartedAt:      s.sessionStarted,
		CompletedAt:    time.Now().In(s.loc),
		Timezone:       s.loc.String(),
		TotalProcessed: total,
		AutoArchived:   autoArchived,
		AutoEscalated:  autoEscalated,
		Reviewed:       reviewed,
		ByProcessor:    s.byProcessor,
		ByCategory:     s.byCategory,
		ByAction:       s.byAction,
	})
}

// writeJSON marshals v and atomically replaces path.
func (s *Store) writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}

func (s *Store) appendJSONL(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal log entry: %w", err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		f.Close()
		return fmt.Errorf("append to %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	return nil
}
