package triage

import "context"

// InboxCount reports inbox totals from the mail collaborator.
type InboxCount struct {
	Total  int64 `json:"inbox_total"`
	Unread int64 `json:"global_unread"`
}

// Mailbox is the mail-transport collaborator. Implementations must tolerate
// transient rate-limit errors internally and must never fail a whole batch
// because of a single bad ID.
type Mailbox interface {
	// FetchInbox returns up to max inbox records in mailbox order.
	// max <= 0 means no limit.
	FetchInbox(ctx context.Context, max int) ([]*Record, error)

	// ArchiveBatch archives the given record IDs, chunked to the
	// provider's batch limits. Partial failures are logged, not returned.
	ArchiveBatch(ctx context.Context, ids []string) error

	// Archive archives a single record.
	Archive(ctx context.Context, id string) error

	// MessageBody fetches the full body text for a record.
	MessageBody(ctx context.Context, id string) (string, error)

	// CountInbox reports inbox totals after a run.
	CountInbox(ctx context.Context) (InboxCount, error)
}

// Card is the result of creating a task on the board collaborator.
type Card struct {
	ID    string `json:"id"`
	URL   string `json:"url"`
	Board string `json:"board"`
	List  string `json:"list"`
}

// Board is the task-board collaborator. Routing falls back to a configured
// default board when a suggestion names an unknown one.
type Board interface {
	CreateCard(ctx context.Context, rec *Record, category string, priority int, s *Suggestion) (*Card, error)
}

// Classifier is the probabilistic fallback collaborator. Implementations
// must return exactly one decision per input record, in input order, and
// must degrade to safe review defaults rather than fail or drop records.
type Classifier interface {
	Triage(ctx context.Context, recs []*Record) ([]*Decision, error)
}

// Store is the append-only storage collaborator. See internal/storage for
// the canonical implementation and layout.
type Store interface {
	SessionID() string

	// SaveRecord writes the canonical record at most once ever.
	SaveRecord(rec *Record) error

	// SaveDecision appends a session-stamped decision under the record.
	SaveDecision(dec *Decision, rec *Record, card *Card) error

	LogProcessed(recordID string, action Action, auto bool, processor Processor, cardID string) error
	LogAction(recordID string, action Action, fields map[string]any) error

	UpdateIndex(rec *Record, dec *Decision) error
	UpdateSenderIndex(recs []*Record) error
	UpdateStats(totalProcessed int) error

	CompleteSession(total, autoArchived, autoEscalated, reviewed int) error
}
