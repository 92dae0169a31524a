package triage

import (
	"fmt"
	"strings"
	"time"
)

// Action is the disposition assigned to a record by a decision.
type Action string

const (
	// ActionArchive removes the record from the inbox with no follow-up.
	ActionArchive Action = "archive"
	// ActionReview routes the record to the interactive review queue.
	ActionReview Action = "review"
	// ActionEscalate creates a task-board card and then archives the record.
	ActionEscalate Action = "escalate"
)

// Valid reports whether a is one of the known actions.
func (a Action) Valid() bool {
	switch a {
	case ActionArchive, ActionReview, ActionEscalate:
		return true
	}
	return false
}

// Processor records which layer produced a decision.
type Processor string

const (
	ProcessorRule  Processor = "rule"
	ProcessorModel Processor = "model"
	ProcessorHuman Processor = "human"
)

// Attachment is a reference to an attachment on a record. The content is
// never fetched by the pipeline; only the metadata is stored.
type Attachment struct {
	Filename     string `json:"filename"`
	MimeType     string `json:"mime_type"`
	Size         int64  `json:"size"`
	AttachmentID string `json:"attachment_id"`
}

// Record is one triageable inbox item. A record is immutable once fetched
// within a session; Body is the only field populated lazily.
type Record struct {
	ID       string `json:"id"`
	ThreadID string `json:"thread_id"`
	Account  string `json:"account"`

	From    string    `json:"from"`
	To      string    `json:"to"`
	Cc      string    `json:"cc,omitempty"`
	Subject string    `json:"subject"`
	Date    time.Time `json:"date"`
	Snippet string    `json:"snippet"`
	Body    string    `json:"body,omitempty"`

	Labels      []string     `json:"labels,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`

	FetchedAt time.Time `json:"fetched_at"`
}

// SenderName extracts a display name from the From field. For
// "Name <user@domain>" it returns Name, otherwise the local part.
func (r *Record) SenderName() string {
	if i := strings.Index(r.From, "<"); i > 0 {
		if name := strings.TrimSpace(strings.Trim(r.From[:i], `" `)); name != "" {
			return name
		}
	}
	if i := strings.Index(r.From, "@"); i > 0 {
		return r.From[:i]
	}
	return r.From
}

// SenderDomain extracts the domain from the From field, handling both
// bare addresses and "Name <user@domain>" formats. Empty if no domain.
func (r *Record) SenderDomain() string {
	addr := r.From
	if i := strings.Index(addr, "<"); i >= 0 {
		if j := strings.Index(addr[i:], ">"); j > 0 {
			addr = addr[i+1 : i+j]
		}
	}
	if i := strings.LastIndex(addr, "@"); i >= 0 {
		return strings.ToLower(strings.TrimSpace(addr[i+1:]))
	}
	return ""
}

// Suggestion is an escalation payload attached to a decision: what the
// task card should say and where it should go.
type Suggestion struct {
	Title      string `json:"title"`
	NextAction string `json:"next_action"`
	DueDays    int    `json:"due_days"`
	Board      string `json:"board"`
}

// Decision is the outcome of classifying one record. Decisions are
// append-only facts: a re-evaluation produces a new Decision, never an edit.
type Decision struct {
	Index    int    `json:"index"`
	RecordID string `json:"record_id"`

	Action   Action `json:"action"`
	Category string `json:"category"`
	Priority int    `json:"priority"`
	Reason   string `json:"reason"`

	Processor  Processor   `json:"processor"`
	RuleName   string      `json:"rule,omitempty"`
	Confidence float64     `json:"confidence"`
	Suggestion *Suggestion `json:"suggestion,omitempty"`
}

// ReviewItem pairs a record with its decision for the interactive review
// queue. Index is session-scoped and human-facing; it is not the record ID.
type ReviewItem struct {
	Index    int
	Record   *Record
	Decision *Decision
}

// SummaryLine renders the one-line listing entry for the review queue.
func (it *ReviewItem) SummaryLine(loc *time.Location) string {
	subject := it.Record.Subject
	if len(subject) > 60 {
		subject = subject[:60] + "..."
	}
	return fmt.Sprintf("[%d] %s\n    %s · %s",
		it.Index, subject, it.Record.SenderName(), relativeDate(it.Record.Date, loc))
}

func relativeDate(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}
	t = t.In(loc)
	now := time.Now().In(loc)
	days := int(now.Sub(t).Hours() / 24)
	switch {
	case days == 0:
		return t.Format("Today 3:04 PM")
	case days == 1:
		return t.Format("Yesterday 3:04 PM")
	case days < 7:
		return t.Format("Mon 3:04 PM")
	default:
		return t.Format("Jan 02 3:04 PM")
	}
}

// Session is one end-to-end run of the pipeline, sealed with aggregate
// counts when the run ends.
type Session struct {
	ID          string    `json:"session_id"`
	Account     string    `json:"account"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`

	TotalProcessed int `json:"total_processed"`
	AutoArchived   int `json:"auto_archived"`
	AutoEscalated  int `json:"auto_escalated"`
	NeedsReview    int `json:"needs_review"`
}
