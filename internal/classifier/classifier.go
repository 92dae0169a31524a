// Package classifier sends batches of unmatched records to an LLM and turns
// its answers into triage decisions. A record the model fails to decide on,
// for any reason, falls back to human review with zero confidence so that a
// flaky model can never cause an unattended destructive action.
package classifier

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/cenkalti/backoff/v5"

	"github.com/mkeller/mailtriage/internal/logging"
	"github.com/mkeller/mailtriage/internal/rules"
	"github.com/mkeller/mailtriage/internal/triage"
)

const (
	defaultBatchSize = 10
	maxAttempts      = 4
	bodyPreviewLen   = 500
)

// completer abstracts the model call so tests can substitute a fake.
type completer interface {
	complete(ctx context.Context, system, prompt string) (string, error)
}

type anthropicCompleter struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

func (a *anthropicCompleter) complete(ctx context.Context, system, prompt string) (string, error) {
	msg, err := backoff.Retry(ctx, func() (*anthropic.Message, error) {
		return a.client.Messages.New(ctx, anthropic.MessageNewParams{
			Model:     anthropic.Model(a.model),
			MaxTokens: a.maxTokens,
			System:    []anthropic.TextBlockParam{{Text: system}},
			Messages: []anthropic.MessageParam{
				anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
			},
		})
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(maxAttempts))
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return sb.String(), nil
}

// Options configures a Classifier.
type Options struct {
	APIKey    string
	Model     string
	MaxTokens int
	BatchSize int
	// BatchDelay is the pause between consecutive batches.
	BatchDelay time.Duration
	// Boards are the configured board names the model may suggest.
	Boards     []string
	Categories []string
	// InternalDomains mark mail from colleagues, which weighs against
	// archiving unread.
	InternalDomains []string

	// OnBatch, when set, observes each batch outcome.
	OnBatch func(failed bool)
}

// Classifier batches records and asks the model for one decision per record.
// It implements triage.Classifier.
type Classifier struct {
	llm             completer
	batchSize       int
	batchDelay      time.Duration
	boards          []string
	categories      []string
	internalDomains []string
	onBatch         func(failed bool)
	logger          *slog.Logger
}

// New returns a Classifier backed by the Anthropic API.
func New(opts Options, logger *slog.Logger) *Classifier {
	c := newWith(&anthropicCompleter{
		client:    anthropic.NewClient(option.WithAPIKey(opts.APIKey)),
		model:     opts.Model,
		maxTokens: int64(opts.MaxTokens),
	}, opts, logger)
	return c
}

func newWith(llm completer, opts Options, logger *slog.Logger) *Classifier {
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &Classifier{
		llm:             llm,
		batchSize:       batchSize,
		batchDelay:      opts.BatchDelay,
		boards:          opts.Boards,
		categories:      opts.Categories,
		internalDomains: opts.InternalDomains,
		onBatch:         opts.OnBatch,
		logger:          logger,
	}
}

// batchItem is one element of the JSON array the model is asked to return.
type batchItem struct {
	Index      int                `json:"index"`
	Category   string             `json:"category"`
	Priority   int                `json:"priority"`
	Action     string             `json:"action"`
	Confidence float64            `json:"confidence"`
	Reason     string             `json:"reason"`
	Suggestion *triage.Suggestion `json:"suggestion,omitempty"`
}

// Triage classifies records in batches. Every input record gets exactly one
// decision at the matching offset; a failed batch yields review fallbacks
// for its records rather than aborting the run.
func (c *Classifier) Triage(ctx context.Context, recs []*triage.Record) ([]*triage.Decision, error) {
	decisions := make([]*triage.Decision, 0, len(recs))

	for start := 0; start < len(recs); start += c.batchSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if start > 0 && c.batchDelay > 0 {
			select {
			case <-time.After(c.batchDelay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		end := min(start+c.batchSize, len(recs))
		batch := recs[start:end]

		batchDecisions, err := c.triageBatch(ctx, batch)
		if c.onBatch != nil {
			c.onBatch(err != nil)
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			c.logger.Warn("batch classification failed, routing batch to review",
				logging.Count(len(batch)), logging.Err(err))
			batchDecisions = fallbackBatch(batch, "classification failed: "+err.Error())
		}

		for i, dec := range batchDecisions {
			dec.Index = start + i
			decisions = append(decisions, dec)
		}
	}

	return decisions, nil
}

func (c *Classifier) triageBatch(ctx context.Context, batch []*triage.Record) ([]*triage.Decision, error) {
	text, err := c.llm.complete(ctx, c.systemPrompt(), buildPrompt(batch))
	if err != nil {
		return nil, err
	}

	items, err := parseItems(text)
	if err != nil {
		return nil, err
	}

	decisions := make([]*triage.Decision, len(batch))
	for _, item := range items {
		if item.Index < 0 || item.Index >= len(batch) {
			c.logger.Warn("model returned out-of-range index", slog.Int("index", item.Index))
			continue
		}
		decisions[item.Index] = c.toDecision(item, batch[item.Index])
	}

	// Back-fill records the model skipped.
	for i, dec := range decisions {
		if dec == nil {
			decisions[i] = fallbackDecision(batch[i], "model returned no decision")
		}
	}
	return decisions, nil
}

func (c *Classifier) toDecision(item batchItem, rec *triage.Record) *triage.Decision {
	action := triage.Action(item.Action)
	confidence := item.Confidence
	reason := item.Reason

	if !action.Valid() {
		action = triage.ActionReview
		confidence = 0
		reason = fmt.Sprintf("model returned unknown action %q", item.Action)
	}
	if confidence < 0 {
		confidence = 0
	} else if confidence > 1 {
		confidence = 1
	}

	category := item.Category
	if category == "" {
		category = "unclear"
	}
	priority := item.Priority
	if priority < 0 {
		priority = rules.PriorityFloor
	}

	// Suggested boards are recorded as returned. Routing resolves unknown
	// names to the account default later, preserving what the model said.
	return &triage.Decision{
		RecordID:   rec.ID,
		Action:     action,
		Category:   category,
		Priority:   priority,
		Reason:     reason,
		Processor:  triage.ProcessorModel,
		Confidence: confidence,
		Suggestion: item.Suggestion,
	}
}

func fallbackDecision(rec *triage.Record, reason string) *triage.Decision {
	return &triage.Decision{
		RecordID:   rec.ID,
		Action:     triage.ActionReview,
		Category:   "unclear",
		Priority:   rules.PriorityFloor,
		Reason:     reason,
		Processor:  triage.ProcessorModel,
		Confidence: 0,
	}
}

func fallbackBatch(batch []*triage.Record, reason string) []*triage.Decision {
	decisions := make([]*triage.Decision, len(batch))
	for i, rec := range batch {
		decisions[i] = fallbackDecision(rec, reason)
	}
	return decisions
}

func (c *Classifier) systemPrompt() string {
	var sb strings.Builder
	sb.WriteString("You triage email for a busy operator. For each email decide ")
	sb.WriteString("whether it can be archived unread, needs a task card, or needs ")
	sb.WriteString("human review. Be conservative: when unsure, choose review with ")
	sb.WriteString("low confidence. Respond with a JSON array only, no prose.\n\n")

	sb.WriteString("Each array element: {\"index\": <input index>, \"category\": <string>, ")
	sb.WriteString("\"priority\": <0-5, 0 most urgent>, \"action\": \"archive\"|\"review\"|\"escalate\", ")
	sb.WriteString("\"confidence\": <0.0-1.0>, \"reason\": <short string>, ")
	sb.WriteString("\"suggestion\": {\"title\": ..., \"next_action\": ..., \"due_days\": <int>, \"board\": ...} for escalations}\n")

	if len(c.categories) > 0 {
		sb.WriteString("\nKnown categories: " + strings.Join(c.categories, ", ") + ". ")
		sb.WriteString("Prefer these; invent a new one only when nothing fits.\n")
	}
	if len(c.boards) > 0 {
		sb.WriteString("Available boards: " + strings.Join(c.boards, ", ") + ".\n")
	}
	if len(c.internalDomains) > 0 {
		sb.WriteString("Mail from these internal domains is from colleagues and ")
		sb.WriteString("should rarely be archived unread: " + strings.Join(c.internalDomains, ", ") + ".\n")
	}
	return sb.String()
}

func buildPrompt(batch []*triage.Record) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Triage these %d emails:\n\n", len(batch))
	for i, rec := range batch {
		fmt.Fprintf(&sb, "[%d]\nFrom: %s\nSubject: %s\nDate: %s\n",
			i, rec.From, rec.Subject, rec.Date.Format(time.RFC1123Z))
		preview := rec.Snippet
		if rec.Body != "" {
			preview = rec.Body
		}
		if len(preview) > bodyPreviewLen {
			preview = preview[:bodyPreviewLen]
		}
		fmt.Fprintf(&sb, "Preview: %s\n\n", preview)
	}
	return sb.String()
}

// parseItems extracts the JSON array from the model output, tolerating
// surrounding prose or a markdown fence.
func parseItems(text string) ([]batchItem, error) {
	start := strings.Index(text, "[")
	end := strings.LastIndex(text, "]")
	if start == -1 || end <= start {
		return nil, fmt.Errorf("no JSON array in model output")
	}

	var items []batchItem
	if err := json.Unmarshal([]byte(text[start:end+1]), &items); err != nil {
		return nil, fmt.Errorf("parse model output: %w", err)
	}
	return items, nil
}
