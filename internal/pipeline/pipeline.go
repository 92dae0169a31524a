// Package pipeline runs one end-to-end triage session: fetch, rule
// evaluation, model classification, confidence-gated auto-actions, and the
// handoff to interactive review.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/mkeller/mailtriage/internal/logging"
	"github.com/mkeller/mailtriage/internal/metrics"
	"github.com/mkeller/mailtriage/internal/rules"
	"github.com/mkeller/mailtriage/internal/triage"
)

// Reviewer drains the needs-review queue interactively. It returns the
// number of items the operator actually resolved.
type Reviewer interface {
	Run(ctx context.Context, items []*triage.ReviewItem) (int, error)
}

// Options configures a Processor.
type Options struct {
	Account string

	// ThresholdFor returns the auto-escalation confidence gate for a
	// category. Decisions at or below the gate go to human review.
	ThresholdFor func(category string) float64

	// Reviewer may be nil; needs-review items are then left queued on disk
	// for a later run.
	Reviewer Reviewer

	Metrics *metrics.Metrics
	Tracer  trace.Tracer
}

// Processor orchestrates the collaborators for one account's session.
type Processor struct {
	mailbox    triage.Mailbox
	engine     *rules.Engine
	classifier triage.Classifier
	board      triage.Board
	store      triage.Store
	logger     *slog.Logger
	opts       Options
	tracer     trace.Tracer
}

// New assembles a Processor. board may be nil when no board is configured;
// escalations then stay in the review queue.
func New(mailbox triage.Mailbox, engine *rules.Engine, cls triage.Classifier, board triage.Board, store triage.Store, logger *slog.Logger, opts Options) *Processor {
	if opts.ThresholdFor == nil {
		opts.ThresholdFor = func(string) float64 { return 1.0 }
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("pipeline")
	}
	return &Processor{
		mailbox:    mailbox,
		engine:     engine,
		classifier: cls,
		board:      board,
		store:      store,
		logger:     logger,
		opts:       opts,
		tracer:     tracer,
	}
}

// Process runs the full pipeline. max <= 0 processes the whole inbox.
func (p *Processor) Process(ctx context.Context, max int) (*triage.Session, error) {
	started := time.Now()
	ctx, span := p.tracer.Start(ctx, "pipeline.process",
		trace.WithAttributes(attribute.String("account", p.opts.Account)))
	defer span.End()

	logger := p.logger.With(
		logging.Account(p.opts.Account),
		logging.Session(p.store.SessionID()))

	records, err := p.fetch(ctx, max)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		logger.Info("inbox is empty, nothing to do")
		return p.seal(ctx, logger, started, 0, 0, 0, 0)
	}
	logger.Info("fetched records", logging.Count(len(records)))

	for _, rec := range records {
		if err := p.store.SaveRecord(rec); err != nil {
			return nil, fmt.Errorf("save record %s: %w", rec.ID, err)
		}
	}
	if err := p.store.UpdateSenderIndex(records); err != nil {
		logger.Warn("sender index update failed", logging.Err(err))
	}

	decisions, err := p.decide(ctx, logger, records)
	if err != nil {
		return nil, err
	}

	archive, escalate, review := p.partition(records, decisions)
	logger.Info("partitioned decisions",
		slog.Int("auto_archive", len(archive)),
		slog.Int("auto_escalate", len(escalate)),
		slog.Int("needs_review", len(review)))

	archived, failedArchives := p.autoArchive(ctx, logger, archive)
	review = append(review, failedArchives...)
	escalated, failedEscalations := p.autoEscalate(ctx, logger, escalate)
	review = append(review, failedEscalations...)

	if err := p.persist(logger, records, decisions, archived, escalated); err != nil {
		return nil, err
	}

	reviewed := 0
	if len(review) > 0 && p.opts.Reviewer != nil {
		_, reviewSpan := p.tracer.Start(ctx, "pipeline.review",
			trace.WithAttributes(attribute.Int("queue", len(review))))
		reviewed, err = p.opts.Reviewer.Run(ctx, review)
		reviewSpan.End()
		if err != nil {
			logger.Warn("review session ended early", logging.Err(err))
		}
	}

	return p.seal(ctx, logger, started, len(records), len(archived), len(escalated), reviewed)
}

func (p *Processor) fetch(ctx context.Context, max int) ([]*triage.Record, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.fetch")
	defer span.End()

	records, err := p.mailbox.FetchInbox(ctx, max)
	if err != nil {
		return nil, fmt.Errorf("fetch inbox: %w", err)
	}
	if p.opts.Metrics != nil {
		p.opts.Metrics.RecordsFetched.Add(float64(len(records)))
	}
	span.SetAttributes(attribute.Int("records", len(records)))
	return records, nil
}

// decide produces exactly one decision per record, in fetch order. Rules
// are consulted first; only unmatched records go to the model.
func (p *Processor) decide(ctx context.Context, logger *slog.Logger, records []*triage.Record) ([]*triage.Decision, error) {
	decisions := make([]*triage.Decision, len(records))
	var undecided []*triage.Record
	var undecidedPos []int

	for i, rec := range records {
		m := p.engine.Evaluate(rec)
		if !m.Matched {
			undecided = append(undecided, rec)
			undecidedPos = append(undecidedPos, i)
			continue
		}
		decisions[i] = &triage.Decision{
			Index:      i,
			RecordID:   rec.ID,
			Action:     m.Action,
			Category:   m.Category,
			Priority:   m.Priority,
			Reason:     m.Reason,
			Processor:  triage.ProcessorRule,
			RuleName:   m.RuleName,
			Confidence: m.Confidence,
		}
	}
	logger.Info("rule evaluation complete",
		slog.Int("rule_decided", len(records)-len(undecided)),
		slog.Int("undecided", len(undecided)))

	if len(undecided) > 0 {
		ctx, span := p.tracer.Start(ctx, "pipeline.classify",
			trace.WithAttributes(attribute.Int("records", len(undecided))))
		modelDecisions, err := p.classifier.Triage(ctx, undecided)
		span.End()
		if err != nil {
			return nil, fmt.Errorf("classify records: %w", err)
		}
		if len(modelDecisions) != len(undecided) {
			return nil, fmt.Errorf("classifier returned %d decisions for %d records", len(modelDecisions), len(undecided))
		}
		// Merge back into fetch order.
		for j, dec := range modelDecisions {
			i := undecidedPos[j]
			dec.Index = i
			dec.RecordID = records[i].ID
			decisions[i] = dec
		}
	}

	if p.opts.Metrics != nil {
		for _, dec := range decisions {
			p.opts.Metrics.DecisionsTotal.WithLabelValues(string(dec.Action), string(dec.Processor)).Inc()
		}
	}
	return decisions, nil
}

// partition splits decisions into the three execution branches. Archive is
// never confidence-gated; escalation must clear the per-category threshold.
func (p *Processor) partition(records []*triage.Record, decisions []*triage.Decision) (archive, escalate, review []*triage.ReviewItem) {
	for i, dec := range decisions {
		item := &triage.ReviewItem{Index: i, Record: records[i], Decision: dec}
		switch {
		case dec.Action == triage.ActionArchive:
			archive = append(archive, item)
		case dec.Action == triage.ActionEscalate && dec.Confidence > p.opts.ThresholdFor(dec.Category) && p.board != nil:
			escalate = append(escalate, item)
		default:
			review = append(review, item)
		}
	}
	return archive, escalate, review
}

// autoArchive archives the branch in one bulk call. Only items actually
// submitted come back as done; when the bulk call fails the whole branch is
// returned as failed so it lands in the review queue instead of being logged
// as executed. Chunk-level failures are handled inside the mailbox
// collaborator.
func (p *Processor) autoArchive(ctx context.Context, logger *slog.Logger, items []*triage.ReviewItem) (done, failed []*triage.ReviewItem) {
	if len(items) == 0 {
		return nil, nil
	}
	ctx, span := p.tracer.Start(ctx, "pipeline.archive",
		trace.WithAttributes(attribute.Int("records", len(items))))
	defer span.End()

	ids := make([]string, len(items))
	for i, item := range items {
		ids[i] = item.Record.ID
	}
	if err := p.mailbox.ArchiveBatch(ctx, ids); err != nil {
		logger.Warn("bulk archive failed, queuing branch for review",
			logging.Count(len(ids)), logging.Err(err))
		return nil, items
	}
	if p.opts.Metrics != nil {
		p.opts.Metrics.ArchiveBatches.Inc()
		p.opts.Metrics.ArchivedRecords.Add(float64(len(ids)))
	}
	logger.Info("auto-archived records", logging.Count(len(ids)))
	return items, nil
}

// autoEscalate creates one card per item and archives each record after its
// card exists. A failed item is returned for review instead of being lost.
func (p *Processor) autoEscalate(ctx context.Context, logger *slog.Logger, items []*triage.ReviewItem) (done []escalated, failed []*triage.ReviewItem) {
	if len(items) == 0 {
		return nil, nil
	}
	ctx, span := p.tracer.Start(ctx, "pipeline.escalate",
		trace.WithAttributes(attribute.Int("records", len(items))))
	defer span.End()

	for _, item := range items {
		card, err := p.board.CreateCard(ctx, item.Record, item.Decision.Category, item.Decision.Priority, item.Decision.Suggestion)
		if err != nil {
			if p.opts.Metrics != nil {
				p.opts.Metrics.CardFailures.Inc()
			}
			logger.Warn("card creation failed, queuing for review",
				logging.RecordID(item.Record.ID), logging.Err(err))
			failed = append(failed, item)
			continue
		}
		if p.opts.Metrics != nil {
			p.opts.Metrics.CardsCreated.WithLabelValues(card.Board).Inc()
		}

		if err := p.mailbox.Archive(ctx, item.Record.ID); err != nil {
			// The card exists; archiving again next run is harmless.
			logger.Warn("archive after escalation failed",
				logging.RecordID(item.Record.ID), logging.Err(err))
		}
		done = append(done, escalated{item: item, card: card})
	}
	return done, failed
}

type escalated struct {
	item *triage.ReviewItem
	card *triage.Card
}

// persist writes every record's decision and the processed log entries for
// auto-executed branches. Review items are logged when the operator acts.
func (p *Processor) persist(logger *slog.Logger, records []*triage.Record, decisions []*triage.Decision, archived []*triage.ReviewItem, escalations []escalated) error {
	cards := make(map[string]*triage.Card, len(escalations))
	for _, e := range escalations {
		cards[e.item.Record.ID] = e.card
	}

	for i, rec := range records {
		if err := p.store.SaveDecision(decisions[i], rec, cards[rec.ID]); err != nil {
			return fmt.Errorf("save decision for %s: %w", rec.ID, err)
		}
		if err := p.store.UpdateIndex(rec, decisions[i]); err != nil {
			logger.Warn("index update failed", logging.RecordID(rec.ID), logging.Err(err))
		}
	}

	for _, item := range archived {
		if err := p.store.LogProcessed(item.Record.ID, triage.ActionArchive, true, item.Decision.Processor, ""); err != nil {
			return fmt.Errorf("log archive for %s: %w", item.Record.ID, err)
		}
		if err := p.store.LogAction(item.Record.ID, triage.ActionArchive, map[string]any{"bulk": true}); err != nil {
			return fmt.Errorf("log action for %s: %w", item.Record.ID, err)
		}
	}
	for _, e := range escalations {
		if err := p.store.LogProcessed(e.item.Record.ID, triage.ActionEscalate, true, e.item.Decision.Processor, e.card.ID); err != nil {
			return fmt.Errorf("log escalation for %s: %w", e.item.Record.ID, err)
		}
		if err := p.store.LogAction(e.item.Record.ID, triage.ActionEscalate, map[string]any{
			"card_id": e.card.ID, "board": e.card.Board, "list": e.card.List,
		}); err != nil {
			return fmt.Errorf("log action for %s: %w", e.item.Record.ID, err)
		}
	}
	return nil
}

func (p *Processor) seal(ctx context.Context, logger *slog.Logger, started time.Time, total, archived, escalated, reviewed int) (*triage.Session, error) {
	if err := p.store.UpdateStats(total); err != nil {
		logger.Warn("stats update failed", logging.Err(err))
	}
	if err := p.store.CompleteSession(total, archived, escalated, reviewed); err != nil {
		return nil, fmt.Errorf("complete session: %w", err)
	}
	if p.opts.Metrics != nil {
		p.opts.Metrics.SessionDuration.Observe(time.Since(started).Seconds())
	}

	if count, err := p.mailbox.CountInbox(ctx); err == nil {
		logger.Info("inbox after run",
			slog.Int64("total", count.Total), slog.Int64("unread", count.Unread))
	}

	session := &triage.Session{
		ID:             p.store.SessionID(),
		Account:        p.opts.Account,
		StartedAt:      started,
		CompletedAt:    time.Now(),
		TotalProcessed: total,
		AutoArchived:   archived,
		AutoEscalated:  escalated,
		NeedsReview:    total - archived - escalated,
	}
	logger.Info("session complete",
		slog.Int("processed", session.TotalProcessed),
		slog.Int("auto_archived", session.AutoArchived),
		slog.Int("auto_escalated", session.AutoEscalated),
		slog.Int("reviewed", reviewed),
		logging.Duration(time.Since(started)))
	return session, nil
}
