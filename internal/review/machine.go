// Package review implements the interactive review loop for records that
// neither the rules nor the model resolved with enough confidence. The
// operator works through a numbered queue; every completed action is
// executed against the collaborators immediately and logged before the
// queue moves on.
package review

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/mkeller/mailtriage/internal/logging"
	"github.com/mkeller/mailtriage/internal/metrics"
	"github.com/mkeller/mailtriage/internal/triage"
)

// otherBucketPreview caps how many low-priority items the listing shows.
const otherBucketPreview = 5

// Options configures a Machine.
type Options struct {
	// In and Out are the interactive streams. Tests inject buffers.
	In  io.Reader
	Out io.Writer

	Location *time.Location

	// LearnedRulesPath enables the promote-to-rule prompt after bulk
	// actions. Empty disables learning.
	LearnedRulesPath string

	Metrics *metrics.Metrics
}

// Machine drives the Listing/ItemDetail loop over one session's queue.
// It implements pipeline.Reviewer.
type Machine struct {
	mailbox triage.Mailbox
	board   triage.Board
	store   triage.Store
	logger  *slog.Logger
	opts    Options

	in  *bufio.Scanner
	out io.Writer

	queue    map[int]*triage.ReviewItem
	order    []int
	resolved int
}

// New assembles a review machine. board may be nil; the create-task action
// is then unavailable and reported as such.
func New(mailbox triage.Mailbox, board triage.Board, store triage.Store, logger *slog.Logger, opts Options) *Machine {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	return &Machine{
		mailbox: mailbox,
		board:   board,
		store:   store,
		logger:  logger,
		opts:    opts,
		in:      bufio.NewScanner(opts.In),
		out:     opts.Out,
	}
}

// Run processes the queue until the operator finishes or input ends.
// Items are numbered once at entry; numbers stay stable as items resolve.
func (m *Machine) Run(ctx context.Context, items []*triage.ReviewItem) (int, error) {
	m.queue = make(map[int]*triage.ReviewItem, len(items))
	m.order = m.order[:0]
	m.resolved = 0

	for i, item := range items {
		item.Index = i + 1
		m.queue[item.Index] = item
		m.order = append(m.order, item.Index)
	}

	m.printListing("")
	for len(m.queue) > 0 {
		fmt.Fprintf(m.out, "\n[%d remaining] > ", len(m.queue))
		line, ok := m.readLine()
		if !ok {
			break
		}
		if done := m.dispatch(ctx, line); done {
			break
		}
	}

	fmt.Fprintf(m.out, "\nReview finished: %d resolved, %d remaining.\n", m.resolved, len(m.queue))
	return m.resolved, nil
}

func (m *Machine) readLine() (string, bool) {
	if !m.in.Scan() {
		return "", false
	}
	return strings.TrimSpace(m.in.Text()), true
}

// dispatch handles one Listing-state command. It returns true when the
// operator is done.
func (m *Machine) dispatch(ctx context.Context, line string) bool {
	if line == "" {
		return false
	}
	fields := strings.Fields(line)
	switch fields[0] {
	case "done", "quit", "q":
		return true
	case "list":
		m.printListing("")
		return false
	case "show":
		if len(fields) < 2 {
			fmt.Fprintln(m.out, "usage: show urgent|important|other")
			return false
		}
		m.printListing(fields[1])
		return false
	case "archive":
		items, err := m.resolveRange(fields[1:])
		if err != nil {
			fmt.Fprintln(m.out, err)
			return false
		}
		m.bulkArchive(ctx, items)
		return false
	case "trello":
		items, err := m.resolveRange(fields[1:])
		if err != nil {
			fmt.Fprintln(m.out, err)
			return false
		}
		m.bulkEscalate(ctx, items)
		return false
	}

	indices, err := parseIndices(fields)
	if err != nil {
		fmt.Fprintf(m.out, "unrecognized command %q (try: list, show, archive, trello, done)\n", line)
		return false
	}
	for _, idx := range indices {
		item, ok := m.queue[idx]
		if !ok {
			fmt.Fprintf(m.out, "[%d] is not in the queue\n", idx)
			continue
		}
		m.itemDetail(ctx, item)
	}
	return false
}

func (m *Machine) resolveRange(args []string) ([]*triage.ReviewItem, error) {
	indices, err := parseIndices(args)
	if err != nil {
		return nil, err
	}
	if len(indices) == 0 {
		return nil, fmt.Errorf("no items referenced")
	}
	var items []*triage.ReviewItem
	for _, idx := range indices {
		if item, ok := m.queue[idx]; ok {
			items = append(items, item)
		}
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("none of those items are in the queue")
	}
	return items, nil
}

// parseIndices accepts space or comma separated indices and ranges:
// "3", "3 7", "3-9", "1,4-6".
func parseIndices(args []string) ([]int, error) {
	var out []int
	for _, arg := range args {
		for _, token := range strings.Split(arg, ",") {
			token = strings.TrimSpace(token)
			if token == "" {
				continue
			}
			if lo, hi, ok := strings.Cut(token, "-"); ok {
				start, err1 := strconv.Atoi(lo)
				end, err2 := strconv.Atoi(hi)
				if err1 != nil || err2 != nil || start > end {
					return nil, fmt.Errorf("bad range %q", token)
				}
				for i := start; i <= end; i++ {
					out = append(out, i)
				}
				continue
			}
			n, err := strconv.Atoi(token)
			if err != nil {
				return nil, fmt.Errorf("bad index %q", token)
			}
			out = append(out, n)
		}
	}
	return out, nil
}

// bucket classifies an item for display grouping only.
func bucket(item *triage.ReviewItem) string {
	switch p := item.Decision.Priority; {
	case p == 0:
		return "urgent"
	case p <= 2:
		return "important"
	default:
		return "other"
	}
}

func (m *Machine) printListing(only string) {
	buckets := map[string][]*triage.ReviewItem{}
	for _, idx := range m.order {
		item, ok := m.queue[idx]
		if !ok {
			continue
		}
		b := bucket(item)
		buckets[b] = append(buckets[b], item)
	}

	show := func(name, heading string, limit int) {
		items := buckets[name]
		if len(items) == 0 || (only != "" && only != name) {
			return
		}
		fmt.Fprintf(m.out, "\n%s (%d)\n", heading, len(items))
		shown := items
		if only == "" && limit > 0 && len(shown) > limit {
			shown = shown[:limit]
		}
		for _, item := range shown {
			fmt.Fprintln(m.out, item.SummaryLine(m.opts.Location))
		}
		if hidden := len(items) - len(shown); hidden > 0 {
			fmt.Fprintf(m.out, "    ... and %d more (show %s)\n", hidden, name)
		}
	}

	show("urgent", "URGENT", 0)
	show("important", "IMPORTANT", 0)
	show("other", "OTHER", otherBucketPreview)
}

// itemDetail runs the ItemDetail state for one item until a terminal
// choice or a skip.
func (m *Machine) itemDetail(ctx context.Context, item *triage.ReviewItem) {
	for {
		m.printDetail(item)
		fmt.Fprint(m.out, "1=create task  2=archive  3=full body  4=skip > ")
		line, ok := m.readLine()
		if !ok {
			return
		}
		switch line {
		case "1":
			if m.escalateOne(ctx, item) {
				m.remove(item)
			}
			return
		case "2":
			if m.archiveOne(ctx, item) {
				m.remove(item)
			}
			return
		case "3":
			if item.Record.Body == "" {
				body, err := m.mailbox.MessageBody(ctx, item.Record.ID)
				if err != nil {
					fmt.Fprintf(m.out, "could not fetch body: %v\n", err)
					continue
				}
				item.Record.Body = body
			}
			fmt.Fprintf(m.out, "\n%s\n", item.Record.Body)
		case "4", "b", "back", "":
			return
		default:
			fmt.Fprintln(m.out, "enter 1, 2, 3 or 4")
		}
	}
}

func (m *Machine) printDetail(item *triage.ReviewItem) {
	rec := item.Record
	dec := item.Decision
	fmt.Fprintf(m.out, "\n[%d] %s\n", item.Index, rec.Subject)
	fmt.Fprintf(m.out, "From:     %s\n", rec.From)
	fmt.Fprintf(m.out, "Date:     %s\n", rec.Date.In(m.opts.Location).Format("Mon, 02 Jan 2006 15:04"))
	fmt.Fprintf(m.out, "Category: %s (priority %d, %s", dec.Category, dec.Priority, dec.Processor)
	if dec.Processor == triage.ProcessorModel {
		fmt.Fprintf(m.out, " %.2f", dec.Confidence)
	}
	fmt.Fprintln(m.out, ")")
	if dec.Reason != "" {
		fmt.Fprintf(m.out, "Reason:   %s\n", dec.Reason)
	}
	if s := dec.Suggestion; s != nil {
		fmt.Fprintf(m.out, "Suggests: %s", s.Title)
		if s.NextAction != "" {
			fmt.Fprintf(m.out, " / next: %s", s.NextAction)
		}
		fmt.Fprintln(m.out)
	}
	if rec.Snippet != "" {
		fmt.Fprintf(m.out, "\n%s\n", rec.Snippet)
	}
}

func (m *Machine) archiveOne(ctx context.Context, item *triage.ReviewItem) bool {
	if err := m.mailbox.Archive(ctx, item.Record.ID); err != nil {
		fmt.Fprintf(m.out, "archive failed: %v\n", err)
		return false
	}
	m.logResolved(item, triage.ActionArchive, "", map[string]any{"via": "review"})
	fmt.Fprintf(m.out, "archived [%d]\n", item.Index)
	return true
}

func (m *Machine) escalateOne(ctx context.Context, item *triage.ReviewItem) bool {
	if m.board == nil {
		fmt.Fprintln(m.out, "no task board configured")
		return false
	}
	card, err := m.board.CreateCard(ctx, item.Record, item.Decision.Category, item.Decision.Priority, item.Decision.Suggestion)
	if err != nil {
		fmt.Fprintf(m.out, "task creation failed: %v\n", err)
		return false
	}
	if err := m.mailbox.Archive(ctx, item.Record.ID); err != nil {
		fmt.Fprintf(m.out, "card %s created but archive failed: %v\n", card.ID, err)
	}
	m.logResolved(item, triage.ActionEscalate, card.ID, map[string]any{
		"via": "review", "card_id": card.ID, "board": card.Board,
	})
	fmt.Fprintf(m.out, "created %s for [%d]\n", card.URL, item.Index)
	return true
}

// bulkArchive archives a range with a single collaborator call. The queue
// only drops items when the call succeeds.
func (m *Machine) bulkArchive(ctx context.Context, items []*triage.ReviewItem) {
	ids := make([]string, len(items))
	for i, item := range items {
		ids[i] = item.Record.ID
	}
	if err := m.mailbox.ArchiveBatch(ctx, ids); err != nil {
		fmt.Fprintf(m.out, "bulk archive failed: %v\n", err)
		return
	}
	for _, item := range items {
		m.logResolved(item, triage.ActionArchive, "", map[string]any{"via": "review", "bulk": true})
		m.remove(item)
	}
	fmt.Fprintf(m.out, "archived %d items\n", len(items))
	m.maybeLearn(items, triage.ActionArchive)
}

// bulkEscalate creates one card per item and continues past failures;
// failed items stay queued.
func (m *Machine) bulkEscalate(ctx context.Context, items []*triage.ReviewItem) {
	if m.board == nil {
		fmt.Fprintln(m.out, "no task board configured")
		return
	}
	var done []*triage.ReviewItem
	for _, item := range items {
		if m.escalateOne(ctx, item) {
			m.remove(item)
			done = append(done, item)
		}
	}
	fmt.Fprintf(m.out, "created %d of %d tasks\n", len(done), len(items))
	m.maybeLearn(done, triage.ActionEscalate)
}

func (m *Machine) remove(item *triage.ReviewItem) {
	delete(m.queue, item.Index)
	m.resolved++
}

func (m *Machine) logResolved(item *triage.ReviewItem, action triage.Action, cardID string, fields map[string]any) {
	if m.opts.Metrics != nil {
		m.opts.Metrics.ReviewActions.WithLabelValues(string(action)).Inc()
	}
	if err := m.store.LogProcessed(item.Record.ID, action, false, triage.ProcessorHuman, cardID); err != nil {
		m.logger.Warn("processed log write failed", logging.RecordID(item.Record.ID), logging.Err(err))
	}
	if err := m.store.LogAction(item.Record.ID, action, fields); err != nil {
		m.logger.Warn("action log write failed", logging.RecordID(item.Record.ID), logging.Err(err))
	}
}

// maybeLearn offers to promote a sender domain into a standing rule after
// a bulk action hits three or more items from the same domain. The rule
// file is only touched on an explicit yes.
func (m *Machine) maybeLearn(items []*triage.ReviewItem, action triage.Action) {
	if m.opts.LearnedRulesPath == "" || len(items) == 0 {
		return
	}

	byDomain := map[string]int{}
	for _, item := range items {
		if d := item.Record.SenderDomain(); d != "" {
			byDomain[d]++
		}
	}

	domains := make([]string, 0, len(byDomain))
	for d, n := range byDomain {
		if n >= learnThreshold {
			domains = append(domains, d)
		}
	}
	sort.Strings(domains)

	for _, domain := range domains {
		fmt.Fprintf(m.out, "You just %sd %d items from %s. Always %s mail from this domain? [y/N] ",
			action, byDomain[domain], domain, action)
		line, ok := m.readLine()
		if !ok {
			return
		}
		if !strings.EqualFold(line, "y") && !strings.EqualFold(line, "yes") {
			continue
		}
		if err := appendLearnedRule(m.opts.LearnedRulesPath, domain, action); err != nil {
			fmt.Fprintf(m.out, "could not save rule: %v\n", err)
			continue
		}
		fmt.Fprintf(m.out, "saved standing rule for %s\n", domain)
	}
}
