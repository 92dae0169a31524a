package rules

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/mkeller/mailtriage/internal/triage"
)

// Match is the result of evaluating a record against the rule set.
// A non-match carries the explicit undecided sentinel: priority floor,
// zero confidence, no action.
type Match struct {
	Matched     bool
	RuleName    string
	Category    string
	Subcategory string
	Priority    int
	Action      triage.Action
	Reason      string
	Confidence  float64
}

// Engine evaluates records against a compiled rule set. Evaluate is a pure
// function: no I/O, no side effects.
type Engine struct {
	account    string
	categories []category
}

type category struct {
	name          string
	priority      int
	action        triage.Action
	account       string
	rules         []namedMatcher
	subcategories []subcategory
}

type subcategory struct {
	name  string
	rules []namedMatcher
}

type namedMatcher struct {
	name string
	m    matcher
}

// CategoryNames returns the compiled category names in evaluation order.
func (e *Engine) CategoryNames() []string {
	names := make([]string, 0, len(e.categories))
	for _, cat := range e.categories {
		names = append(names, cat.name)
	}
	return names
}

// Evaluate returns the first match in ascending category priority order,
// direct rules before subcategories, declaration order within each. If
// nothing matches it returns the undecided sentinel; the engine never
// guesses an action.
func (e *Engine) Evaluate(rec *triage.Record) Match {
	for _, cat := range e.categories {
		if cat.account != "" && cat.account != e.account {
			continue
		}

		for _, r := range cat.rules {
			if r.m.match(rec) {
				return Match{
					Matched:    true,
					RuleName:   r.name,
					Category:   cat.name,
					Priority:   cat.priority,
					Action:     cat.action,
					Reason:     fmt.Sprintf("matched rule %s.%s", cat.name, r.name),
					Confidence: 1.0,
				}
			}
		}

		for _, sub := range cat.subcategories {
			for _, r := range sub.rules {
				if r.m.match(rec) {
					return Match{
						Matched:     true,
						RuleName:    r.name,
						Category:    cat.name,
						Subcategory: sub.name,
						Priority:    cat.priority,
						Action:      cat.action,
						Reason:      fmt.Sprintf("matched rule %s.%s.%s", cat.name, sub.name, r.name),
						Confidence:  1.0,
					}
				}
			}
		}
	}

	return Match{
		Matched:    false,
		RuleName:   "no_match",
		Category:   "unclear",
		Priority:   PriorityFloor,
		Reason:     "no rule match",
		Confidence: 0,
	}
}

// matcher is one node of the recursive rule predicate tree.
type matcher interface {
	match(rec *triage.Record) bool
}

type textContains struct {
	patterns      []string
	caseSensitive bool
	exceptions    []matcher
}

func (m *textContains) match(rec *triage.Record) bool {
	text := rec.Subject
	if !m.caseSensitive {
		text = strings.ToLower(text)
	}
	matched := false
	for _, p := range m.patterns {
		if strings.Contains(text, p) {
			matched = true
			break
		}
	}
	// Exceptions veto a positive match, letting a config express
	// "archive unless it's a direct reply".
	if matched && anyMatch(m.exceptions, rec) {
		return false
	}
	return matched
}

type subjectRegex struct {
	re *regexp.Regexp
}

func (m *subjectRegex) match(rec *triage.Record) bool {
	return m.re.MatchString(rec.Subject)
}

type fromDomain struct {
	patterns   []string
	exceptions []matcher
}

func (m *fromDomain) match(rec *triage.Record) bool {
	domain := rec.SenderDomain()
	if domain == "" {
		return false
	}
	matched := false
	for _, p := range m.patterns {
		if strings.Contains(domain, p) {
			matched = true
			break
		}
	}
	if matched && anyMatch(m.exceptions, rec) {
		return false
	}
	return matched
}

type fromSender struct {
	patterns []string
}

func (m *fromSender) match(rec *triage.Record) bool {
	sender := strings.ToLower(rec.From)
	for _, p := range m.patterns {
		if strings.Contains(sender, p) {
			return true
		}
	}
	return false
}

type conjunction struct {
	rules []matcher
}

func (m *conjunction) match(rec *triage.Record) bool {
	if len(m.rules) == 0 {
		return false
	}
	for _, r := range m.rules {
		if !r.match(rec) {
			return false
		}
	}
	return true
}

type disjunction struct {
	rules []matcher
}

func (m *disjunction) match(rec *triage.Record) bool {
	return anyMatch(m.rules, rec)
}

type neverMatches struct{}

func (neverMatches) match(*triage.Record) bool { return false }

func anyMatch(rules []matcher, rec *triage.Record) bool {
	for _, r := range rules {
		if r.match(rec) {
			return true
		}
	}
	return false
}
