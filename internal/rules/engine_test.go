package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkeller/mailtriage/internal/triage"
)

func record(from, subject string) *triage.Record {
	return &triage.Record{ID: "m1", From: from, Subject: subject}
}

func TestEvaluateRuleTypes(t *testing.T) {
	set := &RuleSet{
		Categories: map[string]CategoryDef{
			"newsletter": {
				Priority: 5,
				Action:   "archive",
				Rules: []RuleDef{
					{Name: "substack", Type: "from_domain", Patterns: []any{"substack.com"}},
				},
			},
			"urgent": {
				Priority: 0,
				Action:   "review",
				Rules: []RuleDef{
					{Name: "urgent-subject", Type: "subject_contains", Patterns: []any{"urgent", "asap"}},
				},
			},
			"ci": {
				Priority: 3,
				Action:   "archive",
				Rules: []RuleDef{
					{Name: "build-status", Type: "subject_regex", Pattern: `build #\d+ (passed|failed)`},
				},
			},
			"team": {
				Priority: 2,
				Action:   "escalate",
				Rules: []RuleDef{
					{Name: "boss", Type: "from_sender", Patterns: []any{"boss@corp.example"}},
				},
			},
		},
	}
	engine, err := Compile(set, "me@corp.example")
	require.NoError(t, err)

	tests := []struct {
		name         string
		rec          *triage.Record
		wantMatched  bool
		wantCategory string
		wantAction   triage.Action
		wantPriority int
	}{
		{
			name:         "domain match",
			rec:          record("news@foo.substack.com", "Weekly Digest"),
			wantMatched:  true,
			wantCategory: "newsletter",
			wantAction:   triage.ActionArchive,
			wantPriority: 5,
		},
		{
			name:         "subject contains is case insensitive",
			rec:          record("a@b.example", "URGENT: server down"),
			wantMatched:  true,
			wantCategory: "urgent",
			wantAction:   triage.ActionReview,
			wantPriority: 0,
		},
		{
			name:         "subject regex",
			rec:          record("ci@builds.example", "Build #1432 passed"),
			wantMatched:  true,
			wantCategory: "ci",
			wantAction:   triage.ActionArchive,
			wantPriority: 3,
		},
		{
			name:         "sender substring",
			rec:          record("The Boss <boss@corp.example>", "quick question"),
			wantMatched:  true,
			wantCategory: "team",
			wantAction:   triage.ActionEscalate,
			wantPriority: 2,
		},
		{
			name:        "no match returns undecided sentinel",
			rec:         record("someone@else.example", "hello"),
			wantMatched: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := engine.Evaluate(tt.rec)
			assert.Equal(t, tt.wantMatched, m.Matched)
			if tt.wantMatched {
				assert.Equal(t, tt.wantCategory, m.Category)
				assert.Equal(t, tt.wantAction, m.Action)
				assert.Equal(t, tt.wantPriority, m.Priority)
				assert.Equal(t, 1.0, m.Confidence)
			} else {
				assert.Equal(t, "unclear", m.Category)
				assert.Equal(t, PriorityFloor, m.Priority)
				assert.Zero(t, m.Confidence)
				assert.Empty(t, m.Action)
			}
		})
	}
}

func TestEvaluatePriorityOrderFirstMatchWins(t *testing.T) {
	// Both categories match; the lower priority number must win even
	// though the higher one is more specific.
	set := &RuleSet{
		Categories: map[string]CategoryDef{
			"broad": {
				Priority: 1,
				Action:   "review",
				Rules:    []RuleDef{{Name: "any-corp", Type: "from_domain", Patterns: []any{"corp.example"}}},
			},
			"specific": {
				Priority: 4,
				Action:   "archive",
				Rules:    []RuleDef{{Name: "noreply", Type: "from_sender", Patterns: []any{"noreply@corp.example"}}},
			},
		},
	}
	engine, err := Compile(set, "me")
	require.NoError(t, err)

	m := engine.Evaluate(record("noreply@corp.example", "receipt"))
	require.True(t, m.Matched)
	assert.Equal(t, "broad", m.Category)
	assert.Equal(t, "any-corp", m.RuleName)
}

func TestEvaluateExceptionsVetoMatch(t *testing.T) {
	set := &RuleSet{
		Categories: map[string]CategoryDef{
			"notifications": {
				Priority: 4,
				Action:   "archive",
				Rules: []RuleDef{{
					Name:     "github",
					Type:     "from_domain",
					Patterns: []any{"github.com"},
					Exceptions: []RuleDef{
						{Name: "mentions", Type: "subject_contains", Patterns: []any{"mentioned you"}},
					},
				}},
			},
		},
	}
	engine, err := Compile(set, "me")
	require.NoError(t, err)

	m := engine.Evaluate(record("notifications@github.com", "CI run finished"))
	assert.True(t, m.Matched)

	m = engine.Evaluate(record("notifications@github.com", "alice mentioned you on #42"))
	assert.False(t, m.Matched, "exception should veto the domain match")
}

func TestEvaluateConjunctionDisjunction(t *testing.T) {
	set := &RuleSet{
		Categories: map[string]CategoryDef{
			"combo": {
				Priority: 2,
				Action:   "escalate",
				Rules: []RuleDef{{
					Name: "vendor-invoice",
					Type: "all_of",
					Rules: []RuleDef{
						{Type: "from_domain", Patterns: []any{"vendor.example"}},
						{Type: "any_of", Rules: []RuleDef{
							{Type: "subject_contains", Patterns: []any{"invoice"}},
							{Type: "subject_contains", Patterns: []any{"payment due"}},
						}},
					},
				}},
			},
		},
	}
	engine, err := Compile(set, "me")
	require.NoError(t, err)

	assert.True(t, engine.Evaluate(record("billing@vendor.example", "Invoice #99")).Matched)
	assert.True(t, engine.Evaluate(record("billing@vendor.example", "Payment due Friday")).Matched)
	assert.False(t, engine.Evaluate(record("billing@vendor.example", "newsletter")).Matched)
	assert.False(t, engine.Evaluate(record("billing@other.example", "Invoice #99")).Matched)
}

func TestEvaluateSubcategoriesAfterDirectRules(t *testing.T) {
	set := &RuleSet{
		Categories: map[string]CategoryDef{
			"auto": {
				Priority: 5,
				Action:   "archive",
				Rules: []RuleDef{
					{Name: "direct", Type: "subject_contains", Patterns: []any{"digest"}},
				},
				Subcategories: map[string][]RuleDef{
					"promos": {
						{Name: "sale", Type: "subject_contains", Patterns: []any{"sale", "digest"}},
					},
				},
			},
		},
	}
	engine, err := Compile(set, "me")
	require.NoError(t, err)

	m := engine.Evaluate(record("a@b.example", "Daily digest"))
	require.True(t, m.Matched)
	assert.Equal(t, "direct", m.RuleName, "direct rules evaluate before subcategories")
	assert.Empty(t, m.Subcategory)

	m = engine.Evaluate(record("a@b.example", "Big sale today"))
	require.True(t, m.Matched)
	assert.Equal(t, "promos", m.Subcategory)
	assert.Equal(t, "sale", m.RuleName)
}

func TestEvaluateAccountRestriction(t *testing.T) {
	set := &RuleSet{
		Categories: map[string]CategoryDef{
			"work-only": {
				Priority: 1,
				Action:   "archive",
				Account:  "work@corp.example",
				Rules:    []RuleDef{{Name: "jira", Type: "from_domain", Patterns: []any{"atlassian.net"}}},
			},
		},
	}

	work, err := Compile(set, "work@corp.example")
	require.NoError(t, err)
	personal, err := Compile(set, "me@gmail.example")
	require.NoError(t, err)

	rec := record("jira@corp.atlassian.net", "ticket updated")
	assert.True(t, work.Evaluate(rec).Matched)
	assert.False(t, personal.Evaluate(rec).Matched)
}

func TestCompileFiltersMalformedPatterns(t *testing.T) {
	set := &RuleSet{
		Categories: map[string]CategoryDef{
			"broken": {
				Priority: 1,
				Action:   "archive",
				Rules: []RuleDef{
					{Name: "mixed", Type: "subject_contains", Patterns: []any{42, "digest", map[string]any{"x": 1}}},
				},
			},
		},
	}
	engine, err := Compile(set, "me")
	require.NoError(t, err, "non-string patterns are filtered, not fatal")

	assert.True(t, engine.Evaluate(record("a@b.example", "weekly digest")).Matched)
	assert.False(t, engine.Evaluate(record("a@b.example", "42")).Matched)
}

func TestCompileRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name string
		set  *RuleSet
	}{
		{
			name: "unknown action",
			set: &RuleSet{Categories: map[string]CategoryDef{
				"bad": {Priority: 1, Action: "delete"},
			}},
		},
		{
			name: "invalid regex",
			set: &RuleSet{Categories: map[string]CategoryDef{
				"bad": {Priority: 1, Action: "archive", Rules: []RuleDef{
					{Name: "re", Type: "subject_regex", Pattern: "(unclosed"},
				}},
			}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compile(tt.set, "me")
			assert.Error(t, err)
		})
	}
}

func TestUnknownRuleTypeNeverMatches(t *testing.T) {
	set := &RuleSet{
		Categories: map[string]CategoryDef{
			"odd": {Priority: 1, Action: "archive", Rules: []RuleDef{
				{Name: "future", Type: "body_contains", Patterns: []any{"anything"}},
			}},
		},
	}
	engine, err := Compile(set, "me")
	require.NoError(t, err)
	assert.False(t, engine.Evaluate(record("a@b.example", "anything")).Matched)
}
