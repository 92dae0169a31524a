// Package rules implements the deterministic, priority-ordered rule engine.
// Rule sets are declared in YAML, compiled once at startup, and evaluated as
// a pure function over records: first match wins, ambiguity is signalled
// explicitly instead of defaulting to an action.
package rules

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mkeller/mailtriage/internal/triage"
)

// PriorityFloor is the lowest-urgency priority, used by the undecided
// sentinel and as the default for categories that declare none.
const PriorityFloor = 5

// RuleSet is the YAML shape of a rules file.
type RuleSet struct {
	Categories map[string]CategoryDef `yaml:"categories"`
}

// CategoryDef declares one named rule category.
type CategoryDef struct {
	Priority int    `yaml:"priority"`
	Action   string `yaml:"action"`
	// Account restricts the category to a single account when set.
	Account       string               `yaml:"account,omitempty"`
	Rules         []RuleDef            `yaml:"rules,omitempty"`
	Subcategories map[string][]RuleDef `yaml:"subcategories,omitempty"`
}

// RuleDef is the recursive YAML shape of a single rule predicate.
// Patterns is []any so that malformed entries (numbers, nested maps) can be
// filtered defensively at compile time instead of failing the whole set.
type RuleDef struct {
	Name          string    `yaml:"name,omitempty"`
	Type          string    `yaml:"type"`
	Pattern       string    `yaml:"pattern,omitempty"`
	Patterns      []any     `yaml:"patterns,omitempty"`
	CaseSensitive bool      `yaml:"case_sensitive,omitempty"`
	Exceptions    []RuleDef `yaml:"exceptions,omitempty"`
	Rules         []RuleDef `yaml:"rules,omitempty"`
}

// Load reads and compiles a rules file for the given account.
func Load(path, account string) (*Engine, error) {
	set, err := LoadSet(path)
	if err != nil {
		return nil, err
	}
	return Compile(set, account)
}

// LoadSet reads a rules file without compiling it, for callers that merge
// several files before building an Engine.
func LoadSet(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	var set RuleSet
	if err := yaml.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("parse rules file %s: %w", path, err)
	}
	return &set, nil
}

// Merge folds other's categories into set. On a name collision the existing
// priority and action win and the incoming rules are appended.
func (set *RuleSet) Merge(other *RuleSet) {
	if other == nil {
		return
	}
	if set.Categories == nil {
		set.Categories = map[string]CategoryDef{}
	}
	for name, def := range other.Categories {
		existing, ok := set.Categories[name]
		if !ok {
			set.Categories[name] = def
			continue
		}
		existing.Rules = append(existing.Rules, def.Rules...)
		set.Categories[name] = existing
	}
}

// Compile validates a rule set and builds an Engine for one account.
// Unknown actions and invalid regexes are configuration errors; non-string
// patterns are silently dropped so a bad entry degrades to "never matches".
func Compile(set *RuleSet, account string) (*Engine, error) {
	e := &Engine{account: account}

	for name, def := range set.Categories {
		action := triage.Action(def.Action)
		if def.Action == "" {
			action = triage.ActionReview
		}
		if !action.Valid() {
			return nil, fmt.Errorf("category %s: unknown action %q", name, def.Action)
		}
		priority := def.Priority
		if priority < 0 {
			return nil, fmt.Errorf("category %s: negative priority %d", name, priority)
		}

		cat := category{
			name:     name,
			priority: priority,
			action:   action,
			account:  def.Account,
		}
		for _, rd := range def.Rules {
			m, err := compileRule(rd)
			if err != nil {
				return nil, fmt.Errorf("category %s, rule %s: %w", name, ruleLabel(rd), err)
			}
			cat.rules = append(cat.rules, namedMatcher{name: ruleLabel(rd), m: m})
		}

		subNames := make([]string, 0, len(def.Subcategories))
		for sub := range def.Subcategories {
			subNames = append(subNames, sub)
		}
		sort.Strings(subNames)
		for _, sub := range subNames {
			sc := subcategory{name: sub}
			for _, rd := range def.Subcategories[sub] {
				m, err := compileRule(rd)
				if err != nil {
					return nil, fmt.Errorf("category %s.%s, rule %s: %w", name, sub, ruleLabel(rd), err)
				}
				sc.rules = append(sc.rules, namedMatcher{name: ruleLabel(rd), m: m})
			}
			cat.subcategories = append(cat.subcategories, sc)
		}

		e.categories = append(e.categories, cat)
	}

	// First-match-wins across categories sorted by ascending priority.
	// Name breaks ties so evaluation order is deterministic.
	sort.SliceStable(e.categories, func(i, j int) bool {
		if e.categories[i].priority != e.categories[j].priority {
			return e.categories[i].priority < e.categories[j].priority
		}
		return e.categories[i].name < e.categories[j].name
	})

	return e, nil
}

func ruleLabel(rd RuleDef) string {
	if rd.Name != "" {
		return rd.Name
	}
	return "unnamed"
}

func compileRule(rd RuleDef) (matcher, error) {
	switch rd.Type {
	case "subject_contains":
		m := &textContains{
			patterns:      stringPatterns(rd.Patterns),
			caseSensitive: rd.CaseSensitive,
		}
		if !rd.CaseSensitive {
			for i, p := range m.patterns {
				m.patterns[i] = strings.ToLower(p)
			}
		}
		var err error
		if m.exceptions, err = compileRules(rd.Exceptions); err != nil {
			return nil, err
		}
		return m, nil

	case "subject_regex":
		re, err := regexp.Compile("(?i)" + rd.Pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %q: %w", rd.Pattern, err)
		}
		return &subjectRegex{re: re}, nil

	case "from_domain":
		patterns := stringPatterns(rd.Patterns)
		if rd.Pattern != "" {
			patterns = append(patterns, rd.Pattern)
		}
		m := &fromDomain{patterns: lowered(patterns)}
		var err error
		if m.exceptions, err = compileRules(rd.Exceptions); err != nil {
			return nil, err
		}
		return m, nil

	case "from_sender":
		return &fromSender{patterns: lowered(stringPatterns(rd.Patterns))}, nil

	case "all_of":
		sub, err := compileRules(rd.Rules)
		if err != nil {
			return nil, err
		}
		return &conjunction{rules: sub}, nil

	case "any_of":
		sub, err := compileRules(rd.Rules)
		if err != nil {
			return nil, err
		}
		return &disjunction{rules: sub}, nil
	}

	// Unknown types degrade to a rule that never matches rather than
	// failing the whole batch at evaluation time.
	return neverMatches{}, nil
}

func compileRules(defs []RuleDef) ([]matcher, error) {
	var out []matcher
	for _, rd := range defs {
		m, err := compileRule(rd)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// stringPatterns drops non-string pattern entries from a malformed config.
func stringPatterns(raw []any) []string {
	var out []string
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func lowered(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(s)
	}
	return out
}
