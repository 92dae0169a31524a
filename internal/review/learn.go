package review

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mkeller/mailtriage/internal/triage"
)

// learnThreshold is how many same-domain items a bulk action must contain
// before the promote-to-rule prompt appears.
const learnThreshold = 3

// learnedFile mirrors the rule file schema so learned rules can be merged
// into the main rule set verbatim.
type learnedFile struct {
	Categories map[string]learnedCategory `yaml:"categories"`
}

type learnedCategory struct {
	Priority int           `yaml:"priority"`
	Action   string        `yaml:"action"`
	Rules    []learnedRule `yaml:"rules"`
}

type learnedRule struct {
	Name     string   `yaml:"name"`
	Type     string   `yaml:"type"`
	Patterns []string `yaml:"patterns"`
}

// appendLearnedRule records a standing from_domain rule under the
// "learned_<action>" category, creating the file on first use. Duplicate
// domains are silently skipped.
func appendLearnedRule(path, domain string, action triage.Action) error {
	file := learnedFile{Categories: map[string]learnedCategory{}}
	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, &file); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
		if file.Categories == nil {
			file.Categories = map[string]learnedCategory{}
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("read %s: %w", path, err)
	}

	categoryName := "learned_" + string(action)
	cat, ok := file.Categories[categoryName]
	if !ok {
		cat = learnedCategory{Priority: 4, Action: string(action)}
	}

	ruleName := "learned_" + strings.NewReplacer(".", "_", "-", "_").Replace(domain)
	for _, r := range cat.Rules {
		if r.Name == ruleName {
			return nil
		}
	}
	cat.Rules = append(cat.Rules, learnedRule{
		Name:     ruleName,
		Type:     "from_domain",
		Patterns: []string{domain},
	})
	file.Categories[categoryName] = cat

	data, err := yaml.Marshal(&file)
	if err != nil {
		return fmt.Errorf("marshal learned rules: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".learned-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write learned rules: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
