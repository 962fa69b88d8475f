// Copyright 2026 The Conveyor Authors
// SPDX-License-Identifier: Apache-2.0

package deltasync

import (
	"bufio"
	"fmt"
	"os"
	"path"
	"strings"
)

// RuleAction says what a matching filter rule does with a path.
type RuleAction int

const (
	ActionInclude RuleAction = iota
	ActionExclude
)

// Rule is one ordered include/exclude pattern. Patterns use shell
// globbing; a pattern containing a slash matches against the whole
// slash-separated relative path, otherwise against the base name.
type Rule struct {
	Action  RuleAction
	Pattern string
}

// FilterSet is an ordered rule list with first-match-wins semantics.
//
// A path that matches no rule is included — unless the set contains
// at least one include rule, in which case the include rules are
// treated as an allowlist and unmatched paths are excluded.
type FilterSet struct {
	rules       []Rule
	hasIncludes bool
}

// NewFilterSet builds a filter from ordered rules.
func NewFilterSet(rules []Rule) *FilterSet {
	set := &FilterSet{rules: rules}
	for _, rule := range rules {
		if rule.Action == ActionInclude {
			set.hasIncludes = true
		}
	}
	return set
}

// AddInclude appends an include rule.
func (f *FilterSet) AddInclude(pattern string) {
	f.rules = append(f.rules, Rule{Action: ActionInclude, Pattern: pattern})
	f.hasIncludes = true
}

// AddExclude appends an exclude rule.
func (f *FilterSet) AddExclude(pattern string) {
	f.rules = append(f.rules, Rule{Action: ActionExclude, Pattern: pattern})
}

// Empty reports whether the set has no rules.
func (f *FilterSet) Empty() bool {
	return f == nil || len(f.rules) == 0
}

// Keep decides whether the slash-separated relative path survives
// the filter.
func (f *FilterSet) Keep(relativePath string) bool {
	if f.Empty() {
		return true
	}
	base := path.Base(relativePath)
	for _, rule := range f.rules {
		target := base
		if strings.ContainsRune(rule.Pattern, '/') {
			target = relativePath
		}
		matched, err := path.Match(rule.Pattern, target)
		if err != nil || !matched {
			continue
		}
		return rule.Action == ActionInclude
	}
	return !f.hasIncludes
}

// Rules returns the ordered rules for transmission in the handshake.
func (f *FilterSet) Rules() []Rule {
	if f == nil {
		return nil
	}
	return f.rules
}

// LoadRuleFile reads one pattern per line from a file, skipping
// blanks and '#' comments, and appends each with the given action.
func (f *FilterSet) LoadRuleFile(filePath string, action RuleAction) error {
	file, err := os.Open(filePath)
	if err != nil {
		return fmt.Errorf("opening filter file: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		f.rules = append(f.rules, Rule{Action: action, Pattern: line})
		if action == ActionInclude {
			f.hasIncludes = true
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading filter file: %w", err)
	}
	return nil
}

// WireRule is the serialized form of a rule for the handshake.
type WireRule struct {
	Include bool   `json:"include"`
	Pattern string `json:"pattern"`
}

// ToWire converts the set's rules for transmission.
func (f *FilterSet) ToWire() []WireRule {
	if f == nil {
		return nil
	}
	wire := make([]WireRule, len(f.rules))
	for i, rule := range f.rules {
		wire[i] = WireRule{Include: rule.Action == ActionInclude, Pattern: rule.Pattern}
	}
	return wire
}

// FilterFromWire rebuilds a filter set from handshake rules.
func FilterFromWire(wire []WireRule) *FilterSet {
	rules := make([]Rule, len(wire))
	for i, w := range wire {
		action := ActionExclude
		if w.Include {
			action = ActionInclude
		}
		rules[i] = Rule{Action: action, Pattern: w.Pattern}
	}
	return NewFilterSet(rules)
}
